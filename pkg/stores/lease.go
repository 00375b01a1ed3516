package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/changeflow/changeflow/pkg/telemetry"
)

var (
	// ErrLockHeld is returned by Lock when another owner holds an unexpired lease.
	ErrLockHeld = errors.New("lock held by another runner")

	// ErrLockLost is returned by Ensure once the lease expired or was taken over.
	ErrLockLost = errors.New("lock lost")
)

// Lease is a time-bounded run lock stored in the run_locks table. While held
// it is renewed in the background every third of its TTL. An expired lease
// can be taken over by any runner.
type Lease struct {
	db    *sql.DB
	name  string
	owner string
	ttl   time.Duration
	now   func() time.Time

	mu   sync.Mutex
	held bool
	// heldUntil is the expiry last written by Lock or renew. It is zeroed
	// once a renewal finds the lease taken over.
	heldUntil time.Time
	stop      chan struct{}
	done      chan struct{}
}

// NewLease creates a lease named name with a random owner id.
func NewLease(db *sql.DB, name string, ttl time.Duration) *Lease {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Lease{
		db:    db,
		name:  name,
		owner: uuid.New().String(),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Owner returns the owner id this lease acquires the lock as.
func (l *Lease) Owner() string {
	return l.owner
}

// Lock acquires the lease or fails with ErrLockHeld.
func (l *Lease) Lock(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held {
		return nil
	}

	now := l.now().UTC()
	query := `
		INSERT INTO run_locks (name, owner, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			owner = excluded.owner,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE run_locks.owner = excluded.owner OR run_locks.expires_at <= ?
	`

	result, err := l.db.ExecContext(ctx, query, l.name, l.owner, now.UnixNano(), now.Add(l.ttl).UnixNano(), now.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to acquire lock %s: %w", l.name, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		if info, err := ReadLock(ctx, l.db, l.name); err == nil && info != nil {
			return fmt.Errorf("%w: %s until %s", ErrLockHeld, info.Owner, info.ExpiresAt.Format(time.RFC3339))
		}
		return ErrLockHeld
	}

	l.held = true
	l.heldUntil = now.Add(l.ttl)
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	go l.keepalive(telemetry.FromContext(ctx), l.stop, l.done)

	return nil
}

// Unlock releases the lease. Releasing a lease that is not held is not an error.
func (l *Lease) Unlock(ctx context.Context) error {
	l.mu.Lock()
	if !l.held {
		l.mu.Unlock()
		return nil
	}
	l.held = false
	l.heldUntil = time.Time{}
	close(l.stop)
	done := l.done
	l.mu.Unlock()

	<-done

	query := `DELETE FROM run_locks WHERE name = ? AND owner = ?`
	if _, err := l.db.ExecContext(ctx, query, l.name, l.owner); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.name, err)
	}
	return nil
}

// Ensure reports whether the lease is still held by this owner. It checks
// the expiry recorded by the last successful write and never touches the
// database, so it cannot wait on a connection held by an open transaction.
// A renewal that cannot get a connection leaves the expiry stale, and the
// lease reads as lost once it passes.
func (l *Lease) Ensure(_ context.Context) error {
	l.mu.Lock()
	held, until := l.held, l.heldUntil
	l.mu.Unlock()

	if !held {
		return fmt.Errorf("%w: %s not acquired", ErrLockLost, l.name)
	}
	if until.IsZero() {
		return fmt.Errorf("%w: %s could not be renewed", ErrLockLost, l.name)
	}
	if !until.After(l.now()) {
		return fmt.Errorf("%w: %s expired at %s", ErrLockLost, l.name, until.UTC().Format(time.RFC3339))
	}
	return nil
}

// renew extends the lease if this owner still holds it.
func (l *Lease) renew(ctx context.Context) error {
	now := l.now().UTC()
	expires := now.Add(l.ttl)
	query := `
		UPDATE run_locks SET expires_at = ?
		WHERE name = ? AND owner = ? AND expires_at > ?
	`

	result, err := l.db.ExecContext(ctx, query, expires.UnixNano(), l.name, l.owner, now.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to renew lock %s: %w", l.name, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if rows == 0 {
		l.heldUntil = time.Time{}
		return fmt.Errorf("%w: %s", ErrLockLost, l.name)
	}
	if l.held {
		l.heldUntil = expires
	}
	return nil
}

func (l *Lease) keepalive(logger *telemetry.Logger, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			err := l.renew(ctx)
			cancel()

			if errors.Is(err, ErrLockLost) {
				logger.WithField("lock", l.name).Error("Run lock lost, resources will be refused")
				return
			}
			if err != nil {
				// retried on the next tick
				logger.WithError(err).WithField("lock", l.name).Warn("Failed to renew run lock")
			}
		}
	}
}

// ReadLock returns the current holder of the named lock, or nil when the
// lock is free.
func ReadLock(ctx context.Context, db *sql.DB, name string) (*LockInfo, error) {
	query := `SELECT name, owner, acquired_at, expires_at FROM run_locks WHERE name = ?`

	var (
		info       LockInfo
		acquiredAt int64
		expiresAt  int64
	)
	err := db.QueryRowContext(ctx, query, name).Scan(&info.Name, &info.Owner, &acquiredAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lock %s: %w", name, err)
	}

	info.AcquiredAt = time.Unix(0, acquiredAt).UTC()
	info.ExpiresAt = time.Unix(0, expiresAt).UTC()
	return &info, nil
}
