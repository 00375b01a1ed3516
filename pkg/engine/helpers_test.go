package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/changeflow/changeflow/pkg/audit"
)

// memStore is an in-memory audit store with injectable write failures.
type memStore struct {
	mu         sync.Mutex
	entries    []audit.Entry
	failStates map[audit.State]error
}

func newMemStore(entries ...audit.Entry) *memStore {
	return &memStore{entries: entries, failStates: make(map[audit.State]error)}
}

func (m *memStore) WriteEntry(_ context.Context, e audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failStates[e.State]; err != nil {
		return err
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *memStore) History(context.Context) ([]audit.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]audit.Entry(nil), m.entries...), nil
}

func (m *memStore) failOn(state audit.State, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failStates[state] = err
}

// states returns the recorded states of changeID in write order.
func (m *memStore) states(changeID string) []audit.State {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []audit.State
	for _, e := range m.entries {
		if e.ChangeID == changeID {
			out = append(out, e.State)
		}
	}
	return out
}

// fakeDB is the committed state of a fake target system.
type fakeDB struct {
	mu   sync.Mutex
	rows map[string]string
}

func newFakeDB() *fakeDB {
	return &fakeDB{rows: make(map[string]string)}
}

func (d *fakeDB) Set(key, value string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rows[key] = value
}

func (d *fakeDB) Delete(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.rows, key)
}

func (d *fakeDB) Get(key string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.rows[key]
	return v, ok
}

func (d *fakeDB) Keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]string, 0, len(d.rows))
	for k := range d.rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// fakeTx stages writes until commit.
type fakeTx struct {
	target     *fakeTarget
	pending    map[string]string
	entries    []audit.Entry
	committed  bool
	rolledBack bool
}

func (tx *fakeTx) Set(key, value string) {
	tx.pending[key] = value
}

func (tx *fakeTx) Resources() map[string]any {
	return map[string]any{"tx": tx}
}

func (tx *fakeTx) Commit() error {
	if tx.target.commitErr != nil {
		return tx.target.commitErr
	}
	for k, v := range tx.pending {
		tx.target.db.Set(k, v)
	}
	if tx.target.store != nil {
		for _, e := range tx.entries {
			_ = tx.target.store.WriteEntry(context.Background(), e)
		}
	}
	tx.committed = true
	return nil
}

func (tx *fakeTx) Rollback() error {
	if tx.target.rollbackErr != nil {
		return tx.target.rollbackErr
	}
	tx.pending = nil
	tx.entries = nil
	tx.rolledBack = true
	return nil
}

// fakeTarget is a transactional target system backed by fakeDB.
type fakeTarget struct {
	id       string
	db       *fakeDB
	marker   *audit.MemoryMarker
	recovery audit.RecoveryStrategy

	beginErr    error
	commitErr   error
	rollbackErr error

	// store receives entries committed through transactions, see auditTarget
	store *memStore

	txs []*fakeTx
}

func newFakeTarget(id string) *fakeTarget {
	return &fakeTarget{id: id, db: newFakeDB(), marker: audit.NewMemoryMarker(id)}
}

func (t *fakeTarget) ID() string { return t.id }

func (t *fakeTarget) Resources(context.Context) (map[string]any, error) {
	return map[string]any{"db": t.db}, nil
}

func (t *fakeTarget) Marker() audit.Marker { return t.marker }

func (t *fakeTarget) Recovery() audit.RecoveryStrategy { return t.recovery }

func (t *fakeTarget) Begin(context.Context) (Transaction, error) {
	if t.beginErr != nil {
		return nil, t.beginErr
	}
	tx := &fakeTx{target: t, pending: make(map[string]string)}
	t.txs = append(t.txs, tx)
	return tx, nil
}

// auditTarget carries audit entries inside its transactions.
type auditTarget struct {
	*fakeTarget
	failWrite error
}

func (t *auditTarget) TransactionalAuditWriter(ec *ExecutionContext) (audit.Writer, bool) {
	tx, err := ResourceAs[*fakeTx](context.Background(), ec, "tx")
	if err != nil {
		return nil, false
	}
	return audit.WriterFunc(func(_ context.Context, e audit.Entry) error {
		if t.failWrite != nil {
			return t.failWrite
		}
		tx.entries = append(tx.entries, e)
		return nil
	}), true
}

// plainTarget has no transaction support.
type plainTarget struct {
	id     string
	db     *fakeDB
	marker audit.Marker
}

func (t *plainTarget) ID() string { return t.id }

func (t *plainTarget) Resources(context.Context) (map[string]any, error) {
	return map[string]any{"db": t.db}, nil
}

func (t *plainTarget) Marker() audit.Marker { return t.marker }

func (t *plainTarget) Recovery() audit.RecoveryStrategy { return "" }

// mockLocker records lock calls and can lose the lock.
type mockLocker struct {
	lockErr  error
	locked   bool
	lost     bool
	unlocked int
}

func (l *mockLocker) Lock(context.Context) error {
	if l.lockErr != nil {
		return l.lockErr
	}
	l.locked = true
	return nil
}

func (l *mockLocker) Unlock(context.Context) error {
	l.locked = false
	l.unlocked++
	return nil
}

func (l *mockLocker) Ensure(context.Context) error {
	if !l.locked || l.lost {
		return errors.New("lease expired")
	}
	return nil
}

// writeOp sets key in the transaction when one is open, else in the db.
func writeOp(key, value string) Operation {
	return func(ctx context.Context, ec *ExecutionContext) error {
		if ec.InTransaction() {
			tx, err := ResourceAs[*fakeTx](ctx, ec, "tx")
			if err != nil {
				return err
			}
			tx.Set(key, value)
			return nil
		}
		db, err := ResourceAs[*fakeDB](ctx, ec, "db")
		if err != nil {
			return err
		}
		db.Set(key, value)
		return nil
	}
}

// deleteOp removes key from the db.
func deleteOp(key string) Operation {
	return func(ctx context.Context, ec *ExecutionContext) error {
		db, err := ResourceAs[*fakeDB](ctx, ec, "db")
		if err != nil {
			return err
		}
		db.Delete(key)
		return nil
	}
}

// partialOp writes key and then fails.
func partialOp(key string, err error) Operation {
	write := writeOp(key, "partial")
	return func(ctx context.Context, ec *ExecutionContext) error {
		if werr := write(ctx, ec); werr != nil {
			return werr
		}
		return err
	}
}

func failOp(err error) Operation {
	return func(context.Context, *ExecutionContext) error { return err }
}

var (
	errBoom     = errors.New("boom")
	errRollback = errors.New("rollback exploded")
	errAudit    = errors.New("audit store unavailable")
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func entry(changeID string, state audit.State, kind audit.Kind, at time.Time) audit.Entry {
	return audit.Entry{
		ExecutionID:    "exec-old",
		StageID:        DefaultStageID,
		ChangeID:       changeID,
		Timestamp:      at,
		State:          state,
		Kind:           kind,
		TargetSystemID: "db",
	}
}
