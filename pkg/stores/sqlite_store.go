package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/changeflow/changeflow/pkg/audit"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config

	// now stamps marks and leases; entries carry their own timestamp
	now func() time.Time
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	// every connection to :memory: opens its own database
	if isMemory(cfg.Path) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
		now:  time.Now,
	}, nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// DSN returns the modernc.org/sqlite data source name for path.
func DSN(path string, busyTimeout time.Duration) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		path, sep, busyTimeout.Milliseconds())
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", DSN(s.path, s.cfg.BusyTimeout))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB returns the underlying connection pool.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const insertEntryQuery = `
	INSERT INTO audit_entries (
		execution_id, stage_id, change_id, author, timestamp, state, kind,
		execution_millis, execution_hostname, error_trace, target_system_id,
		transactional, recovery_strategy
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

func insertEntry(ctx context.Context, ex execer, entry audit.Entry) error {
	if err := entry.Validate(); err != nil {
		return fmt.Errorf("invalid audit entry: %w", err)
	}

	_, err := ex.ExecContext(ctx, insertEntryQuery,
		entry.ExecutionID,
		entry.StageID,
		entry.ChangeID,
		entry.Author,
		entry.Timestamp.UTC().UnixNano(),
		string(entry.State),
		string(entry.Kind),
		entry.ExecutionMillis,
		entry.ExecutionHostname,
		entry.ErrorTrace,
		entry.TargetSystemID,
		entry.Transactional,
		string(entry.RecoveryStrategy),
	)
	if err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}

	return nil
}

// WriteEntry appends an audit entry.
func (s *SQLiteStore) WriteEntry(ctx context.Context, entry audit.Entry) error {
	return insertEntry(ctx, s.db, entry)
}

// WriteEntryTx appends an audit entry inside tx. The entry becomes visible
// only if tx commits.
func (s *SQLiteStore) WriteEntryTx(ctx context.Context, tx *sql.Tx, entry audit.Entry) error {
	return insertEntry(ctx, tx, entry)
}

const selectEntryColumns = `
	SELECT execution_id, stage_id, change_id, author, timestamp, state, kind,
		execution_millis, execution_hostname, error_trace, target_system_id,
		transactional, recovery_strategy
	FROM audit_entries
`

// History returns the full audit history in insertion order.
func (s *SQLiteStore) History(ctx context.Context) ([]audit.Entry, error) {
	return s.queryEntries(ctx, selectEntryColumns+` ORDER BY id`)
}

// HistoryFor returns the audit history of one change id in insertion order.
func (s *SQLiteStore) HistoryFor(ctx context.Context, changeID string) ([]audit.Entry, error) {
	return s.queryEntries(ctx, selectEntryColumns+` WHERE change_id = ? ORDER BY id`, changeID)
}

// ListEntries lists audit entries with optional filters and pagination,
// newest first.
func (s *SQLiteStore) ListEntries(ctx context.Context, filter EntryFilter) ([]audit.Entry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var state *string
	if filter.State != nil {
		v := string(*filter.State)
		state = &v
	}

	query := selectEntryColumns + `
		WHERE (? IS NULL OR change_id = ?)
		  AND (? IS NULL OR execution_id = ?)
		  AND (? IS NULL OR target_system_id = ?)
		  AND (? IS NULL OR state = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`

	return s.queryEntries(ctx, query,
		filter.ChangeID, filter.ChangeID,
		filter.ExecutionID, filter.ExecutionID,
		filter.TargetSystemID, filter.TargetSystemID,
		state, state,
		limit, filter.Offset,
	)
}

func (s *SQLiteStore) queryEntries(ctx context.Context, query string, args ...any) ([]audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	entries := []audit.Entry{}
	for rows.Next() {
		var (
			e        audit.Entry
			ts       int64
			state    string
			kind     string
			errTrace sql.NullString
			tx       bool
			recovery string
		)
		err := rows.Scan(
			&e.ExecutionID,
			&e.StageID,
			&e.ChangeID,
			&e.Author,
			&ts,
			&state,
			&kind,
			&e.ExecutionMillis,
			&e.ExecutionHostname,
			&errTrace,
			&e.TargetSystemID,
			&tx,
			&recovery,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}

		e.Timestamp = time.Unix(0, ts).UTC()
		e.State = audit.State(state)
		e.Kind = audit.Kind(kind)
		e.Transactional = tx
		e.RecoveryStrategy = audit.RecoveryStrategy(recovery)
		if errTrace.Valid {
			msg := errTrace.String
			e.ErrorTrace = &msg
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// Marker returns an ongoing-operation marker for a target system whose
// marks live in this store.
func (s *SQLiteStore) Marker(targetSystemID string) *SQLMarker {
	m := NewSQLMarker(s.db, targetSystemID)
	m.now = s.now
	return m
}

// Lease returns a run lock named name with the given time to live.
func (s *SQLiteStore) Lease(name string, ttl time.Duration) *Lease {
	l := NewLease(s.db, name, ttl)
	l.now = s.now
	return l
}

// RecordRun upserts the summary of a run.
func (s *SQLiteStore) RecordRun(ctx context.Context, run *RunRecord) error {
	query := `
		INSERT INTO runs (
			execution_id, stage_id, status, started_at, duration_millis,
			applied, skipped, rolled_back, manual, not_executed, recovery_issues, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id) DO UPDATE SET
			status = excluded.status,
			duration_millis = excluded.duration_millis,
			applied = excluded.applied,
			skipped = excluded.skipped,
			rolled_back = excluded.rolled_back,
			manual = excluded.manual,
			not_executed = excluded.not_executed,
			recovery_issues = excluded.recovery_issues,
			error = excluded.error
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ExecutionID,
		run.StageID,
		run.Status,
		run.StartedAt.UTC().UnixNano(),
		run.DurationMillis,
		run.Applied,
		run.Skipped,
		run.RolledBack,
		run.Manual,
		run.NotExecuted,
		run.RecoveryIssues,
		run.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}

	return nil
}

const selectRunColumns = `
	SELECT execution_id, stage_id, status, started_at, duration_millis,
		applied, skipped, rolled_back, manual, not_executed, recovery_issues, error
	FROM runs
`

// GetRun retrieves a run by execution id
func (s *SQLiteStore) GetRun(ctx context.Context, executionID string) (*RunRecord, error) {
	runs, err := s.queryRuns(ctx, selectRunColumns+` WHERE execution_id = ?`, executionID)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("run not found: %s", executionID)
	}
	return runs[0], nil
}

// ListRuns lists runs with pagination, newest first
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*RunRecord, error) {
	return s.queryRuns(ctx, selectRunColumns+` ORDER BY started_at DESC LIMIT ? OFFSET ?`, limit, offset)
}

func (s *SQLiteStore) queryRuns(ctx context.Context, query string, args ...any) ([]*RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*RunRecord{}
	for rows.Next() {
		run := &RunRecord{}
		var startedAt int64
		var errMsg sql.NullString
		err := rows.Scan(
			&run.ExecutionID,
			&run.StageID,
			&run.Status,
			&startedAt,
			&run.DurationMillis,
			&run.Applied,
			&run.Skipped,
			&run.RolledBack,
			&run.Manual,
			&run.NotExecuted,
			&run.RecoveryIssues,
			&errMsg,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.StartedAt = time.Unix(0, startedAt).UTC()
		if errMsg.Valid {
			msg := errMsg.String
			run.Error = &msg
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
