// Package sqltarget implements an engine target system on database/sql.
//
// Change units run SQL statements against the target database. Transactional
// units run inside a database transaction; when the audit trail lives in the
// same database, the APPLIED entry is written in that transaction too.
package sqltarget

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/changeflow/changeflow/pkg/audit"
	"github.com/changeflow/changeflow/pkg/engine"
	"github.com/changeflow/changeflow/pkg/stores"
)

// Resource names exposed to operations.
const (
	ResourceDB = "db"
	ResourceTx = "tx"
)

// TxEntryWriter writes audit entries inside a caller-owned transaction.
// *stores.SQLiteStore implements it.
type TxEntryWriter interface {
	WriteEntryTx(ctx context.Context, tx *sql.Tx, entry audit.Entry) error
}

// Target is a SQL database target system.
type Target struct {
	id       string
	db       *sql.DB
	marker   audit.Marker
	recovery audit.RecoveryStrategy
	txAudit  TxEntryWriter
	txOpts   *sql.TxOptions
}

var (
	_ engine.TargetSystem     = (*Target)(nil)
	_ engine.Transactor       = (*Target)(nil)
	_ engine.AuditParticipant = (*Target)(nil)
)

// Option configures a Target.
type Option func(*Target)

// WithMarker replaces the default marker, which keeps marks in the target
// database itself.
func WithMarker(m audit.Marker) Option {
	return func(t *Target) { t.marker = m }
}

// WithRecovery sets the default recovery strategy for the target's change units.
func WithRecovery(r audit.RecoveryStrategy) Option {
	return func(t *Target) { t.recovery = r }
}

// WithTransactionalAudit writes APPLIED entries of transactional change units
// inside their transaction. The audit table must live in the target database.
func WithTransactionalAudit(w TxEntryWriter) Option {
	return func(t *Target) { t.txAudit = w }
}

// WithTxOptions sets the options used to begin transactions.
func WithTxOptions(opts *sql.TxOptions) Option {
	return func(t *Target) { t.txOpts = opts }
}

// New creates a target system with the given id on db.
func New(id string, db *sql.DB, opts ...Option) *Target {
	t := &Target{id: id, db: db}
	for _, opt := range opts {
		opt(t)
	}
	if t.marker == nil {
		t.marker = stores.NewSQLMarker(db, id)
	}
	return t
}

// OpenSQLite opens a SQLite target database with the same connection
// settings as the audit store.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", stores.DSN(path, 5*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to open target database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping target database: %w", err)
	}
	return db, nil
}

// Init prepares the marks table when marks are kept in the target database.
func (t *Target) Init(ctx context.Context) error {
	if m, ok := t.marker.(*stores.SQLMarker); ok {
		return m.Init(ctx)
	}
	return nil
}

// ID returns the target system id.
func (t *Target) ID() string { return t.id }

// DB returns the target connection pool.
func (t *Target) DB() *sql.DB { return t.db }

// Resources exposes the connection pool as "db".
func (t *Target) Resources(context.Context) (map[string]any, error) {
	return map[string]any{ResourceDB: t.db}, nil
}

// Marker returns the ongoing-operation marker.
func (t *Target) Marker() audit.Marker { return t.marker }

// Recovery returns the default recovery strategy.
func (t *Target) Recovery() audit.RecoveryStrategy { return t.recovery }

// Begin starts a database transaction exposed to operations as "tx".
func (t *Target) Begin(ctx context.Context) (engine.Transaction, error) {
	tx, err := t.db.BeginTx(ctx, t.txOpts)
	if err != nil {
		return nil, err
	}
	return &transaction{tx: tx}, nil
}

// TransactionalAuditWriter returns a writer bound to the transaction open in ec.
func (t *Target) TransactionalAuditWriter(ec *engine.ExecutionContext) (audit.Writer, bool) {
	if t.txAudit == nil || !ec.InTransaction() {
		return nil, false
	}
	tx, err := engine.ResourceAs[*sql.Tx](context.Background(), ec, ResourceTx)
	if err != nil {
		return nil, false
	}
	return audit.WriterFunc(func(ctx context.Context, e audit.Entry) error {
		return t.txAudit.WriteEntryTx(ctx, tx, e)
	}), true
}

type transaction struct {
	tx *sql.Tx
}

func (t *transaction) Resources() map[string]any {
	return map[string]any{ResourceTx: t.tx}
}

func (t *transaction) Commit() error   { return t.tx.Commit() }
func (t *transaction) Rollback() error { return t.tx.Rollback() }
