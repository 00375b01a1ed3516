package stores

import (
	"context"
	"database/sql"
	"time"

	"github.com/changeflow/changeflow/pkg/audit"
)

// EntryFilter narrows ListEntries. Nil fields match everything.
type EntryFilter struct {
	ChangeID       *string
	ExecutionID    *string
	TargetSystemID *string
	State          *audit.State
	Limit          int
	Offset         int
}

// RunRecord is the persisted summary of a pipeline run
type RunRecord struct {
	ExecutionID    string    `json:"execution_id"`
	StageID        string    `json:"stage_id"`
	Status         string    `json:"status"`
	StartedAt      time.Time `json:"started_at"`
	DurationMillis int64     `json:"duration_millis"`
	Applied        int       `json:"applied"`
	Skipped        int       `json:"skipped"`
	RolledBack     int       `json:"rolled_back"`
	Manual         int       `json:"manual"`
	NotExecuted    int       `json:"not_executed"`
	RecoveryIssues int       `json:"recovery_issues"`
	Error          *string   `json:"error,omitempty"`
}

// LockInfo describes the current holder of a run lock
type LockInfo struct {
	Name       string    `json:"name"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Audit operations
	WriteEntry(ctx context.Context, entry audit.Entry) error
	WriteEntryTx(ctx context.Context, tx *sql.Tx, entry audit.Entry) error
	History(ctx context.Context) ([]audit.Entry, error)
	HistoryFor(ctx context.Context, changeID string) ([]audit.Entry, error)
	ListEntries(ctx context.Context, filter EntryFilter) ([]audit.Entry, error)

	// Marks and locks
	Marker(targetSystemID string) *SQLMarker
	Lease(name string, ttl time.Duration) *Lease

	// Run operations
	RecordRun(ctx context.Context, run *RunRecord) error
	GetRun(ctx context.Context, executionID string) (*RunRecord, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*RunRecord, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
