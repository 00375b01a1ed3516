package stores

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/changeflow/changeflow/pkg/audit"
)

// markSchema matches the ongoing_marks table of the store migrations. It is
// applied on its own to target databases that do not host the audit store.
const markSchema = `
	CREATE TABLE IF NOT EXISTS ongoing_marks (
		target_system_id TEXT    NOT NULL,
		change_id        TEXT    NOT NULL,
		operation        TEXT    NOT NULL CHECK (operation IN ('NONE', 'APPLIED', 'ROLLBACK')),
		marked_at        INTEGER NOT NULL,
		PRIMARY KEY (target_system_id, change_id)
	)
`

// SQLMarker keeps ongoing-operation marks in a SQL database, usually the
// target system's own, so that a crash between apply and audit leaves a
// trace next to the change it interrupted.
type SQLMarker struct {
	db             *sql.DB
	targetSystemID string
	now            func() time.Time
}

var _ audit.Marker = (*SQLMarker)(nil)

// NewSQLMarker creates a marker for targetSystemID backed by db.
func NewSQLMarker(db *sql.DB, targetSystemID string) *SQLMarker {
	return &SQLMarker{db: db, targetSystemID: targetSystemID, now: time.Now}
}

// Init creates the marks table if it does not exist.
func (m *SQLMarker) Init(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, markSchema); err != nil {
		return fmt.Errorf("failed to create marks table: %w", err)
	}
	return nil
}

// Mark records that op is about to run for changeID, replacing any previous mark.
func (m *SQLMarker) Mark(ctx context.Context, changeID string, op audit.OngoingStatus) error {
	if err := op.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO ongoing_marks (target_system_id, change_id, operation, marked_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(target_system_id, change_id) DO UPDATE SET
			operation = excluded.operation,
			marked_at = excluded.marked_at
	`

	if _, err := m.db.ExecContext(ctx, query, m.targetSystemID, changeID, string(op), m.now().UTC().UnixNano()); err != nil {
		return fmt.Errorf("failed to mark %s as %s: %w", changeID, op, err)
	}
	return nil
}

// Clear removes the mark of changeID. Clearing a missing mark is not an error.
func (m *SQLMarker) Clear(ctx context.Context, changeID string) error {
	query := `DELETE FROM ongoing_marks WHERE target_system_id = ? AND change_id = ?`

	if _, err := m.db.ExecContext(ctx, query, m.targetSystemID, changeID); err != nil {
		return fmt.Errorf("failed to clear mark of %s: %w", changeID, err)
	}
	return nil
}

// ListAll returns the outstanding marks of the target system, by change id.
func (m *SQLMarker) ListAll(ctx context.Context) ([]audit.Mark, error) {
	query := `
		SELECT change_id, operation, marked_at
		FROM ongoing_marks
		WHERE target_system_id = ? AND operation != 'NONE'
		ORDER BY change_id
	`

	rows, err := m.db.QueryContext(ctx, query, m.targetSystemID)
	if err != nil {
		return nil, fmt.Errorf("failed to list marks: %w", err)
	}
	defer rows.Close()

	marks := []audit.Mark{}
	for rows.Next() {
		var (
			changeID string
			op       string
			markedAt int64
		)
		if err := rows.Scan(&changeID, &op, &markedAt); err != nil {
			return nil, fmt.Errorf("failed to scan mark: %w", err)
		}
		marks = append(marks, audit.Mark{
			ChangeID:       changeID,
			TargetSystemID: m.targetSystemID,
			Operation:      audit.OngoingStatus(op),
			MarkedAt:       time.Unix(0, markedAt).UTC(),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating marks: %w", err)
	}

	return marks, nil
}
