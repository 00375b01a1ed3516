package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// OngoingStatus is the operation a Mark says was in flight.
type OngoingStatus string

const (
	// OngoingNone means no operation is in flight.
	OngoingNone OngoingStatus = "NONE"

	// OngoingApply means an apply was started and its outcome is not recorded yet.
	OngoingApply OngoingStatus = "APPLIED"

	// OngoingRollback means a rollback was started and its outcome is not recorded yet.
	OngoingRollback OngoingStatus = "ROLLBACK"
)

// Validate checks if the ongoing status is valid.
func (o OngoingStatus) Validate() error {
	switch o {
	case OngoingNone, OngoingApply, OngoingRollback:
		return nil
	default:
		return fmt.Errorf("invalid ongoing status: %s", o)
	}
}

// Mark is an "in progress" marker for one change unit on one target system.
type Mark struct {
	ChangeID       string        `json:"change_id"`
	TargetSystemID string        `json:"target_system_id"`
	Operation      OngoingStatus `json:"operation"`
	MarkedAt       time.Time     `json:"marked_at"`
}

// Marker records and clears ongoing marks for a single target system.
type Marker interface {
	// Mark records that op is about to start for changeID.
	Mark(ctx context.Context, changeID string, op OngoingStatus) error

	// Clear removes the mark for changeID. Clearing a missing mark is not an error.
	Clear(ctx context.Context, changeID string) error

	// ListAll returns every outstanding mark.
	ListAll(ctx context.Context) ([]Mark, error)
}

// NoopMarker ignores writes and never reports marks. Target systems using it
// accept that a crash mid-operation goes undetected.
type NoopMarker struct {
	logger zerolog.Logger
}

// NewNoopMarker creates a marker that logs and discards every write.
func NewNoopMarker(logger zerolog.Logger) *NoopMarker {
	return &NoopMarker{logger: logger.With().Str("component", "noop-marker").Logger()}
}

// Mark logs and discards the mark.
func (m *NoopMarker) Mark(_ context.Context, changeID string, op OngoingStatus) error {
	m.logger.Debug().
		Str("change_id", changeID).
		Str("operation", string(op)).
		Msg("Ongoing mark discarded")
	return nil
}

// Clear logs and discards the clear.
func (m *NoopMarker) Clear(_ context.Context, changeID string) error {
	m.logger.Debug().Str("change_id", changeID).Msg("Ongoing mark clear discarded")
	return nil
}

// ListAll always returns no marks.
func (m *NoopMarker) ListAll(context.Context) ([]Mark, error) {
	return nil, nil
}

// MemoryMarker keeps marks in process memory.
type MemoryMarker struct {
	targetSystemID string
	now            func() time.Time

	mu    sync.Mutex
	marks map[string]Mark
}

// NewMemoryMarker creates an in-memory marker for a target system.
func NewMemoryMarker(targetSystemID string) *MemoryMarker {
	return &MemoryMarker{
		targetSystemID: targetSystemID,
		now:            time.Now,
		marks:          make(map[string]Mark),
	}
}

// Mark records op for changeID, replacing any previous mark.
func (m *MemoryMarker) Mark(_ context.Context, changeID string, op OngoingStatus) error {
	if err := op.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.marks[changeID] = Mark{
		ChangeID:       changeID,
		TargetSystemID: m.targetSystemID,
		Operation:      op,
		MarkedAt:       m.now(),
	}
	return nil
}

// Clear removes the mark for changeID.
func (m *MemoryMarker) Clear(_ context.Context, changeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.marks, changeID)
	return nil
}

// ListAll returns the outstanding marks sorted by change id.
func (m *MemoryMarker) ListAll(context.Context) ([]Mark, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Mark, 0, len(m.marks))
	for _, mk := range m.marks {
		out = append(out, mk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChangeID < out[j].ChangeID })
	return out, nil
}
