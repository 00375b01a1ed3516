package audit

import (
	"cmp"
	"sort"
	"strings"
	"time"
)

// Snapshot maps each change id to its most relevant audit entry. It is
// rebuilt on demand from the audit history and never persisted.
type Snapshot struct {
	entries map[string]Entry

	// latest ROLLBACK_FAILED and MANUAL_FIX timestamps per change id, used to
	// detect histories that contradict each other
	rollbackFailedAt map[string]time.Time
	fixedAt          map[string]time.Time
}

// Ambiguity describes an audit history that cannot be resolved safely: the
// change was recorded APPLIED after a failed rollback without an operator
// resolution in between.
type Ambiguity struct {
	ChangeID         string
	Winner           Entry
	RollbackFailedAt time.Time
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		entries:          make(map[string]Entry),
		rollbackFailedAt: make(map[string]time.Time),
		fixedAt:          make(map[string]time.Time),
	}
}

// Reconcile folds entries, in any order, into a snapshot.
func Reconcile(entries []Entry) *Snapshot {
	s := NewSnapshot()
	for _, e := range entries {
		s.Add(e)
	}
	return s
}

// Add folds one entry into the snapshot.
func (s *Snapshot) Add(e Entry) {
	if current, ok := s.entries[e.ChangeID]; !ok || MoreRelevant(e, current) {
		s.entries[e.ChangeID] = e
	}

	switch {
	case e.Kind == KindManualFix:
		if e.Timestamp.After(s.fixedAt[e.ChangeID]) {
			s.fixedAt[e.ChangeID] = e.Timestamp
		}
	case e.State == StateRollbackFailed:
		if e.Timestamp.After(s.rollbackFailedAt[e.ChangeID]) {
			s.rollbackFailedAt[e.ChangeID] = e.Timestamp
		}
	}
}

// Get returns the most relevant entry for a change id.
func (s *Snapshot) Get(changeID string) (Entry, bool) {
	e, ok := s.entries[changeID]
	return e, ok
}

// Len returns the number of change ids in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.entries)
}

// Entries returns the winning entries sorted by change id.
func (s *Snapshot) Entries() []Entry {
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChangeID < out[j].ChangeID })
	return out
}

// Ambiguity reports whether the history of a change id is contradictory.
func (s *Snapshot) Ambiguity(changeID string) (Ambiguity, bool) {
	winner, ok := s.entries[changeID]
	if !ok || winner.State != StateApplied || winner.Kind == KindManualFix {
		return Ambiguity{}, false
	}

	failedAt, failed := s.rollbackFailedAt[changeID]
	if !failed || !failedAt.Before(winner.Timestamp) {
		return Ambiguity{}, false
	}

	if fixedAt, fixed := s.fixedAt[changeID]; fixed && !fixedAt.Before(failedAt) {
		return Ambiguity{}, false
	}

	return Ambiguity{
		ChangeID:         changeID,
		Winner:           winner,
		RollbackFailedAt: failedAt,
	}, true
}

// MoreRelevant reports whether a beats b as the current truth for a change.
//
// Terminal entries beat non-terminal ones, then the newer timestamp wins, then
// a rollback narrates more than an execution (and a manual fix more than
// both). Remaining dimensions only exist to make the order total so that the
// winner never depends on the order entries were read in.
func MoreRelevant(a, b Entry) bool {
	return compare(a, b) > 0
}

func compare(a, b Entry) int {
	if at, bt := a.State.IsTerminal(), b.State.IsTerminal(); at != bt {
		if at {
			return 1
		}
		return -1
	}
	if !a.Timestamp.Equal(b.Timestamp) {
		if a.Timestamp.After(b.Timestamp) {
			return 1
		}
		return -1
	}
	if c := cmp.Compare(a.Kind.rank(), b.Kind.rank()); c != 0 {
		return c
	}
	if c := cmp.Compare(a.State.rank(), b.State.rank()); c != 0 {
		return c
	}
	if c := strings.Compare(a.ExecutionID, b.ExecutionID); c != 0 {
		return c
	}
	if c := strings.Compare(a.StageID, b.StageID); c != 0 {
		return c
	}
	if c := strings.Compare(a.ExecutionHostname, b.ExecutionHostname); c != 0 {
		return c
	}
	if c := cmp.Compare(a.ExecutionMillis, b.ExecutionMillis); c != 0 {
		return c
	}
	if c := strings.Compare(a.Error(), b.Error()); c != 0 {
		return c
	}
	if c := strings.Compare(a.Author, b.Author); c != 0 {
		return c
	}
	if c := strings.Compare(a.TargetSystemID, b.TargetSystemID); c != 0 {
		return c
	}
	if c := strings.Compare(string(a.RecoveryStrategy), string(b.RecoveryStrategy)); c != 0 {
		return c
	}
	if a.Transactional != b.Transactional {
		if a.Transactional {
			return 1
		}
		return -1
	}
	return 0
}
