package audit

import (
	"testing"
	"time"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func entryAt(changeID string, state State, kind Kind, offset time.Duration) Entry {
	return Entry{
		ExecutionID:       "exec-" + offset.String(),
		StageID:           "default",
		ChangeID:          changeID,
		Author:            "ops",
		Timestamp:         base.Add(offset),
		State:             state,
		Kind:              kind,
		ExecutionHostname: "runner-1",
		TargetSystemID:    "sql",
		RecoveryStrategy:  RecoveryManualIntervention,
	}
}

// permutations returns every ordering of entries.
func permutations(entries []Entry) [][]Entry {
	if len(entries) <= 1 {
		return [][]Entry{append([]Entry(nil), entries...)}
	}

	var out [][]Entry
	for i := range entries {
		rest := make([]Entry, 0, len(entries)-1)
		rest = append(rest, entries[:i]...)
		rest = append(rest, entries[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]Entry{entries[i]}, p...))
		}
	}
	return out
}

func TestReconcile_Empty(t *testing.T) {
	s := Reconcile(nil)
	if s.Len() != 0 {
		t.Fatalf("expected empty snapshot, got %d entries", s.Len())
	}
	if _, ok := s.Get("missing"); ok {
		t.Error("expected no entry for unknown change id")
	}
}

func TestReconcile_DeterministicAcrossPermutations(t *testing.T) {
	entries := []Entry{
		entryAt("A", StateStarted, KindExecution, 5*time.Minute),
		entryAt("A", StateFailed, KindExecution, 1*time.Minute),
		entryAt("A", StateRolledBack, KindRollback, 2*time.Minute),
		entryAt("A", StateApplied, KindExecution, 3*time.Minute),
		// same timestamp as the APPLIED entry above
		entryAt("A", StateRolledBack, KindRollback, 3*time.Minute),
	}

	var want Entry
	for i, perm := range permutations(entries) {
		got, ok := Reconcile(perm).Get("A")
		if !ok {
			t.Fatalf("permutation %d: missing entry", i)
		}
		if i == 0 {
			want = got
			continue
		}
		if got.State != want.State || got.Kind != want.Kind || !got.Timestamp.Equal(want.Timestamp) {
			t.Fatalf("permutation %d: winner %s/%s@%s, want %s/%s@%s",
				i, got.State, got.Kind, got.Timestamp, want.State, want.Kind, want.Timestamp)
		}
	}

	if want.State != StateRolledBack || want.Kind != KindRollback {
		t.Errorf("expected rollback entry to win the timestamp tie, got %s/%s", want.State, want.Kind)
	}
}

func TestReconcile_Rules(t *testing.T) {
	tests := []struct {
		name      string
		entries   []Entry
		wantState State
		wantKind  Kind
	}{
		{
			name: "terminal beats newer non-terminal",
			entries: []Entry{
				entryAt("A", StateApplied, KindExecution, time.Minute),
				entryAt("A", StateStarted, KindExecution, time.Hour),
			},
			wantState: StateApplied,
			wantKind:  KindExecution,
		},
		{
			name: "newer terminal wins",
			entries: []Entry{
				entryAt("A", StateRolledBack, KindRollback, time.Minute),
				entryAt("A", StateApplied, KindExecution, 2*time.Minute),
			},
			wantState: StateApplied,
			wantKind:  KindExecution,
		},
		{
			name: "rollback beats execution at equal timestamp",
			entries: []Entry{
				entryAt("A", StateFailed, KindExecution, time.Minute),
				entryAt("A", StateRolledBack, KindRollback, time.Minute),
			},
			wantState: StateRolledBack,
			wantKind:  KindRollback,
		},
		{
			name: "only non-terminal entries",
			entries: []Entry{
				entryAt("A", StateStarted, KindExecution, time.Minute),
				entryAt("A", StateStarted, KindExecution, 2*time.Minute),
			},
			wantState: StateStarted,
			wantKind:  KindExecution,
		},
		{
			name: "manual fix clears rollback failure",
			entries: []Entry{
				entryAt("A", StateRollbackFailed, KindRollback, time.Minute),
				entryAt("A", StateRolledBack, KindManualFix, 2*time.Minute),
			},
			wantState: StateRolledBack,
			wantKind:  KindManualFix,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Reconcile(tt.entries).Get("A")
			if !ok {
				t.Fatal("expected an entry")
			}
			if got.State != tt.wantState {
				t.Errorf("state = %s, want %s", got.State, tt.wantState)
			}
			if got.Kind != tt.wantKind {
				t.Errorf("kind = %s, want %s", got.Kind, tt.wantKind)
			}
		})
	}
}

func TestReconcile_SeparatesChangeIDs(t *testing.T) {
	s := Reconcile([]Entry{
		entryAt("B", StateApplied, KindExecution, time.Minute),
		entryAt("A", StateFailed, KindExecution, time.Minute),
		entryAt("B", StateStarted, KindExecution, time.Hour),
	})

	if s.Len() != 2 {
		t.Fatalf("expected 2 change ids, got %d", s.Len())
	}

	entries := s.Entries()
	if entries[0].ChangeID != "A" || entries[1].ChangeID != "B" {
		t.Errorf("entries not sorted by change id: %s, %s", entries[0].ChangeID, entries[1].ChangeID)
	}
	if entries[1].State != StateApplied {
		t.Errorf("B state = %s, want APPLIED", entries[1].State)
	}
}

func TestSnapshot_Ambiguity(t *testing.T) {
	tests := []struct {
		name    string
		entries []Entry
		want    bool
	}{
		{
			name: "applied after rollback failure",
			entries: []Entry{
				entryAt("A", StateRollbackFailed, KindRollback, time.Minute),
				entryAt("A", StateApplied, KindExecution, 2*time.Minute),
			},
			want: true,
		},
		{
			name: "fix between failure and apply",
			entries: []Entry{
				entryAt("A", StateRollbackFailed, KindRollback, time.Minute),
				entryAt("A", StateRolledBack, KindManualFix, 2*time.Minute),
				entryAt("A", StateApplied, KindExecution, 3*time.Minute),
			},
			want: false,
		},
		{
			name: "fix before a later failure does not count",
			entries: []Entry{
				entryAt("A", StateRolledBack, KindManualFix, time.Minute),
				entryAt("A", StateRollbackFailed, KindRollback, 2*time.Minute),
				entryAt("A", StateApplied, KindExecution, 3*time.Minute),
			},
			want: true,
		},
		{
			name: "applied by manual fix",
			entries: []Entry{
				entryAt("A", StateRollbackFailed, KindRollback, time.Minute),
				entryAt("A", StateApplied, KindManualFix, 2*time.Minute),
			},
			want: false,
		},
		{
			name: "plain history",
			entries: []Entry{
				entryAt("A", StateRolledBack, KindRollback, time.Minute),
				entryAt("A", StateApplied, KindExecution, 2*time.Minute),
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i, perm := range permutations(tt.entries) {
				_, got := Reconcile(perm).Ambiguity("A")
				if got != tt.want {
					t.Fatalf("permutation %d: ambiguity = %v, want %v", i, got, tt.want)
				}
			}
		})
	}
}

func TestMoreRelevant_Irreflexive(t *testing.T) {
	e := entryAt("A", StateApplied, KindExecution, time.Minute)
	if MoreRelevant(e, e) {
		t.Error("an entry must not beat itself")
	}
}
