package engine

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/changeflow/changeflow/pkg/audit"
)

func navTask(id string) *Task {
	return &Task{ID: id, Order: "001", Author: "alice", TargetSystemID: "db", Apply: writeOp(id, "applied")}
}

func runNavigator(t *testing.T, task *Task, target TargetSystem, store *memStore, cfg NavigatorConfig) Outcome {
	t.Helper()
	if cfg.ExecutionID == "" {
		cfg.ExecutionID = "exec-1"
	}
	return NewNavigator(task, target, store, cfg).Run(context.Background())
}

func assertStates(t *testing.T, store *memStore, changeID string, want ...audit.State) {
	t.Helper()
	got := store.states(changeID)
	if len(got) == 0 && len(want) == 0 {
		return
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("audit states for %s = %v, want %v", changeID, got, want)
	}
}

func assertNoMarks(t *testing.T, target *fakeTarget) {
	t.Helper()
	marks, err := target.marker.ListAll(context.Background())
	if err != nil {
		t.Fatalf("ListAll() error = %v", err)
	}
	if len(marks) != 0 {
		t.Errorf("expected no outstanding marks, got %+v", marks)
	}
}

func TestNavigatorApplySuccess(t *testing.T) {
	target := newFakeTarget("db")
	store := newMemStore()
	task := navTask("c1")

	outcome := runNavigator(t, task, target, store, NavigatorConfig{StageID: "stage-a", Hostname: "host-1"})

	if outcome.Result != ResultApplied {
		t.Fatalf("Result = %s, want applied (err=%v)", outcome.Result, outcome.Err)
	}
	if outcome.Err != nil {
		t.Errorf("unexpected error: %v", outcome.Err)
	}
	if outcome.AuditState != audit.StateApplied {
		t.Errorf("AuditState = %s", outcome.AuditState)
	}
	wantSteps := []StepKind{StepInitial, StepExecuting, StepSuccessApply, StepAfterExecutionAudit, StepCompletedSuccess}
	if !reflect.DeepEqual(outcome.Steps, wantSteps) {
		t.Errorf("Steps = %v, want %v", outcome.Steps, wantSteps)
	}
	if v, _ := target.db.Get("c1"); v != "applied" {
		t.Errorf("target state = %q", v)
	}

	assertStates(t, store, "c1", audit.StateApplied)
	assertNoMarks(t, target)

	e := store.entries[0]
	if e.ExecutionID != "exec-1" || e.StageID != "stage-a" || e.Author != "alice" ||
		e.ExecutionHostname != "host-1" || e.Kind != audit.KindExecution || e.TargetSystemID != "db" {
		t.Errorf("unexpected entry fields: %+v", e)
	}
	if e.ErrorTrace != nil {
		t.Errorf("successful entry carries error trace %q", *e.ErrorTrace)
	}
}

func TestNavigatorAuditFailureAfterApply(t *testing.T) {
	target := newFakeTarget("db")
	store := newMemStore()
	store.failOn(audit.StateApplied, errAudit)

	outcome := runNavigator(t, navTask("c1"), target, store, NavigatorConfig{})

	if outcome.Result != ResultManualIntervention {
		t.Fatalf("Result = %s, want manual intervention", outcome.Result)
	}
	if last := outcome.Steps[len(outcome.Steps)-1]; last != StepFailedAfterExecutionAudit {
		t.Errorf("final step = %s", last)
	}
	if !IsAuditWriteFailure(outcome.Err) || !errors.Is(outcome.Err, errAudit) {
		t.Errorf("expected audit write failure, got %v", outcome.Err)
	}

	// the change happened, nothing was recorded and the mark tells the next planner
	if _, ok := target.db.Get("c1"); !ok {
		t.Error("apply effect missing")
	}
	assertStates(t, store, "c1")
	marks, _ := target.marker.ListAll(context.Background())
	if len(marks) != 1 || marks[0].Operation != audit.OngoingApply {
		t.Errorf("expected apply mark to remain, got %+v", marks)
	}
}

func TestNavigatorApplyFailure(t *testing.T) {
	tests := []struct {
		name       string
		rollback   Operation
		failWrite  audit.State
		wantResult Result
		wantStates []audit.State
		wantSteps  []StepKind
		wantClass  ErrorClass
		wantMark   bool
		wantKey    bool
	}{
		{
			name:       "rollback succeeds",
			rollback:   deleteOp("c1"),
			wantResult: ResultFailedRolledBack,
			wantStates: []audit.State{audit.StateRolledBack},
			wantSteps: []StepKind{StepInitial, StepExecuting, StepFailedApply, StepExecutingRollback,
				StepSuccessRollback, StepCompletedFailed},
			wantClass: ErrorClassApplyFailure,
		},
		{
			name:       "rollback fails",
			rollback:   failOp(errRollback),
			wantResult: ResultManualIntervention,
			wantStates: []audit.State{audit.StateRollbackFailed},
			wantSteps: []StepKind{StepInitial, StepExecuting, StepFailedApply, StepExecutingRollback,
				StepFailedRollback, StepCompletedFailed},
			wantClass: ErrorClassRollbackFailure,
			wantKey:   true,
		},
		{
			name:       "no rollback declared",
			wantResult: ResultManualIntervention,
			wantStates: []audit.State{audit.StateFailed},
			wantSteps: []StepKind{StepInitial, StepExecuting, StepFailedApply, StepAfterExecutionAudit,
				StepCompletedFailed},
			wantClass: ErrorClassApplyFailure,
			wantKey:   true,
		},
		{
			name:       "rolled back but not recorded",
			rollback:   deleteOp("c1"),
			failWrite:  audit.StateRolledBack,
			wantResult: ResultManualIntervention,
			wantClass:  ErrorClassAuditWriteFailure,
			wantMark:   true,
		},
		{
			name:       "failed rollback not recorded",
			rollback:   failOp(errRollback),
			failWrite:  audit.StateRollbackFailed,
			wantResult: ResultManualIntervention,
			wantClass:  ErrorClassRollbackFailure,
			wantMark:   true,
			wantKey:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := newFakeTarget("db")
			store := newMemStore()
			if tt.failWrite != "" {
				store.failOn(tt.failWrite, errAudit)
			}

			task := navTask("c1")
			task.Apply = partialOp("c1", errBoom)
			task.Rollback = tt.rollback

			outcome := runNavigator(t, task, target, store, NavigatorConfig{})

			if outcome.Result != tt.wantResult {
				t.Fatalf("Result = %s, want %s (err=%v)", outcome.Result, tt.wantResult, outcome.Err)
			}
			if tt.wantSteps != nil && !reflect.DeepEqual(outcome.Steps, tt.wantSteps) {
				t.Errorf("Steps = %v, want %v", outcome.Steps, tt.wantSteps)
			}
			if got := ClassOf(outcome.Err); got != tt.wantClass {
				t.Errorf("error class = %s, want %s (%v)", got, tt.wantClass, outcome.Err)
			}
			assertStates(t, store, "c1", tt.wantStates...)

			marks, _ := target.marker.ListAll(context.Background())
			if hasMark := len(marks) > 0; hasMark != tt.wantMark {
				t.Errorf("outstanding marks = %+v, want mark=%v", marks, tt.wantMark)
			}
			if _, ok := target.db.Get("c1"); ok != tt.wantKey {
				t.Errorf("partial effect present = %v, want %v", ok, tt.wantKey)
			}
		})
	}
}

func TestNavigatorFailedEntryCarriesErrorTrace(t *testing.T) {
	store := newMemStore()
	task := navTask("c1")
	task.Apply = failOp(errBoom)
	task.Rollback = deleteOp("c1")

	runNavigator(t, task, newFakeTarget("db"), store, NavigatorConfig{})

	if len(store.entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(store.entries))
	}
	e := store.entries[0]
	if e.Kind != audit.KindRollback {
		t.Errorf("Kind = %s, want rollback", e.Kind)
	}
	if e.ErrorTrace == nil || *e.ErrorTrace == "" {
		t.Error("expected error trace on rolled back entry")
	}
}

func TestNavigatorTransactional(t *testing.T) {
	t.Run("commit", func(t *testing.T) {
		target := newFakeTarget("db")
		store := newMemStore()
		task := navTask("c1")
		task.Transactional = true

		outcome := runNavigator(t, task, target, store, NavigatorConfig{})

		if outcome.Result != ResultApplied {
			t.Fatalf("Result = %s (err=%v)", outcome.Result, outcome.Err)
		}
		if len(target.txs) != 1 || !target.txs[0].committed {
			t.Fatalf("expected one committed transaction, got %+v", target.txs)
		}
		if _, ok := target.db.Get("c1"); !ok {
			t.Error("committed write missing")
		}
		assertStates(t, store, "c1", audit.StateApplied)
		assertNoMarks(t, target)
	})

	t.Run("failure discards partial effects", func(t *testing.T) {
		target := newFakeTarget("db")
		store := newMemStore()
		task := navTask("c1")
		task.Transactional = true
		task.Apply = partialOp("c1", errBoom)
		compensated := false
		task.Rollback = func(context.Context, *ExecutionContext) error {
			compensated = true
			return nil
		}

		outcome := runNavigator(t, task, target, store, NavigatorConfig{})

		if outcome.Result != ResultFailedRolledBack {
			t.Fatalf("Result = %s (err=%v)", outcome.Result, outcome.Err)
		}
		if !target.txs[0].rolledBack {
			t.Error("transaction was not rolled back")
		}
		if compensated {
			t.Error("compensating rollback must not run for a transactional task")
		}
		if keys := target.db.Keys(); len(keys) != 0 {
			t.Errorf("partial effects leaked: %v", keys)
		}
		if !errors.Is(outcome.Err, errBoom) {
			t.Errorf("expected original apply error, got %v", outcome.Err)
		}
		assertStates(t, store, "c1", audit.StateRolledBack)
		assertNoMarks(t, target)
	})

	t.Run("native rollback fails", func(t *testing.T) {
		target := newFakeTarget("db")
		target.rollbackErr = errRollback
		store := newMemStore()
		task := navTask("c1")
		task.Transactional = true
		task.Apply = failOp(errBoom)

		outcome := runNavigator(t, task, target, store, NavigatorConfig{})

		if outcome.Result != ResultManualIntervention {
			t.Fatalf("Result = %s", outcome.Result)
		}
		if !IsRollbackFailure(outcome.Err) {
			t.Errorf("expected rollback failure, got %v", outcome.Err)
		}
		var rb *RollbackError
		if !errors.As(outcome.Err, &rb) || !errors.Is(rb, errBoom) || !errors.Is(rb, errRollback) {
			t.Errorf("expected RollbackError carrying both causes, got %v", outcome.Err)
		}
		assertStates(t, store, "c1", audit.StateRollbackFailed)
	})

	t.Run("commit fails", func(t *testing.T) {
		target := newFakeTarget("db")
		target.commitErr = errors.New("connection reset")
		store := newMemStore()
		task := navTask("c1")
		task.Transactional = true

		outcome := runNavigator(t, task, target, store, NavigatorConfig{})

		if outcome.Result != ResultManualIntervention {
			t.Fatalf("Result = %s", outcome.Result)
		}
		var ce *CommitError
		if !errors.As(outcome.Err, &ce) {
			t.Errorf("expected CommitError, got %v", outcome.Err)
		}
		assertStates(t, store, "c1", audit.StateRollbackFailed)
	})

	t.Run("begin fails", func(t *testing.T) {
		target := newFakeTarget("db")
		target.beginErr = errors.New("too many connections")
		store := newMemStore()
		task := navTask("c1")
		task.Transactional = true

		outcome := runNavigator(t, task, target, store, NavigatorConfig{})

		if outcome.Result != ResultFailedRolledBack {
			t.Fatalf("Result = %s (err=%v)", outcome.Result, outcome.Err)
		}
		var be *BeginError
		if !errors.As(outcome.Err, &be) {
			t.Errorf("expected BeginError, got %v", outcome.Err)
		}
	})

	t.Run("target without transactions", func(t *testing.T) {
		target := &plainTarget{id: "db", db: newFakeDB(), marker: audit.NewMemoryMarker("db")}
		store := newMemStore()
		task := navTask("c1")
		task.Transactional = true

		outcome := runNavigator(t, task, target, store, NavigatorConfig{})

		if outcome.Result != ResultNotExecuted {
			t.Fatalf("Result = %s", outcome.Result)
		}
		if !IsConfiguration(outcome.Err) {
			t.Errorf("expected configuration error, got %v", outcome.Err)
		}
		assertStates(t, store, "c1")
	})
}

func TestNavigatorAuditInsideTransaction(t *testing.T) {
	t.Run("entry committed with the change", func(t *testing.T) {
		store := newMemStore()
		base := newFakeTarget("db")
		base.store = store
		target := &auditTarget{fakeTarget: base}
		// writes outside the transaction must not be needed
		outside := newMemStore()
		outside.failOn(audit.StateApplied, errAudit)

		task := navTask("c1")
		task.Transactional = true

		outcome := NewNavigator(task, target, outside, NavigatorConfig{ExecutionID: "exec-1"}).Run(context.Background())

		if outcome.Result != ResultApplied {
			t.Fatalf("Result = %s (err=%v)", outcome.Result, outcome.Err)
		}
		assertStates(t, store, "c1", audit.StateApplied)
		if outcome.AuditState != audit.StateApplied {
			t.Errorf("AuditState = %s", outcome.AuditState)
		}
		assertNoMarks(t, base)
	})

	t.Run("audit failure rolls back the change", func(t *testing.T) {
		store := newMemStore()
		base := newFakeTarget("db")
		base.store = store
		target := &auditTarget{fakeTarget: base, failWrite: errAudit}

		task := navTask("c1")
		task.Transactional = true

		outcome := NewNavigator(task, target, store, NavigatorConfig{ExecutionID: "exec-1"}).Run(context.Background())

		if outcome.Result != ResultFailedRolledBack {
			t.Fatalf("Result = %s (err=%v)", outcome.Result, outcome.Err)
		}
		if !IsAuditWriteFailure(outcome.Err) || !errors.Is(outcome.Err, errAudit) {
			t.Errorf("expected audit write failure, got %v (class %s)", outcome.Err, ClassOf(outcome.Err))
		}
		if keys := base.db.Keys(); len(keys) != 0 {
			t.Errorf("change leaked without audit entry: %v", keys)
		}
		assertStates(t, store, "c1", audit.StateRolledBack)
	})
}

func TestNavigatorTimeout(t *testing.T) {
	store := newMemStore()
	task := navTask("c1")
	task.Timeout = 20 * time.Millisecond
	task.Apply = func(ctx context.Context, _ *ExecutionContext) error {
		<-ctx.Done()
		return ctx.Err()
	}
	task.Rollback = deleteOp("c1")

	outcome := runNavigator(t, task, newFakeTarget("db"), store, NavigatorConfig{})

	if outcome.Result != ResultFailedRolledBack {
		t.Fatalf("Result = %s (err=%v)", outcome.Result, outcome.Err)
	}
	if !errors.Is(outcome.Err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", outcome.Err)
	}
	if !errors.Is(outcome.Err, &EngineError{Class: ErrorClassApplyFailure, Code: ErrCodeTimeout}) {
		t.Errorf("expected timeout code, got %v", outcome.Err)
	}
}

func TestNavigatorTimeoutIgnoredResult(t *testing.T) {
	store := newMemStore()
	task := navTask("c1")
	task.Timeout = 10 * time.Millisecond
	task.Apply = func(ctx context.Context, _ *ExecutionContext) error {
		<-ctx.Done()
		return nil
	}

	outcome := runNavigator(t, task, newFakeTarget("db"), store, NavigatorConfig{})

	if outcome.Result != ResultManualIntervention {
		t.Fatalf("Result = %s, want manual intervention", outcome.Result)
	}
	assertStates(t, store, "c1", audit.StateFailed)
}

func TestNavigatorPanic(t *testing.T) {
	store := newMemStore()
	task := navTask("c1")
	task.Apply = func(context.Context, *ExecutionContext) error { panic("nil map") }
	task.Rollback = deleteOp("c1")

	outcome := runNavigator(t, task, newFakeTarget("db"), store, NavigatorConfig{})

	if outcome.Result != ResultFailedRolledBack {
		t.Fatalf("Result = %s (err=%v)", outcome.Result, outcome.Err)
	}
	assertStates(t, store, "c1", audit.StateRolledBack)
}

func TestNavigatorLockLost(t *testing.T) {
	t.Run("before apply", func(t *testing.T) {
		store := newMemStore()
		locker := &mockLocker{}
		target := newFakeTarget("db")

		outcome := runNavigator(t, navTask("c1"), target, store, NavigatorConfig{Guard: locker})

		if outcome.Result != ResultNotExecuted {
			t.Fatalf("Result = %s", outcome.Result)
		}
		if !IsLock(outcome.Err) {
			t.Errorf("expected lock error, got %v", outcome.Err)
		}
		assertStates(t, store, "c1")
		assertNoMarks(t, target)
	})

	t.Run("during apply", func(t *testing.T) {
		store := newMemStore()
		locker := &mockLocker{locked: true}
		target := newFakeTarget("db")

		task := navTask("c1")
		task.Apply = func(ctx context.Context, ec *ExecutionContext) error {
			locker.lost = true
			return writeOp("c1", "v")(ctx, ec)
		}
		task.Rollback = deleteOp("c1")
		task.LockExempt = []string{"db"}

		// the exempt resource stays available, so the write goes through
		outcome := runNavigator(t, task, target, store, NavigatorConfig{Guard: locker})
		if outcome.Result != ResultApplied {
			t.Fatalf("exempt resource: Result = %s (err=%v)", outcome.Result, outcome.Err)
		}

		locker.lost = false
		task = navTask("c2")
		task.Apply = func(ctx context.Context, ec *ExecutionContext) error {
			locker.lost = true
			return writeOp("c2", "v")(ctx, ec)
		}
		outcome = runNavigator(t, task, target, store, NavigatorConfig{Guard: locker})
		if !errors.Is(outcome.Err, &EngineError{Class: ErrorClassLock, Code: ErrCodeLockLost}) {
			t.Fatalf("expected lock error, got %v", outcome.Err)
		}
		if _, ok := target.db.Get("c2"); ok {
			t.Error("guarded resource was handed out without the lock")
		}
		assertStates(t, store, "c2", audit.StateFailed)
	})
}

func TestNavigatorMarksRollback(t *testing.T) {
	target := newFakeTarget("db")
	store := newMemStore()
	store.failOn(audit.StateRolledBack, errAudit)

	task := navTask("c1")
	task.Apply = failOp(errBoom)
	task.Rollback = deleteOp("c1")

	runNavigator(t, task, target, store, NavigatorConfig{})

	marks, _ := target.marker.ListAll(context.Background())
	if len(marks) != 1 || marks[0].Operation != audit.OngoingRollback {
		t.Fatalf("expected rollback mark, got %+v", marks)
	}
}
