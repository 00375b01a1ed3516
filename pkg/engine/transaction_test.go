package engine

import (
	"context"
	"errors"
	"testing"
)

func TestTransactionWrapperCommit(t *testing.T) {
	target := newFakeTarget("db")
	ec := NewExecutionContext("exec-1", DefaultStageID, navTask("c1"), map[string]any{"db": target.db}, nil)

	var sawTx bool
	err := TransactionWrapper{}.Wrap(context.Background(), target, ec, func(ctx context.Context, ec *ExecutionContext) error {
		sawTx = ec.InTransaction()
		return writeOp("k", "v")(ctx, ec)
	})
	if err != nil {
		t.Fatalf("Wrap() error = %v", err)
	}
	if !sawTx {
		t.Error("operation did not see the transaction")
	}
	if ec.InTransaction() {
		t.Error("transaction resources still exposed after Wrap")
	}
	if v, _ := target.db.Get("k"); v != "v" {
		t.Errorf("committed value = %q", v)
	}
}

func TestTransactionWrapperReturnsOriginalError(t *testing.T) {
	target := newFakeTarget("db")
	ec := NewExecutionContext("exec-1", DefaultStageID, navTask("c1"), nil, nil)

	err := TransactionWrapper{}.Wrap(context.Background(), target, ec, partialOp("k", errBoom))
	if err != errBoom {
		t.Fatalf("Wrap() error = %v, want the operation's error unchanged", err)
	}
	if !target.txs[0].rolledBack {
		t.Error("transaction not rolled back")
	}
	if len(target.db.Keys()) != 0 {
		t.Error("rolled back write reached the target")
	}
	if ec.InTransaction() {
		t.Error("transaction resources still exposed after failure")
	}
}

func TestTransactionWrapperRollbackError(t *testing.T) {
	target := newFakeTarget("db")
	target.rollbackErr = errRollback
	ec := NewExecutionContext("exec-1", DefaultStageID, navTask("c1"), nil, nil)

	err := TransactionWrapper{}.Wrap(context.Background(), target, ec, failOp(errBoom))

	var rb *RollbackError
	if !errors.As(err, &rb) {
		t.Fatalf("expected RollbackError, got %v", err)
	}
	if rb.Cause != errBoom || rb.Err != errRollback {
		t.Errorf("RollbackError = %+v", rb)
	}
	if !errors.Is(err, errBoom) || !errors.Is(err, errRollback) {
		t.Error("errors.Is must match both causes")
	}
	if !nativeRollbackFailed(err) {
		t.Error("rollback error must count as a failed native rollback")
	}
}

func TestTransactionWrapperPanic(t *testing.T) {
	target := newFakeTarget("db")
	ec := NewExecutionContext("exec-1", DefaultStageID, navTask("c1"), nil, nil)

	err := TransactionWrapper{}.Wrap(context.Background(), target, ec, func(context.Context, *ExecutionContext) error {
		panic("boom")
	})
	if err == nil {
		t.Fatal("expected error from panicking operation")
	}
	if !target.txs[0].rolledBack {
		t.Error("transaction not rolled back after panic")
	}
	if ec.InTransaction() {
		t.Error("transaction resources still exposed after panic")
	}
}

func TestExecutionContextResources(t *testing.T) {
	ctx := context.Background()
	task := navTask("c1")
	task.LockExempt = []string{"metrics"}
	locker := &mockLocker{locked: true}

	ec := NewExecutionContext("exec-1", "s", task, map[string]any{"db": "pool", "metrics": "sink"}, locker)

	if v, err := ec.Resource(ctx, "db"); err != nil || v != "pool" {
		t.Fatalf("Resource(db) = %v, %v", v, err)
	}

	ec.inject(map[string]any{"db": "tx-conn", "tx": "tx"})
	if v, _ := ec.Resource(ctx, "db"); v != "tx-conn" {
		t.Errorf("scoped resource must shadow ambient, got %v", v)
	}
	ec.release()
	if v, _ := ec.Resource(ctx, "db"); v != "pool" {
		t.Errorf("ambient resource not restored, got %v", v)
	}
	if _, err := ec.Resource(ctx, "tx"); !errors.Is(err, &EngineError{Class: ErrorClassConfiguration, Code: ErrCodeResourceMissing}) {
		t.Errorf("released resource still available: %v", err)
	}

	locker.lost = true
	if _, err := ec.Resource(ctx, "db"); !IsLock(err) {
		t.Errorf("guarded resource handed out without lock: %v", err)
	}
	if v, err := ec.Resource(ctx, "metrics"); err != nil || v != "sink" {
		t.Errorf("exempt resource refused: %v, %v", v, err)
	}
}

func TestResourceAs(t *testing.T) {
	ctx := context.Background()
	ec := NewExecutionContext("exec-1", "s", navTask("c1"), map[string]any{"db": newFakeDB(), "name": "x"}, nil)

	if _, err := ResourceAs[*fakeDB](ctx, ec, "db"); err != nil {
		t.Errorf("ResourceAs(db) error = %v", err)
	}
	if _, err := ResourceAs[*fakeDB](ctx, ec, "name"); !IsConfiguration(err) {
		t.Errorf("expected type mismatch configuration error, got %v", err)
	}
	if _, err := ResourceAs[*fakeDB](ctx, ec, "missing"); !IsConfiguration(err) {
		t.Errorf("expected missing resource error, got %v", err)
	}
}
