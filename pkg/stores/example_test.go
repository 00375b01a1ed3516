package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/changeflow/changeflow/pkg/audit"
	"github.com/changeflow/changeflow/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path: ":memory:", // Use in-memory database for example
	})
	if err != nil {
		log.Fatal(err)
	}

	// Initialize the database connection
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	// Run migrations
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_WriteEntry demonstrates recording and reconciling audit entries.
func ExampleSQLiteStore_WriteEntry() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, state := range []audit.State{audit.StateStarted, audit.StateApplied} {
		err := store.WriteEntry(ctx, audit.Entry{
			ExecutionID: "exec-001",
			StageID:     "default",
			ChangeID:    "create-users-table",
			Timestamp:   start.Add(time.Duration(i) * time.Second),
			State:       state,
			Kind:        audit.KindExecution,
		})
		if err != nil {
			log.Fatal(err)
		}
	}

	history, err := store.History(ctx)
	if err != nil {
		log.Fatal(err)
	}

	winner, _ := audit.Reconcile(history).Get("create-users-table")
	fmt.Printf("Entries: %d, current state: %s\n", len(history), winner.State)
	// Output: Entries: 2, current state: APPLIED
}

// ExampleSQLiteStore_Lease demonstrates holding the run lock.
func ExampleSQLiteStore_Lease() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	lease := store.Lease("default", time.Minute)
	if err := lease.Lock(ctx); err != nil {
		log.Fatal(err)
	}
	defer lease.Unlock(ctx)

	err := store.Lease("default", time.Minute).Lock(ctx)
	fmt.Println("Second runner:", err != nil)
	// Output: Second runner: true
}
