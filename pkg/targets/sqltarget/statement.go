package sqltarget

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/changeflow/changeflow/pkg/engine"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// conn returns the open transaction when there is one, else the pool.
func conn(ctx context.Context, ec *engine.ExecutionContext) (querier, error) {
	if ec.InTransaction() {
		return engine.ResourceAs[*sql.Tx](ctx, ec, ResourceTx)
	}
	return engine.ResourceAs[*sql.DB](ctx, ec, ResourceDB)
}

// Statement returns an operation executing query with args.
func Statement(query string, args ...any) engine.Operation {
	return func(ctx context.Context, ec *engine.ExecutionContext) error {
		q, err := conn(ctx, ec)
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("statement %q failed: %w", abbreviate(query), err)
		}
		return nil
	}
}

// Script returns an operation executing statements in order, stopping at the
// first failure.
func Script(statements ...string) engine.Operation {
	return func(ctx context.Context, ec *engine.ExecutionContext) error {
		for i, stmt := range statements {
			if err := Statement(stmt)(ctx, ec); err != nil {
				return fmt.Errorf("statement %d of %d: %w", i+1, len(statements), err)
			}
		}
		return nil
	}
}

func abbreviate(query string) string {
	q := strings.Join(strings.Fields(query), " ")
	if len(q) > 60 {
		return q[:57] + "..."
	}
	return q
}
