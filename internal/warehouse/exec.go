package warehouse

import (
	"context"
	"database/sql"
	"log/slog"
	"time"
)

// DB is the subset of *sql.DB the stages use. *storage.Connection satisfies it.
type DB interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Statement is one SQL statement issued by a stage.
type Statement struct {
	Name     string
	Relation string
	SQL      string
	Args     []any
}

// execStatements runs stmts in one transaction and commits. It returns the rows affected
// by every statement combined. Errors are classified against the statement's relation.
func execStatements(ctx context.Context, db DB, logger *slog.Logger, stmts ...Statement) (int64, error) {
	if len(stmts) == 0 {
		return 0, nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify(stmts[0].Relation, err)
	}

	defer func() {
		_ = tx.Rollback() // Safe to call even after commit
	}()

	var total int64

	for _, stmt := range stmts {
		start := time.Now()

		res, err := tx.ExecContext(ctx, stmt.SQL, stmt.Args...)
		if err != nil {
			return 0, classify(stmt.Relation, err)
		}

		rows, err := res.RowsAffected()
		if err != nil {
			rows = 0
		}

		total += rows

		logger.Debug("Statement executed",
			slog.String("statement", stmt.Name),
			slog.String("relation", stmt.Relation),
			slog.Int64("rows", rows),
			slog.Duration("duration", time.Since(start)),
		)
	}

	if err := tx.Commit(); err != nil {
		return 0, classify(stmts[0].Relation, err)
	}

	return total, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
