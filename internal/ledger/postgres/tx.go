package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

func withTx(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// claimKey records an idempotency key inside tx. It reports false when the
// key was already applied by an earlier call.
func claimKey(ctx context.Context, tx pgx.Tx, key, kind, subject string, amount int64) (bool, error) {
	tag, err := tx.Exec(ctx, `
INSERT INTO ledger_entries (idempotency_key, kind, subject_id, amount)
VALUES ($1, $2, $3, $4)
ON CONFLICT (idempotency_key) DO NOTHING`, key, kind, subject, amount)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func isCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23514"
}
