// Package postgres implements the offer, inventory, points and penalty
// ledgers on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"reservation-engine/internal/domain"
	"reservation-engine/internal/ledger"
)

var (
	_ ledger.OfferCatalog = (*Ledger)(nil)
	_ ledger.Inventory    = (*Ledger)(nil)
	_ ledger.Points       = (*Ledger)(nil)
	_ ledger.Penalties    = (*Ledger)(nil)
)

type Ledger struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

func (l *Ledger) GetOffer(ctx context.Context, offerID string) (domain.Offer, error) {
	const query = `
SELECT id, partner_id, points_per_unit, status, pickup_start, pickup_end, hold_seconds
FROM offers WHERE id = $1`

	var (
		o           domain.Offer
		start, end  *time.Time
		holdSeconds int
	)
	err := l.pool.QueryRow(ctx, query, offerID).
		Scan(&o.ID, &o.PartnerID, &o.PointsPerUnit, &o.Status, &start, &end, &holdSeconds)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Offer{}, domain.ErrOfferNotFound
		}
		return domain.Offer{}, fmt.Errorf("get offer: %w", err)
	}
	if start != nil {
		o.PickupStart = start.UTC()
	}
	if end != nil {
		o.PickupEnd = end.UTC()
	}
	o.HoldDuration = time.Duration(holdSeconds) * time.Second
	return o, nil
}

// UpsertOffer seeds or replaces an offer with its available unit count.
func (l *Ledger) UpsertOffer(ctx context.Context, o domain.Offer, available int) error {
	var start, end *time.Time
	if !o.PickupStart.IsZero() {
		start = &o.PickupStart
	}
	if !o.PickupEnd.IsZero() {
		end = &o.PickupEnd
	}
	_, err := l.pool.Exec(ctx, `
INSERT INTO offers (id, partner_id, points_per_unit, status, pickup_start, pickup_end, hold_seconds, available)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE SET
	partner_id = EXCLUDED.partner_id,
	points_per_unit = EXCLUDED.points_per_unit,
	status = EXCLUDED.status,
	pickup_start = EXCLUDED.pickup_start,
	pickup_end = EXCLUDED.pickup_end,
	hold_seconds = EXCLUDED.hold_seconds,
	available = EXCLUDED.available,
	updated_at = NOW()`,
		o.ID, o.PartnerID, o.PointsPerUnit, string(o.Status), start, end, int(o.HoldDuration/time.Second), available)
	if err != nil {
		return fmt.Errorf("upsert offer: %w", err)
	}
	return nil
}

func (l *Ledger) Available(ctx context.Context, offerID string) (int, error) {
	var n int
	err := l.pool.QueryRow(ctx, `SELECT available FROM offers WHERE id = $1`, offerID).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrOfferNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get available: %w", err)
	}
	return n, nil
}

func (l *Ledger) Decrement(ctx context.Context, offerID string, qty int, key string) error {
	return withTx(ctx, l.pool, func(tx pgx.Tx) error {
		fresh, err := claimKey(ctx, tx, key, "inventory_decrement", offerID, int64(qty))
		if err != nil {
			return fmt.Errorf("claim key: %w", err)
		}
		if !fresh {
			return nil
		}
		tag, err := tx.Exec(ctx, `
UPDATE offers SET available = available - $2, updated_at = NOW()
WHERE id = $1 AND available >= $2`, offerID, qty)
		if err != nil {
			return fmt.Errorf("decrement inventory: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return nil
		}
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM offers WHERE id = $1)`, offerID).Scan(&exists); err != nil {
			return fmt.Errorf("check offer: %w", err)
		}
		if !exists {
			return domain.ErrOfferNotFound
		}
		return domain.ErrInsufficientInventory
	})
}

func (l *Ledger) Release(ctx context.Context, offerID string, qty int, key string) error {
	return withTx(ctx, l.pool, func(tx pgx.Tx) error {
		fresh, err := claimKey(ctx, tx, key, "inventory_release", offerID, int64(qty))
		if err != nil {
			return fmt.Errorf("claim key: %w", err)
		}
		if !fresh {
			return nil
		}
		tag, err := tx.Exec(ctx, `
UPDATE offers SET available = available + $2, updated_at = NOW() WHERE id = $1`, offerID, qty)
		if err != nil {
			return fmt.Errorf("release inventory: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrOfferNotFound
		}
		return nil
	})
}

// SetBalance seeds a points account.
func (l *Ledger) SetBalance(ctx context.Context, customerID string, balance int64) error {
	_, err := l.pool.Exec(ctx, `
INSERT INTO points_accounts (customer_id, balance) VALUES ($1, $2)
ON CONFLICT (customer_id) DO UPDATE SET balance = EXCLUDED.balance, updated_at = NOW()`, customerID, balance)
	if err != nil {
		return fmt.Errorf("set balance: %w", err)
	}
	return nil
}

func (l *Ledger) Balance(ctx context.Context, customerID string) (int64, error) {
	var n int64
	err := l.pool.QueryRow(ctx, `SELECT balance FROM points_accounts WHERE customer_id = $1`, customerID).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return n, nil
}

func (l *Ledger) Debit(ctx context.Context, customerID string, amount int64, key string) error {
	return withTx(ctx, l.pool, func(tx pgx.Tx) error {
		fresh, err := claimKey(ctx, tx, key, "points_debit", customerID, amount)
		if err != nil {
			return fmt.Errorf("claim key: %w", err)
		}
		if !fresh {
			return nil
		}
		tag, err := tx.Exec(ctx, `
UPDATE points_accounts SET balance = balance - $2, updated_at = NOW()
WHERE customer_id = $1 AND balance >= $2`, customerID, amount)
		if err != nil {
			if isCheckViolation(err) {
				return domain.ErrInsufficientPoints
			}
			return fmt.Errorf("debit points: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrInsufficientPoints
		}
		return nil
	})
}

func (l *Ledger) Credit(ctx context.Context, customerID string, amount int64, key string) error {
	return withTx(ctx, l.pool, func(tx pgx.Tx) error {
		fresh, err := claimKey(ctx, tx, key, "points_credit", customerID, amount)
		if err != nil {
			return fmt.Errorf("claim key: %w", err)
		}
		if !fresh {
			return nil
		}
		_, err = tx.Exec(ctx, `
INSERT INTO points_accounts (customer_id, balance) VALUES ($1, $2)
ON CONFLICT (customer_id) DO UPDATE SET balance = points_accounts.balance + EXCLUDED.balance, updated_at = NOW()`,
			customerID, amount)
		if err != nil {
			return fmt.Errorf("credit points: %w", err)
		}
		return nil
	})
}

func (l *Ledger) RecordNoShow(ctx context.Context, customerID, reservationID, key string) error {
	_, err := l.pool.Exec(ctx, `
INSERT INTO penalties (idempotency_key, customer_id, reservation_id) VALUES ($1, $2, $3)
ON CONFLICT (idempotency_key) DO NOTHING`, key, customerID, reservationID)
	if err != nil {
		return fmt.Errorf("record no-show: %w", err)
	}
	return nil
}

func (l *Ledger) Strikes(ctx context.Context, customerID string) (int, error) {
	var n int
	if err := l.pool.QueryRow(ctx, `SELECT COUNT(*) FROM penalties WHERE customer_id = $1`, customerID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count penalties: %w", err)
	}
	return n, nil
}
