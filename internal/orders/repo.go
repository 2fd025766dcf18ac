package orders

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var ErrNotFound = errors.New("order not found")

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Repo struct{}

func (Repo) Get(ctx context.Context, q Querier, orderID string) (Order, error) {
	var o Order
	var s string
	err := q.QueryRow(ctx, `
		SELECT id, user_id, status, total_amount, created_at, updated_at
		FROM orders WHERE id=$1`, orderID).
		Scan(&o.ID, &o.UserID, &s, &o.Total, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, err
	}
	o.Status = Status(s)
	return o, nil
}

// MarkPaid moves a PENDING order to PAID. Returns false when the order was
// in any other state (already paid, shipped, cancelled).
func (Repo) MarkPaid(ctx context.Context, q Querier, orderID string) (bool, error) {
	ct, err := q.Exec(ctx, `
		UPDATE orders SET status='PAID', updated_at=now()
		WHERE id=$1 AND status='PENDING'`, orderID)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}
