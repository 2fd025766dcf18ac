package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// RunMigrations creates the payment tables if they are missing. orders and
// members belong to other services; the minimal shapes here only let the
// service run against an empty database.
func RunMigrations(ctx context.Context, db *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id           TEXT PRIMARY KEY,
			user_id      TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'PENDING',
			total_amount INTEGER NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS members (
			user_id           TEXT PRIMARY KEY,
			membership_status TEXT NOT NULL DEFAULT 'PENDING',
			payment_status    TEXT NOT NULL DEFAULT 'PENDING',
			membership_expiry TIMESTAMPTZ,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS payments (
			id             TEXT PRIMARY KEY,
			user_id        TEXT NOT NULL,
			amount         INTEGER NOT NULL CHECK (amount > 0),
			payment_type   TEXT NOT NULL,
			payment_method TEXT,
			status         TEXT NOT NULL DEFAULT 'PENDING',
			order_id       TEXT REFERENCES orders(id),
			transaction_id VARCHAR(100),
			reference_id   VARCHAR(100),
			created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS payments_order_id_idx ON payments(order_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS payments_user_id_idx ON payments(user_id)`,

		`CREATE TABLE IF NOT EXISTS membership_payments (
			id                TEXT PRIMARY KEY,
			payment_id        TEXT NOT NULL UNIQUE REFERENCES payments(id),
			membership_period INTEGER NOT NULL DEFAULT 12
		)`,

		`CREATE TABLE IF NOT EXISTS mpesa_transactions (
			id                   TEXT PRIMARY KEY,
			payment_id           TEXT UNIQUE REFERENCES payments(id),
			phone_number         VARCHAR(15) NOT NULL,
			amount               INTEGER NOT NULL,
			reference            VARCHAR(100) NOT NULL,
			description          VARCHAR(255) NOT NULL,
			merchant_request_id  VARCHAR(100),
			checkout_request_id  VARCHAR(100) UNIQUE,
			mpesa_receipt_number VARCHAR(50),
			transaction_date     VARCHAR(50),
			result_code          VARCHAR(10),
			result_description   VARCHAR(255),
			status               TEXT NOT NULL DEFAULT 'PENDING',
			raw_request          JSONB,
			raw_response         JSONB,
			created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS mpesa_transactions_pending_idx ON mpesa_transactions(created_at) WHERE status = 'PENDING'`,

		`CREATE TABLE IF NOT EXISTS notifications (
			id           TEXT PRIMARY KEY,
			user_id      TEXT NOT NULL,
			title        VARCHAR(255) NOT NULL,
			content      TEXT NOT NULL,
			type         VARCHAR(50) NOT NULL,
			is_read      BOOLEAN NOT NULL DEFAULT false,
			reference_id VARCHAR(100),
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS notifications_user_id_idx ON notifications(user_id, created_at DESC)`,
	}

	for i, stmt := range stmts {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
