package payments

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/ariefcatur/go-mpesa-payments/internal/orders"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repo is the Postgres ledger.
type Repo struct {
	DB     *pgxpool.Pool
	Orders orders.Repo
}

var _ Store = (*Repo)(nil)

const txColumns = `
	t.id, COALESCE(t.payment_id, ''), COALESCE(p.user_id, ''), t.phone_number, t.amount,
	t.reference, t.description, COALESCE(t.merchant_request_id, ''), COALESCE(t.checkout_request_id, ''),
	COALESCE(t.mpesa_receipt_number, ''), COALESCE(t.transaction_date, ''), COALESCE(t.result_code, ''),
	COALESCE(t.result_description, ''), t.status, t.raw_request, t.raw_response, t.created_at, t.updated_at`

const txFrom = ` FROM mpesa_transactions t LEFT JOIN payments p ON p.id = t.payment_id `

const paymentColumns = `
	id, user_id, amount, payment_type, COALESCE(payment_method, ''), status, COALESCE(order_id, ''),
	COALESCE(transaction_id, ''), COALESCE(reference_id, ''), created_at, updated_at`

func scanTx(row pgx.Row) (MpesaTransaction, error) {
	var (
		t        MpesaTransaction
		status   string
		req, res []byte
	)
	err := row.Scan(&t.ID, &t.PaymentID, &t.UserID, &t.PhoneNumber, &t.Amount,
		&t.Reference, &t.Description, &t.MerchantRequestID, &t.CheckoutRequestID,
		&t.ReceiptNumber, &t.TransactionDate, &t.ResultCode,
		&t.ResultDesc, &status, &req, &res, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return MpesaTransaction{}, ErrNotFound
	}
	if err != nil {
		return MpesaTransaction{}, err
	}
	t.Status = TxStatus(status)
	t.RawRequest = req
	t.RawResponse = res
	return t, nil
}

func scanTxRows(rows pgx.Rows) ([]MpesaTransaction, error) {
	defer rows.Close()
	var out []MpesaTransaction
	for rows.Next() {
		t, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanPayment(row pgx.Row) (Payment, error) {
	var (
		p                   Payment
		typ, method, status string
	)
	err := row.Scan(&p.ID, &p.UserID, &p.Amount, &typ, &method, &status, &p.OrderID,
		&p.TransactionID, &p.ReferenceID, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, ErrNotFound
	}
	if err != nil {
		return Payment{}, err
	}
	p.Type, p.Method, p.Status = PaymentType(typ), Method(method), PaymentStatus(status)
	return p, nil
}

func jsonb(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (r *Repo) GetOrder(ctx context.Context, orderID string) (orders.Order, error) {
	return r.Orders.Get(ctx, r.DB, orderID)
}

func (r *Repo) CreatePayment(ctx context.Context, p Payment, t MpesaTransaction, mp *MembershipPayment) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO payments(id, user_id, amount, payment_type, payment_method, status, order_id, reference_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)`,
		p.ID, p.UserID, p.Amount, string(p.Type), string(p.Method), string(p.Status),
		nullable(p.OrderID), nullable(p.ReferenceID), p.CreatedAt); err != nil {
		return err
	}
	if mp != nil {
		if _, err := tx.Exec(ctx, `
			INSERT INTO membership_payments(id, payment_id, membership_period) VALUES ($1,$2,$3)`,
			mp.ID, p.ID, mp.Period); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO mpesa_transactions(id, payment_id, phone_number, amount, reference, description, status, raw_request, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)`,
		t.ID, nullable(t.PaymentID), t.PhoneNumber, t.Amount, t.Reference, t.Description,
		string(t.Status), jsonb(t.RawRequest), t.CreatedAt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repo) RecordInitiation(ctx context.Context, txID string, in Initiation) error {
	ct, err := r.DB.Exec(ctx, `
		UPDATE mpesa_transactions
		SET merchant_request_id=$2, checkout_request_id=$3,
		    raw_request=COALESCE($4::jsonb, raw_request), raw_response=COALESCE($5::jsonb, raw_response),
		    updated_at=now()
		WHERE id=$1`,
		txID, in.MerchantRequestID, in.CheckoutRequestID, jsonb(in.RawRequest), jsonb(in.RawResponse))
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repo) FailInitiation(ctx context.Context, txID, desc string, raw json.RawMessage) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var paymentID *string
	err = tx.QueryRow(ctx, `
		UPDATE mpesa_transactions
		SET status='FAILED', result_description=$2, raw_response=COALESCE($3::jsonb, raw_response), updated_at=now()
		WHERE id=$1 AND status='PENDING'
		RETURNING payment_id`, txID, truncate(desc, 255), jsonb(raw)).Scan(&paymentID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if paymentID != nil {
		if _, err := tx.Exec(ctx, `
			UPDATE payments SET status='FAILED', updated_at=now()
			WHERE id=$1 AND status='PENDING'`, *paymentID); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *Repo) SaveRawResponse(ctx context.Context, txID string, raw json.RawMessage) error {
	_, err := r.DB.Exec(ctx, `UPDATE mpesa_transactions SET raw_response=$2::jsonb WHERE id=$1`, txID, jsonb(raw))
	return err
}

func (r *Repo) GetTransaction(ctx context.Context, txID string) (MpesaTransaction, error) {
	return scanTx(r.DB.QueryRow(ctx, `SELECT `+txColumns+txFrom+`WHERE t.id=$1`, txID))
}

func (r *Repo) GetTransactionByCheckoutID(ctx context.Context, checkoutRequestID string) (MpesaTransaction, error) {
	return scanTx(r.DB.QueryRow(ctx, `SELECT `+txColumns+txFrom+`WHERE t.checkout_request_id=$1`, checkoutRequestID))
}

func (r *Repo) GetPayment(ctx context.Context, paymentID string) (Payment, error) {
	return scanPayment(r.DB.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id=$1`, paymentID))
}

func (r *Repo) LatestOrderPayment(ctx context.Context, orderID string) (Payment, *MpesaTransaction, error) {
	p, err := scanPayment(r.DB.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE order_id=$1 ORDER BY created_at DESC LIMIT 1`, orderID))
	if err != nil {
		return Payment{}, nil, err
	}
	t, err := scanTx(r.DB.QueryRow(ctx, `SELECT `+txColumns+txFrom+`WHERE t.payment_id=$1`, p.ID))
	if errors.Is(err, ErrNotFound) {
		return p, nil, nil
	}
	if err != nil {
		return Payment{}, nil, err
	}
	return p, &t, nil
}

func (r *Repo) ListTransactions(ctx context.Context, userID string) ([]MpesaTransaction, error) {
	if userID == "" {
		rows, err := r.DB.Query(ctx, `SELECT `+txColumns+txFrom+`ORDER BY t.created_at DESC`)
		if err != nil {
			return nil, err
		}
		return scanTxRows(rows)
	}
	rows, err := r.DB.Query(ctx, `SELECT `+txColumns+txFrom+`WHERE p.user_id=$1 ORDER BY t.created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	return scanTxRows(rows)
}

func (r *Repo) ListPayments(ctx context.Context, userID string) ([]Payment, error) {
	rows, err := r.DB.Query(ctx, `SELECT `+paymentColumns+` FROM payments WHERE user_id=$1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *Repo) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]MpesaTransaction, error) {
	rows, err := r.DB.Query(ctx, `SELECT `+txColumns+txFrom+`
		WHERE t.status='PENDING' AND t.created_at < $1
		ORDER BY t.created_at LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	return scanTxRows(rows)
}

func (r *Repo) ListNotifications(ctx context.Context, userID string) ([]Notification, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, user_id, title, content, type, is_read, COALESCE(reference_id, ''), created_at
		FROM notifications WHERE user_id=$1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Title, &n.Content, &n.Type, &n.IsRead, &n.ReferenceID, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *Repo) GetMember(ctx context.Context, userID string) (Member, error) {
	var (
		m      Member
		expiry *time.Time
	)
	err := r.DB.QueryRow(ctx, `
		SELECT user_id, membership_status, payment_status, membership_expiry
		FROM members WHERE user_id=$1`, userID).
		Scan(&m.UserID, &m.MembershipStatus, &m.PaymentStatus, &expiry)
	if errors.Is(err, pgx.ErrNoRows) {
		return Member{}, ErrNotFound
	}
	if err != nil {
		return Member{}, err
	}
	if expiry != nil {
		m.MembershipExpiry = *expiry
	}
	return m, nil
}

func (r *Repo) InTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{tx: tx, orders: r.Orders}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type pgTx struct {
	tx     pgx.Tx
	orders orders.Repo
}

// FinishTransaction: guarded by status='PENDING', so of two concurrent
// writers the second one blocks on the row lock and then matches nothing.
func (t *pgTx) FinishTransaction(ctx context.Context, txID string, f Finish) (MpesaTransaction, bool, error) {
	ct, err := t.tx.Exec(ctx, `
		UPDATE mpesa_transactions
		SET status=$2, result_code=$3, result_description=$4,
		    mpesa_receipt_number=COALESCE(NULLIF($5, ''), mpesa_receipt_number),
		    transaction_date=COALESCE(NULLIF($6, ''), transaction_date),
		    raw_response=COALESCE($7::jsonb, raw_response),
		    updated_at=$8
		WHERE id=$1 AND status='PENDING'`,
		txID, string(f.Status), strconv.Itoa(f.ResultCode), truncate(f.ResultDesc, 255),
		f.ReceiptNumber, f.TransactionDate, jsonb(f.RawResponse), f.At)
	if err != nil {
		return MpesaTransaction{}, false, err
	}
	cur, err := scanTx(t.tx.QueryRow(ctx, `SELECT `+txColumns+txFrom+`WHERE t.id=$1`, txID))
	if err != nil {
		return MpesaTransaction{}, false, err
	}
	return cur, ct.RowsAffected() == 1, nil
}

func (t *pgTx) GetPayment(ctx context.Context, paymentID string) (Payment, error) {
	return scanPayment(t.tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id=$1 FOR UPDATE`, paymentID))
}

func (t *pgTx) CompletePayment(ctx context.Context, paymentID, receipt string, at time.Time) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE payments SET status='COMPLETED', transaction_id=COALESCE(NULLIF($2, ''), transaction_id), updated_at=$3
		WHERE id=$1`, paymentID, receipt, at)
	return err
}

func (t *pgTx) FailPayment(ctx context.Context, paymentID string, at time.Time) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE payments SET status='FAILED', updated_at=$2
		WHERE id=$1 AND status='PENDING'`, paymentID, at)
	return err
}

func (t *pgTx) SettlePayment(ctx context.Context, paymentID string, status PaymentStatus, method Method, at time.Time) (Payment, bool, error) {
	p, err := scanPayment(t.tx.QueryRow(ctx, `
		UPDATE payments SET status=$2, payment_method=COALESCE(NULLIF($3, ''), payment_method), updated_at=$4
		WHERE id=$1 AND status='PENDING'
		RETURNING `+paymentColumns, paymentID, string(status), string(method), at))
	if errors.Is(err, ErrNotFound) {
		cur, err := t.GetPayment(ctx, paymentID)
		return cur, false, err
	}
	if err != nil {
		return Payment{}, false, err
	}
	return p, true, nil
}

func (t *pgTx) MarkOrderPaid(ctx context.Context, orderID string) (bool, error) {
	return t.orders.MarkPaid(ctx, t.tx, orderID)
}

func (t *pgTx) GetMembershipPayment(ctx context.Context, paymentID string) (MembershipPayment, bool, error) {
	var mp MembershipPayment
	err := t.tx.QueryRow(ctx, `
		SELECT id, payment_id, membership_period FROM membership_payments WHERE payment_id=$1`, paymentID).
		Scan(&mp.ID, &mp.PaymentID, &mp.Period)
	if errors.Is(err, pgx.ErrNoRows) {
		return MembershipPayment{}, false, nil
	}
	if err != nil {
		return MembershipPayment{}, false, err
	}
	return mp, true, nil
}

func (t *pgTx) ActivateMembership(ctx context.Context, userID string, expiry time.Time) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO members(user_id, membership_status, payment_status, membership_expiry, created_at, updated_at)
		VALUES ($1, 'ACTIVE', 'PAID', $2, now(), now())
		ON CONFLICT (user_id) DO UPDATE
		SET membership_status='ACTIVE', payment_status='PAID',
		    membership_expiry=EXCLUDED.membership_expiry, updated_at=now()`, userID, expiry)
	return err
}

func (t *pgTx) AddNotification(ctx context.Context, n Notification) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO notifications(id, user_id, title, content, type, is_read, reference_id, created_at)
		VALUES ($1,$2,$3,$4,$5,false,$6,$7)`,
		n.ID, n.UserID, n.Title, n.Content, n.Type, nullable(n.ReferenceID), n.CreatedAt)
	return err
}

// truncate keeps at most n characters. Columns are varchar(n), which counts
// characters, and a cut inside a UTF-8 sequence is rejected by Postgres.
func truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
