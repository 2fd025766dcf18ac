package payments

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ariefcatur/go-mpesa-payments/internal/orders"
)

// Store is the transaction ledger. Lookups return ErrNotFound for missing rows.
type Store interface {
	GetOrder(ctx context.Context, orderID string) (orders.Order, error)

	// CreatePayment inserts the payment, its transaction and, when mp is not nil,
	// the membership tag as one unit.
	CreatePayment(ctx context.Context, p Payment, t MpesaTransaction, mp *MembershipPayment) error
	RecordInitiation(ctx context.Context, txID string, in Initiation) error
	// FailInitiation marks a still pending transaction and its payment FAILED.
	FailInitiation(ctx context.Context, txID, desc string, raw json.RawMessage) error
	SaveRawResponse(ctx context.Context, txID string, raw json.RawMessage) error

	GetTransaction(ctx context.Context, txID string) (MpesaTransaction, error)
	GetTransactionByCheckoutID(ctx context.Context, checkoutRequestID string) (MpesaTransaction, error)
	GetPayment(ctx context.Context, paymentID string) (Payment, error)
	// LatestOrderPayment returns the newest payment for an order and its transaction, if any.
	LatestOrderPayment(ctx context.Context, orderID string) (Payment, *MpesaTransaction, error)
	// ListTransactions lists a user's transactions, newest first. Empty userID lists all.
	ListTransactions(ctx context.Context, userID string) ([]MpesaTransaction, error)
	// ListPayments lists a user's payments, newest first.
	ListPayments(ctx context.Context, userID string) ([]Payment, error)
	ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]MpesaTransaction, error)
	ListNotifications(ctx context.Context, userID string) ([]Notification, error)
	GetMember(ctx context.Context, userID string) (Member, error)

	// InTx runs fn in one database transaction; any error rolls everything back.
	InTx(ctx context.Context, fn func(Tx) error) error
}

// Tx is the write surface available to the Reconciler inside one unit.
type Tx interface {
	// FinishTransaction moves a PENDING transaction to a terminal state. When the
	// row is no longer PENDING nothing is written and applied is false; the
	// current row is returned either way.
	FinishTransaction(ctx context.Context, txID string, f Finish) (t MpesaTransaction, applied bool, err error)
	GetPayment(ctx context.Context, paymentID string) (Payment, error)
	CompletePayment(ctx context.Context, paymentID, receipt string, at time.Time) error
	FailPayment(ctx context.Context, paymentID string, at time.Time) error
	// SettlePayment moves a PENDING payment to status, recording method when
	// not empty. applied is false when the payment was already settled.
	SettlePayment(ctx context.Context, paymentID string, status PaymentStatus, method Method, at time.Time) (p Payment, applied bool, err error)
	// MarkOrderPaid moves a PENDING order to PAID; false when it was not PENDING.
	MarkOrderPaid(ctx context.Context, orderID string) (bool, error)
	GetMembershipPayment(ctx context.Context, paymentID string) (MembershipPayment, bool, error)
	ActivateMembership(ctx context.Context, userID string, expiry time.Time) error
	AddNotification(ctx context.Context, n Notification) error
}

type Initiation struct {
	MerchantRequestID string
	CheckoutRequestID string
	RawRequest        json.RawMessage
	RawResponse       json.RawMessage
}

type Finish struct {
	Status          TxStatus
	ResultCode      int
	ResultDesc      string
	ReceiptNumber   string
	TransactionDate string
	RawResponse     json.RawMessage
	At              time.Time
}
