package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
)

// Publisher sends an already encoded event to a topic.
type Publisher interface {
	Publish(topic string, key, value []byte, headers ...kafkago.Header)
}

// StatusCache holds rendered payment-status summaries per order.
type StatusCache interface {
	GetStatus(ctx context.Context, orderID string) ([]byte, bool)
	SetStatus(ctx context.Context, orderID string, b []byte)
	DropStatus(ctx context.Context, orderID string)
}

// Outcome is a provider result, from the callback or a status query.
type Outcome struct {
	ResultCode      int
	ResultDesc      string
	ReceiptNumber   string
	TransactionDate string
	Raw             json.RawMessage
}

type Result struct {
	Transaction MpesaTransaction
	// Applied is false when the transaction had already left PENDING and the call changed nothing.
	Applied bool
}

// Reconciler applies provider outcomes to the ledger, the order and the
// membership record exactly once per transaction.
type Reconciler struct {
	Store       Store
	Publisher   Publisher   // optional
	Cache       StatusCache // optional
	ServiceName string
	Logger      *slog.Logger
	Clock       func() time.Time
}

func (r *Reconciler) log() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Reconciler) now() time.Time {
	if r.Clock != nil {
		return r.Clock()
	}
	return time.Now()
}

// Apply moves the transaction out of PENDING and settles the linked payment,
// order, membership and notification in one store transaction. Repeated or
// late signals for a finished transaction are no-ops.
func (r *Reconciler) Apply(ctx context.Context, txID string, out Outcome) (Result, error) {
	now := r.now()
	status := StatusForResultCode(out.ResultCode)

	f := Finish{
		Status:      status,
		ResultCode:  out.ResultCode,
		ResultDesc:  out.ResultDesc,
		RawResponse: out.Raw,
		At:          now,
	}
	if status == TxCompleted {
		f.ReceiptNumber = out.ReceiptNumber
		f.TransactionDate = out.TransactionDate
	}

	var (
		res     Result
		settled *Payment
	)
	err := r.Store.InTx(ctx, func(tx Tx) error {
		t, applied, err := tx.FinishTransaction(ctx, txID, f)
		if err != nil {
			return err
		}
		res = Result{Transaction: t, Applied: applied}
		if !applied || t.PaymentID == "" {
			return nil
		}

		p, err := tx.GetPayment(ctx, t.PaymentID)
		if err != nil {
			return err
		}
		if p.Status != PaymentPending {
			r.log().WarnContext(ctx, "payment settled elsewhere, closing transaction only",
				"transaction_id", txID, "payment_id", p.ID, "payment_status", p.Status)
			return nil
		}
		if status == TxCompleted {
			err = r.complete(ctx, tx, &p, out.ReceiptNumber, now)
		} else {
			err = r.fail(ctx, tx, &p, out.ResultDesc, now)
		}
		if err != nil {
			return err
		}
		settled = &p
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("reconcile transaction %s: %w", txID, err)
	}

	if !res.Applied {
		r.log().InfoContext(ctx, "mpesa transaction already settled",
			"transaction_id", txID, "status", res.Transaction.Status, "incoming", status)
		return res, nil
	}
	r.log().InfoContext(ctx, "mpesa transaction settled",
		"transaction_id", txID, "status", status, "result_code", out.ResultCode)

	if settled != nil {
		r.afterCommit(ctx, *settled, settlement{
			TransactionID: res.Transaction.ID,
			Status:        res.Transaction.Status,
			Receipt:       res.Transaction.ReceiptNumber,
			ResultCode:    out.ResultCode,
			Reason:        out.ResultDesc,
		})
	}
	return res, nil
}

// Override settles a PENDING payment by hand, for money taken outside
// M-Pesa. A payment that is already COMPLETED or FAILED is returned as is
// with applied false.
func (r *Reconciler) Override(ctx context.Context, paymentID string, status PaymentStatus, method Method) (Payment, bool, error) {
	now := r.now()
	var (
		p       Payment
		applied bool
	)
	err := r.Store.InTx(ctx, func(tx Tx) error {
		var err error
		p, applied, err = tx.SettlePayment(ctx, paymentID, status, method, now)
		if err != nil || !applied {
			return err
		}
		if status == PaymentCompleted {
			return r.fulfil(ctx, tx, &p, now)
		}
		return r.notify(ctx, tx, p, Notification{
			Title:   "Payment Failed",
			Content: fmt.Sprintf("Your payment of %d KES was marked as failed.", p.Amount),
		}, now)
	})
	if err != nil {
		return Payment{}, false, fmt.Errorf("override payment %s: %w", paymentID, err)
	}
	if !applied {
		r.log().InfoContext(ctx, "payment already settled", "payment_id", paymentID, "status", p.Status, "incoming", status)
		return p, false, nil
	}
	r.log().InfoContext(ctx, "payment settled by hand", "payment_id", paymentID, "status", status, "method", p.Method)

	s := settlement{Status: TxCompleted, ResultCode: ResultCodeManual}
	if status == PaymentFailed {
		s.Status, s.Reason = TxFailed, "marked as failed by staff"
	}
	r.afterCommit(ctx, p, s)
	return p, true, nil
}

func (r *Reconciler) complete(ctx context.Context, tx Tx, p *Payment, receipt string, now time.Time) error {
	if err := tx.CompletePayment(ctx, p.ID, receipt, now); err != nil {
		return err
	}
	p.Status = PaymentCompleted
	if receipt != "" {
		p.TransactionID = receipt
	}
	return r.fulfil(ctx, tx, p, now)
}

// fulfil delivers what a completed payment paid for and notifies the payer.
func (r *Reconciler) fulfil(ctx context.Context, tx Tx, p *Payment, now time.Time) error {
	n := Notification{
		Title:   "Payment Successful",
		Content: fmt.Sprintf("Your payment of %d KES has been completed successfully.", p.Amount),
	}

	switch p.Type {
	case TypeOrder:
		if p.OrderID == "" {
			break
		}
		ok, err := tx.MarkOrderPaid(ctx, p.OrderID)
		if err != nil {
			return err
		}
		if !ok {
			r.log().WarnContext(ctx, "order not pending when its payment completed",
				"order_id", p.OrderID, "payment_id", p.ID)
		}
		n.Title = "Order Payment Successful"
		n.Content = fmt.Sprintf("Your payment of %d KES for order #%s has been completed successfully.", p.Amount, p.OrderID)

	case TypeMembership:
		mp, ok, err := tx.GetMembershipPayment(ctx, p.ID)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		expiry := MembershipExpiry(now, mp.Period)
		if err := tx.ActivateMembership(ctx, p.UserID, expiry); err != nil {
			return err
		}
		n.Title = "Membership Payment Successful"
		n.Content = fmt.Sprintf("Your membership payment has been processed successfully. Your membership is now active until %s.",
			expiry.Format("2006-01-02"))
	}

	return r.notify(ctx, tx, *p, n, now)
}

func (r *Reconciler) fail(ctx context.Context, tx Tx, p *Payment, reason string, now time.Time) error {
	if err := tx.FailPayment(ctx, p.ID, now); err != nil {
		return err
	}
	p.Status = PaymentFailed
	return r.notify(ctx, tx, *p, Notification{
		Title:   "Payment Failed",
		Content: fmt.Sprintf("Your payment of %d KES was not completed. Reason: %s", p.Amount, reason),
	}, now)
}

func (r *Reconciler) notify(ctx context.Context, tx Tx, p Payment, n Notification, now time.Time) error {
	n.ID = uuid.NewString()
	n.UserID = p.UserID
	n.Type = NotificationPayment
	n.ReferenceID = p.ID
	n.CreatedAt = now
	return tx.AddNotification(ctx, n)
}

// MembershipExpiry is now + 30 days per month of the period.
func MembershipExpiry(now time.Time, periodMonths int) time.Time {
	return now.AddDate(0, 0, 30*periodMonths)
}

// settlement is what the published event says about how a payment ended.
type settlement struct {
	TransactionID string
	Status        TxStatus
	Receipt       string
	ResultCode    int
	Reason        string
}

func (r *Reconciler) afterCommit(ctx context.Context, p Payment, t settlement) {
	if r.Cache != nil && p.OrderID != "" {
		r.Cache.DropStatus(ctx, p.OrderID)
	}
	if r.Publisher == nil {
		return
	}

	var (
		topic, eventType string
		payload          any
	)
	if t.Status == TxCompleted {
		topic, eventType = TopicPaymentCompleted, EventPaymentCompleted
		payload = PaymentCompletedPayload{
			PaymentID:     p.ID,
			TransactionID: t.TransactionID,
			UserID:        p.UserID,
			PaymentType:   p.Type,
			OrderID:       p.OrderID,
			Amount:        p.Amount,
			Receipt:       t.Receipt,
		}
	} else {
		topic, eventType = TopicPaymentFailed, EventPaymentFailed
		payload = PaymentFailedPayload{
			PaymentID:     p.ID,
			TransactionID: t.TransactionID,
			UserID:        p.UserID,
			PaymentType:   p.Type,
			OrderID:       p.OrderID,
			Status:        t.Status,
			ResultCode:    t.ResultCode,
			Reason:        t.Reason,
		}
	}

	pb, err := json.Marshal(payload)
	if err != nil {
		r.log().ErrorContext(ctx, "encode payment event", "err", err)
		return
	}
	env, err := json.Marshal(Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    r.now().UTC(),
		Producer:      r.ServiceName,
		CorrelationID: p.ID,
		Payload:       pb,
	})
	if err != nil {
		r.log().ErrorContext(ctx, "encode payment envelope", "err", err)
		return
	}
	r.Publisher.Publish(topic, PartitionKey(p.ID), env,
		kafkago.Header{Key: "x-event-type", Value: []byte(eventType)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}
