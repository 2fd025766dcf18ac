package payments_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-mpesa-payments/internal/orders"
	"github.com/ariefcatur/go-mpesa-payments/internal/payments"
	"github.com/stretchr/testify/require"
)

func startOrderPayment(t *testing.T, h *harness) payments.Initiated {
	t.Helper()
	h.addOrder("ORD1", alice.UserID, 1500)
	started, err := h.svc.InitiateOrderPayment(context.Background(), alice, "ORD1", "0712345678", callbackURL)
	require.NoError(t, err)
	return started
}

func TestStatusForResultCode(t *testing.T) {
	require.Equal(t, payments.TxCompleted, payments.StatusForResultCode(0))
	require.Equal(t, payments.TxCancelled, payments.StatusForResultCode(1032))
	for _, code := range []int{1, 1037, 2001, 1001, payments.ResultCodeExpired} {
		require.Equal(t, payments.TxFailed, payments.StatusForResultCode(code), code)
	}
}

func TestTxStatusTransitions(t *testing.T) {
	require.True(t, payments.CanTransition(payments.TxPending, payments.TxCompleted))
	require.True(t, payments.CanTransition(payments.TxPending, payments.TxCancelled))
	for _, from := range []payments.TxStatus{payments.TxCompleted, payments.TxFailed, payments.TxCancelled} {
		require.True(t, from.Terminal())
		for _, to := range []payments.TxStatus{payments.TxPending, payments.TxCompleted, payments.TxFailed, payments.TxCancelled} {
			require.False(t, payments.CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestApplyPublishesEnvelope(t *testing.T) {
	h := newHarness()
	started := startOrderPayment(t, h)

	res, err := h.rec.Apply(context.Background(), started.TransactionID, payments.Outcome{
		ResultCode:    0,
		ResultDesc:    "ok",
		ReceiptNumber: "ABC123",
	})
	require.NoError(t, err)
	require.True(t, res.Applied)

	msgs := h.pub.all()
	require.Len(t, msgs, 1)
	require.Equal(t, "x-event-type", msgs[0].headers[0].Key)
	require.Equal(t, payments.EventPaymentCompleted, string(msgs[0].headers[0].Value))

	var env payments.Envelope
	require.NoError(t, json.Unmarshal(msgs[0].value, &env))
	require.Equal(t, payments.EventPaymentCompleted, env.EventType)
	require.Equal(t, 1, env.EventVersion)
	require.Equal(t, "payments-test", env.Producer)
	require.Equal(t, started.PaymentID, env.CorrelationID)

	var pl payments.PaymentCompletedPayload
	require.NoError(t, json.Unmarshal(env.Payload, &pl))
	require.Equal(t, "ORD1", pl.OrderID)
	require.Equal(t, 1500, pl.Amount)
	require.Equal(t, "ABC123", pl.Receipt)
	require.Equal(t, payments.TypeOrder, pl.PaymentType)

	// once when the push started, once after settling
	require.Equal(t, []string{"ORD1", "ORD1"}, h.cache.drops)
}

func TestApplyIsIdempotent(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	started := startOrderPayment(t, h)

	first, err := h.rec.Apply(ctx, started.TransactionID, payments.Outcome{ResultCode: 0, ReceiptNumber: "ABC123"})
	require.NoError(t, err)
	require.True(t, first.Applied)

	second, err := h.rec.Apply(ctx, started.TransactionID, payments.Outcome{ResultCode: 0, ReceiptNumber: "OTHER"})
	require.NoError(t, err)
	require.False(t, second.Applied)
	require.Equal(t, "ABC123", second.Transaction.ReceiptNumber)

	late, err := h.rec.Apply(ctx, started.TransactionID, payments.Outcome{ResultCode: 2001, ResultDesc: "wrong pin"})
	require.NoError(t, err)
	require.False(t, late.Applied)
	require.Equal(t, payments.TxCompleted, late.Transaction.Status)

	p, _ := h.store.GetPayment(ctx, started.PaymentID)
	require.Equal(t, payments.PaymentCompleted, p.Status)
	require.Len(t, h.store.AllNotifications(), 1)
	require.Len(t, h.pub.all(), 1)
}

func TestApplyConcurrentSignalsSettleOnce(t *testing.T) {
	h := newHarness()
	started := startOrderPayment(t, h)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.rec.Apply(context.Background(), started.TransactionID, payments.Outcome{ResultCode: 0, ReceiptNumber: "ABC123"})
			if err == nil && res.Applied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, applied)
	require.Len(t, h.store.AllNotifications(), 1)
	require.Len(t, h.pub.all(), 1)
	require.Equal(t, orders.StatusPaid, h.orderStatus("ORD1"))
}

func TestApplyRollsBackOnFailure(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	started := startOrderPayment(t, h)

	h.store.Fail("AddNotification", errors.New("disk full"))
	_, err := h.rec.Apply(ctx, started.TransactionID, payments.Outcome{ResultCode: 0, ReceiptNumber: "ABC123"})
	require.Error(t, err)

	tx, _ := h.store.GetTransaction(ctx, started.TransactionID)
	require.Equal(t, payments.TxPending, tx.Status)
	p, _ := h.store.GetPayment(ctx, started.PaymentID)
	require.Equal(t, payments.PaymentPending, p.Status)
	require.Equal(t, orders.StatusPending, h.orderStatus("ORD1"))
	require.Empty(t, h.pub.all())

	res, err := h.rec.Apply(ctx, started.TransactionID, payments.Outcome{ResultCode: 0, ReceiptNumber: "ABC123"})
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.Equal(t, orders.StatusPaid, h.orderStatus("ORD1"))
}

func TestApplyLeavesNonPendingOrderAlone(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	started := startOrderPayment(t, h)

	// order cancelled while the push was in flight
	o, _ := h.store.Order("ORD1")
	o.Status = orders.StatusCancelled
	h.store.AddOrder(o)

	res, err := h.rec.Apply(ctx, started.TransactionID, payments.Outcome{ResultCode: 0, ReceiptNumber: "ABC123"})
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.Equal(t, orders.StatusCancelled, h.orderStatus("ORD1"))

	p, _ := h.store.GetPayment(ctx, started.PaymentID)
	require.Equal(t, payments.PaymentCompleted, p.Status)
}

func TestMembershipExpiryNotExtendedTwice(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	started, err := h.svc.InitiateMembershipPayment(ctx, alice, 3, "0712345678", callbackURL)
	require.NoError(t, err)

	_, err = h.rec.Apply(ctx, started.TransactionID, payments.Outcome{ResultCode: 0, ReceiptNumber: "M1"})
	require.NoError(t, err)
	m, err := h.store.GetMember(ctx, alice.UserID)
	require.NoError(t, err)
	want := h.clock.Now().AddDate(0, 0, 90)
	require.Equal(t, want, m.MembershipExpiry)

	h.clock.Advance(48 * time.Hour)
	res, err := h.rec.Apply(ctx, started.TransactionID, payments.Outcome{ResultCode: 0, ReceiptNumber: "M1"})
	require.NoError(t, err)
	require.False(t, res.Applied)

	m, _ = h.store.GetMember(ctx, alice.UserID)
	require.Equal(t, want, m.MembershipExpiry)
}

func TestMembershipExpiry(t *testing.T) {
	now := time.Date(2024, 1, 31, 12, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), payments.MembershipExpiry(now, 1))
	require.Equal(t, now.AddDate(0, 0, 360), payments.MembershipExpiry(now, 12))
}
