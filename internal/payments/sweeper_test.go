package payments_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ariefcatur/go-mpesa-payments/internal/daraja"
	"github.com/ariefcatur/go-mpesa-payments/internal/orders"
	"github.com/ariefcatur/go-mpesa-payments/internal/payments"
	"github.com/stretchr/testify/require"
)

type fakeLocker struct {
	held   bool
	err    error
	tries  int
	unlock int
}

func (l *fakeLocker) TryLock(context.Context, string, time.Duration) (bool, error) {
	l.tries++
	if l.err != nil {
		return false, l.err
	}
	return !l.held, nil
}

func (l *fakeLocker) Unlock(context.Context, string) error {
	l.unlock++
	return nil
}

func newSweeper(h *harness, locker payments.Locker) *payments.Sweeper {
	s := &payments.Sweeper{
		Store:      h.store,
		Reconciler: h.rec,
		MaxAge:     time.Hour,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:      h.clock.Now,
	}
	if locker != nil {
		s.Locker = locker
	}
	return s
}

func TestSweepExpiresOnlyStalePending(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.addOrder("OLD", alice.UserID, 1000)
	h.addOrder("NEW", alice.UserID, 2000)

	old, err := h.svc.InitiateOrderPayment(ctx, alice, "OLD", "0712345678", callbackURL)
	require.NoError(t, err)
	h.gw.pushResp = daraja.PushResponse{MerchantRequestID: "mr-2", CheckoutRequestID: "ws_CO_2"}
	fresh, err := h.svc.InitiateOrderPayment(ctx, alice, "NEW", "0712345678", callbackURL)
	require.NoError(t, err)

	h.store.SetCreatedAt(old.TransactionID, h.clock.Now().Add(-61*time.Minute))
	h.store.SetCreatedAt(fresh.TransactionID, h.clock.Now().Add(-59*time.Minute))

	n, err := newSweeper(h, nil).Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	tx, _ := h.store.GetTransaction(ctx, old.TransactionID)
	require.Equal(t, payments.TxFailed, tx.Status)
	require.Equal(t, "-1", tx.ResultCode)
	require.Equal(t, payments.ExpiredDescription, tx.ResultDesc)
	p, _ := h.store.GetPayment(ctx, old.PaymentID)
	require.Equal(t, payments.PaymentFailed, p.Status)
	require.Equal(t, orders.StatusPending, h.orderStatus("OLD"))

	tx, _ = h.store.GetTransaction(ctx, fresh.TransactionID)
	require.Equal(t, payments.TxPending, tx.Status)

	notes, _ := h.svc.Notifications(ctx, alice)
	require.Len(t, notes, 1)
	require.Equal(t, "Payment Failed", notes[0].Title)

	// a success arriving after expiry is ignored
	h.svc.ReceiveCallback(ctx, callbackBody("ws_CO_1", 0, "LATE01", 1000))
	tx, _ = h.store.GetTransaction(ctx, old.TransactionID)
	require.Equal(t, payments.TxFailed, tx.Status)
	require.Equal(t, orders.StatusPending, h.orderStatus("OLD"))

	n, err = newSweeper(h, nil).Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSweepSkipsWhenLockHeldElsewhere(t *testing.T) {
	h := newHarness()
	started := startOrderPayment(t, h)
	h.store.SetCreatedAt(started.TransactionID, h.clock.Now().Add(-2*time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	held := &fakeLocker{held: true}
	newSweeper(h, held).Run(ctx, time.Minute)
	require.Equal(t, 1, held.tries)
	tx, _ := h.store.GetTransaction(context.Background(), started.TransactionID)
	require.Equal(t, payments.TxPending, tx.Status)

	free := &fakeLocker{}
	newSweeper(h, free).Run(ctx, time.Minute)
	require.Equal(t, 1, free.unlock)
	tx, _ = h.store.GetTransaction(context.Background(), started.TransactionID)
	require.Equal(t, payments.TxFailed, tx.Status)
}

func TestSweepRunsWhenLockBackendDown(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	started := startOrderPayment(t, h)
	h.store.SetCreatedAt(started.TransactionID, h.clock.Now().Add(-2*time.Hour))

	runCtx, cancel := context.WithCancel(ctx)
	cancel()
	newSweeper(h, &fakeLocker{err: errors.New("redis: connection refused")}).Run(runCtx, time.Minute)

	tx, _ := h.store.GetTransaction(ctx, started.TransactionID)
	require.Equal(t, payments.TxFailed, tx.Status)
}
