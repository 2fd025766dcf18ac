package payments_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ariefcatur/go-mpesa-payments/internal/orders"
	"github.com/ariefcatur/go-mpesa-payments/internal/payments"
	"github.com/ariefcatur/go-mpesa-payments/internal/postgres"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// Needs a disposable database: POSTGRES_TEST_DSN=postgres://... go test ./internal/payments
func testRepo(t *testing.T) *payments.Repo {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	ctx := context.Background()
	db, err := postgres.Connect(ctx, dsn, postgres.Pool{AppName: "payments-test"})
	require.NoError(t, err)
	t.Cleanup(db.Close)
	require.NoError(t, postgres.RunMigrations(ctx, db))
	return &payments.Repo{DB: db}
}

func seedOrder(t *testing.T, repo *payments.Repo, userID string, total int) string {
	t.Helper()
	id := uuid.NewString()
	_, err := repo.DB.Exec(context.Background(),
		`INSERT INTO orders(id, user_id, status, total_amount) VALUES ($1,$2,'PENDING',$3)`, id, userID, total)
	require.NoError(t, err)
	return id
}

func TestRepoReconcileOnce(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	user := "user-" + uuid.NewString()
	orderID := seedOrder(t, repo, user, 1500)

	gw := &fakeGateway{pushResp: fakePushResp()}
	rec := &payments.Reconciler{Store: repo}
	svc := &payments.Service{Store: repo, Gateway: gw, Reconciler: rec}
	c := payments.Caller{UserID: user, Role: payments.RoleMember}

	started, err := svc.InitiateOrderPayment(ctx, c, orderID, "0712345678", callbackURL)
	require.NoError(t, err)

	tx, err := repo.GetTransactionByCheckoutID(ctx, started.CheckoutRequestID)
	require.NoError(t, err)
	require.Equal(t, user, tx.UserID)
	require.Equal(t, payments.TxPending, tx.Status)

	first, err := rec.Apply(ctx, tx.ID, payments.Outcome{ResultCode: 0, ReceiptNumber: "ABC123", Raw: []byte(`{"ok":true}`)})
	require.NoError(t, err)
	require.True(t, first.Applied)
	second, err := rec.Apply(ctx, tx.ID, payments.Outcome{ResultCode: 1032, ResultDesc: "cancelled"})
	require.NoError(t, err)
	require.False(t, second.Applied)
	require.Equal(t, payments.TxCompleted, second.Transaction.Status)
	require.Equal(t, "ABC123", second.Transaction.ReceiptNumber)

	o, err := repo.GetOrder(ctx, orderID)
	require.NoError(t, err)
	require.Equal(t, orders.StatusPaid, o.Status)

	p, tp, err := repo.LatestOrderPayment(ctx, orderID)
	require.NoError(t, err)
	require.Equal(t, payments.PaymentCompleted, p.Status)
	require.Equal(t, "ABC123", p.TransactionID)
	require.NotNil(t, tp)

	notes, err := repo.ListNotifications(ctx, user)
	require.NoError(t, err)
	require.Len(t, notes, 1)

	pending, err := repo.ListPendingBefore(ctx, time.Now().Add(time.Hour), 1000)
	require.NoError(t, err)
	for _, pt := range pending {
		require.NotEqual(t, tx.ID, pt.ID)
	}
}

func TestRepoRollsBackWholeUnit(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	user := "user-" + uuid.NewString()
	orderID := seedOrder(t, repo, user, 800)

	gw := &fakeGateway{pushResp: fakePushResp()}
	rec := &payments.Reconciler{Store: repo}
	svc := &payments.Service{Store: repo, Gateway: gw, Reconciler: rec}
	started, err := svc.InitiateOrderPayment(ctx, payments.Caller{UserID: user}, orderID, "0712345678", callbackURL)
	require.NoError(t, err)

	boom := context.Canceled
	err = repo.InTx(ctx, func(tx payments.Tx) error {
		_, applied, err := tx.FinishTransaction(ctx, started.TransactionID, payments.Finish{
			Status: payments.TxCompleted, At: time.Now(),
		})
		require.NoError(t, err)
		require.True(t, applied)
		_, err = tx.MarkOrderPaid(ctx, orderID)
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	tx, err := repo.GetTransaction(ctx, started.TransactionID)
	require.NoError(t, err)
	require.Equal(t, payments.TxPending, tx.Status)
	o, err := repo.GetOrder(ctx, orderID)
	require.NoError(t, err)
	require.Equal(t, orders.StatusPending, o.Status)
}
