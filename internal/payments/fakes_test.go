package payments_test

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ariefcatur/go-mpesa-payments/internal/daraja"
	"github.com/ariefcatur/go-mpesa-payments/internal/orders"
	"github.com/ariefcatur/go-mpesa-payments/internal/payments"
	"github.com/ariefcatur/go-mpesa-payments/internal/payments/memstore"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
)

type fakeGateway struct {
	mu sync.Mutex

	pushes   []daraja.PushRequest
	pushResp daraja.PushResponse
	pushErr  error

	queries  []string
	status   daraja.StatusResult
	queryErr error
}

func (g *fakeGateway) InitiatePush(_ context.Context, in daraja.PushRequest) (daraja.PushResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pushes = append(g.pushes, in)
	if g.pushErr != nil {
		return daraja.PushResponse{}, g.pushErr
	}
	resp := g.pushResp
	if resp.CheckoutRequestID == "" {
		resp.MerchantRequestID = "mr-1"
		resp.CheckoutRequestID = "ws_CO_1"
	}
	resp.Raw = []byte(`{"ResponseCode":"0","CheckoutRequestID":"` + resp.CheckoutRequestID + `"}`)
	return resp, nil
}

func (g *fakeGateway) QueryStatus(_ context.Context, checkoutRequestID string) (daraja.StatusResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queries = append(g.queries, checkoutRequestID)
	if g.queryErr != nil {
		return daraja.StatusResult{}, g.queryErr
	}
	return g.status, nil
}

// fakePushResp returns ids unique across runs, for stores with unique constraints.
func fakePushResp() daraja.PushResponse {
	return daraja.PushResponse{
		MerchantRequestID: "mr-" + uuid.NewString(),
		CheckoutRequestID: "ws_CO_" + uuid.NewString(),
	}
}

func (g *fakeGateway) pushCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pushes)
}

func (g *fakeGateway) queryCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queries)
}

type published struct {
	topic   string
	key     []byte
	value   []byte
	headers []kafkago.Header
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (p *fakePublisher) Publish(topic string, key, value []byte, headers ...kafkago.Header) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{topic: topic, key: key, value: value, headers: headers})
}

func (p *fakePublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.msgs...)
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	drops   []string
}

func newFakeCache() *fakeCache { return &fakeCache{entries: map[string][]byte{}} }

func (c *fakeCache) GetStatus(_ context.Context, orderID string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.entries[orderID]
	return b, ok
}

func (c *fakeCache) SetStatus(_ context.Context, orderID string, b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[orderID] = b
}

func (c *fakeCache) DropStatus(_ context.Context, orderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, orderID)
	c.drops = append(c.drops, orderID)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var (
	alice = payments.Caller{UserID: "user-alice", Role: payments.RoleMember}
	bob   = payments.Caller{UserID: "user-bob", Role: payments.RoleMember}
	admin = payments.Caller{UserID: "user-admin", Role: payments.RoleAdmin}
)

type harness struct {
	store *memstore.Store
	gw    *fakeGateway
	pub   *fakePublisher
	cache *fakeCache
	clock *clock
	rec   *payments.Reconciler
	svc   *payments.Service
}

func newHarness() *harness {
	h := &harness{
		store: memstore.New(),
		gw:    &fakeGateway{},
		pub:   &fakePublisher{},
		cache: newFakeCache(),
		clock: newClock(),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.rec = &payments.Reconciler{
		Store:       h.store,
		Publisher:   h.pub,
		Cache:       h.cache,
		ServiceName: "payments-test",
		Logger:      logger,
		Clock:       h.clock.Now,
	}
	h.svc = &payments.Service{
		Store:                h.store,
		Gateway:              h.gw,
		Reconciler:           h.rec,
		Cache:                h.cache,
		MembershipMonthlyFee: 100,
		Logger:               logger,
		Clock:                h.clock.Now,
	}
	return h
}

func (h *harness) addOrder(id, userID string, total int) {
	h.store.AddOrder(orders.Order{
		ID:        id,
		UserID:    userID,
		Status:    orders.StatusPending,
		Total:     total,
		CreatedAt: h.clock.Now(),
		UpdatedAt: h.clock.Now(),
	})
}

func (h *harness) orderStatus(id string) orders.Status {
	o, _ := h.store.Order(id)
	return o.Status
}

func callbackBody(checkoutID string, code int, receipt string, amount int) []byte {
	if code != 0 {
		return []byte(`{"Body":{"stkCallback":{"MerchantRequestID":"mr-1","CheckoutRequestID":"` + checkoutID +
			`","ResultCode":` + strconv.Itoa(code) + `,"ResultDesc":"Request cancelled by user"}}}`)
	}
	return []byte(`{"Body":{"stkCallback":{"MerchantRequestID":"mr-1","CheckoutRequestID":"` + checkoutID +
		`","ResultCode":0,"ResultDesc":"The service request is processed successfully.","CallbackMetadata":{"Item":[` +
		`{"Name":"Amount","Value":` + strconv.Itoa(amount) + `},{"Name":"MpesaReceiptNumber","Value":"` + receipt + `"},` +
		`{"Name":"TransactionDate","Value":20240301101500},{"Name":"PhoneNumber","Value":254712345678}]}}}}`)
}
