// Package memstore is an in-memory payments.Store for tests and local runs.
package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ariefcatur/go-mpesa-payments/internal/orders"
	"github.com/ariefcatur/go-mpesa-payments/internal/payments"
)

type Store struct {
	mu sync.Mutex

	orders        map[string]orders.Order
	payments      map[string]payments.Payment
	txs           map[string]payments.MpesaTransaction
	memberships   map[string]payments.MembershipPayment // by payment id
	members       map[string]payments.Member
	notifications []payments.Notification

	inject map[string]error
}

var _ payments.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		orders:      map[string]orders.Order{},
		payments:    map[string]payments.Payment{},
		txs:         map[string]payments.MpesaTransaction{},
		memberships: map[string]payments.MembershipPayment{},
		members:     map[string]payments.Member{},
		inject:      map[string]error{},
	}
}

// AddOrder seeds an order.
func (s *Store) AddOrder(o orders.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = o
}

func (s *Store) Order(id string) (orders.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	return o, ok
}

// Fail makes the next call of the named write fail with err.
func (s *Store) Fail(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inject[op] = err
}

func (s *Store) injected(op string) error {
	err := s.inject[op]
	delete(s.inject, op)
	return err
}

// Payments returns every payment row.
func (s *Store) Payments() []payments.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]payments.Payment, 0, len(s.payments))
	for _, p := range s.payments {
		out = append(out, p)
	}
	return out
}

func (s *Store) Transactions() []payments.MpesaTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]payments.MpesaTransaction, 0, len(s.txs))
	for _, t := range s.txs {
		out = append(out, s.withOwner(t))
	}
	return out
}

// AllNotifications returns notifications for every user in insertion order.
func (s *Store) AllNotifications() []payments.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]payments.Notification(nil), s.notifications...)
}

// SetCreatedAt backdates a transaction.
func (s *Store) SetCreatedAt(txID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.txs[txID]; ok {
		t.CreatedAt = at
		s.txs[txID] = t
	}
}

func (s *Store) withOwner(t payments.MpesaTransaction) payments.MpesaTransaction {
	if p, ok := s.payments[t.PaymentID]; ok {
		t.UserID = p.UserID
	}
	return t
}

func (s *Store) GetOrder(_ context.Context, orderID string) (orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return orders.Order{}, orders.ErrNotFound
	}
	return o, nil
}

func (s *Store) CreatePayment(_ context.Context, p payments.Payment, t payments.MpesaTransaction, mp *payments.MembershipPayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CreatePayment"); err != nil {
		return err
	}
	s.payments[p.ID] = p
	if mp != nil {
		m := *mp
		m.PaymentID = p.ID
		s.memberships[p.ID] = m
	}
	t.UserID = ""
	s.txs[t.ID] = t
	return nil
}

func (s *Store) RecordInitiation(_ context.Context, txID string, in payments.Initiation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("RecordInitiation"); err != nil {
		return err
	}
	t, ok := s.txs[txID]
	if !ok {
		return payments.ErrNotFound
	}
	t.MerchantRequestID = in.MerchantRequestID
	t.CheckoutRequestID = in.CheckoutRequestID
	if in.RawRequest != nil {
		t.RawRequest = in.RawRequest
	}
	if in.RawResponse != nil {
		t.RawResponse = in.RawResponse
	}
	s.txs[txID] = t
	return nil
}

func (s *Store) FailInitiation(_ context.Context, txID, desc string, raw json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txs[txID]
	if !ok || t.Status != payments.TxPending {
		return nil
	}
	t.Status = payments.TxFailed
	t.ResultDesc = desc
	if raw != nil {
		t.RawResponse = raw
	}
	s.txs[txID] = t
	if p, ok := s.payments[t.PaymentID]; ok && p.Status == payments.PaymentPending {
		p.Status = payments.PaymentFailed
		s.payments[p.ID] = p
	}
	return nil
}

func (s *Store) SaveRawResponse(_ context.Context, txID string, raw json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txs[txID]
	if !ok {
		return payments.ErrNotFound
	}
	t.RawResponse = raw
	s.txs[txID] = t
	return nil
}

func (s *Store) GetTransaction(_ context.Context, txID string) (payments.MpesaTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txs[txID]
	if !ok {
		return payments.MpesaTransaction{}, payments.ErrNotFound
	}
	return s.withOwner(t), nil
}

func (s *Store) GetTransactionByCheckoutID(_ context.Context, checkoutRequestID string) (payments.MpesaTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.txs {
		if checkoutRequestID != "" && t.CheckoutRequestID == checkoutRequestID {
			return s.withOwner(t), nil
		}
	}
	return payments.MpesaTransaction{}, payments.ErrNotFound
}

func (s *Store) GetPayment(_ context.Context, paymentID string) (payments.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[paymentID]
	if !ok {
		return payments.Payment{}, payments.ErrNotFound
	}
	return p, nil
}

func (s *Store) LatestOrderPayment(_ context.Context, orderID string) (payments.Payment, *payments.MpesaTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		latest payments.Payment
		found  bool
	)
	for _, p := range s.payments {
		if p.OrderID != orderID {
			continue
		}
		if !found || p.CreatedAt.After(latest.CreatedAt) {
			latest, found = p, true
		}
	}
	if !found {
		return payments.Payment{}, nil, payments.ErrNotFound
	}
	for _, t := range s.txs {
		if t.PaymentID == latest.ID {
			t = s.withOwner(t)
			return latest, &t, nil
		}
	}
	return latest, nil, nil
}

func (s *Store) ListTransactions(_ context.Context, userID string) ([]payments.MpesaTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []payments.MpesaTransaction
	for _, t := range s.txs {
		t = s.withOwner(t)
		if userID == "" || t.UserID == userID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListPayments(_ context.Context, userID string) ([]payments.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []payments.Payment
	for _, p := range s.payments {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListPendingBefore(_ context.Context, cutoff time.Time, limit int) ([]payments.MpesaTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []payments.MpesaTransaction
	for _, t := range s.txs {
		if t.Status == payments.TxPending && t.CreatedAt.Before(cutoff) {
			out = append(out, s.withOwner(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListNotifications(_ context.Context, userID string) ([]payments.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []payments.Notification
	for i := len(s.notifications) - 1; i >= 0; i-- {
		if s.notifications[i].UserID == userID {
			out = append(out, s.notifications[i])
		}
	}
	return out, nil
}

func (s *Store) GetMember(_ context.Context, userID string) (payments.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[userID]
	if !ok {
		return payments.Member{}, payments.ErrNotFound
	}
	return m, nil
}

type snapshot struct {
	orders        map[string]orders.Order
	payments      map[string]payments.Payment
	txs           map[string]payments.MpesaTransaction
	members       map[string]payments.Member
	notifications int
}

func (s *Store) snapshot() snapshot {
	return snapshot{
		orders:        copyMap(s.orders),
		payments:      copyMap(s.payments),
		txs:           copyMap(s.txs),
		members:       copyMap(s.members),
		notifications: len(s.notifications),
	}
}

func (s *Store) restore(snap snapshot) {
	s.orders = snap.orders
	s.payments = snap.payments
	s.txs = snap.txs
	s.members = snap.members
	s.notifications = s.notifications[:snap.notifications]
}

func copyMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// InTx holds the store lock for the whole unit, so units never interleave.
func (s *Store) InTx(_ context.Context, fn func(payments.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshot()
	if err := fn(&tx{s: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

type tx struct{ s *Store }

func (t *tx) FinishTransaction(_ context.Context, txID string, f payments.Finish) (payments.MpesaTransaction, bool, error) {
	if err := t.s.injected("FinishTransaction"); err != nil {
		return payments.MpesaTransaction{}, false, err
	}
	cur, ok := t.s.txs[txID]
	if !ok {
		return payments.MpesaTransaction{}, false, payments.ErrNotFound
	}
	if !payments.CanTransition(cur.Status, f.Status) {
		return t.s.withOwner(cur), false, nil
	}
	cur.Status = f.Status
	cur.ResultCode = strconv.Itoa(f.ResultCode)
	cur.ResultDesc = f.ResultDesc
	if f.ReceiptNumber != "" {
		cur.ReceiptNumber = f.ReceiptNumber
	}
	if f.TransactionDate != "" {
		cur.TransactionDate = f.TransactionDate
	}
	if f.RawResponse != nil {
		cur.RawResponse = f.RawResponse
	}
	cur.UpdatedAt = f.At
	t.s.txs[txID] = cur
	return t.s.withOwner(cur), true, nil
}

func (t *tx) GetPayment(_ context.Context, paymentID string) (payments.Payment, error) {
	p, ok := t.s.payments[paymentID]
	if !ok {
		return payments.Payment{}, payments.ErrNotFound
	}
	return p, nil
}

func (t *tx) CompletePayment(_ context.Context, paymentID, receipt string, at time.Time) error {
	p, ok := t.s.payments[paymentID]
	if !ok {
		return payments.ErrNotFound
	}
	p.Status = payments.PaymentCompleted
	if receipt != "" {
		p.TransactionID = receipt
	}
	p.UpdatedAt = at
	t.s.payments[paymentID] = p
	return nil
}

func (t *tx) FailPayment(_ context.Context, paymentID string, at time.Time) error {
	p, ok := t.s.payments[paymentID]
	if !ok {
		return payments.ErrNotFound
	}
	if p.Status == payments.PaymentPending {
		p.Status = payments.PaymentFailed
		p.UpdatedAt = at
		t.s.payments[paymentID] = p
	}
	return nil
}

func (t *tx) SettlePayment(_ context.Context, paymentID string, status payments.PaymentStatus, method payments.Method, at time.Time) (payments.Payment, bool, error) {
	p, ok := t.s.payments[paymentID]
	if !ok {
		return payments.Payment{}, false, payments.ErrNotFound
	}
	if p.Status != payments.PaymentPending {
		return p, false, nil
	}
	p.Status = status
	if method != "" {
		p.Method = method
	}
	p.UpdatedAt = at
	t.s.payments[paymentID] = p
	return p, true, nil
}

func (t *tx) MarkOrderPaid(_ context.Context, orderID string) (bool, error) {
	o, ok := t.s.orders[orderID]
	if !ok || !orders.CanTransition(o.Status, orders.StatusPaid) {
		return false, nil
	}
	o.Status = orders.StatusPaid
	t.s.orders[orderID] = o
	return true, nil
}

func (t *tx) GetMembershipPayment(_ context.Context, paymentID string) (payments.MembershipPayment, bool, error) {
	mp, ok := t.s.memberships[paymentID]
	return mp, ok, nil
}

func (t *tx) ActivateMembership(_ context.Context, userID string, expiry time.Time) error {
	t.s.members[userID] = payments.Member{
		UserID:           userID,
		MembershipStatus: "ACTIVE",
		PaymentStatus:    "PAID",
		MembershipExpiry: expiry,
	}
	return nil
}

func (t *tx) AddNotification(_ context.Context, n payments.Notification) error {
	if err := t.s.injected("AddNotification"); err != nil {
		return err
	}
	t.s.notifications = append(t.s.notifications, n)
	return nil
}
