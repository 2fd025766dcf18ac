package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ariefcatur/go-mpesa-payments/internal/daraja"
	"github.com/ariefcatur/go-mpesa-payments/internal/orders"
	"github.com/google/uuid"
)

// Gateway is the part of the Daraja client the service needs.
type Gateway interface {
	InitiatePush(ctx context.Context, in daraja.PushRequest) (daraja.PushResponse, error)
	QueryStatus(ctx context.Context, checkoutRequestID string) (daraja.StatusResult, error)
}

const (
	DefaultPollAfter = 120 * time.Second
	NoPayment        = "NO_PAYMENT"

	maxAccountReference = 12
)

// Service holds the request-facing payment operations.
type Service struct {
	Store      Store
	Gateway    Gateway
	Reconciler *Reconciler
	Cache      StatusCache // optional

	MembershipMonthlyFee int
	PollAfter            time.Duration
	Logger               *slog.Logger
	Clock                func() time.Time
}

func (s *Service) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Service) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now()
}

func (s *Service) pollAfter() time.Duration {
	if s.PollAfter > 0 {
		return s.PollAfter
	}
	return DefaultPollAfter
}

type Initiated struct {
	Message           string `json:"message"`
	TransactionID     string `json:"transaction_id"`
	PaymentID         string `json:"payment_id"`
	CheckoutRequestID string `json:"checkout_request_id"`
}

// InitiateOrderPayment starts an STK push for the caller's PENDING order.
func (s *Service) InitiateOrderPayment(ctx context.Context, c Caller, orderID, phone, callbackURL string) (Initiated, error) {
	o, err := s.Store.GetOrder(ctx, orderID)
	if errors.Is(err, orders.ErrNotFound) || errors.Is(err, ErrNotFound) || (err == nil && o.UserID != c.UserID) {
		return Initiated{}, fmt.Errorf("%w: order not found or you don't have permission to pay for it", ErrNotFound)
	}
	if err != nil {
		return Initiated{}, err
	}
	if !o.Status.Payable() {
		return Initiated{}, fmt.Errorf("%w: order is already in '%s' status", ErrInvalidState, o.Status)
	}
	msisdn, err := NormalizePhone(phone)
	if err != nil {
		return Initiated{}, err
	}

	now := s.now()
	p := Payment{
		ID:        uuid.NewString(),
		UserID:    c.UserID,
		Amount:    o.Total,
		Type:      TypeOrder,
		Method:    MethodMpesa,
		Status:    PaymentPending,
		OrderID:   o.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	t := s.newTransaction(p, msisdn, accountReference("Order-", o.ID), "Payment for Order #"+o.ID, now)
	return s.initiate(ctx, p, t, nil, callbackURL)
}

// InitiateMembershipPayment starts an STK push covering period months of membership.
func (s *Service) InitiateMembershipPayment(ctx context.Context, c Caller, period int, phone, callbackURL string) (Initiated, error) {
	if period == 0 {
		period = DefaultMembershipPeriod
	}
	if period < 0 || period > 120 {
		return Initiated{}, fmt.Errorf("%w: membership period must be between 1 and 120 months", ErrValidation)
	}
	msisdn, err := NormalizePhone(phone)
	if err != nil {
		return Initiated{}, err
	}
	amount := s.MembershipMonthlyFee * period
	if amount <= 0 {
		return Initiated{}, fmt.Errorf("%w: membership fee is not configured", ErrInvalidState)
	}

	now := s.now()
	p := Payment{
		ID:        uuid.NewString(),
		UserID:    c.UserID,
		Amount:    amount,
		Type:      TypeMembership,
		Method:    MethodMpesa,
		Status:    PaymentPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	mp := &MembershipPayment{ID: uuid.NewString(), PaymentID: p.ID, Period: period}
	desc := fmt.Sprintf("Membership payment for %d months", period)
	t := s.newTransaction(p, msisdn, accountReference("Member-", c.UserID), desc, now)
	return s.initiate(ctx, p, t, mp, callbackURL)
}

func (s *Service) newTransaction(p Payment, phone, ref, desc string, now time.Time) MpesaTransaction {
	return MpesaTransaction{
		ID:          uuid.NewString(),
		PaymentID:   p.ID,
		UserID:      p.UserID,
		PhoneNumber: phone,
		Amount:      p.Amount,
		Reference:   ref,
		Description: desc,
		Status:      TxPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (s *Service) initiate(ctx context.Context, p Payment, t MpesaTransaction, mp *MembershipPayment, callbackURL string) (Initiated, error) {
	if err := s.Store.CreatePayment(ctx, p, t, mp); err != nil {
		return Initiated{}, fmt.Errorf("create payment: %w", err)
	}
	if s.Cache != nil && p.OrderID != "" {
		s.Cache.DropStatus(ctx, p.OrderID)
	}

	push := daraja.PushRequest{
		Phone:       t.PhoneNumber,
		Amount:      t.Amount,
		Reference:   t.Reference,
		Description: t.Description,
		CallbackURL: callbackURL,
	}
	s.log().InfoContext(ctx, "initiating mpesa push", "transaction_id", t.ID, "callback_url", callbackURL)

	resp, err := s.Gateway.InitiatePush(ctx, push)
	if err != nil {
		if ferr := s.Store.FailInitiation(ctx, t.ID, err.Error(), rawOf(err)); ferr != nil {
			s.log().ErrorContext(ctx, "mark failed initiation", "transaction_id", t.ID, "err", ferr)
		}
		s.log().WarnContext(ctx, "mpesa push failed", "transaction_id", t.ID, "err", err)
		return Initiated{}, &GatewayError{Op: "initiate", Err: err}
	}

	rawReq, _ := json.Marshal(push)
	in := Initiation{
		MerchantRequestID: resp.MerchantRequestID,
		CheckoutRequestID: resp.CheckoutRequestID,
		RawRequest:        rawReq,
		RawResponse:       validJSON(resp.Raw),
	}
	// without the checkout id the callback cannot be matched, so try twice
	if err = s.Store.RecordInitiation(ctx, t.ID, in); err != nil {
		s.log().WarnContext(ctx, "record initiation, retrying", "transaction_id", t.ID, "err", err)
		err = s.Store.RecordInitiation(ctx, t.ID, in)
	}
	if err != nil {
		s.log().ErrorContext(ctx, "push accepted but not recorded",
			"transaction_id", t.ID,
			"checkout_request_id", resp.CheckoutRequestID,
			"merchant_request_id", resp.MerchantRequestID,
			"err", err)
		return Initiated{}, fmt.Errorf("record initiation: %w", err)
	}

	return Initiated{
		Message:           "Payment initiated. Please check your phone to complete the transaction.",
		TransactionID:     t.ID,
		PaymentID:         p.ID,
		CheckoutRequestID: resp.CheckoutRequestID,
	}, nil
}

type StatusReport struct {
	TransactionID string   `json:"transaction_id"`
	Status        TxStatus `json:"status"`
	ResultCode    string   `json:"result_code,omitempty"`
	ResultDesc    string   `json:"result_description,omitempty"`
}

// CheckStatus queries Daraja for a transaction and reconciles the answer.
func (s *Service) CheckStatus(ctx context.Context, c Caller, txID string) (StatusReport, error) {
	t, err := s.Transaction(ctx, c, txID)
	if err != nil {
		return StatusReport{}, err
	}
	if t.CheckoutRequestID == "" {
		return StatusReport{}, fmt.Errorf("%w: transaction has not been initiated with M-Pesa", ErrInvalidState)
	}

	t, err = s.poll(ctx, t)
	if err != nil {
		return StatusReport{}, err
	}
	return StatusReport{
		TransactionID: t.ID,
		Status:        t.Status,
		ResultCode:    t.ResultCode,
		ResultDesc:    t.ResultDesc,
	}, nil
}

// poll queries Daraja and reconciles. A push still waiting on the handset
// leaves the transaction as it is.
func (s *Service) poll(ctx context.Context, t MpesaTransaction) (MpesaTransaction, error) {
	res, err := s.Gateway.QueryStatus(ctx, t.CheckoutRequestID)
	if daraja.StillProcessing(err) {
		return t, nil
	}
	if err != nil {
		return t, &GatewayError{Op: "query", Err: err}
	}
	applied, err := s.Reconciler.Apply(ctx, t.ID, Outcome{
		ResultCode: int(res.ResultCode),
		ResultDesc: res.ResultDesc,
		Raw:        validJSON(res.Raw),
	})
	if err != nil {
		return t, err
	}
	return applied.Transaction, nil
}

// Transaction returns one transaction if the caller owns it or is elevated.
func (s *Service) Transaction(ctx context.Context, c Caller, txID string) (MpesaTransaction, error) {
	t, err := s.Store.GetTransaction(ctx, txID)
	if err != nil {
		return MpesaTransaction{}, err
	}
	if !c.CanSee(t.UserID) {
		return MpesaTransaction{}, fmt.Errorf("%w: you do not have permission to access this transaction", ErrForbidden)
	}
	return t, nil
}

// Transactions lists the caller's transactions, or all of them for elevated roles.
func (s *Service) Transactions(ctx context.Context, c Caller) ([]MpesaTransaction, error) {
	if c.Elevated() {
		return s.Store.ListTransactions(ctx, "")
	}
	return s.Store.ListTransactions(ctx, c.UserID)
}

// Payments lists the caller's own payments, newest first.
func (s *Service) Payments(ctx context.Context, c Caller) ([]Payment, error) {
	return s.Store.ListPayments(ctx, c.UserID)
}

type PaymentUpdate struct {
	Payment Payment `json:"payment"`
	// Applied is false when the payment had already been settled.
	Applied bool `json:"applied"`
}

// UpdatePaymentStatus lets staff settle a PENDING payment by hand, for
// example one paid in cash. It goes through the Reconciler, so the order,
// membership and notification follow exactly as for an M-Pesa callback.
func (s *Service) UpdatePaymentStatus(ctx context.Context, c Caller, paymentID string, status PaymentStatus, method Method) (PaymentUpdate, error) {
	if !c.Elevated() {
		return PaymentUpdate{}, fmt.Errorf("%w: only administrators can update payment status", ErrForbidden)
	}
	if !status.Settleable() {
		return PaymentUpdate{}, fmt.Errorf("%w: status must be COMPLETED or FAILED", ErrValidation)
	}
	if method != "" && !method.Valid() {
		return PaymentUpdate{}, fmt.Errorf("%w: unknown payment method %q", ErrValidation, method)
	}

	p, applied, err := s.Reconciler.Override(ctx, paymentID, status, method)
	if err != nil {
		return PaymentUpdate{}, err
	}
	return PaymentUpdate{Payment: p, Applied: applied}, nil
}

func (s *Service) Notifications(ctx context.Context, c Caller) ([]Notification, error) {
	return s.Store.ListNotifications(ctx, c.UserID)
}

type PaymentSummary struct {
	OrderID       string        `json:"order_id"`
	PaymentID     string        `json:"payment_id,omitempty"`
	TransactionID string        `json:"transaction_id,omitempty"`
	PaymentStatus string        `json:"payment_status"`
	MpesaStatus   TxStatus      `json:"mpesa_status,omitempty"`
	OrderStatus   orders.Status `json:"order_status"`
	PaymentMethod Method        `json:"payment_method,omitempty"`
	Amount        int           `json:"amount,omitempty"`
	PhoneNumber   string        `json:"phone_number,omitempty"`
	MpesaReceipt  string        `json:"mpesa_receipt,omitempty"`
	CreatedAt     *time.Time    `json:"created_at,omitempty"`
	Message       string        `json:"message"`
}

// PaymentStatus summarises the latest payment for an order. A transaction
// pending for longer than PollAfter is queried with Daraja first.
func (s *Service) PaymentStatus(ctx context.Context, c Caller, orderID string) (PaymentSummary, error) {
	o, err := s.Store.GetOrder(ctx, orderID)
	if errors.Is(err, orders.ErrNotFound) || errors.Is(err, ErrNotFound) {
		return PaymentSummary{}, fmt.Errorf("%w: order not found", ErrNotFound)
	}
	if err != nil {
		return PaymentSummary{}, err
	}
	if !c.CanSee(o.UserID) {
		return PaymentSummary{}, fmt.Errorf("%w: you do not have permission to check this order's payment status", ErrForbidden)
	}

	p, t, err := s.Store.LatestOrderPayment(ctx, orderID)
	if errors.Is(err, ErrNotFound) {
		return PaymentSummary{
			OrderID:       orderID,
			PaymentStatus: NoPayment,
			OrderStatus:   o.Status,
			Message:       "No payment has been initiated for this order",
		}, nil
	}
	if err != nil {
		return PaymentSummary{}, err
	}

	// a cached summary only stands for the payment it was rendered from
	if sum, ok := s.cached(ctx, orderID, p); ok {
		return sum, nil
	}

	if t != nil && t.Status == TxPending && t.CheckoutRequestID != "" && s.now().Sub(t.CreatedAt) > s.pollAfter() {
		if _, err := s.poll(ctx, *t); err != nil {
			s.log().ErrorContext(ctx, "self-healing status query failed", "order_id", orderID, "transaction_id", t.ID, "err", err)
		} else if o, p, t, err = s.reload(ctx, orderID); err != nil {
			return PaymentSummary{}, err
		}
	}

	sum := summarize(o, p, t)
	if s.Cache != nil && t != nil && t.Status.Terminal() {
		if b, err := json.Marshal(sum); err == nil {
			s.Cache.SetStatus(ctx, orderID, b)
		}
	}
	return sum, nil
}

func (s *Service) cached(ctx context.Context, orderID string, latest Payment) (PaymentSummary, bool) {
	if s.Cache == nil {
		return PaymentSummary{}, false
	}
	b, ok := s.Cache.GetStatus(ctx, orderID)
	if !ok {
		return PaymentSummary{}, false
	}
	var sum PaymentSummary
	if json.Unmarshal(b, &sum) != nil || sum.PaymentID != latest.ID {
		s.Cache.DropStatus(ctx, orderID)
		return PaymentSummary{}, false
	}
	return sum, true
}

func (s *Service) reload(ctx context.Context, orderID string) (orders.Order, Payment, *MpesaTransaction, error) {
	o, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		return orders.Order{}, Payment{}, nil, err
	}
	p, t, err := s.Store.LatestOrderPayment(ctx, orderID)
	if err != nil {
		return orders.Order{}, Payment{}, nil, err
	}
	return o, p, t, nil
}

func summarize(o orders.Order, p Payment, t *MpesaTransaction) PaymentSummary {
	created := p.CreatedAt
	sum := PaymentSummary{
		OrderID:       o.ID,
		PaymentID:     p.ID,
		PaymentStatus: string(p.Status),
		OrderStatus:   o.Status,
		PaymentMethod: p.Method,
		Amount:        p.Amount,
		CreatedAt:     &created,
	}
	if t != nil {
		sum.TransactionID = t.ID
		sum.MpesaStatus = t.Status
		sum.PhoneNumber = t.PhoneNumber
		sum.MpesaReceipt = t.ReceiptNumber
		sum.Message = t.ResultDesc
	}
	return sum
}

// Ack is the only body Daraja should ever get back from the callback URL.
type Ack struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

var Accepted = Ack{ResultCode: 0, ResultDesc: "Success"}

// ReceiveCallback applies a Daraja callback. It always returns Accepted so
// the provider does not retry; problems are logged.
func (s *Service) ReceiveCallback(ctx context.Context, body []byte) Ack {
	cb, err := daraja.DecodeCallback(body)
	if err != nil {
		s.log().ErrorContext(ctx, "error processing mpesa callback", "err", err)
		return Accepted
	}

	t, err := s.Store.GetTransactionByCheckoutID(ctx, cb.CheckoutRequestID)
	if errors.Is(err, ErrNotFound) {
		s.log().WarnContext(ctx, "callback for unknown transaction", "checkout_request_id", cb.CheckoutRequestID)
		return Accepted
	}
	if err != nil {
		s.log().ErrorContext(ctx, "lookup callback transaction", "checkout_request_id", cb.CheckoutRequestID, "err", err)
		return Accepted
	}

	out := Outcome{ResultCode: cb.ResultCode, ResultDesc: cb.ResultDesc}
	if cb.ReceiptNumber != nil {
		out.ReceiptNumber = *cb.ReceiptNumber
	}
	if cb.TransactionDate != nil {
		out.TransactionDate = *cb.TransactionDate
	}
	if cb.Amount != nil && *cb.Amount != t.Amount {
		s.log().WarnContext(ctx, "callback amount differs from transaction",
			"transaction_id", t.ID, "expected", t.Amount, "got", *cb.Amount)
	}

	res, err := s.Reconciler.Apply(ctx, t.ID, out)
	if err != nil {
		s.log().ErrorContext(ctx, "reconcile mpesa callback", "transaction_id", t.ID, "err", err)
		return Accepted
	}
	if res.Applied && res.Transaction.Status == TxCompleted {
		s.log().InfoContext(ctx, "mpesa payment completed", "checkout_request_id", cb.CheckoutRequestID)
	} else if res.Applied {
		s.log().WarnContext(ctx, "mpesa payment not completed", "checkout_request_id", cb.CheckoutRequestID, "result_code", cb.ResultCode)
	}

	if raw := validJSON(body); raw != nil {
		if err := s.Store.SaveRawResponse(ctx, t.ID, raw); err != nil {
			s.log().ErrorContext(ctx, "store raw callback", "transaction_id", t.ID, "err", err)
		}
	}
	return Accepted
}

func accountReference(prefix, id string) string {
	ref := prefix + id
	if len(ref) > maxAccountReference {
		ref = ref[:maxAccountReference]
	}
	return ref
}

func rawOf(err error) json.RawMessage {
	var de *daraja.Error
	if errors.As(err, &de) {
		return validJSON(de.Raw)
	}
	return nil
}

func validJSON(b []byte) json.RawMessage {
	if len(b) == 0 || !json.Valid(b) {
		return nil
	}
	return json.RawMessage(b)
}
