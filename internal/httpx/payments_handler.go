package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ariefcatur/go-mpesa-payments/internal/payments"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

const callbackPath = "/api/mpesa/callback"

type PaymentsHandler struct {
	Service *payments.Service
	// CallbackURL overrides the URL derived from the request host.
	CallbackURL string
	Logger      *slog.Logger

	validate *validator.Validate
}

type InitiateOrderPaymentReq struct {
	OrderID     string `json:"order_id" validate:"required"`
	PhoneNumber string `json:"phone_number" validate:"required"`
}

type InitiateMembershipPaymentReq struct {
	PhoneNumber      string `json:"phone_number" validate:"required"`
	MembershipPeriod int    `json:"membership_period" validate:"omitempty,min=1,max=120"`
}

type UpdatePaymentStatusReq struct {
	Status        string `json:"status" validate:"required,oneof=COMPLETED FAILED"`
	PaymentMethod string `json:"payment_method" validate:"omitempty,oneof=MPESA CARD BANK CASH"`
}

func (h *PaymentsHandler) Register(r chi.Router, auth func(http.Handler) http.Handler) {
	h.validate = validator.New()

	r.Post(callbackPath, h.callback)

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Route("/api/mpesa/transactions", func(r chi.Router) {
			r.Get("/", h.listTransactions)
			r.Post("/initiate-order-payment", h.initiateOrderPayment)
			r.Post("/initiate-membership-payment", h.initiateMembershipPayment)
			r.Get("/payment-status", h.paymentStatus)
			r.Get("/{id}", h.getTransaction)
			r.Get("/{id}/check-status", h.checkStatus)
		})
		r.Route("/api/payments", func(r chi.Router) {
			r.Get("/mine", h.listPayments)
			r.Patch("/{id}/status", h.updatePaymentStatus)
		})
		r.Get("/api/notifications", h.listNotifications)
	})
}

func (h *PaymentsHandler) log() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps service errors to status codes. Gateway errors keep the
// provider text in details.
func writeError(w http.ResponseWriter, err error) {
	var ge *payments.GatewayError
	switch {
	case errors.Is(err, payments.ErrValidation), errors.Is(err, payments.ErrInvalidState):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, payments.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, payments.ErrForbidden):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
	case errors.As(err, &ge):
		msg := "Failed to initiate payment"
		if ge.Op == "query" {
			msg = "Failed to query transaction status"
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": msg, "details": ge.Err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func (h *PaymentsHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": verrs[0].Field() + " is " + verrs[0].Tag(),
			})
			return false
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return false
	}
	return true
}

func (h *PaymentsHandler) callbackURL(r *http.Request) string {
	if h.CallbackURL != "" {
		return h.CallbackURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	host := r.Host
	if fh := r.Header.Get("X-Forwarded-Host"); fh != "" {
		host = fh
	}
	return scheme + "://" + host + callbackPath
}

func caller(w http.ResponseWriter, r *http.Request) (payments.Caller, bool) {
	c, ok := CallerFrom(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing auth"})
	}
	return c, ok
}

func (h *PaymentsHandler) initiateOrderPayment(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	var req InitiateOrderPaymentReq
	if !h.decode(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 40*time.Second)
	defer cancel()

	cb := h.callbackURL(r)
	h.log().InfoContext(ctx, "using mpesa callback url", "callback_url", cb)
	out, err := h.Service.InitiateOrderPayment(ctx, c, req.OrderID, req.PhoneNumber, cb)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *PaymentsHandler) initiateMembershipPayment(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	var req InitiateMembershipPaymentReq
	if !h.decode(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 40*time.Second)
	defer cancel()

	out, err := h.Service.InitiateMembershipPayment(ctx, c, req.MembershipPeriod, req.PhoneNumber, h.callbackURL(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *PaymentsHandler) checkStatus(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 40*time.Second)
	defer cancel()

	rep, err := h.Service.CheckStatus(ctx, c, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *PaymentsHandler) paymentStatus(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	orderID := r.URL.Query().Get("order_id")
	if orderID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Order ID is required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 40*time.Second)
	defer cancel()

	sum, err := h.Service.PaymentStatus(ctx, c, orderID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *PaymentsHandler) listTransactions(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	txs, err := h.Service.Transactions(ctx, c)
	if err != nil {
		writeError(w, err)
		return
	}
	if txs == nil {
		txs = []payments.MpesaTransaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

func (h *PaymentsHandler) getTransaction(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	t, err := h.Service.Transaction(ctx, c, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *PaymentsHandler) listPayments(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ps, err := h.Service.Payments(ctx, c)
	if err != nil {
		writeError(w, err)
		return
	}
	if ps == nil {
		ps = []payments.Payment{}
	}
	writeJSON(w, http.StatusOK, ps)
}

func (h *PaymentsHandler) updatePaymentStatus(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	if !c.Elevated() {
		writeError(w, payments.ErrForbidden)
		return
	}
	var req UpdatePaymentStatusReq
	if !h.decode(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	out, err := h.Service.UpdatePaymentStatus(ctx, c, chi.URLParam(r, "id"),
		payments.PaymentStatus(req.Status), payments.Method(req.PaymentMethod))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *PaymentsHandler) listNotifications(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ns, err := h.Service.Notifications(ctx, c)
	if err != nil {
		writeError(w, err)
		return
	}
	if ns == nil {
		ns = []payments.Notification{}
	}
	writeJSON(w, http.StatusOK, ns)
}

// callback is public and always answers 200 so Daraja never retries.
func (h *PaymentsHandler) callback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.log().ErrorContext(r.Context(), "read mpesa callback body", "err", err)
		writeJSON(w, http.StatusOK, payments.Accepted)
		return
	}

	// reconciliation outlives the provider hanging up
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 15*time.Second)
	defer cancel()

	writeJSON(w, http.StatusOK, h.Service.ReceiveCallback(ctx, body))
}
