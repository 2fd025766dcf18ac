package payments

import (
	"encoding/json"
	"time"
)

const (
	EventPaymentCompleted = "PaymentCompleted"
	EventPaymentFailed    = "PaymentFailed"
)

// Envelope v1, same shape the order services publish.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

type PaymentCompletedPayload struct {
	PaymentID     string      `json:"payment_id"`
	TransactionID string      `json:"transaction_id,omitempty"`
	UserID        string      `json:"user_id"`
	PaymentType   PaymentType `json:"payment_type"`
	OrderID       string      `json:"order_id,omitempty"`
	Amount        int         `json:"amount"`
	Receipt       string      `json:"mpesa_receipt_number"`
}

type PaymentFailedPayload struct {
	PaymentID     string      `json:"payment_id"`
	TransactionID string      `json:"transaction_id,omitempty"`
	UserID        string      `json:"user_id"`
	PaymentType   PaymentType `json:"payment_type"`
	OrderID       string      `json:"order_id,omitempty"`
	Status        TxStatus    `json:"status"` // FAILED | CANCELLED
	ResultCode    int         `json:"result_code"`
	Reason        string      `json:"reason"`
}
