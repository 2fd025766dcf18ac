package payments

import (
	"encoding/json"
	"time"
)

type PaymentType string

const (
	TypeMembership PaymentType = "MEMBERSHIP"
	TypeOrder      PaymentType = "ORDER"
	TypeDonation   PaymentType = "DONATION"
)

type Method string

const (
	MethodMpesa Method = "MPESA"
	MethodCard  Method = "CARD"
	MethodBank  Method = "BANK"
	MethodCash  Method = "CASH"
)

func (m Method) Valid() bool {
	switch m {
	case MethodMpesa, MethodCard, MethodBank, MethodCash:
		return true
	}
	return false
}

// Payment is one intent to pay. Never deleted; its status is only moved by the Reconciler.
type Payment struct {
	ID            string        `json:"id"`
	UserID        string        `json:"user_id"`
	Amount        int           `json:"amount"`
	Type          PaymentType   `json:"payment_type"`
	Method        Method        `json:"payment_method"`
	Status        PaymentStatus `json:"status"`
	OrderID       string        `json:"order_id,omitempty"`
	TransactionID string        `json:"transaction_id,omitempty"`
	ReferenceID   string        `json:"reference_id,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// MpesaTransaction is one STK push attempt. UserID is the owner of the linked payment.
type MpesaTransaction struct {
	ID                string          `json:"id"`
	PaymentID         string          `json:"payment_id,omitempty"`
	UserID            string          `json:"user_id,omitempty"`
	PhoneNumber       string          `json:"phone_number"`
	Amount            int             `json:"amount"`
	Reference         string          `json:"reference"`
	Description       string          `json:"description"`
	MerchantRequestID string          `json:"merchant_request_id,omitempty"`
	CheckoutRequestID string          `json:"checkout_request_id,omitempty"`
	ReceiptNumber     string          `json:"mpesa_receipt_number,omitempty"`
	TransactionDate   string          `json:"transaction_date,omitempty"`
	ResultCode        string          `json:"result_code,omitempty"`
	ResultDesc        string          `json:"result_description,omitempty"`
	Status            TxStatus        `json:"status"`
	RawRequest        json.RawMessage `json:"raw_request,omitempty"`
	RawResponse       json.RawMessage `json:"raw_response,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

const DefaultMembershipPeriod = 12

// MembershipPayment tags a payment as covering Period months of membership.
type MembershipPayment struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Period    int    `json:"membership_period"`
}

const NotificationPayment = "PAYMENT"

type Notification struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	Type        string    `json:"type"`
	IsRead      bool      `json:"is_read"`
	ReferenceID string    `json:"reference_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Member is the slice of the membership record this service writes.
type Member struct {
	UserID           string    `json:"user_id"`
	MembershipStatus string    `json:"membership_status"`
	PaymentStatus    string    `json:"payment_status"`
	MembershipExpiry time.Time `json:"membership_expiry"`
}

// Caller is the authenticated user making a request.
type Caller struct {
	UserID string
	Role   string
}

const (
	RoleAdmin   = "ADMIN"
	RoleManager = "MANAGER"
	RoleMember  = "MEMBER"
)

func (c Caller) Elevated() bool { return c.Role == RoleAdmin || c.Role == RoleManager }

func (c Caller) CanSee(ownerID string) bool { return c.Elevated() || c.UserID == ownerID }
