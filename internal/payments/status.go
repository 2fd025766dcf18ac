package payments

import "github.com/ariefcatur/go-mpesa-payments/internal/daraja"

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentFailed    PaymentStatus = "FAILED"
)

type TxStatus string

const (
	TxPending   TxStatus = "PENDING"
	TxCompleted TxStatus = "COMPLETED"
	TxFailed    TxStatus = "FAILED"
	TxCancelled TxStatus = "CANCELLED"
)

// Terminal states have no way out.
var validNext = map[TxStatus]map[TxStatus]bool{
	TxPending:   {TxCompleted: true, TxFailed: true, TxCancelled: true},
	TxCompleted: {},
	TxFailed:    {},
	TxCancelled: {},
}

func CanTransition(from, to TxStatus) bool {
	return validNext[from][to]
}

func (s TxStatus) Terminal() bool { return s != TxPending }

// ResultCodeExpired marks a transaction closed locally by the sweeper, not by Daraja.
const ResultCodeExpired = -1

// ResultCodeManual marks a payment settled by staff outside M-Pesa.
const ResultCodeManual = -2

// Settleable reports whether staff may move a payment to s.
func (s PaymentStatus) Settleable() bool { return s == PaymentCompleted || s == PaymentFailed }

// StatusForResultCode: 0 completed, 1032 cancelled by the user, anything else failed.
func StatusForResultCode(code int) TxStatus {
	switch code {
	case daraja.ResultSuccess:
		return TxCompleted
	case daraja.ResultUserCancelled:
		return TxCancelled
	default:
		return TxFailed
	}
}
