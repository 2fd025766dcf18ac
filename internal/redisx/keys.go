package redisx

import (
	"fmt"
	"time"
)

const (
	// Cached payment summary per order: payment_status:{order_id} -> PaymentSummary JSON.
	// Only terminal summaries are written; the reconciler drops the key on settle.
	KeyPaymentStatus = "payment_status:%s"
)

var TTLStatusCache = 5 * time.Minute

func PaymentStatusKey(orderID string) string { return fmt.Sprintf(KeyPaymentStatus, orderID) }
