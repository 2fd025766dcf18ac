package payments

const (
	TopicPaymentCompleted = "payment.completed"
	TopicPaymentFailed    = "payment.failed"
)

// Partition key = payment_id, supaya semua event 1 payment maintain urutan.
func PartitionKey(paymentID string) []byte { return []byte(paymentID) }
