package orders

const (
	TopicOrderCreated    = "storefront.order.created"
	TopicOrderStatus     = "storefront.order.status"
	TopicOrderPayment    = "storefront.order.payment"
	TopicPaymentConflict = "storefront.order.payment.conflict"
	TopicOrderRefund     = "storefront.order.refund"
)

// Partition key = order_id, supaya semua event 1 order maintain urutan.
func PartitionKey(orderID string) []byte { return []byte(orderID) }

// TopicFor routes an event type to its topic.
func TopicFor(eventType string) string {
	switch eventType {
	case EventOrderCreated:
		return TopicOrderCreated
	case EventPaymentRecorded:
		return TopicOrderPayment
	case EventPaymentConflict:
		return TopicPaymentConflict
	case EventRefundRequested, EventRefundResolved:
		return TopicOrderRefund
	default:
		return TopicOrderStatus
	}
}

// Topics lists every topic the engine writes to.
func Topics() []string {
	return []string{TopicOrderCreated, TopicOrderStatus, TopicOrderPayment, TopicPaymentConflict, TopicOrderRefund}
}
