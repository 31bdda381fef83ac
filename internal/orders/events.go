package orders

import (
	"context"
	"encoding/json"
	"time"
)

const (
	EventOrderCreated         = "OrderCreated"
	EventOrderStatusChanged   = "OrderStatusChanged"
	EventPaymentRecorded      = "PaymentRecorded"
	EventPaymentConflict      = "PaymentReconciliationConflict"
	EventRefundRequested      = "RefundRequested"
	EventRefundResolved       = "RefundResolved"
	EventReservationsReleased = "ReservationsReleased"
)

// Event is what the engine hands to a Publisher; transports wrap it into an Envelope.
type Event struct {
	Type       string
	OrderID    string
	OccurredAt time.Time
	Payload    any
}

// Publisher delivers events after the unit of work that produced them committed.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type Envelope struct {
	EventID       string          `json:"event_id"`      // uuid
	EventType     string          `json:"event_type"`    // salah satu const di atas
	EventVersion  int             `json:"event_version"` // 1
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order_id
	Payload       json.RawMessage `json:"payload"`
}

// ---- payloads ----

type ItemPrice struct {
	ProductID  string `json:"product_id"`
	Qty        int    `json:"qty"`
	PriceCents int64  `json:"price_cents"`
}

type OrderCreatedPayload struct {
	OrderID              string        `json:"order_id"`
	CheckoutID           string        `json:"checkout_id"`
	BuyerID              string        `json:"buyer_id"`
	SellerID             string        `json:"seller_id"`
	PaymentMethod        PaymentMethod `json:"payment_method"`
	Items                []ItemPrice   `json:"items"`
	TotalCents           int64         `json:"total_cents"`
	ReservationExpiresAt time.Time     `json:"reservation_expires_at"`
}

type StatusChangedPayload struct {
	OrderID   string    `json:"order_id"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	ActorID   string    `json:"actor_id"`
	ActorRole Role      `json:"actor_role"`
	Note      string    `json:"note,omitempty"`
	ChangedAt time.Time `json:"changed_at"`
}

type PaymentPayload struct {
	OrderID       string        `json:"order_id"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	PaymentRef    string        `json:"payment_ref,omitempty"`
	OrderStatus   Status        `json:"order_status"`
	TotalCents    int64         `json:"total_cents"`
}

type RefundPayload struct {
	RefundID    string       `json:"refund_id"`
	OrderID     string       `json:"order_id"`
	Status      RefundStatus `json:"status"`
	AmountCents int64        `json:"amount_cents"`
	Reason      string       `json:"reason,omitempty"`
}

type ReservationsReleasedPayload struct {
	OrderID  string `json:"order_id"`
	Released int    `json:"released"`
	Cause    string `json:"cause"`
}

func ItemPrices(items []OrderItem) []ItemPrice {
	out := make([]ItemPrice, 0, len(items))
	for _, it := range items {
		out = append(out, ItemPrice{ProductID: it.ProductID, Qty: it.Quantity, PriceCents: it.UnitPriceCents})
	}
	return out
}
