package orders

import "time"

type PaymentMethod string

const (
	PaymentCOD     PaymentMethod = "cod"
	PaymentGateway PaymentMethod = "gateway"
)

func (m PaymentMethod) Valid() bool {
	return m == PaymentCOD || m == PaymentGateway
}

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	PaymentFailed  PaymentStatus = "failed"
)

type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "active"
	ReservationReleased  ReservationStatus = "released"
	ReservationCommitted ReservationStatus = "committed"
)

type RefundStatus string

const (
	RefundPending  RefundStatus = "pending"
	RefundApproved RefundStatus = "approved"
	RefundRejected RefundStatus = "rejected"
)

type Product struct {
	ID            string    `json:"id"`
	StoreID       string    `json:"store_id"`
	Name          string    `json:"name"`
	ImageURL      string    `json:"image_url,omitempty"`
	PriceCents    int64     `json:"price_cents"`
	TotalStock    int       `json:"total_stock"`
	ReservedStock int       `json:"reserved_stock"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (p Product) Available() int { return p.TotalStock - p.ReservedStock }

type Order struct {
	ID                   string        `json:"id"`
	CheckoutID           string        `json:"checkout_id"`
	BuyerID              string        `json:"buyer_id"`
	SellerID             string        `json:"seller_id"`
	AddressID            string        `json:"address_id"`
	SubtotalCents        int64         `json:"subtotal_cents"`
	ShippingCents        int64         `json:"shipping_cents"`
	DiscountCents        int64         `json:"discount_cents"`
	TotalCents           int64         `json:"total_cents"`
	Status               Status        `json:"status"`
	PaymentMethod        PaymentMethod `json:"payment_method"`
	PaymentStatus        PaymentStatus `json:"payment_status"`
	PaymentURL           string        `json:"payment_url,omitempty"`
	PaymentRef           string        `json:"payment_ref,omitempty"`
	CouponCode           string        `json:"coupon_code,omitempty"`
	TrackingNumber       string        `json:"tracking_number,omitempty"`
	RejectionReason      string        `json:"rejection_reason,omitempty"`
	NeedsReconciliation  bool          `json:"needs_reconciliation"`
	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
	ApprovedAt           *time.Time    `json:"approved_at,omitempty"`
	CompletedAt          *time.Time    `json:"completed_at,omitempty"`
	ReservationExpiresAt time.Time     `json:"reservation_expires_at"`
}

// OrderItem is a snapshot of the product at order time.
type OrderItem struct {
	ID             string `json:"id"`
	OrderID        string `json:"order_id"`
	ProductID      string `json:"product_id"`
	ProductName    string `json:"product_name"`
	ImageURL       string `json:"image_url,omitempty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	Quantity       int    `json:"quantity"`
	LineTotalCents int64  `json:"line_total_cents"`
}

type Reservation struct {
	ID        string            `json:"id"`
	OrderID   string            `json:"order_id"`
	ProductID string            `json:"product_id"`
	Quantity  int               `json:"quantity"`
	Status    ReservationStatus `json:"status"`
	ExpiresAt time.Time         `json:"expires_at"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

type HistoryEntry struct {
	ID        int64     `json:"id"`
	OrderID   string    `json:"order_id"`
	OldStatus Status    `json:"old_status,omitempty"`
	NewStatus Status    `json:"new_status"`
	ActorID   string    `json:"actor_id"`
	ActorRole Role      `json:"actor_role"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type RefundRequest struct {
	ID             string       `json:"id"`
	OrderID        string       `json:"order_id"`
	BuyerID        string       `json:"buyer_id"`
	Reason         string       `json:"reason"`
	AmountCents    int64        `json:"amount_cents"`
	Status         RefundStatus `json:"status"`
	ResolvedBy     string       `json:"resolved_by,omitempty"`
	ResolutionNote string       `json:"resolution_note,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	ResolvedAt     *time.Time   `json:"resolved_at,omitempty"`
}

// OrderDetail is the read model returned by getOrder.
type OrderDetail struct {
	Order        Order           `json:"order"`
	Items        []OrderItem     `json:"items"`
	History      []HistoryEntry  `json:"history"`
	Reservations []Reservation   `json:"reservations"`
	Refunds      []RefundRequest `json:"refunds"`
}
