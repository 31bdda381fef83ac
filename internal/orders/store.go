package orders

import (
	"context"
	"time"
)

// Store is the persistence boundary of the engine. Everything that must be atomic
// goes through InTx; the remaining methods are plain reads.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	Order(ctx context.Context, id string) (Order, error)
	Items(ctx context.Context, orderID string) ([]OrderItem, error)
	History(ctx context.Context, orderID string) ([]HistoryEntry, error)
	Reservations(ctx context.Context, orderID string) ([]Reservation, error)
	Refunds(ctx context.Context, orderID string) ([]RefundRequest, error)
	Product(ctx context.Context, id string) (Product, error)

	// DueOrders lists pending orders holding at least one active reservation
	// that expired before now.
	DueOrders(ctx context.Context, now time.Time, limit int) ([]string, error)

	Coupon(ctx context.Context, code string) (Coupon, error)
	AddressOwner(ctx context.Context, addressID string) (string, error)
}

// Tx is one unit of work. Product rows returned by LockProducts stay locked
// until the unit of work ends.
type Tx interface {
	LockProducts(ctx context.Context, ids []string) (map[string]Product, error)
	SaveProductStock(ctx context.Context, p Product) error

	GetOrder(ctx context.Context, id string) (Order, error)
	InsertOrder(ctx context.Context, o Order) error
	InsertItems(ctx context.Context, items []OrderItem) error
	// CompareAndSetStatus writes o's status and fulfillment fields only if the
	// stored status still equals from.
	CompareAndSetStatus(ctx context.Context, o Order, from Status) (bool, error)
	UpdatePayment(ctx context.Context, o Order) error

	InsertReservation(ctx context.Context, r Reservation) error
	LockReservations(ctx context.Context, orderID string) ([]Reservation, error)
	// UpdateReservation writes r's status and expiry only if the stored status equals from.
	UpdateReservation(ctx context.Context, r Reservation, from ReservationStatus) (bool, error)

	AppendHistory(ctx context.Context, h HistoryEntry) (HistoryEntry, error)

	InsertRefund(ctx context.Context, r RefundRequest) error
	LockRefund(ctx context.Context, id string) (RefundRequest, error)
	HasPendingRefund(ctx context.Context, orderID string) (bool, error)
	UpdateRefund(ctx context.Context, r RefundRequest) error
}
