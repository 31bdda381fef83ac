// Package payment talks to the payment gateway: it creates hosted invoices for
// gateway orders and translates gateway notifications into payment results.
package payment

import (
	"context"
	"errors"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/orders"
)

var (
	ErrNotConfigured = errors.New("payment gateway not configured")
	ErrSignature     = errors.New("invalid webhook signature")
)

type InvoiceRequest struct {
	OrderID     string
	CheckoutID  string
	BuyerID     string
	SellerID    string
	AmountCents int64
	ExpiresAt   time.Time
}

type Invoice struct {
	URL string
	Ref string
}

type Gateway interface {
	CreateInvoice(ctx context.Context, req InvoiceRequest) (Invoice, error)
}

// Notification is a verified gateway event about one order.
type Notification struct {
	EventID string
	OrderID string
	Status  orders.PaymentStatus
	Ref     string
}
