package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/checkout/session"
	"github.com/stripe/stripe-go/v83/webhook"
)

const metaOrderID = "order_id"

// Stripe sessions must stay open at least this long.
const minSessionLifetime = 30 * time.Minute

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	Currency      string
	SuccessURL    string
	CancelURL     string
}

// StripeGateway issues Stripe Checkout Sessions, one per order.
type StripeGateway struct {
	cfg StripeConfig
	now func() time.Time
}

func NewStripe(cfg StripeConfig) *StripeGateway {
	stripe.Key = cfg.SecretKey
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	return &StripeGateway{cfg: cfg, now: time.Now}
}

func (g *StripeGateway) CreateInvoice(ctx context.Context, req InvoiceRequest) (Invoice, error) {
	if g.cfg.SecretKey == "" {
		return Invoice{}, ErrNotConfigured
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(req.OrderID),
		SuccessURL:        stripe.String(fillOrderID(g.cfg.SuccessURL, req.OrderID)),
		CancelURL:         stripe.String(fillOrderID(g.cfg.CancelURL, req.OrderID)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency: stripe.String(g.cfg.Currency),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String("Order " + req.OrderID),
				},
				UnitAmount: stripe.Int64(req.AmountCents),
			},
			Quantity: stripe.Int64(1),
		}},
	}
	params.Context = ctx
	params.AddMetadata(metaOrderID, req.OrderID)
	params.AddMetadata("checkout_id", req.CheckoutID)
	params.AddMetadata("buyer_id", req.BuyerID)
	params.AddMetadata("seller_id", req.SellerID)
	if !req.ExpiresAt.IsZero() && req.ExpiresAt.Sub(g.now()) >= minSessionLifetime {
		params.ExpiresAt = stripe.Int64(req.ExpiresAt.Unix())
	}

	s, err := session.New(params)
	if err != nil {
		return Invoice{}, fmt.Errorf("create checkout session for order %s: %w", req.OrderID, err)
	}
	return Invoice{URL: s.URL, Ref: s.ID}, nil
}

// ParseWebhook verifies the Stripe-Signature header and translates the event.
// ok is false for events that carry no payment outcome.
func (g *StripeGateway) ParseWebhook(payload []byte, signature string) (n Notification, ok bool, err error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signature, g.cfg.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return Notification{}, false, fmt.Errorf("%w: %v", ErrSignature, err)
	}
	return resultFromEvent(ev)
}

func resultFromEvent(ev stripe.Event) (Notification, bool, error) {
	var status orders.PaymentStatus
	switch string(ev.Type) {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		status = orders.PaymentPaid
	case "checkout.session.async_payment_failed", "checkout.session.expired":
		status = orders.PaymentFailed
	default:
		return Notification{}, false, nil
	}
	if ev.Data == nil {
		return Notification{}, false, fmt.Errorf("%w: event %s has no data", orders.ErrValidation, ev.ID)
	}

	var s stripe.CheckoutSession
	if err := json.Unmarshal(ev.Data.Raw, &s); err != nil {
		return Notification{}, false, fmt.Errorf("%w: decode checkout session: %v", orders.ErrValidation, err)
	}
	// completed without payment means an async method is still settling
	if status == orders.PaymentPaid && s.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
		return Notification{}, false, nil
	}

	orderID := s.Metadata[metaOrderID]
	if orderID == "" {
		orderID = s.ClientReferenceID
	}
	if orderID == "" {
		return Notification{}, false, fmt.Errorf("%w: session %s carries no order id", orders.ErrValidation, s.ID)
	}
	return Notification{EventID: ev.ID, OrderID: orderID, Status: status, Ref: s.ID}, true, nil
}

func fillOrderID(url, orderID string) string {
	return strings.ReplaceAll(url, "{ORDER_ID}", orderID)
}
