// Package checkout turns a multi-seller cart into one order per seller. Every
// seller group is its own unit of work, so one group running out of stock does
// not undo the orders of the others.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/logging"
	"github.com/ariefcatur/go-storefront-orders/internal/metrics"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/ariefcatur/go-storefront-orders/internal/payment"
	"github.com/ariefcatur/go-storefront-orders/internal/reservation"
	"github.com/google/uuid"
)

type Line struct {
	ProductID string `json:"product_id"`
	SellerID  string `json:"seller_id"`
	Quantity  int    `json:"quantity"`
}

type Request struct {
	BuyerID        string
	Lines          []Line
	AddressID      string
	PaymentMethod  orders.PaymentMethod
	CouponCode     string
	IdempotencyKey string
}

type PlacedOrder struct {
	OrderID              string    `json:"order_id"`
	SellerID             string    `json:"seller_id"`
	TotalCents           int64     `json:"total_cents"`
	ReservationExpiresAt time.Time `json:"reservation_expires_at"`
	PaymentURL           string    `json:"payment_url,omitempty"`
	PaymentError         string    `json:"payment_error,omitempty"`
}

type Failure struct {
	SellerID string `json:"seller_id"`
	Reason   string `json:"reason"`
	Err      error  `json:"-"`
}

type Result struct {
	CheckoutID string        `json:"checkout_id"`
	Orders     []PlacedOrder `json:"orders"`
	Failures   []Failure     `json:"failures"`
}

type Orchestrator struct {
	Store        orders.Store
	Reservations *reservation.Manager
	History      *orders.HistoryRecorder
	Gateway      payment.Gateway
	Events       orders.Publisher
	Shipping     orders.ShippingPolicy
	Metrics      *metrics.Metrics
	Log          *slog.Logger
	Now          func() time.Time

	// Hold windows per payment method.
	GatewayHoldTTL time.Duration
	CODHoldTTL     time.Duration
}

type group struct {
	sellerID string
	lines    []Line
}

// placed is a committed order waiting for its post-commit steps.
type placed struct {
	order orders.Order
	items []orders.OrderItem
}

// Checkout places one order per seller. It fails before any write when the
// request is invalid, and returns ErrCheckoutFailed together with the result
// when no seller group could be placed.
func (c *Orchestrator) Checkout(ctx context.Context, req Request) (Result, error) {
	groups, err := c.validate(req)
	if err != nil {
		return Result{}, err
	}
	coupon, err := c.coupon(ctx, req.CouponCode)
	if err != nil {
		return Result{}, err
	}
	if err := c.checkAddress(ctx, req.BuyerID, req.AddressID); err != nil {
		return Result{}, err
	}

	res := Result{CheckoutID: uuid.NewString(), Orders: []PlacedOrder{}, Failures: []Failure{}}
	var done []placed
	for _, g := range groups {
		p, err := c.placeGroup(ctx, req, res.CheckoutID, g, coupon)
		if err != nil {
			c.Metrics.CheckoutGroup("failed")
			c.log().Warn("checkout group failed",
				slog.String("checkout_id", res.CheckoutID),
				slog.String("seller_id", g.sellerID),
				slog.String("error", err.Error()))
			res.Failures = append(res.Failures, Failure{SellerID: g.sellerID, Reason: err.Error(), Err: err})
			continue
		}
		c.Metrics.CheckoutGroup("placed")
		done = append(done, p)
	}

	for _, p := range done {
		c.publishCreated(ctx, p)
		po := PlacedOrder{
			OrderID:              p.order.ID,
			SellerID:             p.order.SellerID,
			TotalCents:           p.order.TotalCents,
			ReservationExpiresAt: p.order.ReservationExpiresAt,
		}
		if p.order.PaymentMethod == orders.PaymentGateway {
			po.PaymentURL, po.PaymentError = c.invoice(ctx, p.order)
		}
		res.Orders = append(res.Orders, po)
	}

	c.log().Info("checkout",
		slog.String("checkout_id", res.CheckoutID),
		slog.String("buyer_id", req.BuyerID),
		slog.Int("orders", len(res.Orders)),
		slog.Int("failures", len(res.Failures)))
	if len(res.Orders) == 0 {
		return res, fmt.Errorf("%w: %w", orders.ErrCheckoutFailed, res.Failures[0].Err)
	}
	return res, nil
}

func (c *Orchestrator) validate(req Request) ([]group, error) {
	if strings.TrimSpace(req.BuyerID) == "" {
		return nil, fmt.Errorf("%w: buyer is required", orders.ErrValidation)
	}
	if len(req.Lines) == 0 {
		return nil, fmt.Errorf("%w: cart is empty", orders.ErrValidation)
	}
	if !req.PaymentMethod.Valid() {
		return nil, fmt.Errorf("%w: unknown payment method %q", orders.ErrValidation, req.PaymentMethod)
	}
	if strings.TrimSpace(req.AddressID) == "" {
		return nil, fmt.Errorf("%w: address is required", orders.ErrValidation)
	}

	bySeller := map[string]map[string]int{}
	for i, l := range req.Lines {
		if l.ProductID == "" || l.SellerID == "" {
			return nil, fmt.Errorf("%w: line %d needs product and seller", orders.ErrValidation, i)
		}
		if l.Quantity <= 0 {
			return nil, fmt.Errorf("%w: line %d has quantity %d", orders.ErrValidation, i, l.Quantity)
		}
		if bySeller[l.SellerID] == nil {
			bySeller[l.SellerID] = map[string]int{}
		}
		bySeller[l.SellerID][l.ProductID] += l.Quantity
	}

	groups := make([]group, 0, len(bySeller))
	for seller, qty := range bySeller {
		g := group{sellerID: seller}
		for pid, q := range qty {
			g.lines = append(g.lines, Line{ProductID: pid, SellerID: seller, Quantity: q})
		}
		sort.Slice(g.lines, func(i, j int) bool { return g.lines[i].ProductID < g.lines[j].ProductID })
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].sellerID < groups[j].sellerID })
	return groups, nil
}

func (c *Orchestrator) coupon(ctx context.Context, code string) (*orders.Coupon, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, nil
	}
	cp, err := c.Store.Coupon(ctx, code)
	if errors.Is(err, orders.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown coupon %s", orders.ErrValidation, code)
	}
	if err != nil {
		return nil, err
	}
	if err := cp.ValidAt(c.now()); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (c *Orchestrator) checkAddress(ctx context.Context, buyerID, addressID string) error {
	owner, err := c.Store.AddressOwner(ctx, addressID)
	if errors.Is(err, orders.ErrNotFound) {
		return fmt.Errorf("%w: unknown address %s", orders.ErrValidation, addressID)
	}
	if err != nil {
		return err
	}
	if owner != buyerID {
		return fmt.Errorf("%w: address %s does not belong to the buyer", orders.ErrValidation, addressID)
	}
	return nil
}

func (c *Orchestrator) holdTTL(m orders.PaymentMethod) time.Duration {
	if m == orders.PaymentGateway {
		return c.GatewayHoldTTL
	}
	return c.CODHoldTTL
}

func (c *Orchestrator) placeGroup(ctx context.Context, req Request, checkoutID string, g group, coupon *orders.Coupon) (placed, error) {
	var p placed
	err := c.Store.InTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		ids := make([]string, 0, len(g.lines))
		for _, l := range g.lines {
			ids = append(ids, l.ProductID)
		}
		products, err := tx.LockProducts(ctx, ids)
		if err != nil {
			return err
		}

		now := c.now()
		ttl := c.holdTTL(req.PaymentMethod)
		o := orders.Order{
			ID:                   uuid.NewString(),
			CheckoutID:           checkoutID,
			BuyerID:              req.BuyerID,
			SellerID:             g.sellerID,
			AddressID:            req.AddressID,
			Status:               orders.StatusPending,
			PaymentMethod:        req.PaymentMethod,
			PaymentStatus:        orders.PaymentPending,
			CreatedAt:            now,
			UpdatedAt:            now,
			ReservationExpiresAt: now.Add(ttl),
		}

		items := make([]orders.OrderItem, 0, len(g.lines))
		for _, l := range g.lines {
			prod := products[l.ProductID]
			if prod.StoreID != g.sellerID {
				return fmt.Errorf("%w: product %s is not sold by %s", orders.ErrValidation, prod.ID, g.sellerID)
			}
			items = append(items, orders.OrderItem{
				ID:             uuid.NewString(),
				OrderID:        o.ID,
				ProductID:      prod.ID,
				ProductName:    prod.Name,
				ImageURL:       prod.ImageURL,
				UnitPriceCents: prod.PriceCents,
				Quantity:       l.Quantity,
				LineTotalCents: prod.PriceCents * int64(l.Quantity),
			})
		}

		totals := orders.Price(items, c.Shipping, coupon)
		totals.Apply(&o)
		if coupon != nil {
			o.CouponCode = coupon.Code
		}

		if err := tx.InsertOrder(ctx, o); err != nil {
			return err
		}
		if err := tx.InsertItems(ctx, items); err != nil {
			return err
		}
		for _, it := range items {
			if _, err := c.Reservations.Reserve(ctx, tx, o.ID, it.ProductID, it.Quantity, ttl); err != nil {
				return err
			}
		}
		if _, err := c.History.Append(ctx, tx, orders.HistoryEntry{
			OrderID:   o.ID,
			NewStatus: orders.StatusPending,
			ActorID:   req.BuyerID,
			ActorRole: orders.RoleCustomer,
			Note:      "checkout " + checkoutID,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		p = placed{order: o, items: items}
		return nil
	})
	return p, err
}

// invoice asks the gateway for a payment page. A failure leaves the order
// pending; its hold lapses like any unpaid order.
func (c *Orchestrator) invoice(ctx context.Context, o orders.Order) (url, failure string) {
	if c.Gateway == nil {
		return "", payment.ErrNotConfigured.Error()
	}
	inv, err := c.Gateway.CreateInvoice(ctx, payment.InvoiceRequest{
		OrderID:     o.ID,
		CheckoutID:  o.CheckoutID,
		BuyerID:     o.BuyerID,
		SellerID:    o.SellerID,
		AmountCents: o.TotalCents,
		ExpiresAt:   o.ReservationExpiresAt,
	})
	if err != nil {
		c.log().Error("create invoice", slog.String("order_id", o.ID), slog.String("error", err.Error()))
		return "", err.Error()
	}

	err = c.Store.InTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		cur, err := tx.GetOrder(ctx, o.ID)
		if err != nil {
			return err
		}
		cur.PaymentURL = inv.URL
		cur.PaymentRef = inv.Ref
		cur.UpdatedAt = c.now()
		return tx.UpdatePayment(ctx, cur)
	})
	if err != nil {
		c.log().Error("store invoice", slog.String("order_id", o.ID), slog.String("error", err.Error()))
		return inv.URL, err.Error()
	}
	return inv.URL, ""
}

func (c *Orchestrator) publishCreated(ctx context.Context, p placed) {
	if c.Events == nil {
		return
	}
	ev := orders.Event{
		Type:       orders.EventOrderCreated,
		OrderID:    p.order.ID,
		OccurredAt: p.order.CreatedAt,
		Payload: orders.OrderCreatedPayload{
			OrderID:              p.order.ID,
			CheckoutID:           p.order.CheckoutID,
			BuyerID:              p.order.BuyerID,
			SellerID:             p.order.SellerID,
			PaymentMethod:        p.order.PaymentMethod,
			Items:                orders.ItemPrices(p.items),
			TotalCents:           p.order.TotalCents,
			ReservationExpiresAt: p.order.ReservationExpiresAt,
		},
	}
	if err := c.Events.Publish(ctx, ev); err != nil {
		c.log().Warn("publish event", slog.String("event_type", ev.Type), slog.String("order_id", p.order.ID), slog.String("error", err.Error()))
	}
}

func (c *Orchestrator) log() *slog.Logger { return logging.OrDiscard(c.Log) }

func (c *Orchestrator) now() time.Time {
	if c.Now == nil {
		return time.Now().UTC()
	}
	return c.Now()
}
