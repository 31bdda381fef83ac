package lifecycle_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/checkout"
	"github.com/ariefcatur/go-storefront-orders/internal/lifecycle"
	"github.com/ariefcatur/go-storefront-orders/internal/memstore"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/ariefcatur/go-storefront-orders/internal/payment"
	"github.com/ariefcatur/go-storefront-orders/internal/reservation"
	"github.com/stretchr/testify/require"
)

const (
	buyer  = "buyer-1"
	seller = "store-1"
	addr   = "addr-1"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type eventLog struct {
	mu     sync.Mutex
	events []orders.Event
}

func (l *eventLog) Publish(_ context.Context, ev orders.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) count(typ string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type gatewayStub struct{}

func (gatewayStub) CreateInvoice(_ context.Context, req payment.InvoiceRequest) (payment.Invoice, error) {
	return payment.Invoice{URL: "https://pay.test/" + req.OrderID, Ref: "cs_" + req.OrderID}, nil
}

type fixture struct {
	store  *memstore.Store
	clock  *clock
	events *eventLog
	res    *reservation.Manager
	engine *lifecycle.Engine
	orch   *checkout.Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  memstore.New(),
		clock:  &clock{t: time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)},
		events: &eventLog{},
	}
	f.store.PutProduct(orders.Product{ID: "p1", StoreID: seller, Name: "Mug", PriceCents: 1000, TotalStock: 5})
	f.store.PutAddress(addr, buyer)

	f.res = reservation.NewManager(f.store, nil, nil)
	f.res.Now = f.clock.Now
	history := &orders.HistoryRecorder{Now: f.clock.Now}
	f.engine = &lifecycle.Engine{
		Store:          f.store,
		Reservations:   f.res,
		History:        history,
		Events:         f.events,
		Now:            f.clock.Now,
		ApprovalWindow: 24 * time.Hour,
	}
	f.orch = &checkout.Orchestrator{
		Store:          f.store,
		Reservations:   f.res,
		History:        history,
		Gateway:        gatewayStub{},
		Events:         f.events,
		Now:            f.clock.Now,
		GatewayHoldTTL: 30 * time.Minute,
		CODHoldTTL:     24 * time.Hour,
	}
	return f
}

func (f *fixture) place(t *testing.T, method orders.PaymentMethod, qty int) string {
	t.Helper()
	res, err := f.orch.Checkout(context.Background(), checkout.Request{
		BuyerID:       buyer,
		Lines:         []checkout.Line{{ProductID: "p1", SellerID: seller, Quantity: qty}},
		AddressID:     addr,
		PaymentMethod: method,
	})
	require.NoError(t, err)
	require.Len(t, res.Orders, 1)
	return res.Orders[0].OrderID
}

func (f *fixture) move(t *testing.T, orderID string, to orders.Status, actor string, role orders.Role) orders.Order {
	t.Helper()
	o, err := f.engine.Transition(context.Background(), lifecycle.Request{OrderID: orderID, Target: to, ActorID: actor, Role: role})
	require.NoError(t, err)
	return o
}

func (f *fixture) deliver(t *testing.T, orderID string) {
	t.Helper()
	f.move(t, orderID, orders.StatusProcessing, seller, orders.RoleSeller)
	f.move(t, orderID, orders.StatusShipped, seller, orders.RoleSeller)
	f.move(t, orderID, orders.StatusDelivered, seller, orders.RoleSeller)
}

func (f *fixture) product(t *testing.T) orders.Product {
	t.Helper()
	p, err := f.store.Product(context.Background(), "p1")
	require.NoError(t, err)
	return p
}

func (f *fixture) order(t *testing.T, id string) orders.Order {
	t.Helper()
	o, err := f.store.Order(context.Background(), id)
	require.NoError(t, err)
	return o
}

func (f *fixture) history(t *testing.T, id string) []orders.HistoryEntry {
	t.Helper()
	h, err := f.store.History(context.Background(), id)
	require.NoError(t, err)
	return h
}

func (f *fixture) reservations(t *testing.T, id string) []orders.Reservation {
	t.Helper()
	rs, err := f.store.Reservations(context.Background(), id)
	require.NoError(t, err)
	return rs
}

// casLosingStore makes every status compare-and-set lose, as if another
// request changed the order first.
type casLosingStore struct{ orders.Store }

func (s casLosingStore) InTx(ctx context.Context, fn func(ctx context.Context, tx orders.Tx) error) error {
	return s.Store.InTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		return fn(ctx, casLosingTx{tx})
	})
}

type casLosingTx struct{ orders.Tx }

func (casLosingTx) CompareAndSetStatus(context.Context, orders.Order, orders.Status) (bool, error) {
	return false, nil
}
