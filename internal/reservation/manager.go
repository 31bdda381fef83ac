package reservation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/inventory"
	"github.com/ariefcatur/go-storefront-orders/internal/logging"
	"github.com/ariefcatur/go-storefront-orders/internal/metrics"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/google/uuid"
)

// Canceller cancels an order whose holds lapsed. The lifecycle engine implements it
// with the same transition path interactive callers use.
type Canceller interface {
	CancelExpired(ctx context.Context, orderID string) error
}

type Manager struct {
	Store     orders.Store
	Ledger    *inventory.Ledger
	Log       *slog.Logger
	Metrics   *metrics.Metrics
	Now       func() time.Time
	SweepSize int
}

func NewManager(store orders.Store, log *slog.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		Store:     store,
		Ledger:    &inventory.Ledger{},
		Log:       logging.OrDiscard(log),
		Metrics:   m,
		SweepSize: 200,
	}
}

// Reserve holds qty of productID for orderID until now+ttl.
func (m *Manager) Reserve(ctx context.Context, tx orders.Tx, orderID, productID string, qty int, ttl time.Duration) (orders.Reservation, error) {
	if ttl <= 0 {
		return orders.Reservation{}, fmt.Errorf("%w: reservation ttl must be positive", orders.ErrValidation)
	}
	if _, err := m.Ledger.Hold(ctx, tx, productID, qty); err != nil {
		if errors.Is(err, orders.ErrInsufficientStock) {
			m.Metrics.Reservation("reserve", "insufficient")
		}
		return orders.Reservation{}, err
	}
	now := m.now()
	r := orders.Reservation{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		ProductID: productID,
		Quantity:  qty,
		Status:    orders.ReservationActive,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.InsertReservation(ctx, r); err != nil {
		return orders.Reservation{}, err
	}
	m.Metrics.Reservation("reserve", "ok")
	return r, nil
}

// Release cancels a hold. Releasing a hold that is no longer active is a no-op.
func (m *Manager) Release(ctx context.Context, tx orders.Tx, r orders.Reservation) error {
	return m.settled(m.settle(ctx, tx, r, orders.ReservationReleased))
}

// Commit turns a hold into a permanent deduction. Idempotent like Release.
func (m *Manager) Commit(ctx context.Context, tx orders.Tx, r orders.Reservation) error {
	return m.settled(m.settle(ctx, tx, r, orders.ReservationCommitted))
}

// ReleaseOrder releases every active hold of an order and returns how many changed.
func (m *Manager) ReleaseOrder(ctx context.Context, tx orders.Tx, orderID string) (int, error) {
	return m.settleOrder(ctx, tx, orderID, orders.ReservationReleased)
}

// CommitOrder commits every active hold of an order and returns how many changed.
func (m *Manager) CommitOrder(ctx context.Context, tx orders.Tx, orderID string) (int, error) {
	return m.settleOrder(ctx, tx, orderID, orders.ReservationCommitted)
}

// ExtendOrder moves the expiry of the order's active holds to until. Holds that
// already expire later are left alone.
func (m *Manager) ExtendOrder(ctx context.Context, tx orders.Tx, orderID string, until time.Time) (int, error) {
	rs, err := tx.LockReservations(ctx, orderID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range rs {
		if r.Status != orders.ReservationActive || !r.ExpiresAt.Before(until) {
			continue
		}
		r.ExpiresAt = until
		r.UpdatedAt = m.now()
		ok, err := tx.UpdateReservation(ctx, r, orders.ReservationActive)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (m *Manager) settleOrder(ctx context.Context, tx orders.Tx, orderID string, to orders.ReservationStatus) (int, error) {
	rs, err := tx.LockReservations(ctx, orderID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range rs {
		err := m.settle(ctx, tx, r, to)
		switch {
		case err == nil:
			n++
		case errors.Is(err, orders.ErrReservationExpired):
			// already released or committed
		default:
			return n, err
		}
	}
	return n, nil
}

func (m *Manager) settle(ctx context.Context, tx orders.Tx, r orders.Reservation, to orders.ReservationStatus) error {
	op := "release"
	if to == orders.ReservationCommitted {
		op = "commit"
	}
	if r.Status != orders.ReservationActive {
		return fmt.Errorf("reservation %s is %s: %w", r.ID, r.Status, orders.ErrReservationExpired)
	}
	next := r
	next.Status = to
	next.UpdatedAt = m.now()
	ok, err := tx.UpdateReservation(ctx, next, orders.ReservationActive)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("reservation %s settled concurrently: %w", r.ID, orders.ErrReservationExpired)
	}
	if to == orders.ReservationCommitted {
		_, err = m.Ledger.Deduct(ctx, tx, r.ProductID, r.Quantity)
	} else {
		_, err = m.Ledger.Restore(ctx, tx, r.ProductID, r.Quantity)
	}
	if err != nil {
		return err
	}
	m.Metrics.Reservation(op, "ok")
	return nil
}

func (m *Manager) settled(err error) error {
	if errors.Is(err, orders.ErrReservationExpired) {
		m.Log.Debug("reservation already settled", slog.String("error", err.Error()))
		return nil
	}
	return err
}

type SweepReport struct {
	Due       int
	Cancelled int
	Skipped   int
	Failed    int
}

// ExpireDue cancels pending orders whose holds lapsed before now. Cancellation
// releases the holds. Orders that moved on concurrently are skipped; other
// failures are logged and picked up again by the next sweep.
func (m *Manager) ExpireDue(ctx context.Context, now time.Time, c Canceller) (SweepReport, error) {
	ids, err := m.Store.DueOrders(ctx, now, m.SweepSize)
	if err != nil {
		return SweepReport{}, fmt.Errorf("list due orders: %w", err)
	}
	rep := SweepReport{Due: len(ids)}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		err := c.CancelExpired(ctx, id)
		switch {
		case err == nil:
			rep.Cancelled++
		case errors.Is(err, orders.ErrInvalidTransition):
			rep.Skipped++
			m.Log.Info("expiry skipped, order progressed", slog.String("order_id", id), slog.String("reason", err.Error()))
		default:
			rep.Failed++
			m.Log.Error("expiry failed, retry next sweep", slog.String("order_id", id), slog.String("error", err.Error()))
		}
	}
	m.Metrics.Sweep("cancelled", rep.Cancelled)
	m.Metrics.Sweep("skipped", rep.Skipped)
	m.Metrics.Sweep("failed", rep.Failed)
	return rep, nil
}

// Run sweeps every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration, c Canceller) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			rep, err := m.ExpireDue(ctx, m.now(), c)
			if err != nil {
				m.Log.Error("expiry sweep", slog.String("error", err.Error()))
				continue
			}
			if rep.Due > 0 {
				m.Log.Info("expiry sweep",
					slog.Int("due", rep.Due),
					slog.Int("cancelled", rep.Cancelled),
					slog.Int("skipped", rep.Skipped),
					slog.Int("failed", rep.Failed))
			}
		}
	}
}

func (m *Manager) now() time.Time {
	if m.Now == nil {
		return time.Now().UTC()
	}
	return m.Now()
}
