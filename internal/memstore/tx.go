package memstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/ariefcatur/go-storefront-orders/internal/orders"
)

type tx struct{ st *state }

func (t *tx) LockProducts(_ context.Context, ids []string) (map[string]orders.Product, error) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	out := make(map[string]orders.Product, len(sorted))
	for _, id := range sorted {
		p, ok := t.st.products[id]
		if !ok {
			return nil, fmt.Errorf("product %s: %w", id, orders.ErrNotFound)
		}
		out[id] = p
	}
	return out, nil
}

func (t *tx) SaveProductStock(_ context.Context, p orders.Product) error {
	cur, ok := t.st.products[p.ID]
	if !ok {
		return fmt.Errorf("product %s: %w", p.ID, orders.ErrNotFound)
	}
	if p.ReservedStock < 0 || p.ReservedStock > p.TotalStock {
		return &orders.StockError{ProductID: p.ID, Requested: p.ReservedStock, Available: p.TotalStock}
	}
	cur.TotalStock = p.TotalStock
	cur.ReservedStock = p.ReservedStock
	cur.UpdatedAt = p.UpdatedAt
	t.st.products[p.ID] = cur
	return nil
}

func (t *tx) GetOrder(_ context.Context, id string) (orders.Order, error) {
	o, ok := t.st.orders[id]
	if !ok {
		return orders.Order{}, fmt.Errorf("order %s: %w", id, orders.ErrNotFound)
	}
	return o, nil
}

func (t *tx) InsertOrder(_ context.Context, o orders.Order) error {
	if _, ok := t.st.orders[o.ID]; ok {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	t.st.orders[o.ID] = o
	return nil
}

func (t *tx) InsertItems(_ context.Context, items []orders.OrderItem) error {
	for _, it := range items {
		if _, ok := t.st.orders[it.OrderID]; !ok {
			return fmt.Errorf("order %s: %w", it.OrderID, orders.ErrNotFound)
		}
		t.st.items[it.OrderID] = append(t.st.items[it.OrderID], it)
	}
	return nil
}

func (t *tx) CompareAndSetStatus(_ context.Context, o orders.Order, from orders.Status) (bool, error) {
	cur, ok := t.st.orders[o.ID]
	if !ok {
		return false, fmt.Errorf("order %s: %w", o.ID, orders.ErrNotFound)
	}
	if cur.Status != from {
		return false, nil
	}
	cur.Status = o.Status
	cur.TrackingNumber = o.TrackingNumber
	cur.RejectionReason = o.RejectionReason
	cur.ApprovedAt = o.ApprovedAt
	cur.CompletedAt = o.CompletedAt
	cur.UpdatedAt = o.UpdatedAt
	t.st.orders[o.ID] = cur
	return true, nil
}

func (t *tx) UpdatePayment(_ context.Context, o orders.Order) error {
	cur, ok := t.st.orders[o.ID]
	if !ok {
		return fmt.Errorf("order %s: %w", o.ID, orders.ErrNotFound)
	}
	cur.PaymentStatus = o.PaymentStatus
	cur.PaymentURL = o.PaymentURL
	cur.PaymentRef = o.PaymentRef
	cur.NeedsReconciliation = o.NeedsReconciliation
	cur.ReservationExpiresAt = o.ReservationExpiresAt
	cur.UpdatedAt = o.UpdatedAt
	t.st.orders[o.ID] = cur
	return nil
}

func (t *tx) InsertReservation(_ context.Context, r orders.Reservation) error {
	if _, ok := t.st.orders[r.OrderID]; !ok {
		return fmt.Errorf("order %s: %w", r.OrderID, orders.ErrNotFound)
	}
	t.st.reservations[r.ID] = r
	return nil
}

func (t *tx) LockReservations(_ context.Context, orderID string) ([]orders.Reservation, error) {
	return reservationsOf(t.st, orderID), nil
}

func (t *tx) UpdateReservation(_ context.Context, r orders.Reservation, from orders.ReservationStatus) (bool, error) {
	cur, ok := t.st.reservations[r.ID]
	if !ok {
		return false, fmt.Errorf("reservation %s: %w", r.ID, orders.ErrNotFound)
	}
	if cur.Status != from {
		return false, nil
	}
	cur.Status = r.Status
	cur.ExpiresAt = r.ExpiresAt
	cur.UpdatedAt = r.UpdatedAt
	t.st.reservations[r.ID] = cur
	return true, nil
}

func (t *tx) AppendHistory(_ context.Context, h orders.HistoryEntry) (orders.HistoryEntry, error) {
	t.st.seq++
	h.ID = t.st.seq
	t.st.history = append(t.st.history, h)
	return h, nil
}

func (t *tx) InsertRefund(_ context.Context, r orders.RefundRequest) error {
	t.st.refunds[r.ID] = r
	return nil
}

func (t *tx) LockRefund(_ context.Context, id string) (orders.RefundRequest, error) {
	r, ok := t.st.refunds[id]
	if !ok {
		return orders.RefundRequest{}, fmt.Errorf("refund %s: %w", id, orders.ErrNotFound)
	}
	return r, nil
}

func (t *tx) HasPendingRefund(_ context.Context, orderID string) (bool, error) {
	for _, r := range t.st.refunds {
		if r.OrderID == orderID && r.Status == orders.RefundPending {
			return true, nil
		}
	}
	return false, nil
}

func (t *tx) UpdateRefund(_ context.Context, r orders.RefundRequest) error {
	if _, ok := t.st.refunds[r.ID]; !ok {
		return fmt.Errorf("refund %s: %w", r.ID, orders.ErrNotFound)
	}
	t.st.refunds[r.ID] = r
	return nil
}
