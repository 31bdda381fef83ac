// Package memstore is a single-process orders.Store. Units of work are
// serialized by one mutex and rolled back by discarding a copy of the state,
// so it gives the same atomicity as the postgres store but no cross-process
// safety. It backs tests and local runs without a database.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/orders"
)

type state struct {
	products     map[string]orders.Product
	orders       map[string]orders.Order
	items        map[string][]orders.OrderItem
	reservations map[string]orders.Reservation
	history      []orders.HistoryEntry
	refunds      map[string]orders.RefundRequest
	coupons      map[string]orders.Coupon
	addresses    map[string]string
	seq          int64
}

func newState() *state {
	return &state{
		products:     map[string]orders.Product{},
		orders:       map[string]orders.Order{},
		items:        map[string][]orders.OrderItem{},
		reservations: map[string]orders.Reservation{},
		refunds:      map[string]orders.RefundRequest{},
		coupons:      map[string]orders.Coupon{},
		addresses:    map[string]string{},
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.items {
		c.items[k] = append([]orders.OrderItem(nil), v...)
	}
	for k, v := range s.reservations {
		c.reservations[k] = v
	}
	c.history = append([]orders.HistoryEntry(nil), s.history...)
	for k, v := range s.refunds {
		c.refunds[k] = v
	}
	for k, v := range s.coupons {
		c.coupons[k] = v
	}
	for k, v := range s.addresses {
		c.addresses[k] = v
	}
	c.seq = s.seq
	return c
}

type Store struct {
	mu sync.RWMutex
	st *state
}

func New() *Store {
	return &Store{st: newState()}
}

// PutProduct seeds or replaces a product.
func (s *Store) PutProduct(p orders.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.products[p.ID] = p
}

func (s *Store) PutCoupon(c orders.Coupon) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.coupons[c.Code] = c
}

func (s *Store) PutAddress(addressID, ownerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.addresses[addressID] = ownerID
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx orders.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.st.clone()
	if err := fn(ctx, &tx{st: work}); err != nil {
		return err
	}
	s.st = work
	return nil
}

func (s *Store) Order(_ context.Context, id string) (orders.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.st.orders[id]
	if !ok {
		return orders.Order{}, fmt.Errorf("order %s: %w", id, orders.ErrNotFound)
	}
	return o, nil
}

func (s *Store) Items(_ context.Context, orderID string) ([]orders.OrderItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]orders.OrderItem(nil), s.st.items[orderID]...), nil
}

func (s *Store) History(_ context.Context, orderID string) ([]orders.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []orders.HistoryEntry
	for _, h := range s.st.history {
		if h.OrderID == orderID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (s *Store) Reservations(_ context.Context, orderID string) ([]orders.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return reservationsOf(s.st, orderID), nil
}

func (s *Store) Refunds(_ context.Context, orderID string) ([]orders.RefundRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []orders.RefundRequest
	for _, r := range s.st.refunds {
		if r.OrderID == orderID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) Product(_ context.Context, id string) (orders.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.st.products[id]
	if !ok {
		return orders.Product{}, fmt.Errorf("product %s: %w", id, orders.ErrNotFound)
	}
	return p, nil
}

func (s *Store) DueOrders(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[string]bool{}
	var out []string
	for _, r := range s.st.reservations {
		if r.Status != orders.ReservationActive || !r.ExpiresAt.Before(now) || seen[r.OrderID] {
			continue
		}
		if o, ok := s.st.orders[r.OrderID]; ok && o.Status == orders.StatusPending {
			seen[r.OrderID] = true
			out = append(out, r.OrderID)
		}
	}
	sort.Strings(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Coupon(_ context.Context, code string) (orders.Coupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.st.coupons[code]
	if !ok {
		return orders.Coupon{}, fmt.Errorf("coupon %s: %w", code, orders.ErrNotFound)
	}
	return c, nil
}

func (s *Store) AddressOwner(_ context.Context, addressID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	owner, ok := s.st.addresses[addressID]
	if !ok {
		return "", fmt.Errorf("address %s: %w", addressID, orders.ErrNotFound)
	}
	return owner, nil
}

func reservationsOf(st *state, orderID string) []orders.Reservation {
	var out []orders.Reservation
	for _, r := range st.reservations {
		if r.OrderID == orderID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProductID != out[j].ProductID {
			return out[i].ProductID < out[j].ProductID
		}
		return out[i].ID < out[j].ID
	})
	return out
}
