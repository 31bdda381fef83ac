// Package inventory owns stock quantities. Nothing else writes total_stock or
// reserved_stock; callers pass the unit of work the change belongs to.
package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/orders"
)

type Ledger struct {
	Now func() time.Time
}

// Hold moves qty from available to reserved. The product row is locked for the
// rest of the unit of work, so concurrent holds on one product serialize here.
func (l *Ledger) Hold(ctx context.Context, tx orders.Tx, productID string, qty int) (orders.Product, error) {
	return l.apply(ctx, tx, productID, qty, func(p *orders.Product) error {
		if p.Available() < qty {
			return &orders.StockError{ProductID: p.ID, Requested: qty, Available: p.Available()}
		}
		p.ReservedStock += qty
		return nil
	})
}

// Restore gives a released hold back to available stock.
func (l *Ledger) Restore(ctx context.Context, tx orders.Tx, productID string, qty int) (orders.Product, error) {
	return l.apply(ctx, tx, productID, qty, func(p *orders.Product) error {
		if p.ReservedStock < qty {
			return fmt.Errorf("product %s: restoring %d but only %d reserved", p.ID, qty, p.ReservedStock)
		}
		p.ReservedStock -= qty
		return nil
	})
}

// Deduct turns a hold into a permanent removal from stock.
func (l *Ledger) Deduct(ctx context.Context, tx orders.Tx, productID string, qty int) (orders.Product, error) {
	return l.apply(ctx, tx, productID, qty, func(p *orders.Product) error {
		if p.ReservedStock < qty || p.TotalStock < qty {
			return fmt.Errorf("product %s: deducting %d with total=%d reserved=%d", p.ID, qty, p.TotalStock, p.ReservedStock)
		}
		p.TotalStock -= qty
		p.ReservedStock -= qty
		return nil
	})
}

func (l *Ledger) apply(ctx context.Context, tx orders.Tx, productID string, qty int, fn func(p *orders.Product) error) (orders.Product, error) {
	if qty <= 0 {
		return orders.Product{}, fmt.Errorf("%w: quantity must be positive, got %d", orders.ErrValidation, qty)
	}
	locked, err := tx.LockProducts(ctx, []string{productID})
	if err != nil {
		return orders.Product{}, err
	}
	p, ok := locked[productID]
	if !ok {
		return orders.Product{}, fmt.Errorf("product %s: %w", productID, orders.ErrNotFound)
	}
	if err := fn(&p); err != nil {
		return orders.Product{}, err
	}
	p.UpdatedAt = l.now()
	if err := tx.SaveProductStock(ctx, p); err != nil {
		return orders.Product{}, err
	}
	return p, nil
}

func (l *Ledger) now() time.Time {
	if l == nil || l.Now == nil {
		return time.Now().UTC()
	}
	return l.Now()
}
