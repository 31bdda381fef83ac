package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/jackc/pgx/v5"
)

type tx struct{ q pgx.Tx }

// LockProducts locks rows in id order so concurrent checkouts never deadlock.
func (t *tx) LockProducts(ctx context.Context, ids []string) (map[string]orders.Product, error) {
	rows, err := t.q.Query(ctx, `
		SELECT id, store_id, name, image_url, price_cents, total_stock, reserved_stock, updated_at
		FROM products WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]orders.Product, len(ids))
	for rows.Next() {
		var p orders.Product
		if err := rows.Scan(&p.ID, &p.StoreID, &p.Name, &p.ImageURL, &p.PriceCents, &p.TotalStock, &p.ReservedStock, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, ok := out[id]; !ok {
			return nil, fmt.Errorf("product %s: %w", id, orders.ErrNotFound)
		}
	}
	return out, nil
}

func (t *tx) SaveProductStock(ctx context.Context, p orders.Product) error {
	ct, err := t.q.Exec(ctx, `
		UPDATE products SET total_stock=$2, reserved_stock=$3, updated_at=$4 WHERE id=$1`,
		p.ID, p.TotalStock, p.ReservedStock, p.UpdatedAt)
	if err != nil {
		return mapError(err)
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("product %s: %w", p.ID, orders.ErrNotFound)
	}
	return nil
}

// GetOrder locks the order row for the rest of the unit of work.
func (t *tx) GetOrder(ctx context.Context, id string) (orders.Order, error) {
	return getOrder(ctx, t.q, id, true)
}

func (t *tx) InsertOrder(ctx context.Context, o orders.Order) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`,
		o.ID, o.CheckoutID, o.BuyerID, o.SellerID, o.AddressID,
		o.SubtotalCents, o.ShippingCents, o.DiscountCents, o.TotalCents,
		string(o.Status), string(o.PaymentMethod), string(o.PaymentStatus), o.PaymentURL, o.PaymentRef,
		o.CouponCode, o.TrackingNumber, o.RejectionReason, o.NeedsReconciliation,
		o.CreatedAt, o.UpdatedAt, o.ApprovedAt, o.CompletedAt, o.ReservationExpiresAt)
	return mapError(err)
}

func (t *tx) InsertItems(ctx context.Context, items []orders.OrderItem) error {
	for _, it := range items {
		if _, err := t.q.Exec(ctx, `
			INSERT INTO order_items (id, order_id, product_id, product_name, image_url, unit_price_cents, quantity, line_total_cents)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			it.ID, it.OrderID, it.ProductID, it.ProductName, it.ImageURL, it.UnitPriceCents, it.Quantity, it.LineTotalCents); err != nil {
			return mapError(err)
		}
	}
	return nil
}

func (t *tx) CompareAndSetStatus(ctx context.Context, o orders.Order, from orders.Status) (bool, error) {
	ct, err := t.q.Exec(ctx, `
		UPDATE orders
		SET status=$3, tracking_number=$4, rejection_reason=$5, approved_at=$6, completed_at=$7, updated_at=$8
		WHERE id=$1 AND status=$2`,
		o.ID, string(from), string(o.Status), o.TrackingNumber, o.RejectionReason, o.ApprovedAt, o.CompletedAt, o.UpdatedAt)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (t *tx) UpdatePayment(ctx context.Context, o orders.Order) error {
	ct, err := t.q.Exec(ctx, `
		UPDATE orders
		SET payment_status=$2, payment_url=$3, payment_ref=$4, needs_reconciliation=$5,
		    reservation_expires_at=$6, updated_at=$7
		WHERE id=$1`,
		o.ID, string(o.PaymentStatus), o.PaymentURL, o.PaymentRef, o.NeedsReconciliation, o.ReservationExpiresAt, o.UpdatedAt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("order %s: %w", o.ID, orders.ErrNotFound)
	}
	return nil
}

func (t *tx) InsertReservation(ctx context.Context, r orders.Reservation) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO reservations (id, order_id, product_id, quantity, status, expires_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		r.ID, r.OrderID, r.ProductID, r.Quantity, string(r.Status), r.ExpiresAt, r.CreatedAt, r.UpdatedAt)
	return mapError(err)
}

func (t *tx) LockReservations(ctx context.Context, orderID string) ([]orders.Reservation, error) {
	return queryReservations(ctx, t.q, `
		SELECT id, order_id, product_id, quantity, status, expires_at, created_at, updated_at
		FROM reservations WHERE order_id=$1
		ORDER BY product_id, id
		FOR UPDATE`, orderID)
}

func (t *tx) UpdateReservation(ctx context.Context, r orders.Reservation, from orders.ReservationStatus) (bool, error) {
	ct, err := t.q.Exec(ctx, `
		UPDATE reservations SET status=$3, expires_at=$4, updated_at=$5
		WHERE id=$1 AND status=$2`,
		r.ID, string(from), string(r.Status), r.ExpiresAt, r.UpdatedAt)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (t *tx) AppendHistory(ctx context.Context, h orders.HistoryEntry) (orders.HistoryEntry, error) {
	err := t.q.QueryRow(ctx, `
		INSERT INTO order_status_history (order_id, old_status, new_status, actor_id, actor_role, note, created_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7)
		RETURNING id`,
		h.OrderID, string(h.OldStatus), string(h.NewStatus), h.ActorID, string(h.ActorRole), h.Note, h.CreatedAt).Scan(&h.ID)
	if err != nil {
		return orders.HistoryEntry{}, mapError(err)
	}
	return h, nil
}

func (t *tx) InsertRefund(ctx context.Context, r orders.RefundRequest) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO refund_requests (`+refundColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		r.ID, r.OrderID, r.BuyerID, r.Reason, r.AmountCents, string(r.Status),
		r.ResolvedBy, r.ResolutionNote, r.CreatedAt, r.ResolvedAt)
	return mapError(err)
}

func (t *tx) LockRefund(ctx context.Context, id string) (orders.RefundRequest, error) {
	r, err := scanRefund(t.q.QueryRow(ctx, `SELECT `+refundColumns+` FROM refund_requests WHERE id=$1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.RefundRequest{}, fmt.Errorf("refund %s: %w", id, orders.ErrNotFound)
	}
	return r, err
}

func (t *tx) HasPendingRefund(ctx context.Context, orderID string) (bool, error) {
	var exists bool
	err := t.q.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM refund_requests WHERE order_id=$1 AND status='pending')`, orderID).Scan(&exists)
	return exists, err
}

func (t *tx) UpdateRefund(ctx context.Context, r orders.RefundRequest) error {
	ct, err := t.q.Exec(ctx, `
		UPDATE refund_requests SET status=$2, resolved_by=$3, resolution_note=$4, resolved_at=$5
		WHERE id=$1`,
		r.ID, string(r.Status), r.ResolvedBy, r.ResolutionNote, r.ResolvedAt)
	if err != nil {
		return mapError(err)
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("refund %s: %w", r.ID, orders.ErrNotFound)
	}
	return nil
}
