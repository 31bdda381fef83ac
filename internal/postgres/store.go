package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// querier is what pgxpool.Pool and pgx.Tx have in common.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements orders.Store. Row locks (SELECT ... FOR UPDATE) taken inside
// InTx serialize stock changes per product across processes.
type Store struct{ DB *pgxpool.Pool }

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx orders.Tx) error) error {
	t, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer t.Rollback(ctx)

	if err := fn(ctx, &tx{q: t}); err != nil {
		return mapError(err)
	}
	return mapError(t.Commit(ctx))
}

// mapError turns constraint violations into domain errors.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch {
	case pgErr.Code == "23505" && pgErr.ConstraintName == "refund_requests_one_pending":
		return orders.ErrRefundExists
	case pgErr.Code == "23514" && pgErr.ConstraintName == "products_reserved_within_total":
		return fmt.Errorf("%w: %s", orders.ErrInsufficientStock, pgErr.Message)
	case pgErr.Code == "23503":
		return fmt.Errorf("%w: %s", orders.ErrNotFound, pgErr.Detail)
	}
	return err
}

const orderColumns = `id, checkout_id, buyer_id, seller_id, address_id,
	subtotal_cents, shipping_cents, discount_cents, total_cents,
	status, payment_method, payment_status, payment_url, payment_ref,
	coupon_code, tracking_number, rejection_reason, needs_reconciliation,
	created_at, updated_at, approved_at, completed_at, reservation_expires_at`

func scanOrder(row pgx.Row) (orders.Order, error) {
	var o orders.Order
	err := row.Scan(&o.ID, &o.CheckoutID, &o.BuyerID, &o.SellerID, &o.AddressID,
		&o.SubtotalCents, &o.ShippingCents, &o.DiscountCents, &o.TotalCents,
		&o.Status, &o.PaymentMethod, &o.PaymentStatus, &o.PaymentURL, &o.PaymentRef,
		&o.CouponCode, &o.TrackingNumber, &o.RejectionReason, &o.NeedsReconciliation,
		&o.CreatedAt, &o.UpdatedAt, &o.ApprovedAt, &o.CompletedAt, &o.ReservationExpiresAt)
	return o, err
}

func getOrder(ctx context.Context, q querier, id string, lock bool) (orders.Order, error) {
	sql := `SELECT ` + orderColumns + ` FROM orders WHERE id=$1`
	if lock {
		sql += ` FOR UPDATE`
	}
	o, err := scanOrder(q.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Order{}, fmt.Errorf("order %s: %w", id, orders.ErrNotFound)
	}
	return o, err
}

func (s *Store) Order(ctx context.Context, id string) (orders.Order, error) {
	return getOrder(ctx, s.DB, id, false)
}

func (s *Store) Items(ctx context.Context, orderID string) ([]orders.OrderItem, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, order_id, product_id, product_name, image_url, unit_price_cents, quantity, line_total_cents
		FROM order_items WHERE order_id=$1 ORDER BY product_id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []orders.OrderItem{}
	for rows.Next() {
		var it orders.OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.ProductName, &it.ImageURL,
			&it.UnitPriceCents, &it.Quantity, &it.LineTotalCents); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *Store) History(ctx context.Context, orderID string) ([]orders.HistoryEntry, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, order_id, COALESCE(old_status, ''), new_status, actor_id, actor_role, note, created_at
		FROM order_status_history WHERE order_id=$1 ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []orders.HistoryEntry{}
	for rows.Next() {
		var h orders.HistoryEntry
		if err := rows.Scan(&h.ID, &h.OrderID, &h.OldStatus, &h.NewStatus, &h.ActorID, &h.ActorRole, &h.Note, &h.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *Store) Reservations(ctx context.Context, orderID string) ([]orders.Reservation, error) {
	return queryReservations(ctx, s.DB, `
		SELECT id, order_id, product_id, quantity, status, expires_at, created_at, updated_at
		FROM reservations WHERE order_id=$1 ORDER BY product_id, id`, orderID)
}

func queryReservations(ctx context.Context, q querier, sql string, args ...any) ([]orders.Reservation, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []orders.Reservation{}
	for rows.Next() {
		var r orders.Reservation
		if err := rows.Scan(&r.ID, &r.OrderID, &r.ProductID, &r.Quantity, &r.Status, &r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Refunds(ctx context.Context, orderID string) ([]orders.RefundRequest, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+refundColumns+` FROM refund_requests WHERE order_id=$1 ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []orders.RefundRequest{}
	for rows.Next() {
		r, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const refundColumns = `id, order_id, buyer_id, reason, amount_cents, status, resolved_by, resolution_note, created_at, resolved_at`

func scanRefund(row pgx.Row) (orders.RefundRequest, error) {
	var r orders.RefundRequest
	err := row.Scan(&r.ID, &r.OrderID, &r.BuyerID, &r.Reason, &r.AmountCents, &r.Status,
		&r.ResolvedBy, &r.ResolutionNote, &r.CreatedAt, &r.ResolvedAt)
	return r, err
}

func (s *Store) Product(ctx context.Context, id string) (orders.Product, error) {
	var p orders.Product
	err := s.DB.QueryRow(ctx, `
		SELECT id, store_id, name, image_url, price_cents, total_stock, reserved_stock, updated_at
		FROM products WHERE id=$1`, id).
		Scan(&p.ID, &p.StoreID, &p.Name, &p.ImageURL, &p.PriceCents, &p.TotalStock, &p.ReservedStock, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Product{}, fmt.Errorf("product %s: %w", id, orders.ErrNotFound)
	}
	return p, err
}

func (s *Store) DueOrders(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT DISTINCT o.id
		FROM orders o
		JOIN reservations r ON r.order_id = o.id
		WHERE o.status = 'pending' AND r.status = 'active' AND r.expires_at < $1
		ORDER BY o.id
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) Coupon(ctx context.Context, code string) (orders.Coupon, error) {
	var (
		c        orders.Coupon
		value    string
		startsAt *time.Time
		expires  *time.Time
	)
	err := s.DB.QueryRow(ctx, `
		SELECT code, type, value::text, min_amount_cents, max_discount_cents, active, starts_at, expires_at
		FROM coupons WHERE code=$1`, code).
		Scan(&c.Code, &c.Type, &value, &c.MinAmountCents, &c.MaxDiscountCents, &c.Active, &startsAt, &expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Coupon{}, fmt.Errorf("coupon %s: %w", code, orders.ErrNotFound)
	}
	if err != nil {
		return orders.Coupon{}, err
	}
	if c.Value, err = decimal.NewFromString(value); err != nil {
		return orders.Coupon{}, fmt.Errorf("coupon %s value %q: %w", code, value, err)
	}
	if startsAt != nil {
		c.StartsAt = *startsAt
	}
	if expires != nil {
		c.ExpiresAt = *expires
	}
	return c, nil
}

func (s *Store) AddressOwner(ctx context.Context, addressID string) (string, error) {
	var owner string
	err := s.DB.QueryRow(ctx, `SELECT user_id FROM addresses WHERE id=$1`, addressID).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("address %s: %w", addressID, orders.ErrNotFound)
	}
	return owner, err
}
