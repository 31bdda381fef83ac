package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/google/uuid"
)

// RequestRefund files a refund request for a delivered or completed order.
// Only one request per order may be pending at a time.
func (e *Engine) RequestRefund(ctx context.Context, orderID, buyerID, reason string, amountCents int64) (orders.RefundRequest, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return orders.RefundRequest{}, fmt.Errorf("%w: refund reason is required", orders.ErrValidation)
	}
	if amountCents <= 0 {
		return orders.RefundRequest{}, fmt.Errorf("%w: refund amount must be positive", orders.ErrValidation)
	}

	var rr orders.RefundRequest
	err := e.Store.InTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		o, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if err := Authorize(o, buyerID, orders.RoleCustomer); err != nil {
			return err
		}
		if o.Status != orders.StatusDelivered && o.Status != orders.StatusCompleted {
			return fmt.Errorf("%w: order %s is %s", orders.ErrRefundNotAllowed, o.ID, o.Status)
		}
		if amountCents > o.TotalCents {
			return fmt.Errorf("%w: refund amount %d exceeds order total %d", orders.ErrValidation, amountCents, o.TotalCents)
		}
		pending, err := tx.HasPendingRefund(ctx, o.ID)
		if err != nil {
			return err
		}
		if pending {
			return orders.ErrRefundExists
		}
		rr = orders.RefundRequest{
			ID:          uuid.NewString(),
			OrderID:     o.ID,
			BuyerID:     buyerID,
			Reason:      reason,
			AmountCents: amountCents,
			Status:      orders.RefundPending,
			CreatedAt:   e.now(),
		}
		return tx.InsertRefund(ctx, rr)
	})
	if err != nil {
		return orders.RefundRequest{}, err
	}
	e.log().Info("refund requested", slog.String("order_id", orderID), slog.String("refund_id", rr.ID), slog.Int64("amount_cents", amountCents))
	e.publish(ctx, orders.EventRefundRequested, orderID, refundPayload(rr))
	return rr, nil
}

// ResolveRefund approves or rejects a pending refund request. Approval moves the
// order to refunded through the regular transition path in the same unit of work.
func (e *Engine) ResolveRefund(ctx context.Context, refundID, adminID string, approve bool, note string) (orders.RefundRequest, error) {
	var (
		rr  orders.RefundRequest
		res applied
	)
	err := e.Store.InTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		var err error
		rr, err = tx.LockRefund(ctx, refundID)
		if err != nil {
			return err
		}
		if rr.Status != orders.RefundPending {
			return fmt.Errorf("refund %s is %s: %w", rr.ID, rr.Status, orders.ErrRefundResolved)
		}
		if approve {
			res, err = e.apply(ctx, tx, Request{
				OrderID: rr.OrderID,
				Target:  orders.StatusRefunded,
				ActorID: adminID,
				Role:    orders.RoleAdmin,
				Note:    note,
			})
			if err != nil {
				return err
			}
			rr.Status = orders.RefundApproved
		} else {
			rr.Status = orders.RefundRejected
		}
		now := e.now()
		rr.ResolvedBy = adminID
		rr.ResolutionNote = strings.TrimSpace(note)
		rr.ResolvedAt = &now
		return tx.UpdateRefund(ctx, rr)
	})
	if err != nil {
		return orders.RefundRequest{}, err
	}
	if res.changed {
		e.afterTransition(ctx, res)
	}
	e.log().Info("refund resolved", slog.String("order_id", rr.OrderID), slog.String("refund_id", rr.ID), slog.String("status", string(rr.Status)))
	e.publish(ctx, orders.EventRefundResolved, rr.OrderID, refundPayload(rr))
	return rr, nil
}

func refundPayload(rr orders.RefundRequest) orders.RefundPayload {
	return orders.RefundPayload{
		RefundID:    rr.ID,
		OrderID:     rr.OrderID,
		Status:      rr.Status,
		AmountCents: rr.AmountCents,
		Reason:      rr.Reason,
	}
}
