package lifecycle

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ariefcatur/go-storefront-orders/internal/orders"
)

// PaymentResult is a gateway notification translated to the order's payment axis.
type PaymentResult struct {
	Status orders.PaymentStatus
	Ref    string
}

// OnPaymentResult records a gateway notification. Repeating a notification that
// was already recorded changes nothing.
//
// A paid notification for a pending order pushes its holds to the approval
// window. A paid notification for an order that was cancelled meanwhile flags
// it for reconciliation and returns ErrPaymentReconciliationConflict; the
// released stock is never taken back.
func (e *Engine) OnPaymentResult(ctx context.Context, orderID string, pr PaymentResult) (orders.Order, error) {
	if pr.Status != orders.PaymentPaid && pr.Status != orders.PaymentFailed {
		return orders.Order{}, fmt.Errorf("%w: unsupported payment status %q", orders.ErrValidation, pr.Status)
	}

	var (
		out      orders.Order
		res      applied
		recorded bool
		conflict bool
	)
	err := e.Store.InTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		o, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		out = o
		if o.PaymentStatus == pr.Status {
			conflict = o.NeedsReconciliation
			return nil
		}
		if o.PaymentStatus == orders.PaymentPaid {
			// a late failure never downgrades a recorded payment
			return nil
		}

		now := e.now()
		next := o
		next.PaymentStatus = pr.Status
		if pr.Ref != "" {
			next.PaymentRef = pr.Ref
		}
		next.UpdatedAt = now

		switch {
		case pr.Status == orders.PaymentPaid && o.Status == orders.StatusCancelled:
			next.NeedsReconciliation = true
			conflict = true
		case pr.Status == orders.PaymentPaid && o.Status == orders.StatusPending:
			until := now.Add(e.ApprovalWindow)
			if _, err := e.Reservations.ExtendOrder(ctx, tx, o.ID, until); err != nil {
				return err
			}
			if until.After(next.ReservationExpiresAt) {
				next.ReservationExpiresAt = until
			}
		}
		if err := tx.UpdatePayment(ctx, next); err != nil {
			return err
		}
		out, recorded = next, true

		if pr.Status == orders.PaymentFailed && o.Status == orders.StatusPending {
			res, err = e.apply(ctx, tx, Request{
				OrderID: o.ID,
				Target:  orders.StatusCancelled,
				ActorID: SystemActor,
				Role:    orders.RoleSystem,
				Note:    "payment failed",
			})
			if err != nil {
				return err
			}
			out.Status = res.order.Status
			out.UpdatedAt = res.order.UpdatedAt
		}
		return nil
	})
	if err != nil {
		e.Metrics.Payment(string(pr.Status), "error")
		return orders.Order{}, err
	}

	if !recorded {
		e.Metrics.Payment(string(pr.Status), "duplicate")
		if conflict {
			return out, fmt.Errorf("order %s: %w", orderID, orders.ErrPaymentReconciliationConflict)
		}
		return out, nil
	}

	e.invalidate(ctx, orderID)
	e.publish(ctx, orders.EventPaymentRecorded, orderID, orders.PaymentPayload{
		OrderID:       orderID,
		PaymentStatus: out.PaymentStatus,
		PaymentRef:    out.PaymentRef,
		OrderStatus:   out.Status,
		TotalCents:    out.TotalCents,
	})
	if res.changed {
		e.afterTransition(ctx, res)
	}
	if conflict {
		e.Metrics.Payment(string(pr.Status), "conflict")
		e.log().Error("payment received for cancelled order",
			slog.String("order_id", orderID),
			slog.String("payment_ref", out.PaymentRef),
			slog.Int64("total_cents", out.TotalCents))
		e.publish(ctx, orders.EventPaymentConflict, orderID, orders.PaymentPayload{
			OrderID:       orderID,
			PaymentStatus: out.PaymentStatus,
			PaymentRef:    out.PaymentRef,
			OrderStatus:   out.Status,
			TotalCents:    out.TotalCents,
		})
		return out, fmt.Errorf("order %s: %w", orderID, orders.ErrPaymentReconciliationConflict)
	}
	e.Metrics.Payment(string(pr.Status), "ok")
	return out, nil
}
