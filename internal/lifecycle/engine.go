// Package lifecycle applies order status transitions: it validates them against
// the transition table, writes the new status with a compare-and-set, runs the
// reservation side effect and appends the history entry in one unit of work.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/logging"
	"github.com/ariefcatur/go-storefront-orders/internal/metrics"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/ariefcatur/go-storefront-orders/internal/reservation"
)

const SystemActor = "system"

// StatusCache is told when an order's status changed.
type StatusCache interface {
	Invalidate(ctx context.Context, orderID string) error
}

type Engine struct {
	Store        orders.Store
	Reservations *reservation.Manager
	History      *orders.HistoryRecorder
	Events       orders.Publisher
	Cache        StatusCache
	Metrics      *metrics.Metrics
	Log          *slog.Logger
	Now          func() time.Time

	// ApprovalWindow is how long holds of a paid, still pending order are kept
	// so the seller can approve it.
	ApprovalWindow time.Duration
}

type Request struct {
	OrderID        string
	Target         orders.Status
	ActorID        string
	Role           orders.Role
	Note           string
	TrackingNumber string
}

// applied is what a transition did inside its unit of work.
type applied struct {
	order    orders.Order
	from     orders.Status
	entry    orders.HistoryEntry
	released int
	changed  bool
}

// Transition moves an order to req.Target. Cancelling an already cancelled order
// returns it unchanged.
func (e *Engine) Transition(ctx context.Context, req Request) (orders.Order, error) {
	var res applied
	err := e.Store.InTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		var err error
		res, err = e.apply(ctx, tx, req)
		return err
	})
	if err != nil {
		return orders.Order{}, err
	}
	if res.changed {
		e.afterTransition(ctx, res)
	}
	return res.order, nil
}

// CancelExpired is the system cancellation used by the expiry sweep. It only
// cancels orders that are still pending.
func (e *Engine) CancelExpired(ctx context.Context, orderID string) error {
	var res applied
	err := e.Store.InTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		o, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status != orders.StatusPending {
			return &orders.TransitionError{From: o.Status, To: orders.StatusCancelled, Role: orders.RoleSystem}
		}
		res, err = e.apply(ctx, tx, Request{
			OrderID: orderID,
			Target:  orders.StatusCancelled,
			ActorID: SystemActor,
			Role:    orders.RoleSystem,
			Note:    "reservation expired",
		})
		return err
	})
	if err != nil {
		return err
	}
	if res.changed {
		e.afterTransition(ctx, res)
		e.publish(ctx, orders.EventReservationsReleased, orderID, orders.ReservationsReleasedPayload{
			OrderID: orderID, Released: res.released, Cause: "expired",
		})
	}
	return nil
}

func (e *Engine) apply(ctx context.Context, tx orders.Tx, req Request) (applied, error) {
	if !req.Target.Valid() {
		return applied{}, fmt.Errorf("%w: unknown status %q", orders.ErrValidation, req.Target)
	}
	o, err := tx.GetOrder(ctx, req.OrderID)
	if err != nil {
		return applied{}, err
	}
	if err := Authorize(o, req.ActorID, req.Role); err != nil {
		return applied{}, err
	}
	if req.Target == orders.StatusCancelled && o.Status == orders.StatusCancelled {
		return applied{order: o}, nil
	}

	rule, ok := orders.Lookup(o.Status, req.Target, req.Role)
	if !ok {
		return applied{}, &orders.TransitionError{From: o.Status, To: req.Target, Role: req.Role}
	}
	note := strings.TrimSpace(req.Note)
	if orders.RequiresReason(o.Status, req.Target, req.Role) && note == "" {
		return applied{}, orders.ErrReasonRequired
	}

	now := e.now()
	next := o
	next.Status = req.Target
	next.UpdatedAt = now
	switch req.Target {
	case orders.StatusProcessing:
		next.ApprovedAt = &now
	case orders.StatusShipped:
		if tn := strings.TrimSpace(req.TrackingNumber); tn != "" {
			next.TrackingNumber = tn
		}
	case orders.StatusCompleted:
		next.CompletedAt = &now
	case orders.StatusCancelled:
		if orders.RequiresReason(o.Status, req.Target, req.Role) {
			next.RejectionReason = note
		}
	}

	swapped, err := tx.CompareAndSetStatus(ctx, next, o.Status)
	if err != nil {
		return applied{}, err
	}
	if !swapped {
		return applied{}, fmt.Errorf("%w: %w", orders.ErrInvalidTransition, orders.ErrStatusConflict)
	}

	res := applied{order: next, from: o.Status, changed: true}
	switch rule.Effect {
	case orders.EffectRelease:
		res.released, err = e.Reservations.ReleaseOrder(ctx, tx, o.ID)
	case orders.EffectCommit:
		_, err = e.Reservations.CommitOrder(ctx, tx, o.ID)
	}
	if err != nil {
		return applied{}, fmt.Errorf("%s reservations of order %s: %w", rule.Effect, o.ID, err)
	}

	actor := req.ActorID
	if actor == "" && req.Role == orders.RoleSystem {
		actor = SystemActor
	}
	res.entry, err = e.History.Append(ctx, tx, orders.HistoryEntry{
		OrderID:   o.ID,
		OldStatus: o.Status,
		NewStatus: req.Target,
		ActorID:   actor,
		ActorRole: req.Role,
		Note:      note,
		CreatedAt: now,
	})
	if err != nil {
		return applied{}, err
	}
	return res, nil
}

func (e *Engine) afterTransition(ctx context.Context, res applied) {
	e.Metrics.Transition(string(res.from), string(res.order.Status), string(res.entry.ActorRole))
	e.log().Info("order transition",
		slog.String("order_id", res.order.ID),
		slog.String("from", string(res.from)),
		slog.String("to", string(res.order.Status)),
		slog.String("actor_role", string(res.entry.ActorRole)))
	e.invalidate(ctx, res.order.ID)
	e.publish(ctx, orders.EventOrderStatusChanged, res.order.ID, orders.StatusChangedPayload{
		OrderID:   res.order.ID,
		From:      res.from,
		To:        res.order.Status,
		ActorID:   res.entry.ActorID,
		ActorRole: res.entry.ActorRole,
		Note:      res.entry.Note,
		ChangedAt: res.entry.CreatedAt,
	})
}

// Authorize checks that the actor is a party of the order for its role.
func Authorize(o orders.Order, actorID string, role orders.Role) error {
	switch role {
	case orders.RoleCustomer:
		if actorID == "" || actorID != o.BuyerID {
			return fmt.Errorf("%w: customer %q is not the buyer of order %s", orders.ErrForbidden, actorID, o.ID)
		}
	case orders.RoleSeller:
		if actorID == "" || actorID != o.SellerID {
			return fmt.Errorf("%w: seller %q does not own order %s", orders.ErrForbidden, actorID, o.ID)
		}
	case orders.RoleAdmin, orders.RoleSystem:
	default:
		return fmt.Errorf("%w: unknown role %q", orders.ErrForbidden, role)
	}
	return nil
}

// OrderDetail is getOrder: the order with items, history, holds and refunds.
func (e *Engine) OrderDetail(ctx context.Context, orderID, actorID string, role orders.Role) (orders.OrderDetail, error) {
	o, err := e.Store.Order(ctx, orderID)
	if err != nil {
		return orders.OrderDetail{}, err
	}
	if err := Authorize(o, actorID, role); err != nil {
		return orders.OrderDetail{}, err
	}
	d := orders.OrderDetail{Order: o}
	if d.Items, err = e.Store.Items(ctx, orderID); err != nil {
		return orders.OrderDetail{}, err
	}
	if d.History, err = e.Store.History(ctx, orderID); err != nil {
		return orders.OrderDetail{}, err
	}
	if d.Reservations, err = e.Store.Reservations(ctx, orderID); err != nil {
		return orders.OrderDetail{}, err
	}
	if d.Refunds, err = e.Store.Refunds(ctx, orderID); err != nil {
		return orders.OrderDetail{}, err
	}
	return d, nil
}

func (e *Engine) publish(ctx context.Context, typ, orderID string, payload any) {
	if e.Events == nil {
		return
	}
	ev := orders.Event{Type: typ, OrderID: orderID, OccurredAt: e.now(), Payload: payload}
	if err := e.Events.Publish(ctx, ev); err != nil {
		e.log().Warn("publish event", slog.String("event_type", typ), slog.String("order_id", orderID), slog.String("error", err.Error()))
	}
}

func (e *Engine) invalidate(ctx context.Context, orderID string) {
	if e.Cache == nil {
		return
	}
	if err := e.Cache.Invalidate(ctx, orderID); err != nil {
		e.log().Warn("invalidate status cache", slog.String("order_id", orderID), slog.String("error", err.Error()))
	}
}

func (e *Engine) log() *slog.Logger { return logging.OrDiscard(e.Log) }

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now().UTC()
	}
	return e.Now()
}

// IsClientError reports whether err is caused by the request rather than the engine.
func IsClientError(err error) bool {
	return errors.Is(err, orders.ErrValidation) ||
		errors.Is(err, orders.ErrForbidden) ||
		errors.Is(err, orders.ErrNotFound) ||
		errors.Is(err, orders.ErrInvalidTransition) ||
		errors.Is(err, orders.ErrInsufficientStock)
}
