package lifecycle_test

import (
	"context"
	"testing"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/lifecycle"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompletingDeliveredOrderCommitsHolds(t *testing.T) {
	f := newFixture(t)
	id := f.place(t, orders.PaymentCOD, 2)
	f.deliver(t, id)

	before := len(f.history(t, id))
	o := f.move(t, id, orders.StatusCompleted, buyer, orders.RoleCustomer)

	assert.Equal(t, orders.StatusCompleted, o.Status)
	require.NotNil(t, o.CompletedAt)

	p := f.product(t)
	assert.Equal(t, 3, p.TotalStock)
	assert.Equal(t, 0, p.ReservedStock)
	for _, r := range f.reservations(t, id) {
		assert.Equal(t, orders.ReservationCommitted, r.Status)
	}

	h := f.history(t, id)
	require.Len(t, h, before+1)
	last := h[len(h)-1]
	assert.Equal(t, orders.StatusDelivered, last.OldStatus)
	assert.Equal(t, orders.StatusCompleted, last.NewStatus)
	assert.Equal(t, orders.RoleCustomer, last.ActorRole)
	assert.Equal(t, buyer, last.ActorID)
}

func TestHistoryOnlyMovesForwardOrIntoSinks(t *testing.T) {
	f := newFixture(t)
	id := f.place(t, orders.PaymentCOD, 1)
	f.deliver(t, id)
	f.move(t, id, orders.StatusCompleted, buyer, orders.RoleCustomer)

	h := f.history(t, id)
	require.Len(t, h, 5)
	assert.Equal(t, orders.Status(""), h[0].OldStatus)
	assert.Equal(t, orders.StatusPending, h[0].NewStatus)
	for i := 1; i < len(h); i++ {
		prev, next := h[i-1].NewStatus, h[i].NewStatus
		assert.Equal(t, prev, h[i].OldStatus)
		assert.True(t, next.IsSink() || next.Index() > prev.Index(), "%s -> %s", prev, next)
	}
}

func TestBackwardTransitionRejectedForEveryRole(t *testing.T) {
	f := newFixture(t)
	id := f.place(t, orders.PaymentCOD, 1)
	f.move(t, id, orders.StatusProcessing, seller, orders.RoleSeller)
	f.move(t, id, orders.StatusShipped, seller, orders.RoleSeller)
	before := len(f.history(t, id))

	actors := map[orders.Role]string{
		orders.RoleCustomer: buyer,
		orders.RoleSeller:   seller,
		orders.RoleAdmin:    "admin-1",
		orders.RoleSystem:   lifecycle.SystemActor,
	}
	for role, actor := range actors {
		_, err := f.engine.Transition(context.Background(), lifecycle.Request{
			OrderID: id, Target: orders.StatusPending, ActorID: actor, Role: role,
		})
		assert.ErrorIs(t, err, orders.ErrInvalidTransition, "role %s", role)
	}
	assert.Equal(t, orders.StatusShipped, f.order(t, id).Status)
	assert.Len(t, f.history(t, id), before)
}

func TestWrongRoleNamedInError(t *testing.T) {
	f := newFixture(t)
	id := f.place(t, orders.PaymentCOD, 1)

	_, err := f.engine.Transition(context.Background(), lifecycle.Request{
		OrderID: id, Target: orders.StatusProcessing, ActorID: buyer, Role: orders.RoleCustomer,
	})
	require.ErrorIs(t, err, orders.ErrInvalidTransition)
	assert.Contains(t, err.Error(), "customer")
	assert.Contains(t, err.Error(), "pending")
	assert.Contains(t, err.Error(), "processing")
}

func TestSellerRejectionNeedsReason(t *testing.T) {
	f := newFixture(t)
	id := f.place(t, orders.PaymentCOD, 2)

	_, err := f.engine.Transition(context.Background(), lifecycle.Request{
		OrderID: id, Target: orders.StatusCancelled, ActorID: seller, Role: orders.RoleSeller, Note: "   ",
	})
	require.ErrorIs(t, err, orders.ErrReasonRequired)
	assert.ErrorIs(t, err, orders.ErrInvalidTransition)
	assert.Equal(t, orders.StatusPending, f.order(t, id).Status)
	assert.Equal(t, 2, f.product(t).ReservedStock)

	o, err := f.engine.Transition(context.Background(), lifecycle.Request{
		OrderID: id, Target: orders.StatusCancelled, ActorID: seller, Role: orders.RoleSeller, Note: "out of stock in warehouse",
	})
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCancelled, o.Status)
	assert.Equal(t, "out of stock in warehouse", f.order(t, id).RejectionReason)

	p := f.product(t)
	assert.Equal(t, 5, p.TotalStock)
	assert.Equal(t, 0, p.ReservedStock)
}

func TestBuyerCancelNeedsNoReasonAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	id := f.place(t, orders.PaymentCOD, 1)

	f.move(t, id, orders.StatusCancelled, buyer, orders.RoleCustomer)
	n := len(f.history(t, id))
	statusEvents := f.events.count(orders.EventOrderStatusChanged)

	o := f.move(t, id, orders.StatusCancelled, buyer, orders.RoleCustomer)
	assert.Equal(t, orders.StatusCancelled, o.Status)
	assert.Len(t, f.history(t, id), n)
	assert.Equal(t, statusEvents, f.events.count(orders.EventOrderStatusChanged))
	assert.Empty(t, f.order(t, id).RejectionReason)
}

func TestSinksAreTerminal(t *testing.T) {
	f := newFixture(t)
	id := f.place(t, orders.PaymentCOD, 1)
	f.move(t, id, orders.StatusCancelled, "admin-1", orders.RoleAdmin)

	_, err := f.engine.Transition(context.Background(), lifecycle.Request{
		OrderID: id, Target: orders.StatusProcessing, ActorID: seller, Role: orders.RoleSeller,
	})
	assert.ErrorIs(t, err, orders.ErrInvalidTransition)
}

func TestProcessingCancelReleasesHolds(t *testing.T) {
	f := newFixture(t)
	id := f.place(t, orders.PaymentCOD, 3)
	f.move(t, id, orders.StatusProcessing, seller, orders.RoleSeller)

	f.move(t, id, orders.StatusCancelled, seller, orders.RoleSeller)

	assert.Equal(t, 0, f.product(t).ReservedStock)
	for _, r := range f.reservations(t, id) {
		assert.Equal(t, orders.ReservationReleased, r.Status)
	}
}

func TestActorsMustOwnTheOrder(t *testing.T) {
	f := newFixture(t)
	id := f.place(t, orders.PaymentCOD, 1)

	_, err := f.engine.Transition(context.Background(), lifecycle.Request{
		OrderID: id, Target: orders.StatusCancelled, ActorID: "someone-else", Role: orders.RoleCustomer,
	})
	assert.ErrorIs(t, err, orders.ErrForbidden)

	_, err = f.engine.Transition(context.Background(), lifecycle.Request{
		OrderID: id, Target: orders.StatusProcessing, ActorID: "store-2", Role: orders.RoleSeller,
	})
	assert.ErrorIs(t, err, orders.ErrForbidden)

	_, err = f.engine.OrderDetail(context.Background(), id, "store-2", orders.RoleSeller)
	assert.ErrorIs(t, err, orders.ErrForbidden)
}

func TestLostCompareAndSetLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	id := f.place(t, orders.PaymentCOD, 1)
	before := len(f.history(t, id))

	racing := *f.engine
	racing.Store = casLosingStore{f.store}
	_, err := racing.Transition(context.Background(), lifecycle.Request{
		OrderID: id, Target: orders.StatusCancelled, ActorID: buyer, Role: orders.RoleCustomer,
	})
	require.ErrorIs(t, err, orders.ErrInvalidTransition)
	assert.ErrorIs(t, err, orders.ErrStatusConflict)

	assert.Equal(t, orders.StatusPending, f.order(t, id).Status)
	assert.Len(t, f.history(t, id), before)
	assert.Equal(t, 1, f.product(t).ReservedStock)
}

func TestExpiredPendingOrderIsCancelledBySystem(t *testing.T) {
	f := newFixture(t)
	id := f.place(t, orders.PaymentCOD, 2)

	f.clock.Advance(25 * time.Hour)
	rep, err := f.res.ExpireDue(context.Background(), f.clock.Now(), f.engine)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Due)
	assert.Equal(t, 1, rep.Cancelled)

	o := f.order(t, id)
	assert.Equal(t, orders.StatusCancelled, o.Status)
	h := f.history(t, id)
	assert.Equal(t, orders.RoleSystem, h[len(h)-1].ActorRole)
	for _, r := range f.reservations(t, id) {
		assert.Equal(t, orders.ReservationReleased, r.Status)
	}
	p := f.product(t)
	assert.Equal(t, 5, p.TotalStock)
	assert.Equal(t, 0, p.ReservedStock)
	assert.Equal(t, 1, f.events.count(orders.EventReservationsReleased))

	rep, err = f.res.ExpireDue(context.Background(), f.clock.Now(), f.engine)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Due)
}

func TestExpirySkipsOrdersThatProgressed(t *testing.T) {
	f := newFixture(t)
	id := f.place(t, orders.PaymentCOD, 1)
	f.move(t, id, orders.StatusProcessing, seller, orders.RoleSeller)

	f.clock.Advance(48 * time.Hour)
	rep, err := f.res.ExpireDue(context.Background(), f.clock.Now(), f.engine)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Due)
	assert.Equal(t, orders.StatusProcessing, f.order(t, id).Status)
	assert.Equal(t, 1, f.product(t).ReservedStock)

	err = f.engine.CancelExpired(context.Background(), id)
	assert.ErrorIs(t, err, orders.ErrInvalidTransition)
}

func TestOrderDetail(t *testing.T) {
	f := newFixture(t)
	id := f.place(t, orders.PaymentGateway, 1)

	d, err := f.engine.OrderDetail(context.Background(), id, buyer, orders.RoleCustomer)
	require.NoError(t, err)
	assert.Equal(t, id, d.Order.ID)
	assert.Equal(t, "https://pay.test/"+id, d.Order.PaymentURL)
	require.Len(t, d.Items, 1)
	assert.Equal(t, int64(1000), d.Items[0].UnitPriceCents)
	require.Len(t, d.Reservations, 1)
	assert.Len(t, d.History, 1)
	assert.Empty(t, d.Refunds)

	_, err = f.engine.OrderDetail(context.Background(), id, "admin-1", orders.RoleAdmin)
	assert.NoError(t, err)
	_, err = f.engine.OrderDetail(context.Background(), "missing", "admin-1", orders.RoleAdmin)
	assert.ErrorIs(t, err, orders.ErrNotFound)
}
