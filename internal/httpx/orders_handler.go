package httpx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/checkout"
	kafkax "github.com/ariefcatur/go-storefront-orders/internal/kafka"
	"github.com/ariefcatur/go-storefront-orders/internal/lifecycle"
	"github.com/ariefcatur/go-storefront-orders/internal/logging"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/ariefcatur/go-storefront-orders/internal/redisx"
	"github.com/ariefcatur/go-storefront-orders/internal/timeline"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// TimelineReader serves the Cassandra projection; nil disables the endpoint.
type TimelineReader interface {
	Timeline(ctx context.Context, orderID string) ([]timeline.Entry, error)
}

type OrdersHandler struct {
	Checkout *checkout.Orchestrator
	Engine   *lifecycle.Engine
	Store    orders.Store
	Cache    *redisx.StatusCache
	Idem     *redisx.Idempotency
	Timeline TimelineReader
	Auth     *Authenticator
	Log      *slog.Logger
}

type CheckoutLineReq struct {
	ProductID string `json:"product_id" validate:"required"`
	SellerID  string `json:"seller_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"gt=0"`
}

type CheckoutReq struct {
	Lines          []CheckoutLineReq `json:"lines" validate:"required,min=1,dive"`
	AddressID      string            `json:"address_id" validate:"required"`
	PaymentMethod  string            `json:"payment_method" validate:"required,oneof=cod gateway"`
	CouponCode     string            `json:"coupon_code"`
	IdempotencyKey string            `json:"idempotency_key" validate:"omitempty,max=128"`
}

type TransitionReq struct {
	Target         string `json:"target" validate:"required"`
	Note           string `json:"note" validate:"max=1000"`
	TrackingNumber string `json:"tracking_number" validate:"max=128"`
}

type RefundReq struct {
	Reason      string `json:"reason" validate:"required,max=1000"`
	AmountCents int64  `json:"amount_cents" validate:"gt=0"`
}

type ResolveRefundReq struct {
	Approve *bool  `json:"approve" validate:"required"`
	Note    string `json:"note" validate:"max=1000"`
}

type StatusResp struct {
	OrderID       string               `json:"order_id"`
	Status        orders.Status        `json:"status"`
	PaymentStatus orders.PaymentStatus `json:"payment_status"`
	UpdatedAt     time.Time            `json:"updated_at"`
	Cached        bool                 `json:"cached"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.Auth.Middleware)
		r.With(RequireRole(orders.RoleCustomer)).Post("/checkout", h.checkout)
		r.Post("/orders/{id}/transitions", h.transition)
		r.With(RequireRole(orders.RoleCustomer)).Post("/orders/{id}/refunds", h.requestRefund)
		r.With(RequireRole(orders.RoleAdmin)).Post("/refunds/{id}/resolve", h.resolveRefund)
		r.Get("/orders/{id}", h.getOrder)
		r.Get("/orders/{id}/status", h.getStatus)
		r.Get("/orders/{id}/timeline", h.getTimeline)
	})
}

func traced(r *http.Request) context.Context {
	return kafkax.WithTrace(r.Context(), middleware.GetReqID(r.Context()))
}

func (h *OrdersHandler) checkout(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	var req CheckoutReq
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" {
		key = req.IdempotencyKey
	}

	ctx, cancel := context.WithTimeout(traced(r), 10*time.Second)
	defer cancel()

	idem := key != "" && h.Idem != nil
	if idem {
		claimed, err := h.Idem.Claim(ctx, actor.ID, key)
		if err != nil {
			writeError(w, r, fmt.Errorf("idempotency claim: %w", err))
			return
		}
		if !claimed {
			h.replay(ctx, w, r, actor.ID, key)
			return
		}
	}

	in := checkout.Request{
		BuyerID:        actor.ID,
		AddressID:      req.AddressID,
		PaymentMethod:  orders.PaymentMethod(req.PaymentMethod),
		CouponCode:     req.CouponCode,
		IdempotencyKey: key,
	}
	for _, l := range req.Lines {
		in.Lines = append(in.Lines, checkout.Line{ProductID: l.ProductID, SellerID: l.SellerID, Quantity: l.Quantity})
	}

	res, err := h.Checkout.Checkout(ctx, in)
	if err != nil {
		if idem {
			// nothing was placed; let the buyer retry with the same key
			if rerr := h.Idem.Release(context.WithoutCancel(ctx), actor.ID, key); rerr != nil {
				h.log().Warn("idempotency release", slog.String("error", rerr.Error()))
			}
		}
		if errors.Is(err, orders.ErrCheckoutFailed) {
			writeJSON(w, r, http.StatusConflict, res)
			return
		}
		writeError(w, r, err)
		return
	}
	if idem {
		if err := h.Idem.Remember(context.WithoutCancel(ctx), actor.ID, key, res); err != nil {
			h.log().Warn("idempotency remember", slog.String("checkout_id", res.CheckoutID), slog.String("error", err.Error()))
		}
	}
	writeJSON(w, r, http.StatusCreated, res)
}

// replay answers a checkout whose key was already claimed: the stored result
// when there is one, 409 while the first request is still running.
func (h *OrdersHandler) replay(ctx context.Context, w http.ResponseWriter, r *http.Request, buyerID, key string) {
	var prev checkout.Result
	found, err := h.Idem.Recall(ctx, buyerID, key, &prev)
	switch {
	case errors.Is(err, redisx.ErrInFlight), err == nil && !found:
		writeJSON(w, r, http.StatusConflict, errorBody{Error: "a checkout with this idempotency key is in progress"})
	case err != nil:
		writeError(w, r, fmt.Errorf("idempotency recall: %w", err))
	default:
		w.Header().Set("Idempotent-Replay", "true")
		writeJSON(w, r, http.StatusOK, prev)
	}
}

func (h *OrdersHandler) transition(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	var req TransitionReq
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ctx, cancel := context.WithTimeout(traced(r), 5*time.Second)
	defer cancel()

	o, err := h.Engine.Transition(ctx, lifecycle.Request{
		OrderID:        chi.URLParam(r, "id"),
		Target:         orders.Status(req.Target),
		ActorID:        actor.ID,
		Role:           actor.Role,
		Note:           req.Note,
		TrackingNumber: req.TrackingNumber,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, o)
}

func (h *OrdersHandler) requestRefund(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	var req RefundReq
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ctx, cancel := context.WithTimeout(traced(r), 5*time.Second)
	defer cancel()

	rr, err := h.Engine.RequestRefund(ctx, chi.URLParam(r, "id"), actor.ID, req.Reason, req.AmountCents)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, rr)
}

func (h *OrdersHandler) resolveRefund(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	var req ResolveRefundReq
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ctx, cancel := context.WithTimeout(traced(r), 5*time.Second)
	defer cancel()

	rr, err := h.Engine.ResolveRefund(ctx, chi.URLParam(r, "id"), actor.ID, *req.Approve, req.Note)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rr)
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	d, err := h.Engine.OrderDetail(ctx, chi.URLParam(r, "id"), actor.ID, actor.Role)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, d)
}

func (h *OrdersHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	orderID := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	// 1) coba cache
	if h.Cache != nil {
		cs, ok, err := h.Cache.Get(ctx, orderID)
		if err != nil {
			h.log().Warn("status cache get", slog.String("order_id", orderID), slog.String("error", err.Error()))
		}
		if ok {
			if err := lifecycle.Authorize(orders.Order{ID: cs.OrderID, BuyerID: cs.BuyerID, SellerID: cs.SellerID}, actor.ID, actor.Role); err != nil {
				writeError(w, r, err)
				return
			}
			writeJSON(w, r, http.StatusOK, StatusResp{OrderID: cs.OrderID, Status: cs.Status, PaymentStatus: cs.PaymentStatus, UpdatedAt: cs.UpdatedAt, Cached: true})
			return
		}
	}

	// 2) fallback DB
	o, err := h.Store.Order(ctx, orderID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := lifecycle.Authorize(o, actor.ID, actor.Role); err != nil {
		writeError(w, r, err)
		return
	}
	if h.Cache != nil {
		if _, err := h.Cache.Fill(ctx, o); err != nil {
			h.log().Warn("status cache fill", slog.String("order_id", orderID), slog.String("error", err.Error()))
		}
	}
	writeJSON(w, r, http.StatusOK, StatusResp{OrderID: o.ID, Status: o.Status, PaymentStatus: o.PaymentStatus, UpdatedAt: o.UpdatedAt})
}

func (h *OrdersHandler) getTimeline(w http.ResponseWriter, r *http.Request) {
	if h.Timeline == nil {
		writeJSON(w, r, http.StatusNotImplemented, errorBody{Error: "timeline projection is not configured"})
		return
	}
	actor, _ := ActorFrom(r.Context())
	orderID := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.Store.Order(ctx, orderID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := lifecycle.Authorize(o, actor.ID, actor.Role); err != nil {
		writeError(w, r, err)
		return
	}
	entries, err := h.Timeline.Timeline(ctx, orderID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, entries)
}

func (h *OrdersHandler) log() *slog.Logger { return logging.OrDiscard(h.Log) }
