package httpx

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/lifecycle"
	"github.com/ariefcatur/go-storefront-orders/internal/logging"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/ariefcatur/go-storefront-orders/internal/payment"
	"github.com/go-chi/chi/v5"
)

const maxWebhookBody = int64(65536)

type WebhookParser interface {
	ParseWebhook(payload []byte, signature string) (payment.Notification, bool, error)
}

type Deduper interface {
	FirstSeen(ctx context.Context, id string) (bool, error)
	Forget(ctx context.Context, id string) error
}

type PaymentsHandler struct {
	Parser WebhookParser
	Engine *lifecycle.Engine
	Dedup  Deduper
	Log    *slog.Logger
}

type webhookResp struct {
	Received    bool                 `json:"received"`
	Duplicate   bool                 `json:"duplicate,omitempty"`
	Ignored     bool                 `json:"ignored,omitempty"`
	OrderID     string               `json:"order_id,omitempty"`
	Payment     orders.PaymentStatus `json:"payment_status,omitempty"`
	OrderStatus orders.Status        `json:"order_status,omitempty"`
	Flagged     bool                 `json:"needs_reconciliation,omitempty"`
}

func (h *PaymentsHandler) Register(r chi.Router) {
	r.Post("/webhooks/payments", h.webhook)
}

func (h *PaymentsHandler) webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, r, http.StatusBadRequest, errorBody{Error: "cannot read body"})
		return
	}
	n, ok, err := h.Parser.ParseWebhook(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !ok {
		writeJSON(w, r, http.StatusOK, webhookResp{Received: true, Ignored: true})
		return
	}

	ctx, cancel := context.WithTimeout(traced(r), 5*time.Second)
	defer cancel()
	log := logging.OrDiscard(h.Log).With(slog.String("order_id", n.OrderID), slog.String("event_id", n.EventID))

	if h.Dedup != nil && n.EventID != "" {
		first, err := h.Dedup.FirstSeen(ctx, n.EventID)
		if err != nil {
			log.Warn("webhook dedup", slog.String("error", err.Error()))
		} else if !first {
			writeJSON(w, r, http.StatusOK, webhookResp{Received: true, Duplicate: true, OrderID: n.OrderID})
			return
		}
	}

	o, err := h.Engine.OnPaymentResult(ctx, n.OrderID, lifecycle.PaymentResult{Status: n.Status, Ref: n.Ref})
	switch {
	case errors.Is(err, orders.ErrPaymentReconciliationConflict):
		log.Warn("payment flagged for reconciliation")
		writeJSON(w, r, http.StatusAccepted, webhookResp{
			Received: true, OrderID: o.ID, Payment: o.PaymentStatus, OrderStatus: o.Status, Flagged: true,
		})
		return
	case err != nil:
		// let the gateway retry
		if h.Dedup != nil && n.EventID != "" {
			_ = h.Dedup.Forget(ctx, n.EventID)
		}
		log.Error("payment notification", slog.String("error", err.Error()))
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, webhookResp{
		Received: true, OrderID: o.ID, Payment: o.PaymentStatus, OrderStatus: o.Status,
	})
}
