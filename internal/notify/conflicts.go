package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	kafkax "github.com/ariefcatur/go-storefront-orders/internal/kafka"
	"github.com/ariefcatur/go-storefront-orders/internal/logging"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/segmentio/kafka-go"
)

type Deduper interface {
	FirstSeen(ctx context.Context, id string) (bool, error)
	Forget(ctx context.Context, id string) error
}

// ConflictNotifier mails the admin once per payment reconciliation conflict.
type ConflictNotifier struct {
	Sender Sender
	To     string
	Dedup  Deduper
	Log    *slog.Logger
}

func (n *ConflictNotifier) Handle(ctx context.Context, m kafka.Message) error {
	env, err := kafkax.UnmarshalEnvelope(m.Value)
	if err != nil || env.EventType != orders.EventPaymentConflict {
		return nil
	}
	pl, err := kafkax.UnwrapPayload[orders.PaymentPayload](env.Payload)
	if err != nil {
		return nil
	}

	if n.Dedup != nil {
		first, err := n.Dedup.FirstSeen(ctx, env.EventID)
		if err != nil {
			return fmt.Errorf("dedup %s: %w", env.EventID, err)
		}
		if !first {
			return nil
		}
	}

	if err := n.Sender.Send(ctx, n.To, conflictSubject(pl), conflictBody(pl, env)); err != nil {
		if n.Dedup != nil {
			_ = n.Dedup.Forget(ctx, env.EventID)
		}
		return err
	}
	logging.OrDiscard(n.Log).Info("reconciliation mail sent", slog.String("order_id", pl.OrderID), slog.String("event_id", env.EventID))
	return nil
}

func conflictSubject(pl orders.PaymentPayload) string {
	return fmt.Sprintf("[storefront] payment needs reconciliation: order %s", pl.OrderID)
}

func conflictBody(pl orders.PaymentPayload, env orders.Envelope) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A payment was confirmed for an order whose stock hold had already been released.\n\n")
	fmt.Fprintf(&b, "Order:        %s\n", pl.OrderID)
	fmt.Fprintf(&b, "Order status: %s\n", pl.OrderStatus)
	fmt.Fprintf(&b, "Payment ref:  %s\n", pl.PaymentRef)
	fmt.Fprintf(&b, "Amount:       %d.%02d\n", pl.TotalCents/100, pl.TotalCents%100)
	fmt.Fprintf(&b, "Reported at:  %s\n\n", env.OccurredAt.Format("2006-01-02 15:04:05 MST"))
	b.WriteString("Refund the payment or restock and fulfil the order manually.\n")
	return b.String()
}
