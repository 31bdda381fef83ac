package timeline

import (
	"context"
	"fmt"

	kafkax "github.com/ariefcatur/go-storefront-orders/internal/kafka"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/segmentio/kafka-go"
)

type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// Projector consumes the status topic and records each change.
type Projector struct {
	Recorder Recorder
}

func (p *Projector) Handle(ctx context.Context, m kafka.Message) error {
	env, err := kafkax.UnmarshalEnvelope(m.Value)
	if err != nil {
		// poison message, skip so the partition keeps moving
		return nil
	}
	if env.EventType != orders.EventOrderStatusChanged {
		return nil
	}
	pl, err := kafkax.UnwrapPayload[orders.StatusChangedPayload](env.Payload)
	if err != nil {
		return nil
	}
	changed := pl.ChangedAt
	if changed.IsZero() {
		changed = env.OccurredAt
	}
	if err := p.Recorder.Record(ctx, Entry{
		OrderID:   pl.OrderID,
		ChangedAt: changed,
		EventID:   env.EventID,
		From:      pl.From,
		To:        pl.To,
		ActorID:   pl.ActorID,
		ActorRole: pl.ActorRole,
		Note:      pl.Note,
	}); err != nil {
		return fmt.Errorf("project %s for order %s: %w", env.EventID, pl.OrderID, err)
	}
	return nil
}
