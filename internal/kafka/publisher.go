package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

const (
	HeaderEventType    = "x-event-type"
	HeaderEventVersion = "x-event-version"
)

// Sink is the part of Producer the publisher needs.
type Sink interface {
	Publish(topic string, key, value []byte, headers ...kafka.Header)
}

// EventPublisher wraps engine events into v1 envelopes keyed by order id.
type EventPublisher struct {
	Sink    Sink
	Service string
}

func (p *EventPublisher) Publish(ctx context.Context, ev orders.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", ev.Type, err)
	}
	occurred := ev.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	env := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     ev.Type,
		EventVersion:  1,
		OccurredAt:    occurred.UTC(),
		Producer:      p.Service,
		TraceID:       traceID(ctx),
		CorrelationID: ev.OrderID,
		Payload:       payload,
	}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	p.Sink.Publish(orders.TopicFor(ev.Type), orders.PartitionKey(ev.OrderID), b,
		kafka.Header{Key: HeaderEventType, Value: []byte(ev.Type)},
		kafka.Header{Key: HeaderEventVersion, Value: []byte("1")},
	)
	return nil
}

type traceKey struct{}

// WithTrace attaches a trace id (the request id at the HTTP edge) to ctx.
func WithTrace(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

func traceID(ctx context.Context) string {
	id, _ := ctx.Value(traceKey{}).(string)
	return id
}
