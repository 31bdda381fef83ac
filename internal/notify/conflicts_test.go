package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	kafkax "github.com/ariefcatur/go-storefront-orders/internal/kafka"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/ariefcatur/go-storefront-orders/internal/redisx"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct{ to, subject, body string }

type senderStub struct {
	mails []sent
	err   error
}

func (s *senderStub) Send(_ context.Context, to, subject, body string) error {
	if s.err != nil {
		return s.err
	}
	s.mails = append(s.mails, sent{to, subject, body})
	return nil
}

func conflictMessage(eventID string) kafka.Message {
	env := orders.Envelope{
		EventID:    eventID,
		EventType:  orders.EventPaymentConflict,
		OccurredAt: time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC),
		Payload: kafkax.MustMarshal(orders.PaymentPayload{
			OrderID: "o-9", PaymentStatus: orders.PaymentPaid, PaymentRef: "cs_9",
			OrderStatus: orders.StatusCancelled, TotalCents: 12345,
		}),
	}
	return kafka.Message{Value: kafkax.MustMarshal(env)}
}

func newDedup(t *testing.T) *redisx.Dedup {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return redisx.NewDedup(rdb, "notify")
}

func TestConflictNotifierMailsOnce(t *testing.T) {
	s := &senderStub{}
	n := &ConflictNotifier{Sender: s, To: "ops@shop.test", Dedup: newDedup(t)}

	require.NoError(t, n.Handle(context.Background(), conflictMessage("evt-1")))
	require.NoError(t, n.Handle(context.Background(), conflictMessage("evt-1")))

	require.Len(t, s.mails, 1)
	assert.Equal(t, "ops@shop.test", s.mails[0].to)
	assert.Contains(t, s.mails[0].subject, "o-9")
	assert.Contains(t, s.mails[0].body, "cs_9")
	assert.Contains(t, s.mails[0].body, "123.45")
}

func TestConflictNotifierRetriesAfterSendFailure(t *testing.T) {
	s := &senderStub{err: errors.New("smtp down")}
	n := &ConflictNotifier{Sender: s, To: "ops@shop.test", Dedup: newDedup(t)}

	require.Error(t, n.Handle(context.Background(), conflictMessage("evt-2")))

	s.err = nil
	require.NoError(t, n.Handle(context.Background(), conflictMessage("evt-2")))
	assert.Len(t, s.mails, 1)
}

func TestConflictNotifierIgnoresOtherEvents(t *testing.T) {
	s := &senderStub{}
	n := &ConflictNotifier{Sender: s, To: "ops@shop.test"}

	env := orders.Envelope{EventID: "e", EventType: orders.EventPaymentRecorded, Payload: kafkax.MustMarshal(orders.PaymentPayload{})}
	require.NoError(t, n.Handle(context.Background(), kafka.Message{Value: kafkax.MustMarshal(env)}))
	assert.Empty(t, s.mails)
}
