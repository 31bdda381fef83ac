package kafka

import (
	"context"
	"log/slog"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/logging"
	"github.com/segmentio/kafka-go"
)

// Producer writes to any topic; the topic is set per message.
type Producer struct {
	w       *kafka.Writer
	inbox   chan kafka.Message
	done    chan struct{} // closed once Start's ctx ends
	closeCh chan struct{}
	log     *slog.Logger
}

func NewProducer(brokers []string, buf int, log *slog.Logger) *Producer {
	return &Producer{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
		inbox:   make(chan kafka.Message, buf),
		done:    make(chan struct{}),
		closeCh: make(chan struct{}),
		log:     logging.OrDiscard(log),
	}
}

// Start runs the write loop until ctx ends, then flushes what is already
// queued and closes the writer. Cancelling ctx is the only shutdown path.
func (p *Producer) Start(ctx context.Context) {
	go func() {
		defer close(p.closeCh)
		defer func() { _ = p.w.Close() }()
		for {
			select {
			case <-ctx.Done():
				close(p.done)
				// flush sisa pesan yang sudah masuk inbox
				for {
					select {
					case m := <-p.inbox:
						p.write(m)
					default:
						return
					}
				}
			case m := <-p.inbox:
				p.write(m)
			}
		}
	}()
}

func (p *Producer) write(m kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.w.WriteMessages(ctx, m); err != nil {
		p.log.Error("kafka write", slog.String("topic", m.Topic), slog.String("key", string(m.Key)), slog.String("error", err.Error()))
	}
}

// Publish queues a message. It blocks while the inbox is full and drops the
// message once the producer has stopped.
func (p *Producer) Publish(topic string, key, value []byte, headers ...kafka.Header) {
	m := kafka.Message{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Time:    time.Now(),
		Headers: headers,
	}
	select {
	case <-p.done:
		p.dropped(m)
		return
	default:
	}
	select {
	case p.inbox <- m:
	case <-p.done:
		p.dropped(m)
	}
}

func (p *Producer) dropped(m kafka.Message) {
	p.log.Warn("kafka producer stopped; message dropped", slog.String("topic", m.Topic), slog.String("key", string(m.Key)))
}

// Tunggu sampai goroutine selesai.
func (p *Producer) WaitClosed() { <-p.closeCh }
