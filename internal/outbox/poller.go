package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/fjod/go_cinema/internal/domain"
	"github.com/fjod/go_cinema/internal/repository"
	"github.com/segmentio/kafka-go"
)

const (
	TopicNotifications = "notifications"
	TopicOrderEvents   = "order-events"

	batchSize = 100
)

// Writer is the part of *kafka.Writer the poller needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewKafkaWriter(brokers ...string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		WriteTimeout:           10 * time.Second,
		RequiredAcks:           kafka.RequireAll,
	}
}

// Poller publishes committed outbox rows. A row stays unprocessed until the
// broker acknowledged it, so delivery is at least once.
type Poller struct {
	store  repository.Store
	writer Writer
	tick   time.Duration
	log    *slog.Logger
}

func NewPoller(store repository.Store, writer Writer, tick time.Duration, log *slog.Logger) *Poller {
	if tick <= 0 {
		tick = time.Second
	}
	return &Poller{store: store, writer: writer, tick: tick, log: log}
}

func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.PublishPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// PublishPending publishes one batch and returns how many rows were marked
// processed.
func (p *Poller) PublishPending(ctx context.Context) int {
	var events []*domain.OutboxEvent
	err := p.store.WithTx(ctx, func(q repository.Queries) (err error) {
		events, err = q.GetUnprocessedEvents(ctx, batchSize)
		return err
	})
	if err != nil {
		p.log.ErrorContext(ctx, "failed to fetch outbox events", "error", err)
		return 0
	}

	published := 0
	for _, event := range events {
		if err := p.publish(ctx, event); err != nil {
			p.log.WarnContext(ctx, "failed to publish outbox event",
				"event_id", event.ID, "event_type", event.EventType, "error", err)
			continue
		}

		err := p.store.WithTx(ctx, func(q repository.Queries) error {
			return q.MarkEventAsProcessed(ctx, event.ID)
		})
		if err != nil {
			p.log.ErrorContext(ctx, "failed to mark outbox event as processed", "event_id", event.ID, "error", err)
			continue
		}
		published++
	}
	return published
}

func (p *Poller) publish(ctx context.Context, event *domain.OutboxEvent) error {
	msg := kafka.Message{
		Topic: TopicFor(event),
		// aggregate id keeps one order's or user's events on one partition
		Key:   []byte(event.AggregateID),
		Value: event.Payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
		},
		Time: event.CreatedAt,
	}
	return p.writer.WriteMessages(ctx, msg)
}

func TopicFor(event *domain.OutboxEvent) string {
	if event.IsNotification() {
		return TopicNotifications
	}
	return TopicOrderEvents
}
