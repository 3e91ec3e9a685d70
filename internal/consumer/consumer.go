package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fjod/go_cinema/internal/domain"
	"github.com/fjod/go_cinema/internal/processor"
	"github.com/segmentio/kafka-go"
)

const (
	TopicPaymentNotifications = "payment-notifications"
	groupID                   = "commerce-payments"

	// SignatureHeader marks a message carrying the raw signed processor
	// payload instead of a decoded notification.
	SignatureHeader = "processor-signature"

	minBackoff = 200 * time.Millisecond
	maxBackoff = 5 * time.Second
)

// Submitter applies a notification; payment.Dispatcher satisfies it.
type Submitter interface {
	Submit(ctx context.Context, n domain.Notification) error
}

// MessageReader is the part of *kafka.Reader the consumer needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewKafkaReader(brokers ...string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    TopicPaymentNotifications,
		GroupID:  groupID,
		MaxBytes: 10e6, // 10MB
	})
}

// Consumer feeds payment notifications from Kafka into the dispatcher. An
// offset is committed only once its notification was applied or found
// unusable, so a crash redelivers instead of losing a status change.
type Consumer struct {
	reader    MessageReader
	submitter Submitter
	parser    processor.WebhookParser
	log       *slog.Logger
}

// NewConsumer builds a consumer; parser may be nil when only decoded
// notifications are published to the topic.
func NewConsumer(reader MessageReader, submitter Submitter, parser processor.WebhookParser, log *slog.Logger) *Consumer {
	return &Consumer{reader: reader, submitter: submitter, parser: parser, log: log}
}

func (c *Consumer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			c.log.ErrorContext(ctx, "error reading message", "error", err)
			if !sleep(ctx, minBackoff) {
				return
			}
			continue
		}
		if err := c.handle(ctx, m); err != nil {
			return
		}
	}
}

func (c *Consumer) Close() {
	if err := c.reader.Close(); err != nil {
		c.log.Error("error closing kafka reader", "error", err)
	}
}

// handle retries transient failures until ctx ends; it returns an error only
// in that case.
func (c *Consumer) handle(ctx context.Context, m kafka.Message) error {
	logger := c.log.With("partition", m.Partition, "offset", m.Offset)

	n, err := c.decode(m)
	switch {
	case err != nil:
		logger.WarnContext(ctx, "dropping undecodable payment notification", "error", err)
		return c.commit(ctx, m)
	case n == nil:
		return c.commit(ctx, m)
	}

	backoff := minBackoff
	for {
		err := c.submitter.Submit(ctx, *n)
		if err == nil {
			return c.commit(ctx, m)
		}
		if errors.Is(err, domain.ErrValidation) {
			logger.WarnContext(ctx, "dropping invalid payment notification", "event_id", n.IdempotencyID, "error", err)
			return c.commit(ctx, m)
		}
		logger.ErrorContext(ctx, "failed to apply payment notification, retrying",
			"event_id", n.IdempotencyID, "error", err, "backoff", backoff)
		if !sleep(ctx, backoff) {
			return ctx.Err()
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (c *Consumer) decode(m kafka.Message) (*domain.Notification, error) {
	for _, h := range m.Headers {
		if h.Key != SignatureHeader {
			continue
		}
		if c.parser == nil {
			return nil, fmt.Errorf("%w: signed payload but no parser configured", domain.ErrValidation)
		}
		return c.parser.Parse(m.Value, string(h.Value))
	}

	var n domain.Notification
	if err := json.Unmarshal(m.Value, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return &n, nil
}

func (c *Consumer) commit(ctx context.Context, m kafka.Message) error {
	if err := c.reader.CommitMessages(ctx, m); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// the message is redelivered after a rebalance and deduplicated then
		c.log.ErrorContext(ctx, "failed to commit offset", "offset", m.Offset, "error", err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
