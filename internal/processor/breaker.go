package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fjod/go_cinema/internal/domain"
	"github.com/sony/gobreaker/v2"
)

// Breaker wraps a Processor with a circuit breaker. Only transient failures
// count towards tripping; an open breaker reports domain.ErrExternalUnavailable.
type Breaker struct {
	next Processor
	cb   *gobreaker.CircuitBreaker[any]
}

type BreakerSettings struct {
	MaxFailures uint32
	OpenTimeout time.Duration
}

func NewBreaker(next Processor, st BreakerSettings, log *slog.Logger) *Breaker {
	if st.MaxFailures == 0 {
		st.MaxFailures = 5
	}
	if st.OpenTimeout == 0 {
		st.OpenTimeout = 30 * time.Second
	}
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "payment-processor",
		MaxRequests: 1,
		Timeout:     st.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= st.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, domain.ErrExternalUnavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return &Breaker{next: next, cb: cb}
}

func (b *Breaker) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	v, err := b.cb.Execute(func() (any, error) {
		return b.next.CreateSession(ctx, req)
	})
	if err != nil {
		return Session{}, mapBreakerErr(err)
	}
	return v.(Session), nil
}

func (b *Breaker) ExpireSession(ctx context.Context, sessionRef string) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.next.ExpireSession(ctx, sessionRef)
	})
	return mapBreakerErr(err)
}

func (b *Breaker) Refund(ctx context.Context, intentRef, idempotencyKey string) (string, error) {
	v, err := b.cb.Execute(func() (any, error) {
		return b.next.Refund(ctx, intentRef, idempotencyKey)
	})
	if err != nil {
		return "", mapBreakerErr(err)
	}
	return v.(string), nil
}

func mapBreakerErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", domain.ErrExternalUnavailable, err)
	}
	return err
}
