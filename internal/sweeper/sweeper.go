package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fjod/go_cinema/internal/repository"
)

const leaseKey = "sweeper:security_tokens"

type Config struct {
	Interval time.Duration
	// Grace keeps a token around for a while after it expires, so a request
	// racing the expiry still reads ErrExpired rather than not found.
	Grace time.Duration
}

// Sweeper periodically deletes expired security tokens.
type Sweeper struct {
	store repository.Store
	cfg   Config
	lease Lease
	log   *slog.Logger
	now   func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a sweeper; lease may be nil when a single instance runs.
func New(store repository.Store, cfg Config, lease Lease, log *slog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Sweeper{
		store: store,
		cfg:   cfg,
		lease: lease,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
		stop:  make(chan struct{}),
	}
}

func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Start runs the sweep loop until Stop is called or ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
	s.log.Info("sweeper started", "interval", s.cfg.Interval, "grace", s.cfg.Grace)
}

// Stop ends the loop and waits for a sweep in progress to finish.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.log.ErrorContext(ctx, "token sweep failed", "error", err)
			}
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce deletes tokens that expired more than Grace ago and returns how
// many were removed. It returns 0 without touching the store when another
// instance holds the lease.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	if s.lease != nil {
		ok, err := s.lease.Acquire(ctx, leaseKey, s.leaseTTL())
		if err != nil {
			return 0, err
		}
		if !ok {
			s.log.DebugContext(ctx, "sweep skipped, lease held elsewhere")
			return 0, nil
		}
	}

	cutoff := s.now().Add(-s.cfg.Grace)
	var deleted int64
	err := s.store.WithTx(ctx, func(q repository.Queries) (err error) {
		deleted, err = q.DeleteExpiredTokens(ctx, cutoff)
		return err
	})
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.log.InfoContext(ctx, "expired tokens removed", "count", deleted, "cutoff", cutoff)
	}
	return deleted, nil
}

// the lease lapses a little before the next tick so the holder can sweep again
func (s *Sweeper) leaseTTL() time.Duration {
	return s.cfg.Interval - s.cfg.Interval/10
}
