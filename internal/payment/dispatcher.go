package payment

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/fjod/go_cinema/internal/domain"
)

var ErrDispatcherStopped = errors.New("payment dispatcher stopped")

type Applier interface {
	ApplyNotification(ctx context.Context, n domain.Notification) error
}

type job struct {
	ctx  context.Context
	n    domain.Notification
	done chan error
}

// Dispatcher routes notifications to a fixed set of shard workers by routing
// key. Notifications sharing a key are applied one at a time in arrival order.
type Dispatcher struct {
	applier Applier
	shards  []chan job
	log     *slog.Logger

	quit     chan struct{}
	wg       sync.WaitGroup
	startMu  sync.Mutex
	started  bool
	stopOnce sync.Once
}

func NewDispatcher(applier Applier, workers int, log *slog.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	shards := make([]chan job, workers)
	for i := range shards {
		shards[i] = make(chan job, 64)
	}
	return &Dispatcher{
		applier: applier,
		shards:  shards,
		log:     log,
		quit:    make(chan struct{}),
	}
}

func (d *Dispatcher) Start() {
	d.startMu.Lock()
	defer d.startMu.Unlock()
	if d.started {
		return
	}
	d.started = true
	for i, ch := range d.shards {
		d.wg.Add(1)
		go d.worker(i, ch)
	}
	d.log.Info("payment dispatcher started", "workers", len(d.shards))
}

// Stop waits for in-flight notifications to finish. Queued notifications that
// were not started fail with ErrDispatcherStopped.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.quit)
		d.wg.Wait()
		d.log.Info("payment dispatcher stopped")
	})
}

// Submit queues n on its shard and waits for the result.
func (d *Dispatcher) Submit(ctx context.Context, n domain.Notification) error {
	select {
	case <-d.quit:
		return ErrDispatcherStopped
	default:
	}

	j := job{ctx: ctx, n: n, done: make(chan error, 1)}
	select {
	case d.shards[d.shardFor(n.RoutingKey())] <- j:
	case <-d.quit:
		return ErrDispatcherStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-j.done:
		return err
	case <-d.quit:
		// the notification may or may not have been applied; redelivery is safe
		select {
		case err := <-j.done:
			return err
		default:
			return ErrDispatcherStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) shardFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(d.shards)))
}

func (d *Dispatcher) worker(id int, ch chan job) {
	defer d.wg.Done()
	for {
		select {
		case <-d.quit:
			d.drain(ch)
			return
		case j := <-ch:
			d.run(id, j)
		}
	}
}

func (d *Dispatcher) run(id int, j job) {
	if err := j.ctx.Err(); err != nil {
		j.done <- err
		return
	}
	err := d.applier.ApplyNotification(j.ctx, j.n)
	if err != nil {
		d.log.ErrorContext(j.ctx, "apply payment notification failed",
			"shard", id, "event_id", j.n.IdempotencyID, "error", err)
	}
	j.done <- err
}

func (d *Dispatcher) drain(ch chan job) {
	for {
		select {
		case j := <-ch:
			j.done <- ErrDispatcherStopped
		default:
			return
		}
	}
}
