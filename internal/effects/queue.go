// Package effects runs best-effort side effects (audit writes,
// notifications) off the caller's path. Submitting never blocks and a
// failed delivery is logged and counted, never returned.
package effects

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rcourtman/campus-license/internal/metrics"
	"github.com/rs/zerolog/log"
)

const (
	defaultCapacity       = 256
	defaultMaxRetries     = 3
	defaultInitialBackoff = 200 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
)

// Handler delivers one item. Returning an error schedules a retry.
type Handler[T any] func(ctx context.Context, item T) error

// Config tunes a Queue. Zero values select defaults.
type Config struct {
	Name           string
	Capacity       int
	MaxRetries     uint64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "effects"
	}
	if c.Capacity <= 0 {
		c.Capacity = defaultCapacity
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	return c
}

// Queue is a bounded single-worker queue.
type Queue[T any] struct {
	cfg     Config
	handler Handler[T]
	items   chan T

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewQueue starts the worker goroutine. Call Close to stop it.
func NewQueue[T any](cfg Config, handler Handler[T]) *Queue[T] {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue[T]{
		cfg:     cfg,
		handler: handler,
		items:   make(chan T, cfg.Capacity),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

// Submit enqueues item without blocking. It reports false when the item
// was dropped because the queue is full or closed.
func (q *Queue[T]) Submit(item T) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.drop("closed")
		return false
	}
	select {
	case q.items <- item:
		return true
	default:
		q.drop("full")
		return false
	}
}

func (q *Queue[T]) drop(reason string) {
	metrics.EffectsDroppedTotal.WithLabelValues(q.cfg.Name).Inc()
	log.Warn().Str("queue", q.cfg.Name).Str("reason", reason).Msg("Dropped side effect")
}

// Close stops accepting items and waits for queued items to be delivered.
// When ctx ends first, in-flight retries are abandoned.
func (q *Queue[T]) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return nil
	}
	q.closed = true
	close(q.items)
	q.mu.Unlock()

	select {
	case <-q.done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-q.done
		return fmt.Errorf("close %s queue: %w", q.cfg.Name, ctx.Err())
	}
}

func (q *Queue[T]) run() {
	defer close(q.done)
	for item := range q.items {
		q.deliver(item)
	}
}

func (q *Queue[T]) deliver(item T) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = q.cfg.InitialBackoff
	expo.MaxInterval = q.cfg.MaxBackoff
	expo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, q.cfg.MaxRetries), q.ctx)

	attempts := 0
	err := backoff.Retry(func() (err error) {
		attempts++
		defer func() {
			if r := recover(); r != nil {
				err = backoff.Permanent(fmt.Errorf("handler panic: %v", r))
			}
		}()
		return q.handler(q.ctx, item)
	}, policy)

	if err != nil {
		metrics.EffectDeliveriesTotal.WithLabelValues(q.cfg.Name, "failed").Inc()
		log.Warn().Err(err).Str("queue", q.cfg.Name).Int("attempts", attempts).Msg("Side effect delivery failed")
		return
	}
	metrics.EffectDeliveriesTotal.WithLabelValues(q.cfg.Name, "delivered").Inc()
}
