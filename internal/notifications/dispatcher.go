package notifications

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rcourtman/campus-license/internal/effects"
)

// Dispatcher queues notifications for asynchronous delivery to a Sink.
type Dispatcher struct {
	sink  Sink
	queue *effects.Queue[Notification]
	now   func() time.Time
}

// NewDispatcher starts a dispatcher. A nil sink logs notifications.
func NewDispatcher(sink Sink, cfg effects.Config) *Dispatcher {
	if sink == nil {
		sink = LogSink{}
	}
	if cfg.Name == "" {
		cfg.Name = "notifications"
	}
	d := &Dispatcher{sink: sink, now: time.Now}
	d.queue = effects.NewQueue(cfg, d.deliver)
	return d
}

// Notify stamps n and queues it. It never blocks and never fails.
func (d *Dispatcher) Notify(_ context.Context, n Notification) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = d.now().UTC()
	}
	if n.ID == "" {
		n.ID = ulid.MustNew(ulid.Timestamp(n.CreatedAt), rand.Reader).String()
	}
	d.queue.Submit(n)
}

func (d *Dispatcher) deliver(ctx context.Context, n Notification) error {
	sendCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	return d.sink.Send(sendCtx, n)
}

// Close drains pending notifications.
func (d *Dispatcher) Close(ctx context.Context) error {
	return d.queue.Close(ctx)
}
