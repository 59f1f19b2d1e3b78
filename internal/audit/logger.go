package audit

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rcourtman/campus-license/internal/effects"
	"github.com/rs/zerolog/log"
)

// AsyncLogger accepts audit actions without blocking and writes them to a
// Backend from a background queue.
type AsyncLogger struct {
	backend Backend
	queue   *effects.Queue[Entry]
	now     func() time.Time
}

// NewAsyncLogger starts the background writer.
func NewAsyncLogger(backend Backend, cfg effects.Config) *AsyncLogger {
	if backend == nil {
		backend = ConsoleBackend{}
	}
	if cfg.Name == "" {
		cfg.Name = "audit"
	}
	l := &AsyncLogger{backend: backend, now: time.Now}
	l.queue = effects.NewQueue(cfg, func(ctx context.Context, e Entry) error {
		return l.backend.Write(ctx, e)
	})
	return l
}

// LogAction snapshots before, after and metadata and queues the entry.
// Failures are logged and never reach the caller.
func (l *AsyncLogger) LogAction(_ context.Context, entityID, entityType, action, actor string, before, after any, metadata map[string]any) {
	now := l.now().UTC()
	e := Entry{
		ID:         ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		Timestamp:  now,
		EntityID:   entityID,
		EntityType: entityType,
		Action:     action,
		Actor:      actor,
	}

	var err error
	if e.Before, err = snapshot(before); err != nil {
		log.Warn().Err(err).Str("action", action).Msg("Failed to snapshot audit state")
		return
	}
	if e.After, err = snapshot(after); err != nil {
		log.Warn().Err(err).Str("action", action).Msg("Failed to snapshot audit state")
		return
	}
	if len(metadata) > 0 {
		if e.Metadata, err = json.Marshal(metadata); err != nil {
			log.Warn().Err(err).Str("action", action).Msg("Failed to encode audit metadata")
			return
		}
	}

	l.queue.Submit(e)
}

func snapshot(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Close drains queued entries and closes the backend.
func (l *AsyncLogger) Close(ctx context.Context) error {
	qErr := l.queue.Close(ctx)
	if err := l.backend.Close(); err != nil {
		return err
	}
	return qErr
}
