package notifications

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
)

// Sink delivers a notification somewhere. Returning an error lets the
// dispatcher retry.
type Sink interface {
	Send(ctx context.Context, n Notification) error
}

// LogSink writes notifications to the structured log. It is the default
// when no external sink is configured.
type LogSink struct{}

func (LogSink) Send(_ context.Context, n Notification) error {
	log.Info().
		Str("notification_id", n.ID).
		Str("kind", string(n.Kind)).
		Str("license_id", n.LicenseID).
		Str("school_id", n.SchoolID).
		Strs("recipients", n.Recipients).
		Str("subject", n.Subject).
		Msg("License notification")
	return nil
}

// MultiSink fans out to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Send(ctx context.Context, n Notification) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
