package main

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/hashicorp/go-multierror"
	"github.com/rcourtman/campus-license/internal/audit"
	"github.com/rcourtman/campus-license/internal/config"
	"github.com/rcourtman/campus-license/internal/crypto"
	"github.com/rcourtman/campus-license/internal/effects"
	"github.com/rcourtman/campus-license/internal/hexcodec"
	"github.com/rcourtman/campus-license/internal/license"
	"github.com/rcourtman/campus-license/internal/netutil"
	"github.com/rcourtman/campus-license/internal/notifications"
	"github.com/rcourtman/campus-license/internal/store"
	"github.com/rcourtman/campus-license/internal/store/mongodb"
	"github.com/rcourtman/campus-license/internal/token"
	"github.com/rs/zerolog/log"
)

const webhookTimeout = 10 * time.Second

// app owns every long-lived component built from configuration.
type app struct {
	cfg     *config.Config
	clock   quartz.Clock
	manager *license.Manager

	closers []func(context.Context) error
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// buildApp validates cfg and wires the Manager to its store and effects.
func buildApp(ctx context.Context, cfg *config.Config, clock quartz.Clock) (_ *app, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	a := &app{cfg: cfg, clock: clock}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	repo, err := openRepository(ctx, a)
	if err != nil {
		return nil, err
	}

	hashMode, err := crypto.ParseHashMode(cfg.HashMode)
	if err != nil {
		return nil, err
	}
	hasher, err := crypto.NewHasher(cfg.HashSecret, hashMode)
	if err != nil {
		return nil, err
	}
	secrets := append([]string{cfg.TokenSecret}, cfg.TokenPreviousSecrets...)
	tokens, err := token.NewIssuer(cfg.Issuer, secrets, token.WithClock(func() time.Time { return clock.Now() }))
	if err != nil {
		return nil, err
	}
	hex, err := hexcodec.New(cfg.HexSecret, hexcodec.WithClock(func() time.Time { return clock.Now() }), hexcodec.WithMaxSkew(cfg.HexMaxSkew))
	if err != nil {
		return nil, err
	}
	cipher, err := crypto.NewEnvelopeCipher(cfg.EncryptionSecret)
	if err != nil {
		return nil, err
	}

	auditor, err := openAuditLogger(a)
	if err != nil {
		return nil, err
	}
	notifier := openDispatcher(a)

	mode, err := license.ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}
	a.manager, err = license.NewManager(license.Config{
		Mode:               mode,
		DefaultDuration:    cfg.DefaultDuration(),
		TokenTTL:           cfg.TokenTTL,
		ExpiringSoonWindow: cfg.ExpiringSoonWindow(),
		AdminRecipients:    cfg.AdminEmails,
	}, license.Deps{
		Repository: repo,
		Hasher:     hasher,
		Tokens:     tokens,
		Hex:        hex,
		Cipher:     cipher,
		Notifier:   notifier,
		Auditor:    auditor,
		Clock:      clock,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func openRepository(ctx context.Context, a *app) (license.Repository, error) {
	switch a.cfg.Store {
	case config.StoreMongoDB:
		s, err := mongodb.Open(ctx, mongodb.Config{URI: a.cfg.MongoURI, Database: a.cfg.MongoDatabase})
		if err != nil {
			return nil, err
		}
		a.onClose(s.Close)
		return s, nil
	default:
		s, err := store.NewSQLiteStore(a.cfg.DataDir)
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error { return s.Close() })
		return s, nil
	}
}

func openAuditLogger(a *app) (*audit.AsyncLogger, error) {
	signer, err := audit.NewSigner(a.cfg.AuditSecret)
	if err != nil {
		return nil, err
	}
	backend, err := audit.NewSQLiteBackend(audit.SQLiteConfig{
		DataDir:       a.cfg.DataDir,
		Signer:        signer,
		RetentionDays: a.cfg.AuditRetentionDays,
	})
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	logger := audit.NewAsyncLogger(backend, effects.Config{Name: "audit"})
	a.onClose(logger.Close)
	return logger, nil
}

// openDispatcher always logs notifications and additionally posts them to
// the configured webhook and Kafka topic.
func openDispatcher(a *app) *notifications.Dispatcher {
	sinks := notifications.MultiSink{notifications.LogSink{}}

	if a.cfg.WebhookURL != "" {
		resolver := netutil.NewCachingResolver(netutil.DefaultRefreshInterval)
		resolver.Start()
		a.onClose(func(context.Context) error {
			resolver.Stop()
			return nil
		})
		sinks = append(sinks, notifications.NewWebhookSink(a.cfg.WebhookURL, resolver.HTTPClient(webhookTimeout)))
	}
	if len(a.cfg.KafkaBrokers) > 0 {
		kafka := notifications.NewKafkaSink(a.cfg.KafkaBrokers, a.cfg.KafkaTopic)
		a.onClose(func(context.Context) error { return kafka.Close() })
		sinks = append(sinks, kafka)
	}

	d := notifications.NewDispatcher(sinks, effects.Config{Name: "notifications"})
	a.onClose(d.Close)
	log.Debug().Int("sinks", len(sinks)).Msg("Notification dispatcher ready")
	return d
}

// Close drains effect queues before closing the stores they write to.
func (a *app) Close(ctx context.Context) error {
	var result *multierror.Error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	a.closers = nil
	return result.ErrorOrNil()
}
