// Package license implements the license lifecycle: issuance, activation,
// online and offline validation, renewal, transfer, revocation, blacklist
// toggles and the periodic expiry sweep.
package license

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/rcourtman/campus-license/internal/audit"
	"github.com/rcourtman/campus-license/internal/crypto"
	lerrors "github.com/rcourtman/campus-license/internal/errors"
	"github.com/rcourtman/campus-license/internal/hexcodec"
	"github.com/rcourtman/campus-license/internal/logging"
	"github.com/rcourtman/campus-license/internal/metrics"
	"github.com/rcourtman/campus-license/internal/notifications"
	"github.com/rcourtman/campus-license/internal/token"
	"github.com/rcourtman/campus-license/pkg/licensing"
	"github.com/rs/zerolog/log"
)

// Mode selects which validation paths a deployment uses.
type Mode string

const (
	// ModeOnline issues ACTIVE licenses validated by key and token only.
	ModeOnline Mode = "online"
	// ModeOffline issues PENDING licenses that must be activated and are
	// validated by hex.
	ModeOffline Mode = "offline"
	// ModeHybrid issues ACTIVE licenses that may also be activated for
	// offline use.
	ModeHybrid Mode = "hybrid"
)

// ParseMode parses a mode name. Empty selects ModeHybrid.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeHybrid, nil
	case ModeOnline, ModeOffline, ModeHybrid:
		return m, nil
	default:
		return "", lerrors.NewConfigError(fmt.Sprintf("unsupported license mode %q", s), "LICENSE_MODE")
	}
}

const (
	defaultExpiringSoonWindow = 30 * 24 * time.Hour
	maxKeyAttempts            = 3
	minTokenTTL               = time.Second
)

// Config holds Manager settings.
type Config struct {
	Mode Mode
	// DefaultDuration applies when a request carries no duration.
	DefaultDuration time.Duration
	// TokenTTL caps token lifetime. Zero issues tokens that expire with the
	// license.
	TokenTTL           time.Duration
	ExpiringSoonWindow time.Duration
	AdminRecipients    []string
}

// Deps are the collaborators a Manager needs. Notifier, Auditor and Clock
// are optional.
type Deps struct {
	Repository Repository
	Hasher     *crypto.Hasher
	Tokens     *token.Issuer
	Hex        *hexcodec.Codec
	Cipher     *crypto.EnvelopeCipher
	Notifier   Notifier
	Auditor    Auditor
	Clock      quartz.Clock
}

// Manager is the license state machine. It is the only component that
// touches persistence.
type Manager struct {
	repo     Repository
	hasher   *crypto.Hasher
	tokens   *token.Issuer
	hex      *hexcodec.Codec
	cipher   *crypto.EnvelopeCipher
	notifier Notifier
	auditor  Auditor
	clock    quartz.Clock

	mode            Mode
	defaultDuration time.Duration
	tokenTTL        time.Duration

	mu                 sync.RWMutex
	expiringSoonWindow time.Duration
	adminRecipients    []string
}

// NewManager validates deps and returns a Manager.
func NewManager(cfg Config, deps Deps) (*Manager, error) {
	switch {
	case deps.Repository == nil:
		return nil, errors.New("license repository is required")
	case deps.Hasher == nil:
		return nil, errors.New("hasher is required")
	case deps.Tokens == nil:
		return nil, errors.New("token issuer is required")
	case deps.Hex == nil:
		return nil, errors.New("hex codec is required")
	case deps.Cipher == nil:
		return nil, errors.New("envelope cipher is required")
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeHybrid
	}
	if _, err := ParseMode(string(cfg.Mode)); err != nil {
		return nil, err
	}
	if cfg.DefaultDuration <= 0 {
		return nil, lerrors.NewConfigError("default license duration must be positive", "LICENSE_DEFAULT_DURATION_DAYS")
	}
	if cfg.TokenTTL < 0 {
		return nil, lerrors.NewConfigError("token ttl must not be negative", "LICENSE_TOKEN_TTL")
	}
	if cfg.ExpiringSoonWindow <= 0 {
		cfg.ExpiringSoonWindow = defaultExpiringSoonWindow
	}

	m := &Manager{
		repo:               deps.Repository,
		hasher:             deps.Hasher,
		tokens:             deps.Tokens,
		hex:                deps.Hex,
		cipher:             deps.Cipher,
		notifier:           deps.Notifier,
		auditor:            deps.Auditor,
		clock:              deps.Clock,
		mode:               cfg.Mode,
		defaultDuration:    cfg.DefaultDuration,
		tokenTTL:           cfg.TokenTTL,
		expiringSoonWindow: cfg.ExpiringSoonWindow,
		adminRecipients:    slices.Clone(cfg.AdminRecipients),
	}
	if m.notifier == nil {
		m.notifier = nopNotifier{}
	}
	if m.auditor == nil {
		m.auditor = nopAuditor{}
	}
	if m.clock == nil {
		m.clock = quartz.NewReal()
	}
	return m, nil
}

// Mode returns the configured mode.
func (m *Manager) Mode() Mode {
	return m.mode
}

// SetExpiringSoonWindow changes the sweep's expiring-soon threshold.
func (m *Manager) SetExpiringSoonWindow(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.expiringSoonWindow = d
	m.mu.Unlock()
}

// SetAdminRecipients replaces the blacklist alert recipients.
func (m *Manager) SetAdminRecipients(recipients []string) {
	m.mu.Lock()
	m.adminRecipients = slices.Clone(recipients)
	m.mu.Unlock()
}

func (m *Manager) tunables() (time.Duration, []string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.expiringSoonWindow, slices.Clone(m.adminRecipients)
}

// now is truncated to milliseconds so that hashes computed before a store
// round trip still verify afterwards.
func (m *Manager) now() time.Time {
	return m.clock.Now().UTC().Truncate(time.Millisecond)
}

// recordProjection is the fixed shape covered by a license fingerprint.
type recordProjection struct {
	ID                   string                         `json:"id"`
	SchoolID             string                         `json:"schoolId"`
	SchoolName           string                         `json:"schoolName"`
	LicenseKey           string                         `json:"licenseKey"`
	LicenseHash          string                         `json:"licenseHash"`
	Features             []licensing.Feature            `json:"features"`
	IssuedAt             int64                          `json:"issuedAt"`
	ExpiresAt            int64                          `json:"expiresAt"`
	SecurityRestrictions licensing.SecurityRestrictions `json:"securityRestrictions"`
}

func (m *Manager) recordFingerprint(l *licensing.License) (string, error) {
	features := l.Features
	if features == nil {
		features = []licensing.Feature{}
	}
	return m.hasher.Digest(recordProjection{
		ID:                   l.ID,
		SchoolID:             l.SchoolID,
		SchoolName:           l.SchoolName,
		LicenseKey:           l.LicenseKey,
		LicenseHash:          l.LicenseHash,
		Features:             features,
		IssuedAt:             l.IssuedAt.UnixMilli(),
		ExpiresAt:            l.ExpiresAt.UnixMilli(),
		SecurityRestrictions: l.SecurityRestrictions,
	})
}

// tokenLifetime returns how long a token issued now should live.
func (m *Manager) tokenLifetime(l *licensing.License, now time.Time) time.Duration {
	ttl := l.ExpiresAt.Sub(now)
	if m.tokenTTL > 0 && m.tokenTTL < ttl {
		ttl = m.tokenTTL
	}
	if ttl < minTokenTTL {
		ttl = minTokenTTL
	}
	return ttl
}

func (m *Manager) issueToken(l *licensing.License, now time.Time) (string, error) {
	return m.tokens.Issue(token.Payload{
		SchoolID:     l.SchoolID,
		SchoolName:   l.SchoolName,
		Features:     l.EnabledFeatureNames(),
		LicenseID:    l.ID,
		Metadata:     l.Metadata,
		SecurityInfo: l.SecurityRestrictions.Info(l.Fingerprint),
	}, m.tokenLifetime(l, now))
}

// seal regenerates every derived piece of key material: content hash,
// record fingerprint, token and, when requested, the offline hex.
func (m *Manager) seal(l *licensing.License, now time.Time, reencodeHex bool) error {
	hash, err := m.hasher.KeyedHash(contentFields(l))
	if err != nil {
		return fmt.Errorf("compute license hash: %w", err)
	}
	l.LicenseHash = hash

	fp, err := m.recordFingerprint(l)
	if err != nil {
		return fmt.Errorf("compute license fingerprint: %w", err)
	}
	l.Fingerprint = fp

	tok, err := m.issueToken(l, now)
	if err != nil {
		return fmt.Errorf("issue license token: %w", err)
	}
	l.LicenseToken = tok

	if reencodeHex {
		hex, err := m.hex.Encode(l)
		if err != nil {
			return fmt.Errorf("encode license hex: %w", err)
		}
		l.LicenseHex = hex
	}
	return nil
}

func (m *Manager) load(ctx context.Context, op, id string) (*licensing.License, error) {
	l, err := m.repo.FindByID(ctx, id)
	if err != nil {
		return nil, lerrors.WrapInternal(op, err)
	}
	if l == nil {
		return nil, lerrors.NewLicenseError(lerrors.CodeLicenseNotFound, "license %s not found", id)
	}
	return l, nil
}

// persistErr maps repository failures to domain or system errors.
func persistErr(op string, err error) error {
	if errors.Is(err, licensing.ErrActiveLicenseExists) {
		return lerrors.NewLicenseError(lerrors.CodeLicenseAlreadyExists, "school already holds an active license").Wrap(err)
	}
	return lerrors.WrapInternal(op, err)
}

func (m *Manager) update(ctx context.Context, op string, l *licensing.License) error {
	if err := m.repo.Update(ctx, l); err != nil {
		return persistErr(op, err)
	}
	return nil
}

// finish records the outcome of op for metrics and returns err unchanged.
func finish(op string, err error) error {
	outcome := "ok"
	if err != nil {
		outcome = string(lerrors.CodeOf(err))
	}
	metrics.RecordOperation(op, outcome)
	return err
}

func (m *Manager) notify(ctx context.Context, n notifications.Notification) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Interface("panic", r).Str("kind", string(n.Kind)).Msg("Notification failed")
		}
	}()
	m.notifier.Notify(ctx, n)
}

func (m *Manager) audit(ctx context.Context, l *licensing.License, action, actor string, before, after *licensing.License, metadata map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Interface("panic", r).Str("action", action).Msg("Audit logging failed")
		}
	}()
	var b, a any
	if before != nil {
		b = before
	}
	if after != nil {
		a = after
	}
	m.auditor.LogAction(ctx, l.ID, audit.EntityLicense, action, actor, b, a, metadata)
}

func logTransition(ctx context.Context, op string, l *licensing.License) {
	logger := logging.FromContext(ctx)
	logger.Info().
		Str("operation", op).
		Str("license_id", l.ID).
		Str("school_id", l.SchoolID).
		Str("status", string(l.Status)).
		Str("activation_status", string(l.ActivationStatus)).
		Msg("License state changed")
}

func newLicenseID() string {
	return uuid.NewString()
}
