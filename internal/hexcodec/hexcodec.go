// Package hexcodec produces and checks the offline activation string:
//
//	<digest>-<idPrefix8>-<timestampBase36>-<random8hex>
//
// The digest is SHA-256 over a JSON projection of the license plus the
// embedded timestamp, concatenated with the codec secret. Everything
// needed to recompute it travels in the string, so verification needs
// only the license record and the secret.
package hexcodec

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	lerrors "github.com/rcourtman/campus-license/internal/errors"
	"github.com/rcourtman/campus-license/pkg/licensing"
)

const (
	// DefaultMaxSkew bounds the distance between the embedded timestamp
	// and the verifier's clock.
	DefaultMaxSkew = 24 * time.Hour

	idPrefixLen     = 8
	randomBytes     = 4
	digestLen       = sha256.Size * 2
	legacyDigestLen = 32
)

var (
	ErrMalformed      = errors.New("malformed license hex")
	ErrIDMismatch     = errors.New("license hex does not belong to this license")
	ErrClockSkew      = errors.New("license hex timestamp outside allowed skew")
	ErrDigestMismatch = errors.New("license hex digest mismatch")
)

// Codec encodes and validates license hex strings.
type Codec struct {
	secret  []byte
	maxSkew time.Duration
	now     func() time.Time
	random  io.Reader
}

// Option configures a Codec.
type Option func(*Codec)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

// WithMaxSkew overrides DefaultMaxSkew.
func WithMaxSkew(d time.Duration) Option {
	return func(c *Codec) {
		if d > 0 {
			c.maxSkew = d
		}
	}
}

// WithRandom overrides the source of the random suffix.
func WithRandom(r io.Reader) Option {
	return func(c *Codec) { c.random = r }
}

// New returns a ConfigError when secret is empty.
func New(secret string, opts ...Option) (*Codec, error) {
	if secret == "" {
		return nil, lerrors.NewConfigError("hex codec secret is not configured", "LICENSE_HEX_SECRET")
	}
	c := &Codec{
		secret:  []byte(secret),
		maxSkew: DefaultMaxSkew,
		now:     time.Now,
		random:  rand.Reader,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type digestInput struct {
	LicenseID string   `json:"licenseId"`
	SchoolID  string   `json:"schoolId"`
	IssuedAt  int64    `json:"issuedAt"`
	ExpiresAt int64    `json:"expiresAt"`
	Features  []string `json:"features"`
	Timestamp int64    `json:"timestamp"`
}

func (c *Codec) digest(l *licensing.License, timestampMs int64) (string, error) {
	data, err := json.Marshal(digestInput{
		LicenseID: l.ID,
		SchoolID:  l.SchoolID,
		IssuedAt:  l.IssuedAt.UnixMilli(),
		ExpiresAt: l.ExpiresAt.UnixMilli(),
		Features:  l.FeatureNames(),
		Timestamp: timestampMs,
	})
	if err != nil {
		return "", fmt.Errorf("encode hex digest input: %w", err)
	}
	sum := sha256.New()
	sum.Write(data)
	sum.Write(c.secret)
	return hex.EncodeToString(sum.Sum(nil)), nil
}

func idPrefix(id string) string {
	if len(id) < idPrefixLen {
		return id
	}
	return id[:idPrefixLen]
}

// Encode builds a fresh hex for l stamped with the current time.
func (c *Codec) Encode(l *licensing.License) (string, error) {
	if l == nil || l.ID == "" {
		return "", errors.New("license id is required")
	}
	ts := c.now().UnixMilli()
	digest, err := c.digest(l, ts)
	if err != nil {
		return "", err
	}

	suffix := make([]byte, randomBytes)
	if _, err := io.ReadFull(c.random, suffix); err != nil {
		return "", fmt.Errorf("generate hex suffix: %w", err)
	}

	return strings.Join([]string{
		digest,
		idPrefix(l.ID),
		strconv.FormatInt(ts, 36),
		hex.EncodeToString(suffix),
	}, "-"), nil
}

// Validate checks value against l. A nil result means the hex is
// authentic, belongs to l and is within the skew window.
func (c *Codec) Validate(value string, l *licensing.License) error {
	if l == nil {
		return ErrIDMismatch
	}
	parts := strings.Split(strings.TrimSpace(value), "-")
	if len(parts) != 4 {
		return fmt.Errorf("%w: expected 4 parts, got %d", ErrMalformed, len(parts))
	}
	digest, prefix, tsPart := strings.ToLower(parts[0]), parts[1], parts[2]

	if prefix != idPrefix(l.ID) {
		return ErrIDMismatch
	}

	ts, err := strconv.ParseInt(tsPart, 36, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrMalformed)
	}
	skew := c.now().Sub(time.UnixMilli(ts))
	if skew < 0 {
		skew = -skew
	}
	if skew > c.maxSkew {
		return ErrClockSkew
	}

	expected, err := c.digest(l, ts)
	if err != nil {
		return err
	}

	switch len(digest) {
	case digestLen:
	case legacyDigestLen:
		expected = expected[:legacyDigestLen]
	default:
		return fmt.Errorf("%w: digest length %d", ErrMalformed, len(digest))
	}
	if subtle.ConstantTimeCompare([]byte(digest), []byte(expected)) != 1 {
		return ErrDigestMismatch
	}
	return nil
}

// IsValid is the boolean form of Validate.
func (c *Codec) IsValid(value string, l *licensing.License) bool {
	return c.Validate(value, l) == nil
}
