package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	lerrors "github.com/rcourtman/campus-license/internal/errors"
)

// HashMode selects how the secret is mixed into content digests.
type HashMode string

const (
	// HashModeHMAC computes HMAC-SHA256 over the canonical content.
	HashModeHMAC HashMode = "hmac"
	// HashModeLegacy computes SHA-256(canonical content || secret), the
	// format used by licenses issued before HMAC was introduced.
	HashModeLegacy HashMode = "legacy"
)

// ParseHashMode maps a configuration value to a HashMode. Empty means HMAC.
func ParseHashMode(s string) (HashMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "hmac", "hmac-sha256":
		return HashModeHMAC, nil
	case "legacy", "sha256-concat":
		return HashModeLegacy, nil
	default:
		return "", fmt.Errorf("unknown hash mode %q", s)
	}
}

// FeatureFlag is the projection of a feature that participates in the
// content hash. Restrictions are deliberately excluded.
type FeatureFlag struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// ContentFields are the license facts covered by the keyed hash.
type ContentFields struct {
	SchoolID   string
	SchoolName string
	Features   []FeatureFlag
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

// canonicalContent fixes key order and time encoding (epoch milliseconds).
type canonicalContent struct {
	SchoolID   string        `json:"schoolId"`
	SchoolName string        `json:"schoolName"`
	Features   []FeatureFlag `json:"features"`
	IssuedAt   int64         `json:"issuedAt"`
	ExpiresAt  int64         `json:"expiresAt"`
}

func (f ContentFields) canonical() ([]byte, error) {
	features := f.Features
	if features == nil {
		features = []FeatureFlag{}
	}
	return json.Marshal(canonicalContent{
		SchoolID:   f.SchoolID,
		SchoolName: f.SchoolName,
		Features:   features,
		IssuedAt:   f.IssuedAt.UnixMilli(),
		ExpiresAt:  f.ExpiresAt.UnixMilli(),
	})
}

// Hasher produces secret-mixed SHA-256 digests.
type Hasher struct {
	secret []byte
	mode   HashMode
}

// NewHasher returns a ConfigError when secret is empty.
func NewHasher(secret string, mode HashMode) (*Hasher, error) {
	if secret == "" {
		return nil, lerrors.NewConfigError("hash secret is not configured", "LICENSE_HASH_SECRET")
	}
	if mode == "" {
		mode = HashModeHMAC
	}
	if mode != HashModeHMAC && mode != HashModeLegacy {
		return nil, lerrors.NewConfigError(fmt.Sprintf("unsupported hash mode %q", mode), "LICENSE_HASH_MODE")
	}
	return &Hasher{secret: []byte(secret), mode: mode}, nil
}

// Mode reports the configured hash mode.
func (h *Hasher) Mode() HashMode {
	return h.mode
}

// KeyedHash returns the 64-char lowercase hex digest of the content.
func (h *Hasher) KeyedHash(fields ContentFields) (string, error) {
	data, err := fields.canonical()
	if err != nil {
		return "", fmt.Errorf("encode content: %w", err)
	}
	return h.sum(data), nil
}

// VerifyKeyedHash recomputes the digest and compares in constant time.
func (h *Hasher) VerifyKeyedHash(fields ContentFields, hash string) bool {
	if len(hash) != sha256.Size*2 {
		return false
	}
	expected, err := h.KeyedHash(fields)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(hash))) == 1
}

// Digest returns the keyed digest of an arbitrary JSON-encodable value.
// Callers pass a fixed projection struct so the encoding is stable.
func (h *Hasher) Digest(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode digest input: %w", err)
	}
	return h.sum(data), nil
}

func (h *Hasher) sum(data []byte) string {
	if h.mode == HashModeLegacy {
		sum := sha256.New()
		sum.Write(data)
		sum.Write(h.secret)
		return hex.EncodeToString(sum.Sum(nil))
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}
