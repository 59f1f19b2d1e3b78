package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	lerrors "github.com/rcourtman/campus-license/internal/errors"
	"github.com/rcourtman/campus-license/pkg/licensing"
)

// DefaultIssuer is used when no issuer is configured.
const DefaultIssuer = "campus-license"

var validMethods = []string{
	jwt.SigningMethodHS256.Alg(),
	jwt.SigningMethodHS384.Alg(),
	jwt.SigningMethodHS512.Alg(),
}

// Payload is the set of license facts carried by a token.
type Payload struct {
	SchoolID     string                  `json:"schoolId"`
	Issuer       string                  `json:"issuer"`
	IssuedAt     time.Time               `json:"issuedAt"`
	ExpiresAt    time.Time               `json:"expiresAt"`
	SchoolName   string                  `json:"schoolName"`
	Features     []string                `json:"features"`
	LicenseID    string                  `json:"licenseId"`
	Metadata     map[string]any          `json:"metadata,omitempty"`
	SecurityInfo *licensing.SecurityInfo `json:"securityInfo,omitempty"`
}

// Claims is the JWT body. The subject is the school id.
type Claims struct {
	SchoolName   string                  `json:"schoolName"`
	Features     []string                `json:"features"`
	LicenseID    string                  `json:"licenseId"`
	Metadata     map[string]any          `json:"metadata,omitempty"`
	SecurityInfo *licensing.SecurityInfo `json:"securityInfo,omitempty"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies license tokens with HMAC secrets. The first
// secret signs; every secret is accepted for verification so signing
// secrets can be rotated without invalidating issued tokens.
type Issuer struct {
	issuer  string
	secrets [][]byte
	now     func() time.Time
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		i.now = now
	}
}

// NewIssuer requires at least one non-empty secret.
func NewIssuer(issuer string, secrets []string, opts ...Option) (*Issuer, error) {
	if len(secrets) == 0 || secrets[0] == "" {
		return nil, lerrors.NewConfigError("token signing secret is not configured", "LICENSE_TOKEN_SECRET")
	}
	if issuer == "" {
		issuer = DefaultIssuer
	}
	i := &Issuer{issuer: issuer, now: time.Now}
	for _, s := range secrets {
		if s = strings.TrimSpace(s); s != "" {
			i.secrets = append(i.secrets, []byte(s))
		}
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Issue signs p with HS256. IssuedAt and ExpiresAt are derived from the
// clock and ttl; the values in p are ignored.
func (i *Issuer) Issue(p Payload, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", fmt.Errorf("token ttl must be positive, got %s", ttl)
	}
	now := i.now()
	claims := Claims{
		SchoolName:   p.SchoolName,
		Features:     p.Features,
		LicenseID:    p.LicenseID,
		Metadata:     p.Metadata,
		SecurityInfo: p.SecurityInfo,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.SchoolID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if claims.Features == nil {
		claims.Features = []string{}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secrets[0])
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature, issuer and expiry. Expired tokens return
// a TokenError with CodeTokenExpired; every other failure is
// CodeTokenInvalid.
func (i *Issuer) Verify(token string) (*Payload, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, lerrors.NewTokenError(lerrors.CodeTokenInvalid, errors.New("token is empty"))
	}

	var lastErr error
	for _, secret := range i.secrets {
		claims := &Claims{}
		parsed, err := jwt.ParseWithClaims(
			token,
			claims,
			func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %s", t.Method.Alg())
				}
				return secret, nil
			},
			jwt.WithValidMethods(validMethods),
			jwt.WithIssuer(i.issuer),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(i.now),
		)
		switch {
		case err == nil && parsed.Valid:
			return claims.payload(), nil
		case err == nil:
			lastErr = errors.New("token is invalid")
		case errors.Is(err, jwt.ErrTokenExpired):
			// signature already verified, so the key is right
			return nil, lerrors.NewTokenError(lerrors.CodeTokenExpired, err)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			lastErr = err
			continue
		default:
			return nil, lerrors.NewTokenError(lerrors.CodeTokenInvalid, err)
		}
	}
	return nil, lerrors.NewTokenError(lerrors.CodeTokenInvalid, lastErr)
}

func (c *Claims) payload() *Payload {
	p := &Payload{
		SchoolID:     c.Subject,
		Issuer:       c.Issuer,
		SchoolName:   c.SchoolName,
		Features:     c.Features,
		LicenseID:    c.LicenseID,
		Metadata:     c.Metadata,
		SecurityInfo: c.SecurityInfo,
	}
	if c.IssuedAt != nil {
		p.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		p.ExpiresAt = c.ExpiresAt.Time
	}
	return p
}
