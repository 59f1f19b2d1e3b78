package licensing

import (
	"maps"
	"time"
)

// Status is the time/administrative state of a license.
type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusExpired Status = "EXPIRED"
	StatusRevoked Status = "REVOKED"
	StatusPending Status = "PENDING"
)

// ActivationStatus tracks offline activation.
type ActivationStatus string

const (
	ActivationPending   ActivationStatus = "PENDING"
	ActivationActivated ActivationStatus = "ACTIVATED"
	ActivationExpired   ActivationStatus = "EXPIRED"
)

// Feature is a named entitlement with optional restrictions.
type Feature struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`

	// Restrictions maps a restriction key (e.g. "maxStudents", "grades")
	// to its allowed value. Absent keys are unrestricted.
	Restrictions map[string]any `json:"restrictions,omitempty"`
}

// License is a grant of features to a school for a bounded time window.
type License struct {
	ID         string `json:"id"`
	SchoolID   string `json:"schoolId"`
	SchoolName string `json:"schoolName"`

	// Public, shareable key (XXXXX-XXXXX-XXXXX-XXXXX)
	LicenseKey string `json:"licenseKey"`
	// Keyed content digest (64 hex chars)
	LicenseHash string `json:"licenseHash"`
	// Signed claims token
	LicenseToken string `json:"licenseToken"`
	// Offline activation string, set on activation
	LicenseHex string `json:"licenseHex,omitempty"`
	// Keyed digest of the whole record
	Fingerprint string `json:"fingerprint"`

	Features []Feature `json:"features"`

	IssuedAt           time.Time  `json:"issuedAt"`
	ExpiresAt          time.Time  `json:"expiresAt"`
	ActivatedAt        *time.Time `json:"activatedAt,omitempty"`
	LastChecked        *time.Time `json:"lastChecked,omitempty"`
	LastVerificationAt *time.Time `json:"lastVerificationAt,omitempty"`

	Status             Status           `json:"status"`
	ActivationStatus   ActivationStatus `json:"activationStatus"`
	ActivationAttempts int              `json:"activationAttempts"`

	SecurityRestrictions SecurityRestrictions `json:"securityRestrictions"`
	Blacklisted          bool                 `json:"blacklisted"`
	BlacklistReason      string               `json:"blacklistReason,omitempty"`
	RevokedAt            *time.Time           `json:"revokedAt,omitempty"`
	RevocationReason     string               `json:"revocationReason,omitempty"`

	CreatedBy string         `json:"createdBy,omitempty"`
	UpdatedBy string         `json:"updatedBy,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// IsExpired reports whether now is past the expiry instant.
func (l *License) IsExpired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// DaysRemaining returns whole days until expiration, or 0 once expired.
func (l *License) DaysRemaining(now time.Time) int {
	remaining := l.ExpiresAt.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int(remaining.Hours() / 24)
}

// IsActivated reports whether offline activation has completed.
func (l *License) IsActivated() bool {
	return l.ActivationStatus == ActivationActivated
}

// FeatureNames returns every feature name in stored order.
func (l *License) FeatureNames() []string {
	names := make([]string, 0, len(l.Features))
	for _, f := range l.Features {
		names = append(names, f.Name)
	}
	return names
}

// EnabledFeatureNames returns the names of enabled features in stored order.
func (l *License) EnabledFeatureNames() []string {
	names := make([]string, 0, len(l.Features))
	for _, f := range l.Features {
		if f.Enabled {
			names = append(names, f.Name)
		}
	}
	return names
}

// Evaluator returns a feature evaluator over this license's features.
func (l *License) Evaluator() *Evaluator {
	return NewEvaluator(l.Features)
}

// Clone returns a deep copy. Restriction and metadata values are copied
// one level deep.
func (l *License) Clone() *License {
	if l == nil {
		return nil
	}
	c := *l
	c.Features = CloneFeatures(l.Features)
	c.SecurityRestrictions = l.SecurityRestrictions.Clone()
	c.Metadata = maps.Clone(l.Metadata)
	c.ActivatedAt = cloneTime(l.ActivatedAt)
	c.LastChecked = cloneTime(l.LastChecked)
	c.LastVerificationAt = cloneTime(l.LastVerificationAt)
	c.RevokedAt = cloneTime(l.RevokedAt)
	return &c
}

// CloneFeatures copies features and their restriction maps.
func CloneFeatures(in []Feature) []Feature {
	if in == nil {
		return nil
	}
	out := make([]Feature, len(in))
	for i, f := range in {
		out[i] = Feature{Name: f.Name, Enabled: f.Enabled, Restrictions: maps.Clone(f.Restrictions)}
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
