package license

import (
	"context"
	"time"

	"github.com/rcourtman/campus-license/internal/audit"
	"github.com/rcourtman/campus-license/internal/crypto"
	lerrors "github.com/rcourtman/campus-license/internal/errors"
	"github.com/rcourtman/campus-license/pkg/licensing"
)

// OfflineBundle is the material an air-gapped installation needs.
type OfflineBundle struct {
	LicenseID    string                  `json:"licenseId"`
	SchoolID     string                  `json:"schoolId"`
	SchoolName   string                  `json:"schoolName"`
	LicenseKey   string                  `json:"licenseKey"`
	LicenseHex   string                  `json:"licenseHex"`
	LicenseToken string                  `json:"licenseToken"`
	Features     []licensing.Feature     `json:"features"`
	IssuedAt     time.Time               `json:"issuedAt"`
	ExpiresAt    time.Time               `json:"expiresAt"`
	SecurityInfo *licensing.SecurityInfo `json:"securityInfo"`
	ExportedAt   time.Time               `json:"exportedAt"`
}

// ExportBundle encrypts the offline material of an activated license.
func (m *Manager) ExportBundle(ctx context.Context, id, actor string) (_ *crypto.Envelope, err error) {
	defer func() { err = finish("export", err) }()

	l, err := m.load(ctx, "export", id)
	if err != nil {
		return nil, err
	}
	if !l.IsActivated() || l.LicenseHex == "" {
		return nil, lerrors.NewLicenseError(lerrors.CodeInvalidRequest, "license %s must be activated before export", id)
	}

	env, err := m.cipher.EncryptJSON(OfflineBundle{
		LicenseID:    l.ID,
		SchoolID:     l.SchoolID,
		SchoolName:   l.SchoolName,
		LicenseKey:   l.LicenseKey,
		LicenseHex:   l.LicenseHex,
		LicenseToken: l.LicenseToken,
		Features:     l.Features,
		IssuedAt:     l.IssuedAt,
		ExpiresAt:    l.ExpiresAt,
		SecurityInfo: l.SecurityRestrictions.Info(l.Fingerprint),
		ExportedAt:   m.now(),
	})
	if err != nil {
		return nil, lerrors.WrapInternal("export", err)
	}

	m.audit(ctx, l, audit.ActionLicenseExported, actor, nil, nil, nil)
	return env, nil
}

// OpenBundle decrypts a bundle produced by ExportBundle. Tampered or
// foreign envelopes fail.
func (m *Manager) OpenBundle(env *crypto.Envelope) (*OfflineBundle, error) {
	var b OfflineBundle
	if err := m.cipher.DecryptJSON(env, &b); err != nil {
		return nil, err
	}
	return &b, nil
}
