package license

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rcourtman/campus-license/internal/audit"
	lerrors "github.com/rcourtman/campus-license/internal/errors"
	"github.com/rcourtman/campus-license/internal/metrics"
	"github.com/rcourtman/campus-license/pkg/licensing"
	"github.com/rs/zerolog/log"
)

// ValidationResult is the outcome of an online validation. Invalid
// licenses are reported through Valid and Errors, never as an error.
type ValidationResult struct {
	Valid          bool                          `json:"valid"`
	Errors         []string                      `json:"errors,omitempty"`
	LicenseID      string                        `json:"licenseId,omitempty"`
	SchoolID       string                        `json:"schoolId,omitempty"`
	SchoolName     string                        `json:"schoolName,omitempty"`
	Status         licensing.Status              `json:"status,omitempty"`
	Features       []string                      `json:"features,omitempty"`
	ExpiresAt      *time.Time                    `json:"expiresAt,omitempty"`
	DaysRemaining  int                           `json:"daysRemaining"`
	SecurityInfo   *licensing.SecurityInfo       `json:"securityInfo,omitempty"`
	FeatureResults []licensing.FeatureValidation `json:"featureResults,omitempty"`
	Token          string                        `json:"token,omitempty"`
}

// OfflineValidationResult is the outcome of a hex validation.
type OfflineValidationResult struct {
	Valid         bool       `json:"valid"`
	Message       string     `json:"message"`
	LicenseID     string     `json:"licenseId,omitempty"`
	SchoolID      string     `json:"schoolId,omitempty"`
	SchoolName    string     `json:"schoolName,omitempty"`
	Features      []string   `json:"features,omitempty"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	DaysRemaining int        `json:"daysRemaining"`
}

func invalidOnline(errs ...string) *ValidationResult {
	metrics.RecordValidation("online", false)
	return &ValidationResult{Valid: false, Errors: errs}
}

// ValidateOnline checks a license key for a school: status, blacklist,
// token signature, content hash, record fingerprint and, when supplied,
// the caller's access context. Requested features are evaluated on
// success.
func (m *Manager) ValidateOnline(ctx context.Context, req ValidateRequest) (*ValidationResult, error) {
	if err := checkRequest(req); err != nil {
		return invalidOnline(describeValidation(errors.Unwrap(err))), nil
	}

	l, err := m.repo.FindByKey(ctx, req.LicenseKey)
	if err != nil {
		return nil, lerrors.WrapInternal("validate", err)
	}
	if l == nil {
		return invalidOnline("license not found"), nil
	}

	now := m.now()
	var errs []string
	if l.SchoolID != req.SchoolID {
		errs = append(errs, "school id does not match license")
	}
	if l.Blacklisted {
		msg := "license is blacklisted"
		if l.BlacklistReason != "" {
			msg += ": " + l.BlacklistReason
		}
		errs = append(errs, msg)
	}
	switch {
	case l.Status == licensing.StatusRevoked:
		errs = append(errs, "license has been revoked")
	case l.Status == licensing.StatusPending:
		errs = append(errs, "license is pending activation")
	case l.Status == licensing.StatusExpired || l.IsExpired(now):
		errs = append(errs, "license has expired")
	}

	refreshed := ""
	payload, err := m.tokens.Verify(l.LicenseToken)
	switch {
	case errors.Is(err, lerrors.ErrTokenExpired):
		// short-lived tokens are renewed while the license itself is valid
		if len(errs) > 0 {
			errs = append(errs, "license token has expired")
			break
		}
		if refreshed, err = m.issueToken(l, now); err != nil {
			return nil, lerrors.WrapInternal("validate", err)
		}
	case err != nil:
		errs = append(errs, "license token is invalid")
	case payload.LicenseID != l.ID || payload.SchoolID != l.SchoolID:
		errs = append(errs, "license token does not match license")
	}

	if !m.hasher.VerifyKeyedHash(contentFields(l), l.LicenseHash) {
		errs = append(errs, "license integrity check failed")
	}
	if fp, err := m.recordFingerprint(l); err != nil || fp != l.Fingerprint {
		errs = append(errs, "license record fingerprint mismatch")
	}
	if req.Access != nil {
		errs = append(errs, l.SecurityRestrictions.CheckAccess(*req.Access)...)
	}

	if len(errs) > 0 {
		log.Debug().Str("license_id", l.ID).Strs("errors", errs).Msg("Online validation failed")
		res := invalidOnline(errs...)
		res.LicenseID = l.ID
		res.Status = l.Status
		return res, nil
	}

	var results []licensing.FeatureValidation
	if len(req.Features) > 0 {
		results = l.Evaluator().ValidateFeatures(req.Features, req.FeatureContext)
		for _, r := range results {
			metrics.RecordFeatureCheck(r.Name, r.IsValid)
		}
	}

	l.LastChecked = &now
	if refreshed != "" {
		l.LicenseToken = refreshed
	}
	if err := m.update(ctx, "validate", l); err != nil {
		return nil, err
	}

	metrics.RecordValidation("online", true)
	expiresAt := l.ExpiresAt
	return &ValidationResult{
		Valid:          true,
		LicenseID:      l.ID,
		SchoolID:       l.SchoolID,
		SchoolName:     l.SchoolName,
		Status:         l.Status,
		Features:       l.EnabledFeatureNames(),
		ExpiresAt:      &expiresAt,
		DaysRemaining:  l.DaysRemaining(now),
		SecurityInfo:   l.SecurityRestrictions.Info(l.Fingerprint),
		FeatureResults: results,
		Token:          l.LicenseToken,
	}, nil
}

func invalidOffline(format string, args ...any) *OfflineValidationResult {
	metrics.RecordValidation("offline", false)
	return &OfflineValidationResult{Valid: false, Message: fmt.Sprintf(format, args...)}
}

// ValidateOffline checks an activation hex without network-side state
// beyond the stored license. A license found past its expiry is demoted
// to EXPIRED.
func (m *Manager) ValidateOffline(ctx context.Context, req OfflineValidateRequest) (*OfflineValidationResult, error) {
	if m.mode == ModeOnline {
		return invalidOffline("offline validation is disabled in online mode"), nil
	}
	if err := checkRequest(req); err != nil {
		return invalidOffline("%s", describeValidation(errors.Unwrap(err))), nil
	}

	l, err := m.repo.FindByHex(ctx, req.LicenseHex)
	if err != nil {
		return nil, lerrors.WrapInternal("validate_hex", err)
	}
	if l == nil {
		return invalidOffline("license not found"), nil
	}

	now := m.now()
	switch {
	case l.Blacklisted:
		return invalidOffline("license is blacklisted"), nil
	case l.Status == licensing.StatusRevoked:
		return invalidOffline("license has been revoked"), nil
	case l.Status == licensing.StatusExpired || l.ActivationStatus == licensing.ActivationExpired:
		return invalidOffline("license has expired"), nil
	case !l.IsActivated():
		return invalidOffline("license is not activated"), nil
	case l.SchoolID != req.SchoolID:
		return invalidOffline("school id does not match license"), nil
	case l.IsExpired(now):
		if err := m.expire(ctx, l, now, "validate_hex"); err != nil {
			return nil, err
		}
		return invalidOffline("license has expired"), nil
	}

	if err := m.hex.Validate(req.LicenseHex, l); err != nil {
		log.Debug().Err(err).Str("license_id", l.ID).Msg("Hex validation failed")
		return invalidOffline("license hex is invalid: %v", err), nil
	}
	if !m.hasher.VerifyKeyedHash(contentFields(l), l.LicenseHash) {
		return invalidOffline("license integrity check failed"), nil
	}
	if hb := l.SecurityRestrictions.HardwareBinding; hb != nil && hb.Enabled {
		if req.HardwareFingerprint == "" || !l.SecurityRestrictions.AllowsHardware(req.HardwareFingerprint) {
			return invalidOffline("hardware not registered for this license"), nil
		}
	}

	l.LastVerificationAt = &now
	if err := m.update(ctx, "validate_hex", l); err != nil {
		return nil, err
	}

	metrics.RecordValidation("offline", true)
	expiresAt := l.ExpiresAt
	return &OfflineValidationResult{
		Valid:         true,
		Message:       "license is valid",
		LicenseID:     l.ID,
		SchoolID:      l.SchoolID,
		SchoolName:    l.SchoolName,
		Features:      l.EnabledFeatureNames(),
		ExpiresAt:     &expiresAt,
		DaysRemaining: l.DaysRemaining(now),
	}, nil
}

// expire demotes l to EXPIRED and persists it.
func (m *Manager) expire(ctx context.Context, l *licensing.License, now time.Time, op string) error {
	before := l.Clone()
	l.Status = licensing.StatusExpired
	if l.ActivationStatus == licensing.ActivationActivated {
		l.ActivationStatus = licensing.ActivationExpired
	}
	l.UpdatedAt = now
	if err := m.update(ctx, op, l); err != nil {
		return err
	}
	m.audit(ctx, l, audit.ActionLicenseExpired, "system", before, l.Clone(), nil)
	logTransition(ctx, op, l)
	return nil
}

// RefreshHex issues a new activation hex for an activated license, for
// clients whose previous hex fell outside the clock skew window.
func (m *Manager) RefreshHex(ctx context.Context, id, actor string) (_ *licensing.License, err error) {
	defer func() { err = finish("refresh_hex", err) }()

	l, err := m.load(ctx, "refresh_hex", id)
	if err != nil {
		return nil, err
	}

	now := m.now()
	switch {
	case l.Status == licensing.StatusRevoked:
		return nil, lerrors.NewLicenseError(lerrors.CodeLicenseRevoked, "license %s has been revoked", id)
	case l.Blacklisted:
		return nil, lerrors.NewLicenseError(lerrors.CodeLicenseBlacklisted, "license %s is blacklisted", id)
	case l.Status == licensing.StatusExpired || l.IsExpired(now):
		return nil, lerrors.NewLicenseError(lerrors.CodeLicenseExpired, "license %s has expired", id)
	case !l.IsActivated():
		return nil, lerrors.NewLicenseError(lerrors.CodeInvalidRequest, "license %s is not activated", id)
	}

	hex, err := m.hex.Encode(l)
	if err != nil {
		return nil, lerrors.WrapInternal("refresh_hex", err)
	}
	l.LicenseHex = hex
	l.UpdatedBy = actor
	l.UpdatedAt = now
	if err := m.update(ctx, "refresh_hex", l); err != nil {
		return nil, err
	}

	m.audit(ctx, l, audit.ActionLicenseHexRefreshed, actor, nil, nil, nil)
	return l, nil
}
