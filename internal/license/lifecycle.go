package license

import (
	"context"
	"errors"
	"maps"

	"github.com/rcourtman/campus-license/internal/audit"
	"github.com/rcourtman/campus-license/internal/crypto"
	lerrors "github.com/rcourtman/campus-license/internal/errors"
	"github.com/rcourtman/campus-license/internal/notifications"
	"github.com/rcourtman/campus-license/pkg/licensing"
	"github.com/rs/zerolog/log"
)

// Issue creates a license for a school that holds no ACTIVE license.
func (m *Manager) Issue(ctx context.Context, req IssueRequest) (_ *licensing.License, err error) {
	defer func() { err = finish("issue", err) }()

	if err := checkRequest(req); err != nil {
		return nil, err
	}
	existing, err := m.repo.FindActiveBySchool(ctx, req.SchoolID)
	if err != nil {
		return nil, lerrors.WrapInternal("issue", err)
	}
	if existing != nil {
		return nil, lerrors.NewLicenseError(lerrors.CodeLicenseAlreadyExists, "school %s already holds active license %s", req.SchoolID, existing.ID)
	}

	duration := m.defaultDuration
	if req.DurationDays > 0 {
		duration = days(req.DurationDays)
	}

	now := m.now()
	l := &licensing.License{
		ID:               newLicenseID(),
		SchoolID:         req.SchoolID,
		SchoolName:       req.SchoolName,
		Features:         licensing.CloneFeatures(req.Features),
		IssuedAt:         now,
		ExpiresAt:        now.Add(duration),
		Status:           licensing.StatusActive,
		ActivationStatus: licensing.ActivationPending,
		CreatedBy:        req.CreatedBy,
		UpdatedBy:        req.CreatedBy,
		CreatedAt:        now,
		UpdatedAt:        now,
		Metadata:         maps.Clone(req.Metadata),
	}
	if l.Features == nil {
		l.Features = []licensing.Feature{}
	}
	if req.Restrictions != nil {
		l.SecurityRestrictions = req.Restrictions.Clone()
	}
	if m.mode == ModeOffline {
		l.Status = licensing.StatusPending
	}

	for attempt := 1; ; attempt++ {
		if l.LicenseKey, err = crypto.RandomPublicKey(); err != nil {
			return nil, lerrors.WrapInternal("issue", err)
		}
		if err := m.seal(l, now, false); err != nil {
			return nil, lerrors.WrapInternal("issue", err)
		}
		err = m.repo.Create(ctx, l)
		if err == nil {
			break
		}
		if errors.Is(err, licensing.ErrDuplicateKey) && attempt < maxKeyAttempts {
			log.Debug().Int("attempt", attempt).Msg("License key collision, regenerating")
			continue
		}
		return nil, persistErr("issue", err)
	}

	m.audit(ctx, l, audit.ActionLicenseIssued, req.CreatedBy, nil, l.Clone(), map[string]any{"durationDays": int(duration.Hours() / 24), "mode": string(m.mode)})
	logTransition(ctx, "issue", l)
	return l, nil
}

// Activate binds a license key to the requesting school and produces the
// offline hex.
func (m *Manager) Activate(ctx context.Context, req ActivateRequest) (_ *licensing.License, err error) {
	defer func() { err = finish("activate", err) }()

	if m.mode == ModeOnline {
		return nil, lerrors.NewLicenseError(lerrors.CodeActivationDisabled, "offline activation is disabled in online mode")
	}
	if err := checkRequest(req); err != nil {
		return nil, err
	}

	l, err := m.repo.FindByKey(ctx, req.LicenseKey)
	if err != nil {
		return nil, lerrors.WrapInternal("activate", err)
	}
	if l == nil {
		return nil, lerrors.NewLicenseError(lerrors.CodeInvalidLicenseKey, "license key not recognised")
	}

	now := m.now()
	switch {
	case l.IsActivated():
		return nil, lerrors.NewLicenseError(lerrors.CodeLicenseAlreadyActivated, "license %s is already activated", l.ID)
	case l.Status == licensing.StatusRevoked:
		return nil, lerrors.NewLicenseError(lerrors.CodeLicenseRevoked, "license %s has been revoked", l.ID)
	case l.Blacklisted:
		return nil, lerrors.NewLicenseError(lerrors.CodeLicenseBlacklisted, "license %s is blacklisted", l.ID)
	case l.Status == licensing.StatusExpired || l.IsExpired(now):
		return nil, lerrors.NewLicenseError(lerrors.CodeLicenseExpired, "license %s expired on %s", l.ID, l.ExpiresAt.Format("2006-01-02"))
	case l.SchoolID != req.SchoolID:
		attempts, err := m.repo.IncrementActivationAttempts(ctx, l.ID)
		if err != nil {
			return nil, lerrors.WrapInternal("activate", err)
		}
		m.audit(ctx, l, audit.ActionActivationMismatch, req.Actor, nil, nil, map[string]any{
			"requestedSchoolId":  req.SchoolID,
			"activationAttempts": attempts,
		})
		log.Warn().
			Str("license_id", l.ID).
			Str("requested_school_id", req.SchoolID).
			Int("activation_attempts", attempts).
			Msg("Activation attempted with mismatched school")
		return nil, lerrors.NewLicenseError(lerrors.CodeSchoolIDMismatch, "license is not issued to school %s", req.SchoolID)
	}

	if l.Status != licensing.StatusActive {
		other, err := m.repo.FindActiveBySchool(ctx, l.SchoolID)
		if err != nil {
			return nil, lerrors.WrapInternal("activate", err)
		}
		if other != nil && other.ID != l.ID {
			return nil, lerrors.NewLicenseError(lerrors.CodeLicenseAlreadyExists, "school %s already holds active license %s", l.SchoolID, other.ID)
		}
	}

	before := l.Clone()
	if req.HardwareFingerprint != "" && l.SecurityRestrictions.HardwareBinding != nil && l.SecurityRestrictions.HardwareBinding.Enabled {
		if _, err := l.SecurityRestrictions.RegisterHardware(req.HardwareFingerprint); err != nil {
			return nil, err
		}
	}

	l.ActivationStatus = licensing.ActivationActivated
	l.ActivatedAt = &now
	l.Status = licensing.StatusActive
	l.UpdatedBy = req.Actor
	l.UpdatedAt = now
	if err := m.seal(l, now, true); err != nil {
		return nil, lerrors.WrapInternal("activate", err)
	}
	if err := m.update(ctx, "activate", l); err != nil {
		return nil, err
	}

	m.audit(ctx, l, audit.ActionLicenseActivated, req.Actor, before, l.Clone(), nil)
	logTransition(ctx, "activate", l)
	return l, nil
}

// Renew extends a license. Expired licenses restart from now; live ones
// extend from their current expiry.
func (m *Manager) Renew(ctx context.Context, req RenewRequest) (_ *licensing.License, err error) {
	defer func() { err = finish("renew", err) }()

	if err := checkRequest(req); err != nil {
		return nil, err
	}
	l, err := m.load(ctx, "renew", req.LicenseID)
	if err != nil {
		return nil, err
	}

	duration := m.defaultDuration
	if req.DurationDays > 0 {
		duration = days(req.DurationDays)
	}

	now := m.now()
	before := l.Clone()
	if l.Status == licensing.StatusExpired || l.IsExpired(now) {
		l.ExpiresAt = now.Add(duration)
		if l.ActivationStatus == licensing.ActivationExpired {
			l.ActivationStatus = licensing.ActivationActivated
		}
		switch {
		case l.Status == licensing.StatusRevoked, l.Status == licensing.StatusPending:
			// revocation survives renewal and pending licenses still need activation
		case m.mode == ModeOffline && !l.IsActivated():
			l.Status = licensing.StatusPending
		default:
			l.Status = licensing.StatusActive
		}
	} else {
		l.ExpiresAt = l.ExpiresAt.Add(duration)
	}
	l.UpdatedBy = req.Actor
	l.UpdatedAt = now

	if err := m.seal(l, now, l.LicenseHex != ""); err != nil {
		return nil, lerrors.WrapInternal("renew", err)
	}
	if err := m.update(ctx, "renew", l); err != nil {
		return nil, err
	}

	m.audit(ctx, l, audit.ActionLicenseRenewed, req.Actor, before, l.Clone(), map[string]any{
		"durationDays":      int(duration.Hours() / 24),
		"previousExpiresAt": before.ExpiresAt,
	})
	m.notify(ctx, notifications.LicenseRenewed(l))
	logTransition(ctx, "renew", l)
	return l, nil
}

// Transfer moves a license to another school, preserving entitlements and
// validity window and regenerating key material.
func (m *Manager) Transfer(ctx context.Context, req TransferRequest) (_ *licensing.License, err error) {
	defer func() { err = finish("transfer", err) }()

	if err := checkRequest(req); err != nil {
		return nil, err
	}
	l, err := m.load(ctx, "transfer", req.LicenseID)
	if err != nil {
		return nil, err
	}
	if l.SchoolID == req.NewSchoolID {
		return nil, lerrors.NewLicenseError(lerrors.CodeInvalidTransfer, "license already belongs to school %s", req.NewSchoolID)
	}
	target, err := m.repo.FindActiveBySchool(ctx, req.NewSchoolID)
	if err != nil {
		return nil, lerrors.WrapInternal("transfer", err)
	}
	if target != nil {
		return nil, lerrors.NewLicenseError(lerrors.CodeLicenseAlreadyExists, "school %s already holds active license %s", req.NewSchoolID, target.ID)
	}

	now := m.now()
	before := l.Clone()
	l.SchoolID = req.NewSchoolID
	l.SchoolName = req.NewSchoolName
	l.UpdatedBy = req.Actor
	l.UpdatedAt = now

	for attempt := 1; ; attempt++ {
		if l.LicenseKey, err = crypto.RandomPublicKey(); err != nil {
			return nil, lerrors.WrapInternal("transfer", err)
		}
		if err := m.seal(l, now, l.LicenseHex != ""); err != nil {
			return nil, lerrors.WrapInternal("transfer", err)
		}
		err = m.repo.Update(ctx, l)
		if err == nil {
			break
		}
		if errors.Is(err, licensing.ErrDuplicateKey) && attempt < maxKeyAttempts {
			continue
		}
		return nil, persistErr("transfer", err)
	}

	m.audit(ctx, l, audit.ActionLicenseTransferred, req.Actor, before, l.Clone(), map[string]any{
		"fromSchoolId": before.SchoolID,
		"toSchoolId":   l.SchoolID,
	})
	m.notify(ctx, notifications.LicenseTransferred(l, before.SchoolID, before.SchoolName))
	logTransition(ctx, "transfer", l)
	return l, nil
}

// Revoke permanently invalidates a license.
func (m *Manager) Revoke(ctx context.Context, id, reason, actor string) (_ *licensing.License, err error) {
	defer func() { err = finish("revoke", err) }()

	l, err := m.load(ctx, "revoke", id)
	if err != nil {
		return nil, err
	}
	if l.Status == licensing.StatusRevoked {
		return nil, lerrors.NewLicenseError(lerrors.CodeLicenseAlreadyRevoked, "license %s is already revoked", id)
	}

	now := m.now()
	before := l.Clone()
	l.Status = licensing.StatusRevoked
	l.RevokedAt = &now
	l.RevocationReason = reason
	l.UpdatedBy = actor
	l.UpdatedAt = now
	if err := m.update(ctx, "revoke", l); err != nil {
		return nil, err
	}

	m.audit(ctx, l, audit.ActionLicenseRevoked, actor, before, l.Clone(), map[string]any{"reason": reason})
	m.notify(ctx, notifications.LicenseRevoked(l, reason))
	logTransition(ctx, "revoke", l)
	return l, nil
}

// Blacklist flags a license as invalid regardless of status and alerts
// administrators.
func (m *Manager) Blacklist(ctx context.Context, id, reason, actor string) (_ *licensing.License, err error) {
	defer func() { err = finish("blacklist", err) }()

	l, err := m.load(ctx, "blacklist", id)
	if err != nil {
		return nil, err
	}

	before := l.Clone()
	l.Blacklisted = true
	l.BlacklistReason = reason
	l.UpdatedBy = actor
	l.UpdatedAt = m.now()
	if err := m.update(ctx, "blacklist", l); err != nil {
		return nil, err
	}

	_, admins := m.tunables()
	m.audit(ctx, l, audit.ActionLicenseBlacklisted, actor, before, l.Clone(), map[string]any{"reason": reason})
	m.notify(ctx, notifications.LicenseBlacklisted(l, reason, admins))
	logTransition(ctx, "blacklist", l)
	return l, nil
}

// RemoveFromBlacklist clears the blacklist flag. A license that is not
// blacklisted is returned untouched with no write and no audit entry.
func (m *Manager) RemoveFromBlacklist(ctx context.Context, id, actor string) (_ *licensing.License, err error) {
	defer func() { err = finish("unblacklist", err) }()

	l, err := m.load(ctx, "unblacklist", id)
	if err != nil {
		return nil, err
	}
	if !l.Blacklisted {
		return l, nil
	}

	before := l.Clone()
	l.Blacklisted = false
	l.BlacklistReason = ""
	l.UpdatedBy = actor
	l.UpdatedAt = m.now()
	if err := m.update(ctx, "unblacklist", l); err != nil {
		return nil, err
	}

	m.audit(ctx, l, audit.ActionLicenseUnblacklisted, actor, before, l.Clone(), nil)
	logTransition(ctx, "unblacklist", l)
	return l, nil
}

// RegisterHardware adds a device fingerprint to a license with hardware
// binding enabled. Registering a known fingerprint is a no-op.
func (m *Manager) RegisterHardware(ctx context.Context, id, fingerprint, actor string) (_ *licensing.License, err error) {
	defer func() { err = finish("register_hardware", err) }()

	l, err := m.load(ctx, "register_hardware", id)
	if err != nil {
		return nil, err
	}

	before := l.Clone()
	added, err := l.SecurityRestrictions.RegisterHardware(fingerprint)
	if err != nil {
		return nil, err
	}
	if !added {
		return l, nil
	}

	now := m.now()
	l.UpdatedBy = actor
	l.UpdatedAt = now
	if err := m.seal(l, now, false); err != nil {
		return nil, lerrors.WrapInternal("register_hardware", err)
	}
	if err := m.update(ctx, "register_hardware", l); err != nil {
		return nil, err
	}

	m.audit(ctx, l, audit.ActionHardwareRegistered, actor, before, l.Clone(), map[string]any{"fingerprint": fingerprint})
	return l, nil
}

// UpdateSecurityRestrictions replaces the restriction blocks and reseals
// the license.
func (m *Manager) UpdateSecurityRestrictions(ctx context.Context, id string, restrictions licensing.SecurityRestrictions, actor string) (_ *licensing.License, err error) {
	defer func() { err = finish("update_restrictions", err) }()

	if err := checkRequest(restrictions); err != nil {
		return nil, err
	}
	l, err := m.load(ctx, "update_restrictions", id)
	if err != nil {
		return nil, err
	}

	now := m.now()
	before := l.Clone()
	l.SecurityRestrictions = restrictions.Clone()
	l.UpdatedBy = actor
	l.UpdatedAt = now
	if err := m.seal(l, now, false); err != nil {
		return nil, lerrors.WrapInternal("update_restrictions", err)
	}
	if err := m.update(ctx, "update_restrictions", l); err != nil {
		return nil, err
	}

	m.audit(ctx, l, audit.ActionRestrictionsUpdated, actor, before, l.Clone(), nil)
	return l, nil
}

// Get returns a license by id.
func (m *Manager) Get(ctx context.Context, id string) (*licensing.License, error) {
	return m.load(ctx, "get", id)
}

// GetBySchool returns the school's ACTIVE license.
func (m *Manager) GetBySchool(ctx context.Context, schoolID string) (*licensing.License, error) {
	l, err := m.repo.FindActiveBySchool(ctx, schoolID)
	if err != nil {
		return nil, lerrors.WrapInternal("get_by_school", err)
	}
	if l == nil {
		return nil, lerrors.NewLicenseError(lerrors.CodeLicenseNotFound, "school %s has no active license", schoolID)
	}
	return l, nil
}
