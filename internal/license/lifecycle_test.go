package license

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"testing"
	"time"

	"github.com/rcourtman/campus-license/internal/audit"
	"github.com/rcourtman/campus-license/internal/crypto"
	lerrors "github.com/rcourtman/campus-license/internal/errors"
	"github.com/rcourtman/campus-license/internal/notifications"
	"github.com/rcourtman/campus-license/pkg/licensing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var hex64 = regexp.MustCompile(`^[0-9a-f]{64}$`)

func TestIssue(t *testing.T) {
	h := newHarness(t)

	l, err := h.m.Issue(context.Background(), IssueRequest{
		SchoolID:     "s1",
		SchoolName:   "S",
		DurationDays: 365,
		Features:     []licensing.Feature{{Name: "f1", Enabled: true}},
	})
	require.NoError(t, err)

	assert.Equal(t, licensing.StatusActive, l.Status)
	assert.Equal(t, licensing.ActivationPending, l.ActivationStatus)
	assert.WithinDuration(t, l.IssuedAt.Add(365*24*time.Hour), l.ExpiresAt, time.Second)
	assert.Regexp(t, crypto.PublicKeyPattern, l.LicenseKey)
	assert.Regexp(t, hex64, l.LicenseHash)
	assert.Regexp(t, hex64, l.Fingerprint)
	assert.NotEmpty(t, l.LicenseToken)
	assert.Empty(t, l.LicenseHex)

	stored := h.repo.get(t, l.ID)
	assert.Equal(t, l.LicenseHash, stored.LicenseHash)
	assert.Equal(t, []string{audit.ActionLicenseIssued}, h.auditor.actions())
}

func TestIssueRejectsSecondActiveLicense(t *testing.T) {
	h := newHarness(t)
	original := h.issue(t, "s1", 365)

	_, err := h.m.Issue(context.Background(), IssueRequest{SchoolID: "s1", SchoolName: "Other"})
	require.Error(t, err)
	assert.ErrorIs(t, err, lerrors.ErrLicenseAlreadyExists)
	assert.Equal(t, http.StatusConflict, lerrors.HTTPStatus(err))

	stored := h.repo.get(t, original.ID)
	assert.Equal(t, original.LicenseHash, stored.LicenseHash)
	assert.Equal(t, original.SchoolName, stored.SchoolName)
	assert.Len(t, h.repo.order, 1)
}

func TestIssueRaceCaughtByStoreConstraint(t *testing.T) {
	h := newHarness(t)
	h.issue(t, "s1", 365)

	// simulate a concurrent issue that passed the pre-check
	h.repo.hideActive = true
	_, err := h.m.Issue(context.Background(), IssueRequest{SchoolID: "s1", SchoolName: "S"})
	assert.ErrorIs(t, err, lerrors.ErrLicenseAlreadyExists)
	assert.Len(t, h.repo.order, 1)
}

func TestIssueRetriesKeyCollisions(t *testing.T) {
	h := newHarness(t)

	h.repo.dupKeyCreates = maxKeyAttempts - 1
	l, err := h.m.Issue(context.Background(), IssueRequest{SchoolID: "s1", SchoolName: "S"})
	require.NoError(t, err)
	assert.Regexp(t, crypto.PublicKeyPattern, l.LicenseKey)

	h.repo.dupKeyCreates = maxKeyAttempts
	_, err = h.m.Issue(context.Background(), IssueRequest{SchoolID: "s2", SchoolName: "S2"})
	require.Error(t, err)
	assert.Equal(t, lerrors.KindInternal, lerrors.KindOf(err))
}

func TestIssueDefaultsAndModes(t *testing.T) {
	h := newHarness(t)
	l, err := h.m.Issue(context.Background(), IssueRequest{SchoolID: "s1", SchoolName: "S"})
	require.NoError(t, err)
	assert.Equal(t, 365*24*time.Hour, l.ExpiresAt.Sub(l.IssuedAt))
	assert.NotNil(t, l.Features)

	offline := newHarness(t, withMode(ModeOffline))
	pending := offline.issue(t, "s1", 30)
	assert.Equal(t, licensing.StatusPending, pending.Status)
	assert.Equal(t, licensing.ActivationPending, pending.ActivationStatus)
}

func TestIssueValidation(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name string
		req  IssueRequest
	}{
		{"missing school id", IssueRequest{SchoolName: "S"}},
		{"missing school name", IssueRequest{SchoolID: "s1"}},
		{"negative duration", IssueRequest{SchoolID: "s1", SchoolName: "S", DurationDays: -1}},
		{"unnamed feature", IssueRequest{SchoolID: "s1", SchoolName: "S", Features: []licensing.Feature{{Enabled: true}}}},
		{"device limit without devices", IssueRequest{SchoolID: "s1", SchoolName: "S", Restrictions: &licensing.SecurityRestrictions{
			DeviceLimit: &licensing.DeviceLimit{Enabled: true},
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.m.Issue(context.Background(), tt.req)
			assert.ErrorIs(t, err, lerrors.ErrInvalidRequest)
			assert.Equal(t, http.StatusBadRequest, lerrors.HTTPStatus(err))
		})
	}
	assert.Empty(t, h.repo.order)
}

func TestActivate(t *testing.T) {
	h := newHarness(t)
	l := h.issue(t, "s1", 365)

	activated := h.activate(t, l)
	assert.Equal(t, licensing.ActivationActivated, activated.ActivationStatus)
	assert.Equal(t, licensing.StatusActive, activated.Status)
	require.NotNil(t, activated.ActivatedAt)
	assert.Equal(t, testStart, *activated.ActivatedAt)
	assert.NotEmpty(t, activated.LicenseHex)
	assert.Equal(t, activated.LicenseHex, h.repo.get(t, l.ID).LicenseHex)

	_, err := h.m.Activate(context.Background(), ActivateRequest{LicenseKey: l.LicenseKey, SchoolID: "s1"})
	assert.ErrorIs(t, err, lerrors.ErrLicenseAlreadyActivated)
}

func TestActivateOfflineModePromotesPending(t *testing.T) {
	h := newHarness(t, withMode(ModeOffline))
	l := h.issue(t, "s1", 365)
	second := h.issue(t, "s1", 365)

	activated := h.activate(t, l)
	assert.Equal(t, licensing.StatusActive, activated.Status)

	_, err := h.m.Activate(context.Background(), ActivateRequest{LicenseKey: second.LicenseKey, SchoolID: "s1"})
	assert.ErrorIs(t, err, lerrors.ErrLicenseAlreadyExists)
}

func TestActivateSchoolMismatchCountsAttempts(t *testing.T) {
	h := newHarness(t)
	l := h.issue(t, "s1", 365)

	for i := 1; i <= 2; i++ {
		_, err := h.m.Activate(context.Background(), ActivateRequest{LicenseKey: l.LicenseKey, SchoolID: "intruder"})
		assert.ErrorIs(t, err, lerrors.ErrSchoolIDMismatch)
		assert.Equal(t, i, h.repo.get(t, l.ID).ActivationAttempts)
	}

	assert.Equal(t, audit.ActionActivationMismatch, h.auditor.last().Action)
	assert.Equal(t, 2, h.auditor.last().Metadata["activationAttempts"])
	assert.Equal(t, licensing.ActivationPending, h.repo.get(t, l.ID).ActivationStatus)

	// a write from a copy taken before the mismatches keeps the count
	require.NoError(t, h.repo.Update(context.Background(), l))
	assert.Equal(t, 2, h.repo.get(t, l.ID).ActivationAttempts)
}

func TestActivateRejections(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, h *harness, l *licensing.License)
		want  error
	}{
		{"revoked", func(t *testing.T, h *harness, l *licensing.License) {
			_, err := h.m.Revoke(context.Background(), l.ID, "fraud", "admin")
			require.NoError(t, err)
		}, lerrors.ErrLicenseRevoked},
		{"blacklisted", func(t *testing.T, h *harness, l *licensing.License) {
			_, err := h.m.Blacklist(context.Background(), l.ID, "abuse", "admin")
			require.NoError(t, err)
		}, lerrors.ErrLicenseBlacklisted},
		{"expired", func(t *testing.T, h *harness, l *licensing.License) {
			h.advance(31 * 24 * time.Hour)
		}, lerrors.ErrLicenseExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			l := h.issue(t, "s1", 30)
			tt.setup(t, h, l)

			_, err := h.m.Activate(context.Background(), ActivateRequest{LicenseKey: l.LicenseKey, SchoolID: "s1"})
			assert.ErrorIs(t, err, tt.want)
		})
	}

	h := newHarness(t)
	_, err := h.m.Activate(context.Background(), ActivateRequest{LicenseKey: "AAAAA-BBBBB-CCCCC-DDDDD", SchoolID: "s1"})
	assert.ErrorIs(t, err, lerrors.ErrInvalidLicenseKey)
	assert.Equal(t, http.StatusNotFound, lerrors.HTTPStatus(err))

	online := newHarness(t, withMode(ModeOnline))
	l := online.issue(t, "s1", 30)
	_, err = online.m.Activate(context.Background(), ActivateRequest{LicenseKey: l.LicenseKey, SchoolID: "s1"})
	assert.ErrorIs(t, err, lerrors.ErrActivationDisabled)
}

func TestActivateRegistersHardware(t *testing.T) {
	h := newHarness(t)
	fp := crypto.HardwareFingerprint(crypto.HardwareInfo{CPUID: "cpu", MACAddress: "00:11:22:33:44:55", DiskID: "disk"})

	l, err := h.m.Issue(context.Background(), IssueRequest{
		SchoolID:   "s1",
		SchoolName: "S",
		Restrictions: &licensing.SecurityRestrictions{
			HardwareBinding: &licensing.HardwareBinding{Enabled: true},
		},
	})
	require.NoError(t, err)

	activated, err := h.m.Activate(context.Background(), ActivateRequest{LicenseKey: l.LicenseKey, SchoolID: "s1", HardwareFingerprint: fp})
	require.NoError(t, err)
	assert.Equal(t, []string{fp}, activated.SecurityRestrictions.HardwareBinding.Fingerprints)
	assert.NotEqual(t, l.Fingerprint, activated.Fingerprint)

	res, err := h.m.ValidateOnline(context.Background(), ValidateRequest{LicenseKey: l.LicenseKey, SchoolID: "s1"})
	require.NoError(t, err)
	assert.True(t, res.Valid, "errors: %v", res.Errors)
	assert.True(t, res.SecurityInfo.HardwareBindingEnabled)
}

func TestRenew(t *testing.T) {
	t.Run("active license extends from current expiry", func(t *testing.T) {
		h := newHarness(t)
		l := h.issue(t, "s1", 365)
		h.advance(10 * 24 * time.Hour)

		renewed, err := h.m.Renew(context.Background(), RenewRequest{LicenseID: l.ID, DurationDays: 365, Actor: "admin"})
		require.NoError(t, err)
		assert.Equal(t, l.ExpiresAt.Add(365*24*time.Hour), renewed.ExpiresAt)
		assert.NotEqual(t, l.LicenseHash, renewed.LicenseHash)
		assert.NotEqual(t, l.LicenseToken, renewed.LicenseToken)
		assert.Equal(t, []notifications.Kind{notifications.KindLicenseRenewed}, h.notifier.kinds())
	})

	t.Run("expired license restarts from now", func(t *testing.T) {
		h := newHarness(t)
		l := h.issue(t, "s1", 30)
		h.advance(40 * 24 * time.Hour)
		_, err := h.m.CheckLicenses(context.Background())
		require.NoError(t, err)
		require.Equal(t, licensing.StatusExpired, h.repo.get(t, l.ID).Status)

		renewed, err := h.m.Renew(context.Background(), RenewRequest{LicenseID: l.ID, DurationDays: 365})
		require.NoError(t, err)
		assert.Equal(t, licensing.StatusActive, renewed.Status)
		assert.WithinDuration(t, h.clock.Now().Add(365*24*time.Hour), renewed.ExpiresAt, time.Second)
	})

	t.Run("pending offline license stays pending", func(t *testing.T) {
		h := newHarness(t, withMode(ModeOffline))
		l := h.issue(t, "s1", 10)
		require.Equal(t, licensing.StatusPending, l.Status)
		h.advance(11 * 24 * time.Hour)

		renewed, err := h.m.Renew(context.Background(), RenewRequest{LicenseID: l.ID, DurationDays: 365})
		require.NoError(t, err)
		assert.Equal(t, licensing.StatusPending, renewed.Status)
		assert.Equal(t, licensing.ActivationPending, renewed.ActivationStatus)
		assert.WithinDuration(t, h.clock.Now().Add(365*24*time.Hour), renewed.ExpiresAt, time.Second)

		res, err := h.m.ValidateOnline(context.Background(), ValidateRequest{LicenseKey: l.LicenseKey, SchoolID: "s1"})
		require.NoError(t, err)
		assert.False(t, res.Valid)

		activated := h.activate(t, renewed)
		assert.Equal(t, licensing.StatusActive, activated.Status)
	})

	t.Run("activated license gets a fresh hex", func(t *testing.T) {
		h := newHarness(t)
		l := h.activate(t, h.issue(t, "s1", 365))

		renewed, err := h.m.Renew(context.Background(), RenewRequest{LicenseID: l.ID})
		require.NoError(t, err)
		assert.NotEqual(t, l.LicenseHex, renewed.LicenseHex)

		res, err := h.m.ValidateOffline(context.Background(), OfflineValidateRequest{LicenseHex: renewed.LicenseHex, SchoolID: "s1"})
		require.NoError(t, err)
		assert.True(t, res.Valid, res.Message)
	})

	t.Run("revoked license stays revoked", func(t *testing.T) {
		h := newHarness(t)
		l := h.issue(t, "s1", 365)
		_, err := h.m.Revoke(context.Background(), l.ID, "", "admin")
		require.NoError(t, err)

		renewed, err := h.m.Renew(context.Background(), RenewRequest{LicenseID: l.ID, DurationDays: 30})
		require.NoError(t, err)
		assert.Equal(t, licensing.StatusRevoked, renewed.Status)
	})

	t.Run("missing license", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.m.Renew(context.Background(), RenewRequest{LicenseID: "nope"})
		assert.ErrorIs(t, err, lerrors.ErrLicenseNotFound)
	})
}

func TestTransfer(t *testing.T) {
	h := newHarness(t)
	l := h.issue(t, "s1", 365)

	moved, err := h.m.Transfer(context.Background(), TransferRequest{LicenseID: l.ID, NewSchoolID: "s2", NewSchoolName: "Second", Actor: "admin"})
	require.NoError(t, err)

	assert.Equal(t, "s2", moved.SchoolID)
	assert.Equal(t, "Second", moved.SchoolName)
	assert.Equal(t, l.Features, moved.Features)
	assert.Equal(t, l.Metadata, moved.Metadata)
	assert.Equal(t, l.IssuedAt, moved.IssuedAt)
	assert.Equal(t, l.ExpiresAt, moved.ExpiresAt)
	assert.NotEqual(t, l.LicenseKey, moved.LicenseKey)
	assert.NotEqual(t, l.LicenseHash, moved.LicenseHash)
	assert.NotEqual(t, l.LicenseToken, moved.LicenseToken)

	call := h.auditor.last()
	assert.Equal(t, audit.ActionLicenseTransferred, call.Action)
	assert.Equal(t, "s1", call.Before.(*licensing.License).SchoolID)
	assert.Equal(t, "s2", call.After.(*licensing.License).SchoolID)
	assert.Equal(t, notifications.KindLicenseTransferred, h.notifier.last().Kind)

	res, err := h.m.ValidateOnline(context.Background(), ValidateRequest{LicenseKey: moved.LicenseKey, SchoolID: "s2"})
	require.NoError(t, err)
	assert.True(t, res.Valid, "errors: %v", res.Errors)
}

func TestTransferRejections(t *testing.T) {
	h := newHarness(t)
	l := h.issue(t, "s1", 365)
	h.issue(t, "s2", 365)

	_, err := h.m.Transfer(context.Background(), TransferRequest{LicenseID: l.ID, NewSchoolID: "s1", NewSchoolName: "S"})
	assert.ErrorIs(t, err, lerrors.ErrInvalidTransfer)

	_, err = h.m.Transfer(context.Background(), TransferRequest{LicenseID: l.ID, NewSchoolID: "s2", NewSchoolName: "S2"})
	assert.ErrorIs(t, err, lerrors.ErrLicenseAlreadyExists)

	_, err = h.m.Transfer(context.Background(), TransferRequest{LicenseID: "missing", NewSchoolID: "s3", NewSchoolName: "S3"})
	assert.ErrorIs(t, err, lerrors.ErrLicenseNotFound)

	assert.Equal(t, "s1", h.repo.get(t, l.ID).SchoolID)
}

func TestRevoke(t *testing.T) {
	h := newHarness(t)
	l := h.issue(t, "s1", 365)

	revoked, err := h.m.Revoke(context.Background(), l.ID, "non-payment", "admin")
	require.NoError(t, err)
	assert.Equal(t, licensing.StatusRevoked, revoked.Status)
	require.NotNil(t, revoked.RevokedAt)
	assert.Equal(t, "non-payment", revoked.RevocationReason)
	assert.Equal(t, []notifications.Kind{notifications.KindLicenseRevoked}, h.notifier.kinds())

	_, err = h.m.Revoke(context.Background(), l.ID, "again", "admin")
	assert.ErrorIs(t, err, lerrors.ErrLicenseAlreadyRevoked)
	assert.Equal(t, http.StatusBadRequest, lerrors.HTTPStatus(err))
}

func TestBlacklistToggle(t *testing.T) {
	h := newHarness(t)
	l := h.issue(t, "s1", 365)

	flagged, err := h.m.Blacklist(context.Background(), l.ID, "key leaked", "admin")
	require.NoError(t, err)
	assert.True(t, flagged.Blacklisted)
	assert.Equal(t, licensing.StatusActive, flagged.Status)

	alert := h.notifier.last()
	assert.Equal(t, notifications.KindLicenseBlacklisted, alert.Kind)
	assert.Equal(t, []string{"security@example.com"}, alert.Recipients)

	res, err := h.m.ValidateOnline(context.Background(), ValidateRequest{LicenseKey: l.LicenseKey, SchoolID: "s1"})
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Errors, "license is blacklisted: key leaked")

	cleared, err := h.m.RemoveFromBlacklist(context.Background(), l.ID, "admin")
	require.NoError(t, err)
	assert.False(t, cleared.Blacklisted)
	assert.Empty(t, cleared.BlacklistReason)
	assert.Equal(t, audit.ActionLicenseUnblacklisted, h.auditor.last().Action)
}

func TestRemoveFromBlacklistIsNoOpWhenNotBlacklisted(t *testing.T) {
	h := newHarness(t)
	l := h.issue(t, "s1", 365)

	updates := h.repo.updateCount()
	auditCalls := len(h.auditor.actions())

	got, err := h.m.RemoveFromBlacklist(context.Background(), l.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, h.repo.get(t, l.ID), got)
	assert.Equal(t, updates, h.repo.updateCount())
	assert.Len(t, h.auditor.actions(), auditCalls)
}

func TestRegisterHardware(t *testing.T) {
	h := newHarness(t)
	l := h.issue(t, "s1", 365)
	fp := crypto.HardwareFingerprint(crypto.HardwareInfo{CPUID: "cpu", MACAddress: "mac", DiskID: "disk"})

	_, err := h.m.RegisterHardware(context.Background(), l.ID, fp, "admin")
	assert.ErrorIs(t, err, lerrors.ErrHardwareBindingDisabled)

	_, err = h.m.UpdateSecurityRestrictions(context.Background(), l.ID, licensing.SecurityRestrictions{
		HardwareBinding: &licensing.HardwareBinding{Enabled: true},
		DeviceLimit:     &licensing.DeviceLimit{Enabled: true, MaxDevices: 1},
	}, "admin")
	require.NoError(t, err)

	updated, err := h.m.RegisterHardware(context.Background(), l.ID, fp, "admin")
	require.NoError(t, err)
	assert.Equal(t, []string{fp}, updated.SecurityRestrictions.HardwareBinding.Fingerprints)
	assert.Equal(t, audit.ActionHardwareRegistered, h.auditor.last().Action)

	updates := h.repo.updateCount()
	_, err = h.m.RegisterHardware(context.Background(), l.ID, fp, "admin")
	require.NoError(t, err)
	assert.Equal(t, updates, h.repo.updateCount(), "known fingerprint is not rewritten")

	other := crypto.HardwareFingerprint(crypto.HardwareInfo{CPUID: "cpu2", MACAddress: "mac2", DiskID: "disk2"})
	_, err = h.m.RegisterHardware(context.Background(), l.ID, other, "admin")
	assert.ErrorIs(t, err, lerrors.ErrDeviceLimitExceeded)

	res, err := h.m.ValidateOnline(context.Background(), ValidateRequest{
		LicenseKey: l.LicenseKey,
		SchoolID:   "s1",
		Access:     &licensing.AccessContext{HardwareFingerprint: fp},
	})
	require.NoError(t, err)
	assert.True(t, res.Valid, "errors: %v", res.Errors)
}

func TestUpdateSecurityRestrictionsValidation(t *testing.T) {
	h := newHarness(t)
	l := h.issue(t, "s1", 365)

	_, err := h.m.UpdateSecurityRestrictions(context.Background(), l.ID, licensing.SecurityRestrictions{
		HardwareBinding: &licensing.HardwareBinding{Enabled: true, Fingerprints: []string{"not-a-fingerprint"}},
	}, "admin")
	assert.ErrorIs(t, err, lerrors.ErrInvalidRequest)
}

func TestGetAndGetBySchool(t *testing.T) {
	h := newHarness(t)
	l := h.issue(t, "s1", 365)

	got, err := h.m.Get(context.Background(), l.ID)
	require.NoError(t, err)
	assert.Equal(t, l.LicenseKey, got.LicenseKey)

	got, err = h.m.GetBySchool(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, l.ID, got.ID)

	_, err = h.m.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, lerrors.ErrLicenseNotFound)
	_, err = h.m.GetBySchool(context.Background(), "s9")
	assert.ErrorIs(t, err, lerrors.ErrLicenseNotFound)
}

func TestSideEffectFailuresDoNotFailOperations(t *testing.T) {
	h := newHarness(t, withNotifier(panickingNotifier{}))
	l := h.issue(t, "s1", 365)

	revoked, err := h.m.Revoke(context.Background(), l.ID, "fraud", "admin")
	require.NoError(t, err)
	assert.Equal(t, licensing.StatusRevoked, revoked.Status)
	assert.Equal(t, licensing.StatusRevoked, h.repo.get(t, l.ID).Status)
}

func TestPersistenceFailureIsInternal(t *testing.T) {
	h := newHarness(t)
	l := h.issue(t, "s1", 365)
	h.repo.updateErr[l.ID] = errors.New("database is locked")

	_, err := h.m.Revoke(context.Background(), l.ID, "", "admin")
	require.Error(t, err)
	assert.Equal(t, lerrors.KindInternal, lerrors.KindOf(err))
	assert.Equal(t, http.StatusInternalServerError, lerrors.HTTPStatus(err))
	assert.Empty(t, h.notifier.kinds())
}

func TestNewManagerValidation(t *testing.T) {
	h := newHarness(t)
	deps := Deps{Repository: h.repo, Hasher: h.m.hasher, Tokens: h.m.tokens, Hex: h.m.hex, Cipher: h.m.cipher}

	_, err := NewManager(Config{DefaultDuration: time.Hour}, Deps{})
	assert.Error(t, err)

	_, err = NewManager(Config{}, deps)
	var cfgErr *lerrors.ConfigError
	assert.ErrorAs(t, err, &cfgErr)

	_, err = NewManager(Config{Mode: "cloud", DefaultDuration: time.Hour}, deps)
	assert.ErrorAs(t, err, &cfgErr)

	m, err := NewManager(Config{DefaultDuration: time.Hour}, deps)
	require.NoError(t, err)
	assert.Equal(t, ModeHybrid, m.Mode())
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ModeHybrid, "online": ModeOnline, " OFFLINE ": ModeOffline, "hybrid": ModeHybrid} {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseMode("edge")
	assert.Error(t, err)
}
