package license

import (
	"context"
	"fmt"
	"time"

	lerrors "github.com/rcourtman/campus-license/internal/errors"
	"github.com/rcourtman/campus-license/internal/logging"
	"github.com/rcourtman/campus-license/internal/metrics"
	"github.com/rcourtman/campus-license/internal/notifications"
	"github.com/rcourtman/campus-license/pkg/licensing"
	"github.com/rs/zerolog/log"
)

// Sweep actions reported per license.
const (
	SweepActionChecked      = "checked"
	SweepActionExpired      = "expired"
	SweepActionExpiringSoon = "expiring_soon"
	SweepActionSkipped      = "skipped"
	SweepActionFailed       = "failed"
)

// SweepDetail describes what the sweep did with one license.
type SweepDetail struct {
	LicenseID string           `json:"licenseId"`
	SchoolID  string           `json:"schoolId"`
	Status    licensing.Status `json:"status"`
	Action    string           `json:"action"`
	Error     string           `json:"error,omitempty"`
}

// SweepReport summarises a CheckLicenses run.
type SweepReport struct {
	TotalChecked int           `json:"totalChecked"`
	Active       int           `json:"active"`
	Expired      int           `json:"expired"`
	Revoked      int           `json:"revoked"`
	Pending      int           `json:"pending"`
	Failed       int           `json:"failed"`
	Details      []SweepDetail `json:"details"`
}

// CheckLicenses walks every license once: ACTIVE licenses past expiry are
// demoted with a notification, those inside the expiring-soon window get a
// reminder and live ones have lastChecked bumped. Per-license failures are
// counted and never stop the sweep. Only a failure to list licenses is
// returned. The sweep is not cancellable once the list is loaded.
func (m *Manager) CheckLicenses(ctx context.Context) (_ *SweepReport, err error) {
	defer func() { err = finish("sweep", err) }()

	start := time.Now()
	licenses, err := m.repo.List(ctx)
	if err != nil {
		return nil, lerrors.WrapInternal("sweep", err)
	}

	// per-item writes must not be cut short by the caller going away
	ctx = context.WithoutCancel(ctx)
	window, _ := m.tunables()

	report := &SweepReport{Details: make([]SweepDetail, 0, len(licenses))}
	for _, l := range licenses {
		report.TotalChecked++
		detail := m.sweepOne(ctx, l, window)
		switch detail.Action {
		case SweepActionFailed:
			report.Failed++
		default:
			switch detail.Status {
			case licensing.StatusActive:
				report.Active++
			case licensing.StatusExpired:
				report.Expired++
			case licensing.StatusRevoked:
				report.Revoked++
			case licensing.StatusPending:
				report.Pending++
			}
		}
		report.Details = append(report.Details, detail)
	}

	metrics.SweepLicenses.WithLabelValues("active").Set(float64(report.Active))
	metrics.SweepLicenses.WithLabelValues("expired").Set(float64(report.Expired))
	metrics.SweepLicenses.WithLabelValues("revoked").Set(float64(report.Revoked))
	metrics.SweepLicenses.WithLabelValues("pending").Set(float64(report.Pending))
	metrics.SweepLicenses.WithLabelValues("failed").Set(float64(report.Failed))
	metrics.SweepDuration.Observe(time.Since(start).Seconds())

	logger := logging.FromContext(ctx)
	logger.Info().
		Int("total", report.TotalChecked).
		Int("active", report.Active).
		Int("expired", report.Expired).
		Int("revoked", report.Revoked).
		Int("pending", report.Pending).
		Int("failed", report.Failed).
		Dur("duration", time.Since(start)).
		Msg("License sweep completed")
	return report, nil
}

func (m *Manager) sweepOne(ctx context.Context, l *licensing.License, window time.Duration) (detail SweepDetail) {
	detail = SweepDetail{LicenseID: l.ID, SchoolID: l.SchoolID, Status: l.Status, Action: SweepActionSkipped}
	defer func() {
		if r := recover(); r != nil {
			detail.Action = SweepActionFailed
			detail.Error = fmt.Sprintf("panic: %v", r)
			log.Error().Interface("panic", r).Str("license_id", l.ID).Msg("License sweep item panicked")
		}
	}()

	if l.Status != licensing.StatusActive {
		return detail
	}

	now := m.now()
	if l.IsExpired(now) {
		if err := m.expire(ctx, l, now, "sweep"); err != nil {
			return failedDetail(detail, l, err)
		}
		m.notify(ctx, notifications.LicenseExpired(l))
		detail.Status = l.Status
		detail.Action = SweepActionExpired
		return detail
	}

	detail.Action = SweepActionChecked
	if l.ExpiresAt.Sub(now) <= window {
		m.notify(ctx, notifications.LicenseExpiringSoon(l, l.DaysRemaining(now)))
		detail.Action = SweepActionExpiringSoon
	}

	l.LastChecked = &now
	if err := m.update(ctx, "sweep", l); err != nil {
		return failedDetail(detail, l, err)
	}
	return detail
}

func failedDetail(detail SweepDetail, l *licensing.License, err error) SweepDetail {
	log.Warn().Err(err).Str("license_id", l.ID).Msg("License sweep item failed")
	detail.Action = SweepActionFailed
	detail.Error = err.Error()
	return detail
}
