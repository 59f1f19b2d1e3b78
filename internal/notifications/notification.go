package notifications

import (
	"fmt"
	"time"

	"github.com/rcourtman/campus-license/pkg/licensing"
)

// Kind identifies a license event worth telling someone about.
type Kind string

const (
	KindLicenseRevoked      Kind = "license_revoked"
	KindLicenseExpired      Kind = "license_expired"
	KindLicenseExpiringSoon Kind = "license_expiring_soon"
	KindLicenseTransferred  Kind = "license_transferred"
	KindLicenseRenewed      Kind = "license_renewed"
	KindLicenseBlacklisted  Kind = "license_blacklisted"
)

// Notification is a delivery-agnostic message. Sinks decide how to render
// and where to send it.
type Notification struct {
	ID         string         `json:"id"`
	Kind       Kind           `json:"kind"`
	LicenseID  string         `json:"licenseId"`
	SchoolID   string         `json:"schoolId"`
	SchoolName string         `json:"schoolName,omitempty"`
	Subject    string         `json:"subject"`
	Body       string         `json:"body"`
	Recipients []string       `json:"recipients,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

func base(kind Kind, l *licensing.License) Notification {
	return Notification{
		Kind:       kind,
		LicenseID:  l.ID,
		SchoolID:   l.SchoolID,
		SchoolName: l.SchoolName,
		Data:       map[string]any{"licenseKey": l.LicenseKey, "expiresAt": l.ExpiresAt},
	}
}

// LicenseRevoked tells the school its license was revoked.
func LicenseRevoked(l *licensing.License, reason string) Notification {
	n := base(KindLicenseRevoked, l)
	n.Subject = fmt.Sprintf("License revoked for %s", l.SchoolName)
	n.Body = fmt.Sprintf("License %s has been revoked.", l.LicenseKey)
	if reason != "" {
		n.Body += " Reason: " + reason
		n.Data["reason"] = reason
	}
	return n
}

// LicenseExpired tells the school its license lapsed.
func LicenseExpired(l *licensing.License) Notification {
	n := base(KindLicenseExpired, l)
	n.Subject = fmt.Sprintf("License expired for %s", l.SchoolName)
	n.Body = fmt.Sprintf("License %s expired on %s.", l.LicenseKey, l.ExpiresAt.Format(time.DateOnly))
	return n
}

// LicenseExpiringSoon warns ahead of expiry.
func LicenseExpiringSoon(l *licensing.License, daysRemaining int) Notification {
	n := base(KindLicenseExpiringSoon, l)
	n.Subject = fmt.Sprintf("License for %s expires in %d days", l.SchoolName, daysRemaining)
	n.Body = fmt.Sprintf("License %s expires on %s. Renew it to avoid interruption.", l.LicenseKey, l.ExpiresAt.Format(time.DateOnly))
	n.Data["daysRemaining"] = daysRemaining
	return n
}

// LicenseTransferred reports a move between schools.
func LicenseTransferred(l *licensing.License, fromSchoolID, fromSchoolName string) Notification {
	n := base(KindLicenseTransferred, l)
	n.Subject = fmt.Sprintf("License transferred to %s", l.SchoolName)
	n.Body = fmt.Sprintf("License %s was transferred from %s to %s.", l.LicenseKey, fromSchoolName, l.SchoolName)
	n.Data["fromSchoolId"] = fromSchoolID
	n.Data["fromSchoolName"] = fromSchoolName
	return n
}

// LicenseRenewed confirms a renewal.
func LicenseRenewed(l *licensing.License) Notification {
	n := base(KindLicenseRenewed, l)
	n.Subject = fmt.Sprintf("License renewed for %s", l.SchoolName)
	n.Body = fmt.Sprintf("License %s is now valid until %s.", l.LicenseKey, l.ExpiresAt.Format(time.DateOnly))
	return n
}

// LicenseBlacklisted is an admin alert.
func LicenseBlacklisted(l *licensing.License, reason string, admins []string) Notification {
	n := base(KindLicenseBlacklisted, l)
	n.Subject = fmt.Sprintf("License blacklisted: %s (%s)", l.LicenseKey, l.SchoolName)
	n.Body = fmt.Sprintf("License %s for school %s was blacklisted. Reason: %s", l.LicenseKey, l.SchoolID, reason)
	n.Recipients = append([]string(nil), admins...)
	n.Data["reason"] = reason
	return n
}
