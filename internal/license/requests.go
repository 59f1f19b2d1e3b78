package license

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rcourtman/campus-license/internal/crypto"
	lerrors "github.com/rcourtman/campus-license/internal/errors"
	"github.com/rcourtman/campus-license/pkg/licensing"
)

// IssueRequest describes a new license.
type IssueRequest struct {
	SchoolID   string `json:"schoolId" validate:"required,max=128"`
	SchoolName string `json:"schoolName" validate:"required,max=256"`
	// Duration in days. Zero selects the configured default.
	DurationDays int                             `json:"duration" validate:"gte=0,lte=36500"`
	Features     []licensing.Feature             `json:"features" validate:"dive"`
	Restrictions *licensing.SecurityRestrictions `json:"securityRestrictions,omitempty"`
	Metadata     map[string]any                  `json:"metadata,omitempty"`
	CreatedBy    string                          `json:"createdBy,omitempty"`
}

// ActivateRequest binds a license key to the requesting school.
type ActivateRequest struct {
	LicenseKey          string `json:"licenseKey" validate:"required"`
	SchoolID            string `json:"schoolId" validate:"required"`
	HardwareFingerprint string `json:"hardwareFingerprint,omitempty" validate:"omitempty,hexadecimal,len=64"`
	Actor               string `json:"actor,omitempty"`
}

// ValidateRequest is an online validation call. Features and Access are
// optional.
type ValidateRequest struct {
	LicenseKey     string                   `json:"licenseKey" validate:"required"`
	SchoolID       string                   `json:"schoolId" validate:"required"`
	Features       []string                 `json:"features,omitempty"`
	FeatureContext map[string]any           `json:"featureContext,omitempty"`
	Access         *licensing.AccessContext `json:"access,omitempty"`
}

// OfflineValidateRequest is a hex validation call.
type OfflineValidateRequest struct {
	LicenseHex          string `json:"licenseHex" validate:"required"`
	SchoolID            string `json:"schoolId" validate:"required"`
	HardwareFingerprint string `json:"hardwareFingerprint,omitempty"`
}

// RenewRequest extends a license.
type RenewRequest struct {
	LicenseID    string `json:"licenseId" validate:"required"`
	DurationDays int    `json:"duration" validate:"gte=0,lte=36500"`
	Actor        string `json:"actor,omitempty"`
}

// TransferRequest moves a license to another school.
type TransferRequest struct {
	LicenseID     string `json:"licenseId" validate:"required"`
	NewSchoolID   string `json:"newSchoolId" validate:"required,max=128"`
	NewSchoolName string `json:"newSchoolName" validate:"required,max=256"`
	Actor         string `json:"actor,omitempty"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(validateFeature, licensing.Feature{})
	v.RegisterStructValidation(validateRestrictions, licensing.SecurityRestrictions{})
	return v
}

func validateFeature(sl validator.StructLevel) {
	f := sl.Current().Interface().(licensing.Feature)
	if strings.TrimSpace(f.Name) == "" {
		sl.ReportError(f.Name, "Name", "name", "required", "")
	}
}

func validateRestrictions(sl validator.StructLevel) {
	r := sl.Current().Interface().(licensing.SecurityRestrictions)
	if r.DeviceLimit != nil && r.DeviceLimit.Enabled && r.DeviceLimit.MaxDevices <= 0 {
		sl.ReportError(r.DeviceLimit.MaxDevices, "MaxDevices", "maxDevices", "gt", "0")
	}
	if r.HardwareBinding != nil {
		for _, fp := range r.HardwareBinding.Fingerprints {
			if !isHardwareFingerprint(fp) {
				sl.ReportError(fp, "Fingerprints", "fingerprints", "hexadecimal", "")
				break
			}
		}
	}
}

func isHardwareFingerprint(fp string) bool {
	if len(fp) != 64 {
		return false
	}
	for _, c := range strings.ToLower(fp) {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// checkRequest runs struct validation and converts failures to
// INVALID_REQUEST.
func checkRequest(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	return lerrors.NewLicenseError(lerrors.CodeInvalidRequest, "%s", describeValidation(err)).Wrap(err)
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

func contentFields(l *licensing.License) crypto.ContentFields {
	flags := make([]crypto.FeatureFlag, 0, len(l.Features))
	for _, f := range l.Features {
		flags = append(flags, crypto.FeatureFlag{Name: f.Name, Enabled: f.Enabled})
	}
	return crypto.ContentFields{
		SchoolID:   l.SchoolID,
		SchoolName: l.SchoolName,
		Features:   flags,
		IssuedAt:   l.IssuedAt,
		ExpiresAt:  l.ExpiresAt,
	}
}
