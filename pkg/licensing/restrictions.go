package licensing

import (
	"net/netip"
	"slices"
	"strings"

	"github.com/IGLOU-EU/go-wildcard/v2"
	lerrors "github.com/rcourtman/campus-license/internal/errors"
)

// HardwareBinding pins a license to a set of device fingerprints.
type HardwareBinding struct {
	Enabled      bool     `json:"enabled"`
	Fingerprints []string `json:"fingerprints"`
}

// IPRestrictions limits where a license may be used from. AllowedIPs
// entries may be exact addresses, CIDR prefixes or wildcard patterns
// such as "10.0.*".
type IPRestrictions struct {
	Enabled          bool     `json:"enabled"`
	AllowedIPs       []string `json:"allowedIps"`
	AllowedCountries []string `json:"allowedCountries"`
}

// DeviceLimit caps the number of devices using a license.
type DeviceLimit struct {
	Enabled    bool `json:"enabled"`
	MaxDevices int  `json:"maxDevices"`
}

// SecurityRestrictions groups the optional restriction blocks.
type SecurityRestrictions struct {
	HardwareBinding *HardwareBinding `json:"hardwareBinding,omitempty"`
	IPRestrictions  *IPRestrictions  `json:"ipRestrictions,omitempty"`
	DeviceLimit     *DeviceLimit     `json:"deviceLimit,omitempty"`
}

// SecurityInfo is the restriction summary embedded in license tokens.
type SecurityInfo struct {
	HardwareBindingEnabled bool   `json:"hardwareBindingEnabled"`
	IPRestrictionsEnabled  bool   `json:"ipRestrictionsEnabled"`
	DeviceLimitEnabled     bool   `json:"deviceLimitEnabled"`
	Fingerprint            string `json:"fingerprint,omitempty"`
}

// AccessContext describes a caller for restriction checks. Empty fields
// are treated as unknown.
type AccessContext struct {
	IP                  string `json:"ip,omitempty"`
	Country             string `json:"country,omitempty"`
	HardwareFingerprint string `json:"hardwareFingerprint,omitempty"`
	DeviceCount         int    `json:"deviceCount,omitempty"`
}

func (s SecurityRestrictions) hardwareEnabled() bool {
	return s.HardwareBinding != nil && s.HardwareBinding.Enabled
}

func (s SecurityRestrictions) ipEnabled() bool {
	return s.IPRestrictions != nil && s.IPRestrictions.Enabled
}

func (s SecurityRestrictions) deviceLimitEnabled() bool {
	return s.DeviceLimit != nil && s.DeviceLimit.Enabled
}

// Info summarises which restrictions are active.
func (s SecurityRestrictions) Info(fingerprint string) *SecurityInfo {
	return &SecurityInfo{
		HardwareBindingEnabled: s.hardwareEnabled(),
		IPRestrictionsEnabled:  s.ipEnabled(),
		DeviceLimitEnabled:     s.deviceLimitEnabled(),
		Fingerprint:            fingerprint,
	}
}

// Clone returns a deep copy.
func (s SecurityRestrictions) Clone() SecurityRestrictions {
	var c SecurityRestrictions
	if s.HardwareBinding != nil {
		hb := *s.HardwareBinding
		hb.Fingerprints = slices.Clone(s.HardwareBinding.Fingerprints)
		c.HardwareBinding = &hb
	}
	if s.IPRestrictions != nil {
		ip := *s.IPRestrictions
		ip.AllowedIPs = slices.Clone(s.IPRestrictions.AllowedIPs)
		ip.AllowedCountries = slices.Clone(s.IPRestrictions.AllowedCountries)
		c.IPRestrictions = &ip
	}
	if s.DeviceLimit != nil {
		dl := *s.DeviceLimit
		c.DeviceLimit = &dl
	}
	return c
}

// RegisterHardware adds fingerprint to the binding set. It reports false
// when the fingerprint was already registered. When a device limit is
// enabled, registration beyond MaxDevices is refused.
func (s *SecurityRestrictions) RegisterHardware(fingerprint string) (bool, error) {
	if !s.hardwareEnabled() {
		return false, lerrors.NewLicenseError(lerrors.CodeHardwareBindingDisabled, "hardware binding is not enabled for this license")
	}
	fingerprint = strings.ToLower(strings.TrimSpace(fingerprint))
	if fingerprint == "" {
		return false, lerrors.NewLicenseError(lerrors.CodeInvalidRequest, "hardware fingerprint is required")
	}
	if slices.Contains(s.HardwareBinding.Fingerprints, fingerprint) {
		return false, nil
	}
	if s.deviceLimitEnabled() && len(s.HardwareBinding.Fingerprints) >= s.DeviceLimit.MaxDevices {
		return false, lerrors.NewLicenseError(lerrors.CodeDeviceLimitExceeded,
			"device limit of %d reached", s.DeviceLimit.MaxDevices)
	}
	s.HardwareBinding.Fingerprints = append(s.HardwareBinding.Fingerprints, fingerprint)
	return true, nil
}

// RemoveHardware drops fingerprint from the binding set.
func (s *SecurityRestrictions) RemoveHardware(fingerprint string) bool {
	if s.HardwareBinding == nil {
		return false
	}
	fingerprint = strings.ToLower(strings.TrimSpace(fingerprint))
	idx := slices.Index(s.HardwareBinding.Fingerprints, fingerprint)
	if idx < 0 {
		return false
	}
	s.HardwareBinding.Fingerprints = slices.Delete(s.HardwareBinding.Fingerprints, idx, idx+1)
	return true
}

// AllowsHardware reports whether fingerprint may use the license.
func (s SecurityRestrictions) AllowsHardware(fingerprint string) bool {
	if !s.hardwareEnabled() {
		return true
	}
	return slices.Contains(s.HardwareBinding.Fingerprints, strings.ToLower(strings.TrimSpace(fingerprint)))
}

// AllowsIP reports whether ip matches the allow-list. An enabled
// restriction with an empty list allows nothing.
func (s SecurityRestrictions) AllowsIP(ip string) bool {
	if !s.ipEnabled() {
		return true
	}
	ip = strings.TrimSpace(ip)
	addr, addrErr := netip.ParseAddr(ip)
	for _, entry := range s.IPRestrictions.AllowedIPs {
		entry = strings.TrimSpace(entry)
		switch {
		case entry == "":
			continue
		case strings.Contains(entry, "/"):
			prefix, err := netip.ParsePrefix(entry)
			if err == nil && addrErr == nil && prefix.Contains(addr.Unmap()) {
				return true
			}
		case strings.ContainsAny(entry, "*?"):
			if wildcard.Match(entry, ip) {
				return true
			}
		default:
			allowed, err := netip.ParseAddr(entry)
			if err == nil && addrErr == nil && allowed.Unmap() == addr.Unmap() {
				return true
			}
		}
	}
	return false
}

// AllowsCountry compares ISO country codes case-insensitively. An empty
// country list does not restrict.
func (s SecurityRestrictions) AllowsCountry(country string) bool {
	if !s.ipEnabled() || len(s.IPRestrictions.AllowedCountries) == 0 {
		return true
	}
	for _, allowed := range s.IPRestrictions.AllowedCountries {
		if strings.EqualFold(strings.TrimSpace(allowed), strings.TrimSpace(country)) {
			return true
		}
	}
	return false
}

// AllowsDeviceCount reports whether count devices fit under the ceiling.
func (s SecurityRestrictions) AllowsDeviceCount(count int) bool {
	if !s.deviceLimitEnabled() {
		return true
	}
	return count <= s.DeviceLimit.MaxDevices
}

// CheckAccess evaluates every enabled restriction against ac and returns
// the reasons access is refused. An empty result means access is allowed.
func (s SecurityRestrictions) CheckAccess(ac AccessContext) []string {
	var reasons []string
	if s.hardwareEnabled() {
		switch {
		case ac.HardwareFingerprint == "":
			reasons = append(reasons, "hardware fingerprint required")
		case !s.AllowsHardware(ac.HardwareFingerprint):
			reasons = append(reasons, "hardware not registered for this license")
		}
	}
	if s.ipEnabled() {
		switch {
		case ac.IP == "":
			reasons = append(reasons, "client ip required")
		case !s.AllowsIP(ac.IP):
			reasons = append(reasons, "ip address not allowed")
		}
		if ac.Country != "" && !s.AllowsCountry(ac.Country) {
			reasons = append(reasons, "country not allowed")
		}
	}
	if ac.DeviceCount > 0 && !s.AllowsDeviceCount(ac.DeviceCount) {
		reasons = append(reasons, "device limit exceeded")
	}
	return reasons
}
