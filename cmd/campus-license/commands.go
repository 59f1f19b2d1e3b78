package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/rcourtman/campus-license/internal/certificate"
	"github.com/rcourtman/campus-license/internal/crypto"
	"github.com/rcourtman/campus-license/internal/hwinfo"
	"github.com/rcourtman/campus-license/internal/license"
	"github.com/rcourtman/campus-license/pkg/licensing"
	"github.com/spf13/cobra"
)

type restrictionFlags struct {
	hardwareBinding  bool
	fingerprints     []string
	maxDevices       int
	allowedIPs       []string
	allowedCountries []string
}

func (f *restrictionFlags) bind(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.hardwareBinding, "hardware-binding", false, "bind the license to registered devices")
	cmd.Flags().StringSliceVar(&f.fingerprints, "fingerprint", nil, "pre-registered device fingerprint (repeatable)")
	cmd.Flags().IntVar(&f.maxDevices, "max-devices", 0, "device limit (0 disables)")
	cmd.Flags().StringSliceVar(&f.allowedIPs, "allowed-ip", nil, "allowed address, CIDR or wildcard (repeatable)")
	cmd.Flags().StringSliceVar(&f.allowedCountries, "allowed-country", nil, "allowed ISO country code (repeatable)")
}

// build returns nil when no restriction flag was given.
func (f *restrictionFlags) build() *licensing.SecurityRestrictions {
	var r licensing.SecurityRestrictions
	set := false
	if f.hardwareBinding || len(f.fingerprints) > 0 {
		r.HardwareBinding = &licensing.HardwareBinding{Enabled: true, Fingerprints: f.fingerprints}
		set = true
	}
	if len(f.allowedIPs) > 0 || len(f.allowedCountries) > 0 {
		r.IPRestrictions = &licensing.IPRestrictions{Enabled: true, AllowedIPs: f.allowedIPs, AllowedCountries: f.allowedCountries}
		set = true
	}
	if f.maxDevices > 0 {
		r.DeviceLimit = &licensing.DeviceLimit{Enabled: true, MaxDevices: f.maxDevices}
		set = true
	}
	if !set {
		return nil
	}
	return &r
}

// parseFeatures accepts "name", "name=on" and "name=off" entries plus an
// optional JSON array with full feature definitions.
func parseFeatures(entries []string, raw string) ([]licensing.Feature, error) {
	var features []licensing.Feature
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &features); err != nil {
			return nil, fmt.Errorf("parse --features-json: %w", err)
		}
	}
	for _, entry := range entries {
		name, state, _ := strings.Cut(strings.TrimSpace(entry), "=")
		f := licensing.Feature{Name: name, Enabled: true}
		switch strings.ToLower(state) {
		case "", "on", "true", "enabled":
		case "off", "false", "disabled":
			f.Enabled = false
		default:
			return nil, fmt.Errorf("invalid feature state %q for %s", state, name)
		}
		features = append(features, f)
	}
	return features, nil
}

func parseMetadata(entries map[string]string) map[string]any {
	if len(entries) == 0 {
		return nil
	}
	out := make(map[string]any, len(entries))
	for k, v := range entries {
		out[k] = v
	}
	return out
}

func newIssueCmd(actor func() string) *cobra.Command {
	var (
		req          license.IssueRequest
		features     []string
		featuresJSON string
		metadata     map[string]string
		restrictions restrictionFlags
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a new license for a school",
		Example: `  campus-license issue --school-id nsh-01 --school-name "Northside High" \
    --days 365 --feature gradebook --feature analytics=off`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if req.Features, err = parseFeatures(features, featuresJSON); err != nil {
				return err
			}
			req.Metadata = parseMetadata(metadata)
			req.Restrictions = restrictions.build()
			req.CreatedBy = actor()
			return withApp(cmd, func(ctx context.Context, a *app) error {
				l, err := a.manager.Issue(ctx, req)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), l)
			})
		},
	}
	cmd.Flags().StringVar(&req.SchoolID, "school-id", "", "school identifier")
	cmd.Flags().StringVar(&req.SchoolName, "school-name", "", "school display name")
	cmd.Flags().IntVar(&req.DurationDays, "days", 0, "license duration in days (0 uses the configured default)")
	cmd.Flags().StringSliceVar(&features, "feature", nil, "feature as name or name=off (repeatable)")
	cmd.Flags().StringVar(&featuresJSON, "features-json", "", "JSON array of features with restrictions")
	cmd.Flags().StringToStringVar(&metadata, "metadata", nil, "metadata key=value pairs")
	restrictions.bind(cmd)
	return cmd
}

func newActivateCmd(actor func() string) *cobra.Command {
	var req license.ActivateRequest
	cmd := &cobra.Command{
		Use:   "activate",
		Short: "Activate a license and issue its offline hex",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Actor = actor()
			return withApp(cmd, func(ctx context.Context, a *app) error {
				l, err := a.manager.Activate(ctx, req)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), l)
			})
		},
	}
	cmd.Flags().StringVar(&req.LicenseKey, "key", "", "license key")
	cmd.Flags().StringVar(&req.SchoolID, "school-id", "", "school identifier")
	cmd.Flags().StringVar(&req.HardwareFingerprint, "hardware-fingerprint", "", "device fingerprint to register")
	return cmd
}

func newValidateCmd() *cobra.Command {
	var (
		req         license.ValidateRequest
		contextJSON string
		access      licensing.AccessContext
	)
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a license online",
		RunE: func(cmd *cobra.Command, args []string) error {
			if contextJSON != "" {
				if err := json.Unmarshal([]byte(contextJSON), &req.FeatureContext); err != nil {
					return fmt.Errorf("parse --context: %w", err)
				}
			}
			if access != (licensing.AccessContext{}) {
				req.Access = &access
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.manager.ValidateOnline(ctx, req)
				if err != nil {
					return err
				}
				if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				if !res.Valid {
					return errInvalid
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.LicenseKey, "key", "", "license key")
	cmd.Flags().StringVar(&req.SchoolID, "school-id", "", "school identifier")
	cmd.Flags().StringSliceVar(&req.Features, "feature", nil, "feature to check (repeatable)")
	cmd.Flags().StringVar(&contextJSON, "context", "", `feature context as JSON, e.g. {"maxStudents":300}`)
	cmd.Flags().StringVar(&access.IP, "ip", "", "client address for IP restrictions")
	cmd.Flags().StringVar(&access.Country, "country", "", "client country code")
	cmd.Flags().StringVar(&access.HardwareFingerprint, "hardware-fingerprint", "", "client device fingerprint")
	cmd.Flags().IntVar(&access.DeviceCount, "devices", 0, "devices currently in use")
	return cmd
}

func newValidateHexCmd() *cobra.Command {
	var req license.OfflineValidateRequest
	cmd := &cobra.Command{
		Use:   "validate-hex",
		Short: "Validate an offline activation hex",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.manager.ValidateOffline(ctx, req)
				if err != nil {
					return err
				}
				if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				if !res.Valid {
					return errInvalid
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.LicenseHex, "hex", "", "license hex")
	cmd.Flags().StringVar(&req.SchoolID, "school-id", "", "school identifier")
	cmd.Flags().StringVar(&req.HardwareFingerprint, "hardware-fingerprint", "", "device fingerprint")
	return cmd
}

// licenseCmd builds the common "<verb> LICENSE_ID" command shape.
func licenseCmd(use, short string, run func(ctx context.Context, a *app, id string) (*licensing.License, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " LICENSE_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				l, err := run(ctx, a, args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), l)
			})
		},
	}
}

func newRenewCmd(actor func() string) *cobra.Command {
	var days int
	cmd := licenseCmd("renew", "Extend a license", func(ctx context.Context, a *app, id string) (*licensing.License, error) {
		return a.manager.Renew(ctx, license.RenewRequest{LicenseID: id, DurationDays: days, Actor: actor()})
	})
	cmd.Flags().IntVar(&days, "days", 0, "days to add (0 uses the configured default)")
	return cmd
}

func newTransferCmd(actor func() string) *cobra.Command {
	var schoolID, schoolName string
	cmd := licenseCmd("transfer", "Move a license to another school", func(ctx context.Context, a *app, id string) (*licensing.License, error) {
		return a.manager.Transfer(ctx, license.TransferRequest{
			LicenseID:     id,
			NewSchoolID:   schoolID,
			NewSchoolName: schoolName,
			Actor:         actor(),
		})
	})
	cmd.Flags().StringVar(&schoolID, "school-id", "", "target school identifier")
	cmd.Flags().StringVar(&schoolName, "school-name", "", "target school name")
	return cmd
}

func newRevokeCmd(actor func() string) *cobra.Command {
	var reason string
	cmd := licenseCmd("revoke", "Revoke a license", func(ctx context.Context, a *app, id string) (*licensing.License, error) {
		return a.manager.Revoke(ctx, id, reason, actor())
	})
	cmd.Flags().StringVar(&reason, "reason", "", "revocation reason")
	return cmd
}

func newBlacklistCmd(actor func() string) *cobra.Command {
	var reason string
	cmd := licenseCmd("blacklist", "Blacklist a license", func(ctx context.Context, a *app, id string) (*licensing.License, error) {
		return a.manager.Blacklist(ctx, id, reason, actor())
	})
	cmd.Flags().StringVar(&reason, "reason", "", "blacklist reason")
	return cmd
}

func newUnblacklistCmd(actor func() string) *cobra.Command {
	return licenseCmd("unblacklist", "Remove a license from the blacklist", func(ctx context.Context, a *app, id string) (*licensing.License, error) {
		return a.manager.RemoveFromBlacklist(ctx, id, actor())
	})
}

func newRegisterHardwareCmd(actor func() string) *cobra.Command {
	var fingerprint string
	cmd := licenseCmd("register-hardware", "Register a device fingerprint", func(ctx context.Context, a *app, id string) (*licensing.License, error) {
		fp := fingerprint
		if fp == "" {
			local, _, err := hwinfo.Fingerprint(ctx)
			if err != nil {
				return nil, err
			}
			fp = local
		}
		return a.manager.RegisterHardware(ctx, id, fp, actor())
	})
	cmd.Flags().StringVar(&fingerprint, "fingerprint", "", "device fingerprint (defaults to this host)")
	return cmd
}

func newRestrictCmd(actor func() string) *cobra.Command {
	var flags restrictionFlags
	cmd := licenseCmd("restrict", "Replace a license's security restrictions", func(ctx context.Context, a *app, id string) (*licensing.License, error) {
		var r licensing.SecurityRestrictions
		if built := flags.build(); built != nil {
			r = *built
		}
		return a.manager.UpdateSecurityRestrictions(ctx, id, r, actor())
	})
	flags.bind(cmd)
	return cmd
}

func newRefreshHexCmd(actor func() string) *cobra.Command {
	return licenseCmd("refresh-hex", "Re-encode the offline hex of an activated license", func(ctx context.Context, a *app, id string) (*licensing.License, error) {
		return a.manager.RefreshHex(ctx, id, actor())
	})
}

func newGetCmd() *cobra.Command {
	var bySchool bool
	cmd := licenseCmd("get", "Show a license", func(ctx context.Context, a *app, id string) (*licensing.License, error) {
		if bySchool {
			return a.manager.GetBySchool(ctx, id)
		}
		return a.manager.Get(ctx, id)
	})
	cmd.Flags().BoolVar(&bySchool, "school", false, "treat the argument as a school id and show its active license")
	return cmd
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire lapsed licenses and send expiry reminders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				report, err := a.manager.CheckLicenses(ctx)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), report)
			})
		},
	}
}

func newExportCmd(actor func() string) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export LICENSE_ID",
		Short: "Export an encrypted offline bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				env, err := a.manager.ExportBundle(ctx, args[0], actor())
				if err != nil {
					return err
				}
				if output == "" {
					return writeJSON(cmd.OutOrStdout(), env)
				}
				data, err := json.MarshalIndent(env, "", "  ")
				if err != nil {
					return err
				}
				return os.WriteFile(output, data, 0o600)
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the bundle to a file instead of stdout")
	return cmd
}

func newOpenBundleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open-bundle FILE",
		Short: "Decrypt an offline bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var env crypto.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				return fmt.Errorf("parse bundle: %w", err)
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				bundle, err := a.manager.OpenBundle(&env)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), bundle)
			})
		},
	}
}

func newCertificateCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "certificate LICENSE_ID",
		Short: "Render a PDF activation certificate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				l, err := a.manager.Get(ctx, args[0])
				if err != nil {
					return err
				}
				pdf, err := certificate.Render(l, certificate.Options{
					Issuer:      a.cfg.Issuer,
					GeneratedAt: a.clock.Now().UTC(),
				})
				if err != nil {
					return err
				}
				if output == "" {
					output = l.ID + ".pdf"
				}
				if err := os.WriteFile(output, pdf, 0o644); err != nil {
					return fmt.Errorf("write certificate: %w", err)
				}
				return writeJSON(cmd.OutOrStdout(), map[string]any{"licenseId": l.ID, "file": output, "bytes": len(pdf)})
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (defaults to LICENSE_ID.pdf)")
	return cmd
}

func newFingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print this host's hardware fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			fp, info, err := hwinfo.Fingerprint(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{"fingerprint": fp, "hardware": info})
		},
	}
}
