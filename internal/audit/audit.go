package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
)

// EntityLicense is the entity type used for license records.
const EntityLicense = "license"

// Actions recorded by the lifecycle manager.
const (
	ActionLicenseIssued        = "LICENSE_ISSUED"
	ActionLicenseActivated     = "LICENSE_ACTIVATED"
	ActionActivationMismatch   = "LICENSE_ACTIVATION_MISMATCH"
	ActionLicenseRenewed       = "LICENSE_RENEWED"
	ActionLicenseTransferred   = "LICENSE_TRANSFERRED"
	ActionLicenseRevoked       = "LICENSE_REVOKED"
	ActionLicenseBlacklisted   = "LICENSE_BLACKLISTED"
	ActionLicenseUnblacklisted = "LICENSE_UNBLACKLISTED"
	ActionLicenseExpired       = "LICENSE_EXPIRED"
	ActionHardwareRegistered   = "LICENSE_HARDWARE_REGISTERED"
	ActionRestrictionsUpdated  = "LICENSE_RESTRICTIONS_UPDATED"
	ActionLicenseExported      = "LICENSE_EXPORTED"
	ActionLicenseHexRefreshed  = "LICENSE_HEX_REFRESHED"
)

// Entry is one audit record. Before and After are JSON snapshots taken
// when the action was logged.
type Entry struct {
	ID         string          `json:"id"`
	Timestamp  time.Time       `json:"timestamp"`
	EntityID   string          `json:"entityId"`
	EntityType string          `json:"entityType"`
	Action     string          `json:"action"`
	Actor      string          `json:"actor"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	Signature  string          `json:"signature,omitempty"`
}

// QueryFilter narrows Query results. Zero fields match everything.
type QueryFilter struct {
	EntityID string
	Action   string
	Actor    string
	Since    *time.Time
	Limit    int
}

// Backend persists entries.
type Backend interface {
	Write(ctx context.Context, e Entry) error
	Query(ctx context.Context, filter QueryFilter) ([]Entry, error)
	Close() error
}

// ConsoleBackend writes entries to the structured log and keeps nothing.
type ConsoleBackend struct{}

func (ConsoleBackend) Write(_ context.Context, e Entry) error {
	log.Info().
		Str("audit_id", e.ID).
		Str("entity_id", e.EntityID).
		Str("entity_type", e.EntityType).
		Str("action", e.Action).
		Str("actor", e.Actor).
		RawJSON("metadata", nonEmptyJSON(e.Metadata)).
		Time("timestamp", e.Timestamp).
		Msg("Audit event")
	return nil
}

func (ConsoleBackend) Query(context.Context, QueryFilter) ([]Entry, error) {
	return []Entry{}, nil
}

func (ConsoleBackend) Close() error {
	return nil
}

func nonEmptyJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}
