// Package store persists licenses.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rcourtman/campus-license/pkg/licensing"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const licenseColumns = `id, school_id, school_name, license_key, license_hash, license_token, license_hex,
	fingerprint, features, issued_at, expires_at, activated_at, last_checked, last_verification_at,
	status, activation_status, activation_attempts, security_restrictions, blacklisted, blacklist_reason,
	revoked_at, revocation_reason, created_by, updated_by, created_at, updated_at, metadata`

// SQLiteStore keeps licenses in a single SQLite database. Uniqueness of
// keys, hex strings and the one-ACTIVE-license-per-school rule are
// enforced by indexes so concurrent writers cannot race past them.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) licenses.db in dir.
func NewSQLiteStore(dir string) (*SQLiteStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create license store dir: %w", err)
	}

	dbPath := filepath.Join(dir, "licenses.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open license db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug().Str("dbPath", dbPath).Msg("License store opened")
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS licenses (
		id                    TEXT PRIMARY KEY,
		school_id             TEXT NOT NULL,
		school_name           TEXT NOT NULL DEFAULT '',
		license_key           TEXT NOT NULL UNIQUE,
		license_hash          TEXT NOT NULL DEFAULT '',
		license_token         TEXT NOT NULL DEFAULT '',
		license_hex           TEXT NOT NULL DEFAULT '',
		fingerprint           TEXT NOT NULL DEFAULT '',
		features              TEXT NOT NULL DEFAULT '[]',
		issued_at             INTEGER NOT NULL,
		expires_at            INTEGER NOT NULL,
		activated_at          INTEGER,
		last_checked          INTEGER,
		last_verification_at  INTEGER,
		status                TEXT NOT NULL,
		activation_status     TEXT NOT NULL,
		activation_attempts   INTEGER NOT NULL DEFAULT 0,
		security_restrictions TEXT NOT NULL DEFAULT '{}',
		blacklisted           INTEGER NOT NULL DEFAULT 0,
		blacklist_reason      TEXT NOT NULL DEFAULT '',
		revoked_at            INTEGER,
		revocation_reason     TEXT NOT NULL DEFAULT '',
		created_by            TEXT NOT NULL DEFAULT '',
		updated_by            TEXT NOT NULL DEFAULT '',
		created_at            INTEGER NOT NULL,
		updated_at            INTEGER NOT NULL,
		metadata              TEXT
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_licenses_hex ON licenses(license_hex) WHERE license_hex <> '';
	CREATE UNIQUE INDEX IF NOT EXISTS idx_licenses_active_school ON licenses(school_id) WHERE status = 'ACTIVE';
	CREATE INDEX IF NOT EXISTS idx_licenses_school ON licenses(school_id);
	CREATE INDEX IF NOT EXISTS idx_licenses_expires_at ON licenses(expires_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init license schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Create inserts l.
func (s *SQLiteStore) Create(ctx context.Context, l *licensing.License) error {
	if l == nil {
		return fmt.Errorf("license is nil")
	}
	args, err := licenseArgs(l)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO licenses (`+licenseColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		return mapConstraint(fmt.Errorf("create license: %w", err))
	}
	return nil
}

// Update replaces the stored record with l. activation_attempts is only
// ever changed by IncrementActivationAttempts, so a stale copy cannot
// rewind it.
func (s *SQLiteStore) Update(ctx context.Context, l *licensing.License) error {
	if l == nil {
		return fmt.Errorf("license is nil")
	}
	args, err := licenseArgs(l)
	if err != nil {
		return err
	}
	// drop the id and activation_attempts, then bind the id in the WHERE clause
	set := make([]any, 0, len(args)-1)
	set = append(set, args[1:attemptsArg]...)
	set = append(set, args[attemptsArg+1:]...)
	set = append(set, l.ID)

	res, err := s.db.ExecContext(ctx, `
		UPDATE licenses SET
			school_id = ?, school_name = ?, license_key = ?, license_hash = ?, license_token = ?, license_hex = ?,
			fingerprint = ?, features = ?, issued_at = ?, expires_at = ?, activated_at = ?, last_checked = ?,
			last_verification_at = ?, status = ?, activation_status = ?,
			security_restrictions = ?, blacklisted = ?, blacklist_reason = ?, revoked_at = ?, revocation_reason = ?,
			created_by = ?, updated_by = ?, created_at = ?, updated_at = ?, metadata = ?
		WHERE id = ?`, set...)
	if err != nil {
		return mapConstraint(fmt.Errorf("update license: %w", err))
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("license %q not found", l.ID)
	}
	return nil
}

// FindByID returns nil, nil when no license matches.
func (s *SQLiteStore) FindByID(ctx context.Context, id string) (*licensing.License, error) {
	return s.findOne(ctx, "id = ?", id)
}

// FindByKey looks a license up by its public key.
func (s *SQLiteStore) FindByKey(ctx context.Context, key string) (*licensing.License, error) {
	return s.findOne(ctx, "license_key = ?", key)
}

// FindByHex looks a license up by its offline activation string.
func (s *SQLiteStore) FindByHex(ctx context.Context, hex string) (*licensing.License, error) {
	if hex == "" {
		return nil, nil
	}
	return s.findOne(ctx, "license_hex = ?", hex)
}

// FindActiveBySchool returns the school's ACTIVE license, if any.
func (s *SQLiteStore) FindActiveBySchool(ctx context.Context, schoolID string) (*licensing.License, error) {
	return s.findOne(ctx, "school_id = ? AND status = 'ACTIVE'", schoolID)
}

// List returns every license in creation order.
func (s *SQLiteStore) List(ctx context.Context) ([]*licensing.License, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+licenseColumns+` FROM licenses ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	defer rows.Close()

	var out []*licensing.License
	for rows.Next() {
		l, err := scanLicense(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ListBySchool returns every license ever held by schoolID, newest first.
func (s *SQLiteStore) ListBySchool(ctx context.Context, schoolID string) ([]*licensing.License, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE school_id = ? ORDER BY created_at DESC, id`, schoolID)
	if err != nil {
		return nil, fmt.Errorf("list licenses for school: %w", err)
	}
	defer rows.Close()

	var out []*licensing.License
	for rows.Next() {
		l, err := scanLicense(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// IncrementActivationAttempts bumps the counter in a single statement.
func (s *SQLiteStore) IncrementActivationAttempts(ctx context.Context, id string) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx,
		`UPDATE licenses SET activation_attempts = activation_attempts + 1 WHERE id = ? RETURNING activation_attempts`, id,
	).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("license %q not found", id)
	}
	if err != nil {
		return 0, fmt.Errorf("increment activation attempts: %w", err)
	}
	return attempts, nil
}

func (s *SQLiteStore) findOne(ctx context.Context, where string, arg any) (*licensing.License, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE `+where+` LIMIT 1`, arg)
	l, err := scanLicense(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return l, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLicense(row scanner) (*licensing.License, error) {
	var (
		l                                       licensing.License
		features, restrictions                  string
		metadata                                sql.NullString
		issuedAt, expiresAt, createdAt, updated int64
		activatedAt, lastChecked, lastVerified  sql.NullInt64
		revokedAt                               sql.NullInt64
		status, activationStatus                string
		blacklisted                             int
	)
	err := row.Scan(
		&l.ID, &l.SchoolID, &l.SchoolName, &l.LicenseKey, &l.LicenseHash, &l.LicenseToken, &l.LicenseHex,
		&l.Fingerprint, &features, &issuedAt, &expiresAt, &activatedAt, &lastChecked, &lastVerified,
		&status, &activationStatus, &l.ActivationAttempts, &restrictions, &blacklisted, &l.BlacklistReason,
		&revokedAt, &l.RevocationReason, &l.CreatedBy, &l.UpdatedBy, &createdAt, &updated, &metadata,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan license: %w", err)
	}

	l.Status = licensing.Status(status)
	l.ActivationStatus = licensing.ActivationStatus(activationStatus)
	l.Blacklisted = blacklisted != 0
	l.IssuedAt = fromMillis(issuedAt)
	l.ExpiresAt = fromMillis(expiresAt)
	l.CreatedAt = fromMillis(createdAt)
	l.UpdatedAt = fromMillis(updated)
	l.ActivatedAt = nullableFromMillis(activatedAt)
	l.LastChecked = nullableFromMillis(lastChecked)
	l.LastVerificationAt = nullableFromMillis(lastVerified)
	l.RevokedAt = nullableFromMillis(revokedAt)

	if err := json.Unmarshal([]byte(features), &l.Features); err != nil {
		return nil, fmt.Errorf("decode features for %s: %w", l.ID, err)
	}
	if err := json.Unmarshal([]byte(restrictions), &l.SecurityRestrictions); err != nil {
		return nil, fmt.Errorf("decode security restrictions for %s: %w", l.ID, err)
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &l.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", l.ID, err)
		}
	}
	return &l, nil
}

// attemptsArg is the position of activation_attempts in licenseArgs.
const attemptsArg = 16

func licenseArgs(l *licensing.License) ([]any, error) {
	features, err := json.Marshal(l.Features)
	if err != nil {
		return nil, fmt.Errorf("encode features: %w", err)
	}
	restrictions, err := json.Marshal(l.SecurityRestrictions)
	if err != nil {
		return nil, fmt.Errorf("encode security restrictions: %w", err)
	}
	var metadata any
	if l.Metadata != nil {
		raw, err := json.Marshal(l.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
		metadata = string(raw)
	}

	return []any{
		l.ID, l.SchoolID, l.SchoolName, l.LicenseKey, l.LicenseHash, l.LicenseToken, l.LicenseHex,
		l.Fingerprint, string(features), l.IssuedAt.UnixMilli(), l.ExpiresAt.UnixMilli(),
		nullableMillis(l.ActivatedAt), nullableMillis(l.LastChecked), nullableMillis(l.LastVerificationAt),
		string(l.Status), string(l.ActivationStatus), l.ActivationAttempts, string(restrictions),
		boolToInt(l.Blacklisted), l.BlacklistReason, nullableMillis(l.RevokedAt), l.RevocationReason,
		l.CreatedBy, l.UpdatedBy, l.CreatedAt.UnixMilli(), l.UpdatedAt.UnixMilli(), metadata,
	}, nil
}

// mapConstraint translates unique violations into the licensing sentinels.
// SQLite names the offending columns in the message, partial indexes included.
func mapConstraint(err error) error {
	msg := err.Error()
	if !strings.Contains(msg, "UNIQUE constraint failed") {
		return err
	}
	if strings.Contains(msg, "licenses.school_id") {
		return fmt.Errorf("%w: %v", licensing.ErrActiveLicenseExists, err)
	}
	return fmt.Errorf("%w: %v", licensing.ErrDuplicateKey, err)
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullableFromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullableMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
