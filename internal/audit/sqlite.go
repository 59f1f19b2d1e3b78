package audit

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// SQLiteConfig configures the SQLite audit backend.
type SQLiteConfig struct {
	DataDir       string  // Directory for audit.db
	Signer        *Signer // Required
	RetentionDays int     // 0 keeps entries forever
}

// SQLiteBackend stores signed entries in SQLite.
type SQLiteBackend struct {
	mu            sync.Mutex
	db            *sql.DB
	signer        *Signer
	retentionDays int
	stopChan      chan struct{}
	wg            sync.WaitGroup
}

// NewSQLiteBackend opens (or creates) audit.db under cfg.DataDir.
func NewSQLiteBackend(cfg SQLiteConfig) (*SQLiteBackend, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if cfg.Signer == nil {
		return nil, fmt.Errorf("audit signer is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	dbPath := filepath.Join(cfg.DataDir, "audit.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	b := &SQLiteBackend{
		db:            db,
		signer:        cfg.Signer,
		retentionDays: cfg.RetentionDays,
		stopChan:      make(chan struct{}),
	}
	if err := b.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	if b.retentionDays > 0 {
		b.wg.Add(1)
		go b.retentionWorker()
	}

	log.Info().
		Str("dbPath", dbPath).
		Int("retentionDays", b.retentionDays).
		Msg("SQLite audit backend initialized")
	return b, nil
}

func (b *SQLiteBackend) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		id          TEXT PRIMARY KEY,
		timestamp   INTEGER NOT NULL,
		entity_id   TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		action      TEXT NOT NULL,
		actor       TEXT NOT NULL DEFAULT '',
		before      TEXT,
		after       TEXT,
		metadata    TEXT,
		signature   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_entries(entity_id);
	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_entries(timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_entries(action);
	`
	if _, err := b.db.Exec(schema); err != nil {
		return fmt.Errorf("init audit schema: %w", err)
	}
	return nil
}

// Write signs and inserts e.
func (b *SQLiteBackend) Write(ctx context.Context, e Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	e.Signature = b.signer.Sign(e)
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO audit_entries (id, timestamp, entity_id, entity_type, action, actor, before, after, metadata, signature)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.UnixMilli(), e.EntityID, e.EntityType, e.Action, e.Actor,
		nullableJSON(e.Before), nullableJSON(e.After), nullableJSON(e.Metadata), e.Signature,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Query returns entries newest first.
func (b *SQLiteBackend) Query(ctx context.Context, filter QueryFilter) ([]Entry, error) {
	query := "SELECT id, timestamp, entity_id, entity_type, action, actor, before, after, metadata, signature FROM audit_entries WHERE 1=1"
	var args []any

	if filter.EntityID != "" {
		query += " AND entity_id = ?"
		args = append(args, filter.EntityID)
	}
	if filter.Action != "" {
		query += " AND action = ?"
		args = append(args, filter.Action)
	}
	if filter.Actor != "" {
		query += " AND actor = ?"
		args = append(args, filter.Actor)
	}
	if filter.Since != nil {
		query += " AND timestamp >= ?"
		args = append(args, filter.Since.UnixMilli())
	}
	query += " ORDER BY timestamp DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ts int64
		var before, after, metadata sql.NullString
		if err := rows.Scan(&e.ID, &ts, &e.EntityID, &e.EntityType, &e.Action, &e.Actor, &before, &after, &metadata, &e.Signature); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts).UTC()
		if before.Valid {
			e.Before = []byte(before.String)
		}
		if after.Valid {
			e.After = []byte(after.String)
		}
		if metadata.Valid {
			e.Metadata = []byte(metadata.String)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Verify checks a stored entry's signature.
func (b *SQLiteBackend) Verify(e Entry) bool {
	return b.signer.Verify(e)
}

// Close stops the retention worker and closes the database.
func (b *SQLiteBackend) Close() error {
	close(b.stopChan)
	b.wg.Wait()
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("close audit database: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) retentionWorker() {
	defer b.wg.Done()

	b.cleanup(time.Now())
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChan:
			return
		case now := <-ticker.C:
			b.cleanup(now)
		}
	}
}

// cleanup deletes entries older than the retention period.
func (b *SQLiteBackend) cleanup(now time.Time) int64 {
	if b.retentionDays <= 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := now.AddDate(0, 0, -b.retentionDays).UnixMilli()
	res, err := b.db.Exec(`DELETE FROM audit_entries WHERE timestamp < ?`, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("Failed to clean up old audit entries")
		return 0
	}
	deleted, _ := res.RowsAffected()
	if deleted > 0 {
		log.Info().Int64("deleted", deleted).Int("retentionDays", b.retentionDays).Msg("Cleaned up old audit entries")
	}
	return deleted
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
