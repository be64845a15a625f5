package configsource

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Config describes one pipeline configuration as listed by the authority.
type Config struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Path    string `json:"path"`
	Primary bool   `json:"primary"`
}

// Store keeps the last known configuration list per scope and the last good
// manifest per configuration, so commands can still be listed while the
// authority or a configuration share is unreachable.
type Store struct {
	db *sql.DB
}

func OpenStore(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" || p == "." {
		return nil, errors.New("missing store path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveSnapshot replaces the configuration list of scope.
func (s *Store) SaveSnapshot(ctx context.Context, scope Scope, cfgs []Config) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	key := scope.String()
	if _, err := tx.ExecContext(ctx, `DELETE FROM config_snapshots WHERE scope = ?`, key); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	for i, c := range cfgs {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO config_snapshots(scope, position, config_id, name, path, is_primary, fetched_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?, ?)
`, key, i, c.ID, c.Name, c.Path, boolToInt(c.Primary), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Snapshot returns the saved list for scope in its original order. ok is false
// when the scope was never saved.
func (s *Store) Snapshot(ctx context.Context, scope Scope) (cfgs []Config, ok bool, err error) {
	if s == nil || s.db == nil {
		return nil, false, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT config_id, name, path, is_primary
FROM config_snapshots
WHERE scope = ?
ORDER BY position ASC
`, scope.String())
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	for rows.Next() {
		var c Config
		var primary int
		if err := rows.Scan(&c.ID, &c.Name, &c.Path, &primary); err != nil {
			return nil, false, err
		}
		c.Primary = primary != 0
		cfgs = append(cfgs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	return cfgs, len(cfgs) > 0, nil
}

// PutManifest records body as the last good manifest of configID. It is a
// no-op when the stored body has the same hash.
func (s *Store) PutManifest(ctx context.Context, configID string, body []byte) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	id := strings.TrimSpace(configID)
	if id == "" {
		return errors.New("missing config_id")
	}
	sum := sha256.Sum256(body)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO manifests(config_id, sha256, body, updated_at_unix_ms)
VALUES(?, ?, ?, ?)
ON CONFLICT(config_id) DO UPDATE SET
  sha256 = excluded.sha256,
  body = excluded.body,
  updated_at_unix_ms = excluded.updated_at_unix_ms
WHERE manifests.sha256 <> excluded.sha256
`, id, hex.EncodeToString(sum[:]), body, time.Now().UnixMilli())
	return err
}

// Manifest returns the last good manifest of configID, or nil when unknown.
func (s *Store) Manifest(ctx context.Context, configID string) ([]byte, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM manifests WHERE config_id = ?`, strings.TrimSpace(configID)).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return body, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	// Schema versions:
	// - v1: config_snapshots and manifests
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS config_snapshots (
  scope TEXT NOT NULL,
  position INTEGER NOT NULL,
  config_id TEXT NOT NULL,
  name TEXT NOT NULL DEFAULT '',
  path TEXT NOT NULL DEFAULT '',
  is_primary INTEGER NOT NULL DEFAULT 0,
  fetched_at_unix_ms INTEGER NOT NULL,
  PRIMARY KEY (scope, config_id)
);
`); err != nil {
		return fmt.Errorf("create config_snapshots v1: %w", err)
	}
	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS manifests (
  config_id TEXT PRIMARY KEY,
  sha256 TEXT NOT NULL,
  body BLOB NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL
);
`); err != nil {
		return fmt.Errorf("create manifests v1: %w", err)
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version=%d;", targetVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return tx.Commit()
}
