package keystore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	// Register Postgres SQL driver.
	_ "github.com/lib/pq"
	// Register pure-Go SQLite SQL driver.
	_ "modernc.org/sqlite"

	"github.com/relaygate/gateway/domain"
)

type sqlDialect string

const (
	dialectSQLite   sqlDialect = "sqlite"
	dialectPostgres sqlDialect = "postgres"
)

// SQLKeyStore persists ApiKey rows in SQLite or Postgres, following
// internal/admin.SQLStore's dialect-switching DDL/bind pattern.
type SQLKeyStore struct {
	db      *sql.DB
	dialect sqlDialect
}

// NewSQLiteKeyStore opens (and migrates) a SQLite-backed keystore.
func NewSQLiteKeyStore(dsn string) (*SQLKeyStore, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "gateway-keys.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite keystore: %w", err)
	}
	s := &SQLKeyStore{db: db, dialect: dialectSQLite}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresKeyStore opens (and migrates) a Postgres-backed keystore.
func NewPostgresKeyStore(dsn string) (*SQLKeyStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres keystore: %w", err)
	}
	s := &SQLKeyStore{db: db, dialect: dialectPostgres}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLKeyStore) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("ping %s keystore: %w", s.dialect, err)
	}

	var ddl string
	switch s.dialect {
	case dialectPostgres:
		ddl = `
CREATE TABLE IF NOT EXISTS api_keys (
	id TEXT PRIMARY KEY,
	key_hash TEXT UNIQUE NOT NULL,
	key_value_encrypted BYTEA NULL,
	key_prefix TEXT NOT NULL,
	name TEXT NOT NULL,
	active BOOLEAN NOT NULL,
	expires_at TIMESTAMPTZ NULL,
	allowed_upstream_ids TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_api_keys_key_hash ON api_keys(key_hash);`
	default:
		ddl = `
CREATE TABLE IF NOT EXISTS api_keys (
	id TEXT PRIMARY KEY,
	key_hash TEXT UNIQUE NOT NULL,
	key_value_encrypted BLOB NULL,
	key_prefix TEXT NOT NULL,
	name TEXT NOT NULL,
	active BOOLEAN NOT NULL,
	expires_at DATETIME NULL,
	allowed_upstream_ids TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_api_keys_key_hash ON api_keys(key_hash);`
	}
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize %s keystore schema: %w", s.dialect, err)
	}
	return nil
}

func (s *SQLKeyStore) bind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	argNum := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteString(fmt.Sprintf("$%d", argNum))
			argNum++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Insert creates an ApiKey row. It is a plain INSERT, so a row whose id or
// key hash already exists is rejected with an error, not replaced.
func (s *SQLKeyStore) Insert(ctx context.Context, k domain.ApiKey) error {
	allowed, err := json.Marshal(k.AllowedUpstreamIDs)
	if err != nil {
		return fmt.Errorf("encode allowed upstream ids: %w", err)
	}
	q := s.bind(`
INSERT INTO api_keys(id, key_hash, key_value_encrypted, key_prefix, name, active, expires_at, allowed_upstream_ids)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, q, k.ID, k.KeyHash, k.KeyValueEncrypted, k.KeyPrefix, k.Name, k.Active, k.ExpiresAt, string(allowed))
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// ListActive returns every key with active=true, for Store.Refresh.
func (s *SQLKeyStore) ListActive(ctx context.Context) ([]domain.ApiKey, error) {
	q := s.bind(`
SELECT id, key_hash, key_value_encrypted, key_prefix, name, active, expires_at, allowed_upstream_ids
FROM api_keys WHERE active = ?`)
	rows, err := s.db.QueryContext(ctx, q, true)
	if err != nil {
		return nil, fmt.Errorf("list active api keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.ApiKey
	for rows.Next() {
		k, err := scanApiKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// Get retrieves one key by id regardless of active state (needed by
// Reveal, which must still recognize a disabled key to report legacy_key
// correctly rather than "not found").
func (s *SQLKeyStore) Get(ctx context.Context, id string) (domain.ApiKey, bool, error) {
	q := s.bind(`
SELECT id, key_hash, key_value_encrypted, key_prefix, name, active, expires_at, allowed_upstream_ids
FROM api_keys WHERE id = ?`)
	row := s.db.QueryRowContext(ctx, q, id)
	k, err := scanApiKey(row)
	if err == sql.ErrNoRows {
		return domain.ApiKey{}, false, nil
	}
	if err != nil {
		return domain.ApiKey{}, false, err
	}
	return k, true, nil
}

func scanApiKey(scanner interface{ Scan(dest ...interface{}) error }) (domain.ApiKey, error) {
	var (
		k         domain.ApiKey
		allowed   string
		expiresAt sql.NullTime
	)
	if err := scanner.Scan(&k.ID, &k.KeyHash, &k.KeyValueEncrypted, &k.KeyPrefix, &k.Name, &k.Active, &expiresAt, &allowed); err != nil {
		return domain.ApiKey{}, err
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		k.ExpiresAt = &t
	}
	if err := json.Unmarshal([]byte(allowed), &k.AllowedUpstreamIDs); err != nil {
		return domain.ApiKey{}, fmt.Errorf("decode allowed upstream ids: %w", err)
	}
	return k, nil
}
