// Package pricesource implements models.PriceSource against SQLite or
// Postgres, following the dialect-switching DDL/bind pattern
// internal/keystore.SQLKeyStore and internal/requestlog.Store already
// establish for this codebase's other two SQL-backed stores: the
// billing_model_prices / billing_manual_price_overrides tables spec.md §6
// names as the backing store for models.PriceCatalog.
package pricesource

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

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

// Store persists synced and manually-overridden model prices and
// implements models.PriceSource.
type Store struct {
	db      *sql.DB
	dialect sqlDialect
}

func NewSQLiteStore(dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "gateway-prices.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite price store: %w", err)
	}
	s := &Store{db: db, dialect: dialectSQLite}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func NewPostgresStore(dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres price store: %w", err)
	}
	s := &Store{db: db, dialect: dialectPostgres}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("ping %s price store: %w", s.dialect, err)
	}

	timestampType := "DATETIME"
	if s.dialect == dialectPostgres {
		timestampType = "TIMESTAMPTZ"
	}

	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS billing_model_prices (
	model TEXT NOT NULL,
	input_price_per_million REAL NOT NULL,
	output_price_per_million REAL NOT NULL,
	cache_read_input_price_per_million REAL NOT NULL,
	cache_write_input_price_per_million REAL NOT NULL,
	source TEXT NOT NULL,
	synced_at %[1]s NOT NULL
);
CREATE TABLE IF NOT EXISTS billing_manual_price_overrides (
	model TEXT PRIMARY KEY,
	input_price_per_million REAL NOT NULL,
	output_price_per_million REAL NOT NULL,
	cache_read_input_price_per_million REAL NOT NULL,
	cache_write_input_price_per_million REAL NOT NULL,
	synced_at %[1]s NOT NULL
);`, timestampType)
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize %s price store schema: %w", s.dialect, err)
	}
	return nil
}

func (s *Store) bind(query string) string {
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

// LoadSyncedPrices implements models.PriceSource.
func (s *Store) LoadSyncedPrices(ctx context.Context) ([]domain.PriceEntry, error) {
	return s.loadFrom(ctx, "billing_model_prices", true)
}

// LoadManualOverrides implements models.PriceSource.
func (s *Store) LoadManualOverrides(ctx context.Context) ([]domain.PriceEntry, error) {
	return s.loadFrom(ctx, "billing_manual_price_overrides", false)
}

func (s *Store) loadFrom(ctx context.Context, table string, hasSource bool) ([]domain.PriceEntry, error) {
	cols := "model, input_price_per_million, output_price_per_million, cache_read_input_price_per_million, cache_write_input_price_per_million, synced_at"
	if hasSource {
		cols = "model, input_price_per_million, output_price_per_million, cache_read_input_price_per_million, cache_write_input_price_per_million, source, synced_at"
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s", cols, table))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.PriceEntry
	for rows.Next() {
		var e domain.PriceEntry
		var syncedAt time.Time
		if hasSource {
			err = rows.Scan(&e.Model, &e.InputPricePerMillion, &e.OutputPricePerMillion,
				&e.CacheReadInputPricePerMillion, &e.CacheWriteInputPricePerMillion, &e.Source, &syncedAt)
		} else {
			err = rows.Scan(&e.Model, &e.InputPricePerMillion, &e.OutputPricePerMillion,
				&e.CacheReadInputPricePerMillion, &e.CacheWriteInputPricePerMillion, &syncedAt)
			e.Source = domain.SourceManualOverride
		}
		if err != nil {
			return nil, fmt.Errorf("scan %s row: %w", table, err)
		}
		e.SyncedAt = syncedAt
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpsertManualOverride writes or replaces one manual price override, for
// the admin API and for seeding test/dev environments.
func (s *Store) UpsertManualOverride(ctx context.Context, e domain.PriceEntry, now time.Time) error {
	var q string
	switch s.dialect {
	case dialectPostgres:
		q = s.bind(`
INSERT INTO billing_manual_price_overrides(model, input_price_per_million, output_price_per_million, cache_read_input_price_per_million, cache_write_input_price_per_million, synced_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT (model) DO UPDATE SET
	input_price_per_million = EXCLUDED.input_price_per_million,
	output_price_per_million = EXCLUDED.output_price_per_million,
	cache_read_input_price_per_million = EXCLUDED.cache_read_input_price_per_million,
	cache_write_input_price_per_million = EXCLUDED.cache_write_input_price_per_million,
	synced_at = EXCLUDED.synced_at`)
	default:
		q = s.bind(`
INSERT INTO billing_manual_price_overrides(model, input_price_per_million, output_price_per_million, cache_read_input_price_per_million, cache_write_input_price_per_million, synced_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(model) DO UPDATE SET
	input_price_per_million = excluded.input_price_per_million,
	output_price_per_million = excluded.output_price_per_million,
	cache_read_input_price_per_million = excluded.cache_read_input_price_per_million,
	cache_write_input_price_per_million = excluded.cache_write_input_price_per_million,
	synced_at = excluded.synced_at`)
	}
	_, err := s.db.ExecContext(ctx, q, e.Model, e.InputPricePerMillion, e.OutputPricePerMillion,
		e.CacheReadInputPricePerMillion, e.CacheWriteInputPricePerMillion, now)
	if err != nil {
		return fmt.Errorf("upsert manual price override: %w", err)
	}
	return nil
}
