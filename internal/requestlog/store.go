// Package requestlog persists the request log + billing snapshot pair of
// spec.md §4.10, one row each per proxied request, written atomically in a
// single transaction. Grounded on internal/admin/sql_store.go's
// dialect-switched DDL/bind() pattern, generalized from a single-table
// store to a two-table transactional write, and on the teacher's
// request_logs table (internal/requestlog/store.go before this rewrite),
// whose plugin-oriented Entry/Stage shape is replaced by
// domain.RequestLog/domain.BillingSnapshot.
package requestlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/relaygate/gateway/domain"
)

type sqlDialect string

const (
	dialectSQLite   sqlDialect = "sqlite"
	dialectPostgres sqlDialect = "postgres"
)

// Store persists request logs and billing snapshots, and answers the
// quota tracker's billed-spend queries (it implements quota.Source).
type Store struct {
	db      *sql.DB
	dialect sqlDialect
}

func NewSQLiteStore(dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "gateway-requests.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite request log store: %w", err)
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
		return nil, fmt.Errorf("open postgres request log store: %w", err)
	}
	s := &Store{db: db, dialect: dialectPostgres}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("ping %s request log store: %w", s.dialect, err)
	}

	logDDL := `
CREATE TABLE IF NOT EXISTS request_logs (
	id TEXT PRIMARY KEY,
	api_key_id TEXT,
	upstream_id TEXT,
	method TEXT NOT NULL,
	path TEXT NOT NULL,
	model TEXT,
	tokens_json TEXT NOT NULL,
	status_code INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	routing_duration_ms INTEGER NOT NULL,
	ttft_ms INTEGER,
	is_stream BOOLEAN NOT NULL,
	error_message TEXT,
	routing_json TEXT NOT NULL,
	session_json TEXT NOT NULL,
	header_diff_json TEXT,
	created_at TIMESTAMP NOT NULL
);`

	snapshotDDL := `
CREATE TABLE IF NOT EXISTS billing_snapshots (
	request_log_id TEXT PRIMARY KEY,
	input_price_per_million REAL,
	output_price_per_million REAL,
	cache_read_price_per_million REAL,
	cache_write_price_per_million REAL,
	input_multiplier REAL NOT NULL,
	output_multiplier REAL NOT NULL,
	tokens_json TEXT NOT NULL,
	final_cost REAL NOT NULL,
	currency TEXT NOT NULL,
	billing_status TEXT NOT NULL,
	unbillable_reason TEXT,
	billed_at TIMESTAMP NOT NULL
);`

	if _, err := s.db.Exec(logDDL); err != nil {
		return fmt.Errorf("initialize request_logs schema: %w", err)
	}
	if _, err := s.db.Exec(snapshotDDL); err != nil {
		return fmt.Errorf("initialize billing_snapshots schema: %w", err)
	}
	return nil
}

func (s *Store) bind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			fmt.Fprintf(&b, "$%d", n)
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// WriteWithSnapshot inserts a RequestLog row and its BillingSnapshot in one
// transaction, per spec.md §4.10's atomicity requirement: a request is
// never logged without its billing outcome, and vice versa.
func (s *Store) WriteWithSnapshot(ctx context.Context, log domain.RequestLog, snapshot domain.BillingSnapshot) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	if snapshot.BilledAt.IsZero() {
		snapshot.BilledAt = log.CreatedAt
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin request log transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	tokensJSON, err := json.Marshal(log.Tokens)
	if err != nil {
		return fmt.Errorf("marshal tokens: %w", err)
	}
	routingJSON, err := json.Marshal(log.Routing)
	if err != nil {
		return fmt.Errorf("marshal routing: %w", err)
	}
	sessionJSON, err := json.Marshal(log.Session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	var headerDiffJSON sql.NullString
	if log.HeaderDiff != nil {
		b, err := json.Marshal(log.HeaderDiff)
		if err != nil {
			return fmt.Errorf("marshal header diff: %w", err)
		}
		headerDiffJSON = sql.NullString{String: string(b), Valid: true}
	}

	insertLog := s.bind(`INSERT INTO request_logs(
		id, api_key_id, upstream_id, method, path, model, tokens_json, status_code,
		duration_ms, routing_duration_ms, ttft_ms, is_stream, error_message,
		routing_json, session_json, header_diff_json, created_at
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)

	if _, err := tx.ExecContext(ctx, insertLog,
		log.ID, nullableStr(log.ApiKeyID), nullableStr(log.UpstreamID), log.Method, log.Path, log.Model,
		string(tokensJSON), log.StatusCode, log.DurationMs, log.RoutingDurationMs, nullableInt64(log.TTFTMs),
		log.IsStream, nullableStr(log.ErrorMessage), string(routingJSON), string(sessionJSON), headerDiffJSON,
		log.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert request log: %w", err)
	}

	snapshotTokensJSON, err := json.Marshal(snapshot.Tokens)
	if err != nil {
		return fmt.Errorf("marshal snapshot tokens: %w", err)
	}

	insertSnapshot := s.bind(`INSERT INTO billing_snapshots(
		request_log_id, input_price_per_million, output_price_per_million,
		cache_read_price_per_million, cache_write_price_per_million,
		input_multiplier, output_multiplier, tokens_json, final_cost, currency,
		billing_status, unbillable_reason, billed_at
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`)

	currency := snapshot.Currency
	if currency == "" {
		currency = "USD"
	}

	if _, err := tx.ExecContext(ctx, insertSnapshot,
		log.ID, snapshot.InputPricePerMillion, snapshot.OutputPricePerMillion,
		snapshot.CacheReadPricePerMillion, snapshot.CacheWritePricePerMillion,
		snapshot.InputMultiplier, snapshot.OutputMultiplier, string(snapshotTokensJSON),
		snapshot.FinalCost, currency, snapshot.BillingStatus, nullableStr(&snapshot.UnbillableReason),
		snapshot.BilledAt,
	); err != nil {
		return fmt.Errorf("insert billing snapshot: %w", err)
	}

	return tx.Commit()
}

// SumBilledCost implements quota.Source: the total billed cost for an
// upstream since a given time, used to reconcile in-memory quota buckets
// against the database of record.
func (s *Store) SumBilledCost(ctx context.Context, upstreamID string, since time.Time) (float64, error) {
	query := s.bind(`SELECT COALESCE(SUM(b.final_cost), 0)
		FROM billing_snapshots b
		JOIN request_logs r ON r.id = b.request_log_id
		WHERE r.upstream_id = ? AND b.billing_status = ? AND r.created_at >= ?`)

	var total float64
	err := s.db.QueryRowContext(ctx, query, upstreamID, domain.BillingStatusBilled, since.UTC()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum billed cost: %w", err)
	}
	return total, nil
}

// PurgeOlderThan deletes request logs (and their cascaded billing
// snapshots) older than the given retention window, returning the count
// removed.
func (s *Store) PurgeOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin purge transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	delSnapshots := s.bind(`DELETE FROM billing_snapshots WHERE request_log_id IN (SELECT id FROM request_logs WHERE created_at < ?)`)
	if _, err := tx.ExecContext(ctx, delSnapshots, cutoff); err != nil {
		return 0, fmt.Errorf("purge billing snapshots: %w", err)
	}

	delLogs := s.bind(`DELETE FROM request_logs WHERE created_at < ?`)
	res, err := tx.ExecContext(ctx, delLogs, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge request logs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count purged request logs: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit purge transaction: %w", err)
	}
	return n, nil
}

// Query defines request log listing filters.
type Query struct {
	Limit      int
	Offset     int
	UpstreamID string
	Model      string
	Since      *time.Time
}

// ListResult is a paginated request log query response.
type ListResult struct {
	Data  []domain.RequestLog
	Total int
}

// List returns paginated request logs with optional filters, newest first.
func (s *Store) List(ctx context.Context, query Query) (ListResult, error) {
	if query.Limit <= 0 {
		query.Limit = 50
	}
	if query.Limit > 200 {
		query.Limit = 200
	}
	if query.Offset < 0 {
		query.Offset = 0
	}

	where := make([]string, 0)
	args := make([]interface{}, 0)
	if query.UpstreamID != "" {
		where = append(where, "upstream_id = ?")
		args = append(args, query.UpstreamID)
	}
	if query.Model != "" {
		where = append(where, "model = ?")
		args = append(args, query.Model)
	}
	if query.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, query.Since.UTC())
	}
	whereSQL := ""
	if len(where) > 0 {
		whereSQL = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	countQuery := s.bind("SELECT COUNT(*) FROM request_logs" + whereSQL)
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return ListResult{}, fmt.Errorf("count request logs: %w", err)
	}

	listQuery := s.bind(`SELECT id, api_key_id, upstream_id, method, path, model, tokens_json, status_code,
		duration_ms, routing_duration_ms, ttft_ms, is_stream, error_message, routing_json, session_json,
		header_diff_json, created_at
		FROM request_logs` + whereSQL + ` ORDER BY created_at DESC LIMIT ? OFFSET ?`)
	listArgs := append(append([]interface{}{}, args...), query.Limit, query.Offset)

	rows, err := s.db.QueryContext(ctx, listQuery, listArgs...)
	if err != nil {
		return ListResult{}, fmt.Errorf("list request logs: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.RequestLog, 0)
	for rows.Next() {
		log, err := scanRequestLog(rows)
		if err != nil {
			return ListResult{}, err
		}
		entries = append(entries, log)
	}
	if err := rows.Err(); err != nil {
		return ListResult{}, fmt.Errorf("iterate request logs: %w", err)
	}

	return ListResult{Data: entries, Total: total}, nil
}

func scanRequestLog(rows *sql.Rows) (domain.RequestLog, error) {
	var (
		log                                   domain.RequestLog
		apiKeyID, upstreamID, model, errMsg   sql.NullString
		tokensJSON, routingJSON, sessionJSON  string
		headerDiffJSON                        sql.NullString
		ttftMs                                sql.NullInt64
	)
	if err := rows.Scan(&log.ID, &apiKeyID, &upstreamID, &log.Method, &log.Path, &model, &tokensJSON,
		&log.StatusCode, &log.DurationMs, &log.RoutingDurationMs, &ttftMs, &log.IsStream, &errMsg,
		&routingJSON, &sessionJSON, &headerDiffJSON, &log.CreatedAt); err != nil {
		return domain.RequestLog{}, fmt.Errorf("scan request log row: %w", err)
	}

	if apiKeyID.Valid {
		log.ApiKeyID = &apiKeyID.String
	}
	if upstreamID.Valid {
		log.UpstreamID = &upstreamID.String
	}
	if model.Valid {
		log.Model = model.String
	}
	if errMsg.Valid {
		log.ErrorMessage = &errMsg.String
	}
	if ttftMs.Valid {
		log.TTFTMs = &ttftMs.Int64
	}
	if err := json.Unmarshal([]byte(tokensJSON), &log.Tokens); err != nil {
		return domain.RequestLog{}, fmt.Errorf("unmarshal tokens: %w", err)
	}
	if err := json.Unmarshal([]byte(routingJSON), &log.Routing); err != nil {
		return domain.RequestLog{}, fmt.Errorf("unmarshal routing: %w", err)
	}
	if err := json.Unmarshal([]byte(sessionJSON), &log.Session); err != nil {
		return domain.RequestLog{}, fmt.Errorf("unmarshal session: %w", err)
	}
	if headerDiffJSON.Valid {
		var hd domain.HeaderDiff
		if err := json.Unmarshal([]byte(headerDiffJSON.String), &hd); err != nil {
			return domain.RequestLog{}, fmt.Errorf("unmarshal header diff: %w", err)
		}
		log.HeaderDiff = &hd
	}

	return log, nil
}

func nullableStr(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullableInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
