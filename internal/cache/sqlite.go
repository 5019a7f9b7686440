package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/traffictap/traffictap/internal/config"
	"github.com/traffictap/traffictap/internal/logger"
	"github.com/traffictap/traffictap/pkg/trace"

	_ "modernc.org/sqlite"
)

const (
	sqliteDriverName = "sqlite"

	entryColumns = "curl_command, response_body, status_code, timestamp_ns, url, duration_ms, response_headers_json, method"
)

type sqliteStore struct {
	db  *sql.DB
	log logger.Logger
}

func newSQLiteStore(cfg *config.CacheConfig, log logger.Logger) (Store, error) {
	path := cfg.Path
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve sqlite path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("prepare sqlite directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(absPath))
	db, err := sql.Open(sqliteDriverName, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %s: %w", stmt, err)
		}
	}

	store := &sqliteStore{db: db, log: log}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *sqliteStore) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS entries (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    curl_command TEXT NOT NULL,
    response_body TEXT,
    status_code INTEGER NOT NULL,
    timestamp_ns INTEGER NOT NULL,
    url TEXT,
    duration_ms INTEGER,
    response_headers_json TEXT,
    method TEXT
);
CREATE INDEX IF NOT EXISTS idx_entries_ts ON entries(timestamp_ns DESC);
CREATE INDEX IF NOT EXISTS idx_entries_status ON entries(status_code);
`
	_, err := s.db.Exec(schema)
	return err
}

// Append adds an entry to the end of the log.
func (s *sqliteStore) Append(entry *trace.Entry) error {
	if entry == nil {
		return fmt.Errorf("entry is nil")
	}
	ts := entry.Timestamp.UTC()
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	headers := entry.ResponseHeaders
	if headers == nil {
		headers = http.Header{}
	}
	headersJSON, err := json.Marshal(headers)
	if err != nil {
		return fmt.Errorf("marshal response headers: %w", err)
	}

	insertSQL := fmt.Sprintf("INSERT INTO entries (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?)", entryColumns)
	_, err = s.db.ExecContext(context.Background(), insertSQL,
		entry.CurlCommand,
		entry.ResponseBody,
		entry.StatusCode,
		ts.UnixNano(),
		entry.URL,
		entry.DurationMs,
		string(headersJSON),
		entry.Method,
	)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

// Load returns the filtered slice of the log, newest first.
func (s *sqliteStore) Load(q Query) ([]*trace.Entry, error) {
	where, args := buildWhere(q)

	query := strings.Builder{}
	query.WriteString("SELECT ")
	query.WriteString(entryColumns)
	query.WriteString(" FROM entries ")
	query.WriteString(where)
	query.WriteString(" ORDER BY id DESC")

	switch {
	case q.Limit > 0:
		offset := q.Offset
		if offset < 0 {
			offset = 0
		}
		query.WriteString(" LIMIT ? OFFSET ?")
		args = append(args, q.Limit, offset)
	case q.Offset > 0:
		// sqlite needs a LIMIT clause to accept OFFSET; -1 means all
		query.WriteString(" LIMIT -1 OFFSET ?")
		args = append(args, q.Offset)
	}

	rows, err := s.db.QueryContext(context.Background(), query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*trace.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}

// Count returns the cardinality of the filtered set. It shares the
// WHERE builder with Load so pagination totals always agree with the
// returned page.
func (s *sqliteStore) Count(q Query) (int, error) {
	where, args := buildWhere(q)
	var total int
	err := s.db.QueryRowContext(context.Background(),
		fmt.Sprintf("SELECT COUNT(1) FROM entries %s", where), args...).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total, nil
}

// CountByClass buckets the filtered set (ignoring any class filter in
// the query) by status class in a single scan.
func (s *sqliteStore) CountByClass(q Query) (map[trace.StatusClass]int, error) {
	q.Class = ""
	where, args := buildWhere(q)

	query := fmt.Sprintf(`SELECT CASE
    WHEN status_code BETWEEN 100 AND 199 THEN 'informational'
    WHEN status_code BETWEEN 200 AND 299 THEN 'success'
    WHEN status_code BETWEEN 300 AND 399 THEN 'redirect'
    WHEN status_code BETWEEN 400 AND 499 THEN 'client_error'
    WHEN status_code BETWEEN 500 AND 599 THEN 'server_error'
    ELSE 'failure' END AS class, COUNT(1)
FROM entries %s GROUP BY class`, where)

	rows, err := s.db.QueryContext(context.Background(), query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[trace.StatusClass]int)
	for rows.Next() {
		var class string
		var count int
		if err := rows.Scan(&class, &count); err != nil {
			return nil, err
		}
		counts[trace.StatusClass(class)] = count
	}
	return counts, rows.Err()
}

// Clear empties the log.
func (s *sqliteStore) Clear() error {
	_, err := s.db.ExecContext(context.Background(), "DELETE FROM entries")
	return err
}

func (s *sqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanEntry(scanner interface {
	Scan(dest ...interface{}) error
}) (*trace.Entry, error) {
	var (
		curl        string
		body        sql.NullString
		status      int
		ts          int64
		url         sql.NullString
		durationMs  sql.NullInt64
		headersJSON sql.NullString
		method      sql.NullString
	)

	if err := scanner.Scan(
		&curl,
		&body,
		&status,
		&ts,
		&url,
		&durationMs,
		&headersJSON,
		&method,
	); err != nil {
		return nil, err
	}

	headers := http.Header{}
	if headersJSON.Valid && headersJSON.String != "" {
		if err := json.Unmarshal([]byte(headersJSON.String), &headers); err != nil {
			headers = http.Header{}
		}
	}

	return &trace.Entry{
		CurlCommand:     curl,
		ResponseBody:    body.String,
		StatusCode:      status,
		Timestamp:       time.Unix(0, ts).UTC(),
		URL:             url.String,
		DurationMs:      durationMs.Int64,
		ResponseHeaders: headers,
		Method:          method.String,
	}, nil
}

// buildWhere renders a query's predicate. Load, Count and CountByClass
// all call this so their filters can never drift apart.
func buildWhere(q Query) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if search := strings.TrimSpace(strings.ToLower(q.Search)); search != "" {
		like := fmt.Sprintf("%%%s%%", search)
		clauses = append(clauses, "(LOWER(curl_command) LIKE ? OR LOWER(COALESCE(response_body, '')) LIKE ? OR CAST(status_code AS TEXT) LIKE ? OR LOWER(COALESCE(url, '')) LIKE ?)")
		args = append(args, like, like, like, like)
	}

	// The bounds carry slack so entries written at the very edge of a
	// picked range are not dropped: one second below, one day above.
	if !q.Since.IsZero() {
		clauses = append(clauses, "timestamp_ns >= ?")
		args = append(args, q.Since.Add(-time.Second).UTC().UnixNano())
	}
	if !q.Until.IsZero() {
		clauses = append(clauses, "timestamp_ns <= ?")
		args = append(args, q.Until.Add(24*time.Hour).UTC().UnixNano())
	}

	if q.Class != "" {
		if lo, hi, ok := trace.ClassRange(q.Class); ok {
			clauses = append(clauses, "status_code BETWEEN ? AND ?")
			args = append(args, lo, hi)
		} else {
			clauses = append(clauses, "(status_code < 100 OR status_code > 599)")
		}
	}

	if len(clauses) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}
