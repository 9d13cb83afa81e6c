package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS log_records (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	stream TEXT NOT NULL,
	at_ns INTEGER NOT NULL,
	labels TEXT NOT NULL DEFAULT '{}',
	data BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_log_records_stream_at
ON log_records(stream, at_ns);`

// SQLiteConfig configures a SQLiteStore.
type SQLiteConfig struct {
	DSN string
}

// SQLiteStore implements Store on SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite store.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("store: sqlite dsn is required")
	}
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: sqlite open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: sqlite set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: sqlite set busy timeout: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: sqlite create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %s: %w", key, err)
	}
	return v, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: put %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("store: delete %s: %w", key, err)
	}
	return nil
}

// prefixBounds turns a prefix scan into a key range so the primary key
// index is used.
func prefixBounds(prefix string) (string, string) {
	return prefix, prefix + "\U0010FFFF"
}

func (s *SQLiteStore) List(ctx context.Context, prefix string) ([]KVEntry, error) {
	lo, hi := prefixBounds(prefix)
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM kv WHERE key >= ? AND key < ? ORDER BY key ASC`, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("store: list %s: %w", prefix, err)
	}
	defer rows.Close()

	var out []KVEntry
	for rows.Next() {
		var e KVEntry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, fmt.Errorf("store: list %s: %w", prefix, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	lo, hi := prefixBounds(prefix)
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key >= ? AND key < ?`, lo, hi)
	if err != nil {
		return 0, fmt.Errorf("store: delete prefix %s: %w", prefix, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) Append(ctx context.Context, rec LogRecord) (uint64, error) {
	labels := rec.Labels
	if labels == nil {
		labels = map[string]string{}
	}
	labelsJSON, err := json.Marshal(labels)
	if err != nil {
		return 0, fmt.Errorf("store: marshal labels: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO log_records (stream, at_ns, labels, data) VALUES (?, ?, ?, ?)`,
		rec.Stream, rec.At.UTC().UnixNano(), string(labelsJSON), rec.Data)
	if err != nil {
		return 0, fmt.Errorf("store: append %s: %w", rec.Stream, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: append %s: %w", rec.Stream, err)
	}
	return uint64(id), nil
}

func whereClause(stream string, q RangeQuery) (string, []any) {
	clauses := []string{"stream = ?"}
	args := []any{stream}
	if !q.Since.IsZero() {
		clauses = append(clauses, "at_ns >= ?")
		args = append(args, q.Since.UTC().UnixNano())
	}
	if !q.Until.IsZero() {
		clauses = append(clauses, "at_ns < ?")
		args = append(args, q.Until.UTC().UnixNano())
	}
	keys := make([]string, 0, len(q.Labels))
	for k := range q.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		clauses = append(clauses, "json_extract(labels, ?) = ?")
		args = append(args, "$."+k, q.Labels[k])
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s *SQLiteStore) Range(ctx context.Context, stream string, q RangeQuery) ([]LogRecord, error) {
	where, args := whereClause(stream, q)
	query := `SELECT seq, stream, at_ns, labels, data FROM log_records` + where
	if q.Ascending {
		query += " ORDER BY at_ns ASC, seq ASC"
	} else {
		query += " ORDER BY at_ns DESC, seq DESC"
	}
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	} else if q.Offset > 0 {
		query += " LIMIT -1"
	}
	if q.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: range %s: %w", stream, err)
	}
	defer rows.Close()

	var out []LogRecord
	for rows.Next() {
		var (
			rec    LogRecord
			atNs   int64
			labels string
		)
		if err := rows.Scan(&rec.Seq, &rec.Stream, &atNs, &labels, &rec.Data); err != nil {
			return nil, fmt.Errorf("store: range %s: %w", stream, err)
		}
		rec.At = time.Unix(0, atNs).UTC()
		if err := json.Unmarshal([]byte(labels), &rec.Labels); err != nil {
			return nil, fmt.Errorf("store: range %s: decode labels: %w", stream, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Count(ctx context.Context, stream string, q RangeQuery) (int, error) {
	where, args := whereClause(stream, q)
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM log_records`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count %s: %w", stream, err)
	}
	return n, nil
}

func (s *SQLiteStore) PruneBefore(ctx context.Context, stream string, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM log_records WHERE stream = ? AND at_ns < ?`, stream, before.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("store: prune %s: %w", stream, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) DeleteStream(ctx context.Context, stream string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM log_records WHERE stream = ?`, stream)
	if err != nil {
		return 0, fmt.Errorf("store: delete stream %s: %w", stream, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) Streams(ctx context.Context, prefix string) ([]string, error) {
	lo, hi := prefixBounds(prefix)
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT stream FROM log_records WHERE stream >= ? AND stream < ? ORDER BY stream`, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("store: streams: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
