package storage

import (
	"bytes"
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/pressly/goose/v3"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// compressMagic marks a BLOB column value as flate-compressed text (JSON
// for nested values, the raw string otherwise), so
// Query can tell a compressed archive payload apart from a plain BLOB.
var compressMagic = []byte("SPZ1")

// compressThreshold is the serialized size above which an archive record's
// value is flate-compressed before being written to SQLite.
const compressThreshold = 2048

// SQLiteStore implements Store over a single-writer SQLite database (WAL
// mode, one connection), with goose-managed migrations for the fixed
// tables and dynamically evolved schema for per-topic archive tables.
type SQLiteStore struct {
	db *sql.DB

	mu      sync.Mutex // serializes writes; SQLite only supports one writer
	tableMu sync.Mutex // guards CREATE/ALTER TABLE races across goroutines
}

// OpenSQLite opens (creating if needed) a SQLite database at path and runs
// migrations. Use ":memory:" for an ephemeral database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &Error{"open", err}
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, &Error{"set WAL mode", err}
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, &Error{"enable foreign keys", err}
	}
	db.SetMaxOpenConns(1)

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = db.Close()
		return nil, &Error{"set dialect", err}
	}
	if err := goose.Up(db, "migrations"); err != nil {
		_ = db.Close()
		return nil, &Error{"migrate", err}
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) SaveToken(ctx context.Context, name string, tok *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	scopes, err := json.Marshal(tok.Scopes)
	if err != nil {
		return &Error{"marshal scopes", err}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tokens (name, access, refresh, expires_at, scopes, user_id)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			access=excluded.access, refresh=excluded.refresh,
			expires_at=excluded.expires_at, scopes=excluded.scopes,
			user_id=excluded.user_id`,
		name, tok.Access, tok.Refresh, tok.ExpiresAt, string(scopes), tok.UserID)
	if err != nil {
		return &Error{"save token", err}
	}
	return nil
}

func (s *SQLiteStore) LoadToken(ctx context.Context, name string) (*Token, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT access, refresh, expires_at, scopes, user_id FROM tokens WHERE name = ?`, name)

	var tok Token
	var scopes string
	if err := row.Scan(&tok.Access, &tok.Refresh, &tok.ExpiresAt, &scopes, &tok.UserID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, &Error{"load token", err}
	}
	if err := json.Unmarshal([]byte(scopes), &tok.Scopes); err != nil {
		return nil, &Error{"unmarshal scopes", err}
	}
	return &tok, nil
}

func (s *SQLiteStore) SaveQueue(ctx context.Context, name string, entries []QueueEntrySnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(entries)
	if err != nil {
		return &Error{"marshal queue", err}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO queue_snapshots (name, entries) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET entries=excluded.entries`,
		name, string(data))
	if err != nil {
		return &Error{"save queue", err}
	}
	return nil
}

func (s *SQLiteStore) LoadQueue(ctx context.Context, name string) ([]QueueEntrySnapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT entries FROM queue_snapshots WHERE name = ?`, name)
	var data string
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return []QueueEntrySnapshot{}, nil
		}
		return nil, &Error{"load queue", err}
	}
	var entries []QueueEntrySnapshot
	if err := json.Unmarshal([]byte(data), &entries); err != nil {
		return nil, &Error{"unmarshal queue", err}
	}
	return entries, nil
}

// recordKeyColumn picks the upsert key column per spec.md §4.A: message_id
// if present, else name, else the first column in sorted order.
func recordKeyColumn(record map[string]any) string {
	if _, ok := record["message_id"]; ok {
		return "message_id"
	}
	if _, ok := record["name"]; ok {
		return "name"
	}
	cols := make([]string, 0, len(record))
	for k := range record {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	if len(cols) == 0 {
		return ""
	}
	return cols[0]
}

func sqlColumnType(v any) string {
	switch v.(type) {
	case int, int32, int64:
		return "INTEGER"
	case float32, float64:
		return "REAL"
	default:
		return "TEXT"
	}
}

func (s *SQLiteStore) ensureTable(ctx context.Context, table string, record map[string]any) error {
	s.tableMu.Lock()
	defer s.tableMu.Unlock()

	key := recordKeyColumn(record)
	if key == "" {
		return fmt.Errorf("insert: empty record")
	}

	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type='table' AND name = ?`, table).Scan(&exists)
	if err != nil {
		return &Error{"check table", err}
	}

	if exists == 0 {
		cols := make([]string, 0, len(record))
		for k := range record {
			cols = append(cols, k)
		}
		sort.Strings(cols)

		var b strings.Builder
		fmt.Fprintf(&b, `CREATE TABLE "%s" (`, table)
		for i, k := range cols {
			if i > 0 {
				b.WriteString(", ")
			}
			typ := sqlColumnType(record[k])
			if k == key {
				fmt.Fprintf(&b, `"%s" %s PRIMARY KEY`, k, typ)
			} else {
				fmt.Fprintf(&b, `"%s" %s`, k, typ)
			}
		}
		b.WriteString(")")
		if _, err := s.db.ExecContext(ctx, b.String()); err != nil {
			return &Error{"create table", err}
		}
		return nil
	}

	existingCols := make(map[string]bool)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info("%s")`, table))
	if err != nil {
		return &Error{"table info", err}
	}
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			_ = rows.Close()
			return &Error{"scan table info", err}
		}
		existingCols[name] = true
	}
	_ = rows.Close()

	cols := make([]string, 0, len(record))
	for k := range record {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	for _, k := range cols {
		if existingCols[k] {
			continue
		}
		stmt := fmt.Sprintf(`ALTER TABLE "%s" ADD COLUMN "%s" %s`, table, k, sqlColumnType(record[k]))
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return &Error{"alter table", err}
		}
	}
	return nil
}

// encodeValue converts an archive field value to a driver-friendly form:
// nested maps/slices are JSON-encoded, and any resulting text beyond
// compressThreshold is flate-compressed to a tagged BLOB.
func encodeValue(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any, []any:
		data, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		if len(data) <= compressThreshold {
			return string(data), nil
		}
		var buf bytes.Buffer
		buf.Write(compressMagic)
		w, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			_ = w.Close()
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case string:
		if len(t) <= compressThreshold {
			return t, nil
		}
		var buf bytes.Buffer
		buf.Write(compressMagic)
		w, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write([]byte(t)); err != nil {
			_ = w.Close()
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return v, nil
	}
}

func decodeValue(v any) (any, error) {
	b, ok := v.([]byte)
	if !ok || len(b) < len(compressMagic) || !bytes.Equal(b[:len(compressMagic)], compressMagic) {
		return v, nil
	}
	r := flate.NewReader(bytes.NewReader(b[len(compressMagic):]))
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err == nil {
		return decoded, nil
	}
	return string(data), nil
}

func (s *SQLiteStore) Insert(ctx context.Context, table string, record map[string]any) error {
	table = SanitizeIdentifier(table)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureTable(ctx, table, record); err != nil {
		return err
	}

	cols := make([]string, 0, len(record))
	for k := range record {
		cols = append(cols, k)
	}
	sort.Strings(cols)

	key := recordKeyColumn(record)
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	updates := make([]string, 0, len(cols))
	for i, k := range cols {
		placeholders[i] = "?"
		enc, err := encodeValue(record[k])
		if err != nil {
			return &Error{"encode value", err}
		}
		args[i] = enc
		if k != key {
			updates = append(updates, fmt.Sprintf(`"%s"=excluded."%s"`, k, k))
		}
	}

	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = fmt.Sprintf(`"%s"`, c)
	}

	stmt := fmt.Sprintf(`INSERT INTO "%s" (%s) VALUES (%s) ON CONFLICT("%s") DO UPDATE SET %s`,
		table, strings.Join(quoted, ", "), strings.Join(placeholders, ", "), key, strings.Join(updates, ", "))
	if len(updates) == 0 {
		stmt = fmt.Sprintf(`INSERT OR REPLACE INTO "%s" (%s) VALUES (%s)`,
			table, strings.Join(quoted, ", "), strings.Join(placeholders, ", "))
	}

	if _, err := s.db.ExecContext(ctx, stmt, args...); err != nil {
		return &Error{"insert", err}
	}
	return nil
}

func (s *SQLiteStore) Query(ctx context.Context, table, where string, params ...any) ([]map[string]any, error) {
	table = SanitizeIdentifier(table)

	var exists int
	if err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type='table' AND name = ?`, table).Scan(&exists); err != nil {
		return nil, &Error{"check table", err}
	}
	if exists == 0 {
		return nil, nil
	}

	stmt := fmt.Sprintf(`SELECT * FROM "%s"`, table)
	if where != "" {
		stmt += " WHERE " + where
	}
	rows, err := s.db.QueryContext(ctx, stmt, params...)
	if err != nil {
		return nil, &Error{"query", err}
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, &Error{"columns", err}
	}

	var out []map[string]any
	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, &Error{"scan", err}
		}
		rec := make(map[string]any, len(cols))
		for i, c := range cols {
			v, err := decodeValue(raw[i])
			if err != nil {
				return nil, &Error{"decode value", err}
			}
			rec[c] = v
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, table, where string, params ...any) error {
	table = SanitizeIdentifier(table)

	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	if err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type='table' AND name = ?`, table).Scan(&exists); err != nil {
		return &Error{"check table", err}
	}
	if exists == 0 {
		return nil
	}

	stmt := fmt.Sprintf(`DELETE FROM "%s"`, table)
	if where != "" {
		stmt += " WHERE " + where
	}
	if _, err := s.db.ExecContext(ctx, stmt, params...); err != nil {
		return &Error{"delete", err}
	}
	return nil
}
