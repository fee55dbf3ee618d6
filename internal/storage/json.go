package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// JSONStore implements Store over a directory of JSON files: one file per
// token name, one file per queue snapshot, and one JSON document per
// archive table. Every write is atomic (write to a temp file, then rename
// over the target), following the worker config package's SaveState
// pattern, hardened against partial writes.
type JSONStore struct {
	dir string
	mu  sync.Mutex
}

// OpenJSON opens (creating if needed) a JSON-file store rooted at dir.
func OpenJSON(dir string) (*JSONStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, &Error{"create data dir", err}
	}
	return &JSONStore{dir: dir}, nil
}

func (s *JSONStore) Close() error { return nil }

func (s *JSONStore) tokenPath(name string) string {
	return filepath.Join(s.dir, "token-"+SanitizeIdentifier(name)+".json")
}

func (s *JSONStore) queuePath(name string) string {
	return filepath.Join(s.dir, "queue-"+SanitizeIdentifier(name)+".json")
}

func (s *JSONStore) tablePath(table string) string {
	return filepath.Join(s.dir, "table-"+SanitizeIdentifier(table)+".json")
}

// writeAtomic writes data to path by first writing to a uniquely named
// temp file in the same directory, then renaming it into place, so a
// crash mid-write never leaves a partially written file behind.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.%s.tmp", filepath.Base(path), uuid.New().String()))

	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func readFileOrNil(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func (s *JSONStore) SaveToken(ctx context.Context, name string, tok *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return &Error{"marshal token", err}
	}
	if err := writeAtomic(s.tokenPath(name), data); err != nil {
		return &Error{"save token", err}
	}
	return nil
}

func (s *JSONStore) LoadToken(ctx context.Context, name string) (*Token, error) {
	data, err := readFileOrNil(s.tokenPath(name))
	if err != nil {
		return nil, &Error{"load token", err}
	}
	if data == nil {
		return nil, nil
	}
	var tok Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, &Error{"unmarshal token", err}
	}
	return &tok, nil
}

func (s *JSONStore) SaveQueue(ctx context.Context, name string, entries []QueueEntrySnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entries == nil {
		entries = []QueueEntrySnapshot{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return &Error{"marshal queue", err}
	}
	if err := writeAtomic(s.queuePath(name), data); err != nil {
		return &Error{"save queue", err}
	}
	return nil
}

func (s *JSONStore) LoadQueue(ctx context.Context, name string) ([]QueueEntrySnapshot, error) {
	data, err := readFileOrNil(s.queuePath(name))
	if err != nil {
		return nil, &Error{"load queue", err}
	}
	if data == nil {
		return []QueueEntrySnapshot{}, nil
	}
	var entries []QueueEntrySnapshot
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, &Error{"unmarshal queue", err}
	}
	return entries, nil
}

// jsonTable is the on-disk shape of one archive table: an ordered list of
// records plus the key column used to upsert/match them, so Query/Delete
// can offer the same "col = ?" affordance the SQLite backend does without
// a real query engine.
type jsonTable struct {
	Key     string           `json:"key"`
	Records []map[string]any `json:"records"`
}

func (s *JSONStore) loadTable(table string) (*jsonTable, error) {
	data, err := readFileOrNil(s.tablePath(table))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return &jsonTable{}, nil
	}
	var t jsonTable
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *JSONStore) saveTable(table string, t *jsonTable) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(s.tablePath(table), data)
}

func (s *JSONStore) Insert(ctx context.Context, table string, record map[string]any) error {
	table = SanitizeIdentifier(table)

	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.loadTable(table)
	if err != nil {
		return &Error{"load table", err}
	}
	if t.Key == "" {
		t.Key = recordKeyColumn(record)
	}
	if t.Key == "" {
		return &Error{"insert", fmt.Errorf("empty record")}
	}

	key := record[t.Key]
	replaced := false
	for i, existing := range t.Records {
		if matchesJSON(existing[t.Key], key) {
			t.Records[i] = record
			replaced = true
			break
		}
	}
	if !replaced {
		t.Records = append(t.Records, record)
	}

	if err := s.saveTable(table, t); err != nil {
		return &Error{"insert", err}
	}
	return nil
}

// matchesJSON compares two values as decoded from JSON, where numeric
// types may differ (float64 vs int) even when they represent the same
// value.
func matchesJSON(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// simpleWhereParam extracts the single bound value from a "col = ?"-style
// where clause; the JSON backend only supports matching by the table's key
// column, which covers every caller in this module.
func simpleWhereParam(params []any) any {
	if len(params) == 0 {
		return nil
	}
	return params[0]
}

func (s *JSONStore) Query(ctx context.Context, table, where string, params ...any) ([]map[string]any, error) {
	table = SanitizeIdentifier(table)

	t, err := s.loadTable(table)
	if err != nil {
		return nil, &Error{"query", err}
	}
	if where == "" {
		return t.Records, nil
	}

	want := simpleWhereParam(params)
	var out []map[string]any
	for _, rec := range t.Records {
		if matchesJSON(rec[t.Key], want) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *JSONStore) Delete(ctx context.Context, table, where string, params ...any) error {
	table = SanitizeIdentifier(table)

	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.loadTable(table)
	if err != nil {
		return &Error{"delete", err}
	}

	if where == "" {
		t.Records = nil
	} else {
		want := simpleWhereParam(params)
		kept := t.Records[:0]
		for _, rec := range t.Records {
			if !matchesJSON(rec[t.Key], want) {
				kept = append(kept, rec)
			}
		}
		t.Records = kept
	}

	if err := s.saveTable(table, t); err != nil {
		return &Error{"delete", err}
	}
	return nil
}
