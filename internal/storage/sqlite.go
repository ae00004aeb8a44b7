package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/llmdump/llmdump/internal/record"
)

// DefaultFilename is the database file created in the working directory when
// no path is configured.
const DefaultFilename = "store.db"

const (
	timeLayout = time.RFC3339Nano
	// maxBindIDs keeps IN lists well below SQLite's bound-parameter limit.
	maxBindIDs = 500
)

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore persists records into an embedded SQLite database, one table
// per record kind, with a synced_at watermark per row.
type SQLiteStore struct {
	mu      sync.RWMutex
	db      *sql.DB
	path    string
	schemas map[string]*record.Schema
}

// DefaultPath returns store.db in the current working directory.
func DefaultPath() string {
	wd, err := os.Getwd()
	if err != nil {
		return DefaultFilename
	}
	return filepath.Join(wd, DefaultFilename)
}

// OpenDefault opens the store at DefaultPath.
func OpenDefault() (*SQLiteStore, error) {
	return Open(DefaultPath())
}

// Open opens (or creates) the SQLite database at path and creates the tables
// for the given schemas if they do not exist. With no schemas the chat record
// table is used. Pass ":memory:" for an in-memory database (used by tests).
func Open(path string, schemas ...*record.Schema) (*SQLiteStore, error) {
	if path == "" {
		path = DefaultPath()
	}
	if len(schemas) == 0 {
		schemas = []*record.Schema{record.ChatSchema}
	}

	memory := path == ":memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if !memory {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting journal mode: %w", err)
		}
	}

	s := &SQLiteStore{
		db:      db,
		path:    path,
		schemas: make(map[string]*record.Schema, len(schemas)),
	}
	for _, schema := range schemas {
		s.schemas[schema.Table] = schema
	}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return s, nil
}

// Path returns the database location.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the underlying database connection. Subsequent operations
// fail with ErrNotConnected.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) ensureSchema() error {
	for _, schema := range s.schemas {
		if _, err := s.db.Exec(schema.CreateTableSQL()); err != nil {
			return fmt.Errorf("creating table %s: %w", schema.Table, err)
		}
		index := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_synced_at ON %s (%s)",
			schema.Table, schema.Table, record.SyncedAtColumn)
		if _, err := s.db.Exec(index); err != nil {
			return fmt.Errorf("creating index on %s: %w", schema.Table, err)
		}
		if err := s.checkColumns(schema); err != nil {
			return err
		}
	}
	return nil
}

// checkColumns verifies that an existing table has the schema's columns in
// the same order, since inserts are positional.
func (s *SQLiteStore) checkColumns(schema *record.Schema) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", schema.Table))
	if err != nil {
		return fmt.Errorf("reading columns of %s: %w", schema.Table, err)
	}
	defer rows.Close()

	var got []string
	for rows.Next() {
		var (
			cid, notNull, pk int
			name, typ        string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return err
		}
		got = append(got, name)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	want := schema.ColumnNames()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		return fmt.Errorf("%w: table %s has columns %v, want %v", ErrSchemaMismatch, schema.Table, got, want)
	}
	return nil
}

// Add inserts rec as a pending row.
func (s *SQLiteStore) Add(ctx context.Context, rec record.Record) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrNotConnected
	}

	schema := rec.Schema()
	if _, ok := s.schemas[schema.Table]; !ok {
		return fmt.Errorf("%w: table %s is not managed by this store", ErrSchemaMismatch, schema.Table)
	}

	args, err := bindArgs(schema, rec.Fields())
	if err != nil {
		return err
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(args)), ", ")
	query := fmt.Sprintf("INSERT INTO %s VALUES (%s)", schema.Table, placeholders)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateID, rec.Base().ID)
		}
		return fmt.Errorf("inserting into %s: %w", schema.Table, err)
	}
	return nil
}

// bindArgs flattens fields into positional arguments in schema column order.
// synced_at is always bound as NULL and JSON fields are encoded to text.
func bindArgs(schema *record.Schema, fields map[string]any) ([]any, error) {
	flat := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		flat[k] = v
	}
	flat[record.SyncedAtColumn] = nil

	if len(flat) != len(schema.Columns) {
		return nil, fmt.Errorf("%w: %d fields for %d columns in %s", ErrSchemaMismatch, len(flat), len(schema.Columns), schema.Table)
	}

	args := make([]any, len(schema.Columns))
	for i, col := range schema.Columns {
		v, ok := flat[col.Name]
		if !ok {
			return nil, fmt.Errorf("%w: missing field %q for %s", ErrSchemaMismatch, col.Name, schema.Table)
		}
		switch {
		case schema.IsJSON(col.Name):
			enc, err := encodeJSON(v)
			if err != nil {
				return nil, fmt.Errorf("encoding %s: %w", col.Name, err)
			}
			v = enc
		default:
			if t, ok := v.(time.Time); ok {
				v = t.UTC().Format(timeLayout)
			}
		}
		args[i] = v
	}
	return args, nil
}

// encodeJSON serializes non-empty values to JSON text; empty values are stored as NULL.
func encodeJSON(v any) (any, error) {
	if isEmpty(v) {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	case reflect.Map, reflect.Slice, reflect.Array, reflect.String:
		return rv.Len() == 0
	}
	return false
}

func isDuplicate(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(se.Error(), "UNIQUE constraint failed")
}

// MarkAsSynced sets synced_at to now for every row whose id is in ids, in
// every managed table. Unknown ids are ignored; re-marking only refreshes
// the timestamp.
func (s *SQLiteStore) MarkAsSynced(ctx context.Context, ids []string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrNotConnected
	}
	if len(ids) == 0 {
		return nil
	}

	now := time.Now().UTC().Format(timeLayout)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning sync transaction: %w", err)
	}
	defer tx.Rollback()

	for table := range s.schemas {
		for start := 0; start < len(ids); start += maxBindIDs {
			chunk := ids[start:min(start+maxBindIDs, len(ids))]
			query := fmt.Sprintf("UPDATE %s SET %s = ? WHERE id IN (?%s)",
				table, record.SyncedAtColumn, strings.Repeat(",?", len(chunk)-1))
			args := make([]any, 0, len(chunk)+1)
			args = append(args, now)
			for _, id := range chunk {
				args = append(args, id)
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("marking %s rows as synced: %w", table, err)
			}
		}
	}

	return tx.Commit()
}

var chatColumns = strings.Join(record.ChatSchema.ColumnNames(), ", ")

// GetUnsynced returns every pending chat record in insertion order.
func (s *SQLiteStore) GetUnsynced(ctx context.Context) ([]Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.chatReady(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s IS NULL ORDER BY rowid ASC",
		chatColumns, record.ChatSchema.Table, record.SyncedAtColumn,
	))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// Get returns the chat record with the given id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.chatReady(); err != nil {
		return Row{}, err
	}

	r, err := scanRow(s.db.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT %s FROM %s WHERE id = ?", chatColumns, record.ChatSchema.Table,
	), id))
	if err == sql.ErrNoRows {
		return Row{}, ErrNotFound
	}
	return r, err
}

// Stats counts chat records by sync state.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.chatReady(); err != nil {
		return Stats{}, err
	}

	var st Stats
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT COUNT(*), COALESCE(SUM(CASE WHEN %s IS NULL THEN 1 ELSE 0 END), 0) FROM %s",
		record.SyncedAtColumn, record.ChatSchema.Table,
	)).Scan(&st.Total, &st.Pending)
	if err != nil {
		return Stats{}, err
	}
	st.Synced = st.Total - st.Pending
	return st, nil
}

func (s *SQLiteStore) chatReady() error {
	if s.db == nil {
		return ErrNotConnected
	}
	if _, ok := s.schemas[record.ChatSchema.Table]; !ok {
		return fmt.Errorf("%w: table %s is not managed by this store", ErrSchemaMismatch, record.ChatSchema.Table)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(sc scanner) (Row, error) {
	var (
		r                                         Row
		model, ts, messages, syncedAt             sql.NullString
		assistant, finish, errText                sql.NullString
		toolCalls, functionCall, tags, props, raw sql.NullString
		completion, prompt, total                 sql.NullInt64
	)
	if err := sc.Scan(
		&r.ID, &model, &ts, &messages, &assistant, &completion, &prompt, &total,
		&finish, &toolCalls, &functionCall, &tags, &props, &errText, &raw, &syncedAt,
	); err != nil {
		return Row{}, err
	}

	r.Model = model.String
	r.AssistantMessage = nullString(assistant)
	r.FinishReason = nullString(finish)
	r.Error = nullString(errText)
	r.CompletionTokens = nullInt(completion)
	r.PromptTokens = nullInt(prompt)
	r.TotalTokens = nullInt(total)
	r.ToolCalls = rawJSON(toolCalls)
	r.FunctionCall = rawJSON(functionCall)
	r.Properties = rawJSON(props)
	r.RawResponse = rawJSON(raw)

	if ts.Valid {
		t, err := time.Parse(timeLayout, ts.String)
		if err != nil {
			return Row{}, fmt.Errorf("parsing timestamp for %s: %w", r.ID, err)
		}
		r.Timestamp = t
	}
	if syncedAt.Valid {
		t, err := time.Parse(timeLayout, syncedAt.String)
		if err != nil {
			return Row{}, fmt.Errorf("parsing synced_at for %s: %w", r.ID, err)
		}
		r.SyncedAt = &t
	}
	if messages.Valid {
		if err := json.Unmarshal([]byte(messages.String), &r.Messages); err != nil {
			return Row{}, fmt.Errorf("decoding messages for %s: %w", r.ID, err)
		}
	}
	if tags.Valid {
		if err := json.Unmarshal([]byte(tags.String), &r.Tags); err != nil {
			return Row{}, fmt.Errorf("decoding tags for %s: %w", r.ID, err)
		}
	}
	return r, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

func nullInt(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	return &ni.Int64
}

func rawJSON(ns sql.NullString) json.RawMessage {
	if !ns.Valid {
		return nil
	}
	return json.RawMessage(ns.String)
}
