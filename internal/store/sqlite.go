package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	apperr "github.com/eesocial/eesocial/internal/errors"
	"github.com/eesocial/eesocial/pkg/types"
	"github.com/mattn/go-sqlite3"
)

const (
	eventsTable   = "events"
	archivesTable = "archives"
)

// SQLiteStore implements Store on a single SQLite file holding JSON documents.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex // Write-only lock (reads don't need this)
}

// NewSQLiteStore opens (or creates) the store at dbPath. Call Init before use.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to connect to database: %w", err)
	}

	return &SQLiteStore{db: db, dbPath: dbPath}, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.dbPath
}

// Init creates all required tables and indexes.
func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stmt := range AllSchemaSQL() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return apperr.NewStoreError(apperr.CodeWriteFailed, "failed to execute schema statement", err)
		}
	}
	return nil
}

// InsertEvents inserts all events in one transaction.
func (s *SQLiteStore) InsertEvents(ctx context.Context, events []*types.Event) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.NewStoreError(apperr.CodeWriteFailed, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO events (id, doc) VALUES (?, ?)`)
	if err != nil {
		return apperr.NewStoreError(apperr.CodeWriteFailed, "failed to prepare insert statement", err)
	}
	defer stmt.Close()

	for _, evt := range events {
		doc, err := json.Marshal(evt)
		if err != nil {
			return apperr.NewInternalError("failed to encode event "+evt.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, evt.ID, string(doc)); err != nil {
			return classifyWrite(err, "failed to insert event "+evt.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return classifyWrite(err, "failed to commit event batch")
	}
	return nil
}

// FindEvent returns the first event (in insertion order) matching filter.
func (s *SQLiteStore) FindEvent(ctx context.Context, filter Filter) (*types.Event, error) {
	where, args, err := buildWhere(eventsTable, filter)
	if err != nil {
		return nil, err
	}

	var doc string
	err = s.db.QueryRowContext(ctx, "SELECT doc FROM events"+where+" ORDER BY rowid LIMIT 1", args...).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NewStoreError(apperr.CodeNotFound, "event not found", nil)
		}
		return nil, apperr.NewStoreError(apperr.CodeReadFailed, "failed to query event", err)
	}
	return decodeEvent(doc)
}

// FindEvents returns every event matching filter in insertion order.
func (s *SQLiteStore) FindEvents(ctx context.Context, filter Filter) ([]*types.Event, error) {
	where, args, err := buildWhere(eventsTable, filter)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, "SELECT doc FROM events"+where+" ORDER BY rowid", args...)
	if err != nil {
		return nil, apperr.NewStoreError(apperr.CodeReadFailed, "failed to query events", err)
	}
	defer rows.Close()

	var events []*types.Event
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, apperr.NewStoreError(apperr.CodeReadFailed, "failed to scan event", err)
		}
		evt, err := decodeEvent(doc)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.NewStoreError(apperr.CodeReadFailed, "error iterating events", err)
	}
	return events, nil
}

// CountEvents returns the number of events matching filter.
func (s *SQLiteStore) CountEvents(ctx context.Context, filter Filter) (int64, error) {
	where, args, err := buildWhere(eventsTable, filter)
	if err != nil {
		return 0, err
	}

	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events"+where, args...).Scan(&n); err != nil {
		return 0, apperr.NewStoreError(apperr.CodeReadFailed, "failed to count events", err)
	}
	return n, nil
}

// UpdateEvents applies all updates in one transaction. Each update modifies
// at most the first matching event.
func (s *SQLiteStore) UpdateEvents(ctx context.Context, updates []Update) (int64, error) {
	if len(updates) == 0 {
		return 0, nil
	}
	for _, u := range updates {
		if err := u.Validate(); err != nil {
			return 0, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, apperr.NewStoreError(apperr.CodeWriteFailed, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	var modified int64
	for _, u := range updates {
		query, args, err := buildUpdate(u)
		if err != nil {
			return 0, err
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, classifyWrite(err, "failed to update events")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, apperr.NewStoreError(apperr.CodeWriteFailed, "failed to read affected rows", err)
		}
		modified += n
	}

	if err := tx.Commit(); err != nil {
		return 0, classifyWrite(err, "failed to commit update batch")
	}
	return modified, nil
}

// EventIDs calls fn for every event id in insertion order.
func (s *SQLiteStore) EventIDs(ctx context.Context, fn func(id string) error) error {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM events ORDER BY rowid")
	if err != nil {
		return apperr.NewStoreError(apperr.CodeReadFailed, "failed to query event ids", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return apperr.NewStoreError(apperr.CodeReadFailed, "failed to scan event id", err)
		}
		if err := fn(id); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return apperr.NewStoreError(apperr.CodeReadFailed, "error iterating event ids", err)
	}
	return nil
}

// FindArchive returns the first archive record matching filter.
func (s *SQLiteStore) FindArchive(ctx context.Context, filter Filter) (*types.ArchiveRecord, error) {
	where, args, err := buildWhere(archivesTable, filter)
	if err != nil {
		return nil, err
	}

	var doc string
	err = s.db.QueryRowContext(ctx, "SELECT doc FROM archives"+where+" ORDER BY rowid LIMIT 1", args...).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NewStoreError(apperr.CodeNotFound, "archive not found", nil)
		}
		return nil, apperr.NewStoreError(apperr.CodeReadFailed, "failed to query archive", err)
	}

	var rec types.ArchiveRecord
	if err := json.Unmarshal([]byte(doc), &rec); err != nil {
		return nil, apperr.NewStoreError(apperr.CodeReadFailed, "failed to decode archive record", err)
	}
	return &rec, nil
}

// InsertArchive records a fully ingested archive.
func (s *SQLiteStore) InsertArchive(ctx context.Context, rec *types.ArchiveRecord) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return apperr.NewInternalError("failed to encode archive record", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "INSERT INTO archives (doc) VALUES (?)", string(doc)); err != nil {
		return classifyWrite(err, "failed to insert archive record "+rec.Name)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func decodeEvent(doc string) (*types.Event, error) {
	var evt types.Event
	if err := json.Unmarshal([]byte(doc), &evt); err != nil {
		return nil, apperr.NewStoreError(apperr.CodeReadFailed, "failed to decode event", err)
	}
	return &evt, nil
}

// sqlField returns the SQL expression reading field from table.
func sqlField(table, field string) string {
	if table == eventsTable && field == types.FieldID {
		return "id"
	}
	return "json_extract(doc, '$." + field + "')"
}

// sqlPresence returns the SQL expression that is NULL when field is absent.
func sqlPresence(table, field string) string {
	if table == eventsTable && field == types.FieldID {
		return "id"
	}
	return "json_type(doc, '$." + field + "')"
}

// sqlValue converts a filter value to the form json_extract yields.
func sqlValue(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case int:
		return int64(x)
	default:
		return v
	}
}

func buildWhere(table string, filter Filter) (string, []any, error) {
	if err := filter.Validate(); err != nil {
		return "", nil, err
	}
	if len(filter) == 0 {
		return "", nil, nil
	}

	parts := make([]string, 0, len(filter))
	var args []any
	for _, c := range filter {
		switch c.Op {
		case OpEq:
			parts = append(parts, sqlField(table, c.Field)+" = ?")
			args = append(args, sqlValue(c.Value))
		case OpExists:
			parts = append(parts, sqlPresence(table, c.Field)+" IS NOT NULL")
		case OpAbsent:
			parts = append(parts, sqlPresence(table, c.Field)+" IS NULL")
		default:
			return "", nil, apperr.NewStoreError(apperr.CodeInvalidField, "unsupported operator "+c.Op.String(), nil)
		}
	}
	return " WHERE " + strings.Join(parts, " AND "), args, nil
}

func buildUpdate(u Update) (string, []any, error) {
	where, whereArgs, err := buildWhere(eventsTable, u.Filter)
	if err != nil {
		return "", nil, err
	}

	var set strings.Builder
	set.WriteString("json_set(doc")
	args := make([]any, 0, len(u.Set)+len(whereArgs))
	for _, k := range u.SetKeys() {
		v, err := json.Marshal(sqlValue(u.Set[k]))
		if err != nil {
			return "", nil, apperr.NewInternalError("failed to encode value for "+k, err)
		}
		set.WriteString(", '$." + k + "', json(?)")
		args = append(args, string(v))
	}
	set.WriteString(")")
	args = append(args, whereArgs...)

	query := "UPDATE events SET doc = " + set.String() +
		" WHERE rowid = (SELECT rowid FROM events" + where + " ORDER BY rowid LIMIT 1)"
	return query, args, nil
}

func classifyWrite(err error, message string) error {
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
		return apperr.NewStoreError(apperr.CodeDuplicateKey, message, err)
	}
	return apperr.NewStoreError(apperr.CodeWriteFailed, message, err)
}
