package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"chatwatch/internal/config"
	"chatwatch/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS dispatches (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	at             TEXT    NOT NULL,
	rule           TEXT    NOT NULL,
	source_channel TEXT    NOT NULL,
	count          INTEGER NOT NULL,
	outcome        TEXT    NOT NULL,
	delivered      INTEGER NOT NULL,
	failed         INTEGER NOT NULL,
	errors         TEXT
);
CREATE INDEX IF NOT EXISTS dispatches_rule ON dispatches(rule);
`

const pruneEvery = 200

// Log stores dispatch outcomes for operators.
type Log interface {
	Append(ctx context.Context, record domain.DispatchRecord) error
	Recent(ctx context.Context, limit int) ([]domain.DispatchRecord, error)
	Close() error
}

// Open returns sqlite audit log when enabled, otherwise a no-op log.
// Params: audit config.
// Returns: audit log or open/migrate error.
func Open(cfg config.AuditConfig) (Log, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}
	return OpenSQLite(cfg.Path, cfg.RetainRows)
}

// SQLiteLog is the modernc sqlite audit implementation.
type SQLiteLog struct {
	db      *sql.DB
	retain  int
	appends atomic.Uint64
}

// OpenSQLite opens database file and applies schema.
// Params: file path and max retained rows (<=0 keeps everything).
// Returns: ready log or error.
func OpenSQLite(path string, retain int) (*SQLiteLog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("audit path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db %q: %w", path, err)
	}
	// Single writer keeps sqlite free of SQLITE_BUSY under concurrent appends.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}
	return &SQLiteLog{db: db, retain: retain}, nil
}

// Append inserts one dispatch record and prunes periodically.
// Params: context and record.
// Returns: insert error.
func (l *SQLiteLog) Append(ctx context.Context, record domain.DispatchRecord) error {
	if record.At.IsZero() {
		record.At = time.Now()
	}
	var errorsJSON sql.NullString
	if len(record.Errors) > 0 {
		encoded, err := json.Marshal(record.Errors)
		if err != nil {
			return fmt.Errorf("encode audit errors: %w", err)
		}
		errorsJSON = sql.NullString{String: string(encoded), Valid: true}
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO dispatches(at, rule, source_channel, count, outcome, delivered, failed, errors)
		 VALUES(?,?,?,?,?,?,?,?)`,
		record.At.UTC().Format(time.RFC3339Nano), record.RuleName, record.SourceChannel, record.Count,
		string(record.Outcome), record.Delivered, record.Failed, errorsJSON,
	)
	if err != nil {
		return fmt.Errorf("insert audit row: %w", err)
	}
	if l.appends.Add(1)%pruneEvery == 0 {
		if err := l.Prune(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Prune keeps only newest retained rows.
// Params: context.
// Returns: delete error.
func (l *SQLiteLog) Prune(ctx context.Context) error {
	if l.retain <= 0 {
		return nil
	}
	_, err := l.db.ExecContext(ctx,
		`DELETE FROM dispatches WHERE id <= (SELECT id FROM dispatches ORDER BY id DESC LIMIT 1 OFFSET ?)`,
		l.retain,
	)
	if err != nil {
		return fmt.Errorf("prune audit rows: %w", err)
	}
	return nil
}

// Recent returns newest records first.
// Params: context and max rows.
// Returns: records or query error.
func (l *SQLiteLog) Recent(ctx context.Context, limit int) ([]domain.DispatchRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT at, rule, source_channel, count, outcome, delivered, failed, errors
		 FROM dispatches ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit rows: %w", err)
	}
	defer rows.Close()

	records := make([]domain.DispatchRecord, 0, limit)
	for rows.Next() {
		var (
			record     domain.DispatchRecord
			at         string
			outcome    string
			errorsJSON sql.NullString
		)
		if err := rows.Scan(&at, &record.RuleName, &record.SourceChannel, &record.Count,
			&outcome, &record.Delivered, &record.Failed, &errorsJSON); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		record.At, err = time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("parse audit time %q: %w", at, err)
		}
		record.Outcome = domain.Outcome(outcome)
		if errorsJSON.Valid {
			if err := json.Unmarshal([]byte(errorsJSON.String), &record.Errors); err != nil {
				return nil, fmt.Errorf("decode audit errors: %w", err)
			}
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// Close closes database handle.
func (l *SQLiteLog) Close() error {
	return l.db.Close()
}

// Nop discards records.
type Nop struct{}

func (Nop) Append(context.Context, domain.DispatchRecord) error { return nil }

func (Nop) Recent(context.Context, int) ([]domain.DispatchRecord, error) { return nil, nil }

func (Nop) Close() error { return nil }
