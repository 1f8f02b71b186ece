// Package diagnostics is the coordinator's local SQLite-backed operational
// journal: the show library (name, display payload, resolved runtime
// payload) and a record of inbound debug "cmd" messages, queryable the way
// the original daemon's query_database let an operator inspect its SQLite
// file directly.
package diagnostics

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Journal owns the diagnostics SQLite database.
type Journal struct {
	db  *sql.DB
	dsn string
}

// Open creates (or attaches to) the diagnostics database at path.
func Open(path string) (*Journal, error) {
	if path == "" {
		path = "./diagnostics.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("diagnostics: create db dir: %w", err)
	}

	dsn := path + "?_busy_timeout=10000&_journal_mode=WAL&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("diagnostics: open db: %w", err)
	}

	j := &Journal{db: db, dsn: dsn}
	if err := j.createSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) createSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS shows (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		display_payload TEXT NOT NULL,
		protocol TEXT NOT NULL,
		runtime_payload TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS inbound_commands (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		received_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		raw_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_inbound_commands_received_at
		ON inbound_commands(received_at DESC);
	`
	_, err := j.db.Exec(schema)
	return err
}

// ShowRecord is a single row of the shows table.
type ShowRecord struct {
	ID             int64
	Name           string
	DisplayPayload string
	Protocol       string
	RuntimePayload string
}

// GetShow loads a show by ID.
func (j *Journal) GetShow(id int64) (*ShowRecord, error) {
	row := j.db.QueryRow(
		`SELECT id, name, display_payload, protocol, runtime_payload FROM shows WHERE id = ?`, id)

	var rec ShowRecord
	if err := row.Scan(&rec.ID, &rec.Name, &rec.DisplayPayload, &rec.Protocol, &rec.RuntimePayload); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("diagnostics: get show %d: %w", id, err)
	}
	return &rec, nil
}

// SaveRuntimePayload writes back the resolved firing array for a show, the
// way load_show persisted its processed display_payload.
func (j *Journal) SaveRuntimePayload(id int64, runtimePayload string) error {
	_, err := j.db.Exec(`UPDATE shows SET runtime_payload = ? WHERE id = ?`, runtimePayload, id)
	if err != nil {
		return fmt.Errorf("diagnostics: save runtime payload for show %d: %w", id, err)
	}
	return nil
}

// RecordCommand persists a raw inbound "cmd" message. Satisfies
// engine.CommandJournal.
func (j *Journal) RecordCommand(raw json.RawMessage) {
	if _, err := j.db.Exec(`INSERT INTO inbound_commands (raw_json) VALUES (?)`, string(raw)); err != nil {
		// Best-effort: a failed debug-command write must never interrupt the
		// show orchestration that called it.
		return
	}
}

// Query runs an ad hoc, operator-supplied SQL statement and returns the
// result rows as loosely-typed maps, mirroring the original's
// sqlite3-cursor-to-list query_database helper.
func (j *Journal) Query(query string) ([]map[string]interface{}, error) {
	rows, err := j.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("diagnostics: query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("diagnostics: query columns: %w", err)
	}

	var results []map[string]interface{}
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("diagnostics: query scan: %w", err)
		}
		row := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			row[col] = vals[i]
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

// Close releases the underlying database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}
