package audit

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const schemaCore = `
CREATE TABLE IF NOT EXISTS blocks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id INTEGER,
    command TEXT,
    output TEXT,
    started_at INTEGER,
    duration_ms INTEGER,
    timed_out INTEGER
);
`

const schemaFTS = `
CREATE VIRTUAL TABLE IF NOT EXISTS blocks_fts USING fts5(
    command,
    output,
    session_id UNINDEXED,
    tokenize = 'porter'
);

CREATE TRIGGER IF NOT EXISTS blocks_ai AFTER INSERT ON blocks BEGIN
  INSERT INTO blocks_fts(rowid, command, output, session_id) VALUES (new.id, new.command, new.output, new.session_id);
END;
`

func initDB(dbPath string) (*sql.DB, bool, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, false, fmt.Errorf("failed to create audit dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, false, err
	}

	if _, err := db.Exec(schemaCore); err != nil {
		db.Close()
		return nil, false, fmt.Errorf("failed to init core schema: %w", err)
	}

	ftsEnabled := true
	if _, err := db.Exec(schemaFTS); err != nil {
		// FTS5 may be missing from this sqlite3 build; degrade to
		// append-only logging without search.
		ftsEnabled = false
	}

	return db, ftsEnabled, nil
}

// CheckFTS verifies the linked sqlite3 build supports FTS5, for
// `kmux doctor` to report on.
func CheckFTS() bool {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return false
	}
	defer db.Close()

	_, err = db.Exec("CREATE VIRTUAL TABLE test USING fts5(content)")
	return err == nil
}
