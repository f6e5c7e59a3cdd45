package audit

import (
	"bufio"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Manager is the append-only command-block ledger: every finished
// block is dual-written to a JSONL file and a SQLite database, the
// latter carrying an FTS5 index for `kmux search`. This is explicitly
// not session-state persistence: nothing here is read back to
// reconstruct a registry or session on restart.
type Manager struct {
	db          *sql.DB
	jsonlPath   string
	searchAvail bool
	mu          sync.Mutex
}

// New opens (creating if necessary) the audit database and JSONL log.
func New(dbPath, jsonlPath string) (*Manager, error) {
	db, ftsEnabled, err := initDB(dbPath)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		db:          db,
		jsonlPath:   jsonlPath,
		searchAvail: ftsEnabled,
	}
	m.ensureMigrated()

	return m, nil
}

func (m *Manager) Close() {
	if m.db != nil {
		m.db.Close()
	}
}

// ensureMigrated imports any pre-existing JSONL log into SQLite the
// first time the database is empty; it's a no-op on every subsequent
// run once the database has rows.
func (m *Manager) ensureMigrated() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int
	if err := m.db.QueryRow("SELECT count(*) FROM blocks").Scan(&count); err == nil && count > 0 {
		return
	}
	if _, err := os.Stat(m.jsonlPath); os.IsNotExist(err) {
		return
	}
	m.migrate()
}

func (m *Manager) migrate() {
	f, err := os.Open(m.jsonlPath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	tx, err := m.db.Begin()
	if err != nil {
		return
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("INSERT INTO blocks(session_id, command, output, started_at, duration_ms, timed_out) VALUES(?, ?, ?, ?, ?, ?)")
	if err != nil {
		return
	}
	defer stmt.Close()

	for scanner.Scan() {
		var e BlockEvent
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		stmt.Exec(e.SessionID, e.Command, e.Output, e.StartedAt, e.DurationMS, e.TimedOut)
	}

	tx.Commit()
}

// SaveBlock appends a finished block to both the JSONL log and SQLite.
func (m *Manager) SaveBlock(e BlockEvent) error {
	if err := m.appendJSONL(e); err != nil {
		return err
	}
	_, err := m.db.Exec(
		"INSERT INTO blocks(session_id, command, output, started_at, duration_ms, timed_out) VALUES(?, ?, ?, ?, ?, ?)",
		e.SessionID, e.Command, e.Output, e.StartedAt, e.DurationMS, e.TimedOut)
	return err
}

func (m *Manager) appendJSONL(data interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := os.OpenFile(m.jsonlPath, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	bytes, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = f.Write(append(bytes, '\n'))
	return err
}

// Search runs a full-text query across command and output text.
func (m *Manager) Search(query string) ([]SearchResult, error) {
	if !m.searchAvail {
		return nil, fmt.Errorf("search is unavailable (sqlite3 build lacks FTS5)")
	}

	ftsQuery := ParseQuery(query)
	if ftsQuery == "" {
		return nil, fmt.Errorf("empty query")
	}

	rows, err := m.db.Query(`
		SELECT blocks.session_id, blocks.command, blocks.started_at,
		       highlight(blocks_fts, 1, '[', ']')
		FROM blocks_fts
		JOIN blocks ON blocks.id = blocks_fts.rowid
		WHERE blocks_fts MATCH ?
		ORDER BY rank
		LIMIT 50`, ftsQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var startedAt int64
		if err := rows.Scan(&r.SessionID, &r.Command, &startedAt, &r.Preview); err != nil {
			continue
		}
		r.StartedAt = time.Unix(startedAt, 0)
		results = append(results, r)
	}
	return results, nil
}

// ListRecentBlocks returns the most recently logged blocks, newest first.
func (m *Manager) ListRecentBlocks(limit int) ([]BlockSummary, error) {
	rows, err := m.db.Query("SELECT session_id, command, started_at, duration_ms FROM blocks ORDER BY started_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BlockSummary
	for rows.Next() {
		var s BlockSummary
		var startedAt, durationMS int64
		if err := rows.Scan(&s.SessionID, &s.Command, &startedAt, &durationMS); err != nil {
			continue
		}
		s.StartedAt = time.Unix(startedAt, 0)
		s.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, s)
	}
	return out, nil
}
