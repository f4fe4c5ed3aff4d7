// Package audit persists a history of tool executions to SQLite for
// post-hoc debugging. It hangs off the dispatch path as a sink and is
// never consulted by the core runtime.
package audit

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"devicenerd/internal/logging"
)

// Store writes execution records to a SQLite database, by default at
// .devd/audit.db.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
	log    *logging.Logger
}

// Execution is a single recorded dispatch.
type Execution struct {
	ID         int64
	OpID       string
	Tool       string
	Input      string
	Result     string
	Status     int
	DurationMs int64
	ResultSize int
	CreatedAt  time.Time
}

// Stats summarizes the stored history.
type Stats struct {
	TotalExecutions int
	TotalSizeBytes  int64
	SuccessCount    int
	FailureCount    int
	ToolBreakdown   map[string]int
}

// Open creates or opens the audit database at dbPath.
func Open(dbPath string) (*Store, error) {
	log := logging.Get(logging.CategoryAudit)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}

	s := &Store{db: db, dbPath: dbPath, log: log}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	log.Info("audit store opened at %s", dbPath)
	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS executions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		op_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		input TEXT,
		result TEXT NOT NULL,
		status INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		result_size INTEGER NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_executions_op ON executions(op_id);
	CREATE INDEX IF NOT EXISTS idx_executions_tool ON executions(tool_name);
	CREATE INDEX IF NOT EXISTS idx_executions_created ON executions(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record stores one dispatch. It satisfies the registry's audit sink
// interface; failures are logged, never propagated into the dispatch
// path.
func (s *Store) Record(opID, tool, input, result string, status int, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO executions
		(op_id, tool_name, input, result, status, duration_ms, result_size)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		opID, tool, input, result, status, duration.Milliseconds(), len(result),
	)
	if err != nil {
		s.log.Error("failed to record execution %s: %v", opID, err)
		return
	}
	s.log.Debug("recorded %s (tool=%s status=%d %dms)", opID, tool, status, duration.Milliseconds())
}

// GetByOpID returns every record of one operation, oldest first. A
// composite dispatch shares its op ID across steps.
func (s *Store) GetByOpID(opID string) ([]Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, op_id, tool_name, input, result, status, duration_ms, result_size, created_at
		FROM executions WHERE op_id = ? ORDER BY id`, opID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanExecutions(rows)
}

// GetRecent returns the most recent records, newest first.
func (s *Store) GetRecent(limit int) ([]Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, op_id, tool_name, input, result, status, duration_ms, result_size, created_at
		FROM executions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanExecutions(rows)
}

// GetRecentByTool returns the most recent records for one tool.
func (s *Store) GetRecentByTool(tool string, limit int) ([]Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, op_id, tool_name, input, result, status, duration_ms, result_size, created_at
		FROM executions WHERE tool_name = ? ORDER BY id DESC LIMIT ?`, tool, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanExecutions(rows)
}

// GetStats summarizes the history.
func (s *Store) GetStats() (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Stats{ToolBreakdown: make(map[string]int)}
	row := s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(result_size), 0),
		       COALESCE(SUM(CASE WHEN status = 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status != 0 THEN 1 ELSE 0 END), 0)
		FROM executions`)
	if err := row.Scan(&stats.TotalExecutions, &stats.TotalSizeBytes,
		&stats.SuccessCount, &stats.FailureCount); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`SELECT tool_name, COUNT(*) FROM executions GROUP BY tool_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var count int
		if err := rows.Scan(&name, &count); err != nil {
			continue
		}
		stats.ToolBreakdown[name] = count
	}
	return stats, rows.Err()
}

// Prune keeps only the newest maxRows records.
func (s *Store) Prune(maxRows int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		DELETE FROM executions WHERE id NOT IN (
			SELECT id FROM executions ORDER BY id DESC LIMIT ?
		)`, maxRows)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	s.log.Info("closing audit store at %s", s.dbPath)
	err := s.db.Close()
	s.db = nil
	return err
}

func scanExecutions(rows *sql.Rows) ([]Execution, error) {
	var out []Execution
	for rows.Next() {
		var e Execution
		var createdAt string
		if err := rows.Scan(&e.ID, &e.OpID, &e.Tool, &e.Input, &e.Result,
			&e.Status, &e.DurationMs, &e.ResultSize, &createdAt); err != nil {
			continue
		}
		e.CreatedAt, _ = time.Parse("2006-01-02 15:04:05", createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}
