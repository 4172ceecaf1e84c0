package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"ochat/config"
	"ochat/executor"
	"ochat/tools"
)

// CommandEntry is one executed command as stored in the audit log.
type CommandEntry struct {
	ID        int64         `json:"id"`
	SessionID string        `json:"sessionId"`
	Command   string        `json:"command"`
	Dir       string        `json:"dir,omitempty"`
	Mode      string        `json:"mode"`
	ExitCode  int           `json:"exitCode"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"startedAt"`
	Elapsed   time.Duration `json:"elapsed"`
}

// ToolCallEntry is one tool call as stored in the audit log.
type ToolCallEntry struct {
	ID        int64         `json:"id"`
	SessionID string        `json:"sessionId"`
	Name      string        `json:"name"`
	Arguments string        `json:"arguments"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	CalledAt  time.Time     `json:"calledAt"`
	Duration  time.Duration `json:"duration"`
}

// AuditLog persists command runs and tool calls in <data_dir>/audit.db.
type AuditLog struct {
	db *sql.DB
}

func OpenAuditLog(dataDir string) (*AuditLog, error) {
	return openAuditLog(filepath.Join(dataDir, "audit.db"))
}

func openAuditLog(dbPath string) (*AuditLog, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows a single writer.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log := &AuditLog{db: db}
	if err := log.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return log, nil
}

func (l *AuditLog) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS commands (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		command TEXT NOT NULL,
		dir TEXT,
		mode TEXT NOT NULL,
		exit_code INTEGER,
		error TEXT,
		started_at DATETIME NOT NULL,
		elapsed_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_commands_session ON commands(session_id);

	CREATE TABLE IF NOT EXISTS tool_calls (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		name TEXT NOT NULL,
		arguments TEXT NOT NULL,
		success INTEGER NOT NULL,
		error TEXT,
		called_at DATETIME NOT NULL,
		duration_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_session ON tool_calls(session_id);
	`
	_, err := l.db.Exec(schema)
	return err
}

func (l *AuditLog) Close() error {
	return l.db.Close()
}

func (l *AuditLog) AddCommand(sessionID string, rec executor.Record) error {
	exitCode := -1
	if rec.Result != nil {
		exitCode = rec.Result.ExitCode
	}
	_, err := l.db.Exec(
		`INSERT INTO commands (session_id, command, dir, mode, exit_code, error, started_at, elapsed_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, rec.Command, rec.Dir, rec.Mode, exitCode, rec.Err, rec.StartedAt.UTC(), rec.Elapsed.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert command: %w", err)
	}
	return nil
}

func (l *AuditLog) AddToolCall(sessionID string, rec tools.CallRecord) error {
	args, err := json.Marshal(rec.Arguments)
	if err != nil {
		args = []byte("{}")
	}
	_, err = l.db.Exec(
		`INSERT INTO tool_calls (session_id, name, arguments, success, error, called_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionID, rec.Name, string(args), rec.Success, rec.Error, rec.Timestamp.UTC(), rec.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert tool call: %w", err)
	}
	return nil
}

// Commands returns the most recent commands of a session, newest first. An
// empty sessionID matches all sessions.
func (l *AuditLog) Commands(sessionID string, limit int) ([]CommandEntry, error) {
	rows, err := l.db.Query(
		`SELECT id, session_id, command, dir, mode, exit_code, error, started_at, elapsed_ms
		 FROM commands WHERE (? = '' OR session_id = ?) ORDER BY id DESC LIMIT ?`,
		sessionID, sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query commands: %w", err)
	}
	defer rows.Close()

	var entries []CommandEntry
	for rows.Next() {
		var (
			e         CommandEntry
			dir, errS sql.NullString
			elapsed   int64
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Command, &dir, &e.Mode, &e.ExitCode, &errS, &e.StartedAt, &elapsed); err != nil {
			return nil, fmt.Errorf("failed to scan command: %w", err)
		}
		e.Dir = dir.String
		e.Error = errS.String
		e.Elapsed = time.Duration(elapsed) * time.Millisecond
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ToolCalls returns the most recent tool calls of a session, newest first. An
// empty sessionID matches all sessions.
func (l *AuditLog) ToolCalls(sessionID string, limit int) ([]ToolCallEntry, error) {
	rows, err := l.db.Query(
		`SELECT id, session_id, name, arguments, success, error, called_at, duration_ms
		 FROM tool_calls WHERE (? = '' OR session_id = ?) ORDER BY id DESC LIMIT ?`,
		sessionID, sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query tool calls: %w", err)
	}
	defer rows.Close()

	var entries []ToolCallEntry
	for rows.Next() {
		var (
			e        ToolCallEntry
			errS     sql.NullString
			duration int64
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Name, &e.Arguments, &e.Success, &errS, &e.CalledAt, &duration); err != nil {
			return nil, fmt.Errorf("failed to scan tool call: %w", err)
		}
		e.Error = errS.String
		e.Duration = time.Duration(duration) * time.Millisecond
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ForSession returns a recorder that tags entries with sessionID. It satisfies
// both executor.Recorder and tools.Recorder; write failures are logged.
func (l *AuditLog) ForSession(sessionID string) *SessionRecorder {
	return &SessionRecorder{log: l, sessionID: sessionID}
}

type SessionRecorder struct {
	log       *AuditLog
	sessionID string
}

func (r *SessionRecorder) RecordCommand(rec executor.Record) {
	if err := r.log.AddCommand(r.sessionID, rec); err != nil {
		config.DebugLog.Error().Err(err).Str("session", r.sessionID).Msg("audit write failed")
	}
}

func (r *SessionRecorder) RecordToolCall(rec tools.CallRecord) {
	if err := r.log.AddToolCall(r.sessionID, rec); err != nil {
		config.DebugLog.Error().Err(err).Str("session", r.sessionID).Msg("audit write failed")
	}
}
