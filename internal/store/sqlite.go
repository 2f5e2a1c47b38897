package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"agentgate/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.Store using SQLite. Sessions, trust configs,
// and the audit log survive restarts; everything ephemeral (grants, pending
// confirmations) lives outside the store on purpose.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection: SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id           TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		status       TEXT NOT NULL,
		started_at   DATETIME NOT NULL,
		completed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_workspace ON sessions(workspace_id, started_at);

	CREATE TABLE IF NOT EXISTS trust_configs (
		workspace_id          TEXT PRIMARY KEY,
		enabled               INTEGER NOT NULL DEFAULT 1,
		auto_approve_level    TEXT NOT NULL DEFAULT 'low',
		pre_authorized        TEXT NOT NULL DEFAULT '[]',
		blacklist             TEXT NOT NULL DEFAULT '[]',
		approve_on_timeout    TEXT NOT NULL DEFAULT '[]',
		total_auto_approved   INTEGER NOT NULL DEFAULT 0,
		total_manual_approved INTEGER NOT NULL DEFAULT 0,
		total_rejected        INTEGER NOT NULL DEFAULT 0,
		updated_at            DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		workspace_id    TEXT NOT NULL,
		session_id      TEXT,
		tool_name       TEXT NOT NULL,
		category        TEXT NOT NULL,
		risk_level      TEXT NOT NULL,
		decision        TEXT NOT NULL,
		reason          TEXT,
		feedback        TEXT,
		remember_choice INTEGER NOT NULL DEFAULT 0,
		created_at      DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_workspace ON audit_log(workspace_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- Sessions ---

func (s *SQLiteStore) CreateSession(ctx context.Context, sess domain.Session) error {
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, workspace_id, status, started_at) VALUES (?, ?, ?, ?)`,
		sess.ID, sess.WorkspaceID, sess.Status, sess.StartedAt,
	)
	return err
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	var sess domain.Session
	var completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, status, started_at, completed_at FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.WorkspaceID, &sess.Status, &sess.StartedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		sess.CompletedAt = &completedAt.Time
	}
	return &sess, nil
}

func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, id string, status domain.SessionStatus) error {
	if status.Terminal() {
		_, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET status = ?, completed_at = ? WHERE id = ?`,
			status, time.Now(), id,
		)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ? WHERE id = ?`, status, id,
	)
	return err
}

func (s *SQLiteStore) ListSessions(ctx context.Context, workspaceID string, limit int) ([]domain.Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workspace_id, status, started_at, completed_at
		 FROM sessions WHERE workspace_id = ?
		 ORDER BY started_at DESC LIMIT ?`, workspaceID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		var sess domain.Session
		var completedAt sql.NullTime
		if err := rows.Scan(&sess.ID, &sess.WorkspaceID, &sess.Status, &sess.StartedAt, &completedAt); err != nil {
			return nil, err
		}
		if completedAt.Valid {
			sess.CompletedAt = &completedAt.Time
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// --- Trust configs ---

func (s *SQLiteStore) GetTrustConfig(ctx context.Context, workspaceID string) (*domain.TrustConfig, error) {
	var cfg domain.TrustConfig
	var enabled int
	var preAuth, blacklist, onTimeout string
	err := s.db.QueryRowContext(ctx,
		`SELECT workspace_id, enabled, auto_approve_level, pre_authorized, blacklist,
		        approve_on_timeout, total_auto_approved, total_manual_approved,
		        total_rejected, updated_at
		 FROM trust_configs WHERE workspace_id = ?`, workspaceID,
	).Scan(&cfg.WorkspaceID, &enabled, &cfg.AutoApproveLevel, &preAuth, &blacklist,
		&onTimeout, &cfg.TotalAutoApproved, &cfg.TotalManualApproved,
		&cfg.TotalRejected, &cfg.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cfg.Enabled = enabled != 0
	if err := unmarshalCategories(preAuth, &cfg.PreAuthorized); err != nil {
		return nil, fmt.Errorf("corrupt pre_authorized for workspace %s: %w", workspaceID, err)
	}
	if err := unmarshalCategories(blacklist, &cfg.Blacklist); err != nil {
		return nil, fmt.Errorf("corrupt blacklist for workspace %s: %w", workspaceID, err)
	}
	if err := unmarshalCategories(onTimeout, &cfg.ApproveOnTimeout); err != nil {
		return nil, fmt.Errorf("corrupt approve_on_timeout for workspace %s: %w", workspaceID, err)
	}
	return &cfg, nil
}

func (s *SQLiteStore) PutTrustConfig(ctx context.Context, cfg domain.TrustConfig) error {
	preAuth, err := marshalCategories(cfg.PreAuthorized)
	if err != nil {
		return err
	}
	blacklist, err := marshalCategories(cfg.Blacklist)
	if err != nil {
		return err
	}
	onTimeout, err := marshalCategories(cfg.ApproveOnTimeout)
	if err != nil {
		return err
	}

	// Policy fields only; counters are owned by RecordDecision.
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO trust_configs (workspace_id, enabled, auto_approve_level,
		   pre_authorized, blacklist, approve_on_timeout, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(workspace_id) DO UPDATE SET
		   enabled = excluded.enabled,
		   auto_approve_level = excluded.auto_approve_level,
		   pre_authorized = excluded.pre_authorized,
		   blacklist = excluded.blacklist,
		   approve_on_timeout = excluded.approve_on_timeout,
		   updated_at = excluded.updated_at`,
		cfg.WorkspaceID, boolToInt(cfg.Enabled), cfg.AutoApproveLevel,
		preAuth, blacklist, onTimeout, time.Now(),
	)
	return err
}

// EnsureTrustConfig inserts the workspace config only when no row exists.
// A concurrent or earlier admin update always wins: the insert is a no-op
// against an existing row, counters included.
func (s *SQLiteStore) EnsureTrustConfig(ctx context.Context, cfg domain.TrustConfig) error {
	preAuth, err := marshalCategories(cfg.PreAuthorized)
	if err != nil {
		return err
	}
	blacklist, err := marshalCategories(cfg.Blacklist)
	if err != nil {
		return err
	}
	onTimeout, err := marshalCategories(cfg.ApproveOnTimeout)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO trust_configs (workspace_id, enabled, auto_approve_level,
		   pre_authorized, blacklist, approve_on_timeout, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(workspace_id) DO NOTHING`,
		cfg.WorkspaceID, boolToInt(cfg.Enabled), cfg.AutoApproveLevel,
		preAuth, blacklist, onTimeout, time.Now(),
	)
	return err
}

// --- Decisions ---

// counterColumn maps an audit decision to the workspace counter it bumps.
// An auto_timeout is an implicit approval, so it counts as auto.
func counterColumn(decision domain.AuditDecision) (string, error) {
	switch decision {
	case domain.AuditAutoApproved, domain.AuditAutoTimeout:
		return "total_auto_approved", nil
	case domain.AuditManualApproved:
		return "total_manual_approved", nil
	case domain.AuditRejected:
		return "total_rejected", nil
	}
	return "", fmt.Errorf("unknown audit decision %q", decision)
}

// RecordDecision appends the audit entry and increments the matching counter
// in one transaction. A failure here fails the whole decision: no action may
// execute without a durable audit record. The workspace config row must
// already exist (see EnsureTrustConfig) — a counter bump never invents one,
// since a row created here would carry schema defaults instead of the
// configured workspace defaults and silently change policy.
func (s *SQLiteStore) RecordDecision(ctx context.Context, entry domain.AuditLogEntry) error {
	column, err := counterColumn(entry.Decision)
	if err != nil {
		return err
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin decision tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO audit_log (workspace_id, session_id, tool_name, category,
		   risk_level, decision, reason, feedback, remember_choice, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.WorkspaceID, entry.SessionID, entry.ToolName, entry.Category,
		entry.RiskLevel, entry.Decision, entry.Reason, entry.Feedback,
		boolToInt(entry.RememberChoice), entry.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE trust_configs SET `+column+` = `+column+` + 1 WHERE workspace_id = ?`,
		entry.WorkspaceID,
	)
	if err != nil {
		return fmt.Errorf("increment %s: %w", column, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("increment %s: %w", column, err)
	} else if n == 0 {
		return fmt.Errorf("no trust config for workspace %s", entry.WorkspaceID)
	}

	return tx.Commit()
}

func (s *SQLiteStore) ListAudit(ctx context.Context, workspaceID string, limit, offset int) ([]domain.AuditLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workspace_id, session_id, tool_name, category, risk_level,
		        decision, reason, feedback, remember_choice, created_at
		 FROM audit_log WHERE workspace_id = ?
		 ORDER BY id DESC LIMIT ? OFFSET ?`, workspaceID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.AuditLogEntry
	for rows.Next() {
		var e domain.AuditLogEntry
		var sessionID, reason, feedback sql.NullString
		var remember int
		if err := rows.Scan(&e.ID, &e.WorkspaceID, &sessionID, &e.ToolName,
			&e.Category, &e.RiskLevel, &e.Decision, &reason, &feedback,
			&remember, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.SessionID = sessionID.String
		e.Reason = reason.String
		e.Feedback = feedback.String
		e.RememberChoice = remember != 0
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func marshalCategories(cats []domain.OperationCategory) (string, error) {
	if cats == nil {
		cats = []domain.OperationCategory{}
	}
	data, err := json.Marshal(cats)
	if err != nil {
		return "", fmt.Errorf("marshal category list: %w", err)
	}
	return string(data), nil
}

func unmarshalCategories(col string, dst *[]domain.OperationCategory) error {
	if col == "" {
		return nil
	}
	return json.Unmarshal([]byte(col), dst)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
