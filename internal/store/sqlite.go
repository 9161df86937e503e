package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/atlasbridge/atlasbridge/internal/atlastypes"
	"github.com/atlasbridge/atlasbridge/internal/statemachine"
)

// statusInClause builds a "status IN (?, ?, ...)" fragment and its bound
// arguments from a slice of statuses, so guarded queries consume
// statemachine.GuardedSourceStatuses directly instead of re-declaring the
// same literal list at each call site.
func statusInClause(statuses []atlastypes.PromptStatus) (string, []interface{}) {
	placeholders := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, s := range statuses {
		placeholders[i] = "?"
		args[i] = s
	}
	return strings.Join(placeholders, ", "), args
}

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("store: not found")

// SQLiteRepository is the WAL-mode, single-writer SQLite-backed
// Repository.
type SQLiteRepository struct {
	db *sqlx.DB
}

var _ Repository = (*SQLiteRepository)(nil)

// Open creates (or reuses) the SQLite database at dbPath in WAL mode
// with a single writer connection: a single writer serialised by the
// database's own write lock, with readers concurrent under WAL.
func Open(dbPath string) (*SQLiteRepository, error) {
	normalized := normalizePath(dbPath)
	if err := ensureDir(normalized); err != nil {
		return nil, fmt.Errorf("store: prepare database path: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", normalized)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	repo := &SQLiteRepository{db: db}
	if err := repo.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: initialize schema: %w", err)
	}
	return repo, nil
}

func ensureDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func normalizePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepository) initSchema() error {
	if err := r.initSessionsSchema(); err != nil {
		return err
	}
	if err := r.initPromptsSchema(); err != nil {
		return err
	}
	if err := r.initRepliesSchema(); err != nil {
		return err
	}
	return nil
}

func (r *SQLiteRepository) initSessionsSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		tool TEXT NOT NULL,
		cwd TEXT NOT NULL,
		pid INTEGER NOT NULL DEFAULT 0,
		label TEXT DEFAULT '',
		status TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		exit_code INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	`)
	return err
}

func (r *SQLiteRepository) initPromptsSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS prompts (
		prompt_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		type TEXT NOT NULL,
		confidence TEXT NOT NULL,
		excerpt TEXT NOT NULL DEFAULT '',
		choices TEXT DEFAULT '[]',
		constraints TEXT DEFAULT '{}',
		nonce TEXT NOT NULL,
		nonce_used INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		status TEXT NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		channel_message_id TEXT DEFAULT '',
		responder_identity TEXT DEFAULT '',
		FOREIGN KEY (session_id) REFERENCES sessions(session_id)
	);
	CREATE INDEX IF NOT EXISTS idx_prompts_session_id ON prompts(session_id);
	CREATE INDEX IF NOT EXISTS idx_prompts_status ON prompts(status);
	CREATE INDEX IF NOT EXISTS idx_prompts_expires_at ON prompts(expires_at);
	`)
	return err
}

func (r *SQLiteRepository) initRepliesSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS replies (
		reply_id TEXT PRIMARY KEY,
		prompt_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		raw_value TEXT NOT NULL,
		normalised_value BLOB,
		source TEXT NOT NULL,
		responder_identity TEXT DEFAULT '',
		injected_at DATETIME NOT NULL,
		FOREIGN KEY (prompt_id) REFERENCES prompts(prompt_id)
	);
	CREATE INDEX IF NOT EXISTS idx_replies_prompt_id ON replies(prompt_id);
	`)
	return err
}

func (r *SQLiteRepository) CreateSession(ctx context.Context, tool, cwd, label string) (string, error) {
	sessionID := uuid.New().String()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, tool, cwd, label, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sessionID, tool, cwd, label, atlastypes.SessionStarting, time.Now().UTC())
	if err != nil {
		return "", err
	}
	return sessionID, nil
}

func (r *SQLiteRepository) UpdateSessionStatus(ctx context.Context, sessionID string, status atlastypes.SessionStatus) error {
	_, err := r.db.ExecContext(ctx, `UPDATE sessions SET status = ? WHERE session_id = ?`, status, sessionID)
	return err
}

func (r *SQLiteRepository) EndSession(ctx context.Context, sessionID string, exitCode int) error {
	status := atlastypes.SessionCompleted
	if exitCode != 0 {
		status = atlastypes.SessionCrashed
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, ended_at = ?, exit_code = ? WHERE session_id = ?
	`, status, time.Now().UTC(), exitCode, sessionID)
	return err
}

func (r *SQLiteRepository) GetSession(ctx context.Context, sessionID string) (*atlastypes.Session, error) {
	var s atlastypes.Session
	err := r.db.GetContext(ctx, &s, `
		SELECT session_id, tool, cwd, pid, label, status, started_at, ended_at, exit_code
		FROM sessions WHERE session_id = ?
	`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SQLiteRepository) InsertPrompt(ctx context.Context, p *atlastypes.PromptEvent) (bool, error) {
	choicesJSON, err := json.Marshal(p.Choices)
	if err != nil {
		return false, fmt.Errorf("store: marshal choices: %w", err)
	}
	constraintsJSON, err := json.Marshal(p.Constraints)
	if err != nil {
		return false, fmt.Errorf("store: marshal constraints: %w", err)
	}

	result, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO prompts
			(prompt_id, session_id, type, confidence, excerpt, choices, constraints,
			 nonce, nonce_used, created_at, expires_at, status, idempotency_key,
			 channel_message_id, responder_identity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?)
	`, p.PromptID, p.SessionID, p.Type, p.Confidence, p.Excerpt, string(choicesJSON), string(constraintsJSON),
		p.Nonce, p.CreatedAt, p.ExpiresAt, p.Status, p.IdempotencyKey, p.ChannelMessageID, p.ResponderIdentity)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (r *SQLiteRepository) FindPromptByIdempotencyKey(ctx context.Context, key string) (*atlastypes.PromptEvent, error) {
	return r.scanOnePrompt(ctx, `WHERE idempotency_key = ?`, key)
}

func (r *SQLiteRepository) GetPrompt(ctx context.Context, promptID string) (*atlastypes.PromptEvent, error) {
	return r.scanOnePrompt(ctx, `WHERE prompt_id = ?`, promptID)
}

func (r *SQLiteRepository) scanOnePrompt(ctx context.Context, where string, args ...interface{}) (*atlastypes.PromptEvent, error) {
	rows, err := r.queryPrompts(ctx, where, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &rows[0], nil
}

type promptRow struct {
	PromptID          string    `db:"prompt_id"`
	SessionID         string    `db:"session_id"`
	Type              string    `db:"type"`
	Confidence        string    `db:"confidence"`
	Excerpt           string    `db:"excerpt"`
	Choices           string    `db:"choices"`
	Constraints       string    `db:"constraints"`
	Nonce             string    `db:"nonce"`
	NonceUsed         bool      `db:"nonce_used"`
	CreatedAt         time.Time `db:"created_at"`
	ExpiresAt         time.Time `db:"expires_at"`
	Status            string    `db:"status"`
	IdempotencyKey    string    `db:"idempotency_key"`
	ChannelMessageID  string    `db:"channel_message_id"`
	ResponderIdentity string    `db:"responder_identity"`
}

func (r *SQLiteRepository) queryPrompts(ctx context.Context, where string, args ...interface{}) ([]atlastypes.PromptEvent, error) {
	var rows []promptRow
	query := `
		SELECT prompt_id, session_id, type, confidence, excerpt, choices, constraints,
		       nonce, nonce_used, created_at, expires_at, status, idempotency_key,
		       channel_message_id, responder_identity
		FROM prompts ` + where
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}

	out := make([]atlastypes.PromptEvent, 0, len(rows))
	for _, row := range rows {
		var choices []atlastypes.Choice
		_ = json.Unmarshal([]byte(row.Choices), &choices)
		var constraints atlastypes.Constraints
		_ = json.Unmarshal([]byte(row.Constraints), &constraints)

		out = append(out, atlastypes.PromptEvent{
			PromptID:          row.PromptID,
			SessionID:         row.SessionID,
			Type:              atlastypes.PromptType(row.Type),
			Confidence:        atlastypes.Confidence(row.Confidence),
			Excerpt:           row.Excerpt,
			Choices:           choices,
			Constraints:       constraints,
			Nonce:             row.Nonce,
			NonceUsed:         row.NonceUsed,
			CreatedAt:         row.CreatedAt,
			ExpiresAt:         row.ExpiresAt,
			Status:            atlastypes.PromptStatus(row.Status),
			IdempotencyKey:    row.IdempotencyKey,
			ChannelMessageID:  row.ChannelMessageID,
			ResponderIdentity: row.ResponderIdentity,
		})
	}
	return out, nil
}

// RoutePrompt records a channel's message id against a prompt and moves
// it from created to awaiting_reply in one step: the lifecycle model
// separates routed from awaiting_reply, but they're collapsed here since
// nothing observes the intermediate "routed" state before delivery is
// already known to have happened (send_prompt has already returned).
func (r *SQLiteRepository) RoutePrompt(ctx context.Context, promptID, channelMessageID string) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE prompts SET status = ?, channel_message_id = ? WHERE prompt_id = ? AND status = ?
	`, atlastypes.PromptAwaitingReply, channelMessageID, promptID, atlastypes.PromptCreated)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DecidePrompt is the single atomic conditional update for resolving a
// prompt: it only takes effect when the prompt is still in {routed,
// awaiting_reply}, the nonce matches and is unused, and the TTL has not
// elapsed. The returned row count is the system's sole
// disambiguator between "this call won the race" and "a prior call
// already resolved this prompt."
func (r *SQLiteRepository) DecidePrompt(ctx context.Context, p DecideParams) (int64, error) {
	inClause, inArgs := statusInClause(statemachine.GuardedSourceStatuses)
	query := fmt.Sprintf(`
		UPDATE prompts
		SET status = ?, responder_identity = ?, nonce_used = 1
		WHERE prompt_id = ?
		  AND session_id = ?
		  AND nonce = ?
		  AND nonce_used = 0
		  AND status IN (%s)
		  AND expires_at > ?
	`, inClause)
	args := append([]interface{}{p.NewStatus, p.Responder, p.PromptID, p.SessionID, p.Nonce}, inArgs...)
	args = append(args, p.Now)

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected > 0 && p.NewStatus == atlastypes.PromptReplyReceived {
		source := p.Source
		if source == "" {
			source = atlastypes.ReplyHuman
		}
		reply := atlastypes.Reply{
			ReplyID:           uuid.New().String(),
			PromptID:          p.PromptID,
			SessionID:         p.SessionID,
			RawValue:          string(p.NormalisedValue),
			NormalisedValue:   p.NormalisedValue,
			Source:            source,
			ResponderIdentity: p.Responder,
			InjectedAt:        p.Now,
		}
		if err := r.InsertReply(ctx, &reply); err != nil {
			return affected, fmt.Errorf("store: record reply for prompt %s: %w", p.PromptID, err)
		}
	}
	return affected, nil
}

// MarkInjected advances a prompt from reply_received to injected once its
// reply has been written to the child's PTY. The guard is plain status
// equality: nonce_used is already set by DecidePrompt, so there is no
// further race to linearise here, only a legality check against the
// lifecycle graph.
func (r *SQLiteRepository) MarkInjected(ctx context.Context, promptID string) (int64, error) {
	to, ok := statemachine.Next(atlastypes.PromptReplyReceived, statemachine.TransitionInject)
	if !ok {
		return 0, fmt.Errorf("store: no injected transition defined from reply_received")
	}
	result, err := r.db.ExecContext(ctx, `
		UPDATE prompts SET status = ? WHERE prompt_id = ? AND status = ?
	`, to, promptID, atlastypes.PromptReplyReceived)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ResolvePrompt advances a prompt from injected to resolved, its
// terminal state, once the caller has waited out the echo-suppression
// window for that injection.
func (r *SQLiteRepository) ResolvePrompt(ctx context.Context, promptID string) (int64, error) {
	to, ok := statemachine.Next(atlastypes.PromptInjected, statemachine.TransitionResolve)
	if !ok {
		return 0, fmt.Errorf("store: no resolved transition defined from injected")
	}
	result, err := r.db.ExecContext(ctx, `
		UPDATE prompts SET status = ? WHERE prompt_id = ? AND status = ?
	`, to, promptID, atlastypes.PromptInjected)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ExpireStale transitions every routed/awaiting_reply prompt whose TTL
// has elapsed to expired, and returns the affected rows so the caller can
// inject each one's safe default.
func (r *SQLiteRepository) ExpireStale(ctx context.Context, now time.Time) ([]atlastypes.PromptEvent, error) {
	selectClause, selectArgs := statusInClause(statemachine.GuardedSourceStatuses)
	stale, err := r.queryPrompts(ctx, fmt.Sprintf(`WHERE status IN (%s) AND expires_at <= ?`, selectClause),
		append(append([]interface{}{}, selectArgs...), now)...)
	if err != nil {
		return nil, err
	}
	updateClause, updateArgs := statusInClause(statemachine.GuardedSourceStatuses)
	expired := make([]atlastypes.PromptEvent, 0, len(stale))
	for _, p := range stale {
		args := append([]interface{}{atlastypes.PromptExpired, p.PromptID}, updateArgs...)
		result, err := r.db.ExecContext(ctx, fmt.Sprintf(`
			UPDATE prompts SET status = ? WHERE prompt_id = ? AND status IN (%s)
		`, updateClause), args...)
		if err != nil {
			return nil, err
		}
		if n, err := result.RowsAffected(); err != nil {
			return nil, err
		} else if n == 1 {
			expired = append(expired, p)
		}
	}
	return expired, nil
}

// ReloadPending returns every still-live prompt: status routed or
// awaiting_reply and TTL not yet elapsed. The router uses it to resolve
// short prompt ids; nothing calls it at daemon startup, so prompts left
// over from a previous run are neither re-notified nor re-armed.
func (r *SQLiteRepository) ReloadPending(ctx context.Context) ([]atlastypes.PromptEvent, error) {
	inClause, inArgs := statusInClause(statemachine.GuardedSourceStatuses)
	args := append(append([]interface{}{}, inArgs...), time.Now().UTC())
	return r.queryPrompts(ctx, fmt.Sprintf(`WHERE status IN (%s) AND expires_at > ?`, inClause), args...)
}

func (r *SQLiteRepository) InsertReply(ctx context.Context, rep *atlastypes.Reply) error {
	if rep.ReplyID == "" {
		rep.ReplyID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO replies (reply_id, prompt_id, session_id, raw_value, normalised_value, source, responder_identity, injected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rep.ReplyID, rep.PromptID, rep.SessionID, rep.RawValue, rep.NormalisedValue, rep.Source, rep.ResponderIdentity, rep.InjectedAt)
	return err
}
