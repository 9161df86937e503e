// Package store exposes the transactional repository over AtlasBridge's
// persistent state: sessions, prompts, replies and audit events (audit
// events are append-only and live in internal/audit; this package covers
// the three mutable tables plus DecidePrompt, the guarded update that
// decides which reply wins a prompt).
package store

import (
	"context"
	"time"

	"github.com/atlasbridge/atlasbridge/internal/atlastypes"
)

// DecideParams is the argument bundle for the guarded conditional update
// that resolves a prompt with a reply; human replies and auto-replies go
// through it. Expiry does not: ExpireStale applies its own status-guarded
// update, so whichever of the two changes the row first wins.
type DecideParams struct {
	PromptID        string
	SessionID       string
	Nonce           string
	NormalisedValue []byte
	NewStatus       atlastypes.PromptStatus
	Responder       string
	Source          atlastypes.ReplySource
	Now             time.Time
}

// Repository is the store's public contract.
type Repository interface {
	CreateSession(ctx context.Context, tool, cwd, label string) (string, error)
	UpdateSessionStatus(ctx context.Context, sessionID string, status atlastypes.SessionStatus) error
	EndSession(ctx context.Context, sessionID string, exitCode int) error
	GetSession(ctx context.Context, sessionID string) (*atlastypes.Session, error)

	InsertPrompt(ctx context.Context, p *atlastypes.PromptEvent) (bool, error)
	FindPromptByIdempotencyKey(ctx context.Context, key string) (*atlastypes.PromptEvent, error)
	GetPrompt(ctx context.Context, promptID string) (*atlastypes.PromptEvent, error)

	// RoutePrompt records that a prompt was handed to a channel: it sets
	// channel_message_id and transitions created -> awaiting_reply. It is
	// a no-op (0 rows) if the prompt is no longer in "created".
	RoutePrompt(ctx context.Context, promptID, channelMessageID string) (int64, error)

	// DecidePrompt is the sole guarded conditional update: it moves a
	// prompt from {routed, awaiting_reply} to NewStatus only if the
	// nonce matches, is unused, and the TTL has not expired. It returns
	// the affected-row-count; reissuing the same transition returns 0.
	DecidePrompt(ctx context.Context, p DecideParams) (int64, error)

	// MarkInjected advances a prompt from reply_received to injected once
	// its reply has actually been written to the child's PTY.
	MarkInjected(ctx context.Context, promptID string) (int64, error)

	// ResolvePrompt advances a prompt from injected to resolved, its
	// terminal state, once the detector's echo-suppression window has
	// elapsed for that injection.
	ResolvePrompt(ctx context.Context, promptID string) (int64, error)

	ExpireStale(ctx context.Context, now time.Time) ([]atlastypes.PromptEvent, error)
	ReloadPending(ctx context.Context) ([]atlastypes.PromptEvent, error)

	InsertReply(ctx context.Context, r *atlastypes.Reply) error

	Close() error
}
