package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atlasbridge/atlasbridge/internal/atlastypes"
)

func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	path := filepath.Join(t.TempDir(), "atlasbridge.db")
	repo, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func seedPrompt(t *testing.T, repo *SQLiteRepository, sessionID string, ttl time.Duration) *atlastypes.PromptEvent {
	t.Helper()
	now := time.Now().UTC()
	p := &atlastypes.PromptEvent{
		PromptID:       "prompt-1",
		SessionID:      sessionID,
		Type:           atlastypes.PromptYesNo,
		Confidence:     atlastypes.ConfidenceHigh,
		Excerpt:        "Continue? (y/n)",
		Nonce:          "nonce-1",
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		Status:         atlastypes.PromptRouted,
		IdempotencyKey: "idem-1",
	}
	inserted, err := repo.InsertPrompt(context.Background(), p)
	require.NoError(t, err)
	require.True(t, inserted)
	return p
}

func TestCreateAndGetSession(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	sessionID, err := repo.CreateSession(ctx, "claude-code", "/home/user/project", "nightly-run")
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)

	s, err := repo.GetSession(ctx, sessionID)
	require.NoError(t, err)
	require.Equal(t, "claude-code", s.Tool)
	require.Equal(t, atlastypes.SessionStarting, s.Status)

	require.NoError(t, repo.UpdateSessionStatus(ctx, sessionID, atlastypes.SessionRunning))
	s, err = repo.GetSession(ctx, sessionID)
	require.NoError(t, err)
	require.Equal(t, atlastypes.SessionRunning, s.Status)

	require.NoError(t, repo.EndSession(ctx, sessionID, 0))
	s, err = repo.GetSession(ctx, sessionID)
	require.NoError(t, err)
	require.Equal(t, atlastypes.SessionCompleted, s.Status)
	require.NotNil(t, s.ExitCode)
	require.Equal(t, 0, *s.ExitCode)
}

func TestGetSessionNotFound(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.GetSession(context.Background(), "does-not-exist")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInsertPromptRejectsDuplicateIdempotencyKey(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	sessionID, err := repo.CreateSession(ctx, "claude-code", "/repo", "")
	require.NoError(t, err)

	p := seedPrompt(t, repo, sessionID, time.Minute)

	dup := *p
	dup.PromptID = "prompt-2"
	inserted, err := repo.InsertPrompt(ctx, &dup)
	require.NoError(t, err)
	require.False(t, inserted, "second insert with same idempotency_key must be ignored")

	found, err := repo.FindPromptByIdempotencyKey(ctx, p.IdempotencyKey)
	require.NoError(t, err)
	require.Equal(t, p.PromptID, found.PromptID)
}

func TestRoutePromptTransitionsCreatedToAwaitingReply(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	sessionID, err := repo.CreateSession(ctx, "claude-code", "/repo", "")
	require.NoError(t, err)

	now := time.Now().UTC()
	p := &atlastypes.PromptEvent{
		PromptID:       "prompt-created",
		SessionID:      sessionID,
		Type:           atlastypes.PromptYesNo,
		Confidence:     atlastypes.ConfidenceHigh,
		Nonce:          "nonce-created",
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Minute),
		Status:         atlastypes.PromptCreated,
		IdempotencyKey: "idem-created",
	}
	inserted, err := repo.InsertPrompt(ctx, p)
	require.NoError(t, err)
	require.True(t, inserted)

	affected, err := repo.RoutePrompt(ctx, p.PromptID, "12345:67")
	require.NoError(t, err)
	require.EqualValues(t, 1, affected)

	got, err := repo.GetPrompt(ctx, p.PromptID)
	require.NoError(t, err)
	require.Equal(t, atlastypes.PromptAwaitingReply, got.Status)
	require.Equal(t, "12345:67", got.ChannelMessageID)

	affected, err = repo.RoutePrompt(ctx, p.PromptID, "99999:1")
	require.NoError(t, err)
	require.EqualValues(t, 0, affected, "routing a prompt that already left 'created' must be a no-op")
}

func TestDecidePromptIsIdempotent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	sessionID, err := repo.CreateSession(ctx, "claude-code", "/repo", "")
	require.NoError(t, err)
	p := seedPrompt(t, repo, sessionID, time.Hour)

	params := DecideParams{
		PromptID:        p.PromptID,
		SessionID:       sessionID,
		Nonce:           p.Nonce,
		NormalisedValue: []byte("y"),
		NewStatus:       atlastypes.PromptReplyReceived,
		Responder:       "tg:12345",
		Now:             time.Now().UTC(),
	}

	affected, err := repo.DecidePrompt(ctx, params)
	require.NoError(t, err)
	require.EqualValues(t, 1, affected, "first decide_prompt call must win the race")

	affected, err = repo.DecidePrompt(ctx, params)
	require.NoError(t, err)
	require.EqualValues(t, 0, affected, "replaying the same decision must be a no-op")

	got, err := repo.GetPrompt(ctx, p.PromptID)
	require.NoError(t, err)
	require.Equal(t, atlastypes.PromptReplyReceived, got.Status)
}

func TestDecidePromptRejectsWrongNonce(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	sessionID, err := repo.CreateSession(ctx, "claude-code", "/repo", "")
	require.NoError(t, err)
	p := seedPrompt(t, repo, sessionID, time.Hour)

	affected, err := repo.DecidePrompt(ctx, DecideParams{
		PromptID:  p.PromptID,
		SessionID: sessionID,
		Nonce:     "wrong-nonce",
		NewStatus: atlastypes.PromptReplyReceived,
		Responder: "tg:12345",
		Now:       time.Now().UTC(),
	})
	require.NoError(t, err)
	require.EqualValues(t, 0, affected)
}

func TestDecidePromptRejectsAfterExpiry(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	sessionID, err := repo.CreateSession(ctx, "claude-code", "/repo", "")
	require.NoError(t, err)
	p := seedPrompt(t, repo, sessionID, -time.Minute)

	affected, err := repo.DecidePrompt(ctx, DecideParams{
		PromptID:  p.PromptID,
		SessionID: sessionID,
		Nonce:     p.Nonce,
		NewStatus: atlastypes.PromptReplyReceived,
		Responder: "tg:12345",
		Now:       time.Now().UTC(),
	})
	require.NoError(t, err)
	require.EqualValues(t, 0, affected, "a late reply past expires_at must not be accepted")
}

func TestExpireStaleMovesTimedOutPrompts(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	sessionID, err := repo.CreateSession(ctx, "claude-code", "/repo", "")
	require.NoError(t, err)
	seedPrompt(t, repo, sessionID, -time.Second)

	expired, err := repo.ExpireStale(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, "prompt-1", expired[0].PromptID)

	got, err := repo.GetPrompt(ctx, "prompt-1")
	require.NoError(t, err)
	require.Equal(t, atlastypes.PromptExpired, got.Status)
}

func TestDecidePromptRecordsReplySourceAndMarkInjectedResolveCompleteLifecycle(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	sessionID, err := repo.CreateSession(ctx, "claude-code", "/repo", "")
	require.NoError(t, err)
	p := seedPrompt(t, repo, sessionID, time.Hour)

	affected, err := repo.DecidePrompt(ctx, DecideParams{
		PromptID:        p.PromptID,
		SessionID:       sessionID,
		Nonce:           p.Nonce,
		NormalisedValue: []byte("y"),
		NewStatus:       atlastypes.PromptReplyReceived,
		Responder:       "policy:allow-npm-install",
		Source:          atlastypes.ReplyAutoPolicy,
		Now:             time.Now().UTC(),
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, affected)

	var source string
	require.NoError(t, repo.db.GetContext(ctx, &source, `SELECT source FROM replies WHERE prompt_id = ?`, p.PromptID))
	require.Equal(t, string(atlastypes.ReplyAutoPolicy), source)

	affected, err = repo.MarkInjected(ctx, p.PromptID)
	require.NoError(t, err)
	require.EqualValues(t, 1, affected)

	got, err := repo.GetPrompt(ctx, p.PromptID)
	require.NoError(t, err)
	require.Equal(t, atlastypes.PromptInjected, got.Status)

	// Replaying MarkInjected from the wrong source status must be a no-op.
	affected, err = repo.MarkInjected(ctx, p.PromptID)
	require.NoError(t, err)
	require.EqualValues(t, 0, affected)

	affected, err = repo.ResolvePrompt(ctx, p.PromptID)
	require.NoError(t, err)
	require.EqualValues(t, 1, affected)

	got, err = repo.GetPrompt(ctx, p.PromptID)
	require.NoError(t, err)
	require.Equal(t, atlastypes.PromptResolved, got.Status)

	affected, err = repo.ResolvePrompt(ctx, p.PromptID)
	require.NoError(t, err)
	require.EqualValues(t, 0, affected, "resolving an already-resolved prompt must be a no-op")
}

func TestDecidePromptDefaultsMissingSourceToHuman(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	sessionID, err := repo.CreateSession(ctx, "claude-code", "/repo", "")
	require.NoError(t, err)
	p := seedPrompt(t, repo, sessionID, time.Hour)

	affected, err := repo.DecidePrompt(ctx, DecideParams{
		PromptID:        p.PromptID,
		SessionID:       sessionID,
		Nonce:           p.Nonce,
		NormalisedValue: []byte("y"),
		NewStatus:       atlastypes.PromptReplyReceived,
		Responder:       "tg:12345",
		Now:             time.Now().UTC(),
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, affected)

	var source string
	require.NoError(t, repo.db.GetContext(ctx, &source, `SELECT source FROM replies WHERE prompt_id = ?`, p.PromptID))
	require.Equal(t, string(atlastypes.ReplyHuman), source)
}

func TestReloadPendingReturnsOnlyLivePrompts(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	sessionID, err := repo.CreateSession(ctx, "claude-code", "/repo", "")
	require.NoError(t, err)
	seedPrompt(t, repo, sessionID, time.Hour)

	pending, err := repo.ReloadPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, atlastypes.PromptRouted, pending[0].Status)
}
