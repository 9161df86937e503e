// Package router owns the data path between the detector, the policy
// engine, the store, a channel, and a session's supervisor. It is the
// only component allowed to call decide_prompt and to invoke a
// channel's send/notify/edit methods.
package router

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atlasbridge/atlasbridge/internal/adapter"
	"github.com/atlasbridge/atlasbridge/internal/atlaslog"
	"github.com/atlasbridge/atlasbridge/internal/atlastypes"
	"github.com/atlasbridge/atlasbridge/internal/audit"
	"github.com/atlasbridge/atlasbridge/internal/channel"
	"github.com/atlasbridge/atlasbridge/internal/detector"
	"github.com/atlasbridge/atlasbridge/internal/policy"
	"github.com/atlasbridge/atlasbridge/internal/store"
)

// Injector is the subset of supervisor.Session the router needs: enqueue
// a normalised reply for writing to the child's PTY.
type Injector interface {
	Inject(ctx context.Context, promptID string, value []byte) error
}

// Config carries the timing/identity parameters the router needs that
// are not already implied by its collaborators.
type Config struct {
	TimeoutSeconds    int
	YesNoSafeDefault  string
	FreeTextMaxLength int
	EchoSuppressMS    int
}

// Router binds one session's detector output to policy, store, channel
// and injector.
type Router struct {
	repo     store.Repository
	aud      *audit.Writer
	engine   *policy.Engine
	ch       channel.Channel
	adapters *adapter.Registry
	log      *atlaslog.Logger
	cfg      Config

	sessionID string
	toolID    string
	sc        channel.SessionContext
	injector  Injector
}

// New builds a router for one session.
func New(repo store.Repository, aud *audit.Writer, engine *policy.Engine, ch channel.Channel, adapters *adapter.Registry, log *atlaslog.Logger, cfg Config, sessionID, toolID string, sc channel.SessionContext, injector Injector) *Router {
	return &Router{
		repo: repo, aud: aud, engine: engine, ch: ch, adapters: adapters, log: log, cfg: cfg,
		sessionID: sessionID, toolID: toolID, sc: sc, injector: injector,
	}
}

// HandleCandidate inserts a detector candidate (deduped by idempotency
// key), evaluates policy against it, and acts on the resulting decision.
func (r *Router) HandleCandidate(ctx context.Context, cand *detector.Candidate) error {
	now := time.Now().UTC()
	nonce := newNonce()
	promptID := uuid.New().String()
	idemKey := computeIdempotencyKey(r.sessionID, cand.Type, cand.Excerpt, timeBucket(now, r.cfg.TimeoutSeconds))

	existing, err := r.repo.FindPromptByIdempotencyKey(ctx, idemKey)
	if err == nil && existing != nil {
		return nil // duplicate candidate for a still-open window; drop it.
	}

	p := &atlastypes.PromptEvent{
		PromptID:       promptID,
		SessionID:      r.sessionID,
		Type:           cand.Type,
		Confidence:     cand.Confidence,
		Excerpt:        cand.Excerpt,
		Choices:        cand.Choices,
		Nonce:          nonce,
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Duration(r.cfg.TimeoutSeconds) * time.Second),
		Status:         atlastypes.PromptCreated,
		IdempotencyKey: idemKey,
	}
	inserted, err := r.repo.InsertPrompt(ctx, p)
	if err != nil {
		return fmt.Errorf("router: insert prompt: %w", err)
	}
	if !inserted {
		return nil
	}
	r.auditEvent(atlastypes.EventPromptDetected, p.PromptID, map[string]interface{}{
		"type": string(p.Type), "confidence": string(p.Confidence),
	})

	decision := r.engine.Evaluate(policy.EvalInput{Prompt: *p, SessionTag: r.toolID, RepoPrefix: r.sc.Cwd})
	r.auditEvent(atlastypes.EventAutopilotDecided, p.PromptID, map[string]interface{}{
		"kind": string(decision.Kind), "matched_rule_id": decision.MatchedRuleID,
	})

	return r.act(ctx, p, decision)
}

func (r *Router) act(ctx context.Context, p *atlastypes.PromptEvent, d atlastypes.Decision) error {
	a, err := r.adapters.Get(r.toolID)
	if err != nil {
		a = adapter.Adapter{ToolID: r.toolID}
	}

	switch d.Kind {
	case atlastypes.DecisionAutoReply:
		normalised := a.Normalise(p.Type, d.Value)
		// DecidePrompt only accepts a routed or awaiting_reply prompt, so the
		// freshly created prompt is moved to awaiting_reply first.
		if _, err := r.repo.RoutePrompt(ctx, p.PromptID, ""); err != nil {
			return fmt.Errorf("router: route_prompt (auto_reply): %w", err)
		}
		affected, err := r.repo.DecidePrompt(ctx, store.DecideParams{
			PromptID: p.PromptID, SessionID: r.sessionID, Nonce: p.Nonce,
			NormalisedValue: normalised, NewStatus: atlastypes.PromptReplyReceived,
			Responder: "policy:" + d.MatchedRuleID, Source: atlastypes.ReplyAutoPolicy, Now: time.Now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("router: decide_prompt (auto_reply): %w", err)
		}
		if affected == 0 {
			return nil
		}
		if err := r.injector.Inject(ctx, p.PromptID, normalised); err != nil {
			return fmt.Errorf("router: inject auto_reply: %w", err)
		}
		r.finalizeInjection(ctx, p.PromptID)
		return nil

	case atlastypes.DecisionEscalate, atlastypes.DecisionNotifyOnly:
		if r.ch == nil {
			return nil
		}
		msgID, err := r.ch.SendPrompt(ctx, *p, r.sc)
		if err != nil {
			r.auditEvent(atlastypes.EventChannelTransportFailed, p.PromptID, map[string]interface{}{"error": err.Error()})
			return fmt.Errorf("router: send_prompt: %w", err)
		}
		if _, err := r.repo.RoutePrompt(ctx, p.PromptID, msgID); err != nil {
			return fmt.Errorf("router: route_prompt: %w", err)
		}
		_ = r.repo.UpdateSessionStatus(ctx, r.sessionID, atlastypes.SessionAwaiting)
		r.auditEvent(atlastypes.EventPromptRouted, p.PromptID, map[string]interface{}{"channel_message_id": msgID})
		return nil

	case atlastypes.DecisionDeny:
		if r.ch != nil {
			_ = r.ch.Notify(ctx, fmt.Sprintf("Denied: %s", d.Reason), r.sessionID)
		}
		return nil

	default:
		return fmt.Errorf("router: unhandled decision kind %q", d.Kind)
	}
}

// HandleReply validates, normalises, and applies an inbound channel
// reply via the guarded store update.
func (r *Router) HandleReply(ctx context.Context, reply channel.InboundReply) error {
	if r.ch != nil && !r.ch.IsAllowed(reply.ResponderIdentity) {
		r.auditEvent(atlastypes.EventInvalidCallback, "", map[string]interface{}{"identity": reply.ResponderIdentity})
		return nil
	}

	p, err := r.findByShortID(ctx, reply.ShortPromptID)
	if err != nil {
		r.auditEvent(atlastypes.EventInvalidCallback, "", map[string]interface{}{"short_prompt_id": reply.ShortPromptID})
		return nil
	}
	if reply.NoncePrefix == "" || !strings.HasPrefix(p.Nonce, reply.NoncePrefix) {
		r.auditEvent(atlastypes.EventInvalidCallback, p.PromptID, map[string]interface{}{"short_prompt_id": reply.ShortPromptID})
		return nil
	}

	a, _ := r.adapters.Get(r.toolID)
	normalised := a.Normalise(p.Type, reply.Value)

	affected, err := r.repo.DecidePrompt(ctx, store.DecideParams{
		PromptID: p.PromptID, SessionID: p.SessionID, Nonce: p.Nonce,
		NormalisedValue: normalised, NewStatus: atlastypes.PromptReplyReceived,
		Responder: reply.ResponderIdentity, Source: atlastypes.ReplyHuman, Now: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("router: decide_prompt (reply): %w", err)
	}
	if affected == 0 {
		return r.rejectLateOrDuplicateReply(ctx, p)
	}

	r.auditEvent(atlastypes.EventReplyReceived, p.PromptID, map[string]interface{}{"responder": reply.ResponderIdentity})
	if err := r.injector.Inject(ctx, p.PromptID, normalised); err != nil {
		return fmt.Errorf("router: inject reply: %w", err)
	}
	if r.ch != nil && p.ChannelMessageID != "" {
		_ = r.ch.EditPromptMessage(ctx, p.ChannelMessageID, "Answered.")
	}
	r.auditEvent(atlastypes.EventResponseInjected, p.PromptID, nil)
	r.finalizeInjection(ctx, p.PromptID)
	return nil
}

// rejectLateOrDuplicateReply distinguishes a callback that lost the
// decide_prompt race (stale status) from one that legitimately expired,
// and edits the channel message accordingly.
func (r *Router) rejectLateOrDuplicateReply(ctx context.Context, p *atlastypes.PromptEvent) error {
	current, err := r.repo.GetPrompt(ctx, p.PromptID)
	if err != nil {
		return err
	}
	var text string
	var eventType atlastypes.AuditEventType
	switch current.Status {
	case atlastypes.PromptExpired:
		text, eventType = "This prompt already expired.", atlastypes.EventLateReplyRejected
	case atlastypes.PromptReplyReceived, atlastypes.PromptInjected, atlastypes.PromptResolved:
		text, eventType = "Already answered.", atlastypes.EventDuplicateCallbackIgnored
	default:
		text, eventType = "This prompt can no longer be answered.", atlastypes.EventInvalidCallback
	}
	r.auditEvent(eventType, p.PromptID, map[string]interface{}{"status": string(current.Status)})
	if r.ch != nil && current.ChannelMessageID != "" {
		_ = r.ch.EditPromptMessage(ctx, current.ChannelMessageID, text)
	}
	return nil
}

// findByShortID resolves a compact short_prompt_id by scanning live
// prompts; ambiguous collisions are treated as invalid.
func (r *Router) findByShortID(ctx context.Context, shortID string) (*atlastypes.PromptEvent, error) {
	pending, err := r.repo.ReloadPending(ctx)
	if err != nil {
		return nil, err
	}
	var match *atlastypes.PromptEvent
	for i := range pending {
		if len(pending[i].PromptID) >= 8 && pending[i].PromptID[:8] == shortID {
			if match != nil {
				return nil, fmt.Errorf("router: ambiguous short_prompt_id %q", shortID)
			}
			match = &pending[i]
		}
	}
	if match == nil {
		return nil, fmt.Errorf("router: no live prompt matches short_prompt_id %q", shortID)
	}
	return match, nil
}

// ExpireStale implements the timeout half of §4.1's race: inject each
// newly-expired prompt's safe default.
func (r *Router) ExpireStale(ctx context.Context) error {
	expired, err := r.repo.ExpireStale(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	for _, p := range expired {
		r.auditEvent(atlastypes.EventPromptExpired, p.PromptID, nil)
		if p.Type == atlastypes.PromptYesNo {
			a, _ := r.adapters.Get(r.toolID)
			normalised := a.Normalise(p.Type, r.cfg.YesNoSafeDefault)
			if err := r.injector.Inject(ctx, p.PromptID, normalised); err != nil {
				r.log.WithError(err).Warn("failed to inject safe default for expired prompt")
				continue
			}
			reply := atlastypes.Reply{
				PromptID:        p.PromptID,
				SessionID:       p.SessionID,
				RawValue:        r.cfg.YesNoSafeDefault,
				NormalisedValue: normalised,
				Source:          atlastypes.ReplyTimeoutDefault,
				InjectedAt:      time.Now().UTC(),
			}
			if err := r.repo.InsertReply(ctx, &reply); err != nil && r.log != nil {
				r.log.WithError(err).Warn("failed to record timeout-default reply")
			}
		}
		if r.ch != nil && p.ChannelMessageID != "" {
			_ = r.ch.EditPromptMessage(ctx, p.ChannelMessageID, "Expired; safe default applied.")
		}
	}
	return nil
}

// finalizeInjection advances a prompt from reply_received to injected
// immediately after its reply lands in the child's PTY, then schedules
// the injected->resolved edge once the detector's echo-suppression
// window for that injection has elapsed, so every successfully answered
// prompt eventually reaches its terminal state.
func (r *Router) finalizeInjection(ctx context.Context, promptID string) {
	if _, err := r.repo.MarkInjected(ctx, promptID); err != nil {
		if r.log != nil {
			r.log.WithError(err).Warn("failed to mark prompt injected")
		}
		return
	}
	r.auditEvent(atlastypes.EventPromptInjected, promptID, nil)
	r.scheduleResolve(ctx, promptID)
}

// scheduleResolve waits out the echo-suppression window before marking a
// prompt resolved, so a reply that is still visibly echoing in the
// child's output is not prematurely treated as settled.
func (r *Router) scheduleResolve(ctx context.Context, promptID string) {
	delay := time.Duration(r.cfg.EchoSuppressMS) * time.Millisecond
	go func() {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		if _, err := r.repo.ResolvePrompt(ctx, promptID); err != nil {
			if r.log != nil {
				r.log.WithError(err).Warn("failed to resolve prompt after echo window")
			}
			return
		}
		r.auditEvent(atlastypes.EventPromptResolved, promptID, nil)
	}()
}

func (r *Router) auditEvent(t atlastypes.AuditEventType, promptID string, payload map[string]interface{}) {
	if r.aud == nil {
		return
	}
	if _, err := r.aud.Append(t, r.sessionID, promptID, payload); err != nil && r.log != nil {
		r.log.WithError(err).Warn("audit append failed")
	}
}

func newNonce() string {
	id := uuid.New()
	sum := sha256.Sum256(id[:])
	return hex.EncodeToString(sum[:16])
}

// computeIdempotencyKey dedupes repeated detector candidates for the
// same still-open prompt window: SHA-256 of session_id, excerpt, and a
// time-bucket, plus the prompt type for extra precision. Folding in the
// time-bucket means an excerpt that recurs after its earlier occurrence
// left the bucket (resolved, expired, or just timed out) is routed
// again instead of silently dropped by InsertPrompt's UNIQUE constraint,
// independent of the policy-decision idempotency key computed later in
// internal/policy.
func computeIdempotencyKey(sessionID string, t atlastypes.PromptType, excerpt string, bucket int64) string {
	joined := sessionID + "\x1f" + string(t) + "\x1f" + excerpt + "\x1f" + strconv.FormatInt(bucket, 10)
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])
}

// timeBucket quantises now into windows the size of a prompt's own TTL,
// so a candidate is deduped against anything still open from the same
// window but treated as fresh once that window has fully elapsed.
func timeBucket(now time.Time, timeoutSeconds int) int64 {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 300
	}
	return now.Unix() / int64(timeoutSeconds)
}
