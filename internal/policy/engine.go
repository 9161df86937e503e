package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/atlasbridge/atlasbridge/internal/atlastypes"
)

// confidenceRank orders Confidence values so min/max_confidence criteria
// can be compared.
var confidenceRank = map[atlastypes.Confidence]int{
	atlastypes.ConfidenceLow:    0,
	atlastypes.ConfidenceMedium: 1,
	atlastypes.ConfidenceHigh:   2,
}

// EvalInput bundles everything the engine needs to decide one prompt; it
// never touches the store, a channel or the network.
type EvalInput struct {
	Prompt     atlastypes.PromptEvent
	SessionTag string
	RepoPrefix string
}

// Engine evaluates prompts against one immutable, atomically-swappable
// Policy. policy is an atomic.Pointer rather than a plain field so Swap
// and Pause/Resume (the CLI's control socket) can run
// concurrently with in-flight Evaluate calls from the router goroutine.
type Engine struct {
	policy atomic.Pointer[Policy]
}

// NewEngine wraps an already-loaded Policy.
func NewEngine(p *Policy) *Engine {
	e := &Engine{}
	e.policy.Store(p)
	return e
}

// Swap atomically replaces the engine's active policy; callers hold
// their own reference so concurrent evaluations using the old pointer
// are unaffected mid-flight.
func (e *Engine) Swap(p *Policy) {
	e.policy.Store(p)
}

// Policy returns the engine's currently active policy.
func (e *Engine) Policy() *Policy {
	return e.policy.Load()
}

// Pause forces the engine into autonomy_mode=off without discarding the
// loaded rule set, so every prompt escalates until Resume restores it.
// This backs the CLI's `pause` command.
func (e *Engine) Pause() {
	cur := e.policy.Load()
	paused := *cur
	paused.Document.AutonomyMode = atlastypes.AutonomyOff
	e.policy.Store(&paused)
}

// Resume restores the autonomy mode recorded in the on-disk policy
// document, undoing Pause. It reloads from path rather than trusting an
// in-memory "mode before pause" field, so the resumed mode always
// reflects what an operator has since edited on disk.
func (e *Engine) Resume(path string) error {
	p, err := Load(path)
	if err != nil {
		return err
	}
	e.policy.Store(p)
	return nil
}

// Evaluate runs the first-match-wins evaluation order: rules in document
// order, falling back to defaults.no_match (or defaults.low_confidence
// when the prompt's detector confidence is low) if nothing matches.
func (e *Engine) Evaluate(in EvalInput) atlastypes.Decision {
	doc := e.Policy().Document
	explanation := []string{}

	if doc.AutonomyMode == atlastypes.AutonomyOff {
		explanation = append(explanation, "autonomy_mode=off: all prompts escalate")
		return e.finish(in, atlastypes.DecisionEscalate, "", "", "", explanation)
	}

	for _, r := range doc.Rules {
		if !matches(r.Match, in) {
			continue
		}
		explanation = append(explanation, fmt.Sprintf("matched rule %q", r.ID))
		kind, value, message, reason := gate(doc.AutonomyMode, r.Action, &explanation)
		return e.finish(in, kind, value, message, reason, explanation, r.ID)
	}

	explanation = append(explanation, "no rule matched")
	fallback := doc.Defaults.NoMatch
	if in.Prompt.Confidence == atlastypes.ConfidenceLow {
		explanation = append(explanation, "confidence=low: using defaults.low_confidence")
		fallback = doc.Defaults.LowConfidence
	}
	kind, value, message, reason := actionToDecision(fallback)
	return e.finish(in, kind, value, message, reason, explanation)
}

// gate applies the autonomy-mode downgrade rules: assist mode downgrades
// auto_reply/deny to an escalation carrying the original action as a
// suggestion; full mode passes every action through unchanged.
func gate(mode atlastypes.AutonomyMode, a Action, explanation *[]string) (atlastypes.DecisionKind, string, string, string) {
	kind, value, message, reason := actionToDecision(a)
	if mode == atlastypes.AutonomyFull {
		return kind, value, message, reason
	}
	// assist
	switch a.Type {
	case ActionAutoReply:
		*explanation = append(*explanation, "assist mode: downgrading auto_reply to escalate-with-suggestion")
		return atlastypes.DecisionEscalate, value, fmt.Sprintf("suggested reply: %s", a.Value), reason
	case ActionDeny:
		*explanation = append(*explanation, "assist mode: downgrading deny to escalate-with-suggestion")
		return atlastypes.DecisionEscalate, "", fmt.Sprintf("suggested deny: %s", a.Reason), reason
	default:
		return kind, value, message, reason
	}
}

func actionToDecision(a Action) (atlastypes.DecisionKind, string, string, string) {
	switch a.Type {
	case ActionAutoReply:
		return atlastypes.DecisionAutoReply, a.Value, "", ""
	case ActionRequireHuman:
		return atlastypes.DecisionEscalate, "", a.Message, ""
	case ActionDeny:
		return atlastypes.DecisionDeny, "", "", a.Reason
	case ActionNotifyOnly:
		return atlastypes.DecisionNotifyOnly, "", a.Message, ""
	default:
		return atlastypes.DecisionEscalate, "", "", ""
	}
}

func (e *Engine) finish(in EvalInput, kind atlastypes.DecisionKind, value, message, reason string, explanation []string, ruleID ...string) atlastypes.Decision {
	matched := ""
	if len(ruleID) > 0 {
		matched = ruleID[0]
	}
	d := atlastypes.Decision{
		Kind:          kind,
		Value:         value,
		Message:       message,
		Reason:        reason,
		MatchedRuleID: matched,
		Explanation:   explanation,
	}
	d.IdempotencyKey = idempotencyKey(in.Prompt.SessionID, in.Prompt.PromptID, matched, string(kind), value)
	return d
}

// idempotencyKey is the stable SHA-256 hash of
// (session_id, prompt_id, matched_rule_id, action_type, normalised_value),
// so replaying the same decision always yields the same key.
func idempotencyKey(sessionID, promptID, ruleID, actionType, value string) string {
	joined := strings.Join([]string{sessionID, promptID, ruleID, actionType, value}, "\x1f")
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])
}

// matches reports whether every non-zero criterion of m is satisfied by
// in. Criteria are evaluated in a fixed order so explain output is
// stable across runs.
func matches(m Match, in EvalInput) bool {
	p := in.Prompt

	if m.ToolID != "" {
		// tool_id is carried on session metadata, not the prompt event
		// itself; EvalInput currently threads it via SessionTag when the
		// caller chooses to encode it there, so an empty SessionTag with
		// a tool_id criterion never matches.
		if in.SessionTag == "" || !strings.EqualFold(in.SessionTag, m.ToolID) {
			return false
		}
	}
	if m.SessionTag != "" && in.SessionTag != m.SessionTag {
		return false
	}
	if m.RepoPrefix != "" {
		if in.RepoPrefix == "" || !strings.HasPrefix(in.RepoPrefix, m.RepoPrefix) {
			return false
		}
	}
	if len(m.PromptTypes) > 0 {
		found := false
		for _, t := range m.PromptTypes {
			if atlastypes.PromptType(t) == p.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if m.MinConfidence != "" {
		if confidenceRank[p.Confidence] < confidenceRank[atlastypes.Confidence(m.MinConfidence)] {
			return false
		}
	}
	if m.MaxConfidence != "" {
		if confidenceRank[p.Confidence] > confidenceRank[atlastypes.Confidence(m.MaxConfidence)] {
			return false
		}
	}
	if m.Contains != "" {
		if m.IsRegex {
			if m.compiledRegex == nil || !m.compiledRegex.MatchString(p.Excerpt) {
				return false
			}
		} else if !strings.Contains(p.Excerpt, m.Contains) {
			return false
		}
	}
	if len(m.AnyOf) > 0 {
		any := false
		for _, sub := range m.AnyOf {
			if matches(sub, in) {
				any = true
				break
			}
		}
		if !any {
			return false
		}
	}
	for _, sub := range m.NoneOf {
		if matches(sub, in) {
			return false
		}
	}
	return true
}
