// Package channel defines the contract a chat platform must implement to
// relay prompts to a human and receive replies, plus the shared rate
// limiting and circuit breaker every concrete channel is expected to
// reuse. Telegram (internal/channel's telegram.go) is the one concrete
// implementation the core ships.
package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atlasbridge/atlasbridge/internal/atlastypes"
)

// SessionContext is the subset of session metadata a channel needs to
// render a prompt (short identifier, tool name, working directory).
type SessionContext struct {
	SessionID string
	Tool      string
	Cwd       string
	Label     string
}

// HealthStatus reports a channel's liveness for the `atlasbridge` status
// surface and healthchecks.
type HealthStatus struct {
	Status        string
	Connected     bool
	CircuitState  string
}

// Channel is the capability set required of any chat transport.
type Channel interface {
	Start(ctx context.Context) error
	Close() error
	SendPrompt(ctx context.Context, p atlastypes.PromptEvent, sc SessionContext) (messageID string, err error)
	EditPromptMessage(ctx context.Context, messageID, text string) error
	Notify(ctx context.Context, message string, sessionID string) error
	IsAllowed(identity string) bool
	Healthcheck() HealthStatus
}

// InboundReply is a reply as received off the wire, before any
// nonce/TTL/idempotency validation — that all happens in the router.
type InboundReply struct {
	ResponderIdentity string
	ShortPromptID     string
	NoncePrefix       string
	Value             string
	RawMessageID      string
}

// circuitState is the breaker's three states.
type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// CircuitBreaker opens after three consecutive send failures and stays
// open for a fixed recovery window (~30s); sends during open state fail
// fast. A single successful probe closes the circuit again.
type CircuitBreaker struct {
	mu              sync.Mutex
	state           circuitState
	consecutiveFail int
	openedAt        time.Time
	failThreshold   int
	recoveryWindow  time.Duration
}

// NewCircuitBreaker builds a breaker with the spec's defaults (3
// failures, 30s recovery).
func NewCircuitBreaker() *CircuitBreaker {
	return &CircuitBreaker{failThreshold: 3, recoveryWindow: 30 * time.Second}
}

// Allow reports whether a send may proceed right now, transitioning an
// expired open circuit into a single half-open probe attempt.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case circuitClosed:
		return true
	case circuitOpen:
		if time.Since(c.openedAt) >= c.recoveryWindow {
			c.state = circuitHalfOpen
			return true
		}
		return false
	case circuitHalfOpen:
		return true
	default:
		return true
	}
}

// RecordResult feeds the outcome of a send back into the breaker.
func (c *CircuitBreaker) RecordResult(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		c.consecutiveFail = 0
		c.state = circuitClosed
		return
	}
	c.consecutiveFail++
	if c.state == circuitHalfOpen || c.consecutiveFail >= c.failThreshold {
		c.state = circuitOpen
		c.openedAt = time.Now()
	}
}

// State reports the breaker's current state as a healthcheck string.
func (c *CircuitBreaker) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// RateLimiter is a simple token-bucket limiter used both for the
// per-chat outbound cap (≤1 msg/s) and the per-session inbound callback
// cap (≤N per minute).
type RateLimiter struct {
	mu       sync.Mutex
	rate     float64
	burst    float64
	tokens   float64
	lastFill time.Time
	nowFn    func() time.Time
}

// NewRateLimiter builds a limiter allowing up to `ratePerSecond` sustained
// throughput with a burst allowance of `burst` tokens.
func NewRateLimiter(ratePerSecond float64, burst float64) *RateLimiter {
	return &RateLimiter{
		rate:     ratePerSecond,
		burst:    burst,
		tokens:   burst,
		lastFill: time.Now(),
		nowFn:    time.Now,
	}
}

// Allow consumes one token if available.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.nowFn()
	elapsed := now.Sub(r.lastFill).Seconds()
	r.tokens += elapsed * r.rate
	if r.tokens > r.burst {
		r.tokens = r.burst
	}
	r.lastFill = now
	if r.tokens < 1 {
		return false
	}
	r.tokens--
	return true
}

// Allowlist is a simple identity allowlist shared by every channel
// implementation's IsAllowed.
type Allowlist struct {
	mu      sync.RWMutex
	allowed map[string]struct{}
}

// NewAllowlist builds an allowlist from a fixed identity set.
func NewAllowlist(identities []string) *Allowlist {
	m := make(map[string]struct{}, len(identities))
	for _, id := range identities {
		m[id] = struct{}{}
	}
	return &Allowlist{allowed: m}
}

// IsAllowed reports whether identity is in the allowlist.
func (a *Allowlist) IsAllowed(identity string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.allowed[identity]
	return ok
}

// TruncateExcerpt enforces the ≤200-char truncate-with-ellipsis rule
// required of send_prompt's excerpt field.
func TruncateExcerpt(s string, max int) string {
	if max <= 0 {
		max = 200
	}
	if len(s) <= max {
		return s
	}
	if max <= 1 {
		return s[:max]
	}
	return s[:max-1] + "…"
}

// FormatCallbackData builds the compact wire-format callback payload
// `ans:<short_prompt_id>:<nonce_prefix>:<value>`.
func FormatCallbackData(promptID, nonce, value string) string {
	shortID := promptID
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}
	noncePrefix := nonce
	if len(noncePrefix) > 16 {
		noncePrefix = noncePrefix[:16]
	}
	return fmt.Sprintf("ans:%s:%s:%s", shortID, noncePrefix, value)
}

// ParseCallbackData reverses FormatCallbackData; malformed payloads
// return an error the caller treats as an invalid_callback audit event.
func ParseCallbackData(data string) (shortPromptID, noncePrefix, value string, err error) {
	const tag = "ans:"
	if len(data) <= len(tag) || data[:len(tag)] != tag {
		return "", "", "", fmt.Errorf("channel: callback missing %q prefix", tag)
	}
	rest := data[len(tag):]
	parts := splitN(rest, ':', 3)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("channel: malformed callback payload")
	}
	return parts[0], parts[1], parts[2], nil
}

// splitN splits s on sep into at most n parts, the last part carrying
// any remaining separators unsplit (so a free-text value may itself
// contain ':').
func splitN(s string, sep byte, n int) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s) && len(parts) < n-1; i++ {
		if s[i] == sep {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}
