// Package detector implements the tri-signal prompt classifier: an
// ANSI-aware byte stream in, a PromptEvent candidate out. It is
// deliberately built without a terminal emulator (see StripANSI) — only
// enough byte-level classification to make the pattern table matchable.
package detector

import (
	"bufio"
	"bytes"
	"strings"
	"sync"
	"time"

	"github.com/atlasbridge/atlasbridge/internal/atlaslog"
	"github.com/atlasbridge/atlasbridge/internal/atlastypes"
)

// Config tunes the detector's thresholds; all fields mirror frozen or
// operator-configurable keys in atlasconfig.PromptsConfig.
type Config struct {
	MaxBufferBytes      int
	StuckTimeoutSeconds float64
	EchoSuppressMS      int
	FreeTextMaxLength   int
	ExcerptMaxLength    int
	// PatternBudget bounds how long one matchLines sweep may take; a
	// breach is logged and treated as no match (spec §4.4: "a breach
	// causes this signal to yield no match").
	PatternBudget time.Duration
}

// DefaultConfig returns spec-mandated defaults.
func DefaultConfig() Config {
	return Config{
		MaxBufferBytes:      4096,
		StuckTimeoutSeconds: 2.0,
		EchoSuppressMS:      500,
		FreeTextMaxLength:   200,
		ExcerptMaxLength:    200,
		PatternBudget:       5 * time.Millisecond,
	}
}

// Candidate is the detector's output: a classified pause, not yet bound
// to a session, nonce or TTL — the router assembles those into a full
// atlastypes.PromptEvent.
type Candidate struct {
	Type       atlastypes.PromptType
	Confidence atlastypes.Confidence
	Excerpt    string
	Choices    []atlastypes.Choice
}

// Detector holds the per-session rolling state: ANSI-stripped buffer,
// line backlog, last-output clock, and the echo-suppression window.
type Detector struct {
	mu sync.Mutex

	cfg Config
	log *atlaslog.Logger

	buffer *RollingBuffer
	lines  *LineDeque

	lastOutput      time.Time
	suppressUntil   time.Time
	pendingUnknown  bool
	lastSignature   string
}

// New creates a Detector for one session.
func New(cfg Config, log *atlaslog.Logger) *Detector {
	if log == nil {
		log = atlaslog.Default()
	}
	return &Detector{
		cfg:        cfg,
		log:        log,
		buffer:     NewRollingBuffer(cfg.MaxBufferBytes),
		lines:      NewLineDeque(),
		lastOutput: time.Now(),
	}
}

// OnBytes is called by the supervisor's reader task for every chunk read
// from the PTY master. During the echo-suppression window the chunk is
// not fed to the detector at all, per spec §4.4.5.
func (d *Detector) OnBytes(raw []byte) *Candidate {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if now.Before(d.suppressUntil) {
		return nil
	}
	d.lastOutput = now
	d.pendingUnknown = false // new output opens a new stall window

	stripped := StripANSI(raw)
	d.buffer.Write(stripped)
	d.appendLines(stripped)

	return d.classifyLocked(now)
}

// appendLines rebuilds the line deque from the whole rolling buffer on
// every call, trailing partial line included, so a prompt printed without
// a newline is matchable. The stripped argument itself is not read: the
// buffer already holds it.
func (d *Detector) appendLines(stripped []byte) {
	scanner := bufio.NewScanner(bytes.NewReader(d.buffer.Bytes()))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	d.lines.Clear()
	for scanner.Scan() {
		d.lines.Push(scanner.Text())
	}
}

// classifyLocked runs the pattern signal over the latest lines. The stall
// signal is evaluated separately by CheckStall; the two are not combined
// into one candidate or confidence. Caller must hold d.mu.
func (d *Detector) classifyLocked(now time.Time) *Candidate {
	start := time.Now()
	promptType, matchedLine, patternHit := matchLines(d.lines.Last(40))
	if elapsed := time.Since(start); elapsed > d.cfg.PatternBudget {
		d.log.Warn("detector: pattern budget exceeded, discarding match for this call")
		patternHit = false
	}

	if patternHit {
		sig := string(promptType) + "|" + matchedLine
		if sig == d.lastSignature {
			return nil // already emitted for this stable buffer window
		}
		d.lastSignature = sig
		cand := &Candidate{
			Type:       promptType,
			Confidence: atlastypes.ConfidenceHigh,
			Excerpt:    truncate(matchedLine, d.cfg.ExcerptMaxLength),
		}
		if promptType == atlastypes.PromptMultiChoice {
			cand.Choices = extractChoices(d.lines.Last(40))
		}
		return cand
	}
	return nil
}

// CheckStall is called periodically by the supervisor's stall watchdog.
// It fires a low-confidence unknown candidate when no bytes have arrived
// for StuckTimeoutSeconds and the child is still alive, per spec §4.5
// Task W.
func (d *Detector) CheckStall(childAlive bool) *Candidate {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if now.Before(d.suppressUntil) || !childAlive {
		return nil
	}
	idle := now.Sub(d.lastOutput)
	if idle.Seconds() < d.cfg.StuckTimeoutSeconds {
		return nil
	}
	if d.buffer.Len() == 0 {
		return nil
	}
	if d.pendingUnknown {
		return nil // already emitted for this stall window
	}
	d.pendingUnknown = true

	excerpt := truncate(lastNonEmptyLine(d.lines.Lines()), d.cfg.ExcerptMaxLength)
	return &Candidate{
		Type:       atlastypes.PromptUnknown,
		Confidence: atlastypes.ConfidenceLow,
		Excerpt:    excerpt,
	}
}

// NotifyInjected starts the echo-suppression window and clears all rolling
// state, per spec §4.4.5: "The buffer is cleared at injection time to
// prevent echoed injection bytes from being reclassified as a new
// prompt."
func (d *Detector) NotifyInjected() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.suppressUntil = time.Now().Add(time.Duration(d.cfg.EchoSuppressMS) * time.Millisecond)
	d.buffer.Clear()
	d.lines.Clear()
	d.lastSignature = ""
	d.pendingUnknown = false
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}

func lastNonEmptyLine(lines []string) string {
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return lines[i]
		}
	}
	return ""
}
