// Package audit implements the append-only, hash-chained event log:
// one canonical-JSON record per line, each hash covering the previous
// record's hash so that any tamper or truncation is detectable by
// recomputing the chain from the genesis entry.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/atlasbridge/atlasbridge/internal/atlaslog"
	"github.com/atlasbridge/atlasbridge/internal/atlastypes"
)

// record is the on-disk shape of one audit line. Field order is fixed so
// that json.Marshal produces the same bytes every time for the same
// logical event (encoding/json additionally sorts map keys within
// Payload, which makes the whole record canonical).
type record struct {
	Seq       int64                  `json:"seq"`
	Timestamp string                 `json:"ts"`
	EventType atlastypes.AuditEventType `json:"event"`
	SessionID string                 `json:"session_id"`
	PromptID  string                 `json:"prompt_id,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	PrevHash  string                 `json:"prev_hash"`
}

type recordWithHash struct {
	record
	Hash string `json:"hash"`
}

// Writer appends hash-chained audit records to a rotating set of JSONL
// segment files. Safe for concurrent use; all writes are serialised.
type Writer struct {
	mu          sync.Mutex
	path        string
	file        *os.File
	buf         *bufio.Writer
	seq         int64
	prevHash    string
	maxBytes    int64
	maxArchives int
	written     int64
	log         *atlaslog.Logger

	retryMu    sync.Mutex
	retryQueue []atlastypes.AuditEvent
}

const defaultMaxSegmentBytes = 10 * 1024 * 1024 // 10 MB
const defaultMaxArchives = 3

// NewWriter opens (or creates) the audit log at path and recovers seq and
// prev_hash from its tail so that a restarted daemon continues the chain
// rather than resetting to genesis.
func NewWriter(path string, log *atlaslog.Logger) (*Writer, error) {
	if log == nil {
		log = atlaslog.Default()
	}
	w := &Writer{
		path:        path,
		maxBytes:    defaultMaxSegmentBytes,
		maxArchives: defaultMaxArchives,
		log:         log,
		prevHash:    atlastypes.GenesisHash,
	}
	if err := w.recover(); err != nil {
		return nil, err
	}
	if err := w.openForAppend(); err != nil {
		return nil, err
	}
	return w, nil
}

// recover replays the existing segment (if any) to learn the last seq and
// hash, so a restart extends the chain instead of breaking it.
func (w *Writer) recover() error {
	f, err := os.Open(w.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("audit: open for recovery: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var r recordWithHash
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			continue
		}
		w.seq = r.Seq
		w.prevHash = strings.TrimPrefix(r.Hash, "sha256:")
	}
	return scanner.Err()
}

func (w *Writer) openForAppend() error {
	if dir := filepath.Dir(w.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("audit: prepare directory: %w", err)
		}
	}
	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("audit: open log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("audit: stat log: %w", err)
	}
	w.file = f
	w.buf = bufio.NewWriter(f)
	w.written = info.Size()
	return nil
}

// Append writes one new record to the chain and returns it, including the
// computed hash. On write failure the event is queued for retry and the
// error is returned to the caller, which must not treat it as blocking
// the underlying state transition.
func (w *Writer) Append(eventType atlastypes.AuditEventType, sessionID, promptID string, payload map[string]interface{}) (atlastypes.AuditEvent, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.seq++
	now := time.Now().UTC()
	rec := record{
		Seq:       w.seq,
		Timestamp: now.Format(time.RFC3339Nano),
		EventType: eventType,
		SessionID: sessionID,
		PromptID:  promptID,
		Payload:   payload,
		PrevHash:  w.prevHash,
	}
	hash, err := hashRecord(rec)
	if err != nil {
		w.seq--
		return atlastypes.AuditEvent{}, fmt.Errorf("audit: canonicalise: %w", err)
	}

	if err := w.writeLine(rec, hash); err != nil {
		w.queueRetry(rec, hash)
		return atlastypes.AuditEvent{}, fmt.Errorf("audit: write: %w", err)
	}
	w.prevHash = hash

	return atlastypes.AuditEvent{
		Seq:       rec.Seq,
		Timestamp: now,
		EventType: eventType,
		SessionID: sessionID,
		PromptID:  promptID,
		Payload:   payload,
		PrevHash:  rec.PrevHash,
		Hash:      hash,
	}, nil
}

func (w *Writer) writeLine(rec record, hash string) error {
	line, err := json.Marshal(recordWithHash{record: rec, Hash: "sha256:" + hash})
	if err != nil {
		return err
	}
	line = append(line, '\n')
	n, err := w.buf.Write(line)
	if err != nil {
		return err
	}
	if err := w.buf.Flush(); err != nil {
		return err
	}
	w.written += int64(n)
	if w.written >= w.maxBytes {
		if err := w.rotate(); err != nil {
			w.log.WithError(err).Warn("audit: rotation failed, continuing on current segment")
		}
	}
	return nil
}

// rotate shifts archived segments (.1 .. .maxArchives) and starts a fresh
// active segment. The anchor hash (w.prevHash) is untouched, so the new
// segment's first record still chains to the old segment's last hash.
func (w *Writer) rotate() error {
	if err := w.buf.Flush(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	for i := w.maxArchives - 1; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d", w.path, i)
		dst := fmt.Sprintf("%s.%d", w.path, i+1)
		if _, err := os.Stat(src); err == nil {
			_ = os.Rename(src, dst)
		}
	}
	if _, err := os.Stat(w.path); err == nil {
		_ = os.Rename(w.path, w.path+".1")
	}
	return w.openForAppend()
}

func (w *Writer) queueRetry(rec record, hash string) {
	w.retryMu.Lock()
	defer w.retryMu.Unlock()
	w.retryQueue = append(w.retryQueue, atlastypes.AuditEvent{
		Seq:       rec.Seq,
		EventType: rec.EventType,
		SessionID: rec.SessionID,
		PromptID:  rec.PromptID,
		Payload:   rec.Payload,
		PrevHash:  rec.PrevHash,
		Hash:      hash,
	})
}

// FlushRetryQueue attempts to re-append every queued event that failed on
// first write. Events that fail again remain queued.
func (w *Writer) FlushRetryQueue() error {
	w.retryMu.Lock()
	pending := w.retryQueue
	w.retryQueue = nil
	w.retryMu.Unlock()

	failed := 0
	for _, ev := range pending {
		// A failed Append has already put the event back on the queue.
		if _, err := w.Append(ev.EventType, ev.SessionID, ev.PromptID, ev.Payload); err != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("audit: %d events still pending retry", failed)
	}
	return nil
}

// Close flushes and closes the active segment.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.buf.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}

// hashRecord returns the hex-encoded SHA-256 digest of the record's
// canonical JSON serialisation. The hash field is never part of this
// serialisation, so verification recomputes the same digest from the
// record embedded in each stored line.
func hashRecord(r record) (string, error) {
	canonical, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
