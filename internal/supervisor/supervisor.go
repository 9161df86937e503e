// Package supervisor runs the four cooperative tasks that own one
// supervised session's PTY for its whole lifetime: the reader, the
// stdin relay, the stall watchdog, and the injector. It is the
// correctness-critical core — the rest of the system only ever learns
// about the child process through the PromptEvents this package emits.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atlasbridge/atlasbridge/internal/atlaslog"
	"github.com/atlasbridge/atlasbridge/internal/detector"
	"github.com/atlasbridge/atlasbridge/internal/ptybackend"
)

// Config controls the session's timing parameters.
type Config struct {
	ReadPollInterval    time.Duration
	WatchdogInterval    time.Duration
	InjectSettle        time.Duration
	InjectionTimeout    time.Duration
	TaskTimeout         time.Duration
	MaxTaskRestarts     int
}

// DefaultConfig holds the session's default timing intervals.
func DefaultConfig() Config {
	return Config{
		ReadPollInterval: 50 * time.Millisecond,
		WatchdogInterval: 500 * time.Millisecond,
		InjectSettle:     100 * time.Millisecond,
		InjectionTimeout: 5 * time.Second,
		TaskTimeout:      30 * time.Second,
		MaxTaskRestarts:  3,
	}
}

// InjectRequest is one pending reply waiting to be written to the PTY
// master by Task I.
type InjectRequest struct {
	PromptID string
	Bytes    []byte
	Done     chan error
}

// Session owns one supervised child's PTY and runs its four cooperative
// tasks until the child exits or the context is canceled.
type Session struct {
	SessionID string

	proc   *ptybackend.Process
	det    *detector.Detector
	log    *atlaslog.Logger
	cfg    Config
	hostIn io.Reader
	hostOut io.Writer

	onPromptEvent func(*detector.Candidate)
	onExit        func(exitCode int, err error)

	// gate is the injection gate: a size-1 channel used as a semaphore
	// so acquisition can honor injection_timeout without ever leaving a
	// stray unlock pending against a sync.Mutex after a timed-out
	// acquire.
	gate     chan struct{}
	injectCh chan InjectRequest

	childAliveMu sync.RWMutex
	childAlive   bool
}

// NewSession wires a spawned process, a detector and this session's
// callbacks into a runnable supervisor.
func NewSession(sessionID string, proc *ptybackend.Process, det *detector.Detector, log *atlaslog.Logger, cfg Config, onPromptEvent func(*detector.Candidate), onExit func(int, error)) *Session {
	return &Session{
		SessionID:     sessionID,
		proc:          proc,
		det:           det,
		log:           log,
		cfg:           cfg,
		hostIn:        os.Stdin,
		hostOut:       os.Stdout,
		onPromptEvent: onPromptEvent,
		onExit:        onExit,
		gate:          make(chan struct{}, 1),
		injectCh:      make(chan InjectRequest, 8),
		childAlive:    true,
	}
}

// Run starts the four tasks and blocks until the child exits, the
// context is canceled, or a task fails past its restart budget.
func (s *Session) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.runWithRestarts(ctx, "reader", s.readerTask) })
	g.Go(func() error { return s.runWithRestarts(ctx, "stdin-relay", s.stdinRelayTask) })
	g.Go(func() error { return s.runWithRestarts(ctx, "watchdog", s.watchdogTask) })
	g.Go(func() error { return s.runWithRestarts(ctx, "injector", s.injectorTask) })

	return g.Wait()
}

// runWithRestarts reruns a task that returns an error other than context
// cancellation, up to MaxTaskRestarts times; once those are used up the
// error ends the session. Config.TaskTimeout is not applied: a task that
// blocks without returning is neither cancelled nor restarted.
func (s *Session) runWithRestarts(ctx context.Context, name string, task func(context.Context) error) error {
	restarts := 0
	for {
		err := task(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			return nil
		}
		restarts++
		if restarts > s.cfg.MaxTaskRestarts {
			return fmt.Errorf("supervisor: task %q exhausted %d restarts: %w", name, s.cfg.MaxTaskRestarts, err)
		}
		s.log.WithFieldMap(map[string]interface{}{"task": name, "attempt": restarts}).Warn("task failed, restarting")
	}
}

// readerTask is Task R: poll the PTY master, forward to the host
// terminal, feed the rolling buffer, and invoke the detector once the
// echo-suppression window has elapsed.
func (s *Session) readerTask(ctx context.Context) error {
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := s.proc.Handle.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if _, werr := s.hostOut.Write(chunk); werr != nil {
				s.log.WithError(werr).Warn("failed to forward output to host terminal")
			}
			if cand := s.det.OnBytes(chunk); cand != nil && s.onPromptEvent != nil {
				s.onPromptEvent(cand)
			}
		}
		if err != nil {
			// A Linux PTY master reports the child's exit as EIO, not EOF.
			if err == io.EOF || errors.Is(err, syscall.EIO) {
				s.setChildAlive(false)
				code, waitErr := s.proc.Wait()
				if s.onExit != nil {
					s.onExit(code, waitErr)
				}
				return nil
			}
			return fmt.Errorf("pty read: %w", err)
		}
	}
}

// stdinRelayTask is Task S: forward host stdin to the PTY master. Writes
// are serialised against the injector through the shared gate channel, so
// a held gate simply makes this task's write block rather than race.
func (s *Session) stdinRelayTask(ctx context.Context) error {
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := s.hostIn.Read(buf)
		if n > 0 {
			s.gate <- struct{}{}
			_, werr := s.proc.Handle.Write(buf[:n])
			<-s.gate
			if werr != nil {
				return fmt.Errorf("pty write: %w", werr)
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("stdin read: %w", err)
		}
	}
}

// watchdogTask is Task W: wake periodically and ask the detector whether
// the child has gone idle long enough to be a stuck prompt.
func (s *Session) watchdogTask(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if cand := s.det.CheckStall(s.isChildAlive()); cand != nil && s.onPromptEvent != nil {
				s.onPromptEvent(cand)
			}
		}
	}
}

// injectorTask is Task I: consume queued replies, acquire the injection
// gate, write to the PTY master, settle, mark echo-suppression, and
// release the gate on every exit path.
func (s *Session) injectorTask(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-s.injectCh:
			err := s.inject(ctx, req.Bytes)
			if req.Done != nil {
				req.Done <- err
			}
		}
	}
}

func (s *Session) inject(ctx context.Context, value []byte) error {
	select {
	case s.gate <- struct{}{}:
	case <-time.After(s.cfg.InjectionTimeout):
		return fmt.Errorf("supervisor: injection gate acquisition timed out after %s", s.cfg.InjectionTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.gate }()

	if _, err := s.proc.Handle.Write(value); err != nil {
		return fmt.Errorf("supervisor: inject write failed: %w", err)
	}

	timer := time.NewTimer(s.cfg.InjectSettle)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.det.NotifyInjected()
	return nil
}

// Inject enqueues a normalised reply for injection and blocks until it
// has been written (or the injection gate times out).
func (s *Session) Inject(ctx context.Context, promptID string, value []byte) error {
	done := make(chan error, 1)
	req := InjectRequest{PromptID: promptID, Bytes: value, Done: done}

	select {
	case s.injectCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resize forwards a terminal resize to the child's PTY.
func (s *Session) Resize(cols, rows uint16) error {
	return s.proc.Resize(cols, rows)
}

func (s *Session) setChildAlive(alive bool) {
	s.childAliveMu.Lock()
	s.childAlive = alive
	s.childAliveMu.Unlock()
}

func (s *Session) isChildAlive() bool {
	s.childAliveMu.RLock()
	defer s.childAliveMu.RUnlock()
	return s.childAlive
}
