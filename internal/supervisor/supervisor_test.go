//go:build !windows

package supervisor

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atlasbridge/atlasbridge/internal/detector"
	"github.com/atlasbridge/atlasbridge/internal/ptybackend"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSessionDetectsPromptAndInjectsReply(t *testing.T) {
	proc, err := ptybackend.Spawn(ptybackend.SpawnRequest{
		Argv: []string{"/bin/sh", "-c", "printf 'Continue? (y/n) '; read ans; printf 'got:%s\\n' \"$ans\""},
	})
	require.NoError(t, err)

	det := detector.New(detector.DefaultConfig(), nil)

	var mu sync.Mutex
	var candidates []*detector.Candidate
	onPrompt := func(c *detector.Candidate) {
		mu.Lock()
		candidates = append(candidates, c)
		mu.Unlock()
	}

	done := make(chan struct{})
	onExit := func(code int, err error) { close(done) }

	cfg := DefaultConfig()
	sess := NewSession("test-session", proc, det, nil, cfg, onPrompt, onExit)

	out := &syncBuffer{}
	sess.hostOut = out
	sess.hostIn = strings.NewReader("")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() { _ = sess.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(candidates) > 0
	}, 2*time.Second, 10*time.Millisecond, "detector must fire on the yes/no prompt")

	err = sess.Inject(ctx, "prompt-1", []byte("y\n"))
	require.NoError(t, err)

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("session did not exit after reply")
	}

	require.Contains(t, out.String(), "got:y")
}

func TestSessionRejectsEmptyArgvAtSpawnLayer(t *testing.T) {
	_, err := ptybackend.Spawn(ptybackend.SpawnRequest{})
	require.Error(t, err)
}
