package control

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSendRoundTripsThroughServe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "atlasbridge.sock")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var received Request
	go func() {
		_ = Serve(ctx, path, func(req Request) Response {
			received = req
			return Response{OK: true, AutonomyMode: "assist"}
		})
	}()
	require.Eventually(t, func() bool {
		resp, err := Send(path, Request{Command: "status"})
		return err == nil && resp.OK
	}, time.Second, 5*time.Millisecond)

	resp, err := Send(path, Request{Command: "pause"})
	require.NoError(t, err)
	require.True(t, resp.OK)
	require.Equal(t, "assist", resp.AutonomyMode)
	require.Equal(t, "pause", received.Command)
}

func TestSendFailsWhenNoDaemonListening(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nobody-home.sock")
	_, err := Send(path, Request{Command: "status"})
	require.Error(t, err)
}

func TestDefaultSocketPathNamespacesBySessionLabel(t *testing.T) {
	require.Equal(t, "/tmp/atlasbridge-nightly.sock", DefaultSocketPath("/tmp", "nightly"))
	require.Equal(t, "/tmp/atlasbridge-default.sock", DefaultSocketPath("/tmp", ""))
}
