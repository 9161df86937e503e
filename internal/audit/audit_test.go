package audit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendChainsFromGenesis(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")

	w, err := NewWriter(path, nil)
	require.NoError(t, err)

	ev1, err := w.Append("session_started", "sess-1", "", map[string]interface{}{"tool": "claude"})
	require.NoError(t, err)
	require.Equal(t, "genesis", ev1.PrevHash)

	ev2, err := w.Append("prompt_detected", "sess-1", "prompt-1", map[string]interface{}{"type": "yes_no"})
	require.NoError(t, err)
	require.Equal(t, ev1.Hash, ev2.PrevHash)
	require.NotEqual(t, ev1.Hash, ev2.Hash)

	require.NoError(t, w.Close())

	result, err := Verify(path)
	require.NoError(t, err)
	require.True(t, result.OK)
	require.Equal(t, int64(2), result.RecordCount)
}

func TestVerifyDetectsTamper(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")

	w, err := NewWriter(path, nil)
	require.NoError(t, err)
	_, err = w.Append("session_started", "sess-1", "", nil)
	require.NoError(t, err)
	_, err = w.Append("prompt_detected", "sess-1", "prompt-1", nil)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := []byte(string(raw)[:len(raw)-2] + "X\n")
	require.NoError(t, os.WriteFile(path, tampered, 0o644))

	result, err := Verify(path)
	require.NoError(t, err)
	require.False(t, result.OK)
	require.Equal(t, int64(2), result.BrokenAtSeq)
}

func TestRecoverContinuesChainAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")

	w1, err := NewWriter(path, nil)
	require.NoError(t, err)
	ev1, err := w1.Append("session_started", "sess-1", "", nil)
	require.NoError(t, err)
	require.NoError(t, w1.Close())

	w2, err := NewWriter(path, nil)
	require.NoError(t, err)
	ev2, err := w2.Append("session_ended", "sess-1", "", nil)
	require.NoError(t, err)
	require.Equal(t, ev1.Hash, ev2.PrevHash)
	require.Equal(t, ev1.Seq+1, ev2.Seq)
	require.NoError(t, w2.Close())

	result, err := Verify(path)
	require.NoError(t, err)
	require.True(t, result.OK)
	require.Equal(t, int64(2), result.RecordCount)
}
