package detector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atlasbridge/atlasbridge/internal/atlastypes"
)

func TestStripANSIRemovesCSIAndOSC(t *testing.T) {
	input := []byte("\x1b[31mhello\x1b[0m \x1b]0;title\x07world")
	require.Equal(t, "hello world", string(StripANSI(input)))
}

func TestRollingBufferEvictsOldestBytes(t *testing.T) {
	rb := NewRollingBuffer(8)
	rb.Write([]byte("abcdefgh"))
	rb.Write([]byte("ij"))
	require.Equal(t, "cdefghij", string(rb.Bytes()))
	require.LessOrEqual(t, rb.Len(), 8)
}

func TestDetectorYesNoPatternHighConfidence(t *testing.T) {
	d := New(DefaultConfig(), nil)
	cand := d.OnBytes([]byte("Do you want to continue? (y/n)\n"))
	require.NotNil(t, cand)
	require.Equal(t, atlastypes.PromptYesNo, cand.Type)
	require.Equal(t, atlastypes.ConfidenceHigh, cand.Confidence)
}

func TestDetectorSuppressesDuringEchoWindow(t *testing.T) {
	d := New(DefaultConfig(), nil)
	d.NotifyInjected()
	cand := d.OnBytes([]byte("Do you want to continue? (y/n)\n"))
	require.Nil(t, cand, "detector must not classify during echo-suppression window")
}

func TestDetectorStallFiresLowConfidenceOnce(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StuckTimeoutSeconds = 0
	d := New(cfg, nil)
	d.OnBytes([]byte("still working...\n"))
	time.Sleep(1 * time.Millisecond)

	cand := d.CheckStall(true)
	require.NotNil(t, cand)
	require.Equal(t, atlastypes.PromptUnknown, cand.Type)
	require.Equal(t, atlastypes.ConfidenceLow, cand.Confidence)

	again := d.CheckStall(true)
	require.Nil(t, again, "stall signal must not refire for the same stable window")
}

func TestDetectorNoStallWhenChildDead(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StuckTimeoutSeconds = 0
	d := New(cfg, nil)
	d.OnBytes([]byte("output\n"))
	require.Nil(t, d.CheckStall(false))
}

func TestDetectorMultiChoicePopulatesChoices(t *testing.T) {
	d := New(DefaultConfig(), nil)
	cand := d.OnBytes([]byte("1) Apply patch\n2) Skip\n3) Abort\nChoose an option:\n"))
	require.NotNil(t, cand)
	require.Equal(t, atlastypes.PromptMultiChoice, cand.Type)
	require.Equal(t, []atlastypes.Choice{
		{Key: "1", Label: "Apply patch"},
		{Key: "2", Label: "Skip"},
		{Key: "3", Label: "Abort"},
	}, cand.Choices)
}

func TestDetectorNonMultiChoiceHasNoChoices(t *testing.T) {
	d := New(DefaultConfig(), nil)
	cand := d.OnBytes([]byte("Continue? (y/n)\n"))
	require.NotNil(t, cand)
	require.Empty(t, cand.Choices)
}

func TestDetectorDedupesRepeatedPatternMatch(t *testing.T) {
	d := New(DefaultConfig(), nil)
	first := d.OnBytes([]byte("Continue? (y/n)\n"))
	require.NotNil(t, first)
	second := d.OnBytes([]byte("Continue? (y/n)\n"))
	require.Nil(t, second, "identical buffer window must not re-emit")
}
