package adapter

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/atlasbridge/atlasbridge/internal/atlastypes"
)

func TestRegistryResolvesKnownAdapter(t *testing.T) {
	r := NewRegistry()
	a, err := r.Get("claude-code")
	require.NoError(t, err)
	require.Equal(t, []byte("y\r"), a.Normalise(atlastypes.PromptYesNo, "y"))
}

func TestRegistryRejectsUnknownTool(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("does-not-exist")
	require.Error(t, err)
}

func TestDefaultNormaliseSubmitsFreeTextWithNewline(t *testing.T) {
	require.Equal(t, []byte("hello\n"), DefaultNormalise(atlastypes.PromptFreeText, "hello"))
}

func TestDefaultNormaliseSubmitsConfirmWithCR(t *testing.T) {
	require.Equal(t, []byte("\r"), DefaultNormalise(atlastypes.PromptConfirmEnter, ""))
}
