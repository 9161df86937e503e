// Package adapter holds the per-tool value normalisations and default
// argv for one supervised CLI. Registration
// is static: the core holds an explicit table of constructors rather
// than any plugin-discovery mechanism.
package adapter

import (
	"fmt"

	"github.com/atlasbridge/atlasbridge/internal/atlastypes"
)

// Adapter maps a channel-facing reply value onto the exact bytes the
// tool's stdin expects, and carries the default argv used to spawn that
// tool.
type Adapter struct {
	ToolID string

	// ValueMap overrides normalisation for specific reply values (e.g.
	// "y" -> "y\r" for tools that require a carriage return rather than
	// a newline to submit a line). Values absent from the map fall back
	// to DefaultNormalise.
	ValueMap map[string]string

	// DefaultArgv is the argv used when the CLI's `run <tool>` command
	// is not given an explicit command line.
	DefaultArgv []string
}

// Normalise maps a reply's raw value to injectable bytes for prompt
// type t, consulting ValueMap first.
func (a Adapter) Normalise(t atlastypes.PromptType, raw string) []byte {
	if mapped, ok := a.ValueMap[raw]; ok {
		return []byte(mapped)
	}
	return DefaultNormalise(t, raw)
}

// DefaultNormalise is the adapter-agnostic fallback: yes/no and
// confirm_enter replies submit with \r (matching a raw-mode PTY line
// discipline), multiple_choice and free_text submit with \n.
func DefaultNormalise(t atlastypes.PromptType, raw string) []byte {
	switch t {
	case atlastypes.PromptYesNo, atlastypes.PromptConfirmEnter:
		return []byte(raw + "\r")
	default:
		return []byte(raw + "\n")
	}
}

// Registry is the static table of known adapters, keyed by tool id.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds the registry with the core's built-in adapters.
func NewRegistry() *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	r.register(claudeCodeAdapter())
	r.register(genericShellAdapter())
	return r
}

func (r *Registry) register(a Adapter) {
	r.adapters[a.ToolID] = a
}

// Get looks up an adapter by tool id.
func (r *Registry) Get(toolID string) (Adapter, error) {
	a, ok := r.adapters[toolID]
	if !ok {
		return Adapter{}, fmt.Errorf("adapter: unknown tool %q", toolID)
	}
	return a, nil
}

func claudeCodeAdapter() Adapter {
	return Adapter{
		ToolID: "claude-code",
		ValueMap: map[string]string{
			"y": "y\r",
			"n": "n\r",
		},
		DefaultArgv: []string{"claude"},
	}
}

// genericShellAdapter is the built-in adapter for the "shell" tool id: no
// value remapping, so every reply goes through DefaultNormalise.
func genericShellAdapter() Adapter {
	return Adapter{
		ToolID:      "shell",
		DefaultArgv: []string{"/bin/sh"},
	}
}
