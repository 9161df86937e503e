// Package policy implements the deterministic first-match rule DSL that
// can auto-answer a prompt without a human in the loop. Loading is
// strict: a malformed or unsafe policy file fails closed rather than
// falling back to a permissive default.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/atlasbridge/atlasbridge/internal/atlastypes"
)

// ActionType names the kind of action a matched rule takes.
type ActionType string

const (
	ActionAutoReply     ActionType = "auto_reply"
	ActionRequireHuman  ActionType = "require_human"
	ActionDeny          ActionType = "deny"
	ActionNotifyOnly    ActionType = "notify_only"
)

// Match is one rule's set of criteria. A rule matches a PromptEvent iff
// every non-zero criterion is satisfied.
type Match struct {
	ToolID        string   `yaml:"tool_id,omitempty"`
	RepoPrefix    string   `yaml:"repo_prefix,omitempty"`
	PromptTypes   []string `yaml:"prompt_types,omitempty"`
	Contains      string   `yaml:"contains,omitempty"`
	IsRegex       bool     `yaml:"is_regex,omitempty"`
	MinConfidence string   `yaml:"min_confidence,omitempty"`
	MaxConfidence string   `yaml:"max_confidence,omitempty"`
	SessionTag    string   `yaml:"session_tag,omitempty"`
	AnyOf         []Match  `yaml:"any_of,omitempty"`
	NoneOf        []Match  `yaml:"none_of,omitempty"`

	compiledRegex *regexp.Regexp
}

// Action is the effect a matching rule produces.
type Action struct {
	Type          ActionType `yaml:"type"`
	Value         string     `yaml:"value,omitempty"`
	Message       string     `yaml:"message,omitempty"`
	Reason        string     `yaml:"reason,omitempty"`
	AllowedChoices []string  `yaml:"allowed_choices,omitempty"`
	NumericOnly   bool       `yaml:"numeric_only,omitempty"`
	MaxLength     int        `yaml:"max_length,omitempty"`
}

// Rule is one ordered entry of the policy's rule list.
type Rule struct {
	ID     string `yaml:"id"`
	Match  Match  `yaml:"match"`
	Action Action `yaml:"action"`
}

// Defaults names the action taken when no rule matches, and separately
// when the event's confidence is low and no rule matched either.
type Defaults struct {
	NoMatch       Action `yaml:"no_match"`
	LowConfidence Action `yaml:"low_confidence"`
}

// Document is the parsed, not-yet-validated policy file.
type Document struct {
	PolicyVersion string                `yaml:"policy_version"`
	Name          string                `yaml:"name"`
	AutonomyMode  atlastypes.AutonomyMode `yaml:"autonomy_mode"`
	Rules         []Rule                `yaml:"rules"`
	Defaults      Defaults              `yaml:"defaults"`
	Extends       string                `yaml:"extends,omitempty"`
}

// Policy is a loaded, validated, immutable ruleset. It is replaced
// atomically on reload, never mutated in place.
type Policy struct {
	ContentHash  string
	Document     Document
}

// Load reads, parses and validates a policy file from disk.
func Load(path string) (*Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse validates a policy document already in memory. Load calls it
// after reading a file; tests and `run`'s built-in default policy call
// it directly.
func Parse(raw []byte) (*Policy, error) {
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("policy: parse yaml: %w", err)
	}

	if doc.Extends != "" {
		return nil, fmt.Errorf("policy: %q uses 'extends', which this implementation rejects unless explicitly enabled (see DESIGN.md)", doc.Extends)
	}
	if doc.PolicyVersion != "0" && doc.PolicyVersion != "1" {
		return nil, fmt.Errorf("policy: unsupported policy_version %q (must be \"0\" or \"1\")", doc.PolicyVersion)
	}
	switch doc.AutonomyMode {
	case atlastypes.AutonomyOff, atlastypes.AutonomyAssist, atlastypes.AutonomyFull:
	default:
		return nil, fmt.Errorf("policy: invalid autonomy_mode %q", doc.AutonomyMode)
	}
	if doc.Defaults.NoMatch.Type == ActionAutoReply {
		return nil, fmt.Errorf("policy: defaults.no_match may never be auto_reply")
	}
	if doc.Defaults.LowConfidence.Type == ActionAutoReply {
		return nil, fmt.Errorf("policy: defaults.low_confidence may never be auto_reply")
	}

	seen := make(map[string]bool, len(doc.Rules))
	for i := range doc.Rules {
		r := &doc.Rules[i]
		if r.ID == "" {
			return nil, fmt.Errorf("policy: rule at index %d missing id", i)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("policy: duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true

		if err := validateMatch(&r.Match); err != nil {
			return nil, fmt.Errorf("policy: rule %q: %w", r.ID, err)
		}
		if err := validateAction(r.Action); err != nil {
			return nil, fmt.Errorf("policy: rule %q: %w", r.ID, err)
		}
	}

	hash, err := contentHash(doc)
	if err != nil {
		return nil, fmt.Errorf("policy: compute content hash: %w", err)
	}

	return &Policy{ContentHash: hash, Document: doc}, nil
}

// validateMatch compiles and safety-checks any regex match criterion,
// recursing into any_of/none_of sub-matches.
func validateMatch(m *Match) error {
	if m.Contains != "" && m.IsRegex {
		re, err := regexp.Compile(m.Contains)
		if err != nil {
			return fmt.Errorf("invalid contains regex: %w", err)
		}
		if re.MatchString("") {
			return fmt.Errorf("contains regex %q matches the empty string, which is not allowed", m.Contains)
		}
		m.compiledRegex = re
	}
	for i := range m.AnyOf {
		if err := validateMatch(&m.AnyOf[i]); err != nil {
			return fmt.Errorf("any_of[%d]: %w", i, err)
		}
	}
	for i := range m.NoneOf {
		if err := validateMatch(&m.NoneOf[i]); err != nil {
			return fmt.Errorf("none_of[%d]: %w", i, err)
		}
	}
	return nil
}

// validateAction checks auto_reply constraints at load time, per spec:
// "value must be in allowed_choices if set, must be parseable as int if
// numeric_only, and must not exceed max_length."
func validateAction(a Action) error {
	switch a.Type {
	case ActionAutoReply, ActionRequireHuman, ActionDeny, ActionNotifyOnly:
	default:
		return fmt.Errorf("invalid action type %q", a.Type)
	}
	if a.Type != ActionAutoReply {
		return nil
	}
	if len(a.AllowedChoices) > 0 {
		ok := false
		for _, c := range a.AllowedChoices {
			if c == a.Value {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("auto_reply value %q not in allowed_choices %v", a.Value, a.AllowedChoices)
		}
	}
	if a.NumericOnly {
		if _, err := strconv.Atoi(a.Value); err != nil {
			return fmt.Errorf("auto_reply value %q is not numeric but numeric_only is set", a.Value)
		}
	}
	if a.MaxLength > 0 && len(a.Value) > a.MaxLength {
		return fmt.Errorf("auto_reply value exceeds max_length %d", a.MaxLength)
	}
	return nil
}

// contentHash is SHA-256 over a canonical re-marshal of the document,
// the same canonicalize-then-hash approach the audit log uses for its
// chain (internal/audit.hashRecord).
func contentHash(doc Document) (string, error) {
	canonical, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
