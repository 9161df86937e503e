package detector

import (
	"regexp"

	"github.com/atlasbridge/atlasbridge/internal/atlastypes"
)

// patternRule is one compiled regex bound to the prompt type it signals,
// in the spirit of per-agent pattern tables built for a single CLI's TUI,
// generalised here across tools instead of being tied to one of them.
type patternRule struct {
	promptType atlastypes.PromptType
	re         *regexp.Regexp
}

// patternTable is evaluated in order; the first matching rule wins. Base
// confidence for any pattern match alone is high, per spec §4.4.
var patternTable = []patternRule{
	{atlastypes.PromptFreeText, regexp.MustCompile(`(?i)password\s*:\s*$`)},
	{atlastypes.PromptFreeText, regexp.MustCompile(`(?i)api[\s_-]?key\s*:\s*$`)},
	{atlastypes.PromptFreeText, regexp.MustCompile(`(?i)enter\s+.+:\s*$`)},

	{atlastypes.PromptConfirmEnter, regexp.MustCompile(`(?i)press\s+(enter|return)\b`)},
	{atlastypes.PromptConfirmEnter, regexp.MustCompile(`--\s*More\s*--`)},

	{atlastypes.PromptMultiChoice, regexp.MustCompile(`^\s*\d+[).]\s+\S`)},

	{atlastypes.PromptYesNo, regexp.MustCompile(`\(y/n\)`)},
	{atlastypes.PromptYesNo, regexp.MustCompile(`\[Y/N\]`)},
	{atlastypes.PromptYesNo, regexp.MustCompile(`(?i)yes/no`)},
}

// matchLines runs the pattern table over the tail of the line backlog and
// returns the first matching prompt type, its matched line, and whether
// anything matched at all.
func matchLines(lines []string) (atlastypes.PromptType, string, bool) {
	for i := len(lines) - 1; i >= 0 && i >= len(lines)-20; i-- {
		line := lines[i]
		for _, rule := range patternTable {
			if rule.re.MatchString(line) {
				return rule.promptType, line, true
			}
		}
	}
	return atlastypes.PromptUnknown, "", false
}

// choiceLineRe matches one numbered menu entry of a multiple_choice
// prompt; it is the same shape as the PromptMultiChoice pattern above,
// with the number and label captured separately.
var choiceLineRe = regexp.MustCompile(`^\s*(\d+)[).]\s+(.+?)\s*$`)

// extractChoices locates the contiguous run of numbered menu lines a
// multiple_choice prompt prints just above its question (the question
// line itself never matches choiceLineRe, so the run ends at the last
// line that does) and returns each entry as a (key, label) pair in
// on-screen order.
func extractChoices(lines []string) []atlastypes.Choice {
	last := -1
	for i := len(lines) - 1; i >= 0; i-- {
		if choiceLineRe.MatchString(lines[i]) {
			last = i
			break
		}
	}
	if last == -1 {
		return nil
	}
	start := last
	for start > 0 && choiceLineRe.MatchString(lines[start-1]) {
		start--
	}
	choices := make([]atlastypes.Choice, 0, last-start+1)
	for _, line := range lines[start : last+1] {
		m := choiceLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		choices = append(choices, atlastypes.Choice{Key: m[1], Label: m[2]})
	}
	return choices
}
