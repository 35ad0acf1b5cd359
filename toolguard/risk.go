// Package toolguard implements the pre-execution gate: a
// per-(scope,tool) rate limit, policy evaluation, risk-tier classification
// of the command text, and an approval gate, with short-circuit on first
// block.
package toolguard

import (
	"github.com/coreplane/agentcore/event"

	"github.com/dlclark/regexp2"
)

// criticalPatterns classify a shell command as critical risk; the last one
// matches curl or wget output piped into a shell. All risk patterns are
// compiled with regexp2 and use only RE2-compatible syntax.
var criticalPatterns = compileAll([]string{
	`mkfs\.`,
	`dd\s+if=`,
	`(?:curl|wget)\b[^\n]*\|\s*(?:sh|bash|zsh)\b`,
})

// highRiskPatterns classify a shell command as high risk.
var highRiskPatterns = compileAll([]string{
	`rm\s+-rf\b`,
	`Invoke-Expression\b`,
	`chmod\s+777\b`,
	`(?i)powershell(?:\.exe)?\s+-enc\w*`,
	`\|\s*(?:sh|bash|zsh)\b`,
})

func compileAll(patterns []string) []*regexp2.Regexp {
	out := make([]*regexp2.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp2.MustCompile(p, regexp2.None))
	}
	return out
}

func matchesAny(patterns []*regexp2.Regexp, text string) bool {
	for _, p := range patterns {
		if ok, _ := p.MatchString(text); ok {
			return true
		}
	}
	return false
}

// ClassifyRisk assigns a risk tier to a tool call from its name and command text.
func ClassifyRisk(highRiskTools map[string]bool, toolName, commandText string) event.RiskTier {
	if highRiskTools[toolName] {
		return event.RiskHigh
	}

	switch toolName {
	case "exec", "bash":
		switch {
		case matchesAny(criticalPatterns, commandText):
			return event.RiskCritical
		case matchesAny(highRiskPatterns, commandText):
			return event.RiskHigh
		default:
			return event.RiskHigh
		}
	case "apply_patch", "edit", "write":
		return event.RiskMedium
	case "web_fetch", "web_search":
		return event.RiskMedium
	default:
		return event.RiskLow
	}
}
