package model

import "regexp"

// codingSignalRegexp matches free-form user messages that suggest a coding
// task, used by decideRoute's regex heuristic layer.
func codingSignalRegexp() *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b(function|bug|stack trace|compile|refactor|unit test|pull request|diff|regex|repo|repository|code review|implement|class |def |import )\b`)
}
