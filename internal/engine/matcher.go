package engine

import (
	"strings"

	"chatwatch/internal/config"
	"chatwatch/internal/domain"
)

// Match is one rule applicable to one message.
// Params: matched rule and hit contribution.
// Returns: evaluation result for counter update.
type Match struct {
	Rule config.RuleConfig
	Hits int
}

// Hits computes rule contribution for one message body.
// Contains rules count non-overlapping case-insensitive occurrences.
// Absent rules yield 1 when the marker is missing from non-empty text.
// Params: rule predicate and message text.
// Returns: hit count, 0 when rule does not apply.
func Hits(rule config.RuleConfig, text string) int {
	if text == "" || rule.Keyword == "" {
		return 0
	}
	body := strings.ToLower(text)
	keyword := strings.ToLower(rule.Keyword)
	switch rule.Match {
	case config.MatchAbsent:
		if strings.Contains(body, keyword) {
			return 0
		}
		return 1
	default:
		return strings.Count(body, keyword)
	}
}

// Evaluate returns ordered matches of one message over rule set.
// Params: rules in evaluation order and incoming message.
// Returns: rules with source channel equality and positive hit count.
func Evaluate(rules []config.RuleConfig, message domain.Message) []Match {
	if message.Malformed() {
		return nil
	}
	var matches []Match
	for _, rule := range rules {
		if rule.SourceChannel != message.Channel {
			continue
		}
		hits := Hits(rule, message.Text)
		if hits <= 0 {
			continue
		}
		matches = append(matches, Match{Rule: rule, Hits: hits})
	}
	return matches
}
