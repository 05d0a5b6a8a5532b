package engine

import (
	"fmt"
	"strings"

	"chatwatch/internal/config"
)

const (
	// GlobalBudgetKey is the shared rate budget key for all rules.
	GlobalBudgetKey = "budget/global"
)

// CounterKey builds deterministic window counter key for one rule.
// Params: rule with source channel and name.
// Returns: key in `counter/<channel>/<rule>` namespace.
func CounterKey(rule config.RuleConfig) string {
	channel := sanitize(rule.SourceChannel)
	name := sanitize(rule.Name)
	var builder strings.Builder
	builder.Grow(len("counter/") + len(channel) + len(name) + 1)
	builder.WriteString("counter/")
	builder.WriteString(channel)
	builder.WriteByte('/')
	builder.WriteString(name)
	return builder.String()
}

// RuleBudgetKey builds per-rule rate budget key.
// Params: rule name.
// Returns: key in `budget/rule/<rule>` namespace.
func RuleBudgetKey(ruleName string) string {
	return "budget/rule/" + sanitize(ruleName)
}

// CheckKeyCollisions rejects rules whose sanitized keys collide.
// Params: ordered rule list.
// Returns: error naming the first colliding pair.
func CheckKeyCollisions(rules []config.RuleConfig) error {
	counters := make(map[string]string, len(rules))
	budgets := make(map[string]string, len(rules))
	for _, rule := range rules {
		counterKey := CounterKey(rule)
		if other, exists := counters[counterKey]; exists {
			return fmt.Errorf("rules %q and %q map to the same counter key %q", other, rule.Name, counterKey)
		}
		counters[counterKey] = rule.Name
		budgetKey := RuleBudgetKey(rule.Name)
		if other, exists := budgets[budgetKey]; exists {
			return fmt.Errorf("rules %q and %q map to the same budget key %q", other, rule.Name, budgetKey)
		}
		budgets[budgetKey] = rule.Name
	}
	return nil
}

// sanitize converts key path fragments into stable bucket-safe tokens.
// Params: raw value with possible separators.
// Returns: sanitized string with unsupported chars replaced by underscore.
func sanitize(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "_"
	}

	var b strings.Builder
	b.Grow(len(trimmed))
	for _, r := range trimmed {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + 32)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
