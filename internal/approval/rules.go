// Package approval decides whether an autonomous tool invocation must stop
// and wait for a human before running.
package approval

import (
	"regexp"
	"strings"
)

var (
	ruleSeparator = regexp.MustCompile(`[,，\r\n]+`)
	whitespaceRun = regexp.MustCompile(`\s+`)
)

// commandBoundary is the set of characters that may surround a blacklisted phrase.
const commandBoundary = "[\\s;&|()'\"`{}\\[\\],]"

// ParseRules splits a raw blacklist into normalized rules.
// Rules are separated by commas (ASCII or full-width) and line breaks. Blank
// rules are dropped and duplicates keep their first position.
func ParseRules(raw string) []string {
	var rules []string
	seen := make(map[string]struct{})
	for _, part := range ruleSeparator.Split(raw, -1) {
		rule := normalizeWhitespace(part)
		if rule == "" {
			continue
		}
		if _, ok := seen[rule]; ok {
			continue
		}
		seen[rule] = struct{}{}
		rules = append(rules, rule)
	}
	return rules
}

// matchesRule reports whether rule occurs in command as a whole shell phrase.
func matchesRule(command, rule string) bool {
	rule = normalizeWhitespace(rule)
	if rule == "" {
		return false
	}
	pattern, err := regexp.Compile("(^|" + commandBoundary + ")" + regexp.QuoteMeta(rule) + "($|" + commandBoundary + ")")
	if err != nil {
		return false
	}
	return pattern.MatchString(command)
}

func normalizeWhitespace(s string) string {
	return whitespaceRun.ReplaceAllString(strings.TrimSpace(s), " ")
}
