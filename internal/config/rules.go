package config

import (
	"strings"

	"github.com/clinexa/aigateway/pkg/types"
)

// Matcher compiles the declarative criteria into a request predicate.
// All present criteria must hold. A MatchConfig with no criteria
// matches every request, which makes a rule an unconditional override.
func (m MatchConfig) Matcher() func(*types.Request) bool {
	promptTerms := lowerAll(m.PromptContains)
	systemTerms := lowerAll(m.SystemContains)
	minChars := m.MinPromptChars
	jsonMode := m.JSONMode

	return func(req *types.Request) bool {
		if minChars > 0 && len(req.Prompt) < minChars {
			return false
		}
		if jsonMode != nil && req.JSONMode != *jsonMode {
			return false
		}
		if len(promptTerms) > 0 && !containsAny(strings.ToLower(req.Prompt), promptTerms) {
			return false
		}
		if len(systemTerms) > 0 && !containsAny(strings.ToLower(req.System), systemTerms) {
			return false
		}
		return true
	}
}

func lowerAll(terms []string) []string {
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func containsAny(haystack string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(haystack, t) {
			return true
		}
	}
	return false
}
