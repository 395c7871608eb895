package aigateway

import (
	"fmt"
	"strings"

	"github.com/clinexa/aigateway/pkg/types"
)

// SafetyChecker screens a request before it is dispatched to any
// provider. A non-nil error rejects the request without touching the
// network.
type SafetyChecker interface {
	Check(req *types.Request) error
}

// SafetyCheckerFunc adapts a plain function to the SafetyChecker
// interface.
type SafetyCheckerFunc func(req *types.Request) error

func (f SafetyCheckerFunc) Check(req *types.Request) error { return f(req) }

// blockedInstructionTerms are phrases that indicate a prompt is asking
// the model to act outside clinical-documentation boundaries. The
// screen is a coarse pre-dispatch gate, not a substitute for review of
// generated output.
var blockedInstructionTerms = []string{
	"ignore previous instructions",
	"disregard your instructions",
	"prescribe without",
	"fabricate diagnosis",
	"falsify the record",
	"alter the chart",
}

// KeywordSafetyChecker is the default pre-dispatch screen. It rejects
// prompts containing known instruction-override or record-falsification
// phrasing.
type KeywordSafetyChecker struct {
	terms []string
}

// NewKeywordSafetyChecker returns a checker over the default blocked
// terms plus any extras.
func NewKeywordSafetyChecker(extra ...string) *KeywordSafetyChecker {
	terms := make([]string, 0, len(blockedInstructionTerms)+len(extra))
	terms = append(terms, blockedInstructionTerms...)
	for _, t := range extra {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			terms = append(terms, t)
		}
	}
	return &KeywordSafetyChecker{terms: terms}
}

// Check rejects the request when the prompt or system text contains a
// blocked term.
func (c *KeywordSafetyChecker) Check(req *types.Request) error {
	haystack := strings.ToLower(req.System + "\n" + req.Prompt)
	for _, term := range c.terms {
		if strings.Contains(haystack, term) {
			return fmt.Errorf("request blocked by safety screen: contains %q", term)
		}
	}
	return nil
}
