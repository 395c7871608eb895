package telemetry

import (
	"fmt"
	"strings"
)

// RedactionMarker replaces any value whose key matches the sensitive
// denylist.
const RedactionMarker = "[REDACTED]"

// Length caps applied before storage.
const (
	maxMessageLen  = 500
	maxStackLen    = 2000
	maxContextLen  = 256
	maxContextKeys = 32
)

// sensitiveKeyTerms is the denylist of key substrings whose values are
// never stored: credentials plus clinical identifiers. Matching is
// case-insensitive substring, so "patientName", "PATIENT_NAME" and
// "x-auth-token" are all caught.
var sensitiveKeyTerms = []string{
	"password",
	"token",
	"secret",
	"key",
	"authorization",
	"auth",
	"cookie",
	"credential",
	"patient",
	"mrn",
	"dob",
	"birth",
	"ssn",
	"insurance",
}

// sanitizeContext returns a copy of ctx safe to persist: sensitive keys
// redacted, long strings truncated, nested values flattened to strings,
// and the key count bounded.
func sanitizeContext(ctx map[string]any) map[string]any {
	if len(ctx) == 0 {
		return nil
	}

	out := make(map[string]any, len(ctx))
	n := 0
	for k, v := range ctx {
		if n >= maxContextKeys {
			break
		}
		n++

		if isSensitiveKey(k) {
			out[k] = RedactionMarker
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, term := range sensitiveKeyTerms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case string:
		return truncate(val, maxContextLen)
	case map[string]any:
		return sanitizeContext(val)
	case nil, bool, int, int32, int64, float32, float64:
		return val
	default:
		return truncate(fmt.Sprintf("%v", val), maxContextLen)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
