// Package telemetry records failure events for post-mortem analysis,
// independent of the structured logger. Events are fingerprinted so
// recurring failures can be grouped and counted, sanitized so no
// credentials or patient identifiers are ever stored, and capped so the
// store cannot grow without bound.
package telemetry

import "time"

// Level classifies event severity.
type Level string

// Severity levels.
const (
	LevelError   Level = "error"
	LevelWarning Level = "warning"
	LevelInfo    Level = "info"
)

// Category classifies the failure source.
type Category string

// Event categories.
const (
	CategoryUnhandledError     Category = "unhandled_error"
	CategoryUnhandledRejection Category = "unhandled_rejection"
	CategoryRenderError        Category = "render_error"
	CategoryAPIError           Category = "api_error"
	CategoryAIError            Category = "ai_error"
	CategorySyncError          Category = "sync_error"
	CategoryValidationError    Category = "validation_error"
	CategoryNetworkError       Category = "network_error"
	CategoryCustom             Category = "custom"
)

// knownCategories guards against arbitrary category strings leaking in
// from callers that pass raw strings.
var knownCategories = map[Category]struct{}{
	CategoryUnhandledError:     {},
	CategoryUnhandledRejection: {},
	CategoryRenderError:        {},
	CategoryAPIError:           {},
	CategoryAIError:            {},
	CategorySyncError:          {},
	CategoryValidationError:    {},
	CategoryNetworkError:       {},
	CategoryCustom:             {},
}

// NormalizeCategory maps unknown category strings to CategoryCustom.
func NormalizeCategory(c Category) Category {
	if _, ok := knownCategories[c]; ok {
		return c
	}
	return CategoryCustom
}

// levelFor maps a category to its default severity.
func levelFor(c Category) Level {
	switch c {
	case CategoryValidationError:
		return LevelWarning
	case CategoryCustom:
		return LevelInfo
	default:
		return LevelError
	}
}

// Event is one recorded failure. Context has already been sanitized and
// Message/Stack length-capped by the time an Event is stored.
type Event struct {
	ID          string         `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	Level       Level          `json:"level"`
	Category    Category       `json:"category"`
	Message     string         `json:"message"`
	Stack       string         `json:"stack,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	SessionID   string         `json:"session_id"`
	Path        string         `json:"path,omitempty"`
	UserAgent   string         `json:"user_agent,omitempty"`
	Fingerprint string         `json:"fingerprint"`
}

// Frequency is one row of the error-frequency table, keyed by
// fingerprint.
type Frequency struct {
	Fingerprint string    `json:"fingerprint"`
	Message     string    `json:"message"`
	Count       int64     `json:"count"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

// Filter narrows RecentEvents results. Zero values match everything.
type Filter struct {
	Category Category
	Level    Level
}

func (f Filter) matches(e *Event) bool {
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	if f.Level != "" && e.Level != f.Level {
		return false
	}
	return true
}
