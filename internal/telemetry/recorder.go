package telemetry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clinexa/aigateway/internal/metrics"
)

// Recorder builds, deduplicates, and persists telemetry events. All
// methods are safe for concurrent use and never return an error to the
// caller: telemetry can never break the operation being recorded.
type Recorder struct {
	store     EventStore
	logger    *slog.Logger
	sessionID string

	mu    sync.RWMutex
	freqs map[string]*Frequency

	now func() time.Time // test hook
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger sets the logger sink that receives a leveled line per
// recorded event.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) { r.logger = logger }
}

// WithStore sets the event store (default: capped MemoryStore).
func WithStore(store EventStore) Option {
	return func(r *Recorder) { r.store = store }
}

// NewRecorder creates a Recorder with a fresh session id.
func NewRecorder(opts ...Option) *Recorder {
	r := &Recorder{
		sessionID: uuid.NewString(),
		freqs:     make(map[string]*Frequency),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.store == nil {
		r.store = NewMemoryStore(DefaultMaxEvents)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// SessionID returns the recorder's session identifier.
func (r *Recorder) SessionID() string { return r.sessionID }

// Record builds an event from err and context, updates the frequency
// table, persists the event, and forwards a leveled message to the
// logger. Persistence failures are swallowed.
func (r *Recorder) Record(category Category, err error, ctxMap map[string]any) {
	defer func() {
		// Telemetry must never take the caller down with it.
		if rec := recover(); rec != nil {
			r.logger.Error("telemetry recorder panicked", "panic", rec)
		}
	}()

	category = NormalizeCategory(category)
	level := levelFor(category)

	message := "unknown error"
	if err != nil {
		message = err.Error()
	}
	message = truncate(message, maxMessageLen)

	// "stack", "path" and "user_agent" are promoted out of the context
	// map into dedicated event fields; the caller's map is not mutated.
	var stack, path, userAgent string
	rest := make(map[string]any, len(ctxMap))
	for k, v := range ctxMap {
		switch k {
		case "stack":
			stack, _ = v.(string)
		case "path":
			path, _ = v.(string)
		case "user_agent":
			userAgent, _ = v.(string)
		default:
			rest[k] = v
		}
	}
	stack = truncate(stack, maxStackLen)

	e := &Event{
		ID:          uuid.NewString(),
		Timestamp:   r.now().UTC(),
		Level:       level,
		Category:    category,
		Message:     message,
		Stack:       stack,
		Context:     sanitizeContext(rest),
		SessionID:   r.sessionID,
		Path:        path,
		UserAgent:   userAgent,
		Fingerprint: Fingerprint(message, stack),
	}

	r.updateFrequency(e)

	if appendErr := r.store.Append(context.Background(), e); appendErr != nil {
		r.logger.Debug("telemetry store append failed", "error", appendErr)
	}

	metrics.TelemetryEvents.WithLabelValues(string(category), string(level)).Inc()
	r.log(e)
}

// RecordString is a convenience for call sites that carry only a
// message.
func (r *Recorder) RecordString(category Category, message string, ctxMap map[string]any) {
	r.Record(category, stringError(message), ctxMap)
}

// ErrorFrequencies returns the frequency table sorted by count
// descending.
func (r *Recorder) ErrorFrequencies() []Frequency {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Frequency, 0, len(r.freqs))
	for _, f := range r.freqs {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}

// RecentEvents returns the most recent n events, newest first,
// optionally filtered by category and level.
func (r *Recorder) RecentEvents(n int, filter Filter) []*Event {
	events, err := r.store.Recent(context.Background(), n, filter)
	if err != nil {
		r.logger.Debug("telemetry store read failed", "error", err)
		return nil
	}
	return events
}

// Report is the serializable snapshot produced by ExportReport.
type Report struct {
	GeneratedAt  time.Time `json:"generated_at"`
	SessionID    string    `json:"session_id"`
	Summary      Summary   `json:"summary"`
	RecentErrors []*Event  `json:"recent_errors"`
}

// Summary aggregates the frequency table.
type Summary struct {
	TotalErrors        int64       `json:"total_errors"`
	UniqueFingerprints int         `json:"unique_fingerprints"`
	TopRecurring       []Frequency `json:"top_recurring"`
}

const (
	reportTopN          = 10
	reportRecentErrors  = 50
	reportStackCapBytes = 500
)

// ExportReport produces a self-contained snapshot for manual download:
// totals, the top recurring failures, and a bounded set of recent
// error-level events with stacks capped.
func (r *Recorder) ExportReport() *Report {
	freqs := r.ErrorFrequencies()

	var total int64
	for _, f := range freqs {
		total += f.Count
	}

	top := freqs
	if len(top) > reportTopN {
		top = top[:reportTopN]
	}

	recent := r.RecentEvents(reportRecentErrors, Filter{Level: LevelError})
	for _, e := range recent {
		e.Stack = truncate(e.Stack, reportStackCapBytes)
	}

	return &Report{
		GeneratedAt: r.now().UTC(),
		SessionID:   r.sessionID,
		Summary: Summary{
			TotalErrors:        total,
			UniqueFingerprints: len(freqs),
			TopRecurring:       top,
		},
		RecentErrors: recent,
	}
}

// Clear wipes both the frequency table and the persisted event store.
func (r *Recorder) Clear() {
	r.mu.Lock()
	r.freqs = make(map[string]*Frequency)
	r.mu.Unlock()

	if err := r.store.Clear(context.Background()); err != nil {
		r.logger.Debug("telemetry store clear failed", "error", err)
	}
}

func (r *Recorder) updateFrequency(e *Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if f, ok := r.freqs[e.Fingerprint]; ok {
		f.Count++
		f.LastSeen = e.Timestamp
		return
	}
	r.freqs[e.Fingerprint] = &Frequency{
		Fingerprint: e.Fingerprint,
		Message:     truncate(e.Message, 120),
		Count:       1,
		FirstSeen:   e.Timestamp,
		LastSeen:    e.Timestamp,
	}
}

func (r *Recorder) log(e *Event) {
	args := []any{
		"category", string(e.Category),
		"fingerprint", e.Fingerprint,
		"event_id", e.ID,
	}
	switch e.Level {
	case LevelError:
		r.logger.Error(e.Message, args...)
	case LevelWarning:
		r.logger.Warn(e.Message, args...)
	default:
		r.logger.Info(e.Message, args...)
	}
}

type stringError string

func (s stringError) Error() string { return string(s) }
