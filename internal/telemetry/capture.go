package telemetry

import (
	"fmt"
	"runtime/debug"
	"sync"
)

// Capture funnels uncaught panics and stray asynchronous errors into
// the telemetry recorder. It is the process-wide safety net for the
// truly unexpected: expected failure modes are returned as values and
// never reach it.
type Capture struct {
	recorder *Recorder
}

var (
	captureMu        sync.Mutex
	installedCapture *Capture
)

// InstallCapture installs process-wide capture hooks exactly once and
// returns the handle. Subsequent calls return the existing handle
// regardless of the recorder argument, so double-installation cannot
// split events across recorders.
func InstallCapture(r *Recorder) *Capture {
	captureMu.Lock()
	defer captureMu.Unlock()

	if installedCapture != nil {
		return installedCapture
	}
	installedCapture = &Capture{recorder: r}
	return installedCapture
}

// TeardownCapture removes the installed hooks so tests can install a
// fresh recorder deterministically.
func TeardownCapture() {
	captureMu.Lock()
	defer captureMu.Unlock()
	installedCapture = nil
}

// Installed returns the current capture handle, or nil when none is
// installed.
func Installed() *Capture {
	captureMu.Lock()
	defer captureMu.Unlock()
	return installedCapture
}

// Recover is meant to be deferred at the top of a goroutine. It turns
// a panic into an unhandled_error event and stops the unwind.
//
//	defer capture.Recover("sync worker")
func (c *Capture) Recover(origin string) {
	rec := recover()
	if rec == nil {
		return
	}
	c.recorder.Record(CategoryUnhandledError, fmt.Errorf("panic in %s: %v", origin, rec), map[string]any{
		"origin": origin,
		"stack":  string(debug.Stack()),
	})
}

// Go runs fn on a new goroutine. A panic becomes an unhandled_error
// event; a returned error becomes an unhandled_rejection event. Either
// way the process keeps running.
func (c *Capture) Go(origin string, fn func() error) {
	go func() {
		defer c.Recover(origin)
		if err := fn(); err != nil {
			c.recorder.Record(CategoryUnhandledRejection, err, map[string]any{
				"origin": origin,
			})
		}
	}()
}
