package telemetry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstallCaptureIdempotent(t *testing.T) {
	t.Cleanup(TeardownCapture)

	first, _ := newTestRecorder(t)
	second, _ := newTestRecorder(t)

	a := InstallCapture(first)
	b := InstallCapture(second)

	assert.Same(t, a, b, "second install returns the existing handle")
	assert.Same(t, a, Installed())
}

func TestTeardownCapture(t *testing.T) {
	r, _ := newTestRecorder(t)
	InstallCapture(r)
	TeardownCapture()
	assert.Nil(t, Installed())
}

func TestRecoverFunnelsPanic(t *testing.T) {
	t.Cleanup(TeardownCapture)
	r, store := newTestRecorder(t)
	capture := InstallCapture(r)

	func() {
		defer capture.Recover("note sync")
		panic("unexpected state")
	}()

	events, err := store.Recent(t.Context(), 0, Filter{})
	require.NoError(t, err)
	require.Len(t, events, 1)

	e := events[0]
	assert.Equal(t, CategoryUnhandledError, e.Category)
	assert.Contains(t, e.Message, "note sync")
	assert.Contains(t, e.Message, "unexpected state")
	assert.NotEmpty(t, e.Stack)
}

func TestGoPanicBecomesUnhandledError(t *testing.T) {
	t.Cleanup(TeardownCapture)
	r, store := newTestRecorder(t)
	capture := InstallCapture(r)

	capture.Go("background job", func() error {
		panic("boom")
	})

	waitForEvents(t, store, 1)
	events, err := store.Recent(t.Context(), 0, Filter{})
	require.NoError(t, err)
	assert.Equal(t, CategoryUnhandledError, events[0].Category)
}

func TestGoErrorBecomesUnhandledRejection(t *testing.T) {
	t.Cleanup(TeardownCapture)
	r, store := newTestRecorder(t)
	capture := InstallCapture(r)

	capture.Go("background job", func() error {
		return errors.New("async failure")
	})

	waitForEvents(t, store, 1)
	events, err := store.Recent(t.Context(), 0, Filter{})
	require.NoError(t, err)
	assert.Equal(t, CategoryUnhandledRejection, events[0].Category)
	assert.Equal(t, "async failure", events[0].Message)
}

func TestGoCleanRunRecordsNothing(t *testing.T) {
	t.Cleanup(TeardownCapture)
	r, store := newTestRecorder(t)
	capture := InstallCapture(r)

	done := make(chan struct{})
	capture.Go("background job", func() error {
		close(done)
		return nil
	})
	<-done

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, store.Len())
}

func waitForEvents(t *testing.T, store *MemoryStore, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for store.Len() < n {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d events", n)
		case <-time.After(5 * time.Millisecond):
		}
	}
}
