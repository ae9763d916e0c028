package session_test

import (
	"context"
	"errors"
	"testing"

	"github.com/voceria/voceria/internal/session"
)

// newManagedSession builds a started session with a distinct ID for manager
// tests. The fixture's TTS provider records Close calls, which is how the
// tests observe that StopAll reached the session.
func newManagedSession(t *testing.T, id string) *fixture {
	t.Helper()
	f := newTestSession(t, func(cfg *session.Config) { cfg.ID = id })
	f.start(t)
	return f
}

// TestManagerTracksSessions verifies Add, Get, Len and Remove bookkeeping.
func TestManagerTracksSessions(t *testing.T) {
	t.Parallel()

	m := session.NewManager()
	fa := newManagedSession(t, "sess-a")
	fb := newManagedSession(t, "sess-b")

	m.Add(fa.sess)
	m.Add(fb.sess)
	if got := m.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}

	got, ok := m.Get("sess-a")
	if !ok || got.ID() != "sess-a" {
		t.Errorf("Get(sess-a) = %v, %v", got, ok)
	}

	m.Remove("sess-a")
	if _, ok := m.Get("sess-a"); ok {
		t.Error("Get(sess-a) found a removed session")
	}
	if got := m.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}

	// Removing an unknown ID is a no-op.
	m.Remove("sess-a")
	if got := m.Len(); got != 1 {
		t.Errorf("Len() after duplicate Remove = %d, want 1", got)
	}
}

// TestManagerStopAllStopsEverySession verifies that StopAll tears down every
// tracked session and empties the registry.
func TestManagerStopAllStopsEverySession(t *testing.T) {
	t.Parallel()

	m := session.NewManager()
	fa := newManagedSession(t, "sess-a")
	fb := newManagedSession(t, "sess-b")
	m.Add(fa.sess)
	m.Add(fb.sess)

	if err := m.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	if got := m.Len(); got != 0 {
		t.Errorf("Len() after StopAll = %d, want 0", got)
	}
	if got := fa.ttsP.CloseCallCount; got != 1 {
		t.Errorf("sess-a TTS Close calls = %d, want 1", got)
	}
	if got := fb.ttsP.CloseCallCount; got != 1 {
		t.Errorf("sess-b TTS Close calls = %d, want 1", got)
	}
}

// TestManagerStopAllJoinsErrors verifies that a session failing to stop does
// not mask the others and its error surfaces from StopAll.
func TestManagerStopAllJoinsErrors(t *testing.T) {
	t.Parallel()

	m := session.NewManager()
	closeErr := errors.New("tts refused to close")

	fa := newTestSession(t, func(cfg *session.Config) { cfg.ID = "sess-a" })
	fa.ttsP.CloseErr = closeErr
	fa.start(t)
	fb := newManagedSession(t, "sess-b")
	m.Add(fa.sess)
	m.Add(fb.sess)

	err := m.StopAll(context.Background())
	if !errors.Is(err, closeErr) {
		t.Fatalf("StopAll error = %v, want to wrap %v", err, closeErr)
	}
	if got := fb.ttsP.CloseCallCount; got != 1 {
		t.Errorf("healthy session was not stopped; Close calls = %d", got)
	}
}
