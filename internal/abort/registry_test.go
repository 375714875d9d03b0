package abort

import (
	"context"
	"testing"
)

func TestAbortBeforeRegister(t *testing.T) {
	r := NewRegistry()

	// User aborts a session the backend has never seen.
	r.Abort("s1")
	if !r.IsAborted("s1") {
		t.Fatal("abort on empty registry must create an aborted entry")
	}

	// The turn arrives late and registers its cancel; it fires immediately.
	ctx, cancel := context.WithCancel(context.Background())
	r.SetCancel("s1", cancel)
	select {
	case <-ctx.Done():
	default:
		t.Error("cancel registered after abort was not invoked")
	}
}

func TestResetClearsAborted(t *testing.T) {
	r := NewRegistry()
	r.Abort("s1")
	r.Reset("s1")
	if r.IsAborted("s1") {
		t.Error("reset did not clear the aborted flag")
	}
}

func TestAbortSignalsRegisteredCancel(t *testing.T) {
	r := NewRegistry()
	r.Reset("s1")
	ctx, cancel := context.WithCancel(context.Background())
	r.SetCancel("s1", cancel)

	r.Abort("s1")
	select {
	case <-ctx.Done():
	default:
		t.Error("registered cancel not signalled")
	}
	if !r.IsAborted("s1") {
		t.Error("aborted flag not set")
	}
}

func TestClearRemovesEntry(t *testing.T) {
	r := NewRegistry()
	r.Abort("s1")
	r.Clear("s1")
	if r.IsAborted("s1") {
		t.Error("cleared session still reads aborted")
	}
}

func TestSessionsIndependent(t *testing.T) {
	r := NewRegistry()
	r.Reset("s1")
	r.Reset("s2")
	r.Abort("s1")
	if r.IsAborted("s2") {
		t.Error("abort leaked across sessions")
	}
}
