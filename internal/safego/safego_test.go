package safego

import (
	"testing"
	"time"
)

func TestGo_RunsFunction(t *testing.T) {
	done := make(chan struct{})
	Go("test", func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("goroutine did not complete within timeout")
	}
}

func TestGo_RecoversPanic(t *testing.T) {
	done := make(chan struct{})
	Go("panicky", func() {
		defer close(done)
		panic("intentional panic in test")
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("goroutine did not complete within timeout after panic")
	}
}

func TestRun_ReportsOutcome(t *testing.T) {
	if !Run("fine", func() {}) {
		t.Error("Run() = false for a normal return")
	}
	if Run("boom", func() { panic("boom") }) {
		t.Error("Run() = true for a panicking function")
	}
}
