// Package safego provides a panic-recovering goroutine launcher for background work.
package safego

import (
	"log/slog"
	"runtime/debug"
)

// Go launches fn in a new goroutine labelled task. A panic inside fn is recovered and
// logged with its stack instead of crashing the process. Use it for fire-and-forget
// work such as audit shipping and retention sweeps.
func Go(task string, fn func()) {
	go Run(task, fn)
}

// Run calls fn on the current goroutine with the same recovery as Go. It reports
// whether fn returned normally.
func Run(task string, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("recovered panic in background task",
				"task", task,
				"panic", r,
				"stack", string(debug.Stack()))
			ok = false
		}
	}()
	fn()
	return true
}
