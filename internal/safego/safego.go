// Package safego starts background goroutines that survive their own panics.
package safego

import (
	"log/slog"
	"runtime/debug"

	"github.com/group-allocator/group-registry/internal/telemetry"
)

// Go runs fn in a new goroutine. A panic in fn is recovered, logged with its
// stack under task, and counted in background_panics_total.
func Go(task string, fn func()) {
	go Run(task, fn)
}

// Run calls fn on the current goroutine with the same panic handling as Go.
// It reports whether fn returned normally.
func Run(task string, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.BackgroundPanicsTotal.WithLabelValues(task).Inc()
			slog.Error("recovered panic in background task",
				"task", task,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			ok = false
		}
	}()
	fn()
	return true
}
