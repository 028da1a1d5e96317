// Package safego starts the server's long-lived background goroutines: audit
// shipper batch loops, the archive scheduler and the metrics listener. A
// panic in one of them is logged with its task name and stack and does not
// take down the process serving the audit API.
package safego

import (
	"log/slog"
	"runtime/debug"
)

// Go runs fn in a new goroutine named task. A panic in fn is recovered and
// logged; the goroutine then exits.
func Go(task string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("recovered panic in background task",
					"task", task, "panic", r, "stack", string(debug.Stack()))
			}
		}()
		fn()
	}()
}
