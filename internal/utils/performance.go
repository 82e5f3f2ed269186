// Package utils holds small cross-cutting helpers.
package utils

import (
	"time"

	"github.com/rs/zerolog"
)

// Timer measures the duration of one operation and logs it on Stop.
type Timer struct {
	start time.Time
	name  string
	log   zerolog.Logger
}

// NewTimer starts a timer for the named operation.
func NewTimer(name string, log zerolog.Logger) *Timer {
	return &Timer{start: time.Now(), name: name, log: log}
}

// Stop logs the elapsed time and returns it. Operations running past ten
// seconds are logged at warn level so slow jobs stand out.
func (t *Timer) Stop() time.Duration {
	duration := time.Since(t.start)

	event := t.log.Debug()
	if duration > 10*time.Second {
		event = t.log.Warn()
	}
	event.
		Str("operation", t.name).
		Dur("duration_ms", duration).
		Msg("Operation completed")

	return duration
}

// OperationTimer is the defer-friendly form:
//
//	defer utils.OperationTimer("template_fetch", log)()
func OperationTimer(name string, log zerolog.Logger) func() {
	timer := NewTimer(name, log)
	return func() { timer.Stop() }
}
