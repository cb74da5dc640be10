// Package logsink converts session events into the structured log
// contract consumed by the observability collaborator. All session
// logging funnels through Write(); a sink failure must never break the
// session that reported the event.
package logsink

import (
	"github.com/rs/zerolog"
)

const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Entry is one structured session event. A named struct instead of
// positional fields; most of these end up as zerolog keys verbatim.
type Entry struct {
	// Level is one of zerolog's level strings; empty means info.
	Level string
	// Event is a dot-namespaced verb, e.g. "session.connect", "auth.failed".
	Event string
	// Message is the human-readable line.
	Message string
	// Status is one of the Status* constants, when the event has an outcome.
	Status string
	// Context identifies the session: id, target, username, client IP.
	Context map[string]string
	// Data holds optional structured detail (byte counters, method, etc.).
	Data map[string]any
	// Reason carries the classified failure reason, when there is one.
	Reason string
	// Err is the underlying error, never surfaced to the client verbatim.
	Err error
}

// Sink writes entries through a zerolog logger. The zero value is not
// usable; construct with New.
type Sink struct {
	log zerolog.Logger
	// audit additionally records session lifecycle events at info even
	// when the global level is higher (options.autoLog).
	audit bool
}

// New returns a Sink writing through logger. When autoLog is set,
// session lifecycle events are always recorded.
func New(logger zerolog.Logger, autoLog bool) *Sink {
	return &Sink{log: logger, audit: autoLog}
}

// AutoLog reports whether the session audit trail is enabled.
func (s *Sink) AutoLog() bool { return s.audit }

// Write emits one entry. Unknown levels degrade to info.
func (s *Sink) Write(e Entry) {
	level, err := zerolog.ParseLevel(e.Level)
	if err != nil || e.Level == "" {
		level = zerolog.InfoLevel
	}

	ev := s.log.WithLevel(level).Str("event", e.Event)
	if e.Status != "" {
		ev = ev.Str("status", e.Status)
	}
	for k, v := range e.Context {
		ev = ev.Str(k, v)
	}
	if len(e.Data) > 0 {
		ev = ev.Interface("data", e.Data)
	}
	if e.Reason != "" {
		ev = ev.Str("reason", e.Reason)
	}
	if e.Err != nil {
		ev = ev.Err(e.Err)
	}
	ev.Msg(e.Message)
}
