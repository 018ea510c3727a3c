/*
Package notify dispatches fire-and-forget notifications.

PURPOSE:
  Workflows announce events AFTER their atomic unit commits. Dispatch is
  best-effort: no return value is awaited for correctness, and a failed
  notification never rolls back a ledger or inventory change. Holding a
  lock across a dispatch call is therefore never necessary.
*/
package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// Event is a committed fact worth announcing.
type Event struct {
	Type      string
	AccountID string
	RelatedID string
	Message   string
}

// Dispatcher delivers events. Implementations must be safe to call from
// request handlers and must not block on delivery.
type Dispatcher interface {
	Dispatch(ctx context.Context, e Event)
}

// LogDispatcher writes events to the structured log. The default
// implementation; a push-notification backend satisfies the same
// interface.
type LogDispatcher struct {
	Log zerolog.Logger
}

func NewLogDispatcher(log zerolog.Logger) *LogDispatcher {
	return &LogDispatcher{Log: log}
}

func (d *LogDispatcher) Dispatch(_ context.Context, e Event) {
	d.Log.Info().
		Str("event", e.Type).
		Str("account_id", e.AccountID).
		Str("related_id", e.RelatedID).
		Msg(e.Message)
}

// Discard drops every event. Used by tests.
type Discard struct{}

func (Discard) Dispatch(context.Context, Event) {}
