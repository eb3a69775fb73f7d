// Package notify provides the notification event subsystem.
//
// The core emits events on a Notifier whenever the request lifecycle moves;
// the daemon bridges these events onto subscriber queues, and pluggable
// adapters (desktop, webhook, mail) can fan them out further.  Adapters are
// external collaborators; the core ships the interface, a no-op, and a slog
// sink.
//
// Supported event kinds:
//   - KindRequestPending, KindRequestApproved, KindRequestRejected
//   - KindRequestCancelled, KindRequestTimeout, KindRequestEscalated
//   - KindRequestExecuting, KindRequestExecuted, KindRequestFailed
//   - KindSessionStarted, KindSessionEnded
//   - KindEmergencyExecute
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/bdobrica/slb/common/trace"
)

// Kind is a machine-readable event category.
type Kind string

const (
	KindRequestPending   Kind = "request_pending"
	KindRequestApproved  Kind = "request_approved"
	KindRequestRejected  Kind = "request_rejected"
	KindRequestCancelled Kind = "request_cancelled"
	KindRequestTimeout   Kind = "request_timeout"
	KindRequestEscalated Kind = "request_escalated"
	KindRequestExecuting Kind = "request_executing"
	KindRequestExecuted  Kind = "request_executed"
	KindRequestFailed    Kind = "request_failed"
	KindSessionStarted   Kind = "session_started"
	KindSessionEnded     Kind = "session_ended"
	KindEmergencyExecute Kind = "emergency_execute"
)

// Event carries the data published to subscribers.
type Event struct {
	Kind Kind `json:"event"`
	// RequestID names the affected request, when there is one.
	RequestID string `json:"request_id,omitempty"`
	// Tier is the request's risk tier.
	Tier string `json:"tier,omitempty"`
	// Project is the project path the event belongs to.
	Project string `json:"project,omitempty"`
	// Message is a short human-friendly description.
	Message string `json:"message,omitempty"`
	// TraceID ties the event back to the originating operation.  When
	// empty the value is taken from the context.
	TraceID string `json:"trace_id,omitempty"`
	// Timestamp defaults to time.Now() when zero.
	Timestamp time.Time `json:"timestamp"`
}

// Notifier publishes lifecycle events.
type Notifier interface {
	// Notify publishes an event.  Implementations MUST NOT block the caller
	// for longer than a short timeout; delivery failures should be logged,
	// not propagated.
	Notify(ctx context.Context, evt Event)
}

// Noop is a no-op Notifier used when no daemon is attached.
type Noop struct{}

// Notify does nothing.
func (Noop) Notify(_ context.Context, _ Event) {}

// Slog logs every event at INFO, the default sink for the daemon log.
type Slog struct{}

// Notify logs the event.
func (Slog) Notify(ctx context.Context, evt Event) {
	tid := evt.TraceID
	if tid == "" {
		tid = trace.FromContext(ctx)
	}
	slog.Info("event",
		"kind", evt.Kind, "request", evt.RequestID,
		"tier", evt.Tier, "project", evt.Project, "trace", tid)
}

// Multi fans one event out to several notifiers in order.
type Multi []Notifier

// Notify delivers evt to every member.
func (m Multi) Notify(ctx context.Context, evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if evt.TraceID == "" {
		evt.TraceID = trace.FromContext(ctx)
	}
	for _, n := range m {
		n.Notify(ctx, evt)
	}
}
