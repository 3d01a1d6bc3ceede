package orchestrator

import (
	"time"

	"chaosq/internal/session"
)

type EventKind string

const (
	EventPhaseStarted  EventKind = "phase_started"
	EventProgress      EventKind = "progress"
	EventCheckpoint    EventKind = "checkpoint"
	EventPhaseFinished EventKind = "phase_finished"
	EventSessionDone   EventKind = "session_done"
)

// Event is a progress notification for the CLI or TUI. Events are dropped
// when the consumer falls behind.
type Event struct {
	Kind  EventKind
	Phase session.Kind
	At    time.Time

	Attempted int
	Target    int
	Succeeded int
	Failed    int
	PoolSize  int
	// Rate is the windowed rate for checkpoints, the overall rate otherwise.
	Rate float64

	Status session.Status
	Reason string
	Result session.Result
}

func (o *Orchestrator) emit(e Event) {
	if o.deps.Events == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	// Non-blocking send
	select {
	case o.deps.Events <- e:
	default:
	}
}
