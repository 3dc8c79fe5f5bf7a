package engine

import (
	"time"

	"github.com/Kocoro-lab/orchestra/internal/streaming"
)

// StepState is a position in the per-step state machine:
// Pending -> Running -> {Completed | Failed}, Failed -> Running on retry,
// and Pending -> Skipped or Pending -> Failed when a step is never attempted.
type StepState string

const (
	StatePending   StepState = "pending"
	StateRunning   StepState = "running"
	StateCompleted StepState = "completed"
	StateFailed    StepState = "failed"
	StateSkipped   StepState = "skipped"
)

// Transition is one state change of one step.
type Transition struct {
	WorkflowID string
	StepID     string
	From       StepState
	To         StepState
	Attempt    int
	At         time.Time
}

// Observer receives every step transition. It is called from step goroutines
// and must be safe for concurrent use.
type Observer interface {
	OnTransition(t Transition)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Transition)

// OnTransition calls f.
func (f ObserverFunc) OnTransition(t Transition) { f(t) }

// EventSink receives lifecycle events. *streaming.Manager satisfies it.
type EventSink interface {
	Publish(workflowID string, evt streaming.Event)
}

// Sinks fans each event out to every sink in order.
type Sinks []EventSink

// Publish forwards evt to every non-nil sink.
func (s Sinks) Publish(workflowID string, evt streaming.Event) {
	for _, sink := range s {
		if sink != nil {
			sink.Publish(workflowID, evt)
		}
	}
}
