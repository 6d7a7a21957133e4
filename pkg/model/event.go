package model

type EventKind string

const (
	EventText     EventKind = "text"
	EventAffinity EventKind = "affinity"
	EventError    EventKind = "error"
	EventDone     EventKind = "done"
)

// Event is one discrete element of a streamed turn. A stream carries any
// number of text events, at most one affinity event, and ends with exactly one
// done or error event.
type Event struct {
	Kind     EventKind       `json:"type"`
	Text     string          `json:"text,omitempty"`
	Affinity *AffinityChange `json:"affinity,omitempty"`
	Err      error           `json:"-"`
}

// Terminal reports whether no event follows this one
func (e Event) Terminal() bool {
	return e.Kind == EventDone || e.Kind == EventError
}

// Phase is the state of one turn in the orchestrator.
type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhaseContextGathering Phase = "context_gathering"
	PhaseGenerating       Phase = "generating"
	PhaseFinalizing       Phase = "finalizing"
	PhaseDone             Phase = "done"
	PhaseFailed           Phase = "failed"
)
