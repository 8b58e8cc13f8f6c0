package runtime

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// CheckpointStatus is the lifecycle state of a checkpoint. The engine only
// ever creates pending checkpoints; resolution happens externally.
type CheckpointStatus string

const (
	CheckpointPending  CheckpointStatus = "pending"
	CheckpointApproved CheckpointStatus = "approved"
	CheckpointRejected CheckpointStatus = "rejected"
)

// Checkpoint is an execution pause point requiring external approval before
// the journey may proceed past an autonomous step.
type Checkpoint struct {
	ID         string           `json:"id"`
	StepID     string           `json:"step_id"`
	Capability string           `json:"capability,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	Status     CheckpointStatus `json:"status"`
	CreatedAt  time.Time        `json:"created_at"`
}

func NewCheckpoint(stepID, capability, reason string) *Checkpoint {
	return &Checkpoint{
		ID:         ulid.Make().String(),
		StepID:     stepID,
		Capability: capability,
		Reason:     reason,
		Status:     CheckpointPending,
		CreatedAt:  time.Now().UTC(),
	}
}

// StepResult is the normalized result returned to the graph executor for one
// step invocation.
type StepResult struct {
	// Handled is false when the step is not an AI step and the engine
	// declines; the executor runs the step itself.
	Handled bool `json:"handled"`

	Output map[string]any `json:"output,omitempty"`

	// TransitionHint names the transition the executor should follow next
	// (decision steps). Advisory only; the executor owns routing.
	TransitionHint string `json:"transition_hint,omitempty"`

	// Checkpoint is non-nil when the step paused awaiting external approval.
	// Paused mirrors its presence for callers that only need the flag.
	Checkpoint *Checkpoint `json:"checkpoint,omitempty"`
	Paused     bool        `json:"paused,omitempty"`

	Events []Event `json:"events,omitempty"`
}

// AppendEvent records an event on the result and returns it so call sites can
// both keep the audit trail and forward to a live sink.
func (r *StepResult) AppendEvent(ev Event) Event {
	r.Events = append(r.Events, ev)
	return ev
}
