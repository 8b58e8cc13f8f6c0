package server

import (
	"github.com/loupeai/journey/internal/journey/engine"
	"github.com/loupeai/journey/internal/journey/runtime"
)

// ExecuteStepRequest is the wire form of one step invocation from the graph
// executor.
type ExecuteStepRequest struct {
	Step    engine.StepConfig        `json:"step"`
	Context runtime.ExecutionContext `json:"context"`
	Data    runtime.ExecutionData    `json:"data"`
}

// ExecuteStepResponse wraps the step result; Error is set instead when the
// step failed with a classified engine code.
type ExecuteStepResponse struct {
	Result *runtime.StepResult `json:"result,omitempty"`
	Error  *StepErrorBody      `json:"error,omitempty"`
}

// StepErrorBody is the JSON rendering of an engine StepError.
type StepErrorBody struct {
	Code   string `json:"code"`
	StepID string `json:"step_id,omitempty"`
	Detail string `json:"detail,omitempty"`
	Raw    string `json:"raw,omitempty"`
}

type KillSwitchRequest struct {
	Engaged bool `json:"engaged"`
}

type KillSwitchResponse struct {
	Engaged bool `json:"engaged"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
