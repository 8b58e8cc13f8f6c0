package engine

import (
	"errors"
	"fmt"
	"strings"
)

// Code identifies one engine failure kind. The graph executor maps codes to
// journey-level failure, retry, or fallback-branch behavior; the engine never
// decides compensation itself.
type Code string

const (
	// AI step failures.
	CodeTemplateNotFound   Code = "TEMPLATE_NOT_FOUND"
	CodeContextBuildFailed Code = "CONTEXT_BUILD_FAILED"
	CodeLLMCallFailed      Code = "LLM_CALL_FAILED"
	CodeOutputParseFailed  Code = "OUTPUT_PARSE_FAILED"

	// Decision failures.
	CodeNoValidOutcome           Code = "NO_VALID_OUTCOME"
	CodeConfidenceBelowThreshold Code = "CONFIDENCE_BELOW_THRESHOLD"

	// Autonomous step failures.
	CodeAutonomousDisabled Code = "AUTONOMOUS_DISABLED"
	CodeCapabilityNotFound Code = "CAPABILITY_NOT_FOUND"
	CodeExecutionTimeout   Code = "EXECUTION_TIMEOUT"
	CodeSafetyViolation    Code = "SAFETY_VIOLATION"
)

// StepError is the engine's unified error. Raw carries the model's unparsed
// content for OUTPUT_PARSE_FAILED diagnostics.
type StepError struct {
	Code   Code
	StepID string
	Detail string
	Raw    string
	Err    error
}

func (e *StepError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.StepID != "" {
		fmt.Fprintf(&b, " (step=%s)", e.StepID)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *StepError) Unwrap() error { return e.Err }

func stepErr(code Code, stepID, detail string, err error) *StepError {
	return &StepError{Code: code, StepID: stepID, Detail: detail, Err: err}
}

// CodeOf extracts the engine code from err, or "" when err is not a StepError.
func CodeOf(err error) Code {
	var se *StepError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsCode reports whether err carries the given engine code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
