// Package runtime holds the data shapes shared between the journey engine and
// its external caller: execution context/data passed in per step, step results
// returned out, and the event/checkpoint types emitted along the way.
//
// The graph executor owns all per-run state. Everything in this package is
// read-only from the engine's perspective; the engine never mutates execution
// data in place.
package runtime

import "strings"

// ExecutionContext identifies where in a journey run a step invocation sits.
// Supplied by the graph executor on every call.
type ExecutionContext struct {
	TenantID   string `json:"tenant_id"`
	JourneyID  string `json:"journey_id"`
	RunID      string `json:"run_id"`
	StepID     string `json:"step_id"`
	EntityID   string `json:"entity_id,omitempty"`
	EntityType string `json:"entity_type,omitempty"`
}

// ExecutionData is the per-run payload context sources read from.
type ExecutionData struct {
	// Input is the initial journey payload.
	Input map[string]any `json:"input,omitempty"`
	// StepOutputs maps prior step id -> that step's output object.
	StepOutputs map[string]any `json:"step_outputs,omitempty"`
	// Variables is free-form key/value state set by the executor.
	Variables map[string]any `json:"variables,omitempty"`
}

// Lookup walks a dot-path ("input.companyId", "stepOutputs.step0.score",
// "variables.region") into the execution data. A missing or non-traversable
// intermediate yields (nil, false), never an error.
func (d ExecutionData) Lookup(path string) (any, bool) {
	parts := strings.Split(strings.TrimSpace(path), ".")
	if len(parts) == 0 || parts[0] == "" {
		return nil, false
	}
	var root any
	switch parts[0] {
	case "input":
		root = mapOrNil(d.Input)
	case "stepOutputs", "step_outputs":
		root = mapOrNil(d.StepOutputs)
	case "variables":
		root = mapOrNil(d.Variables)
	default:
		// Unprefixed paths resolve against input first, then variables. This
		// keeps short source paths ("companyId") working for simple journeys.
		if v, ok := walk(mapOrNil(d.Input), parts); ok {
			return v, true
		}
		return walk(mapOrNil(d.Variables), parts)
	}
	if root == nil {
		return nil, false
	}
	return walk(root, parts[1:])
}

func mapOrNil(m map[string]any) any {
	if m == nil {
		return nil
	}
	return m
}

func walk(v any, parts []string) (any, bool) {
	for _, p := range parts {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return v, true
}
