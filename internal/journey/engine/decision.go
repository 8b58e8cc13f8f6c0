package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loupeai/journey/internal/journey/runtime"
)

// DecisionResult is a resolved branch selection. Reasoning is populated only
// when the step opts in with LogReasoning.
type DecisionResult struct {
	OutcomeID    string
	TransitionID string
	Confidence   float64
	Reasoning    string

	steps *runtime.StepResult
}

// StepResult renders the decision as the generic step result the graph
// executor consumes, with the transition hint set.
func (d *DecisionResult) StepResult() *runtime.StepResult {
	res := d.steps
	if res == nil {
		res = &runtime.StepResult{Handled: true}
	}
	out := map[string]any{
		"outcome":    d.OutcomeID,
		"confidence": d.Confidence,
	}
	if d.Reasoning != "" {
		out["reasoning"] = d.Reasoning
	}
	res.Output = out
	res.TransitionHint = d.TransitionID
	return res
}

// ExecuteDecision runs a decision step: an AI step whose output selects one
// of the configured outcomes. The selected outcome is validated before the
// confidence gate, so an out-of-set answer is NO_VALID_OUTCOME even when its
// confidence is also below threshold. The engine never substitutes a default
// outcome.
func (e *Engine) ExecuteDecision(ctx context.Context, cfg StepConfig, execCtx runtime.ExecutionContext, execData runtime.ExecutionData) (*DecisionResult, error) {
	if err := validateDecision(cfg); err != nil {
		return nil, stepErr(CodeNoValidOutcome, execCtx.StepID, "invalid decision config", err)
	}

	aiRes, err := e.ExecuteAIStep(ctx, cfg, execCtx, execData)
	if err != nil {
		return nil, err
	}

	verdict, err := parseVerdict(aiRes.Output)
	if err != nil {
		return nil, &StepError{
			Code:   CodeOutputParseFailed,
			StepID: execCtx.StepID,
			Detail: "decision output",
			Raw:    rawJSON(aiRes.Output),
			Err:    err,
		}
	}

	opt, ok := matchOutcome(cfg, verdict.Outcome)
	if !ok {
		return nil, &StepError{
			Code:   CodeNoValidOutcome,
			StepID: execCtx.StepID,
			Detail: fmt.Sprintf("model selected %q, not in configured outcomes", verdict.Outcome),
			Raw:    rawJSON(aiRes.Output),
		}
	}

	if cfg.ConfidenceThreshold > 0 && verdict.Confidence < cfg.ConfidenceThreshold {
		return nil, stepErr(CodeConfidenceBelowThreshold, execCtx.StepID,
			fmt.Sprintf("confidence %.3f below threshold %.3f for outcome %q",
				verdict.Confidence, cfg.ConfidenceThreshold, opt.ID), nil)
	}

	d := &DecisionResult{
		OutcomeID:    opt.ID,
		TransitionID: opt.TransitionID,
		Confidence:   verdict.Confidence,
		steps:        aiRes,
	}
	if cfg.LogReasoning {
		d.Reasoning = verdict.Reasoning
	}
	evData := map[string]any{
		"step_id":    execCtx.StepID,
		"run_id":     execCtx.RunID,
		"outcome":    opt.ID,
		"transition": opt.TransitionID,
		"confidence": verdict.Confidence,
	}
	if cfg.LogReasoning {
		evData["reasoning"] = verdict.Reasoning
	}
	aiRes.AppendEvent(e.emitProgress(runtime.EventDecisionResolved, evData))
	return d, nil
}

type verdict struct {
	Outcome    string
	Confidence float64
	Reasoning  string
}

// parseVerdict extracts {outcome, confidence, reasoning} from the model
// output. Outcome is required; confidence defaults to 1 when absent so
// templates without a confidence contract still branch.
func parseVerdict(output map[string]any) (verdict, error) {
	v := verdict{Confidence: 1}
	raw, ok := output["outcome"]
	if !ok {
		return v, fmt.Errorf("output has no outcome field")
	}
	s, ok := raw.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return v, fmt.Errorf("outcome field is not a non-empty string")
	}
	v.Outcome = strings.TrimSpace(s)
	if c, ok := output["confidence"]; ok {
		f, err := toFloat(c)
		if err != nil {
			return v, fmt.Errorf("confidence field: %w", err)
		}
		if f < 0 || f > 1 {
			return v, fmt.Errorf("confidence %v out of range [0,1]", f)
		}
		v.Confidence = f
	}
	if r, ok := output["reasoning"].(string); ok {
		v.Reasoning = r
	}
	return v, nil
}

// matchOutcome resolves the model's answer against the configured set.
// EnforceOutcome restricts matching to exact IDs; otherwise case-insensitive
// ID and label matches are accepted.
func matchOutcome(cfg StepConfig, answer string) (OutcomeOption, bool) {
	for _, o := range cfg.Outcomes {
		if o.ID == answer {
			return o, true
		}
	}
	if cfg.EnforceOutcome {
		return OutcomeOption{}, false
	}
	for _, o := range cfg.Outcomes {
		if strings.EqualFold(o.ID, answer) || (o.Label != "" && strings.EqualFold(o.Label, answer)) {
			return o, true
		}
	}
	return OutcomeOption{}, false
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case json.Number:
		return n.Float64()
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}

func rawJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
