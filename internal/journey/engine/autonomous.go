package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loupeai/journey/internal/journey/runtime"
)

// ExecuteAutonomousStep runs a registered capability under the step's safety
// constraints. The kill switch is checked before anything else, so an
// operator can stop all autonomous work with one flip. The capability runs
// under a hard wall-clock bound; a deadline hit is fatal and never retried.
func (e *Engine) ExecuteAutonomousStep(ctx context.Context, cfg StepConfig, execCtx runtime.ExecutionContext, execData runtime.ExecutionData) (*runtime.StepResult, error) {
	if e.safety.KillSwitchEngaged() {
		return nil, stepErr(CodeAutonomousDisabled, execCtx.StepID, "kill switch engaged", nil)
	}
	if err := validateAutonomous(cfg); err != nil {
		return nil, stepErr(CodeCapabilityNotFound, execCtx.StepID, "invalid autonomous config", err)
	}
	c, ok := e.caps.Resolve(cfg.Capability)
	if !ok {
		return nil, stepErr(CodeCapabilityNotFound, execCtx.StepID,
			fmt.Sprintf("capability %q is not registered", cfg.Capability), nil)
	}

	res := &runtime.StepResult{Handled: true}
	timeout := time.Duration(cfg.MaxExecutionTimeMS) * time.Millisecond
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	output, err := e.invokeCapability(runCtx, c, CapabilityRequest{
		ExecCtx:  execCtx,
		ExecData: execData,
		Params:   cfg.Params,
	})
	elapsed := time.Since(started)

	if cfg.TrackMetrics {
		data := map[string]any{
			"capability":  c.Name(),
			"step_id":     execCtx.StepID,
			"run_id":      execCtx.RunID,
			"duration_ms": elapsed.Milliseconds(),
			"success":     err == nil,
		}
		for k, v := range cfg.MetricTags {
			data["tag_"+k] = v
		}
		e.metrics.Emit(runtime.NewEvent(runtime.EventMetrics, data))
	}

	if err != nil {
		var viol *PolicyViolation
		switch {
		case errors.As(err, &viol):
			e.safetySink.Emit(runtime.NewEvent(runtime.EventSafetyViolation, map[string]any{
				"capability": c.Name(),
				"step_id":    execCtx.StepID,
				"run_id":     execCtx.RunID,
				"rule":       viol.Rule,
				"detail":     viol.Detail,
			}))
			return nil, stepErr(CodeSafetyViolation, execCtx.StepID, viol.Rule, err)
		case errors.Is(err, context.DeadlineExceeded):
			return nil, stepErr(CodeExecutionTimeout, execCtx.StepID,
				fmt.Sprintf("capability %q exceeded %s", c.Name(), timeout), err)
		default:
			// Cancellation and capability-internal failures surface as-is;
			// the graph executor owns compensation.
			return nil, fmt.Errorf("capability %q: %w", c.Name(), err)
		}
	}

	res.Output = output
	if cfg.RequiresCheckpoint {
		cp := runtime.NewCheckpoint(execCtx.StepID, c.Name(),
			"autonomous step requires external approval")
		res.Checkpoint = cp
		res.Paused = true
		res.AppendEvent(e.emitProgress(runtime.EventCheckpointOpened, map[string]any{
			"checkpoint_id": cp.ID,
			"step_id":       execCtx.StepID,
			"run_id":        execCtx.RunID,
			"capability":    c.Name(),
		}))
	}
	return res, nil
}

// invokeCapability runs the capability in its own goroutine so a
// non-cooperative implementation cannot hold the step past its deadline. The
// goroutine's result is dropped when the deadline wins.
func (e *Engine) invokeCapability(ctx context.Context, c Capability, req CapabilityRequest) (map[string]any, error) {
	type outcome struct {
		output map[string]any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := c.Execute(ctx, req)
		done <- outcome{out, err}
	}()
	select {
	case o := <-done:
		return o.output, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
