// Package engine is the promptable journey engine: the runtime a workflow
// graph executor calls once per step to run AI, decision, and autonomous
// steps. The engine holds no journey-scoped state; all per-run data is passed
// in, so one engine instance serves concurrent runs.
package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/loupeai/journey/internal/journey/contextbuild"
	"github.com/loupeai/journey/internal/journey/gateway"
	"github.com/loupeai/journey/internal/journey/runtime"
	"github.com/loupeai/journey/internal/journey/template"
)

// GatewayClient is the model gateway surface the engine depends on.
type GatewayClient interface {
	Complete(ctx context.Context, req gateway.Request) (gateway.Response, error)
}

// Options wires an engine. Templates and Gateway are required; everything
// else has a usable default.
type Options struct {
	Templates    *template.Registry
	Gateway      GatewayClient
	Capabilities *CapabilityRegistry
	Safety       *SafetyPolicy

	// Computes extends the context provider's computed sources.
	Computes contextbuild.ComputeRegistry

	// Metrics receives capability metrics events; SafetyEvents receives
	// safety violations; Progress receives everything else. Each defaults
	// to a no-op sink.
	Metrics      runtime.EventSink
	SafetyEvents runtime.EventSink
	Progress     runtime.EventSink

	Backoff     BackoffConfig
	MaxAttempts int

	Logger *zap.Logger
}

type Engine struct {
	templates *template.Registry
	gateway   GatewayClient
	caps      *CapabilityRegistry
	safety    *SafetyPolicy

	resolver contextbuild.Resolver
	cache    *contextbuild.Cache

	metrics    runtime.EventSink
	safetySink runtime.EventSink
	progress   runtime.EventSink

	backoff     BackoffConfig
	maxAttempts int

	log *zap.Logger
}

func New(opts Options) (*Engine, error) {
	if opts.Templates == nil {
		return nil, fmt.Errorf("engine requires a template registry")
	}
	if opts.Gateway == nil {
		return nil, fmt.Errorf("engine requires a gateway client")
	}
	if opts.Capabilities == nil {
		opts.Capabilities = NewDefaultCapabilityRegistry()
	}
	if opts.Safety == nil {
		opts.Safety = NewSafetyPolicy()
	}
	if opts.Metrics == nil {
		opts.Metrics = runtime.NopSink{}
	}
	if opts.SafetyEvents == nil {
		opts.SafetyEvents = runtime.NopSink{}
	}
	if opts.Progress == nil {
		opts.Progress = runtime.NopSink{}
	}
	if opts.Backoff == (BackoffConfig{}) {
		opts.Backoff = defaultBackoffConfig()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Engine{
		templates:   opts.Templates,
		gateway:     opts.Gateway,
		caps:        opts.Capabilities,
		safety:      opts.Safety,
		resolver:    contextbuild.Resolver{Computes: opts.Computes},
		cache:       contextbuild.NewCache(),
		metrics:     opts.Metrics,
		safetySink:  opts.SafetyEvents,
		progress:    opts.Progress,
		backoff:     opts.Backoff,
		maxAttempts: opts.MaxAttempts,
		log:         opts.Logger,
	}, nil
}

// Safety exposes the engine's safety policy for the operational control
// surface (kill switch endpoint).
func (e *Engine) Safety() *SafetyPolicy { return e.safety }

// Templates exposes the template registry for the admin surface.
func (e *Engine) Templates() *template.Registry { return e.templates }

// Classify reports how the engine would route cfg without executing it.
func (e *Engine) Classify(cfg StepConfig) StepKind { return Classify(cfg) }

// Execute classifies the step and delegates to the matching executor. For
// standard steps the engine declines (Handled=false) and the graph executor
// runs the step itself.
func (e *Engine) Execute(ctx context.Context, cfg StepConfig, execCtx runtime.ExecutionContext, execData runtime.ExecutionData) (*runtime.StepResult, error) {
	kind := Classify(cfg)
	started := time.Now()
	e.emitProgress(runtime.EventStepStarted, map[string]any{
		"step_id": execCtx.StepID,
		"run_id":  execCtx.RunID,
		"kind":    string(kind),
	})

	var (
		res *runtime.StepResult
		err error
	)
	switch kind {
	case KindAutonomous:
		res, err = e.ExecuteAutonomousStep(ctx, cfg, execCtx, execData)
	case KindDecision:
		var dres *DecisionResult
		dres, err = e.ExecuteDecision(ctx, cfg, execCtx, execData)
		if dres != nil {
			res = dres.StepResult()
		}
	case KindAI:
		res, err = e.ExecuteAIStep(ctx, cfg, execCtx, execData)
	default:
		res = &runtime.StepResult{Handled: false}
	}

	data := map[string]any{
		"step_id":     execCtx.StepID,
		"run_id":      execCtx.RunID,
		"kind":        string(kind),
		"duration_ms": time.Since(started).Milliseconds(),
		"ok":          err == nil,
	}
	if err != nil {
		data["code"] = string(CodeOf(err))
		e.log.Debug("step failed",
			zap.String("step_id", execCtx.StepID),
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
	e.emitProgress(runtime.EventStepFinished, data)
	return res, err
}

func (e *Engine) emitProgress(eventType string, data map[string]any) runtime.Event {
	ev := runtime.NewEvent(eventType, data)
	e.progress.Emit(ev)
	return ev
}
