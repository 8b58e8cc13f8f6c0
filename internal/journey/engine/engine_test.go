package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loupeai/journey/internal/journey/contextbuild"
	"github.com/loupeai/journey/internal/journey/gateway"
	"github.com/loupeai/journey/internal/journey/runtime"
	"github.com/loupeai/journey/internal/journey/template"
)

// fakeGateway plays back scripted results and records every request.
type fakeGateway struct {
	mu      sync.Mutex
	scripts []any // gateway.Response or error, consumed in order
	reqs    []gateway.Request
}

func (f *fakeGateway) Complete(_ context.Context, req gateway.Request) (gateway.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if len(f.scripts) == 0 {
		return gateway.Response{}, fmt.Errorf("fake gateway: no scripted result")
	}
	next := f.scripts[0]
	f.scripts = f.scripts[1:]
	if err, ok := next.(error); ok {
		return gateway.Response{}, err
	}
	return next.(gateway.Response), nil
}

func (f *fakeGateway) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

type sinkRecorder struct {
	mu     sync.Mutex
	events []runtime.Event
}

func (s *sinkRecorder) Emit(ev runtime.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *sinkRecorder) byType(t string) []runtime.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []runtime.Event
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func jsonResponse(content string) gateway.Response {
	return gateway.Response{Content: content, Model: "fast"}
}

func transientErr() error {
	return &gateway.Error{StatusCode: 503, Message: "upstream busy", Retryable: true}
}

type testEnv struct {
	engine  *Engine
	gw      *fakeGateway
	metrics *sinkRecorder
	safety  *sinkRecorder
}

func newTestEnv(t *testing.T, scripts ...any) *testEnv {
	t.Helper()
	reg := template.NewRegistry(template.NewMemoryStore())
	_, err := reg.Register(context.Background(), template.Template{
		ID:           "qualify",
		Version:      1,
		SystemPrompt: "You score companies. Target vertical: {{vertical}}.",
		UserPrompt:   "Evaluate {{company.name}} with prior score {{score}}.",
		ModelClass:   "fast",
		Temperature:  0.2,
		MaxTokens:    512,
	})
	if err != nil {
		t.Fatalf("register template: %v", err)
	}

	gw := &fakeGateway{scripts: scripts}
	metrics := &sinkRecorder{}
	safety := &sinkRecorder{}
	eng, err := New(Options{
		Templates:    reg,
		Gateway:      gw,
		Metrics:      metrics,
		SafetyEvents: safety,
		Backoff:      BackoffConfig{InitialDelayMS: 1, BackoffFactor: 2, MaxDelayMS: 2, Jitter: true},
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return &testEnv{engine: eng, gw: gw, metrics: metrics, safety: safety}
}

func aiConfig() StepConfig {
	return StepConfig{
		TemplateID: "qualify",
		ContextSources: []contextbuild.Source{
			{Type: contextbuild.SourceStatic, Key: "vertical", StaticValue: "fintech"},
			{Type: contextbuild.SourceJourneyData, Key: "company", DataPath: "input.company"},
			{Type: contextbuild.SourceJourneyData, Key: "score", DataPath: "stepOutputs.scoring.score"},
		},
		TaskType: "qualification",
	}
}

func execState() (runtime.ExecutionContext, runtime.ExecutionData) {
	return runtime.ExecutionContext{
			TenantID: "t1",
			RunID:    "run-1",
			StepID:   "step-qualify",
		}, runtime.ExecutionData{
			Input: map[string]any{
				"company": map[string]any{"name": "Acme", "industry": "fintech"},
			},
			StepOutputs: map[string]any{
				"scoring": map[string]any{"score": 85.0},
			},
		}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		cfg  StepConfig
		want StepKind
	}{
		{"explicit tag wins", StepConfig{Kind: KindStandard, Capability: "auto_discovery"}, KindStandard},
		{"capability", StepConfig{Capability: "auto_discovery"}, KindAutonomous},
		{"outcomes beat template", StepConfig{
			TemplateID:     "qualify",
			ContextSources: []contextbuild.Source{{Type: contextbuild.SourceStatic, Key: "k", StaticValue: 1}},
			Outcomes:       []OutcomeOption{{ID: "yes", TransitionID: "t-yes"}},
		}, KindDecision},
		{"template plus sources", aiConfig(), KindAI},
		{"template without sources", StepConfig{TemplateID: "qualify"}, KindStandard},
		{"empty", StepConfig{}, KindStandard},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.cfg); got != tc.want {
				t.Fatalf("Classify = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestExecuteAIStep(t *testing.T) {
	env := newTestEnv(t, jsonResponse(`{"fit":"strong","score":91}`))
	execCtx, execData := execState()

	res, err := env.engine.ExecuteAIStep(context.Background(), aiConfig(), execCtx, execData)
	if err != nil {
		t.Fatalf("ExecuteAIStep: %v", err)
	}
	if !res.Handled {
		t.Fatal("expected handled result")
	}
	if got := res.Output["fit"]; got != "strong" {
		t.Fatalf("output fit = %v", got)
	}

	if env.gw.calls() != 1 {
		t.Fatalf("gateway calls = %d, want 1", env.gw.calls())
	}
	req := env.gw.reqs[0]
	if len(req.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(req.Messages))
	}
	if want := "Target vertical: fintech."; !strings.Contains(req.Messages[0].Content, want) {
		t.Fatalf("system prompt %q missing %q", req.Messages[0].Content, want)
	}
	if want := "Evaluate Acme with prior score 85."; req.Messages[1].Content != want {
		t.Fatalf("user prompt = %q, want %q", req.Messages[1].Content, want)
	}
	if req.Model != "fast" || req.Options == nil || req.Options.MaxTokens != 512 {
		t.Fatalf("model options not carried from template: %+v", req)
	}
}

func TestExecuteAIStepTemplateNotFound(t *testing.T) {
	env := newTestEnv(t)
	execCtx, execData := execState()
	cfg := aiConfig()
	cfg.TemplateID = "no-such-template"

	_, err := env.engine.ExecuteAIStep(context.Background(), cfg, execCtx, execData)
	if !IsCode(err, CodeTemplateNotFound) {
		t.Fatalf("err = %v, want %s", err, CodeTemplateNotFound)
	}
	if env.gw.calls() != 0 {
		t.Fatal("gateway must not be called when the template is missing")
	}
}

func TestExecuteAIStepContextBuildFailed(t *testing.T) {
	env := newTestEnv(t)
	execCtx, execData := execState()
	cfg := aiConfig()
	// Keyless sources must resolve to objects.
	cfg.ContextSources = []contextbuild.Source{
		{Type: contextbuild.SourceStatic, StaticValue: "not an object"},
	}

	_, err := env.engine.ExecuteAIStep(context.Background(), cfg, execCtx, execData)
	if !IsCode(err, CodeContextBuildFailed) {
		t.Fatalf("err = %v, want %s", err, CodeContextBuildFailed)
	}
	if env.gw.calls() != 0 {
		t.Fatal("gateway must not be called when context assembly fails")
	}
}

func TestExecuteAIStepOutputParseFailed(t *testing.T) {
	const raw = "Sure! Here is my analysis in prose form."
	env := newTestEnv(t, jsonResponse(raw))
	execCtx, execData := execState()

	_, err := env.engine.ExecuteAIStep(context.Background(), aiConfig(), execCtx, execData)
	var se *StepError
	if !errors.As(err, &se) || se.Code != CodeOutputParseFailed {
		t.Fatalf("err = %v, want %s", err, CodeOutputParseFailed)
	}
	if se.Raw != raw {
		t.Fatalf("Raw = %q, want the unparsed content", se.Raw)
	}
}

func TestExecuteAIStepRetriesTransient(t *testing.T) {
	env := newTestEnv(t, transientErr(), transientErr(), jsonResponse(`{"ok":true}`))
	execCtx, execData := execState()

	res, err := env.engine.ExecuteAIStep(context.Background(), aiConfig(), execCtx, execData)
	if err != nil {
		t.Fatalf("ExecuteAIStep: %v", err)
	}
	if env.gw.calls() != 3 {
		t.Fatalf("gateway calls = %d, want 3", env.gw.calls())
	}

	attempts, sleeps := 0, 0
	for _, ev := range res.Events {
		switch ev.Type {
		case runtime.EventLLMAttempt:
			attempts++
		case runtime.EventLLMRetrySleep:
			sleeps++
		}
	}
	if attempts != 3 || sleeps != 2 {
		t.Fatalf("attempts=%d sleeps=%d, want 3 and 2", attempts, sleeps)
	}
}

func TestExecuteAIStepExhaustsRetries(t *testing.T) {
	env := newTestEnv(t, transientErr(), transientErr(), transientErr(), transientErr())
	execCtx, execData := execState()

	_, err := env.engine.ExecuteAIStep(context.Background(), aiConfig(), execCtx, execData)
	if !IsCode(err, CodeLLMCallFailed) {
		t.Fatalf("err = %v, want %s", err, CodeLLMCallFailed)
	}
	if env.gw.calls() != defaultMaxAttempts {
		t.Fatalf("gateway calls = %d, want %d", env.gw.calls(), defaultMaxAttempts)
	}
	var ge *gateway.Error
	if !errors.As(err, &ge) || ge.StatusCode != 503 {
		t.Fatalf("underlying gateway error not preserved: %v", err)
	}
}

func TestExecuteAIStepNonRetryableFailsFast(t *testing.T) {
	env := newTestEnv(t, &gateway.Error{StatusCode: 401, Message: "bad key"})
	execCtx, execData := execState()

	_, err := env.engine.ExecuteAIStep(context.Background(), aiConfig(), execCtx, execData)
	if !IsCode(err, CodeLLMCallFailed) {
		t.Fatalf("err = %v, want %s", err, CodeLLMCallFailed)
	}
	if env.gw.calls() != 1 {
		t.Fatalf("gateway calls = %d, want 1 (no retry on auth failure)", env.gw.calls())
	}
}

func TestDelayForAttempt(t *testing.T) {
	cfg := defaultBackoffConfig()

	a := DelayForAttempt(2, cfg, retrySeed("run-1", "step-1", 2))
	b := DelayForAttempt(2, cfg, retrySeed("run-1", "step-1", 2))
	if a != b {
		t.Fatalf("same seed produced %v and %v", a, b)
	}
	if c := DelayForAttempt(2, cfg, retrySeed("run-2", "step-1", 2)); c == a {
		t.Fatal("different runs should jitter differently")
	}

	// Jitter is [0.5, 1.5) around the capped base.
	for attempt := 1; attempt <= 6; attempt++ {
		base := float64(cfg.InitialDelayMS)
		for i := 1; i < attempt; i++ {
			base *= cfg.BackoffFactor
		}
		if base > float64(cfg.MaxDelayMS) {
			base = float64(cfg.MaxDelayMS)
		}
		d := DelayForAttempt(attempt, cfg, retrySeed("r", "s", attempt))
		lo := time.Duration(base * 0.5 * float64(time.Millisecond))
		hi := time.Duration(base * 1.5 * float64(time.Millisecond))
		if d < lo || d >= hi {
			t.Fatalf("attempt %d delay %v outside [%v, %v)", attempt, d, lo, hi)
		}
	}
}

func decisionConfig() StepConfig {
	cfg := aiConfig()
	cfg.Outcomes = []OutcomeOption{
		{ID: "qualified", Label: "Qualified", TransitionID: "t-qualified"},
		{ID: "not_qualified", Label: "Not Qualified", TransitionID: "t-rejected"},
	}
	cfg.ConfidenceThreshold = 0.7
	return cfg
}

func TestExecuteDecision(t *testing.T) {
	env := newTestEnv(t, jsonResponse(`{"outcome":"qualified","confidence":0.92,"reasoning":"strong fit"}`))
	execCtx, execData := execState()
	cfg := decisionConfig()
	cfg.LogReasoning = true

	d, err := env.engine.ExecuteDecision(context.Background(), cfg, execCtx, execData)
	if err != nil {
		t.Fatalf("ExecuteDecision: %v", err)
	}
	if d.OutcomeID != "qualified" || d.TransitionID != "t-qualified" {
		t.Fatalf("resolved %s -> %s", d.OutcomeID, d.TransitionID)
	}
	if d.Confidence != 0.92 {
		t.Fatalf("confidence = %v", d.Confidence)
	}
	if d.Reasoning != "strong fit" {
		t.Fatalf("reasoning = %q", d.Reasoning)
	}

	res := d.StepResult()
	if res.TransitionHint != "t-qualified" {
		t.Fatalf("transition hint = %q", res.TransitionHint)
	}
}

func TestExecuteDecisionReasoningSuppressed(t *testing.T) {
	env := newTestEnv(t, jsonResponse(`{"outcome":"qualified","confidence":0.92,"reasoning":"secret"}`))
	execCtx, execData := execState()

	d, err := env.engine.ExecuteDecision(context.Background(), decisionConfig(), execCtx, execData)
	if err != nil {
		t.Fatalf("ExecuteDecision: %v", err)
	}
	if d.Reasoning != "" {
		t.Fatalf("reasoning retained without LogReasoning: %q", d.Reasoning)
	}
	if _, ok := d.StepResult().Output["reasoning"]; ok {
		t.Fatal("reasoning leaked into step output")
	}
}

func TestExecuteDecisionNoValidOutcome(t *testing.T) {
	env := newTestEnv(t, jsonResponse(`{"outcome":"maybe_later","confidence":0.1}`))
	execCtx, execData := execState()
	cfg := decisionConfig()
	cfg.EnforceOutcome = true

	// Out-of-set beats the confidence gate: this answer is also below
	// threshold, but the membership failure must win.
	_, err := env.engine.ExecuteDecision(context.Background(), cfg, execCtx, execData)
	if !IsCode(err, CodeNoValidOutcome) {
		t.Fatalf("err = %v, want %s", err, CodeNoValidOutcome)
	}
}

func TestExecuteDecisionFuzzyMatchWithoutEnforcement(t *testing.T) {
	env := newTestEnv(t, jsonResponse(`{"outcome":"Not Qualified","confidence":0.9}`))
	execCtx, execData := execState()

	d, err := env.engine.ExecuteDecision(context.Background(), decisionConfig(), execCtx, execData)
	if err != nil {
		t.Fatalf("ExecuteDecision: %v", err)
	}
	if d.OutcomeID != "not_qualified" {
		t.Fatalf("label match resolved to %q", d.OutcomeID)
	}
}

func TestExecuteDecisionEnforcementRejectsLabelMatch(t *testing.T) {
	env := newTestEnv(t, jsonResponse(`{"outcome":"Qualified","confidence":0.9}`))
	execCtx, execData := execState()
	cfg := decisionConfig()
	cfg.EnforceOutcome = true

	_, err := env.engine.ExecuteDecision(context.Background(), cfg, execCtx, execData)
	if !IsCode(err, CodeNoValidOutcome) {
		t.Fatalf("err = %v, want %s", err, CodeNoValidOutcome)
	}
}

func TestExecuteDecisionConfidenceBelowThreshold(t *testing.T) {
	env := newTestEnv(t, jsonResponse(`{"outcome":"qualified","confidence":0.4}`))
	execCtx, execData := execState()

	_, err := env.engine.ExecuteDecision(context.Background(), decisionConfig(), execCtx, execData)
	if !IsCode(err, CodeConfidenceBelowThreshold) {
		t.Fatalf("err = %v, want %s", err, CodeConfidenceBelowThreshold)
	}
}

// spyCapability records whether it ran.
type spyCapability struct {
	name    string
	mu      sync.Mutex
	ran     bool
	execute func(ctx context.Context, req CapabilityRequest) (map[string]any, error)
}

func (c *spyCapability) Name() string { return c.name }

func (c *spyCapability) Execute(ctx context.Context, req CapabilityRequest) (map[string]any, error) {
	c.mu.Lock()
	c.ran = true
	c.mu.Unlock()
	if c.execute != nil {
		return c.execute(ctx, req)
	}
	return map[string]any{"done": true}, nil
}

func (c *spyCapability) wasRun() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ran
}

func autonomousConfig(capability string) StepConfig {
	return StepConfig{
		Capability:         capability,
		MaxExecutionTimeMS: 1_000,
	}
}

func TestExecuteAutonomousStep(t *testing.T) {
	env := newTestEnv(t)
	spy := &spyCapability{name: "spy"}
	env.engine.caps.Register(spy)
	execCtx, execData := execState()

	res, err := env.engine.ExecuteAutonomousStep(context.Background(), autonomousConfig("spy"), execCtx, execData)
	if err != nil {
		t.Fatalf("ExecuteAutonomousStep: %v", err)
	}
	if !spy.wasRun() {
		t.Fatal("capability did not run")
	}
	if res.Paused || res.Checkpoint != nil {
		t.Fatal("no checkpoint was requested")
	}
	if res.Output["done"] != true {
		t.Fatalf("output = %v", res.Output)
	}
}

func TestAutonomousKillSwitchBlocksBeforeInvocation(t *testing.T) {
	env := newTestEnv(t)
	spy := &spyCapability{name: "spy"}
	env.engine.caps.Register(spy)
	env.engine.Safety().SetKillSwitch(true)
	execCtx, execData := execState()

	_, err := env.engine.ExecuteAutonomousStep(context.Background(), autonomousConfig("spy"), execCtx, execData)
	if !IsCode(err, CodeAutonomousDisabled) {
		t.Fatalf("err = %v, want %s", err, CodeAutonomousDisabled)
	}
	if spy.wasRun() {
		t.Fatal("capability must never run with the kill switch engaged")
	}

	env.engine.Safety().SetKillSwitch(false)
	if _, err := env.engine.ExecuteAutonomousStep(context.Background(), autonomousConfig("spy"), execCtx, execData); err != nil {
		t.Fatalf("after release: %v", err)
	}
}

func TestAutonomousCapabilityNotFound(t *testing.T) {
	env := newTestEnv(t)
	execCtx, execData := execState()

	_, err := env.engine.ExecuteAutonomousStep(context.Background(), autonomousConfig("nope"), execCtx, execData)
	if !IsCode(err, CodeCapabilityNotFound) {
		t.Fatalf("err = %v, want %s", err, CodeCapabilityNotFound)
	}
}

func TestAutonomousTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.engine.caps.Register(&spyCapability{
		name: "slow",
		execute: func(ctx context.Context, _ CapabilityRequest) (map[string]any, error) {
			select {
			case <-time.After(5 * time.Second):
				return map[string]any{}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})
	execCtx, execData := execState()
	cfg := autonomousConfig("slow")
	cfg.MaxExecutionTimeMS = 20

	start := time.Now()
	_, err := env.engine.ExecuteAutonomousStep(context.Background(), cfg, execCtx, execData)
	if !IsCode(err, CodeExecutionTimeout) {
		t.Fatalf("err = %v, want %s", err, CodeExecutionTimeout)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout not enforced, took %v", elapsed)
	}
}

func TestAutonomousCheckpoint(t *testing.T) {
	env := newTestEnv(t)
	env.engine.caps.Register(&spyCapability{name: "spy"})
	execCtx, execData := execState()
	cfg := autonomousConfig("spy")
	cfg.RequiresCheckpoint = true

	res, err := env.engine.ExecuteAutonomousStep(context.Background(), cfg, execCtx, execData)
	if err != nil {
		t.Fatalf("ExecuteAutonomousStep: %v", err)
	}
	if !res.Paused || res.Checkpoint == nil {
		t.Fatal("expected a paused result with a checkpoint")
	}
	if res.Checkpoint.Status != runtime.CheckpointPending {
		t.Fatalf("checkpoint status = %s", res.Checkpoint.Status)
	}
	if res.Checkpoint.StepID != execCtx.StepID || res.Checkpoint.Capability != "spy" {
		t.Fatalf("checkpoint = %+v", res.Checkpoint)
	}
}

func TestAutonomousMetricsEvent(t *testing.T) {
	env := newTestEnv(t)
	env.engine.caps.Register(&spyCapability{name: "spy"})
	execCtx, execData := execState()
	cfg := autonomousConfig("spy")
	cfg.TrackMetrics = true
	cfg.MetricTags = map[string]string{"vertical": "fintech"}

	if _, err := env.engine.ExecuteAutonomousStep(context.Background(), cfg, execCtx, execData); err != nil {
		t.Fatalf("ExecuteAutonomousStep: %v", err)
	}
	evs := env.metrics.byType(runtime.EventMetrics)
	if len(evs) != 1 {
		t.Fatalf("metrics events = %d, want 1", len(evs))
	}
	data := evs[0].Data
	if data["capability"] != "spy" || data["success"] != true || data["tag_vertical"] != "fintech" {
		t.Fatalf("metrics data = %v", data)
	}
}

func TestAutonomousSafetyViolation(t *testing.T) {
	env := newTestEnv(t)
	env.engine.caps.Register(&spyCapability{
		name: "reckless",
		execute: func(context.Context, CapabilityRequest) (map[string]any, error) {
			return nil, &PolicyViolation{Rule: "outreach_contact_cap", Detail: "120 > 50"}
		},
	})
	execCtx, execData := execState()

	_, err := env.engine.ExecuteAutonomousStep(context.Background(), autonomousConfig("reckless"), execCtx, execData)
	if !IsCode(err, CodeSafetyViolation) {
		t.Fatalf("err = %v, want %s", err, CodeSafetyViolation)
	}
	evs := env.safety.byType(runtime.EventSafetyViolation)
	if len(evs) != 1 {
		t.Fatalf("safety events = %d, want 1", len(evs))
	}
	if evs[0].Data["rule"] != "outreach_contact_cap" {
		t.Fatalf("safety event data = %v", evs[0].Data)
	}
}

func TestExecuteStandardDeclines(t *testing.T) {
	env := newTestEnv(t)
	execCtx, execData := execState()

	res, err := env.engine.Execute(context.Background(), StepConfig{}, execCtx, execData)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Handled {
		t.Fatal("standard steps must be declined")
	}
	if env.gw.calls() != 0 {
		t.Fatal("gateway must not be called for standard steps")
	}
}

func TestExecuteDispatchesDecision(t *testing.T) {
	env := newTestEnv(t, jsonResponse(`{"outcome":"qualified","confidence":0.95}`))
	execCtx, execData := execState()

	res, err := env.engine.Execute(context.Background(), decisionConfig(), execCtx, execData)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.TransitionHint != "t-qualified" {
		t.Fatalf("transition hint = %q", res.TransitionHint)
	}
}

func TestContextCacheReuse(t *testing.T) {
	env := newTestEnv(t, jsonResponse(`{"ok":true}`), jsonResponse(`{"ok":true}`))
	execCtx, execData := execState()
	cfg := aiConfig()
	cfg.ContextCacheMS = 60_000

	if _, err := env.engine.ExecuteAIStep(context.Background(), cfg, execCtx, execData); err != nil {
		t.Fatalf("first call: %v", err)
	}
	res, err := env.engine.ExecuteAIStep(context.Background(), cfg, execCtx, execData)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	var hit bool
	for _, ev := range res.Events {
		if ev.Type == runtime.EventContextCacheHit {
			hit = true
		}
	}
	if !hit {
		t.Fatal("second invocation should hit the context cache")
	}
}
