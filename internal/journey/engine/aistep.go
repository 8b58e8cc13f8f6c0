package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/loupeai/journey/internal/journey/contextbuild"
	"github.com/loupeai/journey/internal/journey/gateway"
	"github.com/loupeai/journey/internal/journey/runtime"
	"github.com/loupeai/journey/internal/journey/template"
)

// ExecuteAIStep runs one AI step: template lookup, context assembly, prompt
// injection, gateway call with retry on transient failures, and JSON output
// parsing. The returned StepResult carries the parsed output and any events
// raised along the way (truncation, cache hits, retry sleeps).
func (e *Engine) ExecuteAIStep(ctx context.Context, cfg StepConfig, execCtx runtime.ExecutionContext, execData runtime.ExecutionData) (*runtime.StepResult, error) {
	if cfg.TemplateID == "" {
		return nil, stepErr(CodeTemplateNotFound, execCtx.StepID, "step has no template_id", nil)
	}
	tmpl, err := e.templates.Get(ctx, cfg.TemplateID, cfg.TemplateVersion)
	if err != nil {
		if errors.Is(err, template.ErrNotFound) {
			return nil, stepErr(CodeTemplateNotFound, execCtx.StepID,
				fmt.Sprintf("template %s v%d", cfg.TemplateID, cfg.TemplateVersion), err)
		}
		return nil, stepErr(CodeTemplateNotFound, execCtx.StepID, "template lookup", err)
	}

	res := &runtime.StepResult{Handled: true}

	promptCtx, err := e.buildContext(cfg, execCtx, execData, res)
	if err != nil {
		return nil, stepErr(CodeContextBuildFailed, execCtx.StepID, "", err)
	}
	promptCtx, err = tmpl.ValidateInput(promptCtx)
	if err != nil {
		return nil, stepErr(CodeContextBuildFailed, execCtx.StepID, "template input validation", err)
	}

	resp, err := e.complete(ctx, cfg, tmpl, promptCtx, execCtx, res)
	if err != nil {
		return nil, err
	}

	output, err := parseOutput(resp.Content)
	if err != nil {
		return nil, &StepError{
			Code:   CodeOutputParseFailed,
			StepID: execCtx.StepID,
			Detail: "model output is not a JSON object",
			Raw:    resp.Content,
			Err:    err,
		}
	}
	res.Output = output
	return res, nil
}

// buildContext assembles the prompt context, through the cache when the step
// opts in. Assembly events (truncation) are appended to res; a cache hit
// replays without re-raising them.
func (e *Engine) buildContext(cfg StepConfig, execCtx runtime.ExecutionContext, execData runtime.ExecutionData, res *runtime.StepResult) (map[string]any, error) {
	ccfg := cfg.ContextConfig()
	ttl := cfg.contextCacheTTL()
	if ttl <= 0 {
		built, events, err := e.resolver.Build(ccfg, execCtx, execData)
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			res.AppendEvent(ev)
			e.progress.Emit(ev)
		}
		return built, nil
	}

	key := contextbuild.CacheKey(execCtx.TenantID, execCtx.RunID, execCtx.StepID, ccfg)
	v, hit, err := e.cache.GetOrBuild(key, ttl, func() (any, error) {
		built, events, err := e.resolver.Build(ccfg, execCtx, execData)
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			res.AppendEvent(ev)
			e.progress.Emit(ev)
		}
		return built, nil
	})
	if err != nil {
		return nil, err
	}
	if hit {
		res.AppendEvent(e.emitProgress(runtime.EventContextCacheHit, map[string]any{
			"step_id": execCtx.StepID,
			"run_id":  execCtx.RunID,
		}))
	}
	return v.(map[string]any), nil
}

// complete injects the context into the template's prompts and calls the
// gateway, retrying transient failures with deterministic jittered backoff.
func (e *Engine) complete(ctx context.Context, cfg StepConfig, tmpl template.Template, promptCtx map[string]any, execCtx runtime.ExecutionContext, res *runtime.StepResult) (gateway.Response, error) {
	var msgs []gateway.Message
	if s := contextbuild.InjectPrompt(tmpl.SystemPrompt, promptCtx); strings.TrimSpace(s) != "" {
		msgs = append(msgs, gateway.Message{Role: "system", Content: s})
	}
	if u := contextbuild.InjectPrompt(tmpl.UserPrompt, promptCtx); strings.TrimSpace(u) != "" {
		msgs = append(msgs, gateway.Message{Role: "user", Content: u})
	}
	req := gateway.Request{
		Messages: msgs,
		TaskType: cfg.TaskType,
		Vertical: cfg.Vertical,
		Model:    tmpl.ModelClass,
		Options: &gateway.Options{
			Temperature: tmpl.Temperature,
			MaxTokens:   tmpl.MaxTokens,
			UseCache:    cfg.UseGatewayCache,
		},
	}
	if err := req.Validate(); err != nil {
		return gateway.Response{}, stepErr(CodeLLMCallFailed, execCtx.StepID, "invalid gateway request", err)
	}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		attempts = attempt
		res.AppendEvent(e.emitProgress(runtime.EventLLMAttempt, map[string]any{
			"step_id": execCtx.StepID,
			"run_id":  execCtx.RunID,
			"attempt": attempt,
		}))
		resp, err := e.gateway.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !gateway.IsRetryable(err) || attempt == e.maxAttempts {
			break
		}
		delay := DelayForAttempt(attempt, e.backoff, retrySeed(execCtx.RunID, execCtx.StepID, attempt))
		res.AppendEvent(e.emitProgress(runtime.EventLLMRetrySleep, map[string]any{
			"step_id":  execCtx.StepID,
			"run_id":   execCtx.RunID,
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
		}))
		if !sleepWithContext(ctx, delay) {
			return gateway.Response{}, stepErr(CodeLLMCallFailed, execCtx.StepID, "canceled during retry backoff", ctx.Err())
		}
	}
	return gateway.Response{}, stepErr(CodeLLMCallFailed, execCtx.StepID,
		fmt.Sprintf("gateway call failed after %d attempt(s)", attempts), lastErr)
}

// parseOutput decodes model content as a JSON object. Numbers stay
// json.Number so confidence survives without float drift.
func parseOutput(content string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(content))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
