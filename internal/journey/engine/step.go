package engine

import (
	"fmt"
	"time"

	"github.com/loupeai/journey/internal/journey/contextbuild"
)

// StepKind classifies a step configuration.
type StepKind string

const (
	KindAI         StepKind = "ai"
	KindDecision   StepKind = "decision"
	KindAutonomous StepKind = "autonomous"
	// KindStandard means the step is not an AI step; the engine declines and
	// the graph executor handles it.
	KindStandard StepKind = "standard"
)

// OutcomeOption is one enumerated branch a decision step may select.
type OutcomeOption struct {
	ID           string `json:"id" yaml:"id"`
	Label        string `json:"label,omitempty" yaml:"label,omitempty"`
	TransitionID string `json:"transition_id" yaml:"transition_id"`
}

// StepConfig is one node's engine-facing configuration. Kind is the explicit
// tag set at step registration; untagged/legacy configs fall back to the
// structural classification in Classify.
type StepConfig struct {
	Kind StepKind `json:"kind,omitempty" yaml:"kind,omitempty"`

	// AI step fields (also used by decision steps).
	TemplateID       string                         `json:"template_id,omitempty" yaml:"template_id,omitempty"`
	TemplateVersion  int                            `json:"template_version,omitempty" yaml:"template_version,omitempty"`
	ContextSources   []contextbuild.Source          `json:"context_sources,omitempty" yaml:"context_sources,omitempty"`
	MergeStrategy    contextbuild.MergeStrategy     `json:"merge_strategy,omitempty" yaml:"merge_strategy,omitempty"`
	MaxContextTokens int                            `json:"max_context_tokens,omitempty" yaml:"max_context_tokens,omitempty"`
	TruncateStrategy contextbuild.TruncateStrategy  `json:"truncate_strategy,omitempty" yaml:"truncate_strategy,omitempty"`
	TaskType         string                         `json:"task_type,omitempty" yaml:"task_type,omitempty"`
	Vertical         string                         `json:"vertical,omitempty" yaml:"vertical,omitempty"`
	ContextCacheMS   int                            `json:"context_cache_ms,omitempty" yaml:"context_cache_ms,omitempty"`
	UseGatewayCache  bool                           `json:"use_gateway_cache,omitempty" yaml:"use_gateway_cache,omitempty"`

	// Decision fields.
	Outcomes            []OutcomeOption `json:"outcomes,omitempty" yaml:"outcomes,omitempty"`
	EnforceOutcome      bool            `json:"enforce_outcome,omitempty" yaml:"enforce_outcome,omitempty"`
	ConfidenceThreshold float64         `json:"confidence_threshold,omitempty" yaml:"confidence_threshold,omitempty"`
	LogReasoning        bool            `json:"log_reasoning,omitempty" yaml:"log_reasoning,omitempty"`

	// Autonomous fields.
	Capability         string            `json:"capability,omitempty" yaml:"capability,omitempty"`
	Params             map[string]any    `json:"params,omitempty" yaml:"params,omitempty"`
	RequiresCheckpoint bool              `json:"requires_checkpoint,omitempty" yaml:"requires_checkpoint,omitempty"`
	MaxExecutionTimeMS int               `json:"max_execution_time_ms,omitempty" yaml:"max_execution_time_ms,omitempty"`
	TrackMetrics       bool              `json:"track_metrics,omitempty" yaml:"track_metrics,omitempty"`
	MetricTags         map[string]string `json:"metric_tags,omitempty" yaml:"metric_tags,omitempty"`
}

// ContextConfig assembles the context-provider configuration for this step.
func (c StepConfig) ContextConfig() contextbuild.Config {
	return contextbuild.Config{
		Sources:          c.ContextSources,
		MergeStrategy:    c.MergeStrategy,
		MaxContextTokens: c.MaxContextTokens,
		TruncateStrategy: c.TruncateStrategy,
	}
}

func (c StepConfig) contextCacheTTL() time.Duration {
	if c.ContextCacheMS <= 0 {
		return 0
	}
	return time.Duration(c.ContextCacheMS) * time.Millisecond
}

// Classify determines the step kind. An explicit tag wins; untagged configs
// use the structural heuristic in priority order. The ordering is
// load-bearing: a decision config always carries template_id too, so the
// capability and outcomes checks must run before the generic AI check.
func Classify(c StepConfig) StepKind {
	switch c.Kind {
	case KindAI, KindDecision, KindAutonomous, KindStandard:
		return c.Kind
	}
	if c.Capability != "" {
		return KindAutonomous
	}
	if len(c.Outcomes) > 0 {
		return KindDecision
	}
	if c.TemplateID != "" && len(c.ContextSources) > 0 {
		return KindAI
	}
	return KindStandard
}

// validateDecision enforces the decision-config invariants up front.
func validateDecision(c StepConfig) error {
	if c.TemplateID == "" {
		return fmt.Errorf("decision step requires template_id")
	}
	if len(c.Outcomes) == 0 {
		return fmt.Errorf("decision step requires a non-empty outcomes list")
	}
	seen := map[string]bool{}
	for _, o := range c.Outcomes {
		if o.ID == "" {
			return fmt.Errorf("decision outcome with empty id")
		}
		if seen[o.ID] {
			return fmt.Errorf("duplicate decision outcome id %q", o.ID)
		}
		seen[o.ID] = true
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold %v out of range [0,1]", c.ConfidenceThreshold)
	}
	return nil
}

func validateAutonomous(c StepConfig) error {
	if c.Capability == "" {
		return fmt.Errorf("autonomous step requires capability")
	}
	if c.MaxExecutionTimeMS <= 0 {
		return fmt.Errorf("autonomous step requires max_execution_time_ms > 0")
	}
	return nil
}
