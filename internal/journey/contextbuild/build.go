package contextbuild

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/loupeai/journey/internal/journey/runtime"
)

type MergeStrategy string

const (
	MergeReplace MergeStrategy = "replace"
	MergeDeep    MergeStrategy = "deep"
)

type TruncateStrategy string

const (
	// TruncateEnd drops text from the end of a field, keeping the head.
	TruncateEnd TruncateStrategy = "end"
	// TruncateMiddle drops text from the middle, keeping head and tail.
	TruncateMiddle TruncateStrategy = "middle"
	// TruncateStartKeep drops text from the start, keeping the tail.
	TruncateStartKeep TruncateStrategy = "start_keep"
)

// Config declares how one step's context is assembled. One per AI/decision step.
type Config struct {
	Sources          []Source         `json:"sources" yaml:"sources"`
	MergeStrategy    MergeStrategy    `json:"merge_strategy,omitempty" yaml:"merge_strategy,omitempty"`
	MaxContextTokens int              `json:"max_context_tokens,omitempty" yaml:"max_context_tokens,omitempty"`
	TruncateStrategy TruncateStrategy `json:"truncate_strategy,omitempty" yaml:"truncate_strategy,omitempty"`
}

// EstimateTokens approximates the token count of text as ceil(len/4).
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// Build resolves and folds all sources into one context object in declaration
// order. Truncation to the token budget never fails the build; it is reported
// as a context.truncated event with the step still succeeding.
func (r Resolver) Build(cfg Config, execCtx runtime.ExecutionContext, execData runtime.ExecutionData) (map[string]any, []runtime.Event, error) {
	out := map[string]any{}
	deep := cfg.MergeStrategy == MergeDeep

	for i, src := range cfg.Sources {
		val, err := r.ResolveSource(src, execCtx, execData)
		if err != nil {
			return nil, nil, fmt.Errorf("source %s: %w", sourceLabel(src, i), err)
		}
		if src.Key != "" {
			if deep {
				deepSet(out, src.Key, val)
			} else {
				out[src.Key] = val
			}
			continue
		}
		obj, ok := val.(map[string]any)
		if !ok {
			if val == nil {
				continue
			}
			return nil, nil, fmt.Errorf("source %s: keyless source resolved to %T, want object", sourceLabel(src, i), val)
		}
		if deep {
			deepMerge(out, obj)
		} else {
			for k, v := range obj {
				out[k] = v
			}
		}
	}

	var events []runtime.Event
	if cfg.MaxContextTokens > 0 {
		serialized, err := json.Marshal(out)
		if err != nil {
			return nil, nil, fmt.Errorf("serialize context: %w", err)
		}
		if before := EstimateTokens(string(serialized)); before > cfg.MaxContextTokens {
			truncate(out, cfg.MaxContextTokens, cfg.TruncateStrategy)
			after := before
			if b, err := json.Marshal(out); err == nil {
				after = EstimateTokens(string(b))
			}
			events = append(events, runtime.NewEvent(runtime.EventContextTruncated, map[string]any{
				"step_id":            execCtx.StepID,
				"max_context_tokens": cfg.MaxContextTokens,
				"tokens_before":      before,
				"tokens_after":       after,
				"strategy":           string(effectiveTruncate(cfg.TruncateStrategy)),
			}))
		}
	}
	return out, events, nil
}

func sourceLabel(src Source, idx int) string {
	if src.ID != "" {
		return src.ID
	}
	if src.Key != "" {
		return src.Key
	}
	return fmt.Sprintf("#%d", idx)
}

// deepSet assigns under key, recursively merging when both sides are objects.
func deepSet(dst map[string]any, key string, val any) {
	if prev, ok := dst[key].(map[string]any); ok {
		if next, ok := val.(map[string]any); ok {
			deepMerge(prev, next)
			return
		}
	}
	dst[key] = val
}

// deepMerge merges src into dst. Nested plain objects merge recursively;
// arrays and scalars are replaced wholesale by the later source.
func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		if sub, ok := v.(map[string]any); ok {
			if prev, ok := dst[k].(map[string]any); ok {
				deepMerge(prev, sub)
				continue
			}
		}
		dst[k] = v
	}
}

func effectiveTruncate(s TruncateStrategy) TruncateStrategy {
	switch s {
	case TruncateEnd, TruncateMiddle, TruncateStartKeep:
		return s
	default:
		return TruncateEnd
	}
}

type stringLeaf struct {
	parent map[string]any
	key    string
	length int
	path   string
}

// truncate shrinks string fields until the serialized context fits the budget.
// Longest fields are cut first; ties break on path for determinism. Non-string
// fields are never dropped, so a context of scalars may legitimately stay over
// budget; truncation always returns a usable context.
func truncate(ctx map[string]any, maxTokens int, strategy TruncateStrategy) {
	strategy = effectiveTruncate(strategy)
	budget := maxTokens * 4

	leaves := collectStringLeaves(ctx, "")
	sort.Slice(leaves, func(i, j int) bool {
		if leaves[i].length != leaves[j].length {
			return leaves[i].length > leaves[j].length
		}
		return leaves[i].path < leaves[j].path
	})

	for _, leaf := range leaves {
		b, err := json.Marshal(ctx)
		if err != nil {
			return
		}
		over := len(b) - budget
		if over <= 0 {
			return
		}
		s := leaf.parent[leaf.key].(string)
		keep := len(s) - over
		if keep < 0 {
			keep = 0
		}
		leaf.parent[leaf.key] = truncateString(s, keep, strategy)
	}
}

func truncateString(s string, keep int, strategy TruncateStrategy) string {
	if keep >= len(s) {
		return s
	}
	if keep <= 0 {
		return ""
	}
	switch strategy {
	case TruncateMiddle:
		head := keep / 2
		tail := keep - head
		return s[:head] + s[len(s)-tail:]
	case TruncateStartKeep:
		return s[len(s)-keep:]
	default: // TruncateEnd
		return s[:keep]
	}
}

func collectStringLeaves(m map[string]any, prefix string) []stringLeaf {
	var out []stringLeaf
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		switch val := v.(type) {
		case string:
			out = append(out, stringLeaf{parent: m, key: k, length: len(val), path: path})
		case map[string]any:
			out = append(out, collectStringLeaves(val, path)...)
		}
	}
	return out
}
