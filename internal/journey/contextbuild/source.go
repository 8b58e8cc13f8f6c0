// Package contextbuild assembles the bounded context object injected into a
// step's prompt. It resolves declarative context sources against execution
// data, merges them in declaration order, enforces the token budget, and
// substitutes the result into prompt templates.
package contextbuild

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/loupeai/journey/internal/journey/runtime"
)

type SourceType string

const (
	SourceStatic      SourceType = "static"
	SourceJourneyData SourceType = "journey_data"
	SourceExpression  SourceType = "expression"
	SourceComputed    SourceType = "computed"
)

type Transform string

const (
	TransformNone   Transform = "none"
	TransformString Transform = "string"
	TransformNumber Transform = "number"
	TransformJSON   Transform = "json"
)

// Source declares one context input. Immutable per step configuration.
//
// Key is the context key the resolved value is folded under. A source with an
// empty Key must resolve to an object; its fields are merged directly into the
// context.
type Source struct {
	ID   string     `json:"id,omitempty" yaml:"id,omitempty"`
	Type SourceType `json:"type" yaml:"type"`
	Key  string     `json:"key,omitempty" yaml:"key,omitempty"`

	StaticValue any    `json:"static_value,omitempty" yaml:"static_value,omitempty"`
	DataPath    string `json:"data_path,omitempty" yaml:"data_path,omitempty"`
	Expression  string `json:"expression,omitempty" yaml:"expression,omitempty"`
	ComputeKey  string `json:"compute_key,omitempty" yaml:"compute_key,omitempty"`

	Transform Transform `json:"transform,omitempty" yaml:"transform,omitempty"`
}

// ComputeFunc derives a value from execution state. Implementations must be
// pure: same inputs, same output, no clock or randomness.
type ComputeFunc func(execCtx runtime.ExecutionContext, execData runtime.ExecutionData) (any, error)

// ComputeRegistry maps compute keys to their functions.
type ComputeRegistry map[string]ComputeFunc

// DefaultComputes returns the built-in computed sources.
func DefaultComputes() ComputeRegistry {
	return ComputeRegistry{
		// step_output_count: number of prior steps with recorded outputs.
		"step_output_count": func(_ runtime.ExecutionContext, d runtime.ExecutionData) (any, error) {
			return len(d.StepOutputs), nil
		},
		// prior_output_tokens: token estimate of all prior step outputs.
		"prior_output_tokens": func(_ runtime.ExecutionContext, d runtime.ExecutionData) (any, error) {
			b, err := json.Marshal(d.StepOutputs)
			if err != nil {
				return nil, err
			}
			return EstimateTokens(string(b)), nil
		},
	}
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.$-]+)\s*\}\}`)

// Resolver resolves sources. The zero value is usable; Computes defaults to
// DefaultComputes when nil.
type Resolver struct {
	Computes ComputeRegistry
}

// ResolveSource resolves one source to its raw value and applies its
// transform. A missing journey_data path resolves to nil, not an error;
// unknown compute keys and failed transforms are unrecoverable errors.
func (r Resolver) ResolveSource(src Source, execCtx runtime.ExecutionContext, execData runtime.ExecutionData) (any, error) {
	var (
		val any
		err error
	)
	switch src.Type {
	case SourceStatic:
		val = src.StaticValue
	case SourceJourneyData:
		val, _ = execData.Lookup(src.DataPath)
	case SourceExpression:
		val = evalExpression(src.Expression, execData)
	case SourceComputed:
		val, err = r.resolveComputed(src, execCtx, execData)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown source type: %q", src.Type)
	}
	return applyTransform(src.Transform, val)
}

func (r Resolver) resolveComputed(src Source, execCtx runtime.ExecutionContext, execData runtime.ExecutionData) (any, error) {
	computes := r.Computes
	if computes == nil {
		computes = DefaultComputes()
	}
	fn, ok := computes[strings.TrimSpace(src.ComputeKey)]
	if !ok {
		return nil, fmt.Errorf("unknown compute key: %q", src.ComputeKey)
	}
	return fn(execCtx, execData)
}

// evalExpression substitutes every {{a.b.c}} occurrence with the path's string
// form from execution data. Unresolved placeholders stay verbatim so broken
// bindings are visible downstream.
func evalExpression(expr string, execData runtime.ExecutionData) string {
	return placeholderRe.ReplaceAllStringFunc(expr, func(m string) string {
		path := placeholderRe.FindStringSubmatch(m)[1]
		v, ok := execData.Lookup(path)
		if !ok {
			return m
		}
		return Stringify(v)
	})
}

func applyTransform(t Transform, v any) (any, error) {
	switch t {
	case "", TransformNone:
		return v, nil
	case TransformString:
		if v == nil {
			return nil, nil
		}
		return Stringify(v), nil
	case TransformNumber:
		return coerceNumber(v)
	case TransformJSON:
		return parseJSONValue(v)
	default:
		return nil, fmt.Errorf("unknown transform: %q", t)
	}
}

func coerceNumber(v any) (any, error) {
	switch n := v.(type) {
	case nil:
		return nil, nil
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case bool:
		if n {
			return float64(1), nil
		}
		return float64(0), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return nil, fmt.Errorf("numeric transform: %q is not a number", n)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("numeric transform: unsupported type %T", v)
	}
}

func parseJSONValue(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		// Already structured; pass through.
		return v, nil
	}
	var out any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("json transform: %w", err)
	}
	return out, nil
}

// Stringify renders a value the way it should appear inside a prompt: strings
// verbatim, numbers without a trailing ".0", structured values as JSON.
func Stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool, int, int64, float32:
		return fmt.Sprint(s)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}
