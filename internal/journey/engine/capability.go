package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/loupeai/journey/internal/journey/runtime"
)

// CapabilityRequest is everything a capability sees for one invocation.
type CapabilityRequest struct {
	ExecCtx  runtime.ExecutionContext
	ExecData runtime.ExecutionData
	// Params is the capability-specific sub-config from the step.
	Params map[string]any
}

// Capability is a registered autonomous operation. Execute must honor ctx
// cancellation: the engine enforces the step's wall-clock bound through it.
type Capability interface {
	Name() string
	Execute(ctx context.Context, req CapabilityRequest) (map[string]any, error)
}

// CapabilityRegistry maps capability keys to implementations.
type CapabilityRegistry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

func NewCapabilityRegistry() *CapabilityRegistry {
	return &CapabilityRegistry{caps: map[string]Capability{}}
}

// NewDefaultCapabilityRegistry returns a registry with the built-in
// capabilities registered.
func NewDefaultCapabilityRegistry() *CapabilityRegistry {
	r := NewCapabilityRegistry()
	r.Register(&AutoDiscovery{})
	r.Register(&AutoOutreach{})
	return r
}

func (r *CapabilityRegistry) Register(c Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.caps == nil {
		r.caps = map[string]Capability{}
	}
	r.caps[c.Name()] = c
}

func (r *CapabilityRegistry) Resolve(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[strings.TrimSpace(name)]
	return c, ok
}

func (r *CapabilityRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.caps))
	for k := range r.caps {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// AutoDiscovery scores candidate companies from the step params against the
// journey's target profile. Deterministic given the same params, so a journey
// replay produces the same discovery set.
type AutoDiscovery struct{}

func (c *AutoDiscovery) Name() string { return "auto_discovery" }

func (c *AutoDiscovery) Execute(ctx context.Context, req CapabilityRequest) (map[string]any, error) {
	candidates, _ := req.Params["candidates"].([]any)
	targetIndustry, _ := req.Params["industry"].(string)
	minScore := numberParam(req.Params, "min_score", 50)
	maxResults := int(numberParam(req.Params, "max_results", 25))

	var entities []map[string]any
	signals := 0
	for _, raw := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cand, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		score, hits := scoreCandidate(cand, targetIndustry)
		if score < minScore {
			continue
		}
		signals += hits
		entities = append(entities, map[string]any{
			"name":     cand["name"],
			"industry": cand["industry"],
			"city":     cand["city"],
			"score":    score,
			"signals":  hits,
		})
		if len(entities) >= maxResults {
			break
		}
	}
	sort.Slice(entities, func(i, j int) bool {
		si, _ := entities[i]["score"].(float64)
		sj, _ := entities[j]["score"].(float64)
		if si != sj {
			return si > sj
		}
		ni, _ := entities[i]["name"].(string)
		nj, _ := entities[j]["name"].(string)
		return ni < nj
	})
	return map[string]any{
		"entities": entities,
		"data_quality": map[string]any{
			"signal_count": signals,
			"sources_used": []string{"journey_params"},
		},
	}, nil
}

func scoreCandidate(cand map[string]any, targetIndustry string) (float64, int) {
	score := 40.0
	hits := 0
	if industry, _ := cand["industry"].(string); targetIndustry != "" && strings.EqualFold(industry, targetIndustry) {
		score += 30
		hits++
	}
	if headcount := numberParam(cand, "headcount", 0); headcount >= 100 {
		score += 20
		hits++
	}
	if growing, _ := cand["hiring"].(bool); growing {
		score += 10
		hits++
	}
	if score > 100 {
		score = 100
	}
	return score, hits
}

// AutoOutreach drafts outreach entries for a list of contacts. It refuses to
// exceed the per-run contact cap: exceeding it is a safety violation, not a
// truncation.
type AutoOutreach struct {
	// MaxContactsPerRun defaults to 50.
	MaxContactsPerRun int
}

func (c *AutoOutreach) Name() string { return "auto_outreach" }

func (c *AutoOutreach) Execute(ctx context.Context, req CapabilityRequest) (map[string]any, error) {
	limit := c.MaxContactsPerRun
	if limit <= 0 {
		limit = 50
	}
	contacts, _ := req.Params["contacts"].([]any)
	if len(contacts) > limit {
		return nil, &PolicyViolation{
			Rule:   "outreach_contact_cap",
			Detail: fmt.Sprintf("%d contacts exceeds per-run cap of %d", len(contacts), limit),
		}
	}
	messageTemplate, _ := req.Params["message"].(string)
	if strings.TrimSpace(messageTemplate) == "" {
		return nil, fmt.Errorf("auto_outreach requires a message param")
	}

	var drafts []map[string]any
	for _, raw := range contacts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		contact, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := contact["name"].(string)
		drafts = append(drafts, map[string]any{
			"contact": name,
			"message": strings.ReplaceAll(messageTemplate, "{{name}}", name),
			"status":  "drafted",
		})
	}
	return map[string]any{
		"drafts":  drafts,
		"drafted": len(drafts),
	}, nil
}

func numberParam(m map[string]any, key string, def float64) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return def
	}
}
