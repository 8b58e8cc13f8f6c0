package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/loupeai/journey/internal/journey/contextbuild"
	"github.com/loupeai/journey/internal/journey/engine"
	"github.com/loupeai/journey/internal/journey/gateway"
	"github.com/loupeai/journey/internal/journey/template"
)

type scriptedGateway struct {
	mu      sync.Mutex
	content []string
}

func (g *scriptedGateway) Complete(context.Context, gateway.Request) (gateway.Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.content) == 0 {
		return gateway.Response{}, fmt.Errorf("no scripted content")
	}
	c := g.content[0]
	g.content = g.content[1:]
	return gateway.Response{Content: c, Model: "fast"}, nil
}

func newTestServer(t *testing.T, content ...string) *Server {
	t.Helper()
	reg := template.NewRegistry(template.NewMemoryStore())
	_, err := reg.Register(context.Background(), template.Template{
		ID:         "route",
		Version:    1,
		UserPrompt: "Route {{company}}.",
	})
	if err != nil {
		t.Fatalf("register template: %v", err)
	}
	eng, err := engine.New(engine.Options{
		Templates: reg,
		Gateway:   &scriptedGateway{content: content},
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return New(Config{Addr: ":0"}, eng, zap.NewNop())
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func stepRequest(step engine.StepConfig) ExecuteStepRequest {
	var req ExecuteStepRequest
	req.Step = step
	req.Context.TenantID = "t1"
	req.Context.RunID = "run-1"
	req.Context.StepID = "step-1"
	req.Data.Input = map[string]any{"company": "Acme"}
	return req
}

func decisionStep() engine.StepConfig {
	return engine.StepConfig{
		TemplateID: "route",
		ContextSources: []contextbuild.Source{
			{Type: contextbuild.SourceJourneyData, Key: "company", DataPath: "input.company"},
		},
		Outcomes: []engine.OutcomeOption{
			{ID: "qualified", TransitionID: "t-yes"},
			{ID: "not_qualified", TransitionID: "t-no"},
		},
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s.Handler(), "GET", "/v1/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["kill_switch"] != false {
		t.Fatalf("body = %v", body)
	}
}

func TestExecuteDecisionStep(t *testing.T) {
	s := newTestServer(t, `{"outcome":"qualified","confidence":0.9}`)
	rec := doJSON(t, s.Handler(), "POST", "/v1/steps/execute", stepRequest(decisionStep()))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp ExecuteStepResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Result == nil || resp.Result.TransitionHint != "t-yes" {
		t.Fatalf("result = %+v", resp.Result)
	}
}

func TestExecuteStepErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		step       engine.StepConfig
		content    []string
		wantStatus int
		wantCode   string
	}{
		{
			name: "missing template",
			step: func() engine.StepConfig {
				cfg := decisionStep()
				cfg.TemplateID = "missing"
				return cfg
			}(),
			wantStatus: http.StatusNotFound,
			wantCode:   "TEMPLATE_NOT_FOUND",
		},
		{
			name:       "missing capability",
			step:       engine.StepConfig{Capability: "nope", MaxExecutionTimeMS: 100},
			wantStatus: http.StatusNotFound,
			wantCode:   "CAPABILITY_NOT_FOUND",
		},
		{
			name:       "invalid outcome",
			step:       decisionStep(),
			content:    []string{`{"outcome":"shrug"}`},
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   "NO_VALID_OUTCOME",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestServer(t, tc.content...)
			rec := doJSON(t, s.Handler(), "POST", "/v1/steps/execute", stepRequest(tc.step))
			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tc.wantStatus, rec.Body.String())
			}
			var resp ExecuteStepResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Error == nil || resp.Error.Code != tc.wantCode {
				t.Fatalf("error = %+v, want code %s", resp.Error, tc.wantCode)
			}
		})
	}
}

func TestExecuteStepRequiresIdentifiers(t *testing.T) {
	s := newTestServer(t)
	req := stepRequest(decisionStep())
	req.Context.RunID = ""
	rec := doJSON(t, s.Handler(), "POST", "/v1/steps/execute", req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestTemplateAdmin(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	rec := doJSON(t, h, "POST", "/v1/templates", template.Template{
		ID:         "welcome",
		UserPrompt: "Welcome {{name}}.",
		Tags:       []string{"onboarding"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, "GET", "/v1/templates/welcome", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var got template.Template
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "welcome" || got.Version != 1 {
		t.Fatalf("got = %+v", got)
	}

	rec = doJSON(t, h, "GET", "/v1/templates?tag=onboarding", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var list struct {
		Templates []template.Template `json:"templates"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Templates) != 1 || list.Templates[0].ID != "welcome" {
		t.Fatalf("list = %+v", list.Templates)
	}

	rec = doJSON(t, h, "GET", "/v1/templates/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing template status = %d", rec.Code)
	}

	rec = doJSON(t, h, "POST", "/v1/templates", template.Template{ID: "empty"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid template status = %d", rec.Code)
	}
}

func TestKillSwitchEndpoint(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	rec := doJSON(t, h, "PUT", "/v1/safety/killswitch", KillSwitchRequest{Engaged: true})
	if rec.Code != http.StatusOK {
		t.Fatalf("engage status = %d", rec.Code)
	}

	// Autonomous work is now refused.
	rec = doJSON(t, h, "POST", "/v1/steps/execute", stepRequest(engine.StepConfig{
		Capability:         "auto_discovery",
		MaxExecutionTimeMS: 1000,
	}))
	if rec.Code != http.StatusConflict {
		t.Fatalf("autonomous status = %d, want 409: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, "PUT", "/v1/safety/killswitch", KillSwitchRequest{Engaged: false})
	if rec.Code != http.StatusOK {
		t.Fatalf("release status = %d", rec.Code)
	}
	rec = doJSON(t, h, "GET", "/v1/safety/killswitch", nil)
	var ks KillSwitchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &ks); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ks.Engaged {
		t.Fatal("kill switch should be released")
	}
}
