package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/loupeai/journey/internal/journey/engine"
	"github.com/loupeai/journey/internal/journey/template"
)

// validID matches ULIDs, UUIDs, and other safe identifiers. Only
// alphanumeric, dashes, and underscores are allowed.
var validID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,127}$`)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"kill_switch": s.engine.Safety().KillSwitchEngaged(),
	})
}

func (s *Server) handleExecuteStep(w http.ResponseWriter, r *http.Request) {
	var req ExecuteStepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Context.StepID == "" || req.Context.RunID == "" {
		writeError(w, http.StatusBadRequest, "context.step_id and context.run_id are required")
		return
	}
	if !validID.MatchString(req.Context.RunID) {
		writeError(w, http.StatusBadRequest, "run_id must be alphanumeric with dashes/underscores, 1-128 chars")
		return
	}

	res, err := s.engine.Execute(r.Context(), req.Step, req.Context, req.Data)
	if err != nil {
		var se *engine.StepError
		if errors.As(err, &se) {
			s.logger.Info("step failed",
				zap.String("run_id", req.Context.RunID),
				zap.String("step_id", req.Context.StepID),
				zap.String("code", string(se.Code)))
			writeJSON(w, statusForCode(se.Code), ExecuteStepResponse{Error: &StepErrorBody{
				Code:   string(se.Code),
				StepID: se.StepID,
				Detail: se.Detail,
				Raw:    se.Raw,
			}})
			return
		}
		s.logger.Error("step failed",
			zap.String("run_id", req.Context.RunID),
			zap.String("step_id", req.Context.StepID),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ExecuteStepResponse{Result: res})
}

// statusForCode maps engine failure codes onto HTTP statuses the graph
// executor can branch on without parsing the body.
func statusForCode(code engine.Code) int {
	switch code {
	case engine.CodeTemplateNotFound, engine.CodeCapabilityNotFound:
		return http.StatusNotFound
	case engine.CodeAutonomousDisabled:
		return http.StatusConflict
	case engine.CodeExecutionTimeout:
		return http.StatusGatewayTimeout
	case engine.CodeLLMCallFailed:
		return http.StatusBadGateway
	default:
		return http.StatusUnprocessableEntity
	}
}

func (s *Server) handlePutTemplate(w http.ResponseWriter, r *http.Request) {
	var t template.Template
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	stored, err := s.engine.Templates().Register(r.Context(), t)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("template registered",
		zap.String("template_id", stored.ID),
		zap.Int("version", stored.Version))
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := template.Filter{
		ID:         q.Get("id"),
		NameGlob:   q.Get("name"),
		Tags:       q["tag"],
		LatestOnly: q.Get("latest") == "true",
	}
	list, err := s.engine.Templates().List(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": list})
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !validID.MatchString(id) {
		writeError(w, http.StatusBadRequest, "invalid template id")
		return
	}
	version := 0 // latest
	if v := strings.TrimSpace(r.URL.Query().Get("version")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "version must be a non-negative integer")
			return
		}
		version = n
	}
	t, err := s.engine.Templates().Get(r.Context(), id, version)
	if err != nil {
		if errors.Is(err, template.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("template %s not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req KillSwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	s.engine.Safety().SetKillSwitch(req.Engaged)
	s.logger.Warn("kill switch updated", zap.Bool("engaged", req.Engaged))
	writeJSON(w, http.StatusOK, KillSwitchResponse{Engaged: req.Engaged})
}

func (s *Server) handleGetKillSwitch(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, KillSwitchResponse{
		Engaged: s.engine.Safety().KillSwitchEngaged(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
