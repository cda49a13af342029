package server

import (
	"encoding/json"
	"html/template"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/trianglecurling/stream-orchestrator/internal/model"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"error": map[string]string{"code": code, "message": message}})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.jobs.PublicActive())
}

var statusPageTmpl = template.Must(template.New("status").Parse(`<!DOCTYPE html>
<html><head><title>Stream Orchestrator</title></head>
<body>
<h1>Stream Orchestrator</h1>
<p>{{len .Jobs}} active job(s), {{len .Agents}} known agent(s).</p>
<ul>
{{range .Jobs}}<li>{{.Title}} &mdash; {{.Sheet}}</li>{{end}}
</ul>
</body></html>`))

// handleStatusPage renders a minimal human-readable status page, the
// one surface where a templating library would normally be reached for;
// stdlib html/template stands in since code generation isn't available
// here (see DESIGN.md).
func (s *Server) handleStatusPage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = statusPageTmpl.Execute(w, map[string]any{
		"Jobs":   s.jobs.PublicActive(),
		"Agents": s.agents.List(),
	})
}

type createJobRequest struct {
	TemplateID     string         `json:"templateId"`
	InlineConfig   map[string]any `json:"inlineConfig"`
	IdempotencyKey string         `json:"idempotencyKey"`
	RestartPolicy  string         `json:"restartPolicy"`
	RequestedBy    string         `json:"requestedBy"`
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	Context        map[string]any `json:"context"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "BAD_REQUEST", "malformed request body")
		return
	}
	if (req.TemplateID == "") == (req.InlineConfig == nil) {
		writeErr(w, http.StatusBadRequest, "BAD_REQUEST", "exactly one of templateId or inlineConfig is required")
		return
	}

	if req.IdempotencyKey != "" {
		if existing, ok := s.jobs.GetByIdempotencyKey(req.IdempotencyKey); ok {
			writeJSON(w, http.StatusOK, existing)
			return
		}
	}

	if !s.jobCreateLim.Allow() {
		s.metrics.RateLimitRejections.WithLabelValues("job_creation").Inc()
		writeErr(w, http.StatusTooManyRequests, model.ErrJobCreationRateLimit, "job creation rate exceeded")
		return
	}

	policy := model.RestartPolicy(req.RestartPolicy)
	if policy == "" {
		policy = model.RestartOnFailure
	}

	job := model.Job{
		JobID:          uuid.NewString(),
		TemplateID:     req.TemplateID,
		InlineConfig:   req.InlineConfig,
		IdempotencyKey: req.IdempotencyKey,
		RestartPolicy:  policy,
		RequestedBy:    req.RequestedBy,
		Status:         model.JobCreated,
		StreamMetadata: model.StreamMetadata{
			Title:       req.Title,
			Description: req.Description,
			Context:     req.Context,
		},
	}

	result := s.jobs.Create(job)
	status := http.StatusCreated
	if result.Existing {
		writeJSON(w, http.StatusOK, result.Job)
		return
	}

	s.provisionAndActivate(r.Context(), result.Job.JobID)

	final, ok := s.jobs.Get(result.Job.JobID)
	if !ok {
		final = result.Job
	}
	writeJSON(w, status, final)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.jobs.List())
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	job, ok := s.jobs.Get(id)
	if !ok {
		writeErr(w, http.StatusNotFound, "NOT_FOUND", "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	job, ok := s.jobs.Mutate(id, func(j *model.Job) bool {
		if j.Status.Terminal() {
			return false
		}
		j.Status = model.JobCanceled
		return true
	})
	if !ok {
		if _, exists := s.jobs.Get(id); !exists {
			writeErr(w, http.StatusNotFound, "NOT_FOUND", "job not found")
			return
		}
		writeErr(w, http.StatusConflict, "CONFLICT", "job already in a terminal state")
		return
	}
	if job.AgentID != "" {
		_ = s.agentHandler.RestartJob(job) // reuses job.stop; agent will report job.stopped
		s.agents.Revert(job.AgentID)
	}
	s.meta.Cancel(id)
	writeJSON(w, http.StatusOK, job)
}

type updateMetadataRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
}

func (s *Server) handleUpdateMetadata(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	var req updateMetadataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "BAD_REQUEST", "malformed request body")
		return
	}

	current, ok := s.jobs.Get(id)
	if !ok {
		writeErr(w, http.StatusNotFound, "NOT_FOUND", "job not found")
		return
	}

	title := current.StreamMetadata.Title
	if req.Title != nil {
		title = *req.Title
	}
	description := current.StreamMetadata.Description
	if req.Description != nil {
		description = *req.Description
	}

	job, ok := s.meta.UpdateAndSchedule(id, title, description)
	if !ok {
		writeErr(w, http.StatusConflict, "CONFLICT", "job already in a terminal state")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agents.List())
}

func (s *Server) handleDrainAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "agentID")
	if !s.agents.SetDraining(id, true) {
		writeErr(w, http.StatusNotFound, "NOT_FOUND", "agent not found")
		return
	}
	agent, _ := s.agents.Get(id)
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleOAuthStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"authorized": s.oauth.HasToken(r.Context())})
}

func (s *Server) handleOAuthAuthURL(w http.ResponseWriter, r *http.Request) {
	url, err := s.oauth.AuthCodeURL()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "INTERNAL", "failed to build authorization url")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

type oauthTokenRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleOAuthToken(w http.ResponseWriter, r *http.Request) {
	var req oauthTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		writeErr(w, http.StatusBadRequest, "BAD_REQUEST", "code is required")
		return
	}
	if err := s.oauth.ExchangeCode(r.Context(), req.Code); err != nil {
		writeErr(w, http.StatusBadRequest, model.ErrYouTubeSetupFailed, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "authorized"})
}

func (s *Server) handleOAuthTokenClear(w http.ResponseWriter, r *http.Request) {
	if err := s.oauth.Clear(r.Context()); err != nil {
		writeErr(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleOAuthCallback completes the browser-redirect authorization-code
// exchange and sends the operator back to the UI.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		writeErr(w, http.StatusBadRequest, "BAD_REQUEST", "missing state or code")
		return
	}

	if err := s.oauth.Callback(ctx, state, code); err != nil {
		writeErr(w, http.StatusBadRequest, "OAUTH_FAILED", err.Error())
		return
	}
	http.Redirect(w, r, s.cfg.UIBaseURL, http.StatusFound)
}
