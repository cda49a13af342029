package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/trianglecurling/stream-orchestrator/internal/agentconn"
	"github.com/trianglecurling/stream-orchestrator/internal/audit"
	"github.com/trianglecurling/stream-orchestrator/internal/broadcast"
	"github.com/trianglecurling/stream-orchestrator/internal/config"
	"github.com/trianglecurling/stream-orchestrator/internal/jobstore"
	"github.com/trianglecurling/stream-orchestrator/internal/metadata"
	"github.com/trianglecurling/stream-orchestrator/internal/metrics"
	"github.com/trianglecurling/stream-orchestrator/internal/model"
	"github.com/trianglecurling/stream-orchestrator/internal/oauthmgr"
	"github.com/trianglecurling/stream-orchestrator/internal/registry"
	"github.com/trianglecurling/stream-orchestrator/internal/scheduler"
)

// newTestServer wires a full Server against real (but lightweight)
// dependencies: an in-memory mock broadcast client, an in-process
// sqlite audit log, and a scheduler/agent-handler pair constructed in
// the same order cmd/orchestrator/main.go uses to resolve their
// circular dependency.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, _ := newTestServerWithClient(t)
	return s
}

func newTestServerWithClient(t *testing.T) (*Server, *broadcast.MockClient) {
	t.Helper()

	cfg := &config.Config{
		Port:                          "0",
		EnablePublicAccessRestriction: false,
		AgentToken:                    "secret-token",
		BroadcastLimitCount:           1000,
		BroadcastLimitWindow:          time.Minute,
		JobBurstCount:                 1000,
		JobMinInterval:                time.Millisecond,
		SchedulerTick:                 time.Hour,
		AssignAckTTL:                  time.Minute,
		MetadataDebounce:              time.Minute,
		UIBaseURL:                     "http://localhost:8080",
	}

	log := zerolog.Nop()
	agents := registry.New(log)
	jobs := jobstore.New(log)
	client := broadcast.NewMockClient()
	m := metrics.New()
	tokenHash := mustHash(t, cfg.AgentToken)

	agentHandler := agentconn.New(log, tokenHash, agents, jobs, nil, 3000)
	sched, err := scheduler.New(log, jobs, agents, agentHandler, cfg.SchedulerTick, cfg.AssignAckTTL)
	if err != nil {
		t.Fatalf("scheduler.New: %v", err)
	}
	agentHandler.SetSchedulerAck(sched)

	meta := metadata.New(log, jobs, client, cfg.MetadataDebounce)
	oauth := oauthmgr.New("client-id", "client-secret", cfg.YouTubeRedirect, oauthmgr.NewMemoryTokenStore())

	auditPath := filepath.Join(t.TempDir(), "audit.db")
	auditLog, err := audit.Open(context.Background(), log, auditPath)
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { _ = auditLog.Close() })

	return New(Deps{
		Cfg:          cfg,
		Log:          log,
		Agents:       agents,
		Jobs:         jobs,
		Scheduler:    sched,
		Metadata:     meta,
		Client:       client,
		OAuth:        oauth,
		Metrics:      m,
		AuditLog:     auditLog,
		AgentHandler: agentHandler,
		TokenHash:    tokenHash,
	}), client
}

func mustHash(t *testing.T, token string) []byte {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hashing token: %v", err)
	}
	return hash
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestCreateJobRequiresTemplateOrInlineConfig(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("POST", "/jobs/", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != 400 {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateJobSucceedsWithTemplate(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(map[string]any{"templateId": "tmpl-1", "title": "Finals"})
	req := httptest.NewRequest("POST", "/jobs/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != 201 {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var job model.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if job.Status != model.JobPending {
		t.Fatalf("expected PENDING, got %s", job.Status)
	}
	if job.StreamMetadata.YouTube.BroadcastID == "" {
		t.Fatal("expected a broadcast reservation to be attached")
	}
}

func TestCreateJobSynthesizesTitleFromStreamContext(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(map[string]any{
		"templateId": "tmpl-1",
		"context":    map[string]any{"team1": "Red Rock", "team2": "Granite"},
	})
	req := httptest.NewRequest("POST", "/jobs/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	var job model.Job
	json.Unmarshal(rec.Body.Bytes(), &job)
	if job.StreamMetadata.Title != "Red Rock vs Granite" {
		t.Fatalf("expected title derived from streamContext, got %q", job.StreamMetadata.Title)
	}
}

func TestCreateJobProvisioningFailureProducesRetrievableFailedJob(t *testing.T) {
	s, client := newTestServerWithClient(t)
	client.SetCreateBroadcastErr(errors.New("quota exceeded"))

	body, _ := json.Marshal(map[string]any{"templateId": "tmpl-1"})
	req := httptest.NewRequest("POST", "/jobs/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != 201 {
		t.Fatalf("expected 201 even on provisioning failure, got %d: %s", rec.Code, rec.Body.String())
	}
	var job model.Job
	json.Unmarshal(rec.Body.Bytes(), &job)
	if job.Status != model.JobFailed {
		t.Fatalf("expected FAILED, got %s", job.Status)
	}
	if job.Error == nil || job.Error.Code != model.ErrYouTubeSetupFailed {
		t.Fatalf("expected YOUTUBE_SETUP_FAILED, got %+v", job.Error)
	}

	fetched, ok := s.jobs.Get(job.JobID)
	if !ok {
		t.Fatal("expected the failed job to remain retrievable from the job store")
	}
	if fetched.Status != model.JobFailed {
		t.Fatalf("expected stored job FAILED, got %s", fetched.Status)
	}
}

func TestCreateJobIsIdempotentByKey(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(map[string]any{"templateId": "tmpl-1", "idempotencyKey": "dup-key"})

	req1 := httptest.NewRequest("POST", "/jobs/", bytes.NewReader(body))
	rec1 := httptest.NewRecorder()
	s.Router().ServeHTTP(rec1, req1)
	var first model.Job
	json.Unmarshal(rec1.Body.Bytes(), &first)

	req2 := httptest.NewRequest("POST", "/jobs/", bytes.NewReader(body))
	rec2 := httptest.NewRecorder()
	s.Router().ServeHTTP(rec2, req2)

	if rec2.Code != 200 {
		t.Fatalf("expected 200 for a repeated idempotency key, got %d", rec2.Code)
	}
	var second model.Job
	json.Unmarshal(rec2.Body.Bytes(), &second)
	if second.JobID != first.JobID {
		t.Fatalf("expected the same job back, got %s vs %s", second.JobID, first.JobID)
	}
}

func TestGetJobNotFound(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("GET", "/jobs/ghost", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != 404 {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func createJob(t *testing.T, s *Server) model.Job {
	t.Helper()
	body, _ := json.Marshal(map[string]any{"templateId": "tmpl-1"})
	req := httptest.NewRequest("POST", "/jobs/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	var job model.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decoding created job: %v", err)
	}
	return job
}

func TestCancelJobTransitionsToCanceled(t *testing.T) {
	s := newTestServer(t)
	job := createJob(t, s)

	req := httptest.NewRequest("POST", "/jobs/"+job.JobID+"/cancel", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var canceled model.Job
	json.Unmarshal(rec.Body.Bytes(), &canceled)
	if canceled.Status != model.JobCanceled {
		t.Fatalf("expected CANCELED, got %s", canceled.Status)
	}
}

func TestCancelJobTwiceConflicts(t *testing.T) {
	s := newTestServer(t)
	job := createJob(t, s)

	req1 := httptest.NewRequest("POST", "/jobs/"+job.JobID+"/cancel", nil)
	s.Router().ServeHTTP(httptest.NewRecorder(), req1)

	req2 := httptest.NewRequest("POST", "/jobs/"+job.JobID+"/cancel", nil)
	rec2 := httptest.NewRecorder()
	s.Router().ServeHTTP(rec2, req2)

	if rec2.Code != 409 {
		t.Fatalf("expected 409 on double cancel, got %d", rec2.Code)
	}
}

func TestUpdateMetadataAppliesImmediatelyToStore(t *testing.T) {
	s := newTestServer(t)
	job := createJob(t, s)

	body, _ := json.Marshal(map[string]any{"title": "New Title"})
	req := httptest.NewRequest("PATCH", "/jobs/"+job.JobID+"/metadata", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var updated model.Job
	json.Unmarshal(rec.Body.Bytes(), &updated)
	if updated.StreamMetadata.Title != "New Title" {
		t.Fatalf("expected title updated, got %q", updated.StreamMetadata.Title)
	}
}

func TestUpdateMetadataNotFound(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(map[string]any{"title": "x"})
	req := httptest.NewRequest("PATCH", "/jobs/ghost/metadata", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != 404 {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestListAgentsEmpty(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("GET", "/agents/", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var agents []model.Agent
	json.Unmarshal(rec.Body.Bytes(), &agents)
	if len(agents) != 0 {
		t.Fatalf("expected no agents, got %d", len(agents))
	}
}

func TestDrainAgentRequiresAgentToken(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("POST", "/agents/agent-1/drain", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != 401 {
		t.Fatalf("expected 401 with no token, got %d", rec.Code)
	}
}

func TestDrainAgentNotFoundWithValidToken(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("POST", "/agents/ghost/drain", nil)
	req.Header.Set("X-Agent-Token", "secret-token")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != 404 {
		t.Fatalf("expected 404 for an unknown agent, got %d", rec.Code)
	}
}

func TestOAuthStatusUnauthorizedInitially(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("GET", "/oauth/status", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	var resp map[string]bool
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["authorized"] {
		t.Fatal("expected authorized=false before any token exchange")
	}
}

func TestOAuthAuthURLReturnsURL(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("GET", "/oauth/auth-url", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["url"] == "" {
		t.Fatal("expected a non-empty authorization url")
	}
}

func TestPublicStatusEndpointHasPermissiveCORS(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("GET", "/status", nil)
	req.Header.Set("Origin", "https://viewer.example")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected Access-Control-Allow-Origin *, got %q", got)
	}
}

func TestTrustedNetworkRestrictionBlocksUntrustedRemote(t *testing.T) {
	s := newTestServer(t)
	s.cfg.EnablePublicAccessRestriction = true

	req := httptest.NewRequest("GET", "/agents/", nil)
	req.RemoteAddr = "203.0.113.5:1234"
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != 403 {
		t.Fatalf("expected 403 from an untrusted remote address, got %d", rec.Code)
	}
}

func TestTrustedNetworkRestrictionAllowsLoopback(t *testing.T) {
	s := newTestServer(t)
	s.cfg.EnablePublicAccessRestriction = true

	req := httptest.NewRequest("GET", "/agents/", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200 from loopback, got %d", rec.Code)
	}
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
