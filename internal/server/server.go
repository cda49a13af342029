// Package server wires the HTTP and WebSocket surface together: the
// agent control plane, the authenticated UI feed, the public status
// feed, and the operator REST API for job and agent management.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
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
	"github.com/trianglecurling/stream-orchestrator/internal/ratelimit"
	"github.com/trianglecurling/stream-orchestrator/internal/registry"
	"github.com/trianglecurling/stream-orchestrator/internal/scheduler"
)

// Server bundles the router with every component handlers need.
type Server struct {
	cfg     *config.Config
	log     zerolog.Logger
	agents  *registry.Registry
	jobs    *jobstore.Store
	sched   *scheduler.Scheduler
	meta    *metadata.Debouncer
	client  broadcast.Client
	oauth   *oauthmgr.Manager
	metrics *metrics.Metrics
	auditlog *audit.Log

	agentHandler *agentconn.Handler
	broadcastLim *ratelimit.SlidingWindow
	jobCreateLim *ratelimit.BurstInterval

	uiHub     *uiHub
	statusHub *uiHub
	lifecycle *lifecycleWatcher

	router     *chi.Mux
	httpServer *http.Server
	tokenHash  []byte
}

// Deps bundles the components built by cmd/orchestrator/main.go into one
// argument.
type Deps struct {
	Cfg          *config.Config
	Log          zerolog.Logger
	Agents       *registry.Registry
	Jobs         *jobstore.Store
	Scheduler    *scheduler.Scheduler
	Metadata     *metadata.Debouncer
	Client       broadcast.Client
	OAuth        *oauthmgr.Manager
	Metrics      *metrics.Metrics
	AuditLog     *audit.Log
	AgentHandler *agentconn.Handler
	TokenHash    []byte
}

// New builds the Server and wires registry/job-store listeners to the
// UI and public status fanout hubs.
func New(d Deps) *Server {
	s := &Server{
		cfg:          d.Cfg,
		log:          d.Log.With().Str("component", "server").Logger(),
		agents:       d.Agents,
		jobs:         d.Jobs,
		sched:        d.Scheduler,
		meta:         d.Metadata,
		client:       d.Client,
		oauth:        d.OAuth,
		metrics:      d.Metrics,
		auditlog:     d.AuditLog,
		agentHandler: d.AgentHandler,
		broadcastLim: ratelimit.NewSlidingWindow(d.Cfg.BroadcastLimitCount, d.Cfg.BroadcastLimitWindow),
		jobCreateLim: ratelimit.NewBurstInterval(d.Cfg.JobBurstCount, d.Cfg.JobMinInterval),
		uiHub:        newUIHub(d.Log),
		statusHub:    newUIHub(d.Log),
		lifecycle:    newLifecycleWatcher(),
		tokenHash:    d.TokenHash,
	}

	s.agents.Subscribe(func(a model.Agent) {
		s.uiHub.Broadcast(map[string]any{"type": "agent", "payload": a})
		s.updateAgentGauges()
		eventType := "agent.state_changed"
		if a.State == model.AgentOffline {
			eventType = "agent.offline"
		}
		s.auditlog.Record(audit.Event{Type: eventType, AgentID: a.AgentID, Detail: map[string]any{"state": a.State}})
	})
	s.jobs.Subscribe(func(j model.Job) {
		s.uiHub.Broadcast(map[string]any{"type": "job", "payload": j})
		s.statusHub.Broadcast(map[string]any{"type": "status", "payload": j.ToPublicProjection()})
		s.updateJobGauges()
		if j.Status == model.JobFailed && j.Error != nil {
			s.metrics.JobsFailed.WithLabelValues(j.Error.Code).Inc()
		}
		detail := map[string]any{"status": j.Status, "agentId": j.AgentID}
		if j.Error != nil {
			detail["errorCode"] = j.Error.Code
		}
		s.auditlog.Record(audit.Event{Type: "job.transition", JobID: j.JobID, AgentID: j.AgentID, Detail: detail})
		s.onJobTransition(j)
	})

	s.setupRouter()
	return s
}

func (s *Server) checkAgentToken(token string) bool {
	return bcrypt.CompareHashAndPassword(s.tokenHash, []byte(token)) == nil
}

func (s *Server) updateAgentGauges() {
	counts := map[model.AgentState]int{}
	for _, a := range s.agents.List() {
		counts[a.State]++
	}
	for _, state := range []model.AgentState{
		model.AgentOffline, model.AgentIdle, model.AgentReserved, model.AgentStarting,
		model.AgentRunning, model.AgentStopping, model.AgentError, model.AgentDraining,
	} {
		s.metrics.AgentsByState.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

func (s *Server) updateJobGauges() {
	counts := map[model.JobStatus]int{}
	for _, j := range s.jobs.List() {
		counts[j.Status]++
	}
	for _, status := range []model.JobStatus{
		model.JobCreated, model.JobPending, model.JobAssigned, model.JobAccepted,
		model.JobStarting, model.JobRunning, model.JobStopping, model.JobStopped,
		model.JobFailed, model.JobUnknown, model.JobCanceled, model.JobDismissed,
	} {
		s.metrics.JobsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)
	r.Use(s.securityHeaders)

	r.Get("/", s.handleStatusPage)
	r.Get("/health", s.handleHealth)
	r.Get("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}).ServeHTTP)

	// Public, unauthenticated status surface — permissive CORS since
	// this is meant to be embedded by arbitrary viewer pages.
	r.Group(func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "OPTIONS"},
		}))
		r.Get("/status", s.handleStatus)
		r.Get("/status-ws", s.statusHub.ServeHTTP(s.publicSnapshot))
	})

	// Agent control plane and operator endpoints — restricted to the
	// trusted network when enabled.
	r.Group(func(r chi.Router) {
		r.Use(s.requireTrustedNetwork)

		r.Handle("/agent", s.agentHandler)
		r.Get("/ui", s.uiHub.ServeHTTP(s.uiSnapshot))

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handleCreateJob)
			r.Get("/", s.handleListJobs)
			r.Get("/{jobID}", s.handleGetJob)
			r.Post("/{jobID}/cancel", s.handleCancelJob)
			r.Patch("/{jobID}/metadata", s.handleUpdateMetadata)
		})

		r.Route("/agents", func(r chi.Router) {
			r.Get("/", s.handleListAgents)
			r.With(s.requireAgentToken).Post("/{agentID}/drain", s.handleDrainAgent)
		})

		r.Route("/oauth", func(r chi.Router) {
			r.Get("/status", s.handleOAuthStatus)
			r.Get("/auth-url", s.handleOAuthAuthURL)
			r.Post("/token", s.handleOAuthToken)
			r.Delete("/token", s.handleOAuthTokenClear)
			r.Get("/callback", s.handleOAuthCallback)
		})
	})

	s.router = r
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Run starts the HTTP server.
func (s *Server) Run() error {
	s.httpServer = &http.Server{
		Addr:    ":" + s.cfg.Port,
		Handler: s.router,
	}
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("starting orchestrator server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server, the scheduler, and the
// audit log writer, in that order so in-flight requests still see a
// consistent view of scheduler state.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return err
		}
	}
	if err := s.sched.Stop(); err != nil {
		s.log.Warn().Err(err).Msg("scheduler shutdown error")
	}
	if s.auditlog != nil {
		return s.auditlog.Close()
	}
	return nil
}

func (s *Server) uiSnapshot() any {
	return map[string]any{
		"type": "snapshot",
		"payload": map[string]any{
			"agents": s.agents.List(),
			"jobs":   s.jobs.List(),
		},
	}
}

func (s *Server) publicSnapshot() any {
	return map[string]any{
		"type":    "snapshot",
		"payload": s.jobs.PublicActive(),
	}
}
