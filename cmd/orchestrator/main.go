// Command orchestrator runs the streaming job orchestrator: the agent
// control plane, the scheduler, the stream health monitor, and the
// operator HTTP API described in this repository.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/trianglecurling/stream-orchestrator/internal/agentconn"
	"github.com/trianglecurling/stream-orchestrator/internal/audit"
	"github.com/trianglecurling/stream-orchestrator/internal/broadcast"
	"github.com/trianglecurling/stream-orchestrator/internal/config"
	"github.com/trianglecurling/stream-orchestrator/internal/health"
	"github.com/trianglecurling/stream-orchestrator/internal/jobstore"
	"github.com/trianglecurling/stream-orchestrator/internal/metadata"
	"github.com/trianglecurling/stream-orchestrator/internal/metrics"
	"github.com/trianglecurling/stream-orchestrator/internal/model"
	"github.com/trianglecurling/stream-orchestrator/internal/oauthmgr"
	"github.com/trianglecurling/stream-orchestrator/internal/registry"
	"github.com/trianglecurling/stream-orchestrator/internal/scheduler"
	"github.com/trianglecurling/stream-orchestrator/internal/server"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	root := &cobra.Command{
		Use:   "orchestrator",
		Short: "Streaming job orchestrator control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(log)
		},
	}
	root.AddCommand(newServeCmd(log))
	root.AddCommand(newMigrateCmd(log))

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}

func newServeCmd(log zerolog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator server (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(log)
		},
	}
}

func newMigrateCmd(log zerolog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply audit log migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			auditLog, err := audit.Open(ctx, log, cfg.AuditDBPath)
			if err != nil {
				return fmt.Errorf("applying migrations: %w", err)
			}
			log.Info().Str("path", cfg.AuditDBPath).Msg("audit log migrations applied")
			return auditLog.Close()
		},
	}
}

// lazyTokenSource defers loading the stored OAuth token until first use,
// so the process can start before the operator has completed the
// /oauth/auth-url flow.
type lazyTokenSource struct {
	mgr *oauthmgr.Manager
}

func (l lazyTokenSource) Token() (*oauth2.Token, error) {
	src, err := l.mgr.TokenSource(context.Background())
	if err != nil {
		return nil, err
	}
	return src.Token()
}

func runServe(log zerolog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	tokenHash, err := bcrypt.GenerateFromPassword([]byte(cfg.AgentToken), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing agent token: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	auditLog, err := audit.Open(ctx, log, cfg.AuditDBPath)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}

	m := metrics.New()
	agents := registry.New(log)
	jobs := jobstore.New(log)

	tokenStore := oauthmgr.NewMemoryTokenStore()
	oauth := oauthmgr.New(cfg.YouTubeClientID, cfg.YouTubeSecret, cfg.YouTubeRedirect, tokenStore)

	var baseClient broadcast.Client
	if cfg.DisableYouTubeAPI {
		baseClient = broadcast.NewMockClient()
		log.Warn().Msg("DISABLE_YOUTUBE_API set, using in-memory broadcast client")
	} else {
		baseClient = broadcast.NewYouTubeClient(log, lazyTokenSource{mgr: oauth})
	}
	client := broadcast.NewInstrumented(baseClient, m)

	metaDebouncer := metadata.New(log, jobs, client, cfg.MetadataDebounce)

	agentHandler := agentconn.New(log, tokenHash, agents, jobs, nil, int(cfg.HeartbeatInterval/time.Millisecond))

	sched, err := scheduler.New(log, jobs, agents, agentHandler, cfg.SchedulerTick, cfg.AssignAckTTL)
	if err != nil {
		return fmt.Errorf("building scheduler: %w", err)
	}
	agentHandler.SetSchedulerAck(sched)

	monitor, err := health.New(log, jobs, agents, client, agentHandler, cfg.StreamHealthInterval, cfg.StreamInactiveGrace, cfg.RestartBackoffs)
	if err != nil {
		return fmt.Errorf("building health monitor: %w", err)
	}
	monitor.SetMetrics(m)

	srv := server.New(server.Deps{
		Cfg:          cfg,
		Log:          log,
		Agents:       agents,
		Jobs:         jobs,
		Scheduler:    sched,
		Metadata:     metaDebouncer,
		Client:       client,
		OAuth:        oauth,
		Metrics:      m,
		AuditLog:     auditLog,
		AgentHandler: agentHandler,
		TokenHash:    tokenHash,
	})

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	if err := monitor.Start(ctx); err != nil {
		return fmt.Errorf("starting health monitor: %w", err)
	}
	go heartbeatSweep(ctx, log, agents, jobs, cfg.HeartbeatTimeout)

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case sig := <-shutdownCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			log.Error().Err(err).Msg("server error")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
		return err
	}
	log.Info().Msg("orchestrator shutdown complete")
	return nil
}

// heartbeatSweep periodically reaps agents that have gone silent past
// the configured timeout, independent of the scheduler's own tick, and
// carries that same timeout into job state: a reaped agent's job goes
// UNKNOWN, and a job that has sat UNKNOWN for a further timeout period
// with no heartbeat recovering it is failed with AGENT_OFFLINE.
func heartbeatSweep(ctx context.Context, log zerolog.Logger, agents *registry.Registry, jobs *jobstore.Store, timeout time.Duration) {
	ticker := time.NewTicker(timeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepOnce(log, agents, jobs, timeout)
		}
	}
}

// sweepOnce runs a single heartbeat-sweep pass, split out from
// heartbeatSweep's ticker loop so it can be exercised directly.
func sweepOnce(log zerolog.Logger, agents *registry.Registry, jobs *jobstore.Store, timeout time.Duration) {
	reaped := agents.SweepTimeouts(timeout)
	if len(reaped) > 0 {
		log.Warn().Int("count", len(reaped)).Msg("reaped timed-out agents")
	}
	for _, agent := range reaped {
		if agent.CurrentJobID == "" {
			continue
		}
		jobs.Mutate(agent.CurrentJobID, func(j *model.Job) bool {
			if j.Status.Terminal() || j.Status == model.JobUnknown {
				return false
			}
			j.Status = model.JobUnknown
			return true
		})
	}

	now := time.Now()
	for _, j := range jobs.Active() {
		if j.Status != model.JobUnknown || now.Sub(j.UpdatedAt) < timeout {
			continue
		}
		jobs.Mutate(j.JobID, func(job *model.Job) bool {
			if job.Status != model.JobUnknown {
				return false
			}
			job.Status = model.JobFailed
			job.Error = &model.JobError{Code: model.ErrAgentOffline, Message: "agent heartbeat timed out"}
			return true
		})
	}
}
