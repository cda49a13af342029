// Package health runs the Stream Health Monitor: a periodic single-flight
// loop (gocron, singleton mode, matching the scheduler's approach) that
// polls the broadcast platform's reported stream status for every
// RUNNING job, applies the grace period before declaring a stream
// inactive, and drives the bounded exponential-backoff restart sequence.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"

	"github.com/trianglecurling/stream-orchestrator/internal/broadcast"
	"github.com/trianglecurling/stream-orchestrator/internal/jobstore"
	"github.com/trianglecurling/stream-orchestrator/internal/metrics"
	"github.com/trianglecurling/stream-orchestrator/internal/model"
	"github.com/trianglecurling/stream-orchestrator/internal/registry"
)

// Restarter is the seam to the agent protocol layer for issuing a
// job.stop followed by a fresh assignment; the health monitor only
// decides when a restart is warranted, not how to message the agent.
type Restarter interface {
	RestartJob(job model.Job) error
}

// Monitor is the health-polling loop.
type Monitor struct {
	log      zerolog.Logger
	jobs     *jobstore.Store
	agents   *registry.Registry
	client   broadcast.Client
	restart  Restarter
	interval time.Duration
	grace    time.Duration
	backoffs []time.Duration
	metrics  *metrics.Metrics

	cron gocron.Scheduler
}

// SetMetrics wires the Prometheus metrics sink. Optional; restarts are
// still tracked on the job's own HealthRecord without it.
func (m *Monitor) SetMetrics(mx *metrics.Metrics) {
	m.metrics = mx
}

// New builds a Monitor. backoffs is the restart delay table, e.g.
// [5s, 15s, 45s]; once a job has exhausted every entry it is failed
// terminally with STREAM_RESTART_EXCEEDED.
func New(log zerolog.Logger, jobs *jobstore.Store, agents *registry.Registry, client broadcast.Client, restart Restarter, interval, grace time.Duration, backoffs []time.Duration) (*Monitor, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("health: creating gocron scheduler: %w", err)
	}
	return &Monitor{
		log:      log.With().Str("component", "health").Logger(),
		jobs:     jobs,
		agents:   agents,
		client:   client,
		restart:  restart,
		interval: interval,
		grace:    grace,
		backoffs: backoffs,
		cron:     cron,
	}, nil
}

// Start registers the polling tick and starts gocron.
func (m *Monitor) Start(ctx context.Context) error {
	_, err := m.cron.NewJob(
		gocron.DurationJob(m.interval),
		gocron.NewTask(func() { m.tick(ctx) }),
		gocron.WithTags("stream-health"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("health: scheduling poll tick: %w", err)
	}
	m.cron.Start()
	m.log.Info().Dur("interval", m.interval).Dur("grace", m.grace).Msg("stream health monitor started")
	return nil
}

// Stop shuts gocron down, waiting for any in-progress tick.
func (m *Monitor) Stop() error {
	return m.cron.Shutdown()
}

func (m *Monitor) tick(ctx context.Context) {
	for _, job := range m.jobs.Running() {
		m.checkJob(ctx, job)
	}
}

func (m *Monitor) checkJob(ctx context.Context, job model.Job) {
	broadcastID := job.StreamMetadata.YouTube.BroadcastID
	streamID := job.StreamMetadata.YouTube.StreamID
	if streamID == "" {
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	status, err := m.client.BroadcastStatus(reqCtx, broadcastID, streamID)
	cancel()
	if err != nil {
		m.log.Warn().Err(err).Str("jobId", job.JobID).Msg("broadcast status check failed")
		return
	}

	ended := status.Ended()
	inactive := status.Inactive()

	if !ended && !inactive {
		if job.Health.FirstInactiveAt.IsZero() && job.Health.Attempts == 0 {
			return
		}
		m.jobs.Mutate(job.JobID, func(j *model.Job) bool {
			j.Health = model.HealthRecord{}
			return true
		})
		return
	}

	now := time.Now()
	updated, ok := m.jobs.Mutate(job.JobID, func(j *model.Job) bool {
		if j.Health.FirstInactiveAt.IsZero() {
			j.Health.FirstInactiveAt = now
			return true
		}
		return false
	})
	if ok && updated.Health.FirstInactiveAt.Equal(now) {
		// First observation this incident; grace period starts now.
		return
	}

	current, ok := m.jobs.Get(job.JobID)
	if !ok || current.Health.FirstInactiveAt.IsZero() {
		return
	}
	if now.Sub(current.Health.FirstInactiveAt) < m.grace {
		return
	}
	if current.Health.PendingRestart {
		return
	}

	if current.RestartPolicy == model.RestartNever {
		m.fail(job.JobID, model.JobError{Code: model.ErrStreamRestartExceeded, Message: "stream went inactive and restart policy is never"})
		return
	}

	if current.Health.Attempts >= len(m.backoffs) {
		m.fail(job.JobID, model.JobError{Code: model.ErrStreamRestartExceeded, Message: "stream restart attempts exhausted"})
		return
	}

	m.scheduleRestart(job.JobID, current.Health.Attempts)
}

func (m *Monitor) scheduleRestart(jobID string, attempt int) {
	delay := m.backoffs[attempt]
	m.jobs.Mutate(jobID, func(j *model.Job) bool {
		j.Health.PendingRestart = true
		j.Health.NextRestartAt = time.Now().Add(delay)
		return true
	})

	m.log.Warn().Str("jobId", jobID).Int("attempt", attempt+1).Dur("delay", delay).Msg("scheduling stream restart")

	time.AfterFunc(delay, func() {
		m.performRestart(jobID, attempt)
	})
}

func (m *Monitor) performRestart(jobID string, attempt int) {
	job, ok := m.jobs.Get(jobID)
	if !ok || !job.Health.PendingRestart || job.Status.Terminal() {
		return
	}

	if err := m.restart.RestartJob(job); err != nil {
		m.log.Error().Err(err).Str("jobId", jobID).Msg("restart dispatch failed")
		m.jobs.Mutate(jobID, func(j *model.Job) bool {
			j.Health.PendingRestart = false
			return true
		})
		return
	}

	m.jobs.Mutate(jobID, func(j *model.Job) bool {
		j.Health.Attempts = attempt + 1
		j.Health.PendingRestart = false
		j.Health.FirstInactiveAt = time.Time{}
		j.Status = model.JobPending
		j.AgentID = ""
		return true
	})
	m.agents.Revert(job.AgentID)
	if m.metrics != nil {
		m.metrics.StreamRestarts.Inc()
	}
}

func (m *Monitor) fail(jobID string, jobErr model.JobError) {
	m.jobs.Mutate(jobID, func(j *model.Job) bool {
		if j.Status.Terminal() {
			return false
		}
		j.Status = model.JobFailed
		j.Error = &jobErr
		return true
	})
	m.log.Error().Str("jobId", jobID).Str("code", jobErr.Code).Msg("job failed terminally")
}
