// Package scheduler runs the periodic matching loop that assigns
// PENDING jobs to IDLE agents, tracks the assign/ack handshake TTL, and
// reverts assignments an agent fails to acknowledge in time. It wraps
// gocron as a single DurationJob in singleton mode so a slow tick can
// never overlap the next.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"

	"github.com/trianglecurling/stream-orchestrator/internal/jobstore"
	"github.com/trianglecurling/stream-orchestrator/internal/model"
	"github.com/trianglecurling/stream-orchestrator/internal/registry"
)

// Dispatcher is the seam to the agent protocol layer: sending an
// assign.start and waiting isn't modeled here, only fire-and-forget
// send plus the async ack arriving later through Ack.
type Dispatcher interface {
	// SendAssignStart delivers assign.start to the given agent for job,
	// returning a correlation id that the scheduler stores with the
	// pending assignment. Ack matches an acknowledgement by job id and
	// agent id only; the correlation id is not compared.
	SendAssignStart(agentID string, job model.Job) (correlationID string, err error)
}

type pendingAssignment struct {
	jobID         string
	agentID       string
	correlationID string
	deadline      time.Time
}

// Scheduler is the 500ms single-flight matcher.
type Scheduler struct {
	log      zerolog.Logger
	jobs     *jobstore.Store
	agents   *registry.Registry
	dispatch Dispatcher
	tick     time.Duration
	ackTTL   time.Duration

	mu       sync.Mutex
	inFlight map[string]*pendingAssignment // jobID -> pending

	cron gocron.Scheduler
}

// New builds a Scheduler. Call Start to begin ticking.
func New(log zerolog.Logger, jobs *jobstore.Store, agents *registry.Registry, dispatch Dispatcher, tick, ackTTL time.Duration) (*Scheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: creating gocron scheduler: %w", err)
	}
	return &Scheduler{
		log:      log.With().Str("component", "scheduler").Logger(),
		jobs:     jobs,
		agents:   agents,
		dispatch: dispatch,
		tick:     tick,
		ackTTL:   ackTTL,
		inFlight: make(map[string]*pendingAssignment),
		cron:     cron,
	}, nil
}

// Start registers the matching tick and the ack-timeout sweep, then
// starts the underlying gocron scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(s.tick),
		gocron.NewTask(s.matchTick),
		gocron.WithTags("match"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("scheduler: scheduling match tick: %w", err)
	}

	sweepEvery := s.ackTTL
	if sweepEvery <= 0 {
		sweepEvery = time.Second
	}
	_, err = s.cron.NewJob(
		gocron.DurationJob(sweepEvery),
		gocron.NewTask(s.sweepExpiredAcks),
		gocron.WithTags("ack-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("scheduler: scheduling ack sweep: %w", err)
	}

	s.cron.Start()
	s.log.Info().Dur("tick", s.tick).Dur("ackTTL", s.ackTTL).Msg("scheduler started")
	return nil
}

// Stop waits for any in-progress tick to finish, then shuts gocron down.
func (s *Scheduler) Stop() error {
	return s.cron.Shutdown()
}

// matchTick assigns the single oldest PENDING job to an eligible agent,
// if any. It intentionally assigns at most one job per tick: the FIFO
// order must be evaluated against a registry/job-store state that could
// change after each assignment (an agent just reserved is no longer
// idle), and re-reading state between assignments is simpler than
// batching under a snapshot that's stale the moment it's taken.
func (s *Scheduler) matchTick() {
	job, ok := s.jobs.OldestPending()
	if !ok {
		return
	}

	candidates := s.agents.IdleCandidates()
	if len(candidates) == 0 {
		return
	}

	for _, agent := range candidates {
		if !s.agents.TryReserve(agent.AgentID, job.JobID) {
			continue
		}

		updated, ok := s.jobs.Mutate(job.JobID, func(j *model.Job) bool {
			if j.Status != model.JobPending {
				return false
			}
			j.Status = model.JobAssigned
			j.AgentID = agent.AgentID
			return true
		})
		if !ok {
			// Job was claimed or canceled between OldestPending and now.
			s.agents.Revert(agent.AgentID)
			return
		}

		correlationID, err := s.dispatch.SendAssignStart(agent.AgentID, updated)
		if err != nil {
			s.log.Warn().Err(err).Str("jobId", job.JobID).Str("agentId", agent.AgentID).Msg("failed to send assign.start")
			s.agents.Revert(agent.AgentID)
			s.jobs.Mutate(job.JobID, func(j *model.Job) bool {
				j.Status = model.JobPending
				j.AgentID = ""
				return true
			})
			return
		}

		s.mu.Lock()
		s.inFlight[job.JobID] = &pendingAssignment{
			jobID:         job.JobID,
			agentID:       agent.AgentID,
			correlationID: correlationID,
			deadline:      time.Now().Add(s.ackTTL),
		}
		s.mu.Unlock()

		s.log.Info().Str("jobId", job.JobID).Str("agentId", agent.AgentID).Msg("job assigned")
		return
	}
}

// Ack is called by the protocol handler when an assign.ack arrives.
// accepted false reverts the assignment immediately rather than waiting
// for the TTL sweep.
func (s *Scheduler) Ack(jobID, agentID string, accepted bool) {
	s.mu.Lock()
	pending, ok := s.inFlight[jobID]
	if !ok || pending.agentID != agentID {
		s.mu.Unlock()
		return
	}
	delete(s.inFlight, jobID)
	s.mu.Unlock()

	if accepted {
		s.jobs.Mutate(jobID, func(j *model.Job) bool {
			if j.Status != model.JobAssigned {
				return false
			}
			j.Status = model.JobAccepted
			return true
		})
		return
	}

	s.revertAssignment(jobID, agentID)
}

func (s *Scheduler) revertAssignment(jobID, agentID string) {
	s.agents.Revert(agentID)
	s.jobs.Mutate(jobID, func(j *model.Job) bool {
		if j.Status.Terminal() {
			return false
		}
		j.Status = model.JobPending
		j.AgentID = ""
		return true
	})
	s.log.Warn().Str("jobId", jobID).Str("agentId", agentID).Msg("assignment reverted")
}

// sweepExpiredAcks reverts any assignment whose ack TTL has elapsed.
func (s *Scheduler) sweepExpiredAcks() {
	now := time.Now()

	var expired []*pendingAssignment
	s.mu.Lock()
	for jobID, p := range s.inFlight {
		if now.After(p.deadline) {
			expired = append(expired, p)
			delete(s.inFlight, jobID)
		}
	}
	s.mu.Unlock()

	for _, p := range expired {
		s.revertAssignment(p.jobID, p.agentID)
	}
}
