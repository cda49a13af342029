package server

import (
	"context"
	"sync"
	"time"

	"github.com/trianglecurling/stream-orchestrator/internal/model"
)

// provisionAndActivate runs the post-creation provisioning sequence for a
// job already allocated in the CREATED state: consult the broadcast rate
// limiter, synthesize title/description, reserve a broadcast+stream pair,
// and transition the job to PENDING. A failure at any step marks the job
// FAILED with the matching error code in place rather than leaving it
// uncreated, so it stays visible to GET /v1/jobs and the UI fanout.
func (s *Server) provisionAndActivate(ctx context.Context, jobID string) {
	job, ok := s.jobs.Get(jobID)
	if !ok {
		return
	}

	if !s.broadcastLim.Allow() {
		s.metrics.RateLimitRejections.WithLabelValues("broadcast_creation").Inc()
		s.failJob(jobID, model.ErrRateLimitExceeded, "broadcast creation rate exceeded")
		return
	}

	title, description := synthesizeMetadata(job)

	var scheduledStart time.Time
	if v, ok := job.StreamMetadata.Context["scheduledStartTime"].(string); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			scheduledStart = t
		}
	}
	if scheduledStart.IsZero() {
		scheduledStart = time.Now().Add(60 * time.Second)
	}

	res, err := s.client.CreateBroadcast(ctx, title, description, scheduledStart)
	if err != nil {
		s.failJob(jobID, model.ErrYouTubeSetupFailed, err.Error())
		return
	}

	s.jobs.Mutate(jobID, func(j *model.Job) bool {
		if j.Status.Terminal() {
			return false
		}
		j.StreamMetadata.Title = title
		j.StreamMetadata.Description = description
		j.StreamMetadata.YouTube = model.YouTubeHandles{
			BroadcastID:        res.BroadcastID,
			StreamID:           res.StreamID,
			StreamKey:          res.StreamKey,
			StreamURL:          res.StreamURL,
			PrivacyStatus:      res.PrivacyStatus,
			ScheduledStartTime: res.ScheduledStartTime,
			ChannelID:          res.ChannelID,
			VideoID:            res.VideoID,
		}
		j.Status = model.JobPending
		return true
	})
}

func (s *Server) failJob(jobID, code, message string) {
	s.jobs.Mutate(jobID, func(j *model.Job) bool {
		if j.Status.Terminal() {
			return false
		}
		j.Status = model.JobFailed
		j.Error = &model.JobError{Code: code, Message: message}
		return true
	})
}

// synthesizeMetadata resolves a job's title and description: a caller
// -supplied string always wins, otherwise one is derived from the
// free-form streamContext supplied at creation, otherwise a default.
func synthesizeMetadata(job model.Job) (title, description string) {
	title = job.StreamMetadata.Title
	description = job.StreamMetadata.Description

	ctx := job.StreamMetadata.Context
	get := func(k string) string {
		if ctx == nil {
			return ""
		}
		if v, ok := ctx[k].(string); ok {
			return v
		}
		return ""
	}

	if title == "" {
		team1, team2, sheet := get("team1"), get("team2"), get("sheet")
		switch {
		case team1 != "" && team2 != "":
			title = team1 + " vs " + team2
		case sheet != "":
			title = "Live stream — " + sheet
		}
	}
	if title == "" {
		title = "Live broadcast"
	}

	if description == "" {
		if sheet := get("sheet"); sheet != "" {
			description = "Live coverage from " + sheet + "."
		}
	}
	if description == "" {
		description = "Live broadcast."
	}
	return title, description
}

// lifecycleWatcher observes job-store transitions it can't get from a
// single Mutate call (the previous status) and drives the broadcast
// platform side effects that only make sense on a transition: going
// live when a job starts running, and transitioning the broadcast to
// complete once a job reaches a terminal state.
type lifecycleWatcher struct {
	mu   sync.Mutex
	seen map[string]model.JobStatus
}

func newLifecycleWatcher() *lifecycleWatcher {
	return &lifecycleWatcher{seen: make(map[string]model.JobStatus)}
}

func (w *lifecycleWatcher) transition(j model.Job) (from model.JobStatus, changed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	prev, ok := w.seen[j.JobID]
	w.seen[j.JobID] = j.Status
	if j.Status.Terminal() {
		delete(w.seen, j.JobID)
	}
	if !ok || prev == j.Status {
		return prev, false
	}
	return prev, true
}

// onJobTransition is wired into jobs.Subscribe and reacts to the two
// transitions the broadcast platform needs to know about.
func (s *Server) onJobTransition(j model.Job) {
	from, changed := s.lifecycle.transition(j)
	if !changed || j.StreamMetadata.YouTube.BroadcastID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	switch {
	case j.Status == model.JobRunning && from != model.JobRunning:
		if err := s.client.TransitionBroadcast(ctx, j.StreamMetadata.YouTube.BroadcastID, "live"); err != nil {
			s.log.Warn().Err(err).Str("jobId", j.JobID).Msg("failed to transition broadcast live")
		}
	case j.Status.Terminal():
		if err := s.client.TransitionBroadcast(ctx, j.StreamMetadata.YouTube.BroadcastID, "complete"); err != nil {
			s.log.Warn().Err(err).Str("jobId", j.JobID).Msg("failed to end broadcast")
		}
	}
}
