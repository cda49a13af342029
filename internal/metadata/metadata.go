// Package metadata coalesces rapid title/description edits into a single
// propagation to the broadcast platform per job, 10 seconds after the
// last edit, so a user adjusting text field-by-field doesn't fire one
// platform call per keystroke.
package metadata

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/trianglecurling/stream-orchestrator/internal/broadcast"
	"github.com/trianglecurling/stream-orchestrator/internal/jobstore"
	"github.com/trianglecurling/stream-orchestrator/internal/model"
)

// Debouncer owns one pending timer per job awaiting a metadata push.
type Debouncer struct {
	log    zerolog.Logger
	jobs   *jobstore.Store
	client broadcast.Client
	delay  time.Duration

	mu      sync.Mutex
	timers  map[string]*time.Timer
}

// New creates a Debouncer with the given coalescing delay.
func New(log zerolog.Logger, jobs *jobstore.Store, client broadcast.Client, delay time.Duration) *Debouncer {
	return &Debouncer{
		log:    log.With().Str("component", "metadata").Logger(),
		jobs:   jobs,
		client: client,
		delay:  delay,
		timers: make(map[string]*time.Timer),
	}
}

// Schedule records that jobID's metadata changed and (re)starts its
// debounce timer. Calling this again before the timer fires resets the
// wait, so a burst of edits collapses into one platform call.
func (d *Debouncer) Schedule(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if t, ok := d.timers[jobID]; ok {
		t.Stop()
	}
	d.timers[jobID] = time.AfterFunc(d.delay, func() { d.flush(jobID) })
}

// Cancel stops any pending propagation for jobID, used when a job ends
// before its debounce window elapses.
func (d *Debouncer) Cancel(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[jobID]; ok {
		t.Stop()
		delete(d.timers, jobID)
	}
}

func (d *Debouncer) flush(jobID string) {
	d.mu.Lock()
	delete(d.timers, jobID)
	d.mu.Unlock()

	job, ok := d.jobs.Get(jobID)
	if !ok || job.Status.Terminal() {
		return
	}
	broadcastID := job.StreamMetadata.YouTube.BroadcastID
	if broadcastID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := d.client.UpdateMetadata(ctx, broadcastID, job.StreamMetadata.Title, job.StreamMetadata.Description); err != nil {
		d.log.Warn().Err(err).Str("jobId", jobID).Msg("metadata propagation failed")
		return
	}

	d.log.Debug().Str("jobId", jobID).Msg("metadata propagated")
}

// UpdateAndSchedule applies a metadata mutation to the job store and
// schedules the debounced platform push in one call, the shape every
// HTTP handler touching title/description should use.
func (d *Debouncer) UpdateAndSchedule(jobID, title, description string) (model.Job, bool) {
	updated, ok := d.jobs.Mutate(jobID, func(j *model.Job) bool {
		if j.Status.Terminal() {
			return false
		}
		j.StreamMetadata.Title = title
		j.StreamMetadata.Description = description
		return true
	})
	if ok {
		d.Schedule(jobID)
	}
	return updated, ok
}
