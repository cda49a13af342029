// Package jobstore is the Job Store: the single owner of mutable job
// state, indexed by job id and by the idempotency key clients use to
// make job creation safe to retry. Locking discipline mirrors the Agent
// Registry: mutate under the lock, notify subscribers after releasing it.
package jobstore

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/trianglecurling/stream-orchestrator/internal/model"
)

// Listener is notified with a snapshot of a job after every change.
type Listener func(model.Job)

// Store owns every job for the lifetime of the process. Nothing here is
// persisted: restarting the orchestrator loses in-flight job state by
// design, the audit log is a record of what happened, not a recovery
// source.
type Store struct {
	log zerolog.Logger

	mu          sync.Mutex
	byID        map[string]*model.Job
	byIdempKey  map[string]string // idempotency key -> jobID

	listenersMu sync.RWMutex
	listeners   []Listener
}

// New creates an empty Store.
func New(log zerolog.Logger) *Store {
	return &Store{
		log:        log.With().Str("component", "jobstore").Logger(),
		byID:       make(map[string]*model.Job),
		byIdempKey: make(map[string]string),
	}
}

// Subscribe registers a listener for every job mutation.
func (s *Store) Subscribe(l Listener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Store) notify(j model.Job) {
	s.listenersMu.RLock()
	ls := append([]Listener(nil), s.listeners...)
	s.listenersMu.RUnlock()
	for _, l := range ls {
		l(j)
	}
}

// CreateResult reports whether Create returned a freshly created job or
// the existing one matching idempotencyKey.
type CreateResult struct {
	Job      model.Job
	Existing bool
}

// Create inserts a new job, or returns the existing job for
// idempotencyKey unchanged if one was already created with that key.
func (s *Store) Create(j model.Job) CreateResult {
	now := time.Now()

	s.mu.Lock()
	if j.IdempotencyKey != "" {
		if existingID, ok := s.byIdempKey[j.IdempotencyKey]; ok {
			existing := s.byID[existingID].Snapshot()
			s.mu.Unlock()
			return CreateResult{Job: existing, Existing: true}
		}
	}

	j.CreatedAt = now
	j.UpdatedAt = now
	j.Status = model.JobCreated
	stored := j
	s.byID[j.JobID] = &stored
	if j.IdempotencyKey != "" {
		s.byIdempKey[j.IdempotencyKey] = j.JobID
	}
	snapshot := stored.Snapshot()
	s.mu.Unlock()

	s.notify(snapshot)
	return CreateResult{Job: snapshot}
}

// GetByIdempotencyKey returns the job already created for key, if any,
// letting callers skip re-provisioning external resources for a retried
// request before calling Create.
func (s *Store) GetByIdempotencyKey(key string) (model.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byIdempKey[key]
	if !ok {
		return model.Job{}, false
	}
	return s.byID[id].Snapshot(), true
}

// Get returns a snapshot of a job.
func (s *Store) Get(jobID string) (model.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.byID[jobID]
	if !ok {
		return model.Job{}, false
	}
	return j.Snapshot(), true
}

// List returns a snapshot of every job.
func (s *Store) List() []model.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Job, 0, len(s.byID))
	for _, j := range s.byID {
		out = append(out, j.Snapshot())
	}
	return out
}

// OldestPending returns the oldest job in PENDING status (FIFO), or
// false if none are pending.
func (s *Store) OldestPending() (model.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *model.Job
	for _, j := range s.byID {
		if j.Status != model.JobPending {
			continue
		}
		if oldest == nil || j.CreatedAt.Before(oldest.CreatedAt) {
			oldest = j
		}
	}
	if oldest == nil {
		return model.Job{}, false
	}
	return oldest.Snapshot(), true
}

// Mutate applies fn to the job under lock and notifies listeners with
// the result. fn returning false leaves the job untouched and suppresses
// the notification, letting callers express conditional transitions
// (e.g. "only if still PENDING") without a read-then-write race.
func (s *Store) Mutate(jobID string, fn func(j *model.Job) bool) (model.Job, bool) {
	s.mu.Lock()
	j, ok := s.byID[jobID]
	if !ok {
		s.mu.Unlock()
		return model.Job{}, false
	}
	if !fn(j) {
		snapshot := j.Snapshot()
		s.mu.Unlock()
		return snapshot, false
	}
	j.UpdatedAt = time.Now()
	snapshot := j.Snapshot()
	s.mu.Unlock()

	s.notify(snapshot)
	return snapshot, true
}

// Active returns jobs whose status is in the non-terminal set.
func (s *Store) Active() []model.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Job, 0)
	for _, j := range s.byID {
		if !j.Status.Terminal() {
			out = append(out, j.Snapshot())
		}
	}
	return out
}

// Running returns jobs currently RUNNING, the set the health monitor
// polls.
func (s *Store) Running() []model.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Job, 0)
	for _, j := range s.byID {
		if j.Status == model.JobRunning {
			out = append(out, j.Snapshot())
		}
	}
	return out
}

// PublicActive returns the public projection of every job whose status
// is in the public-visible active set.
func (s *Store) PublicActive() []model.PublicProjection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.PublicProjection, 0)
	for _, j := range s.byID {
		if j.Status.Active() {
			out = append(out, j.ToPublicProjection())
		}
	}
	return out
}

// ByAgent returns the job currently assigned to agentID, if any.
func (s *Store) ByAgent(agentID string) (model.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.byID {
		if j.AgentID == agentID && !j.Status.Terminal() {
			return j.Snapshot(), true
		}
	}
	return model.Job{}, false
}
