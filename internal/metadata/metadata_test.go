package metadata

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/trianglecurling/stream-orchestrator/internal/broadcast"
	"github.com/trianglecurling/stream-orchestrator/internal/jobstore"
	"github.com/trianglecurling/stream-orchestrator/internal/model"
)

type recordingClient struct {
	mu    sync.Mutex
	calls []string
}

func (c *recordingClient) CreateBroadcast(ctx context.Context, title, description string, scheduledStart time.Time) (broadcast.Reservation, error) {
	return broadcast.Reservation{}, nil
}

func (c *recordingClient) TransitionBroadcast(ctx context.Context, broadcastID, status string) error {
	return nil
}

func (c *recordingClient) UpdateMetadata(ctx context.Context, broadcastID, title, description string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, title+"|"+description)
	return nil
}

func (c *recordingClient) BroadcastStatus(ctx context.Context, broadcastID, streamID string) (broadcast.BroadcastStatus, error) {
	return broadcast.BroadcastStatus{StreamStatus: broadcast.StreamActive}, nil
}

func (c *recordingClient) DeleteBroadcast(ctx context.Context, broadcastID, streamID string) error {
	return nil
}

func (c *recordingClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *recordingClient) lastCall() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.calls) == 0 {
		return ""
	}
	return c.calls[len(c.calls)-1]
}

func TestUpdateAndScheduleUpdatesJobImmediately(t *testing.T) {
	jobs := jobstore.New(zerolog.Nop())
	jobs.Create(model.Job{JobID: "job-1"})

	client := &recordingClient{}
	d := New(zerolog.Nop(), jobs, client, 20*time.Millisecond)

	updated, ok := d.UpdateAndSchedule("job-1", "new title", "new description")
	if !ok {
		t.Fatal("expected update to succeed")
	}
	if updated.StreamMetadata.Title != "new title" {
		t.Fatalf("expected job store updated immediately, got %q", updated.StreamMetadata.Title)
	}

	if client.callCount() != 0 {
		t.Fatal("expected no platform call before the debounce delay elapses")
	}
}

func TestUpdateAndScheduleRejectsTerminalJob(t *testing.T) {
	jobs := jobstore.New(zerolog.Nop())
	jobs.Create(model.Job{JobID: "job-1"})
	jobs.Mutate("job-1", func(j *model.Job) bool { j.Status = model.JobStopped; return true })

	client := &recordingClient{}
	d := New(zerolog.Nop(), jobs, client, 20*time.Millisecond)

	_, ok := d.UpdateAndSchedule("job-1", "new title", "new description")
	if ok {
		t.Fatal("expected update of a terminal job to be rejected")
	}
}

func TestScheduleDebouncesRapidEdits(t *testing.T) {
	jobs := jobstore.New(zerolog.Nop())
	jobs.Create(model.Job{JobID: "job-1"})
	jobs.Mutate("job-1", func(j *model.Job) bool {
		j.StreamMetadata.YouTube.BroadcastID = "bc-1"
		return true
	})

	client := &recordingClient{}
	d := New(zerolog.Nop(), jobs, client, 30*time.Millisecond)

	d.UpdateAndSchedule("job-1", "title one", "")
	time.Sleep(10 * time.Millisecond)
	d.UpdateAndSchedule("job-1", "title two", "")
	time.Sleep(10 * time.Millisecond)
	d.UpdateAndSchedule("job-1", "title three", "")

	// Wait past the debounce delay from the final edit.
	time.Sleep(50 * time.Millisecond)

	if client.callCount() != 1 {
		t.Fatalf("expected exactly one coalesced platform call, got %d", client.callCount())
	}
	if client.lastCall() != "title three|" {
		t.Fatalf("expected the final edit's content to win, got %q", client.lastCall())
	}
}

func TestCancelStopsPendingPropagation(t *testing.T) {
	jobs := jobstore.New(zerolog.Nop())
	jobs.Create(model.Job{JobID: "job-1"})
	jobs.Mutate("job-1", func(j *model.Job) bool {
		j.StreamMetadata.YouTube.BroadcastID = "bc-1"
		return true
	})

	client := &recordingClient{}
	d := New(zerolog.Nop(), jobs, client, 20*time.Millisecond)

	d.UpdateAndSchedule("job-1", "title", "")
	d.Cancel("job-1")

	time.Sleep(40 * time.Millisecond)

	if client.callCount() != 0 {
		t.Fatal("expected no platform call after cancellation")
	}
}

func TestFlushSkipsJobsWithoutBroadcastID(t *testing.T) {
	jobs := jobstore.New(zerolog.Nop())
	jobs.Create(model.Job{JobID: "job-1"})

	client := &recordingClient{}
	d := New(zerolog.Nop(), jobs, client, 20*time.Millisecond)

	d.UpdateAndSchedule("job-1", "title", "")
	time.Sleep(40 * time.Millisecond)

	if client.callCount() != 0 {
		t.Fatal("expected no platform call for a job with no broadcast reserved yet")
	}
}
