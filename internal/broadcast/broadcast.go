// Package broadcast talks to the external live-broadcast platform
// (YouTube Live Streaming) on behalf of jobs: reserving a
// broadcast+stream pair, transitioning broadcast lifecycle state,
// pushing metadata updates, and reporting stream health. Every call is
// wrapped in bounded retries via github.com/buildkite/roko.
package broadcast

import (
	"context"
	"time"
)

// Reservation is what the platform hands back when a job's broadcast and
// ingest stream are created.
type Reservation struct {
	BroadcastID        string
	StreamID           string
	StreamKey          string
	StreamURL          string
	PrivacyStatus      string
	ScheduledStartTime time.Time
	ChannelID          string
	VideoID            string
}

// StreamState is the platform-observed state of an ingest stream, used
// by the health monitor to decide whether a RUNNING job's stream is
// actually receiving data.
type StreamState string

const (
	StreamActive   StreamState = "active"
	StreamInactive StreamState = "inactive"
	StreamError    StreamState = "error"
)

// BroadcastStatus is the platform-observed lifecycle and ingest state for
// a job's reservation, queried together so the health monitor can tell a
// broadcast that has actually ended apart from a stream that has merely
// gone quiet.
type BroadcastStatus struct {
	LifeCycleStatus string
	ActualEndTime   string
	StreamStatus    StreamState
}

// Ended reports whether the broadcast itself has completed on the
// platform side, independent of the ingest stream's own status.
func (s BroadcastStatus) Ended() bool {
	return s.ActualEndTime != "" || s.LifeCycleStatus == "complete"
}

// Inactive reports whether the ingest stream is not currently receiving
// data.
func (s BroadcastStatus) Inactive() bool {
	return s.StreamStatus != StreamActive
}

// Client is the seam between the orchestrator core and the broadcast
// platform. YouTubeClient implements it against the real API; MockClient
// implements it for tests and for DISABLE_YOUTUBE_API=true deployments.
type Client interface {
	// CreateBroadcast reserves a broadcast+stream pair for a job and
	// binds them together, ready to go live once the agent starts
	// pushing RTMP.
	CreateBroadcast(ctx context.Context, title, description string, scheduledStart time.Time) (Reservation, error)

	// TransitionBroadcast moves a broadcast through the YouTube
	// lifecycle (testing -> live -> complete).
	TransitionBroadcast(ctx context.Context, broadcastID, status string) error

	// UpdateMetadata pushes a title/description change to an existing
	// broadcast.
	UpdateMetadata(ctx context.Context, broadcastID, title, description string) error

	// BroadcastStatus reports the combined broadcast-lifecycle and
	// ingest-stream state for a reservation.
	BroadcastStatus(ctx context.Context, broadcastID, streamID string) (BroadcastStatus, error)

	// DeleteBroadcast tears down a broadcast+stream pair that never
	// went live (e.g. the job was canceled before assignment).
	DeleteBroadcast(ctx context.Context, broadcastID, streamID string) error
}
