package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockClient is a fully in-memory Client, used when DISABLE_YOUTUBE_API
// is set and by package tests that exercise the scheduler and health
// monitor without a network dependency.
type MockClient struct {
	mu        sync.Mutex
	seq       int
	streams   map[string]StreamState
	ended     map[string]bool
	createErr error
}

// NewMockClient creates a mock broadcast client. Every created stream
// starts ACTIVE; tests flip individual streams with SetStreamState to
// exercise the health monitor's restart path, or mark a broadcast ended
// with SetBroadcastEnded to exercise the ended-signal path.
func NewMockClient() *MockClient {
	return &MockClient{streams: make(map[string]StreamState), ended: make(map[string]bool)}
}

func (m *MockClient) CreateBroadcast(ctx context.Context, title, description string, scheduledStart time.Time) (Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return Reservation{}, m.createErr
	}
	m.seq++
	id := fmt.Sprintf("mock-broadcast-%d", m.seq)
	streamID := fmt.Sprintf("mock-stream-%d", m.seq)
	m.streams[streamID] = StreamActive
	m.ended[id] = false

	return Reservation{
		BroadcastID:        id,
		StreamID:           streamID,
		StreamKey:          fmt.Sprintf("mock-key-%d", m.seq),
		StreamURL:          "rtmp://mock.invalid/live2",
		PrivacyStatus:      privacyStatus,
		ScheduledStartTime: scheduledStart,
		ChannelID:          "mock-channel",
		VideoID:            id,
	}, nil
}

// TransitionBroadcast marks the broadcast ended once asked to transition
// to "complete", so a subsequent BroadcastStatus call reports it.
func (m *MockClient) TransitionBroadcast(ctx context.Context, broadcastID, status string) error {
	if status == "complete" {
		m.mu.Lock()
		m.ended[broadcastID] = true
		m.mu.Unlock()
	}
	return nil
}

func (m *MockClient) UpdateMetadata(ctx context.Context, broadcastID, title, description string) error {
	return nil
}

func (m *MockClient) BroadcastStatus(ctx context.Context, broadcastID, streamID string) (BroadcastStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var status BroadcastStatus
	if m.ended[broadcastID] {
		status.LifeCycleStatus = "complete"
	}
	state, ok := m.streams[streamID]
	if !ok {
		state = StreamError
	}
	status.StreamStatus = state
	return status, nil
}

func (m *MockClient) DeleteBroadcast(ctx context.Context, broadcastID, streamID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.streams, streamID)
	delete(m.ended, broadcastID)
	return nil
}

// SetStreamState lets tests simulate the platform reporting a stream as
// inactive or erroring, driving the health monitor's restart logic.
func (m *MockClient) SetStreamState(streamID string, state StreamState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[streamID] = state
}

// SetBroadcastEnded lets tests simulate the platform reporting a
// broadcast's lifecycle as complete independent of stream status.
func (m *MockClient) SetBroadcastEnded(broadcastID string, ended bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ended[broadcastID] = ended
}

// SetCreateBroadcastErr makes every subsequent CreateBroadcast call fail
// with err, simulating a platform provisioning failure.
func (m *MockClient) SetCreateBroadcastErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createErr = err
}
