package broadcast

import (
	"context"
	"time"
)

// observer is the subset of *metrics.Metrics the instrumented client
// needs; defined here (not imported from internal/metrics) to avoid a
// dependency cycle, since metrics has no reason to know about broadcast.
type observer interface {
	ObserveBroadcastCall(method string, start time.Time, err error)
}

// Instrumented wraps a Client, recording call outcome and latency for
// every method through the given observer.
type Instrumented struct {
	inner Client
	obs   observer
}

// NewInstrumented wraps inner with metrics observation.
func NewInstrumented(inner Client, obs observer) *Instrumented {
	return &Instrumented{inner: inner, obs: obs}
}

func (c *Instrumented) CreateBroadcast(ctx context.Context, title, description string, scheduledStart time.Time) (Reservation, error) {
	start := time.Now()
	res, err := c.inner.CreateBroadcast(ctx, title, description, scheduledStart)
	c.obs.ObserveBroadcastCall("CreateBroadcast", start, err)
	return res, err
}

func (c *Instrumented) TransitionBroadcast(ctx context.Context, broadcastID, status string) error {
	start := time.Now()
	err := c.inner.TransitionBroadcast(ctx, broadcastID, status)
	c.obs.ObserveBroadcastCall("TransitionBroadcast", start, err)
	return err
}

func (c *Instrumented) UpdateMetadata(ctx context.Context, broadcastID, title, description string) error {
	start := time.Now()
	err := c.inner.UpdateMetadata(ctx, broadcastID, title, description)
	c.obs.ObserveBroadcastCall("UpdateMetadata", start, err)
	return err
}

func (c *Instrumented) BroadcastStatus(ctx context.Context, broadcastID, streamID string) (BroadcastStatus, error) {
	start := time.Now()
	status, err := c.inner.BroadcastStatus(ctx, broadcastID, streamID)
	c.obs.ObserveBroadcastCall("BroadcastStatus", start, err)
	return status, err
}

func (c *Instrumented) DeleteBroadcast(ctx context.Context, broadcastID, streamID string) error {
	start := time.Now()
	err := c.inner.DeleteBroadcast(ctx, broadcastID, streamID)
	c.obs.ObserveBroadcastCall("DeleteBroadcast", start, err)
	return err
}
