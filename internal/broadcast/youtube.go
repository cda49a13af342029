package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/buildkite/roko"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	youtube "google.golang.org/api/youtube/v3"
)

// privacyStatus is fixed: broadcasts are unlisted, discoverable only via
// the link the orchestrator hands back.
const privacyStatus = "unlisted"

// category "Sports" in YouTube's taxonomy.
const categoryID = "17"

// YouTubeClient implements Client against the real YouTube Live
// Streaming API, authenticating with a long-lived OAuth2 refresh token
// exchanged once through the orchestrator's /oauth/* callback.
type YouTubeClient struct {
	log      zerolog.Logger
	tokenSrc oauth2.TokenSource
}

// NewYouTubeClient builds a client backed by the given token source. The
// token source is expected to transparently refresh using the stored
// refresh token; callers obtain it from the OAuth manager.
func NewYouTubeClient(log zerolog.Logger, tokenSrc oauth2.TokenSource) *YouTubeClient {
	return &YouTubeClient{log: log.With().Str("component", "youtube").Logger(), tokenSrc: tokenSrc}
}

func (c *YouTubeClient) service(ctx context.Context) (*youtube.Service, error) {
	return youtube.NewService(ctx, youtube.WithTokenSource(c.tokenSrc))
}

func (c *YouTubeClient) retrier() *roko.Retrier {
	return roko.NewRetrier(
		roko.WithMaxAttempts(5),
		roko.WithStrategy(roko.Exponential(500*time.Millisecond, 10*time.Second)),
	)
}

func (c *YouTubeClient) CreateBroadcast(ctx context.Context, title, description string, scheduledStart time.Time) (Reservation, error) {
	var res Reservation

	err := c.retrier().DoWithContext(ctx, func(r *roko.Retrier) error {
		svc, err := c.service(ctx)
		if err != nil {
			return fmt.Errorf("youtube: building service: %w", err)
		}

		broadcast := &youtube.LiveBroadcast{
			Snippet: &youtube.LiveBroadcastSnippet{
				Title:              title,
				Description:        description,
				ScheduledStartTime: scheduledStart.UTC().Format(time.RFC3339),
			},
			Status: &youtube.LiveBroadcastStatus{
				PrivacyStatus:           privacyStatus,
				SelfDeclaredMadeForKids: false,
			},
			ContentDetails: &youtube.LiveBroadcastContentDetails{
				EnableAutoStart: false,
				EnableAutoStop:  false,
				EnableDvr:       true,
				RecordFromStart: true,
			},
		}
		bResp, err := svc.LiveBroadcasts.Insert([]string{"snippet", "status", "contentDetails"}, broadcast).Context(ctx).Do()
		if err != nil {
			return retryableOr(r, fmt.Errorf("youtube: creating broadcast: %w", err))
		}

		// A live broadcast shares its id with the underlying video
		// resource; category lives on the video, not the broadcast,
		// so the category patch goes through Videos.Update.
		video := &youtube.Video{
			Id: bResp.Id,
			Snippet: &youtube.VideoSnippet{
				Title:      title,
				CategoryId: categoryID,
			},
		}
		if _, err := svc.Videos.Update([]string{"snippet"}, video).Context(ctx).Do(); err != nil {
			return retryableOr(r, fmt.Errorf("youtube: patching broadcast %s category: %w", bResp.Id, err))
		}

		stream := &youtube.LiveStream{
			Snippet: &youtube.LiveStreamSnippet{
				Title: title,
			},
			Cdn: &youtube.CdnSettings{
				Format:        "1080p",
				FrameRate:     "60fps",
				IngestionType: "rtmp",
				Resolution:    "1080p",
			},
		}
		sResp, err := svc.LiveStreams.Insert([]string{"snippet", "cdn"}, stream).Context(ctx).Do()
		if err != nil {
			return retryableOr(r, fmt.Errorf("youtube: creating stream: %w", err))
		}

		if _, err := svc.LiveBroadcasts.Bind(bResp.Id, []string{"id"}).StreamId(sResp.Id).Context(ctx).Do(); err != nil {
			return retryableOr(r, fmt.Errorf("youtube: binding stream: %w", err))
		}

		res = Reservation{
			BroadcastID:        bResp.Id,
			StreamID:           sResp.Id,
			StreamKey:          sResp.Cdn.IngestionInfo.StreamName,
			StreamURL:          sResp.Cdn.IngestionInfo.IngestionAddress,
			PrivacyStatus:      privacyStatus,
			ScheduledStartTime: scheduledStart,
			VideoID:            bResp.Id,
		}
		if bResp.Snippet != nil {
			res.ChannelID = bResp.Snippet.ChannelId
		}
		return nil
	})

	return res, err
}

func (c *YouTubeClient) TransitionBroadcast(ctx context.Context, broadcastID, status string) error {
	return c.retrier().DoWithContext(ctx, func(r *roko.Retrier) error {
		svc, err := c.service(ctx)
		if err != nil {
			return fmt.Errorf("youtube: building service: %w", err)
		}
		_, err = svc.LiveBroadcasts.Transition(status, broadcastID, []string{"status"}).Context(ctx).Do()
		if err != nil {
			return retryableOr(r, fmt.Errorf("youtube: transitioning broadcast %s to %s: %w", broadcastID, status, err))
		}
		return nil
	})
}

func (c *YouTubeClient) UpdateMetadata(ctx context.Context, broadcastID, title, description string) error {
	return c.retrier().DoWithContext(ctx, func(r *roko.Retrier) error {
		svc, err := c.service(ctx)
		if err != nil {
			return fmt.Errorf("youtube: building service: %w", err)
		}
		broadcast := &youtube.LiveBroadcast{
			Id: broadcastID,
			Snippet: &youtube.LiveBroadcastSnippet{
				Title:       title,
				Description: description,
			},
		}
		_, err = svc.LiveBroadcasts.Update([]string{"snippet"}, broadcast).Context(ctx).Do()
		if err != nil {
			return retryableOr(r, fmt.Errorf("youtube: updating metadata for %s: %w", broadcastID, err))
		}
		return nil
	})
}

func (c *YouTubeClient) BroadcastStatus(ctx context.Context, broadcastID, streamID string) (BroadcastStatus, error) {
	var status BroadcastStatus

	err := c.retrier().DoWithContext(ctx, func(r *roko.Retrier) error {
		svc, err := c.service(ctx)
		if err != nil {
			return fmt.Errorf("youtube: building service: %w", err)
		}

		if broadcastID != "" {
			bResp, err := svc.LiveBroadcasts.List([]string{"snippet", "status"}).Id(broadcastID).Context(ctx).Do()
			if err != nil {
				return retryableOr(r, fmt.Errorf("youtube: listing broadcast %s: %w", broadcastID, err))
			}
			if len(bResp.Items) > 0 {
				item := bResp.Items[0]
				if item.Status != nil {
					status.LifeCycleStatus = item.Status.LifeCycleStatus
				}
				if item.Snippet != nil {
					status.ActualEndTime = item.Snippet.ActualEndTime
				}
			}
		}

		if streamID != "" {
			sResp, err := svc.LiveStreams.List([]string{"status"}).Id(streamID).Context(ctx).Do()
			if err != nil {
				return retryableOr(r, fmt.Errorf("youtube: listing stream %s: %w", streamID, err))
			}
			if len(sResp.Items) == 0 {
				status.StreamStatus = StreamError
				return nil
			}
			switch sResp.Items[0].Status.StreamStatus {
			case "active":
				status.StreamStatus = StreamActive
			case "error":
				status.StreamStatus = StreamError
			default:
				status.StreamStatus = StreamInactive
			}
		}
		return nil
	})

	return status, err
}

func (c *YouTubeClient) DeleteBroadcast(ctx context.Context, broadcastID, streamID string) error {
	return c.retrier().DoWithContext(ctx, func(r *roko.Retrier) error {
		svc, err := c.service(ctx)
		if err != nil {
			return fmt.Errorf("youtube: building service: %w", err)
		}
		if broadcastID != "" {
			if err := svc.LiveBroadcasts.Delete(broadcastID).Context(ctx).Do(); err != nil {
				return retryableOr(r, fmt.Errorf("youtube: deleting broadcast %s: %w", broadcastID, err))
			}
		}
		if streamID != "" {
			if err := svc.LiveStreams.Delete(streamID).Context(ctx).Do(); err != nil {
				return retryableOr(r, fmt.Errorf("youtube: deleting stream %s: %w", streamID, err))
			}
		}
		return nil
	})
}

// retryableOr returns err after telling the retrier to stop retrying if
// the underlying API error is a googleapi.Error carrying a 4xx status —
// those represent bad requests or auth failures that a retry cannot fix.
func retryableOr(r *roko.Retrier, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code >= 400 && gerr.Code < 500 {
		r.Break()
	}
	return err
}
