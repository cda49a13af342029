package model

import "time"

// JobStatus is the lifecycle status of a job.
type JobStatus string

const (
	JobCreated   JobStatus = "CREATED"
	JobPending   JobStatus = "PENDING"
	JobAssigned  JobStatus = "ASSIGNED"
	JobAccepted  JobStatus = "ACCEPTED"
	JobStarting  JobStatus = "STARTING"
	JobRunning   JobStatus = "RUNNING"
	JobStopping  JobStatus = "STOPPING"
	JobStopped   JobStatus = "STOPPED"
	JobFailed    JobStatus = "FAILED"
	JobUnknown   JobStatus = "UNKNOWN"
	JobCanceled  JobStatus = "CANCELED"
	JobDismissed JobStatus = "DISMISSED"
)

// Terminal reports whether status is one from which no further transition
// occurs.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStopped, JobFailed, JobCanceled, JobDismissed:
		return true
	default:
		return false
	}
}

// Active reports whether status belongs to the public-status projection
// surfaced to unauthenticated viewers.
func (s JobStatus) Active() bool {
	switch s {
	case JobPending, JobAssigned, JobAccepted, JobStarting, JobRunning, JobStopping:
		return true
	default:
		return false
	}
}

// RestartPolicy controls whether the health monitor is permitted to
// restart a job after the platform reports it inactive.
type RestartPolicy string

const (
	RestartNever     RestartPolicy = "never"
	RestartOnFailure RestartPolicy = "onFailure"
)

// YouTubeHandles are the identifiers returned by the broadcast platform
// when a broadcast+stream pair is reserved for a job.
type YouTubeHandles struct {
	BroadcastID         string    `json:"broadcastId,omitempty"`
	StreamID            string    `json:"streamId,omitempty"`
	StreamKey           string    `json:"streamKey,omitempty"`
	StreamURL           string    `json:"streamUrl,omitempty"`
	PrivacyStatus       string    `json:"privacyStatus,omitempty"`
	ScheduledStartTime  time.Time `json:"scheduledStartTime,omitempty"`
	ChannelID           string    `json:"channelId,omitempty"`
	VideoID             string    `json:"videoId,omitempty"`
}

// StreamMetadata is the job's user-facing and platform-facing metadata.
type StreamMetadata struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	YouTube     YouTubeHandles  `json:"youtube"`
	IsMuted     bool            `json:"isMuted"`
	IsPaused    bool            `json:"isPaused"`
	Context     map[string]any  `json:"context,omitempty"` // free-form (e.g. streamContext used to derive title/description)
}

// JobError is the terminal error record attached to a job when it fails.
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HealthRecord tracks the stream health monitor's per-job restart state.
// It is reset (not deleted) whenever the stream is observed healthy again.
type HealthRecord struct {
	FirstInactiveAt time.Time
	NextRestartAt   time.Time
	Attempts        int
	PendingRestart  bool
}

// Job is the orchestrator's unit of scheduling. All mutable fields are
// owned exclusively by the Job Store.
type Job struct {
	JobID          string
	TemplateID     string // exactly one of TemplateID / InlineConfig is set
	InlineConfig   map[string]any
	IdempotencyKey string
	RestartPolicy  RestartPolicy
	RequestedBy    string

	AgentID string // empty until ASSIGNED, or cleared to allow restart

	Status JobStatus
	Error  *JobError

	StreamMetadata StreamMetadata

	CreatedAt time.Time
	UpdatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time

	Health HealthRecord
}

// Snapshot returns a deep-enough copy safe to hand outside the Job Store's
// lock.
func (j *Job) Snapshot() Job {
	cp := *j
	if j.InlineConfig != nil {
		cp.InlineConfig = make(map[string]any, len(j.InlineConfig))
		for k, v := range j.InlineConfig {
			cp.InlineConfig[k] = v
		}
	}
	if j.StreamMetadata.Context != nil {
		cp.StreamMetadata.Context = make(map[string]any, len(j.StreamMetadata.Context))
		for k, v := range j.StreamMetadata.Context {
			cp.StreamMetadata.Context[k] = v
		}
	}
	if j.Error != nil {
		errCopy := *j.Error
		cp.Error = &errCopy
	}
	return cp
}

// PublicProjection is the shape served on the public status surface.
type PublicProjection struct {
	Sheet       string    `json:"sheet"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	PublicLink  string    `json:"publicLink"`
	AdminLink   string    `json:"adminLink"`
	Thumbnail   string    `json:"thumbnail"`
	StartTime   time.Time `json:"startTime"`
	Team1       string    `json:"team1"`
	Team2       string    `json:"team2"`
}

// ToPublicProjection derives the public status view for an active job.
// Sheet/team1/team2 are read from StreamMetadata.Context when present —
// they originate with the (out-of-core) scheduling surface that supplies
// streamContext at job-creation time.
func (j *Job) ToPublicProjection() PublicProjection {
	get := func(k string) string {
		if j.StreamMetadata.Context == nil {
			return ""
		}
		if v, ok := j.StreamMetadata.Context[k].(string); ok {
			return v
		}
		return ""
	}

	var start time.Time
	if j.StartedAt != nil {
		start = *j.StartedAt
	} else if !j.StreamMetadata.YouTube.ScheduledStartTime.IsZero() {
		start = j.StreamMetadata.YouTube.ScheduledStartTime
	}

	publicLink := ""
	adminLink := ""
	if vid := j.StreamMetadata.YouTube.VideoID; vid != "" {
		publicLink = "https://www.youtube.com/watch?v=" + vid
		adminLink = "https://studio.youtube.com/video/" + vid + "/livestreaming"
	}

	return PublicProjection{
		Sheet:       get("sheet"),
		Title:       j.StreamMetadata.Title,
		Description: j.StreamMetadata.Description,
		PublicLink:  publicLink,
		AdminLink:   adminLink,
		Thumbnail:   get("thumbnail"),
		StartTime:   start,
		Team1:       get("team1"),
		Team2:       get("team2"),
	}
}
