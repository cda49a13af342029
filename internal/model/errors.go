package model

// Error codes surfaced to operators and clients.
const (
	ErrUnauthorized           = "UNAUTHORIZED"
	ErrAgentOffline           = "AGENT_OFFLINE"
	ErrRateLimitExceeded      = "RATE_LIMIT_EXCEEDED"
	ErrJobCreationRateLimit   = "JOB_CREATION_RATE_LIMIT"
	ErrYouTubeSetupFailed     = "YOUTUBE_SETUP_FAILED"
	ErrStreamRestartExceeded  = "STREAM_RESTART_EXCEEDED"
)
