package domain

import "time"

// ActiveSession describes one in-flight invocation for status reporting.
type ActiveSession struct {
	RequestID     string    `json:"request_id"`
	StartedAt     time.Time `json:"started_at"`
	PromptPreview string    `json:"prompt_preview"`
}

// PoolStatus is a point-in-time snapshot of the agent pool.
type PoolStatus struct {
	ActiveSessions int             `json:"active_sessions"`
	MaxSessions    int             `json:"max_sessions"`
	QueueDepth     int             `json:"queue_depth"`
	Sessions       []ActiveSession `json:"sessions"`
}
