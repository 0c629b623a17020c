package xgate

import (
	"time"
)

// NoticeType enumerates internal lifecycle notices for the Observer pattern.
type NoticeType string

const (
	Enqueued      NoticeType = "enqueued"
	Dropped       NoticeType = "dropped"
	DispatchStart NoticeType = "dispatch_start"
	DispatchDone  NoticeType = "dispatch_done"
	HandlerFailed NoticeType = "handler_failed"
)

// Notice carries telemetry for observers.
type Notice struct {
	Type      NoticeType
	EventType string
	Handler   string
	Reason    string
	Duration  time.Duration
	Err       error

	// Internal: attached for async dispatch
	observers []Observer
}

// PoolStats returns telemetry about the observer pool.
type PoolStats struct {
	Dropped      uint64 // Notices dropped due to full buffer
	Processed    uint64 // Notices successfully processed
	ActiveEvents int    // Current queue depth
	Workers      int    // Number of dispatch goroutines
	BufferSize   int    // Channel capacity
}

// Stats is the best-effort counter snapshot exposed to operators.
type Stats struct {
	Published       uint64   `json:"events_published"`
	Processed       uint64   `json:"events_processed"`
	Failed          uint64   `json:"events_failed"`
	Dropped         uint64   `json:"events_dropped"`
	HandlerFailures uint64   `json:"handler_failures"`
	PeakQueueDepth  int      `json:"queue_peak_size"`
	QueueDepth      int      `json:"current_queue_size"`
	QueueCapacity   int      `json:"max_queue_size"`
	HandlerCount    int      `json:"handlers_count"`
	EventTypes      []string `json:"event_types"`
	NoticesDropped  uint64   `json:"notices_dropped"`
}

// HealthStatus indicates bus health for Kubernetes probes.
type HealthStatus struct {
	Status    string    `json:"status"` // "healthy", "degraded", "unhealthy"
	Stats     Stats     `json:"stats"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`
}
