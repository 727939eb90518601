package events

import "time"

// Statuses travel as plain strings so this package stays import-free at the
// bottom of the dependency graph; publishers convert their typed enums.

// WebhookReceived is emitted after an inbound delivery clears verification,
// whether or not it was deduplicated.
type WebhookReceived struct {
	DeliveryID   string
	EventType    string
	Action       string
	Repository   string
	Deduplicated bool
	ReceivedAt   time.Time
}

// JobQueued is emitted when a delegated job has been persisted and enqueued.
type JobQueued struct {
	JobID      string
	ForgeJobID int64
	RunID      int64
	Repository string
	Workflow   string
	Labels     []string
	Priority   int
	QueuedAt   time.Time
}

// JobStatusChanged is emitted on every accepted job transition.
type JobStatusChanged struct {
	JobID      string
	Repository string
	From       string
	To         string
	RunnerID   string
	At         time.Time
}

// JobCompleted is emitted once a job reaches a terminal status.
type JobCompleted struct {
	JobID      string
	Repository string
	Conclusion string
	ExitCode   int
	Duration   time.Duration
	At         time.Time
}

// RunnerRequested is emitted when the pool manager records demand it could
// not satisfy from idle capacity.
type RunnerRequested struct {
	Repository     string
	RequiredLabels []string
	Pending        bool
	At             time.Time
}

// RunnerReleased is emitted when a runner returns to the pool or is destroyed.
type RunnerReleased struct {
	RunnerID   string
	Repository string
	Destroyed  bool
	At         time.Time
}

// ContainerStateChanged is emitted on every container state transition,
// including entry into the Error sink.
type ContainerStateChanged struct {
	ContainerID string
	RunnerID    string
	JobID       string
	Repository  string
	From        string
	To          string
	Message     string
	At          time.Time
}

// ContainerHighUsage is emitted by the stats poll when a running container
// crosses the cpu or memory threshold.
type ContainerHighUsage struct {
	ContainerID   string
	Kind          string // "high-cpu" or "high-memory"
	CPUPercent    float64
	MemoryPercent float64
	At            time.Time
}

// ScaleDecision is emitted after each autoscaler evaluation of a pool.
type ScaleDecision struct {
	Repository  string
	Action      string // "scale-up", "scale-down", "maintain"
	Reason      string
	Delta       int
	RunnerCount int
	At          time.Time
}

// LeadershipChanged is emitted when this node gains or loses the
// coordination lock. Losing leadership stops the autoscaler and sweepers.
type LeadershipChanged struct {
	NodeID string
	Leader bool
	At     time.Time
}
