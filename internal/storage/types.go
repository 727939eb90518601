package storage

import "time"

// JobStatus enumerates delegated job lifecycle states.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobAssigned  JobStatus = "assigned"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// jobTransitions is the allowed forward DAG. Terminal states have no exits.
var jobTransitions = map[JobStatus][]JobStatus{
	JobPending:  {JobAssigned, JobRunning, JobFailed, JobCancelled},
	JobAssigned: {JobRunning, JobFailed, JobCancelled},
	JobRunning:  {JobCompleted, JobFailed, JobCancelled},
}

// ValidJobTransition reports whether from → to is a forward edge.
func ValidJobTransition(from, to JobStatus) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// RunnerStatus enumerates runner lifecycle states.
type RunnerStatus string

const (
	RunnerStarting RunnerStatus = "starting"
	RunnerIdle     RunnerStatus = "idle"
	RunnerBusy     RunnerStatus = "busy"
	RunnerOffline  RunnerStatus = "offline"
)

// runnerTransitions allows the idle/busy cycle for long-lived runners but
// rejects resurrection without passing through starting.
var runnerTransitions = map[RunnerStatus][]RunnerStatus{
	RunnerStarting: {RunnerIdle, RunnerBusy, RunnerOffline},
	RunnerIdle:     {RunnerBusy, RunnerOffline},
	RunnerBusy:     {RunnerIdle, RunnerOffline},
	RunnerOffline:  {RunnerStarting},
}

// ValidRunnerTransition reports whether from → to is allowed. Self transitions
// are allowed (heartbeat refreshes).
func ValidRunnerTransition(from, to RunnerStatus) bool {
	if from == to {
		return true
	}
	for _, next := range runnerTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// RunnerType distinguishes long-lived proxies from one-shot runners.
type RunnerType string

const (
	RunnerProxy     RunnerType = "proxy"
	RunnerEphemeral RunnerType = "ephemeral"
)

// Job is a delegated workflow job. ID is the locally generated identifier;
// JobID and RunID are forge-assigned. All three are stable for the job's lifetime.
type Job struct {
	ID               string
	JobID            int64
	RunID            int64
	Repository       string
	JobName          string
	Workflow         string
	HeadSHA          string
	JobURL           string
	Labels           []string
	Status           JobStatus
	Priority         int
	RunnerID         int64 // forge-reported runner id, 0 when unknown
	RunnerName       string
	AssignedRunnerID string // local runner row id, empty when unassigned
	Conclusion       string
	ExitCode         *int
	Error            string
	QueuedAt         time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	DurationMS       int64
}

// Runner is an execution slot backed by a container.
type Runner struct {
	ID            string
	Name          string
	Type          RunnerType
	Status        RunnerStatus
	Repository    string
	Labels        []string
	ContainerID   string
	CurrentJobID  string
	LastHeartbeat time.Time
	UpdatedAt     time.Time
}

// Pool carries per-repository scaling bounds.
type Pool struct {
	Repository     string
	MinRunners     int
	MaxRunners     int
	ScaleIncrement int
	ScaleThreshold float64
	LastScaledAt   *time.Time
}

// RuleConditions are matched against a job; empty fields always match.
type RuleConditions struct {
	Labels     []string `json:"labels,omitempty" yaml:"labels,omitempty"`
	Repository string   `json:"repository,omitempty" yaml:"repository,omitempty"`
	Workflow   string   `json:"workflow,omitempty" yaml:"workflow,omitempty"`
	Branch     string   `json:"branch,omitempty" yaml:"branch,omitempty"`
	Event      string   `json:"event,omitempty" yaml:"event,omitempty"`
}

// RuleTargets select the pool and runner subset for a matched job.
type RuleTargets struct {
	RunnerLabels []string `json:"runner_labels,omitempty" yaml:"runner_labels,omitempty"`
	PoolOverride string   `json:"pool_override,omitempty" yaml:"pool_override,omitempty"`
	Exclusive    bool     `json:"exclusive,omitempty" yaml:"exclusive,omitempty"`
}

// RoutingRule maps jobs to runner pools. Total order: (priority desc, created_at asc).
type RoutingRule struct {
	ID         string
	Name       string
	Priority   int
	Conditions RuleConditions
	Targets    RuleTargets
	Enabled    bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// RoutingDecision is the persisted outcome of one Route call.
type RoutingDecision struct {
	ID          int64
	JobID       string
	RuleID      string // empty for default routing
	TargetCount int
	CreatedAt   time.Time
}

// WebhookEvent is one inbound delivery; DeliveryID is the primary key and
// replays reuse the stored payload.
type WebhookEvent struct {
	DeliveryID           string
	Repository           string
	Event                string
	Action               string
	Payload              []byte
	Signature            string
	DedupKey             string
	Timestamp            time.Time
	Processed            bool
	ProcessingAttempts   int
	LastError            string
	ProcessingDurationMS int64
}

// WorkflowRun mirrors the forge-level run for reconciliation.
type WorkflowRun struct {
	RunID        int64
	Repository   string
	WorkflowName string
	HeadBranch   string
	HeadSHA      string
	Event        string
	Status       string
	Conclusion   string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// JobMetric is one completed-job observation.
type JobMetric struct {
	JobID      int64
	Repository string
	Conclusion string
	DurationMS int64
	RunnerID   string
	RecordedAt time.Time
}

// WebhookMetric is one webhook-processing observation.
type WebhookMetric struct {
	ID               int64
	EventType        string
	Success          bool
	ProcessingTimeMS int64
	RecordedAt       time.Time
}

// RepositoryStats aggregates job outcomes per repository.
type RepositoryStats struct {
	Repository     string
	TotalJobs      int64
	SuccessfulJobs int64
	FailedJobs     int64
	LastJobAt      *time.Time
}
