package metrics

import "time"

// Recorder defines observability hooks for the dispatch control plane.
// Implementations may forward to Prometheus, OpenTelemetry, etc. All methods
// must be safe on the zero value of NoopRecorder (allowing optional injection).
type Recorder interface {
	ObserveWebhook(eventType string, d time.Duration, success bool)
	IncWebhookDeduplicated(eventType string)
	IncJobQueued(repository string)
	IncJobOutcome(repository, conclusion string)
	ObserveJobDuration(repository string, d time.Duration)
	SetQueueDepth(n int)
	SetPoolUtilization(repository string, utilization float64)
	SetPoolRunners(repository string, total, busy int)
	IncContainerTransition(state string)
	ObserveForgeRequest(endpoint string, status int, d time.Duration)
	IncForgeRetry(endpoint string)
	SetRateLimitRemaining(remaining float64)
	IncScaleDecision(repository, action string)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveWebhook(string, time.Duration, bool)     {}
func (NoopRecorder) IncWebhookDeduplicated(string)                  {}
func (NoopRecorder) IncJobQueued(string)                            {}
func (NoopRecorder) IncJobOutcome(string, string)                   {}
func (NoopRecorder) ObserveJobDuration(string, time.Duration)       {}
func (NoopRecorder) SetQueueDepth(int)                              {}
func (NoopRecorder) SetPoolUtilization(string, float64)             {}
func (NoopRecorder) SetPoolRunners(string, int, int)                {}
func (NoopRecorder) IncContainerTransition(string)                  {}
func (NoopRecorder) ObserveForgeRequest(string, int, time.Duration) {}
func (NoopRecorder) IncForgeRetry(string)                           {}
func (NoopRecorder) SetRateLimitRemaining(float64)                  {}
func (NoopRecorder) IncScaleDecision(string, string)                {}
