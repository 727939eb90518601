package metrics

import "time"

type testRecorder struct {
	webhooks     map[string]int
	dedups       map[string]int
	queued       map[string]int
	outcomes     map[string]map[string]int
	transitions  map[string]int
	scaleActions map[string]int
	queueDepth   int
}

func newTestRecorder() *testRecorder {
	return &testRecorder{
		webhooks:     map[string]int{},
		dedups:       map[string]int{},
		queued:       map[string]int{},
		outcomes:     map[string]map[string]int{},
		transitions:  map[string]int{},
		scaleActions: map[string]int{},
	}
}

func (t *testRecorder) ObserveWebhook(eventType string, _ time.Duration, _ bool) {
	t.webhooks[eventType]++
}
func (t *testRecorder) IncWebhookDeduplicated(eventType string) { t.dedups[eventType]++ }
func (t *testRecorder) IncJobQueued(repository string)          { t.queued[repository]++ }
func (t *testRecorder) IncJobOutcome(repository, conclusion string) {
	m, ok := t.outcomes[repository]
	if !ok {
		m = map[string]int{}
		t.outcomes[repository] = m
	}
	m[conclusion]++
}
func (t *testRecorder) ObserveJobDuration(string, time.Duration)       {}
func (t *testRecorder) SetQueueDepth(n int)                            { t.queueDepth = n }
func (t *testRecorder) SetPoolUtilization(string, float64)             {}
func (t *testRecorder) SetPoolRunners(string, int, int)                {}
func (t *testRecorder) IncContainerTransition(state string)            { t.transitions[state]++ }
func (t *testRecorder) ObserveForgeRequest(string, int, time.Duration) {}
func (t *testRecorder) IncForgeRetry(string)                           {}
func (t *testRecorder) SetRateLimitRemaining(float64)                  {}
func (t *testRecorder) IncScaleDecision(_, action string)              { t.scaleActions[action]++ }
