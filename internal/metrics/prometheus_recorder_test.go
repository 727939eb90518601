package metrics

import (
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)
	pr.ObserveWebhook("workflow_job", 15*time.Millisecond, true)
	pr.IncWebhookDeduplicated("workflow_job")
	pr.IncJobQueued("acme/widgets")
	pr.IncJobOutcome("acme/widgets", "success")
	pr.ObserveJobDuration("acme/widgets", 42*time.Second)
	pr.SetQueueDepth(3)
	pr.SetPoolUtilization("acme/widgets", 0.5)
	pr.SetPoolRunners("acme/widgets", 4, 2)
	pr.IncContainerTransition("running")
	pr.ObserveForgeRequest("create_registration_token", 201, 80*time.Millisecond)
	pr.IncForgeRetry("list_runners")
	pr.SetRateLimitRemaining(4200)
	pr.IncScaleDecision("acme/widgets", "scale-up")
	// Basic scrape to ensure metrics encode without panic
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) == 0 {
		t.Fatalf("expected metrics, got none")
	}
}

func TestPrometheusRecorderNilSafe(t *testing.T) {
	var pr *PrometheusRecorder
	pr.ObserveWebhook("ping", time.Millisecond, true)
	pr.SetQueueDepth(1)
	pr.IncScaleDecision("acme/widgets", "maintain")
}
