package metrics

import (
	"strconv"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once               sync.Once
	webhookDuration    *prom.HistogramVec
	webhookDedup       *prom.CounterVec
	jobsQueued         *prom.CounterVec
	jobOutcomes        *prom.CounterVec
	jobDuration        *prom.HistogramVec
	queueDepth         prom.Gauge
	poolUtilization    *prom.GaugeVec
	poolRunners        *prom.GaugeVec
	containerStates    *prom.CounterVec
	forgeDuration      *prom.HistogramVec
	forgeRetries       *prom.CounterVec
	rateLimitRemaining prom.Gauge
	scaleDecisions     *prom.CounterVec
}

// NewPrometheusRecorder constructs and registers Prometheus metrics (idempotent).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.webhookDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "runnerd",
			Name:      "webhook_processing_seconds",
			Help:      "Webhook processing duration by event type and result",
			Buckets:   prom.DefBuckets,
		}, []string{"event", "result"})
		pr.webhookDedup = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "runnerd",
			Name:      "webhook_deduplicated_total",
			Help:      "Inbound deliveries collapsed by the dedup window",
		}, []string{"event"})
		pr.jobsQueued = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "runnerd",
			Name:      "jobs_queued_total",
			Help:      "Delegated jobs enqueued by repository",
		}, []string{"repository"})
		pr.jobOutcomes = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "runnerd",
			Name:      "job_outcomes_total",
			Help:      "Job outcomes by repository and conclusion",
		}, []string{"repository", "conclusion"})
		pr.jobDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "runnerd",
			Name:      "job_duration_seconds",
			Help:      "Delegated job wall time from start to completion",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"repository"})
		pr.queueDepth = prom.NewGauge(prom.GaugeOpts{
			Namespace: "runnerd",
			Name:      "queue_depth",
			Help:      "Jobs currently waiting in the github-jobs queue",
		})
		pr.poolUtilization = prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "runnerd",
			Name:      "pool_utilization",
			Help:      "Busy/total runner fraction per pool",
		}, []string{"repository"})
		pr.poolRunners = prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "runnerd",
			Name:      "pool_runners",
			Help:      "Runner counts per pool by state",
		}, []string{"repository", "state"})
		pr.containerStates = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "runnerd",
			Name:      "container_transitions_total",
			Help:      "Container state machine transitions by target state",
		}, []string{"state"})
		pr.forgeDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "runnerd",
			Name:      "forge_request_seconds",
			Help:      "Forge API round trips by endpoint and status",
			Buckets:   prom.DefBuckets,
		}, []string{"endpoint", "status"})
		pr.forgeRetries = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "runnerd",
			Name:      "forge_retries_total",
			Help:      "Forge request retries by endpoint",
		}, []string{"endpoint"})
		pr.rateLimitRemaining = prom.NewGauge(prom.GaugeOpts{
			Namespace: "runnerd",
			Name:      "forge_rate_limit_remaining",
			Help:      "Remaining forge API budget from the last response",
		})
		pr.scaleDecisions = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "runnerd",
			Name:      "scale_decisions_total",
			Help:      "Autoscaler decisions by pool and action",
		}, []string{"repository", "action"})
		reg.MustRegister(pr.webhookDuration, pr.webhookDedup, pr.jobsQueued, pr.jobOutcomes,
			pr.jobDuration, pr.queueDepth, pr.poolUtilization, pr.poolRunners, pr.containerStates,
			pr.forgeDuration, pr.forgeRetries, pr.rateLimitRemaining, pr.scaleDecisions)
	})
	return pr
}

func (p *PrometheusRecorder) ObserveWebhook(eventType string, d time.Duration, success bool) {
	if p == nil || p.webhookDuration == nil {
		return
	}
	res := "failed"
	if success {
		res = "success"
	}
	p.webhookDuration.WithLabelValues(eventType, res).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncWebhookDeduplicated(eventType string) {
	if p == nil || p.webhookDedup == nil {
		return
	}
	p.webhookDedup.WithLabelValues(eventType).Inc()
}

func (p *PrometheusRecorder) IncJobQueued(repository string) {
	if p == nil || p.jobsQueued == nil {
		return
	}
	p.jobsQueued.WithLabelValues(repository).Inc()
}

func (p *PrometheusRecorder) IncJobOutcome(repository, conclusion string) {
	if p == nil || p.jobOutcomes == nil {
		return
	}
	p.jobOutcomes.WithLabelValues(repository, conclusion).Inc()
}

func (p *PrometheusRecorder) ObserveJobDuration(repository string, d time.Duration) {
	if p == nil || p.jobDuration == nil {
		return
	}
	p.jobDuration.WithLabelValues(repository).Observe(d.Seconds())
}

func (p *PrometheusRecorder) SetQueueDepth(n int) {
	if p == nil || p.queueDepth == nil {
		return
	}
	p.queueDepth.Set(float64(n))
}

func (p *PrometheusRecorder) SetPoolUtilization(repository string, utilization float64) {
	if p == nil || p.poolUtilization == nil {
		return
	}
	p.poolUtilization.WithLabelValues(repository).Set(utilization)
}

func (p *PrometheusRecorder) SetPoolRunners(repository string, total, busy int) {
	if p == nil || p.poolRunners == nil {
		return
	}
	p.poolRunners.WithLabelValues(repository, "total").Set(float64(total))
	p.poolRunners.WithLabelValues(repository, "busy").Set(float64(busy))
}

func (p *PrometheusRecorder) IncContainerTransition(state string) {
	if p == nil || p.containerStates == nil {
		return
	}
	p.containerStates.WithLabelValues(state).Inc()
}

func (p *PrometheusRecorder) ObserveForgeRequest(endpoint string, status int, d time.Duration) {
	if p == nil || p.forgeDuration == nil {
		return
	}
	p.forgeDuration.WithLabelValues(endpoint, strconv.Itoa(status)).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncForgeRetry(endpoint string) {
	if p == nil || p.forgeRetries == nil {
		return
	}
	p.forgeRetries.WithLabelValues(endpoint).Inc()
}

func (p *PrometheusRecorder) SetRateLimitRemaining(remaining float64) {
	if p == nil || p.rateLimitRemaining == nil {
		return
	}
	p.rateLimitRemaining.Set(remaining)
}

func (p *PrometheusRecorder) IncScaleDecision(repository, action string) {
	if p == nil || p.scaleDecisions == nil {
		return
	}
	p.scaleDecisions.WithLabelValues(repository, action).Inc()
}
