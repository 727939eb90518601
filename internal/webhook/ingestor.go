// Package webhook ingests forge deliveries. Every delivery is verified,
// deduplicated against a shared window, persisted, and then dispatched to the
// handler for its event type. The persisted row is the linearization point:
// it exists before any handler side effect and is what the replay API re-runs.
package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/go-github/v69/github"

	"git.home.luguber.info/inful/runnerd/internal/broker"
	rerrors "git.home.luguber.info/inful/runnerd/internal/errors"
	"git.home.luguber.info/inful/runnerd/internal/events"
	"git.home.luguber.info/inful/runnerd/internal/logfields"
	"git.home.luguber.info/inful/runnerd/internal/metrics"
	"git.home.luguber.info/inful/runnerd/internal/pool"
	"git.home.luguber.info/inful/runnerd/internal/queue"
	"git.home.luguber.info/inful/runnerd/internal/storage"
)

const (
	// dedupWindow is how long a delivery's dedup key blocks duplicates.
	dedupWindow = time.Minute
	// maxAttempts caps automatic retries of a failed delivery. Manual replay
	// through the admin API is not capped.
	maxAttempts = 3

	dedupPrefix = "webhook:dedup:"
)

// supportedEvents lists the event types the dispatcher acts on. Everything
// else is acknowledged without processing.
var supportedEvents = map[string]bool{
	"workflow_job":          true,
	"workflow_run":          true,
	"workflow_dispatch":     true,
	"push":                  true,
	"pull_request":          true,
	"create":                true,
	"delete":                true,
	"deployment":            true,
	"deployment_status":     true,
	"release":               true,
	"repository":            true,
	"code_scanning_alert":   true,
	"secret_scanning_alert": true,
	"security_advisory":     true,
	"ping":                  true,
}

// Delivery is one raw inbound webhook before verification. The transport
// layer fills it from the request headers and the exact raw body.
type Delivery struct {
	EventType  string
	DeliveryID string
	Signature  string
	Payload    []byte
	ReceivedAt time.Time
}

// Result is the outcome reported back to the forge for one delivery.
type Result struct {
	Success          bool    `json:"success"`
	Processed        bool    `json:"processed"`
	Deduplicated     bool    `json:"deduplicated,omitempty"`
	Message          string  `json:"message,omitempty"`
	ProcessingTimeMS float64 `json:"processing_time_ms,omitempty"`
}

// Enqueuer is the queue surface the ingestor needs.
type Enqueuer interface {
	Add(ctx context.Context, name string, payload []byte, opts queue.Options) error
}

// RunnerPools is the pool surface driven by workflow_job deliveries.
type RunnerPools interface {
	RequestRunner(ctx context.Context, repository string, requiredLabels []string) (*pool.RunnerRequest, error)
	ReleaseRunner(ctx context.Context, runnerID string) error
	RetireRunner(ctx context.Context, runnerID string) error
}

// Ingestor verifies, dedups, persists, and dispatches forge deliveries.
type Ingestor struct {
	store    *storage.Store
	kv       broker.KV
	queue    Enqueuer
	pools    RunnerPools
	bus      *events.Bus
	secret   []byte
	log      *slog.Logger
	recorder metrics.Recorder

	window time.Duration

	// in-process dedup fallback, used only when no broker is wired
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewIngestor builds the ingestor. A nil kv falls back to an in-process dedup
// window; an empty secret disables signature verification (logged per
// delivery).
func NewIngestor(store *storage.Store, kv broker.KV, q Enqueuer, pools RunnerPools, bus *events.Bus, secret string, log *slog.Logger) *Ingestor {
	if log == nil {
		log = slog.Default()
	}
	return &Ingestor{
		store:    store,
		kv:       kv,
		queue:    q,
		pools:    pools,
		bus:      bus,
		secret:   []byte(secret),
		log:      log.With("component", "webhook"),
		recorder: metrics.NoopRecorder{},
		window:   dedupWindow,
		seen:     make(map[string]time.Time),
	}
}

// SetRecorder installs the metrics recorder. Nil resets to the noop recorder.
func (ing *Ingestor) SetRecorder(r metrics.Recorder) {
	if r == nil {
		r = metrics.NoopRecorder{}
	}
	ing.recorder = r
}

// Process runs the per-delivery contract: header validation, constant-time
// signature verification, dedup, persistence, dispatch. Duplicates within the
// window return success with no side effects.
func (ing *Ingestor) Process(ctx context.Context, d Delivery) (*Result, error) {
	start := time.Now()
	if d.ReceivedAt.IsZero() {
		d.ReceivedAt = start
	}
	if d.EventType == "" {
		return nil, rerrors.ValidationError("webhook event type header required")
	}
	if d.DeliveryID == "" {
		return nil, rerrors.ValidationError("webhook delivery id header required")
	}
	if err := ing.verifySignature(d); err != nil {
		return nil, err
	}

	probe := probePayload(d.Payload)
	key := dedupKey(d.EventType, d.DeliveryID, probe)

	if ing.isDuplicate(ctx, key) {
		ing.recorder.IncWebhookDeduplicated(d.EventType)
		ing.publishReceived(ctx, d, probe, true)
		ing.log.Info("Webhook deduplicated", logfields.DeliveryID(d.DeliveryID),
			logfields.Event(d.EventType), logfields.Repository(probe.Repository.FullName))
		return &Result{Success: true, Deduplicated: true, Message: "duplicate delivery"}, nil
	}

	event := &storage.WebhookEvent{
		DeliveryID: d.DeliveryID,
		Repository: probe.Repository.FullName,
		Event:      d.EventType,
		Action:     probe.Action,
		Payload:    d.Payload,
		Signature:  d.Signature,
		DedupKey:   key,
		Timestamp:  d.ReceivedAt,
	}
	if err := ing.store.InsertWebhookEvent(ctx, event); err != nil {
		if rerrors.IsCategory(err, rerrors.CategoryConflict) {
			// Another instance got the insert first.
			ing.recorder.IncWebhookDeduplicated(d.EventType)
			ing.publishReceived(ctx, d, probe, true)
			return &Result{Success: true, Deduplicated: true, Message: "duplicate delivery"}, nil
		}
		return nil, err
	}

	ing.publishReceived(ctx, d, probe, false)

	handled, err := ing.dispatch(ctx, d.EventType, d.Payload)
	took := time.Since(start)
	ing.recorder.ObserveWebhook(d.EventType, took, err == nil)
	ing.recordMetric(ctx, d.EventType, err == nil, took)

	if err != nil {
		if ferr := ing.store.RecordWebhookFailure(ctx, d.DeliveryID, err.Error()); ferr != nil {
			ing.log.Warn("Record webhook failure failed",
				logfields.DeliveryID(d.DeliveryID), logfields.Error(ferr))
		}
		ing.log.Error("Webhook handler failed", logfields.DeliveryID(d.DeliveryID),
			logfields.Event(d.EventType), logfields.Action(probe.Action), logfields.Error(err))
		return nil, err
	}

	if merr := ing.store.MarkWebhookProcessed(ctx, d.DeliveryID, took); merr != nil {
		ing.log.Warn("Mark webhook processed failed",
			logfields.DeliveryID(d.DeliveryID), logfields.Error(merr))
	}

	message := "processed"
	if !handled {
		message = "unsupported"
		ing.log.Info("Webhook acknowledged without processing",
			logfields.DeliveryID(d.DeliveryID), logfields.Event(d.EventType))
	}
	return &Result{
		Success:          true,
		Processed:        handled,
		Message:          message,
		ProcessingTimeMS: float64(took.Microseconds()) / 1000,
	}, nil
}

// Replay re-dispatches a stored delivery from its persisted payload. Used by
// the admin API for deliveries whose handler failed, including those past the
// automatic attempt cap.
func (ing *Ingestor) Replay(ctx context.Context, deliveryID string) (*Result, error) {
	event, err := ing.store.GetWebhookEvent(ctx, deliveryID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	handled, err := ing.dispatch(ctx, event.Event, event.Payload)
	took := time.Since(start)
	ing.recorder.ObserveWebhook(event.Event, took, err == nil)
	ing.recordMetric(ctx, event.Event, err == nil, took)

	if err != nil {
		if ferr := ing.store.RecordWebhookFailure(ctx, deliveryID, err.Error()); ferr != nil {
			ing.log.Warn("Record webhook failure failed",
				logfields.DeliveryID(deliveryID), logfields.Error(ferr))
		}
		return nil, err
	}
	if merr := ing.store.MarkWebhookProcessed(ctx, deliveryID, took); merr != nil {
		ing.log.Warn("Mark webhook processed failed",
			logfields.DeliveryID(deliveryID), logfields.Error(merr))
	}

	message := "replayed"
	if !handled {
		message = "unsupported"
	}
	ing.log.Info("Webhook replayed", logfields.DeliveryID(deliveryID),
		logfields.Event(event.Event), logfields.Action(event.Action))
	return &Result{
		Success:          true,
		Processed:        handled,
		Message:          message,
		ProcessingTimeMS: float64(took.Microseconds()) / 1000,
	}, nil
}

// Unprocessed lists stored deliveries with automatic attempts left, oldest
// first. The admin API surfaces these as replay candidates.
func (ing *Ingestor) Unprocessed(ctx context.Context, limit int) ([]*storage.WebhookEvent, error) {
	return ing.store.ListUnprocessed(ctx, limit, maxAttempts)
}

// verifySignature checks the delivery MAC against the configured secret.
// go-github compares in constant time.
func (ing *Ingestor) verifySignature(d Delivery) error {
	if len(ing.secret) == 0 {
		ing.log.Warn("Webhook signature verification skipped: no secret configured",
			logfields.DeliveryID(d.DeliveryID))
		return nil
	}
	if err := github.ValidateSignature(d.Signature, d.Payload, ing.secret); err != nil {
		return rerrors.ValidationError("webhook signature verification failed").
			WithContext("delivery_id", d.DeliveryID)
	}
	return nil
}

// isDuplicate claims the dedup key for the window and reports whether it was
// already claimed. The broker shares the window across instances; without one
// the check degrades to this process only, and the delivery-id insert still
// catches exact duplicates either way.
func (ing *Ingestor) isDuplicate(ctx context.Context, key string) bool {
	if ing.kv != nil {
		fresh, err := ing.kv.SetNX(ctx, dedupPrefix+key, "1", ing.window)
		if err == nil {
			return !fresh
		}
		ing.log.Warn("Dedup window check failed", logfields.Error(err))
		return false
	}

	now := time.Now()
	ing.mu.Lock()
	defer ing.mu.Unlock()
	if at, ok := ing.seen[key]; ok && now.Sub(at) < ing.window {
		return true
	}
	for k, at := range ing.seen {
		if now.Sub(at) >= ing.window {
			delete(ing.seen, k)
		}
	}
	ing.seen[key] = now
	return false
}

// dispatch routes a verified delivery to its typed handler. The bool reports
// whether the event type is one the dispatcher acts on.
func (ing *Ingestor) dispatch(ctx context.Context, eventType string, payload []byte) (bool, error) {
	if !supportedEvents[eventType] {
		return false, nil
	}
	parsed, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		return true, rerrors.ValidationError("unparseable webhook payload").
			WithContext("event_type", eventType).
			WithContext("reason", err.Error())
	}

	switch evt := parsed.(type) {
	case *github.WorkflowJobEvent:
		return true, ing.handleWorkflowJob(ctx, evt)
	case *github.WorkflowRunEvent:
		return true, ing.handleWorkflowRun(ctx, evt)
	case *github.WorkflowDispatchEvent:
		ing.log.Info("Workflow dispatch received",
			logfields.Repository(evt.GetRepo().GetFullName()),
			logfields.Workflow(evt.GetWorkflow()), slog.String("ref", evt.GetRef()))
		return true, nil
	case *github.PingEvent:
		ing.log.Info("Webhook ping", slog.Int64("hook_id", evt.GetHookID()),
			slog.String("zen", evt.GetZen()))
		return true, nil
	case *github.PushEvent:
		ing.log.Debug("Push received", logfields.Repository(evt.GetRepo().GetFullName()),
			slog.String("ref", evt.GetRef()))
		return true, nil
	case *github.PullRequestEvent:
		ing.log.Debug("Pull request received", logfields.Repository(evt.GetRepo().GetFullName()),
			logfields.Action(evt.GetAction()), slog.Int("number", evt.GetNumber()))
		return true, nil
	case *github.CreateEvent:
		ing.log.Debug("Ref created", logfields.Repository(evt.GetRepo().GetFullName()),
			slog.String("ref_type", evt.GetRefType()), slog.String("ref", evt.GetRef()))
		return true, nil
	case *github.DeleteEvent:
		ing.log.Debug("Ref deleted", logfields.Repository(evt.GetRepo().GetFullName()),
			slog.String("ref_type", evt.GetRefType()), slog.String("ref", evt.GetRef()))
		return true, nil
	case *github.DeploymentEvent:
		ing.log.Debug("Deployment received", logfields.Repository(evt.GetRepo().GetFullName()),
			slog.String("environment", evt.GetDeployment().GetEnvironment()))
		return true, nil
	case *github.DeploymentStatusEvent:
		ing.log.Debug("Deployment status received", logfields.Repository(evt.GetRepo().GetFullName()),
			slog.String("state", evt.GetDeploymentStatus().GetState()))
		return true, nil
	case *github.ReleaseEvent:
		ing.log.Debug("Release received", logfields.Repository(evt.GetRepo().GetFullName()),
			logfields.Action(evt.GetAction()), slog.String("tag", evt.GetRelease().GetTagName()))
		return true, nil
	case *github.RepositoryEvent:
		ing.log.Debug("Repository event received", logfields.Repository(evt.GetRepo().GetFullName()),
			logfields.Action(evt.GetAction()))
		return true, nil
	case *github.CodeScanningAlertEvent:
		ing.log.Warn("Code scanning alert", logfields.Repository(evt.GetRepo().GetFullName()),
			logfields.Action(evt.GetAction()))
		return true, nil
	case *github.SecretScanningAlertEvent:
		ing.log.Warn("Secret scanning alert", logfields.Repository(evt.GetRepo().GetFullName()),
			logfields.Action(evt.GetAction()))
		return true, nil
	case *github.SecurityAdvisoryEvent:
		ing.log.Warn("Security advisory", logfields.Action(evt.GetAction()),
			slog.String("severity", evt.GetSecurityAdvisory().GetSeverity()),
			slog.String("summary", evt.GetSecurityAdvisory().GetSummary()))
		return true, nil
	default:
		return false, nil
	}
}

func (ing *Ingestor) publishReceived(ctx context.Context, d Delivery, p payloadProbe, dedup bool) {
	if err := ing.bus.Publish(ctx, events.WebhookReceived{
		DeliveryID:   d.DeliveryID,
		EventType:    d.EventType,
		Action:       p.Action,
		Repository:   p.Repository.FullName,
		Deduplicated: dedup,
		ReceivedAt:   d.ReceivedAt,
	}); err != nil {
		ing.log.Warn("Publish webhook received failed", logfields.Error(err))
	}
}

func (ing *Ingestor) recordMetric(ctx context.Context, eventType string, success bool, took time.Duration) {
	if err := ing.store.InsertWebhookMetric(ctx, &storage.WebhookMetric{
		EventType:        eventType,
		Success:          success,
		ProcessingTimeMS: took.Milliseconds(),
	}); err != nil {
		ing.log.Warn("Insert webhook metric failed", logfields.Error(err))
	}
}

// payloadProbe pulls the identity fields the dedup key needs without
// committing to a full typed parse.
type payloadProbe struct {
	Action     string `json:"action"`
	Repository struct {
		FullName string `json:"full_name"`
		Private  bool   `json:"private"`
	} `json:"repository"`
	WorkflowJob struct {
		ID    int64 `json:"id"`
		RunID int64 `json:"run_id"`
	} `json:"workflow_job"`
	WorkflowRun struct {
		ID int64 `json:"id"`
	} `json:"workflow_run"`
	PullRequest struct {
		ID int64 `json:"id"`
	} `json:"pull_request"`
	Issue struct {
		ID int64 `json:"id"`
	} `json:"issue"`
}

func probePayload(payload []byte) payloadProbe {
	var p payloadProbe
	_ = json.Unmarshal(payload, &p) // a partial parse still dedups on what it got
	return p
}

// dedupKey derives the duplicate-detection key for a delivery. The delivery
// id participates, so the window catches forge redeliveries, which reuse it.
func dedupKey(eventType, deliveryID string, p payloadProbe) string {
	runID := p.WorkflowJob.RunID
	if runID == 0 {
		runID = p.WorkflowRun.ID
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s|%d|%d|%d|%d",
		eventType, deliveryID, p.Action, p.Repository.FullName,
		p.WorkflowJob.ID, runID, p.PullRequest.ID, p.Issue.ID)))
	return hex.EncodeToString(sum[:])
}
