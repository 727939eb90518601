// Package queue implements the durable dispatch queue on Redis. Jobs wait in
// a priority-ordered ready set, retries park in a delayed set until due, and
// finished jobs land in completed/failed sets with retention. All state lives
// in Redis, so any instance can enqueue and any instance's workers consume.
package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"git.home.luguber.info/inful/runnerd/internal/config"
	rerrors "git.home.luguber.info/inful/runnerd/internal/errors"
	"git.home.luguber.info/inful/runnerd/internal/metrics"
	"git.home.luguber.info/inful/runnerd/internal/retry"
)

// DefaultName is the queue consumed by the dispatch workers.
const DefaultName = "github-jobs"

// Options control a single enqueue. Zero values fall back to the queue's
// configured defaults.
type Options struct {
	Priority int           // higher pops first
	Attempts int           // total attempts including the first
	Backoff  time.Duration // base retry delay, doubled per retry
}

// Task is one queued unit as handed to the handler.
type Task struct {
	Name        string
	Payload     []byte
	Priority    int
	Attempt     int // 1-based
	MaxAttempts int
	Backoff     time.Duration
	EnqueuedAt  time.Time
	LastError   string
}

// Handler processes one task. A nil return completes the task; an error
// schedules a retry until the attempts run out.
type Handler func(ctx context.Context, task *Task) error

// Counts summarizes the queue's sets.
type Counts struct {
	Ready     int64 `json:"ready"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Queue is a durable priority queue on Redis.
type Queue struct {
	name    string
	client  redis.UniversalClient
	handler Handler

	concurrency int
	attempts    int
	backoff     time.Duration
	popTimeout  time.Duration
	moveEvery   time.Duration

	completedAge  time.Duration
	completedKeep int
	failedAge     time.Duration

	// precomputed keys, all namespaced under the queue name
	ready     string
	delayed   string
	completed string
	failed    string
	seq       string

	recorder metrics.Recorder

	stopOnce sync.Once
	stop     context.CancelFunc
	wg       sync.WaitGroup
}

// New builds a queue on an already-connected client. An empty name selects
// DefaultName. The handler runs on the worker goroutines started by Start.
func New(client redis.UniversalClient, name string, cfg config.QueueConfig, handler Handler) *Queue {
	if name == "" {
		name = DefaultName
	}
	if handler == nil {
		panic("queue.New: handler is required")
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	keep := cfg.CompletedKeep
	if keep <= 0 {
		keep = 100
	}
	prefix := "queue:" + name + ":"
	return &Queue{
		name:          name,
		client:        client,
		handler:       handler,
		concurrency:   concurrency,
		attempts:      attempts,
		backoff:       cfg.BackoffDelay(),
		popTimeout:    2 * time.Second,
		moveEvery:     time.Second,
		completedAge:  cfg.CompletedAge(),
		completedKeep: keep,
		failedAge:     cfg.FailedAge(),
		ready:         prefix + "ready",
		delayed:       prefix + "delayed",
		completed:     prefix + "completed",
		failed:        prefix + "failed",
		seq:           prefix + "seq",
		recorder:      metrics.NoopRecorder{},
	}
}

// SetRecorder injects a metrics recorder for depth gauges (optional).
func (q *Queue) SetRecorder(r metrics.Recorder) {
	if r == nil {
		r = metrics.NoopRecorder{}
	}
	q.recorder = r
}

func (q *Queue) jobKey(name string) string {
	return "queue:" + q.name + ":job:" + name
}

// readyScore orders the ready set: higher priority first, FIFO within a
// priority band. Sequence numbers stay well under 2^32, so the combined
// value is exact in a float64 score.
func readyScore(priority int, seq int64) float64 {
	return float64(seq - int64(priority)<<32)
}

// Add enqueues a named task. Re-adding a name overwrites its payload and
// repositions it in the ready set.
func (q *Queue) Add(ctx context.Context, name string, payload []byte, opts Options) error {
	if name == "" {
		return rerrors.ValidationError("queue: task name is required")
	}
	if opts.Attempts <= 0 {
		opts.Attempts = q.attempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = q.backoff
	}
	seq, err := q.client.Incr(ctx, q.seq).Result()
	if err != nil {
		return fmt.Errorf("queue sequence: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(name), map[string]interface{}{
		"payload":      payload,
		"priority":     opts.Priority,
		"max_attempts": opts.Attempts,
		"backoff_ms":   opts.Backoff.Milliseconds(),
		"attempt":      0,
		"last_error":   "",
		"enqueued_at":  time.Now().UnixMilli(),
	})
	pipe.ZAdd(ctx, q.ready, redis.Z{Score: readyScore(opts.Priority, seq), Member: name})
	depth := pipe.ZCard(ctx, q.ready)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue %s: %w", name, err)
	}
	q.recorder.SetQueueDepth(int(depth.Val()))
	return nil
}

// Depth returns the number of ready tasks.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.ZCard(ctx, q.ready).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// Stats returns the cardinality of every queue set.
func (q *Queue) Stats(ctx context.Context) (Counts, error) {
	pipe := q.client.Pipeline()
	ready := pipe.ZCard(ctx, q.ready)
	delayed := pipe.ZCard(ctx, q.delayed)
	completed := pipe.ZCard(ctx, q.completed)
	failed := pipe.ZCard(ctx, q.failed)
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, fmt.Errorf("queue stats: %w", err)
	}
	return Counts{
		Ready:     ready.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// FailedTasks returns recently failed tasks, newest first, for inspection
// and manual replay.
func (q *Queue) FailedTasks(ctx context.Context, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 50
	}
	names, err := q.client.ZRevRange(ctx, q.failed, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list failed tasks: %w", err)
	}
	tasks := make([]*Task, 0, len(names))
	for _, name := range names {
		task, err := q.loadTask(ctx, name)
		if err != nil {
			continue // hash already pruned
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// RetryFailed moves a failed task back to the ready set with a fresh
// attempt budget.
func (q *Queue) RetryFailed(ctx context.Context, name string) error {
	removed, err := q.client.ZRem(ctx, q.failed, name).Result()
	if err != nil {
		return fmt.Errorf("claim failed task %s: %w", name, err)
	}
	if removed == 0 {
		return rerrors.NotFound("failed task", name)
	}
	priority, _ := q.client.HGet(ctx, q.jobKey(name), "priority").Int()
	seq, err := q.client.Incr(ctx, q.seq).Result()
	if err != nil {
		return fmt.Errorf("queue sequence: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(name), map[string]interface{}{"attempt": 0, "last_error": ""})
	pipe.ZAdd(ctx, q.ready, redis.Z{Score: readyScore(priority, seq), Member: name})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("requeue failed task %s: %w", name, err)
	}
	return nil
}

// Prune applies retention: completed entries drop after their age or beyond
// the keep-count, failed entries after theirs. Run from the scheduler.
func (q *Queue) Prune(ctx context.Context) error {
	now := time.Now()
	if err := q.pruneByAge(ctx, q.completed, now.Add(-q.completedAge)); err != nil {
		return err
	}
	if err := q.trimCompleted(ctx); err != nil {
		return err
	}
	return q.pruneByAge(ctx, q.failed, now.Add(-q.failedAge))
}

func (q *Queue) pruneByAge(ctx context.Context, set string, cutoff time.Time) error {
	names, err := q.client.ZRangeByScore(ctx, set, &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(cutoff.UnixMilli(), 10), Offset: 0, Count: 1000,
	}).Result()
	if err != nil {
		return fmt.Errorf("scan %s: %w", set, err)
	}
	return q.dropEntries(ctx, set, names)
}

func (q *Queue) trimCompleted(ctx context.Context) error {
	card, err := q.client.ZCard(ctx, q.completed).Result()
	if err != nil {
		return fmt.Errorf("count completed: %w", err)
	}
	excess := card - int64(q.completedKeep)
	if excess <= 0 {
		return nil
	}
	names, err := q.client.ZRange(ctx, q.completed, 0, excess-1).Result()
	if err != nil {
		return fmt.Errorf("scan completed overflow: %w", err)
	}
	return q.dropEntries(ctx, q.completed, names)
}

func (q *Queue) dropEntries(ctx context.Context, set string, names []string) error {
	if len(names) == 0 {
		return nil
	}
	members := make([]interface{}, len(names))
	keys := make([]string, len(names))
	for i, name := range names {
		members[i] = name
		keys[i] = q.jobKey(name)
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, set, members...)
	pipe.Del(ctx, keys...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("prune %s: %w", set, err)
	}
	return nil
}

func (q *Queue) loadTask(ctx context.Context, name string) (*Task, error) {
	vals, err := q.client.HGetAll(ctx, q.jobKey(name)).Result()
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", name, err)
	}
	if len(vals) == 0 {
		return nil, rerrors.NotFound("task", name)
	}
	task := &Task{
		Name:      name,
		Payload:   []byte(vals["payload"]),
		LastError: vals["last_error"],
	}
	task.Priority, _ = strconv.Atoi(vals["priority"])
	task.MaxAttempts, _ = strconv.Atoi(vals["max_attempts"])
	task.Attempt, _ = strconv.Atoi(vals["attempt"])
	if ms, err := strconv.ParseInt(vals["backoff_ms"], 10, 64); err == nil {
		task.Backoff = time.Duration(ms) * time.Millisecond
	}
	if ms, err := strconv.ParseInt(vals["enqueued_at"], 10, 64); err == nil {
		task.EnqueuedAt = time.UnixMilli(ms)
	}
	return task, nil
}

func (q *Queue) retryPolicy(task *Task) retry.Policy {
	return retry.NewPolicy(retry.BackoffExponential, task.Backoff, 0, task.MaxAttempts)
}
