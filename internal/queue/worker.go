package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Start launches the worker pool and the delayed-task mover. Workers run
// until Stop is called or ctx ends.
func (q *Queue) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	q.stop = cancel

	slog.Info("Starting queue workers", "queue", q.name, "concurrency", q.concurrency)
	for i := range q.concurrency {
		q.wg.Add(1)
		go q.worker(runCtx, fmt.Sprintf("worker-%d", i))
	}
	q.wg.Add(1)
	go q.mover(runCtx)
}

// Stop cancels in-flight handlers and waits for the workers, up to ctx's
// deadline. Interrupted tasks are pushed back to the ready set without
// spending an attempt.
func (q *Queue) Stop(ctx context.Context) error {
	q.stopOnce.Do(func() {
		if q.stop != nil {
			q.stop()
		}
	})
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue stop: %w", ctx.Err())
	}
}

func (q *Queue) worker(ctx context.Context, workerID string) {
	defer q.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}
		res, err := q.client.BZPopMin(ctx, q.popTimeout, q.ready).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			slog.Warn("Queue pop failed", "queue", q.name, "worker", workerID, "err", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		name, _ := res.Member.(string)
		if name == "" {
			continue
		}
		q.processTask(ctx, name, workerID)
	}
}

func (q *Queue) processTask(ctx context.Context, name, workerID string) {
	task, err := q.loadTask(ctx, name)
	if err != nil {
		slog.Warn("Dropping queue entry without payload", "queue", q.name, "name", name, "err", err)
		return
	}
	attempt, err := q.client.HIncrBy(ctx, q.jobKey(name), "attempt", 1).Result()
	if err != nil {
		slog.Error("Failed to bump attempt counter", "queue", q.name, "name", name, "err", err)
		return
	}
	task.Attempt = int(attempt)

	slog.Debug("Processing task", "queue", q.name, "worker", workerID,
		"name", name, "attempt", task.Attempt, "priority", task.Priority)

	err = q.handler(ctx, task)
	switch {
	case err == nil:
		q.finishTask(name, q.completed, "")
	case ctx.Err() != nil:
		q.requeueInterrupted(name)
	case task.Attempt >= task.MaxAttempts:
		slog.Warn("Task failed permanently", "queue", q.name, "name", name,
			"attempts", task.Attempt, "err", err)
		q.finishTask(name, q.failed, err.Error())
	default:
		delay := q.retryPolicy(task).Delay(task.Attempt)
		slog.Warn("Task failed, scheduling retry", "queue", q.name, "name", name,
			"attempt", task.Attempt, "delay", delay, "err", err)
		q.scheduleRetry(name, delay, err.Error())
	}
}

// finishTask records the outcome in the given set. It runs on a fresh
// context: the worker's may already be canceled.
func (q *Queue) finishTask(name, set, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now().UnixMilli()
	fields := map[string]interface{}{"finished_at": now}
	if errMsg != "" {
		fields["last_error"] = errMsg
	}
	pipe := q.client.TxPipeline()
	pipe.ZAdd(ctx, set, redis.Z{Score: float64(now), Member: name})
	pipe.HSet(ctx, q.jobKey(name), fields)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Error("Failed to finalize task", "queue", q.name, "name", name, "err", err)
	}
}

func (q *Queue) scheduleRetry(name string, delay time.Duration, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	readyAt := time.Now().Add(delay).UnixMilli()
	pipe := q.client.TxPipeline()
	pipe.ZAdd(ctx, q.delayed, redis.Z{Score: float64(readyAt), Member: name})
	pipe.HSet(ctx, q.jobKey(name), "last_error", errMsg)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Error("Failed to schedule retry", "queue", q.name, "name", name, "err", err)
	}
}

// requeueInterrupted returns a task whose handler was cut off by shutdown to
// the ready set, restoring its attempt counter.
func (q *Queue) requeueInterrupted(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := q.client.HIncrBy(ctx, q.jobKey(name), "attempt", -1).Err(); err != nil {
		slog.Error("Failed to restore attempt counter", "queue", q.name, "name", name, "err", err)
	}
	priority, _ := q.client.HGet(ctx, q.jobKey(name), "priority").Int()
	seq, err := q.client.Incr(ctx, q.seq).Result()
	if err != nil {
		slog.Error("Failed to requeue interrupted task", "queue", q.name, "name", name, "err", err)
		return
	}
	err = q.client.ZAdd(ctx, q.ready, redis.Z{Score: readyScore(priority, seq), Member: name}).Err()
	if err != nil {
		slog.Error("Failed to requeue interrupted task", "queue", q.name, "name", name, "err", err)
		return
	}
	slog.Info("Requeued in-flight task for next start", "queue", q.name, "name", name)
}

func (q *Queue) mover(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.moveEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := q.MoveDue(ctx)
			if err != nil && ctx.Err() == nil {
				slog.Warn("Delayed promotion failed", "queue", q.name, "err", err)
			}
			if n > 0 {
				slog.Debug("Promoted delayed tasks", "queue", q.name, "count", n)
			}
			q.observeDepth(ctx)
		}
	}
}

// MoveDue promotes delayed tasks whose ready time has passed. The ZRem is
// the claim: when several instances race, only the one that removed the
// member re-adds it to the ready set.
func (q *Queue) MoveDue(ctx context.Context) (int, error) {
	names, err := q.client.ZRangeByScore(ctx, q.delayed, &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(time.Now().UnixMilli(), 10), Offset: 0, Count: 100,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan delayed: %w", err)
	}

	moved := 0
	for _, name := range names {
		removed, err := q.client.ZRem(ctx, q.delayed, name).Result()
		if err != nil {
			return moved, fmt.Errorf("claim delayed %s: %w", name, err)
		}
		if removed == 0 {
			continue
		}
		priority, _ := q.client.HGet(ctx, q.jobKey(name), "priority").Int()
		seq, err := q.client.Incr(ctx, q.seq).Result()
		if err != nil {
			return moved, fmt.Errorf("queue sequence: %w", err)
		}
		err = q.client.ZAdd(ctx, q.ready, redis.Z{Score: readyScore(priority, seq), Member: name}).Err()
		if err != nil {
			return moved, fmt.Errorf("promote %s: %w", name, err)
		}
		moved++
	}
	return moved, nil
}

func (q *Queue) observeDepth(ctx context.Context) {
	depth, err := q.client.ZCard(ctx, q.ready).Result()
	if err != nil {
		return
	}
	q.recorder.SetQueueDepth(int(depth))
}
