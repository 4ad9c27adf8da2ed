package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultWorkers       = 4
	defaultPollInterval  = time.Second
	defaultSweepInterval = 10 * time.Minute
	finishedRetention    = 7 * 24 * time.Hour
)

// RunnerOptions configure a Runner.
type RunnerOptions struct {
	Workers      int
	PollInterval time.Duration
	// Sweep runs every SweepInterval alongside the purge of finished tasks.
	Sweep         func(ctx context.Context)
	SweepInterval time.Duration
}

// Runner executes SQLQueue tasks with a fixed pool of worker goroutines
// and fires recurring hooks when they fall due.
type Runner struct {
	queue    *SQLQueue
	registry *Registry
	opts     RunnerOptions
	logger   *slog.Logger
}

// NewRunner builds a runner dispatching through registry.
func NewRunner(q *SQLQueue, registry *Registry, opts RunnerOptions, logger *slog.Logger) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{queue: q, registry: registry, opts: opts, logger: logger.With("component", "queue.runner")}
}

// Run blocks until ctx is cancelled, then waits for in-flight tasks.
func (r *Runner) Run(ctx context.Context) error {
	if n, err := r.queue.Recover(ctx); err != nil {
		return err
	} else if n > 0 {
		r.logger.Warn("requeued tasks left running", "count", n)
	}
	r.logger.Info("task runner started", "workers", r.opts.Workers, "poll_interval", r.opts.PollInterval)

	var wg sync.WaitGroup
	for i := 0; i < r.opts.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r.work(ctx, worker)
		}(i)
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		RunEvery(ctx, r.opts.PollInterval, r.promote)
	}()
	go func() {
		defer wg.Done()
		RunEvery(ctx, r.opts.SweepInterval, r.sweep)
	}()
	wg.Wait()
	r.logger.Info("task runner stopped", "reason", ctx.Err())
	return nil
}

// Drain runs due tasks on the calling goroutine until none are left. Tasks
// rescheduled for a later retry are not waited for.
func (r *Runner) Drain(ctx context.Context) (int, error) {
	ran := 0
	for {
		if err := ctx.Err(); err != nil {
			return ran, err
		}
		claimed, err := r.RunOne(ctx)
		if err != nil {
			return ran, err
		}
		if !claimed {
			return ran, nil
		}
		ran++
	}
}

// RunOne claims and runs a single due task. It reports false when no task was due.
func (r *Runner) RunOne(ctx context.Context) (bool, error) {
	task, ok, err := r.queue.Claim(ctx)
	if err != nil || !ok {
		return false, err
	}
	started := time.Now()
	runErr := r.registry.Dispatch(ctx, task.Hook, task.Args)
	// Finish bookkeeping even when ctx was cancelled mid-task.
	bookCtx := context.WithoutCancel(ctx)
	if runErr == nil {
		if err := r.queue.Complete(bookCtx, task.ID); err != nil {
			return true, err
		}
		r.logger.Debug("task done", "task_id", task.ID, "hook", task.Hook, "duration", time.Since(started))
		return true, nil
	}
	status, err := r.queue.Fail(bookCtx, task, runErr)
	if err != nil {
		return true, err
	}
	if status == StatusFailed {
		r.logger.Error("task failed", "task_id", task.ID, "hook", task.Hook, "attempts", task.Attempts, "args", string(task.Args), "error", runErr)
	} else {
		r.logger.Warn("task will retry", "task_id", task.ID, "hook", task.Hook, "attempts", task.Attempts, "error", runErr)
	}
	return true, nil
}

func (r *Runner) work(ctx context.Context, worker int) {
	for {
		claimed, err := r.RunOne(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("task runner error", "worker", worker, "error", err)
		}
		if claimed && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.opts.PollInterval):
		}
	}
}

func (r *Runner) promote(ctx context.Context) {
	n, err := r.queue.PromoteDue(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			r.logger.Error("recurring promotion failed", "error", err)
		}
		return
	}
	if n > 0 {
		r.logger.Info("recurring tasks fired", "count", n)
	}
}

func (r *Runner) sweep(ctx context.Context) {
	if n, err := r.queue.PurgeFinished(ctx, finishedRetention); err != nil {
		r.logger.Error("purge finished tasks failed", "error", err)
	} else if n > 0 {
		r.logger.Info("finished tasks purged", "count", n)
	}
	if r.opts.Sweep != nil {
		r.opts.Sweep(ctx)
	}
}

// RunEvery calls fn immediately and then on every tick of interval until
// ctx is cancelled.
func RunEvery(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	fn(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
