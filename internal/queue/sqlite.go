package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"example.com/pressync/internal/content"
)

const (
	defaultMaxAttempts = 3
	defaultBackoff     = time.Second
	maxBackoff         = 30 * time.Second
)

// SQLOptions tune retry behavior of a SQLQueue.
type SQLOptions struct {
	// MaxAttempts is how many times a task runs before it is marked failed.
	MaxAttempts int
	// Backoff is the delay before the first retry; it doubles per attempt
	// up to 30s.
	Backoff time.Duration
}

// SQLQueue is a Queue persisted in SQLite tables next to the content store.
type SQLQueue struct {
	db          *sql.DB
	maxAttempts int
	backoff     time.Duration
	now         func() time.Time
}

var _ Queue = (*SQLQueue)(nil)

// NewSQLQueue constructs a queue over an open database. Call Init before use.
func NewSQLQueue(db *sql.DB, opts SQLOptions) *SQLQueue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	return &SQLQueue{
		db:          db,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Init creates the task tables.
func (q *SQLQueue) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			hook TEXT NOT NULL,
			args TEXT NOT NULL,
			task_group TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			run_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(status, run_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_hook ON tasks(hook, status);`,
		`CREATE TABLE IF NOT EXISTS recurring (
			hook TEXT PRIMARY KEY,
			expr TEXT NOT NULL,
			task_group TEXT NOT NULL DEFAULT '',
			next_run INTEGER NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := q.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init queue schema: %w", err)
		}
	}
	return nil
}

// Enqueue inserts a pending task.
func (q *SQLQueue) Enqueue(ctx context.Context, hook string, args any, group string, runAt time.Time) (string, error) {
	raw, err := EncodeArgs(args)
	if err != nil {
		return "", err
	}
	now := q.now()
	if runAt.IsZero() {
		runAt = now
	}
	id := uuid.NewString()
	query, qargs, err := sq.Insert("tasks").
		Columns("id", "hook", "args", "task_group", "status", "run_at", "created_at", "updated_at").
		Values(id, hook, string(raw), group, StatusPending, runAt.UnixNano(), now.UnixNano(), now.UnixNano()).
		ToSql()
	if err != nil {
		return "", err
	}
	if _, err := q.db.ExecContext(ctx, query, qargs...); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", hook, err)
	}
	return id, nil
}

// Claim marks the oldest due pending task running and returns it. The
// update selects and flips the row in one statement so two workers never
// claim the same task.
func (q *SQLQueue) Claim(ctx context.Context) (Task, bool, error) {
	now := q.now().UnixNano()
	row := q.db.QueryRowContext(ctx, `
		UPDATE tasks SET status = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = (
			SELECT id FROM tasks WHERE status = ? AND run_at <= ?
			ORDER BY run_at, created_at LIMIT 1
		)
		RETURNING id, hook, args, task_group, status, attempts, last_error, run_at, created_at, updated_at`,
		StatusRunning, now, StatusPending, now)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, false, nil
		}
		return Task{}, false, fmt.Errorf("claim task: %w", err)
	}
	return task, true, nil
}

// Complete marks a claimed task done.
func (q *SQLQueue) Complete(ctx context.Context, id string) error {
	return q.setStatus(ctx, id, StatusDone, "", 0)
}

// Fail records err on a claimed task. The task is rescheduled with
// exponential backoff until its attempts run out or err is permanent; then
// it is marked failed and kept for inspection.
func (q *SQLQueue) Fail(ctx context.Context, task Task, taskErr error) (Status, error) {
	if IsPermanent(taskErr) || task.Attempts >= q.maxAttempts {
		return StatusFailed, q.setStatus(ctx, task.ID, StatusFailed, taskErr.Error(), 0)
	}
	delay := q.backoff << max(task.Attempts-1, 0)
	if delay <= 0 || delay > maxBackoff {
		delay = maxBackoff
	}
	return StatusPending, q.setStatus(ctx, task.ID, StatusPending, taskErr.Error(), q.now().Add(delay).UnixNano())
}

func (q *SQLQueue) setStatus(ctx context.Context, id string, status Status, lastError string, runAt int64) error {
	builder := sq.Update("tasks").
		Set("status", status).
		Set("updated_at", q.now().UnixNano()).
		Where(sq.Eq{"id": id})
	if lastError != "" {
		builder = builder.Set("last_error", lastError)
	}
	if runAt > 0 {
		builder = builder.Set("run_at", runAt)
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return err
	}
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("task %s: %w", id, content.ErrNotFound)
	}
	return nil
}

// Recover returns tasks left running by a crashed process to pending.
func (q *SQLQueue) Recover(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE status = ?`,
		StatusPending, q.now().UnixNano(), StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("recover tasks: %w", err)
	}
	return res.RowsAffected()
}

// ScheduleRecurring registers hook to fire on the standard cron expression expr.
func (q *SQLQueue) ScheduleRecurring(ctx context.Context, hook, expr, group string) error {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return fmt.Errorf("schedule %q: %v: %w", expr, err, content.ErrConfig)
	}
	next := sched.Next(q.now()).UnixNano()
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO recurring(hook, expr, task_group, next_run) VALUES(?, ?, ?, ?)
		 ON CONFLICT(hook) DO UPDATE SET expr = excluded.expr, task_group = excluded.task_group, next_run = excluded.next_run`,
		hook, expr, group, next)
	if err != nil {
		return fmt.Errorf("schedule recurring %s: %w", hook, err)
	}
	return nil
}

// Recurring returns the expression registered for hook.
func (q *SQLQueue) Recurring(ctx context.Context, hook string) (string, bool, error) {
	var expr string
	err := q.db.QueryRowContext(ctx, `SELECT expr FROM recurring WHERE hook = ?`, hook).Scan(&expr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read recurring %s: %w", hook, err)
	}
	return expr, true, nil
}

// PromoteDue enqueues one task for every recurring hook whose next run has
// passed and advances its next run. Each promotion is claimed by comparing
// next_run so concurrent promoters fire a hook once.
func (q *SQLQueue) PromoteDue(ctx context.Context) (int, error) {
	now := q.now()
	rows, err := q.db.QueryContext(ctx,
		`SELECT hook, expr, task_group, next_run FROM recurring WHERE next_run <= ?`, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("list due recurring: %w", err)
	}
	type due struct {
		hook, expr, group string
		nextRun           int64
	}
	var pending []due
	for rows.Next() {
		var d due
		if err := rows.Scan(&d.hook, &d.expr, &d.group, &d.nextRun); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan recurring: %w", err)
		}
		pending = append(pending, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iter recurring: %w", err)
	}

	promoted := 0
	for _, d := range pending {
		sched, err := cron.ParseStandard(d.expr)
		if err != nil {
			return promoted, fmt.Errorf("recurring %s has invalid expression %q: %w", d.hook, d.expr, err)
		}
		res, err := q.db.ExecContext(ctx,
			`UPDATE recurring SET next_run = ? WHERE hook = ? AND next_run = ?`,
			sched.Next(now).UnixNano(), d.hook, d.nextRun)
		if err != nil {
			return promoted, fmt.Errorf("advance recurring %s: %w", d.hook, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		if _, err := q.Enqueue(ctx, d.hook, nil, d.group, now); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// Pending reports whether hook(args) is pending or running.
func (q *SQLQueue) Pending(ctx context.Context, hook string, args any) (bool, error) {
	builder := sq.Select("COUNT(*)").From("tasks").
		Where(sq.Eq{"hook": hook, "status": []Status{StatusPending, StatusRunning}})
	if args != nil {
		raw, err := EncodeArgs(args)
		if err != nil {
			return false, err
		}
		builder = builder.Where(sq.Eq{"args": string(raw)})
	}
	query, qargs, err := builder.ToSql()
	if err != nil {
		return false, err
	}
	var n int
	if err := q.db.QueryRowContext(ctx, query, qargs...).Scan(&n); err != nil {
		return false, fmt.Errorf("query pending %s: %w", hook, err)
	}
	return n > 0, nil
}

// CancelAll deletes pending tasks of hook and its recurring registration.
// Running tasks finish normally.
func (q *SQLQueue) CancelAll(ctx context.Context, hook string) (int, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM tasks WHERE hook = ? AND status = ?`, hook, StatusPending)
	if err != nil {
		return 0, fmt.Errorf("cancel %s tasks: %w", hook, err)
	}
	cancelled, _ := res.RowsAffected()
	res, err = q.db.ExecContext(ctx, `DELETE FROM recurring WHERE hook = ?`, hook)
	if err != nil {
		return int(cancelled), fmt.Errorf("cancel %s schedule: %w", hook, err)
	}
	unscheduled, _ := res.RowsAffected()
	return int(cancelled + unscheduled), nil
}

// Get returns one task by id.
func (q *SQLQueue) Get(ctx context.Context, id string) (Task, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT id, hook, args, task_group, status, attempts, last_error, run_at, created_at, updated_at
		 FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, fmt.Errorf("task %s: %w", id, content.ErrNotFound)
		}
		return Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return task, nil
}

// List returns tasks of hook (all hooks when empty) in a status (any when
// empty), oldest first.
func (q *SQLQueue) List(ctx context.Context, hook string, status Status, limit int) ([]Task, error) {
	builder := sq.Select("id", "hook", "args", "task_group", "status", "attempts", "last_error", "run_at", "created_at", "updated_at").
		From("tasks").
		OrderBy("run_at", "created_at")
	if hook != "" {
		builder = builder.Where(sq.Eq{"hook": hook})
	}
	if status != "" {
		builder = builder.Where(sq.Eq{"status": status})
	}
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter tasks: %w", err)
	}
	return out, nil
}

// Stats counts tasks per status.
func (q *SQLQueue) Stats(ctx context.Context) (Stats, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("task stats: %w", err)
	}
	defer rows.Close()
	var stats Stats
	for rows.Next() {
		var (
			status Status
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, fmt.Errorf("scan stats: %w", err)
		}
		switch status {
		case StatusPending:
			stats.Pending = n
		case StatusRunning:
			stats.Running = n
		case StatusDone:
			stats.Done = n
		case StatusFailed:
			stats.Failed = n
		}
	}
	return stats, rows.Err()
}

// PurgeFinished deletes done tasks last touched before olderThan ago.
func (q *SQLQueue) PurgeFinished(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE status = ? AND updated_at < ?`,
		StatusDone, q.now().Add(-olderThan).UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge finished tasks: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var (
		t                          Task
		args                       string
		runAt, createdAt, updateAt int64
	)
	if err := row.Scan(&t.ID, &t.Hook, &args, &t.Group, &t.Status, &t.Attempts, &t.LastError, &runAt, &createdAt, &updateAt); err != nil {
		return Task{}, err
	}
	t.Args = json.RawMessage(args)
	t.RunAt = time.Unix(0, runAt).UTC()
	t.CreatedAt = time.Unix(0, createdAt).UTC()
	t.UpdatedAt = time.Unix(0, updateAt).UTC()
	return t, nil
}
