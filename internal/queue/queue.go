// Package queue is the durable task boundary of the sync engine. Every unit
// of work is a task naming a hook and carrying JSON arguments; handlers are
// looked up by hook when a task runs.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Status of a task row.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Task is one scheduled unit of work.
type Task struct {
	ID        string          `json:"id"`
	Hook      string          `json:"hook"`
	Args      json.RawMessage `json:"args"`
	Group     string          `json:"group,omitempty"`
	Status    Status          `json:"status"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	RunAt     time.Time       `json:"run_at"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Stats counts tasks per status.
type Stats struct {
	Pending int `json:"pending"`
	Running int `json:"running"`
	Done    int `json:"done"`
	Failed  int `json:"failed"`
}

// Queue schedules tasks. Implementations persist tasks across restarts.
type Queue interface {
	// Enqueue schedules hook(args) to run once at runAt (zero means now).
	Enqueue(ctx context.Context, hook string, args any, group string, runAt time.Time) (string, error)
	// ScheduleRecurring replaces any recurring registration of hook with expr.
	ScheduleRecurring(ctx context.Context, hook, expr, group string) error
	// Recurring reports the cron expression currently registered for hook.
	Recurring(ctx context.Context, hook string) (string, bool, error)
	// Pending reports whether hook(args) is queued or running. Nil args
	// matches any arguments.
	Pending(ctx context.Context, hook string, args any) (bool, error)
	// CancelAll removes every queued task and the recurring registration of hook.
	CancelAll(ctx context.Context, hook string) (int, error)
}

// Handler runs one task.
type Handler func(ctx context.Context, args json.RawMessage) error

// Registry maps hook names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register binds h to hook, replacing any previous handler.
func (r *Registry) Register(hook string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[hook] = h
}

// Hooks lists registered hook names in sorted order.
func (r *Registry) Hooks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for hook := range r.handlers {
		out = append(out, hook)
	}
	sort.Strings(out)
	return out
}

// Dispatch runs the handler bound to hook. An unknown hook is a permanent failure.
func (r *Registry) Dispatch(ctx context.Context, hook string, args json.RawMessage) error {
	r.mu.RLock()
	h, ok := r.handlers[hook]
	r.mu.RUnlock()
	if !ok {
		return Permanent(fmt.Errorf("no handler for hook %q", hook))
	}
	return h(ctx, args)
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// EncodeArgs renders args as the canonical JSON stored with a task. Struct
// fields keep declaration order and map keys are sorted, so equal arguments
// always encode to equal bytes.
func EncodeArgs(args any) (json.RawMessage, error) {
	if args == nil {
		return json.RawMessage("{}"), nil
	}
	if raw, ok := args.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode task args: %w", err)
	}
	return raw, nil
}

// Decode unmarshals task args into T, marking malformed input as permanent.
func Decode[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, Permanent(fmt.Errorf("decode task args: %w", err))
	}
	return out, nil
}
