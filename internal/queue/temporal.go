package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/converter"
	"go.temporal.io/sdk/temporal"
	temporalworker "go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
)

const (
	taskWorkflowName   = "pressync.task"
	taskActivityName   = "pressync.task.dispatch"
	permanentErrorType = "PermanentTaskError"
	scheduleMemoKey    = "schedule"
	workflowIDPrefix   = "pressync:"
	recurringSuffix    = "recurring"
	listPageSize       = 100
)

// TaskInput is the payload of one task workflow.
type TaskInput struct {
	Hook        string          `json:"hook"`
	Args        json.RawMessage `json:"args"`
	Group       string          `json:"group,omitempty"`
	MaxAttempts int32           `json:"max_attempts"`
}

// TaskWorkflow runs one task as a single retried activity.
func TaskWorkflow(ctx workflow.Context, input TaskInput) error {
	logger := workflow.GetLogger(ctx)
	if input.Hook == "" {
		return temporal.NewNonRetryableApplicationError("hook required", permanentErrorType, nil)
	}
	attempts := input.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:        attempts,
			InitialInterval:        time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        maxBackoff,
			NonRetryableErrorTypes: []string{permanentErrorType},
		},
	})
	if err := workflow.ExecuteActivity(ctx, taskActivityName, input).Get(ctx, nil); err != nil {
		logger.Error("task failed", "hook", input.Hook, "error", err)
		return err
	}
	logger.Debug("task done", "hook", input.Hook)
	return nil
}

// TaskActivities dispatches task activities to registered handlers.
type TaskActivities struct {
	registry *Registry
	logger   *slog.Logger
}

func NewTaskActivities(registry *Registry, logger *slog.Logger) *TaskActivities {
	return &TaskActivities{registry: registry, logger: logger}
}

// Dispatch runs the handler of input.Hook. Permanent errors stop retries.
func (a *TaskActivities) Dispatch(ctx context.Context, input TaskInput) error {
	err := a.registry.Dispatch(ctx, input.Hook, input.Args)
	if err == nil {
		return nil
	}
	if IsPermanent(err) {
		return temporal.NewNonRetryableApplicationError(err.Error(), permanentErrorType, err)
	}
	a.logger.Warn("task attempt failed", "hook", input.Hook, "attempt", activity.GetInfo(ctx).Attempt, "error", err)
	return err
}

// NewTemporalWorker builds the worker consuming taskQueue.
func NewTemporalWorker(c client.Client, taskQueue string, registry *Registry, logger *slog.Logger) temporalworker.Worker {
	w := temporalworker.New(c, taskQueue, temporalworker.Options{})
	w.RegisterWorkflowWithOptions(TaskWorkflow, workflow.RegisterOptions{Name: taskWorkflowName})
	activities := NewTaskActivities(registry, logger.With("component", "queue.activities"))
	w.RegisterActivityWithOptions(activities.Dispatch, activity.RegisterOptions{Name: taskActivityName})
	return w
}

// TemporalClient is the part of client.Client the queue uses.
type TemporalClient interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
	DescribeWorkflowExecution(ctx context.Context, workflowID, runID string) (*workflowservice.DescribeWorkflowExecutionResponse, error)
	TerminateWorkflow(ctx context.Context, workflowID, runID, reason string, details ...interface{}) error
	ListWorkflow(ctx context.Context, request *workflowservice.ListWorkflowExecutionsRequest) (*workflowservice.ListWorkflowExecutionsResponse, error)
}

// TemporalOptions configure a TemporalQueue.
type TemporalOptions struct {
	TaskQueue   string
	MaxAttempts int
}

// TemporalQueue runs every task as a workflow execution. The workflow id is
// derived from hook and arguments, so enqueueing a task identical to one
// still running returns the running execution instead of a second one.
type TemporalQueue struct {
	client TemporalClient
	opts   TemporalOptions
	logger *slog.Logger
}

var _ Queue = (*TemporalQueue)(nil)

func NewTemporalQueue(c TemporalClient, opts TemporalOptions, logger *slog.Logger) *TemporalQueue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TemporalQueue{client: c, opts: opts, logger: logger.With("component", "queue.temporal")}
}

// TaskWorkflowID returns the workflow id used for hook(args).
func TaskWorkflowID(hook string, args json.RawMessage) string {
	return workflowIDPrefix + hook + ":" + uuid.NewSHA1(uuid.NameSpaceURL, args).String()
}

func recurringWorkflowID(hook string) string {
	return workflowIDPrefix + hook + ":" + recurringSuffix
}

func (q *TemporalQueue) Enqueue(ctx context.Context, hook string, args any, group string, runAt time.Time) (string, error) {
	raw, err := EncodeArgs(args)
	if err != nil {
		return "", err
	}
	options := client.StartWorkflowOptions{
		ID:                    TaskWorkflowID(hook, raw),
		TaskQueue:             q.opts.TaskQueue,
		WorkflowIDReusePolicy: enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
	}
	if delay := time.Until(runAt); !runAt.IsZero() && delay > 0 {
		options.StartDelay = delay
	}
	we, err := q.client.ExecuteWorkflow(ctx, options, taskWorkflowName, q.input(hook, raw, group))
	if err != nil {
		q.logger.Error("start task workflow failed", "hook", hook, "error", err)
		return "", fmt.Errorf("enqueue %s: %w", hook, err)
	}
	q.logger.Debug("task workflow dispatched", "workflow_id", we.GetID(), "run_id", we.GetRunID(), "hook", hook)
	return we.GetID(), nil
}

// ScheduleRecurring starts a cron workflow for hook, terminating the one
// running under a previous expression.
func (q *TemporalQueue) ScheduleRecurring(ctx context.Context, hook, expr, group string) error {
	id := recurringWorkflowID(hook)
	if err := q.terminate(ctx, id, "schedule replaced"); err != nil {
		return err
	}
	options := client.StartWorkflowOptions{
		ID:                    id,
		TaskQueue:             q.opts.TaskQueue,
		WorkflowIDReusePolicy: enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		CronSchedule:          expr,
		Memo:                  map[string]interface{}{scheduleMemoKey: expr},
	}
	we, err := q.client.ExecuteWorkflow(ctx, options, taskWorkflowName, q.input(hook, json.RawMessage("{}"), group))
	if err != nil {
		return fmt.Errorf("schedule recurring %s: %w", hook, err)
	}
	q.logger.Info("recurring workflow scheduled", "workflow_id", we.GetID(), "hook", hook, "schedule", expr)
	return nil
}

// Recurring reads the schedule memo of hook's running cron workflow.
func (q *TemporalQueue) Recurring(ctx context.Context, hook string) (string, bool, error) {
	resp, err := q.describe(ctx, recurringWorkflowID(hook))
	if err != nil || resp == nil {
		return "", false, err
	}
	info := resp.GetWorkflowExecutionInfo()
	if info.GetStatus() != enums.WORKFLOW_EXECUTION_STATUS_RUNNING {
		return "", false, nil
	}
	payload, ok := info.GetMemo().GetFields()[scheduleMemoKey]
	if !ok {
		return "", true, nil
	}
	var expr string
	if err := converter.GetDefaultDataConverter().FromPayload(payload, &expr); err != nil {
		return "", false, fmt.Errorf("decode schedule memo: %w", err)
	}
	return expr, true, nil
}

// Pending reports whether the workflow of hook(args) is running. With nil
// args any running task workflow of hook counts.
func (q *TemporalQueue) Pending(ctx context.Context, hook string, args any) (bool, error) {
	if args == nil {
		ids, err := q.runningIDs(ctx, hook)
		if err != nil {
			return false, err
		}
		for _, id := range ids {
			if id != recurringWorkflowID(hook) {
				return true, nil
			}
		}
		return false, nil
	}
	raw, err := EncodeArgs(args)
	if err != nil {
		return false, err
	}
	resp, err := q.describe(ctx, TaskWorkflowID(hook, raw))
	if err != nil || resp == nil {
		return false, err
	}
	return resp.GetWorkflowExecutionInfo().GetStatus() == enums.WORKFLOW_EXECUTION_STATUS_RUNNING, nil
}

// CancelAll terminates every running workflow of hook, the cron workflow included.
func (q *TemporalQueue) CancelAll(ctx context.Context, hook string) (int, error) {
	ids, err := q.runningIDs(ctx, hook)
	if err != nil {
		return 0, err
	}
	cancelled := 0
	for _, id := range ids {
		if err := q.terminate(ctx, id, "cancelled"); err != nil {
			return cancelled, err
		}
		cancelled++
	}
	return cancelled, nil
}

func (q *TemporalQueue) input(hook string, raw json.RawMessage, group string) TaskInput {
	return TaskInput{Hook: hook, Args: raw, Group: group, MaxAttempts: int32(q.opts.MaxAttempts)}
}

func (q *TemporalQueue) describe(ctx context.Context, id string) (*workflowservice.DescribeWorkflowExecutionResponse, error) {
	resp, err := q.client.DescribeWorkflowExecution(ctx, id, "")
	if err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("describe %s: %w", id, err)
	}
	return resp, nil
}

func (q *TemporalQueue) terminate(ctx context.Context, id, reason string) error {
	err := q.client.TerminateWorkflow(ctx, id, "", reason)
	if err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("terminate %s: %w", id, err)
	}
	q.logger.Info("workflow terminated", "workflow_id", id, "reason", reason)
	return nil
}

func (q *TemporalQueue) runningIDs(ctx context.Context, hook string) ([]string, error) {
	query := fmt.Sprintf("WorkflowType = '%s' AND ExecutionStatus = 'Running' AND WorkflowId STARTS_WITH '%s'",
		taskWorkflowName, strings.ReplaceAll(workflowIDPrefix+hook+":", "'", ""))
	var (
		ids   []string
		token []byte
	)
	for {
		resp, err := q.client.ListWorkflow(ctx, &workflowservice.ListWorkflowExecutionsRequest{
			Query:         query,
			PageSize:      listPageSize,
			NextPageToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list %s workflows: %w", hook, err)
		}
		for _, exec := range resp.GetExecutions() {
			ids = append(ids, exec.GetExecution().GetWorkflowId())
		}
		token = resp.GetNextPageToken()
		if len(token) == 0 {
			return ids, nil
		}
	}
}
