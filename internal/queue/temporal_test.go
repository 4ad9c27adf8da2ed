package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	commonpb "go.temporal.io/api/common/v1"
	"go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	workflowpb "go.temporal.io/api/workflow/v1"
	"go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/converter"
	"go.temporal.io/sdk/mocks"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"
)

type taskWorkflowSuite struct {
	suite.Suite
	testsuite.WorkflowTestSuite
	env      *testsuite.TestWorkflowEnvironment
	registry *Registry
}

func TestTaskWorkflowSuite(t *testing.T) {
	suite.Run(t, new(taskWorkflowSuite))
}

func (s *taskWorkflowSuite) SetupTest() {
	s.env = s.NewTestWorkflowEnvironment()
	s.registry = NewRegistry()
	s.env.RegisterWorkflowWithOptions(TaskWorkflow, workflow.RegisterOptions{Name: taskWorkflowName})
	activities := NewTaskActivities(s.registry, slog.Default())
	s.env.RegisterActivityWithOptions(activities.Dispatch, activity.RegisterOptions{Name: taskActivityName})
}

func (s *taskWorkflowSuite) TestDispatchesToHandler() {
	var got pageArgs
	s.registry.Register("fetch-page", func(_ context.Context, raw json.RawMessage) error {
		return json.Unmarshal(raw, &got)
	})

	s.env.ExecuteWorkflow(taskWorkflowName, TaskInput{Hook: "fetch-page", Args: json.RawMessage(`{"page":3,"type":"posts"}`)})

	s.True(s.env.IsWorkflowCompleted())
	s.NoError(s.env.GetWorkflowError())
	s.Equal(pageArgs{Page: 3, Type: "posts"}, got)
}

func (s *taskWorkflowSuite) TestRetriesUpToMaxAttempts() {
	calls := 0
	s.registry.Register("upsert-record", func(context.Context, json.RawMessage) error {
		calls++
		return errors.New("database is locked")
	})

	s.env.ExecuteWorkflow(taskWorkflowName, TaskInput{Hook: "upsert-record", Args: json.RawMessage(`{}`), MaxAttempts: 3})

	s.True(s.env.IsWorkflowCompleted())
	s.Error(s.env.GetWorkflowError())
	s.Equal(3, calls)
}

func (s *taskWorkflowSuite) TestPermanentErrorStopsRetries() {
	calls := 0
	s.registry.Register("upsert-record", func(context.Context, json.RawMessage) error {
		calls++
		return Permanent(errors.New("bad args"))
	})

	s.env.ExecuteWorkflow(taskWorkflowName, TaskInput{Hook: "upsert-record", Args: json.RawMessage(`{}`), MaxAttempts: 5})

	s.Error(s.env.GetWorkflowError())
	s.Equal(1, calls)
}

func TestTaskWorkflowIDIsStablePerArgs(t *testing.T) {
	t.Parallel()
	a := TaskWorkflowID("resync-one", json.RawMessage(`{"recordId":5}`))
	b := TaskWorkflowID("resync-one", json.RawMessage(`{"recordId":5}`))
	c := TaskWorkflowID("resync-one", json.RawMessage(`{"recordId":6}`))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Contains(t, a, "pressync:resync-one:")
}

func TestTemporalEnqueueUsesDerivedIDAndDelay(t *testing.T) {
	c := &mocks.Client{}
	run := &mocks.WorkflowRun{}
	run.On("GetID").Return("wf")
	run.On("GetRunID").Return("run")

	args := pageArgs{Page: 2, Type: "posts"}
	raw, err := EncodeArgs(args)
	require.NoError(t, err)

	c.On("ExecuteWorkflow", mock.Anything, mock.MatchedBy(func(o client.StartWorkflowOptions) bool {
		return o.ID == TaskWorkflowID("fetch-page", raw) && o.TaskQueue == "pressync-tasks" && o.StartDelay > 50*time.Minute
	}), taskWorkflowName, mock.MatchedBy(func(in TaskInput) bool {
		return in.Hook == "fetch-page" && string(in.Args) == string(raw) && in.MaxAttempts == 4
	})).Return(run, nil).Once()

	q := NewTemporalQueue(c, TemporalOptions{TaskQueue: "pressync-tasks", MaxAttempts: 4}, nil)
	id, err := q.Enqueue(context.Background(), "fetch-page", args, "", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "wf", id)
	c.AssertExpectations(t)
}

func TestTemporalRecurringReadsScheduleMemo(t *testing.T) {
	c := &mocks.Client{}
	payload, err := converter.GetDefaultDataConverter().ToPayload("0 4,14 * * *")
	require.NoError(t, err)
	c.On("DescribeWorkflowExecution", mock.Anything, recurringWorkflowID("sync-trigger"), "").Return(
		&workflowservice.DescribeWorkflowExecutionResponse{
			WorkflowExecutionInfo: &workflowpb.WorkflowExecutionInfo{
				Status: enums.WORKFLOW_EXECUTION_STATUS_RUNNING,
				Memo:   &commonpb.Memo{Fields: map[string]*commonpb.Payload{scheduleMemoKey: payload}},
			},
		}, nil)
	c.On("DescribeWorkflowExecution", mock.Anything, recurringWorkflowID("delete-record"), "").Return(
		nil, serviceerror.NewNotFound("workflow not found"))

	q := NewTemporalQueue(c, TemporalOptions{TaskQueue: "pressync-tasks"}, nil)
	expr, found, err := q.Recurring(context.Background(), "sync-trigger")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "0 4,14 * * *", expr)

	_, found, err = q.Recurring(context.Background(), "delete-record")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestTemporalPendingChecksRunningStatus(t *testing.T) {
	c := &mocks.Client{}
	args := map[string]int64{"recordId": 9}
	raw, err := EncodeArgs(args)
	require.NoError(t, err)
	c.On("DescribeWorkflowExecution", mock.Anything, TaskWorkflowID("resync-one", raw), "").Return(
		&workflowservice.DescribeWorkflowExecutionResponse{
			WorkflowExecutionInfo: &workflowpb.WorkflowExecutionInfo{Status: enums.WORKFLOW_EXECUTION_STATUS_COMPLETED},
		}, nil)

	q := NewTemporalQueue(c, TemporalOptions{}, nil)
	pending, err := q.Pending(context.Background(), "resync-one", args)
	require.NoError(t, err)
	assert.False(t, pending)
}
