package workflows_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/mocks"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"storefront/activities"
	"storefront/models"
	"storefront/workflows"
)

var fastSchedule = workflows.ReconcileRequest{
	GracePeriod: time.Second,
	Interval:    time.Second,
	MaxInterval: 4 * time.Second,
	MaxPolls:    3,
}

func request(id string) workflows.ReconcileRequest {
	r := fastSchedule
	r.ID = id
	return r
}

func TestPaymentReconcileWorkflow_CompletesOnTerminalState(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	var act *activities.ReconcileActivities
	env.RegisterActivity(&activities.ReconcileActivities{})
	env.OnActivity(act.ReconcilePayment, mock.Anything, "T1").
		Return(activities.ReconcileResult{Status: "PENDING"}, nil).Once()
	env.OnActivity(act.ReconcilePayment, mock.Anything, "T1").
		Return(activities.ReconcileResult{Status: "COMPLETED", Terminal: true}, nil).Once()

	env.ExecuteWorkflow(workflows.PaymentReconcileWorkflow, request("T1"))

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	var state models.ReconcileState
	require.NoError(t, env.GetWorkflowResult(&state))
	assert.Equal(t, "COMPLETED", state.Status)
	assert.Equal(t, 2, state.Polls)
	assert.Equal(t, "payment", state.Kind)
	env.AssertExpectations(t)
}

func TestPaymentReconcileWorkflow_AbandonedPaymentIsNotAnError(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	var act *activities.ReconcileActivities
	env.RegisterActivity(&activities.ReconcileActivities{})
	env.OnActivity(act.ReconcilePayment, mock.Anything, "T2").
		Return(activities.ReconcileResult{Status: "PENDING"}, nil).Times(3)

	env.ExecuteWorkflow(workflows.PaymentReconcileWorkflow, request("T2"))

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	var state models.ReconcileState
	require.NoError(t, env.GetWorkflowResult(&state))
	assert.Equal(t, "PENDING", state.Status)
	assert.Equal(t, 3, state.Polls)
}

func TestPaymentReconcileWorkflow_StopsOnNonRetryableError(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	var act *activities.ReconcileActivities
	env.RegisterActivity(&activities.ReconcileActivities{})
	env.OnActivity(act.ReconcilePayment, mock.Anything, "T3").
		Return(activities.ReconcileResult{}, temporal.NewNonRetryableApplicationError("unknown", activities.ErrTypeUnknownState, nil)).Once()

	env.ExecuteWorkflow(workflows.PaymentReconcileWorkflow, request("T3"))

	require.True(t, env.IsWorkflowCompleted())
	err := env.GetWorkflowError()
	require.Error(t, err)
	var appErr *temporal.ApplicationError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, activities.ErrTypeUnknownState, appErr.Type())
}

func TestPaymentReconcileWorkflow_KeepsPollingAfterTransientFailure(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	var act *activities.ReconcileActivities
	env.RegisterActivity(&activities.ReconcileActivities{})
	env.OnActivity(act.ReconcilePayment, mock.Anything, "T4").
		Return(activities.ReconcileResult{}, errors.New("provider down")).Times(3)
	env.OnActivity(act.ReconcilePayment, mock.Anything, "T4").
		Return(activities.ReconcileResult{Status: "FAILED", Terminal: true}, nil).Once()

	env.ExecuteWorkflow(workflows.PaymentReconcileWorkflow, request("T4"))

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	var state models.ReconcileState
	require.NoError(t, env.GetWorkflowResult(&state))
	assert.Equal(t, "FAILED", state.Status)
	assert.Equal(t, 2, state.Polls)
	assert.Empty(t, state.LastError)
}

func TestPaymentReconcileWorkflow_QueryState(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	var act *activities.ReconcileActivities
	env.RegisterActivity(&activities.ReconcileActivities{})
	env.OnActivity(act.ReconcilePayment, mock.Anything, "T5").
		Return(activities.ReconcileResult{Status: "PENDING"}, nil)

	env.RegisterDelayedCallback(func() {
		resp, err := env.QueryWorkflow(workflows.QueryState)
		require.NoError(t, err)
		var state models.ReconcileState
		require.NoError(t, resp.Get(&state))
		assert.Equal(t, "T5", state.ID)
		assert.Equal(t, "PENDING", state.Status)
		assert.Equal(t, 0, state.Polls)
	}, 500*time.Millisecond)

	env.ExecuteWorkflow(workflows.PaymentReconcileWorkflow, request("T5"))
	require.NoError(t, env.GetWorkflowError())
}

func TestPaymentReconcileWorkflow_RequiresID(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()
	env.RegisterActivity(&activities.ReconcileActivities{})

	env.ExecuteWorkflow(workflows.PaymentReconcileWorkflow, workflows.ReconcileRequest{})

	require.True(t, env.IsWorkflowCompleted())
	assert.Error(t, env.GetWorkflowError())
}

func TestRefundReconcileWorkflow(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	var act *activities.ReconcileActivities
	env.RegisterActivity(&activities.ReconcileActivities{})
	env.OnActivity(act.ReconcileRefund, mock.Anything, "R1").
		Return(activities.ReconcileResult{Status: "COMPLETED", Terminal: true}, nil).Once()

	env.ExecuteWorkflow(workflows.RefundReconcileWorkflow, request("R1"))

	require.NoError(t, env.GetWorkflowError())
	var state models.ReconcileState
	require.NoError(t, env.GetWorkflowResult(&state))
	assert.Equal(t, "refund", state.Kind)
	assert.Equal(t, "COMPLETED", state.Status)
}

func TestStarter(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{name: "Success - Started", err: nil},
		{name: "Success - Already Started", err: serviceerror.NewWorkflowExecutionAlreadyStarted("already started", "", "run-1")},
		{name: "Failure - Unavailable", err: serviceerror.NewUnavailable("frontend down"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &mocks.Client{}
			var run any
			if tt.err == nil {
				run = &mocks.WorkflowRun{}
			}
			c.On("ExecuteWorkflow", mock.Anything, mock.MatchedBy(func(o client.StartWorkflowOptions) bool {
				return o.ID == "reconcile-payment-T9" && o.TaskQueue == workflows.TaskQueueName
			}), mock.Anything, mock.MatchedBy(func(r workflows.ReconcileRequest) bool {
				return r.ID == "T9" && r.MaxPolls == fastSchedule.MaxPolls
			})).Return(run, tt.err).Once()

			starter := workflows.NewStarter(c, "", fastSchedule)
			err := starter.StartPaymentReconcile(context.Background(), "T9")
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			c.AssertExpectations(t)
		})
	}
}

func TestWorkflowIDs(t *testing.T) {
	assert.Equal(t, "reconcile-payment-T1", workflows.PaymentWorkflowID("T1"))
	assert.Equal(t, "reconcile-refund-R1", workflows.RefundWorkflowID("R1"))
}
