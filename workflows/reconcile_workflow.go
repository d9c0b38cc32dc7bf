package workflows

import (
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"storefront/activities"
	"storefront/models"
)

const (
	PaymentReconcileWorkflowName = "PaymentReconcileWorkflow"
	RefundReconcileWorkflowName  = "RefundReconcileWorkflow"
	QueryState                   = "state"
)

// Defaults for ReconcileRequest.
const (
	DefaultGracePeriod = 2 * time.Minute
	DefaultInterval    = 30 * time.Second
	DefaultMaxInterval = 10 * time.Minute
	DefaultMaxPolls    = 20
)

// ReconcileRequest names the payment or refund to reconcile and how often to
// poll for it. Zero values take the defaults.
type ReconcileRequest struct {
	ID          string        `json:"id"`
	GracePeriod time.Duration `json:"gracePeriod,omitempty"`
	Interval    time.Duration `json:"interval,omitempty"`
	MaxInterval time.Duration `json:"maxInterval,omitempty"`
	MaxPolls    int           `json:"maxPolls,omitempty"`
}

func (r ReconcileRequest) withDefaults() ReconcileRequest {
	if r.GracePeriod <= 0 {
		r.GracePeriod = DefaultGracePeriod
	}
	if r.Interval <= 0 {
		r.Interval = DefaultInterval
	}
	if r.MaxInterval < r.Interval {
		r.MaxInterval = max(DefaultMaxInterval, r.Interval)
	}
	if r.MaxPolls <= 0 {
		r.MaxPolls = DefaultMaxPolls
	}
	return r
}

// PaymentReconcileWorkflow polls the provider for a payment whose webhook has
// not arrived yet, until the payment is terminal or the polls run out. An
// abandoned payment ends the workflow with status PENDING, not an error.
func PaymentReconcileWorkflow(ctx workflow.Context, req ReconcileRequest) (models.ReconcileState, error) {
	var act *activities.ReconcileActivities
	return reconcile(ctx, "payment", req, act.ReconcilePayment)
}

// RefundReconcileWorkflow is PaymentReconcileWorkflow for refunds.
func RefundReconcileWorkflow(ctx workflow.Context, req ReconcileRequest) (models.ReconcileState, error) {
	var act *activities.ReconcileActivities
	return reconcile(ctx, "refund", req, act.ReconcileRefund)
}

func reconcile(ctx workflow.Context, kind string, req ReconcileRequest, activityFn any) (models.ReconcileState, error) {
	logger := workflow.GetLogger(ctx)
	req = req.withDefaults()
	logger.Info("Reconciliation started", "kind", kind, "id", req.ID, "max_polls", req.MaxPolls)

	state := models.ReconcileState{
		ID:          req.ID,
		Kind:        kind,
		Status:      string(models.TransactionStatusPending),
		LastUpdated: workflow.Now(ctx),
	}
	err := workflow.SetQueryHandler(ctx, QueryState, func() (models.ReconcileState, error) {
		return state, nil
	})
	if err != nil {
		return state, fmt.Errorf("failed to set query handler: %w", err)
	}
	if req.ID == "" {
		return state, temporal.NewNonRetryableApplicationError("reconcile id is required", "InvalidRequest", nil)
	}

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    1 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    10 * time.Second,
			MaximumAttempts:    3,
		},
	})

	// Give the webhook a chance to arrive first.
	if err := workflow.Sleep(ctx, req.GracePeriod); err != nil {
		return state, err
	}

	interval := req.Interval
	for state.Polls < req.MaxPolls {
		var result activities.ReconcileResult
		err := workflow.ExecuteActivity(ctx, activityFn, req.ID).Get(ctx, &result)
		state.Polls++
		state.LastUpdated = workflow.Now(ctx)

		if err != nil {
			state.LastError = err.Error()
			var appErr *temporal.ApplicationError
			if errors.As(err, &appErr) && appErr.NonRetryable() {
				logger.Error("Reconciliation stopped", "kind", kind, "id", req.ID, "error", err)
				return state, err
			}
			logger.Warn("Status poll failed", "kind", kind, "id", req.ID, "poll", state.Polls, "error", err)
		} else {
			state.Status = result.Status
			state.LastError = ""
			if result.Terminal {
				logger.Info("Reconciliation completed", "kind", kind, "id", req.ID, "status", result.Status, "polls", state.Polls)
				return state, nil
			}
		}

		if state.Polls >= req.MaxPolls {
			break
		}
		if err := workflow.Sleep(ctx, interval); err != nil {
			return state, err
		}
		interval = min(interval*2, req.MaxInterval)
	}

	logger.Warn("Reconciliation gave up, still pending", "kind", kind, "id", req.ID, "polls", state.Polls)
	return state, nil
}
