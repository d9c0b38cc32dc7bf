package workflows

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
)

// TaskQueueName is the queue the reconciliation worker listens on.
const TaskQueueName = "storefront-reconcile"

// PaymentWorkflowID is the workflow id reconciling a payment transaction.
func PaymentWorkflowID(transactionID string) string {
	return fmt.Sprintf("reconcile-payment-%s", transactionID)
}

// RefundWorkflowID is the workflow id reconciling a refund.
func RefundWorkflowID(refundID string) string {
	return fmt.Sprintf("reconcile-refund-%s", refundID)
}

// Starter starts reconciliation workflows. At most one workflow ever runs per
// payment or refund; starting it again is a no-op.
type Starter struct {
	client    client.Client
	taskQueue string
	template  ReconcileRequest
	logger    *slog.Logger
}

// NewStarter creates a Starter. template supplies the polling schedule of
// every started workflow.
func NewStarter(c client.Client, taskQueue string, template ReconcileRequest) *Starter {
	if taskQueue == "" {
		taskQueue = TaskQueueName
	}
	return &Starter{
		client:    c,
		taskQueue: taskQueue,
		template:  template,
		logger:    slog.Default().With("component", "reconcile-starter"),
	}
}

// StartPaymentReconcile starts PaymentReconcileWorkflow for a transaction.
func (s *Starter) StartPaymentReconcile(ctx context.Context, transactionID string) error {
	return s.start(ctx, PaymentWorkflowID(transactionID), PaymentReconcileWorkflow, transactionID)
}

// StartRefundReconcile starts RefundReconcileWorkflow for a refund.
func (s *Starter) StartRefundReconcile(ctx context.Context, refundID string) error {
	return s.start(ctx, RefundWorkflowID(refundID), RefundReconcileWorkflow, refundID)
}

func (s *Starter) start(ctx context.Context, workflowID string, workflowFn any, id string) error {
	req := s.template
	req.ID = id

	_, err := s.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                                       workflowID,
		TaskQueue:                                s.taskQueue,
		WorkflowIDReusePolicy:                    enumspb.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
	}, workflowFn, req)

	var started *serviceerror.WorkflowExecutionAlreadyStarted
	if errors.As(err, &started) {
		s.logger.InfoContext(ctx, "Reconciliation already started", "workflow_id", workflowID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to start %s: %w", workflowID, err)
	}
	s.logger.InfoContext(ctx, "Reconciliation started", "workflow_id", workflowID)
	return nil
}
