package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"

	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"

	"storefront/app"
	"storefront/config"
	"storefront/models"
	"storefront/observability"
	"storefront/workflows"
)

// Operator tool: starts a reconciliation by hand, waits for it, or queries a
// running one.
func main() {
	transactionID := flag.String("transaction-id", "", "Payment transaction ID to reconcile")
	refundID := flag.String("refund-id", "", "Refund ID to reconcile")
	query := flag.Bool("query", false, "Query workflow state")
	workflowID := flag.String("workflow-id", "", "Workflow ID for query operations")
	wait := flag.Bool("wait", false, "Wait for a started workflow to finish")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := observability.NewLogger(cfg.LogLevel)

	dc, err := app.DataConverter(cfg.EncryptionKey)
	if err != nil {
		log.Fatalf("Failed to create encryption data converter: %v", err)
	}
	c, err := client.Dial(client.Options{
		HostPort:      cfg.TemporalAddress,
		DataConverter: dc,
		Logger:        tlog.NewStructuredLogger(logger),
	})
	if err != nil {
		log.Fatalf("Unable to create Temporal client: %v", err)
	}
	defer c.Close()

	ctx := context.Background()

	if *query {
		if *workflowID == "" {
			log.Fatal("Workflow ID is required for query operations. Use -workflow-id flag")
		}
		queryWorkflowState(ctx, c, *workflowID)
		return
	}

	starter := workflows.NewStarter(c, cfg.TaskQueue, workflows.ReconcileRequest{
		GracePeriod: cfg.Reconcile.GracePeriod,
		Interval:    cfg.Reconcile.Interval,
		MaxPolls:    cfg.Reconcile.MaxPolls,
	})

	var id string
	switch {
	case *transactionID != "" && *refundID != "":
		log.Fatal("Use only one of -transaction-id and -refund-id")
	case *transactionID != "":
		id = workflows.PaymentWorkflowID(*transactionID)
		err = starter.StartPaymentReconcile(ctx, *transactionID)
	case *refundID != "":
		id = workflows.RefundWorkflowID(*refundID)
		err = starter.StartRefundReconcile(ctx, *refundID)
	default:
		log.Fatal("One of -transaction-id, -refund-id or -query is required")
	}
	if err != nil {
		log.Fatalf("Unable to start reconciliation: %v", err)
	}

	log.Printf("Reconciliation running as workflow %s", id)
	log.Println("To query its state, run:")
	log.Printf("  go run ./starter -query -workflow-id %s", id)

	if !*wait {
		return
	}
	var state models.ReconcileState
	if err := c.GetWorkflow(ctx, id, "").Get(ctx, &state); err != nil {
		log.Printf("Workflow completed with error: %v", err)
	}
	printState(state)
}

func queryWorkflowState(ctx context.Context, c client.Client, workflowID string) {
	log.Printf("Querying workflow state: %s", workflowID)

	resp, err := c.QueryWorkflow(ctx, workflowID, "", workflows.QueryState)
	if err != nil {
		log.Fatalf("Failed to query workflow: %v", err)
	}

	var state models.ReconcileState
	if err := resp.Get(&state); err != nil {
		log.Fatalf("Failed to decode query result: %v", err)
	}
	printState(state)
}

func printState(state models.ReconcileState) {
	stateJSON, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		log.Fatalf("Failed to marshal state: %v", err)
	}
	fmt.Println(string(stateJSON))
}
