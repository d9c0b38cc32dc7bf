package activities_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"storefront/activities"
	"storefront/callbacks"
	"storefront/checksum"
	"storefront/gateway"
	"storefront/gateway/gatewaytest"
	"storefront/models"
	"storefront/store"
	"storefront/store/storetest"
)

type fixture struct {
	store    *store.Store
	provider *gatewaytest.Provider
	acts     *activities.ReconcileActivities
	order    *models.Order
	txn      *models.Transaction
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := storetest.New(t)
	provider := gatewaytest.NewProvider(t)
	codec, err := checksum.New("salt-key", 1)
	require.NoError(t, err)
	gw, err := gateway.New(gateway.Config{BaseURL: provider.URL(), MerchantID: "MERCHANTUAT", Timeout: 2 * time.Second}, codec, s)
	require.NoError(t, err)

	order := storetest.SeedOrder(t, s, storetest.Order{
		UserID: "user-1",
		Total:  decimal.NewFromInt(600),
		Items:  []models.OrderItem{{ProductID: storetest.Widget.ID, Name: "Widget", Quantity: 2, Price: storetest.Widget.Price}},
	})
	return &fixture{
		store:    s,
		provider: provider,
		acts:     activities.NewReconcileActivities(gw, callbacks.New(s, codec)),
		order:    order,
		txn:      storetest.SeedTransaction(t, s, order),
	}
}

func TestReconcilePayment(t *testing.T) {
	tests := []struct {
		name         string
		state        string
		code         string
		wantResult   activities.ReconcileResult
		wantErrType  string
		wantTxStatus models.TransactionStatus
	}{
		{
			name:         "Success - Completed",
			state:        "COMPLETED",
			wantResult:   activities.ReconcileResult{Status: "COMPLETED", Terminal: true},
			wantTxStatus: models.TransactionStatusCompleted,
		},
		{
			name:         "Success - Failed",
			state:        "FAILED",
			wantResult:   activities.ReconcileResult{Status: "FAILED", Terminal: true},
			wantTxStatus: models.TransactionStatusFailed,
		},
		{
			name:         "Success - Still Pending",
			state:        "PENDING",
			wantResult:   activities.ReconcileResult{Status: "PENDING"},
			wantTxStatus: models.TransactionStatusPending,
		},
		{
			name:         "Failure - Unknown State",
			state:        "MYSTERY",
			code:         "SOMETHING_NEW",
			wantErrType:  activities.ErrTypeUnknownState,
			wantTxStatus: models.TransactionStatusPending,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.provider.SetStatus(gatewaytest.Notification{
				TransactionID: f.txn.TransactionID, GatewayTransactionID: "PG-1", State: tt.state, Code: tt.code, Amount: f.txn.Amount,
			})

			testSuite := &testsuite.WorkflowTestSuite{}
			env := testSuite.NewTestActivityEnvironment()
			env.RegisterActivity(f.acts)

			val, err := env.ExecuteActivity(f.acts.ReconcilePayment, f.txn.TransactionID)
			if tt.wantErrType != "" {
				require.Error(t, err)
				var appErr *temporal.ApplicationError
				require.True(t, errors.As(err, &appErr))
				assert.Equal(t, tt.wantErrType, appErr.Type())
				assert.True(t, appErr.NonRetryable())
			} else {
				require.NoError(t, err)
				var result activities.ReconcileResult
				require.NoError(t, val.Get(&result))
				assert.Equal(t, tt.wantResult, result)
			}

			txn, err := f.store.GetTransaction(context.Background(), f.txn.TransactionID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantTxStatus, txn.Status)
		})
	}
}

func TestReconcilePayment_UnknownTransactionIsNotRetried(t *testing.T) {
	f := newFixture(t)
	f.provider.SetStatus(gatewaytest.Notification{TransactionID: "T-GHOST", State: "COMPLETED"})

	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestActivityEnvironment()
	env.RegisterActivity(f.acts)

	_, err := env.ExecuteActivity(f.acts.ReconcilePayment, "T-GHOST")
	require.Error(t, err)
	var appErr *temporal.ApplicationError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, activities.ErrTypeNotApplied, appErr.Type())
}

func TestReconcilePayment_ProviderDownIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.provider.Server.Close()

	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestActivityEnvironment()
	env.RegisterActivity(f.acts)

	_, err := env.ExecuteActivity(f.acts.ReconcilePayment, f.txn.TransactionID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status check failed")
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		assert.False(t, appErr.NonRetryable())
	}
}

func TestReconcileRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()
	ok, err := f.store.FinalizeTransaction(ctx, f.txn.TransactionID, models.TransactionStatusCompleted, "PG-1", nil, now)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = f.store.MarkOrderPaid(ctx, f.order.ID, now)
	require.NoError(t, err)

	refund := &models.Refund{
		RefundID: "R-1", TransactionID: f.txn.TransactionID, OrderID: f.order.ID,
		Amount: f.txn.Amount, Status: models.RefundStatusPending, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, f.store.InsertRefund(ctx, refund))
	f.provider.SetStatus(gatewaytest.Notification{TransactionID: "R-1", State: "COMPLETED", Amount: refund.Amount})

	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestActivityEnvironment()
	env.RegisterActivity(f.acts)

	val, err := env.ExecuteActivity(f.acts.ReconcileRefund, "R-1")
	require.NoError(t, err)
	var result activities.ReconcileResult
	require.NoError(t, val.Get(&result))
	assert.Equal(t, activities.ReconcileResult{Status: "COMPLETED", Terminal: true}, result)

	order, err := f.store.GetOrder(ctx, f.order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusRefunded, order.PaymentStatus)
}
