package redis_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisadapter "github.com/renderflow/broker/internal/adapter/redis"
	"github.com/renderflow/broker/internal/domain"
)

func TestCreditLedger_DeductAndRefund(t *testing.T) {
	rdb := newTestClient(t)
	ledger := redisadapter.NewCreditLedger(rdb)
	ctx := context.Background()

	bal, err := ledger.Balance(ctx, "owner1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal)

	// Seed a balance directly as the ledger has no "credit" top-up op.
	require.NoError(t, rdb.Set(ctx, "credits:balance:owner1", 100, 0).Err())

	bal, err = ledger.Deduct(ctx, "owner1", 30, "job1")
	require.NoError(t, err)
	assert.Equal(t, int64(70), bal)

	// Same ref is idempotent: balance unchanged on retry.
	bal, err = ledger.Deduct(ctx, "owner1", 30, "job1")
	require.NoError(t, err)
	assert.Equal(t, int64(70), bal)

	bal, err = ledger.Refund(ctx, "owner1", 30, "job1-refund")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal)
}

// TestCreditLedger_RefundSameRefAsDeductStillApplies guards against the
// Deduct/Refund idempotency markers colliding when called with the same ref
// (as Broker.Cancel and Pipeline do, keying both on the job id): a refund
// must not be mistaken for an already-applied deduct and silently no-op.
func TestCreditLedger_RefundSameRefAsDeductStillApplies(t *testing.T) {
	rdb := newTestClient(t)
	ledger := redisadapter.NewCreditLedger(rdb)
	ctx := context.Background()

	require.NoError(t, rdb.Set(ctx, "credits:balance:owner3", 100, 0).Err())

	bal, err := ledger.Deduct(ctx, "owner3", 30, "job3")
	require.NoError(t, err)
	assert.Equal(t, int64(70), bal)

	bal, err = ledger.Refund(ctx, "owner3", 30, "job3")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal)

	// Retried refund with the same ref is idempotent, not a double-credit.
	bal, err = ledger.Refund(ctx, "owner3", 30, "job3")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal)
}

func TestCreditLedger_InsufficientCredits(t *testing.T) {
	rdb := newTestClient(t)
	ledger := redisadapter.NewCreditLedger(rdb)
	ctx := context.Background()

	require.NoError(t, rdb.Set(ctx, "credits:balance:owner2", 10, 0).Err())

	_, err := ledger.Deduct(ctx, "owner2", 50, "job2")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInsufficientCredits))
}
