package usage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/kutay-ship-it/capsulenote-sub006/app/models"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/database/dbtest"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/retry"
)

func createUser(t *testing.T, db *gorm.DB, id string, physical int) {
	t.Helper()
	require.NoError(t, db.Create(&models.User{ID: id, Email: id + "@example.com", PhysicalCredits: physical}).Error)
}

func TestLedger_GrantConsumeRefund(t *testing.T) {
	db := dbtest.New(t)
	ledger := NewLedger(db)
	ctx := context.Background()
	createUser(t, db, "u1", 0)

	txn, err := ledger.Grant(ctx, "u1", models.CreditTypePhysical, 2, "manual:1")
	require.NoError(t, err)
	assert.Equal(t, 0, txn.BalanceBefore)
	assert.Equal(t, 2, txn.BalanceAfter)

	_, err = ledger.Grant(ctx, "u1", models.CreditTypePhysical, 2, "manual:1")
	assert.ErrorIs(t, err, ErrAlreadyApplied)

	txn, err = ledger.ConsumeForDelivery(ctx, "u1", models.CreditTypePhysical, "d1")
	require.NoError(t, err)
	assert.Equal(t, -1, txn.Amount)
	assert.Equal(t, "delivery:d1", txn.Source)

	txn, err = ledger.RefundDelivery(ctx, "u1", models.CreditTypePhysical, "d1", "INVALID_ADDRESS")
	require.NoError(t, err)
	require.NotNil(t, txn)
	assert.Equal(t, 1, txn.Amount)
	assert.Equal(t, models.TransactionRefund, txn.TransactionType)

	_, err = ledger.RefundDelivery(ctx, "u1", models.CreditTypePhysical, "d1", "again")
	assert.ErrorIs(t, err, ErrAlreadyApplied)

	balance, err := ledger.Balance(ctx, "u1", models.CreditTypePhysical)
	require.NoError(t, err)
	assert.Equal(t, 2, balance)

	ok, err := ledger.Verify(ctx, "u1", models.CreditTypePhysical)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLedger_InsufficientCredits(t *testing.T) {
	db := dbtest.New(t)
	ledger := NewLedger(db)
	createUser(t, db, "u1", 0)

	_, err := ledger.ConsumeForDelivery(context.Background(), "u1", models.CreditTypePhysical, "d1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientCredits)
	assert.False(t, retry.Classify(err).Retryable)

	var count int64
	require.NoError(t, db.Model(&models.CreditTransaction{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestLedger_RefundWithoutDeduction(t *testing.T) {
	db := dbtest.New(t)
	ledger := NewLedger(db)
	createUser(t, db, "u1", 1)

	txn, err := ledger.RefundDelivery(context.Background(), "u1", models.CreditTypePhysical, "d-missing", "failed")
	require.NoError(t, err)
	assert.Nil(t, txn)
}

func TestLedger_UnknownUserAndType(t *testing.T) {
	db := dbtest.New(t)
	ledger := NewLedger(db)
	ctx := context.Background()

	_, err := ledger.Grant(ctx, "ghost", models.CreditTypePhysical, 1, "manual:ghost")
	require.Error(t, err)
	assert.Equal(t, retry.CodeNotFound, retry.Classify(err).Code)

	createUser(t, db, "u1", 0)
	_, err = ledger.Grant(ctx, "u1", "gold", 1, "manual:gold")
	assert.ErrorIs(t, err, ErrUnknownCreditType)
}

func TestLedger_MessageCreditsAreSeparate(t *testing.T) {
	db := dbtest.New(t)
	ledger := NewLedger(db)
	ctx := context.Background()
	createUser(t, db, "u1", 3)

	_, err := ledger.Grant(ctx, "u1", models.CreditTypeMessage, 5, "manual:msg")
	require.NoError(t, err)

	// Same source string under another credit type is a different entry.
	_, err = ledger.Grant(ctx, "u1", models.CreditTypePhysical, 1, "manual:msg")
	require.NoError(t, err)

	msg, err := ledger.Balance(ctx, "u1", models.CreditTypeMessage)
	require.NoError(t, err)
	phys, err := ledger.Balance(ctx, "u1", models.CreditTypePhysical)
	require.NoError(t, err)
	assert.Equal(t, 5, msg)
	assert.Equal(t, 4, phys)
}
