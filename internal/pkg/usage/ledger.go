package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kutay-ship-it/capsulenote-sub006/app/models"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/metrics"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/retry"
)

var (
	// ErrAlreadyApplied is returned when a transaction with the same credit
	// type and source exists. Nothing was written.
	ErrAlreadyApplied = errors.New("credit transaction already applied")
	// ErrDuplicateSource is returned when a concurrent writer inserted the
	// same source first. The surrounding transaction must be rolled back.
	ErrDuplicateSource     = errors.New("credit transaction source already recorded")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrUnknownCreditType   = errors.New("unknown credit type")
)

// Entry describes one balance change.
type Entry struct {
	UserID          string
	CreditType      string
	TransactionType string
	Amount          int
	Source          string
	Metadata        map[string]any
}

// Ledger appends credit transactions and keeps the running balance on the
// user row in step with them.
type Ledger struct {
	db  *gorm.DB
	now func() time.Time
}

func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

// Apply writes e in its own transaction.
func (l *Ledger) Apply(ctx context.Context, e Entry) (*models.CreditTransaction, error) {
	var out *models.CreditTransaction
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		out, err = applyTx(tx, e, l.now())
		return err
	})
	return out, err
}

// ApplyTx writes e inside the caller's transaction. The user row is locked
// first so that concurrent writers for the same user serialise and the
// source pre-check is reliable.
func ApplyTx(tx *gorm.DB, e Entry) (*models.CreditTransaction, error) {
	return applyTx(tx, e, time.Now())
}

func applyTx(tx *gorm.DB, e Entry, now time.Time) (*models.CreditTransaction, error) {
	column, err := balanceColumn(e.CreditType)
	if err != nil {
		return nil, err
	}

	var user models.User
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", e.UserID).
		First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, retry.NewNotFound("user "+e.UserID, err)
		}
		return nil, retry.WrapDB("lock user", err)
	}

	var existing models.CreditTransaction
	res := tx.Where("credit_type = ? AND source = ?", e.CreditType, e.Source).Limit(1).Find(&existing)
	if res.Error != nil {
		return nil, retry.WrapDB("find credit source", res.Error)
	}
	if res.RowsAffected > 0 {
		return &existing, ErrAlreadyApplied
	}

	before := balanceOf(user, e.CreditType)
	after := before + e.Amount
	if after < 0 {
		return nil, retry.NewInvalidDelivery(
			fmt.Sprintf("user %s has %d %s credits, needs %d", e.UserID, before, e.CreditType, -e.Amount),
			ErrInsufficientCredits,
		)
	}

	metadata := ""
	if len(e.Metadata) > 0 {
		raw, err := json.Marshal(e.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal credit metadata: %w", err)
		}
		metadata = string(raw)
	}

	txn := &models.CreditTransaction{
		ID:              uuid.NewString(),
		UserID:          e.UserID,
		CreditType:      e.CreditType,
		TransactionType: e.TransactionType,
		Amount:          e.Amount,
		BalanceBefore:   before,
		BalanceAfter:    after,
		Source:          e.Source,
		Metadata:        metadata,
		CreatedAt:       now,
	}
	if err := tx.Create(txn).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, retry.NewInvalidDelivery("duplicate credit source "+e.Source, ErrDuplicateSource)
		}
		return nil, retry.WrapDB("insert credit transaction", err)
	}

	if err := tx.Model(&models.User{}).
		Where("id = ?", e.UserID).
		Updates(map[string]interface{}{
			column:       gorm.Expr(column+" + ?", e.Amount),
			"updated_at": now,
		}).Error; err != nil {
		return nil, retry.WrapDB("update balance", err)
	}

	metrics.CreditTransactions.WithLabelValues(e.CreditType, e.TransactionType).Inc()
	log.Debugf("[Ledger] %s %+d %s for user %s (%s)", e.TransactionType, e.Amount, e.CreditType, e.UserID, e.Source)
	return txn, nil
}

// Grant adds amount credits. Replaying the same source is a no-op that
// returns ErrAlreadyApplied.
func (l *Ledger) Grant(ctx context.Context, userID, creditType string, amount int, source string) (*models.CreditTransaction, error) {
	return l.Apply(ctx, Entry{
		UserID:          userID,
		CreditType:      creditType,
		TransactionType: models.TransactionGrantManual,
		Amount:          amount,
		Source:          source,
	})
}

// ConsumeForDelivery deducts one credit for a delivery.
func (l *Ledger) ConsumeForDelivery(ctx context.Context, userID, creditType, deliveryID string) (*models.CreditTransaction, error) {
	return l.Apply(ctx, Entry{
		UserID:          userID,
		CreditType:      creditType,
		TransactionType: models.TransactionDeductDelivery,
		Amount:          -1,
		Source:          DeliverySource(deliveryID),
		Metadata:        map[string]any{"deliveryId": deliveryID},
	})
}

// RefundDelivery returns the credit deducted for a delivery. It does nothing
// and returns nil, nil when no deduction was recorded.
func (l *Ledger) RefundDelivery(ctx context.Context, userID, creditType, deliveryID, reason string) (*models.CreditTransaction, error) {
	var out *models.CreditTransaction
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var deduction models.CreditTransaction
		res := tx.Where("credit_type = ? AND source = ?", creditType, DeliverySource(deliveryID)).Limit(1).Find(&deduction)
		if res.Error != nil {
			return retry.WrapDB("find deduction", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		var err error
		out, err = applyTx(tx, Entry{
			UserID:          userID,
			CreditType:      creditType,
			TransactionType: models.TransactionRefund,
			Amount:          -deduction.Amount,
			Source:          RefundSource(deliveryID),
			Metadata:        map[string]any{"deliveryId": deliveryID, "reason": reason},
		}, l.now())
		return err
	})
	return out, err
}

// Balance returns the running balance stored on the user row.
func (l *Ledger) Balance(ctx context.Context, userID, creditType string) (int, error) {
	if _, err := balanceColumn(creditType); err != nil {
		return 0, err
	}
	var user models.User
	if err := l.db.WithContext(ctx).Where("id = ?", userID).First(&user).Error; err != nil {
		return 0, retry.WrapDB("get user", err)
	}
	return balanceOf(user, creditType), nil
}

// Verify checks that the running balance equals the sum of the user's
// transactions for creditType.
func (l *Ledger) Verify(ctx context.Context, userID, creditType string) (bool, error) {
	balance, err := l.Balance(ctx, userID, creditType)
	if err != nil {
		return false, err
	}
	var sum int
	if err := l.db.WithContext(ctx).Model(&models.CreditTransaction{}).
		Where("user_id = ? AND credit_type = ?", userID, creditType).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&sum).Error; err != nil {
		return false, retry.WrapDB("sum transactions", err)
	}
	return sum == balance, nil
}

func DeliverySource(deliveryID string) string {
	return "delivery:" + deliveryID
}

func RefundSource(deliveryID string) string {
	return "refund:delivery:" + deliveryID
}

func balanceColumn(creditType string) (string, error) {
	switch creditType {
	case models.CreditTypePhysical:
		return "physical_credits", nil
	case models.CreditTypeMessage:
		return "message_credits", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCreditType, creditType)
	}
}

func balanceOf(user models.User, creditType string) int {
	if creditType == models.CreditTypeMessage {
		return user.MessageCredits
	}
	return user.PhysicalCredits
}
