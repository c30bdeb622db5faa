// Package ledger adapts the accounting collaborator interface onto a
// database-backed entry table. The accounting computation itself lives
// outside the engine; this adapter only records balance deltas.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/recon/engine/internal/domain/payment/acl"
	"github.com/recon/engine/internal/domain/shared"
)

// Entry is one posted balance delta
type Entry struct {
	ID             uuid.UUID       `gorm:"type:uuid;primary_key"`
	IdempotencyKey string          `gorm:"type:varchar(200);not null;uniqueIndex"`
	DebitAccount   string          `gorm:"type:varchar(20);not null"`
	CreditAccount  string          `gorm:"type:varchar(20);not null"`
	Delta          decimal.Decimal `gorm:"type:decimal(18,4);not null"`
	Reversed       bool            `gorm:"not null;default:false"`
	Posted         bool            `gorm:"not null;default:false"`
	PaymentID      *uuid.UUID      `gorm:"type:uuid;index"`
	CreatedAt      time.Time       `gorm:"not null"`
}

// TableName returns the table name for GORM
func (Entry) TableName() string {
	return "ledger_entries"
}

// GormLedger implements the accounting port on a ledger entry table
type GormLedger struct {
	db *gorm.DB
}

// NewGormLedger creates a database-backed ledger adapter
func NewGormLedger(db *gorm.DB) *GormLedger {
	return &GormLedger{db: db}
}

// PostBalanceDelta records a balance delta. The unique idempotency key
// makes a re-post from a saga retry a no-op.
func (l *GormLedger) PostBalanceDelta(ctx context.Context, idempotencyKey string, paymentID uuid.UUID, accounts []acl.AccountRef, delta decimal.Decimal) error {
	entry := &Entry{
		ID:             uuid.New(),
		IdempotencyKey: idempotencyKey,
		Delta:          delta,
		PaymentID:      &paymentID,
		CreatedAt:      time.Now(),
	}
	for _, ref := range accounts {
		switch ref.Side {
		case "debit":
			entry.DebitAccount = ref.Code
		case "credit":
			entry.CreditAccount = ref.Code
		}
	}

	err := l.db.WithContext(ctx).Create(entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil
		}
		return shared.NewTransientStoreError(err.Error())
	}
	return nil
}

// ReverseBalanceDelta marks a previously posted delta as reversed
func (l *GormLedger) ReverseBalanceDelta(ctx context.Context, idempotencyKey string, accounts []acl.AccountRef, delta decimal.Decimal) error {
	result := l.db.WithContext(ctx).Model(&Entry{}).
		Where("idempotency_key = ?", idempotencyKey).
		Update("reversed", true)
	if result.Error != nil {
		return shared.NewTransientStoreError(result.Error.Error())
	}
	return nil
}

// Finalize marks a payment's un-reversed entries as posted. From then on
// the REVERSE guard blocks the payment.
func (l *GormLedger) Finalize(ctx context.Context, paymentID uuid.UUID) error {
	result := l.db.WithContext(ctx).Model(&Entry{}).
		Where("payment_id = ? AND reversed = ?", paymentID, false).
		Update("posted", true)
	if result.Error != nil {
		return shared.NewTransientStoreError(result.Error.Error())
	}
	return nil
}

// IsPosted reports whether a payment's ledger entry has been finalized
func (l *GormLedger) IsPosted(ctx context.Context, paymentID uuid.UUID) (bool, error) {
	var count int64
	err := l.db.WithContext(ctx).Model(&Entry{}).
		Where("payment_id = ? AND posted = ? AND reversed = ?", paymentID, true, false).
		Count(&count).Error
	if err != nil {
		return false, shared.NewTransientStoreError(err.Error())
	}
	return count > 0, nil
}

var _ acl.Ledger = (*GormLedger)(nil)
