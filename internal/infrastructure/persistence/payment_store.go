package persistence

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/recon/engine/internal/domain/billing"
	"github.com/recon/engine/internal/domain/payment"
)

// GormPaymentStore implements payment.Store using GORM
type GormPaymentStore struct {
	db *gorm.DB
}

// NewGormPaymentStore creates a new GormPaymentStore
func NewGormPaymentStore(db *gorm.DB) *GormPaymentStore {
	return &GormPaymentStore{db: db}
}

// GetPayment loads a payment by ID
func (s *GormPaymentStore) GetPayment(ctx context.Context, id uuid.UUID) (*payment.Payment, error) {
	var p payment.Payment
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, mapError(err, "payment", id.String())
	}
	return &p, nil
}

// SavePayment persists the full payment aggregate
func (s *GormPaymentStore) SavePayment(ctx context.Context, p *payment.Payment) error {
	if err := s.db.WithContext(ctx).Save(p).Error; err != nil {
		return mapError(err, "payment", p.ID.String())
	}
	return nil
}

// UpdatePaymentFields applies a partial column update
func (s *GormPaymentStore) UpdatePaymentFields(ctx context.Context, id uuid.UUID, fields map[string]any) error {
	result := s.db.WithContext(ctx).Model(&payment.Payment{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return mapError(result.Error, "payment", id.String())
	}
	if result.RowsAffected == 0 {
		return mapError(gorm.ErrRecordNotFound, "payment", id.String())
	}
	return nil
}

// FindPaymentsByState lists payments in a state, newest first
func (s *GormPaymentStore) FindPaymentsByState(ctx context.Context, state payment.State, limit int) ([]payment.Payment, error) {
	query := s.db.WithContext(ctx).Where("state = ?", state).Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var payments []payment.Payment
	if err := query.Find(&payments).Error; err != nil {
		return nil, mapError(err, "payment", "")
	}
	return payments, nil
}

// CountPaymentsByState counts payments per state in an optional date range
func (s *GormPaymentStore) CountPaymentsByState(ctx context.Context, from, to *time.Time) (map[payment.State]int64, error) {
	type row struct {
		State payment.State
		Count int64
	}

	query := s.db.WithContext(ctx).Model(&payment.Payment{}).
		Select("state, COUNT(*) AS count").
		Group("state")
	if from != nil {
		query = query.Where("payment_date >= ?", *from)
	}
	if to != nil {
		query = query.Where("payment_date <= ?", *to)
	}

	var rows []row
	if err := query.Find(&rows).Error; err != nil {
		return nil, mapError(err, "payment", "")
	}

	counts := make(map[payment.State]int64, len(rows))
	for _, r := range rows {
		counts[r.State] = r.Count
	}
	return counts, nil
}

// QueryOpenInvoices returns linking candidates among open invoices
func (s *GormPaymentStore) QueryOpenInvoices(ctx context.Context, filter payment.InvoiceFilter) ([]billing.Invoice, error) {
	query := s.db.WithContext(ctx).Where("payment_status IN ?", billing.OpenInvoiceStatuses())

	if filter.CustomerID != nil {
		query = query.Where("customer_id = ?", *filter.CustomerID)
	}
	if filter.MinAmount != nil {
		query = query.Where("total_amount >= ?", *filter.MinAmount)
	}
	if filter.MaxAmount != nil {
		query = query.Where("total_amount <= ?", *filter.MaxAmount)
	}
	if filter.Reference != "" {
		pattern := "%" + strings.ToLower(filter.Reference) + "%"
		query = query.Where("LOWER(invoice_number) LIKE ? OR LOWER(reference_number) LIKE ?", pattern, pattern)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var invoices []billing.Invoice
	if err := query.Order("due_date ASC").Find(&invoices).Error; err != nil {
		return nil, mapError(err, "invoice", "")
	}
	return invoices, nil
}

// QueryActiveContracts returns linking candidates among linkable contracts
func (s *GormPaymentStore) QueryActiveContracts(ctx context.Context, filter payment.ContractFilter) ([]billing.Contract, error) {
	query := s.db.WithContext(ctx).Where("status IN ?", billing.LinkableContractStatuses())

	if filter.CustomerID != nil {
		query = query.Where("customer_id = ?", *filter.CustomerID)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var contracts []billing.Contract
	if err := query.Order("start_date ASC").Find(&contracts).Error; err != nil {
		return nil, mapError(err, "contract", "")
	}
	return contracts, nil
}

// GetInvoice loads an invoice by ID
func (s *GormPaymentStore) GetInvoice(ctx context.Context, id uuid.UUID) (*billing.Invoice, error) {
	var inv billing.Invoice
	if err := s.db.WithContext(ctx).First(&inv, "id = ?", id).Error; err != nil {
		return nil, mapError(err, "invoice", id.String())
	}
	return &inv, nil
}

// GetContract loads a contract by ID
func (s *GormPaymentStore) GetContract(ctx context.Context, id uuid.UUID) (*billing.Contract, error) {
	var c billing.Contract
	if err := s.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, mapError(err, "contract", id.String())
	}
	return &c, nil
}

// UpdateInvoiceFields applies a partial column update to an invoice
func (s *GormPaymentStore) UpdateInvoiceFields(ctx context.Context, id uuid.UUID, fields map[string]any) error {
	result := s.db.WithContext(ctx).Model(&billing.Invoice{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return mapError(result.Error, "invoice", id.String())
	}
	if result.RowsAffected == 0 {
		return mapError(gorm.ErrRecordNotFound, "invoice", id.String())
	}
	return nil
}

// UpdateContractFields applies a partial column update to a contract
func (s *GormPaymentStore) UpdateContractFields(ctx context.Context, id uuid.UUID, fields map[string]any) error {
	result := s.db.WithContext(ctx).Model(&billing.Contract{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return mapError(result.Error, "contract", id.String())
	}
	if result.RowsAffected == 0 {
		return mapError(gorm.ErrRecordNotFound, "contract", id.String())
	}
	return nil
}

// FindPaymentsLinkedTo returns payments whose authoritative target is the
// given invoice or contract, excluding excludePaymentID
func (s *GormPaymentStore) FindPaymentsLinkedTo(ctx context.Context, targetID uuid.UUID, excludePaymentID uuid.UUID) ([]payment.Payment, error) {
	var payments []payment.Payment
	err := s.db.WithContext(ctx).
		Where("(invoice_id = ? OR contract_id = ?)", targetID, targetID).
		Where("id <> ?", excludePaymentID).
		Find(&payments).Error
	if err != nil {
		return nil, mapError(err, "payment", "")
	}
	return payments, nil
}

// AppendTransition persists an audit transition record
func (s *GormPaymentStore) AppendTransition(ctx context.Context, record *payment.TransitionRecord) error {
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return mapError(err, "state_transition", record.ID.String())
	}
	return nil
}

// ListTransitions returns a payment's transition history, oldest first
func (s *GormPaymentStore) ListTransitions(ctx context.Context, paymentID uuid.UUID) ([]payment.TransitionRecord, error) {
	var records []payment.TransitionRecord
	err := s.db.WithContext(ctx).
		Where("payment_id = ?", paymentID).
		Order("timestamp ASC").
		Find(&records).Error
	if err != nil {
		return nil, mapError(err, "state_transition", "")
	}
	return records, nil
}

// SaveLinkingDecision persists a linking decision record
func (s *GormPaymentStore) SaveLinkingDecision(ctx context.Context, decision *payment.LinkingDecision) error {
	if err := s.db.WithContext(ctx).Create(decision).Error; err != nil {
		return mapError(err, "linking_decision", decision.ID.String())
	}
	return nil
}

// ListLinkingDecisions returns a payment's decision history, oldest first
func (s *GormPaymentStore) ListLinkingDecisions(ctx context.Context, paymentID uuid.UUID) ([]payment.LinkingDecision, error) {
	var decisions []payment.LinkingDecision
	err := s.db.WithContext(ctx).
		Where("payment_id = ?", paymentID).
		Order("timestamp ASC").
		Find(&decisions).Error
	if err != nil {
		return nil, mapError(err, "linking_decision", "")
	}
	return decisions, nil
}
