package payment

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recon/engine/internal/domain/billing"
	"github.com/recon/engine/internal/domain/shared"
	"github.com/recon/engine/internal/domain/shared/valueobject"
)

func newLinkablePayment(t *testing.T, amount float64, customerID *uuid.UUID) *Payment {
	t.Helper()
	p, err := New("PAY-7001", valueobject.NewMoneyQARFromFloat(amount), customerID, time.Now())
	require.NoError(t, err)
	p.ClearDomainEvents()
	return p
}

func openInvoice(number string, amount float64, customerID *uuid.UUID, dueDate *time.Time) billing.Invoice {
	return billing.Invoice{
		ID:            uuid.New(),
		InvoiceNumber: number,
		CustomerID:    customerID,
		TotalAmount:   decimal.NewFromFloat(amount),
		BalanceDue:    decimal.NewFromFloat(amount),
		PaymentStatus: billing.InvoiceStatusUnpaid,
		DueDate:       dueDate,
	}
}

func TestSuggestStrongMatchAutoLinks(t *testing.T) {
	engine := NewLinkingEngine(DefaultLinkingPolicy())
	customerID := uuid.New()
	p := newLinkablePayment(t, 500.00, &customerID)
	require.NoError(t, p.SetReference("INV-1001", ""))

	due := p.PaymentDate.Add(24 * time.Hour)
	inv := openInvoice("INV-1001", 500.00, &customerID, &due)

	suggestions := engine.Suggest(p, []billing.Invoice{inv}, nil)
	require.Len(t, suggestions, 1)

	s := suggestions[0]
	assert.Equal(t, inv.ID, s.TargetID)
	assert.Equal(t, TargetInvoice, s.TargetType)
	assert.True(t, s.Details.AmountMatch)
	assert.True(t, s.Details.CustomerMatch)
	assert.True(t, s.Details.ReferenceMatch)
	assert.GreaterOrEqual(t, s.Confidence, ThresholdAutoLink)
	assert.LessOrEqual(t, s.Confidence, 1.0)
	assert.Equal(t, DecisionAutoLink, engine.DecisionFor(s.Confidence))
}

func TestSuggestWeakMatchScoresBaseOnly(t *testing.T) {
	engine := NewLinkingEngine(DefaultLinkingPolicy())
	customerID := uuid.New()
	otherCustomer := uuid.New()
	p := newLinkablePayment(t, 500.00, &customerID)

	// Amount far outside the 10% band, different customer, no reference,
	// no due date: only the base credit applies.
	inv := openInvoice("INV-2002", 5000.00, &otherCustomer, nil)

	suggestions := engine.Suggest(p, []billing.Invoice{inv}, nil)
	require.Len(t, suggestions, 1)
	assert.InDelta(t, BaseConfidence, suggestions[0].Confidence, 1e-9)
	assert.Equal(t, DecisionBrowseOnly, engine.DecisionFor(suggestions[0].Confidence))
}

func TestSuggestIsDeterministic(t *testing.T) {
	engine := NewLinkingEngine(DefaultLinkingPolicy())
	customerID := uuid.New()
	p := newLinkablePayment(t, 300.00, &customerID)

	invoices := []billing.Invoice{
		openInvoice("INV-A", 300.00, &customerID, nil),
		openInvoice("INV-B", 305.00, &customerID, nil),
		openInvoice("INV-C", 300.00, nil, nil),
	}

	first := engine.Suggest(p, invoices, nil)
	for i := 0; i < 5; i++ {
		again := engine.Suggest(p, invoices, nil)
		require.Equal(t, first, again)
	}
}

func TestSuggestRanksByConfidence(t *testing.T) {
	engine := NewLinkingEngine(DefaultLinkingPolicy())
	customerID := uuid.New()
	p := newLinkablePayment(t, 300.00, &customerID)

	invoices := []billing.Invoice{
		openInvoice("INV-WEAK", 9999.00, &customerID, nil),
		openInvoice("INV-EXACT", 300.00, &customerID, nil),
	}

	suggestions := engine.Suggest(p, invoices, nil)
	require.Len(t, suggestions, 2)
	assert.Equal(t, "INV-EXACT", suggestions[0].Details.TargetNumber)
	assert.GreaterOrEqual(t, suggestions[0].Confidence, suggestions[1].Confidence)
}

func TestSuggestSkipsClosedCandidates(t *testing.T) {
	engine := NewLinkingEngine(DefaultLinkingPolicy())
	customerID := uuid.New()
	p := newLinkablePayment(t, 300.00, &customerID)

	paid := openInvoice("INV-PAID", 300.00, &customerID, nil)
	paid.PaymentStatus = billing.InvoiceStatusPaid
	voided := openInvoice("INV-VOID", 300.00, &customerID, nil)
	voided.PaymentStatus = billing.InvoiceStatusVoided

	terminated := billing.Contract{
		ID:             uuid.New(),
		ContractNumber: "CTR-GONE",
		CustomerID:     &customerID,
		MonthlyAmount:  decimal.NewFromFloat(300.00),
		Status:         billing.ContractStatusTerminated,
	}

	suggestions := engine.Suggest(p, []billing.Invoice{paid, voided}, []billing.Contract{terminated})
	assert.Empty(t, suggestions)
}

func TestSuggestCapsResultCount(t *testing.T) {
	engine := NewLinkingEngine(DefaultLinkingPolicy())
	customerID := uuid.New()
	p := newLinkablePayment(t, 300.00, &customerID)

	invoices := make([]billing.Invoice, 0, 15)
	for i := 0; i < 15; i++ {
		invoices = append(invoices, openInvoice(
			"INV-"+uuid.NewString()[:8], 300.00, &customerID, nil))
	}

	suggestions := engine.Suggest(p, invoices, nil)
	assert.Len(t, suggestions, 10)
}

func TestSuggestContractAmountUsesMonthlyInstallment(t *testing.T) {
	engine := NewLinkingEngine(DefaultLinkingPolicy())
	customerID := uuid.New()
	p := newLinkablePayment(t, 1500.00, &customerID)

	start := p.PaymentDate.Add(-48 * time.Hour)
	contract := billing.Contract{
		ID:             uuid.New(),
		ContractNumber: "CTR-3001",
		CustomerID:     &customerID,
		MonthlyAmount:  decimal.NewFromFloat(1500.00),
		ContractAmount: decimal.NewFromFloat(36000.00),
		Status:         billing.ContractStatusActive,
		StartDate:      &start,
	}

	suggestions := engine.Suggest(p, nil, []billing.Contract{contract})
	require.Len(t, suggestions, 1)
	assert.Equal(t, TargetContract, suggestions[0].TargetType)
	assert.True(t, suggestions[0].Details.AmountMatch)
	assert.True(t, suggestions[0].Details.CustomerMatch)
}

func TestAmountProximityCredit(t *testing.T) {
	tests := []struct {
		name     string
		payment  float64
		target   float64
		expected float64
	}{
		{"exact", 100, 100, WeightAmountMatch},
		{"within 2 percent", 100, 101.5, WeightAmountMatch * 0.75},
		{"within 5 percent", 100, 104, WeightAmountMatch * 0.5},
		{"within 10 percent", 100, 109, WeightAmountMatch * 0.25},
		{"beyond 10 percent", 100, 120, 0},
		{"non-positive payment", 0, 100, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			credit := amountProximityCredit(
				decimal.NewFromFloat(tt.payment),
				decimal.NewFromFloat(tt.target),
			)
			assert.InDelta(t, tt.expected, credit, 1e-9)
		})
	}
}

func TestDateProximityCredit(t *testing.T) {
	tests := []struct {
		days     float64
		expected float64
	}{
		{0, WeightDateProximity},
		{3, WeightDateProximity},
		{5, WeightDateProximity * 0.75},
		{10, WeightDateProximity * 0.5},
		{20, WeightDateProximity * 0.25},
		{60, 0},
	}

	for _, tt := range tests {
		assert.InDelta(t, tt.expected, dateProximityCredit(tt.days), 1e-9)
	}
}

func TestReferenceCredit(t *testing.T) {
	customerID := uuid.New()

	t.Run("exact match ignores case", func(t *testing.T) {
		p := newLinkablePayment(t, 100, &customerID)
		require.NoError(t, p.SetReference("inv-1001", ""))
		assert.InDelta(t, WeightReferenceMatch, referenceCredit(p, "INV-1001"), 1e-9)
	})

	t.Run("substring earns partial credit", func(t *testing.T) {
		p := newLinkablePayment(t, 100, &customerID)
		require.NoError(t, p.SetReference("PYMT INV-1001 JAN", ""))
		assert.InDelta(t, WeightReferenceMatch*0.85, referenceCredit(p, "INV-1001"), 1e-9)
	})

	t.Run("agreement number also matches", func(t *testing.T) {
		p := newLinkablePayment(t, 100, &customerID)
		require.NoError(t, p.SetReference("", "CTR-3001"))
		assert.InDelta(t, WeightReferenceMatch, referenceCredit(p, "CTR-3001"), 1e-9)
	})

	t.Run("no reference no credit", func(t *testing.T) {
		p := newLinkablePayment(t, 100, &customerID)
		assert.Zero(t, referenceCredit(p, "INV-1001"))
	})
}

func TestDecisionFor(t *testing.T) {
	engine := NewLinkingEngine(DefaultLinkingPolicy())
	assert.Equal(t, DecisionAutoLink, engine.DecisionFor(0.70))
	assert.Equal(t, DecisionAutoLink, engine.DecisionFor(0.95))
	assert.Equal(t, DecisionManualReview, engine.DecisionFor(0.69))
	assert.Equal(t, DecisionManualReview, engine.DecisionFor(0.40))
	assert.Equal(t, DecisionBrowseOnly, engine.DecisionFor(0.39))
	assert.Equal(t, DecisionBrowseOnly, engine.DecisionFor(0))
}

func TestDecisionForHonorsConfiguredThresholds(t *testing.T) {
	strict := NewLinkingEngine(LinkingPolicy{
		AutoLinkThreshold:     0.90,
		ManualReviewThreshold: 0.60,
	})
	assert.Equal(t, DecisionManualReview, strict.DecisionFor(0.85))
	assert.Equal(t, DecisionAutoLink, strict.DecisionFor(0.90))
	assert.Equal(t, DecisionBrowseOnly, strict.DecisionFor(0.55))

	// zero thresholds fall back to the defaults
	def := NewLinkingEngine(LinkingPolicy{})
	assert.Equal(t, DecisionAutoLink, def.DecisionFor(ThresholdAutoLink))
	assert.Equal(t, DecisionManualReview, def.DecisionFor(ThresholdManualReview))
}

func TestCommitLinkEnforcesSingleTarget(t *testing.T) {
	engine := NewLinkingEngine(DefaultLinkingPolicy())
	customerID := uuid.New()
	p := newLinkablePayment(t, 100, &customerID)
	invoiceID := uuid.New()

	require.NoError(t, engine.CommitLink(p, TargetInvoice, invoiceID, 0.85, "test"))
	targetType, targetID, linked := p.Target()
	assert.True(t, linked)
	assert.Equal(t, TargetInvoice, targetType)
	assert.Equal(t, invoiceID, targetID)
	assert.Equal(t, ReconciliationMatched, p.Reconciliation)
	require.NotNil(t, p.LinkConfidence)
	assert.Equal(t, 0.85, *p.LinkConfidence)

	err := engine.CommitLink(p, TargetContract, uuid.New(), 0.9, "second")
	require.Error(t, err)
	assert.Equal(t, shared.CodeConcurrentModification, shared.ErrorCode(err))
}

func TestUnlinkClearsTarget(t *testing.T) {
	engine := NewLinkingEngine(DefaultLinkingPolicy())
	customerID := uuid.New()
	p := newLinkablePayment(t, 100, &customerID)

	require.NoError(t, engine.CommitLink(p, TargetContract, uuid.New(), 0.75, "test"))
	require.NoError(t, engine.Unlink(p, "manual correction"))

	assert.False(t, p.IsLinked())
	assert.Nil(t, p.LinkConfidence)
	assert.Equal(t, ReconciliationUnmatched, p.Reconciliation)

	// relinking after unlink is allowed
	require.NoError(t, engine.CommitLink(p, TargetInvoice, uuid.New(), 0.8, "relink"))
}
