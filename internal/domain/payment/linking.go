package payment

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/recon/engine/internal/domain/billing"
	"github.com/recon/engine/internal/domain/shared"
)

// Confidence weights. They sum to 1.0 excluding the base credit; the final
// score is capped at 1.0.
const (
	WeightAmountMatch    = 0.40
	WeightCustomerMatch  = 0.30
	WeightReferenceMatch = 0.30
	WeightDateProximity  = 0.10
	BaseConfidence       = 0.30
)

// Default confidence thresholds for the linking decision policy
const (
	ThresholdAutoLink      = 0.70
	ThresholdManualReview  = 0.40
	ThresholdMinReasonable = 0.20
)

// maxSuggestions caps the ranked result list
const maxSuggestions = 10

// Decision classifies a confidence score against the linking policy
type Decision string

const (
	DecisionAutoLink     Decision = "AUTO_LINK"
	DecisionManualReview Decision = "MANUAL_REVIEW"
	DecisionBrowseOnly   Decision = "BROWSE_ONLY"
)

// LinkingPolicy holds the decision thresholds for the linking engine
type LinkingPolicy struct {
	// AutoLinkThreshold is the confidence at or above which the best
	// candidate is linked automatically
	AutoLinkThreshold float64
	// ManualReviewThreshold is the confidence at or above which a candidate
	// is surfaced for manual confirmation
	ManualReviewThreshold float64
}

// DefaultLinkingPolicy returns the default decision thresholds
func DefaultLinkingPolicy() LinkingPolicy {
	return LinkingPolicy{
		AutoLinkThreshold:     ThresholdAutoLink,
		ManualReviewThreshold: ThresholdManualReview,
	}
}

// MatchDetails records which heuristics contributed to a suggestion
type MatchDetails struct {
	TargetNumber   string   `json:"target_number"`
	AmountMatch    bool     `json:"amount_match"`
	CustomerMatch  bool     `json:"customer_match"`
	ReferenceMatch bool     `json:"reference_match"`
	DateProximity  *float64 `json:"date_proximity,omitempty"` // days
}

// Suggestion is an ephemeral ranked linking candidate. It is computed on
// demand and never persisted as authoritative state.
type Suggestion struct {
	TargetID   uuid.UUID    `json:"target_id"`
	TargetType TargetType   `json:"target_type"`
	Confidence float64      `json:"confidence"`
	Reason     string       `json:"reason"`
	Details    MatchDetails `json:"details"`
}

// LinkingEngine ranks open invoices and active contracts against a payment
// using weighted heuristics. It is pure: callers fetch candidates from
// storage and pass them in.
type LinkingEngine struct {
	policy LinkingPolicy
}

// NewLinkingEngine creates a linking engine with the given decision policy.
// Zero thresholds fall back to the defaults.
func NewLinkingEngine(policy LinkingPolicy) *LinkingEngine {
	if policy.AutoLinkThreshold <= 0 {
		policy.AutoLinkThreshold = ThresholdAutoLink
	}
	if policy.ManualReviewThreshold <= 0 {
		policy.ManualReviewThreshold = ThresholdManualReview
	}
	return &LinkingEngine{policy: policy}
}

// DecisionFor maps a confidence score to the linking policy decision
func (e *LinkingEngine) DecisionFor(confidence float64) Decision {
	switch {
	case confidence >= e.policy.AutoLinkThreshold:
		return DecisionAutoLink
	case confidence >= e.policy.ManualReviewThreshold:
		return DecisionManualReview
	default:
		return DecisionBrowseOnly
	}
}

// Suggest computes the ranked suggestion list for a payment. Candidates
// below the minimum-reasonable threshold are dropped, duplicates are
// collapsed keeping the highest confidence, and at most ten results are
// returned in descending confidence order.
func (e *LinkingEngine) Suggest(p *Payment, invoices []billing.Invoice, contracts []billing.Contract) []Suggestion {
	if p == nil {
		return nil
	}

	suggestions := make([]Suggestion, 0, len(invoices)+len(contracts))

	for i := range invoices {
		if !invoices[i].PaymentStatus.IsOpen() {
			continue
		}
		s := e.scoreInvoice(p, &invoices[i])
		if s.Confidence >= ThresholdMinReasonable {
			suggestions = append(suggestions, s)
		}
	}

	for i := range contracts {
		if !contracts[i].Status.AcceptsPayments() {
			continue
		}
		s := e.scoreContract(p, &contracts[i])
		if s.Confidence >= ThresholdMinReasonable {
			suggestions = append(suggestions, s)
		}
	}

	suggestions = dedupe(suggestions)

	sort.SliceStable(suggestions, func(i, j int) bool {
		if suggestions[i].Confidence != suggestions[j].Confidence {
			return suggestions[i].Confidence > suggestions[j].Confidence
		}
		return suggestions[i].Details.TargetNumber < suggestions[j].Details.TargetNumber
	})

	if len(suggestions) > maxSuggestions {
		suggestions = suggestions[:maxSuggestions]
	}
	return suggestions
}

// scoreInvoice computes the weighted confidence for an invoice candidate
func (e *LinkingEngine) scoreInvoice(p *Payment, inv *billing.Invoice) Suggestion {
	confidence := BaseConfidence
	details := MatchDetails{TargetNumber: inv.InvoiceNumber}

	amountCredit := amountProximityCredit(p.Amount, inv.TotalAmount)
	confidence += amountCredit
	details.AmountMatch = amountCredit > 0

	if p.CustomerID != nil && inv.CustomerID != nil && *p.CustomerID == *inv.CustomerID {
		confidence += WeightCustomerMatch
		details.CustomerMatch = true
	}

	refCredit := referenceCredit(p, inv.InvoiceNumber, inv.ReferenceNumber)
	confidence += refCredit
	details.ReferenceMatch = refCredit > 0

	if inv.DueDate != nil {
		days := absDays(p.PaymentDate, *inv.DueDate)
		details.DateProximity = &days
		confidence += dateProximityCredit(days)
	}

	return Suggestion{
		TargetID:   inv.ID,
		TargetType: TargetInvoice,
		Confidence: clampConfidence(confidence),
		Reason:     invoiceReason(p, inv, details),
		Details:    details,
	}
}

// scoreContract computes the weighted confidence for a contract candidate.
// The amount heuristic compares against the monthly installment; date
// proximity only accrues for payments made on or after the contract start.
func (e *LinkingEngine) scoreContract(p *Payment, c *billing.Contract) Suggestion {
	confidence := BaseConfidence
	details := MatchDetails{TargetNumber: c.ContractNumber}

	amountCredit := amountProximityCredit(p.Amount, c.MonthlyAmount)
	confidence += amountCredit
	details.AmountMatch = amountCredit > 0

	if p.CustomerID != nil && c.CustomerID != nil && *p.CustomerID == *c.CustomerID {
		confidence += WeightCustomerMatch
		details.CustomerMatch = true
	}

	refCredit := referenceCredit(p, c.ContractNumber, "")
	confidence += refCredit
	details.ReferenceMatch = refCredit > 0

	if c.StartDate != nil && !p.PaymentDate.Before(*c.StartDate) {
		days := absDays(p.PaymentDate, *c.StartDate)
		details.DateProximity = &days
		confidence += dateProximityCredit(days)
	}

	return Suggestion{
		TargetID:   c.ID,
		TargetType: TargetContract,
		Confidence: clampConfidence(confidence),
		Reason:     contractReason(p, c, details),
		Details:    details,
	}
}

// CommitLink applies a suggestion as the payment's authoritative target.
// The already-linked recheck against storage belongs to the caller; this
// only enforces the single-target invariant on the aggregate itself.
func (e *LinkingEngine) CommitLink(p *Payment, targetType TargetType, targetID uuid.UUID, confidence float64, reason string) error {
	if p == nil {
		return shared.NewValidationError("payment cannot be nil")
	}
	note := fmt.Sprintf("linked with %.0f%% confidence: %s", confidence*100, reason)
	return p.link(targetType, targetID, confidence, note)
}

// Unlink clears the payment's authoritative target
func (e *LinkingEngine) Unlink(p *Payment, reason string) error {
	if p == nil {
		return shared.NewValidationError("payment cannot be nil")
	}
	note := "unlinked"
	if reason != "" {
		note += ": " + reason
	}
	p.unlink(note)
	return nil
}

// amountProximityCredit returns the amount-match contribution: full weight
// for an exact match, scaled fractions at the ±2%, ±5% and ±10% tolerance
// bands, zero beyond.
func amountProximityCredit(paymentAmount, targetAmount decimal.Decimal) float64 {
	if paymentAmount.LessThanOrEqual(decimal.Zero) {
		return 0
	}
	diff := paymentAmount.Sub(targetAmount).Abs()
	switch {
	case diff.IsZero():
		return WeightAmountMatch
	case diff.LessThanOrEqual(paymentAmount.Mul(decimal.NewFromFloat(0.02))):
		return WeightAmountMatch * 0.75
	case diff.LessThanOrEqual(paymentAmount.Mul(decimal.NewFromFloat(0.05))):
		return WeightAmountMatch * 0.5
	case diff.LessThanOrEqual(paymentAmount.Mul(decimal.NewFromFloat(0.10))):
		return WeightAmountMatch * 0.25
	default:
		return 0
	}
}

// dateProximityCredit decays the date weight by distance bands
func dateProximityCredit(days float64) float64 {
	switch {
	case days <= 3:
		return WeightDateProximity
	case days <= 7:
		return WeightDateProximity * 0.75
	case days <= 14:
		return WeightDateProximity * 0.5
	case days <= 30:
		return WeightDateProximity * 0.25
	default:
		return 0
	}
}

// referenceCredit matches the payment's reference or agreement number
// against the target's numbers, case-insensitively. Exact match earns the
// full weight, substring containment either way earns partial credit.
func referenceCredit(p *Payment, targetNumbers ...string) float64 {
	refs := []string{p.ReferenceNumber, p.AgreementNumber}
	best := 0.0
	for _, ref := range refs {
		ref = strings.ToUpper(strings.TrimSpace(ref))
		if ref == "" {
			continue
		}
		for _, num := range targetNumbers {
			num = strings.ToUpper(strings.TrimSpace(num))
			if num == "" {
				continue
			}
			if ref == num {
				return WeightReferenceMatch
			}
			if strings.Contains(ref, num) || strings.Contains(num, ref) {
				if credit := WeightReferenceMatch * 0.85; credit > best {
					best = credit
				}
			}
		}
	}
	return best
}

// absDays returns the absolute calendar distance between two times in days
func absDays(a, b time.Time) float64 {
	d := a.Sub(b).Hours() / 24
	if d < 0 {
		d = -d
	}
	return d
}

// clampConfidence keeps scores inside [0, 1]
func clampConfidence(c float64) float64 {
	if c > 1.0 {
		return 1.0
	}
	if c < 0 {
		return 0
	}
	return c
}

// invoiceReason builds the human-readable suggestion reason
func invoiceReason(p *Payment, inv *billing.Invoice, details MatchDetails) string {
	reasons := make([]string, 0, 4)
	if inv.PaymentStatus == billing.InvoiceStatusOverdue {
		reasons = append(reasons, fmt.Sprintf("overdue invoice %s", inv.InvoiceNumber))
	}
	if details.AmountMatch {
		reasons = append(reasons, fmt.Sprintf("amount close to %s", inv.TotalAmount.StringFixed(2)))
	}
	if details.CustomerMatch {
		reasons = append(reasons, "same customer")
	}
	if details.ReferenceMatch {
		reasons = append(reasons, "reference matches invoice number")
	}
	if len(reasons) == 0 {
		return fmt.Sprintf("open invoice %s", inv.InvoiceNumber)
	}
	return strings.Join(reasons, ", ")
}

// contractReason builds the human-readable suggestion reason
func contractReason(p *Payment, c *billing.Contract, details MatchDetails) string {
	reasons := make([]string, 0, 4)
	if c.Status == billing.ContractStatusActive {
		reasons = append(reasons, fmt.Sprintf("active contract %s", c.ContractNumber))
	}
	if details.AmountMatch {
		reasons = append(reasons, fmt.Sprintf("amount close to monthly installment %s", c.MonthlyAmount.StringFixed(2)))
	}
	if details.CustomerMatch {
		reasons = append(reasons, "same customer")
	}
	if details.ReferenceMatch {
		reasons = append(reasons, "agreement number matches contract")
	}
	if len(reasons) == 0 {
		return fmt.Sprintf("contract %s", c.ContractNumber)
	}
	return strings.Join(reasons, ", ")
}

// dedupe collapses duplicate (type, id) suggestions keeping the highest
// confidence entry
func dedupe(suggestions []Suggestion) []Suggestion {
	type key struct {
		t  TargetType
		id uuid.UUID
	}
	best := make(map[key]int, len(suggestions))
	out := make([]Suggestion, 0, len(suggestions))
	for _, s := range suggestions {
		k := key{s.TargetType, s.TargetID}
		if idx, ok := best[k]; ok {
			if s.Confidence > out[idx].Confidence {
				out[idx] = s
			}
			continue
		}
		best[k] = len(out)
		out = append(out, s)
	}
	return out
}
