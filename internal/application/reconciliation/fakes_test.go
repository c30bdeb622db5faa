package reconciliation

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/recon/engine/internal/domain/billing"
	"github.com/recon/engine/internal/domain/payment"
	"github.com/recon/engine/internal/domain/payment/acl"
	"github.com/recon/engine/internal/domain/shared"
)

// memStore is an in-memory payment.Store for service tests. Individual
// methods can be forced to fail via the failures map.
type memStore struct {
	mu           sync.Mutex
	payments     map[uuid.UUID]*payment.Payment
	invoices     map[uuid.UUID]*billing.Invoice
	contracts    map[uuid.UUID]*billing.Contract
	transitions  []payment.TransitionRecord
	decisions    []payment.LinkingDecision
	failures     map[string]error
	callFailures map[string]callFailure
	calls        map[string]int
	saveCount    int
}

// callFailure is a one-shot failure armed for the nth invocation of a method
type callFailure struct {
	call int
	err  error
}

func newMemStore() *memStore {
	return &memStore{
		payments:     make(map[uuid.UUID]*payment.Payment),
		invoices:     make(map[uuid.UUID]*billing.Invoice),
		contracts:    make(map[uuid.UUID]*billing.Contract),
		failures:     make(map[string]error),
		callFailures: make(map[string]callFailure),
		calls:        make(map[string]int),
	}
}

func (s *memStore) failOn(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method] = err
}

// failOnCall arms a failure for the nth invocation of a method; the failure
// clears after it fires.
func (s *memStore) failOnCall(method string, call int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callFailures[method] = callFailure{call: call, err: err}
}

// failure must be called with the lock held
func (s *memStore) failure(method string) error {
	if err := s.failures[method]; err != nil {
		return err
	}
	s.calls[method]++
	if f, ok := s.callFailures[method]; ok && s.calls[method] == f.call {
		delete(s.callFailures, method)
		return f.err
	}
	return nil
}

func (s *memStore) addPayment(p *payment.Payment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.payments[p.ID] = &cp
}

func (s *memStore) addInvoice(inv billing.Invoice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invoices[inv.ID] = &inv
}

func (s *memStore) addContract(c billing.Contract) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contracts[c.ID] = &c
}

func (s *memStore) payment(id uuid.UUID) *payment.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payments[id]
}

func (s *memStore) invoice(id uuid.UUID) *billing.Invoice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invoices[id]
}

func (s *memStore) contract(id uuid.UUID) *billing.Contract {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contracts[id]
}

func (s *memStore) GetPayment(ctx context.Context, id uuid.UUID) (*payment.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("GetPayment"); err != nil {
		return nil, err
	}
	p, ok := s.payments[id]
	if !ok {
		return nil, shared.NewNotFoundError("payment", id.String())
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) SavePayment(ctx context.Context, p *payment.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("SavePayment"); err != nil {
		return err
	}
	s.saveCount++
	cp := *p
	s.payments[p.ID] = &cp
	return nil
}

func (s *memStore) UpdatePaymentFields(ctx context.Context, id uuid.UUID, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure("UpdatePaymentFields")
}

func (s *memStore) FindPaymentsByState(ctx context.Context, state payment.State, limit int) ([]payment.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("FindPaymentsByState"); err != nil {
		return nil, err
	}
	var out []payment.Payment
	for _, p := range s.payments {
		if p.State == state {
			out = append(out, *p)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) CountPaymentsByState(ctx context.Context, from, to *time.Time) (map[payment.State]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("CountPaymentsByState"); err != nil {
		return nil, err
	}
	counts := make(map[payment.State]int64)
	for _, p := range s.payments {
		if from != nil && p.PaymentDate.Before(*from) {
			continue
		}
		if to != nil && p.PaymentDate.After(*to) {
			continue
		}
		counts[p.State]++
	}
	return counts, nil
}

func (s *memStore) QueryOpenInvoices(ctx context.Context, filter payment.InvoiceFilter) ([]billing.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("QueryOpenInvoices"); err != nil {
		return nil, err
	}
	var out []billing.Invoice
	for _, inv := range s.invoices {
		if !inv.PaymentStatus.IsOpen() {
			continue
		}
		if filter.CustomerID != nil {
			if inv.CustomerID == nil || *inv.CustomerID != *filter.CustomerID {
				continue
			}
		}
		if filter.MinAmount != nil && inv.TotalAmount.LessThan(*filter.MinAmount) {
			continue
		}
		if filter.MaxAmount != nil && inv.TotalAmount.GreaterThan(*filter.MaxAmount) {
			continue
		}
		if filter.Reference != "" {
			ref := strings.ToUpper(filter.Reference)
			if !strings.Contains(strings.ToUpper(inv.InvoiceNumber), ref) &&
				!strings.Contains(strings.ToUpper(inv.ReferenceNumber), ref) {
				continue
			}
		}
		out = append(out, *inv)
	}
	return out, nil
}

func (s *memStore) QueryActiveContracts(ctx context.Context, filter payment.ContractFilter) ([]billing.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("QueryActiveContracts"); err != nil {
		return nil, err
	}
	var out []billing.Contract
	for _, c := range s.contracts {
		if !c.Status.AcceptsPayments() {
			continue
		}
		if filter.CustomerID != nil {
			if c.CustomerID == nil || *c.CustomerID != *filter.CustomerID {
				continue
			}
		}
		out = append(out, *c)
	}
	return out, nil
}

func (s *memStore) GetInvoice(ctx context.Context, id uuid.UUID) (*billing.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("GetInvoice"); err != nil {
		return nil, err
	}
	inv, ok := s.invoices[id]
	if !ok {
		return nil, shared.NewNotFoundError("invoice", id.String())
	}
	cp := *inv
	return &cp, nil
}

func (s *memStore) GetContract(ctx context.Context, id uuid.UUID) (*billing.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("GetContract"); err != nil {
		return nil, err
	}
	c, ok := s.contracts[id]
	if !ok {
		return nil, shared.NewNotFoundError("contract", id.String())
	}
	cp := *c
	return &cp, nil
}

func (s *memStore) UpdateInvoiceFields(ctx context.Context, id uuid.UUID, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("UpdateInvoiceFields"); err != nil {
		return err
	}
	inv, ok := s.invoices[id]
	if !ok {
		return shared.NewNotFoundError("invoice", id.String())
	}
	if v, ok := fields["paid_amount"].(decimal.Decimal); ok {
		inv.PaidAmount = v
	}
	if v, ok := fields["balance_due"].(decimal.Decimal); ok {
		inv.BalanceDue = v
	}
	if v, ok := fields["payment_status"].(billing.InvoicePaymentStatus); ok {
		inv.PaymentStatus = v
	}
	return nil
}

func (s *memStore) UpdateContractFields(ctx context.Context, id uuid.UUID, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("UpdateContractFields"); err != nil {
		return err
	}
	c, ok := s.contracts[id]
	if !ok {
		return shared.NewNotFoundError("contract", id.String())
	}
	if v, ok := fields["total_paid"].(decimal.Decimal); ok {
		c.TotalPaid = v
	}
	return nil
}

func (s *memStore) FindPaymentsLinkedTo(ctx context.Context, targetID uuid.UUID, excludePaymentID uuid.UUID) ([]payment.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("FindPaymentsLinkedTo"); err != nil {
		return nil, err
	}
	var out []payment.Payment
	for _, p := range s.payments {
		if p.ID == excludePaymentID {
			continue
		}
		if (p.InvoiceID != nil && *p.InvoiceID == targetID) ||
			(p.ContractID != nil && *p.ContractID == targetID) {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *memStore) AppendTransition(ctx context.Context, record *payment.TransitionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("AppendTransition"); err != nil {
		return err
	}
	s.transitions = append(s.transitions, *record)
	return nil
}

func (s *memStore) ListTransitions(ctx context.Context, paymentID uuid.UUID) ([]payment.TransitionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("ListTransitions"); err != nil {
		return nil, err
	}
	var out []payment.TransitionRecord
	for _, r := range s.transitions {
		if r.PaymentID == paymentID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) SaveLinkingDecision(ctx context.Context, decision *payment.LinkingDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("SaveLinkingDecision"); err != nil {
		return err
	}
	s.decisions = append(s.decisions, *decision)
	return nil
}

func (s *memStore) ListLinkingDecisions(ctx context.Context, paymentID uuid.UUID) ([]payment.LinkingDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("ListLinkingDecisions"); err != nil {
		return nil, err
	}
	var out []payment.LinkingDecision
	for _, d := range s.decisions {
		if d.PaymentID == paymentID {
			out = append(out, d)
		}
	}
	return out, nil
}

var _ payment.Store = (*memStore)(nil)

// fakeLedger records balance-delta calls. postErr makes posting fail; when
// postFailures is positive the error clears after that many calls.
type fakeLedger struct {
	mu           sync.Mutex
	posted       map[string]decimal.Decimal
	reversed     map[string]decimal.Decimal
	finalized    map[uuid.UUID]bool
	postErr      error
	postFailures int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		posted:    make(map[string]decimal.Decimal),
		reversed:  make(map[string]decimal.Decimal),
		finalized: make(map[uuid.UUID]bool),
	}
}

func (l *fakeLedger) PostBalanceDelta(ctx context.Context, key string, paymentID uuid.UUID, accounts []acl.AccountRef, delta decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.postErr != nil {
		err := l.postErr
		if l.postFailures > 0 {
			l.postFailures--
			if l.postFailures == 0 {
				l.postErr = nil
			}
		}
		return err
	}
	l.posted[key] = delta
	return nil
}

func (l *fakeLedger) ReverseBalanceDelta(ctx context.Context, key string, accounts []acl.AccountRef, delta decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reversed[key] = delta
	return nil
}

func (l *fakeLedger) Finalize(ctx context.Context, paymentID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finalized[paymentID] = true
	return nil
}

func (l *fakeLedger) IsPosted(ctx context.Context, paymentID uuid.UUID) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.finalized[paymentID], nil
}

var _ acl.Ledger = (*fakeLedger)(nil)

// fakeAudit captures recorded actions
type fakeAudit struct {
	mu      sync.Mutex
	actions []string
}

func (a *fakeAudit) Record(ctx context.Context, action string, subjectID uuid.UUID, actorID string, metadata map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, action)
}

var _ acl.AuditSink = (*fakeAudit)(nil)

// fakeNotifier counts deliveries per event type
type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *fakeNotifier) Notify(ctx context.Context, paymentID uuid.UUID, eventType string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, eventType)
}

func (n *fakeNotifier) count(eventType string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e == eventType {
			c++
		}
	}
	return c
}

var _ acl.NotificationSink = (*fakeNotifier)(nil)

// memIdempotency is a map-backed idempotency store
type memIdempotency struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func newMemIdempotency() *memIdempotency {
	return &memIdempotency{keys: make(map[string]struct{})}
}

func (s *memIdempotency) MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key]; ok {
		return false, nil
	}
	s.keys[key] = struct{}{}
	return true, nil
}

func (s *memIdempotency) IsProcessed(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[key]
	return ok, nil
}

func (s *memIdempotency) Close() error { return nil }

var _ shared.IdempotencyStore = (*memIdempotency)(nil)

// nopPublisher drops events
type nopPublisher struct{}

func (nopPublisher) Publish(ctx context.Context, events ...shared.DomainEvent) error { return nil }

var _ shared.EventPublisher = (*nopPublisher)(nil)
