// Package acl holds the anti-corruption ports for external collaborators
// the reconciliation engine consumes but does not implement.
package acl

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AccountRef identifies a ledger account touched by a balance delta
type AccountRef struct {
	Code string
	Side string // "debit" or "credit"
}

// Ledger is the accounting collaborator. The chart-of-accounts model and the
// posting computation live behind this interface; the engine only moves
// deltas. The idempotencyKey (job id + step name) makes re-posting safe
// across saga retries.
type Ledger interface {
	// PostBalanceDelta applies a balance delta for a payment. Entries start
	// out unfinalized; Finalize marks them posted.
	PostBalanceDelta(ctx context.Context, idempotencyKey string, paymentID uuid.UUID, accounts []AccountRef, delta decimal.Decimal) error

	// ReverseBalanceDelta undoes a previously posted delta
	ReverseBalanceDelta(ctx context.Context, idempotencyKey string, accounts []AccountRef, delta decimal.Decimal) error

	// Finalize marks a payment's un-reversed entries as posted. This is the
	// accounting-close hook; finalized payments can no longer be reversed.
	Finalize(ctx context.Context, paymentID uuid.UUID) error

	// IsPosted reports whether a payment's ledger entry has been finalized.
	// Used by the REVERSE guard.
	IsPosted(ctx context.Context, paymentID uuid.UUID) (bool, error)
}

// AuditSink records engine actions for compliance. Fire-and-forget:
// implementations must never return an error that aborts a transaction;
// failures are logged and swallowed.
type AuditSink interface {
	Record(ctx context.Context, action string, subjectID uuid.UUID, actorID string, metadata map[string]any)
}

// NotificationSink delivers best-effort notifications about payment events.
// Failures never block the caller.
type NotificationSink interface {
	Notify(ctx context.Context, paymentID uuid.UUID, eventType string)
}
