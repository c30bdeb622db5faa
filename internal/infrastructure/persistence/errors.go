package persistence

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/lib/pq"
	"gorm.io/gorm"

	"github.com/recon/engine/internal/domain/shared"
)

// mapError translates a storage failure onto the shared error taxonomy:
// missing rows become NOT_FOUND, recoverable I/O failures become
// TRANSIENT_STORE_ERROR, everything else PERMANENT_STORE_ERROR.
func mapError(err error, entity, id string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return shared.NewNotFoundError(entity, id)
	}
	if isTransient(err) {
		return shared.NewTransientStoreError(err.Error())
	}
	var derr *shared.DomainError
	if errors.As(err, &derr) {
		return err
	}
	return shared.NewDomainError(shared.CodePermanentStore, err.Error())
}

// isTransient classifies network, timeout and contention failures as
// retryable.
func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		class := string(pqErr.Code.Class())
		switch class {
		case "08", // connection exceptions
			"40", // transaction rollback (serialization, deadlock)
			"53", // insufficient resources
			"57": // operator intervention (shutdown)
			return true
		}
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"connection refused", "connection reset", "timeout", "broken pipe", "too many connections"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
