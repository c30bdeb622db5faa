// Package audit persists engine actions for compliance review.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/recon/engine/internal/domain/payment/acl"
)

// Record is one persisted audit entry
type Record struct {
	ID        uuid.UUID `gorm:"type:uuid;primary_key"`
	Action    string    `gorm:"type:varchar(100);not null;index"`
	SubjectID uuid.UUID `gorm:"type:uuid;not null;index"`
	ActorID   string    `gorm:"type:varchar(100);not null"`
	Metadata  string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"not null;index"`
}

// TableName returns the table name for GORM
func (Record) TableName() string {
	return "audit_records"
}

// GormSink writes audit records to the database. It is fire-and-forget:
// a write failure is logged and never aborts the calling transaction.
type GormSink struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormSink creates a database-backed audit sink
func NewGormSink(db *gorm.DB, logger *zap.Logger) *GormSink {
	return &GormSink{db: db, logger: logger}
}

// Record persists one audit entry, swallowing failures
func (s *GormSink) Record(ctx context.Context, action string, subjectID uuid.UUID, actorID string, metadata map[string]any) {
	meta := ""
	if len(metadata) > 0 {
		if raw, err := json.Marshal(metadata); err == nil {
			meta = string(raw)
		}
	}

	record := &Record{
		ID:        uuid.New(),
		Action:    action,
		SubjectID: subjectID,
		ActorID:   actorID,
		Metadata:  meta,
		CreatedAt: time.Now(),
	}

	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		s.logger.Warn("failed to write audit record",
			zap.String("action", action),
			zap.String("subject_id", subjectID.String()),
			zap.Error(err),
		)
	}
}

var _ acl.AuditSink = (*GormSink)(nil)
