package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	ReconciliationCheckBaselineBackfill = "BASELINE_BACKFILL"
	ReconciliationCheckBaselineRenumber = "BASELINE_RENUMBER"
)

// Data-quality findings of the baseline repair passes (admin-triggered or
// nightly). An unreconstructable milestone gets a row here instead of a
// guessed version-1 entry.
type ReconciliationReport struct {
	ID            int       `gorm:"primary_key" json:"id"`
	CheckType     string    `gorm:"size:50;index;not null" json:"check_type"`  // e.g. BASELINE_BACKFILL
	EntityType    string    `gorm:"size:50;index;not null" json:"entity_type"` // e.g. Milestone
	EntityId      int       `gorm:"index;not null" json:"entity_id"`
	Details       string    `gorm:"type:text" json:"details"` // human-readable finding
	CorrelationId string    `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func SaveReconciliationReport(tx *gorm.DB, checkType string, entityType string, entityId int, details string, correlationId string) error {
	report := ReconciliationReport{
		CheckType:     checkType,
		EntityType:    entityType,
		EntityId:      entityId,
		Details:       details,
		CorrelationId: correlationId,
	}
	return tx.Create(&report).Error
}
