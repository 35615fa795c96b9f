package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/projects_backend/config"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// BaselineVersion is one immutable row of the baseline ledger: the committed
// dates/cost of a milestone as of one version. VariationId is null exactly on
// the original signed commitment (version 1); every amendment row points at
// the variation that produced it. Rows are write-once; only the renumber pass
// may correct the version column.
type BaselineVersion struct {
	ID                 int              `gorm:"primary_key" json:"id"`
	MilestoneId        int              `gorm:"uniqueIndex:uix_baseline_versions_milestone_version;not null" json:"milestone_id" binding:"required"`
	Version            int              `gorm:"uniqueIndex:uix_baseline_versions_milestone_version;not null" json:"version" binding:"required"`
	VariationId        *int             `gorm:"index;default:null" json:"variation_id"`
	BaselineStartDate  *time.Time       `json:"baseline_start_date"`
	BaselineEndDate    *time.Time       `json:"baseline_end_date"`
	BaselineBillable   decimal.Decimal  `gorm:"type:decimal(20,4);not null" json:"baseline_billable"`
	SupplierSignedById *int             `gorm:"default:null" json:"supplier_signed_by_id"`
	SupplierSignedAt   *time.Time       `json:"supplier_signed_at"`
	CustomerSignedById *int             `gorm:"default:null" json:"customer_signed_by_id"`
	CustomerSignedAt   *time.Time       `json:"customer_signed_at"`
	// CreatedAt is the version-ordering key and is set explicitly by the
	// write path (signature time, variation applied_at), never auto-filled.
	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`
}

func (b BaselineVersion) GetId() int {
	return b.ID
}

// IsOriginal reports whether the row is the original signed commitment.
func (b *BaselineVersion) IsOriginal() bool {
	return b.VariationId == nil
}

// GetBaselineVersions returns the milestone's full ledger, version ascending,
// for history display.
func GetBaselineVersions(ctx context.Context, milestoneId int) ([]*BaselineVersion, error) {
	db := config.GetDB()
	var results []*BaselineVersion

	err := db.WithContext(ctx).
		Where("milestone_id = ?", milestoneId).
		Order("version ASC").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func GetBaselineVersionsTx(tx *gorm.DB, milestoneId int) ([]*BaselineVersion, error) {
	var results []*BaselineVersion
	err := tx.Where("milestone_id = ?", milestoneId).
		Order("version ASC").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func CountBaselineVersions(tx *gorm.DB, milestoneId int) (int64, error) {
	var count int64
	err := tx.Model(&BaselineVersion{}).
		Where("milestone_id = ?", milestoneId).
		Count(&count).Error
	return count, err
}

// HasOriginalBaselineVersion reports whether the milestone already has its
// version-1 row (variation_id IS NULL).
func HasOriginalBaselineVersion(tx *gorm.DB, milestoneId int) (bool, error) {
	var count int64
	err := tx.Model(&BaselineVersion{}).
		Where("milestone_id = ? AND variation_id IS NULL", milestoneId).
		Count(&count).Error
	return count > 0, err
}

// HasBaselineVersionForVariation reports whether an amendment row already
// exists for the (milestone, variation) pair.
func HasBaselineVersionForVariation(tx *gorm.DB, milestoneId int, variationId int) (bool, error) {
	var count int64
	err := tx.Model(&BaselineVersion{}).
		Where("milestone_id = ? AND variation_id = ?", milestoneId, variationId).
		Count(&count).Error
	return count > 0, err
}

// NextBaselineVersion returns the next free version slot for the milestone.
// The number is provisional; chronological correctness is the renumber
// pass's job.
func NextBaselineVersion(tx *gorm.DB, milestoneId int) (int, error) {
	var next int
	err := tx.Model(&BaselineVersion{}).
		Select("COALESCE(MAX(version), 0) + 1").
		Where("milestone_id = ?", milestoneId).
		Scan(&next).Error
	if err != nil {
		return 0, err
	}
	if next < 1 {
		next = 1
	}
	return next, nil
}

// BaselineVersionSlotTaken reports whether (milestone_id, version) is occupied.
func BaselineVersionSlotTaken(tx *gorm.DB, milestoneId int, version int) (bool, error) {
	var count int64
	err := tx.Model(&BaselineVersion{}).
		Where("milestone_id = ? AND version = ?", milestoneId, version).
		Count(&count).Error
	return count > 0, err
}
