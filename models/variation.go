package models

import (
	"time"

	"bitbucket.org/mmdatafocus/projects_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Variation is a change request amending one or more milestone baselines.
// It is produced by the approval workflow; the ledger only reads it.
type Variation struct {
	ID               int                  `gorm:"primary_key" json:"id"`
	ProjectId        int                  `gorm:"index;not null" json:"project_id" binding:"required"`
	Title            string               `gorm:"size:255;not null" json:"title" binding:"required"`
	CurrentStatus    VariationStatus      `gorm:"type:enum('Draft', 'Pending', 'Applied', 'Rejected');not null" json:"current_status" binding:"required"`
	AppliedAt        *time.Time           `json:"applied_at"`
	SupplierSignedAt *time.Time           `json:"supplier_signed_at"`
	Milestones       []VariationMilestone `gorm:"foreignKey:VariationId" json:"milestones"`
	CreatedAt        time.Time            `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time            `gorm:"autoUpdateTime" json:"updated_at"`
}

func (v Variation) GetId() int {
	return v.ID
}

// VariationMilestone carries, per affected milestone, the pre-change snapshot
// of the baseline taken when the variation was proposed against it.
type VariationMilestone struct {
	ID                        int              `gorm:"primary_key" json:"id"`
	VariationId               int              `gorm:"index;not null" json:"variation_id" binding:"required"`
	MilestoneId               int              `gorm:"index;not null" json:"milestone_id" binding:"required"`
	OriginalBaselineStartDate *time.Time       `json:"original_baseline_start_date"`
	OriginalBaselineEndDate   *time.Time       `json:"original_baseline_end_date"`
	OriginalBaselineCost      *decimal.Decimal `gorm:"type:decimal(20,4);default:null" json:"original_baseline_cost"`
	CreatedAt                 time.Time        `gorm:"autoCreateTime" json:"created_at"`
}

func GetVariationTx(tx *gorm.DB, id int) (*Variation, error) {
	var result Variation
	err := tx.First(&result, id).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &result, nil
}

func GetVariationMilestones(tx *gorm.DB, variationId int) ([]*VariationMilestone, error) {
	var results []*VariationMilestone
	err := tx.Where("variation_id = ?", variationId).
		Order("id ASC").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

// GetEarliestAppliedVariationMilestone returns the snapshot row of the
// earliest-applied variation touching the milestone. Ties on applied_at are
// broken by variation id so reconstruction stays deterministic. Returns
// utils.ErrorRecordNotFound when no applied variation touches the milestone.
func GetEarliestAppliedVariationMilestone(tx *gorm.DB, milestoneId int) (*VariationMilestone, *Variation, error) {
	var vm VariationMilestone
	err := tx.
		Joins("JOIN variations ON variations.id = variation_milestones.variation_id").
		Where("variation_milestones.milestone_id = ? AND variations.current_status = ?", milestoneId, VariationStatusApplied).
		Order("variations.applied_at ASC, variations.id ASC").
		First(&vm).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil, utils.ErrorRecordNotFound
		}
		return nil, nil, err
	}

	variation, err := GetVariationTx(tx, vm.VariationId)
	if err != nil {
		return nil, nil, err
	}
	return &vm, variation, nil
}
