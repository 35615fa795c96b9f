package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/projects_backend/config"
	"bitbucket.org/mmdatafocus/projects_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Milestone is owned by the project-management workflow. The baseline ledger
// reads its current baseline fields, lock flag and signatures; it never writes
// them back. Once BaselineLocked is true the baseline_* columns are a
// projection of the latest accepted commitment, not a history.
type Milestone struct {
	ID                 int              `gorm:"primary_key" json:"id"`
	ProjectId          int              `gorm:"index;not null" json:"project_id" binding:"required"`
	Name               string           `gorm:"size:255;not null" json:"name" binding:"required"`
	BaselineLocked     *bool            `gorm:"not null;default:false" json:"baseline_locked"`
	BaselineStartDate  *time.Time       `json:"baseline_start_date"`
	BaselineEndDate    *time.Time       `json:"baseline_end_date"`
	BaselineBillable   *decimal.Decimal `gorm:"type:decimal(20,4);default:null" json:"baseline_billable"`
	Billable           decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"billable"`
	SupplierSignedById *int             `gorm:"default:null" json:"supplier_signed_by_id"`
	SupplierSignedAt   *time.Time       `json:"supplier_signed_at"`
	CustomerSignedById *int             `gorm:"default:null" json:"customer_signed_by_id"`
	CustomerSignedAt   *time.Time       `json:"customer_signed_at"`
	CreatedAt          time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt          gorm.DeletedAt   `gorm:"index" json:"deleted_at"`
}

func (m Milestone) GetId() int {
	return m.ID
}

// IsFullySigned reports whether both parties have signed the baseline.
func (m *Milestone) IsFullySigned() bool {
	return m.SupplierSignedById != nil && m.CustomerSignedById != nil
}

func GetMilestone(ctx context.Context, id int) (*Milestone, error) {
	db := config.GetDB()
	var result Milestone

	err := db.WithContext(ctx).First(&result, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &result, nil
}

func GetMilestoneTx(tx *gorm.DB, id int) (*Milestone, error) {
	var result Milestone
	err := tx.First(&result, id).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &result, nil
}
