package workflow

import (
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/projects_backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	// ErrBaselineNotSigned is returned when RecordOriginalBaseline is invoked
	// before both supplier and customer have signed the milestone baseline.
	ErrBaselineNotSigned = errors.New("milestone baseline requires both supplier and customer signatures")

	// ErrVariationNotApplied is returned when RecordAmendment is invoked for a
	// variation that has not reached the applied status.
	ErrVariationNotApplied = errors.New("variation has not been applied")
)

// A concurrent amendment can steal the provisional version slot between
// MAX(version)+1 and the insert; the duplicate-key retry below absorbs that.
const amendmentInsertAttempts = 3

// shouldRetryAmendmentInsert decides whether a failed amendment insert gets a
// fresh version slot. Only slot contention (duplicate key on the unique
// index) is retryable; an amendment is never silently dropped.
func shouldRetryAmendmentInsert(err error, attempt int) bool {
	return isDuplicateKeyErr(err) && attempt < amendmentInsertAttempts
}

// originalBaselineTimestamp picks the ordering timestamp of a version-1 row:
// the earlier of the two signature times, either one when the other is
// absent, current time when neither was recorded.
func originalBaselineTimestamp(m *models.Milestone) time.Time {
	switch {
	case m.SupplierSignedAt != nil && m.CustomerSignedAt != nil:
		if m.CustomerSignedAt.Before(*m.SupplierSignedAt) {
			return *m.CustomerSignedAt
		}
		return *m.SupplierSignedAt
	case m.SupplierSignedAt != nil:
		return *m.SupplierSignedAt
	case m.CustomerSignedAt != nil:
		return *m.CustomerSignedAt
	default:
		return time.Now().UTC()
	}
}

// committedBillable prefers the milestone's baseline billable and falls back
// to its general billable figure. The ledger column is NOT NULL.
func committedBillable(m *models.Milestone) decimal.Decimal {
	if m.BaselineBillable != nil {
		return *m.BaselineBillable
	}
	return m.Billable
}

func newOriginalBaselineVersion(m *models.Milestone) *models.BaselineVersion {
	return &models.BaselineVersion{
		MilestoneId:        m.ID,
		Version:            1,
		VariationId:        nil,
		BaselineStartDate:  m.BaselineStartDate,
		BaselineEndDate:    m.BaselineEndDate,
		BaselineBillable:   committedBillable(m),
		SupplierSignedById: m.SupplierSignedById,
		SupplierSignedAt:   m.SupplierSignedAt,
		CustomerSignedById: m.CustomerSignedById,
		CustomerSignedAt:   m.CustomerSignedAt,
		CreatedAt:          originalBaselineTimestamp(m),
	}
}

// RecordOriginalBaseline appends the version-1 ledger row at the moment of
// first dual-signature lock. Idempotent: an existing original row makes this
// a no-op, and a concurrent insert of the same row is absorbed via the
// (milestone_id, version) unique index rather than surfaced.
func RecordOriginalBaseline(tx *gorm.DB, logger *logrus.Logger, milestone *models.Milestone) (created bool, err error) {
	if tx == nil {
		return false, fmt.Errorf("record original baseline: tx is nil")
	}
	if milestone == nil || milestone.ID <= 0 {
		return false, fmt.Errorf("record original baseline: invalid milestone")
	}
	if !milestone.IsFullySigned() {
		return false, ErrBaselineNotSigned
	}

	exists, err := models.HasOriginalBaselineVersion(tx, milestone.ID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	row := newOriginalBaselineVersion(milestone)
	if err := tx.Create(row).Error; err != nil {
		if isDuplicateKeyErr(err) {
			// Another writer recorded version 1 first.
			return false, nil
		}
		return false, err
	}

	if logger != nil {
		logger.WithFields(logrus.Fields{
			"milestone_id": milestone.ID,
			"version":      row.Version,
			"created_at":   row.CreatedAt.Format(time.RFC3339),
		}).Info("baseline.original.recorded")
	}
	return true, nil
}

// RecordAmendment appends a ledger row when a variation targeting the
// milestone reaches the applied status. Baseline fields are taken from the
// post-change milestone state; created_at is the variation's applied_at. The
// assigned version number is provisional (next free slot); final numbering is
// the renumber pass's guarantee.
func RecordAmendment(tx *gorm.DB, logger *logrus.Logger, variation *models.Variation, variationMilestone *models.VariationMilestone, milestone *models.Milestone) (created bool, err error) {
	if tx == nil {
		return false, fmt.Errorf("record amendment: tx is nil")
	}
	if variation == nil || variationMilestone == nil || milestone == nil {
		return false, fmt.Errorf("record amendment: invalid args")
	}
	if variationMilestone.VariationId != variation.ID || variationMilestone.MilestoneId != milestone.ID {
		return false, fmt.Errorf("record amendment: variation milestone %d does not link variation %d to milestone %d",
			variationMilestone.ID, variation.ID, milestone.ID)
	}
	if variation.CurrentStatus != models.VariationStatusApplied {
		return false, ErrVariationNotApplied
	}

	exists, err := models.HasBaselineVersionForVariation(tx, milestone.ID, variation.ID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	createdAt := time.Now().UTC()
	if variation.AppliedAt != nil {
		createdAt = *variation.AppliedAt
	}
	variationId := variation.ID

	for attempt := 1; ; attempt++ {
		version, err := models.NextBaselineVersion(tx, milestone.ID)
		if err != nil {
			return false, err
		}
		row := &models.BaselineVersion{
			MilestoneId:        milestone.ID,
			Version:            version,
			VariationId:        &variationId,
			BaselineStartDate:  milestone.BaselineStartDate,
			BaselineEndDate:    milestone.BaselineEndDate,
			BaselineBillable:   committedBillable(milestone),
			SupplierSignedById: milestone.SupplierSignedById,
			SupplierSignedAt:   milestone.SupplierSignedAt,
			CustomerSignedById: milestone.CustomerSignedById,
			CustomerSignedAt:   milestone.CustomerSignedAt,
			CreatedAt:          createdAt,
		}
		err = tx.Create(row).Error
		if err == nil {
			if logger != nil {
				logger.WithFields(logrus.Fields{
					"milestone_id": milestone.ID,
					"variation_id": variation.ID,
					"version":      version,
					"created_at":   createdAt.Format(time.RFC3339),
					"attempt":      attempt,
				}).Info("baseline.amendment.recorded")
			}
			return true, nil
		}
		if !shouldRetryAmendmentInsert(err, attempt) {
			if isDuplicateKeyErr(err) {
				return false, fmt.Errorf("record amendment: version slot contention for milestone %d (variation %d)", milestone.ID, variation.ID)
			}
			return false, err
		}
		// Version slot taken by a concurrent amendment; recompute and retry.
	}
}
