package workflow

import (
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/projects_backend/config"
	"bitbucket.org/mmdatafocus/projects_backend/models"
	"bitbucket.org/mmdatafocus/projects_backend/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type BaselineBackfillOptions struct {
	// MilestoneId restricts the pass to a single milestone (0 = all).
	MilestoneId int
	// DryRun counts the writes each phase would make, then rolls back.
	DryRun bool
}

type BaselineBackfillResult struct {
	CorrelationId     string `json:"correlation_id"`
	Synthesized       int    `json:"synthesized"`        // phase A inserts
	Reconstructed     int    `json:"reconstructed"`      // phase B inserts
	Unreconstructable []int  `json:"unreconstructable"`  // milestone ids left with a permanent gap
}

// RunBaselineBackfill brings a ledger that predates this subsystem into
// compliance with the version-1 invariant (exactly one null-variation row per
// milestone, at version 1).
//
// Phase A: locked milestones with zero ledger rows get a version-1 row
// synthesized from their current baseline fields. Phase B: milestones with
// rows but no true version-1 get one reconstructed from the original_*
// snapshot of their earliest-applied variation. Both phases re-check their
// precondition per milestone inside the transaction, so the pass is safe to
// re-run, including concurrently with live traffic.
func RunBaselineBackfill(db *gorm.DB, logger *logrus.Logger, opts BaselineBackfillOptions) (BaselineBackfillResult, error) {
	result := BaselineBackfillResult{CorrelationId: uuid.NewString()}
	if db == nil {
		return result, fmt.Errorf("baseline backfill: db is nil")
	}
	if logger == nil {
		logger = config.GetLogger()
	}

	logger.WithFields(logrus.Fields{
		"correlation_id": result.CorrelationId,
		"milestone_id":   opts.MilestoneId,
		"dry_run":        opts.DryRun,
	}).Info("baseline.backfill.start")

	if err := backfillLockedWithoutHistory(db, logger, opts, &result); err != nil {
		return result, err
	}
	if err := backfillReconstructedOriginals(db, logger, opts, &result); err != nil {
		return result, err
	}

	logger.WithFields(logrus.Fields{
		"correlation_id":    result.CorrelationId,
		"synthesized":       result.Synthesized,
		"reconstructed":     result.Reconstructed,
		"unreconstructable": len(result.Unreconstructable),
		"dry_run":           opts.DryRun,
	}).Info("baseline.backfill.end")
	return result, nil
}

// Phase A: locked, non-deleted milestones with an empty ledger. A pure
// insert; the zero-row precondition is re-checked per milestone so a
// concurrent live write cannot be duplicated.
func backfillLockedWithoutHistory(db *gorm.DB, logger *logrus.Logger, opts BaselineBackfillOptions, result *BaselineBackfillResult) error {
	var milestones []*models.Milestone
	q := db.Model(&models.Milestone{}).
		Where("baseline_locked = ?", true).
		Where("NOT EXISTS (SELECT 1 FROM baseline_versions bv WHERE bv.milestone_id = milestones.id)")
	if opts.MilestoneId > 0 {
		q = q.Where("milestones.id = ?", opts.MilestoneId)
	}
	if err := q.Find(&milestones).Error; err != nil {
		return err
	}

	for _, m := range milestones {
		m := m
		err := db.Transaction(func(tx *gorm.DB) error {
			count, err := models.CountBaselineVersions(tx, m.ID)
			if err != nil {
				return err
			}
			if count > 0 {
				// Live traffic got there first.
				return nil
			}
			row := newOriginalBaselineVersion(m)
			if err := tx.Create(row).Error; err != nil {
				if isDuplicateKeyErr(err) {
					return nil
				}
				return err
			}
			result.Synthesized++
			logger.WithFields(logrus.Fields{
				"correlation_id": result.CorrelationId,
				"milestone_id":   m.ID,
				"created_at":     row.CreatedAt.Format(time.RFC3339),
				"dry_run":        opts.DryRun,
			}).Info("baseline.backfill.synthesized")
			if opts.DryRun {
				return errDryRunRollback
			}
			return nil
		})
		if err != nil && !errors.Is(err, errDryRunRollback) {
			config.LogError(logger, "baselineBackfill.go", "backfillLockedWithoutHistory", "synthesizing version 1", m.ID, err)
			return err
		}
	}
	return nil
}

// reconstructedBaselineTimestamp orders a reconstructed version-1 row:
// earliest milestone signature time, else the variation's supplier-side
// signature, else current time.
func reconstructedBaselineTimestamp(m *models.Milestone, v *models.Variation) time.Time {
	if m.SupplierSignedAt != nil || m.CustomerSignedAt != nil {
		return originalBaselineTimestamp(m)
	}
	if v != nil && v.SupplierSignedAt != nil {
		return *v.SupplierSignedAt
	}
	return time.Now().UTC()
}

// Phase B: milestones that have ledger rows but no row with
// version = 1 AND variation_id IS NULL. The original commitment is recovered
// from the earliest-applied variation's pre-change snapshot. Runs after
// phase A on purpose: this is a forensic reconstruction, attempted only
// where the cheap path could not apply.
func backfillReconstructedOriginals(db *gorm.DB, logger *logrus.Logger, opts BaselineBackfillOptions, result *BaselineBackfillResult) error {
	var milestones []*models.Milestone
	q := db.Model(&models.Milestone{}).
		Where("EXISTS (SELECT 1 FROM baseline_versions bv WHERE bv.milestone_id = milestones.id)").
		Where("NOT EXISTS (SELECT 1 FROM baseline_versions bv WHERE bv.milestone_id = milestones.id AND bv.variation_id IS NULL)")
	if opts.MilestoneId > 0 {
		q = q.Where("milestones.id = ?", opts.MilestoneId)
	}
	if err := q.Find(&milestones).Error; err != nil {
		return err
	}

	for _, m := range milestones {
		m := m
		err := db.Transaction(func(tx *gorm.DB) error {
			exists, err := models.HasOriginalBaselineVersion(tx, m.ID)
			if err != nil {
				return err
			}
			if exists {
				return nil
			}

			vm, variation, err := models.GetEarliestAppliedVariationMilestone(tx, m.ID)
			if errors.Is(err, utils.ErrorRecordNotFound) {
				// No applied variation to recover a snapshot from. The gap is
				// permanent; report it, never guess.
				result.Unreconstructable = append(result.Unreconstructable, m.ID)
				logger.WithFields(logrus.Fields{
					"correlation_id": result.CorrelationId,
					"milestone_id":   m.ID,
				}).Warn("baseline.backfill.unreconstructable")
				if !opts.DryRun {
					detail := fmt.Sprintf("milestone %d has ledger history but no applied variation to reconstruct version 1 from", m.ID)
					if err := models.SaveReconciliationReport(tx, models.ReconciliationCheckBaselineBackfill, "Milestone", m.ID, detail, result.CorrelationId); err != nil {
						return err
					}
				}
				return nil
			}
			if err != nil {
				return err
			}

			billable := committedBillable(m)
			if vm.OriginalBaselineCost != nil {
				billable = *vm.OriginalBaselineCost
			}

			// Version 1 when the slot is free; dirty data can hold a non-null
			// row there, in which case the row is parked at the next free
			// slot and the renumber pass moves it to 1.
			version := 1
			taken, err := models.BaselineVersionSlotTaken(tx, m.ID, 1)
			if err != nil {
				return err
			}
			if taken {
				version, err = models.NextBaselineVersion(tx, m.ID)
				if err != nil {
					return err
				}
			}

			row := &models.BaselineVersion{
				MilestoneId:        m.ID,
				Version:            version,
				VariationId:        nil,
				BaselineStartDate:  vm.OriginalBaselineStartDate,
				BaselineEndDate:    vm.OriginalBaselineEndDate,
				BaselineBillable:   billable,
				SupplierSignedById: m.SupplierSignedById,
				SupplierSignedAt:   m.SupplierSignedAt,
				CustomerSignedById: m.CustomerSignedById,
				CustomerSignedAt:   m.CustomerSignedAt,
				CreatedAt:          reconstructedBaselineTimestamp(m, variation),
			}
			if err := tx.Create(row).Error; err != nil {
				if isDuplicateKeyErr(err) {
					// A concurrent pass reconstructed the same row.
					return nil
				}
				return err
			}
			result.Reconstructed++
			logger.WithFields(logrus.Fields{
				"correlation_id": result.CorrelationId,
				"milestone_id":   m.ID,
				"variation_id":   variation.ID,
				"version":        version,
				"created_at":     row.CreatedAt.Format(time.RFC3339),
				"dry_run":        opts.DryRun,
			}).Info("baseline.backfill.reconstructed")
			if opts.DryRun {
				return errDryRunRollback
			}
			return nil
		})
		if err != nil && !errors.Is(err, errDryRunRollback) {
			config.LogError(logger, "baselineBackfill.go", "backfillReconstructedOriginals", "reconstructing version 1", m.ID, err)
			return err
		}
	}
	return nil
}
