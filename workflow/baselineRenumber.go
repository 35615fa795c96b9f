package workflow

import (
	"errors"
	"fmt"
	"sort"

	"bitbucket.org/mmdatafocus/projects_backend/config"
	"bitbucket.org/mmdatafocus/projects_backend/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type BaselineRenumberOptions struct {
	// MilestoneId restricts the pass to a single milestone (0 = all).
	MilestoneId int
	// DryRun counts the rows each milestone would renumber, then rolls back.
	DryRun bool
}

type BaselineRenumberResult struct {
	CorrelationId     string `json:"correlation_id"`
	MilestonesChanged int    `json:"milestones_changed"`
	RowsRenumbered    int    `json:"rows_renumbered"`
}

type versionAssignment struct {
	Row     *models.BaselineVersion
	Version int
}

// computeBaselineRanks ranks a milestone's ledger rows: the null-variation
// row is always rank 1, the rest follow created_at ascending with row id as
// the tie-break. Only rows whose stored version differs from their rank are
// returned, so a consistent ledger produces no work.
func computeBaselineRanks(rows []*models.BaselineVersion) []versionAssignment {
	ordered := make([]*models.BaselineVersion, len(rows))
	copy(ordered, rows)
	sort.SliceStable(ordered, func(i, j int) bool {
		oi, oj := ordered[i].IsOriginal(), ordered[j].IsOriginal()
		if oi != oj {
			return oi
		}
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}
		return ordered[i].ID < ordered[j].ID
	})

	var changes []versionAssignment
	for idx, row := range ordered {
		rank := idx + 1
		if row.Version != rank {
			changes = append(changes, versionAssignment{Row: row, Version: rank})
		}
	}
	return changes
}

// RunBaselineRenumber restores gapless, chronologically-sound version numbers
// per milestone. Rows may have been inserted out of order by concurrent
// amendments or parked above the ceiling by the backfill; this pass assigns
// version := rank and touches nothing on an already-consistent ledger. It
// must run after both backfill phases so reconstructed rows participate.
func RunBaselineRenumber(db *gorm.DB, logger *logrus.Logger, opts BaselineRenumberOptions) (BaselineRenumberResult, error) {
	result := BaselineRenumberResult{CorrelationId: uuid.NewString()}
	if db == nil {
		return result, fmt.Errorf("baseline renumber: db is nil")
	}
	if logger == nil {
		logger = config.GetLogger()
	}

	logger.WithFields(logrus.Fields{
		"correlation_id": result.CorrelationId,
		"milestone_id":   opts.MilestoneId,
		"dry_run":        opts.DryRun,
	}).Info("baseline.renumber.start")

	var milestoneIds []int
	q := db.Model(&models.BaselineVersion{}).Distinct("milestone_id")
	if opts.MilestoneId > 0 {
		q = q.Where("milestone_id = ?", opts.MilestoneId)
	}
	if err := q.Order("milestone_id ASC").Pluck("milestone_id", &milestoneIds).Error; err != nil {
		return result, err
	}

	for _, milestoneId := range milestoneIds {
		milestoneId := milestoneId
		err := db.Transaction(func(tx *gorm.DB) error {
			rows, err := models.GetBaselineVersionsTx(tx, milestoneId)
			if err != nil {
				return err
			}
			changes := computeBaselineRanks(rows)
			if len(changes) == 0 {
				return nil
			}

			// Park the moving rows above every live version first so the
			// (milestone_id, version) unique index never trips while two
			// rows swap slots.
			ceiling := len(rows)
			for _, row := range rows {
				if row.Version > ceiling {
					ceiling = row.Version
				}
			}
			for _, ch := range changes {
				if err := tx.Model(&models.BaselineVersion{}).
					Where("id = ?", ch.Row.ID).
					Update("version", ceiling+ch.Version).Error; err != nil {
					return err
				}
			}
			for _, ch := range changes {
				if err := tx.Model(&models.BaselineVersion{}).
					Where("id = ?", ch.Row.ID).
					Update("version", ch.Version).Error; err != nil {
					return err
				}
			}

			result.MilestonesChanged++
			result.RowsRenumbered += len(changes)
			logger.WithFields(logrus.Fields{
				"correlation_id": result.CorrelationId,
				"milestone_id":   milestoneId,
				"rows":           len(changes),
				"dry_run":        opts.DryRun,
			}).Info("baseline.renumber.milestone")
			if opts.DryRun {
				return errDryRunRollback
			}
			return nil
		})
		if err != nil && !errors.Is(err, errDryRunRollback) {
			config.LogError(logger, "baselineRenumber.go", "RunBaselineRenumber", "renumbering milestone ledger", milestoneId, err)
			return result, err
		}
	}

	logger.WithFields(logrus.Fields{
		"correlation_id":     result.CorrelationId,
		"milestones_changed": result.MilestonesChanged,
		"rows_renumbered":    result.RowsRenumbered,
		"dry_run":            opts.DryRun,
	}).Info("baseline.renumber.end")
	return result, nil
}
