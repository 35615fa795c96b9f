package main

import (
	"flag"
	"fmt"
	"os"

	"bitbucket.org/mmdatafocus/projects_backend/config"
	"bitbucket.org/mmdatafocus/projects_backend/workflow"
	"github.com/sirupsen/logrus"
)

func main() {
	milestoneID := flag.Int("milestone-id", 0, "Optional: renumber a single milestone id")
	dryRun := flag.Bool("dry-run", false, "Scan only (no writes)")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	logger := logrus.New()

	result, err := workflow.RunBaselineRenumber(db, logger, workflow.BaselineRenumberOptions{
		MilestoneId: *milestoneID,
		DryRun:      *dryRun,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("milestones_changed=%d rows_renumbered=%d dry_run=%t correlation_id=%s\n",
		result.MilestonesChanged, result.RowsRenumbered, *dryRun, result.CorrelationId)
}
