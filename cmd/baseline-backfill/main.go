package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/projects_backend/config"
	"bitbucket.org/mmdatafocus/projects_backend/workflow"
	"github.com/sirupsen/logrus"
)

func main() {
	milestoneID := flag.Int("milestone-id", 0, "Optional: backfill a single milestone id")
	dryRun := flag.Bool("dry-run", false, "Scan only (no writes)")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	logger := logrus.New()

	result, err := workflow.RunBaselineBackfill(db, logger, workflow.BaselineBackfillOptions{
		MilestoneId: *milestoneID,
		DryRun:      *dryRun,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed: %v\n", err)
		os.Exit(1)
	}

	unreconstructable := "none"
	if len(result.Unreconstructable) > 0 {
		parts := make([]string, 0, len(result.Unreconstructable))
		for _, id := range result.Unreconstructable {
			parts = append(parts, fmt.Sprintf("%d", id))
		}
		unreconstructable = strings.Join(parts, ",")
	}
	fmt.Printf("synthesized=%d reconstructed=%d unreconstructable=%s dry_run=%t correlation_id=%s\n",
		result.Synthesized, result.Reconstructed, unreconstructable, *dryRun, result.CorrelationId)
}
