package config

import (
	"os"
	"strings"
)

// BaselineJobsDisabled turns off the HTTP-triggered baseline repair jobs
// (backfill, renumber) without redeploying. The cmd/ tools are unaffected.
//
// Set via env:
// - BASELINE_JOBS_DISABLED=true
func BaselineJobsDisabled() bool {
	return envTruthy("BASELINE_JOBS_DISABLED")
}

func envTruthy(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
