package main

import (
	"fmt"
	"os"

	"bitbucket.org/mmdatafocus/projects_backend/config"
	"bitbucket.org/mmdatafocus/projects_backend/models"
)

// Run migrations as a separate job so app revisions can start with
// SKIP_MIGRATIONS=true.
func main() {
	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	models.MigrateTable()
	fmt.Println("migrations applied")
}
