package models

import (
	"log"

	"bitbucket.org/mmdatafocus/projects_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Milestone{},
		&Variation{}, &VariationMilestone{},
		&BaselineVersion{},
		&ReconciliationReport{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
