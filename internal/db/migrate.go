/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"github.com/wanderlight/ember_radio/internal/models"
	"gorm.io/gorm"
)

// Migrate applies database schema migrations using GORM auto-migrate.
func Migrate(database *gorm.DB) error {
	return database.AutoMigrate(
		&models.Station{},
		&models.ScheduleEntry{},
		&models.Track{},
		&models.PlaylistTrack{},
		&models.SkipEntry{},
		&models.HistoryEntry{},
		&models.RadioState{},
	)
}
