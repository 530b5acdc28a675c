package database

import (
	"fmt"

	"github.com/clearrail/netting-api/internal/clearing"
	"github.com/clearrail/netting-api/internal/database/migrations"
	"github.com/clearrail/netting-api/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase initializes and returns a new GORM DB connection
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}

	err = db.AutoMigrate(
		&types.Obligation{},
		&clearing.ClearingWindow{},
		&clearing.NettingResult{},
	)
	if err != nil {
		return nil, err
	}

	// Run migrations
	if err := migrations.AddClearingIndexes(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}
