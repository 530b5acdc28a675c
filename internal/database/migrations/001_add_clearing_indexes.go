package migrations

import (
	"gorm.io/gorm"
)

// AddClearingIndexes creates the query indexes for the clearing tables
func AddClearingIndexes(db *gorm.DB) error {
	// Using raw SQL for index creation to have more control over index types
	indexes := []string{
		// Windowed obligation lookups during processing
		`CREATE INDEX IF NOT EXISTS idx_obligations_window_status
		 ON obligations(window_id, status)`,

		// Buffered obligation sweep
		`CREATE INDEX IF NOT EXISTS idx_obligations_status
		 ON obligations(status)`,

		// Cutoff sweep over open windows
		`CREATE INDEX IF NOT EXISTS idx_clearing_windows_status_cutoff
		 ON clearing_windows(status, cutoff_time)`,

		// Slot lookup when opening windows
		`CREATE INDEX IF NOT EXISTS idx_clearing_windows_scheduled_start
		 ON clearing_windows(scheduled_start)`,

		// Per-window result reads by the settlement engine
		`CREATE INDEX IF NOT EXISTS idx_netting_results_window_currency
		 ON netting_results(window_id, currency)`,

		// Recent results query surface
		`CREATE INDEX IF NOT EXISTS idx_netting_results_created_at
		 ON netting_results(created_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
