package clearing

import (
	"errors"
	"fmt"
	"time"

	"github.com/clearrail/netting-api/internal/types"
	"gorm.io/gorm"
)

// errSweepWindowNotOpen aborts a sweep transaction whose target window
// flipped out of OPEN between lookup and write
var errSweepWindowNotOpen = errors.New("window is no longer open")

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// CreateWindow creates a new clearing window record
func (d *Database) CreateWindow(window *ClearingWindow) error {
	return d.db.Create(window).Error
}

// GetWindow retrieves a clearing window by its ID
func (d *Database) GetWindow(windowID string) (*ClearingWindow, error) {
	var window ClearingWindow
	if err := d.db.Where("window_id = ?", windowID).First(&window).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch clearing window: %w", err)
	}
	return &window, nil
}

// GetOpenWindow retrieves the currently open window, if any
func (d *Database) GetOpenWindow() (*ClearingWindow, error) {
	var window ClearingWindow
	if err := d.db.Where("status = ?", StatusOpen).
		Order("cutoff_time ASC").
		First(&window).Error; err != nil {
		return nil, err
	}
	return &window, nil
}

// GetWindowForSlot retrieves the window scheduled to start at the given time
func (d *Database) GetWindowForSlot(start time.Time) (*ClearingWindow, error) {
	var window ClearingWindow
	if err := d.db.Where("scheduled_start = ?", start).First(&window).Error; err != nil {
		return nil, err
	}
	return &window, nil
}

// BeginProcessing atomically flips a window from OPEN to PROCESSING. The
// compare-and-swap on the status column is the single serialization point per
// window: a concurrent ingest either lands before the flip (its counted
// update against the OPEN row succeeds) or is deferred to the next window.
// Returns false when the window was not OPEN.
func (d *Database) BeginProcessing(windowID string) (bool, error) {
	now := time.Now().UTC()
	result := d.db.Model(&ClearingWindow{}).
		Where("window_id = ? AND status = ?", windowID, StatusOpen).
		Updates(map[string]interface{}{
			"status":                StatusProcessing,
			"processing_started_at": now,
			"updated_at":            now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to transition window to processing: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// MarkWindowFailed flips a PROCESSING window to FAILED. Obligations keep
// their WINDOWED status so a retry can safely re-process them.
func (d *Database) MarkWindowFailed(windowID string) error {
	result := d.db.Model(&ClearingWindow{}).
		Where("window_id = ? AND status = ?", windowID, StatusProcessing).
		Updates(map[string]interface{}{
			"status":     StatusFailed,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark window failed: %w", result.Error)
	}
	return nil
}

// ReopenStuckWindow rolls a PROCESSING window back to OPEN so the normal
// cutoff sweep re-processes it. Used by crash recovery; obligations are still
// WINDOWED because completion is transactional.
func (d *Database) ReopenStuckWindow(windowID string) (bool, error) {
	result := d.db.Model(&ClearingWindow{}).
		Where("window_id = ? AND status = ?", windowID, StatusProcessing).
		Updates(map[string]interface{}{
			"status":                StatusOpen,
			"processing_started_at": nil,
			"updated_at":            time.Now().UTC(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to reopen stuck window: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// GetWindowObligations retrieves the frozen obligation set of a window in a
// stable order so reprocessing is deterministic
func (d *Database) GetWindowObligations(windowID string) ([]types.Obligation, error) {
	var obligations []types.Obligation
	if err := d.db.
		Where("window_id = ? AND status = ?", windowID, types.ObligationWindowed).
		Order("obligation_id ASC").
		Find(&obligations).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch window obligations: %w", err)
	}
	return obligations, nil
}

// SweepBufferedObligations assigns obligations that arrived while no window
// was open into the given window. The counter update is a compare-and-swap on
// the window still being OPEN, sharing the transaction with the obligation
// assignment: if the window flipped to PROCESSING since the caller looked it
// up, the whole sweep rolls back and the obligations stay buffered for the
// next open window instead of landing in an already-frozen set.
// Returns the number swept (zero when the window was no longer open).
func (d *Database) SweepBufferedObligations(windowID string) (int64, error) {
	var swept int64
	err := d.db.Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&types.Obligation{}).
			Where("status = ? AND window_id = ?", types.ObligationCreated, "").
			Updates(map[string]interface{}{
				"status":     types.ObligationWindowed,
				"window_id":  windowID,
				"updated_at": time.Now().UTC(),
			})
		if result.Error != nil {
			return result.Error
		}
		swept = result.RowsAffected
		if swept == 0 {
			return nil
		}
		counter := tx.Model(&ClearingWindow{}).
			Where("window_id = ? AND status = ?", windowID, StatusOpen).
			Update("obligations_count", gorm.Expr("obligations_count + ?", swept))
		if counter.Error != nil {
			return counter.Error
		}
		if counter.RowsAffected == 0 {
			return errSweepWindowNotOpen
		}
		return nil
	})
	if errors.Is(err, errSweepWindowNotOpen) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to sweep buffered obligations: %w", err)
	}
	return swept, nil
}

// SaveWindowResults persists a completed window in one transaction: netting
// result rows, obligation status flips to NETTED, and the window's
// COMPLETED transition with its aggregates. The window CAS guards against a
// concurrent run of the same window committing twice.
func (d *Database) SaveWindowResults(window *ClearingWindow, results []NettingResult) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		for i := range results {
			if err := tx.Create(&results[i]).Error; err != nil {
				return fmt.Errorf("failed to save netting result: %w", err)
			}
		}

		if err := tx.Model(&types.Obligation{}).
			Where("window_id = ? AND status = ?", window.WindowID, types.ObligationWindowed).
			Updates(map[string]interface{}{
				"status":     types.ObligationNetted,
				"updated_at": time.Now().UTC(),
			}).Error; err != nil {
			return fmt.Errorf("failed to mark obligations netted: %w", err)
		}

		result := tx.Model(&ClearingWindow{}).
			Where("window_id = ? AND status = ?", window.WindowID, StatusProcessing).
			Updates(map[string]interface{}{
				"status":             StatusCompleted,
				"gross_by_currency":  window.GrossByCurrency,
				"net_by_currency":    window.NetByCurrency,
				"netting_efficiency": window.NettingEfficiency,
				"obligations_count":  window.ObligationsCount,
				"updated_at":         time.Now().UTC(),
			})
		if result.Error != nil {
			return fmt.Errorf("failed to complete window: %w", result.Error)
		}
		if result.RowsAffected != 1 {
			return fmt.Errorf("window %s was not in processing state at commit", window.WindowID)
		}
		return nil
	})
}

// FindWindowsPastCutoff retrieves open windows whose cutoff time has passed
func (d *Database) FindWindowsPastCutoff(now time.Time) ([]ClearingWindow, error) {
	var windows []ClearingWindow
	if err := d.db.
		Where("status = ? AND cutoff_time <= ?", StatusOpen, now).
		Order("cutoff_time ASC").
		Find(&windows).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch windows past cutoff: %w", err)
	}
	return windows, nil
}

// FindStuckProcessing retrieves windows stuck in PROCESSING since before the
// given deadline, typically after a crash mid-processing
func (d *Database) FindStuckProcessing(deadline time.Time) ([]ClearingWindow, error) {
	var windows []ClearingWindow
	if err := d.db.
		Where("status = ? AND processing_started_at < ?", StatusProcessing, deadline).
		Find(&windows).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch stuck windows: %w", err)
	}
	return windows, nil
}

// GetWindowResults retrieves the netting results of a window in canonical order
func (d *Database) GetWindowResults(windowID string) ([]NettingResult, error) {
	var results []NettingResult
	if err := d.db.
		Where("window_id = ?", windowID).
		Order("currency ASC, bank_a ASC, bank_b ASC").
		Find(&results).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch netting results: %w", err)
	}
	return results, nil
}

// GetRecentResults retrieves the most recently created netting results
func (d *Database) GetRecentResults(limit int) ([]NettingResult, error) {
	var results []NettingResult
	if err := d.db.
		Order("created_at DESC").
		Limit(limit).
		Find(&results).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch recent netting results: %w", err)
	}
	return results, nil
}
