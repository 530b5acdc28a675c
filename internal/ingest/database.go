package ingest

import (
	"errors"
	"fmt"

	"github.com/clearrail/netting-api/internal/clearing"
	"github.com/clearrail/netting-api/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetObligationByIdempotencyKey retrieves an obligation by its deduplication key
func (d *Database) GetObligationByIdempotencyKey(key string) (*types.Obligation, error) {
	var obligation types.Obligation
	if err := d.db.Where("idempotency_key = ?", key).First(&obligation).Error; err != nil {
		return nil, err
	}
	return &obligation, nil
}

// GetObligationByID retrieves an obligation by its obligation ID
func (d *Database) GetObligationByID(obligationID string) (*types.Obligation, error) {
	var obligation types.Obligation
	if err := d.db.Where("obligation_id = ?", obligationID).First(&obligation).Error; err != nil {
		return nil, err
	}
	return &obligation, nil
}

// GetOpenWindowID returns the ID of the currently open clearing window, or
// an empty string when no window is open
func (d *Database) GetOpenWindowID() (string, error) {
	var window clearing.ClearingWindow
	err := d.db.Where("status = ?", clearing.StatusOpen).
		Order("cutoff_time ASC").
		First(&window).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("failed to look up open window: %w", err)
	}
	return window.WindowID, nil
}

// CreateWindowedObligation writes the obligation into an open window. The
// obligation insert and the counted update against the OPEN window row share
// one transaction, so an ingest racing the cutoff flip either lands in the
// closing window or reports that the window is no longer open (and the
// caller buffers instead). Returns false when the window was not open.
func (d *Database) CreateWindowedObligation(obligation *types.Obligation, windowID string) (bool, error) {
	landed := false
	err := d.db.Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&clearing.ClearingWindow{}).
			Where("window_id = ? AND status = ?", windowID, clearing.StatusOpen).
			Update("obligations_count", gorm.Expr("obligations_count + 1"))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			// Window closed between lookup and write; leave landed false
			return nil
		}

		obligation.Status = types.ObligationWindowed
		obligation.WindowID = windowID
		if err := tx.Create(obligation).Error; err != nil {
			return err
		}
		landed = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to create windowed obligation: %w", err)
	}
	return landed, nil
}

// CreateBufferedObligation persists an obligation with no open window to
// land in. It is swept into the next window when one opens.
func (d *Database) CreateBufferedObligation(obligation *types.Obligation) error {
	obligation.Status = types.ObligationCreated
	obligation.WindowID = ""
	if err := d.db.Create(obligation).Error; err != nil {
		return fmt.Errorf("failed to create buffered obligation: %w", err)
	}
	return nil
}
