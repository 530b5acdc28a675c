package clearing

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Window statuses
const (
	StatusOpen       = "OPEN"
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
)

// ClearingWindow is a fixed time slot in which obligations are collected and
// then netted as one batch. The status column is the persisted state machine:
// transitions happen only through compare-and-swap updates so that process
// restarts recover deterministically.
type ClearingWindow struct {
	gorm.Model          `json:"-"`
	WindowID            string     `gorm:"uniqueIndex" json:"window_id"`
	ScheduledStart      time.Time  `json:"scheduled_start"`
	ScheduledEnd        time.Time  `json:"scheduled_end"`
	CutoffTime          time.Time  `json:"cutoff_time"`
	Status              string     `gorm:"index" json:"status"` // OPEN, PROCESSING, COMPLETED, FAILED
	ObligationsCount    int        `json:"obligations_count"`
	GrossByCurrency     string     `json:"gross_by_currency"` // JSON object of currency -> decimal string
	NetByCurrency       string     `json:"net_by_currency"`   // JSON object of currency -> decimal string
	NettingEfficiency   float64    `json:"netting_efficiency"`
	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// NettingResult is one netted position per unordered bank pair per currency
// per window. Rows are created once at window completion and are read-only
// afterward; the settlement engine consumes them. The composite unique index
// keys persistence so reprocessing can never double-write a pair.
type NettingResult struct {
	gorm.Model        `json:"-"`
	ResultID          string          `gorm:"uniqueIndex" json:"result_id"`
	WindowID          string          `gorm:"index;uniqueIndex:idx_netting_results_window_pair" json:"window_id"`
	BankA             string          `gorm:"uniqueIndex:idx_netting_results_window_pair" json:"bank_a"`
	BankB             string          `gorm:"uniqueIndex:idx_netting_results_window_pair" json:"bank_b"`
	Currency          string          `gorm:"uniqueIndex:idx_netting_results_window_pair" json:"currency"`
	GrossAToB         decimal.Decimal `gorm:"type:decimal(30,8)" json:"gross_a_to_b"`
	GrossBToA         decimal.Decimal `gorm:"type:decimal(30,8)" json:"gross_b_to_a"`
	NetAmount         decimal.Decimal `gorm:"type:decimal(30,8)" json:"net_amount"`
	NetPayer          string          `json:"net_payer"`
	ObligationsNetted int             `json:"obligations_netted"`
	NettingEfficiency float64         `json:"netting_efficiency"`
	CreatedAt         time.Time       `json:"created_at"`
}
