package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Obligation statuses
const (
	ObligationCreated   = "CREATED"
	ObligationWindowed  = "WINDOWED"
	ObligationNetted    = "NETTED"
	ObligationSettled   = "SETTLED"
	ObligationCancelled = "CANCELLED"
)

// Obligation is a single debtor-to-creditor payment duty in one currency.
// It is created by ingest and mutated only by the window orchestrator
// (status and window assignment); once NETTED it is immutable.
type Obligation struct {
	gorm.Model     `json:"-"`
	ObligationID   string          `gorm:"uniqueIndex" json:"obligation_id"`
	IdempotencyKey string          `gorm:"uniqueIndex" json:"idempotency_key"`
	DebtorBank     string          `json:"debtor_bank"`
	CreditorBank   string          `json:"creditor_bank"`
	Currency       string          `json:"currency"`
	Amount         decimal.Decimal `gorm:"type:decimal(30,8)" json:"amount"`
	Status         string          `json:"status"` // CREATED, WINDOWED, NETTED, SETTLED, CANCELLED
	WindowID       string          `gorm:"index" json:"window_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
