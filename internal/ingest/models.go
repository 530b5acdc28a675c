package ingest

import (
	"errors"

	"github.com/shopspring/decimal"
)

// ErrValidation is the class of ingest rejections: the obligation never
// enters a window and the caller should not retry.
var ErrValidation = errors.New("obligation validation failed")

// ObligationRequest is the ingest payload, matching the logical
// ObligationCreated event shape
type ObligationRequest struct {
	ObligationID   string          `json:"obligation_id"`
	DebtorBank     string          `json:"debtor_bank" binding:"required"`
	CreditorBank   string          `json:"creditor_bank" binding:"required"`
	Currency       string          `json:"currency" binding:"required"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key" binding:"required"`
}

// DefaultCurrencies is the rail's default corridor currency set
var DefaultCurrencies = []string{"USD", "EUR", "GBP", "AED", "SGD", "INR", "JPY", "CHF"}
