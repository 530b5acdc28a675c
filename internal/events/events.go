package events

import (
	"context"

	"github.com/shopspring/decimal"
)

// ObligationCreated is the logical event consumed from the obligation
// engine. The transport delivers at-least-once, so consumers must
// deduplicate by IdempotencyKey.
type ObligationCreated struct {
	ObligationID   string          `json:"obligation_id"`
	DebtorBank     string          `json:"debtor_bank"`
	CreditorBank   string          `json:"creditor_bank"`
	Currency       string          `json:"currency"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// NetPosition is a single netted pair inside a NetPositionsReady event
type NetPosition struct {
	BankA     string          `json:"bank_a"`
	BankB     string          `json:"bank_b"`
	NetAmount decimal.Decimal `json:"net_amount"`
	NetPayer  string          `json:"net_payer"`
}

// NetPositionsReady is emitted once a window's netting completes for a
// currency. It is consumed by the liquidity router and reporting services.
type NetPositionsReady struct {
	WindowID   string        `json:"window_id"`
	Currency   string        `json:"currency"`
	Results    []NetPosition `json:"results"`
	Efficiency float64       `json:"efficiency"`
}

// ObligationHandler consumes ObligationCreated events
type ObligationHandler func(ctx context.Context, event ObligationCreated) error

// NetPositionsHandler consumes NetPositionsReady events
type NetPositionsHandler func(ctx context.Context, event NetPositionsReady) error
