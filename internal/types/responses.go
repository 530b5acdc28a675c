package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// WindowResponse represents the status view of a clearing window
type WindowResponse struct {
	WindowID          string            `json:"window_id"`
	Status            string            `json:"status"`
	ScheduledStart    time.Time         `json:"scheduled_start"`
	ScheduledEnd      time.Time         `json:"scheduled_end"`
	CutoffTime        time.Time         `json:"cutoff_time"`
	ObligationsCount  int               `json:"obligations_count"`
	GrossByCurrency   map[string]string `json:"gross_by_currency,omitempty"`
	NetByCurrency     map[string]string `json:"net_by_currency,omitempty"`
	NettingEfficiency float64           `json:"netting_efficiency"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// NettingResultResponse represents a single netted bank pair position
type NettingResultResponse struct {
	ResultID          string          `json:"result_id"`
	WindowID          string          `json:"window_id"`
	BankA             string          `json:"bank_a"`
	BankB             string          `json:"bank_b"`
	Currency          string          `json:"currency"`
	GrossAToB         decimal.Decimal `json:"gross_a_to_b"`
	GrossBToA         decimal.Decimal `json:"gross_b_to_a"`
	NetAmount         decimal.Decimal `json:"net_amount"`
	NetPayer          string          `json:"net_payer"`
	ObligationsNetted int             `json:"obligations_netted"`
	CreatedAt         time.Time       `json:"created_at"`
}
