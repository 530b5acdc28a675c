package ingest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/clearrail/netting-api/internal/clearing"
	"github.com/clearrail/netting-api/internal/database"
	"github.com/clearrail/netting-api/internal/events"
	"github.com/clearrail/netting-api/internal/types"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "ingest_test.db"))
	require.NoError(t, err)
	return db
}

func openTestWindow(t *testing.T, db *gorm.DB) *clearing.ClearingWindow {
	t.Helper()
	now := time.Now().UTC()
	window := &clearing.ClearingWindow{
		WindowID:       "WIN_" + uuid.New().String(),
		ScheduledStart: now,
		ScheduledEnd:   now.Add(6 * time.Hour),
		CutoffTime:     now.Add(6 * time.Hour),
		Status:         clearing.StatusOpen,
	}
	require.NoError(t, db.Create(window).Error)
	return window
}

func validRequest() ObligationRequest {
	return ObligationRequest{
		DebtorBank:     "BANK_A",
		CreditorBank:   "BANK_B",
		Currency:       "USD",
		Amount:         decimal.RequireFromString("1000"),
		IdempotencyKey: uuid.New().String(),
	}
}

func TestIngestAssignsToOpenWindow(t *testing.T) {
	db := setupTestDB(t)
	window := openTestWindow(t, db)
	service := NewService(db, DefaultCurrencies)

	obligation, err := service.Ingest(validRequest())
	require.NoError(t, err)

	assert.Equal(t, types.ObligationWindowed, obligation.Status)
	assert.Equal(t, window.WindowID, obligation.WindowID)
	assert.NotEmpty(t, obligation.ObligationID)

	var updated clearing.ClearingWindow
	require.NoError(t, db.Where("window_id = ?", window.WindowID).First(&updated).Error)
	assert.Equal(t, 1, updated.ObligationsCount)
}

func TestIngestBuffersWhenNoWindowOpen(t *testing.T) {
	db := setupTestDB(t)
	service := NewService(db, DefaultCurrencies)

	obligation, err := service.Ingest(validRequest())
	require.NoError(t, err)

	// Never dropped: held as CREATED until the next window opens
	assert.Equal(t, types.ObligationCreated, obligation.Status)
	assert.Empty(t, obligation.WindowID)
}

func TestIngestValidation(t *testing.T) {
	db := setupTestDB(t)
	openTestWindow(t, db)
	service := NewService(db, DefaultCurrencies)

	tests := []struct {
		name   string
		mutate func(*ObligationRequest)
	}{
		{"zero amount", func(r *ObligationRequest) { r.Amount = decimal.Zero }},
		{"negative amount", func(r *ObligationRequest) { r.Amount = decimal.RequireFromString("-5") }},
		{"unknown currency", func(r *ObligationRequest) { r.Currency = "XXX" }},
		{"same banks", func(r *ObligationRequest) { r.CreditorBank = r.DebtorBank }},
		{"missing idempotency key", func(r *ObligationRequest) { r.IdempotencyKey = "" }},
		{"missing debtor", func(r *ObligationRequest) { r.DebtorBank = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)
			_, err := service.Ingest(req)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestIngestAbsorbsDuplicateDeliveries(t *testing.T) {
	db := setupTestDB(t)
	openTestWindow(t, db)
	service := NewService(db, DefaultCurrencies)

	req := validRequest()
	first, err := service.Ingest(req)
	require.NoError(t, err)

	// Redelivery with the same idempotency key is a no-op, not a failure
	second, err := service.Ingest(req)
	require.NoError(t, err)
	assert.Equal(t, first.ObligationID, second.ObligationID)

	var count int64
	require.NoError(t, db.Model(&types.Obligation{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestIngestAbsorbsDuplicateObligationID(t *testing.T) {
	db := setupTestDB(t)
	openTestWindow(t, db)
	service := NewService(db, DefaultCurrencies)

	req := validRequest()
	req.ObligationID = "OBL_fixed"
	_, err := service.Ingest(req)
	require.NoError(t, err)

	// Same obligation under a fresh transport key still dedupes
	redelivered := req
	redelivered.IdempotencyKey = uuid.New().String()
	second, err := service.Ingest(redelivered)
	require.NoError(t, err)
	assert.Equal(t, "OBL_fixed", second.ObligationID)

	var count int64
	require.NoError(t, db.Model(&types.Obligation{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestHandleObligationCreatedEvent(t *testing.T) {
	db := setupTestDB(t)
	openTestWindow(t, db)
	service := NewService(db, DefaultCurrencies)

	bus := events.NewBus()
	bus.SubscribeObligationCreated(service.HandleObligationCreated)

	event := events.ObligationCreated{
		ObligationID:   "OBL_evt",
		DebtorBank:     "BANK_A",
		CreditorBank:   "BANK_B",
		Currency:       "EUR",
		Amount:         decimal.RequireFromString("250.75"),
		IdempotencyKey: uuid.New().String(),
	}
	require.NoError(t, bus.PublishObligationCreated(context.Background(), event))

	stored, err := service.GetObligation("OBL_evt")
	require.NoError(t, err)
	assert.Equal(t, "EUR", stored.Currency)
	assert.True(t, stored.Amount.Equal(decimal.RequireFromString("250.75")))
}

func TestIngestAbsorbsInsertLosingDuplicateRace(t *testing.T) {
	db := setupTestDB(t)
	openTestWindow(t, db)
	service := NewService(db, DefaultCurrencies)

	req := validRequest()
	first, err := service.Ingest(req)
	require.NoError(t, err)

	// Two concurrent deliveries of the same obligation can both pass the
	// dedup lookups before either inserts; the loser's insert hits the
	// idempotency-key unique index. Drive the insert path directly with the
	// already-stored key to take the loser's side of that race.
	loser := &types.Obligation{
		ObligationID:   "OBL_" + uuid.New().String(),
		IdempotencyKey: req.IdempotencyKey,
		DebtorBank:     req.DebtorBank,
		CreditorBank:   req.CreditorBank,
		Currency:       req.Currency,
		Amount:         req.Amount,
	}
	resolved, err := service.create(loser, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, first.ObligationID, resolved.ObligationID)

	var count int64
	require.NoError(t, db.Model(&types.Obligation{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}
