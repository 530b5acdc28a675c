package clearing

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/clearrail/netting-api/internal/events"
	"github.com/clearrail/netting-api/internal/types"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "clearing_test.db")), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&types.Obligation{}, &ClearingWindow{}, &NettingResult{}))
	return db
}

func newTestService(t *testing.T) (*Service, *events.Bus, *gorm.DB) {
	t.Helper()
	db := setupTestDB(t)
	bus := events.NewBus()
	return NewService(db, bus), bus, db
}

func seedWindow(t *testing.T, db *gorm.DB, status string) *ClearingWindow {
	t.Helper()
	now := time.Now().UTC()
	window := &ClearingWindow{
		WindowID:       "WIN_" + uuid.New().String(),
		ScheduledStart: now.Add(-6 * time.Hour),
		ScheduledEnd:   now.Add(-time.Minute),
		CutoffTime:     now.Add(-time.Minute),
		Status:         status,
	}
	require.NoError(t, db.Create(window).Error)
	return window
}

func seedObligation(t *testing.T, db *gorm.DB, windowID, id, debtor, creditor, currency, amount string) {
	t.Helper()
	require.NoError(t, db.Create(&types.Obligation{
		ObligationID:   id,
		IdempotencyKey: id + "-key",
		DebtorBank:     debtor,
		CreditorBank:   creditor,
		Currency:       currency,
		Amount:         decimal.RequireFromString(amount),
		Status:         types.ObligationWindowed,
		WindowID:       windowID,
	}).Error)
}

func TestProcessWindowMixedCycleAndBilateral(t *testing.T) {
	service, bus, db := newTestService(t)
	window := seedWindow(t, db, StatusOpen)

	var emitted []events.NetPositionsReady
	bus.SubscribeNetPositionsReady(func(ctx context.Context, event events.NetPositionsReady) error {
		emitted = append(emitted, event)
		return nil
	})

	seedObligation(t, db, window.WindowID, "OBL_001", "BANK_A", "BANK_B", "USD", "100000")
	seedObligation(t, db, window.WindowID, "OBL_002", "BANK_B", "BANK_C", "USD", "80000")
	seedObligation(t, db, window.WindowID, "OBL_003", "BANK_C", "BANK_A", "USD", "90000")
	seedObligation(t, db, window.WindowID, "OBL_004", "BANK_B", "BANK_A", "USD", "20000")

	resp, err := service.ProcessWindow(context.Background(), window.WindowID)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, resp.Status)
	assert.Equal(t, 4, resp.ObligationsCount)
	assert.Equal(t, "290000", resp.GrossByCurrency["USD"])
	assert.Equal(t, "10000", resp.NetByCurrency["USD"])
	assert.InDelta(t, 0.9655, resp.NettingEfficiency, 0.001)

	results, err := service.GetWindowResults(window.WindowID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "BANK_A", results[0].BankA)
	assert.Equal(t, "BANK_C", results[0].BankB)
	assert.Equal(t, "BANK_C", results[0].NetPayer)
	assert.True(t, results[0].NetAmount.Equal(decimal.RequireFromString("10000")))
	assert.Equal(t, 1, results[0].ObligationsNetted)

	// All obligations flip to NETTED on success
	var netted int64
	require.NoError(t, db.Model(&types.Obligation{}).
		Where("window_id = ? AND status = ?", window.WindowID, types.ObligationNetted).
		Count(&netted).Error)
	assert.Equal(t, int64(4), netted)

	require.Len(t, emitted, 1)
	assert.Equal(t, "USD", emitted[0].Currency)
	require.Len(t, emitted[0].Results, 1)
	assert.Equal(t, "BANK_C", emitted[0].Results[0].NetPayer)
}

func TestProcessWindowPerfectCycleClearsEverything(t *testing.T) {
	service, _, db := newTestService(t)
	window := seedWindow(t, db, StatusOpen)

	seedObligation(t, db, window.WindowID, "OBL_001", "BANK_A", "BANK_B", "USD", "100000")
	seedObligation(t, db, window.WindowID, "OBL_002", "BANK_B", "BANK_C", "USD", "100000")
	seedObligation(t, db, window.WindowID, "OBL_003", "BANK_C", "BANK_A", "USD", "100000")

	resp, err := service.ProcessWindow(context.Background(), window.WindowID)
	require.NoError(t, err)

	assert.Equal(t, 1.0, resp.NettingEfficiency)

	results, err := service.GetWindowResults(window.WindowID)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestProcessWindowCrossCurrencyIsolation(t *testing.T) {
	service, _, db := newTestService(t)
	window := seedWindow(t, db, StatusOpen)

	// Same bank pair in opposite directions but different currencies: these
	// must never net against each other
	seedObligation(t, db, window.WindowID, "OBL_001", "BANK_A", "BANK_B", "USD", "100000")
	seedObligation(t, db, window.WindowID, "OBL_002", "BANK_B", "BANK_A", "AED", "100000")

	resp, err := service.ProcessWindow(context.Background(), window.WindowID)
	require.NoError(t, err)

	assert.Equal(t, "100000", resp.GrossByCurrency["USD"])
	assert.Equal(t, "100000", resp.GrossByCurrency["AED"])
	assert.Equal(t, "100000", resp.NetByCurrency["USD"])
	assert.Equal(t, "100000", resp.NetByCurrency["AED"])
	assert.Equal(t, 0.0, resp.NettingEfficiency)

	results, err := service.GetWindowResults(window.WindowID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "AED", results[0].Currency)
	assert.Equal(t, "BANK_B", results[0].NetPayer)
	assert.Equal(t, "USD", results[1].Currency)
	assert.Equal(t, "BANK_A", results[1].NetPayer)
}

func TestProcessWindowRejectsCompletedWindow(t *testing.T) {
	service, _, db := newTestService(t)
	window := seedWindow(t, db, StatusOpen)
	seedObligation(t, db, window.WindowID, "OBL_001", "BANK_A", "BANK_B", "USD", "500")

	_, err := service.ProcessWindow(context.Background(), window.WindowID)
	require.NoError(t, err)

	_, err = service.ProcessWindow(context.Background(), window.WindowID)
	assert.ErrorIs(t, err, ErrWindowAlreadyCompleted)

	// The keyed result rows are untouched by the rejected rerun
	results, err := service.GetWindowResults(window.WindowID)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestProcessWindowAlgorithmicFailureMarksFailed(t *testing.T) {
	service, _, db := newTestService(t)
	window := seedWindow(t, db, StatusOpen)

	seedObligation(t, db, window.WindowID, "OBL_001", "BANK_A", "BANK_B", "USD", "100")
	// Corrupt row bypassing ingest validation: amount must be positive
	require.NoError(t, db.Create(&types.Obligation{
		ObligationID:   "OBL_002",
		IdempotencyKey: "OBL_002-key",
		DebtorBank:     "BANK_B",
		CreditorBank:   "BANK_C",
		Currency:       "USD",
		Amount:         decimal.RequireFromString("-100"),
		Status:         types.ObligationWindowed,
		WindowID:       window.WindowID,
	}).Error)

	_, err := service.ProcessWindow(context.Background(), window.WindowID)
	require.Error(t, err)

	updated, dbErr := service.db.GetWindow(window.WindowID)
	require.NoError(t, dbErr)
	assert.Equal(t, StatusFailed, updated.Status)

	// Obligations stay WINDOWED so a repaired retry cannot double count
	var windowed int64
	require.NoError(t, db.Model(&types.Obligation{}).
		Where("window_id = ? AND status = ?", window.WindowID, types.ObligationWindowed).
		Count(&windowed).Error)
	assert.Equal(t, int64(2), windowed)

	results, resErr := service.GetWindowResults(window.WindowID)
	require.NoError(t, resErr)
	assert.Empty(t, results)
}

func TestProcessWindowDeterministicAcrossRuns(t *testing.T) {
	seed := func(t *testing.T) (*Service, string) {
		service, _, db := newTestService(t)
		window := seedWindow(t, db, StatusOpen)
		for i := 0; i < 40; i++ {
			debtor := fmt.Sprintf("BANK_%d", i%5)
			creditor := fmt.Sprintf("BANK_%d", (i+1+i%3)%5)
			if debtor == creditor {
				creditor = fmt.Sprintf("BANK_%d", (i+4)%5)
			}
			seedObligation(t, db, window.WindowID,
				fmt.Sprintf("OBL_%03d", i),
				debtor, creditor,
				[]string{"USD", "EUR"}[i%2],
				fmt.Sprintf("%d.%02d", 100+i*13, i%100))
		}
		return service, window.WindowID
	}

	serviceA, windowA := seed(t)
	serviceB, windowB := seed(t)

	_, err := serviceA.ProcessWindow(context.Background(), windowA)
	require.NoError(t, err)
	_, err = serviceB.ProcessWindow(context.Background(), windowB)
	require.NoError(t, err)

	resultsA, err := serviceA.GetWindowResults(windowA)
	require.NoError(t, err)
	resultsB, err := serviceB.GetWindowResults(windowB)
	require.NoError(t, err)

	// Identical frozen obligation sets produce identical netting rows
	require.Equal(t, len(resultsA), len(resultsB))
	for i := range resultsA {
		assert.Equal(t, resultsA[i].BankA, resultsB[i].BankA)
		assert.Equal(t, resultsA[i].BankB, resultsB[i].BankB)
		assert.Equal(t, resultsA[i].Currency, resultsB[i].Currency)
		assert.Equal(t, resultsA[i].NetPayer, resultsB[i].NetPayer)
		assert.True(t, resultsA[i].NetAmount.Equal(resultsB[i].NetAmount))
		assert.True(t, resultsA[i].GrossAToB.Equal(resultsB[i].GrossAToB))
		assert.True(t, resultsA[i].GrossBToA.Equal(resultsB[i].GrossBToA))
		assert.Equal(t, resultsA[i].ObligationsNetted, resultsB[i].ObligationsNetted)
	}
}

func TestBeginProcessingIsCompareAndSwap(t *testing.T) {
	service, _, db := newTestService(t)
	window := seedWindow(t, db, StatusOpen)

	flipped, err := service.db.BeginProcessing(window.WindowID)
	require.NoError(t, err)
	assert.True(t, flipped)

	// Second flip loses the race
	flipped, err = service.db.BeginProcessing(window.WindowID)
	require.NoError(t, err)
	assert.False(t, flipped)
}

func TestRecoverStuckWindow(t *testing.T) {
	service, _, db := newTestService(t)
	window := seedWindow(t, db, StatusProcessing)

	stale := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, db.Model(&ClearingWindow{}).
		Where("window_id = ?", window.WindowID).
		Update("processing_started_at", stale).Error)

	seedObligation(t, db, window.WindowID, "OBL_001", "BANK_A", "BANK_B", "USD", "100")

	processor := NewProcessor(service)
	require.NoError(t, processor.recoverStuckWindows())

	reopened, err := service.db.GetWindow(window.WindowID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, reopened.Status)

	// The recovered window reprocesses cleanly
	resp, err := service.ProcessWindow(context.Background(), window.WindowID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resp.Status)
}

func TestSweepBufferedObligations(t *testing.T) {
	service, _, db := newTestService(t)
	window := seedWindow(t, db, StatusOpen)

	require.NoError(t, db.Create(&types.Obligation{
		ObligationID:   "OBL_buffered",
		IdempotencyKey: "OBL_buffered-key",
		DebtorBank:     "BANK_A",
		CreditorBank:   "BANK_B",
		Currency:       "USD",
		Amount:         decimal.RequireFromString("75"),
		Status:         types.ObligationCreated,
	}).Error)

	swept, err := service.db.SweepBufferedObligations(window.WindowID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), swept)

	obligations, err := service.db.GetWindowObligations(window.WindowID)
	require.NoError(t, err)
	require.Len(t, obligations, 1)
	assert.Equal(t, types.ObligationWindowed, obligations[0].Status)

	updated, err := service.db.GetWindow(window.WindowID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.ObligationsCount)
}

func TestSweepBufferedObligationsSkipsFrozenWindow(t *testing.T) {
	service, _, db := newTestService(t)
	window := seedWindow(t, db, StatusOpen)

	flipped, err := service.db.BeginProcessing(window.WindowID)
	require.NoError(t, err)
	require.True(t, flipped)

	// Buffered obligation arriving after the window's set has been frozen
	require.NoError(t, db.Create(&types.Obligation{
		ObligationID:   "OBL_late",
		IdempotencyKey: "OBL_late-key",
		DebtorBank:     "BANK_A",
		CreditorBank:   "BANK_B",
		Currency:       "USD",
		Amount:         decimal.RequireFromString("100"),
		Status:         types.ObligationCreated,
	}).Error)

	swept, err := service.db.SweepBufferedObligations(window.WindowID)
	require.NoError(t, err)
	assert.Zero(t, swept)

	// The obligation stays buffered for the next open window; the frozen
	// window's set and counter are untouched
	var obligation types.Obligation
	require.NoError(t, db.Where("obligation_id = ?", "OBL_late").First(&obligation).Error)
	assert.Equal(t, types.ObligationCreated, obligation.Status)
	assert.Empty(t, obligation.WindowID)

	frozen, err := service.db.GetWindow(window.WindowID)
	require.NoError(t, err)
	assert.Equal(t, 0, frozen.ObligationsCount)
}

func TestProcessWindowPersistenceFailureLeavesWindowProcessing(t *testing.T) {
	service, _, db := newTestService(t)
	window := seedWindow(t, db, StatusOpen)
	seedObligation(t, db, window.WindowID, "OBL_p1", "BANK_A", "BANK_B", "USD", "100")

	// Occupy the pair's slot in the results unique index so every commit
	// attempt fails
	require.NoError(t, db.Create(&NettingResult{
		ResultID: "NET_" + uuid.New().String(),
		WindowID: window.WindowID,
		BankA:    "BANK_A",
		BankB:    "BANK_B",
		Currency: "USD",
	}).Error)

	_, err := service.ProcessWindow(context.Background(), window.WindowID)
	require.Error(t, err)

	// The window stays PROCESSING for the recovery sweep, obligations stay
	// WINDOWED, and no partial results were committed alongside the
	// conflicting row
	persisted, getErr := service.db.GetWindow(window.WindowID)
	require.NoError(t, getErr)
	assert.Equal(t, StatusProcessing, persisted.Status)

	var obligation types.Obligation
	require.NoError(t, db.Where("obligation_id = ?", "OBL_p1").First(&obligation).Error)
	assert.Equal(t, types.ObligationWindowed, obligation.Status)

	var count int64
	require.NoError(t, db.Model(&NettingResult{}).Where("window_id = ?", window.WindowID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}
