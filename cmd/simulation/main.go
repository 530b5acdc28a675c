package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/clearrail/netting-api/internal/clearing"
	"github.com/clearrail/netting-api/internal/database"
	"github.com/clearrail/netting-api/internal/events"
	"github.com/clearrail/netting-api/internal/ingest"
)

const (
	numWorkers     = 5
	minObligations = 200
	maxObligations = 2000
)

var (
	banks      = []string{"BANK_NYC", "BANK_LON", "BANK_FRA", "BANK_DXB", "BANK_SGP", "BANK_BOM", "BANK_TOK", "BANK_ZRH"}
	currencies = []string{"USD", "EUR", "GBP", "AED"}
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// main runs a full clearing window lifecycle against a throwaway database:
// concurrent obligation ingest, a forced cutoff, the netting pipeline, and a
// summary of how much gross volume the netting eliminated.
func main() {
	dbPath := fmt.Sprintf("simulation_%d.db", time.Now().Unix())
	defer os.Remove(dbPath)

	db, err := database.NewDatabase(dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize simulation database")
	}

	bus := events.NewBus()
	bus.SubscribeNetPositionsReady(func(ctx context.Context, event events.NetPositionsReady) error {
		log.Info().
			Str("window_id", event.WindowID).
			Str("currency", event.Currency).
			Int("positions", len(event.Results)).
			Float64("efficiency", event.Efficiency).
			Msg("net positions ready")
		return nil
	})

	ingestService := ingest.NewService(db, currencies)
	bus.SubscribeObligationCreated(ingestService.HandleObligationCreated)
	clearingService := clearing.NewService(db, bus)

	// Open a window with an immediate-past schedule so processing is due as
	// soon as ingestion finishes
	now := time.Now().UTC()
	window := &clearing.ClearingWindow{
		WindowID:       "WIN_" + uuid.New().String(),
		ScheduledStart: now.Add(-time.Hour),
		ScheduledEnd:   now,
		CutoffTime:     now,
		Status:         clearing.StatusOpen,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := clearingService.GetDB().CreateWindow(window); err != nil {
		log.Fatal().Err(err).Msg("failed to create clearing window")
	}

	total := minObligations + rand.Intn(maxObligations-minObligations+1)
	log.Info().
		Str("window_id", window.WindowID).
		Int("obligations", total).
		Int("workers", numWorkers).
		Msg("starting obligation ingest")

	start := time.Now()
	var wg sync.WaitGroup
	perWorker := total / numWorkers
	for worker := 0; worker < numWorkers; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			ingestObligations(worker, perWorker, bus)
		}(worker)
	}
	wg.Wait()

	log.Info().
		Dur("elapsed", time.Since(start)).
		Msg("ingest complete, processing window")

	processStart := time.Now()
	result, err := clearingService.ProcessWindow(context.Background(), window.WindowID)
	if err != nil {
		log.Fatal().Err(err).Msg("window processing failed")
	}

	log.Info().
		Dur("processing_time", time.Since(processStart)).
		Int("obligations", result.ObligationsCount).
		Float64("netting_efficiency", result.NettingEfficiency).
		Msg("window completed")

	for currency, gross := range result.GrossByCurrency {
		net := result.NetByCurrency[currency]
		log.Info().
			Str("currency", currency).
			Str("gross_volume", gross).
			Str("net_volume", net).
			Msg("currency summary")
	}

	results, err := clearingService.GetWindowResults(window.WindowID)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to fetch netting results")
	}
	log.Info().
		Int("result_rows", len(results)).
		Msg("simulation finished")
}

// ingestObligations publishes random obligations through the event boundary,
// occasionally redelivering one to exercise the dedup path
func ingestObligations(workerID, count int, bus *events.Bus) {
	ctx := context.Background()

	for i := 0; i < count; i++ {
		debtor := banks[rand.Intn(len(banks))]
		creditor := banks[rand.Intn(len(banks))]
		for creditor == debtor {
			creditor = banks[rand.Intn(len(banks))]
		}

		amount := decimal.NewFromInt(int64(rand.Intn(1_000_000) + 1000))
		event := events.ObligationCreated{
			ObligationID:   "OBL_" + uuid.New().String(),
			DebtorBank:     debtor,
			CreditorBank:   creditor,
			Currency:       currencies[rand.Intn(len(currencies))],
			Amount:         amount,
			IdempotencyKey: uuid.New().String(),
		}

		if err := bus.PublishObligationCreated(ctx, event); err != nil {
			log.Error().Err(err).Int("worker", workerID).Msg("ingest failed")
			continue
		}

		// Simulate the transport redelivering roughly one in twenty events
		if i%20 == 10 {
			if err := bus.PublishObligationCreated(ctx, event); err != nil {
				log.Error().Err(err).Int("worker", workerID).Msg("redelivery failed")
			}
		}
	}
}
