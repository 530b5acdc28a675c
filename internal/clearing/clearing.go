package clearing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/clearrail/netting-api/internal/events"
	"github.com/clearrail/netting-api/internal/netting"
	"github.com/clearrail/netting-api/internal/types"
	"github.com/clearrail/netting-api/pkg/response"
)

var (
	ErrWindowNotOpen           = errors.New("window is not open for processing")
	ErrWindowAlreadyCompleted  = errors.New("window has already been completed")
	ErrWindowAlreadyProcessing = errors.New("window is already being processed")
)

// Persistence retry policy. Storage failures are the only retried class of
// error; algorithmic failures indicate defects and must surface immediately.
const (
	persistRetries   = 3
	persistBaseDelay = 100 * time.Millisecond
)

// Service is the window orchestrator. It owns every clearing window state
// transition and drives the per-currency netting pipeline (graph build,
// cycle elimination, net position calculation) at window cutoff.
type Service struct {
	db  *Database
	bus *events.Bus
}

// NewService creates a new clearing service with the given database connection
func NewService(gormDB *gorm.DB, bus *events.Bus) *Service {
	return &Service{
		db:  NewDatabase(gormDB),
		bus: bus,
	}
}

// currencyOutcome holds one currency's completed netting computation
type currencyOutcome struct {
	currency   string
	gross      decimal.Decimal
	net        decimal.Decimal
	efficiency float64
	positions  []netting.PairPosition
	pairCounts map[string]int
}

// ProcessWindow runs the full netting pipeline for a window past its cutoff.
// The OPEN -> PROCESSING flip is a single compare-and-swap; currencies are
// then netted independently (in parallel, each single-threaded), and the
// results, obligation status flips and COMPLETED transition are persisted in
// one transaction. On any algorithmic error the window is marked FAILED and
// its obligations stay WINDOWED so a re-run cannot double count.
func (s *Service) ProcessWindow(ctx context.Context, windowID string) (*types.WindowResponse, error) {
	logger := log.With().
		Str("window_id", windowID).
		Str("service", "clearing").
		Logger()

	logger.Info().Msg("starting window processing")

	window, err := s.db.GetWindow(windowID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to fetch window")
		return nil, err
	}

	switch window.Status {
	case StatusCompleted:
		return nil, ErrWindowAlreadyCompleted
	case StatusProcessing:
		return nil, ErrWindowAlreadyProcessing
	}

	flipped, err := s.db.BeginProcessing(windowID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to transition window to processing")
		return nil, err
	}
	if !flipped {
		// Lost the race to another processor or the window was never open
		return nil, ErrWindowNotOpen
	}

	obligations, err := s.db.GetWindowObligations(windowID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load window obligations")
		return nil, err
	}

	byCurrency := groupByCurrency(obligations)
	logger.Info().
		Int("obligations", len(obligations)).
		Int("currencies", len(byCurrency)).
		Msg("loaded frozen obligation set")

	outcomes, err := s.netCurrencies(ctx, byCurrency)
	if err != nil {
		logger.Error().Err(err).Msg("netting pipeline failed, marking window failed")
		if failErr := s.db.MarkWindowFailed(windowID); failErr != nil {
			logger.Error().Err(failErr).Msg("failed to mark window failed")
		}
		return nil, err
	}

	results, grossJSON, netJSON, overallEfficiency, err := buildWindowResults(windowID, outcomes)
	if err != nil {
		logger.Error().Err(err).Msg("failed to assemble window results")
		if failErr := s.db.MarkWindowFailed(windowID); failErr != nil {
			logger.Error().Err(failErr).Msg("failed to mark window failed")
		}
		return nil, err
	}

	window.GrossByCurrency = grossJSON
	window.NetByCurrency = netJSON
	window.NettingEfficiency = overallEfficiency
	window.ObligationsCount = len(obligations)

	if err := s.persistWithRetry(window, results); err != nil {
		// Window stays PROCESSING; the recovery sweep picks it up rather
		// than completing with partial data
		logger.Error().Err(err).Msg("exhausted persistence retries")
		return nil, err
	}

	for _, outcome := range outcomes {
		event := events.NetPositionsReady{
			WindowID:   windowID,
			Currency:   outcome.currency,
			Efficiency: outcome.efficiency,
		}
		for _, p := range outcome.positions {
			event.Results = append(event.Results, events.NetPosition{
				BankA:     p.BankA,
				BankB:     p.BankB,
				NetAmount: p.NetAmount,
				NetPayer:  p.NetPayer,
			})
		}
		if err := s.bus.PublishNetPositionsReady(ctx, event); err != nil {
			logger.Error().Err(err).
				Str("currency", outcome.currency).
				Msg("failed to publish net positions event")
		}
	}

	logger.Info().
		Int("result_rows", len(results)).
		Float64("netting_efficiency", overallEfficiency).
		Msg("window processing completed")

	completed, err := s.db.GetWindow(windowID)
	if err != nil {
		return nil, err
	}
	return windowResponse(completed)
}

// netCurrencies runs the three-stage pipeline for every currency in the
// window. Currency graphs share no state, so they run in parallel; each
// graph traversal itself is single-threaded. A failure in one currency does
// not interrupt the computation of the others, but any failure fails the
// window as a whole since completion must cover the full obligation set.
func (s *Service) netCurrencies(ctx context.Context, byCurrency map[string][]types.Obligation) ([]currencyOutcome, error) {
	currencies := make([]string, 0, len(byCurrency))
	for currency := range byCurrency {
		currencies = append(currencies, currency)
	}
	sort.Strings(currencies)

	var (
		mu       sync.Mutex
		outcomes []currencyOutcome
	)

	g, _ := errgroup.WithContext(ctx)
	for _, currency := range currencies {
		currency := currency
		batch := byCurrency[currency]
		g.Go(func() error {
			outcome, err := netCurrency(currency, batch)
			if err != nil {
				return err
			}
			mu.Lock()
			outcomes = append(outcomes, *outcome)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(outcomes, func(i, j int) bool {
		return outcomes[i].currency < outcomes[j].currency
	})
	return outcomes, nil
}

// netCurrency runs graph build, cycle elimination and net position
// calculation for one currency batch
func netCurrency(currency string, obligations []types.Obligation) (*currencyOutcome, error) {
	logger := log.With().
		Str("currency", currency).
		Str("service", "clearing").
		Logger()

	graph, err := netting.BuildGraph(currency, obligations)
	if err != nil {
		return nil, err
	}

	gross := graph.TotalVolume()

	report, err := netting.EliminateCycles(graph)
	if err != nil {
		return nil, err
	}

	positions := netting.NetPositions(graph)

	if err := netting.VerifyConservation(obligations, positions); err != nil {
		return nil, &netting.CycleError{Currency: currency, Err: err}
	}

	net := netting.TotalNet(positions)
	efficiency := netting.Efficiency(gross, net)

	logger.Info().
		Int("obligations", len(obligations)).
		Int("cycles_cancelled", report.CyclesCancelled).
		Str("gross_volume", gross.String()).
		Str("net_volume", net.String()).
		Float64("efficiency", efficiency).
		Msg("completed currency netting")

	pairCounts := make(map[string]int)
	for _, ob := range obligations {
		pairCounts[pairKey(ob.DebtorBank, ob.CreditorBank)]++
	}

	return &currencyOutcome{
		currency:   currency,
		gross:      gross,
		net:        net,
		efficiency: efficiency,
		positions:  positions,
		pairCounts: pairCounts,
	}, nil
}

// buildWindowResults assembles the persisted result rows and the window's
// per-currency aggregate columns
func buildWindowResults(windowID string, outcomes []currencyOutcome) ([]NettingResult, string, string, float64, error) {
	grossByCurrency := make(map[string]string)
	netByCurrency := make(map[string]string)
	totalGross := decimal.Zero
	totalNet := decimal.Zero

	var results []NettingResult
	now := time.Now().UTC()

	for _, outcome := range outcomes {
		grossByCurrency[outcome.currency] = outcome.gross.String()
		netByCurrency[outcome.currency] = outcome.net.String()
		totalGross = totalGross.Add(outcome.gross)
		totalNet = totalNet.Add(outcome.net)

		for _, p := range outcome.positions {
			results = append(results, NettingResult{
				ResultID:          "NET_" + uuid.New().String(),
				WindowID:          windowID,
				BankA:             p.BankA,
				BankB:             p.BankB,
				Currency:          p.Currency,
				GrossAToB:         p.GrossAToB,
				GrossBToA:         p.GrossBToA,
				NetAmount:         p.NetAmount,
				NetPayer:          p.NetPayer,
				ObligationsNetted: outcome.pairCounts[pairKey(p.BankA, p.BankB)],
				NettingEfficiency: outcome.efficiency,
				CreatedAt:         now,
			})
		}
	}

	grossJSON, err := json.Marshal(grossByCurrency)
	if err != nil {
		return nil, "", "", 0, fmt.Errorf("failed to marshal gross aggregates: %w", err)
	}
	netJSON, err := json.Marshal(netByCurrency)
	if err != nil {
		return nil, "", "", 0, fmt.Errorf("failed to marshal net aggregates: %w", err)
	}

	return results, string(grossJSON), string(netJSON), netting.Efficiency(totalGross, totalNet), nil
}

// persistWithRetry writes window completion with bounded exponential backoff.
// Only storage errors are retried.
func (s *Service) persistWithRetry(window *ClearingWindow, results []NettingResult) error {
	var err error
	delay := persistBaseDelay
	for attempt := 0; attempt < persistRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
			delay *= 2
		}
		if err = s.db.SaveWindowResults(window, results); err == nil {
			return nil
		}
		log.Warn().Err(err).
			Str("window_id", window.WindowID).
			Int("attempt", attempt+1).
			Msg("persistence attempt failed")
	}
	return fmt.Errorf("failed to persist window results after %d attempts: %w", persistRetries, err)
}

// GetWindowStatus retrieves the status view of a window
func (s *Service) GetWindowStatus(windowID string) (*types.WindowResponse, error) {
	window, err := s.db.GetWindow(windowID)
	if err != nil {
		return nil, err
	}
	return windowResponse(window)
}

// GetWindowResults retrieves the netting results of a window
func (s *Service) GetWindowResults(windowID string) ([]types.NettingResultResponse, error) {
	results, err := s.db.GetWindowResults(windowID)
	if err != nil {
		return nil, err
	}
	return resultResponses(results), nil
}

// GetRecentResults retrieves the most recent netting results across windows
func (s *Service) GetRecentResults(limit int) ([]types.NettingResultResponse, error) {
	results, err := s.db.GetRecentResults(limit)
	if err != nil {
		return nil, err
	}
	return resultResponses(results), nil
}

// GetDB exposes the database layer for the background processor
func (s *Service) GetDB() *Database {
	return s.db
}

func groupByCurrency(obligations []types.Obligation) map[string][]types.Obligation {
	byCurrency := make(map[string][]types.Obligation)
	for _, ob := range obligations {
		byCurrency[ob.Currency] = append(byCurrency[ob.Currency], ob)
	}
	return byCurrency
}

func pairKey(bankA, bankB string) string {
	if bankA > bankB {
		bankA, bankB = bankB, bankA
	}
	return bankA + "|" + bankB
}

func windowResponse(window *ClearingWindow) (*types.WindowResponse, error) {
	resp := &types.WindowResponse{
		WindowID:          window.WindowID,
		Status:            window.Status,
		ScheduledStart:    window.ScheduledStart,
		ScheduledEnd:      window.ScheduledEnd,
		CutoffTime:        window.CutoffTime,
		ObligationsCount:  window.ObligationsCount,
		NettingEfficiency: window.NettingEfficiency,
		UpdatedAt:         window.UpdatedAt,
	}
	if window.GrossByCurrency != "" {
		if err := json.Unmarshal([]byte(window.GrossByCurrency), &resp.GrossByCurrency); err != nil {
			return nil, fmt.Errorf("failed to decode gross aggregates: %w", err)
		}
	}
	if window.NetByCurrency != "" {
		if err := json.Unmarshal([]byte(window.NetByCurrency), &resp.NetByCurrency); err != nil {
			return nil, fmt.Errorf("failed to decode net aggregates: %w", err)
		}
	}
	return resp, nil
}

func resultResponses(results []NettingResult) []types.NettingResultResponse {
	responses := make([]types.NettingResultResponse, 0, len(results))
	for _, r := range results {
		responses = append(responses, types.NettingResultResponse{
			ResultID:          r.ResultID,
			WindowID:          r.WindowID,
			BankA:             r.BankA,
			BankB:             r.BankB,
			Currency:          r.Currency,
			GrossAToB:         r.GrossAToB,
			GrossBToA:         r.GrossBToA,
			NetAmount:         r.NetAmount,
			NetPayer:          r.NetPayer,
			ObligationsNetted: r.ObligationsNetted,
			CreatedAt:         r.CreatedAt,
		})
	}
	return responses
}

// GinHandlers contains HTTP handlers for clearing window endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for clearing endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// ProcessWindowHandler handles internal POST requests to process a window
// past its cutoff
func (h *GinHandlers) ProcessWindowHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		windowID := c.Param("window_id")

		windowResponse, err := h.service.ProcessWindow(c.Request.Context(), windowID)
		switch {
		case errors.Is(err, ErrWindowAlreadyCompleted),
			errors.Is(err, ErrWindowAlreadyProcessing),
			errors.Is(err, ErrWindowNotOpen):
			response.Conflict(c, err.Error())
		default:
			response.Handle(c, windowResponse, err)
		}
	}
}

// GetWindowHandler handles GET requests for a window's status
func (h *GinHandlers) GetWindowHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		windowID := c.Param("window_id")

		windowResponse, err := h.service.GetWindowStatus(windowID)
		response.Handle(c, windowResponse, err)
	}
}

// GetWindowResultsHandler handles GET requests for a window's netting results
func (h *GinHandlers) GetWindowResultsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		windowID := c.Param("window_id")

		results, err := h.service.GetWindowResults(windowID)
		response.Handle(c, results, err)
	}
}

// GetRecentResultsHandler handles GET requests for recent netting results
func (h *GinHandlers) GetRecentResultsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		results, err := h.service.GetRecentResults(50)
		response.Handle(c, results, err)
	}
}
