package clearing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// The rail clears in four fixed daily UTC slots. Each slot's window collects
// obligations until its cutoff, which coincides with the slot end.
const (
	slotsPerDay  = 4
	slotDuration = 24 * time.Hour / slotsPerDay
)

// Processor drives the clearing window lifecycle in the background: it keeps
// the current slot's window open, processes windows past cutoff, and sweeps
// windows left stuck in PROCESSING by a crashed run back to OPEN.
type Processor struct {
	service      *Service
	tickInterval time.Duration
	stuckTimeout time.Duration
}

func NewProcessor(service *Service) *Processor {
	return &Processor{
		service:      service,
		tickInterval: 30 * time.Second,
		stuckTimeout: 10 * time.Minute,
	}
}

// Start begins the window processing loop
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "window_processor").Logger()
	logger.Info().Msg("starting window processor")

	ticker := time.NewTicker(p.tickInterval)
	defer ticker.Stop()

	p.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down window processor")
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Processor) tick(ctx context.Context) {
	logger := log.With().Str("component", "window_processor").Logger()

	if err := p.ensureCurrentWindow(); err != nil {
		logger.Error().Err(err).Msg("failed to ensure current clearing window")
	}
	if err := p.processDueWindows(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to process due windows")
	}
	if err := p.recoverStuckWindows(); err != nil {
		logger.Error().Err(err).Msg("failed to recover stuck windows")
	}
}

// CurrentSlotStart returns the UTC start of the clearing slot containing t
func CurrentSlotStart(t time.Time) time.Time {
	t = t.UTC()
	slot := t.Hour() / int(slotDuration.Hours())
	return time.Date(t.Year(), t.Month(), t.Day(), slot*int(slotDuration.Hours()), 0, 0, 0, time.UTC)
}

// ensureCurrentWindow opens the window for the current slot if it does not
// exist yet and sweeps in obligations buffered while no window was open
func (p *Processor) ensureCurrentWindow() error {
	logger := log.With().Str("component", "window_processor").Logger()

	start := CurrentSlotStart(time.Now())
	window, err := p.service.db.GetWindowForSlot(start)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		window = &ClearingWindow{
			WindowID:       "WIN_" + uuid.New().String(),
			ScheduledStart: start,
			ScheduledEnd:   start.Add(slotDuration),
			CutoffTime:     start.Add(slotDuration),
			Status:         StatusOpen,
			CreatedAt:      time.Now(),
			UpdatedAt:      time.Now(),
		}
		if err := p.service.db.CreateWindow(window); err != nil {
			return err
		}
		logger.Info().
			Str("window_id", window.WindowID).
			Time("scheduled_start", window.ScheduledStart).
			Time("cutoff_time", window.CutoffTime).
			Msg("opened clearing window")
	}

	if window.Status != StatusOpen {
		return nil
	}

	swept, err := p.service.db.SweepBufferedObligations(window.WindowID)
	if err != nil {
		return err
	}
	if swept > 0 {
		logger.Info().
			Str("window_id", window.WindowID).
			Int64("swept", swept).
			Msg("assigned buffered obligations to open window")
	}
	return nil
}

// processDueWindows runs the netting pipeline for every open window whose
// cutoff has passed
func (p *Processor) processDueWindows(ctx context.Context) error {
	logger := log.With().Str("component", "window_processor").Logger()

	windows, err := p.service.db.FindWindowsPastCutoff(time.Now().UTC())
	if err != nil {
		return err
	}

	for _, window := range windows {
		if _, err := p.service.ProcessWindow(ctx, window.WindowID); err != nil {
			// Algorithmic failures have already marked the window FAILED;
			// persistence failures leave it PROCESSING for recovery.
			// Either way the loop moves on to the next window.
			logger.Error().Err(err).
				Str("window_id", window.WindowID).
				Msg("window processing failed")
		}
	}
	return nil
}

// recoverStuckWindows rolls windows stuck in PROCESSING past the timeout back
// to OPEN so the cutoff sweep re-processes them. Their obligations are still
// WINDOWED because completion is a single transaction, so reprocessing cannot
// double count.
func (p *Processor) recoverStuckWindows() error {
	logger := log.With().Str("component", "window_processor").Logger()

	deadline := time.Now().UTC().Add(-p.stuckTimeout)
	windows, err := p.service.db.FindStuckProcessing(deadline)
	if err != nil {
		return err
	}

	for _, window := range windows {
		reopened, err := p.service.db.ReopenStuckWindow(window.WindowID)
		if err != nil {
			logger.Error().Err(err).
				Str("window_id", window.WindowID).
				Msg("failed to reopen stuck window")
			continue
		}
		if reopened {
			logger.Warn().
				Str("window_id", window.WindowID).
				Msg("recovered window stuck in processing")
		}
	}
	return nil
}
