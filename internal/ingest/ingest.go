package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/clearrail/netting-api/internal/events"
	"github.com/clearrail/netting-api/internal/types"
	"github.com/clearrail/netting-api/pkg/response"
)

// Service validates, deduplicates and windows incoming payment obligations.
// The upstream transport delivers at-least-once, so a redelivered obligation
// must be a no-op rather than a failure.
type Service struct {
	db         *Database
	currencies map[string]bool
}

// NewService creates a new ingest service accepting the given currency set
func NewService(gormDB *gorm.DB, currencies []string) *Service {
	allowed := make(map[string]bool, len(currencies))
	for _, c := range currencies {
		allowed[c] = true
	}
	return &Service{
		db:         NewDatabase(gormDB),
		currencies: allowed,
	}
}

// Ingest validates and records an obligation, assigning it to the currently
// open clearing window or buffering it for the next one. Redeliveries
// (matched by idempotency key or obligation ID) return the existing record.
func (s *Service) Ingest(req ObligationRequest) (*types.Obligation, error) {
	logger := log.With().
		Str("obligation_id", req.ObligationID).
		Str("idempotency_key", req.IdempotencyKey).
		Str("service", "ingest").
		Logger()

	if err := s.validate(req); err != nil {
		logger.Warn().Err(err).Msg("rejected obligation")
		return nil, err
	}

	// At-least-once dedup: a second delivery of the same obligation is
	// absorbed, not failed
	if existing, err := s.db.GetObligationByIdempotencyKey(req.IdempotencyKey); err == nil {
		logger.Debug().
			Str("existing_obligation_id", existing.ObligationID).
			Msg("absorbed duplicate delivery")
		return existing, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to check idempotency key: %w", err)
	}

	if req.ObligationID != "" {
		if existing, err := s.db.GetObligationByID(req.ObligationID); err == nil {
			logger.Debug().Msg("absorbed duplicate obligation id")
			return existing, nil
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("failed to check obligation id: %w", err)
		}
	}

	obligation := &types.Obligation{
		ObligationID:   req.ObligationID,
		IdempotencyKey: req.IdempotencyKey,
		DebtorBank:     req.DebtorBank,
		CreditorBank:   req.CreditorBank,
		Currency:       req.Currency,
		Amount:         req.Amount,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	if obligation.ObligationID == "" {
		obligation.ObligationID = "OBL_" + uuid.New().String()
	}

	return s.create(obligation, logger)
}

// create assigns the obligation to the open window or buffers it for the
// next one. An insert rejected by the unique indexes lost a race with a
// concurrent delivery of the same obligation that passed the dedup lookups
// at the same time; the winner's record is returned instead of an error.
func (s *Service) create(obligation *types.Obligation, logger zerolog.Logger) (*types.Obligation, error) {
	windowID, err := s.db.GetOpenWindowID()
	if err != nil {
		return nil, err
	}

	if windowID != "" {
		landed, err := s.db.CreateWindowedObligation(obligation, windowID)
		if err != nil {
			return s.absorbRacedDuplicate(obligation, err, logger)
		}
		if landed {
			logger.Info().
				Str("window_id", windowID).
				Str("currency", obligation.Currency).
				Str("amount", obligation.Amount.String()).
				Msg("obligation assigned to open window")
			return obligation, nil
		}
		// The window hit cutoff between lookup and write; fall through and
		// buffer for the next window — the obligation is never dropped
	}

	if err := s.db.CreateBufferedObligation(obligation); err != nil {
		return s.absorbRacedDuplicate(obligation, err, logger)
	}

	logger.Info().
		Str("currency", obligation.Currency).
		Str("amount", obligation.Amount.String()).
		Msg("obligation buffered for next window")
	return obligation, nil
}

// absorbRacedDuplicate resolves a failed insert against the existing record
// when the failure was a duplicate-key rejection; any other insert error is
// returned unchanged
func (s *Service) absorbRacedDuplicate(obligation *types.Obligation, insertErr error, logger zerolog.Logger) (*types.Obligation, error) {
	if !errors.Is(insertErr, gorm.ErrDuplicatedKey) {
		return nil, insertErr
	}

	existing, err := s.db.GetObligationByIdempotencyKey(obligation.IdempotencyKey)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		existing, err = s.db.GetObligationByID(obligation.ObligationID)
	}
	if err != nil {
		return nil, insertErr
	}

	logger.Debug().
		Str("existing_obligation_id", existing.ObligationID).
		Msg("absorbed concurrent duplicate delivery")
	return existing, nil
}

// HandleObligationCreated is the event boundary consumer for obligation
// creation events
func (s *Service) HandleObligationCreated(ctx context.Context, event events.ObligationCreated) error {
	_, err := s.Ingest(ObligationRequest{
		ObligationID:   event.ObligationID,
		DebtorBank:     event.DebtorBank,
		CreditorBank:   event.CreditorBank,
		Currency:       event.Currency,
		Amount:         event.Amount,
		IdempotencyKey: event.IdempotencyKey,
	})
	return err
}

// GetObligation retrieves an obligation by its ID
func (s *Service) GetObligation(obligationID string) (*types.Obligation, error) {
	return s.db.GetObligationByID(obligationID)
}

func (s *Service) validate(req ObligationRequest) error {
	if req.IdempotencyKey == "" {
		return fmt.Errorf("%w: idempotency key is required", ErrValidation)
	}
	if req.DebtorBank == "" || req.CreditorBank == "" {
		return fmt.Errorf("%w: debtor and creditor banks are required", ErrValidation)
	}
	if req.DebtorBank == req.CreditorBank {
		return fmt.Errorf("%w: debtor and creditor banks must differ", ErrValidation)
	}
	if !req.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if !s.currencies[req.Currency] {
		return fmt.Errorf("%w: unknown currency %s", ErrValidation, req.Currency)
	}
	return nil
}

// GinHandlers contains HTTP handlers for obligation ingest endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for ingest endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// IngestObligationHandler handles POST requests to ingest obligations
func (h *GinHandlers) IngestObligationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ObligationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		obligation, err := h.service.Ingest(req)
		if errors.Is(err, ErrValidation) {
			response.BadRequest(c, err.Error())
			return
		}
		response.Handle(c, obligation, err)
	}
}

// GetObligationHandler handles GET requests for a single obligation
func (h *GinHandlers) GetObligationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		obligationID := c.Param("obligation_id")

		obligation, err := h.service.GetObligation(obligationID)
		response.Handle(c, obligation, err)
	}
}
