package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Bus is the in-process event boundary between the clearing core and its
// collaborators. It stands in for the external pub/sub transport: delivery to
// subscribers is synchronous and at-least-once (a handler error does not stop
// delivery to the remaining handlers, and the publisher may retry), so
// handlers must be idempotent.
type Bus struct {
	mu                   sync.RWMutex
	obligationHandlers   []ObligationHandler
	netPositionsHandlers []NetPositionsHandler
}

// NewBus creates an event bus with no subscribers
func NewBus() *Bus {
	return &Bus{}
}

// SubscribeObligationCreated registers a consumer for obligation events
func (b *Bus) SubscribeObligationCreated(h ObligationHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.obligationHandlers = append(b.obligationHandlers, h)
}

// SubscribeNetPositionsReady registers a consumer for net position events
func (b *Bus) SubscribeNetPositionsReady(h NetPositionsHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.netPositionsHandlers = append(b.netPositionsHandlers, h)
}

// PublishObligationCreated delivers an obligation event to every subscriber.
// The first handler error is returned so the transport can redeliver.
func (b *Bus) PublishObligationCreated(ctx context.Context, event ObligationCreated) error {
	b.mu.RLock()
	handlers := b.obligationHandlers
	b.mu.RUnlock()

	var firstErr error
	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			log.Error().Err(err).
				Str("obligation_id", event.ObligationID).
				Msg("obligation event handler failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// PublishNetPositionsReady delivers a net positions event to every subscriber
func (b *Bus) PublishNetPositionsReady(ctx context.Context, event NetPositionsReady) error {
	b.mu.RLock()
	handlers := b.netPositionsHandlers
	b.mu.RUnlock()

	var firstErr error
	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			log.Error().Err(err).
				Str("window_id", event.WindowID).
				Str("currency", event.Currency).
				Msg("net positions event handler failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
