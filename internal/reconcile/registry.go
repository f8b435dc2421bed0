package reconcile

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rangekeeperhq/rangekeeper/internal/domain"
)

// Handler processes one ledger event. Handlers must be idempotent: the stream
// delivers at-least-once and the registry never deduplicates.
type Handler func(ctx context.Context, ev domain.LedgerEvent) error

// Registry routes decoded ledger events to the handlers registered for their
// kind. Handlers for the same kind run in registration order; a handler error
// is logged and does not stop the remaining handlers. The stream must keep
// flowing no matter what an individual handler does.
type Registry struct {
	mu       sync.RWMutex
	handlers map[domain.EventKind][]Handler
	logger   *slog.Logger
}

// NewRegistry creates an empty event registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		handlers: make(map[domain.EventKind][]Handler),
		logger:   logger.With(slog.String("component", "event_registry")),
	}
}

// Register adds a handler for the given event kind.
func (r *Registry) Register(kind domain.EventKind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = append(r.handlers[kind], h)
}

// Dispatch invokes every handler registered for the event's kind. Satisfies
// feed.EventHandler.
func (r *Registry) Dispatch(ctx context.Context, ev domain.LedgerEvent) {
	r.mu.RLock()
	handlers := r.handlers[ev.Kind]
	r.mu.RUnlock()

	if len(handlers) == 0 {
		r.logger.DebugContext(ctx, "no handler for event kind",
			slog.String("kind", string(ev.Kind)),
			slog.String("event_id", ev.ID))
		return
	}

	for _, h := range handlers {
		if err := h(ctx, ev); err != nil {
			r.logger.ErrorContext(ctx, "event handler failed",
				slog.String("kind", string(ev.Kind)),
				slog.String("event_id", ev.ID),
				slog.String("position_id", ev.PositionID),
				slog.String("error", err.Error()))
		}
	}
}
