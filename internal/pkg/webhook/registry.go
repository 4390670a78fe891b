package webhook

import (
	"context"
	"sync"

	"github.com/kutay-ship-it/capsulenote-sub006/app/models"
)

// Handler applies one webhook event to local state. Returned errors are
// classified to decide between retry and failure.
type Handler func(ctx context.Context, event models.WebhookEvent) error

// HandlerRegistry routes events by type.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]Handler)}
}

func (r *HandlerRegistry) Register(eventType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventType] = h
}

func (r *HandlerRegistry) Lookup(eventType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[eventType]
	return h, ok
}

// Types lists the registered event types.
func (r *HandlerRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}
