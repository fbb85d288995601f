package bus

import (
	"sync"

	"github.com/toolshed/toolshed/pkg/logger"
)

// Subscription identifies one handler registration. Two subscribers to the
// same event name always get distinct subscriptions.
type Subscription struct {
	Event string
	id    uint64
}

type entry struct {
	id      uint64
	handler MessageHandler
}

// Registry fans typed events out to per-name handler lists.
type Registry struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[string][]entry
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string][]entry)}
}

func (r *Registry) On(event string, handler MessageHandler) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.handlers[event] = append(r.handlers[event], entry{id: r.nextID, handler: handler})
	return Subscription{Event: event, id: r.nextID}
}

// Off removes exactly one subscription. Unknown subscriptions are ignored.
func (r *Registry) Off(sub Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.handlers[sub.Event]
	for i, e := range list {
		if e.id == sub.id {
			next := make([]entry, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			if len(next) == 0 {
				delete(r.handlers, sub.Event)
			} else {
				r.handlers[sub.Event] = next
			}
			return
		}
	}
}

func (r *Registry) Count(event string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[event])
}

// Dispatch runs every handler for ev in subscription order. Handler errors
// are logged and do not stop delivery to later handlers.
func (r *Registry) Dispatch(ev Event) int {
	r.mu.RLock()
	list := r.handlers[ev.EventName()]
	r.mu.RUnlock()

	for _, e := range list {
		if err := e.handler(ev); err != nil {
			logger.WarnCF("bus", "Event handler failed", map[string]interface{}{
				"event": ev.EventName(),
				"error": err.Error(),
			})
		}
	}
	return len(list)
}
