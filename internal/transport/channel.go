package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

var (
	// ErrChannelClosed is reported for sends on, and acknowledgements pending on, a closed channel.
	ErrChannelClosed = errors.New("transport: channel closed")
	// ErrAckTimeout is reported when an acknowledgement does not arrive in time.
	ErrAckTimeout = errors.New("transport: acknowledgement timed out")
)

// Handler receives the raw payload of one inbound event.
// Handlers of a channel run one at a time, in arrival order.
type Handler func(payload json.RawMessage)

// AckFunc receives the acknowledgement payload, or err when none will arrive.
type AckFunc func(payload json.RawMessage, err error)

// Channel is one live duplex connection to the game server.
type Channel interface {
	ID() string
	Emit(ctx context.Context, event string, payload any) error
	EmitWithAck(ctx context.Context, event string, payload any, ack AckFunc) error
	// On registers handler for event and returns the matching deregistration.
	On(event string, handler Handler) (off func())
	ListenerCount(event string) int
	// Done is closed once the channel is unusable, whether dropped or closed locally.
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Dialer opens channels.
type Dialer interface {
	Dial(ctx context.Context, url string) (Channel, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string) (Channel, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, url string) (Channel, error) {
	return f(ctx, url)
}

// Registry holds the event listeners of one channel.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]registration
	nextID   int64
}

type registration struct {
	id      int64
	handler Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string][]registration)}
}

// On adds handler for event. The returned off is idempotent.
func (r *Registry) On(event string, handler Handler) func() {
	if handler == nil {
		return func() {}
	}
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.handlers[event] = append(r.handlers[event], registration{id: id, handler: handler})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.remove(event, id)
		})
	}
}

// Dispatch calls every handler registered for event at the time of the call.
func (r *Registry) Dispatch(event string, payload json.RawMessage) int {
	r.mu.RLock()
	registered := r.handlers[event]
	handlers := make([]Handler, 0, len(registered))
	for _, reg := range registered {
		handlers = append(handlers, reg.handler)
	}
	r.mu.RUnlock()

	for _, handler := range handlers {
		handler(payload)
	}
	return len(handlers)
}

// Count reports how many handlers are registered for event.
func (r *Registry) Count(event string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[event])
}

// Clear drops every handler.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.handlers)
}

func (r *Registry) remove(event string, id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	registered := r.handlers[event]
	for index, reg := range registered {
		if reg.id == id {
			registered = append(registered[:index:index], registered[index+1:]...)
			break
		}
	}
	if len(registered) == 0 {
		delete(r.handlers, event)
		return
	}
	r.handlers[event] = registered
}
