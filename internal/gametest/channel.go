// Package gametest provides in-memory and networked stand-ins for the game server.
package gametest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/clienterr"
	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/transport"
	"github.com/google/uuid"
)

// AckResponder builds the acknowledgement body for an intent.
type AckResponder func(data json.RawMessage) any

// Channel is an in-memory transport.Channel. Tests drive inbound traffic with Deliver.
type Channel struct {
	id        string
	listeners *transport.Registry

	mu         sync.Mutex
	sent       []transport.Envelope
	responders map[string]AckResponder
	pending    map[uint64]transport.AckFunc
	nextAck    uint64
	emitErr    error
	err        error
	sentSignal chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// NewChannel returns an open in-memory channel.
func NewChannel() *Channel {
	return &Channel{
		id:         uuid.NewString(),
		listeners:  transport.NewRegistry(),
		responders: make(map[string]AckResponder),
		pending:    make(map[uint64]transport.AckFunc),
		sentSignal: make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

func (c *Channel) ID() string { return c.id }

func (c *Channel) Done() <-chan struct{} { return c.done }

func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Channel) On(event string, handler transport.Handler) func() {
	return c.listeners.On(event, handler)
}

func (c *Channel) ListenerCount(event string) int {
	return c.listeners.Count(event)
}

func (c *Channel) Emit(ctx context.Context, event string, payload any) error {
	_, err := c.record(event, payload, nil)
	return err
}

func (c *Channel) EmitWithAck(ctx context.Context, event string, payload any, ack transport.AckFunc) error {
	envelope, err := c.record(event, payload, ack)
	if err != nil {
		return err
	}
	c.mu.Lock()
	responder := c.responders[event]
	c.mu.Unlock()
	if responder != nil && ack != nil {
		reply := responder(envelope.Data)
		go c.Ack(envelope.Ack, reply)
	}
	return nil
}

// Close marks the channel closed locally.
func (c *Channel) Close() error {
	c.shutdown(clienterr.Transport("gametest.channel", "closed", transport.ErrChannelClosed))
	return nil
}

// Drop simulates the server going away.
func (c *Channel) Drop() {
	c.shutdown(clienterr.Transport("gametest.channel", "dropped", transport.ErrChannelClosed))
}

// Closed reports whether the channel was closed or dropped.
func (c *Channel) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Deliver dispatches an inbound event to the registered handlers on the calling goroutine.
func (c *Channel) Deliver(event string, payload any) int {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return c.listeners.Dispatch(event, data)
}

// RespondTo installs an automatic acknowledgement for event.
func (c *Channel) RespondTo(event string, responder AckResponder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responders[event] = responder
}

// FailEmits makes every later send fail with err.
func (c *Channel) FailEmits(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitErr = err
}

// Ack answers the acknowledgement with the given id.
func (c *Channel) Ack(id uint64, payload any) {
	c.mu.Lock()
	fn := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if fn == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	fn(data, nil)
}

// Sent returns the envelopes emitted for event, or every envelope when event is empty.
func (c *Channel) Sent(event string) []transport.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]transport.Envelope, 0, len(c.sent))
	for _, envelope := range c.sent {
		if event == "" || envelope.Event == event {
			out = append(out, envelope)
		}
	}
	return out
}

// WaitSent blocks until at least n envelopes for event were emitted.
func (c *Channel) WaitSent(t testing.TB, event string, n int, within time.Duration) []transport.Envelope {
	t.Helper()
	deadline := time.After(within)
	for {
		if sent := c.Sent(event); len(sent) >= n {
			return sent
		}
		select {
		case <-c.sentSignal:
		case <-deadline:
			t.Fatalf("timed out waiting for %d %q emits, have %d", n, event, len(c.Sent(event)))
			return nil
		}
	}
}

func (c *Channel) record(event string, payload any, ack transport.AckFunc) (transport.Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return transport.Envelope{}, c.err
	}
	if c.emitErr != nil {
		return transport.Envelope{}, c.emitErr
	}
	var id uint64
	if ack != nil {
		c.nextAck++
		id = c.nextAck
		c.pending[id] = ack
	}
	envelope, err := transport.NewEnvelope(event, payload, id)
	if err != nil {
		return transport.Envelope{}, err
	}
	c.sent = append(c.sent, envelope)
	select {
	case c.sentSignal <- struct{}{}:
	default:
	}
	return envelope, nil
}

func (c *Channel) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = cause
		pending := c.pending
		c.pending = make(map[uint64]transport.AckFunc)
		c.mu.Unlock()
		close(c.done)
		for _, fn := range pending {
			fn(nil, cause)
		}
	})
}

// Decode unmarshals an envelope payload into T, failing the test on error.
func Decode[T any](t testing.TB, envelope transport.Envelope) T {
	t.Helper()
	var value T
	if err := json.Unmarshal(envelope.Data, &value); err != nil {
		t.Fatalf("decode %s payload: %v", envelope.Event, err)
	}
	return value
}
