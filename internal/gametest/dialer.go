package gametest

import (
	"context"
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/clienterr"
	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/transport"
)

// ErrRefused is the default scripted dial failure.
var ErrRefused = errors.New("gametest: connection refused")

// Dialer hands out in-memory channels and can be scripted to fail or stall.
type Dialer struct {
	mu        sync.Mutex
	calls     int
	failNext  int
	failAll   bool
	failErr   error
	gate      chan struct{}
	channels  []*Channel
	onChannel func(*Channel)
	dialed    chan struct{}
}

// NewDialer returns a dialer whose dials succeed.
func NewDialer() *Dialer {
	return &Dialer{dialed: make(chan struct{}, 64)}
}

// Dial records the call and returns a fresh channel unless scripted otherwise.
func (d *Dialer) Dial(ctx context.Context, _ string) (transport.Channel, error) {
	d.mu.Lock()
	d.calls++
	gate := d.gate
	d.mu.Unlock()
	select {
	case d.dialed <- struct{}{}:
	default:
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, clienterr.Transport("gametest.dial", "canceled", ctx.Err())
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failAll || d.failNext > 0 {
		if d.failNext > 0 {
			d.failNext--
		}
		err := d.failErr
		if err == nil {
			err = ErrRefused
		}
		return nil, clienterr.Transport("gametest.dial", "failed", err)
	}
	ch := NewChannel()
	if d.onChannel != nil {
		d.onChannel(ch)
	}
	d.channels = append(d.channels, ch)
	return ch, nil
}

// FailNext makes the next n dials fail.
func (d *Dialer) FailNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext = n
}

// FailAlways makes every dial fail until Recover.
func (d *Dialer) FailAlways(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failAll = true
	d.failErr = err
}

// Recover clears scripted failures.
func (d *Dialer) Recover() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failAll = false
	d.failNext = 0
	d.failErr = nil
}

// Hold makes dials wait until the returned release is called.
func (d *Dialer) Hold() (release func()) {
	gate := make(chan struct{})
	d.mu.Lock()
	d.gate = gate
	d.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			d.gate = nil
			d.mu.Unlock()
			close(gate)
		})
	}
}

// OnChannel runs fn on every channel before it is returned from Dial.
func (d *Dialer) OnChannel(fn func(*Channel)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onChannel = fn
}

// Dialed signals each Dial call.
func (d *Dialer) Dialed() <-chan struct{} {
	return d.dialed
}

// Calls reports how many dials were attempted.
func (d *Dialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// Channels returns every channel handed out, oldest first.
func (d *Dialer) Channels() []*Channel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Channel(nil), d.channels...)
}

// Last returns the newest channel, or nil.
func (d *Dialer) Last() *Channel {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.channels) == 0 {
		return nil
	}
	return d.channels[len(d.channels)-1]
}
