package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/clienterr"
	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/feed"
	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/transport"
	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

const (
	opNew       = "connection.new"
	opConnect   = "connection.connect"
	opDial      = "connection.dial"
	opReconnect = "connection.reconnect"

	defaultBaseDelay   = time.Second
	defaultMaxDelay    = 10 * time.Second
	defaultMaxAttempts = 5
	defaultDialTimeout = 10 * time.Second
)

var (
	errMissingDialer = errors.New("dialer is required")
	errMissingURL    = errors.New("server url is required")

	// ErrDisconnected is reported to callers whose connect was abandoned by Disconnect.
	ErrDisconnected = errors.New("connection: disconnected")
	// ErrClosed is reported after Close.
	ErrClosed = errors.New("connection: supervisor closed")
)

// Config configures a Supervisor.
type Config struct {
	Dialer      transport.Dialer
	URL         string
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	DialTimeout time.Duration
	Logger      *zap.Logger
	Clock       func() time.Time
}

// Supervisor owns the channel: it is the only component that dials or closes it.
type Supervisor struct {
	dialer      transport.Dialer
	url         string
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	dialTimeout time.Duration
	logger      *zap.Logger
	clock       func() time.Time
	changes     *feed.Feed[StateChange]

	mu         sync.Mutex
	state      State
	channel    transport.Channel
	flight     *flight
	attempt    int
	lastErr    error
	generation uint64
	cancel     context.CancelFunc
	closed     bool
}

// flight is one Connecting or Reconnecting episode shared by every waiting caller.
type flight struct {
	done    chan struct{}
	once    sync.Once
	channel transport.Channel
	err     error
}

func newFlight() *flight {
	return &flight{done: make(chan struct{})}
}

func (f *flight) settle(channel transport.Channel, err error) {
	f.once.Do(func() {
		f.channel = channel
		f.err = err
		close(f.done)
	})
}

// NewSupervisor validates cfg and returns a Disconnected supervisor.
func NewSupervisor(cfg Config) (*Supervisor, error) {
	if cfg.Dialer == nil {
		return nil, fmt.Errorf("%s: %w", opNew, errMissingDialer)
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("%s: %w", opNew, errMissingURL)
	}

	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Supervisor{
		dialer:      cfg.Dialer,
		url:         cfg.URL,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		maxAttempts: maxAttempts,
		dialTimeout: dialTimeout,
		logger:      logger,
		clock:       clock,
		changes:     feed.New[StateChange](0),
		state:       Disconnected,
	}, nil
}

// Connect returns the live channel, dialing if needed. Callers arriving while an
// attempt is in flight wait on that attempt. Cancelling ctx abandons only the wait.
func (s *Supervisor) Connect(ctx context.Context) (transport.Channel, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, clienterr.Transport(opConnect, "closed", ErrClosed)
	}

	var pending *flight
	switch s.state {
	case Connected:
		channel := s.channel
		s.mu.Unlock()
		return channel, nil
	case Failed:
		err := s.lastErr
		s.mu.Unlock()
		return nil, err
	case Connecting, Reconnecting:
		pending = s.flight
	case Disconnected:
		pending = s.startConnecting()
	}
	s.mu.Unlock()

	select {
	case <-pending.done:
		return pending.channel, pending.err
	case <-ctx.Done():
		return nil, clienterr.Transport(opConnect, "canceled", ctx.Err())
	}
}

// Disconnect cancels pending dials and timers, closes the channel and moves to
// Disconnected. It is also the reset out of Failed. Safe to call repeatedly.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	s.generation++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	channel := s.channel
	s.channel = nil
	pending := s.flight
	s.flight = nil
	s.attempt = 0
	s.lastErr = nil
	if s.state != Disconnected {
		s.transition(Disconnected, StateChange{})
	}
	s.mu.Unlock()

	if pending != nil {
		pending.settle(nil, clienterr.Transport(opConnect, "disconnected", ErrDisconnected))
	}
	if channel != nil {
		if err := channel.Close(); err != nil {
			s.logger.Debug("channel close failed", zap.Error(err))
		}
	}
}

// Close disconnects and ends every subscription. The supervisor cannot be reused.
func (s *Supervisor) Close() {
	s.Disconnect()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.changes.Close()
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempt returns the reconnect attempt in progress, zero outside Reconnecting.
func (s *Supervisor) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// MaxAttempts returns the reconnect ceiling.
func (s *Supervisor) MaxAttempts() int {
	return s.maxAttempts
}

// Channel returns the live channel, or nil when not Connected.
func (s *Supervisor) Channel() transport.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connected {
		return nil
	}
	return s.channel
}

// Subscribe streams state changes in transition order. A subscriber that falls
// behind loses its oldest changes, never the latest one.
func (s *Supervisor) Subscribe(ctx context.Context) (<-chan StateChange, func()) {
	return s.changes.SubscribeLatest(ctx)
}

// startConnecting must be called with s.mu held.
func (s *Supervisor) startConnecting() *flight {
	s.generation++
	generation := s.generation
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	pending := newFlight()
	s.flight = pending
	s.transition(Connecting, StateChange{})
	go s.connectOnce(ctx, generation, pending)
	return pending
}

func (s *Supervisor) connectOnce(ctx context.Context, generation uint64, pending *flight) {
	channel, err := s.dial(ctx)

	s.mu.Lock()
	if generation != s.generation {
		s.mu.Unlock()
		s.discard(channel)
		return
	}
	if err != nil {
		s.flight = nil
		if s.cancel != nil {
			s.cancel()
			s.cancel = nil
		}
		s.transition(Disconnected, StateChange{Err: err})
		s.mu.Unlock()
		s.logError(opConnect, "dial_failed", err)
		pending.settle(nil, err)
		return
	}
	s.flight = nil
	s.adopt(ctx, generation, channel)
	s.mu.Unlock()
	pending.settle(channel, nil)
}

// adopt must be called with s.mu held.
func (s *Supervisor) adopt(ctx context.Context, generation uint64, channel transport.Channel) {
	s.channel = channel
	s.attempt = 0
	s.lastErr = nil
	s.transition(Connected, StateChange{})
	go s.watch(ctx, generation, channel)
}

func (s *Supervisor) watch(ctx context.Context, generation uint64, channel transport.Channel) {
	select {
	case <-ctx.Done():
		return
	case <-channel.Done():
	}

	s.mu.Lock()
	if generation != s.generation || s.channel != channel {
		s.mu.Unlock()
		return
	}
	cause := channel.Err()
	s.channel = nil
	pending := newFlight()
	s.flight = pending
	s.attempt = 0
	s.transition(Reconnecting, StateChange{Err: cause})
	s.mu.Unlock()

	s.logger.Warn("connection dropped", zap.Error(cause))
	s.reconnect(ctx, generation, pending, cause)
}

func (s *Supervisor) reconnect(ctx context.Context, generation uint64, pending *flight, cause error) {
	schedule := s.newSchedule()
	lastErr := cause

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		delay := min(schedule.NextBackOff(), s.maxDelay)

		s.mu.Lock()
		if generation != s.generation {
			s.mu.Unlock()
			return
		}
		s.attempt = attempt
		s.transition(Reconnecting, StateChange{Attempt: attempt, Delay: delay})
		s.mu.Unlock()

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		channel, err := s.dial(ctx)
		s.mu.Lock()
		if generation != s.generation {
			s.mu.Unlock()
			s.discard(channel)
			return
		}
		if err == nil {
			s.flight = nil
			s.adopt(ctx, generation, channel)
			s.mu.Unlock()
			s.logger.Info("reconnected", zap.Int("attempt", attempt))
			pending.settle(channel, nil)
			return
		}
		s.mu.Unlock()
		lastErr = err
		s.logger.Warn("reconnect attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", s.maxAttempts),
			zap.Error(err))
	}

	exhausted := clienterr.Exhaustion(opReconnect, s.maxAttempts, lastErr)
	s.mu.Lock()
	if generation != s.generation {
		s.mu.Unlock()
		return
	}
	s.flight = nil
	s.lastErr = exhausted
	s.transition(Failed, StateChange{Attempt: s.maxAttempts, Err: exhausted})
	s.mu.Unlock()
	s.logError(opReconnect, "exhausted", lastErr, zap.Int("attempts", s.maxAttempts))
	pending.settle(nil, exhausted)
}

func (s *Supervisor) newSchedule() *backoff.ExponentialBackOff {
	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = s.baseDelay
	schedule.Multiplier = 2
	schedule.MaxInterval = s.maxDelay
	schedule.RandomizationFactor = 0
	schedule.Reset()
	return schedule
}

func (s *Supervisor) dial(ctx context.Context) (transport.Channel, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.dialTimeout)
	defer cancel()
	channel, err := s.dialer.Dial(dialCtx, s.url)
	if err != nil {
		if _, ok := clienterr.KindOf(err); !ok {
			err = clienterr.Transport(opDial, "failed", err)
		}
		return nil, err
	}
	return channel, nil
}

func (s *Supervisor) discard(channel transport.Channel) {
	if channel == nil {
		return
	}
	if err := channel.Close(); err != nil {
		s.logger.Debug("discarded channel close failed", zap.Error(err))
	}
}

// transition must be called with s.mu held so changes publish in order.
func (s *Supervisor) transition(to State, change StateChange) {
	change.From = s.state
	change.To = to
	change.MaxAttempts = s.maxAttempts
	change.At = s.clock()
	s.state = to
	s.changes.Publish(change)

	fields := []zap.Field{
		zap.String("from", change.From.String()),
		zap.String("to", to.String()),
	}
	if change.Attempt > 0 {
		fields = append(fields, zap.Int("attempt", change.Attempt), zap.Duration("delay", change.Delay))
	}
	s.logger.Info("connection state", fields...)
}

func (s *Supervisor) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("connection error", attrs...)
}
