// Package join performs the room-join handshake over the supervised channel.
//
// At most one attempt is pending per coordinator. A second call for the same
// identity waits on the pending attempt; a call for a different identity supersedes
// it. Replies arrive in send order on one channel, so every joinRoom that was sent
// and then abandoned (superseded, timed out, canceled) leaves one reply owed on its
// channel. Owed replies are consumed and dropped before a reply without a
// requestId is allowed to settle the live attempt.
package join

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/clienterr"
	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/sessionstore"
	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/transport"
	"go.uber.org/zap"
)

const (
	opNew  = "join.new"
	opJoin = "join"

	defaultTimeout     = 5 * time.Second
	defaultMaxFailures = 5
	defaultRejection   = "Failed to join room"
)

var (
	errMissingConnector = errors.New("connector is required")
	errMissingStore     = errors.New("session store is required")

	// ErrTimeout is wrapped by the error of a join that got no response in time.
	ErrTimeout = errors.New("join: no response from server")
	// ErrSuperseded is returned to callers of an attempt replaced by a join for another identity.
	ErrSuperseded = errors.New("join: superseded by a newer attempt")
	// ErrCanceled is returned when Cancel or caller cancellation ends an attempt.
	ErrCanceled = errors.New("join: canceled")
	// ErrChannelLost is wrapped when the channel drops before the response arrives.
	ErrChannelLost = errors.New("join: channel lost")
)

// Status is the lifecycle state of one attempt.
type Status int

const (
	Pending Status = iota
	Succeeded
	Failed
	TimedOut
	Superseded
	Canceled
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case TimedOut:
		return "timed_out"
	case Superseded:
		return "superseded"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Attempt describes one joinRoom request.
type Attempt struct {
	RequestID string
	Identity  sessionstore.Identity
	ChannelID string
	StartedAt time.Time
	Status    Status
}

// Outcome is the settled result of JoinRoom.
type Outcome struct {
	Attempt
	// Message is the server supplied reason on rejection.
	Message string
	// Reused is set when no new joinRoom was sent for this call.
	Reused bool
}

// Options adjusts one JoinRoom call.
type Options struct {
	// NewRoom marks a room created locally a moment ago. Such joins neither check
	// nor consume the failed-join budget.
	NewRoom bool
}

// Connector yields the live channel, dialing when needed.
type Connector interface {
	Connect(ctx context.Context) (transport.Channel, error)
}

// Config configures a Coordinator.
type Config struct {
	Connector   Connector
	Store       sessionstore.Store
	IDProvider  IDProvider
	Timeout     time.Duration
	MaxFailures int
	Logger      *zap.Logger
	Clock       func() time.Time
	// OnJoined runs after the identity is persisted and before JoinRoom returns.
	OnJoined func(Outcome)
}

// Coordinator serializes join attempts.
type Coordinator struct {
	connector   Connector
	store       sessionstore.Store
	idProvider  IDProvider
	timeout     time.Duration
	maxFailures int
	logger      *zap.Logger
	clock       func() time.Time
	onJoined    func(Outcome)

	mu       sync.Mutex
	pending  *pendingJoin
	joined   *Attempt
	failures int
	lastErr  error
	tracks   map[string]*channelTrack
}

// channelTrack owns the joinRoomResponse listener of one channel.
type channelTrack struct {
	channel transport.Channel
	off     func()
	owed    int
}

type pendingJoin struct {
	attempt Attempt
	newRoom bool
	channel transport.Channel
	track   *channelTrack
	timer   *time.Timer
	waiters int

	answered bool // a reply was matched to this attempt
	owing    bool // abandoned after sending; one reply is owed on track

	done    chan struct{}
	once    sync.Once
	outcome Outcome
	err     error
}

func (p *pendingJoin) settle(outcome Outcome, err error) {
	p.once.Do(func() {
		p.outcome = outcome
		p.err = err
		close(p.done)
	})
}

type joinRequest struct {
	UserID    int64  `json:"userId"`
	Code      string `json:"code"`
	RequestID string `json:"requestId"`
}

type joinResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// NewCoordinator validates cfg.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Connector == nil {
		return nil, fmt.Errorf("%s: %w", opNew, errMissingConnector)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("%s: %w", opNew, errMissingStore)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxFailures := cfg.MaxFailures
	if maxFailures <= 0 {
		maxFailures = defaultMaxFailures
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		connector:   cfg.Connector,
		store:       cfg.Store,
		idProvider:  idProvider,
		timeout:     timeout,
		maxFailures: maxFailures,
		logger:      logger,
		clock:       clock,
		onJoined:    cfg.OnJoined,
		tracks:      make(map[string]*channelTrack),
	}, nil
}

// JoinRoom joins identity's room on the live channel and waits for the outcome.
func (c *Coordinator) JoinRoom(ctx context.Context, identity sessionstore.Identity, opts Options) (Outcome, error) {
	validated, err := sessionstore.NewIdentity(identity.UserID, identity.RoomCode)
	if err != nil {
		return Outcome{}, err
	}
	channel, err := c.connector.Connect(ctx)
	if err != nil {
		return Outcome{}, err
	}

	c.mu.Lock()
	if existing := c.pending; existing != nil {
		if existing.attempt.Identity == validated && existing.channel == channel {
			existing.waiters++
			c.mu.Unlock()
			c.logger.Debug("join coalesced", zap.String("request_id", existing.attempt.RequestID))
			return c.wait(ctx, existing)
		}
		c.finishLocked(existing, Superseded)
		existing.settle(Outcome{Attempt: existing.attempt}, ErrSuperseded)
		c.logger.Info("join superseded",
			zap.String("request_id", existing.attempt.RequestID),
			zap.String("room_code", existing.attempt.Identity.RoomCode))
	}

	if joined := c.joined; joined != nil && joined.Identity == validated && joined.ChannelID == channel.ID() {
		outcome := Outcome{Attempt: *joined, Reused: true}
		c.mu.Unlock()
		return outcome, nil
	}

	if !opts.NewRoom && c.failures >= c.maxFailures {
		lastErr := c.lastErr
		c.mu.Unlock()
		return Outcome{}, clienterr.Exhaustion(opJoin, c.maxFailures, lastErr)
	}

	requestID, err := c.idProvider.NewID()
	if err != nil {
		c.mu.Unlock()
		c.logError("id_generation_failed", err)
		return Outcome{}, fmt.Errorf("%s: request id: %w", opJoin, err)
	}

	pending := &pendingJoin{
		attempt: Attempt{
			RequestID: requestID,
			Identity:  validated,
			ChannelID: channel.ID(),
			StartedAt: c.clock(),
			Status:    Pending,
		},
		newRoom: opts.NewRoom,
		channel: channel,
		waiters: 1,
		done:    make(chan struct{}),
	}
	pending.track = c.trackLocked(channel)
	pending.timer = time.AfterFunc(c.timeout, func() {
		c.expire(pending)
	})
	c.pending = pending
	c.mu.Unlock()

	request := joinRequest{UserID: validated.UserID, Code: validated.RoomCode, RequestID: requestID}
	if err := channel.Emit(ctx, transport.EventJoinRoom, request); err != nil {
		c.unsent(pending)
		c.abort(pending, "send_failed", err)
		return c.wait(ctx, pending)
	}
	c.logger.Debug("join sent",
		zap.String("request_id", requestID),
		zap.String("room_code", validated.RoomCode),
		zap.Bool("new_room", opts.NewRoom))
	return c.wait(ctx, pending)
}

// Cancel ends any pending attempt. Its callers get ErrCanceled.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	pending := c.pending
	if pending == nil {
		c.mu.Unlock()
		return
	}
	c.finishLocked(pending, Canceled)
	c.mu.Unlock()
	pending.settle(Outcome{Attempt: pending.attempt}, ErrCanceled)
}

// Reset forgets the joined record, the failed-join budget and the owed replies of
// every channel other than the pending attempt's.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joined = nil
	c.failures = 0
	c.lastErr = nil
	for _, track := range c.tracks {
		if c.pending == nil || c.pending.track != track {
			c.dropTrackLocked(track)
		}
	}
}

// Close cancels the pending attempt and releases every response listener.
func (c *Coordinator) Close() {
	c.Cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, track := range c.tracks {
		c.dropTrackLocked(track)
	}
}

// Owed returns how many replies on channelID belong to abandoned attempts.
func (c *Coordinator) Owed(channelID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if track, ok := c.tracks[channelID]; ok {
		return track.owed
	}
	return 0
}

// Joined reports whether the last successful join happened on channelID.
func (c *Coordinator) Joined(channelID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined != nil && c.joined.ChannelID == channelID
}

// Pending returns the pending attempt, if any.
func (c *Coordinator) Pending() (Attempt, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return Attempt{}, false
	}
	return c.pending.attempt, true
}

// Failures returns the number of failed joins counted against the budget.
func (c *Coordinator) Failures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

func (c *Coordinator) wait(ctx context.Context, pending *pendingJoin) (Outcome, error) {
	select {
	case <-pending.done:
		return pending.outcome, pending.err
	case <-pending.channel.Done():
		c.abort(pending, "channel_closed", clienterr.Transport(opJoin, "channel_closed", ErrChannelLost))
		<-pending.done
		return pending.outcome, pending.err
	case <-ctx.Done():
		c.mu.Lock()
		pending.waiters--
		if pending.waiters <= 0 && c.pending == pending {
			c.finishLocked(pending, Canceled)
			pending.settle(Outcome{Attempt: pending.attempt}, ErrCanceled)
		}
		attempt := pending.attempt
		c.mu.Unlock()
		return Outcome{Attempt: attempt}, clienterr.Transport(opJoin, "canceled", ctx.Err())
	}
}

func (c *Coordinator) handleResponse(track *channelTrack, payload json.RawMessage) {
	var response joinResponse
	if err := json.Unmarshal(payload, &response); err != nil {
		c.logger.Warn("discarding malformed join response", zap.Error(err))
		return
	}

	c.mu.Lock()
	if c.tracks[track.channel.ID()] != track {
		c.mu.Unlock()
		return
	}
	pending := c.pending
	if pending != nil && pending.track != track {
		pending = nil
	}
	matched := pending != nil && response.RequestID == pending.attempt.RequestID
	if !matched && (response.RequestID != "" || track.owed > 0 || pending == nil) {
		if track.owed > 0 {
			track.owed--
		}
		owed := track.owed
		c.releaseIfIdleLocked(track)
		c.mu.Unlock()
		c.logger.Debug("discarding join response for an abandoned attempt",
			zap.String("channel_id", track.channel.ID()),
			zap.String("response_request_id", response.RequestID),
			zap.Int("still_owed", owed))
		return
	}
	pending.answered = true
	if !response.Success {
		c.finishLocked(pending, Failed)
		err := clienterr.Protocol(opJoin, response.Message, defaultRejection)
		c.countFailureLocked(pending, err)
		c.mu.Unlock()
		c.logger.Warn("join rejected",
			zap.String("reason", "rejected"),
			zap.String("request_id", pending.attempt.RequestID),
			zap.String("room_code", pending.attempt.Identity.RoomCode),
			zap.String("message", clienterr.MessageOf(err)))
		pending.settle(Outcome{Attempt: pending.attempt, Message: clienterr.MessageOf(err)}, err)
		return
	}

	c.finishLocked(pending, Succeeded)
	joined := pending.attempt
	c.joined = &joined
	c.failures = 0
	c.lastErr = nil
	c.mu.Unlock()

	if err := c.store.Save(context.Background(), joined.Identity); err != nil {
		c.logError("identity_save_failed", err, zap.String("room_code", joined.Identity.RoomCode))
	}
	outcome := Outcome{Attempt: joined, Message: response.Message}
	c.logger.Info("joined room",
		zap.String("request_id", joined.RequestID),
		zap.String("room_code", joined.Identity.RoomCode),
		zap.Int64("user_id", joined.Identity.UserID))
	if c.onJoined != nil {
		c.onJoined(outcome)
	}
	pending.settle(outcome, nil)
}

func (c *Coordinator) expire(pending *pendingJoin) {
	c.mu.Lock()
	if c.pending != pending {
		c.mu.Unlock()
		return
	}
	c.finishLocked(pending, TimedOut)
	err := clienterr.Transport(opJoin, "timeout", ErrTimeout)
	c.countFailureLocked(pending, err)
	c.mu.Unlock()

	c.logger.Warn("join timed out",
		zap.String("reason", "timeout"),
		zap.String("request_id", pending.attempt.RequestID),
		zap.String("room_code", pending.attempt.Identity.RoomCode),
		zap.Duration("elapsed", c.clock().Sub(pending.attempt.StartedAt)))
	pending.settle(Outcome{Attempt: pending.attempt}, err)
}

func (c *Coordinator) abort(pending *pendingJoin, reason string, err error) {
	c.mu.Lock()
	if c.pending != pending {
		c.mu.Unlock()
		return
	}
	c.finishLocked(pending, Failed)
	outcome := Outcome{Attempt: pending.attempt}
	c.mu.Unlock()
	c.logError(reason, err, zap.String("request_id", outcome.RequestID))
	pending.settle(outcome, err)
}

// finishLocked ends the attempt. An attempt abandoned after its joinRoom went out
// leaves one reply owed on its channel. Must be called with c.mu held.
func (c *Coordinator) finishLocked(pending *pendingJoin, status Status) {
	pending.attempt.Status = status
	pending.timer.Stop()
	if c.pending == pending {
		c.pending = nil
	}
	switch status {
	case TimedOut, Superseded, Canceled:
		if !pending.answered && !pending.owing {
			pending.owing = true
			pending.track.owed++
		}
	}
	c.releaseIfIdleLocked(pending.track)
}

// unsent withdraws the reply owed by an attempt whose joinRoom never left.
func (c *Coordinator) unsent(pending *pendingJoin) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pending.owing {
		pending.owing = false
		if pending.track.owed > 0 {
			pending.track.owed--
		}
		c.releaseIfIdleLocked(pending.track)
	}
}

// trackLocked returns the listener of channel, registering it on first use.
// Tracks of closed channels are dropped on the way. Must be called with c.mu held.
func (c *Coordinator) trackLocked(channel transport.Channel) *channelTrack {
	for _, track := range c.tracks {
		if track.channel == channel {
			continue
		}
		select {
		case <-track.channel.Done():
			c.dropTrackLocked(track)
		default:
		}
	}
	if track, ok := c.tracks[channel.ID()]; ok && track.channel == channel {
		return track
	}
	track := &channelTrack{channel: channel}
	track.off = channel.On(transport.EventJoinRoomResponse, func(payload json.RawMessage) {
		c.handleResponse(track, payload)
	})
	c.tracks[channel.ID()] = track
	return track
}

// releaseIfIdleLocked removes the listener once nothing is pending or owed on it.
func (c *Coordinator) releaseIfIdleLocked(track *channelTrack) {
	if track.owed > 0 {
		return
	}
	if c.pending != nil && c.pending.track == track {
		return
	}
	c.dropTrackLocked(track)
}

func (c *Coordinator) dropTrackLocked(track *channelTrack) {
	if c.tracks[track.channel.ID()] == track {
		delete(c.tracks, track.channel.ID())
	}
	track.off()
}

func (c *Coordinator) countFailureLocked(pending *pendingJoin, err error) {
	if pending.newRoom {
		return
	}
	c.failures++
	c.lastErr = err
}

func (c *Coordinator) logError(reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", opJoin),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	c.logger.Error("join error", attrs...)
}
