// Package roomsession owns everything a client needs while it is in one room: the
// connection, the join handshake, the game view and the action dispatcher.
//
// A Session is created with Open and disposed with Leave or Close. Listeners for a
// channel live in a transport.Scope that is released when the channel goes away, so
// no handler outlives the connection it was registered on.
package roomsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/actions"
	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/connection"
	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/feed"
	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/game"
	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/join"
	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/notice"
	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/sessionstore"
	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/transport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	opOpen   = "roomsession.open"
	opJoin   = "roomsession.join"
	opRejoin = "roomsession.rejoin"
)

var (
	errMissingDialer = errors.New("dialer is required")
	errMissingURL    = errors.New("server url is required")

	// ErrNoResumableSession means the store holds no identity for the requested room.
	ErrNoResumableSession = errors.New("roomsession: no resumable session")
	// ErrActionNotPermitted means the current permissions forbid the intent.
	ErrActionNotPermitted = errors.New("roomsession: action not permitted")
	// ErrSessionClosed is returned by every call after Close.
	ErrSessionClosed = errors.New("roomsession: closed")
)

var reloadNotice = notice.Notice{
	Severity: notice.SeverityReload,
	Title:    "Connection Lost",
	Message:  "Unable to reconnect after multiple attempts. Please reload to try again.",
}

// Config configures a Session.
type Config struct {
	URL    string
	Dialer transport.Dialer
	// Store defaults to an in-memory store.
	Store sessionstore.Store

	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	DialTimeout time.Duration

	JoinTimeout     time.Duration
	MaxJoinFailures int
	IDProvider      join.IDProvider

	Logger *zap.Logger
	Clock  func() time.Time
}

// Session is the room-session context.
type Session struct {
	logger      *zap.Logger
	store       sessionstore.Store
	supervisor  *connection.Supervisor
	coordinator *join.Coordinator
	reducer     *game.Reducer
	dispatcher  *actions.Dispatcher
	events      *feed.Feed[Event]

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu       sync.Mutex
	status   Status
	identity sessionstore.Identity
	scope    *transport.Scope
	closed   bool

	closeOnce sync.Once
	closeErr  error
}

type participantCount struct {
	Count int `json:"count"`
}

// Open builds the session components and starts following the connection.
// Nothing is dialed until Join or Resume.
func Open(cfg Config) (*Session, error) {
	if cfg.Dialer == nil {
		return nil, fmt.Errorf("%s: %w", opOpen, errMissingDialer)
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("%s: %w", opOpen, errMissingURL)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	store := cfg.Store
	if store == nil {
		store = sessionstore.NewMemoryStore()
	}

	supervisor, err := connection.NewSupervisor(connection.Config{
		Dialer:      cfg.Dialer,
		URL:         cfg.URL,
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
		MaxAttempts: cfg.MaxAttempts,
		DialTimeout: cfg.DialTimeout,
		Logger:      logger.Named("connection"),
		Clock:       cfg.Clock,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", opOpen, err)
	}

	session := &Session{
		logger:     logger,
		store:      store,
		supervisor: supervisor,
		reducer:    game.NewReducer(game.ReducerConfig{Logger: logger.Named("game")}),
		events:     feed.New[Event](0),
		status: Status{
			State:       connection.Disconnected,
			MaxAttempts: supervisor.MaxAttempts(),
		},
	}

	session.coordinator, err = join.NewCoordinator(join.Config{
		Connector:   supervisor,
		Store:       store,
		IDProvider:  cfg.IDProvider,
		Timeout:     cfg.JoinTimeout,
		MaxFailures: cfg.MaxJoinFailures,
		Logger:      logger.Named("join"),
		Clock:       cfg.Clock,
		OnJoined:    session.joined,
	})
	if err != nil {
		supervisor.Close()
		session.reducer.Close()
		return nil, fmt.Errorf("%s: %w", opOpen, err)
	}

	session.dispatcher, err = actions.NewDispatcher(actions.Config{
		Channels: supervisor,
		Notices:  notice.SinkFunc(session.publishNotice),
		Logger:   logger.Named("actions"),
	})
	if err != nil {
		supervisor.Close()
		session.reducer.Close()
		return nil, fmt.Errorf("%s: %w", opOpen, err)
	}

	session.ctx, session.cancel = context.WithCancel(context.Background())
	changes, _ := supervisor.Subscribe(session.ctx)
	views, _ := session.reducer.Subscribe(session.ctx)
	session.group = &errgroup.Group{}
	session.group.Go(func() error {
		session.followConnection(changes)
		return nil
	})
	session.group.Go(func() error {
		session.forwardViews(views)
		return nil
	})
	return session, nil
}

// Join connects if needed and joins identity's room. A failed initial connect is
// returned to the caller without retry.
func (s *Session) Join(ctx context.Context, identity sessionstore.Identity, opts join.Options) (join.Outcome, error) {
	if s.isClosed() {
		return join.Outcome{}, ErrSessionClosed
	}
	identity, err := sessionstore.NewIdentity(identity.UserID, identity.RoomCode)
	if err != nil {
		return join.Outcome{}, err
	}
	channel, err := s.supervisor.Connect(ctx)
	if err != nil {
		s.logError(opJoin, "connect_failed", err, zap.String("room_code", identity.RoomCode))
		return join.Outcome{}, err
	}
	s.attach(channel)
	s.dispatcher.SetUser(identity.UserID)
	s.reducer.SetLocalUser(identity.UserID)

	outcome, err := s.coordinator.JoinRoom(ctx, identity, opts)
	if err != nil {
		return outcome, err
	}
	if err := s.dispatcher.RequestSnapshot(ctx); err != nil {
		s.logger.Warn("snapshot request failed", zap.Error(err))
	}
	return outcome, nil
}

// Resume rejoins the room recorded in the session store. It fails with
// ErrNoResumableSession when the store has no identity for roomCode.
func (s *Session) Resume(ctx context.Context, roomCode string) (join.Outcome, error) {
	identity, ok, err := s.store.Load(ctx)
	if err != nil {
		return join.Outcome{}, err
	}
	if !ok || identity.RoomCode != strings.TrimSpace(roomCode) {
		return join.Outcome{}, ErrNoResumableSession
	}
	return s.Join(ctx, identity, join.Options{})
}

// Reload is the manual recovery after reconnection is exhausted: it drops the
// connection and the held snapshot, forgets the join budget and joins the last
// known room again.
func (s *Session) Reload(ctx context.Context) (join.Outcome, error) {
	if s.isClosed() {
		return join.Outcome{}, ErrSessionClosed
	}
	identity := s.Identity()
	if identity.IsZero() {
		stored, ok, err := s.store.Load(ctx)
		if err != nil {
			return join.Outcome{}, err
		}
		if !ok {
			return join.Outcome{}, ErrNoResumableSession
		}
		identity = stored
	}
	s.supervisor.Disconnect()
	s.coordinator.Reset()
	s.reducer.Reset()
	return s.Join(ctx, identity, join.Options{})
}

// Leave forgets the stored identity and closes the session.
func (s *Session) Leave(ctx context.Context) error {
	err := s.store.Clear(ctx)
	s.coordinator.Reset()
	s.reducer.Reset()
	return multierr.Append(err, s.Close())
}

// Close cancels pending joins and timers, releases every listener and disconnects.
// Safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		scope := s.scope
		s.scope = nil
		s.mu.Unlock()

		s.cancel()
		s.coordinator.Close()
		var err error
		if scope != nil {
			err = scope.Close()
		}
		s.supervisor.Close()
		s.reducer.Close()
		err = multierr.Append(err, s.group.Wait())
		s.events.Close()
		s.closeErr = err
		s.logger.Info("room session closed")
	})
	return s.closeErr
}

// Status returns the connection-status indicator.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// View returns the latest game view.
func (s *Session) View() game.View {
	return s.reducer.Current()
}

// Identity returns the identity of the last successful join, zero before one.
func (s *Session) Identity() sessionstore.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Events streams status changes, views and notices in order.
func (s *Session) Events(ctx context.Context) (<-chan Event, func()) {
	return s.events.Subscribe(ctx)
}

// RequestSnapshot asks the server to push the current snapshot.
func (s *Session) RequestSnapshot(ctx context.Context) error {
	return s.dispatcher.RequestSnapshot(ctx)
}

func (s *Session) AddGift(ctx context.Context, giftName string) error {
	if err := s.permit(game.IntentAddGift); err != nil {
		return err
	}
	return s.dispatcher.AddGift(ctx, giftName)
}

func (s *Session) CheckIn(ctx context.Context) error {
	if err := s.permit(game.IntentCheckIn); err != nil {
		return err
	}
	return s.dispatcher.CheckIn(ctx)
}

func (s *Session) StartChecking(ctx context.Context) error {
	if err := s.permit(game.IntentStartChecking); err != nil {
		return err
	}
	return s.dispatcher.StartChecking(ctx)
}

func (s *Session) StartGame(ctx context.Context) error {
	if err := s.permit(game.IntentStartGame); err != nil {
		return err
	}
	return s.dispatcher.StartGame(ctx)
}

func (s *Session) PickGift(ctx context.Context, giftID int64) error {
	if err := s.permit(game.IntentPickGift); err != nil {
		return err
	}
	return s.dispatcher.PickGift(ctx, giftID)
}

func (s *Session) StealGift(ctx context.Context, giftID int64) error {
	if err := s.permit(game.IntentStealGift); err != nil {
		return err
	}
	return s.dispatcher.StealGift(ctx, giftID)
}

func (s *Session) permit(intent game.Intent) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	if !s.reducer.Current().Permissions.Allows(intent) {
		return fmt.Errorf("%w: %s", ErrActionNotPermitted, intent)
	}
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// attach gives channel a fresh listener scope, releasing the previous one.
// Calling it again for the same channel is a no-op.
func (s *Session) attach(channel transport.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.scope != nil {
		if s.scope.Channel() == channel && !s.scope.Closed() {
			return
		}
		s.releaseLocked()
	}
	scope := transport.NewScope(channel)
	s.reducer.Attach(scope)
	scope.On(transport.EventParticipantCount, s.handleParticipantCount)
	s.scope = scope
	s.logger.Debug("listeners attached", zap.String("channel_id", channel.ID()))
}

func (s *Session) releaseLocked() {
	if s.scope == nil {
		return
	}
	if err := s.scope.Close(); err != nil {
		s.logger.Warn("listener release failed", zap.Error(err))
	}
	s.scope = nil
}

func (s *Session) handleParticipantCount(payload json.RawMessage) {
	var update participantCount
	if err := json.Unmarshal(payload, &update); err != nil {
		s.logger.Warn("discarding malformed participant count", zap.Error(err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.ParticipantCount = update.Count
	s.publishStatusLocked()
}

func (s *Session) followConnection(changes <-chan connection.StateChange) {
	for change := range changes {
		s.applyChange(change)
	}
}

func (s *Session) applyChange(change connection.StateChange) {
	s.mu.Lock()
	s.status.State = change.To
	s.status.Attempt = change.Attempt
	s.status.MaxAttempts = change.MaxAttempts
	s.status.ReloadRequired = change.To == connection.Failed
	// Changes are applied after the fact, so a stale one must not detach a live channel.
	if s.scope != nil && s.scope.Channel() != s.supervisor.Channel() {
		s.status.Joined = false
		s.releaseLocked()
	}
	identity := s.identity
	closed := s.closed
	s.publishStatusLocked()
	s.mu.Unlock()

	if closed {
		return
	}
	switch change.To {
	case connection.Failed:
		s.publishNotice(reloadNotice)
	case connection.Connected:
		channel := s.supervisor.Channel()
		if channel == nil {
			return
		}
		s.attach(channel)
		if change.From == connection.Reconnecting && !identity.IsZero() {
			s.group.Go(func() error {
				s.rejoin(identity, channel)
				return nil
			})
		}
	}
}

// rejoin repeats the join handshake on a replacement channel, then asks for a
// fresh snapshot.
func (s *Session) rejoin(identity sessionstore.Identity, channel transport.Channel) {
	if s.coordinator.Joined(channel.ID()) {
		return
	}
	outcome, err := s.coordinator.JoinRoom(s.ctx, identity, join.Options{})
	if err != nil {
		if s.ctx.Err() == nil {
			s.logError(opRejoin, "join_failed", err, zap.String("room_code", identity.RoomCode))
		}
		return
	}
	s.logger.Info("rejoined room after reconnect",
		zap.String("room_code", identity.RoomCode),
		zap.String("request_id", outcome.RequestID),
		zap.Bool("reused", outcome.Reused))
	if err := s.dispatcher.RequestSnapshot(s.ctx); err != nil {
		s.logger.Warn("snapshot request failed", zap.Error(err))
	}
}

// joined runs when the coordinator records a successful join.
func (s *Session) joined(outcome join.Outcome) {
	identity := outcome.Identity
	s.dispatcher.SetUser(identity.UserID)
	s.reducer.SetLocalUser(identity.UserID)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = identity
	s.status.Joined = true
	s.status.RoomCode = identity.RoomCode
	s.publishStatusLocked()
}

func (s *Session) forwardViews(views <-chan game.View) {
	for view := range views {
		s.events.Publish(Event{Kind: EventView, View: view})
	}
}

func (s *Session) publishStatusLocked() {
	s.events.Publish(Event{Kind: EventStatus, Status: s.status})
}

func (s *Session) publishNotice(n notice.Notice) {
	if n.Severity == notice.SeverityReload {
		s.logger.Error("room session needs a reload", zap.String("title", n.Title))
	}
	s.events.Publish(Event{Kind: EventNotice, Notice: n})
}

func (s *Session) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("room session error", attrs...)
}
