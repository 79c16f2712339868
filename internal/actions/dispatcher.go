// Package actions sends user intents to the game server.
//
// Each call emits exactly one message and returns once it is written. The server's
// acknowledgement arrives later; a rejection becomes a transient notice and never
// touches the connection or the stored identity. State changes arrive only through
// snapshots.
package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/clienterr"
	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/game"
	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/notice"
	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/transport"
	"go.uber.org/zap"
)

const noResponseMessage = "No response from server"

var (
	errMissingChannels = errors.New("channel source is required")

	// ErrNotReady is returned, with nothing sent, when there is no live channel or local user.
	ErrNotReady = errors.New("actions: no live channel or local user")
)

// ChannelSource exposes the live channel, nil while not connected.
type ChannelSource interface {
	Channel() transport.Channel
}

// Config configures a Dispatcher.
type Config struct {
	Channels ChannelSource
	Notices  notice.Sink
	UserID   int64
	Logger   *zap.Logger
}

// Dispatcher emits intents on the live channel.
type Dispatcher struct {
	channels ChannelSource
	notices  notice.Sink
	logger   *zap.Logger

	mu     sync.Mutex
	userID int64
}

type intentSpec struct {
	intent   game.Intent
	event    string
	title    string
	fallback string
}

var (
	specAddGift       = intentSpec{game.IntentAddGift, transport.EventAddGift, "Add Gift Error", "Unable to add gift"}
	specCheckIn       = intentSpec{game.IntentCheckIn, transport.EventCheckIn, "Check-in Error", "Unable to check in"}
	specStartChecking = intentSpec{game.IntentStartChecking, transport.EventStartChecking, "Start Checking Error", "Unable to start checking"}
	specStartGame     = intentSpec{game.IntentStartGame, transport.EventStartGame, "Start Game Error", "Unable to start game"}
	specPickGift      = intentSpec{game.IntentPickGift, transport.EventPickGift, "Pick Gift Error", "Unable to pick gift"}
	specStealGift     = intentSpec{game.IntentStealGift, transport.EventStealGift, "Steal Gift Error", "Unable to steal gift"}
)

type userPayload struct {
	UserID int64 `json:"userId"`
}

type giftNamePayload struct {
	UserID   int64  `json:"userId"`
	GiftName string `json:"giftName"`
}

type giftPayload struct {
	UserID int64 `json:"userId"`
	GiftID int64 `json:"giftId"`
}

// NewDispatcher validates cfg.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if cfg.Channels == nil {
		return nil, fmt.Errorf("actions.new: %w", errMissingChannels)
	}
	notices := cfg.Notices
	if notices == nil {
		notices = notice.Discard
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		channels: cfg.Channels,
		notices:  notices,
		logger:   logger,
		userID:   cfg.UserID,
	}, nil
}

// SetUser sets the local user id sent with every intent.
func (d *Dispatcher) SetUser(userID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.userID = userID
}

func (d *Dispatcher) AddGift(ctx context.Context, giftName string) error {
	return d.send(ctx, specAddGift, func(userID int64) any {
		return giftNamePayload{UserID: userID, GiftName: giftName}
	})
}

func (d *Dispatcher) CheckIn(ctx context.Context) error {
	return d.send(ctx, specCheckIn, userOnly)
}

func (d *Dispatcher) StartChecking(ctx context.Context) error {
	return d.send(ctx, specStartChecking, userOnly)
}

func (d *Dispatcher) StartGame(ctx context.Context) error {
	return d.send(ctx, specStartGame, userOnly)
}

func (d *Dispatcher) PickGift(ctx context.Context, giftID int64) error {
	return d.send(ctx, specPickGift, func(userID int64) any {
		return giftPayload{UserID: userID, GiftID: giftID}
	})
}

func (d *Dispatcher) StealGift(ctx context.Context, giftID int64) error {
	return d.send(ctx, specStealGift, func(userID int64) any {
		return giftPayload{UserID: userID, GiftID: giftID}
	})
}

// RequestSnapshot asks the server to push the current snapshot.
func (d *Dispatcher) RequestSnapshot(ctx context.Context) error {
	channel, userID, err := d.ready()
	if err != nil {
		return err
	}
	return channel.Emit(ctx, transport.EventGetGameState, userPayload{UserID: userID})
}

func userOnly(userID int64) any {
	return userPayload{UserID: userID}
}

func (d *Dispatcher) ready() (transport.Channel, int64, error) {
	d.mu.Lock()
	userID := d.userID
	d.mu.Unlock()
	channel := d.channels.Channel()
	if channel == nil || userID == 0 {
		return nil, 0, ErrNotReady
	}
	return channel, userID, nil
}

func (d *Dispatcher) send(ctx context.Context, spec intentSpec, payload func(userID int64) any) error {
	channel, userID, err := d.ready()
	if err != nil {
		d.logger.Debug("intent dropped, not ready", zap.String("intent", string(spec.intent)))
		return err
	}
	err = channel.EmitWithAck(ctx, spec.event, payload(userID), func(ack json.RawMessage, ackErr error) {
		d.acknowledge(spec, ack, ackErr)
	})
	if err != nil {
		d.logger.Warn("intent send failed", zap.String("intent", string(spec.intent)), zap.Error(err))
		return err
	}
	return nil
}

func (d *Dispatcher) acknowledge(spec intentSpec, payload json.RawMessage, ackErr error) {
	if ackErr != nil {
		d.logger.Warn("intent not acknowledged",
			zap.String("intent", string(spec.intent)),
			zap.Error(ackErr))
		d.notify(spec, noResponseMessage)
		return
	}
	result, err := transport.DecodeAck(payload)
	if err != nil {
		d.logger.Warn("discarding malformed acknowledgement",
			zap.String("intent", string(spec.intent)),
			zap.Error(err))
		return
	}
	if !result.Failed() {
		return
	}
	rejection := clienterr.Protocol("actions."+string(spec.intent), result.Message, spec.fallback)
	d.logger.Info("intent rejected",
		zap.String("intent", string(spec.intent)),
		zap.String("code", clienterr.CodeOf(rejection)),
		zap.String("message", clienterr.MessageOf(rejection)))
	d.notify(spec, clienterr.MessageOf(rejection))
}

func (d *Dispatcher) notify(spec intentSpec, message string) {
	d.notices.Notify(notice.Notice{
		Severity: notice.SeverityTransient,
		Title:    spec.title,
		Message:  message,
		Action:   string(spec.intent),
	})
}
