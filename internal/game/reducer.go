package game

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/clienterr"
	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/feed"
	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/transport"
	"go.uber.org/zap"
)

const opApply = "game.apply"

// View pairs a snapshot with the permissions derived from it.
type View struct {
	Revision    uint64
	UserID      int64
	Snapshot    *Snapshot
	Permissions Permissions
}

// HasSnapshot reports whether any snapshot has been received.
func (v View) HasSnapshot() bool {
	return v.Snapshot != nil
}

// ReducerConfig configures a Reducer.
type ReducerConfig struct {
	UserID int64
	Logger *zap.Logger
}

// Reducer holds the latest successful snapshot. Every change produces a new View.
type Reducer struct {
	logger *zap.Logger
	views  *feed.Feed[View]

	mu       sync.Mutex
	userID   int64
	snapshot *Snapshot
	revision uint64
	current  View
}

// NewReducer returns a reducer with no snapshot.
func NewReducer(cfg ReducerConfig) *Reducer {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reducer{
		logger:  logger,
		views:   feed.New[View](0),
		userID:  cfg.UserID,
		current: View{UserID: cfg.UserID},
	}
}

// Attach listens for snapshot updates on the scope's channel until the scope closes.
func (r *Reducer) Attach(scope *transport.Scope) {
	scope.On(transport.EventGameStateUpdate, r.handle)
}

func (r *Reducer) handle(payload json.RawMessage) {
	update, err := DecodeUpdate(payload)
	if err != nil {
		r.logger.Warn("discarding undecodable game state update", zap.Error(err))
		return
	}
	_ = r.Apply(update)
}

// Apply replaces the held snapshot with a successful update. A failed update leaves
// the held snapshot untouched and is returned as a state error.
func (r *Reducer) Apply(update Update) error {
	if !update.Success || update.Snapshot == nil {
		err := clienterr.State(opApply, update.Message)
		r.logger.Warn("game state query failed, keeping previous snapshot",
			zap.String("message", update.Message),
			zap.Error(err))
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshot = update.Snapshot
	r.publishLocked()
	return nil
}

// SetLocalUser changes whose permissions are derived.
func (r *Reducer) SetLocalUser(userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.userID == userID {
		return
	}
	r.userID = userID
	r.publishLocked()
}

// Reset forgets the held snapshot.
func (r *Reducer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snapshot == nil {
		return
	}
	r.snapshot = nil
	r.publishLocked()
}

// Current returns the latest view.
func (r *Reducer) Current() View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Subscribe streams every new view in order.
func (r *Reducer) Subscribe(ctx context.Context) (<-chan View, func()) {
	return r.views.Subscribe(ctx)
}

// Close ends every subscription.
func (r *Reducer) Close() {
	r.views.Close()
}

func (r *Reducer) publishLocked() {
	r.revision++
	r.current = View{
		Revision:    r.revision,
		UserID:      r.userID,
		Snapshot:    r.snapshot,
		Permissions: Derive(r.snapshot, r.userID),
	}
	r.views.Publish(r.current)
}
