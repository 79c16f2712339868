package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// FieldRoomCode and FieldUserID name the two persisted values of an identity.
	FieldRoomCode = "roomCode"
	FieldUserID   = "userId"

	opSQLStoreNew = "sessionstore.new"
	opLoad        = "sessionstore.load"
	opSave        = "sessionstore.save"
	opClear       = "sessionstore.clear"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingSessionKey = errors.New("session key is required")
)

// StoreError carries an operation.reason code for persistence failures.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Value is one persisted string value of a session.
type Value struct {
	SessionKey string    `gorm:"column:session_key;primaryKey;size:190;not null"`
	Name       string    `gorm:"column:name;primaryKey;size:32;not null"`
	Value      string    `gorm:"column:value;size:190;not null"`
	UpdatedAt  time.Time `gorm:"column:updated_at;not null"`
}

// TableName exposes the table backing session values.
func (Value) TableName() string {
	return "session_values"
}

// SQLStoreConfig configures a SQLStore.
type SQLStoreConfig struct {
	Database   *gorm.DB
	SessionKey string
	Clock      func() time.Time
	Logger     *zap.Logger
}

// SQLStore persists the identity as two rows keyed by the session key.
type SQLStore struct {
	db         *gorm.DB
	sessionKey string
	clock      func() time.Time
	logger     *zap.Logger
}

// NewSQLStore validates cfg. The schema is created by database.OpenSQLite.
func NewSQLStore(cfg SQLStoreConfig) (*SQLStore, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opSQLStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.SessionKey == "" {
		return nil, newStoreError(opSQLStoreNew, "missing_session_key", errMissingSessionKey)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{
		db:         cfg.Database,
		sessionKey: cfg.SessionKey,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Load returns the stored identity. A half-written or unparsable pair is removed and
// reported as absent.
func (s *SQLStore) Load(ctx context.Context) (Identity, bool, error) {
	var rows []Value
	err := s.db.WithContext(ctx).
		Where("session_key = ? AND name IN ?", s.sessionKey, []string{FieldRoomCode, FieldUserID}).
		Find(&rows).Error
	if err != nil {
		s.logError(opLoad, "select_failed", err)
		return Identity{}, false, newStoreError(opLoad, "select_failed", err)
	}
	if len(rows) == 0 {
		return Identity{}, false, nil
	}

	values := make(map[string]string, len(rows))
	for _, row := range rows {
		values[row.Name] = row.Value
	}
	roomCode, hasRoom := values[FieldRoomCode]
	userID, hasUser := values[FieldUserID]

	var identity Identity
	if hasRoom && hasUser {
		identity, err = parseIdentity(userID, roomCode)
		if err == nil {
			return identity, true, nil
		}
	}

	s.logger.Warn("discarding incomplete session identity",
		zap.String("session_key", s.sessionKey),
		zap.Bool("has_room_code", hasRoom),
		zap.Bool("has_user_id", hasUser))
	if clearErr := s.Clear(ctx); clearErr != nil {
		return Identity{}, false, clearErr
	}
	return Identity{}, false, nil
}

// Save writes both values in one transaction.
func (s *SQLStore) Save(ctx context.Context, identity Identity) error {
	validated, err := NewIdentity(identity.UserID, identity.RoomCode)
	if err != nil {
		return newStoreError(opSave, "invalid_identity", err)
	}
	now := s.clock().UTC()
	rows := []Value{
		{SessionKey: s.sessionKey, Name: FieldRoomCode, Value: validated.RoomCode, UpdatedAt: now},
		{SessionKey: s.sessionKey, Name: FieldUserID, Value: strconv.FormatInt(validated.UserID, 10), UpdatedAt: now},
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_key"}, {Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).Create(&rows).Error
	})
	if err != nil {
		s.logError(opSave, "upsert_failed", err, zap.String("room_code", validated.RoomCode))
		return newStoreError(opSave, "upsert_failed", err)
	}
	return nil
}

// Clear removes the identity.
func (s *SQLStore) Clear(ctx context.Context) error {
	err := s.db.WithContext(ctx).
		Where("session_key = ?", s.sessionKey).
		Delete(&Value{}).Error
	if err != nil {
		s.logError(opClear, "delete_failed", err)
		return newStoreError(opClear, "delete_failed", err)
	}
	return nil
}

func (s *SQLStore) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("session_key", s.sessionKey),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("session store error", attrs...)
}
