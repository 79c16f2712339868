package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/sessionstore"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationDropPartialIdentities = "2026-10-01_drop_partial_session_identities"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationDropPartialIdentities, apply: dropPartialIdentities},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// dropPartialIdentities removes sessions that hold only one of the two identity values.
func dropPartialIdentities(db *gorm.DB) error {
	fields := []string{sessionstore.FieldRoomCode, sessionstore.FieldUserID}
	partial := db.Model(&sessionstore.Value{}).
		Select("session_key").
		Where("name IN ?", fields).
		Group("session_key").
		Having("COUNT(DISTINCT name) < ?", len(fields))
	return db.Where("session_key IN (?)", partial).Delete(&sessionstore.Value{}).Error
}
