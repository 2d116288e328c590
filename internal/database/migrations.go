package database

import (
	"errors"
	"time"

	"github.com/rynk-ai/rynk-web-sub001/internal/conversations"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeConversationPaths = "2026-09-14_normalize_conversation_paths"
	migrationBackfillVersionNumbers     = "2026-09-21_backfill_message_version_numbers"
)

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
		{name: migrationNormalizeConversationPaths, apply: normalizeConversationPaths},
		{name: migrationBackfillVersionNumbers, apply: backfillVersionNumbers},
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
		if err := db.Transaction(migration.apply); err != nil {
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

// normalizeConversationPaths replaces missing path and branch documents with empty JSON arrays.
func normalizeConversationPaths(db *gorm.DB) error {
	for _, column := range []string{"path", "branches"} {
		condition := column + " IS NULL"
		if db.Dialector.Name() == DriverSQLite {
			condition += " OR " + column + " = ''"
		}
		if err := db.Model(&conversations.Conversation{}).
			Where(condition).
			Update(column, gorm.Expr("'[]'")).Error; err != nil {
			return err
		}
	}
	return nil
}

// backfillVersionNumbers sets version 1 on messages written before versions were tracked.
func backfillVersionNumbers(db *gorm.DB) error {
	return db.Model(&conversations.Message{}).
		Where("version_number IS NULL OR version_number < 1").
		Update("version_number", 1).Error
}
