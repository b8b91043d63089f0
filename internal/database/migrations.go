package database

import (
	"errors"
	"time"

	"github.com/muhammadhilmi007/samudra-fieldsync/internal/record"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// schemaMajorVersion changes only on breaking schema layouts. A mismatch with the
// persisted value clears the pull checkpoint so the next cycle performs a full resync;
// additive column changes ride on AutoMigrate and keep data intact.
const schemaMajorVersion = 1

const migrationResetStaleAttachmentBackoff = "2026-04-12_reset_stale_attachment_backoff"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type schemaVersionRecord struct {
	ID           int `gorm:"column:id;primaryKey"`
	MajorVersion int `gorm:"column:major_version;not null"`
}

func (schemaVersionRecord) TableName() string {
	return "db_schema_version"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func reconcileSchemaVersion(db *gorm.DB, logger *zap.Logger) error {
	var stored schemaVersionRecord
	err := db.Where("id = ?", 1).Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return db.Create(&schemaVersionRecord{ID: 1, MajorVersion: schemaMajorVersion}).Error
	}
	if err != nil {
		return err
	}
	if stored.MajorVersion == schemaMajorVersion {
		return nil
	}

	if logger != nil {
		logger.Warn("schema major version changed, forcing full resync",
			zap.Int("stored", stored.MajorVersion),
			zap.Int("current", schemaMajorVersion))
	}
	if err := db.Model(&record.SyncCheckpoint{}).
		Where("id = ?", 1).
		Updates(map[string]interface{}{"cursor": 0, "updated_at_s": time.Now().UTC().Unix()}).Error; err != nil {
		return err
	}
	return db.Model(&schemaVersionRecord{}).
		Where("id = ?", 1).
		Update("major_version", schemaMajorVersion).Error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationResetStaleAttachmentBackoff, apply: resetStaleAttachmentBackoff},
	}

	for _, migration := range migrations {
		var stored migrationRecord
		err := db.Where("name = ?", migration.name).Take(&stored).Error
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

// Attachments stuck with a far-future retry time from before backoff capping
// existed become eligible again on upgrade.
func resetStaleAttachmentBackoff(db *gorm.DB) error {
	horizon := time.Now().UTC().Add(time.Hour).Unix()
	return db.Model(&record.Attachment{}).
		Where("upload_state = ? AND next_eligible_at_s > ?", string(record.UploadStatePending), horizon).
		Update("next_eligible_at_s", 0).Error
}
