package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationTrimCollectionKeys    = "2024-06-02_trim_collection_keys"
	migrationBackfillCollectionRow = "2024-06-09_backfill_collection_rows"
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
		{name: migrationTrimCollectionKeys, apply: trimCollectionKeys},
		{name: migrationBackfillCollectionRow, apply: backfillCollectionRows},
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

// trimCollectionKeys strips whitespace left on membership keys by older importers.
func trimCollectionKeys(db *gorm.DB) error {
	if err := db.Exec("UPDATE cards SET collection_key = trim(collection_key) WHERE collection_key <> trim(collection_key)").Error; err != nil {
		return err
	}
	return db.Exec("UPDATE cards SET previous_collection = trim(previous_collection) WHERE previous_collection <> trim(previous_collection)").Error
}

// backfillCollectionRows creates a collection record, with its count, for every
// membership key that only exists on cards.
func backfillCollectionRows(db *gorm.DB) error {
	now := time.Now().UTC().Unix()
	return db.Exec(`INSERT INTO collections (owner_id, collection_key, name, description, card_count, created_at_s, updated_at_s)
SELECT owner_id, collection_key, collection_key, '', COUNT(*), ?, ?
FROM cards
WHERE collection_key <> ''
GROUP BY owner_id, collection_key
ON CONFLICT(owner_id, collection_key) DO NOTHING`, now, now).Error
}
