package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/offline-notes/internal/notes"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillChangeStamps = "2026-10-01_backfill_note_change_stamps"

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
		{name: migrationBackfillChangeStamps, apply: backfillChangeStamps},
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

// backfillChangeStamps fills the numeric timestamp columns of rows written with only
// the ISO text, such as rows imported by hand.
func backfillChangeStamps(tx *gorm.DB) error {
	var records []notes.Record
	if err := tx.Where("updated_at_ns = 0 OR changed_at_ns = 0").Find(&records).Error; err != nil {
		return err
	}
	for _, record := range records {
		updatedAt, err := notes.ParseTimestamp(record.UpdatedAtISO)
		if err != nil {
			return err
		}
		updates := map[string]any{}
		if record.UpdatedAtNanos == 0 {
			updates["updated_at_ns"] = updatedAt.UnixNano()
		}
		if record.ChangedAtNanos == 0 {
			updates["changed_at_ns"] = updatedAt.UnixNano()
		}
		if err := tx.Model(&notes.Record{}).Where("note_id = ?", record.NoteID).Updates(updates).Error; err != nil {
			return err
		}
	}
	return nil
}
