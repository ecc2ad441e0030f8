package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/offline-notes/internal/notes"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsBackfillsChangeStamps(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&notes.Record{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	imported := "INSERT INTO notes (note_id, title, body, updated_at, updated_at_ns, changed_at_ns, created_at_s) VALUES (?, ?, ?, ?, 0, 0, 0)"
	if err := database.Exec(imported, "note-1", "imported", "", "2024-05-01T10:00:00.25Z").Error; err != nil {
		testContext.Fatalf("failed to insert imported row: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored notes.Record
	if err := database.Where("note_id = ?", "note-1").Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload record: %v", err)
	}
	expected, err := notes.ParseTimestamp("2024-05-01T10:00:00.25Z")
	if err != nil {
		testContext.Fatalf("failed to parse timestamp: %v", err)
	}
	if stored.UpdatedAtNanos != expected.UnixNano() || stored.ChangedAtNanos != expected.UnixNano() {
		testContext.Fatalf("expected stamps backfilled to %d, got %d/%d", expected.UnixNano(), stored.UpdatedAtNanos, stored.ChangedAtNanos)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillChangeStamps).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected second run to be a no-op, got %v", err)
	}
	var count int64
	database.Model(&migrationRecord{}).Count(&count)
	if count != 1 {
		testContext.Fatalf("expected a single migration record, got %d", count)
	}
}

func TestOpenSQLiteCreatesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "authority.db")

	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	if !database.Migrator().HasTable(&notes.Record{}) {
		testContext.Fatalf("expected notes table")
	}
	if !database.Migrator().HasIndex(&notes.Record{}, "idx_notes_changed_at_ns") {
		testContext.Fatalf("expected changed_at_ns index")
	}
	if _, err := OpenSQLite("", nil); err == nil {
		testContext.Fatalf("expected error for empty path")
	}
}
