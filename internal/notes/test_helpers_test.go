package notes

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func mustNoteID(t *testing.T, value string) NoteID {
	t.Helper()
	id, err := NewNoteID(value)
	if err != nil {
		t.Fatalf("unexpected note id error: %v", err)
	}
	return id
}

func mustTimestamp(t *testing.T, value string) Timestamp {
	t.Helper()
	ts, err := ParseTimestamp(value)
	if err != nil {
		t.Fatalf("unexpected timestamp error: %v", err)
	}
	return ts
}

func mustChange(t *testing.T, cfg ChangeConfig) Change {
	t.Helper()
	change, err := NewChange(cfg)
	if err != nil {
		t.Fatalf("unexpected change error: %v", err)
	}
	return change
}

func stringPointer(value string) *string {
	return &value
}

func newTestService(t *testing.T, now time.Time) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:notes_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	service, err := NewService(ServiceConfig{
		Database: db,
		Clock:    func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("failed to construct notes service: %v", err)
	}
	return service, db
}

func seedRecord(t *testing.T, db *gorm.DB, id, title, updatedAt string) {
	t.Helper()
	note := Note{
		ID:        mustNoteID(t, id),
		Title:     title,
		Body:      title + " body",
		UpdatedAt: mustTimestamp(t, updatedAt),
	}
	record := newRecord(note, note.UpdatedAt.Time())
	if err := db.Create(&record).Error; err != nil {
		t.Fatalf("failed to seed record: %v", err)
	}
}
