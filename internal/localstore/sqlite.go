package localstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/offline-notes/internal/notes"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	metaKeyLastSync = "last_sync"
	queryAll        = "1 = 1"
	queryMetaKey    = "meta_key = ?"
	queryNoteID     = "note_id = ?"
	orderNoteID     = "note_id ASC"
	insertBatchSize = 200
)

type localNote struct {
	NoteID       string `gorm:"column:note_id;primaryKey;size:190;not null"`
	Title        string `gorm:"column:title;type:text;not null"`
	Body         string `gorm:"column:body;type:text;not null"`
	UpdatedAtISO string `gorm:"column:updated_at;size:64;not null"`
	Deleted      bool   `gorm:"column:deleted;not null"`
}

func (localNote) TableName() string {
	return "local_notes"
}

type localDirty struct {
	NoteID string `gorm:"column:note_id;primaryKey;size:190;not null"`
}

func (localDirty) TableName() string {
	return "local_dirty"
}

type localMeta struct {
	Key   string `gorm:"column:meta_key;primaryKey;size:64;not null"`
	Value string `gorm:"column:meta_value;type:text;not null"`
}

func (localMeta) TableName() string {
	return "local_meta"
}

// SQLiteGateway keeps a replica's notes, dirty set and sync marker in a SQLite file.
type SQLiteGateway struct {
	db *gorm.DB
}

// OpenSQLiteGateway opens (or creates) the replica database at path.
func OpenSQLiteGateway(path string, logger *zap.Logger) (*SQLiteGateway, error) {
	if path == "" {
		return nil, fmt.Errorf("replica database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	gateway, err := NewSQLiteGateway(db)
	if err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Debug("replica database initialized", zap.String("path", path))
	}
	return gateway, nil
}

// NewSQLiteGateway wraps an existing gorm handle and ensures the replica schema exists.
func NewSQLiteGateway(db *gorm.DB) (*SQLiteGateway, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	if err := db.AutoMigrate(&localNote{}, &localDirty{}, &localMeta{}); err != nil {
		return nil, err
	}
	return &SQLiteGateway{db: db}, nil
}

// Close releases the underlying connection pool.
func (g *SQLiteGateway) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (g *SQLiteGateway) GetAll(ctx context.Context) ([]notes.Note, error) {
	var rows []localNote
	if err := g.db.WithContext(ctx).Order(orderNoteID).Find(&rows).Error; err != nil {
		return nil, err
	}
	all := make([]notes.Note, 0, len(rows))
	for _, row := range rows {
		note, err := row.note()
		if err != nil {
			return nil, err
		}
		all = append(all, note)
	}
	return all, nil
}

func (g *SQLiteGateway) Put(ctx context.Context, note notes.Note) error {
	row := newLocalNote(note)
	return g.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (g *SQLiteGateway) Remove(ctx context.Context, id notes.NoteID) error {
	return g.db.WithContext(ctx).Where(queryNoteID, id.String()).Delete(&localNote{}).Error
}

func (g *SQLiteGateway) SetAll(ctx context.Context, all []notes.Note) error {
	rows := make([]localNote, 0, len(all))
	for _, note := range all {
		rows = append(rows, newLocalNote(note))
	}
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where(queryAll).Delete(&localNote{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.CreateInBatches(&rows, insertBatchSize).Error
	})
}

func (g *SQLiteGateway) LastSyncMarker(ctx context.Context) (*notes.Timestamp, error) {
	var meta localMeta
	err := g.db.WithContext(ctx).Where(queryMetaKey, metaKeyLastSync).Take(&meta).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	marker, err := notes.ParseTimestamp(meta.Value)
	if err != nil {
		return nil, err
	}
	return &marker, nil
}

func (g *SQLiteGateway) SetLastSyncMarker(ctx context.Context, marker *notes.Timestamp) error {
	if marker == nil {
		return g.db.WithContext(ctx).Where(queryMetaKey, metaKeyLastSync).Delete(&localMeta{}).Error
	}
	meta := localMeta{Key: metaKeyLastSync, Value: marker.String()}
	return g.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&meta).Error
}

func (g *SQLiteGateway) LoadDirty(ctx context.Context) ([]notes.NoteID, error) {
	var rows []localDirty
	if err := g.db.WithContext(ctx).Order(orderNoteID).Find(&rows).Error; err != nil {
		return nil, err
	}
	ids := make([]notes.NoteID, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, notes.NoteID(row.NoteID))
	}
	return ids, nil
}

func (g *SQLiteGateway) SaveDirty(ctx context.Context, ids []notes.NoteID) error {
	rows := make([]localDirty, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, localDirty{NoteID: id.String()})
	}
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where(queryAll).Delete(&localDirty{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.CreateInBatches(&rows, insertBatchSize).Error
	})
}

func newLocalNote(note notes.Note) localNote {
	return localNote{
		NoteID:       note.ID.String(),
		Title:        note.Title,
		Body:         note.Body,
		UpdatedAtISO: note.UpdatedAt.String(),
		Deleted:      note.Deleted,
	}
}

func (row localNote) note() (notes.Note, error) {
	noteID, err := notes.NewNoteID(row.NoteID)
	if err != nil {
		return notes.Note{}, err
	}
	updatedAt, err := notes.ParseTimestamp(row.UpdatedAtISO)
	if err != nil {
		return notes.Note{}, err
	}
	return notes.Note{
		ID:        noteID,
		Title:     row.Title,
		Body:      row.Body,
		UpdatedAt: updatedAt,
		Deleted:   row.Deleted,
	}, nil
}
