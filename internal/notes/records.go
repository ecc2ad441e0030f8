package notes

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opListNotes  = "notes.list_notes"
	opGetNote    = "notes.get_note"
	opCreateNote = "notes.create_note"
	opUpdateNote = "notes.update_note"
	opDeleteNote = "notes.delete_note"
	opReset      = "notes.reset"

	reasonNoteExists    = "note_exists"
	reasonNoteMissing   = "note_missing"
	reasonNotNewer      = "not_newer"
	reasonDeletedCreate = "deleted_create"
)

// ListNotes returns every record held by the authority, oldest modification first.
func (service *Service) ListNotes(ctx context.Context) ([]Note, error) {
	if service.db == nil {
		service.logError(opListNotes, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opListNotes, reasonMissingDatabase, errMissingDatabase)
	}

	var records []Record
	if err := service.db.WithContext(ctx).Order(orderUpdated).Find(&records).Error; err != nil {
		service.logError(opListNotes, reasonQueryFailed, err)
		return nil, newServiceError(opListNotes, reasonQueryFailed, internalError(err))
	}
	return service.convertRecords(opListNotes, records)
}

// GetNote returns one record by id.
func (service *Service) GetNote(ctx context.Context, noteID NoteID) (Note, error) {
	if service.db == nil {
		service.logError(opGetNote, reasonMissingDatabase, errMissingDatabase)
		return Note{}, newServiceError(opGetNote, reasonMissingDatabase, errMissingDatabase)
	}

	existing, err := service.lockRecord(service.db.WithContext(ctx), noteID)
	if err != nil {
		service.logError(opGetNote, reasonNoteSelectFailed, err, zap.String(fieldNoteID, noteID.String()))
		return Note{}, newServiceError(opGetNote, reasonNoteSelectFailed, internalError(err))
	}
	if existing == nil {
		return Note{}, newServiceError(opGetNote, reasonNoteMissing, fmt.Errorf("%w: %s", ErrNotFound, noteID))
	}
	notes, err := service.convertRecords(opGetNote, []Record{*existing})
	if err != nil {
		return Note{}, err
	}
	return notes[0], nil
}

// CreateNote inserts a note that the authority does not hold yet.
func (service *Service) CreateNote(ctx context.Context, change Change) (Note, error) {
	if service.db == nil {
		service.logError(opCreateNote, reasonMissingDatabase, errMissingDatabase)
		return Note{}, newServiceError(opCreateNote, reasonMissingDatabase, errMissingDatabase)
	}
	if change.Deleted() {
		return Note{}, newServiceError(opCreateNote, reasonDeletedCreate,
			fmt.Errorf("%w: a deleted note cannot be created", ErrInvalidPayload))
	}

	service.writeMu.Lock()
	defer service.writeMu.Unlock()

	created := change.Note()
	err := service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := service.lockRecord(tx, change.NoteID())
		if err != nil {
			service.logError(opCreateNote, reasonNoteSelectFailed, err, zap.String(fieldNoteID, change.NoteID().String()))
			return newServiceError(opCreateNote, reasonNoteSelectFailed, internalError(err))
		}
		if existing != nil {
			return newServiceError(opCreateNote, reasonNoteExists, fmt.Errorf("%w: note %s already exists", ErrConflict, change.NoteID()))
		}
		record := newRecord(created, service.clock())
		if err := tx.Create(&record).Error; err != nil {
			service.logError(opCreateNote, reasonNoteSaveFailed, err, zap.String(fieldNoteID, change.NoteID().String()))
			return newServiceError(opCreateNote, reasonNoteSaveFailed, internalError(err))
		}
		return nil
	})
	if err != nil {
		return Note{}, err
	}
	return created, nil
}

// UpdateNote applies a direct update under the same strictly-newer gate as Sync.
// A change carrying deleted=true removes the record physically.
func (service *Service) UpdateNote(ctx context.Context, change Change) (Note, error) {
	if service.db == nil {
		service.logError(opUpdateNote, reasonMissingDatabase, errMissingDatabase)
		return Note{}, newServiceError(opUpdateNote, reasonMissingDatabase, errMissingDatabase)
	}

	service.writeMu.Lock()
	defer service.writeMu.Unlock()

	var updated Note
	err := service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		noteField := zap.String(fieldNoteID, change.NoteID().String())
		existing, err := service.lockRecord(tx, change.NoteID())
		if err != nil {
			service.logError(opUpdateNote, reasonNoteSelectFailed, err, noteField)
			return newServiceError(opUpdateNote, reasonNoteSelectFailed, internalError(err))
		}
		if existing == nil {
			return newServiceError(opUpdateNote, reasonNoteMissing, fmt.Errorf("%w: %s", ErrNotFound, change.NoteID()))
		}
		if !change.UpdatedAt().After(existing.updatedAt()) {
			return newServiceError(opUpdateNote, reasonNotNewer,
				fmt.Errorf("%w: incoming update is not newer than server version", ErrConflict))
		}

		merged := mergeRecord(*existing, change, service.clock())
		converted, err := service.convertRecords(opUpdateNote, []Record{merged})
		if err != nil {
			return err
		}
		updated = converted[0]

		if change.Deleted() {
			if err := tx.Where(queryNoteID, change.NoteID().String()).Delete(&Record{}).Error; err != nil {
				service.logError(opUpdateNote, reasonNoteDeleteFailed, err, noteField)
				return newServiceError(opUpdateNote, reasonNoteDeleteFailed, internalError(err))
			}
			updated.Deleted = true
			return nil
		}
		if err := tx.Save(&merged).Error; err != nil {
			service.logError(opUpdateNote, reasonNoteSaveFailed, err, noteField)
			return newServiceError(opUpdateNote, reasonNoteSaveFailed, internalError(err))
		}
		return nil
	})
	if err != nil {
		return Note{}, err
	}
	return updated, nil
}

// DeleteNote physically removes a record and returns what was removed.
func (service *Service) DeleteNote(ctx context.Context, noteID NoteID) (Note, error) {
	if service.db == nil {
		service.logError(opDeleteNote, reasonMissingDatabase, errMissingDatabase)
		return Note{}, newServiceError(opDeleteNote, reasonMissingDatabase, errMissingDatabase)
	}

	service.writeMu.Lock()
	defer service.writeMu.Unlock()

	var removed Note
	err := service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		noteField := zap.String(fieldNoteID, noteID.String())
		existing, err := service.lockRecord(tx, noteID)
		if err != nil {
			service.logError(opDeleteNote, reasonNoteSelectFailed, err, noteField)
			return newServiceError(opDeleteNote, reasonNoteSelectFailed, internalError(err))
		}
		if existing == nil {
			return newServiceError(opDeleteNote, reasonNoteMissing, fmt.Errorf("%w: %s", ErrNotFound, noteID))
		}
		converted, err := service.convertRecords(opDeleteNote, []Record{*existing})
		if err != nil {
			return err
		}
		removed = converted[0]
		if err := tx.Where(queryNoteID, noteID.String()).Delete(&Record{}).Error; err != nil {
			service.logError(opDeleteNote, reasonNoteDeleteFailed, err, noteField)
			return newServiceError(opDeleteNote, reasonNoteDeleteFailed, internalError(err))
		}
		return nil
	})
	if err != nil {
		return Note{}, err
	}
	return removed, nil
}

// Reset wipes the authority table and reports how many records were removed.
func (service *Service) Reset(ctx context.Context) (int64, error) {
	if service.db == nil {
		service.logError(opReset, reasonMissingDatabase, errMissingDatabase)
		return 0, newServiceError(opReset, reasonMissingDatabase, errMissingDatabase)
	}

	service.writeMu.Lock()
	defer service.writeMu.Unlock()

	result := service.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&Record{})
	if result.Error != nil {
		service.logError(opReset, reasonNoteDeleteFailed, result.Error)
		return 0, newServiceError(opReset, reasonNoteDeleteFailed, internalError(result.Error))
	}
	return result.RowsAffected, nil
}

// IsServiceError reports whether err carries a ServiceError and returns its code.
func IsServiceError(err error) (string, bool) {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code(), true
	}
	return "", false
}
