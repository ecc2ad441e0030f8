package notes

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opServiceNew = "notes.service.new"
	opSync       = "notes.sync"

	fieldNoteID  = "note_id"
	columnNoteID = "note_id"
	queryNoteID  = columnNoteID + " = ?"
	querySince   = "updated_at_ns > ? OR changed_at_ns > ?"
	orderUpdated = "updated_at_ns ASC"

	reasonMissingDatabase   = "missing_database"
	reasonNoteSelectFailed  = "note_select_failed"
	reasonNoteSaveFailed    = "note_save_failed"
	reasonNoteDeleteFailed  = "note_delete_failed"
	reasonQueryFailed       = "query_failed"
	reasonRecordInvalid     = "record_invalid"
	reasonTransactionFailed = "transaction_failed"
)

// ServiceConfig describes the dependencies of the authority merge service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service is the authority: it merges incoming changes into the durable table under LWW.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger

	// writeMu serializes every write transaction on this authority instance.
	writeMu sync.Mutex
}

// NewService constructs the authority merge service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
	}, nil
}

// ChangeOutcome pairs an incoming change with the decision taken for it.
type ChangeOutcome struct {
	NoteID   NoteID
	Decision Decision
}

// SyncResult is the authority's answer to one sync request.
type SyncResult struct {
	ServerTime Timestamp
	Notes      []Note
	Outcomes   []ChangeOutcome
}

// AcceptedNoteIDs lists the ids whose change modified the durable table.
func (result SyncResult) AcceptedNoteIDs() []NoteID {
	var ids []NoteID
	for _, outcome := range result.Outcomes {
		if outcome.Decision.Accepted() {
			ids = append(ids, outcome.NoteID)
		}
	}
	return ids
}

// Sync applies changes under last-writer-wins and returns every record changed after since.
// A nil since returns the whole table. ServerTime is captured after the transaction commits.
func (service *Service) Sync(ctx context.Context, since *Timestamp, changes []Change) (SyncResult, error) {
	if service.db == nil {
		service.logError(opSync, reasonMissingDatabase, errMissingDatabase)
		return SyncResult{}, newServiceError(opSync, reasonMissingDatabase, errMissingDatabase)
	}

	service.writeMu.Lock()
	defer service.writeMu.Unlock()

	result := SyncResult{Outcomes: make([]ChangeOutcome, 0, len(changes))}
	txErr := service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, change := range changes {
			existing, err := service.lockRecord(tx, change.NoteID())
			if err != nil {
				service.logError(opSync, reasonNoteSelectFailed, err, zap.String(fieldNoteID, change.NoteID().String()))
				return newServiceError(opSync, reasonNoteSelectFailed, internalError(err))
			}

			decision := resolveChange(existing, change)
			if err := service.applyDecision(tx, decision, existing, change); err != nil {
				return err
			}
			result.Outcomes = append(result.Outcomes, ChangeOutcome{NoteID: change.NoteID(), Decision: decision})
		}

		query := tx.Order(orderUpdated)
		if since != nil {
			query = query.Where(querySince, since.UnixNano(), since.UnixNano())
		}
		var records []Record
		if err := query.Find(&records).Error; err != nil {
			service.logError(opSync, reasonQueryFailed, err)
			return newServiceError(opSync, reasonQueryFailed, internalError(err))
		}
		converted, err := service.convertRecords(opSync, records)
		if err != nil {
			return err
		}
		result.Notes = converted
		return nil
	})
	if txErr != nil {
		var serviceErr *ServiceError
		if errors.As(txErr, &serviceErr) {
			return SyncResult{}, txErr
		}
		service.logError(opSync, reasonTransactionFailed, txErr)
		return SyncResult{}, newServiceError(opSync, reasonTransactionFailed, internalError(txErr))
	}

	result.ServerTime = NewTimestamp(service.clock())
	service.loggerOrDefault().Debug("sync applied",
		zap.Int("changes", len(changes)),
		zap.Int("accepted", len(result.AcceptedNoteIDs())),
		zap.Int("returned", len(result.Notes)))
	return result, nil
}

func (service *Service) applyDecision(tx *gorm.DB, decision Decision, existing *Record, change Change) error {
	noteField := zap.String(fieldNoteID, change.NoteID().String())
	switch decision {
	case DecisionDeleted:
		if err := tx.Where(queryNoteID, change.NoteID().String()).Delete(&Record{}).Error; err != nil {
			service.logError(opSync, reasonNoteDeleteFailed, err, noteField)
			return newServiceError(opSync, reasonNoteDeleteFailed, internalError(err))
		}
	case DecisionInserted:
		record := newRecord(change.Note(), service.clock())
		if err := tx.Create(&record).Error; err != nil {
			service.logError(opSync, reasonNoteSaveFailed, err, noteField)
			return newServiceError(opSync, reasonNoteSaveFailed, internalError(err))
		}
	case DecisionUpdated:
		merged := mergeRecord(*existing, change, service.clock())
		if err := tx.Save(&merged).Error; err != nil {
			service.logError(opSync, reasonNoteSaveFailed, err, noteField)
			return newServiceError(opSync, reasonNoteSaveFailed, internalError(err))
		}
	}
	return nil
}

func (service *Service) lockRecord(tx *gorm.DB, noteID NoteID) (*Record, error) {
	var existing Record
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryNoteID, noteID.String()).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &existing, nil
}

func (service *Service) convertRecords(operation string, records []Record) ([]Note, error) {
	converted := make([]Note, 0, len(records))
	for _, record := range records {
		note, err := record.Note()
		if err != nil {
			service.logError(operation, reasonRecordInvalid, err, zap.String(fieldNoteID, record.NoteID))
			return nil, newServiceError(operation, reasonRecordInvalid, internalError(err))
		}
		converted = append(converted, note)
	}
	return converted, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("notes service error", attrs...)
}
