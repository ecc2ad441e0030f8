package replica

import (
	"context"

	"github.com/MarcoPoloResearchLab/offline-notes/internal/notes"
)

// Gateway is the durable table of notes plus the single last-sync marker a replica keeps.
// A nil marker means the replica has never synchronized.
type Gateway interface {
	GetAll(ctx context.Context) ([]notes.Note, error)
	Put(ctx context.Context, note notes.Note) error
	Remove(ctx context.Context, id notes.NoteID) error
	SetAll(ctx context.Context, all []notes.Note) error
	LastSyncMarker(ctx context.Context) (*notes.Timestamp, error)
	SetLastSyncMarker(ctx context.Context, marker *notes.Timestamp) error
}

// DirtyJournal is implemented by gateways that can keep the dirty set across restarts.
type DirtyJournal interface {
	LoadDirty(ctx context.Context) ([]notes.NoteID, error)
	SaveDirty(ctx context.Context, ids []notes.NoteID) error
}
