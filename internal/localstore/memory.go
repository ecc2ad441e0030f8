package localstore

import (
	"context"
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/offline-notes/internal/notes"
)

// MemoryGateway is the in-memory fallback used when no durable backend is available.
type MemoryGateway struct {
	mu     sync.RWMutex
	notes  map[notes.NoteID]notes.Note
	marker *notes.Timestamp
	dirty  []notes.NoteID
}

// NewMemoryGateway returns an empty in-memory gateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{notes: make(map[notes.NoteID]notes.Note)}
}

func (g *MemoryGateway) GetAll(_ context.Context) ([]notes.Note, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	all := make([]notes.Note, 0, len(g.notes))
	for _, note := range g.notes {
		all = append(all, note)
	}
	sort.Slice(all, func(left, right int) bool { return all[left].ID < all[right].ID })
	return all, nil
}

func (g *MemoryGateway) Put(_ context.Context, note notes.Note) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.notes[note.ID] = note
	return nil
}

func (g *MemoryGateway) Remove(_ context.Context, id notes.NoteID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.notes, id)
	return nil
}

func (g *MemoryGateway) SetAll(_ context.Context, all []notes.Note) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.notes = make(map[notes.NoteID]notes.Note, len(all))
	for _, note := range all {
		g.notes[note.ID] = note
	}
	return nil
}

func (g *MemoryGateway) LastSyncMarker(_ context.Context) (*notes.Timestamp, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.marker == nil {
		return nil, nil
	}
	marker := *g.marker
	return &marker, nil
}

func (g *MemoryGateway) SetLastSyncMarker(_ context.Context, marker *notes.Timestamp) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if marker == nil {
		g.marker = nil
		return nil
	}
	copied := *marker
	g.marker = &copied
	return nil
}

func (g *MemoryGateway) LoadDirty(_ context.Context) ([]notes.NoteID, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]notes.NoteID(nil), g.dirty...), nil
}

func (g *MemoryGateway) SaveDirty(_ context.Context, ids []notes.NoteID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dirty = append([]notes.NoteID(nil), ids...)
	return nil
}
