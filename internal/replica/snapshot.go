package replica

import (
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/offline-notes/internal/notes"
)

// Snapshot is an immutable view of the replica table at one version.
type Snapshot struct {
	version uint64
	notes   []notes.Note
}

func newSnapshot(version uint64, table map[notes.NoteID]notes.Note) Snapshot {
	ordered := make([]notes.Note, 0, len(table))
	for _, note := range table {
		ordered = append(ordered, note)
	}
	sort.Slice(ordered, func(left, right int) bool {
		if ordered[left].UpdatedAt.Equal(ordered[right].UpdatedAt) {
			return ordered[left].ID < ordered[right].ID
		}
		return ordered[left].UpdatedAt.After(ordered[right].UpdatedAt)
	})
	return Snapshot{version: version, notes: ordered}
}

// Version increases by one with every emitted snapshot.
func (snapshot Snapshot) Version() uint64 {
	return snapshot.version
}

// Notes returns every note, tombstones included, most recently updated first.
func (snapshot Snapshot) Notes() []notes.Note {
	copied := make([]notes.Note, len(snapshot.notes))
	copy(copied, snapshot.notes)
	return copied
}

// Active returns the notes that are not soft-deleted.
func (snapshot Snapshot) Active() []notes.Note {
	active := make([]notes.Note, 0, len(snapshot.notes))
	for _, note := range snapshot.notes {
		if !note.Deleted {
			active = append(active, note)
		}
	}
	return active
}

// Search returns the active notes whose title or body contains query, ignoring case.
// A blank query returns every active note.
func (snapshot Snapshot) Search(query string) []notes.Note {
	matched := make([]notes.Note, 0, len(snapshot.notes))
	for _, note := range snapshot.notes {
		if !note.Deleted && Matches(note, query) {
			matched = append(matched, note)
		}
	}
	return matched
}

// Matches reports whether the note's title or body contains query, ignoring case and
// surrounding whitespace.
func Matches(note notes.Note, query string) bool {
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return true
	}
	return strings.Contains(strings.ToLower(note.Title), needle) ||
		strings.Contains(strings.ToLower(note.Body), needle)
}

// Find looks up one note by id.
func (snapshot Snapshot) Find(id notes.NoteID) (notes.Note, bool) {
	for _, note := range snapshot.notes {
		if note.ID == id {
			return note, true
		}
	}
	return notes.Note{}, false
}

// Len reports the number of notes, tombstones included.
func (snapshot Snapshot) Len() int {
	return len(snapshot.notes)
}
