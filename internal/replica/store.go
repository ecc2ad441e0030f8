package replica

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/offline-notes/internal/notes"
	"go.uber.org/zap"
)

var (
	errMissingGateway    = errors.New("replica: persistence gateway is required")
	errMissingIDProvider = errors.New("replica: id provider is required")
)

// mergeMode tells the mutation path where a write originates.
// Remote writes are already confirmed by the authority and are never queued for push.
type mergeMode int

const (
	mergeLocal mergeMode = iota
	mergeRemote
)

// Patch carries the fields a local edit replaces; nil leaves the field unchanged.
type Patch struct {
	Title *string
	Body  *string
}

// Listener receives the snapshot produced by a mutation.
type Listener func(Snapshot)

type registeredListener struct {
	id       uint64
	listener Listener
}

type pendingDelivery struct {
	snapshot  Snapshot
	listeners []registeredListener
}

// StoreConfig describes the dependencies of a replica store.
type StoreConfig struct {
	Gateway    Gateway
	IDProvider notes.IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Store is one device's in-memory note table, its dirty set and its change notifications.
type Store struct {
	gateway Gateway
	journal DirtyJournal
	ids     notes.IDProvider
	clock   func() time.Time
	logger  *zap.Logger

	mu             sync.Mutex
	table          map[notes.NoteID]notes.Note
	dirty          map[notes.NoteID]struct{}
	version        uint64
	snapshot       Snapshot
	listeners      []registeredListener
	nextListenerID uint64

	deliverMu  sync.Mutex
	pending    []pendingDelivery
	delivering bool
}

// NewStore constructs an empty store. Call Load or Hydrate to fill it.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Gateway == nil {
		return nil, errMissingGateway
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	journal, _ := cfg.Gateway.(DirtyJournal)

	return &Store{
		gateway: cfg.Gateway,
		journal: journal,
		ids:     cfg.IDProvider,
		clock:   clock,
		logger:  logger,
		table:   make(map[notes.NoteID]notes.Note),
		dirty:   make(map[notes.NoteID]struct{}),
	}, nil
}

// Load hydrates the store from the gateway, restoring the dirty set when the gateway keeps one.
func (s *Store) Load(ctx context.Context) error {
	all, err := s.gateway.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("%w: load notes: %w", notes.ErrInternal, err)
	}
	var dirtyIDs []notes.NoteID
	if s.journal != nil {
		dirtyIDs, err = s.journal.LoadDirty(ctx)
		if err != nil {
			return fmt.Errorf("%w: load dirty set: %w", notes.ErrInternal, err)
		}
	}

	s.mu.Lock()
	s.replaceLocked(all)
	for _, id := range dirtyIDs {
		if _, ok := s.table[id]; ok {
			s.dirty[id] = struct{}{}
		}
	}
	s.emitLocked()
	s.mu.Unlock()

	s.deliver()
	return nil
}

// Hydrate replaces the whole table with the provided notes and emits a snapshot.
func (s *Store) Hydrate(all []notes.Note) {
	s.mu.Lock()
	s.replaceLocked(all)
	s.emitLocked()
	s.mu.Unlock()

	s.deliver()
}

// Create inserts an empty note, marks it dirty and returns its id.
func (s *Store) Create(ctx context.Context) (notes.NoteID, error) {
	rawID, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("%w: allocate note id: %w", notes.ErrInternal, err)
	}
	id, err := notes.NewNoteID(rawID)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	created := notes.Note{ID: id, UpdatedAt: s.stampLocked(notes.Timestamp{})}
	persistErr := s.commitLocked(ctx, []notes.Note{created}, mergeLocal)
	s.emitLocked()
	s.mu.Unlock()

	s.deliver()
	return id, persistErr
}

// Update merges patch into an existing note. Unknown ids are ignored.
func (s *Store) Update(ctx context.Context, id notes.NoteID, patch Patch) error {
	return s.mutate(ctx, id, func(note *notes.Note) {
		if patch.Title != nil {
			note.Title = *patch.Title
		}
		if patch.Body != nil {
			note.Body = *patch.Body
		}
	})
}

// SoftDelete marks an existing note as a tombstone. Unknown ids are ignored.
func (s *Store) SoftDelete(ctx context.Context, id notes.NoteID) error {
	return s.mutate(ctx, id, func(note *notes.Note) {
		note.Deleted = true
	})
}

func (s *Store) mutate(ctx context.Context, id notes.NoteID, apply func(note *notes.Note)) error {
	s.mu.Lock()
	existing, ok := s.table[id]
	if !ok {
		s.mu.Unlock()
		s.logger.Debug("ignoring mutation of unknown note", zap.String("note_id", id.String()))
		return nil
	}
	updated := existing
	apply(&updated)
	updated.UpdatedAt = s.stampLocked(existing.UpdatedAt)
	persistErr := s.commitLocked(ctx, []notes.Note{updated}, mergeLocal)
	s.emitLocked()
	s.mu.Unlock()

	s.deliver()
	return persistErr
}

// ApplyFromServer merges authority notes. An incoming note wins when the replica does not hold
// the id or when its updatedAt is at least the local one. Applied notes are never marked dirty.
func (s *Store) ApplyFromServer(ctx context.Context, incoming []notes.Note) (int, error) {
	s.mu.Lock()
	accepted := make([]notes.Note, 0, len(incoming))
	for _, remote := range incoming {
		current, ok := s.table[remote.ID]
		if ok && remote.UpdatedAt.Before(current.UpdatedAt) {
			continue
		}
		accepted = append(accepted, remote)
	}
	persistErr := s.commitLocked(ctx, accepted, mergeRemote)
	s.emitLocked()
	s.mu.Unlock()

	s.deliver()
	return len(accepted), persistErr
}

// Get returns the note held for id.
func (s *Store) Get(id notes.NoteID) (notes.Note, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	note, ok := s.table[id]
	return note, ok
}

// GetDirty returns the current value of every dirty note, skipping ids no longer held.
func (s *Store) GetDirty() []notes.Note {
	s.mu.Lock()
	defer s.mu.Unlock()

	dirty := make([]notes.Note, 0, len(s.dirty))
	for id := range s.dirty {
		if note, ok := s.table[id]; ok {
			dirty = append(dirty, note)
		}
	}
	sort.Slice(dirty, func(left, right int) bool {
		return dirty[left].ID < dirty[right].ID
	})
	return dirty
}

// DirtyCount reports how many ids are queued for push.
func (s *Store) DirtyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dirty)
}

// ClearDirty removes exactly the given ids from the dirty set.
func (s *Store) ClearDirty(ctx context.Context, ids []notes.NoteID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		delete(s.dirty, id)
	}
	return s.saveDirtyLocked(ctx)
}

// ConfirmPushed clears the dirty flag of each pushed note whose local value is still the one
// that was pushed. Notes edited again while the push was in flight stay queued.
func (s *Store) ConfirmPushed(ctx context.Context, pushed []notes.Note) ([]notes.NoteID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleared := make([]notes.NoteID, 0, len(pushed))
	for _, sent := range pushed {
		current, ok := s.table[sent.ID]
		if ok && !current.UpdatedAt.Equal(sent.UpdatedAt) {
			continue
		}
		if _, queued := s.dirty[sent.ID]; queued {
			delete(s.dirty, sent.ID)
			cleared = append(cleared, sent.ID)
		}
	}
	return cleared, s.saveDirtyLocked(ctx)
}

// Purge drops notes from the table and from persistence, typically tombstones the
// authority has confirmed as deleted.
func (s *Store) Purge(ctx context.Context, ids []notes.NoteID) error {
	s.mu.Lock()
	var persistErr error
	removed := 0
	for _, id := range ids {
		if _, ok := s.table[id]; !ok {
			continue
		}
		delete(s.table, id)
		delete(s.dirty, id)
		removed++
		if err := s.gateway.Remove(ctx, id); err != nil && persistErr == nil {
			persistErr = fmt.Errorf("%w: remove note %s: %w", notes.ErrInternal, id, err)
		}
	}
	if removed == 0 {
		s.mu.Unlock()
		return nil
	}
	if err := s.saveDirtyLocked(ctx); err != nil && persistErr == nil {
		persistErr = err
	}
	s.emitLocked()
	s.mu.Unlock()

	s.deliver()
	return persistErr
}

// Flush rewrites the whole persisted table from memory. It holds the store lock so a
// concurrent edit cannot be overwritten by an older value.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]notes.Note, 0, len(s.table))
	for _, note := range s.table {
		all = append(all, note)
	}
	if err := s.gateway.SetAll(ctx, all); err != nil {
		return fmt.Errorf("%w: flush notes: %w", notes.ErrInternal, err)
	}
	return s.saveDirtyLocked(ctx)
}

// Snapshot returns the cached snapshot; it only changes when the store emits.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

// Subscribe registers a listener. The returned function unregisters it and is safe to call
// more than once.
func (s *Store) Subscribe(listener Listener) func() {
	s.mu.Lock()
	s.nextListenerID++
	id := s.nextListenerID
	s.listeners = append(s.listeners, registeredListener{id: id, listener: listener})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for index, registered := range s.listeners {
				if registered.id == id {
					s.listeners = append(s.listeners[:index:index], s.listeners[index+1:]...)
					return
				}
			}
		})
	}
}

// Watch streams snapshots on a channel until ctx ends. A slow reader only sees the latest one.
func (s *Store) Watch(ctx context.Context) <-chan Snapshot {
	stream := make(chan Snapshot, 1)
	var streamMu sync.Mutex
	closed := false

	unsubscribe := s.Subscribe(func(snapshot Snapshot) {
		streamMu.Lock()
		defer streamMu.Unlock()
		if closed {
			return
		}
		select {
		case <-stream:
		default:
		}
		stream <- snapshot
	})

	go func() {
		<-ctx.Done()
		unsubscribe()
		streamMu.Lock()
		closed = true
		close(stream)
		streamMu.Unlock()
	}()
	return stream
}

// replaceLocked swaps in a new table. The dirty set starts empty; Load restores it from
// the journal afterwards.
func (s *Store) replaceLocked(all []notes.Note) {
	s.dirty = make(map[notes.NoteID]struct{})
	s.table = make(map[notes.NoteID]notes.Note, len(all))
	for _, note := range all {
		s.table[note.ID] = note
	}
}

// commitLocked is the single mutation path. Local writes join the dirty set; remote writes
// leave it, because a winning remote value supersedes any queued local edit.
func (s *Store) commitLocked(ctx context.Context, changed []notes.Note, mode mergeMode) error {
	var persistErr error
	dirtyChanged := false
	for _, note := range changed {
		s.table[note.ID] = note
		_, queued := s.dirty[note.ID]
		switch mode {
		case mergeLocal:
			if !queued {
				s.dirty[note.ID] = struct{}{}
				dirtyChanged = true
			}
		case mergeRemote:
			if queued {
				delete(s.dirty, note.ID)
				dirtyChanged = true
			}
		}
		if err := s.gateway.Put(ctx, note); err != nil && persistErr == nil {
			persistErr = fmt.Errorf("%w: persist note %s: %w", notes.ErrInternal, note.ID, err)
		}
	}
	if dirtyChanged {
		if err := s.saveDirtyLocked(ctx); err != nil && persistErr == nil {
			persistErr = err
		}
	}
	if persistErr != nil {
		s.logger.Warn("replica persistence failed", zap.Error(persistErr))
	}
	return persistErr
}

func (s *Store) saveDirtyLocked(ctx context.Context) error {
	if s.journal == nil {
		return nil
	}
	ids := make([]notes.NoteID, 0, len(s.dirty))
	for id := range s.dirty {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(left, right int) bool { return ids[left] < ids[right] })
	if err := s.journal.SaveDirty(ctx, ids); err != nil {
		return fmt.Errorf("%w: persist dirty set: %w", notes.ErrInternal, err)
	}
	return nil
}

// stampLocked returns the wall-clock time, bumped past previous so a note never regresses.
func (s *Store) stampLocked(previous notes.Timestamp) notes.Timestamp {
	now := notes.NewTimestamp(s.clock())
	if !previous.IsZero() && !now.After(previous) {
		return notes.NewTimestamp(previous.Time().Add(time.Nanosecond))
	}
	return now
}

// emitLocked publishes a new snapshot and queues it, with the listeners registered at
// this version, for delivery. Queue order is version order because s.mu is held.
func (s *Store) emitLocked() {
	s.version++
	s.snapshot = newSnapshot(s.version, s.table)

	listeners := make([]registeredListener, len(s.listeners))
	copy(listeners, s.listeners)

	s.deliverMu.Lock()
	s.pending = append(s.pending, pendingDelivery{snapshot: s.snapshot, listeners: listeners})
	s.deliverMu.Unlock()
}

// deliver runs queued notifications in version order. Only one goroutine drains the queue
// at a time; a mutator that finds it busy leaves its snapshot to the active drainer, which
// also covers mutations issued from inside a listener.
func (s *Store) deliver() {
	s.deliverMu.Lock()
	if s.delivering {
		s.deliverMu.Unlock()
		return
	}
	s.delivering = true

	for len(s.pending) > 0 {
		next := s.pending[0]
		s.pending[0] = pendingDelivery{}
		s.pending = s.pending[1:]
		s.deliverMu.Unlock()

		for _, registered := range next.listeners {
			registered.listener(next.snapshot)
		}

		s.deliverMu.Lock()
	}
	s.delivering = false
	s.deliverMu.Unlock()
}
