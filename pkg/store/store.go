package store

import (
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/snfs/pkg/errors"
)

// conflictedCopySuffix is appended to the title of the retained local copy
// when a note was edited both locally and remotely between sync passes.
const conflictedCopySuffix = " (conflicted copy)"

// now will be overridden in mock tests
var now = time.Now

// newID will be overridden in tests that need stable ids
var newID = func() string { return uuid.New().String() }

// note is the store's internal mutable record. seq bumps on every local
// mutation, so a push can tell whether the note changed while the push was
// in flight.
type note struct {
	id         string
	title      string
	text       string
	name       string // visible filename, maintained by rebuildNames
	createdAt  time.Time
	updatedAt  time.Time
	dirty      bool
	deleted    bool
	unreadable bool
	seq        uint64
}

// Note is an immutable snapshot of a note handed across the store boundary.
type Note struct {
	ID        string
	Title     string
	Text      string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
	Deleted   bool
	Seq       uint64
}

// Entry describes one listed file.
type Entry struct {
	Name      string
	ID        string
	Size      int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RemoteChange is one item pulled from the server, already decrypted by the
// sync client. Unreadable marks items whose payload version this client
// can't decrypt: they're presented as placeholders and never pushed back.
type RemoteChange struct {
	ID         string
	Title      string
	Text       string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Deleted    bool
	Unreadable bool
}

// Confirm acknowledges that a pushed note was saved by the server. Seq is
// the note's change sequence at the time it was snapshotted for the push:
// the dirty flag is only cleared if the note hasn't changed since.
type Confirm struct {
	ID  string
	Seq uint64
}

// Conflict reports a keep-both merge: the server copy stayed canonical
// under ID, and the local edit was retained as the new note CopyID.
type Conflict struct {
	ID     string
	CopyID string
}

// Store is the in-memory authoritative cache of decrypted notes. One mutex
// guards it; the lock is held per logical operation and never across
// network I/O.
type Store struct {
	mu    sync.Mutex
	ext   string
	notes map[string]*note
	names *btree.BTree
}

// New creates an empty store whose filenames carry the given extension.
func New(ext string) *Store {
	return &Store{
		ext:   ext,
		notes: map[string]*note{},
		names: btree.New(2),
	}
}

// List returns the visible files in filename order.
func (s *Store) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]Entry, 0, s.names.Len())
	s.names.Ascend(func(item btree.Item) bool {
		n := s.notes[item.(nameEntry).id]
		entries = append(entries, n.entry())
		return true
	})
	return entries
}

// Get returns the attributes of the note with the given filename.
func (s *Store) Get(name string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.lookup(name)
	if !ok {
		return Entry{}, false
	}
	return n.entry(), true
}

// Read returns a copy of the note's decrypted content.
func (s *Store) Read(name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.lookup(name)
	if !ok {
		return nil, errors.NotFound{Name: name}
	}

	text := make([]byte, len(n.text))
	copy(text, n.text)
	return text, nil
}

// Write replaces the note's content and marks it dirty for the next sync
// pass.
func (s *Store) Write(name string, text []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.lookup(name)
	if !ok {
		return errors.NotFound{Name: name}
	}
	if n.unreadable {
		// Writing through the placeholder would push garbage over a
		// payload a newer client can still decrypt.
		return errors.UnsupportedVersion{ItemID: n.id}
	}

	n.text = string(text)
	s.touch(n)
	return nil
}

// GetByID returns the attributes of the note with the given id. Open file
// nodes resolve by id rather than filename, so a background merge that
// renames a note doesn't strand them.
func (s *Store) GetByID(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.lookupID(id)
	if !ok {
		return Entry{}, false
	}
	return n.entry(), true
}

// ReadByID is Read keyed by note id.
func (s *Store) ReadByID(id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.lookupID(id)
	if !ok {
		return nil, errors.NotFound{Name: id}
	}

	text := make([]byte, len(n.text))
	copy(text, n.text)
	return text, nil
}

// WriteByID is Write keyed by note id.
func (s *Store) WriteByID(id string, text []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.lookupID(id)
	if !ok {
		return errors.NotFound{Name: id}
	}
	if n.unreadable {
		// Writing through the placeholder would push garbage over a
		// payload a newer client can still decrypt.
		return errors.UnsupportedVersion{ItemID: n.id}
	}

	n.text = string(text)
	s.touch(n)
	return nil
}

// Create adds a new empty note titled after the given filename. The note is
// listed immediately and pushed on the next sync pass. The returned snapshot
// carries the assigned filename, which only differs from the requested one
// if the title collides with an existing note.
func (s *Store) Create(name string) (Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := &note{
		id:        newID(),
		title:     s.titleFromName(name),
		createdAt: now(),
		updatedAt: now(),
		dirty:     true,
		seq:       1,
	}
	s.notes[n.id] = n
	s.rebuildNames()
	return n.snapshot(), nil
}

// Rename changes the note's title to match the new filename. If the name is
// already taken, the collision is resolved by deterministic suffixing --
// never by silently overwriting the other note.
func (s *Store) Rename(oldName, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.lookup(oldName)
	if !ok {
		return errors.NotFound{Name: oldName}
	}
	if oldName == newName {
		return nil
	}

	n.title = s.titleFromName(newName)
	s.touch(n)
	s.rebuildNames()
	return nil
}

// Delete tombstones the note. It disappears from listings immediately, and
// the deletion is pushed on the next sync pass. The tombstone is kept until
// the push is confirmed, so a crash before confirmation re-sends it --
// deletes are idempotent server-side.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.lookup(name)
	if !ok {
		return errors.NotFound{Name: name}
	}

	n.deleted = true
	s.touch(n)
	s.rebuildNames()
	return nil
}

// SnapshotDirty returns copies of every note with unsynced local edits,
// including tombstones. The copies carry each note's change sequence so a
// later Confirm can tell whether the note was edited mid-push.
func (s *Store) SnapshotDirty() []Note {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dirty []Note
	for _, n := range s.notes {
		if n.dirty && !n.unreadable {
			dirty = append(dirty, n.snapshot())
		}
	}
	return dirty
}

// ApplyRemote merges the results of a sync pass in one locked step:
// confirmed pushes clear dirty flags, and remote changes overwrite local
// state unless the note is locally dirty, in which case the server copy
// stays canonical and the local edit is retained as a separate conflicted
// copy -- never silently dropped.
func (s *Store) ApplyRemote(changes []RemoteChange, confirmed []Confirm) []Conflict {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range confirmed {
		n, ok := s.notes[c.ID]
		if !ok || n.seq != c.Seq {
			// The note changed while the push was in flight. The new
			// edit hasn't been pushed, so the dirty flag stays.
			continue
		}
		if n.deleted {
			delete(s.notes, n.id)
		} else {
			n.dirty = false
		}
	}

	var conflicts []Conflict
	for _, change := range changes {
		if change.Deleted {
			n, ok := s.notes[change.ID]
			if !ok || n.dirty {
				// A dirty local copy outlives the remote deletion; the
				// next push re-creates it.
				continue
			}
			delete(s.notes, n.id)
			continue
		}

		n, ok := s.notes[change.ID]
		if !ok {
			s.notes[change.ID] = remoteNote(change)
			continue
		}

		if n.dirty && !n.unreadable &&
			(n.text != change.Text || n.title != change.Title) {
			copyID := s.retainConflictedCopy(n)
			conflicts = append(conflicts, Conflict{ID: n.id, CopyID: copyID})
			log.WithFields(log.Fields{
				"note": n.id,
				"copy": copyID,
			}).Info("Note was edited both locally and remotely. " +
				"Kept the local edit as a conflicted copy.")
		}

		s.notes[change.ID] = remoteNote(change)
	}

	s.rebuildNames()
	return conflicts
}

// Counts returns the number of live notes and the number of notes with
// unsynced local edits.
func (s *Store) Counts() (notes, dirty int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, n := range s.notes {
		if !n.deleted {
			notes++
		}
		if n.dirty {
			dirty++
		}
	}
	return
}

// lookup resolves a filename through the name index. Callers must hold the
// store lock.
func (s *Store) lookup(name string) (*note, bool) {
	item := s.names.Get(nameEntry{name: name})
	if item == nil {
		return nil, false
	}
	return s.notes[item.(nameEntry).id], true
}

// lookupID resolves a note id to a live note. Tombstoned notes don't
// resolve. Callers must hold the store lock.
func (s *Store) lookupID(id string) (*note, bool) {
	n, ok := s.notes[id]
	if !ok || n.deleted {
		return nil, false
	}
	return n, true
}

// touch records a local mutation. Callers must hold the store lock.
func (s *Store) touch(n *note) {
	n.dirty = true
	n.updatedAt = now()
	n.seq++
}

// retainConflictedCopy clones a dirty note under a fresh id so the local
// edit survives the server copy overwriting the canonical note. Callers
// must hold the store lock.
func (s *Store) retainConflictedCopy(n *note) string {
	cp := &note{
		id:        newID(),
		title:     n.title + conflictedCopySuffix,
		text:      n.text,
		createdAt: now(),
		updatedAt: n.updatedAt,
		dirty:     true,
		seq:       1,
	}
	s.notes[cp.id] = cp
	return cp.id
}

func remoteNote(change RemoteChange) *note {
	return &note{
		id:         change.ID,
		title:      change.Title,
		text:       change.Text,
		createdAt:  change.CreatedAt,
		updatedAt:  change.UpdatedAt,
		unreadable: change.Unreadable,
	}
}

func (n *note) entry() Entry {
	return Entry{
		Name:      n.name,
		ID:        n.id,
		Size:      len(n.text),
		CreatedAt: n.createdAt,
		UpdatedAt: n.updatedAt,
	}
}

func (n *note) snapshot() Note {
	return Note{
		ID:        n.id,
		Title:     n.title,
		Text:      n.text,
		Name:      n.name,
		CreatedAt: n.createdAt,
		UpdatedAt: n.updatedAt,
		Deleted:   n.deleted,
		Seq:       n.seq,
	}
}
