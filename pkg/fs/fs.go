// Package fs adapts the note store to a FUSE filesystem. The mount is a
// single flat directory: one file per note, named after its title. All
// operations are answered from the in-memory store; nothing here touches
// the network, so a dead server never blocks a read.
package fs

import (
	"context"
	"hash/fnv"
	"os"
	"sync"
	"time"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/snfs/pkg/errors"
	"github.com/sidkik/snfs/pkg/store"
)

// attrValidity is how long the kernel may cache attributes. Short, because
// the background sync can change sizes and mtimes at any tick.
const attrValidity = 1 * time.Second

// FS is the filesystem root.
type FS struct {
	store *store.Store
}

// New creates a filesystem serving the given store.
func New(st *store.Store) *FS {
	return &FS{store: st}
}

// Root returns the single directory all notes live in.
func (f *FS) Root() (fusefs.Node, error) {
	return &Dir{store: f.store}, nil
}

// Dir is the root directory. The mount has no subdirectories, so this is
// the only Dir that ever exists.
type Dir struct {
	store *store.Store
}

func (d *Dir) Attr(_ context.Context, a *fuse.Attr) error {
	a.Valid = attrValidity
	a.Inode = 1
	a.Mode = os.ModeDir | 0700
	a.Uid = uint32(os.Getuid())
	a.Gid = uint32(os.Getgid())
	return nil
}

func (d *Dir) Lookup(_ context.Context, name string) (fusefs.Node, error) {
	entry, ok := d.store.Get(name)
	if !ok {
		return nil, fuse.ENOENT
	}
	return &File{store: d.store, id: entry.ID}, nil
}

func (d *Dir) ReadDirAll(_ context.Context) ([]fuse.Dirent, error) {
	entries := d.store.List()
	dirents := make([]fuse.Dirent, 0, len(entries))
	for _, entry := range entries {
		dirents = append(dirents, fuse.Dirent{
			Inode: inode(entry.ID),
			Name:  entry.Name,
			Type:  fuse.DT_File,
		})
	}
	return dirents, nil
}

func (d *Dir) Create(_ context.Context, req *fuse.CreateRequest, _ *fuse.CreateResponse) (
	fusefs.Node, fusefs.Handle, error) {

	note, err := d.store.Create(req.Name)
	if err != nil {
		return nil, nil, errno(err)
	}

	file := &File{store: d.store, id: note.ID}
	return file, &handle{file: file}, nil
}

func (d *Dir) Remove(_ context.Context, req *fuse.RemoveRequest) error {
	if req.Dir {
		return fuse.EPERM
	}
	if err := d.store.Delete(req.Name); err != nil {
		return errno(err)
	}
	return nil
}

func (d *Dir) Rename(_ context.Context, req *fuse.RenameRequest, newDir fusefs.Node) error {
	if _, ok := newDir.(*Dir); !ok {
		return fuse.EPERM
	}
	if err := d.store.Rename(req.OldName, req.NewName); err != nil {
		return errno(err)
	}
	return nil
}

// The note service has no folder concept, so directory creation and links
// are rejected outright rather than faked.

func (d *Dir) Mkdir(_ context.Context, _ *fuse.MkdirRequest) (fusefs.Node, error) {
	return nil, fuse.EPERM
}

func (d *Dir) Symlink(_ context.Context, _ *fuse.SymlinkRequest) (fusefs.Node, error) {
	return nil, fuse.EPERM
}

func (d *Dir) Link(_ context.Context, _ *fuse.LinkRequest, _ fusefs.Node) (fusefs.Node, error) {
	return nil, fuse.EPERM
}

// File is one note. It resolves by note id rather than by the filename
// seen at Lookup time, so a background merge that renames the note doesn't
// strand open nodes or drop their buffered edits.
type File struct {
	store *store.Store
	id    string
}

func (f *File) Attr(_ context.Context, a *fuse.Attr) error {
	entry, ok := f.store.GetByID(f.id)
	if !ok {
		return fuse.ENOENT
	}

	a.Valid = attrValidity
	a.Inode = inode(entry.ID)
	a.Mode = 0600
	a.Size = uint64(entry.Size)
	a.Mtime = entry.UpdatedAt
	a.Ctime = entry.CreatedAt
	a.Uid = uint32(os.Getuid())
	a.Gid = uint32(os.Getgid())
	return nil
}

func (f *File) Open(_ context.Context, req *fuse.OpenRequest, _ *fuse.OpenResponse) (
	fusefs.Handle, error) {

	h := &handle{file: f}
	if req.Flags&fuse.OpenTruncate == 0 {
		text, err := f.store.ReadByID(f.id)
		if err != nil {
			return nil, errno(err)
		}
		h.data = text
	} else {
		h.dirty = true
	}
	return h, nil
}

func (f *File) Setattr(_ context.Context, req *fuse.SetattrRequest, _ *fuse.SetattrResponse) error {
	if req.Valid.Size() {
		text, err := f.store.ReadByID(f.id)
		if err != nil {
			return errno(err)
		}
		if err := f.store.WriteByID(f.id, resize(text, int(req.Size))); err != nil {
			return errno(err)
		}
	}
	// Mode and ownership are fixed by the mount; time updates follow from
	// content writes. Accept the request without recording them.
	return nil
}

func (f *File) Fsync(_ context.Context, _ *fuse.FsyncRequest) error {
	// Durability is the background sync's job; there is no local disk state
	// to flush.
	return nil
}

// handle is one open file descriptor. Writes accumulate in the buffer and
// commit to the store once, on flush, so a multi-write save lands as a
// single edit.
type handle struct {
	file *File

	mu    sync.Mutex
	data  []byte
	dirty bool
}

func (h *handle) ReadAll(_ context.Context) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	data := make([]byte, len(h.data))
	copy(data, h.data)
	return data, nil
}

func (h *handle) Write(_ context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	end := int(req.Offset) + len(req.Data)
	if end > len(h.data) {
		h.data = resize(h.data, end)
	}
	copy(h.data[req.Offset:], req.Data)
	h.dirty = true

	resp.Size = len(req.Data)
	return nil
}

func (h *handle) Flush(_ context.Context, _ *fuse.FlushRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty {
		return nil
	}
	if err := h.file.store.WriteByID(h.file.id, h.data); err != nil {
		return errno(err)
	}
	h.dirty = false
	return nil
}

func (h *handle) Release(ctx context.Context, _ *fuse.ReleaseRequest) error {
	// Close without flush still commits: some editors skip the final
	// flush on rename-over-save.
	return h.Flush(ctx, nil)
}

// resize truncates or zero-extends data to n bytes.
func resize(data []byte, n int) []byte {
	if n <= len(data) {
		return data[:n]
	}
	grown := make([]byte, n)
	copy(grown, data)
	return grown
}

// inode derives a stable inode number from the note id, so a note keeps
// its inode across renames and remounts.
func inode(id string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64()
}

// errno maps store errors onto FUSE errnos. Writes through an unreadable
// placeholder are permission errors, not I/O errors: the file exists, the
// client just must not clobber it.
func errno(err error) error {
	switch errors.RootCause(err).(type) {
	case errors.NotFound:
		return fuse.ENOENT
	case errors.UnsupportedVersion:
		return fuse.EPERM
	}
	log.WithError(err).Error("Unexpected filesystem error")
	return fuse.EIO
}
