// Package ramfs is an in-memory filesystem: directories, regular files
// and symlinks backed by nothing but Go memory, used as the root
// filesystem and as tmpfs-style mounts.
package ramfs

import (
	"sync"
	"sync/atomic"

	"github.com/sasha-s/go-deadlock"
	"github.com/samber/lo"

	"github.com/susmicrosystems/corekernel/pkg/errors"
	"github.com/susmicrosystems/corekernel/pkg/vfs"
	"github.com/susmicrosystems/corekernel/pkg/vmm"
)

var inoCounter uint64

func nextIno() uint64 { return atomic.AddUint64(&inoCounter, 1) }

// FS is one ramfs instance, holding only its superblock. Nodes keep no
// reference to it; each directory links to its parent directly, which is
// how Lookup("..") is answered.
type FS struct {
	sb *vfs.Superblock
}

// New creates a fresh ramfs with an empty root directory.
func New() *FS {
	fs := &FS{}
	root := newDir(nil, vfs.Mode(0o755))
	fs.sb = vfs.NewSuperblock("ramfs", root, 64)
	root.parent = root
	return fs
}

// Superblock returns the filesystem's superblock, ready to pass to
// VFS.Mount or used directly as the global root.
func (fs *FS) Superblock() *vfs.Superblock { return fs.sb }

type dirent struct {
	name string
	node vfs.Node
}

type dir struct {
	mu      deadlock.Mutex
	ino     uint64
	attr    vfs.Attr
	parent  *dir
	entries []dirent
}

func newDir(parent *dir, mode vfs.Mode) *dir {
	d := &dir{
		ino:    nextIno(),
		attr:   vfs.Attr{Mode: vfs.ModeDir | mode, Nlink: 2},
		parent: parent,
	}
	if parent == nil {
		d.parent = d
	}
	return d
}

func (d *dir) Ino() uint64 { return d.ino }

func (d *dir) GetAttr() vfs.Attr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attr
}

func (d *dir) SetAttr(a vfs.Attr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attr.Mode = a.Mode
	d.attr.UID = a.UID
	d.attr.GID = a.GID
	return nil
}

func (d *dir) find(name string) (int, vfs.Node) {
	for i, e := range d.entries {
		if e.name == name {
			return i, e.node
		}
	}
	return -1, nil
}

func (d *dir) Lookup(name string) (vfs.Node, error) {
	if name == ".." {
		return d.parent, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, n := d.find(name)
	if n == nil {
		return nil, errors.ErrNotFound
	}
	return n, nil
}

func (d *dir) addChild(name string, n vfs.Node) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.find(name); exists != nil {
		return errors.New("vfs: file exists")
	}
	d.entries = append(d.entries, dirent{name: name, node: n})
	return nil
}

func (d *dir) Create(name string, mode vfs.Mode) (vfs.Node, error) {
	f := &file{ino: nextIno(), attr: vfs.Attr{Mode: vfs.ModeReg | (mode &^ vfs.ModeFmt), Nlink: 1}}
	if err := d.addChild(name, f); err != nil {
		return nil, err
	}
	return f, nil
}

func (d *dir) Mkdir(name string, mode vfs.Mode) (vfs.Node, error) {
	child := newDir(d, mode&^vfs.ModeFmt)
	if err := d.addChild(name, child); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.attr.Nlink++
	d.mu.Unlock()
	return child, nil
}

func (d *dir) Unlink(name string) error {
	d.mu.Lock()
	i, n := d.find(name)
	if n == nil {
		d.mu.Unlock()
		return errors.ErrNotFound
	}
	if n.GetAttr().Mode.IsDir() {
		d.mu.Unlock()
		return errors.New("vfs: is a directory")
	}
	d.entries = append(d.entries[:i], d.entries[i+1:]...)
	d.mu.Unlock()
	if f, ok := n.(*file); ok {
		f.adjustNlink(-1)
	}
	return nil
}

func (d *dir) Rmdir(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	i, n := d.find(name)
	if n == nil {
		return errors.ErrNotFound
	}
	sub, ok := n.(*dir)
	if !ok || !sub.GetAttr().Mode.IsDir() {
		return errors.New("vfs: not a directory")
	}
	sub.mu.Lock()
	empty := len(sub.entries) == 0
	sub.mu.Unlock()
	if !empty {
		return errors.New("vfs: directory not empty")
	}
	d.entries = append(d.entries[:i], d.entries[i+1:]...)
	d.attr.Nlink--
	return nil
}

// Link installs target under name as an additional hardlink. Only
// regular files may be hardlinked; directories and symlinks are
// rejected, matching POSIX link(2).
func (d *dir) Link(name string, target vfs.Node) error {
	f, ok := target.(*file)
	if !ok {
		return errors.New("vfs: operation not permitted")
	}
	if err := d.addChild(name, f); err != nil {
		return err
	}
	f.adjustNlink(1)
	return nil
}

// Rename moves oldName out of d and installs it as newName under newDir,
// overwriting any existing entry of that name there.
func (d *dir) Rename(oldName string, newDir vfs.Node, newName string) error {
	nd, ok := newDir.(*dir)
	if !ok {
		return errors.ErrInvalid
	}
	d.mu.Lock()
	i, n := d.find(oldName)
	if n == nil {
		d.mu.Unlock()
		return errors.ErrNotFound
	}
	d.entries = append(d.entries[:i], d.entries[i+1:]...)
	d.mu.Unlock()

	nd.mu.Lock()
	defer nd.mu.Unlock()
	if j, existing := nd.find(newName); existing != nil {
		nd.entries = append(nd.entries[:j], nd.entries[j+1:]...)
	}
	nd.entries = append(nd.entries, dirent{name: newName, node: n})
	return nil
}

func (d *dir) Readdir(fn func(vfs.DirEntry) bool) error {
	d.mu.Lock()
	entries := lo.Map(d.entries, func(e dirent, _ int) vfs.DirEntry {
		return vfs.DirEntry{Name: e.name, Ino: e.node.Ino(), Mode: e.node.GetAttr().Mode}
	})
	d.mu.Unlock()
	for _, e := range entries {
		if !fn(e) {
			break
		}
	}
	return nil
}

func (d *dir) ReadAt([]byte, int64) (int, error)  { return 0, errors.ErrInvalid }
func (d *dir) WriteAt([]byte, int64) (int, error) { return 0, errors.ErrInvalid }
func (d *dir) Truncate(int64) error               { return errors.ErrInvalid }
func (d *dir) Mmap(int64, int) (vmm.ZoneFaultFunc, error) {
	return nil, errors.New("vfs: is a directory")
}
func (d *dir) Readlink() (string, error) { return "", errors.ErrInvalid }

func (d *dir) Symlink(name, target string) (vfs.Node, error) {
	l := &symlink{ino: nextIno(), target: target, attr: vfs.Attr{Mode: vfs.ModeLink | 0o777, Nlink: 1}}
	if err := d.addChild(name, l); err != nil {
		return nil, err
	}
	return l, nil
}

// file is an in-memory regular file, a direct analogue of ramfs_reg's
// struct ramfile: a growable byte buffer under a mutex.
type file struct {
	mu   sync.RWMutex
	ino  uint64
	attr vfs.Attr
	data []byte
}

func (f *file) Ino() uint64 { return f.ino }

func (f *file) GetAttr() vfs.Attr {
	f.mu.RLock()
	defer f.mu.RUnlock()
	a := f.attr
	a.Size = int64(len(f.data))
	return a
}

func (f *file) SetAttr(a vfs.Attr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attr.Mode = a.Mode
	f.attr.UID = a.UID
	f.attr.GID = a.GID
	return nil
}

func (f *file) Lookup(string) (vfs.Node, error)            { return nil, errors.New("vfs: not a directory") }
func (f *file) Create(string, vfs.Mode) (vfs.Node, error)   { return nil, errors.New("vfs: not a directory") }
func (f *file) Mkdir(string, vfs.Mode) (vfs.Node, error)    { return nil, errors.New("vfs: not a directory") }
func (f *file) Unlink(string) error                         { return errors.New("vfs: not a directory") }
func (f *file) Rmdir(string) error                          { return errors.New("vfs: not a directory") }
func (f *file) Readdir(func(vfs.DirEntry) bool) error       { return errors.New("vfs: not a directory") }
func (f *file) Link(string, vfs.Node) error                 { return errors.New("vfs: not a directory") }
func (f *file) Rename(string, vfs.Node, string) error       { return errors.New("vfs: not a directory") }
func (f *file) Readlink() (string, error)                   { return "", errors.ErrInvalid }
func (f *file) Symlink(string, string) (vfs.Node, error)    { return nil, errors.New("vfs: not a directory") }

// adjustNlink changes the file's link count by delta, called by Link when
// a new name is hardlinked to it and by Unlink when one is removed.
func (f *file) adjustNlink(delta int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attr.Nlink = uint32(int64(f.attr.Nlink) + int64(delta))
}

// Mmap rejects a negative offset or a non-positive size and returns a
// ZoneFaultFunc reading straight from the file's buffer, the backing a
// vmm.Zone calls into on a fault within the mapping. The range is not
// checked against the file's current size.
func (f *file) Mmap(off int64, size int) (vmm.ZoneFaultFunc, error) {
	if off < 0 || size <= 0 {
		return nil, errors.ErrInvalid
	}
	return func(foff int64, buf []byte) error {
		_, err := f.ReadAt(buf, foff)
		return err
	}, nil
}

func (f *file) ReadAt(buf []byte, off int64) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if off < 0 || off >= int64(len(f.data)) {
		return 0, nil
	}
	n := copy(buf, f.data[off:])
	return n, nil
}

func (f *file) WriteAt(buf []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	end := off + int64(len(buf))
	if end > int64(len(f.data)) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	n := copy(f.data[off:end], buf)
	return n, nil
}

func (f *file) Truncate(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case size < 0:
		return errors.ErrInvalid
	case size <= int64(len(f.data)):
		f.data = f.data[:size]
	default:
		grown := make([]byte, size)
		copy(grown, f.data)
		f.data = grown
	}
	return nil
}

// symlink is a fixed-at-creation path target, mirroring ramfs_lnk.
type symlink struct {
	ino    uint64
	target string
	attr   vfs.Attr
}

func (l *symlink) Ino() uint64                { return l.ino }
func (l *symlink) GetAttr() vfs.Attr           { return l.attr }
func (l *symlink) SetAttr(a vfs.Attr) error    { l.attr.UID, l.attr.GID = a.UID, a.GID; return nil }
func (l *symlink) Lookup(string) (vfs.Node, error)          { return nil, errors.ErrInvalid }
func (l *symlink) Create(string, vfs.Mode) (vfs.Node, error) { return nil, errors.ErrInvalid }
func (l *symlink) Mkdir(string, vfs.Mode) (vfs.Node, error)  { return nil, errors.ErrInvalid }
func (l *symlink) Unlink(string) error                       { return errors.ErrInvalid }
func (l *symlink) Rmdir(string) error                        { return errors.ErrInvalid }
func (l *symlink) Readdir(func(vfs.DirEntry) bool) error     { return errors.ErrInvalid }
func (l *symlink) Link(string, vfs.Node) error               { return errors.ErrInvalid }
func (l *symlink) Rename(string, vfs.Node, string) error     { return errors.ErrInvalid }
func (l *symlink) ReadAt([]byte, int64) (int, error)         { return 0, errors.ErrInvalid }
func (l *symlink) WriteAt([]byte, int64) (int, error)        { return 0, errors.ErrInvalid }
func (l *symlink) Truncate(int64) error                      { return errors.ErrInvalid }
func (l *symlink) Mmap(int64, int) (vmm.ZoneFaultFunc, error) { return nil, errors.ErrInvalid }
func (l *symlink) Readlink() (string, error)                 { return l.target, nil }
func (l *symlink) Symlink(string, string) (vfs.Node, error)  { return nil, errors.ErrInvalid }
