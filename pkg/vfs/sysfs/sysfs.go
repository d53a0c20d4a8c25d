// Package sysfs exposes kernel state as a tree of synthetic attribute
// files: a directory structure built up by RegisterDir/RegisterAttr,
// where each leaf file's content is produced by a callback at read time
// rather than stored, mirroring fs_mknode's dynamic node construction.
package sysfs

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/susmicrosystems/corekernel/pkg/errors"
	"github.com/susmicrosystems/corekernel/pkg/vfs"
	"github.com/susmicrosystems/corekernel/pkg/vmm"
)

var inoCounter uint64

func nextIno() uint64 { return atomic.AddUint64(&inoCounter, 1) }

// AttrFunc produces an attribute file's current content on demand.
type AttrFunc func() []byte

// FS is one sysfs instance rooted at an empty directory.
type FS struct {
	sb   *vfs.Superblock
	root *dir
}

// New creates an empty sysfs tree.
func New() *FS {
	root := newDir()
	return &FS{sb: vfs.NewSuperblock("sysfs", root, 64), root: root}
}

func (fs *FS) Superblock() *vfs.Superblock { return fs.sb }

// RegisterDir creates (or returns, if it already exists) a subdirectory
// at the given path components relative to root.
func (fs *FS) RegisterDir(path ...string) *dir {
	d := fs.root
	for _, name := range path {
		d = d.subdir(name)
	}
	return d
}

// RegisterAttr installs a read-only attribute file named name under d,
// whose contents are produced by fn each time it is read.
func (d *dir) RegisterAttr(name string, fn AttrFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attrs[name] = &attr{ino: nextIno(), fn: fn}
}

type dir struct {
	mu      sync.Mutex
	ino     uint64
	parent  *dir
	subdirs map[string]*dir
	attrs   map[string]*attr
}

func newDir() *dir {
	return &dir{ino: nextIno(), subdirs: make(map[string]*dir), attrs: make(map[string]*attr)}
}

func (d *dir) subdir(name string) *dir {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sub, ok := d.subdirs[name]; ok {
		return sub
	}
	sub := newDir()
	sub.parent = d
	d.subdirs[name] = sub
	return sub
}

func (d *dir) Ino() uint64 { return d.ino }

func (d *dir) GetAttr() vfs.Attr { return vfs.Attr{Mode: vfs.ModeDir | 0o555, Nlink: 2} }
func (d *dir) SetAttr(vfs.Attr) error { return errors.ErrNotSupported }

func (d *dir) Lookup(name string) (vfs.Node, error) {
	if name == ".." {
		if d.parent != nil {
			return d.parent, nil
		}
		return d, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if sub, ok := d.subdirs[name]; ok {
		return sub, nil
	}
	if a, ok := d.attrs[name]; ok {
		return a, nil
	}
	return nil, errors.ErrNotFound
}

func (d *dir) Readdir(fn func(vfs.DirEntry) bool) error {
	d.mu.Lock()
	entries := make([]vfs.DirEntry, 0, len(d.subdirs)+len(d.attrs))
	for name, sub := range d.subdirs {
		entries = append(entries, vfs.DirEntry{Name: name, Ino: sub.ino, Mode: vfs.ModeDir})
	}
	for name, a := range d.attrs {
		entries = append(entries, vfs.DirEntry{Name: name, Ino: a.ino, Mode: vfs.ModeReg | 0o444})
	}
	d.mu.Unlock()
	for _, e := range entries {
		if !fn(e) {
			break
		}
	}
	return nil
}

func (d *dir) Create(string, vfs.Mode) (vfs.Node, error) { return nil, errors.ErrNotSupported }
func (d *dir) Mkdir(string, vfs.Mode) (vfs.Node, error)  { return nil, errors.ErrNotSupported }
func (d *dir) Unlink(string) error                       { return errors.ErrNotSupported }
func (d *dir) Rmdir(string) error                        { return errors.ErrNotSupported }
func (d *dir) Link(string, vfs.Node) error                { return errors.ErrNotSupported }
func (d *dir) Rename(string, vfs.Node, string) error      { return errors.ErrNotSupported }
func (d *dir) ReadAt([]byte, int64) (int, error)         { return 0, errors.ErrInvalid }
func (d *dir) WriteAt([]byte, int64) (int, error)        { return 0, errors.ErrInvalid }
func (d *dir) Truncate(int64) error                       { return errors.ErrInvalid }
func (d *dir) Mmap(int64, int) (vmm.ZoneFaultFunc, error) { return nil, errors.ErrNotSupported }
func (d *dir) Readlink() (string, error)                 { return "", errors.ErrInvalid }
func (d *dir) Symlink(string, string) (vfs.Node, error)  { return nil, errors.ErrNotSupported }

// attr is a read-only synthetic file whose bytes come from an AttrFunc
// evaluated fresh on every ReadAt, so it always reflects live kernel
// state rather than a stale snapshot.
type attr struct {
	ino uint64
	fn  AttrFunc
}

func (a *attr) Ino() uint64 { return a.ino }

func (a *attr) GetAttr() vfs.Attr {
	return vfs.Attr{Mode: vfs.ModeReg | 0o444, Size: int64(len(a.fn()))}
}
func (a *attr) SetAttr(vfs.Attr) error { return errors.ErrNotSupported }

func (a *attr) ReadAt(buf []byte, off int64) (int, error) {
	data := a.fn()
	if off < 0 || off >= int64(len(data)) {
		return 0, nil
	}
	return copy(buf, data[off:]), nil
}

func (a *attr) Lookup(string) (vfs.Node, error)          { return nil, errors.New("vfs: not a directory") }
func (a *attr) Create(string, vfs.Mode) (vfs.Node, error) { return nil, errors.New("vfs: not a directory") }
func (a *attr) Mkdir(string, vfs.Mode) (vfs.Node, error)  { return nil, errors.New("vfs: not a directory") }
func (a *attr) Unlink(string) error                       { return errors.New("vfs: not a directory") }
func (a *attr) Rmdir(string) error                        { return errors.New("vfs: not a directory") }
func (a *attr) Readdir(func(vfs.DirEntry) bool) error     { return errors.New("vfs: not a directory") }
func (a *attr) Link(string, vfs.Node) error                { return errors.New("vfs: not a directory") }
func (a *attr) Rename(string, vfs.Node, string) error      { return errors.New("vfs: not a directory") }
func (a *attr) WriteAt([]byte, int64) (int, error)        { return 0, errors.ErrNotSupported }
func (a *attr) Truncate(int64) error                       { return errors.ErrNotSupported }
func (a *attr) Mmap(int64, int) (vmm.ZoneFaultFunc, error) { return nil, errors.ErrNotSupported }
func (a *attr) Readlink() (string, error)                 { return "", errors.ErrInvalid }
func (a *attr) Symlink(string, string) (vfs.Node, error)  { return nil, errors.ErrNotSupported }

// FormatInt is a small helper attribute-value formatter used by callers
// wiring counters into AttrFunc closures.
func FormatInt(v int64) []byte { return []byte(strconv.FormatInt(v, 10)) }
