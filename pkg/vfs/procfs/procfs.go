// Package procfs exposes the live process table as a filesystem: one
// directory per thread ID, each containing a "name" file (the owning
// process's name) and a "maps" file (its address space's free-range
// layout), mirroring procfs.c's CAT_TID node category.
package procfs

import (
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/susmicrosystems/corekernel/pkg/errors"
	"github.com/susmicrosystems/corekernel/pkg/proc"
	"github.com/susmicrosystems/corekernel/pkg/vfs"
	"github.com/susmicrosystems/corekernel/pkg/vmm"
)

var inoCounter uint64

func nextIno() uint64 { return atomic.AddUint64(&inoCounter, 1) }

// FS exposes mgr's process table rooted at a synthetic root directory.
type FS struct {
	mgr *proc.Manager
	sb  *vfs.Superblock
}

// New wraps mgr, the process table to expose.
func New(mgr *proc.Manager) *FS {
	fs := &FS{mgr: mgr}
	fs.sb = vfs.NewSuperblock("procfs", &rootDir{fs: fs, ino: nextIno()}, 32)
	return fs
}

func (fs *FS) Superblock() *vfs.Superblock { return fs.sb }

// rootDir lists every live TID as a subdirectory, matching root_readdir.
type rootDir struct {
	fs  *FS
	ino uint64
}

func (d *rootDir) Ino() uint64      { return d.ino }
func (d *rootDir) GetAttr() vfs.Attr { return vfs.Attr{Mode: vfs.ModeDir | 0o555, Nlink: 2} }
func (d *rootDir) SetAttr(vfs.Attr) error { return errors.ErrNotSupported }

func (d *rootDir) Lookup(name string) (vfs.Node, error) {
	if name == ".." {
		return d, nil
	}
	tid, err := strconv.ParseInt(name, 10, 64)
	if err != nil {
		return nil, errors.ErrNotFound
	}
	p, t := d.fs.findThread(tid)
	if t == nil {
		return nil, errors.ErrNotFound
	}
	return &tidDir{fs: d.fs, ino: nextIno(), tid: tid, proc: p, thread: t}, nil
}

func (d *rootDir) Readdir(fn func(vfs.DirEntry) bool) error {
	for _, p := range d.fs.mgr.AllProcs() {
		for tid := range p.Threads {
			if !fn(vfs.DirEntry{Name: strconv.FormatInt(tid, 10), Ino: uint64(tid), Mode: vfs.ModeDir}) {
				return nil
			}
		}
	}
	return nil
}

func (d *rootDir) Create(string, vfs.Mode) (vfs.Node, error) { return nil, errors.ErrNotSupported }
func (d *rootDir) Mkdir(string, vfs.Mode) (vfs.Node, error)  { return nil, errors.ErrNotSupported }
func (d *rootDir) Unlink(string) error                       { return errors.ErrNotSupported }
func (d *rootDir) Rmdir(string) error                        { return errors.ErrNotSupported }
func (d *rootDir) Link(string, vfs.Node) error                { return errors.ErrNotSupported }
func (d *rootDir) Rename(string, vfs.Node, string) error      { return errors.ErrNotSupported }
func (d *rootDir) ReadAt([]byte, int64) (int, error)          { return 0, errors.ErrInvalid }
func (d *rootDir) WriteAt([]byte, int64) (int, error)         { return 0, errors.ErrInvalid }
func (d *rootDir) Truncate(int64) error                        { return errors.ErrInvalid }
func (d *rootDir) Mmap(int64, int) (vmm.ZoneFaultFunc, error) { return nil, errors.ErrNotSupported }
func (d *rootDir) Readlink() (string, error)                  { return "", errors.ErrInvalid }
func (d *rootDir) Symlink(string, string) (vfs.Node, error)   { return nil, errors.ErrNotSupported }

func (fs *FS) findThread(tid int64) (*proc.Process, *proc.Thread) {
	for _, p := range fs.mgr.AllProcs() {
		if t, ok := p.Threads[tid]; ok {
			return p, t
		}
	}
	return nil, nil
}

// tidDir is CAT_TID's per-thread directory: "name" and "maps".
type tidDir struct {
	fs     *FS
	ino    uint64
	tid    int64
	proc   *proc.Process
	thread *proc.Thread
}

func (d *tidDir) Ino() uint64       { return d.ino }
func (d *tidDir) GetAttr() vfs.Attr { return vfs.Attr{Mode: vfs.ModeDir | 0o555, Nlink: 2} }
func (d *tidDir) SetAttr(vfs.Attr) error { return errors.ErrNotSupported }

func (d *tidDir) Lookup(name string) (vfs.Node, error) {
	switch name {
	case "name":
		return &tidFile{ino: nextIno(), fn: func() []byte { return []byte(d.proc.Name) }}, nil
	case "maps":
		return &tidFile{ino: nextIno(), fn: func() []byte { return formatMaps(d.proc) }}, nil
	}
	return nil, errors.ErrNotFound
}

func (d *tidDir) Readdir(fn func(vfs.DirEntry) bool) error {
	for _, name := range []string{"name", "maps"} {
		if !fn(vfs.DirEntry{Name: name, Ino: nextIno(), Mode: vfs.ModeReg | 0o444}) {
			return nil
		}
	}
	return nil
}

func formatMaps(p *proc.Process) []byte {
	if p == nil || p.Space == nil {
		return nil
	}
	var out []byte
	for _, r := range p.Space.FreeRanges() {
		out = append(out, []byte(fmt.Sprintf("free %#x-%#x\n", r.Addr, r.Addr+r.Size))...)
	}
	return out
}

func (d *tidDir) Create(string, vfs.Mode) (vfs.Node, error) { return nil, errors.ErrNotSupported }
func (d *tidDir) Mkdir(string, vfs.Mode) (vfs.Node, error)  { return nil, errors.ErrNotSupported }
func (d *tidDir) Unlink(string) error                       { return errors.ErrNotSupported }
func (d *tidDir) Rmdir(string) error                        { return errors.ErrNotSupported }
func (d *tidDir) Link(string, vfs.Node) error                { return errors.ErrNotSupported }
func (d *tidDir) Rename(string, vfs.Node, string) error      { return errors.ErrNotSupported }
func (d *tidDir) ReadAt([]byte, int64) (int, error)          { return 0, errors.ErrInvalid }
func (d *tidDir) WriteAt([]byte, int64) (int, error)         { return 0, errors.ErrInvalid }
func (d *tidDir) Truncate(int64) error                        { return errors.ErrInvalid }
func (d *tidDir) Mmap(int64, int) (vmm.ZoneFaultFunc, error) { return nil, errors.ErrNotSupported }
func (d *tidDir) Readlink() (string, error)                  { return "", errors.ErrInvalid }
func (d *tidDir) Symlink(string, string) (vfs.Node, error)   { return nil, errors.ErrNotSupported }

// tidFile is a read-only snapshot file: "name" or "maps" content
// computed fresh on each read.
type tidFile struct {
	ino uint64
	fn  func() []byte
}

func (f *tidFile) Ino() uint64 { return f.ino }
func (f *tidFile) GetAttr() vfs.Attr {
	return vfs.Attr{Mode: vfs.ModeReg | 0o444, Size: int64(len(f.fn()))}
}
func (f *tidFile) SetAttr(vfs.Attr) error { return errors.ErrNotSupported }

func (f *tidFile) ReadAt(buf []byte, off int64) (int, error) {
	data := f.fn()
	if off < 0 || off >= int64(len(data)) {
		return 0, nil
	}
	return copy(buf, data[off:]), nil
}

func (f *tidFile) Lookup(string) (vfs.Node, error)          { return nil, errors.New("vfs: not a directory") }
func (f *tidFile) Create(string, vfs.Mode) (vfs.Node, error) { return nil, errors.New("vfs: not a directory") }
func (f *tidFile) Mkdir(string, vfs.Mode) (vfs.Node, error)  { return nil, errors.New("vfs: not a directory") }
func (f *tidFile) Unlink(string) error                       { return errors.New("vfs: not a directory") }
func (f *tidFile) Rmdir(string) error                        { return errors.New("vfs: not a directory") }
func (f *tidFile) Readdir(func(vfs.DirEntry) bool) error     { return errors.New("vfs: not a directory") }
func (f *tidFile) Link(string, vfs.Node) error                { return errors.New("vfs: not a directory") }
func (f *tidFile) Rename(string, vfs.Node, string) error      { return errors.New("vfs: not a directory") }
func (f *tidFile) WriteAt([]byte, int64) (int, error)        { return 0, errors.ErrNotSupported }
func (f *tidFile) Truncate(int64) error                       { return errors.ErrNotSupported }
func (f *tidFile) Mmap(int64, int) (vmm.ZoneFaultFunc, error) { return nil, errors.ErrNotSupported }
func (f *tidFile) Readlink() (string, error)                 { return "", errors.ErrInvalid }
func (f *tidFile) Symlink(string, string) (vfs.Node, error)  { return nil, errors.ErrNotSupported }
