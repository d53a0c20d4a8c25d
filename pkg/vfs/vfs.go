// Package vfs implements the virtual filesystem layer: a Node/Superblock
// interface every concrete filesystem (ramfs, procfs, sysfs) plugs into,
// path resolution with mount stacking and symlink following, and a
// per-superblock inode cache (Superblock.Cache) a filesystem can use so
// repeated lookups of the same inode return the identical Node. Resolve
// itself does not consult the cache.
package vfs

import (
	"strings"

	"github.com/susmicrosystems/corekernel/pkg/errors"
	"github.com/susmicrosystems/corekernel/pkg/vmm"
)

// symloopMax bounds symlink resolution recursion, matching SYMLOOP_MAX
// (POSIX requires at least 8; Linux allows 40; this kernel, like the
// original, allows 64).
const symloopMax = 64

// Mode is a Unix-style file mode: type bits in S_IFMT plus permission
// bits.
type Mode uint32

const (
	ModeFmt    Mode = 0o170000
	ModeDir    Mode = 0o040000
	ModeReg    Mode = 0o100000
	ModeLink   Mode = 0o120000
	ModeFifo   Mode = 0o010000
	ModeChar   Mode = 0o020000
	ModeBlock  Mode = 0o060000
	ModeSocket Mode = 0o140000
)

func (m Mode) IsDir() bool  { return m&ModeFmt == ModeDir }
func (m Mode) IsLink() bool { return m&ModeFmt == ModeLink }
func (m Mode) IsReg() bool  { return m&ModeFmt == ModeReg }

// Attr is a node's stat-able metadata.
type Attr struct {
	Mode  Mode
	UID   uint32
	GID   uint32
	Size  int64
	Nlink uint32
	Rdev  uint32 // device number for ModeChar/ModeBlock nodes
}

// DirEntry is one entry yielded by Readdir.
type DirEntry struct {
	Name string
	Ino  uint64
	Mode Mode
}

// Node is the operation set every filesystem must implement. Path
// resolution, mount stacking, and the inode cache live in this package;
// everything below a single path component is the concrete filesystem's
// job, mirroring the original's node_op vtable dispatch.
type Node interface {
	Ino() uint64
	GetAttr() Attr
	SetAttr(Attr) error

	Lookup(name string) (Node, error)
	Create(name string, mode Mode) (Node, error)
	Mkdir(name string, mode Mode) (Node, error)
	Unlink(name string) error
	Rmdir(name string) error
	Readdir(fn func(DirEntry) bool) error

	// Link installs target under name in this directory as an additional
	// hardlink, bumping its link count instead of creating a new node.
	Link(name string, target Node) error
	// Rename moves the entry named oldName out of this directory and
	// installs it as newName under newDir, overwriting any existing entry
	// there of the same name.
	Rename(oldName string, newDir Node, newName string) error

	ReadAt(buf []byte, off int64) (int, error)
	WriteAt(buf []byte, off int64) (int, error)
	Truncate(size int64) error
	// Mmap validates a would-be mapping of [off, off+size) of this node
	// and, for a regular file, returns the vmm.ZoneFaultFunc a caller
	// installs on a vmm.Zone to page it in on demand.
	Mmap(off int64, size int) (vmm.ZoneFaultFunc, error)

	Readlink() (string, error)
	Symlink(name, target string) (Node, error)
}

// Superblock is one mounted filesystem instance.
type Superblock struct {
	FSType string
	Root   Node
	cache  *nodeCache
}

// NewSuperblock wraps root with a fresh inode cache, sized so its bucket
// count is the next power of two at or above hint (matching the
// original's power-of-two node_cache sizing).
func NewSuperblock(fsType string, root Node, hint int) *Superblock {
	return &Superblock{FSType: fsType, Root: root, cache: newNodeCache(hint)}
}

// Cache returns the superblock's inode cache, so a concrete filesystem
// can intern nodes it constructs on demand (e.g. ramfs building a Node
// for an inode it already has in its own table).
func (sb *Superblock) Cache() *nodeCache { return sb.cache }

// mountPoint records where a superblock is grafted into its parent
// namespace, so ".." at a mount root can escape back into the covering
// filesystem instead of resolving within the mounted one.
type mountPoint struct {
	sb      *Superblock
	covered Node // the node this mount hides
	parent  Node // covered's parent directory, for ".." escape
}

// VFS is the global namespace: a root superblock plus a stack of mounts
// layered on top of it. Mounting twice at the same point stacks;
// unmounting reveals the mount beneath.
type VFS struct {
	root   *Superblock
	mounts map[Node][]*mountPoint // keyed by the node each stack is mounted on
}

// New creates a VFS rooted at root.
func New(root *Superblock) *VFS {
	return &VFS{root: root, mounts: make(map[Node][]*mountPoint)}
}

// Mount grafts sb onto point, which must be a directory. parent is
// point's parent in whatever namespace it is being mounted into, used
// only to let ".." escape the new mount.
func (v *VFS) Mount(point Node, parent Node, sb *Superblock) error {
	if !point.GetAttr().Mode.IsDir() {
		return errors.ErrInvalid
	}
	v.mounts[point] = append(v.mounts[point], &mountPoint{sb: sb, covered: point, parent: parent})
	return nil
}

// Unmount pops the most recent mount at point.
func (v *VFS) Unmount(point Node) error {
	stack := v.mounts[point]
	if len(stack) == 0 {
		return errors.ErrInvalid
	}
	v.mounts[point] = stack[:len(stack)-1]
	return nil
}

// resolveMount follows node down through any mounts stacked on it,
// returning the innermost mounted root.
func (v *VFS) resolveMount(node Node) Node {
	for {
		stack := v.mounts[node]
		if len(stack) == 0 || !node.GetAttr().Mode.IsDir() {
			return node
		}
		node = stack[len(stack)-1].sb.Root
	}
}

// mountAbove returns the mountPoint whose sb.Root is node, if node is
// currently the top of some mount's stack — used to let ".." cross back
// out of a mounted filesystem.
func (v *VFS) mountAbove(node Node) *mountPoint {
	for _, stack := range v.mounts {
		if len(stack) == 0 {
			continue
		}
		top := stack[len(stack)-1]
		if top.sb.Root == node {
			return top
		}
	}
	return nil
}

// Resolve walks path from cwd (or from root if path is absolute or cwd
// is nil), following mounts and, unless noFollow is set, the final
// symlink. It returns the resolved node and, separately, the node's
// containing directory (useful for callers that need to create/remove an
// entry by name).
func (v *VFS) Resolve(cwd Node, path string, noFollow bool) (node Node, dir Node, err error) {
	return v.resolve(cwd, path, noFollow, 0)
}

func (v *VFS) resolve(cwd Node, path string, noFollow bool, depth int) (Node, Node, error) {
	if depth >= symloopMax {
		return nil, nil, errors.New("vfs: too many levels of symbolic links")
	}
	if path == "" || strings.HasPrefix(path, "/") {
		cwd = v.root.Root
	}
	if cwd == nil {
		return nil, nil, errors.ErrNotFound
	}
	cwd = v.resolveMount(cwd)

	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 1 && parts[0] == "" {
		return cwd, cwd, nil
	}

	var parent Node = cwd
	current := cwd
	for i, part := range parts {
		last := i == len(parts)-1
		switch part {
		case ".", "":
			continue
		case "..":
			if mp := v.mountAbove(current); mp != nil {
				current = mp.parent
				parent = mp.parent
				continue
			}
			up, err := current.Lookup("..")
			if err != nil {
				return nil, nil, err
			}
			parent = up
			current = up
			continue
		}
		if !current.GetAttr().Mode.IsDir() {
			return nil, nil, errors.New("vfs: not a directory")
		}
		next, err := current.Lookup(part)
		if err != nil {
			return nil, nil, err
		}
		next = v.resolveMount(next)
		if next.GetAttr().Mode.IsLink() && (!last || !noFollow) {
			target, err := next.Readlink()
			if err != nil {
				return nil, nil, err
			}
			resolved, _, err := v.resolve(current, target, noFollow, depth+1)
			if err != nil {
				return nil, nil, err
			}
			next = resolved
		}
		parent = current
		current = next
	}
	return current, parent, nil
}
