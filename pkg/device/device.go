// Package device implements the kernel's device layer: a registry mapping
// (major, minor) device numbers to a character or block driver vtable, and
// a handful of pseudo character devices (null, zero, random, kmsg) that
// exercise it. Concrete hardware drivers are out of scope; this is the
// abstract interface they would plug into. Grounded on
// original_source/kern/dev.c's cdev_alloc/bdev_alloc/cdev_find/bdev_find.
package device

import (
	"sync"

	"github.com/susmicrosystems/corekernel/pkg/errors"
)

// Dev is a device number, the (major, minor) pair the original encodes as
// a single dev_t. Kept as a struct rather than packed into an integer so
// callers never need to know the packing scheme.
type Dev struct {
	Major uint32
	Minor uint32
}

// CharOp is the character-device half of struct file_op: the driver
// supplies Read/Write, the registry and VFS glue supply everything else.
type CharOp interface {
	Read(dev Dev, off int64, buf []byte) (int, error)
	Write(dev Dev, off int64, buf []byte) (int, error)
}

// BlockOp is the block-device half. Unlike CharOp, reads and writes are
// always in whole disk->blksz multiples; alignment and partial-block
// padding is handled by Disk before a BlockOp ever sees the request,
// mirroring disk_read/disk_write's padding buffers in disk.c.
type BlockOp interface {
	ReadBlocks(off int64, buf []byte) error
	WriteBlocks(off int64, buf []byte) error
}

// CharDevice is one entry in the cdev list: a name (for devfs), ownership
// and permission bits, and the vtable driving it.
type CharDevice struct {
	Name string
	UID  uint32
	GID  uint32
	Mode uint32
	Dev  Dev
	Op   CharOp
}

// BlockDevice is one entry in the bdev list.
type BlockDevice struct {
	Name string
	UID  uint32
	GID  uint32
	Mode uint32
	Dev  Dev
	Op   BlockOp

	// UserData mirrors bdev->userdata: the owning Disk or Partition, so a
	// file layer built on top of this registry can recover it without a
	// second lookup table.
	UserData any
}

// Registry holds every registered character and block device, mirroring
// the package-level cdev_list/bdev_list plus their spinlocks.
type Registry struct {
	mu    sync.RWMutex
	cdevs map[Dev]*CharDevice
	bdevs map[Dev]*BlockDevice
}

// NewRegistry returns an empty device registry.
func NewRegistry() *Registry {
	return &Registry{
		cdevs: make(map[Dev]*CharDevice),
		bdevs: make(map[Dev]*BlockDevice),
	}
}

// RegisterChar registers a character device, failing if dev is already
// taken (the original silently TAILQ_INSERT_TAILs duplicates; rejecting
// them outright is a stricter, and safer, generalization).
func (r *Registry) RegisterChar(name string, uid, gid, mode uint32, dev Dev, op CharOp) (*CharDevice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cdevs[dev]; ok {
		return nil, errors.ErrBusy
	}
	cd := &CharDevice{Name: name, UID: uid, GID: gid, Mode: mode, Dev: dev, Op: op}
	r.cdevs[dev] = cd
	return cd, nil
}

// RegisterBlock registers a block device.
func (r *Registry) RegisterBlock(name string, uid, gid, mode uint32, dev Dev, op BlockOp) (*BlockDevice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bdevs[dev]; ok {
		return nil, errors.ErrBusy
	}
	bd := &BlockDevice{Name: name, UID: uid, GID: gid, Mode: mode, Dev: dev, Op: op}
	r.bdevs[dev] = bd
	return bd, nil
}

// FindChar returns the character device registered at dev, matching
// cdev_find's linear TAILQ_FOREACH scan (here a map lookup).
func (r *Registry) FindChar(dev Dev) (*CharDevice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cd, ok := r.cdevs[dev]
	return cd, ok
}

// FindBlock returns the block device registered at dev.
func (r *Registry) FindBlock(dev Dev) (*BlockDevice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bd, ok := r.bdevs[dev]
	return bd, ok
}

// UnregisterChar removes a character device, mirroring cdev_free.
func (r *Registry) UnregisterChar(dev Dev) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cdevs, dev)
}

// UnregisterBlock removes a block device, mirroring bdev_free.
func (r *Registry) UnregisterBlock(dev Dev) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bdevs, dev)
}
