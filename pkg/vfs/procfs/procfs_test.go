package procfs_test

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/susmicrosystems/corekernel/pkg/hal"
	"github.com/susmicrosystems/corekernel/pkg/pm"
	"github.com/susmicrosystems/corekernel/pkg/proc"
	"github.com/susmicrosystems/corekernel/pkg/sched"
	"github.com/susmicrosystems/corekernel/pkg/vfs"
	"github.com/susmicrosystems/corekernel/pkg/vfs/procfs"
	"github.com/susmicrosystems/corekernel/pkg/vmm"
)

func newSpace(t *testing.T) *vmm.AddressSpace {
	t.Helper()
	arch := hal.NewSim(hal.MemoryRange{Addr: 0, Size: 16 * 1024 * 1024})
	pmgr, err := pm.New(arch)
	require.NoError(t, err)
	return vmm.New(pmgr, arch, 0, 4*1024*1024)
}

func TestRootListsThreadsByTID(t *testing.T) {
	m := proc.NewManager()
	init := m.CreateInit("init", newSpace(t))
	th := init.AddThread(1, sched.PriorityUser)

	fs := procfs.New(m)
	root := fs.Superblock().Root

	var names []string
	require.NoError(t, root.Readdir(func(e vfs.DirEntry) bool {
		names = append(names, e.Name)
		return true
	}))
	require.Contains(t, names, strconv.FormatInt(int64(th.ID), 10))
}

func TestTidDirExposesNameAndMaps(t *testing.T) {
	m := proc.NewManager()
	init := m.CreateInit("cored", newSpace(t))
	th := init.AddThread(1, sched.PriorityUser)

	fs := procfs.New(m)
	root := fs.Superblock().Root
	tidDir, err := root.Lookup(strconv.FormatInt(int64(th.ID), 10))
	require.NoError(t, err)

	nameNode, err := tidDir.Lookup("name")
	require.NoError(t, err)
	buf := make([]byte, 32)
	n, err := nameNode.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "cored", string(buf[:n]))

	_, err = tidDir.Lookup("maps")
	require.NoError(t, err)
}

func TestLookupUnknownTIDFails(t *testing.T) {
	m := proc.NewManager()
	m.CreateInit("init", newSpace(t))
	fs := procfs.New(m)
	_, err := fs.Superblock().Root.Lookup("9999")
	require.Error(t, err)
}
