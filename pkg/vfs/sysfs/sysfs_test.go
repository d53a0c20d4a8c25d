package sysfs_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/susmicrosystems/corekernel/pkg/vfs"
	"github.com/susmicrosystems/corekernel/pkg/vfs/sysfs"
)

func TestRegisterAttrIsReadableViaLookup(t *testing.T) {
	fs := sysfs.New()
	counter := int64(0)
	kernelDir := fs.RegisterDir("kernel", "sched")
	kernelDir.RegisterAttr("ncpu", func() []byte { return sysfs.FormatInt(counter) })

	root := fs.Superblock().Root
	kernel, err := root.Lookup("kernel")
	require.NoError(t, err)
	sched, err := kernel.Lookup("sched")
	require.NoError(t, err)
	attr, err := sched.Lookup("ncpu")
	require.NoError(t, err)

	buf := make([]byte, 8)
	n, err := attr.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "0", string(buf[:n]))

	counter = 4
	n, err = attr.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "4", string(buf[:n]), "attribute reads must reflect live state, not a snapshot")
}

func TestRegisterDirIsIdempotent(t *testing.T) {
	fs := sysfs.New()
	a := fs.RegisterDir("devices")
	b := fs.RegisterDir("devices")
	require.Equal(t, a.Ino(), b.Ino())
}

func TestReaddirListsSubdirsAndAttrs(t *testing.T) {
	fs := sysfs.New()
	d := fs.RegisterDir("block")
	d.RegisterAttr("count", func() []byte { return []byte("1") })
	fs.RegisterDir("block", "sda")

	var names []string
	require.NoError(t, d.Readdir(func(e vfs.DirEntry) bool {
		names = append(names, e.Name)
		return true
	}))
	require.ElementsMatch(t, []string{"count", "sda"}, names)
}
