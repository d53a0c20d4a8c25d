package vfs_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/susmicrosystems/corekernel/pkg/vfs"
	"github.com/susmicrosystems/corekernel/pkg/vfs/ramfs"
)

func newTestVFS(t *testing.T) (*vfs.VFS, vfs.Node) {
	t.Helper()
	fs := ramfs.New()
	v := vfs.New(fs.Superblock())
	root := fs.Superblock().Root
	_, err := root.Mkdir("etc", 0o755)
	require.NoError(t, err)
	etc, err := root.Lookup("etc")
	require.NoError(t, err)
	_, err = etc.Create("hosts", 0o644)
	require.NoError(t, err)
	return v, root
}

func TestResolveAbsolutePath(t *testing.T) {
	v, _ := newTestVFS(t)
	node, dir, err := v.Resolve(nil, "/etc/hosts", false)
	require.NoError(t, err)
	require.True(t, node.GetAttr().Mode.IsReg())
	require.True(t, dir.GetAttr().Mode.IsDir())
}

func TestResolveRelativeToCwd(t *testing.T) {
	v, root := newTestVFS(t)
	etc, _, err := v.Resolve(root, "etc", false)
	require.NoError(t, err)
	node, _, err := v.Resolve(etc, "hosts", false)
	require.NoError(t, err)
	require.True(t, node.GetAttr().Mode.IsReg())
}

func TestResolveDotDotFromSubdir(t *testing.T) {
	v, root := newTestVFS(t)
	etc, _, err := v.Resolve(root, "etc", false)
	require.NoError(t, err)
	back, _, err := v.Resolve(etc, "..", false)
	require.NoError(t, err)
	require.Equal(t, root.Ino(), back.Ino())
}

func TestResolveMissingComponentFails(t *testing.T) {
	v, _ := newTestVFS(t)
	_, _, err := v.Resolve(nil, "/etc/nope", false)
	require.Error(t, err)
}

func TestResolveFollowsSymlink(t *testing.T) {
	v, root := newTestVFS(t)
	_, err := root.Symlink("hosts-link", "/etc/hosts")
	require.NoError(t, err)
	node, _, err := v.Resolve(nil, "/hosts-link", false)
	require.NoError(t, err)
	require.True(t, node.GetAttr().Mode.IsReg())
}

func TestResolveNoFollowReturnsSymlinkItself(t *testing.T) {
	v, root := newTestVFS(t)
	_, err := root.Symlink("hosts-link", "/etc/hosts")
	require.NoError(t, err)
	node, _, err := v.Resolve(nil, "/hosts-link", true)
	require.NoError(t, err)
	require.True(t, node.GetAttr().Mode.IsLink())
}

func TestResolveMountStackingAndUnmount(t *testing.T) {
	v, root := newTestVFS(t)
	_, err := root.Mkdir("mnt", 0o755)
	require.NoError(t, err)
	mnt, err := root.Lookup("mnt")
	require.NoError(t, err)

	inner := ramfs.New()
	_, err = inner.Superblock().Root.Create("marker", 0o644)
	require.NoError(t, err)
	require.NoError(t, v.Mount(mnt, root, inner.Superblock()))

	node, _, err := v.Resolve(nil, "/mnt/marker", false)
	require.NoError(t, err)
	require.True(t, node.GetAttr().Mode.IsReg())

	_, err = mnt.Lookup("marker")
	require.Error(t, err, "underlying mountpoint directory should still be empty")

	require.NoError(t, v.Unmount(mnt))
	_, _, err = v.Resolve(nil, "/mnt/marker", false)
	require.Error(t, err)
}

func TestResolveDotDotEscapesMount(t *testing.T) {
	v, root := newTestVFS(t)
	_, err := root.Mkdir("mnt", 0o755)
	require.NoError(t, err)
	mnt, err := root.Lookup("mnt")
	require.NoError(t, err)

	inner := ramfs.New()
	require.NoError(t, v.Mount(mnt, root, inner.Superblock()))

	mountedRoot, _, err := v.Resolve(nil, "/mnt", false)
	require.NoError(t, err)
	back, _, err := v.Resolve(mountedRoot, "..", false)
	require.NoError(t, err)
	require.Equal(t, root.Ino(), back.Ino())
}

func TestSymlinkLoopIsBounded(t *testing.T) {
	v, root := newTestVFS(t)
	_, err := root.Symlink("a", "/b")
	require.NoError(t, err)
	_, err = root.Symlink("b", "/a")
	require.NoError(t, err)
	_, _, err = v.Resolve(nil, "/a", false)
	require.Error(t, err)
}
