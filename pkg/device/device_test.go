package device_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/susmicrosystems/corekernel/pkg/device"
)

func TestRegisterAndFindChar(t *testing.T) {
	reg := device.NewRegistry()
	dev := device.Dev{Major: 1, Minor: 3}
	cd, err := reg.RegisterChar("null", 0, 0, 0666, dev, device.NullDevice{})
	require.NoError(t, err)
	require.Equal(t, "null", cd.Name)

	found, ok := reg.FindChar(dev)
	require.True(t, ok)
	require.Same(t, cd, found)
}

func TestRegisterCharDuplicateDevFails(t *testing.T) {
	reg := device.NewRegistry()
	dev := device.Dev{Major: 1, Minor: 3}
	_, err := reg.RegisterChar("null", 0, 0, 0666, dev, device.NullDevice{})
	require.NoError(t, err)
	_, err = reg.RegisterChar("null2", 0, 0, 0666, dev, device.NullDevice{})
	require.Error(t, err)
}

func TestUnregisterCharRemovesEntry(t *testing.T) {
	reg := device.NewRegistry()
	dev := device.Dev{Major: 1, Minor: 3}
	_, err := reg.RegisterChar("null", 0, 0, 0666, dev, device.NullDevice{})
	require.NoError(t, err)
	reg.UnregisterChar(dev)
	_, ok := reg.FindChar(dev)
	require.False(t, ok)
}

func TestNullDeviceDiscardsWritesAndReturnsEOF(t *testing.T) {
	var n device.NullDevice
	wn, err := n.Write(device.Dev{}, 0, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, wn)

	_, err = n.Read(device.Dev{}, 0, make([]byte, 4))
	require.ErrorIs(t, err, io.EOF)
}

func TestZeroDeviceFillsZeroes(t *testing.T) {
	var z device.ZeroDevice
	buf := bytes.Repeat([]byte{0xff}, 8)
	n, err := z.Read(device.Dev{}, 0, buf)
	require.NoError(t, err)
	require.Equal(t, 8, n)
	require.Equal(t, bytes.Repeat([]byte{0}, 8), buf)
}

func TestRandomDeviceFillsBuffer(t *testing.T) {
	var r device.RandomDevice
	buf := make([]byte, 32)
	n, err := r.Read(device.Dev{}, 0, buf)
	require.NoError(t, err)
	require.Equal(t, 32, n)
}

func TestKmsgDeviceForwardsWritesToLog(t *testing.T) {
	var log bytes.Buffer
	k := device.KmsgDevice{Log: &log}
	n, err := k.Write(device.Dev{}, 0, []byte("boot complete"))
	require.NoError(t, err)
	require.Equal(t, len("boot complete"), n)
	require.Equal(t, "boot complete", log.String())
}
