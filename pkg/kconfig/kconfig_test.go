package kconfig_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/susmicrosystems/corekernel/pkg/kconfig"
)

func TestApplyDefaultsFillsOnlyZeroFields(t *testing.T) {
	c := kconfig.Config{NCPU: 4}
	c.ApplyDefaults()

	require.Equal(t, uint32(4), c.NCPU)
	require.Equal(t, kconfig.Default().TickInterval, c.TickInterval)
	require.Equal(t, kconfig.Default().MemSize, c.MemSize)
	require.Equal(t, kconfig.Default().KstatInterval, c.KstatInterval)
}

func TestFromEnvReturnsDefaultsWhenUnset(t *testing.T) {
	c, err := kconfig.FromEnv()
	require.NoError(t, err)
	require.Equal(t, kconfig.Default(), c)
}

func TestFromEnvAppliesOverrides(t *testing.T) {
	t.Setenv(kconfig.EnvNCPU, "8")
	t.Setenv(kconfig.EnvTickMS, "20")
	t.Setenv(kconfig.EnvMemSizeMB, "128")
	t.Setenv(kconfig.EnvKstatInterval, "500")

	c, err := kconfig.FromEnv()
	require.NoError(t, err)
	require.Equal(t, uint32(8), c.NCPU)
	require.Equal(t, 20*time.Millisecond, c.TickInterval)
	require.Equal(t, uint64(128*1024*1024), c.MemSize)
	require.Equal(t, 500*time.Millisecond, c.KstatInterval)
}

func TestFromEnvRejectsMalformedOverride(t *testing.T) {
	t.Setenv(kconfig.EnvNCPU, "not-a-number")
	_, err := kconfig.FromEnv()
	require.Error(t, err)
}
