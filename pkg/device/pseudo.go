package device

import (
	"crypto/rand"
	"io"
)

// NullDevice is /dev/null: writes are discarded, reads return EOF.
// Mirrors null_write/null_read in dev.c.
type NullDevice struct{}

func (NullDevice) Read(_ Dev, _ int64, _ []byte) (int, error) { return 0, io.EOF }
func (NullDevice) Write(_ Dev, _ int64, buf []byte) (int, error) {
	return len(buf), nil
}

// ZeroDevice is /dev/zero: writes are discarded, reads are filled with
// zero bytes. Mirrors zero_write/zero_read's uio_copyz.
type ZeroDevice struct{}

func (ZeroDevice) Read(_ Dev, _ int64, buf []byte) (int, error) {
	for i := range buf {
		buf[i] = 0
	}
	return len(buf), nil
}

func (ZeroDevice) Write(_ Dev, _ int64, buf []byte) (int, error) {
	return len(buf), nil
}

// RandomDevice is /dev/random and /dev/urandom: reads return bytes from a
// CSPRNG, writes are discarded (mirrors random_write/random_read and
// urandom_write/urandom_read, which are identical in the original beyond
// the entropy-pool distinction that this simulation has no need to model).
type RandomDevice struct{}

func (RandomDevice) Read(_ Dev, _ int64, buf []byte) (int, error) {
	return rand.Read(buf)
}

func (RandomDevice) Write(_ Dev, _ int64, buf []byte) (int, error) {
	return len(buf), nil
}

// KmsgWriter is the subset of kprintf's sinks a KmsgDevice needs: a plain
// byte sink, which io.Writer already models.
type KmsgWriter = io.Writer

// KmsgDevice is /dev/kmsg: writes are appended to the kernel log, reads are
// unsupported. Mirrors kmsg_write, which forwards each write to printf.
type KmsgDevice struct {
	Log KmsgWriter
}

func (k KmsgDevice) Read(_ Dev, _ int64, _ []byte) (int, error) { return 0, io.EOF }

func (k KmsgDevice) Write(_ Dev, _ int64, buf []byte) (int, error) {
	return k.Log.Write(buf)
}
