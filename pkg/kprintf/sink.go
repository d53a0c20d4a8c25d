package kprintf

import (
	"bytes"
	"io"
	"sync"

	"github.com/fatih/color"

	"github.com/susmicrosystems/corekernel/pkg/performance/ringbuffer"
)

// RingSink is the PRINTF_BUF path: output is appended to a fixed-size
// ring buffer of bytes rather than held in one contiguous allocation,
// so the kernel log never grows unbounded. Adapted from
// pkg/performance/ringbuffer, generalized from its telemetry-sample use
// to hold raw log bytes.
type RingSink struct {
	mu  sync.Mutex
	buf *ringbuffer.RingBuffer[byte]
}

// NewRingSink creates a ring sink holding up to capacity bytes.
func NewRingSink(capacity int) (*RingSink, error) {
	buf, err := ringbuffer.New[byte](capacity)
	if err != nil {
		return nil, err
	}
	return &RingSink{buf: buf}, nil
}

func (r *RingSink) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range p {
		r.buf.Push(b)
	}
	return len(p), nil
}

// Bytes returns a snapshot of everything currently held, oldest first.
func (r *RingSink) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.GetAll()
}

// Level colors a TTY line by severity, mirroring the different terminal
// colors kernel consoles traditionally use for panic/warn/info lines.
type Level int

const (
	LevelInfo Level = iota
	LevelWarn
	LevelError
)

// TTYSink is the PRINTF_TTY path: output fans out to every registered
// terminal, colorized by severity via fatih/color the way the original
// fans out to every entry in g_ttys.
type TTYSink struct {
	mu    sync.Mutex
	ttys  []io.Writer
	color map[Level]*color.Color
}

// NewTTYSink creates a sink with no terminals registered yet.
func NewTTYSink() *TTYSink {
	return &TTYSink{
		color: map[Level]*color.Color{
			LevelInfo:  color.New(color.FgWhite),
			LevelWarn:  color.New(color.FgYellow),
			LevelError: color.New(color.FgRed, color.Bold),
		},
	}
}

// AddTTY registers w as an output terminal, mirroring printf_addtty.
func (t *TTYSink) AddTTY(w io.Writer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ttys = append(t.ttys, w)
}

func (t *TTYSink) Write(p []byte) (int, error) {
	return t.WriteLevel(LevelInfo, p)
}

// WriteLevel writes p to every registered terminal using level's color.
func (t *TTYSink) WriteLevel(level Level, p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.color[level]
	for _, w := range t.ttys {
		c.Fprint(w, string(p))
	}
	return len(p), nil
}

// pageSize bounds how much of a UioSink's staged buffer is flushed in
// one go, matching PRINTF_UIO's PAGE_SIZE-sized staging buffer.
const pageSize = 4096

// UioSink is the PRINTF_UIO path: bytes are staged in a page-sized
// buffer and flushed to dst once full or on Flush, mirroring copying
// kernel printf output out to a user-supplied iovec one page at a time
// rather than one byte at a time.
type UioSink struct {
	mu     sync.Mutex
	dst    io.Writer
	staged bytes.Buffer
	off    int64 // bytes to skip before the first byte actually reaches dst
}

// NewUioSink creates a sink that flushes to dst, skipping the first off
// bytes of output (mirroring struct uio's off field for a partial read
// resumed mid-stream).
func NewUioSink(dst io.Writer, off int64) *UioSink {
	return &UioSink{dst: dst, off: off}
}

func (u *UioSink) Write(p []byte) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.off > 0 {
		if int64(len(p)) <= u.off {
			u.off -= int64(len(p))
			return len(p), nil
		}
		p = p[u.off:]
		u.off = 0
	}

	total := len(p)
	for len(p) > 0 {
		room := pageSize - u.staged.Len()
		n := len(p)
		if n > room {
			n = room
		}
		u.staged.Write(p[:n])
		p = p[n:]
		if u.staged.Len() == pageSize {
			if err := u.flushLocked(); err != nil {
				return total - len(p), err
			}
		}
	}
	return total, nil
}

func (u *UioSink) flushLocked() error {
	if u.staged.Len() == 0 {
		return nil
	}
	_, err := u.dst.Write(u.staged.Bytes())
	u.staged.Reset()
	return err
}

// Flush writes any partially-staged page out to dst.
func (u *UioSink) Flush() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.flushLocked()
}
