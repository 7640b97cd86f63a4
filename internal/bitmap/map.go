package bitmap

import (
	"fmt"

	"github.com/edsrzf/mmap-go"
)

// DefaultSize is the initial size, in bytes, of a module's coverage bitmap.
// Grow doubles this as needed.
const DefaultSize = 1 << 16

// Map is a fixed-size byte bitmap shared between the host and the target
// process: one byte per instrumented event, 0 until the event fires, 1
// afterwards. The host keeps a local mirror it reads/writes directly; the
// "remote" view is backed by an mmap'd anonymous region so that host writes
// (clears, grows) and the simulated target writes are visible through the
// same pages, the way a real remote-process alias would behave.
type Map struct {
	remote mmap.MMap
	next   int
}

// New allocates a Map with DefaultSize capacity.
func New() (*Map, error) {
	return NewSize(DefaultSize)
}

// NewSize allocates a Map with the given capacity in bytes.
func NewSize(size int) (*Map, error) {
	m, err := mmap.MapRegion(nil, size, mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, fmt.Errorf("map coverage bitmap: %w", err)
	}
	return &Map{remote: m}, nil
}

// Close unmaps the bitmap.
func (m *Map) Close() error {
	return m.remote.Unmap()
}

// Len returns the current capacity of the bitmap in bytes.
func (m *Map) Len() int {
	return len(m.remote)
}

// Alloc reserves and returns the next unused bitmap offset, growing the
// bitmap first if it is full.
func (m *Map) Alloc() (int, error) {
	if m.next >= len(m.remote) {
		if err := m.Grow(); err != nil {
			return 0, err
		}
	}
	off := m.next
	m.next++
	return off, nil
}

// AllocN reserves n contiguous bytes, growing the bitmap first (possibly
// more than once) if it doesn't currently fit, and returns the offset of
// the first reserved byte. Used for non-coverage byte storage that still
// wants to live in the same mmap'd region as the bitmap proper (spec §4.3,
// "I2S Scratch").
func (m *Map) AllocN(n int) (int, error) {
	for m.next+n > len(m.remote) {
		if err := m.Grow(); err != nil {
			return 0, err
		}
	}
	off := m.next
	m.next += n
	return off, nil
}

// Grow doubles the bitmap's capacity in place, preserving existing content.
func (m *Map) Grow() error {
	newSize := len(m.remote) * 2
	if newSize == 0 {
		newSize = DefaultSize
	}
	grown, err := mmap.MapRegion(nil, newSize, mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return fmt.Errorf("grow coverage bitmap: %w", err)
	}
	copy(grown, m.remote)
	if err := m.remote.Unmap(); err != nil {
		return fmt.Errorf("unmap previous coverage bitmap: %w", err)
	}
	m.remote = grown
	return nil
}

// Get returns the byte at offset off.
func (m *Map) Get(off int) byte {
	return m.remote[off]
}

// Set writes 1 to offset off. This is what the instrumented recorder
// simulates on the target side; the host calls it directly in tests and
// when servicing a simulated bitmap-write exception.
func (m *Map) Set(off int) {
	m.remote[off] = 1
}

// Clear resets the byte at offset off back to 0.
func (m *Map) Clear(off int) {
	m.remote[off] = 0
}

// ClearAll zeroes the whole bitmap, leaving capacity and the allocation
// cursor untouched.
func (m *Map) ClearAll() {
	for i := range m.remote {
		m.remote[i] = 0
	}
}

// Hit reports whether the byte at offset off is non-zero.
func (m *Map) Hit(off int) bool {
	return m.remote[off] != 0
}

// EachHit calls fn for every offset in [0, n) whose byte is non-zero.
func (m *Map) EachHit(n int, fn func(offset int)) {
	if n > len(m.remote) {
		n = len(m.remote)
	}
	for i := 0; i < n; i++ {
		if m.remote[i] != 0 {
			fn(i)
		}
	}
}
