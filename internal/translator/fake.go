package translator

import (
	"fmt"

	"github.com/coveragecore/litecov/internal/decode"
)

// FakeHost is a deterministic, in-process stand-in for a real binary
// translator, used to drive this core's tests without a real disassembler
// or a real target process. Local and "remote" addresses coincide; there
// is no separate process, just a byte buffer per module.
type FakeHost struct {
	decoder decode.Decoder

	buffers   map[string][]byte
	baseAddrs map[string]int64
	regions   map[string][]Region
}

// NewFakeHost returns an empty FakeHost using FakeDecoder.
func NewFakeHost() *FakeHost {
	return &FakeHost{
		decoder:   decode.FakeDecoder{},
		buffers:   make(map[string][]byte),
		baseAddrs: make(map[string]int64),
		regions:   make(map[string][]Region),
	}
}

// AddModule registers a module with the given instrumented-buffer base
// address.
func (h *FakeHost) AddModule(module string, baseAddr int64) {
	h.buffers[module] = nil
	h.baseAddrs[module] = baseAddr
}

// AddRegion registers a chunk of original code readable via GetRegion,
// e.g. the bytes following a SUB instrumented for the viability scan.
func (h *FakeHost) AddRegion(module string, from int64, data []byte) {
	h.regions[module] = append(h.regions[module], Region{From: from, To: from + int64(len(data)), Data: data})
}

func (h *FakeHost) WriteCode(module string, code []byte) (int64, error) {
	buf, ok := h.buffers[module]
	if !ok {
		return 0, fmt.Errorf("fake translator: unknown module %q", module)
	}
	offset := int64(len(buf))
	h.buffers[module] = append(buf, code...)
	return offset, nil
}

func (h *FakeHost) WriteCodeAtOffset(module string, offset int64, code []byte) error {
	buf, ok := h.buffers[module]
	if !ok {
		return fmt.Errorf("fake translator: unknown module %q", module)
	}
	if int(offset)+len(code) > len(buf) {
		return fmt.Errorf("fake translator: write at offset %d len %d exceeds buffer size %d", offset, len(code), len(buf))
	}
	copy(buf[offset:], code)
	return nil
}

func (h *FakeHost) CommitCode(module string, offset int64, length int64) error {
	if _, ok := h.buffers[module]; !ok {
		return fmt.Errorf("fake translator: unknown module %q", module)
	}
	return nil
}

func (h *FakeHost) GetCurrentInstrumentedAddress(module string) int64 {
	return h.baseAddrs[module] + int64(len(h.buffers[module]))
}

// OffsetAddress converts a buffer offset to its remote address.
func (h *FakeHost) OffsetAddress(module string, offset int64) int64 {
	return h.baseAddrs[module] + offset
}

func (h *FakeHost) GetRegion(module string, addr int64) (Region, bool) {
	for _, r := range h.regions[module] {
		if addr >= r.From && addr < r.To {
			return Region{From: r.From, To: r.To, Data: r.Data[addr-r.From:]}, true
		}
	}
	return Region{}, false
}

func (h *FakeHost) Decoder() decode.Decoder {
	return h.decoder
}

// Buffer returns the current instrumented buffer content for module, for
// assertions in tests.
func (h *FakeHost) Buffer(module string) []byte {
	return h.buffers[module]
}
