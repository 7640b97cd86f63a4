// Package registry holds the per-module instrumentation bookkeeping (spec
// §4.5): the maps between block offsets, bitmap slots, coverage codes,
// instrumentation offsets, and the compare/I2S records that interpret a
// runtime hit. Records are owned by a per-module arena (slice + index)
// rather than by pointers reachable from multiple maps, so destroying a
// module is a single drop of the arena (spec §9, "back-pointers from
// bitmap to record").
package registry

import (
	"fmt"

	"github.com/coveragecore/litecov/internal/bitmap"
)

// I2SCategory is the compare category derived from the first flag-
// consuming conditional that follows an instrumented compare.
type I2SCategory string

const (
	CategoryBelow   I2SCategory = "below"
	CategoryLess    I2SCategory = "less"
	CategoryEqual   I2SCategory = "equal"
	CategoryAbove   I2SCategory = "above"
	CategoryGreater I2SCategory = "greater"
)

// CompareRecord is the per-instrumented-compare bookkeeping of spec §3.
type CompareRecord struct {
	// Width is the operand bit-width (16-64).
	Width int
	// MatchWidth is the current required match-width, a multiple of 8.
	MatchWidth int
	// WrapperOffset is the offset into the instrumented buffer of the
	// start of the wrapper (the leading 5-byte NOP/JMP).
	WrapperOffset int64
	// MatchWidthOffset is the offset of the mutable imm8 byte compared
	// against the LZCNT result.
	MatchWidthOffset int64
	// WrapperSize is the total size in bytes of the wrapper.
	WrapperSize int64

	BlockOffset uint64
	CmpOffset   uint64

	Ignored bool
}

// I2SRecord is the per-instrumented-compare I2S bookkeeping of spec §3.
type I2SRecord struct {
	Category I2SCategory
	// OperandLenBytes is the operand width in bytes.
	OperandLenBytes int
	WrapperOffset   int64
	WrapperSize     int64

	BlockOffset uint64
	CmpOffset   uint64

	// Ignored mirrors the wrapper's on/off state: true means the leading
	// bytes are the JMP-over-wrapper ("off").
	Ignored bool

	// HitSlot/Op0Slot/Op1Slot/FlagsSlot are offsets into the I2S scratch
	// buffer (spec §3, "I2S Scratch").
	HitSlot   int
	Op0Slot   int
	Op1Slot   int
	FlagsSlot int

	// Collected evidence, populated by Drain.
	HasData bool
	Op0     []byte
	Op1     []byte
	Flags   uint64
}

// BranchPath reconstructs the direction (taken/not-taken) of the
// conditional that follows the compare, from the observed RFLAGS and the
// record's category (spec §4.3).
func (r *I2SRecord) BranchPath() bool {
	const (
		cf = uint64(1) << 0
		zf = uint64(1) << 6
		sf = uint64(1) << 7
		of = uint64(1) << 11
	)
	bit := func(mask uint64) bool { return r.Flags&mask != 0 }

	switch r.Category {
	case CategoryBelow:
		return bit(cf)
	case CategoryLess:
		return bit(sf) != bit(of)
	case CategoryEqual:
		return bit(zf)
	case CategoryAbove:
		return !bit(cf) && !bit(zf)
	case CategoryGreater:
		return (bit(sf) == bit(of)) && !bit(zf)
	default:
		return false
	}
}

// Module is the per-loaded-code-image bookkeeping state: the coverage
// bitmap, the block/compare/I2S maps, and the record arenas.
type Module struct {
	Name       string
	MinAddress int64

	// BitmapBaseAddr is the address at which the shared coverage bitmap
	// is mapped into the target process; bitmap slot N lives at
	// BitmapBaseAddr+N. Recorders compute their RIP-relative displacement
	// against this address.
	BitmapBaseAddr int64

	Bitmap *bitmap.Map

	// BlockOffsetToSlot maps a block's module-relative offset to its
	// assigned bitmap slot.
	BlockOffsetToSlot map[uint64]int
	// SlotToCode maps a bitmap slot to the coverage code that owns it.
	SlotToCode map[int]bitmap.Code
	// CodeToInstrOffset maps a coverage code to the instrumentation
	// buffer offset of its recorder (block/edge) or wrapper (compare).
	CodeToInstrOffset map[bitmap.Code]int64

	// SlotToCompare / CodeToCompare resolve a bitmap hit or a coverage
	// code to its owning compare record.
	SlotToCompare map[int]*CompareRecord
	CodeToCompare map[bitmap.Code]*CompareRecord
	// BlockCmpToCompare resolves a (blockOffset, cmpOffset) pair to its
	// compare record, used to detect a compare already instrumented at
	// the initial match-width (spec §4.2).
	BlockCmpToCompare map[[2]uint64]*CompareRecord

	// SlotToI2S / CodeToI2S resolve an I2S hit-slot offset or a coverage
	// code to its owning I2S record.
	SlotToI2S map[int]*I2SRecord
	CodeToI2S map[bitmap.Code]*I2SRecord

	// I2SScratchBaseAddr is the address the I2S scratch region is mapped
	// at in the target process; I2SScratch holds the host-side mirror, the
	// same way Bitmap/BitmapBaseAddr do for the coverage bitmap.
	I2SScratchBaseAddr int64
	I2SScratch         *bitmap.Map

	// Collected, Ignored and Saved mirror original_source/litecov.h's
	// ModuleCovData: collected_coverage, ignore_coverage, saved_coverage.
	Collected map[bitmap.Code]struct{}
	Ignored   map[bitmap.Code]struct{}
	Saved     map[bitmap.Code]struct{}

	compareArena []*CompareRecord
	i2sArena     []*I2SRecord
}

// NewModule allocates empty bookkeeping for a module backed by bm, with a
// dedicated I2S scratch region backed by scratch.
func NewModule(name string, minAddress, bitmapBaseAddr int64, bm *bitmap.Map, scratchBaseAddr int64, scratch *bitmap.Map) *Module {
	return &Module{
		Name:               name,
		MinAddress:         minAddress,
		BitmapBaseAddr:     bitmapBaseAddr,
		Bitmap:             bm,
		BlockOffsetToSlot:  make(map[uint64]int),
		SlotToCode:         make(map[int]bitmap.Code),
		CodeToInstrOffset:  make(map[bitmap.Code]int64),
		SlotToCompare:      make(map[int]*CompareRecord),
		CodeToCompare:      make(map[bitmap.Code]*CompareRecord),
		BlockCmpToCompare:  make(map[[2]uint64]*CompareRecord),
		SlotToI2S:          make(map[int]*I2SRecord),
		CodeToI2S:          make(map[bitmap.Code]*I2SRecord),
		I2SScratchBaseAddr: scratchBaseAddr,
		I2SScratch:         scratch,
		Collected:          make(map[bitmap.Code]struct{}),
		Ignored:            make(map[bitmap.Code]struct{}),
		Saved:              make(map[bitmap.Code]struct{}),
	}
}

// Destroy drops the module's record arenas and bitmaps. Per-module compare
// and I2S records never outlive their module (spec §5, "Resource
// ownership"); dropping the arena slices is enough, there are no weak
// references elsewhere to clear.
func (m *Module) Destroy() error {
	m.compareArena = nil
	m.i2sArena = nil
	if m.Bitmap != nil {
		if err := m.Bitmap.Close(); err != nil {
			return err
		}
	}
	if m.I2SScratch != nil {
		return m.I2SScratch.Close()
	}
	return nil
}

// AllocBlockSlot reserves the next bitmap slot for blockOffset and
// registers the block_offset -> slot and slot -> code mappings. code is
// whatever coverage-code shape the caller is using (block or edge).
func (m *Module) AllocBlockSlot(blockOffset uint64, code bitmap.Code) (slot int, err error) {
	slot, err = m.Bitmap.Alloc()
	if err != nil {
		return 0, fmt.Errorf("alloc block bitmap slot: %w", err)
	}
	m.BlockOffsetToSlot[blockOffset] = slot
	m.SlotToCode[slot] = code
	return slot, nil
}

// NewCompareRecord allocates a CompareRecord in the module's arena and
// registers it under both slot and code.
func (m *Module) NewCompareRecord(slot int, code bitmap.Code, rec *CompareRecord) {
	m.compareArena = append(m.compareArena, rec)
	m.SlotToCompare[slot] = rec
	m.CodeToCompare[code] = rec
	m.BlockCmpToCompare[[2]uint64{rec.BlockOffset, rec.CmpOffset}] = rec
}

// NewI2SRecord allocates an I2SRecord in the module's arena and registers
// it under its hit slot and code.
func (m *Module) NewI2SRecord(code bitmap.Code, rec *I2SRecord) {
	m.i2sArena = append(m.i2sArena, rec)
	m.SlotToI2S[rec.HitSlot] = rec
	m.CodeToI2S[code] = rec
}

// AllocI2SScratch reserves n contiguous bytes of I2S scratch space and
// returns the starting offset.
func (m *Module) AllocI2SScratch(n int) (int, error) {
	off, err := m.I2SScratch.AllocN(n)
	if err != nil {
		return 0, fmt.Errorf("alloc i2s scratch: %w", err)
	}
	return off, nil
}

// I2SScratchSize returns the current capacity of the I2S scratch region in
// bytes, which is at least the space reserved so far.
func (m *Module) I2SScratchSize() int {
	return m.I2SScratch.Len()
}

// CompareRecords returns every compare record registered for this module,
// in allocation order.
func (m *Module) CompareRecords() []*CompareRecord {
	return m.compareArena
}

// I2SRecords returns every I2S record registered for this module, in
// allocation order.
func (m *Module) I2SRecords() []*I2SRecord {
	return m.i2sArena
}
