// Package block implements the Block Coverage Instrumenter (spec §4.1):
// for each new block or edge, allocate a bitmap slot and emit the 7-byte
// single-store recorder immediately before the translated block body.
package block

import (
	"fmt"

	"github.com/coveragecore/litecov/internal/bitmap"
	"github.com/coveragecore/litecov/internal/emit"
	"github.com/coveragecore/litecov/internal/registry"
	"github.com/coveragecore/litecov/internal/translator"
)

// Emit allocates the next unused bitmap slot for code, records the
// block_offset<->slot and code->instrumentation-offset mappings, and
// writes the 7-byte recorder to the module's instrumented buffer.
// blockOffset is the dedup/lookup key (a block offset for block coverage,
// or the packed edge identity for edge coverage); it is a no-op if this
// key was already instrumented.
func Emit(host translator.Host, mod *registry.Module, moduleName string, blockOffset uint64, code bitmap.Code) error {
	if _, exists := mod.BlockOffsetToSlot[blockOffset]; exists {
		return nil
	}

	slot, err := mod.AllocBlockSlot(blockOffset, code)
	if err != nil {
		return fmt.Errorf("block: %w", err)
	}

	instrOffset, err := writeRecorder(host, moduleName, mod, slot)
	if err != nil {
		return fmt.Errorf("block: %w", err)
	}

	mod.CodeToInstrOffset[code] = instrOffset
	return nil
}

// writeRecorder emits "MOV byte ptr [rip+disp], 1" targeting bitmap slot
// slot, fixing the RIP-relative displacement against the address right
// after the store (spec §4.1). It returns the offset the recorder was
// written at within the instrumented buffer.
func writeRecorder(host translator.Host, moduleName string, mod *registry.Module, slot int) (int64, error) {
	code, disp := emit.Store1RIP()

	offset, err := host.WriteCode(moduleName, code)
	if err != nil {
		return 0, fmt.Errorf("write recorder: %w", err)
	}
	endAddr := host.OffsetAddress(moduleName, offset+int64(len(code)))

	bitAddr := mod.BitmapBaseAddr + int64(slot)
	displacement := int32(bitAddr - endAddr)

	patched := make([]byte, len(code))
	copy(patched, code)
	copy(patched[disp.Offset:disp.Offset+disp.Size], le32(displacement))

	if err := host.WriteCodeAtOffset(moduleName, offset, patched); err != nil {
		return 0, fmt.Errorf("patch recorder displacement: %w", err)
	}
	if err := host.CommitCode(moduleName, offset, int64(len(code))); err != nil {
		return 0, fmt.Errorf("commit recorder: %w", err)
	}

	return offset, nil
}

func le32(v int32) []byte {
	u := uint32(v)
	return []byte{byte(u), byte(u >> 8), byte(u >> 16), byte(u >> 24)}
}

// Clear overwrites the recorder at instrOffset with the canonical 7-byte
// NOP. Clearing is idempotent.
func Clear(host translator.Host, moduleName string, instrOffset int64) error {
	nop := emit.NOP7()
	if err := host.WriteCodeAtOffset(moduleName, instrOffset, nop); err != nil {
		return fmt.Errorf("block: clear recorder: %w", err)
	}
	if err := host.CommitCode(moduleName, instrOffset, int64(len(nop))); err != nil {
		return fmt.Errorf("block: commit cleared recorder: %w", err)
	}
	return nil
}
