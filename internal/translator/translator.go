// Package translator defines the boundary between litecov and the
// underlying binary translator (spec §6). The translator itself - block
// discovery, CFG chasing, instruction decode/encode, writing bytes into an
// executable buffer in the target process, patching branch fixups,
// committing pages - is an external collaborator and explicitly out of
// scope (spec §1). This package only names the contract: the Host methods
// litecov calls on the translator, and the Hooks the translator calls back
// into litecov.
package translator

import "github.com/coveragecore/litecov/internal/decode"

// Region is the host-readable view of a chunk of original code, as
// returned by Host.GetRegion.
type Region struct {
	From, To int64
	Data     []byte
}

// Host is the set of operations litecov performs on the translator: append
// or overwrite bytes in the host-local mirror of the instrumented buffer,
// make a range visible in the target, and resolve addresses/regions.
type Host interface {
	// WriteCode appends bytes to the module's instrumented buffer and
	// returns the offset (0-based from the start of the buffer) it was
	// written at.
	WriteCode(module string, code []byte) (offset int64, err error)
	// WriteCodeAtOffset overwrites code already written at offset within
	// the module's instrumented buffer.
	WriteCodeAtOffset(module string, offset int64, code []byte) error
	// CommitCode makes [offset, offset+length) visible in the target
	// (flushes the instruction cache / remaps writable -> executable).
	CommitCode(module string, offset int64, length int64) error
	// GetCurrentInstrumentedAddress returns the remote address at which
	// the next byte WriteCode emits will live.
	GetCurrentInstrumentedAddress(module string) int64
	// OffsetAddress converts a buffer offset (as returned by WriteCode) to
	// the remote address it lives at, for computing RIP-relative
	// displacements once a sequence's final position is known.
	OffsetAddress(module string, offset int64) int64
	// GetRegion locates the host-readable view of the original code
	// containing addr, or ok=false if addr is outside any known region.
	GetRegion(module string, addr int64) (region Region, ok bool)
	// Decoder returns the instruction decoder this translator is backed
	// by.
	Decoder() decode.Decoder
}

// InstructionResult is returned by Hooks.InstrumentInstruction to tell the
// translator whether (and how) an instruction was handled.
type InstructionResult int

const (
	// NotHandled means this core did not instrument the instruction; the
	// translator should continue to the next instrumenter/the original
	// instruction unmodified.
	NotHandled InstructionResult = iota
	// Handled means this core emitted instrumentation around/after the
	// instruction.
	Handled
)

// Hooks is the set of callbacks the translator invokes on litecov as it
// discovers modules, blocks, edges, and instructions.
type Hooks interface {
	OnModuleInstrumented(module string, minAddress int64)
	OnModuleUninstrumented(module string)
	OnModuleEntered(module string, entryAddress int64)
	OnProcessExit()
	// OnException reports whether litecov handled the exception (e.g. a
	// bitmap-write exception used to signal new coverage); false means
	// the translator should propagate it further.
	OnException(module string, faultAddress int64) (handled bool)

	InstrumentBasicBlock(module string, bbAddress int64)
	InstrumentEdge(prevModule string, nextModule string, prevAddress, nextAddress int64)
	InstrumentInstruction(module string, inst decode.Instruction, bbAddress, instructionAddress int64, before bool) InstructionResult
}
