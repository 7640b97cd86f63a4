// Package litecov is the fuzzer-facing core of a coverage-guided dynamic
// binary instrumentation engine: block/edge coverage, compare-coverage, and
// input-to-state feedback, all built on a shared coverage bitmap and a
// translator-provided Host/Hooks boundary (spec §1, §6). The binary
// translator itself - code discovery, CFG construction, instruction
// decode/encode, remote memory - is out of scope; see internal/translator.
package litecov

import (
	"fmt"
	"io"
	"sync"

	"github.com/coveragecore/litecov/internal/bitmap"
	"github.com/coveragecore/litecov/internal/block"
	"github.com/coveragecore/litecov/internal/cmpcov"
	"github.com/coveragecore/litecov/internal/decode"
	"github.com/coveragecore/litecov/internal/i2s"
	"github.com/coveragecore/litecov/internal/registry"
	"github.com/coveragecore/litecov/internal/translator"
	"github.com/coveragecore/litecov/internal/unwind"
)

// CoverageType selects the granularity block coverage is collected at.
type CoverageType int

const (
	CoverageBlock CoverageType = iota
	CoverageEdge
)

// Config is the Instrumenter's immutable configuration, set once at
// construction: no package-level flags, no mutable global state (REDESIGN
// FLAGS, "Config over globals").
type Config struct {
	// CoverageType selects block or edge coverage.
	CoverageType CoverageType
	// CompareCoverage enables the compare-coverage instrumenter (spec §4.2).
	CompareCoverage bool
	// InputToState enables the I2S instrumenter (spec §4.3). This only
	// controls whether wrappers are emitted at all - every emitted wrapper
	// still starts off (skipped by a leading JMP) until EnableInputToState
	// turns it on.
	InputToState bool
	// TrackUnwind enables the unwind transcoder (spec §4.6).
	TrackUnwind bool
	// IsStackPointer identifies the host's stack-pointer register, used to
	// decline instrumenting compares against it.
	IsStackPointer decode.IsStackPointer
}

// remoteBaseStride separates each module's fake bitmap/scratch remote base
// addresses from the next, generously - these numbers never describe real
// memory, only the distinct identity of "wherever the host mapped this".
const remoteBaseStride = 1 << 40

// Instrumenter is the fuzzer-facing engine. It implements
// translator.Hooks, and is driven by a binary translator that calls back
// into it as it discovers and rewrites code.
type Instrumenter struct {
	cfg  Config
	host translator.Host
	warn io.Writer

	mu              sync.Mutex
	modules         map[string]*registry.Module
	fullCoverage    bool
	nextRemoteBase  int64
	unwindTranscode *unwind.Transcoder
}

// NewInstrumenter constructs an Instrumenter bound to host. warn receives
// one-line diagnostics for advisory, non-fatal conditions (a basic block
// too large for compare coverage, an instrumentation error encountered
// mid-translation); it may be nil to discard them.
func NewInstrumenter(cfg Config, host translator.Host, warn io.Writer) *Instrumenter {
	return &Instrumenter{
		cfg:             cfg,
		host:            host,
		warn:            warn,
		modules:         make(map[string]*registry.Module),
		nextRemoteBase:  0x7f0000000000,
		unwindTranscode: unwind.NewTranscoder(),
	}
}

func (in *Instrumenter) allocRemoteBase() int64 {
	base := in.nextRemoteBase
	in.nextRemoteBase += remoteBaseStride
	return base
}

func (in *Instrumenter) logf(format string, args ...any) {
	if in.warn != nil {
		fmt.Fprintf(in.warn, format, args...)
	}
}

// --- translator.Hooks ---

func (in *Instrumenter) OnModuleInstrumented(module string, minAddress int64) {
	in.mu.Lock()
	defer in.mu.Unlock()

	bm, err := bitmap.New()
	if err != nil {
		in.logf("litecov: %s: alloc coverage bitmap: %v\n", module, err)
		return
	}
	scratch, err := bitmap.New()
	if err != nil {
		in.logf("litecov: %s: alloc i2s scratch: %v\n", module, err)
		return
	}

	mod := registry.NewModule(module, minAddress, in.allocRemoteBase(), bm, in.allocRemoteBase(), scratch)
	in.modules[module] = mod
}

func (in *Instrumenter) OnModuleUninstrumented(module string) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if mod, ok := in.modules[module]; ok {
		if err := mod.Destroy(); err != nil {
			in.logf("litecov: %s: destroy: %v\n", module, err)
		}
		delete(in.modules, module)
	}
	in.unwindTranscode.OnModuleUninstrumented(module)
}

func (in *Instrumenter) OnModuleEntered(module string, entryAddress int64) {}

func (in *Instrumenter) OnProcessExit() {}

func (in *Instrumenter) OnException(module string, faultAddress int64) bool {
	// a write to an unexpected bitmap page is a target bug, not ours to
	// fix up; report unhandled so the translator's own policy decides.
	return false
}

func (in *Instrumenter) InstrumentBasicBlock(module string, bbAddress int64) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.cfg.CoverageType != CoverageBlock {
		return
	}
	mod := in.modules[module]
	if mod == nil {
		return
	}

	blockOffset := uint64(bbAddress - mod.MinAddress)
	code := bitmap.BlockCode(blockOffset)
	if err := block.Emit(in.host, mod, module, blockOffset, code); err != nil {
		in.logf("litecov: %s: instrument block: %v\n", module, err)
	}
}

func (in *Instrumenter) InstrumentEdge(prevModule, nextModule string, prevAddress, nextAddress int64) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.cfg.CoverageType != CoverageEdge {
		return
	}
	if prevModule != nextModule {
		// cross-module edges aren't representable by a single module's
		// coverage code; each module's own block coverage still fires.
		return
	}
	mod := in.modules[nextModule]
	if mod == nil {
		return
	}

	prevOffset := uint64(prevAddress - mod.MinAddress)
	nextOffset := uint64(nextAddress - mod.MinAddress)
	code := bitmap.EdgeCode(prevOffset, nextOffset)
	if err := block.Emit(in.host, mod, nextModule, uint64(code), code); err != nil {
		in.logf("litecov: %s: instrument edge: %v\n", nextModule, err)
	}
}

func (in *Instrumenter) InstrumentInstruction(module string, inst decode.Instruction, bbAddress, instructionAddress int64, before bool) translator.InstructionResult {
	in.mu.Lock()
	defer in.mu.Unlock()

	mod := in.modules[module]
	if mod == nil {
		return translator.NotHandled
	}

	blockOffset := uint64(bbAddress - mod.MinAddress)
	cmpOffset := uint64(instructionAddress - bbAddress)
	handled := false

	// the compare-coverage wrapper goes in front of the compare; the I2S
	// wrapper goes after it, so it captures the flags the compare produced.
	if before && in.cfg.CompareCoverage {
		ok, err := cmpcov.Instrument(in.host, mod, module, in.cfg.IsStackPointer, blockOffset, cmpOffset, inst, instructionAddress, in.warn)
		if err != nil {
			in.logf("litecov: %s: compare coverage: %v\n", module, err)
		} else if ok {
			handled = true
		}
	}

	if !before && in.cfg.InputToState {
		next, ok, err := cmpcov.NextConditional(in.host, module, instructionAddress+int64(inst.LengthBytes))
		if err != nil {
			in.logf("litecov: %s: i2s scan: %v\n", module, err)
		} else if ok {
			ok2, err2 := i2s.Instrument(in.host, mod, module, in.cfg.IsStackPointer, blockOffset, cmpOffset, inst, instructionAddress, next)
			if err2 != nil {
				in.logf("litecov: %s: i2s: %v\n", module, err2)
			} else if ok2 {
				handled = true
			}
		}
	}

	if handled {
		return translator.Handled
	}
	return translator.NotHandled
}

// --- unwind transcoding ---

// LoadUnwindInfo parses module's snapshotted __TEXT,__unwind_info section.
// Reading the real section out of the target process is the translator's
// job (spec §6); this only accepts the bytes once they've been read.
func (in *Instrumenter) LoadUnwindInfo(module string, unwindInfo []byte) error {
	if !in.cfg.TrackUnwind {
		return nil
	}
	return in.unwindTranscode.OnModuleInstrumented(module, unwindInfo)
}

// OnUnwindBasicBlockStart/OnUnwindInstruction/OnUnwindBasicBlockEnd feed
// the unwind transcoder (spec §4.6). originalOffset is module-relative.
func (in *Instrumenter) OnUnwindBasicBlockStart(module string, originalOffset uint64, translatedAddr int64) {
	if in.cfg.TrackUnwind {
		in.unwindTranscode.OnBasicBlockStart(module, originalOffset, translatedAddr)
	}
}

func (in *Instrumenter) OnUnwindInstruction(module string, originalOffset uint64, translatedAddr int64) {
	if in.cfg.TrackUnwind {
		in.unwindTranscode.OnInstruction(module, originalOffset, translatedAddr)
	}
}

func (in *Instrumenter) OnUnwindBasicBlockEnd(module string, originalOffset uint64, translatedAddr int64) {
	if in.cfg.TrackUnwind {
		in.unwindTranscode.OnBasicBlockEnd(module, originalOffset, translatedAddr)
	}
}

// UnwindRuns returns the translated-address unwind runs accumulated for
// module.
func (in *Instrumenter) UnwindRuns(module string) []unwind.Run {
	return in.unwindTranscode.Runs(module)
}

// --- fuzzer-facing coverage API ---

// codeForSlot resolves the bitmap slot hit in mod to the coverage code it
// represents, whichever instrumenter owns it (spec §4.5). A code passed to
// IgnoreCoverage resolves to nothing.
func codeForSlot(mod *registry.Module, slot int) (bitmap.Code, bool) {
	code, ok := mod.SlotToCode[slot]
	if !ok {
		rec, isCompare := mod.SlotToCompare[slot]
		if !isCompare {
			return 0, false
		}
		code = bitmap.CompareCode(rec.BlockOffset, rec.CmpOffset, rec.MatchWidth)
	}
	if _, ignored := mod.Ignored[code]; ignored {
		return 0, false
	}
	return code, true
}

// EnableFullCoverage disables the self-retiring behavior GetCoverage
// otherwise applies on drain: every recorder stays live for the life of
// the module, at the cost of continuing to pay for instrumentation on
// blocks that have already reported a hit.
func (in *Instrumenter) EnableFullCoverage() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.fullCoverage = true
}

// DisableFullCoverage restores the default: GetCoverage(clear) retires
// (block.Clear / cmpcov.Retire) a recorder the first time it observes it
// hit, trading perfect repeat-hit visibility for lower steady-state
// instrumentation overhead.
func (in *Instrumenter) DisableFullCoverage() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.fullCoverage = false
}

// GetCoverage drains the coverage bitmap of every instrumented module into
// a Set. If clear, hit bytes are reset to zero, and - unless
// EnableFullCoverage is in effect - the recorder that produced the hit is
// retired so it stops paying for instrumentation it no longer needs to do.
func (in *Instrumenter) GetCoverage(clear bool) bitmap.Set {
	in.mu.Lock()
	defer in.mu.Unlock()

	out := bitmap.NewSet()
	for name, mod := range in.modules {
		mc := out.Module(name)
		var hitSlots []int
		mod.Bitmap.EachHit(mod.Bitmap.Len(), func(slot int) {
			code, ok := codeForSlot(mod, slot)
			if !ok {
				return
			}
			mc.Offsets[code] = struct{}{}
			hitSlots = append(hitSlots, slot)
		})
		if !clear {
			continue
		}
		for _, slot := range hitSlots {
			mod.Bitmap.Clear(slot)
			if in.fullCoverage {
				continue
			}
			in.retireSlot(name, mod, slot)
		}
	}
	return out
}

func (in *Instrumenter) retireSlot(module string, mod *registry.Module, slot int) {
	if rec, ok := mod.SlotToCompare[slot]; ok {
		if err := cmpcov.Retire(in.host, module, rec); err != nil {
			in.logf("litecov: %s: retire compare: %v\n", module, err)
		}
		return
	}
	if instrOffset, ok := mod.CodeToInstrOffset[mustCode(mod, slot)]; ok {
		if err := block.Clear(in.host, module, instrOffset); err != nil {
			in.logf("litecov: %s: retire block: %v\n", module, err)
		}
	}
}

func mustCode(mod *registry.Module, slot int) bitmap.Code {
	code, _ := codeForSlot(mod, slot)
	return code
}

// ClearCoverage resets every instrumented module's coverage bitmap to
// zero, without touching which recorders are live.
func (in *Instrumenter) ClearCoverage() {
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, mod := range in.modules {
		mod.Bitmap.ClearAll()
	}
}

// HasNewCoverage reports whether any code hit since the last call has not
// been observed before, updating each module's Collected set as it goes
// (spec §3, ModuleCovData.collected_coverage).
func (in *Instrumenter) HasNewCoverage() bool {
	in.mu.Lock()
	defer in.mu.Unlock()

	found := false
	for _, mod := range in.modules {
		mod.Bitmap.EachHit(mod.Bitmap.Len(), func(slot int) {
			code, ok := codeForSlot(mod, slot)
			if !ok {
				return
			}
			if _, already := mod.Collected[code]; !already {
				mod.Collected[code] = struct{}{}
				found = true
			}
		})
	}
	return found
}

// IgnoreCoverage permanently retires every coverage code in set: block and
// edge recorders are NOPed out, compare wrappers are retired. Ignored codes
// never contribute to GetCoverage or HasNewCoverage again.
func (in *Instrumenter) IgnoreCoverage(set bitmap.Set) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	for name, mc := range set {
		mod := in.modules[name]
		if mod == nil {
			continue
		}
		for code := range mc.Offsets {
			mod.Ignored[code] = struct{}{}
			if rec, ok := mod.CodeToCompare[code]; ok {
				if err := cmpcov.Retire(in.host, name, rec); err != nil {
					return fmt.Errorf("litecov: ignore coverage: %w", err)
				}
				continue
			}
			if instrOffset, ok := mod.CodeToInstrOffset[code]; ok {
				if err := block.Clear(in.host, name, instrOffset); err != nil {
					return fmt.Errorf("litecov: ignore coverage: %w", err)
				}
			}
		}
	}
	return nil
}

// --- input-to-state ---

// EnableInputToState re-enables every already-emitted I2S wrapper across
// every instrumented module. It has no effect on whether new compares get
// I2S wrappers at all - that's Config.InputToState, fixed at construction.
func (in *Instrumenter) EnableInputToState() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	for name, mod := range in.modules {
		for _, rec := range mod.I2SRecords() {
			if err := i2s.Enable(in.host, name, rec); err != nil {
				return fmt.Errorf("litecov: enable i2s: %w", err)
			}
		}
	}
	return nil
}

// DisableInputToState turns off every already-emitted I2S wrapper.
func (in *Instrumenter) DisableInputToState() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	for name, mod := range in.modules {
		for _, rec := range mod.I2SRecords() {
			if err := i2s.Disable(in.host, name, rec); err != nil {
				return fmt.Errorf("litecov: disable i2s: %w", err)
			}
		}
	}
	return nil
}

// I2SData is one collected input-to-state observation: the two operand
// values a compare actually saw, the RFLAGS it produced, and the branch
// direction those flags imply for the conditional that follows it.
type I2SData struct {
	Module      string
	BlockOffset uint64
	CmpOffset   uint64
	Category    registry.I2SCategory
	Op0, Op1    []byte
	Flags       uint64
	BranchTaken bool
}

// GetI2SData drains every module's I2S records that have fired since the
// last drain. If clear, the hit marker is reset so the same record won't
// be reported again until it fires once more.
func (in *Instrumenter) GetI2SData(clear bool) []I2SData {
	in.mu.Lock()
	defer in.mu.Unlock()

	var out []I2SData
	for name, mod := range in.modules {
		for _, rec := range mod.I2SRecords() {
			i2s.Drain(mod, rec)
			if !rec.HasData {
				continue
			}
			out = append(out, I2SData{
				Module:      name,
				BlockOffset: rec.BlockOffset,
				CmpOffset:   rec.CmpOffset,
				Category:    rec.Category,
				Op0:         rec.Op0,
				Op1:         rec.Op1,
				Flags:       rec.Flags,
				BranchTaken: rec.BranchPath(),
			})
			if clear {
				for i := 0; i < 4; i++ {
					mod.I2SScratch.Clear(rec.HitSlot + i)
				}
				rec.HasData = false
			}
		}
	}
	return out
}
