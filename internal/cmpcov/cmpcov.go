package cmpcov

import (
	"fmt"
	"io"

	"github.com/coveragecore/litecov/internal/bitmap"
	"github.com/coveragecore/litecov/internal/decode"
	"github.com/coveragecore/litecov/internal/emit"
	"github.com/coveragecore/litecov/internal/registry"
	"github.com/coveragecore/litecov/internal/translator"
)

// initialMatchWidth is the match-width a freshly instrumented compare of
// the given operand bit-width starts at: one byte less than the full
// operand, so a hit only needs to share every leading byte but the last
// before it is interesting (spec §4.2; original_source/arch/x86/
// x86_litecov.cpp's "match_width = operand_width - 8").
func initialMatchWidth(widthBits int) int {
	return widthBits - 8
}

// Eligible reports whether inst can carry compare-coverage instrumentation:
// it must be a CMP or SUB of at least 16 bits, and neither operand may be
// the stack pointer register (spec §4.2, §4.4).
func Eligible(inst decode.Instruction, isSP decode.IsStackPointer) bool {
	if inst.Iclass != decode.CMP && inst.Iclass != decode.SUB {
		return false
	}
	if inst.WidthBits < 16 {
		return false
	}
	for _, op := range inst.Operands {
		if op.Kind == decode.OperandRegister && isSP(op.Register) {
			return false
		}
	}
	return true
}

// Classify maps the mnemonic of the conditional that consumes a compare's
// flags to the I2S branch category it implies (spec §4.3, GLOSSARY).
func Classify(iclass decode.Iclass) (registry.I2SCategory, bool) {
	switch iclass {
	case "JB", "CMOVB":
		return registry.CategoryBelow, true
	case "JL", "CMOVL":
		return registry.CategoryLess, true
	case "JE", "CMOVE":
		return registry.CategoryEqual, true
	case "JA", "CMOVA":
		return registry.CategoryAbove, true
	case "JG", "CMOVG":
		return registry.CategoryGreater, true
	default:
		return "", false
	}
}

func widthOf(bits int) emit.Width {
	switch {
	case bits <= 16:
		return emit.Width16
	case bits <= 32:
		return emit.Width32
	default:
		return emit.Width64
	}
}

// pendingFixup pairs a Fixup with the offset, within the wrapper being
// built, of the code carrying it, and the absolute target address the
// patched value must resolve to.
type pendingFixup struct {
	atOffset int64
	fixup    emit.Fixup
	target   int64
}

// Instrument emits a compare-coverage wrapper in front of the original
// instruction at instructionAddr (spec §4.2). blockOffset/cmpOffset name
// the position for dedup and for the coverage code; inst is the decoded
// CMP/SUB itself. warn receives a one-line diagnostic (never an error) when
// a basic block is too large to address with a compare code; it may be nil.
//
// It returns instrumented=false, err=nil whenever the compare is simply not
// a candidate (ineligible, already instrumented, or block too large) -
// compare-coverage eligibility is advisory, never fatal (spec §7).
func Instrument(host translator.Host, mod *registry.Module, moduleName string, isSP decode.IsStackPointer, blockOffset, cmpOffset uint64, inst decode.Instruction, instructionAddr int64, warn io.Writer) (instrumented bool, err error) {
	if !Eligible(inst, isSP) {
		return false, nil
	}

	if inst.Iclass == decode.SUB {
		ok, _, serr := ShouldInstrumentSub(host, moduleName, instructionAddr, inst.LengthBytes)
		if serr != nil {
			return false, fmt.Errorf("cmpcov: %w", serr)
		}
		if !ok {
			return false, nil
		}
	}

	if blockOffset > bitmap.MaxCompareBlockOffset || cmpOffset > bitmap.MaxCompareOffset {
		if warn != nil {
			fmt.Fprintf(warn, "cmpcov: basic block too large for compare coverage (block offset %d, cmp offset %d)\n", blockOffset, cmpOffset)
		}
		return false, nil
	}

	// A compare at this (block, cmp) position is only ever instrumented
	// once, at its initial match-width; every later raise mutates that
	// same record in place rather than creating a new one, so existence
	// alone is equivalent to "already at width-8" (spec §4.2).
	key := [2]uint64{blockOffset, cmpOffset}
	if _, exists := mod.BlockCmpToCompare[key]; exists {
		return false, nil
	}

	op0, op1 := inst.Operand0(), inst.Operand1()
	if op0.Kind == decode.OperandMemory && !op0.RIPRelative && !op0.RSPRelative {
		// no addressing detail to re-target the load at; decline rather
		// than guess.
		return false, nil
	}

	width := widthOf(inst.WidthBits)

	var dst emit.Reg
	loadOperand0 := false
	if op0.Kind == decode.OperandRegister {
		dst = emit.Reg(op0.Register)
	} else {
		var avoid []emit.Reg
		if op1.Kind == decode.OperandRegister {
			avoid = append(avoid, emit.Reg(op1.Register))
		}
		dst = emit.PickScratchReg(avoid...)
		loadOperand0 = true
	}

	var buf []byte
	var fixups []pendingFixup
	emitInto := func(code []byte) int {
		off := len(buf)
		buf = append(buf, code...)
		return off
	}
	// instructionEndAddr is the original address right after the compare;
	// RIP-relative operands resolve against it since the memory location
	// the operand names hasn't moved.
	instructionEndAddr := instructionAddr + int64(inst.LengthBytes)

	emitInto(emit.NOP5())

	emitInto(emit.Push(dst))

	if loadOperand0 {
		switch {
		case op0.RIPRelative:
			code, disp := emit.MovRegMemRIP(dst, width)
			off := emitInto(code)
			fixups = append(fixups, pendingFixup{atOffset: int64(off), fixup: disp, target: instructionEndAddr + op0.Displacement})
		case op0.RSPRelative:
			// the PUSH above has already moved RSP down by 8.
			emitInto(emit.MovRegMemRSP(dst, int32(op0.Displacement+8), width))
		}
	}

	switch op1.Kind {
	case decode.OperandRegister:
		emitInto(emit.XorRegReg(dst, emit.Reg(op1.Register), width))
	case decode.OperandImmediate:
		emitInto(emit.XorRegImm32(dst, int32(op1.Immediate), width))
	case decode.OperandMemory:
		if !op1.RIPRelative {
			return false, nil
		}
		code, disp := emit.XorRegMemRIP(dst, width)
		off := emitInto(code)
		fixups = append(fixups, pendingFixup{atOffset: int64(off), fixup: disp, target: instructionEndAddr + op1.Displacement})
	}

	emitInto(emit.Lzcnt(dst))

	matchWidth := initialMatchWidth(inst.WidthBits)
	cmpCode, cmpImmFixup := emit.CmpRegImm8(dst, byte(matchWidth))
	matchWidthWrapperOff := emitInto(cmpCode) + cmpImmFixup.Offset

	jccCode, jccDisp := emit.JccRel32(emit.CondB)
	jccOff := emitInto(jccCode)

	storeCode, storeDisp := emit.Store1RIP()
	storeOff := emitInto(storeCode)

	emitInto(emit.Pop(dst))

	wrapperSize := int64(len(buf))

	code := bitmap.CompareCode(blockOffset, cmpOffset, matchWidth)
	slot, err := mod.Bitmap.Alloc()
	if err != nil {
		return false, fmt.Errorf("cmpcov: alloc bitmap slot: %w", err)
	}

	wrapperOffset, err := host.WriteCode(moduleName, buf)
	if err != nil {
		return false, fmt.Errorf("cmpcov: write wrapper: %w", err)
	}

	// patch the JB: skip to right after the recorder, i.e. the POP.
	jccTarget := host.OffsetAddress(moduleName, wrapperOffset+int64(storeOff+len(storeCode)))
	jccNextInsnAddr := host.OffsetAddress(moduleName, wrapperOffset+int64(jccOff+len(jccCode)))
	copy(buf[jccOff+jccDisp.Offset:jccOff+jccDisp.Offset+jccDisp.Size], le32(int32(jccTarget-jccNextInsnAddr)))

	// patch the recorder's RIP-relative displacement to the bitmap slot.
	recorderEndAddr := host.OffsetAddress(moduleName, wrapperOffset+int64(storeOff+len(storeCode)))
	bitAddr := mod.BitmapBaseAddr + int64(slot)
	copy(buf[storeOff+storeDisp.Offset:storeOff+storeDisp.Offset+storeDisp.Size], le32(int32(bitAddr-recorderEndAddr)))

	for _, pf := range fixups {
		start := pf.atOffset + int64(pf.fixup.Offset)
		end := start + int64(pf.fixup.Size)
		endAddr := host.OffsetAddress(moduleName, wrapperOffset+start+int64(pf.fixup.Size))
		copy(buf[start:end], le32(int32(pf.target-endAddr)))
	}

	if err := host.WriteCodeAtOffset(moduleName, wrapperOffset, buf); err != nil {
		return false, fmt.Errorf("cmpcov: patch wrapper: %w", err)
	}
	if err := host.CommitCode(moduleName, wrapperOffset, wrapperSize); err != nil {
		return false, fmt.Errorf("cmpcov: commit wrapper: %w", err)
	}

	rec := &registry.CompareRecord{
		Width:            inst.WidthBits,
		MatchWidth:       matchWidth,
		WrapperOffset:    wrapperOffset,
		MatchWidthOffset: wrapperOffset + int64(matchWidthWrapperOff),
		WrapperSize:      wrapperSize,
		BlockOffset:      blockOffset,
		CmpOffset:        cmpOffset,
	}
	mod.NewCompareRecord(slot, code, rec)
	mod.CodeToInstrOffset[code] = wrapperOffset

	return true, nil
}

func le32(v int32) []byte {
	u := uint32(v)
	return []byte{byte(u), byte(u >> 8), byte(u >> 16), byte(u >> 24)}
}

// setSwitch writes the wrapper's leading 5 bytes: NOP5 when on, or a JMP
// straight past the whole wrapper when off.
func setSwitch(host translator.Host, moduleName string, rec *registry.CompareRecord, on bool) error {
	var code []byte
	if on {
		code = emit.NOP5()
	} else {
		code = emit.JMPRel32To(int32(rec.WrapperSize - 5))
	}
	if err := host.WriteCodeAtOffset(moduleName, rec.WrapperOffset, code); err != nil {
		return fmt.Errorf("cmpcov: set switch: %w", err)
	}
	return host.CommitCode(moduleName, rec.WrapperOffset, int64(len(code)))
}

// Raise increments rec's match-width threshold by 8 bits and patches the
// mutable CMP immediate in place. match_width may legally reach the full
// operand width (a compare that matched completely is still useful
// information); only a raise that would push match_width past width has
// nothing left to learn, so that raise retires the wrapper instead
// (spec §4.2, "raise or retire").
func Raise(host translator.Host, moduleName string, rec *registry.CompareRecord) error {
	if rec.Ignored {
		return nil
	}
	newWidth := rec.MatchWidth + 8
	if newWidth > rec.Width {
		return Retire(host, moduleName, rec)
	}
	if err := host.WriteCodeAtOffset(moduleName, rec.MatchWidthOffset, []byte{byte(newWidth)}); err != nil {
		return fmt.Errorf("cmpcov: raise match width: %w", err)
	}
	if err := host.CommitCode(moduleName, rec.MatchWidthOffset, 1); err != nil {
		return fmt.Errorf("cmpcov: commit raised match width: %w", err)
	}
	rec.MatchWidth = newWidth
	return nil
}

// Retire permanently disables rec's wrapper: it has matched at every
// interesting width, so the compare no longer has anything new to report
// (spec §4.2). It is also used to implement IgnoreCoverage on a compare
// code.
func Retire(host translator.Host, moduleName string, rec *registry.CompareRecord) error {
	if rec.Ignored {
		return nil
	}
	if err := setSwitch(host, moduleName, rec, false); err != nil {
		return err
	}
	rec.Ignored = true
	return nil
}

// Resume re-enables a previously retired/ignored wrapper.
func Resume(host translator.Host, moduleName string, rec *registry.CompareRecord) error {
	if !rec.Ignored {
		return nil
	}
	if err := setSwitch(host, moduleName, rec, true); err != nil {
		return err
	}
	rec.Ignored = false
	return nil
}
