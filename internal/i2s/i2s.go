// Package i2s implements the Input-to-State Instrumenter (spec §4.3): for
// an eligible compare, it records the raw operand bytes and RFLAGS the next
// flag-consuming conditional will see, so a fuzzer can solve the compare
// directly instead of hill-climbing it byte by byte.
package i2s

import (
	"encoding/binary"
	"fmt"

	"github.com/coveragecore/litecov/internal/bitmap"
	"github.com/coveragecore/litecov/internal/cmpcov"
	"github.com/coveragecore/litecov/internal/decode"
	"github.com/coveragecore/litecov/internal/emit"
	"github.com/coveragecore/litecov/internal/registry"
	"github.com/coveragecore/litecov/internal/translator"
)

// Per-record I2S scratch layout: a 4-byte hit marker, then up to 8 bytes
// for each operand, then 8 bytes of captured RFLAGS.
const (
	hitSlotSize   = 4
	operandSlot   = 8
	flagsSlotSize = 8
)

// Instrument emits an I2S wrapper for the compare at instructionAddr. It is
// called once the original compare has been emitted, so the wrapper lands
// right after it and its PUSHF captures the flags that compare produced.
// Unlike cmpcov.Instrument it unconditionally stores both operands and
// RFLAGS rather than computing a leading-match count (spec §4.3). next is the
// first flag-consuming conditional following the compare in program order;
// its mnemonic determines the record's branch category.
//
// Eligibility mirrors compare-coverage (spec §4.3, "same eligibility");
// Instrument returns instrumented=false, err=nil for anything not a
// candidate.
func Instrument(host translator.Host, mod *registry.Module, moduleName string, isSP decode.IsStackPointer, blockOffset, cmpOffset uint64, inst decode.Instruction, instructionAddr int64, next decode.Instruction) (instrumented bool, err error) {
	if !cmpcov.Eligible(inst, isSP) {
		return false, nil
	}
	category, ok := cmpcov.Classify(next.Iclass)
	if !ok {
		return false, nil
	}

	if blockOffset > bitmap.MaxCompareBlockOffset || cmpOffset > bitmap.MaxCompareOffset {
		return false, nil
	}

	op0, op1 := inst.Operand0(), inst.Operand1()
	if op0.Kind == decode.OperandMemory && !op0.RIPRelative && !op0.RSPRelative {
		return false, nil
	}

	operandLenBytes := inst.WidthBits / 8
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

	hitSlot, err := mod.AllocI2SScratch(hitSlotSize)
	if err != nil {
		return false, fmt.Errorf("i2s: %w", err)
	}
	op0Slot, err := mod.AllocI2SScratch(operandSlot)
	if err != nil {
		return false, fmt.Errorf("i2s: %w", err)
	}
	op1Slot, err := mod.AllocI2SScratch(operandSlot)
	if err != nil {
		return false, fmt.Errorf("i2s: %w", err)
	}
	flagsSlot, err := mod.AllocI2SScratch(flagsSlotSize)
	if err != nil {
		return false, fmt.Errorf("i2s: %w", err)
	}

	var buf []byte
	// fixup.scratch >= 0 means the displacement resolves against the
	// module's I2S scratch region (I2SScratchBaseAddr+scratch); otherwise
	// it resolves against the absolute address in target (an operand load
	// back in the original code). trail is the number of instruction bytes
	// after the displacement field (an imm32 for MovMemRIPImm32), since RIP
	// points past the whole instruction.
	type fixup struct {
		atOffset int64
		fx       emit.Fixup
		target   int64
		scratch  int
		trail    int
	}
	var fixups []fixup
	emitInto := func(code []byte) int {
		off := len(buf)
		buf = append(buf, code...)
		return off
	}
	instructionEndAddr := instructionAddr + int64(inst.LengthBytes)

	// Reserve the leading 5-byte switch; its final contents (a JMP past the
	// whole wrapper, since I2S collection starts off) depend on wrapperSize,
	// which isn't known until the rest of the wrapper is built below.
	switchOff := emitInto(emit.NOP5())

	emitInto(emit.Push(dst))

	if loadOperand0 {
		switch {
		case op0.RIPRelative:
			code, disp := emit.MovRegMemRIP(dst, width)
			off := emitInto(code)
			fixups = append(fixups, fixup{atOffset: int64(off), fx: disp, target: instructionEndAddr + op0.Displacement, scratch: -1})
		case op0.RSPRelative:
			emitInto(emit.MovRegMemRSP(dst, int32(op0.Displacement+8), width))
		}
	}

	hitCode, hitDisp, _ := emit.MovMemRIPImm32(1)
	hitOff := emitInto(hitCode)
	fixups = append(fixups, fixup{atOffset: int64(hitOff), fx: hitDisp, scratch: hitSlot, trail: 4})

	op0StoreCode, op0StoreDisp := emit.MovMemRIPReg(dst, width)
	op0StoreOff := emitInto(op0StoreCode)
	fixups = append(fixups, fixup{atOffset: int64(op0StoreOff), fx: op0StoreDisp, scratch: op0Slot})

	switch op1.Kind {
	case decode.OperandRegister:
		op1Reg := emit.Reg(op1.Register)
		op1StoreCode, op1StoreDisp := emit.MovMemRIPReg(op1Reg, width)
		off := emitInto(op1StoreCode)
		fixups = append(fixups, fixup{atOffset: int64(off), fx: op1StoreDisp, scratch: op1Slot})
	case decode.OperandImmediate:
		immCode, immDisp, _ := emit.MovMemRIPImm32(int32(op1.Immediate))
		off := emitInto(immCode)
		fixups = append(fixups, fixup{atOffset: int64(off), fx: immDisp, scratch: op1Slot, trail: 4})
	case decode.OperandMemory:
		if !op1.RIPRelative {
			return false, nil
		}
		loadCode, loadDisp := emit.MovRegMemRIP(dst, width)
		loadOff := emitInto(loadCode)
		fixups = append(fixups, fixup{atOffset: int64(loadOff), fx: loadDisp, target: instructionEndAddr + op1.Displacement, scratch: -1})
		storeCode, storeDisp := emit.MovMemRIPReg(dst, width)
		storeOff := emitInto(storeCode)
		fixups = append(fixups, fixup{atOffset: int64(storeOff), fx: storeDisp, scratch: op1Slot})
	}

	emitInto(emit.Pushf())
	emitInto(emit.Pop(dst))
	flagsStoreCode, flagsStoreDisp := emit.MovMemRIPReg(dst, emit.Width64)
	flagsStoreOff := emitInto(flagsStoreCode)
	fixups = append(fixups, fixup{atOffset: int64(flagsStoreOff), fx: flagsStoreDisp, scratch: flagsSlot})

	emitInto(emit.Pop(dst))

	wrapperSize := int64(len(buf))

	// I2S collection begins off (spec §4.3): the leading switch is a JMP
	// straight past the wrapper, not the NOP5 placeholder reserved above.
	// EnableInputToState is what later overwrites this with NOP5.
	copy(buf[switchOff:switchOff+5], emit.JMPRel32To(int32(wrapperSize-5)))

	wrapperOffset, err := host.WriteCode(moduleName, buf)
	if err != nil {
		return false, fmt.Errorf("i2s: write wrapper: %w", err)
	}

	for _, fx := range fixups {
		start := fx.atOffset + int64(fx.fx.Offset)
		end := start + int64(fx.fx.Size)
		endAddr := host.OffsetAddress(moduleName, wrapperOffset+start+int64(fx.fx.Size)+int64(fx.trail))
		var target int64
		if fx.scratch >= 0 {
			target = mod.I2SScratchBaseAddr + int64(fx.scratch)
		} else {
			target = fx.target
		}
		copy(buf[start:end], le32(int32(target-endAddr)))
	}

	if err := host.WriteCodeAtOffset(moduleName, wrapperOffset, buf); err != nil {
		return false, fmt.Errorf("i2s: patch wrapper: %w", err)
	}
	if err := host.CommitCode(moduleName, wrapperOffset, wrapperSize); err != nil {
		return false, fmt.Errorf("i2s: commit wrapper: %w", err)
	}

	code := bitmap.CompareCode(blockOffset, cmpOffset, 0)
	rec := &registry.I2SRecord{
		Category:        category,
		OperandLenBytes: operandLenBytes,
		WrapperOffset:   wrapperOffset,
		WrapperSize:     wrapperSize,
		BlockOffset:     blockOffset,
		CmpOffset:       cmpOffset,
		HitSlot:         hitSlot,
		Op0Slot:         op0Slot,
		Op1Slot:         op1Slot,
		FlagsSlot:       flagsSlot,
		Ignored:         true,
	}
	mod.NewI2SRecord(code, rec)
	mod.CodeToInstrOffset[code] = wrapperOffset

	return true, nil
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

func le32(v int32) []byte {
	u := uint32(v)
	return []byte{byte(u), byte(u >> 8), byte(u >> 16), byte(u >> 24)}
}

// Enable turns an I2S wrapper on by overwriting its leading JMP with the
// canonical 5-byte NOP (spec §4.3, the collection on/off switch).
func Enable(host translator.Host, moduleName string, rec *registry.I2SRecord) error {
	if !rec.Ignored {
		return nil
	}
	if err := host.WriteCodeAtOffset(moduleName, rec.WrapperOffset, emit.NOP5()); err != nil {
		return fmt.Errorf("i2s: enable: %w", err)
	}
	if err := host.CommitCode(moduleName, rec.WrapperOffset, 5); err != nil {
		return fmt.Errorf("i2s: commit enable: %w", err)
	}
	rec.Ignored = false
	return nil
}

// Disable turns an I2S wrapper off by overwriting its leading bytes with a
// JMP straight past the wrapper.
func Disable(host translator.Host, moduleName string, rec *registry.I2SRecord) error {
	if rec.Ignored {
		return nil
	}
	jmp := emit.JMPRel32To(int32(rec.WrapperSize - 5))
	if err := host.WriteCodeAtOffset(moduleName, rec.WrapperOffset, jmp); err != nil {
		return fmt.Errorf("i2s: disable: %w", err)
	}
	if err := host.CommitCode(moduleName, rec.WrapperOffset, int64(len(jmp))); err != nil {
		return fmt.Errorf("i2s: commit disable: %w", err)
	}
	rec.Ignored = true
	return nil
}

// Drain reads rec's scratch slots out of the module's I2S scratch region,
// populating Op0/Op1/Flags/HasData. It does not clear the hit marker -
// callers that want edge-triggered collection should clear it themselves
// once drained.
func Drain(mod *registry.Module, rec *registry.I2SRecord) {
	hit := readBytes(mod, rec.HitSlot, hitSlotSize)
	if binary.LittleEndian.Uint32(hit) == 0 {
		rec.HasData = false
		return
	}
	rec.HasData = true
	rec.Op0 = readBytes(mod, rec.Op0Slot, rec.OperandLenBytes)
	rec.Op1 = readBytes(mod, rec.Op1Slot, rec.OperandLenBytes)
	flagsBytes := readBytes(mod, rec.FlagsSlot, flagsSlotSize)
	rec.Flags = binary.LittleEndian.Uint64(flagsBytes)
}

func readBytes(mod *registry.Module, scratchOff, n int) []byte {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = mod.I2SScratch.Get(scratchOff + i)
	}
	return out
}
