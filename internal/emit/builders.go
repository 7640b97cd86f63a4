package emit

// Fixup names a byte range within an emitted sequence that a caller must
// patch once the sequence's final address (or a branch target) is known.
// Kind documents what the range holds, purely for diagnostics.
type Fixup struct {
	Offset int
	Size   int
	Kind   string
}

// Store1RIP emits a 7-byte store of the immediate 1 to a RIP-relative
// byte: "MOV byte ptr [rip+disp32], 1". It does not clobber flags, which is
// essential since it is placed in front of flag-sensitive code. The
// returned Fixup names the 4-byte displacement a caller must set to
// (bitAddress - address-of-next-instruction) once the final address of
// this sequence in the instrumented buffer is known.
func Store1RIP() (code []byte, disp Fixup) {
	code = []byte{0xC6, 0x05, 0, 0, 0, 0, 0x01}
	return code, Fixup{Offset: 2, Size: 4, Kind: "rip-disp32"}
}

// Store1Abs32 emits a 7-byte store of the immediate 1 to an absolute
// 32-bit address, used on 32-bit targets in place of Store1RIP (same
// footprint, §4.1).
func Store1Abs32() (code []byte, addr Fixup) {
	code = []byte{0xC6, 0x05, 0, 0, 0, 0, 0x01}
	return code, Fixup{Offset: 2, Size: 4, Kind: "abs32"}
}

// NOP7 returns the canonical 7-byte NOP used to idempotently clear a
// recorder: 0f 1f 80 00 00 00 00.
func NOP7() []byte {
	return []byte{0x0f, 0x1f, 0x80, 0x00, 0x00, 0x00, 0x00}
}

// NOP5 returns the canonical 5-byte NOP used as the I2S wrapper's "on"
// state: 0f 1f 44 00 00.
func NOP5() []byte {
	return []byte{0x0f, 0x1f, 0x44, 0x00, 0x00}
}

// JMPRel32 emits a 5-byte relative JMP (E9 disp32). The returned Fixup
// names the displacement a caller must set to (target - address-of-
// next-instruction).
func JMPRel32() (code []byte, disp Fixup) {
	code = []byte{0xE9, 0, 0, 0, 0}
	return code, Fixup{Offset: 1, Size: 4, Kind: "rel32"}
}

// JMPRel32To returns a ready-to-write 5-byte JMP whose displacement already
// equals dispValue (target minus the address right after this JMP).
func JMPRel32To(dispValue int32) []byte {
	code, fx := JMPRel32()
	copy(code[fx.Offset:fx.Offset+fx.Size], le32(dispValue))
	return code
}

// CondCode names the condition of a Jcc emitted by JccRel32.
type CondCode byte

const (
	CondB  CondCode = 0x82 // below / CF=1
	CondAE CondCode = 0x83
	CondE  CondCode = 0x84 // equal / ZF=1
	CondNE CondCode = 0x85
	CondBE CondCode = 0x86
	CondA  CondCode = 0x87 // above
	CondL  CondCode = 0x8C // less
	CondGE CondCode = 0x8D
	CondLE CondCode = 0x8E
	CondG  CondCode = 0x8F // greater
)

// JccRel32 emits a 6-byte near conditional branch (0F <cc> disp32). The
// returned Fixup names the displacement to patch.
func JccRel32(cc CondCode) (code []byte, disp Fixup) {
	code = []byte{0x0F, byte(cc), 0, 0, 0, 0}
	return code, Fixup{Offset: 2, Size: 4, Kind: "rel32"}
}

// Push emits a PUSH of a 64-bit general-purpose register: one opcode byte
// (50+reg&7), preceded by a REX.B prefix when reg is an extended register.
func Push(r Reg) []byte {
	if r.extended() {
		return []byte{rex(false, false, false, true), 0x50 + r.low3()}
	}
	return []byte{0x50 + r.low3()}
}

// Pop emits a POP of a 64-bit general-purpose register, the mirror of Push.
func Pop(r Reg) []byte {
	if r.extended() {
		return []byte{rex(false, false, false, true), 0x58 + r.low3()}
	}
	return []byte{0x58 + r.low3()}
}

// Pushf emits PUSHFQ: in 64-bit mode PUSHF always pushes the full 8-byte
// RFLAGS.
func Pushf() []byte {
	return []byte{0x9C}
}

// Popf emits POPFQ, the mirror of Pushf.
func Popf() []byte {
	return []byte{0x9D}
}

// Lzcnt emits "LZCNT dst, dst" (count leading zero bits). After
// "XOR a,b; LZCNT r,r" on the XOR result, r holds the count of leading
// matching bits of a and b - the core of compare-coverage and I2S.
func Lzcnt(dst Reg) []byte {
	r := rex(true, dst.extended(), false, dst.extended())
	return []byte{0xF3, r, 0x0F, 0xBD, modrmReg(dst, dst)}
}

// CmpRegImm8 emits "CMP dst, imm8" (sign-extended 8-bit immediate against a
// 64-bit register): REX.W 83 /7 ib. The returned Fixup names the single
// immediate byte - this is the mutable match-width byte compare-coverage
// rewrites in place to raise the threshold.
func CmpRegImm8(dst Reg, imm8 byte) (code []byte, immFixup Fixup) {
	r := rex(true, false, false, dst.extended())
	modrm := 0xF8 | dst.low3() // /7 digit extension, mod=11
	code = []byte{r, 0x83, modrm, imm8}
	return code, Fixup{Offset: 3, Size: 1, Kind: "imm8"}
}

// MovRegReg emits "MOV dst, src" at the given width.
func MovRegReg(dst, src Reg, width Width) []byte {
	prefix, w := prefixAndREX(width)
	var out []byte
	out = append(out, prefix...)
	out = append(out, rex(w, src.extended(), false, dst.extended()))
	// 89 /r: MOV r/m, r -- reg field is the source, rm field is the dest.
	out = append(out, 0x89, 0xC0|(src.low3()<<3)|dst.low3())
	return out
}

// MovRegImm32 emits "MOV dst, imm32" (sign-extended when width is 64).
func MovRegImm32(dst Reg, imm32 int32, width Width) []byte {
	prefix, w := prefixAndREX(width)
	var out []byte
	out = append(out, prefix...)
	out = append(out, rex(w, false, false, dst.extended()))
	out = append(out, 0xC7, 0xC0|dst.low3())
	out = append(out, le32(imm32)...)
	return out
}

// MovRegMemRIP emits "MOV dst, [rip+disp32]" at the given width. The
// returned Fixup names the displacement to patch once the final address of
// the instruction (and hence the RIP it is relative to) is known.
func MovRegMemRIP(dst Reg, width Width) (code []byte, disp Fixup) {
	prefix, w := prefixAndREX(width)
	var out []byte
	out = append(out, prefix...)
	out = append(out, rex(w, dst.extended(), false, false))
	modrm := byte(0x05) | (dst.low3() << 3) // mod=00, rm=101 (RIP-relative)
	out = append(out, 0x8B, modrm)
	dispOff := len(out)
	out = append(out, 0, 0, 0, 0)
	return out, Fixup{Offset: dispOff, Size: 4, Kind: "rip-disp32"}
}

// MovMemRIPImm32 emits "MOV dword ptr [rip+disp32], imm32" - the I2S
// wrapper's 4-byte "hit" marker store. The first Fixup names the
// displacement, the second names the immediate.
func MovMemRIPImm32(imm32 int32) (code []byte, disp, imm Fixup) {
	code = []byte{0xC7, 0x05, 0, 0, 0, 0, 0, 0, 0, 0}
	copy(code[6:10], le32(imm32))
	return code, Fixup{Offset: 2, Size: 4, Kind: "rip-disp32"}, Fixup{Offset: 6, Size: 4, Kind: "imm32"}
}

// MovMemRIPReg emits "MOV [rip+disp32], src" at the given width - used to
// spill a register into the I2S scratch buffer or the coverage bitmap
// slot's neighbourhood.
func MovMemRIPReg(src Reg, width Width) (code []byte, disp Fixup) {
	prefix, w := prefixAndREX(width)
	var out []byte
	out = append(out, prefix...)
	out = append(out, rex(w, src.extended(), false, false))
	modrm := byte(0x05) | (src.low3() << 3)
	out = append(out, 0x89, modrm)
	dispOff := len(out)
	out = append(out, 0, 0, 0, 0)
	return out, Fixup{Offset: dispOff, Size: 4, Kind: "rip-disp32"}
}

// MovRegMemRSP emits "MOV dst, [rsp+disp32]" at the given width, used when
// operand1 of the original compare was itself RSP-relative and must be
// re-addressed after the wrapper's PUSHes shift the stack.
func MovRegMemRSP(dst Reg, dispValue int32, width Width) []byte {
	prefix, w := prefixAndREX(width)
	var out []byte
	out = append(out, prefix...)
	out = append(out, rex(w, dst.extended(), false, false))
	modrm := byte(0x84) | (dst.low3() << 3) // mod=10, rm=100 (SIB follows)
	out = append(out, 0x8B, modrm, 0x24)    // SIB: scale=0,index=100(none),base=100(RSP)
	out = append(out, le32(dispValue)...)
	return out
}

// XorRegReg emits "XOR dst, src" at the given width - the heart of the
// leading-matching-bits computation ("XOR a,b; LZCNT r,r").
func XorRegReg(dst, src Reg, width Width) []byte {
	prefix, w := prefixAndREX(width)
	var out []byte
	out = append(out, prefix...)
	out = append(out, rex(w, src.extended(), false, dst.extended()))
	out = append(out, 0x31, 0xC0|(src.low3()<<3)|dst.low3())
	return out
}

// XorRegImm32 emits "XOR dst, imm32" at the given width, used when the
// compare's second operand was an immediate.
func XorRegImm32(dst Reg, imm32 int32, width Width) []byte {
	prefix, w := prefixAndREX(width)
	var out []byte
	out = append(out, prefix...)
	out = append(out, rex(w, false, false, dst.extended()))
	out = append(out, 0x81, 0xF0|dst.low3())
	out = append(out, le32(imm32)...)
	return out
}

// XorRegMemRIP emits "XOR dst, [rip+disp32]" at the given width, used when
// the compare's second operand is a RIP-relative memory operand.
func XorRegMemRIP(dst Reg, width Width) (code []byte, disp Fixup) {
	prefix, w := prefixAndREX(width)
	var out []byte
	out = append(out, prefix...)
	out = append(out, rex(w, dst.extended(), false, false))
	modrm := byte(0x05) | (dst.low3() << 3)
	out = append(out, 0x33, modrm)
	dispOff := len(out)
	out = append(out, 0, 0, 0, 0)
	return out, Fixup{Offset: dispOff, Size: 4, Kind: "rip-disp32"}
}

// AddRSPImm32/SubRSPImm32 adjust the stack pointer: the "stack frame shim"
// a wrapper uses to undo the translator's own frame before it PUSHes, and
// to restore it afterwards.
func AddRSPImm32(imm32 int32) []byte {
	out := []byte{rex(true, false, false, false), 0x81, 0xC4}
	return append(out, le32(imm32)...)
}

func SubRSPImm32(imm32 int32) []byte {
	out := []byte{rex(true, false, false, false), 0x81, 0xEC}
	return append(out, le32(imm32)...)
}
