// Package emit provides typed builder helpers for the specific short
// instruction sequences litecov injects: a direct bitmap store, NOPs, a
// short relative JMP, PUSH/POP, LZCNT, CMP reg,imm8, PUSHF/POPF, and
// conditional branches. Each helper returns the encoded bytes together with
// the offsets of any displacement/immediate a caller needs to patch later,
// rather than requiring callers to scan the tail of the encoding (spec §9,
// "Emitter helpers").
package emit

// Reg is an x86 general-purpose register encoded the way the instruction
// set does: 0-7 for RAX..RDI, 8-15 for R8..R15 (requiring a REX prefix).
type Reg uint8

const (
	RAX Reg = 0
	RCX Reg = 1
	RDX Reg = 2
	RBX Reg = 3
	RSP Reg = 4
	RBP Reg = 5
	RSI Reg = 6
	RDI Reg = 7
	R8  Reg = 8
	R9  Reg = 9
	R10 Reg = 10
	R11 Reg = 11
	R12 Reg = 12
	R13 Reg = 13
	R14 Reg = 14
	R15 Reg = 15
)

func (r Reg) low3() byte   { return byte(r) & 0x7 }
func (r Reg) extended() bool { return r >= 8 }

// Width selects the operand width an instruction builder should encode.
type Width int

const (
	Width16 Width = 16
	Width32 Width = 32
	Width64 Width = 64
)

// rex builds a REX prefix byte. w sets REX.W (64-bit operand size), r/x/b
// are the extension bits for the reg/index/rm fields respectively.
func rex(w, r, x, b bool) byte {
	out := byte(0x40)
	if w {
		out |= 0x08
	}
	if r {
		out |= 0x04
	}
	if x {
		out |= 0x02
	}
	if b {
		out |= 0x01
	}
	return out
}

// prefixAndREX returns the legacy operand-size prefix (0x66 for 16-bit)
// and whether REX.W must be set, for the given width.
func prefixAndREX(width Width) (prefix []byte, w bool) {
	switch width {
	case Width16:
		return []byte{0x66}, false
	case Width64:
		return nil, true
	default:
		return nil, false
	}
}

// modrmReg builds a ModRM byte for the register-direct addressing mode
// (mod=11) with the given reg and rm fields.
func modrmReg(reg, rm Reg) byte {
	return 0xC0 | (reg.low3() << 3) | rm.low3()
}

// scratchOrder is the preference order PickScratchReg walks. RSP is never
// offered: it is the stack pointer and compares against it are declined
// before a scratch register is ever needed (spec §4.2).
var scratchOrder = []Reg{RCX, RDX, RAX, RBX, RSI, RDI, R8, R9, R10, R11, R12, R13, R14, R15}

// PickScratchReg returns a register not present in avoid, for use as the
// compare/I2S wrapper's destination register when the compare's first
// operand isn't itself a register.
func PickScratchReg(avoid ...Reg) Reg {
	for _, candidate := range scratchOrder {
		clash := false
		for _, a := range avoid {
			if candidate == a {
				clash = true
				break
			}
		}
		if !clash {
			return candidate
		}
	}
	return RCX
}

// le32 little-endian encodes a 32-bit displacement/immediate.
func le32(v int32) []byte {
	u := uint32(v)
	return []byte{byte(u), byte(u >> 8), byte(u >> 16), byte(u >> 24)}
}
