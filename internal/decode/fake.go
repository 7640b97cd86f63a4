package decode

import "fmt"

// Fake opcodes used only by FakeDecoder/FakeEncoder, a tiny deterministic
// pseudo-ISA good enough to drive the SUB-viability scan and wrapper
// emission without a real x86 disassembler, which is out of this core's
// scope (spec §1).
const (
	OpCMP  byte = 0x01
	OpSUB  byte = 0x02
	OpJB   byte = 0x03
	OpJL   byte = 0x04
	OpJE   byte = 0x05
	OpJG   byte = 0x06
	OpJA   byte = 0x07
	OpCMOVB byte = 0x08
	OpCMOVL byte = 0x09
	OpCMOVE byte = 0x0A
	OpCMOVG byte = 0x0B
	OpCMOVA byte = 0x0C
	OpRET  byte = 0x10
	OpCALL byte = 0x11
	OpJMP  byte = 0x12
	OpADD  byte = 0x13 // flag clobber, doesn't read flags
	OpNOP  byte = 0x14
)

// fakeSimpleLen is the fixed length of a fake instruction carrying no
// meaningful operands. fakeCmpLen is the length of a fake CMP/SUB, which
// additionally carries a 4-byte little-endian immediate (used when either
// operand is fakeOperandImm; ignored otherwise).
const (
	fakeSimpleLen = 6
	fakeCmpLen    = 10
)

const (
	fakeOperandReg byte = 0
	fakeOperandMem byte = 1
	fakeOperandImm byte = 2
)

// EncodeCMPOrSUB encodes a fake CMP/SUB instruction for tests: op is
// OpCMP or OpSUB, widthBytes is the operand width in bytes, and the two
// operands are described by (kind, register) pairs plus a shared 32-bit
// immediate field, meaningful only when one operand's kind is
// fakeOperandImm. Memory operands carry no addressing detail beyond the
// marker; RSPRelative/RIPRelative fake memory operands aren't modeled, a
// real decoder's Operand would carry that detail.
func EncodeCMPOrSUB(op byte, widthBytes int, op1Kind byte, op1Reg Register, op2Kind byte, op2Reg Register, imm int32) []byte {
	code := []byte{op, byte(widthBytes), op1Kind, byte(op1Reg), op2Kind, byte(op2Reg), 0, 0, 0, 0}
	u := uint32(imm)
	code[6], code[7], code[8], code[9] = byte(u), byte(u>>8), byte(u>>16), byte(u>>24)
	return code
}

// EncodeSimple encodes a fixed-length fake instruction carrying no
// meaningful operands (RET, CALL, JMP, ADD, NOP, and the Jcc/CMOVcc family).
func EncodeSimple(op byte) []byte {
	return []byte{op, 0, 0, 0, 0, 0}
}

// FakeDecoder decodes the pseudo-ISA above. It exists only to exercise
// this core's logic in tests.
type FakeDecoder struct{}

func (FakeDecoder) Decode(code []byte) (Instruction, error) {
	if len(code) < 1 {
		return Instruction{}, fmt.Errorf("decode: short buffer (%d bytes)", len(code))
	}
	op := code[0]

	switch op {
	case OpCMP, OpSUB:
		if len(code) < fakeCmpLen {
			return Instruction{}, fmt.Errorf("decode: short buffer (%d bytes)", len(code))
		}
		width := int(code[1]) * 8
		op1Kind, op1Reg := code[2], Register(code[3])
		op2Kind, op2Reg := code[4], Register(code[5])
		imm := int64(int32(uint32(code[6]) | uint32(code[7])<<8 | uint32(code[8])<<16 | uint32(code[9])<<24))

		mkOperand := func(kind byte, reg Register) Operand {
			switch kind {
			case fakeOperandReg:
				return Operand{Kind: OperandRegister, Register: reg}
			case fakeOperandMem:
				return Operand{Kind: OperandMemory, Register: InvalidRegister}
			default:
				return Operand{Kind: OperandImmediate, Register: InvalidRegister, Immediate: imm}
			}
		}

		iclass := CMP
		if op == OpSUB {
			iclass = SUB
		}
		return Instruction{
			Iclass:      iclass,
			Category:    Other,
			Operands:    []Operand{mkOperand(op1Kind, op1Reg), mkOperand(op2Kind, op2Reg)},
			WidthBits:   width,
			LengthBytes: fakeCmpLen,
			ReadsRFLAGS: false,
		}, nil
	default:
		if len(code) < fakeSimpleLen {
			return Instruction{}, fmt.Errorf("decode: short buffer (%d bytes)", len(code))
		}
	}

	switch op {
	case OpJB, OpJL, OpJE, OpJG, OpJA:
		return Instruction{Iclass: jccName(op), Category: CondBranch, LengthBytes: fakeSimpleLen, ReadsRFLAGS: true}, nil
	case OpCMOVB, OpCMOVL, OpCMOVE, OpCMOVG, OpCMOVA:
		return Instruction{Iclass: cmovName(op), Category: CondMove, LengthBytes: fakeSimpleLen, ReadsRFLAGS: true}, nil
	case OpRET:
		return Instruction{Iclass: "RET", Category: Ret, LengthBytes: fakeSimpleLen}, nil
	case OpCALL:
		return Instruction{Iclass: "CALL", Category: Call, LengthBytes: fakeSimpleLen}, nil
	case OpJMP:
		return Instruction{Iclass: "JMP", Category: UncondBranch, LengthBytes: fakeSimpleLen}, nil
	case OpADD:
		return Instruction{Iclass: "ADD", Category: Other, LengthBytes: fakeSimpleLen, ReadsRFLAGS: false}, nil
	case OpNOP:
		return Instruction{Iclass: "NOP", Category: Other, LengthBytes: fakeSimpleLen, ReadsRFLAGS: false}, nil
	default:
		return Instruction{}, fmt.Errorf("decode: unknown fake opcode 0x%02x", op)
	}
}

func jccName(op byte) Iclass {
	switch op {
	case OpJB:
		return "JB"
	case OpJL:
		return "JL"
	case OpJE:
		return "JE"
	case OpJG:
		return "JG"
	case OpJA:
		return "JA"
	}
	return "J?"
}

func cmovName(op byte) Iclass {
	switch op {
	case OpCMOVB:
		return "CMOVB"
	case OpCMOVL:
		return "CMOVL"
	case OpCMOVE:
		return "CMOVE"
	case OpCMOVG:
		return "CMOVG"
	case OpCMOVA:
		return "CMOVA"
	}
	return "CMOV?"
}
