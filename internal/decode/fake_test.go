package decode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeDecoderDecodesCmpWithImmediate(t *testing.T) {
	code := EncodeCMPOrSUB(OpCMP, 4, fakeOperandReg, Register(1), fakeOperandImm, InvalidRegister, 42)

	inst, err := FakeDecoder{}.Decode(code)
	require.NoError(t, err)
	assert.Equal(t, CMP, inst.Iclass)
	assert.Equal(t, 32, inst.WidthBits)
	assert.Equal(t, fakeCmpLen, inst.LengthBytes)
	assert.Equal(t, Operand{Kind: OperandRegister, Register: Register(1)}, inst.Operand0())
	assert.Equal(t, int64(42), inst.Operand1().Immediate)
}

func TestFakeDecoderDecodesSub(t *testing.T) {
	code := EncodeCMPOrSUB(OpSUB, 8, fakeOperandReg, Register(2), fakeOperandReg, Register(3), 0)
	inst, err := FakeDecoder{}.Decode(code)
	require.NoError(t, err)
	assert.Equal(t, SUB, inst.Iclass)
	assert.Equal(t, 64, inst.WidthBits)
}

func TestFakeDecoderRejectsShortCmpBuffer(t *testing.T) {
	code := EncodeCMPOrSUB(OpCMP, 4, fakeOperandReg, Register(1), fakeOperandImm, InvalidRegister, 1)
	_, err := FakeDecoder{}.Decode(code[:fakeCmpLen-1])
	assert.Error(t, err)
}

func TestFakeDecoderSimpleOpcodes(t *testing.T) {
	cases := []struct {
		op       byte
		iclass   Iclass
		category Category
		flags    bool
	}{
		{OpJB, "JB", CondBranch, true},
		{OpCMOVL, "CMOVL", CondMove, true},
		{OpRET, "RET", Ret, false},
		{OpCALL, "CALL", Call, false},
		{OpJMP, "JMP", UncondBranch, false},
		{OpADD, "ADD", Other, false},
		{OpNOP, "NOP", Other, false},
	}

	for _, tc := range cases {
		inst, err := FakeDecoder{}.Decode(EncodeSimple(tc.op))
		require.NoError(t, err)
		assert.Equal(t, tc.iclass, inst.Iclass)
		assert.Equal(t, tc.category, inst.Category)
		assert.Equal(t, tc.flags, inst.ReadsRFLAGS)
		assert.Equal(t, fakeSimpleLen, inst.LengthBytes)
	}
}

func TestFakeDecoderRejectsUnknownOpcode(t *testing.T) {
	_, err := FakeDecoder{}.Decode(EncodeSimple(0xFF))
	assert.Error(t, err)
}

func TestFakeDecoderRejectsEmptyBuffer(t *testing.T) {
	_, err := FakeDecoder{}.Decode(nil)
	assert.Error(t, err)
}

func TestInstructionOperandAccessorsOnEmptyOperands(t *testing.T) {
	var inst Instruction
	assert.Equal(t, Operand{}, inst.Operand0())
	assert.Equal(t, Operand{}, inst.Operand1())
}
