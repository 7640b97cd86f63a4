package i2s

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coveragecore/litecov/internal/bitmap"
	"github.com/coveragecore/litecov/internal/decode"
	"github.com/coveragecore/litecov/internal/registry"
	"github.com/coveragecore/litecov/internal/translator"
)

func isNotSP(decode.Register) bool { return false }

func newTestModule(t *testing.T) (*translator.FakeHost, *registry.Module) {
	t.Helper()
	host := translator.NewFakeHost()
	host.AddModule("mod", 0x1000)

	bm, err := bitmap.NewSize(64)
	require.NoError(t, err)
	scratch, err := bitmap.NewSize(64)
	require.NoError(t, err)
	t.Cleanup(func() { bm.Close(); scratch.Close() })

	return host, registry.NewModule("mod", 0x1000, 0x500000, bm, 0x600000, scratch)
}

func cmpRegReg(width int, a, b decode.Register) decode.Instruction {
	inst, err := decode.FakeDecoder{}.Decode(decode.EncodeCMPOrSUB(decode.OpCMP, width/8, 0, a, 0, b, 0))
	if err != nil {
		panic(err)
	}
	return inst
}

func jb() decode.Instruction {
	inst, err := decode.FakeDecoder{}.Decode(decode.EncodeSimple(decode.OpJB))
	if err != nil {
		panic(err)
	}
	return inst
}

func TestInstrumentDeclinesWithoutFollowingConditional(t *testing.T) {
	host, mod := newTestModule(t)
	inst := cmpRegReg(32, 1, 2)
	add, err := decode.FakeDecoder{}.Decode(decode.EncodeSimple(decode.OpADD))
	require.NoError(t, err)

	ok, err := Instrument(host, mod, "mod", isNotSP, 0x10, 0, inst, 0x1000, add)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInstrumentRegistersRecordWithCategory(t *testing.T) {
	host, mod := newTestModule(t)
	inst := cmpRegReg(32, 1, 2)

	ok, err := Instrument(host, mod, "mod", isNotSP, 0x10, 0x4, inst, 0x1000, jb())
	require.NoError(t, err)
	require.True(t, ok)

	recs := mod.I2SRecords()
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, registry.CategoryBelow, rec.Category)
	assert.Equal(t, 4, rec.OperandLenBytes)
	assert.True(t, rec.Ignored) // I2S collection starts off.

	buf := host.Buffer("mod")
	assert.Equal(t, byte(0xE9), buf[rec.WrapperOffset]) // leading JMP, not NOP5.
}

func TestEnableDisableToggleWrapperBytes(t *testing.T) {
	host, mod := newTestModule(t)
	inst := cmpRegReg(32, 1, 2)
	ok, err := Instrument(host, mod, "mod", isNotSP, 0x10, 0, inst, 0x1000, jb())
	require.NoError(t, err)
	require.True(t, ok)
	rec := mod.I2SRecords()[0]

	require.True(t, rec.Ignored)
	buf := host.Buffer("mod")
	assert.Equal(t, byte(0xE9), buf[rec.WrapperOffset])
	initial := append([]byte(nil), buf[rec.WrapperOffset:rec.WrapperOffset+5]...)

	require.NoError(t, Enable(host, "mod", rec))
	assert.False(t, rec.Ignored)
	buf = host.Buffer("mod")
	assert.Equal(t, []byte{0x0f, 0x1f, 0x44, 0x00, 0x00}, buf[rec.WrapperOffset:rec.WrapperOffset+5])

	require.NoError(t, Disable(host, "mod", rec))
	assert.True(t, rec.Ignored)
	buf = host.Buffer("mod")
	assert.Equal(t, byte(0xE9), buf[rec.WrapperOffset])

	// toggling off->on->off returns the wrapper's leading bytes to exactly
	// the initial state (spec §8).
	require.NoError(t, Enable(host, "mod", rec))
	require.NoError(t, Disable(host, "mod", rec))
	buf = host.Buffer("mod")
	assert.Equal(t, initial, buf[rec.WrapperOffset:rec.WrapperOffset+5])
}

func TestDrainReadsHitOperandsAndFlags(t *testing.T) {
	host, mod := newTestModule(t)
	inst := cmpRegReg(32, 1, 2)
	ok, err := Instrument(host, mod, "mod", isNotSP, 0x10, 0, inst, 0x1000, jb())
	require.NoError(t, err)
	require.True(t, ok)
	rec := mod.I2SRecords()[0]

	Drain(mod, rec)
	assert.False(t, rec.HasData)

	// simulate the target having executed the wrapper: hit marker set,
	// operand bytes and flags written to their scratch slots.
	mod.I2SScratch.Set(rec.HitSlot)
	mod.I2SScratch.Set(rec.Op0Slot)
	mod.I2SScratch.Set(rec.FlagsSlot)

	Drain(mod, rec)
	assert.True(t, rec.HasData)
	assert.Len(t, rec.Op0, rec.OperandLenBytes)
	assert.Len(t, rec.Op1, rec.OperandLenBytes)
	assert.Equal(t, uint64(1), rec.Flags)
}

func TestInstrumentDeclinesTooLargeBlockOffset(t *testing.T) {
	host, mod := newTestModule(t)
	inst := cmpRegReg(32, 1, 2)

	ok, err := Instrument(host, mod, "mod", isNotSP, bitmap.MaxCompareBlockOffset+1, 0, inst, 0x1000, jb())
	require.NoError(t, err)
	assert.False(t, ok)
}
