package cmpcov

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coveragecore/litecov/internal/bitmap"
	"github.com/coveragecore/litecov/internal/decode"
	"github.com/coveragecore/litecov/internal/registry"
	"github.com/coveragecore/litecov/internal/translator"
)

func isNotSP(decode.Register) bool { return false }

func isSP(r decode.Register) bool { return r == decode.Register(99) }

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

func TestEligibleRejectsStackPointerOperand(t *testing.T) {
	inst := cmpRegReg(32, 99, 1)
	assert.False(t, Eligible(inst, isSP))
}

func TestEligibleRejectsNarrowWidth(t *testing.T) {
	inst, err := decode.FakeDecoder{}.Decode(decode.EncodeCMPOrSUB(decode.OpCMP, 1, 0, 1, 0, 2, 0))
	require.NoError(t, err)
	assert.False(t, Eligible(inst, isNotSP))
}

func TestClassifyMapsConditionals(t *testing.T) {
	cat, ok := Classify("JB")
	require.True(t, ok)
	assert.Equal(t, registry.CategoryBelow, cat)

	_, ok = Classify("NOP")
	assert.False(t, ok)
}

func TestInstrumentRegisterCompareWritesWrapperAndRegistersRecord(t *testing.T) {
	host, mod := newTestModule(t)
	inst := cmpRegReg(32, 1, 2)

	ok, err := Instrument(host, mod, "mod", isNotSP, 0x10, 0x4, inst, 0x1004, nil)
	require.NoError(t, err)
	require.True(t, ok)

	recs := mod.CompareRecords()
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, 24, rec.MatchWidth) // 32-bit operand: width-8.
	assert.Equal(t, uint64(0x10), rec.BlockOffset)
	assert.Equal(t, uint64(0x4), rec.CmpOffset)

	buf := host.Buffer("mod")
	assert.Equal(t, buf[rec.WrapperOffset:rec.WrapperOffset+5], []byte{0x0f, 0x1f, 0x44, 0x00, 0x00})
}

func TestInstrumentDeclinesDuplicateAtSamePosition(t *testing.T) {
	host, mod := newTestModule(t)
	inst := cmpRegReg(32, 1, 2)

	ok1, err := Instrument(host, mod, "mod", isNotSP, 0x10, 0x4, inst, 0x1004, nil)
	require.NoError(t, err)
	require.True(t, ok1)

	ok2, err := Instrument(host, mod, "mod", isNotSP, 0x10, 0x4, inst, 0x1004, nil)
	require.NoError(t, err)
	assert.False(t, ok2)
	assert.Len(t, mod.CompareRecords(), 1)
}

func TestInstrumentDeclinesTooLargeBlockOffset(t *testing.T) {
	host, mod := newTestModule(t)
	inst := cmpRegReg(32, 1, 2)

	var warn bytes.Buffer
	ok, err := Instrument(host, mod, "mod", isNotSP, bitmap.MaxCompareBlockOffset+1, 0, inst, 0x1004, &warn)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, warn.String(), "too large")
}

func TestInstrumentDeclinesIneligibleInstruction(t *testing.T) {
	host, mod := newTestModule(t)
	inst, err := decode.FakeDecoder{}.Decode(decode.EncodeSimple(decode.OpADD))
	require.NoError(t, err)

	ok, err := Instrument(host, mod, "mod", isNotSP, 0x10, 0, inst, 0x1004, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInstrumentSubRequiresFollowingConditional(t *testing.T) {
	host, mod := newTestModule(t)
	sub, err := decode.FakeDecoder{}.Decode(decode.EncodeCMPOrSUB(decode.OpSUB, 4, 0, 1, 0, 2, 0))
	require.NoError(t, err)

	// no region registered after the SUB: the viability scan finds nothing.
	ok, err := Instrument(host, mod, "mod", isNotSP, 0x10, 0, sub, 0x1000, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	host.AddRegion("mod", 0x1000+int64(sub.LengthBytes), decode.EncodeSimple(decode.OpJL))
	ok, err = Instrument(host, mod, "mod", isNotSP, 0x10, 0, sub, 0x1000, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRaiseIncrementsMatchWidthThenRetires(t *testing.T) {
	host, mod := newTestModule(t)
	inst := cmpRegReg(64, 1, 2)

	ok, err := Instrument(host, mod, "mod", isNotSP, 0x10, 0, inst, 0x1000, nil)
	require.NoError(t, err)
	require.True(t, ok)

	rec := mod.CompareRecords()[0]
	require.NoError(t, Raise(host, "mod", rec))
	assert.Equal(t, 64, rec.MatchWidth) // 56 -> 64, still the full width: not retired yet.
	assert.False(t, rec.Ignored)

	require.NoError(t, Raise(host, "mod", rec))
	assert.True(t, rec.Ignored)

	require.NoError(t, Raise(host, "mod", rec)) // already ignored: no-op.
	assert.True(t, rec.Ignored)
}

// TestRaiseReachesFullWidthWithoutRetiring matches the end-to-end scenario
// of a 32-bit compare: after one raise from match_width=24 the threshold
// equals the full operand width (32) and the wrapper is still active -
// match_width == width is a legal, informative state, not a signal to
// retire.
func TestRaiseReachesFullWidthWithoutRetiring(t *testing.T) {
	host, mod := newTestModule(t)
	inst := cmpRegReg(32, 1, 2)

	ok, err := Instrument(host, mod, "mod", isNotSP, 0x10, 0, inst, 0x1000, nil)
	require.NoError(t, err)
	require.True(t, ok)

	rec := mod.CompareRecords()[0]
	require.Equal(t, 24, rec.MatchWidth)

	require.NoError(t, Raise(host, "mod", rec))
	assert.Equal(t, 32, rec.MatchWidth)
	assert.False(t, rec.Ignored)

	require.NoError(t, Raise(host, "mod", rec))
	assert.True(t, rec.Ignored)
}

func TestRetireAndResumeToggleWrapperSwitch(t *testing.T) {
	host, mod := newTestModule(t)
	inst := cmpRegReg(32, 1, 2)

	ok, err := Instrument(host, mod, "mod", isNotSP, 0x10, 0, inst, 0x1000, nil)
	require.NoError(t, err)
	require.True(t, ok)
	rec := mod.CompareRecords()[0]

	require.NoError(t, Retire(host, "mod", rec))
	assert.True(t, rec.Ignored)
	buf := host.Buffer("mod")
	assert.Equal(t, byte(0xE9), buf[rec.WrapperOffset])

	require.NoError(t, Resume(host, "mod", rec))
	assert.False(t, rec.Ignored)
	buf = host.Buffer("mod")
	assert.Equal(t, []byte{0x0f, 0x1f, 0x44, 0x00, 0x00}, buf[rec.WrapperOffset:rec.WrapperOffset+5])
}
