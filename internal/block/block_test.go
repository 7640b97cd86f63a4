package block

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coveragecore/litecov/internal/bitmap"
	"github.com/coveragecore/litecov/internal/registry"
	"github.com/coveragecore/litecov/internal/translator"
)

func newTestModule(t *testing.T) (*translator.FakeHost, *registry.Module) {
	t.Helper()
	host := translator.NewFakeHost()
	host.AddModule("mod", 0x1000)

	bm, err := bitmap.NewSize(64)
	require.NoError(t, err)
	scratch, err := bitmap.NewSize(64)
	require.NoError(t, err)
	t.Cleanup(func() { bm.Close(); scratch.Close() })

	mod := registry.NewModule("mod", 0x1000, 0x500000, bm, 0x600000, scratch)
	return host, mod
}

func TestEmitWritesRecorderAndRegistersCode(t *testing.T) {
	host, mod := newTestModule(t)

	code := bitmap.BlockCode(0x10)
	require.NoError(t, Emit(host, mod, "mod", 0x10, code))

	assert.Len(t, host.Buffer("mod"), 7)
	assert.Equal(t, code, mod.SlotToCode[0])
	assert.Contains(t, mod.CodeToInstrOffset, code)
}

func TestEmitIsIdempotentPerBlockOffset(t *testing.T) {
	host, mod := newTestModule(t)
	code := bitmap.BlockCode(0x10)

	require.NoError(t, Emit(host, mod, "mod", 0x10, code))
	require.NoError(t, Emit(host, mod, "mod", 0x10, code))

	assert.Len(t, host.Buffer("mod"), 7)
	assert.Len(t, mod.BlockOffsetToSlot, 1)
}

func TestRecorderStoresOneAtBitmapSlot(t *testing.T) {
	host, mod := newTestModule(t)
	code := bitmap.BlockCode(0x20)
	require.NoError(t, Emit(host, mod, "mod", 0x20, code))

	assert.False(t, mod.Bitmap.Hit(0))
	mod.Bitmap.Set(0)
	assert.True(t, mod.Bitmap.Hit(0))
}

func TestClearOverwritesRecorderWithNOP(t *testing.T) {
	host, mod := newTestModule(t)
	code := bitmap.BlockCode(0x30)
	require.NoError(t, Emit(host, mod, "mod", 0x30, code))

	instrOffset := mod.CodeToInstrOffset[code]
	require.NoError(t, Clear(host, "mod", instrOffset))

	buf := host.Buffer("mod")
	assert.Equal(t, []byte{0x0f, 0x1f, 0x80, 0x00, 0x00, 0x00, 0x00}, buf[instrOffset:instrOffset+7])
}

func TestMultipleBlocksGetDistinctSlots(t *testing.T) {
	host, mod := newTestModule(t)

	require.NoError(t, Emit(host, mod, "mod", 0x10, bitmap.BlockCode(0x10)))
	require.NoError(t, Emit(host, mod, "mod", 0x20, bitmap.BlockCode(0x20)))

	assert.NotEqual(t, mod.BlockOffsetToSlot[0x10], mod.BlockOffsetToSlot[0x20])
}
