package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coveragecore/litecov/internal/bitmap"
)

func newModule(t *testing.T) *Module {
	t.Helper()
	bm, err := bitmap.NewSize(64)
	require.NoError(t, err)
	scratch, err := bitmap.NewSize(64)
	require.NoError(t, err)
	t.Cleanup(func() { bm.Close(); scratch.Close() })
	return NewModule("mod", 0x1000, 0x500000, bm, 0x600000, scratch)
}

func TestAllocBlockSlotRegistersMappings(t *testing.T) {
	mod := newModule(t)
	code := bitmap.BlockCode(5)

	slot, err := mod.AllocBlockSlot(5, code)
	require.NoError(t, err)

	assert.Equal(t, slot, mod.BlockOffsetToSlot[5])
	assert.Equal(t, code, mod.SlotToCode[slot])
}

func TestNewCompareRecordRegistersAllIndexes(t *testing.T) {
	mod := newModule(t)
	rec := &CompareRecord{BlockOffset: 1, CmpOffset: 2}
	code := bitmap.CompareCode(1, 2, 8)

	mod.NewCompareRecord(9, code, rec)

	assert.Same(t, rec, mod.SlotToCompare[9])
	assert.Same(t, rec, mod.CodeToCompare[code])
	assert.Same(t, rec, mod.BlockCmpToCompare[[2]uint64{1, 2}])
	assert.Equal(t, []*CompareRecord{rec}, mod.CompareRecords())
}

func TestNewI2SRecordRegistersBySlotAndCode(t *testing.T) {
	mod := newModule(t)
	rec := &I2SRecord{HitSlot: 40, BlockOffset: 1, CmpOffset: 2}
	code := bitmap.CompareCode(1, 2, 0)

	mod.NewI2SRecord(code, rec)

	assert.Same(t, rec, mod.SlotToI2S[40])
	assert.Same(t, rec, mod.CodeToI2S[code])
	assert.Equal(t, []*I2SRecord{rec}, mod.I2SRecords())
}

func TestAllocI2SScratchGrowsIndependentlyOfBitmap(t *testing.T) {
	mod := newModule(t)

	off, err := mod.AllocI2SScratch(4)
	require.NoError(t, err)
	assert.Equal(t, 0, off)

	off2, err := mod.AllocI2SScratch(8)
	require.NoError(t, err)
	assert.Equal(t, 4, off2)
	assert.GreaterOrEqual(t, mod.I2SScratchSize(), 12)
}

func TestDestroyClosesBothMaps(t *testing.T) {
	mod := newModule(t)
	require.NoError(t, mod.Destroy())
	assert.Nil(t, mod.CompareRecords())
	assert.Nil(t, mod.I2SRecords())
}

func TestBranchPathByCategory(t *testing.T) {
	const (
		cf = uint64(1) << 0
		zf = uint64(1) << 6
		sf = uint64(1) << 7
		of = uint64(1) << 11
	)

	cases := []struct {
		name     string
		category I2SCategory
		flags    uint64
		want     bool
	}{
		{"below taken", CategoryBelow, cf, true},
		{"below not taken", CategoryBelow, 0, false},
		{"less via sf!=of", CategoryLess, sf, true},
		{"less via both set", CategoryLess, sf | of, false},
		{"equal", CategoryEqual, zf, true},
		{"above", CategoryAbove, 0, true},
		{"above blocked by cf", CategoryAbove, cf, false},
		{"above blocked by zf", CategoryAbove, zf, false},
		{"greater", CategoryGreater, 0, true},
		{"greater blocked by zf", CategoryGreater, zf, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &I2SRecord{Category: tc.category, Flags: tc.flags}
			assert.Equal(t, tc.want, rec.BranchPath())
		})
	}
}
