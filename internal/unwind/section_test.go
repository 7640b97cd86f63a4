package unwind

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildUnwindInfo constructs a minimal __unwind_info snapshot with one
// common encoding, one compressed second-level page, one regular
// second-level page, and a terminal index entry with no page (the usual
// "end of range" sentinel).
func buildUnwindInfo() []byte {
	const (
		headerOff    = 0
		indexOff     = headerOff + sectionHeaderSize
		indexCount   = 3
		commonOff    = indexOff + indexCount*indexEntrySize
		commonCount  = 1
		compressedOff = commonOff + commonCount*4
	)
	le := binary.LittleEndian

	compressedEntriesOff := uint16(12)
	compressedEncodingsOff := uint16(20)
	compressedSize := 24
	regularOff := compressedOff + compressedSize
	regularEntriesOff := uint16(8)

	total := regularOff + regularHeaderSize + 2*regularEntrySize
	data := make([]byte, total)

	le.PutUint32(data[4:8], uint32(commonOff))
	le.PutUint32(data[8:12], uint32(commonCount))
	le.PutUint32(data[20:24], uint32(indexOff))
	le.PutUint32(data[24:28], indexCount)

	putIndex := func(i int, funcOff, pageOff uint32) {
		off := indexOff + i*indexEntrySize
		le.PutUint32(data[off:off+4], funcOff)
		le.PutUint32(data[off+4:off+8], pageOff)
		le.PutUint32(data[off+8:off+12], 0)
	}
	putIndex(0, 0x0000, uint32(compressedOff))
	putIndex(1, 0x1000, uint32(regularOff))
	putIndex(2, 0x2000, 0)

	le.PutUint32(data[commonOff:commonOff+4], 0xBBBBBBBB)

	le.PutUint32(data[compressedOff:compressedOff+4], secondLevelCompressed)
	le.PutUint16(data[compressedOff+4:compressedOff+6], compressedEntriesOff)
	le.PutUint16(data[compressedOff+6:compressedOff+8], 2)
	le.PutUint16(data[compressedOff+8:compressedOff+10], compressedEncodingsOff)

	entriesStart := compressedOff + int(compressedEntriesOff)
	le.PutUint32(data[entriesStart:entriesStart+4], 0x00000000) // funcOff=0, encodingIndex=0 (common)
	le.PutUint32(data[entriesStart+4:entriesStart+8], (1<<24)|0x000010) // funcOff=0x10, encodingIndex=1 (local 0)

	localEncOff := compressedOff + int(compressedEncodingsOff)
	le.PutUint32(data[localEncOff:localEncOff+4], 0xCCCCCCCC)

	le.PutUint32(data[regularOff:regularOff+4], secondLevelRegular)
	le.PutUint16(data[regularOff+4:regularOff+6], regularEntriesOff)
	le.PutUint16(data[regularOff+6:regularOff+8], 2)

	regEntries := regularOff + int(regularEntriesOff)
	le.PutUint32(data[regEntries:regEntries+4], 0x1000)
	le.PutUint32(data[regEntries+4:regEntries+8], 0xDDDDDDDD)
	le.PutUint32(data[regEntries+8:regEntries+12], 0x1800)
	le.PutUint32(data[regEntries+12:regEntries+16], 0xEEEEEEEE)

	return data
}

func TestParseRejectsTooShortSection(t *testing.T) {
	_, err := Parse(make([]byte, 4))
	require.Error(t, err)
}

func TestParseReadsIndexEntries(t *testing.T) {
	s, err := Parse(buildUnwindInfo())
	require.NoError(t, err)
	assert.Len(t, s.index, 3)
}

func TestEncodingAtResolvesCommonEncodingInCompressedPage(t *testing.T) {
	s, err := Parse(buildUnwindInfo())
	require.NoError(t, err)

	enc, ok := s.EncodingAt(0x0000)
	require.True(t, ok)
	assert.Equal(t, uint32(0xBBBBBBBB), enc)
}

func TestEncodingAtResolvesLocalEncodingInCompressedPage(t *testing.T) {
	s, err := Parse(buildUnwindInfo())
	require.NoError(t, err)

	enc, ok := s.EncodingAt(0x0010)
	require.True(t, ok)
	assert.Equal(t, uint32(0xCCCCCCCC), enc)

	// everything between the two compressed entries still resolves to the
	// entry at or below it.
	enc, ok = s.EncodingAt(0x0500)
	require.True(t, ok)
	assert.Equal(t, uint32(0xCCCCCCCC), enc)
}

func TestEncodingAtResolvesRegularPage(t *testing.T) {
	s, err := Parse(buildUnwindInfo())
	require.NoError(t, err)

	enc, ok := s.EncodingAt(0x1000)
	require.True(t, ok)
	assert.Equal(t, uint32(0xDDDDDDDD), enc)

	enc, ok = s.EncodingAt(0x1900)
	require.True(t, ok)
	assert.Equal(t, uint32(0xEEEEEEEE), enc)
}

func TestEncodingAtFailsPastLastRealEntry(t *testing.T) {
	s, err := Parse(buildUnwindInfo())
	require.NoError(t, err)

	_, ok := s.EncodingAt(0x2000)
	assert.False(t, ok)
}

func TestEncodingAtFailsOnEmptyIndex(t *testing.T) {
	data := buildUnwindInfo()
	// zero out the index count so no first-level entry ever matches.
	binary.LittleEndian.PutUint32(data[24:28], 0)
	s, err := Parse(data)
	require.NoError(t, err)

	_, ok := s.EncodingAt(0x10)
	assert.False(t, ok)
}
