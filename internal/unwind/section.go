// Package unwind implements the Unwind Transcoder (spec §4.6): it parses a
// snapshotted macOS __TEXT,__unwind_info section, resolves a compact-unwind
// encoding for any address in the original module, and republishes those
// encodings against translated addresses as a sorted, merged run list.
package unwind

import (
	"encoding/binary"
	"fmt"
)

// Second-level page kinds (mach-o/compact_unwind_encoding.h).
const (
	secondLevelRegular    = 2
	secondLevelCompressed = 3
)

const (
	sectionHeaderSize    = 28
	indexEntrySize       = 12
	compressedHeaderSize = 12
	regularHeaderSize    = 8
	regularEntrySize     = 8
)

// indexEntry mirrors unwind_info_section_header_index_entry.
type indexEntry struct {
	FunctionOffset                uint32
	SecondLevelPagesSectionOffset uint32
	LSDAIndexArraySectionOffset   uint32
}

// Section is a parsed __unwind_info section: the raw bytes plus the
// first-level index needed to binary-search it. Lookups read back into the
// raw buffer rather than materializing every page, the way the original
// generator walks the snapshot in place.
type Section struct {
	data []byte

	commonEncodingsOffset uint32
	commonEncodingsCount  uint32
	index                 []indexEntry
}

// Parse reads the section header and first-level index out of data, a
// snapshot of the module's __TEXT,__unwind_info section.
func Parse(data []byte) (*Section, error) {
	if len(data) < sectionHeaderSize {
		return nil, fmt.Errorf("unwind: section too short for header (%d bytes)", len(data))
	}
	le := binary.LittleEndian
	commonEncodingsOffset := le.Uint32(data[4:8])
	commonEncodingsCount := le.Uint32(data[8:12])
	indexSectionOffset := le.Uint32(data[20:24])
	indexCount := le.Uint32(data[24:28])

	s := &Section{
		data:                  data,
		commonEncodingsOffset: commonEncodingsOffset,
		commonEncodingsCount:  commonEncodingsCount,
	}

	for i := uint32(0); i < indexCount; i++ {
		off := indexSectionOffset + i*indexEntrySize
		if int(off)+indexEntrySize > len(data) {
			return nil, fmt.Errorf("unwind: index entry %d out of bounds", i)
		}
		s.index = append(s.index, indexEntry{
			FunctionOffset:                le.Uint32(data[off : off+4]),
			SecondLevelPagesSectionOffset: le.Uint32(data[off+4 : off+8]),
			LSDAIndexArraySectionOffset:   le.Uint32(data[off+8 : off+12]),
		})
	}

	return s, nil
}

// EncodingAt resolves the compact-unwind encoding covering functionOffset
// (a module-relative byte offset), via a first-level binary search followed
// by a second-level one (spec §4.6).
func (s *Section) EncodingAt(functionOffset uint64) (uint32, bool) {
	entry, ok := s.firstLevelLookup(functionOffset)
	if !ok || entry.SecondLevelPagesSectionOffset == 0 {
		return 0, false
	}
	return s.secondLevelLookup(functionOffset, entry)
}

// firstLevelLookup binary-searches the index for the last entry whose
// FunctionOffset is <= functionOffset (original_source/macOS/unwindmacos.cpp,
// FirstLevelLookup).
func (s *Section) firstLevelLookup(functionOffset uint64) (indexEntry, bool) {
	var found indexEntry
	ok := false

	lo, hi := 0, len(s.index)
	for lo < hi {
		mid := lo + (hi-lo)/2
		if uint64(s.index[mid].FunctionOffset) <= functionOffset {
			found = s.index[mid]
			ok = true
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return found, ok
}

func (s *Section) secondLevelLookup(functionOffset uint64, first indexEntry) (uint32, bool) {
	pageOff := first.SecondLevelPagesSectionOffset
	if int(pageOff)+4 > len(s.data) {
		return 0, false
	}
	kind := binary.LittleEndian.Uint32(s.data[pageOff : pageOff+4])
	switch kind {
	case secondLevelCompressed:
		return s.secondLevelCompressed(functionOffset, first, pageOff)
	case secondLevelRegular:
		return s.secondLevelRegular(functionOffset, pageOff)
	default:
		return 0, false
	}
}

func (s *Section) secondLevelCompressed(functionOffset uint64, first indexEntry, pageOff uint32) (uint32, bool) {
	le := binary.LittleEndian
	if int(pageOff)+compressedHeaderSize > len(s.data) {
		return 0, false
	}
	entryPageOffset := le.Uint16(s.data[pageOff+4 : pageOff+6])
	entryCount := le.Uint16(s.data[pageOff+6 : pageOff+8])
	encodingsPageOffset := le.Uint16(s.data[pageOff+8 : pageOff+10])

	entriesStart := pageOff + uint32(entryPageOffset)

	var found uint32
	ok := false
	lo, hi := uint16(0), entryCount
	for lo < hi {
		mid := lo + (hi-lo)/2
		off := entriesStart + uint32(mid)*4
		if int(off)+4 > len(s.data) {
			hi = mid
			continue
		}
		entry := le.Uint32(s.data[off : off+4])
		entryFuncOffset := entry & 0x00FFFFFF
		if uint64(first.FunctionOffset)+uint64(entryFuncOffset) <= functionOffset {
			found = entry
			ok = true
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if !ok {
		return 0, false
	}

	encodingIndex := (found >> 24) & 0xFF
	if encodingIndex < s.commonEncodingsCount {
		off := s.commonEncodingsOffset + encodingIndex*4
		if int(off)+4 > len(s.data) {
			return 0, false
		}
		return le.Uint32(s.data[off : off+4]), true
	}

	localIndex := encodingIndex - s.commonEncodingsCount
	off := uint32(encodingsPageOffset) + localIndex*4
	absOff := pageOff + off
	if int(absOff)+4 > len(s.data) {
		return 0, false
	}
	return le.Uint32(s.data[absOff : absOff+4]), true
}

func (s *Section) secondLevelRegular(functionOffset uint64, pageOff uint32) (uint32, bool) {
	le := binary.LittleEndian
	if int(pageOff)+regularHeaderSize > len(s.data) {
		return 0, false
	}
	entryPageOffset := le.Uint16(s.data[pageOff+4 : pageOff+6])
	entryCount := le.Uint16(s.data[pageOff+6 : pageOff+8])
	entriesStart := pageOff + uint32(entryPageOffset)

	var foundEncoding uint32
	ok := false
	lo, hi := uint16(0), entryCount
	for lo < hi {
		mid := lo + (hi-lo)/2
		off := entriesStart + uint32(mid)*regularEntrySize
		if int(off)+regularEntrySize > len(s.data) {
			hi = mid
			continue
		}
		entryFuncOffset := le.Uint32(s.data[off : off+4])
		if uint64(entryFuncOffset) <= functionOffset {
			foundEncoding = le.Uint32(s.data[off+4 : off+8])
			ok = true
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return foundEncoding, ok
}
