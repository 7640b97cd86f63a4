package bitmap

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// WriteText serializes coverage as one line per entry: "module_name,hex_offset".
func WriteText(w io.Writer, coverage Set) error {
	bw := bufio.NewWriter(w)
	for _, name := range sortedNames(coverage) {
		m := coverage[name]
		for _, code := range sortedCodes(m.Offsets) {
			if _, err := fmt.Fprintf(bw, "%s,%x\n", name, uint64(code)); err != nil {
				return fmt.Errorf("write coverage line: %w", err)
			}
		}
	}
	return bw.Flush()
}

// ReadText parses the format written by WriteText.
func ReadText(r io.Reader) (Set, error) {
	coverage := NewSet()
	scan := bufio.NewScanner(r)
	for scan.Scan() {
		line := strings.TrimSpace(scan.Text())
		if line == "" {
			continue
		}
		idx := strings.LastIndexByte(line, ',')
		if idx < 0 {
			return nil, fmt.Errorf("malformed coverage line %q: missing ','", line)
		}
		name, hexOff := line[:idx], line[idx+1:]
		v, err := strconv.ParseUint(hexOff, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed coverage line %q: %w", line, err)
		}
		coverage.Add(name, Code(v))
	}
	if err := scan.Err(); err != nil {
		return nil, fmt.Errorf("read coverage text: %w", err)
	}
	return coverage, nil
}

// WriteBinary serializes coverage as, for each module: a 4-byte name
// length, the name bytes, an 8-byte count, then that many little-endian
// 8-byte coverage codes.
func WriteBinary(w io.Writer, coverage Set) error {
	bw := bufio.NewWriter(w)
	for _, name := range sortedNames(coverage) {
		m := coverage[name]

		nameBytes := []byte(name)
		if err := binary.Write(bw, binary.LittleEndian, uint32(len(nameBytes))); err != nil {
			return fmt.Errorf("write module name length: %w", err)
		}
		if _, err := bw.Write(nameBytes); err != nil {
			return fmt.Errorf("write module name: %w", err)
		}
		if err := binary.Write(bw, binary.LittleEndian, uint64(len(m.Offsets))); err != nil {
			return fmt.Errorf("write coverage count: %w", err)
		}
		for _, code := range sortedCodes(m.Offsets) {
			if err := binary.Write(bw, binary.LittleEndian, uint64(code)); err != nil {
				return fmt.Errorf("write coverage code: %w", err)
			}
		}
	}
	return bw.Flush()
}

// ReadBinary parses the format written by WriteBinary.
func ReadBinary(r io.Reader) (Set, error) {
	coverage := NewSet()
	br := bufio.NewReader(r)
	for {
		var nameLen uint32
		if err := binary.Read(br, binary.LittleEndian, &nameLen); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("read module name length: %w", err)
		}

		nameBytes := make([]byte, nameLen)
		if _, err := io.ReadFull(br, nameBytes); err != nil {
			return nil, fmt.Errorf("read module name: %w", err)
		}

		var count uint64
		if err := binary.Read(br, binary.LittleEndian, &count); err != nil {
			return nil, fmt.Errorf("read coverage count: %w", err)
		}

		name := string(nameBytes)
		for i := uint64(0); i < count; i++ {
			var v uint64
			if err := binary.Read(br, binary.LittleEndian, &v); err != nil {
				return nil, fmt.Errorf("read coverage code %d/%d for module %q: %w", i, count, name, err)
			}
			coverage.Add(name, Code(v))
		}
	}
	return coverage, nil
}

func sortedNames(coverage Set) []string {
	names := make([]string, 0, len(coverage))
	for name := range coverage {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sortedCodes(offsets map[Code]struct{}) []Code {
	codes := make([]Code, 0, len(offsets))
	for c := range offsets {
		codes = append(codes, c)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	return codes
}
