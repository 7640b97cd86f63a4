package bitmap

import (
	"bufio"
	"fmt"
	"io"

	"golang.org/x/tools/cover"
)

// ToProfiles converts coverage into one cover.Profile per module, one
// synthetic ProfileBlock per covered code, so existing go-cover tooling
// ("go tool cover -html") can render it even though what's covered is
// machine-code offsets rather than source lines. The "line" in each
// synthetic block is a coverage code's low bits rather than a source
// line number.
func ToProfiles(coverage Set) []*cover.Profile {
	var profiles []*cover.Profile
	for _, name := range sortedNames(coverage) {
		m := coverage[name]
		p := &cover.Profile{FileName: name, Mode: "set"}
		for _, code := range sortedCodes(m.Offsets) {
			line := int(uint64(code) & 0x7fffffff)
			if line == 0 {
				line = 1
			}
			p.Blocks = append(p.Blocks, cover.ProfileBlock{
				StartLine: line,
				StartCol:  1,
				EndLine:   line,
				EndCol:    2,
				NumStmt:   1,
				Count:     1,
			})
		}
		profiles = append(profiles, p)
	}
	return profiles
}

// WriteGoCoverProfile writes coverage in the text format "go tool cover"
// understands: a "mode:" line followed by one block line per covered code.
func WriteGoCoverProfile(w io.Writer, coverage Set) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintln(bw, "mode: set"); err != nil {
		return fmt.Errorf("write go-cover mode line: %w", err)
	}
	for _, p := range ToProfiles(coverage) {
		for _, b := range p.Blocks {
			if _, err := fmt.Fprintf(bw, "%s:%d.%d,%d.%d %d %d\n",
				p.FileName, b.StartLine, b.StartCol, b.EndLine, b.EndCol, b.NumStmt, b.Count); err != nil {
				return fmt.Errorf("write go-cover block: %w", err)
			}
		}
	}
	return bw.Flush()
}
