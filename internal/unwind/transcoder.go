package unwind

import "fmt"

// Transcoder tracks, per instrumented module, the parsed original unwind
// section and the run list accumulated for the translated copy.
type Transcoder struct {
	sections map[string]*Section
	runs     map[string]*Runs
}

// NewTranscoder returns an empty Transcoder.
func NewTranscoder() *Transcoder {
	return &Transcoder{
		sections: make(map[string]*Section),
		runs:     make(map[string]*Runs),
	}
}

// OnModuleInstrumented snapshots and parses module's __unwind_info section
// (spec §4.6, "snapshot on instrument").
func (t *Transcoder) OnModuleInstrumented(module string, unwindInfo []byte) error {
	section, err := Parse(unwindInfo)
	if err != nil {
		return fmt.Errorf("unwind: parse %s: %w", module, err)
	}
	t.sections[module] = section
	t.runs[module] = &Runs{}
	return nil
}

// OnModuleUninstrumented drops module's unwind state.
func (t *Transcoder) OnModuleUninstrumented(module string) {
	delete(t.sections, module)
	delete(t.runs, module)
}

// OnBasicBlockStart resolves the encoding covering originalOffset and
// records it against translatedAddr.
func (t *Transcoder) OnBasicBlockStart(module string, originalOffset uint64, translatedAddr int64) {
	t.record(module, originalOffset, translatedAddr)
}

// OnInstruction resolves the encoding covering originalOffset and records
// it against translatedAddr, the same way OnBasicBlockStart does - a block
// can cross a function-offset boundary the unwind table cares about mid-way
// through, so every instruction re-checks (spec §4.6).
func (t *Transcoder) OnInstruction(module string, originalOffset uint64, translatedAddr int64) {
	t.record(module, originalOffset, translatedAddr)
}

// OnBasicBlockEnd records the final instrumented byte of the block, which
// is translatedAddr-1 since translatedAddr itself is the start of whatever
// follows (original_source/macOS/unwindmacos.cpp, OnBasicBlockEnd).
func (t *Transcoder) OnBasicBlockEnd(module string, originalOffset uint64, translatedAddr int64) {
	t.record(module, originalOffset, translatedAddr-1)
}

func (t *Transcoder) record(module string, originalOffset uint64, translatedAddr int64) {
	section, ok := t.sections[module]
	if !ok {
		return
	}
	encoding, ok := section.EncodingAt(originalOffset)
	if !ok {
		return
	}
	runs, ok := t.runs[module]
	if !ok {
		runs = &Runs{}
		t.runs[module] = runs
	}
	runs.Add(encoding, translatedAddr)
}

// Runs returns the accumulated run list for module, or nil if it carries no
// unwind data (never instrumented, or already uninstrumented).
func (t *Transcoder) Runs(module string) []Run {
	runs, ok := t.runs[module]
	if !ok {
		return nil
	}
	return runs.List()
}
