// Package cmpcov implements the Compare-Coverage Instrumenter (spec §4.2)
// and the SUB-viability scan it depends on for SUB instructions (spec
// §4.4).
package cmpcov

import (
	"fmt"

	"github.com/coveragecore/litecov/internal/decode"
	"github.com/coveragecore/litecov/internal/translator"
)

// scanForward decodes forward from addr, within the same code region,
// until it reaches a CondMove/CondBranch (returned), a terminator
// (Call/Ret/UncondBranch), any other instruction that reads RFLAGS, a
// decode failure, or the end of the region - whichever comes first. An
// instruction that only writes the flags does not stop the scan. Only the
// first case is a match; everything else is reported as "not found",
// never as an error, since scan failure is advisory (spec §7).
func scanForward(host translator.Host, moduleName string, addr int64) (decode.Instruction, bool, error) {
	region, ok := host.GetRegion(moduleName, addr)
	if !ok {
		return decode.Instruction{}, false, nil
	}

	decoder := host.Decoder()
	data := region.Data
	offset := 0

	for {
		if offset >= len(data) {
			return decode.Instruction{}, false, nil
		}

		inst, derr := decoder.Decode(data[offset:])
		if derr != nil {
			return decode.Instruction{}, false, nil
		}

		switch inst.Category {
		case decode.CondMove, decode.CondBranch:
			return inst, true, nil
		case decode.Call, decode.Ret, decode.UncondBranch:
			return decode.Instruction{}, false, nil
		default:
			if inst.ReadsRFLAGS {
				return decode.Instruction{}, false, nil
			}
		}

		if inst.LengthBytes <= 0 {
			return decode.Instruction{}, false, fmt.Errorf("cmpcov: decoder returned zero-length instruction at region offset %d", offset)
		}
		offset += inst.LengthBytes
	}
}

// ShouldInstrumentSub implements the SUB-viability scan of spec §4.4: a SUB
// is only worth compare-coverage instrumentation if the very next
// flag-consuming instruction is a conditional move or branch - otherwise
// SUB is almost certainly being used for arithmetic, not comparison.
func ShouldInstrumentSub(host translator.Host, moduleName string, instructionAddr int64, subLength int) (eligible bool, nextMnemonic decode.Iclass, err error) {
	inst, ok, err := scanForward(host, moduleName, instructionAddr+int64(subLength))
	if err != nil || !ok {
		return false, "", err
	}
	return true, inst.Iclass, nil
}

// NextConditional finds the first conditional move or branch following
// afterAddr, the same way ShouldInstrumentSub does. I2S uses it to learn
// which branch category a compare's wrapper should record (spec §4.3).
func NextConditional(host translator.Host, moduleName string, afterAddr int64) (decode.Instruction, bool, error) {
	return scanForward(host, moduleName, afterAddr)
}
