package unwind

import "golang.org/x/exp/slices"

// Run is one contiguous span of translated addresses sharing a single
// compact-unwind encoding.
type Run struct {
	Encoding uint32
	MinAddr  int64
	MaxAddr  int64
}

// Runs accumulates encoding observations into a minimal, address-sorted
// run list: a new observation either extends the current run (same
// encoding, matching original_source/macOS/unwindmacos.cpp's AddEncoding)
// or starts a new one. A block translator doesn't always discover code in
// increasing address order (e.g. a block revisited after a later one was
// already instrumented), so an observation behind the last recorded run is
// inserted in sorted position instead of assumed append-only.
type Runs struct {
	list []Run
}

// Add records that translatedAddr carries encoding. Consecutive additions
// with an unchanged encoding collapse into the current run's max address
// regardless of the gap between them (matching AddEncoding, which merges
// on encoding alone, not contiguity); an address behind the last recorded
// run is out of order and goes through insertSorted instead.
func (r *Runs) Add(encoding uint32, translatedAddr int64) {
	if len(r.list) == 0 {
		r.list = append(r.list, Run{Encoding: encoding, MinAddr: translatedAddr, MaxAddr: translatedAddr})
		return
	}

	last := &r.list[len(r.list)-1]
	if translatedAddr >= last.MaxAddr {
		if last.Encoding == encoding {
			if translatedAddr > last.MaxAddr {
				last.MaxAddr = translatedAddr
			}
			return
		}
		if translatedAddr > last.MaxAddr {
			r.list = append(r.list, Run{Encoding: encoding, MinAddr: translatedAddr, MaxAddr: translatedAddr})
			return
		}
	}

	r.insertSorted(encoding, translatedAddr)
}

// insertSorted handles the out-of-order case: find where translatedAddr
// belongs and either extend a neighboring same-encoding run or splice in a
// new single-address run.
func (r *Runs) insertSorted(encoding uint32, translatedAddr int64) {
	idx, found := slices.BinarySearchFunc(r.list, translatedAddr, func(run Run, addr int64) int {
		switch {
		case run.MaxAddr < addr:
			return -1
		case run.MinAddr > addr:
			return 1
		default:
			return 0
		}
	})
	if found {
		return // already covered by an existing run.
	}

	if idx > 0 && r.list[idx-1].Encoding == encoding && r.list[idx-1].MaxAddr+1 == translatedAddr {
		r.list[idx-1].MaxAddr = translatedAddr
		return
	}
	if idx < len(r.list) && r.list[idx].Encoding == encoding && r.list[idx].MinAddr-1 == translatedAddr {
		r.list[idx].MinAddr = translatedAddr
		return
	}

	r.list = slices.Insert(r.list, idx, Run{Encoding: encoding, MinAddr: translatedAddr, MaxAddr: translatedAddr})
}

// List returns the accumulated runs in address order. The returned slice
// is a defensive copy so a caller mutating it can't corrupt internal state.
func (r *Runs) List() []Run {
	return slices.Clone(r.list)
}
