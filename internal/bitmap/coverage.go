package bitmap

// ModuleCoverage holds the set of coverage codes observed for a single
// module. This mirrors original_source/coverage.h's ModuleCoverage, which
// keeps coverage grouped per module rather than as one flat set.
type ModuleCoverage struct {
	ModuleName string
	Offsets    map[Code]struct{}
}

// Set is a named collection of ModuleCoverage, keyed by module name. It is
// the in-memory representation returned by GetCoverage and consumed by the
// merge/diff/persistence operations below.
type Set map[string]*ModuleCoverage

// NewSet returns an empty coverage set.
func NewSet() Set {
	return make(Set)
}

// Module returns the ModuleCoverage for name, creating an empty one if it
// doesn't exist yet.
func (s Set) Module(name string) *ModuleCoverage {
	m, ok := s[name]
	if !ok {
		m = &ModuleCoverage{ModuleName: name, Offsets: make(map[Code]struct{})}
		s[name] = m
	}
	return m
}

// Add records code as covered for the named module.
func (s Set) Add(module string, code Code) {
	s.Module(module).Offsets[code] = struct{}{}
}

// Contains reports whether code is present for module.
func (s Set) Contains(module string, code Code) bool {
	m, ok := s[module]
	if !ok {
		return false
	}
	_, ok = m.Offsets[code]
	return ok
}

// Clone returns a deep copy of s.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for name, m := range s {
		offsets := make(map[Code]struct{}, len(m.Offsets))
		for c := range m.Offsets {
			offsets[c] = struct{}{}
		}
		out[name] = &ModuleCoverage{ModuleName: name, Offsets: offsets}
	}
	return out
}

// Merge adds every code in toAdd into s, per-module.
func Merge(s, toAdd Set) {
	for name, m := range toAdd {
		dst := s.Module(name)
		for c := range m.Offsets {
			dst.Offsets[c] = struct{}{}
		}
	}
}

// Intersection returns the codes present in both a and b, per module shared
// by both.
func Intersection(a, b Set) Set {
	result := NewSet()
	for name, ma := range a {
		mb, ok := b[name]
		if !ok {
			continue
		}
		for c := range ma.Offsets {
			if _, ok := mb.Offsets[c]; ok {
				result.Add(name, c)
			}
		}
	}
	return result
}

// Difference returns the codes present in b but not in a, i.e. what b adds
// on top of a.
func Difference(a, b Set) Set {
	result := NewSet()
	for name, mb := range b {
		ma := a[name]
		for c := range mb.Offsets {
			if ma != nil {
				if _, ok := ma.Offsets[c]; ok {
					continue
				}
			}
			result.Add(name, c)
		}
	}
	return result
}

// SymmetricDifference returns the codes present in exactly one of a or b.
func SymmetricDifference(a, b Set) Set {
	result := Difference(a, b)
	Merge(result, Difference(b, a))
	return result
}

// Contains reports whether every code in b is also present in a, across all
// modules named in b.
func Contains(a, b Set) bool {
	for name, mb := range b {
		ma, ok := a[name]
		if !ok {
			if len(mb.Offsets) > 0 {
				return false
			}
			continue
		}
		for c := range mb.Offsets {
			if _, ok := ma.Offsets[c]; !ok {
				return false
			}
		}
	}
	return true
}
