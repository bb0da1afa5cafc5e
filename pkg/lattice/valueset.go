package lattice

import "sort"

// valueSet is LA's proposed_value/accepted_value: a set of 32-bit values
// (spec §3: "LA.Agreement... proposed_value: set of 32-bit values").
type valueSet map[uint32]struct{}

func newValueSet(values ...uint32) valueSet {
	s := make(valueSet, len(values))
	for _, v := range values {
		s[v] = struct{}{}
	}
	return s
}

// insertAll unions other into s, reporting whether s grew.
func (s valueSet) insertAll(other valueSet) bool {
	grew := false
	for v := range other {
		if _, ok := s[v]; !ok {
			s[v] = struct{}{}
			grew = true
		}
	}
	return grew
}

// difference returns the values in s that are absent from other (spec
// §4.5: "Nack carries the difference: values the acker has in its
// accepted_value that the proposer did NOT include").
func (s valueSet) difference(other valueSet) []uint32 {
	var out []uint32
	for v := range s {
		if _, ok := other[v]; !ok {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s valueSet) list() []uint32 {
	out := make([]uint32, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s valueSet) clone() valueSet {
	c := make(valueSet, len(s))
	for v := range s {
		c[v] = struct{}{}
	}
	return c
}
