package ir

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
)

// NewBindingSet returns a binding set holding the given bindings (empty when
// none are given). Sets are thread-unsafe on
// purpose: allocation is single-threaded.
func NewBindingSet(bindings ...Binding) mapset.Set[Binding] {
	return mapset.NewThreadUnsafeSet(bindings...)
}

// SortedBindings snapshots a set in ascending binding order. Every iteration
// that can influence allocator output goes through this, so identical IRs
// produce identical results.
func SortedBindings(set mapset.Set[Binding]) []Binding {
	if set == nil {
		return nil
	}
	out := set.ToSlice()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
