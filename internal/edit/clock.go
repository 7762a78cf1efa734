// SPDX-License-Identifier: MIT

// Package edit orders concurrent twin mutations. Causality is tracked with
// per-user vector clocks; the SQL insert sequence provides the total order
// used for history replay.
package edit

import "github.com/twinforge/twinforge/internal/store"

// Ordering is the causal relation between two vector clocks.
type Ordering int

const (
	// Equal means both clocks saw exactly the same history.
	Equal Ordering = iota
	// Before means a happened strictly before b.
	Before
	// After means a happened strictly after b.
	After
	// Concurrent means neither clock dominates; the edits raced.
	Concurrent
)

// Merge returns the element-wise maximum of two clocks. Neither input is
// mutated.
func Merge(a, b store.ClockMap) store.ClockMap {
	out := make(store.ClockMap, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if v > out[k] {
			out[k] = v
		}
	}
	return out
}

// Tick returns a copy of c with the user's counter advanced by one.
func Tick(c store.ClockMap, userID string) store.ClockMap {
	out := make(store.ClockMap, len(c)+1)
	for k, v := range c {
		out[k] = v
	}
	out[userID]++
	return out
}

// Compare classifies the causal relation of a to b.
func Compare(a, b store.ClockMap) Ordering {
	aAhead, bAhead := false, false
	for k, av := range a {
		if av > b[k] {
			aAhead = true
		}
	}
	for k, bv := range b {
		if bv > a[k] {
			bAhead = true
		}
	}
	switch {
	case aAhead && bAhead:
		return Concurrent
	case aAhead:
		return After
	case bAhead:
		return Before
	default:
		return Equal
	}
}
