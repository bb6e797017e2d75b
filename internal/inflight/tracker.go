// Package inflight tracks which locally produced states have been sent but
// not yet acknowledged, and the dependency (reference/old_num) each one was
// diffed against, so the sender can compute throwaway_num and the receiver
// can ack idempotently.
package inflight

import (
	"sort"

	"github.com/mosh-ssp/ssp/internal/state"
)

// Tracker is the ordered set of in-flight state numbers, the
// dependency each depends on, and the multiset of those dependencies. It is
// not safe for concurrent use; each sender owns exactly one Tracker and
// drives it from its single-threaded event loop.
type Tracker struct {
	// Sorted, no duplicates: a state number is sent at most once.
	inflightStates []state.Num

	dependencies map[state.Num]*state.Num

	// Sorted, duplicates allowed: exactly the multiset of dependencies of
	// currently in-flight states.
	inflightDeps []state.Num

	highestAck state.Num
}

// New returns an empty Tracker with highestAck initialized to 0, matching
// the implicit shared starting state (state 0, the empty string).
func New() *Tracker {
	return &Tracker{
		dependencies: make(map[state.Num]*state.Num),
	}
}

// Sent records that newNum has been sent, depending on dependsOn (nil if it
// carries no reference, i.e. a full diff from nothing).
func (t *Tracker) Sent(newNum state.Num, dependsOn *state.Num) {
	t.inflightStates = sortedInsert(t.inflightStates, newNum)
	t.dependencies[newNum] = dependsOn
	if dependsOn != nil {
		t.inflightDeps = sortedInsert(t.inflightDeps, *dependsOn)
	}
}

// Acked removes every in-flight state numbered <= stateNumber, retires
// their recorded dependencies (one occurrence per acked state), and
// advances highestAck. It is idempotent: acking a state number at or below
// the current highestAck with nothing left in flight at or below it is a
// no-op beyond updating highestAck.
func (t *Tracker) Acked(stateNumber state.Num) {
	cut := sort.Search(len(t.inflightStates), func(i int) bool {
		return t.inflightStates[i] > stateNumber
	})

	for _, k := range t.inflightStates[:cut] {
		if dep := t.dependencies[k]; dep != nil {
			t.inflightDeps = sortedRemoveOne(t.inflightDeps, *dep)
		}
		delete(t.dependencies, k)
	}
	t.inflightStates = t.inflightStates[cut:]

	if stateNumber > t.highestAck {
		t.highestAck = stateNumber
	}
}

// MinInflightDependency returns the minimum dependency among currently
// in-flight states, or ok=false if nothing in flight carries a dependency.
func (t *Tracker) MinInflightDependency() (n state.Num, ok bool) {
	if len(t.inflightDeps) == 0 {
		return 0, false
	}
	return t.inflightDeps[0], true
}

// HighestAck returns the highest state number acknowledged so far.
func (t *Tracker) HighestAck() state.Num {
	return t.highestAck
}

func sortedInsert(s []state.Num, v state.Num) []state.Num {
	i := sort.Search(len(s), func(i int) bool { return s[i] >= v })
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

// sortedRemoveOne removes a single occurrence of v from the sorted slice s.
func sortedRemoveOne(s []state.Num, v state.Num) []state.Num {
	i := sort.Search(len(s), func(i int) bool { return s[i] >= v })
	if i < len(s) && s[i] == v {
		return append(s[:i], s[i+1:]...)
	}
	return s
}
