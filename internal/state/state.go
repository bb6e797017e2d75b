// Package state represents the replicated string as a sequence of
// immutable, numbered snapshots, and generates/applies the diffs between
// them (internal/diff does the actual opcode work; this package owns state
// numbering and the sent-timestamp bookkeeping the sender needs for its
// staleness window).
package state

import (
	"time"

	"github.com/mosh-ssp/ssp/internal/diff"
)

// Num is a state number. Numbers are assigned from a process-local,
// monotonically increasing counter starting at 1; state 0 is the implicit
// empty string both endpoints start synced on.
type Num int64

// State is an immutable (string, number) pair. TimeSent is set once, the
// first time the state is handed to a Transporter for sending; it is unset
// (zero) on the receiver side and on states that have not yet been sent,
// except the sender's implicit state 0, which it stamps on creation.
type State struct {
	String   string
	Num      Num
	TimeSent time.Time
}

// Empty is the implicit initial state both endpoints start with.
func Empty() State {
	return State{String: "", Num: 0}
}

// New constructs a state with the given number. Use a Counter to assign
// numbers in the required strictly-increasing order.
func New(s string, num Num) State {
	return State{String: s, Num: num}
}

// GeneratePatch computes the diff that transforms s into other.
func (s State) GeneratePatch(other State) diff.Diff {
	return diff.Generate(s.String, other.String)
}

// Apply reconstructs the string that results from applying d to s, without
// changing s's number (callers combine the result with the new number to
// build the successor State).
func (s State) Apply(d diff.Diff) (string, error) {
	return diff.Apply(s.String, d)
}

// Sent returns whether this state has ever been handed to the transporter.
func (s State) Sent() bool {
	return !s.TimeSent.IsZero()
}

// Counter assigns strictly increasing state numbers starting at 1. It is
// not safe for concurrent use; each endpoint's single-threaded event loop
// owns its own Counter.
type Counter struct {
	next Num
}

// NewCounter returns a Counter whose first Next() call yields 1.
func NewCounter() *Counter {
	return &Counter{next: 1}
}

// Next returns the next state number and advances the counter.
func (c *Counter) Next() Num {
	n := c.next
	c.next++
	return n
}
