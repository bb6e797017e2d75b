// Package receiver implements the receiving half of the state
// synchronization protocol: it reconstructs new states by applying diffs
// atop a referenced old state, emits acknowledgments, and records discard
// statistics when a referenced old state is missing.
package receiver

import (
	"context"

	"github.com/jonboulle/clockwork"
	errors "golang.org/x/xerrors"

	"github.com/mosh-ssp/ssp/internal/diff"
	"github.com/mosh-ssp/ssp/internal/logging"
	"github.com/mosh-ssp/ssp/internal/metrics"
	"github.com/mosh-ssp/ssp/internal/state"
	"github.com/mosh-ssp/ssp/internal/wire"
	"github.com/mosh-ssp/ssp/internal/wireerr"
)

// Transport is the slice of the transporter the receiver drives: reading
// inbound instructions and sending acks back. *transport.Transporter
// satisfies it.
type Transport interface {
	Send(oldNum, newNum, ackNum, throwawayNum state.Num, d diff.Diff) error
	Recv(ctx context.Context) (wire.Instruction, error)
}

// Phase is the receiver-side state machine's phase. There is no terminal
// phase; the receiver runs for the life of the process.
type Phase int

const (
	// Idle is the phase before any instruction whose old_num is 0 has been
	// applied; discarded instructions leave the receiver Idle.
	Idle Phase = iota
	// Syncing is entered on the first applied instruction whose old_num is
	// 0 and held for the remainder of the process's life.
	Syncing
)

func (p Phase) String() string {
	if p == Syncing {
		return "Syncing"
	}
	return "Idle"
}

// OnApply is called once per successfully applied instruction, with the
// resulting string and its state number. This is where a terminal (or any
// other consumer of the replicated value) hooks in.
type OnApply func(s string, num state.Num)

// OnMissing is called once per instruction discarded because its old_num
// names a state the receiver no longer holds.
type OnMissing func(oldNum, newNum state.Num)

// Stats is the shutdown summary: total instructions seen, how many were
// discarded, and the discard percentage.
type Stats struct {
	TotalPacketsReceived uint64
	PacketsDiscarded     uint64
	DiscardPercentage    float64
}

// Receiver is an owned, single-threaded state machine. It is not safe for
// concurrent use; the owning event loop drives it from one goroutine via
// Run or repeated calls to OnReceive.
type Receiver struct {
	transport Transport
	clock     clockwork.Clock
	log       *logging.Logger
	metr      *metrics.Collector

	states map[state.Num]string

	phase            Phase
	highestReceived  state.Num
	totalReceived    uint64
	packetsDiscarded uint64

	OnApply   OnApply
	OnMissing OnMissing
}

// New returns a Receiver with the implicit initial state 0 (the empty
// string) already held.
func New(t Transport, clock clockwork.Clock, log *logging.Logger, metr *metrics.Collector) *Receiver {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Receiver{
		transport: t,
		clock:     clock,
		log:       log,
		metr:      metr,
		states:    map[state.Num]string{0: ""},
		phase:     Idle,
	}
}

// Phase returns the receiver's current state-machine phase.
func (r *Receiver) Phase() Phase {
	return r.phase
}

// HighestReceived returns the highest new_num successfully applied so far.
func (r *Receiver) HighestReceived() state.Num {
	return r.highestReceived
}

// Current returns the string at the highest applied state number.
func (r *Receiver) Current() string {
	return r.states[r.highestReceived]
}

// Stats returns the shutdown summary counters.
func (r *Receiver) Stats() Stats {
	total := r.totalReceived
	var pct float64
	if total > 0 {
		pct = 100 * float64(r.packetsDiscarded) / float64(total)
	}
	return Stats{
		TotalPacketsReceived: total,
		PacketsDiscarded:     r.packetsDiscarded,
		DiscardPercentage:    pct,
	}
}

// Run loops calling transport.Recv and OnReceive until ctx is canceled or
// a fatal transport error occurs. Timeouts and malformed packets are
// recovered locally: timeouts are skipped, malformed packets are logged and
// dropped, and the loop continues.
func (r *Receiver) Run(ctx context.Context) error {
	for {
		instr, err := r.transport.Recv(ctx)
		if err != nil {
			switch {
			case errors.Is(err, wireerr.ErrSocketTimeout):
				if ctx.Err() != nil {
					return ctx.Err()
				}
				continue
			case errors.Is(err, wireerr.ErrMalformedHeader), errors.Is(err, wireerr.ErrMalformedInstruction):
				if r.log != nil {
					r.log.Warn("dropping malformed packet: %v", err)
				}
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		r.OnReceive(instr)
	}
}

// OnReceive processes one inbound instruction: apply the diff if old_num
// is held and ack the result, otherwise count a discard. Duplicate
// instructions re-apply harmlessly (same old state, same diff, same
// resulting state); reordered ones apply as long as their reference is
// already held.
//
// A discarded instruction is already counted and logged here; the
// returned error (wrapping wireerr.ErrStateMissing or
// wireerr.ErrMalformedDiff) classifies it for callers that want to
// inspect the outcome with errors.Is.
func (r *Receiver) OnReceive(instr wire.Instruction) error {
	// The transporter already counts the datagram in the metrics; the
	// totals here feed the shutdown summary and discard percentage.
	r.totalReceived++

	oldString, ok := r.states[instr.OldNum]
	if !ok {
		r.packetsDiscarded++
		if r.metr != nil {
			r.metr.IncPacketsDiscarded()
		}
		err := errors.Errorf("%w: old_num=%d not held, discarding new_num=%d", wireerr.ErrStateMissing, instr.OldNum, instr.NewNum)
		if r.log != nil {
			r.log.Warn("%v", err)
		}
		if r.OnMissing != nil {
			r.OnMissing(instr.OldNum, instr.NewNum)
		}
		return err
	}

	d, err := wire.DecodeDiff(instr.Diff)
	if err != nil {
		r.packetsDiscarded++
		if r.metr != nil {
			r.metr.IncPacketsDiscarded()
		}
		if r.log != nil {
			r.log.Warn("malformed diff on new_num=%d: %v", instr.NewNum, err)
		}
		return err
	}

	newString, err := diff.Apply(oldString, d)
	if err != nil {
		r.packetsDiscarded++
		if r.metr != nil {
			r.metr.IncPacketsDiscarded()
		}
		if r.log != nil {
			r.log.Warn("malformed diff application on new_num=%d: %v", instr.NewNum, err)
		}
		return errors.Errorf("%w: applying to new_num=%d: %v", wireerr.ErrMalformedDiff, instr.NewNum, err)
	}

	r.states[instr.NewNum] = newString
	if instr.NewNum > r.highestReceived {
		r.highestReceived = instr.NewNum
	}
	if instr.OldNum == 0 {
		r.phase = Syncing
	}

	if r.log != nil {
		r.log.Info("applied new_num=%d (from old_num=%d)", instr.NewNum, instr.OldNum)
	}
	if r.OnApply != nil {
		r.OnApply(newString, instr.NewNum)
	}

	// Acks ride the same wire format: old_num = new_num = 0, empty diff,
	// ack_num and throwaway_num naming the state just applied.
	if err := r.transport.Send(0, 0, instr.NewNum, instr.NewNum, diff.Diff{}); err != nil {
		if r.log != nil {
			r.log.Error("sending ack for new_num=%d: %v", instr.NewNum, err)
		}
		return err
	}
	if r.metr != nil {
		r.metr.IncAcksSent()
	}
	return nil
}
