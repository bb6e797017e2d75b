// Package sender implements the sending half of the state synchronization
// protocol: it owns the history of locally produced states, selects a
// reference state for each outgoing diff under the λ policy, and tracks
// in-flight dependencies via internal/inflight.
package sender

import (
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mosh-ssp/ssp/internal/diff"
	"github.com/mosh-ssp/ssp/internal/inflight"
	"github.com/mosh-ssp/ssp/internal/logging"
	"github.com/mosh-ssp/ssp/internal/metrics"
	"github.com/mosh-ssp/ssp/internal/state"
)

// Transport is the slice of the transporter the sender drives: emitting
// instructions and reading back the current RTO estimate for the staleness
// window. *transport.Transporter satisfies it.
type Transport interface {
	Send(oldNum, newNum, ackNum, throwawayNum state.Num, d diff.Diff) error
	RTO() (seconds float64, ok bool)
}

// Config collects the sender's tunables. Lambda is the probability, in
// [0,1], of choosing the known-ack reference over the assumed reference on
// each send; 0 always diffs against the latest local state, 1 always
// against the highest acknowledged one. Seed fixes the λ draw so test runs
// are reproducible.
type Config struct {
	Lambda float64
	Seed   int64
}

// DefaultLambda is the λ the CLI uses when none is given.
const DefaultLambda = 0.3

// Sender is an owned, single-threaded state machine. It is not safe for
// concurrent use; the owning event loop calls SendMessage and OnReceive
// from one goroutine.
type Sender struct {
	transport Transport
	inflight  *inflight.Tracker
	clock     clockwork.Clock
	log       *logging.Logger
	metr      *metrics.Collector

	lambda float64
	rng    *rand.Rand

	states  map[state.Num]*state.State
	counter *state.Counter
}

// New returns a Sender with the implicit initial state 0 (the empty
// string) already recorded. Lambda is clamped to [0,1]; zero is a valid
// setting (never pick the known reference inside the staleness window),
// so callers wanting the default must pass DefaultLambda explicitly.
func New(t Transport, cfg Config, clock clockwork.Clock, log *logging.Logger, metr *metrics.Collector) *Sender {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	lambda := cfg.Lambda
	if lambda < 0 {
		lambda = 0
	} else if lambda > 1 {
		lambda = 1
	}

	s := &Sender{
		transport: t,
		inflight:  inflight.New(),
		clock:     clock,
		log:       log,
		metr:      metr,
		lambda:    lambda,
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		states:    make(map[state.Num]*state.State),
		counter:   state.NewCounter(),
	}
	empty := state.Empty()
	empty.TimeSent = clock.Now()
	s.states[0] = &empty
	return s
}

// SendMessage accepts one new locally produced string, numbers it, picks a
// reference state under the λ policy, computes the diff, and hands the
// resulting instruction to the Transporter.
func (s *Sender) SendMessage(newString string) error {
	n := s.counter.Next()

	newState := state.New(newString, n)
	s.states[n] = &newState

	oldNum := s.chooseReference(n)

	oldState, ok := s.states[oldNum]
	if !ok {
		// Cannot happen under the single-threaded invariant: every
		// reference this policy can produce (assumed, known) names a
		// state still held in s.states.
		panic("sender: reference state not held locally")
	}

	d := oldState.GeneratePatch(newState)

	known := s.inflight.HighestAck()
	throwawayNum := s.throwawayNum(known)

	if err := s.transport.Send(oldNum, n, known, throwawayNum, d); err != nil {
		return err
	}

	now := s.clock.Now()
	s.states[n].TimeSent = now
	s.inflight.Sent(n, refPtr(oldNum))

	if s.metr != nil {
		s.metr.SetHighestAck(int64(known))
	}
	if s.log != nil {
		s.log.Info("send state=%d ref=%d ack=%d throwaway=%d", n, oldNum, known, throwawayNum)
	}
	return nil
}

// chooseReference picks between the assumed reference (n-1, the most
// recently produced local state) and the known reference (the highest
// acknowledged state), weighted by λ. The draw only happens while the
// assumed state is fresh: if it has never been sent, no RTO estimate
// exists yet, or it was sent longer than one RTO ago, the known reference
// is used unconditionally so a stale chain is never extended.
func (s *Sender) chooseReference(n state.Num) state.Num {
	assumed := n - 1
	known := s.inflight.HighestAck()

	assumedState, ok := s.states[assumed]
	if !ok {
		return known
	}

	rto, rtoKnown := s.transport.RTO()
	if !assumedState.Sent() || !rtoKnown {
		return known
	}

	age := s.clock.Since(assumedState.TimeSent)
	if age >= time.Duration(rto*float64(time.Second)) {
		return known
	}

	if s.rng.Float64() < s.lambda {
		return known
	}
	return assumed
}

// throwawayNum computes min(0, known-1, minInflightDep-1), the floor below
// which the peer may discard states. Note the formula never rises above 0,
// and while known == 0 it is -1, so instructions sent before the first ack
// always advertise -1; this matches the deployed wire behavior and is kept
// as-is (see DESIGN.md).
func (s *Sender) throwawayNum(known state.Num) state.Num {
	throwaway := state.Num(0)
	if known-1 < throwaway {
		throwaway = known - 1
	}
	if dep, ok := s.inflight.MinInflightDependency(); ok {
		if dep-1 < throwaway {
			throwaway = dep - 1
		}
	}
	return throwaway
}

// OnReceive handles an acknowledgment instruction from the receiver,
// retiring the in-flight states it covers.
func (s *Sender) OnReceive(ackNum state.Num) {
	s.inflight.Acked(ackNum)
	if s.metr != nil {
		s.metr.SetHighestAck(int64(s.inflight.HighestAck()))
		if st, ok := s.states[ackNum]; ok && st.Sent() {
			s.metr.SetAgeOfInformation(s.clock.Since(st.TimeSent).Seconds())
		}
	}
	if s.log != nil {
		s.log.Debug("ack received ack_num=%d highest_ack=%d", ackNum, s.inflight.HighestAck())
	}
}

// HighestAck returns the highest state number the receiver has
// acknowledged so far.
func (s *Sender) HighestAck() state.Num {
	return s.inflight.HighestAck()
}

// DiscardUnacked drops locally held states numbered <= throwawayNum that
// have already been acknowledged. This is purely a memory bound; skipping
// it never affects correctness. State 0, the highest-ack state, and
// anything still in flight are always retained, since the reference
// policy may still name them.
func (s *Sender) DiscardUnacked(throwawayNum state.Num) {
	highest := s.inflight.HighestAck()
	for n := range s.states {
		if n > 0 && n <= throwawayNum && n < highest {
			delete(s.states, n)
		}
	}
}

func refPtr(n state.Num) *state.Num {
	v := n
	return &v
}
