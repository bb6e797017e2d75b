package receiver

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/mosh-ssp/ssp/internal/diff"
	"github.com/mosh-ssp/ssp/internal/state"
	"github.com/mosh-ssp/ssp/internal/wire"
	"github.com/mosh-ssp/ssp/internal/wireerr"
)

type sent struct {
	oldNum, newNum, ackNum, throwawayNum state.Num
}

// fakeTransport records outbound acks and replays a scripted sequence of
// inbound results for Run.
type fakeTransport struct {
	sends  []sent
	inbox  []wire.Instruction
	errors []error
}

func (f *fakeTransport) Send(oldNum, newNum, ackNum, throwawayNum state.Num, d diff.Diff) error {
	f.sends = append(f.sends, sent{oldNum, newNum, ackNum, throwawayNum})
	return nil
}

func (f *fakeTransport) Recv(ctx context.Context) (wire.Instruction, error) {
	if len(f.errors) > 0 {
		err := f.errors[0]
		f.errors = f.errors[1:]
		return wire.Instruction{}, err
	}
	if len(f.inbox) > 0 {
		instr := f.inbox[0]
		f.inbox = f.inbox[1:]
		return instr, nil
	}
	<-ctx.Done()
	return wire.Instruction{}, ctx.Err()
}

func instr(t *testing.T, oldNum, newNum state.Num, from, to string) wire.Instruction {
	t.Helper()
	encoded, err := wire.EncodeDiff(diff.Generate(from, to))
	require.NoError(t, err)
	return wire.Instruction{OldNum: oldNum, NewNum: newNum, Diff: encoded}
}

func TestHandshakeFromEmpty(t *testing.T) {
	ft := &fakeTransport{}
	r := New(ft, nil, nil, nil)

	var applied []string
	r.OnApply = func(s string, num state.Num) { applied = append(applied, s) }

	assert.Equal(t, Idle, r.Phase())
	require.NoError(t, r.OnReceive(instr(t, 0, 1, "", "abc")))

	assert.Equal(t, Syncing, r.Phase())
	assert.EqualValues(t, 1, r.HighestReceived())
	assert.Equal(t, "abc", r.Current())
	assert.Equal(t, []string{"abc"}, applied)

	// The ack rides the same wire format: zero state transition, ack_num
	// and throwaway_num naming the applied state.
	require.Len(t, ft.sends, 1)
	assert.Equal(t, sent{0, 0, 1, 1}, ft.sends[0])
}

func TestChainedDiffsApplyInOrder(t *testing.T) {
	ft := &fakeTransport{}
	r := New(ft, nil, nil, nil)

	r.OnReceive(instr(t, 0, 1, "", "a"))
	r.OnReceive(instr(t, 1, 2, "a", "ab"))
	r.OnReceive(instr(t, 2, 3, "ab", "abc"))

	assert.Equal(t, "abc", r.Current())
	assert.EqualValues(t, 3, r.HighestReceived())
	assert.Len(t, ft.sends, 3)
}

func TestMissingReferenceDiscards(t *testing.T) {
	ft := &fakeTransport{}
	r := New(ft, nil, nil, nil)

	var missing []state.Num
	r.OnMissing = func(oldNum, newNum state.Num) { missing = append(missing, oldNum) }

	require.NoError(t, r.OnReceive(instr(t, 0, 1, "", "a")))
	// Instruction 2 was lost; 3 chains off it and must be discarded
	// without an ack.
	err := r.OnReceive(instr(t, 2, 3, "ab", "abc"))
	assert.True(t, xerrors.Is(err, wireerr.ErrStateMissing))

	stats := r.Stats()
	assert.EqualValues(t, 2, stats.TotalPacketsReceived)
	assert.EqualValues(t, 1, stats.PacketsDiscarded)
	assert.InDelta(t, 50.0, stats.DiscardPercentage, 1e-9)
	assert.Equal(t, []state.Num{2}, missing)
	assert.Len(t, ft.sends, 1, "discarded instructions are never acked")
	assert.Equal(t, "a", r.Current())
}

func TestFullDiffsSurviveLoss(t *testing.T) {
	// Every instruction anchored at state 0 applies regardless of which
	// predecessors were lost.
	ft := &fakeTransport{}
	r := New(ft, nil, nil, nil)

	r.OnReceive(instr(t, 0, 1, "", "a"))
	// (0,2) dropped in transit.
	r.OnReceive(instr(t, 0, 3, "", "abc"))

	assert.Equal(t, "abc", r.Current())
	assert.EqualValues(t, 3, r.HighestReceived())
	assert.EqualValues(t, 0, r.Stats().PacketsDiscarded)
}

func TestDuplicateInstructionReappliesHarmlessly(t *testing.T) {
	ft := &fakeTransport{}
	r := New(ft, nil, nil, nil)

	in := instr(t, 0, 1, "", "abc")
	r.OnReceive(in)
	r.OnReceive(in)

	assert.Equal(t, "abc", r.Current())
	assert.EqualValues(t, 1, r.HighestReceived())
	// Both copies are acked; the sender's tracker is idempotent.
	assert.Len(t, ft.sends, 2)
}

func TestReorderedInstructionsConverge(t *testing.T) {
	ft := &fakeTransport{}
	r := New(ft, nil, nil, nil)

	first := instr(t, 0, 1, "", "a")
	second := instr(t, 1, 2, "a", "ab")

	r.OnReceive(first)
	r.OnReceive(second)
	// A stale duplicate of the first arrives late; the highest applied
	// state must not regress.
	r.OnReceive(first)

	assert.Equal(t, "ab", r.Current())
	assert.EqualValues(t, 2, r.HighestReceived())
}

func TestMalformedDiffCountsAsDiscard(t *testing.T) {
	ft := &fakeTransport{}
	r := New(ft, nil, nil, nil)

	err := r.OnReceive(wire.Instruction{OldNum: 0, NewNum: 1, Diff: "not json"})
	assert.True(t, xerrors.Is(err, wireerr.ErrMalformedDiff))
	err = r.OnReceive(wire.Instruction{OldNum: 0, NewNum: 1, Diff: `[["equal",0,99,0,99]]`})
	assert.True(t, xerrors.Is(err, wireerr.ErrMalformedDiff))

	stats := r.Stats()
	assert.EqualValues(t, 2, stats.PacketsDiscarded)
	assert.Empty(t, ft.sends)
	assert.Equal(t, Idle, r.Phase())
}

func TestNonZeroFirstInstructionLeavesIdle(t *testing.T) {
	ft := &fakeTransport{}
	r := New(ft, nil, nil, nil)

	r.OnReceive(instr(t, 5, 6, "x", "xy"))
	assert.Equal(t, Idle, r.Phase())
}

func TestDiscardAccountingOverManyInstructions(t *testing.T) {
	ft := &fakeTransport{}
	r := New(ft, nil, nil, nil)

	rng := rand.New(rand.NewSource(42))
	cur := ""
	next := state.Num(1)
	misses := 0

	for i := 0; i < 1000; i++ {
		if rng.Float64() < 0.1 {
			// Reference a state number that was never applied, as if it
			// had been garbage-collected.
			r.OnReceive(instr(t, state.Num(100000+i), next, cur, cur+"y"))
			misses++
			continue
		}
		updated := cur + "x"
		r.OnReceive(instr(t, next-1, next, cur, updated))
		cur = updated
		next++
	}

	stats := r.Stats()
	assert.EqualValues(t, 1000, stats.TotalPacketsReceived)
	assert.EqualValues(t, misses, stats.PacketsDiscarded)
	assert.InDelta(t, 100*float64(misses)/1000, stats.DiscardPercentage, 1e-9)
	assert.Equal(t, cur, r.Current())
}

func TestRunRecoversFromMalformedPackets(t *testing.T) {
	ft := &fakeTransport{
		// The transporter wraps sentinels with call-site context; Run must
		// still classify them.
		errors: []error{
			wireerr.ErrSocketTimeout,
			xerrors.Errorf("%w: 5 bytes", wireerr.ErrMalformedHeader),
			wireerr.ErrMalformedInstruction,
		},
		inbox: []wire.Instruction{instr(t, 0, 1, "", "abc")},
	}
	r := New(ft, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	r.OnApply = func(s string, num state.Num) { cancel() }

	err := r.Run(ctx)
	assert.Equal(t, context.Canceled, err)
	assert.Equal(t, "abc", r.Current())
}
