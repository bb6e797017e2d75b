package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosh-ssp/ssp/internal/diff"
	"github.com/mosh-ssp/ssp/internal/state"
)

func TestPacketRoundTrip(t *testing.T) {
	cases := []Packet{
		{Direction: true, Seq: 7, TS: 10, TSReply: 5, SignalDBM: -50, Payload: []byte("abc")},
		{Direction: false, Seq: 0, TS: 0, TSReply: 0, SignalDBM: 0, Payload: nil},
		{Direction: true, Seq: (1 << 63) - 1, TS: 0xFFFF, TSReply: 0xFFFF, SignalDBM: -127, Payload: []byte{1, 2, 3}},
	}

	for _, p := range cases {
		got, err := Unpack(p.Pack())
		require.NoError(t, err)
		assert.Equal(t, p.Direction, got.Direction)
		assert.Equal(t, p.Seq, got.Seq)
		assert.Equal(t, p.TS, got.TS)
		assert.Equal(t, p.TSReply, got.TSReply)
		assert.Equal(t, p.SignalDBM, got.SignalDBM)
		if len(p.Payload) == 0 {
			assert.Empty(t, got.Payload)
		} else {
			assert.Equal(t, p.Payload, got.Payload)
		}
	}
}

func TestUnpackMalformedHeader(t *testing.T) {
	_, err := Unpack(make([]byte, headerSize-1))
	assert.ErrorContains(t, err, "malformed datagram header")
}

func TestPackPanicsOnOutOfRangeSignal(t *testing.T) {
	assert.Panics(t, func() {
		Packet{SignalDBM: 1}.Pack()
	})
	assert.Panics(t, func() {
		Packet{SignalDBM: -128}.Pack()
	})
}

func TestInstructionRoundTrip(t *testing.T) {
	d := diff.Generate("abc", "bcdef")
	text, err := EncodeDiff(d)
	require.NoError(t, err)

	in := Instruction{
		OldNum:       1,
		NewNum:       2,
		AckNum:       1,
		ThrowawayNum: 0,
		Diff:         text,
	}

	encoded, err := EncodeInstruction(in)
	require.NoError(t, err)

	got, err := DecodeInstruction(encoded)
	require.NoError(t, err)
	assert.Equal(t, in, got)

	decodedDiff, err := DecodeDiff(got.Diff)
	require.NoError(t, err)
	out, err := diff.Apply("abc", decodedDiff)
	require.NoError(t, err)
	assert.Equal(t, "bcdef", out)
}

func TestInstructionFieldOrderInsignificant(t *testing.T) {
	raw := []byte(`{"diff":"[]","throwaway_num":0,"ack_num":1,"new_num":2,"old_num":1}`)
	got, err := DecodeInstruction(raw)
	require.NoError(t, err)
	assert.Equal(t, Instruction{OldNum: 1, NewNum: 2, AckNum: 1, ThrowawayNum: 0, Diff: "[]"}, got)
}

func TestDecodeInstructionMalformed(t *testing.T) {
	_, err := DecodeInstruction([]byte(`not json`))
	assert.ErrorContains(t, err, "malformed transport instruction")
}

func TestAckInstructionShape(t *testing.T) {
	// Per the protocol's ack-path symmetry: an ack is itself a transport
	// instruction with old_num = new_num = 0 and an empty diff.
	ack := Instruction{OldNum: 0, NewNum: 0, AckNum: state.Num(5), ThrowawayNum: state.Num(5), Diff: "[]"}
	encoded, err := EncodeInstruction(ack)
	require.NoError(t, err)
	got, err := DecodeInstruction(encoded)
	require.NoError(t, err)
	assert.Equal(t, ack, got)
}
