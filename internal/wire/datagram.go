// Package wire implements the two framing layers that ride over the UDP
// channel: the fixed-size datagram header (Packet) and the JSON transport
// instruction payload it carries (Instruction).
package wire

import (
	errors "golang.org/x/xerrors"

	"github.com/mosh-ssp/ssp/internal/packet"
	"github.com/mosh-ssp/ssp/internal/wireerr"
)

// headerSize is the fixed 13-byte header: 8-byte nonce (direction|seq),
// 2-byte ts, 2-byte ts_reply, 1-byte signal_dbm.
const headerSize = 13

// directionBit is the high bit of the 64-bit nonce.
const directionBit = uint64(1) << 63

// Packet is one UDP datagram: the fixed header plus an opaque payload
// (the encoded Instruction).
//
//	offset size field
//	  0     8   nonce       (bit 63 = direction, bits 0..62 = seq)
//	  8     2   ts          (ms & 0xFFFF)
//	 10     2   ts_reply    (ms & 0xFFFF, or 0)
//	 12     1   signal_dbm  (signed, -127..0)
//	 13     N   payload
type Packet struct {
	Direction bool
	Seq       uint64 // 0 <= Seq < 2^63
	TS        uint16
	TSReply   uint16
	SignalDBM int8
	Payload   []byte
}

// Pack serializes p into its wire form. Pack panics if Seq has the high bit
// set or SignalDBM is out of [-127, 0] range; callers (the Transporter) are
// responsible for enforcing those invariants before constructing a Packet.
func (p Packet) Pack() []byte {
	if p.Seq&directionBit != 0 {
		panic("wire: seq exceeds 63 bits")
	}
	if p.SignalDBM < -127 || p.SignalDBM > 0 {
		panic("wire: signal_dbm out of range")
	}

	buf := make([]byte, headerSize+len(p.Payload))
	w := packet.NewWriter(buf)

	nonce := p.Seq
	if p.Direction {
		nonce |= directionBit
	}
	w.WriteUint64(nonce)
	w.WriteUint16(p.TS)
	w.WriteUint16(p.TSReply)
	w.WriteInt8(p.SignalDBM)
	if err := w.WriteSlice(p.Payload); err != nil {
		// Buffer was sized exactly for the payload above.
		panic(err)
	}

	return w.Bytes()
}

// Unpack parses a datagram into a Packet. It fails with
// wireerr.ErrMalformedHeader if fewer than headerSize bytes are present.
func Unpack(data []byte) (Packet, error) {
	r := packet.NewReader(data)
	if err := r.CheckRemaining(headerSize); err != nil {
		return Packet{}, errors.Errorf("%w: %v", wireerr.ErrMalformedHeader, err)
	}

	nonce := r.ReadUint64()
	p := Packet{
		Direction: nonce&directionBit != 0,
		Seq:       nonce &^ directionBit,
		TS:        r.ReadUint16(),
		TSReply:   r.ReadUint16(),
		SignalDBM: r.ReadInt8(),
		Payload:   r.ReadRemaining(),
	}
	return p, nil
}
