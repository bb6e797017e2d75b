// Package transport owns the UDP socket shared by the sender and receiver
// state machines: it packs/unpacks datagrams (internal/wire), tracks the
// peer address and the most recently seen peer timestamp, and, on the
// sender role, drives RTO estimation from the timestamp echo carried in
// every packet.
package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/xid"
	errors "golang.org/x/xerrors"

	"github.com/mosh-ssp/ssp/internal/diff"
	"github.com/mosh-ssp/ssp/internal/logging"
	"github.com/mosh-ssp/ssp/internal/metrics"
	"github.com/mosh-ssp/ssp/internal/state"
	"github.com/mosh-ssp/ssp/internal/wire"
	"github.com/mosh-ssp/ssp/internal/wireerr"
)

// Role selects the direction bit stamped on outgoing packets and whether
// this endpoint runs RTO estimation (sender only).
type Role bool

const (
	RoleReceiver Role = false
	RoleSender   Role = true
)

// RTO estimation constants, the standard RFC 6298 parameters with a
// clock-granularity floor and a minimum RTO suited to interactive use.
const (
	alpha   = 1.0 / 8
	beta    = 1.0 / 4
	kFactor = 4.0
	gFloor  = 0.1  // seconds
	minRTO  = 0.05 // seconds
)

// defaultSignalDBM is the self-reported signal strength a Transporter
// stamps on outgoing packets until SetSignalStrength is called.
const defaultSignalDBM int8 = -50

// Transporter owns a UDP socket and the per-endpoint bookkeeping: packet
// sequence counter, last-seen peer timestamp, peer address, and the RTO
// estimate. It is not safe for concurrent use beyond the signal-strength
// setter; the sender/receiver event loops each own exactly one Transporter
// and drive it single-threaded.
type Transporter struct {
	conn  net.PacketConn
	role  Role
	clock clockwork.Clock
	log   *logging.Logger
	metr  *metrics.Collector

	sessionID string

	seq uint64

	mu              sync.Mutex // guards signalDBM only; set from outside the event loop
	signalDBM       int8
	remoteSignalDBM int8

	peerAddr   net.Addr
	lastPeerTS uint16
	haveTS     bool

	haveSample bool
	srtt       float64
	rttvar     float64
	rto        float64
}

// New returns a Transporter bound to conn. peerAddr may be nil (the
// receiver learns it from the first inbound packet; the sender normally
// has it configured up front). log and metr may be nil.
func New(conn net.PacketConn, role Role, peerAddr net.Addr, clock clockwork.Clock, log *logging.Logger, metr *metrics.Collector) *Transporter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	id := xid.New().String()
	if log != nil {
		log = log.WithTag(log.Tag + "[" + id + "]")
	}
	return &Transporter{
		conn:      conn,
		role:      role,
		clock:     clock,
		log:       log,
		metr:      metr,
		sessionID: id,
		signalDBM: defaultSignalDBM,
		peerAddr:  peerAddr,
	}
}

// SessionID returns the short id stamped into this Transporter's log tag,
// used to disambiguate endpoints sharing one log stream.
func (t *Transporter) SessionID() string {
	return t.sessionID
}

// PeerAddr returns the address packets are currently sent to, or nil if
// none is known yet.
func (t *Transporter) PeerAddr() net.Addr {
	return t.peerAddr
}

// SetSignalStrength updates the self-reported signal strength stamped on
// subsequent outgoing packets. Values above 0 are clamped to 0 and values
// below -127 to -127, the range the datagram header allows. May be called
// at any time, from any goroutine.
func (t *Transporter) SetSignalStrength(dbm int8) {
	if dbm > 0 {
		dbm = 0
	} else if dbm < -127 {
		dbm = -127
	}
	t.mu.Lock()
	t.signalDBM = dbm
	t.mu.Unlock()
}

// RemoteSignalStrength returns the most recently received signal_dbm value
// reported by the peer, or 0 if no packet has arrived yet.
func (t *Transporter) RemoteSignalStrength() int8 {
	return t.remoteSignalDBM
}

// RTO returns the current retransmission-timeout estimate and whether a
// sample has been taken yet. Before the first sample, ok is false and the
// sender's reference policy falls back to the known-ack reference.
func (t *Transporter) RTO() (seconds float64, ok bool) {
	return t.rto, t.haveSample
}

// SRTT returns the current smoothed-RTT estimate and whether a sample has
// been taken yet.
func (t *Transporter) SRTT() (seconds float64, ok bool) {
	return t.srtt, t.haveSample
}

// Send constructs a transport instruction, wraps it in a packet stamped
// with this endpoint's direction bit, next sequence number, truncated send
// timestamp, and timestamp echo, then writes it to the peer address. It
// fails with wireerr.ErrPeerUnknown if no peer address is known yet.
func (t *Transporter) Send(oldNum, newNum, ackNum, throwawayNum state.Num, d diff.Diff) error {
	if t.peerAddr == nil {
		return wireerr.ErrPeerUnknown
	}

	encodedDiff, err := wire.EncodeDiff(d)
	if err != nil {
		return err
	}
	payload, err := wire.EncodeInstruction(wire.Instruction{
		OldNum:       oldNum,
		NewNum:       newNum,
		AckNum:       ackNum,
		ThrowawayNum: throwawayNum,
		Diff:         encodedDiff,
	})
	if err != nil {
		return err
	}

	nowMS := uint16(t.clock.Now().UnixMilli() & 0xFFFF)
	tsReply := uint16(0)
	if t.haveTS {
		tsReply = t.lastPeerTS
	}

	t.mu.Lock()
	signal := t.signalDBM
	t.mu.Unlock()

	pkt := wire.Packet{
		Direction: bool(t.role),
		Seq:       t.seq,
		TS:        nowMS,
		TSReply:   tsReply,
		SignalDBM: signal,
		Payload:   payload,
	}
	t.seq++

	if _, err := t.conn.WriteTo(pkt.Pack(), t.peerAddr); err != nil {
		if t.log != nil {
			t.log.Error("send to %v: %v", t.peerAddr, err)
		}
		return errors.Errorf("transport: write: %w", err)
	}

	if t.metr != nil {
		t.metr.IncPacketsSent()
	}
	if t.log != nil {
		t.log.Debug("sent seq=%d old=%d new=%d ack=%d throwaway=%d", pkt.Seq, oldNum, newNum, ackNum, throwawayNum)
	}
	return nil
}

// Recv reads one datagram, blocking until it arrives, ctx is canceled, or
// ctx's deadline (if any) elapses. It updates the peer address, the last
// seen peer timestamp, and the remote signal strength, then — on the
// sender role — runs the RTO update from the timestamp echo. Decode
// failures are returned as wireerr.ErrMalformedHeader /
// ErrMalformedInstruction; callers are expected to log and continue.
func (t *Transporter) Recv(ctx context.Context) (wire.Instruction, error) {
	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetReadDeadline(deadline)
	} else {
		t.conn.SetReadDeadline(time.Time{})
	}

	if ctx.Done() != nil {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-ctx.Done():
				t.conn.SetReadDeadline(time.Unix(0, 0))
			case <-stop:
			}
		}()
	}

	buf := make([]byte, 65536)
	n, addr, err := t.conn.ReadFrom(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			// A deadline elapsing is recoverable; only an outright
			// cancellation propagates as the context's error.
			if ctx.Err() == context.Canceled {
				return wire.Instruction{}, ctx.Err()
			}
			return wire.Instruction{}, wireerr.ErrSocketTimeout
		}
		return wire.Instruction{}, errors.Errorf("transport: read: %w", err)
	}

	pkt, err := wire.Unpack(buf[:n])
	if err != nil {
		return wire.Instruction{}, err
	}

	t.peerAddr = addr
	t.lastPeerTS = pkt.TS
	t.haveTS = true
	t.remoteSignalDBM = pkt.SignalDBM

	if t.role == RoleSender {
		t.updateRTO(pkt.TSReply)
	}

	instr, err := wire.DecodeInstruction(pkt.Payload)
	if err != nil {
		return wire.Instruction{}, err
	}

	if t.metr != nil {
		t.metr.IncPacketsReceived()
	}
	if t.log != nil {
		t.log.Debug("recv seq=%d old=%d new=%d ack=%d throwaway=%d", pkt.Seq, instr.OldNum, instr.NewNum, instr.AckNum, instr.ThrowawayNum)
	}
	return instr, nil
}

// updateRTO folds one RTT sample, measured from the echoed timestamp
// tsReply of a just-received packet, into the smoothed estimate. The
// 16-bit wrap means samples are only meaningful for RTTs under ~65 s.
func (t *Transporter) updateRTO(tsReply uint16) {
	nowMS := uint16(t.clock.Now().UnixMilli() & 0xFFFF)
	rMS := (nowMS - tsReply) & 0xFFFF
	r := float64(rMS) / 1000

	if !t.haveSample {
		t.srtt = r
		t.rttvar = r / 2
		t.haveSample = true
	} else {
		diffAbs := t.srtt - r
		if diffAbs < 0 {
			diffAbs = -diffAbs
		}
		t.rttvar = (1-beta)*t.rttvar + beta*diffAbs
		t.srtt = (1-alpha)*t.srtt + alpha*r
	}

	k := kFactor * t.rttvar
	if k < gFloor {
		k = gFloor
	}
	t.rto = t.srtt + k
	if t.rto < minRTO {
		t.rto = minRTO
	}

	if t.metr != nil {
		t.metr.SetRTO(t.rto)
		t.metr.SetSRTT(t.srtt)
	}
	if t.log != nil {
		t.log.Trace(6, "rto update: R=%.3f SRTT=%.3f RTTVAR=%.3f RTO=%.3f", r, t.srtt, t.rttvar, t.rto)
	}
}
