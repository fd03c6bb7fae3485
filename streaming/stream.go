package streaming

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State is a stream's lifecycle stage (spec.md section 4.8:
// New -> Open -> Closing -> Closed, or Open -> Reset).
type State int

const (
	StateNew State = iota
	StateOpen
	StateClosing
	StateClosed
	StateReset
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "New"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	case StateReset:
		return "Reset"
	default:
		return "Unknown"
	}
}

// delayedAckInterval is how long a receive-side packet that doesn't
// otherwise force an ack waits before one is sent anyway (spec.md
// section 4.8 receive path step 5).
const delayedAckInterval = 200 * time.Millisecond

// Sender transmits an outgoing stream packet and reacts to congestion
// escalation hints (spec.md section 4.8 send path step 5's attempt-3/4
// actions), matching the black-box pattern used for tunnel.Tester and
// tunnel.TunnelBuilder: the streaming package depends only on this
// interface, and destination wiring supplies the real garlic/tunnel
// plumbing.
type Sender interface {
	SendPacket(pkt Packet) error
	UseNextOutboundTunnel() error
	UseNextRemoteLease() error
}

// Identity signs outgoing SYN/FIN packets, matching spec.md section
// 4.8's "signature is the originator destination's signature over the
// packet (with signature field zeroed)".
type Identity interface {
	IdentityBytes() []byte
	Sign(data []byte) []byte
}

type sentPacket struct {
	pkt      Packet
	sendTime time.Time
}

// Stream is one streaming-protocol connection's state machine, covering
// both the send path (spec.md section 4.8 steps 1-6) and the receive
// path (steps 1-5).
type Stream struct {
	mu sync.Mutex

	sender   Sender
	identity Identity
	log      *logrus.Logger

	state        State
	sendStreamID uint32
	recvStreamID uint32
	established  bool

	sendQueue    []byte
	nextSeqNum   uint32
	inFlight     map[uint32]*sentPacket
	window       int
	rtt          time.Duration
	rto          time.Duration
	rttSamples   int
	resendRound  int
	sinceRTTGrow time.Time

	haveLastRecv bool
	lastRecv     uint32
	outOfOrder   map[uint32]Packet
	recvBuf      []byte
	ackPending   bool
	ackDeadline  time.Time
	nacksPending []uint32
}

// NewStream creates a Stream ready to Open an outbound connection or
// accept an inbound SYN via HandlePacket.
func NewStream(sender Sender, identity Identity, log *logrus.Logger) *Stream {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Stream{
		sender:     sender,
		identity:   identity,
		log:        log,
		state:      StateNew,
		inFlight:   make(map[uint32]*sentPacket),
		window:     MinWindowSize,
		rtt:        InitialRTTMillis * time.Millisecond,
		rto:        InitialRTOMillis * time.Millisecond,
		outOfOrder: make(map[uint32]Packet),
	}
}

// Open begins an outbound stream: the first packet carries SYN, FROM,
// SIGNATURE, and MAX_PACKET_SIZE, per spec.md section 4.8 send path
// step 2.
func (s *Stream) Open(recvStreamID uint32, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateNew {
		return fmt.Errorf("streaming: Open called on a stream already past New")
	}
	s.recvStreamID = recvStreamID
	s.sendQueue = append(s.sendQueue, payload...)
	s.state = StateOpen
	return s.flushLocked(time.Now(), true)
}

// Write appends data to the send buffer and emits as many packets as
// the current window allows (spec.md section 4.8 send path steps 1-2).
func (s *Stream) Write(data []byte, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return fmt.Errorf("streaming: Write called on a stream not Open")
	}
	s.sendQueue = append(s.sendQueue, data...)
	return s.flushLocked(now, false)
}

func (s *Stream) flushLocked(now time.Time, syn bool) error {
	for len(s.inFlight) < s.window && (len(s.sendQueue) > 0 || syn) {
		chunk := s.sendQueue
		if len(chunk) > StreamingMTU {
			chunk = chunk[:StreamingMTU]
		}
		seq := s.nextSeqNum
		s.nextSeqNum++

		var flags uint16
		var opts Options
		if syn {
			flags |= FlagSynchronize | FlagFromIncluded | FlagMaxPacketSizeIncluded
			opts.From = s.identity.IdentityBytes()
			opts.MaxPacketSize = StreamingMTU
			if s.identity != nil {
				flags |= FlagSignatureIncluded
			}
		}

		pkt := Packet{
			SendStreamID: s.sendStreamID,
			RecvStreamID: s.recvStreamID,
			SeqNum:       seq,
			AckThrough:   s.lastRecvOrZeroLocked(),
			Flags:        flags,
			Payload:      append([]byte(nil), chunk...),
		}
		if flags&FlagSignatureIncluded != 0 {
			// The signature is computed over the packet with its own
			// field zeroed (spec.md section 4.8's signing step), so the
			// signed-over options block must reserve the full 64-byte
			// signature region rather than the zero-length field
			// EncodeOptions would otherwise emit for a nil Signature.
			opts.Signature = make([]byte, 64)
			unsigned := pkt
			unsigned.Options = EncodeOptions(flags, opts)
			sig := s.identity.Sign(unsigned.Encode())
			opts.Signature = sig
		}
		pkt.Options = EncodeOptions(flags, opts)

		if err := s.sender.SendPacket(pkt); err != nil {
			return fmt.Errorf("streaming: send packet: %w", err)
		}
		s.inFlight[seq] = &sentPacket{pkt: pkt, sendTime: now}
		s.sendQueue = s.sendQueue[len(chunk):]
		syn = false
	}
	return nil
}

func (s *Stream) lastRecvOrZeroLocked() uint32 {
	if !s.haveLastRecv {
		return 0
	}
	return s.lastRecv
}

// HandleAck processes an incoming ack_through/NACK pair: removes
// acknowledged packets from flight, updates the smoothed RTT and RTO,
// and grows the congestion window (spec.md section 4.8 send path step 4).
func (s *Stream) HandleAck(ackThrough uint32, nacks []uint32, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nacked := make(map[uint32]bool, len(nacks))
	for _, n := range nacks {
		nacked[n] = true
	}

	var sampled bool
	var sample time.Duration
	for seq, sp := range s.inFlight {
		if seq > ackThrough || nacked[seq] {
			continue
		}
		sample = now.Sub(sp.sendTime)
		sampled = true
		delete(s.inFlight, seq)
	}
	if sampled {
		s.rtt = (s.rtt*time.Duration(s.rttSamples) + sample) / time.Duration(s.rttSamples+1)
		s.rttSamples++
		s.rto = s.rtt + s.rtt/2

		if s.window < WindowSize {
			s.window++
		} else if s.window < MaxWindowSize {
			if now.Sub(s.sinceRTTGrow) >= s.rtt {
				s.window++
				s.sinceRTTGrow = now
			}
		}
		s.resendRound = 0
	}
	if !s.established && (s.sendStreamID != 0) {
		s.established = true
	}
	s.flushLocked(now, false)
}

// SetSendStreamID records the peer-assigned stream ID once learned from
// its first reply, marking the stream established (spec.md section 4.8:
// "established once send_stream_id is known").
func (s *Stream) SetSendStreamID(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendStreamID = id
	s.established = true
}

// CheckResend scans in-flight packets for ones whose RTO has elapsed,
// retransmits them, and escalates congestion response by resend round
// (spec.md section 4.8 send path step 5).
func (s *Stream) CheckResend(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []uint32
	for seq, sp := range s.inFlight {
		if !sp.sendTime.Add(s.rto).After(now) {
			due = append(due, seq)
		}
	}
	if len(due) == 0 {
		return nil
	}

	for _, seq := range due {
		sp := s.inFlight[seq]
		if err := s.sender.SendPacket(sp.pkt); err != nil {
			return fmt.Errorf("streaming: resend: %w", err)
		}
		sp.sendTime = now
	}
	s.rto *= 2
	s.resendRound++

	switch s.resendRound {
	case 1:
		s.window = s.window / 2
		if s.window < MinWindowSize {
			s.window = MinWindowSize
		}
	case 2:
		s.rto = InitialRTOMillis * time.Millisecond
	case 3:
		if err := s.sender.UseNextOutboundTunnel(); err != nil {
			s.log.WithError(err).Debug("streaming: switching outbound tunnel after repeated resend failures")
		}
	case 4:
		if err := s.sender.UseNextRemoteLease(); err != nil {
			s.log.WithError(err).Debug("streaming: switching remote lease after repeated resend failures")
		}
	}
	if s.resendRound >= MaxNumResendAttempts+1 {
		s.state = StateReset
		s.log.WithField("stream", s.recvStreamID).Warn("streaming: resetting stream after exhausting resend attempts")
	}
	return nil
}

// Close transitions to Closing, flushes any remaining buffered data, and
// emits a final CLOSE|SIGNATURE packet (spec.md section 4.8 send path
// step 6).
func (s *Stream) Close(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return fmt.Errorf("streaming: Close called on a stream not Open")
	}
	s.state = StateClosing
	if err := s.flushLocked(now, false); err != nil {
		return err
	}

	seq := s.nextSeqNum
	s.nextSeqNum++
	flags := FlagClose
	if s.identity != nil {
		flags |= FlagSignatureIncluded
	}
	var opts Options
	fin := Packet{
		SendStreamID: s.sendStreamID,
		RecvStreamID: s.recvStreamID,
		SeqNum:       seq,
		AckThrough:   s.lastRecvOrZeroLocked(),
		Flags:        flags,
	}
	if s.identity != nil {
		opts.Signature = make([]byte, 64)
		unsigned := fin
		unsigned.Options = EncodeOptions(flags, opts)
		opts.Signature = s.identity.Sign(unsigned.Encode())
	}
	fin.Options = EncodeOptions(flags, opts)
	if err := s.sender.SendPacket(fin); err != nil {
		return fmt.Errorf("streaming: send FIN: %w", err)
	}
	s.inFlight[seq] = &sentPacket{pkt: fin, sendTime: now}
	s.state = StateClosed
	return nil
}

// HandlePacket processes one incoming packet per spec.md section 4.8's
// receive path: in-order delivery, out-of-order buffering with NACKs, or
// duplicate rejection with an immediate ack of the prior top.
func (s *Stream) HandlePacket(pkt Packet, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pkt.Flags&FlagReset != 0 {
		s.state = StateReset
		return nil
	}
	if pkt.SendStreamID != 0 && s.sendStreamID == 0 {
		s.sendStreamID = pkt.SendStreamID
		s.established = true
	}

	isNextInOrder := (pkt.Flags&FlagSynchronize != 0 && pkt.SeqNum == 0 && !s.haveLastRecv) ||
		(s.haveLastRecv && pkt.SeqNum == s.lastRecv+1)

	switch {
	case isNextInOrder:
		if len(pkt.Payload) > 0 {
			s.recvBuf = append(s.recvBuf, pkt.Payload...)
		}
		s.lastRecv = pkt.SeqNum
		s.haveLastRecv = true
		s.drainOutOfOrderLocked()
		s.ackPending = true
		s.ackDeadline = now.Add(delayedAckInterval)
	case s.haveLastRecv && pkt.SeqNum <= s.lastRecv:
		// Duplicate: drop the payload, ack immediately so the sender
		// stops retransmitting.
		s.ackPending = true
		s.ackDeadline = now
	default:
		s.outOfOrder[pkt.SeqNum] = pkt
		s.ackPending = true
		s.ackDeadline = now
		s.nacksPending = s.missingSeqsLocked()
	}

	if pkt.Flags&FlagClose != 0 {
		s.state = StateClosing
	}
	return nil
}

func (s *Stream) drainOutOfOrderLocked() {
	for {
		next, ok := s.outOfOrder[s.lastRecv+1]
		if !ok {
			return
		}
		if len(next.Payload) > 0 {
			s.recvBuf = append(s.recvBuf, next.Payload...)
		}
		delete(s.outOfOrder, s.lastRecv+1)
		s.lastRecv++
	}
}

func (s *Stream) missingSeqsLocked() []uint32 {
	var missing []uint32
	top := s.lastRecv
	for seq := range s.outOfOrder {
		if seq > top {
			top = seq
		}
	}
	for seq := s.lastRecv + 1; seq < top; seq++ {
		if _, ok := s.outOfOrder[seq]; !ok {
			missing = append(missing, seq)
			if len(missing) >= 256 {
				break
			}
		}
	}
	return missing
}

// Read drains and returns any data delivered to the application so far.
func (s *Stream) Read() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.recvBuf
	s.recvBuf = nil
	return out
}

// PendingAck reports whether an ack is due and, if so, builds it,
// clearing the pending flag. Callers poll this on a short tick to
// implement the delayed-ack behavior of spec.md section 4.8 receive
// path step 5.
func (s *Stream) PendingAck(now time.Time) (Packet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ackPending || now.Before(s.ackDeadline) {
		return Packet{}, false
	}
	s.ackPending = false
	ack := Packet{
		SendStreamID: s.sendStreamID,
		RecvStreamID: s.recvStreamID,
		AckThrough:   s.lastRecvOrZeroLocked(),
		NACKs:        s.nacksPending,
	}
	s.nacksPending = nil
	return ack, true
}

// State returns the stream's current lifecycle stage.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
