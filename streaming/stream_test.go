package streaming

import (
	"testing"
	"time"
)

type fakeSender struct {
	sent            []Packet
	switchedTunnel  int
	switchedLease   int
}

func (f *fakeSender) SendPacket(pkt Packet) error {
	f.sent = append(f.sent, pkt)
	return nil
}
func (f *fakeSender) UseNextOutboundTunnel() error { f.switchedTunnel++; return nil }
func (f *fakeSender) UseNextRemoteLease() error    { f.switchedLease++; return nil }

type fakeIdentity struct{}

func (fakeIdentity) IdentityBytes() []byte   { return []byte("fake-identity") }
func (fakeIdentity) Sign(data []byte) []byte { return []byte("fake-signature") }

func TestStreamOpenCarriesSYNFromSignatureAndMaxPacketSize(t *testing.T) {
	sender := &fakeSender{}
	s := NewStream(sender, fakeIdentity{}, nil)
	if err := s.Open(99, []byte("hello")); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 packet sent, got %d", len(sender.sent))
	}
	pkt := sender.sent[0]
	want := FlagSynchronize | FlagFromIncluded | FlagMaxPacketSizeIncluded | FlagSignatureIncluded
	if pkt.Flags != want {
		t.Fatalf("flags = %#x, want %#x", pkt.Flags, want)
	}
	if pkt.SeqNum != 0 {
		t.Fatalf("SYN seq = %d, want 0", pkt.SeqNum)
	}
}

func TestStreamHandleAckRemovesInFlightAndGrowsWindow(t *testing.T) {
	sender := &fakeSender{}
	s := NewStream(sender, fakeIdentity{}, nil)
	now := time.Now()
	s.state = StateOpen
	s.sendStreamID = 5
	s.Write([]byte("data"), now)
	if len(s.inFlight) != 1 {
		t.Fatalf("expected 1 in-flight packet")
	}

	s.HandleAck(0, nil, now.Add(50*time.Millisecond))
	if len(s.inFlight) != 0 {
		t.Fatalf("expected the acked packet removed from flight")
	}
	if s.window != MinWindowSize+1 {
		t.Fatalf("window = %d, want %d after first ack", s.window, MinWindowSize+1)
	}
}

func TestStreamDuplicatePacketAcksImmediatelyWithoutReDelivering(t *testing.T) {
	sender := &fakeSender{}
	s := NewStream(sender, fakeIdentity{}, nil)
	now := time.Now()

	if err := s.HandlePacket(Packet{SeqNum: 0, Flags: FlagSynchronize, Payload: []byte("a")}, now); err != nil {
		t.Fatalf("HandlePacket: %v", err)
	}
	if err := s.HandlePacket(Packet{SeqNum: 0, Flags: FlagSynchronize, Payload: []byte("a")}, now); err != nil {
		t.Fatalf("HandlePacket duplicate: %v", err)
	}

	data := s.Read()
	if string(data) != "a" {
		t.Fatalf("expected only one copy of the payload delivered, got %q", data)
	}

	ack, ok := s.PendingAck(now)
	if !ok {
		t.Fatalf("expected an immediate ack pending after a duplicate")
	}
	if ack.AckThrough != 0 {
		t.Fatalf("ack_through = %d, want 0", ack.AckThrough)
	}
}

func TestStreamGapBuffersOutOfOrderAndListsNACKs(t *testing.T) {
	sender := &fakeSender{}
	s := NewStream(sender, fakeIdentity{}, nil)
	now := time.Now()

	s.HandlePacket(Packet{SeqNum: 0, Flags: FlagSynchronize}, now)
	s.HandlePacket(Packet{SeqNum: 3, Payload: []byte("late")}, now)

	ack, ok := s.PendingAck(now)
	if !ok {
		t.Fatalf("expected an ack scheduled for the gap")
	}
	if len(ack.NACKs) != 2 {
		t.Fatalf("expected 2 missing seqs nacked, got %v", ack.NACKs)
	}

	s.HandlePacket(Packet{SeqNum: 1, Payload: []byte("b")}, now)
	s.HandlePacket(Packet{SeqNum: 2, Payload: []byte("c")}, now)
	got := s.Read()
	if string(got) != "bclate" {
		t.Fatalf("expected in-order drain of buffered out-of-order packets, got %q", got)
	}
}

func TestStreamResendEscalatesThroughCongestionActions(t *testing.T) {
	sender := &fakeSender{}
	s := NewStream(sender, fakeIdentity{}, nil)
	now := time.Now()
	s.state = StateOpen
	s.window = MaxWindowSize
	s.Write([]byte("payload"), now)

	// Round 1: halves the window.
	now = now.Add(s.rto + time.Millisecond)
	if err := s.CheckResend(now); err != nil {
		t.Fatalf("CheckResend round 1: %v", err)
	}
	if s.window != MaxWindowSize/2 {
		t.Fatalf("window after round 1 = %d, want %d", s.window, MaxWindowSize/2)
	}

	// Round 2: resets RTO.
	now = now.Add(s.rto + time.Millisecond)
	if err := s.CheckResend(now); err != nil {
		t.Fatalf("CheckResend round 2: %v", err)
	}
	if s.rto != InitialRTOMillis*time.Millisecond {
		// CheckResend doubles rto unconditionally, then round 2's
		// congestion action resets it back to the initial value.
		t.Fatalf("rto after round 2 = %v, want %v", s.rto, InitialRTOMillis*time.Millisecond)
	}

	// Round 3: switches outbound tunnel.
	now = now.Add(s.rto + time.Millisecond)
	if err := s.CheckResend(now); err != nil {
		t.Fatalf("CheckResend round 3: %v", err)
	}
	if sender.switchedTunnel != 1 {
		t.Fatalf("expected one tunnel switch by round 3, got %d", sender.switchedTunnel)
	}

	// Round 4: switches remote lease.
	now = now.Add(s.rto + time.Millisecond)
	if err := s.CheckResend(now); err != nil {
		t.Fatalf("CheckResend round 4: %v", err)
	}
	if sender.switchedLease != 1 {
		t.Fatalf("expected one lease switch by round 4, got %d", sender.switchedLease)
	}
}

func TestStreamResendExhaustionResetsStream(t *testing.T) {
	sender := &fakeSender{}
	s := NewStream(sender, fakeIdentity{}, nil)
	now := time.Now()
	s.state = StateOpen
	s.Write([]byte("payload"), now)

	for i := 0; i < MaxNumResendAttempts+1; i++ {
		now = now.Add(s.rto + time.Millisecond)
		if err := s.CheckResend(now); err != nil {
			t.Fatalf("CheckResend round %d: %v", i, err)
		}
	}
	if s.State() != StateReset {
		t.Fatalf("state = %v, want Reset after exhausting resend attempts", s.State())
	}
}

func TestStreamCloseEmitsFINAfterFlushing(t *testing.T) {
	sender := &fakeSender{}
	s := NewStream(sender, fakeIdentity{}, nil)
	now := time.Now()
	s.state = StateOpen
	s.sendStreamID = 3

	if err := s.Close(now); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("state = %v, want Closed", s.State())
	}
	last := sender.sent[len(sender.sent)-1]
	if last.Flags&FlagClose == 0 || last.Flags&FlagSignatureIncluded == 0 {
		t.Fatalf("FIN packet flags = %#x, want CLOSE|SIGNATURE", last.Flags)
	}
}
