package tunnel

import (
	"bytes"
	"testing"
	"time"

	"i2p-router/netdb"
)

// TestGatewaySerializeSingleFragmentRoundTrip exercises the common case:
// one small message fits in a single fragment record.
func TestGatewaySerializeSingleFragmentRoundTrip(t *testing.T) {
	payload := []byte("hello i2np message")
	blocks := []TunnelMessageBlock{{Delivery: DeliveryLocal, Payload: payload}}
	sections := GatewaySerialize(blocks)
	if len(sections) != 1 {
		t.Fatalf("expected 1 section, got %d", len(sections))
	}

	r := NewReassembler()
	var got []byte
	err := r.ParseFragmentSection(sections[0], time.Now(), func(d DeliveryType, to netdb.Hash, tid uint32, data []byte) {
		got = data
	})
	if err != nil {
		t.Fatalf("ParseFragmentSection: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q want %q", got, payload)
	}
}

// TestGatewaySerializeFragmentsAcrossSections exercises a message larger
// than one fragment section.
func TestGatewaySerializeFragmentsAcrossSections(t *testing.T) {
	payload := bytes.Repeat([]byte{0x42}, fragmentSectionSize*2)
	blocks := []TunnelMessageBlock{{Delivery: DeliveryRouter, ToHash: netdb.Hash{1, 2, 3}, Payload: payload}}
	sections := GatewaySerialize(blocks)
	if len(sections) < 2 {
		t.Fatalf("expected message to span multiple sections, got %d", len(sections))
	}

	r := NewReassembler()
	var got []byte
	var delivered int
	for _, s := range sections {
		err := r.ParseFragmentSection(s, time.Now(), func(d DeliveryType, to netdb.Hash, tid uint32, data []byte) {
			delivered++
			got = data
		})
		if err != nil {
			t.Fatalf("ParseFragmentSection: %v", err)
		}
	}
	if delivered != 1 {
		t.Fatalf("expected exactly one delivery, got %d", delivered)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("reassembled payload mismatch, lengths got=%d want=%d", len(got), len(payload))
	}
}

// TestFragmentReassemblyOutOfOrder matches spec.md section 8 scenario
// (B): fragments delivered out of order in one section still reassemble
// to the original concatenation, exactly once.
func TestFragmentReassemblyOutOfOrder(t *testing.T) {
	msg := []byte("ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789")
	quarter := len(msg) / 4
	frag0 := msg[:quarter]
	frag1 := msg[quarter : 2*quarter]
	frag2 := msg[2*quarter : 3*quarter]
	frag3 := msg[3*quarter:]

	blk := TunnelMessageBlock{Delivery: DeliveryLocal}
	msgID := uint32(99)

	first := encodeFirstFragmentRecord(blk, msgID, frag0, true)
	f2 := encodeFollowOnFragmentRecord(msgID, 2, frag2, false)
	f1 := encodeFollowOnFragmentRecord(msgID, 1, frag1, false)
	f3 := encodeFollowOnFragmentRecord(msgID, 3, frag3, true)

	section := make([]byte, fragmentSectionSize)
	copy(section, append(append(append(append([]byte{}, first...), f2...), f1...), f3...))

	r := NewReassembler()
	var delivered int
	var got []byte
	deliver := func(d DeliveryType, to netdb.Hash, tid uint32, data []byte) {
		delivered++
		got = data
	}
	if err := r.ParseFragmentSection(section, time.Now(), deliver); err != nil {
		t.Fatalf("ParseFragmentSection: %v", err)
	}
	if delivered != 1 {
		t.Fatalf("expected exactly one delivery, got %d", delivered)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("got %q want %q", got, msg)
	}
}

func TestReassemblerSweepsExpiredPartials(t *testing.T) {
	r := NewReassembler()
	blk := TunnelMessageBlock{Delivery: DeliveryLocal}
	first := encodeFirstFragmentRecord(blk, 7, []byte("partial"), true)
	section := make([]byte, fragmentSectionSize)
	copy(section, first)

	start := time.Now()
	if err := r.ParseFragmentSection(section, start, func(DeliveryType, netdb.Hash, uint32, []byte) {
		t.Fatalf("should not deliver an incomplete message")
	}); err != nil {
		t.Fatalf("ParseFragmentSection: %v", err)
	}

	if removed := r.SweepExpired(start.Add(FragmentExpiration - time.Second)); removed != 0 {
		t.Fatalf("swept too early: %d", removed)
	}
	if removed := r.SweepExpired(start.Add(FragmentExpiration + time.Second)); removed != 1 {
		t.Fatalf("expected 1 swept partial, got %d", removed)
	}
}

func TestBuildTunnelDataPayloadChecksum(t *testing.T) {
	var iv [16]byte
	copy(iv[:], []byte("0123456789abcdef"))
	section := bytes.Repeat([]byte{0x07}, fragmentSectionSize)

	payload := BuildTunnelDataPayload(iv, section)
	if len(payload) != tunnelPayloadSize {
		t.Fatalf("payload size = %d, want %d", len(payload), tunnelPayloadSize)
	}
	gotSection, err := ParseTunnelDataPayload(iv, payload)
	if err != nil {
		t.Fatalf("ParseTunnelDataPayload: %v", err)
	}
	if !bytes.Equal(gotSection, section) {
		t.Fatalf("section mismatch")
	}

	payload[0] ^= 0xFF
	if _, err := ParseTunnelDataPayload(iv, payload); err == nil {
		t.Fatalf("expected checksum mismatch error")
	}
}

func TestEncodeDecodeWireMessageRoundTrip(t *testing.T) {
	var iv [16]byte
	copy(iv[:], bytes.Repeat([]byte{0x09}, 16))
	payload := bytes.Repeat([]byte{0x11}, tunnelPayloadSize)

	frame, err := EncodeWireMessage(0xDEADBEEF, iv, payload)
	if err != nil {
		t.Fatalf("EncodeWireMessage: %v", err)
	}
	if len(frame) != 4+TunnelMessageWireSize {
		t.Fatalf("frame size = %d", len(frame))
	}
	tid, gotIV, gotPayload, err := DecodeWireMessage(frame)
	if err != nil {
		t.Fatalf("DecodeWireMessage: %v", err)
	}
	if tid != 0xDEADBEEF || gotIV != iv || !bytes.Equal(gotPayload, payload) {
		t.Fatalf("round trip mismatch")
	}
}
