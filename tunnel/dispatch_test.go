package tunnel

import (
	"bytes"
	"testing"
	"time"

	"i2p-router/netdb"
)

// TestSendFromGatewayThroughParticipantsToEndpoint exercises the full
// data-path pipeline end to end: an owned outbound tunnel's gateway
// encrypts, two transit participants each peel one layer and forward,
// and the owning outbound endpoint (itself a transit role in this
// scenario, simulated as a final ParticipantDecrypt) recovers the
// original message.
func TestSendFromGatewayThroughParticipantsToEndpoint(t *testing.T) {
	hops := []Hop{
		{ReceiveTunnelID: 100, LayerKey: randBytes32(t), IVKey: randBytes32(t)},
		{ReceiveTunnelID: 200, LayerKey: randBytes32(t), IVKey: randBytes32(t)},
		{ReceiveTunnelID: 300, LayerKey: randBytes32(t), IVKey: randBytes32(t)},
	}
	tun := &Tunnel{TunnelIDUs: 1, Direction: Outbound, Hops: hops, State: StateEstablished, CreatedAt: time.Now()}

	msg := []byte("deliver this I2NP message end to end")
	blocks := []TunnelMessageBlock{{Delivery: DeliveryLocal, Payload: msg}}

	frames, err := SendFromGateway(tun, blocks)
	if err != nil {
		t.Fatalf("SendFromGateway: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}

	tid, iv, payload, err := DecodeWireMessage(frames[0])
	if err != nil {
		t.Fatalf("DecodeWireMessage: %v", err)
	}
	if tid != hops[0].ReceiveTunnelID {
		t.Fatalf("frame addressed to tunnel %d, want %d", tid, hops[0].ReceiveTunnelID)
	}

	// Hop 0 (participant) peels and forwards to hop 1's receive ID.
	tt0 := &TransitTunnel{LayerKey: hops[0].LayerKey, IVKey: hops[0].IVKey, NextTunnelID: hops[1].ReceiveTunnelID}
	frame0, err := EncodeWireMessage(tid, iv, payload)
	if err != nil {
		t.Fatalf("EncodeWireMessage: %v", err)
	}
	_, frame1, err := ForwardAsParticipant(tt0, frame0)
	if err != nil {
		t.Fatalf("ForwardAsParticipant hop0: %v", err)
	}

	tt1 := &TransitTunnel{LayerKey: hops[1].LayerKey, IVKey: hops[1].IVKey, NextTunnelID: hops[2].ReceiveTunnelID}
	_, frame2, err := ForwardAsParticipant(tt1, frame1)
	if err != nil {
		t.Fatalf("ForwardAsParticipant hop1: %v", err)
	}

	// Hop 2 is the outbound endpoint: one more peel recovers plaintext.
	_, finalIV, finalPayload, err := DecodeWireMessage(frame2)
	if err != nil {
		t.Fatalf("DecodeWireMessage final: %v", err)
	}
	origIV, plainSection, err := ParticipantDecrypt(hops[2].LayerKey, hops[2].IVKey, finalIV, finalPayload)
	if err != nil {
		t.Fatalf("final ParticipantDecrypt: %v", err)
	}

	section, err := ParseTunnelDataPayload(origIV, plainSection)
	if err != nil {
		t.Fatalf("ParseTunnelDataPayload: %v", err)
	}

	r := NewReassembler()
	var got []byte
	if err := r.ParseFragmentSection(section, time.Now(), func(d DeliveryType, to netdb.Hash, tid uint32, data []byte) {
		got = data
	}); err != nil {
		t.Fatalf("ParseFragmentSection: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("got %q want %q", got, msg)
	}
}

func TestSendFromGatewayZeroHopBypassesEncryption(t *testing.T) {
	tun := &Tunnel{TunnelIDUs: 42, Direction: Outbound, State: StateEstablished, CreatedAt: time.Now()}
	msg := []byte("zero hop message")
	frames, err := SendFromGateway(tun, []TunnelMessageBlock{{Delivery: DeliveryLocal, Payload: msg}})
	if err != nil {
		t.Fatalf("SendFromGateway: %v", err)
	}
	tid, iv, payload, err := DecodeWireMessage(frames[0])
	if err != nil {
		t.Fatalf("DecodeWireMessage: %v", err)
	}
	if tid != 42 {
		t.Fatalf("zero-hop frame should carry the tunnel's own ID, got %d", tid)
	}
	section, err := ParseTunnelDataPayload(iv, payload)
	if err != nil {
		t.Fatalf("ParseTunnelDataPayload: %v", err)
	}
	r := NewReassembler()
	var got []byte
	if err := r.ParseFragmentSection(section, time.Now(), func(d DeliveryType, to netdb.Hash, tunID uint32, data []byte) {
		got = data
	}); err != nil {
		t.Fatalf("ParseFragmentSection: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("got %q want %q", got, msg)
	}
}
