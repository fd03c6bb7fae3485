package streaming

import (
	"bytes"
	"testing"
)

func TestPacketEncodeDecodeRoundTrip(t *testing.T) {
	p := Packet{
		SendStreamID: 1,
		RecvStreamID: 2,
		SeqNum:       5,
		AckThrough:   4,
		NACKs:        []uint32{2, 3},
		ResendDelay:  0,
		Flags:        FlagSynchronize,
		Options:      []byte{9, 9},
		Payload:      []byte("hello"),
	}
	raw := p.Encode()
	got, err := DecodePacket(raw)
	if err != nil {
		t.Fatalf("DecodePacket: %v", err)
	}
	if got.SendStreamID != p.SendStreamID || got.RecvStreamID != p.RecvStreamID ||
		got.SeqNum != p.SeqNum || got.AckThrough != p.AckThrough || got.Flags != p.Flags {
		t.Fatalf("header mismatch: %+v", got)
	}
	if len(got.NACKs) != 2 || got.NACKs[0] != 2 || got.NACKs[1] != 3 {
		t.Fatalf("nacks mismatch: %+v", got.NACKs)
	}
	if !bytes.Equal(got.Options, p.Options) {
		t.Fatalf("options mismatch: %v", got.Options)
	}
	if !bytes.Equal(got.Payload, p.Payload) {
		t.Fatalf("payload mismatch: %q", got.Payload)
	}
}

func TestDecodePacketRejectsTruncatedHeader(t *testing.T) {
	if _, err := DecodePacket([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected an error decoding a too-short packet")
	}
}

func TestParseEncodeOptionsRoundTrip(t *testing.T) {
	flags := FlagFromIncluded | FlagMaxPacketSizeIncluded | FlagDelayRequested
	opts := Options{From: bytes.Repeat([]byte{7}, 32), MaxPacketSize: 1730, RequestedDelay: 500}

	raw := EncodeOptions(flags, opts)
	got, err := ParseOptions(flags, raw)
	if err != nil {
		t.Fatalf("ParseOptions: %v", err)
	}
	if !bytes.Equal(got.From, opts.From) {
		t.Fatalf("From mismatch")
	}
	if got.MaxPacketSize != opts.MaxPacketSize {
		t.Fatalf("MaxPacketSize mismatch: %d", got.MaxPacketSize)
	}
	if got.RequestedDelay != opts.RequestedDelay {
		t.Fatalf("RequestedDelay mismatch: %d", got.RequestedDelay)
	}
}
