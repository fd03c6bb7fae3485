package i2np

import (
	"testing"
	"time"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := New(TypeData, 42, time.Minute, []byte("hello garlic"))
	wire := msg.Encode()

	got, err := Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Type != msg.Type || got.MsgID != msg.MsgID || string(got.Payload) != string(msg.Payload) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, msg)
	}
}

func TestDecodeChecksumMismatch(t *testing.T) {
	msg := New(TypeData, 1, time.Minute, []byte("payload"))
	wire := msg.Encode()
	wire[len(wire)-1] ^= 0xFF // corrupt trailing checksum byte

	if _, err := Decode(wire); err != ErrChecksum {
		t.Fatalf("expected ErrChecksum, got %v", err)
	}
}

func TestDecodeTruncated(t *testing.T) {
	if _, err := Decode([]byte{1, 2, 3}); err != ErrTruncated {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestDecodePayloadOverflow(t *testing.T) {
	buf := make([]byte, HeaderLen+TrailerLen)
	buf[13] = 0xFF // payload_len claims 65535 bytes we don't have
	buf[14] = 0xFF
	if _, err := Decode(buf); err != ErrPayloadOverflow {
		t.Fatalf("expected ErrPayloadOverflow, got %v", err)
	}
}

func TestValidateExpirationWindow(t *testing.T) {
	now := time.Now()
	skew := 60 * time.Second

	fresh := New(TypeData, 1, time.Second, nil)
	if err := Validate(fresh, now, skew); err != nil {
		t.Fatalf("fresh message should validate: %v", err)
	}

	stale := Message{ExpirationMS: uint64(now.Add(-2 * skew).UnixMilli())}
	if err := Validate(stale, now, skew); err != ErrExpired {
		t.Fatalf("expected ErrExpired for stale message, got %v", err)
	}

	tooFuture := Message{ExpirationMS: uint64(now.Add(4 * skew).UnixMilli())}
	if err := Validate(tooFuture, now, skew); err != ErrExpired {
		t.Fatalf("expected ErrExpired for far-future message, got %v", err)
	}
}

func TestDispatcherRoutesByType(t *testing.T) {
	d := NewDispatcher()
	var gotGarlic, gotFallback bool
	d.Register(TypeGarlic, func(msg Message) error {
		gotGarlic = true
		return nil
	})
	d.SetFallback(func(msg Message) error {
		gotFallback = true
		return nil
	})

	if err := d.Dispatch(Message{Type: TypeGarlic}); err != nil {
		t.Fatalf("dispatch garlic: %v", err)
	}
	if !gotGarlic {
		t.Fatal("expected garlic handler to run")
	}

	if err := d.Dispatch(Message{Type: TypeTunnelTest}); err != nil {
		t.Fatalf("dispatch fallback: %v", err)
	}
	if !gotFallback {
		t.Fatal("expected fallback handler to run")
	}
}

func TestBufferPoolRetainRelease(t *testing.T) {
	p := NewPool(1024, 4)
	b := p.GetWith([]byte("payload"))
	if string(b.Bytes()) != "payload" {
		t.Fatalf("unexpected contents: %q", b.Bytes())
	}
	if len(b.HeadroomBytes()) < Headroom {
		t.Fatalf("expected at least %d bytes of headroom, got %d", Headroom, len(b.HeadroomBytes()))
	}

	clone := b.Retain()
	b.Release()
	if string(clone.Bytes()) != "payload" {
		t.Fatalf("clone lost data after original release: %q", clone.Bytes())
	}
	clone.Release()
}

func TestBufferPrependInPlace(t *testing.T) {
	p := NewPool(1024, 1)
	b := p.GetWith([]byte("inner"))
	hdr := []byte{0, 0, 0, 1, 0, 5} // tunnel_id(4) + length(2)
	if !b.PrependInPlace(hdr) {
		t.Fatal("expected room for header")
	}
	got := b.Bytes()
	if len(got) != len(hdr)+len("inner") {
		t.Fatalf("unexpected length %d", len(got))
	}
	for i, v := range hdr {
		if got[i] != v {
			t.Fatalf("header byte %d mismatch", i)
		}
	}
}
