package garlic

import (
	"bytes"
	"testing"
	"time"
)

func TestGarlicDestinationFullSessionLifecycle(t *testing.T) {
	alicePair, err := generateKeyPair()
	if err != nil {
		t.Fatalf("generateKeyPair: %v", err)
	}
	bobPair, err := generateKeyPair()
	if err != nil {
		t.Fatalf("generateKeyPair: %v", err)
	}

	alice := NewGarlicDestination(alicePair.pub, alicePair.priv, nil, nil)
	bob := NewGarlicDestination(bobPair.pub, bobPair.priv, nil, nil)

	nsWire, aliceSess, err := alice.OpenSession(bobPair.pub, []byte("first clove"))
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}

	bobSess, nsPayload, err := bob.HandleNewSession(nsWire)
	if err != nil {
		t.Fatalf("HandleNewSession: %v", err)
	}
	if !bytes.Equal(nsPayload, []byte("first clove")) {
		t.Fatalf("ns payload mismatch: %q", nsPayload)
	}

	nsrWire, err := bobSess.BuildNSR([]byte("reply clove"))
	if err != nil {
		t.Fatalf("BuildNSR: %v", err)
	}
	if err := bob.CompleteInboundHandshake(bobSess); err != nil {
		t.Fatalf("CompleteInboundHandshake: %v", err)
	}

	nsrPayload, err := aliceSess.ParseNSR(nsrWire)
	if err != nil {
		t.Fatalf("ParseNSR: %v", err)
	}
	if !bytes.Equal(nsrPayload, []byte("reply clove")) {
		t.Fatalf("nsr payload mismatch: %q", nsrPayload)
	}
	if err := alice.RegisterOutgoingSession(aliceSess); err != nil {
		t.Fatalf("RegisterOutgoingSession: %v", err)
	}

	// Alice sends an established-session message; Bob recognizes it via
	// the destination-wide tag fast path, not a fresh handshake parse.
	wire, _, err := alice.OpenSession(bobPair.pub, []byte("established payload"))
	if err != nil {
		t.Fatalf("OpenSession (established): %v", err)
	}
	payload, sess, err := bob.HandleMessage(wire)
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if sess != bobSess {
		t.Fatalf("expected the fast path to resolve to bob's existing session")
	}
	if !bytes.Equal(payload, []byte("established payload")) {
		t.Fatalf("established payload mismatch: %q", payload)
	}
}

func TestGarlicDestinationDeliveryStatusConfirm(t *testing.T) {
	pair, _ := generateKeyPair()
	dest := NewGarlicDestination(pair.pub, pair.priv, nil, nil)

	done := dest.TrackDeliveryStatus(42)
	select {
	case <-done:
		t.Fatalf("delivery status channel closed before confirmation")
	default:
	}

	dest.ConfirmDelivery(42)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("delivery status channel not closed after confirmation")
	}
}

func TestGarlicDestinationCleanupRetiresIdleSessions(t *testing.T) {
	alicePair, _ := generateKeyPair()
	bobPair, _ := generateKeyPair()
	dest := NewGarlicDestination(alicePair.pub, alicePair.priv, nil, nil)

	sess := NewOutboundSession(alicePair, bobPair.pub)
	if _, err := sess.BuildNS(nil); err != nil {
		t.Fatalf("BuildNS: %v", err)
	}
	sess.state = StateEstablished
	sess.lastActivity = time.Now().Add(-sessionIdleTimeout - time.Minute)
	dest.outgoing[bobPair.pub] = sess

	dest.Cleanup(time.Now())

	if _, ok := dest.outgoing[bobPair.pub]; ok {
		t.Fatalf("expected the idle session to be retired")
	}
}
