package garlic

import (
	"bytes"
	"testing"
)

func TestECIESSessionHandshakeAndMessageRoundTrip(t *testing.T) {
	alice, err := generateKeyPair()
	if err != nil {
		t.Fatalf("generateKeyPair alice: %v", err)
	}
	bob, err := generateKeyPair()
	if err != nil {
		t.Fatalf("generateKeyPair bob: %v", err)
	}

	initiator := NewOutboundSession(alice, bob.pub)
	ns, err := initiator.BuildNS([]byte("hello bob"))
	if err != nil {
		t.Fatalf("BuildNS: %v", err)
	}

	responder := NewInboundSession(bob)
	nsPayload, err := responder.ParseNS(ns)
	if err != nil {
		t.Fatalf("ParseNS: %v", err)
	}
	if !bytes.Equal(nsPayload, []byte("hello bob")) {
		t.Fatalf("NS payload mismatch: %q", nsPayload)
	}

	nsr, err := responder.BuildNSR([]byte("hi alice"))
	if err != nil {
		t.Fatalf("BuildNSR: %v", err)
	}
	if responder.State() != StateEstablished {
		t.Fatalf("responder state = %v, want Established", responder.State())
	}

	nsrPayload, err := initiator.ParseNSR(nsr)
	if err != nil {
		t.Fatalf("ParseNSR: %v", err)
	}
	if !bytes.Equal(nsrPayload, []byte("hi alice")) {
		t.Fatalf("NSR payload mismatch: %q", nsrPayload)
	}
	if initiator.State() != StateEstablished {
		t.Fatalf("initiator state = %v, want Established", initiator.State())
	}

	for i := 0; i < 5; i++ {
		msg, err := initiator.EncryptMessage([]byte("established message"))
		if err != nil {
			t.Fatalf("EncryptMessage %d: %v", i, err)
		}
		plain, err := responder.DecryptMessage(msg)
		if err != nil {
			t.Fatalf("DecryptMessage %d: %v", i, err)
		}
		if !bytes.Equal(plain, []byte("established message")) {
			t.Fatalf("round trip %d mismatch: %q", i, plain)
		}
	}
}

func TestECIESSessionOutOfOrderEstablishedMessages(t *testing.T) {
	alice, _ := generateKeyPair()
	bob, _ := generateKeyPair()

	initiator := NewOutboundSession(alice, bob.pub)
	ns, _ := initiator.BuildNS(nil)
	responder := NewInboundSession(bob)
	if _, err := responder.ParseNS(ns); err != nil {
		t.Fatalf("ParseNS: %v", err)
	}
	nsr, err := responder.BuildNSR(nil)
	if err != nil {
		t.Fatalf("BuildNSR: %v", err)
	}
	if _, err := initiator.ParseNSR(nsr); err != nil {
		t.Fatalf("ParseNSR: %v", err)
	}

	var msgs [][]byte
	for i := 0; i < 3; i++ {
		msg, err := initiator.EncryptMessage([]byte{byte(i)})
		if err != nil {
			t.Fatalf("EncryptMessage %d: %v", i, err)
		}
		msgs = append(msgs, msg)
	}

	// Deliver out of order: 2, 0, 1.
	order := []int{2, 0, 1}
	for _, idx := range order {
		plain, err := responder.DecryptMessage(msgs[idx])
		if err != nil {
			t.Fatalf("DecryptMessage out-of-order idx %d: %v", idx, err)
		}
		if plain[0] != byte(idx) {
			t.Fatalf("got %d, want %d", plain[0], idx)
		}
	}
}

func TestECIESSessionNextKeyRatchetsReceiveTagset(t *testing.T) {
	alice, _ := generateKeyPair()
	bob, _ := generateKeyPair()

	initiator := NewOutboundSession(alice, bob.pub)
	ns, _ := initiator.BuildNS(nil)
	responder := NewInboundSession(bob)
	responder.ParseNS(ns)
	nsr, _ := responder.BuildNSR(nil)
	initiator.ParseNSR(nsr)

	before, err := initiator.EncryptMessage([]byte("before ratchet"))
	if err != nil {
		t.Fatalf("EncryptMessage: %v", err)
	}

	newEph, err := generateKeyPair()
	if err != nil {
		t.Fatalf("generateKeyPair: %v", err)
	}
	if err := responder.HandleNextKey(NextKeyBlock{Flags: NextKeyPresent, KeyID: 1, PubKey: newEph.pub}); err != nil {
		t.Fatalf("HandleNextKey: %v", err)
	}

	// The message encrypted before the ratchet step must still decrypt
	// against the retained previous tagset (spec.md section 4.6's grace
	// period for reordering).
	plain, err := responder.DecryptMessage(before)
	if err != nil {
		t.Fatalf("DecryptMessage against retained previous tagset: %v", err)
	}
	if string(plain) != "before ratchet" {
		t.Fatalf("got %q", plain)
	}
}

func TestECIESSessionRouterIncoming(t *testing.T) {
	router, err := generateKeyPair()
	if err != nil {
		t.Fatalf("generateKeyPair: %v", err)
	}

	sender := &ECIESSession{role: RoleInitiator, state: StateNew}
	sender.localEph, err = generateKeyPair()
	if err != nil {
		t.Fatalf("generateKeyPair: %v", err)
	}
	sender.remoteStatic = router.pub
	sender.ss = newSymmetricState(protocolNameN)
	sender.ss.mixHash(router.pub[:])
	sender.ss.mixHash(sender.localEph.pub[:])
	es, err := dh(sender.localEph.priv, router.pub)
	if err != nil {
		t.Fatalf("dh: %v", err)
	}
	if err := sender.ss.mixKey(es[:]); err != nil {
		t.Fatalf("mixKey: %v", err)
	}
	ciphertext, err := sender.ss.encryptAndHash([]byte("tunnel build reply"))
	if err != nil {
		t.Fatalf("encryptAndHash: %v", err)
	}
	msg := append(append([]byte{}, sender.localEph.pub[:]...), ciphertext...)

	dest := NewGarlicDestination(router.pub, router.priv, nil, nil)
	payload, err := dest.HandleRouterIncoming(msg)
	if err != nil {
		t.Fatalf("HandleRouterIncoming: %v", err)
	}
	if string(payload) != "tunnel build reply" {
		t.Fatalf("got %q", payload)
	}
}
