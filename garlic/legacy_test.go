package garlic

import (
	"bytes"
	"testing"
)

// fakeElGamalEngine is a trivial stand-in ElGamal engine for tests: it
// "encrypts" by XOR-ing the cleartext against a key derived from the
// recipient's public key, which is reversible by the matching Decrypt
// call. This exercises LegacySession's framing without depending on a
// real ElGamal implementation (out of scope per spec.md section 1).
type fakeElGamalEngine struct{}

func (fakeElGamalEngine) Encrypt(recipientPublic []byte, cleartext [222]byte) ([514]byte, error) {
	var out [514]byte
	for i := range cleartext {
		out[i] = cleartext[i] ^ recipientPublic[i%len(recipientPublic)]
	}
	return out, nil
}

func (fakeElGamalEngine) Decrypt(block [514]byte) ([222]byte, error) {
	var out [222]byte
	key := fakeRecipientKey
	for i := range out {
		out[i] = block[i] ^ key[i%len(key)]
	}
	return out, nil
}

var fakeRecipientKey = []byte{1, 2, 3, 4, 5, 6, 7, 8}

func TestLegacySessionFirstMessageRoundTrip(t *testing.T) {
	engine := fakeElGamalEngine{}
	sender := NewLegacySession(engine)
	receiver := NewLegacySession(engine)

	msg, err := sender.BuildFirstMessage(fakeRecipientKey, 2, []byte("garlic payload"))
	if err != nil {
		t.Fatalf("BuildFirstMessage: %v", err)
	}

	payload, err := receiver.ParseFirstMessage(msg)
	if err != nil {
		t.Fatalf("ParseFirstMessage: %v", err)
	}
	if !bytes.Equal(payload, []byte("garlic payload")) {
		t.Fatalf("payload mismatch: %q", payload)
	}
	if len(receiver.recvTags) != 2 {
		t.Fatalf("receiver recvTags = %d, want 2", len(receiver.recvTags))
	}
}

func TestLegacySessionSubsequentMessageRoundTrip(t *testing.T) {
	engine := fakeElGamalEngine{}
	sender := NewLegacySession(engine)
	receiver := NewLegacySession(engine)

	first, err := sender.BuildFirstMessage(fakeRecipientKey, 3, []byte("init"))
	if err != nil {
		t.Fatalf("BuildFirstMessage: %v", err)
	}
	if _, err := receiver.ParseFirstMessage(first); err != nil {
		t.Fatalf("ParseFirstMessage: %v", err)
	}

	follow, err := sender.BuildSubsequentMessage(1, []byte("second message"))
	if err != nil {
		t.Fatalf("BuildSubsequentMessage: %v", err)
	}
	payload, err := receiver.ParseSubsequentMessage(follow)
	if err != nil {
		t.Fatalf("ParseSubsequentMessage: %v", err)
	}
	if !bytes.Equal(payload, []byte("second message")) {
		t.Fatalf("payload mismatch: %q", payload)
	}
}

func TestLegacySessionTagConsumedOnce(t *testing.T) {
	engine := fakeElGamalEngine{}
	sender := NewLegacySession(engine)
	receiver := NewLegacySession(engine)

	first, _ := sender.BuildFirstMessage(fakeRecipientKey, 1, []byte("init"))
	if _, err := receiver.ParseFirstMessage(first); err != nil {
		t.Fatalf("ParseFirstMessage: %v", err)
	}

	follow, err := sender.BuildSubsequentMessage(0, []byte("once"))
	if err != nil {
		t.Fatalf("BuildSubsequentMessage: %v", err)
	}
	if _, err := receiver.ParseSubsequentMessage(follow); err != nil {
		t.Fatalf("first ParseSubsequentMessage: %v", err)
	}
	if _, err := receiver.ParseSubsequentMessage(follow); err == nil {
		t.Fatalf("expected an error replaying an already-consumed session tag")
	}
}
