package garlic

import (
	"crypto/rand"
	"testing"
)

func randKey32(t *testing.T) [32]byte {
	t.Helper()
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return b
}

func TestRatchetTagSetSymmKeysMatchSenderReceiver(t *testing.T) {
	root := randKey32(t)
	k := randKey32(t)

	send := &RatchetTagSet{}
	send.DHInitialize(root, k)
	send.NextSessionTagRatchet()

	recv := &RatchetTagSet{}
	recv.DHInitialize(root, k)
	recv.NextSessionTagRatchet()

	for i := 0; i < 5; i++ {
		sk, err := send.GetSymmKey(i)
		if err != nil {
			t.Fatalf("send.GetSymmKey(%d): %v", i, err)
		}
		rk, err := recv.GetSymmKey(i)
		if err != nil {
			t.Fatalf("recv.GetSymmKey(%d): %v", i, err)
		}
		if sk != rk {
			t.Fatalf("symm key mismatch at index %d", i)
		}
	}
}

func TestRatchetTagSetOutOfOrderSymmKeyLookup(t *testing.T) {
	root := randKey32(t)
	k := randKey32(t)
	ts := &RatchetTagSet{}
	ts.DHInitialize(root, k)
	ts.NextSessionTagRatchet()

	key5, err := ts.GetSymmKey(5)
	if err != nil {
		t.Fatalf("GetSymmKey(5): %v", err)
	}

	ts2 := &RatchetTagSet{}
	ts2.DHInitialize(root, k)
	ts2.NextSessionTagRatchet()
	for i := 0; i <= 5; i++ {
		key, err := ts2.GetSymmKey(i)
		if err != nil {
			t.Fatalf("GetSymmKey(%d): %v", i, err)
		}
		if i == 5 && key != key5 {
			t.Fatalf("out-of-order key at index 5 does not match forward-derived key")
		}
	}
}

func TestRatchetTagSetSymmKeyConsumedExactlyOnce(t *testing.T) {
	root := randKey32(t)
	k := randKey32(t)
	ts := &RatchetTagSet{}
	ts.DHInitialize(root, k)
	ts.NextSessionTagRatchet()

	if _, err := ts.GetSymmKey(3); err != nil {
		t.Fatalf("GetSymmKey(3): %v", err)
	}
	if _, err := ts.GetSymmKey(1); err != nil {
		t.Fatalf("GetSymmKey(1): %v", err)
	}
	if _, err := ts.GetSymmKey(1); err == nil {
		t.Fatalf("expected an error reusing an already-consumed intermediate key")
	}
}

func TestRatchetTagSetNextSessionTagsDiffer(t *testing.T) {
	root := randKey32(t)
	k := randKey32(t)
	ts := &RatchetTagSet{}
	ts.DHInitialize(root, k)
	ts.NextSessionTagRatchet()

	seen := make(map[uint64]bool)
	for i := 0; i < 20; i++ {
		tag, err := ts.GetNextSessionTag()
		if err != nil {
			t.Fatalf("GetNextSessionTag: %v", err)
		}
		if seen[tag] {
			t.Fatalf("duplicate session tag generated at iteration %d", i)
		}
		seen[tag] = true
	}
}
