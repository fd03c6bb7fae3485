package tunnel

import (
	"testing"

	"i2p-router/netdb"
)

func TestProfileIsBadRequiresMinimumFailures(t *testing.T) {
	p := Profile{Declines: 2}
	if p.IsBad() {
		t.Fatalf("2 declines with 0 successes should not yet be bad (below minimum failure count)")
	}
	p.Timeouts = 1
	if !p.IsBad() {
		t.Fatalf("3 failures with 0 successes should be bad")
	}
}

func TestProfilesRecordAndIsBad(t *testing.T) {
	profiles := NewProfiles()
	hop := netdb.Hash{1}

	if profiles.IsBad(hop) {
		t.Fatalf("unknown hop should never be bad")
	}
	for i := 0; i < 4; i++ {
		profiles.RecordDecline(hop)
	}
	if !profiles.IsBad(hop) {
		t.Fatalf("4 declines with no successes should be bad")
	}
	for i := 0; i < 10; i++ {
		profiles.RecordSuccess(hop)
	}
	if profiles.IsBad(hop) {
		t.Fatalf("10 subsequent successes should clear bad status")
	}
}
