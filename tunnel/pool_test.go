package tunnel

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"i2p-router/netdb"
)

type fakeBuilder struct {
	mu  sync.Mutex
	n   int
	err error
}

func (b *fakeBuilder) BuildTunnel(dir Direction, hopCount int) (*Tunnel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	b.n++
	return &Tunnel{
		TunnelIDUs: uint32(b.n),
		Direction:  dir,
		State:      StateEstablished,
		CreatedAt:  time.Now(),
		Hops:       make([]Hop, hopCount),
	}, nil
}

type fixedTester struct{ rtt time.Duration }

func (f fixedTester) RunTest(out, in *Tunnel) (time.Duration, error) { return f.rtt, nil }

type failingTester struct{}

func (failingTester) RunTest(out, in *Tunnel) (time.Duration, error) {
	return 0, fmt.Errorf("test probe failed")
}

func TestPoolMaintainTopsUpBothDirections(t *testing.T) {
	builder := &fakeBuilder{}
	cfg := PoolConfig{InboundQuantity: 2, OutboundQuantity: 3, InboundLength: 2, OutboundLength: 2}
	p := NewPool(cfg, builder, nil, nil)

	p.maintain(time.Now())

	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.inbound) != 2 {
		t.Fatalf("inbound = %d, want 2", len(p.inbound))
	}
	if len(p.outbound) != 3 {
		t.Fatalf("outbound = %d, want 3", len(p.outbound))
	}
}

func TestPoolMaintainReapsExpiredAndReplaces(t *testing.T) {
	builder := &fakeBuilder{}
	cfg := PoolConfig{InboundQuantity: 1, OutboundQuantity: 0}
	p := NewPool(cfg, builder, nil, nil)

	expired := &Tunnel{TunnelIDUs: 99, State: StateEstablished, CreatedAt: time.Now().Add(-TunnelLifetime - time.Minute)}
	p.mu.Lock()
	p.inbound = []*Tunnel{expired}
	p.mu.Unlock()

	p.maintain(time.Now())

	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.inbound) != 1 {
		t.Fatalf("expected the expired tunnel reaped and replaced, inbound = %d", len(p.inbound))
	}
	if p.inbound[0].TunnelIDUs == 99 {
		t.Fatalf("expected a fresh tunnel, not the expired one")
	}
}

func TestPoolRunTestsEscalatesToFailedAfterRepeatedFailures(t *testing.T) {
	builder := &fakeBuilder{}
	p := NewPool(PoolConfig{}, builder, failingTester{}, nil)

	out := &Tunnel{TunnelIDUs: 1, State: StateEstablished, CreatedAt: time.Now()}
	in := &Tunnel{TunnelIDUs: 2, State: StateEstablished, CreatedAt: time.Now()}
	p.mu.Lock()
	p.outbound = []*Tunnel{out}
	p.inbound = []*Tunnel{in}
	p.mu.Unlock()

	for i := 0; i < maxConsecutiveTestFailures; i++ {
		p.runTests(time.Now())
	}

	if out.State != StateFailed {
		t.Fatalf("outbound tunnel state = %v, want StateFailed after %d consecutive failures", out.State, maxConsecutiveTestFailures)
	}
}

func TestPoolRunTestsRecordsRTTOnSuccess(t *testing.T) {
	builder := &fakeBuilder{}
	p := NewPool(PoolConfig{}, builder, fixedTester{rtt: 250 * time.Millisecond}, nil)

	out := &Tunnel{TunnelIDUs: 1, State: StateEstablished, CreatedAt: time.Now()}
	in := &Tunnel{TunnelIDUs: 2, State: StateEstablished, CreatedAt: time.Now()}
	p.mu.Lock()
	p.outbound = []*Tunnel{out}
	p.inbound = []*Tunnel{in}
	p.mu.Unlock()

	p.runTests(time.Now())

	if out.LatencyEWMA() != 250*time.Millisecond {
		t.Fatalf("outbound EWMA = %v, want 250ms", out.LatencyEWMA())
	}
}

func TestPoolNextOutboundTunnelRoundRobinsEstablished(t *testing.T) {
	p := NewPool(PoolConfig{}, &fakeBuilder{}, nil, nil)
	t1 := &Tunnel{TunnelIDUs: 1, State: StateEstablished}
	t2 := &Tunnel{TunnelIDUs: 2, State: StateTestFailed}
	t3 := &Tunnel{TunnelIDUs: 3, State: StateEstablished}
	p.outbound = []*Tunnel{t1, t2, t3}

	first, err := p.NextOutboundTunnel(nil)
	if err != nil {
		t.Fatalf("NextOutboundTunnel: %v", err)
	}
	if first.TunnelIDUs != 1 {
		t.Fatalf("first = %d, want 1", first.TunnelIDUs)
	}
	second, err := p.NextOutboundTunnel(nil)
	if err != nil {
		t.Fatalf("NextOutboundTunnel: %v", err)
	}
	if second.TunnelIDUs != 3 {
		t.Fatalf("second = %d, want 3 (skipping the non-Established tunnel)", second.TunnelIDUs)
	}
}

func TestPoolNextOutboundTunnelErrorsWhenNoneEstablished(t *testing.T) {
	p := NewPool(PoolConfig{}, &fakeBuilder{}, nil, nil)
	if _, err := p.NextOutboundTunnel(nil); err == nil {
		t.Fatalf("expected an error with no tunnels at all")
	}
}

// TestPoolNextOutboundTunnelHonorsExclude checks that a caller-supplied
// exclude set (e.g. a tunnel a resend attempt already tried) is skipped
// in favor of the next Established candidate.
func TestPoolNextOutboundTunnelHonorsExclude(t *testing.T) {
	p := NewPool(PoolConfig{}, &fakeBuilder{}, nil, nil)
	t1 := &Tunnel{TunnelIDUs: 1, State: StateEstablished}
	t2 := &Tunnel{TunnelIDUs: 2, State: StateEstablished}
	p.outbound = []*Tunnel{t1, t2}

	got, err := p.NextOutboundTunnel(map[uint32]bool{1: true})
	if err != nil {
		t.Fatalf("NextOutboundTunnel: %v", err)
	}
	if got.TunnelIDUs != 2 {
		t.Fatalf("got = %d, want 2 (1 excluded)", got.TunnelIDUs)
	}
}

// TestPoolNextOutboundTunnelSkipsSlowThenRelaxes checks the latency
// preference: a tunnel over PoolConfig.MaxLatency is skipped in favor of
// a faster one, but once every candidate is slow the preference relaxes
// instead of erroring out.
func TestPoolNextOutboundTunnelSkipsSlowThenRelaxes(t *testing.T) {
	p := NewPool(PoolConfig{MaxLatency: 100 * time.Millisecond}, &fakeBuilder{}, nil, nil)
	slow := &Tunnel{TunnelIDUs: 1, State: StateEstablished}
	slow.RecordRTT(500 * time.Millisecond)
	fast := &Tunnel{TunnelIDUs: 2, State: StateEstablished}
	fast.RecordRTT(20 * time.Millisecond)
	p.outbound = []*Tunnel{slow, fast}

	got, err := p.NextOutboundTunnel(nil)
	if err != nil {
		t.Fatalf("NextOutboundTunnel: %v", err)
	}
	if got.TunnelIDUs != 2 {
		t.Fatalf("got = %d, want 2 (the fast tunnel)", got.TunnelIDUs)
	}

	// With the fast tunnel excluded, only the slow one remains; the
	// latency preference must relax rather than fail.
	got, err = p.NextOutboundTunnel(map[uint32]bool{2: true})
	if err != nil {
		t.Fatalf("NextOutboundTunnel after relaxing: %v", err)
	}
	if got.TunnelIDUs != 1 {
		t.Fatalf("got = %d, want 1 (relaxed latency preference)", got.TunnelIDUs)
	}
}

func TestInboundLeasesOnlyIncludeEstablished(t *testing.T) {
	p := NewPool(PoolConfig{}, &fakeBuilder{}, nil, nil)
	now := time.Now()
	p.inbound = []*Tunnel{
		{State: StateEstablished, CreatedAt: now, GatewayHash: netdb.Hash{1}, GatewayTunnelID: 7},
		{State: StateBuilding, CreatedAt: now},
	}
	leases := p.InboundLeases()
	if len(leases) != 1 {
		t.Fatalf("expected 1 lease, got %d", len(leases))
	}
	if leases[0].TunnelID != 7 {
		t.Fatalf("lease tunnel id = %d, want 7", leases[0].TunnelID)
	}
}
