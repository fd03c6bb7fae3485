package tunnel

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"i2p-router/netdb"
)

// TestInterval is how often a pool round-trip-tests its established
// tunnels (spec.md section 4.5).
const TestInterval = 15 * time.Second

// maxConsecutiveTestFailures is how many failed round-trip tests in a
// row move a tunnel from TestFailed to Failed (spec.md section 4.5).
const maxConsecutiveTestFailures = 3

// PoolConfig is a destination's tunnel pool sizing, per spec.md section
// 4.5 ("in_qty/out_qty... tunnel length with variance").
type PoolConfig struct {
	InboundQuantity  int
	OutboundQuantity int
	InboundLength    int
	OutboundLength   int
	LengthVariance   int

	// MaxLatency is the preferred upper bound on a tunnel's recorded
	// latency EWMA for get_next_{in,out}bound_tunnel selection (spec.md
	// section 4.5's latency-bound preference). Tunnels over this bound
	// are skipped in favor of faster ones, but the bound is relaxed
	// rather than failing outright when every candidate is slow. Zero
	// means no latency preference.
	MaxLatency time.Duration
}

// Tester runs a round-trip latency probe by sending a test message out
// through an outbound tunnel and expecting it back via an inbound
// tunnel, returning the measured RTT. The tunnel package depends only
// on this interface; destination wires it to the real garlic/streaming
// test-message plumbing.
type Tester interface {
	RunTest(out, in *Tunnel) (time.Duration, error)
}

// TunnelBuilder is the interface Pool drives to construct new tunnels.
// The Builder type in build.go does not implement it.
type TunnelBuilder interface {
	BuildTunnel(dir Direction, hopCount int) (*Tunnel, error)
}

// Pool keeps a local destination supplied with enough Established
// inbound and outbound tunnels, retiring and replacing them ahead of
// expiry and periodically testing them (spec.md section 4.5).
type Pool struct {
	mu sync.RWMutex

	cfg      PoolConfig
	inbound  []*Tunnel
	outbound []*Tunnel
	nextIn   int
	nextOut  int

	builder TunnelBuilder
	tester  Tester

	closing chan struct{}
	wg      sync.WaitGroup
	log     *logrus.Logger
}

// NewPool creates a Pool with no tunnels yet; call Start to begin
// maintenance and testing.
func NewPool(cfg PoolConfig, builder TunnelBuilder, tester Tester, log *logrus.Logger) *Pool {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Pool{
		cfg:     cfg,
		builder: builder,
		tester:  tester,
		closing: make(chan struct{}),
		log:     log,
	}
}

// Start launches the maintenance loop: every TestInterval it expires
// old tunnels, builds replacements to keep both quantities satisfied,
// and round-trip tests every Established tunnel.
func (p *Pool) Start() {
	p.wg.Add(1)
	go p.loop()
}

// Stop halts the maintenance loop.
func (p *Pool) Stop() {
	close(p.closing)
	p.wg.Wait()
}

func (p *Pool) loop() {
	defer p.wg.Done()
	ticker := time.NewTicker(TestInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.closing:
			return
		case now := <-ticker.C:
			p.maintain(now)
			p.runTests(now)
		}
	}
}

// maintain expires tunnels past their lifetime, builds replacements for
// any within ReplacementLeadTime of expiry, and tops up each direction
// to its configured quantity (spec.md section 4.5).
func (p *Pool) maintain(now time.Time) {
	p.mu.Lock()
	p.inbound = reapExpired(p.inbound, now, p.log)
	p.outbound = reapExpired(p.outbound, now, p.log)
	needIn := p.cfg.InboundQuantity - len(p.inbound)
	needOut := p.cfg.OutboundQuantity - len(p.outbound)
	replaceIn := countNeedingReplacement(p.inbound, now)
	replaceOut := countNeedingReplacement(p.outbound, now)
	p.mu.Unlock()

	for i := 0; i < needIn+replaceIn; i++ {
		p.buildOne(Inbound)
	}
	for i := 0; i < needOut+replaceOut; i++ {
		p.buildOne(Outbound)
	}
}

func (p *Pool) buildOne(dir Direction) {
	length := p.cfg.OutboundLength
	if dir == Inbound {
		length = p.cfg.InboundLength
	}
	hopCount := RandomVariance(length, p.cfg.LengthVariance, nil)
	t, err := p.builder.BuildTunnel(dir, hopCount)
	if err != nil {
		p.log.WithError(err).WithField("direction", dir).Warn("tunnel: pool build failed")
		return
	}
	t.Pool = p
	p.mu.Lock()
	defer p.mu.Unlock()
	if dir == Inbound {
		p.inbound = append(p.inbound, t)
	} else {
		p.outbound = append(p.outbound, t)
	}
}

func reapExpired(tunnels []*Tunnel, now time.Time, log *logrus.Logger) []*Tunnel {
	kept := tunnels[:0]
	for _, t := range tunnels {
		if t.Expired(now) || t.State == StateFailed {
			log.WithField("tunnel_id", t.TunnelIDUs).Debug("tunnel: retiring tunnel")
			continue
		}
		kept = append(kept, t)
	}
	return kept
}

func countNeedingReplacement(tunnels []*Tunnel, now time.Time) int {
	n := 0
	for _, t := range tunnels {
		if t.State == StateEstablished && t.NeedsReplacement(now) {
			n++
		}
	}
	return n
}

// runTests round-trip tests every Established pair of an outbound and
// inbound tunnel, updating RTT samples and escalating repeated failures
// from TestFailed to Failed (spec.md section 4.5).
func (p *Pool) runTests(now time.Time) {
	if p.tester == nil {
		return
	}
	p.mu.RLock()
	out := append([]*Tunnel(nil), p.outbound...)
	in := append([]*Tunnel(nil), p.inbound...)
	p.mu.RUnlock()

	for _, o := range out {
		if o.State != StateEstablished && o.State != StateTestFailed {
			continue
		}
		i := pickTunnel(in)
		if i == nil {
			continue
		}
		rtt, err := p.tester.RunTest(o, i)
		if err != nil {
			p.recordTestFailure(o)
			p.recordTestFailure(i)
			continue
		}
		o.RecordRTT(rtt)
		i.RecordRTT(rtt)
		p.recordTestSuccess(o)
		p.recordTestSuccess(i)
	}
}

func (p *Pool) recordTestFailure(t *Tunnel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consecutiveTestFailures++
	if t.State == StateEstablished {
		t.State = StateTestFailed
	}
	if t.consecutiveTestFailures >= maxConsecutiveTestFailures {
		t.State = StateFailed
	}
}

func (p *Pool) recordTestSuccess(t *Tunnel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consecutiveTestFailures = 0
	if t.State == StateTestFailed {
		t.State = StateEstablished
	}
}

func pickTunnel(tunnels []*Tunnel) *Tunnel {
	established := make([]*Tunnel, 0, len(tunnels))
	for _, t := range tunnels {
		if t.State == StateEstablished || t.State == StateTestFailed {
			established = append(established, t)
		}
	}
	if len(established) == 0 {
		return nil
	}
	idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(established))))
	if err != nil {
		return established[0]
	}
	return established[idx.Int64()]
}

// NextOutboundTunnel returns the next Established outbound tunnel in
// round-robin order, per spec.md section 4.5's get_next_outbound_tunnel
// (exclude, compatible_transports). exclude holds TunnelIDUs values the
// caller has already tried and does not want again (e.g. a failed
// resend attempt); it may be nil.
func (p *Pool) NextOutboundTunnel(exclude map[uint32]bool) (*Tunnel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return nextEstablished(p.outbound, &p.nextOut, exclude, p.cfg.MaxLatency)
}

// NextInboundTunnel returns the next Established inbound tunnel in
// round-robin order, per spec.md section 4.5's get_next_inbound_tunnel
// (exclude, compatible_transports). exclude may be nil.
func (p *Pool) NextInboundTunnel(exclude map[uint32]bool) (*Tunnel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return nextEstablished(p.inbound, &p.nextIn, exclude, p.cfg.MaxLatency)
}

// nextEstablished picks the next Established, non-excluded tunnel in
// round-robin order, preferring one whose recorded latency EWMA is
// within maxLatency (spec.md section 4.5). If every non-excluded
// candidate runs over maxLatency, the latency preference is relaxed and
// the scan is retried rather than returning an error.
func nextEstablished(tunnels []*Tunnel, cursor *int, exclude map[uint32]bool, maxLatency time.Duration) (*Tunnel, error) {
	if len(tunnels) == 0 {
		return nil, fmt.Errorf("tunnel: pool has no tunnels in this direction")
	}
	if t := scanEstablished(tunnels, cursor, exclude, maxLatency); t != nil {
		return t, nil
	}
	if maxLatency > 0 {
		if t := scanEstablished(tunnels, cursor, exclude, 0); t != nil {
			return t, nil
		}
	}
	return nil, fmt.Errorf("tunnel: pool has no Established tunnels")
}

func scanEstablished(tunnels []*Tunnel, cursor *int, exclude map[uint32]bool, maxLatency time.Duration) *Tunnel {
	for i := 0; i < len(tunnels); i++ {
		idx := (*cursor + i) % len(tunnels)
		t := tunnels[idx]
		if t.State != StateEstablished {
			continue
		}
		if exclude != nil && exclude[t.TunnelIDUs] {
			continue
		}
		if maxLatency > 0 {
			if ewma := t.LatencyEWMA(); ewma > 0 && ewma > maxLatency {
				continue
			}
		}
		*cursor = (idx + 1) % len(tunnels)
		return t
	}
	return nil
}

// InboundLeases returns the published-facing gateway info for every
// Established inbound tunnel, used to build a LeaseSet (spec.md section
// 4.9).
func (p *Pool) InboundLeases() []netdb.Lease {
	p.mu.RLock()
	defer p.mu.RUnlock()
	leases := make([]netdb.Lease, 0, len(p.inbound))
	for _, t := range p.inbound {
		if t.State != StateEstablished {
			continue
		}
		leases = append(leases, netdb.Lease{
			TunnelGateway: t.GatewayHash,
			TunnelID:      t.GatewayTunnelID,
			EndTimeMS:     t.CreatedAt.Add(TunnelLifetime).UnixMilli(),
		})
	}
	return leases
}
