// Package tunnel implements circuit construction and the tunnel data path
// (spec.md sections 3, 4.2-4.5): short tunnel build records, the per-hop
// AES-CBC double-encrypted data path, transit admission control, and the
// tunnel pool that keeps a local destination supplied with Established
// tunnels.
package tunnel

import (
	"math/rand"
	"sync"
	"time"

	"i2p-router/netdb"
)

// MaxHops is the protocol maximum tunnel length (spec.md section 4.5).
const MaxHops = 8

// TunnelLifetime is how long an owned tunnel or transit hop lives after
// creation (spec.md section 3 / 4.4).
const TunnelLifetime = 10 * time.Minute

// ReplacementLeadTime is how long before expiry the pool begins building a
// tunnel's replacement (spec.md section 4.5).
const ReplacementLeadTime = 90 * time.Second

// State is a tunnel's lifecycle state.
type State int

const (
	StateBuilding State = iota
	StateEstablished
	StateTestFailed
	StateFailed
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateBuilding:
		return "Building"
	case StateEstablished:
		return "Established"
	case StateTestFailed:
		return "TestFailed"
	case StateFailed:
		return "Failed"
	case StateExpired:
		return "Expired"
	default:
		return "Unknown"
	}
}

// Direction distinguishes inbound from outbound tunnels.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

// Hop is one hop's per-tunnel keys and identity, as held by the tunnel
// owner (spec.md section 3).
type Hop struct {
	RouterHash      netdb.Hash
	Ident           netdb.RouterIdentity
	LayerKey        [32]byte
	IVKey           [32]byte
	ReceiveTunnelID uint32
}

// Tunnel is a ≤8-hop circuit we own (spec.md section 3). Inbound and
// outbound tunnels share this shape; Direction and the hop key ordering
// distinguish them: for outbound, hops are stored forward-order
// (gateway-first, matching send order); for inbound, hops are stored in
// the order we, the endpoint, must decrypt them (reverse of build order).
type Tunnel struct {
	mu sync.Mutex

	TunnelIDUs    uint32
	Direction     Direction
	Hops          []Hop
	Pool          *Pool
	State         State
	CreatedAt     time.Time
	RTTSamples    []time.Duration
	consecutiveTestFailures int

	// GatewayTunnelID/GatewayHash identify, for an inbound tunnel, how a
	// remote sender reaches it (the far-end hop's receive_tunnel_id and
	// router hash) — the contents published in a Lease.
	GatewayTunnelID uint32
	GatewayHash     netdb.Hash
}

// Expired reports whether the tunnel has exceeded its lifetime.
func (t *Tunnel) Expired(now time.Time) bool {
	return now.Sub(t.CreatedAt) >= TunnelLifetime
}

// NeedsReplacement reports whether the tunnel is within ReplacementLeadTime
// of expiry and should have a successor already building.
func (t *Tunnel) NeedsReplacement(now time.Time) bool {
	return now.Sub(t.CreatedAt) >= TunnelLifetime-ReplacementLeadTime
}

// RecordRTT appends an RTT sample and updates the tunnel's latency EWMA
// input set (spec.md section 4.5's "update per-tunnel latency EWMA").
func (t *Tunnel) RecordRTT(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.RTTSamples = append(t.RTTSamples, d)
	if len(t.RTTSamples) > 8 {
		t.RTTSamples = t.RTTSamples[len(t.RTTSamples)-8:]
	}
}

// LatencyEWMA returns the exponentially weighted moving average of recent
// RTT samples, or 0 if none have been recorded.
func (t *Tunnel) LatencyEWMA() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.RTTSamples) == 0 {
		return 0
	}
	const alpha = 0.25
	ewma := float64(t.RTTSamples[0])
	for _, s := range t.RTTSamples[1:] {
		ewma = alpha*float64(s) + (1-alpha)*ewma
	}
	return time.Duration(ewma)
}

// TransitRole distinguishes the three roles a router may play in someone
// else's tunnel (spec.md section 3).
type TransitRole int

const (
	RoleParticipant TransitRole = iota
	RoleInboundGateway
	RoleOutboundEndpoint
)

// TransitTunnel is a hop in someone else's tunnel that we carry
// (spec.md section 3).
type TransitTunnel struct {
	Role            TransitRole
	LayerKey        [32]byte
	IVKey           [32]byte
	ReceiveTunnelID uint32
	NextRouterHash  netdb.Hash
	NextTunnelID    uint32
	CreatedAt       time.Time
}

// Expired reports whether the transit hop has exceeded its 10-minute
// lifetime (spec.md section 4.4).
func (tt *TransitTunnel) Expired(now time.Time) bool {
	return now.Sub(tt.CreatedAt) >= TunnelLifetime
}

// RandomVariance returns len + a uniform random offset in
// [-|variance|, +|variance|], clamped to [1, MaxHops] (spec.md section
// 4.5). variance may be negative; only its magnitude matters.
func RandomVariance(length, variance int, rng *rand.Rand) int {
	if variance < 0 {
		variance = -variance
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	offset := 0
	if variance > 0 {
		offset = rng.Intn(2*variance+1) - variance
	}
	out := length + offset
	if out < 1 {
		out = 1
	}
	if out > MaxHops {
		out = MaxHops
	}
	return out
}
