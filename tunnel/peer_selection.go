package tunnel

import (
	crand "crypto/rand"
	"fmt"
	"math/big"

	"i2p-router/netdb"
)

// RouterSource is the subset of netDb peer selection needs: an iterable
// view of known, reachable routers.
type RouterSource interface {
	AllReachable() []netdb.RouterInfo
}

// PeerSelector chooses hops for a tunnel being built, per spec.md section
// 4.5: "A pluggable PeerSelector can override this."
type PeerSelector interface {
	SelectHops(n int, exclude map[netdb.Hash]bool, preferConnected func(netdb.Hash) bool) ([]netdb.Hash, error)
}

// WeightedRandomSelector is the default PeerSelector: a weighted random
// draw over netDb filtered by bandwidth class and bad profiles, adapted
// from the teacher's Fisher-Yates shuffle idiom in
// core/peer_management.go's shufflePeerInfo/Sample (crypto/rand instead
// of math/rand, for the same reason the teacher chose it: unpredictable
// peer sampling).
type WeightedRandomSelector struct {
	Source          RouterSource
	Profiles        *Profiles
	MinBandwidth    byte // minimum acceptable Capabilities.BandwidthClass, 0 = no filter
}

// SelectHops returns n distinct router hashes, excluding those in exclude
// and any profile-bad router, weighted toward already-connected peers
// when preferConnected is non-nil (spec.md section 4.5: "bias toward
// already-connected transports").
func (s *WeightedRandomSelector) SelectHops(n int, exclude map[netdb.Hash]bool, preferConnected func(netdb.Hash) bool) ([]netdb.Hash, error) {
	candidates := s.Source.AllReachable()
	pool := make([]netdb.Hash, 0, len(candidates))
	preferred := make([]netdb.Hash, 0)

	for _, ri := range candidates {
		h := ri.Hash()
		if exclude != nil && exclude[h] {
			continue
		}
		if s.Profiles != nil && s.Profiles.IsBad(h) {
			continue
		}
		if s.MinBandwidth != 0 && ri.Capabilities.BandwidthClass < s.MinBandwidth {
			continue
		}
		if preferConnected != nil && preferConnected(h) {
			preferred = append(preferred, h)
		} else {
			pool = append(pool, h)
		}
	}

	if err := shuffleHashes(preferred); err != nil {
		return nil, fmt.Errorf("tunnel: peer selection shuffle: %w", err)
	}
	if err := shuffleHashes(pool); err != nil {
		return nil, fmt.Errorf("tunnel: peer selection shuffle: %w", err)
	}
	ordered := append(preferred, pool...)
	if len(ordered) < n {
		return nil, fmt.Errorf("tunnel: insufficient reachable peers: need %d, have %d", n, len(ordered))
	}
	return ordered[:n], nil
}

func shuffleHashes(hashes []netdb.Hash) error {
	for i := len(hashes) - 1; i > 0; i-- {
		jBig, err := crand.Int(crand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return err
		}
		j := int(jBig.Int64())
		hashes[i], hashes[j] = hashes[j], hashes[i]
	}
	return nil
}

// staticPeerSelector implements PeerSelector over a fixed, configured
// list, per TunnelPool's "optional explicit peer list" (spec.md section
// 3).
type staticPeerSelector struct {
	peers []netdb.Hash
}

// NewStaticPeerSelector returns a PeerSelector that always draws from a
// fixed operator-configured peer list, skipping excluded entries; no
// profile filter is applied.
func NewStaticPeerSelector(peers []netdb.Hash) PeerSelector {
	return &staticPeerSelector{peers: peers}
}

func (s *staticPeerSelector) SelectHops(n int, exclude map[netdb.Hash]bool, preferConnected func(netdb.Hash) bool) ([]netdb.Hash, error) {
	out := make([]netdb.Hash, 0, n)
	for _, h := range s.peers {
		if exclude != nil && exclude[h] {
			continue
		}
		out = append(out, h)
		if len(out) == n {
			return out, nil
		}
	}
	return nil, fmt.Errorf("tunnel: explicit peer list exhausted: need %d, have %d", n, len(out))
}
