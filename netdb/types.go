// Package netdb implements the Kademlia-flavored distributed database of
// router descriptors and lease sets (spec.md section 4.7): storage,
// closest-peer selection by XOR metric, floodfill replication, and
// expiration.
package netdb

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Hash is a 32-byte SHA-256 digest: a router identity hash or destination hash.
type Hash [32]byte

func (h Hash) String() string { return fmt.Sprintf("%x", h[:8]) }

// Xor returns the bitwise XOR distance between two hashes.
func (h Hash) Xor(o Hash) Hash {
	var out Hash
	for i := range h {
		out[i] = h[i] ^ o[i]
	}
	return out
}

// Less reports whether h represents a smaller XOR-distance value than o,
// compared as a big-endian 256-bit integer.
func (h Hash) Less(o Hash) bool {
	for i := range h {
		if h[i] != o[i] {
			return h[i] < o[i]
		}
	}
	return false
}

// RouterIdentity is a router's long-term public identity (spec.md section 3).
// It is immutable once parsed; Hash is computed over the serialized form.
type RouterIdentity struct {
	SigningPublicKey    ed25519.PublicKey // Ed25519, 32 bytes
	EncryptionPublicKey [32]byte          // X25519
	Cert                []byte            // opaque certificate bytes, may be empty
}

// Serialize returns the canonical byte form used both for signature
// verification and for computing Hash.
func (id RouterIdentity) Serialize() []byte {
	out := make([]byte, 0, 32+32+len(id.Cert))
	out = append(out, id.SigningPublicKey...)
	out = append(out, id.EncryptionPublicKey[:]...)
	out = append(out, id.Cert...)
	return out
}

// Hash returns SHA256 of the serialized identity, per spec.md section 3's
// "hash = SHA256(full 391+ bytes)" (we use a compact serialization instead
// of i2pd's fixed 387-447 byte certificate-padded form, since the padding
// scheme is an on-the-wire detail outside this core's scope).
func (id RouterIdentity) Hash() Hash {
	return sha256.Sum256(id.Serialize())
}

// SupportsECIES reports whether this identity advertises ECIES-X25519
// capability via its certificate, used to decide ratchet-vs-legacy garlic
// session selection (SPEC_FULL.md Open Question 2).
func (id RouterIdentity) SupportsECIES() bool {
	for _, b := range id.Cert {
		if b == certFlagECIES {
			return true
		}
	}
	return false
}

const certFlagECIES = 0x05

// CongestionLevel mirrors a router's self-reported load, used by transit
// admission control (spec.md section 4.4).
type CongestionLevel int

const (
	CongestionLow CongestionLevel = iota
	CongestionMedium
	CongestionHigh
	CongestionFull
)

// Capabilities captures a RouterInfo's advertised flags (spec.md section 3).
type Capabilities struct {
	Floodfill      bool
	BandwidthClass byte // e.g. 'L','M','N','O','P','X'
	Reachable      bool
	Congestion     CongestionLevel
}

// TransportAddress is one entry in a RouterInfo's ordered address list.
// NTCP2/SSU2 addressing detail is out of scope (spec.md section 1); this
// only carries what netDb and Transports need to route.
type TransportAddress struct {
	Style string // "NTCP2", "SSU2", ...
	Host  string
	Port  uint16
}

// RouterInfo is a router descriptor published to netDb (spec.md section 3).
type RouterInfo struct {
	Identity     RouterIdentity
	TimestampMS  int64
	Addresses    []TransportAddress
	Capabilities Capabilities
	FamilySig    []byte // optional

	Signature []byte // Ed25519 signature over the fields above (excluding itself)
}

// SignedBytes returns the canonical encoding signed by the publishing router.
func (ri RouterInfo) SignedBytes() []byte {
	out := ri.Identity.Serialize()
	out = appendInt64(out, ri.TimestampMS)
	for _, a := range ri.Addresses {
		out = append(out, a.Style...)
		out = append(out, 0)
		out = append(out, a.Host...)
		out = append(out, 0)
		out = appendUint16(out, a.Port)
	}
	out = append(out, ri.Capabilities.BandwidthClass)
	if ri.Capabilities.Floodfill {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	out = append(out, ri.FamilySig...)
	return out
}

// Hash returns the router identity hash this descriptor is stored under.
func (ri RouterInfo) Hash() Hash { return ri.Identity.Hash() }

// Verify checks ri.Signature against ri.Identity.SigningPublicKey.
func (ri RouterInfo) Verify() bool {
	return ed25519.Verify(ri.Identity.SigningPublicKey, ri.SignedBytes(), ri.Signature)
}

// Sign signs ri with priv, setting ri.Signature, and returns the result.
func (ri RouterInfo) Sign(priv ed25519.PrivateKey) RouterInfo {
	ri.Signature = ed25519.Sign(priv, ri.SignedBytes())
	return ri
}

// ExpiryHorizon is the maximum age of a RouterInfo before it is dropped
// from netDb, per spec.md section 3 ("dropped on expiry (<=72h)").
const ExpiryHorizon = 72 * time.Hour

// Expired reports whether ri is older than ExpiryHorizon relative to now.
func (ri RouterInfo) Expired(now time.Time) bool {
	return now.Sub(time.UnixMilli(ri.TimestampMS)) > ExpiryHorizon
}

// Lease is one entry point into a destination (spec.md section 3).
type Lease struct {
	TunnelGateway Hash
	TunnelID      uint32
	EndTimeMS     int64
}

// EmbeddedTunnelMaxLifetime bounds how long the tunnel behind a Lease may
// live, per spec.md section 3 ("the embedded tunnel lives <=10 min").
const EmbeddedTunnelMaxLifetime = 10 * time.Minute

// Expired reports whether the lease's end time has passed.
func (l Lease) Expired(now time.Time) bool {
	return now.After(time.UnixMilli(l.EndTimeMS))
}

// NeedsRefresh reports whether a cached remote lease is close enough to
// expiry that it should be refreshed, per spec.md section 3's invariant
// ("refreshed when end_time - now < 60s").
func (l Lease) NeedsRefresh(now time.Time) bool {
	return time.UnixMilli(l.EndTimeMS).Sub(now) < 60*time.Second
}

// StoreType distinguishes LeaseSet (0x03) from LeaseSet2 (0x05 family) in
// DatabaseStore messages, per spec.md section 4.7.
type StoreType byte

const (
	StoreTypeRouterInfo StoreType = 0
	StoreTypeLeaseSet   StoreType = 3
	StoreTypeLeaseSet2  StoreType = 5
)

// LeaseSet is the contact information for a destination (spec.md section 3).
// A plain LeaseSet has no PublishedTS/Flags (those are LeaseSet2 additions);
// Type distinguishes the two at the storage layer.
type LeaseSet struct {
	Type              StoreType
	DestinationIdent  RouterIdentity // destinations share the identity shape
	EncryptionPublic  [32]byte
	Leases            []Lease
	PublishedTS       int64 // LeaseSet2 only
	Flags             uint16
	Signature         []byte
}

// Destination returns the hash this lease set is stored under.
func (ls LeaseSet) Destination() Hash { return ls.DestinationIdent.Hash() }

// SignedBytes returns the canonical bytes signed by the owning destination.
func (ls LeaseSet) SignedBytes() []byte {
	out := ls.DestinationIdent.Serialize()
	out = append(out, ls.EncryptionPublic[:]...)
	for _, l := range ls.Leases {
		out = append(out, l.TunnelGateway[:]...)
		out = appendUint32(out, l.TunnelID)
		out = appendInt64(out, l.EndTimeMS)
	}
	if ls.Type == StoreTypeLeaseSet2 {
		out = appendInt64(out, ls.PublishedTS)
		out = appendUint16(out, ls.Flags)
	}
	return out
}

// Verify checks ls.Signature against ls.DestinationIdent.SigningPublicKey.
func (ls LeaseSet) Verify() bool {
	return ed25519.Verify(ls.DestinationIdent.SigningPublicKey, ls.SignedBytes(), ls.Signature)
}

// Sign signs ls with priv, setting ls.Signature, and returns the result.
func (ls LeaseSet) Sign(priv ed25519.PrivateKey) LeaseSet {
	ls.Signature = ed25519.Sign(priv, ls.SignedBytes())
	return ls
}

// Expired reports whether every lease has expired; a lease set with no
// leases counts as expired. The published timestamp is not consulted.
func (ls LeaseSet) Expired(now time.Time) bool {
	if len(ls.Leases) == 0 {
		return true
	}
	allExpired := true
	for _, l := range ls.Leases {
		if !l.Expired(now) {
			allExpired = false
			break
		}
	}
	return allExpired
}

// ErrNotFound is returned by lookups that miss.
var ErrNotFound = errors.New("netdb: not found")

func appendUint16(b []byte, v uint16) []byte {
	return append(b, byte(v>>8), byte(v))
}

func appendUint32(b []byte, v uint32) []byte {
	return append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func appendInt64(b []byte, v int64) []byte {
	u := uint64(v)
	return append(b, byte(u>>56), byte(u>>48), byte(u>>40), byte(u>>32), byte(u>>24), byte(u>>16), byte(u>>8), byte(u))
}

// sortByDistance sorts hashes by ascending XOR distance to target, in place.
func sortByDistance(hashes []Hash, target Hash) {
	sort.Slice(hashes, func(i, j int) bool {
		return hashes[i].Xor(target).Less(hashes[j].Xor(target))
	})
}
