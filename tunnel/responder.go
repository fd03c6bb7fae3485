package tunnel

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	mathrand "math/rand"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"i2p-router/netdb"
)

// sha256Of is used to derive a stand-in router hash from the 32-byte
// next_ident field carried in a build record. A full RouterIdentity
// (signing key + encryption key + cert) is not available to a transit
// hop processing an opaque build record, so next_ident here is taken to
// be the next hop's encryption public key, and its hash stands in for
// netdb.RouterIdentity.Hash() for routing purposes only; admission
// control and forwarding never need the full identity, only something
// stable to key the TransitTunnel's NextRouterHash by.
func sha256Of(b []byte) [32]byte { return sha256.Sum256(b) }

// ReplyAccept and ReplyBandwidthReject are the two response codes a
// responder writes into its build record (spec.md section 4.2).
const (
	ReplyAccept           byte = 0
	ReplyBandwidthReject  byte = 30
)

// AdmissionPolicy decides whether an incoming transit build is accepted,
// per spec.md section 4.4.
type AdmissionPolicy struct {
	AcceptTunnels     bool
	Congestion        netdb.CongestionLevel
	MaxTransitTunnels int
	OwnHash           netdb.Hash
	KnownDuplicate    func(netdb.Hash) bool
	rng               *mathrand.Rand
}

// NewAdmissionPolicy creates an AdmissionPolicy with its own random
// source for the probabilistic MEDIUM..FULL congestion reject.
// maxTransitTunnels is the hard cap on concurrent transit tunnels from
// spec.md section 6's config table ("max_transit_tunnels: hard cap on
// concurrent transit tunnels"); 0 means unbounded.
func NewAdmissionPolicy(acceptTunnels bool, ownHash netdb.Hash, maxTransitTunnels int, knownDuplicate func(netdb.Hash) bool) *AdmissionPolicy {
	return &AdmissionPolicy{
		AcceptTunnels:     acceptTunnels,
		MaxTransitTunnels: maxTransitTunnels,
		OwnHash:           ownHash,
		KnownDuplicate:    knownDuplicate,
		rng:               mathrand.New(mathrand.NewSource(time.Now().UnixNano())),
	}
}

// Admit decides whether to accept a build request for the given next hop
// and role, per spec.md section 4.4: config gate, the max_transit_tunnels
// hard cap, congestion gate (including a probabilistic reject between
// MEDIUM and FULL), next-hop self-loop rejection for non-endpoint roles,
// and duplicate-router rejection. transitCount is the caller's current
// number of admitted transit tunnels (TransitTable.Count()).
func (a *AdmissionPolicy) Admit(nextHop netdb.Hash, role TransitRole, transitCount int) bool {
	if !a.AcceptTunnels {
		return false
	}
	if a.MaxTransitTunnels > 0 && transitCount >= a.MaxTransitTunnels {
		return false
	}
	if a.Congestion >= netdb.CongestionFull {
		return false
	}
	if a.Congestion >= netdb.CongestionMedium {
		span := float64(netdb.CongestionFull - netdb.CongestionMedium)
		position := float64(a.Congestion - netdb.CongestionMedium)
		rejectProbability := position / (span + 1)
		if a.rng.Float64() < rejectProbability {
			return false
		}
	}
	if role != RoleOutboundEndpoint && nextHop == a.OwnHash {
		return false
	}
	if a.KnownDuplicate != nil && a.KnownDuplicate(nextHop) {
		return false
	}
	return true
}

// Responder processes incoming build records addressed to this router
// (spec.md section 4.2's "Responder (each hop)" procedure).
type Responder struct {
	OwnIdentPriv [32]byte
	OwnIdentPub  [32]byte
	Admission    *AdmissionPolicy
	Transits     *TransitTable
}

// HandleRecord decrypts the record addressed to this hop (identified by
// matching OurIdentPrefix against ownPrefix), validates clock skew,
// consults admission control, creates the TransitTunnel on accept, and
// returns the response byte to write back plus the cleartext record (the
// caller re-encrypts/re-wraps and forwards per spec.md section 4.2).
func (r *Responder) HandleRecord(encrypted []byte, ownPrefix [16]byte, now time.Time) (ShortBuildRecord, byte, error) {
	cleartext, err := decryptRecordForHop(r.OwnIdentPriv, r.OwnIdentPub, encrypted)
	if err != nil {
		return ShortBuildRecord{}, 0, fmt.Errorf("tunnel: responder decrypt: %w", err)
	}
	rec, err := DecodeShortBuildRecord(cleartext)
	if err != nil {
		return ShortBuildRecord{}, 0, err
	}
	if rec.OurIdentPrefix != ownPrefix {
		return rec, 0, fmt.Errorf("tunnel: record not addressed to this hop")
	}

	requestTime := time.Unix(int64(rec.RequestTimeHours)*3600, 0)
	if requestTime.Before(now.Add(-BuildSkew)) || requestTime.After(now.Add(BuildSkew)) {
		return rec, ReplyBandwidthReject, fmt.Errorf("tunnel: build request outside clock skew window")
	}

	role := RoleParticipant
	if rec.IsGateway {
		role = RoleInboundGateway
	}
	if rec.IsEndpoint {
		role = RoleOutboundEndpoint
	}

	nextHop := netdb.Hash(sha256Of(rec.NextIdent[:]))
	if !r.Admission.Admit(nextHop, role, r.Transits.Count()) {
		return rec, ReplyBandwidthReject, nil
	}

	r.Transits.Add(&TransitTunnel{
		Role:            role,
		LayerKey:        rec.LayerKey,
		IVKey:           rec.IVKey,
		ReceiveTunnelID: rec.ReceiveTunnelID,
		NextRouterHash:  nextHop,
		NextTunnelID:    rec.NextTunnelID,
		CreatedAt:       now,
	})

	return rec, ReplyAccept, nil
}

// ReplyRecordSize matches EncryptedRecordSize so every slot in the build
// message stays a uniform length on the way back.
const ReplyRecordSize = EncryptedRecordSize

// deriveReplyKey derives this hop's reply-path key from its static key,
// independent of the forward chain key (chainKeyStream) so a reply
// cannot be mistaken for a forward-direction record (spec.md section
// 4.2: "AEAD-re-encrypt its record and ChaCha20-encrypt every other
// record with the same reply key").
func deriveReplyKey(hopStaticPub [32]byte) ([32]byte, error) {
	kdf := hkdf.New(sha256.New, hopStaticPub[:], nil, []byte("i2p-router/tunnel-build-reply"))
	var key [32]byte
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return key, fmt.Errorf("tunnel: derive reply key: %w", err)
	}
	return key, nil
}

// RewrapReply implements the responder's return-path step (spec.md
// section 4.2): it overwrites this hop's slot with its response byte,
// AEAD-seals that slot under the hop's reply key, and re-encrypts every
// other slot with a ChaCha20 keystream under the same key (nonce =
// record index) so the reply travels back to the requester exactly as
// opaque as the forward records did. records is mutated in place and
// also returned for convenience.
func RewrapReply(records [][]byte, ownSlot int, hopStaticPub [32]byte, response byte) ([][]byte, error) {
	if ownSlot < 0 || ownSlot >= len(records) {
		return nil, fmt.Errorf("tunnel: own slot %d out of range", ownSlot)
	}
	replyKey, err := deriveReplyKey(hopStaticPub)
	if err != nil {
		return nil, err
	}

	plain := make([]byte, ReplyRecordSize-chacha20poly1305.Overhead)
	plain[0] = response
	if _, err := rand.Read(plain[1:]); err != nil {
		return nil, fmt.Errorf("tunnel: pad reply record: %w", err)
	}

	aead, err := chacha20poly1305.New(replyKey[:])
	if err != nil {
		return nil, fmt.Errorf("tunnel: reply aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	binary.BigEndian.PutUint32(nonce[aead.NonceSize()-4:], uint32(ownSlot))
	records[ownSlot] = aead.Seal(nil, nonce, plain, nil)

	for i := range records {
		if i == ownSlot {
			continue
		}
		stream, err := chainKeyStream(replyKey, i)
		if err != nil {
			return nil, err
		}
		stream.XORKeyStream(records[i], records[i])
	}
	return records, nil
}
