package garlic

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// sessionIdleTimeout retires an ECIES session that has carried no
// traffic for this long (spec.md section 4.6's "periodic cleanup
// removes expired sessions").
const sessionIdleTimeout = 10 * time.Minute

// deliveryStatusTimeout is how long GarlicDestination waits for a
// delivery-status clove's confirmation before giving up on it.
const deliveryStatusTimeout = 2 * time.Minute

// tagPrefillBatch is how many receive tags GarlicDestination keeps
// pre-derived per session for its session_tag -> session fast-path map.
const tagPrefillBatch = 64

// deliveryStatusEntry tracks one in-flight delivery-status clove,
// confirmed when the matching DeliveryStatus I2NP message arrives.
type deliveryStatusEntry struct {
	createdAt time.Time
	done      chan struct{}
}

// GarlicDestination multiplexes ECIES-X25519-AEAD-Ratchet and legacy
// ElGamal+AES sessions for a single local destination or for the router
// itself, per spec.md section 4.6's "Session owner (GarlicDestination)":
// (a) a map static_pubkey -> session for outgoing, (b) a map session_tag
// -> tagset for incoming fast path, (c) a delivery-status table keyed by
// msg_id, (d) a set of ratchet sessions.
type GarlicDestination struct {
	mu sync.RWMutex

	localStatic keyPair

	outgoing map[[32]byte]*ECIESSession
	incoming map[[32]byte]*ECIESSession
	tagIndex map[uint64]*ECIESSession

	legacyEngine   ElGamalEngine
	legacySessions map[[32]byte]*LegacySession

	deliveryStatus map[uint32]*deliveryStatusEntry

	routerSession *ECIESSession

	log *logrus.Logger
}

// NewGarlicDestination creates a session owner around a local static
// X25519 keypair, used both for outbound handshakes and to recognize
// incoming New Session messages addressed to us.
func NewGarlicDestination(localStatic [32]byte, localStaticPriv [32]byte, legacyEngine ElGamalEngine, log *logrus.Logger) *GarlicDestination {
	if log == nil {
		log = logrus.StandardLogger()
	}
	kp := keyPair{priv: localStaticPriv, pub: localStatic}
	return &GarlicDestination{
		localStatic:    kp,
		outgoing:       make(map[[32]byte]*ECIESSession),
		incoming:       make(map[[32]byte]*ECIESSession),
		tagIndex:       make(map[uint64]*ECIESSession),
		legacyEngine:   legacyEngine,
		legacySessions: make(map[[32]byte]*LegacySession),
		deliveryStatus: make(map[uint32]*deliveryStatusEntry),
		routerSession:  &ECIESSession{role: RoleResponder, state: StateNew, localStatic: kp, recvTags: make(map[uint64]int)},
		log:            log,
	}
}

// OpenSession returns the established outbound session toward
// remoteStatic, creating one and returning its New Session wire message
// if none exists yet. The caller is responsible for transmitting the
// returned bytes (when non-nil) to the peer.
func (d *GarlicDestination) OpenSession(remoteStatic [32]byte, payload []byte) (wire []byte, established *ECIESSession, err error) {
	d.mu.Lock()
	sess, ok := d.outgoing[remoteStatic]
	if !ok {
		sess = NewOutboundSession(d.localStatic, remoteStatic)
		d.outgoing[remoteStatic] = sess
	}
	d.mu.Unlock()

	switch sess.State() {
	case StateEstablished:
		msg, err := sess.EncryptMessage(payload)
		return msg, sess, err
	case StateNew:
		msg, err := sess.BuildNS(payload)
		return msg, sess, err
	default:
		return nil, nil, fmt.Errorf("garlic: session to peer is mid-handshake, cannot send yet")
	}
}

// HandleNewSession consumes an incoming New Session message from a peer
// we have no session with yet, registers the half-open session, and
// returns the decrypted payload; the caller builds and sends the NSR
// reply via the returned session's BuildNSR.
func (d *GarlicDestination) HandleNewSession(msg []byte) (*ECIESSession, []byte, error) {
	sess := NewInboundSession(d.localStatic)
	payload, err := sess.ParseNS(msg)
	if err != nil {
		return nil, nil, err
	}
	d.mu.Lock()
	d.incoming[sess.remoteStatic] = sess
	d.mu.Unlock()
	return sess, payload, nil
}

// CompleteInboundHandshake registers sess's receive tags in the
// destination-wide fast-path index once BuildNSR has established it;
// call after sending the NSR reply.
func (d *GarlicDestination) CompleteInboundHandshake(sess *ECIESSession) error {
	return d.registerTags(sess)
}

// registerTags pre-derives a batch of expected receive tags for sess and
// indexes them so HandleMessage can recognize them in O(1).
func (d *GarlicDestination) registerTags(sess *ECIESSession) error {
	tags, err := sess.PrefillRecvTags(tagPrefillBatch)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range tags {
		d.tagIndex[t] = sess
	}
	return nil
}

// RegisterOutgoingSession indexes an outbound session's receive tags
// once its NSR reply has been parsed and it reaches Established.
func (d *GarlicDestination) RegisterOutgoingSession(sess *ECIESSession) error {
	return d.registerTags(sess)
}

// HandleMessage dispatches an established-session message (8-byte tag
// prefix) to whichever session owns that tag, refilling the session's
// tag index afterward, or, failing that, tries the message as a New
// Session addressed to us.
func (d *GarlicDestination) HandleMessage(msg []byte) ([]byte, *ECIESSession, error) {
	if len(msg) >= 8 {
		tag := leUint64(msg[:8])
		d.mu.RLock()
		sess, ok := d.tagIndex[tag]
		d.mu.RUnlock()
		if ok {
			d.mu.Lock()
			delete(d.tagIndex, tag)
			d.mu.Unlock()
			payload, err := sess.DecryptMessage(msg)
			if err == nil {
				d.registerTags(sess)
			}
			return payload, sess, err
		}
	}
	sess, payload, err := d.HandleNewSession(msg)
	return payload, sess, err
}

// HandleRouterIncoming consumes a Noise_N message addressed to the
// router itself (tunnel-build replies and similar), per spec.md section
// 4.6's RouterIncomingRatchetSession, and indexes its receive tags for
// subsequent fast-path messages.
func (d *GarlicDestination) HandleRouterIncoming(msg []byte) ([]byte, error) {
	d.mu.Lock()
	sess := d.routerSession
	d.mu.Unlock()
	if sess.State() != StateNew {
		// Noise_N is one-way per message; a fresh logical session is
		// created for each new incoming router message.
		sess = &ECIESSession{role: RoleResponder, state: StateNew, localStatic: d.localStatic, recvTags: make(map[uint64]int)}
	}
	payload, err := sess.ParseRouterNS(msg)
	if err != nil {
		return nil, err
	}
	if err := d.registerTags(sess); err != nil {
		return payload, err
	}
	return payload, nil
}

// TrackDeliveryStatus registers a pending delivery-status clove for
// msgID, returning a channel that closes when ConfirmDelivery is called
// for the same ID, or is left unclosed if the status never arrives
// (caller should select with a timeout).
func (d *GarlicDestination) TrackDeliveryStatus(msgID uint32) <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry := &deliveryStatusEntry{createdAt: time.Now(), done: make(chan struct{})}
	d.deliveryStatus[msgID] = entry
	return entry.done
}

// ConfirmDelivery marks msgID as confirmed, waking anyone waiting on the
// channel TrackDeliveryStatus returned.
func (d *GarlicDestination) ConfirmDelivery(msgID uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.deliveryStatus[msgID]
	if !ok {
		return
	}
	close(entry.done)
	delete(d.deliveryStatus, msgID)
}

// Cleanup removes expired sessions, stale tag-index entries belonging to
// them, and stale delivery-status entries, per spec.md section 4.6's
// periodic cleanup description.
func (d *GarlicDestination) Cleanup(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	retired := make(map[*ECIESSession]bool)
	for k, sess := range d.outgoing {
		if sess.Idle(now, sessionIdleTimeout) {
			delete(d.outgoing, k)
			retired[sess] = true
			d.log.WithField("peer", fmt.Sprintf("%x", k[:8])).Debug("garlic: retiring idle outgoing session")
		}
	}
	for k, sess := range d.incoming {
		if sess.Idle(now, sessionIdleTimeout) {
			delete(d.incoming, k)
			retired[sess] = true
			d.log.WithField("peer", fmt.Sprintf("%x", k[:8])).Debug("garlic: retiring idle incoming session")
		}
	}
	for tag, s := range d.tagIndex {
		if retired[s] {
			delete(d.tagIndex, tag)
		}
	}
	for id, entry := range d.deliveryStatus {
		if now.Sub(entry.createdAt) > deliveryStatusTimeout {
			delete(d.deliveryStatus, id)
		}
	}
}
