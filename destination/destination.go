// Package destination implements a local I2P destination: a private
// identity, its tunnel pool, its garlic session owner, its streaming
// connections, and the lease-set publication loop that keeps the
// destination reachable (spec.md section 4.9).
package destination

import (
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"i2p-router/garlic"
	"i2p-router/i2np"
	"i2p-router/netdb"
	"i2p-router/streaming"
	"i2p-router/tunnel"
)

// Sender is the Transports black box this package needs: best-effort,
// non-blocking delivery of an I2NP message to a router by identity hash
// (spec.md section 6). netdb.Sender and tunnel's own gateway sends share
// this same shape; destination wiring supplies one concrete implementation
// to all three.
type Sender interface {
	SendMessage(to netdb.Hash, msg i2np.Message) error
}

// publishRetryInterval is how long LocalDestination waits for a
// DeliveryStatus confirming a LeaseSet publish before trying the next
// closest floodfill, per spec.md section 4.9's "retried with a new
// floodfill until a DeliveryStatus confirmation arrives".
const publishRetryInterval = 10 * time.Second

// leaseSetTTL is how long a freshly signed LeaseSet is considered valid
// before MaintainLeaseSet rebuilds it even without a tunnel-set change.
const leaseSetTTL = 8 * time.Minute

// LocalDestination owns one application's private identity, tunnel
// pool, garlic session owner, and live streams, and keeps its LeaseSet
// published (spec.md section 4.9).
type LocalDestination struct {
	mu sync.Mutex

	signPriv ed25519.PrivateKey
	encPriv  [32]byte
	ident    netdb.RouterIdentity

	pool       *tunnel.Pool
	garlicDest *garlic.GarlicDestination
	db         *netdb.NetDb
	sender     Sender
	log        *logrus.Logger

	leaseSet        netdb.LeaseSet
	leaseSetAt      time.Time
	lastGatewayKey  string

	publishing       bool
	publishToken     uint32
	publishFloodfill netdb.Hash
	publishTried     map[netdb.Hash]bool
	publishDeadline  time.Time

	streams      map[uint32]*streaming.Stream
	nextStreamID uint32
}

// NewLocalDestination creates a LocalDestination around a signing
// keypair, an X25519 encryption keypair (used both for garlic and as
// the LeaseSet's EncryptionPublic field), and the subsystems it drives.
func NewLocalDestination(signPriv ed25519.PrivateKey, encPub, encPriv [32]byte, cert []byte, pool *tunnel.Pool, garlicDest *garlic.GarlicDestination, db *netdb.NetDb, sender Sender, log *logrus.Logger) *LocalDestination {
	if log == nil {
		log = logrus.StandardLogger()
	}
	ident := netdb.RouterIdentity{
		SigningPublicKey:    signPriv.Public().(ed25519.PublicKey),
		EncryptionPublicKey: encPub,
		Cert:                cert,
	}
	return &LocalDestination{
		signPriv:     signPriv,
		encPriv:      encPriv,
		ident:        ident,
		pool:         pool,
		garlicDest:   garlicDest,
		db:           db,
		sender:       sender,
		log:          log,
		streams:      make(map[uint32]*streaming.Stream),
		publishTried: make(map[netdb.Hash]bool),
	}
}

// Hash returns the destination hash this LocalDestination is addressed by.
func (d *LocalDestination) Hash() netdb.Hash { return d.ident.Hash() }

// LeaseSet returns the currently published lease set, if any has been built yet.
func (d *LocalDestination) LeaseSet() (netdb.LeaseSet, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.leaseSet, d.leaseSetAt != (time.Time{})
}

// MaintainLeaseSet rebuilds the LeaseSet whenever the pool's set of
// inbound tunnel gateways has changed or the current one is stale, and
// retries a stalled publish against the next-closest floodfill (spec.md
// section 4.9).
func (d *LocalDestination) MaintainLeaseSet(now time.Time) {
	d.mu.Lock()
	leases := d.pool.InboundLeases()
	key := gatewayKey(leases)
	changed := key != d.lastGatewayKey || now.Sub(d.leaseSetAt) > leaseSetTTL
	if changed {
		d.rebuildLeaseSetLocked(leases, key, now)
	}
	retry := d.publishing && now.After(d.publishDeadline)
	d.mu.Unlock()

	if changed || retry {
		if err := d.publish(now); err != nil {
			d.log.WithError(err).Warn("destination: lease set publish failed")
		}
	}
}

func gatewayKey(leases []netdb.Lease) string {
	var b []byte
	for _, l := range leases {
		b = append(b, l.TunnelGateway[:]...)
		b = append(b, byte(l.TunnelID), byte(l.TunnelID>>8), byte(l.TunnelID>>16), byte(l.TunnelID>>24))
	}
	return string(b)
}

func (d *LocalDestination) rebuildLeaseSetLocked(leases []netdb.Lease, key string, now time.Time) {
	ls := netdb.LeaseSet{
		Type:             netdb.StoreTypeLeaseSet2,
		DestinationIdent: d.ident,
		EncryptionPublic: d.pubFromPriv(),
		Leases:           leases,
		PublishedTS:      now.UnixMilli(),
	}
	d.leaseSet = ls.Sign(d.signPriv)
	d.leaseSetAt = now
	d.lastGatewayKey = key
	d.log.WithField("leases", len(leases)).Debug("destination: rebuilt lease set")
}

func (d *LocalDestination) pubFromPriv() [32]byte {
	return d.ident.EncryptionPublicKey
}

// publish sends a DatabaseStore for the current LeaseSet to the
// closest floodfill not yet tried for this publication round, garlic-
// wrapped to that floodfill's encryption key, with a reply token the
// floodfill's own DeliveryStatus ack must echo back.
func (d *LocalDestination) publish(now time.Time) error {
	d.mu.Lock()
	ls := d.leaseSet
	routingKey := netdb.RoutingKey(ls.Destination(), now)
	tried := make(map[netdb.Hash]bool, len(d.publishTried))
	for k, v := range d.publishTried {
		tried[k] = v
	}
	d.mu.Unlock()

	candidates := d.db.ClosestFloodfills(routingKey, 1, tried, nil)
	if len(candidates) == 0 {
		d.mu.Lock()
		d.publishTried = make(map[netdb.Hash]bool)
		d.mu.Unlock()
		return fmt.Errorf("destination: no floodfill available to publish to")
	}
	ff := candidates[0]
	ffInfo, ok := d.db.RouterInfo(ff)
	if !ok {
		return fmt.Errorf("destination: floodfill %s has no known RouterInfo", ff)
	}

	token := netdb.NewMessageID()
	payload := netdb.BuildDatabaseStorePayload(ls.Destination(), ls.Type, token, 0, netdb.EncodeLeaseSet(ls))

	wire, _, err := d.garlicDest.OpenSession(ffInfo.EncryptionPublicKey, payload)
	if err != nil {
		return fmt.Errorf("destination: garlic-wrapping publish to %s: %w", ff, err)
	}

	d.mu.Lock()
	d.publishing = true
	d.publishToken = token
	d.publishFloodfill = ff
	d.publishTried[ff] = true
	d.publishDeadline = now.Add(publishRetryInterval)
	d.mu.Unlock()

	msg := i2np.New(i2np.TypeGarlic, token, 10*time.Second, wire)
	return d.sender.SendMessage(ff, msg)
}

// HandleDeliveryStatus consumes an incoming DeliveryStatus message and,
// if its message ID matches an outstanding publish, marks it confirmed
// and resets the tried-floodfill set for future rounds.
func (d *LocalDestination) HandleDeliveryStatus(msgID uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.publishing || msgID != d.publishToken {
		return
	}
	d.publishing = false
	d.publishTried = make(map[netdb.Hash]bool)
	d.log.WithField("floodfill", d.publishFloodfill).Debug("destination: lease set publish confirmed")
}

// streamSender adapts a remote destination's lease set and garlic
// session into the streaming.Sender interface, so a Stream can send
// packets without knowing about tunnels or garlic directly (mirroring
// tunnel.Tester/tunnel.TunnelBuilder's black-box pattern).
type streamSender struct {
	d           *LocalDestination
	remoteIdent netdb.RouterIdentity
	remoteLease netdb.LeaseSet
	leaseIdx    int
}

// SendPacket wraps pkt as a data-protocol message, garlic-encrypts it as
// a clove addressed to the remote destination, and sends it down the
// local pool's next outbound tunnel to the remote's current lease.
func (s *streamSender) SendPacket(pkt streaming.Packet) error {
	s.d.mu.Lock()
	leases := s.remoteLease.Leases
	s.d.mu.Unlock()
	if len(leases) == 0 {
		return fmt.Errorf("destination: remote destination has no usable leases")
	}
	lease := leases[s.leaseIdx%len(leases)]

	wrapped, err := streaming.WrapDataProtocol(pkt.Encode(), 0, 0)
	if err != nil {
		return fmt.Errorf("destination: wrapping stream packet: %w", err)
	}
	clove := garlic.EncodeClove(garlic.Clove{
		Delivery:    garlic.DeliveryDestination,
		Destination: s.remoteLease.Destination(),
		MessageID:   netdb.NewMessageID(),
		Message:     wrapped,
	})

	wire, _, err := s.d.garlicDest.OpenSession(s.remoteIdent.EncryptionPublicKey, clove)
	if err != nil {
		return fmt.Errorf("destination: garlic-wrapping stream packet: %w", err)
	}

	out, err := s.d.pool.NextOutboundTunnel(nil)
	if err != nil {
		return fmt.Errorf("destination: no outbound tunnel available: %w", err)
	}
	msg := i2np.New(i2np.TypeGarlic, netdb.NewMessageID(), 10*time.Second, wire)
	frames, err := tunnel.SendFromGateway(out, []tunnel.TunnelMessageBlock{{
		Delivery:   tunnel.DeliveryTunnel,
		ToHash:     lease.TunnelGateway,
		ToTunnelID: lease.TunnelID,
		Payload:    msg.Encode(),
	}})
	if err != nil {
		return fmt.Errorf("destination: framing stream packet: %w", err)
	}
	for _, frame := range frames {
		if err := s.d.sender.SendMessage(out.Hops[0].RouterHash, i2np.New(i2np.TypeTunnelData, 0, 10*time.Second, frame)); err != nil {
			return err
		}
	}
	return nil
}

// UseNextOutboundTunnel advances which outbound tunnel subsequent sends
// prefer, per spec.md section 4.8's resend-attempt-3 congestion action.
func (s *streamSender) UseNextOutboundTunnel() error {
	_, err := s.d.pool.NextOutboundTunnel(nil)
	return err
}

// UseNextRemoteLease rotates to the next lease in the remote's lease
// set, per spec.md section 4.8's resend-attempt-4 congestion action.
func (s *streamSender) UseNextRemoteLease() error {
	s.leaseIdx++
	return nil
}

// streamIdentity adapts LocalDestination's signing key into the
// streaming.Identity interface.
type streamIdentity struct {
	d *LocalDestination
}

func (i streamIdentity) IdentityBytes() []byte { return i.d.ident.Serialize() }
func (i streamIdentity) Sign(data []byte) []byte {
	return ed25519.Sign(i.d.signPriv, data)
}

// DialStream opens an outbound stream to a remote destination's
// published lease set, sending an initial SYN carrying payload (spec.md
// section 4.8 send path step 2).
func (d *LocalDestination) DialStream(remoteIdent netdb.RouterIdentity, remoteLeaseSet netdb.LeaseSet, payload []byte) (*streaming.Stream, error) {
	sender := &streamSender{d: d, remoteIdent: remoteIdent, remoteLease: remoteLeaseSet}
	s := streaming.NewStream(sender, streamIdentity{d: d}, d.log)

	d.mu.Lock()
	d.nextStreamID++
	recvID := d.nextStreamID
	d.streams[recvID] = s
	d.mu.Unlock()

	if err := s.Open(recvID, payload); err != nil {
		return nil, err
	}
	return s, nil
}

// AcceptStream registers an inbound stream once a peer's SYN has been
// decrypted by the garlic layer and handed up, keyed by a fresh
// recv_stream_id this destination assigns; the peer's own stream ID
// (peerSendStreamID) becomes the stream's send_stream_id.
func (d *LocalDestination) AcceptStream(remoteIdent netdb.RouterIdentity, remoteLeaseSet netdb.LeaseSet, peerSendStreamID uint32) *streaming.Stream {
	sender := &streamSender{d: d, remoteIdent: remoteIdent, remoteLease: remoteLeaseSet}
	s := streaming.NewStream(sender, streamIdentity{d: d}, d.log)
	s.SetSendStreamID(peerSendStreamID)

	d.mu.Lock()
	d.nextStreamID++
	recvID := d.nextStreamID
	d.streams[recvID] = s
	d.mu.Unlock()
	return s
}

// Stream looks up a live stream by the recv_stream_id we assigned it.
func (d *LocalDestination) Stream(recvStreamID uint32) (*streaming.Stream, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.streams[recvStreamID]
	return s, ok
}

// CloseStream removes a stream from the registry once it reaches Closed
// or Reset.
func (d *LocalDestination) CloseStream(recvStreamID uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.streams, recvStreamID)
}
