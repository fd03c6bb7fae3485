package netdb

import (
	"encoding/binary"
	"time"

	"github.com/sirupsen/logrus"

	"i2p-router/i2np"
)

// Sender is the subset of the Transports black box (spec.md section 6)
// netDb needs: best-effort, non-blocking delivery to a router by identity
// hash.
type Sender interface {
	SendMessage(to Hash, msg i2np.Message) error
}

// Wide is the optional wide-area replication channel: a gossipsub topic
// carrying RouterInfo announcements beyond the direct two-closest-floodfill
// flood, per SPEC_FULL.md's domain-stack wiring of go-libp2p-pubsub.
type Wide interface {
	Broadcast(topic string, data []byte) error
}

const routerInfoTopic = "i2p-netdb-routerinfo"

// FloodNewRouterInfo sends a DatabaseStore for ri directly to its two
// closest floodfills (plus two more for the next UTC day when within the
// day-boundary skew), per spec.md section 4.7, and additionally publishes
// it on the wide-area gossipsub topic if wide is non-nil.
func FloodNewRouterInfo(db *NetDb, ri RouterInfo, sender Sender, wide Wide, now time.Time, log *logrus.Logger) {
	ident := ri.Hash()
	targets := map[Hash]bool{}
	for _, rk := range dayBoundaryRoutingKeys(ident, now) {
		for _, h := range db.ClosestFloodfills(rk, 2, nil, nil) {
			targets[h] = true
		}
	}
	payload := buildDatabaseStorePayload(ident, StoreTypeRouterInfo, 0, 0, EncodeRouterInfo(ri))
	msg := i2np.New(i2np.TypeDatabaseStore, newMsgID(), 10*time.Second, payload)
	for h := range targets {
		if err := sender.SendMessage(h, msg); err != nil && log != nil {
			log.WithError(err).WithField("floodfill", h).Warn("netdb: flood send failed")
		}
	}
	if wide != nil {
		_ = wide.Broadcast(routerInfoTopic, EncodeRouterInfo(ri))
	}
}

// dayBoundaryRoutingKeys returns today's routing key, plus tomorrow's when
// now is within skew of UTC midnight, per spec.md section 4.7's "(plus two
// for the next day when near the day boundary)".
func dayBoundaryRoutingKeys(ident Hash, now time.Time) []Hash {
	keys := []Hash{RoutingKey(ident, now)}
	midnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	if midnight.Sub(now) < 10*time.Minute {
		keys = append(keys, RoutingKey(ident, now.Add(24*time.Hour)))
	}
	return keys
}

var msgIDCounter uint32

func newMsgID() uint32 {
	msgIDCounter++
	return msgIDCounter
}

func buildDatabaseStorePayload(key Hash, storeType StoreType, replyToken uint32, replyTunnel uint32, data []byte) []byte {
	out := make([]byte, 0, 32+1+4+4+len(data))
	out = append(out, key[:]...)
	out = append(out, byte(storeType))
	out = binary.BigEndian.AppendUint32(out, replyToken)
	out = binary.BigEndian.AppendUint32(out, replyTunnel)
	out = append(out, data...)
	return out
}

// BuildDatabaseStorePayload is the exported form of buildDatabaseStorePayload,
// used by destination.LocalDestination to publish a LeaseSet with a reply
// token so publication can be confirmed by a matching DeliveryStatus
// (spec.md section 4.9).
func BuildDatabaseStorePayload(key Hash, storeType StoreType, replyToken uint32, replyTunnel uint32, data []byte) []byte {
	return buildDatabaseStorePayload(key, storeType, replyToken, replyTunnel, data)
}

// NewMessageID returns the next internal message-ID counter value, shared
// with FloodNewRouterInfo's own envelope IDs.
func NewMessageID() uint32 { return newMsgID() }

func parseDatabaseStorePayload(payload []byte) (key Hash, storeType StoreType, replyToken uint32, replyTunnel uint32, data []byte, ok bool) {
	if len(payload) < 32+1+4+4 {
		return
	}
	copy(key[:], payload[:32])
	storeType = StoreType(payload[32])
	replyToken = binary.BigEndian.Uint32(payload[33:37])
	replyTunnel = binary.BigEndian.Uint32(payload[37:41])
	data = payload[41:]
	ok = true
	return
}

// HandleDatabaseStore processes an incoming DatabaseStore message, per
// spec.md section 4.7: validate and insert if newer, optionally acknowledge
// with a DeliveryStatus, and flood RouterInfo stores onward.
func HandleDatabaseStore(db *NetDb, msg i2np.Message, from Hash, sender Sender, wide Wide, now time.Time, weAreFloodfillOrRepliedLookup func(Hash) bool, log *logrus.Logger) error {
	key, storeType, replyToken, replyTunnel, data, ok := parseDatabaseStorePayload(msg.Payload)
	if !ok {
		return ErrShortBuffer
	}

	if storeType == StoreTypeRouterInfo {
		ri, err := DecodeRouterInfo(data)
		if err != nil {
			return err
		}
		inserted, err := db.StoreRouterInfo(ri)
		if err != nil {
			return err
		}
		if replyToken != 0 {
			ackDeliveryStatus(sender, from, replyTunnel, replyToken)
		}
		if inserted {
			FloodNewRouterInfo(db, ri, sender, wide, now, log)
		}
		return nil
	}

	ls, err := DecodeLeaseSet(data)
	if err != nil {
		return err
	}
	_, err = db.StoreLeaseSet(ls, weAreFloodfillOrRepliedLookup(key))
	if err != nil {
		return err
	}
	if replyToken != 0 {
		ackDeliveryStatus(sender, from, replyTunnel, replyToken)
	}
	return nil
}

func ackDeliveryStatus(sender Sender, to Hash, replyTunnel uint32, replyToken uint32) {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], replyToken)
	binary.BigEndian.PutUint32(payload[4:8], replyTunnel)
	msg := i2np.New(i2np.TypeDeliveryStatus, replyToken, 10*time.Second, payload)
	_ = sender.SendMessage(to, msg)
}

// DatabaseLookupFlags, per spec.md section 4.7's "replies may be
// unencrypted, AES-session-tag-encrypted, or ECIES-tag-encrypted per the
// request flags."
type DatabaseLookupFlags byte

const (
	LookupFlagUnencrypted DatabaseLookupFlags = 0
	LookupFlagAESTagReply DatabaseLookupFlags = 1
	LookupFlagECIESReply  DatabaseLookupFlags = 2
)

// HandleDatabaseLookup processes a DatabaseLookup, returning either the
// requested RouterInfo/LeaseSet payload or a DatabaseSearchReply listing
// closer floodfills, per spec.md section 4.7.
func HandleDatabaseLookup(db *NetDb, key Hash, excluded map[Hash]bool, now time.Time) (found []byte, isRouterInfo bool, searchReply []Hash, ok bool) {
	if ri, present := db.RouterInfo(key); present && !ri.Expired(now) {
		return EncodeRouterInfo(ri), true, nil, true
	}
	if ls, present := db.LeaseSet(key); present && !ls.Expired(now) {
		return EncodeLeaseSet(ls), false, nil, true
	}
	rk := RoutingKey(key, now)
	closer := db.ClosestFloodfills(rk, 3, excluded, nil)
	return nil, false, closer, false
}

// HandleDatabaseSearchReply hands the returned peers to the pending-request
// subsystem, iterating up to the retry cap, per spec.md section 4.7.
func HandleDatabaseSearchReply(requests *Requests, db *NetDb, key Hash, peers []Hash, sendLookup func(Hash, Hash) error) error {
	p, ok := requests.Get(key)
	if !ok {
		return nil
	}
	for _, peer := range peers {
		if p.Exhausted() {
			requests.Fail(key)
			return ErrLookupExhausted
		}
		p.Attempts++
		p.ExcludedPeers[peer] = true
		if err := sendLookup(peer, key); err != nil {
			continue
		}
	}
	return nil
}
