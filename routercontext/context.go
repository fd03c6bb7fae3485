// Package routercontext represents this router itself: its identity,
// its RouterInfo, its reachability state, and the garlic session that
// decrypts messages addressed to the router rather than to one of its
// local destinations (spec.md section 4.10).
package routercontext

import (
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"i2p-router/garlic"
	"i2p-router/i2np"
	"i2p-router/netdb"
)

// Status mirrors the original daemon's RouterStatus enum
// (original_source/libi2pd/RouterContext.h), tracked independently for
// IPv4 and IPv6 per spec.md section 4.10.
type Status int

const (
	StatusUnknown Status = iota
	StatusOK
	StatusFirewalled
	StatusProxy
	StatusMesh
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusFirewalled:
		return "Firewalled"
	case StatusProxy:
		return "Proxy"
	case StatusMesh:
		return "Mesh"
	default:
		return "Unknown"
	}
}

// publishInterval and publishIntervalVariance are the base re-publish period
// and its jitter, taken from the original daemon's
// ROUTER_INFO_PUBLISH_INTERVAL (39 min) and
// ROUTER_INFO_PUBLISH_INTERVAL_VARIANCE (105s).
const (
	publishInterval         = 39 * time.Minute
	publishIntervalVariance = 105 * time.Second
	initialPublishInterval  = 10 * time.Second
)

// Sender is the Transports black box RouterContext needs to publish
// RouterInfo directly, or to fall back through an exploratory tunnel
// when unreachable (spec.md section 4.10).
type Sender interface {
	SendMessage(to netdb.Hash, msg i2np.Message) error
}

// ExploratorySender drives an exploratory outbound tunnel for publishing
// when this router cannot be reached directly (spec.md section 4.10:
// "else via an exploratory outbound").
type ExploratorySender interface {
	SendViaExploratory(to netdb.Hash, msg i2np.Message) error
}

// RouterContext represents this node: its long-term identity, its
// currently published RouterInfo, its v4/v6 reachability, the garlic
// session that decrypts router-addressed messages, and the periodic
// publish timer.
type RouterContext struct {
	mu sync.Mutex

	signPriv ed25519.PrivateKey
	encPriv  [32]byte
	info     netdb.RouterInfo

	statusV4 Status
	statusV6 Status

	garlicDest *garlic.GarlicDestination
	db         *netdb.NetDb
	sender     Sender
	exploreSvc ExploratorySender
	log        *logrus.Logger

	lastPublish     time.Time
	nextPublishAt   time.Time
	publishDeadline time.Time
}

// New creates a RouterContext around a signing keypair, an X25519
// encryption keypair (used for the router's own garlic session), and
// the initial RouterInfo to publish.
func New(signPriv ed25519.PrivateKey, encPub, encPriv [32]byte, info netdb.RouterInfo, garlicDest *garlic.GarlicDestination, db *netdb.NetDb, sender Sender, explore ExploratorySender, log *logrus.Logger) *RouterContext {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &RouterContext{
		signPriv:   signPriv,
		encPriv:    encPriv,
		info:       info,
		statusV4:   StatusUnknown,
		statusV6:   StatusUnknown,
		garlicDest: garlicDest,
		db:         db,
		sender:     sender,
		exploreSvc: explore,
		log:        log,
	}
}

// Hash returns this router's identity hash.
func (c *RouterContext) Hash() netdb.Hash { return c.info.Hash() }

// RouterInfo returns the currently published descriptor.
func (c *RouterContext) RouterInfo() netdb.RouterInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// SetStatus updates reachability for one IP family and, on any change of
// that family's status, forces an early republish (spec.md section 4.10).
func (c *RouterContext) SetStatus(v6 bool, status Status) {
	c.mu.Lock()
	changed := false
	if v6 {
		changed = c.statusV6 != status
		c.statusV6 = status
	} else {
		changed = c.statusV4 != status
		c.statusV4 = status
	}
	if changed {
		c.log.WithFields(logrus.Fields{"v6": v6, "status": status}).Info("routercontext: reachability changed")
		c.info.Capabilities.Reachable = c.statusV4 == StatusOK || c.statusV6 == StatusOK
		c.nextPublishAt = time.Time{}
	}
	c.mu.Unlock()
}

// Reachable reports whether either address family is currently OK.
func (c *RouterContext) Reachable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusV4 == StatusOK || c.statusV6 == StatusOK
}

// MaintainPublication re-signs and republishes RouterInfo on its
// periodic timer (spec.md section 4.10: "directly when reachable, else
// via an exploratory outbound"), jittered per the original daemon's
// publish-interval variance.
func (c *RouterContext) MaintainPublication(now time.Time, jitter time.Duration) error {
	c.mu.Lock()
	due := c.nextPublishAt.IsZero() || !now.Before(c.nextPublishAt)
	if !due {
		c.mu.Unlock()
		return nil
	}
	interval := publishInterval + (jitter % publishIntervalVariance)
	if c.lastPublish.IsZero() {
		interval = initialPublishInterval
	}
	c.nextPublishAt = now.Add(interval)
	c.info.TimestampMS = now.UnixMilli()
	c.info = c.info.Sign(c.signPriv)
	info := c.info
	reachable := c.statusV4 == StatusOK || c.statusV6 == StatusOK
	c.lastPublish = now
	c.mu.Unlock()

	_, err := c.db.StoreRouterInfo(info)
	if err != nil {
		return fmt.Errorf("routercontext: storing own RouterInfo locally: %w", err)
	}

	routingKey := netdb.RoutingKey(info.Hash(), now)
	targets := c.db.ClosestFloodfills(routingKey, 2, nil, nil)
	payload := netdb.BuildDatabaseStorePayload(info.Hash(), netdb.StoreTypeRouterInfo, 0, 0, netdb.EncodeRouterInfo(info))
	for _, ff := range targets {
		msg := i2np.New(i2np.TypeDatabaseStore, netdb.NewMessageID(), 10*time.Second, payload)
		var sendErr error
		if reachable {
			sendErr = c.sender.SendMessage(ff, msg)
		} else if c.exploreSvc != nil {
			sendErr = c.exploreSvc.SendViaExploratory(ff, msg)
		} else {
			sendErr = fmt.Errorf("routercontext: unreachable and no exploratory sender configured")
		}
		if sendErr != nil {
			c.log.WithError(sendErr).WithField("floodfill", ff).Warn("routercontext: publish failed")
		}
	}
	return nil
}

// HandleRouterIncoming decrypts a garlic message addressed to the
// router itself (spec.md section 4.10's RouterIncomingRatchetSession),
// used for tunnel-build replies and other router-targeted cloves
// delivered after SSU2/NTCP2 transport decryption.
func (c *RouterContext) HandleRouterIncoming(msg []byte) ([]byte, error) {
	return c.garlicDest.HandleRouterIncoming(msg)
}

// Cleanup retires idle garlic sessions owned by the router's own
// GarlicDestination.
func (c *RouterContext) Cleanup(now time.Time) {
	c.garlicDest.Cleanup(now)
}
