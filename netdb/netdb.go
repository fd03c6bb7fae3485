package netdb

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Storage is the opaque persistence abstraction netDb addresses storage
// through, per spec.md section 6. The core never touches a filesystem
// directly.
type Storage interface {
	Path() string
	Save(name string, data []byte) error
	Load(name string) ([]byte, error)
	Remove(name string) error
	Iterate() ([]string, error)
}

// Config carries the netDb-relevant options from the process surface
// (spec.md section 6).
type Config struct {
	IsFloodfill  bool
	MinFloodfill int
	MinRouters   int
}

// Reseeder is invoked when the router count drops below MinRouters, per
// spec.md's "NetDb router count floor" invariant.
type Reseeder interface {
	Reseed() error
}

// NetDb is the single owner of the router and lease-set maps (spec.md
// section 5: "NetDb thread owns router and lease-set maps. No other
// thread mutates these maps"). External callers go through its exported
// methods, which serialize access with a mutex rather than literal message
// passing — the FIFO-ordering requirement is satisfied because every
// mutating method takes the same lock.
type NetDb struct {
	mu       sync.RWMutex
	routers  map[Hash]RouterInfo
	leases   map[Hash]LeaseSet
	floodfillSet map[Hash]bool

	floodfills *floodfillIndex

	cfg     Config
	storage Storage
	reseeder Reseeder
	log     *logrus.Logger
}

// New creates an empty NetDb.
func New(cfg Config, storage Storage, reseeder Reseeder, log *logrus.Logger) *NetDb {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &NetDb{
		routers:      make(map[Hash]RouterInfo),
		leases:       make(map[Hash]LeaseSet),
		floodfillSet: make(map[Hash]bool),
		floodfills:   newFloodfillIndex(),
		cfg:          cfg,
		storage:      storage,
		reseeder:     reseeder,
		log:          log,
	}
}

// StoreRouterInfo inserts ri if it is newer than any existing entry for the
// same identity hash, per spec.md section 4.7 ("insert if newer timestamp").
// It returns true if the store resulted in an insert/update.
func (db *NetDb) StoreRouterInfo(ri RouterInfo) (bool, error) {
	if !ri.Verify() {
		return false, ErrInvalidSignature
	}
	h := ri.Hash()

	db.mu.Lock()
	defer db.mu.Unlock()

	if existing, ok := db.routers[h]; ok && existing.TimestampMS >= ri.TimestampMS {
		return false, nil
	}
	db.routers[h] = ri
	if ri.Capabilities.Floodfill {
		db.floodfillSet[h] = true
	} else {
		delete(db.floodfillSet, h)
	}
	db.rebuildFloodfillIndexLocked()
	db.persistAsync(h, ri)
	return true, nil
}

// persistAsync hands a freshly stored RouterInfo off to Storage without
// blocking the caller, per spec.md section 4.7 ("persist recently updated
// routers asynchronously"). A nil Storage (the common case in tests and for
// callers that don't want a disk footprint) makes this a no-op.
func (db *NetDb) persistAsync(h Hash, ri RouterInfo) {
	if db.storage == nil {
		return
	}
	name := hex.EncodeToString(h[:])
	data := EncodeRouterInfo(ri)
	go func() {
		if err := db.storage.Save(name, data); err != nil {
			db.log.WithError(err).WithField("hash", name).Warn("netdb: persist router info failed")
		}
	}()
}

// removePersistedAsync drops an expired router's on-disk entry without
// blocking the sweep that found it.
func (db *NetDb) removePersistedAsync(h Hash) {
	if db.storage == nil {
		return
	}
	name := hex.EncodeToString(h[:])
	go func() {
		if err := db.storage.Remove(name); err != nil {
			db.log.WithError(err).WithField("hash", name).Warn("netdb: remove persisted router failed")
		}
	}()
}

// LoadPersisted repopulates the router table from Storage at startup. It
// does not re-trigger persistence for the routers it loads. Invalid or
// unparsable entries are skipped and logged rather than treated as fatal,
// since a partially corrupt store should not block router bring-up.
func (db *NetDb) LoadPersisted() (int, error) {
	if db.storage == nil {
		return 0, nil
	}
	names, err := db.storage.Iterate()
	if err != nil {
		return 0, err
	}

	loaded := 0
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, name := range names {
		data, err := db.storage.Load(name)
		if err != nil {
			db.log.WithError(err).WithField("name", name).Warn("netdb: load persisted router failed")
			continue
		}
		ri, err := DecodeRouterInfo(data)
		if err != nil {
			db.log.WithError(err).WithField("name", name).Warn("netdb: decode persisted router failed")
			continue
		}
		if !ri.Verify() {
			db.log.WithField("name", name).Warn("netdb: persisted router failed signature check")
			continue
		}
		h := ri.Hash()
		if existing, ok := db.routers[h]; ok && existing.TimestampMS >= ri.TimestampMS {
			continue
		}
		db.routers[h] = ri
		if ri.Capabilities.Floodfill {
			db.floodfillSet[h] = true
		}
		loaded++
	}
	db.rebuildFloodfillIndexLocked()
	return loaded, nil
}

// StoreLeaseSet inserts ls if the store is floodfill or the insert is a
// reply to our own lookup (the caller decides which applies and passes
// it in; NetDb checks the signature and freshness here), per spec.md
// section 4.7.
func (db *NetDb) StoreLeaseSet(ls LeaseSet, weAreFloodfillOrRepliedLookup bool) (bool, error) {
	if !weAreFloodfillOrRepliedLookup {
		return false, ErrLeaseSetRejected
	}
	if !ls.Verify() {
		return false, ErrInvalidSignature
	}
	h := ls.Destination()

	db.mu.Lock()
	defer db.mu.Unlock()

	if existing, ok := db.leases[h]; ok {
		newer := ls.PublishedTS
		old := existing.PublishedTS
		if ls.Type != StoreTypeLeaseSet2 {
			// plain LeaseSet has no PublishedTS; compare by max lease end time instead.
			newer = maxLeaseEnd(ls.Leases)
			old = maxLeaseEnd(existing.Leases)
		}
		if old >= newer {
			return false, nil
		}
	}
	db.leases[h] = ls
	return true, nil
}

func maxLeaseEnd(leases []Lease) int64 {
	var max int64
	for _, l := range leases {
		if l.EndTimeMS > max {
			max = l.EndTimeMS
		}
	}
	return max
}

// RouterInfo looks up a router by identity hash.
func (db *NetDb) RouterInfo(h Hash) (RouterInfo, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	ri, ok := db.routers[h]
	return ri, ok
}

// LeaseSet looks up a destination's lease set.
func (db *NetDb) LeaseSet(h Hash) (LeaseSet, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	ls, ok := db.leases[h]
	return ls, ok
}

// RouterCount returns the number of known routers.
func (db *NetDb) RouterCount() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.routers)
}

// ClosestFloodfills returns up to n floodfill hashes closest (by XOR
// distance to routingKey) excluding those in exclude, filtering out
// unreachable and profile-bad routers, per spec.md section 4.7.
func (db *NetDb) ClosestFloodfills(routingKey Hash, n int, exclude map[Hash]bool, isBad func(Hash) bool) []Hash {
	candidates := db.floodfills.Closest(routingKey, n*4+8, exclude) // over-fetch, then filter
	out := make([]Hash, 0, n)
	db.mu.RLock()
	defer db.mu.RUnlock()
	for _, h := range candidates {
		ri, ok := db.routers[h]
		if !ok || !ri.Capabilities.Reachable {
			continue
		}
		if isBad != nil && isBad(h) {
			continue
		}
		out = append(out, h)
		if len(out) == n {
			break
		}
	}
	return out
}

func (db *NetDb) rebuildFloodfillIndexLocked() {
	hashes := make([]Hash, 0, len(db.floodfillSet))
	for h := range db.floodfillSet {
		hashes = append(hashes, h)
	}
	db.floodfills.Rebuild(hashes)
}

// ExpirationSweep removes routers older than ExpiryHorizon and lease sets
// all of whose leases have expired. It never reduces the router table
// below cfg.MinRouters, per the "NetDb router count floor" invariant, and
// triggers reseed when the floor would otherwise be breached.
func (db *NetDb) ExpirationSweep(now time.Time) (removedRouters, removedLeases int) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if len(db.routers) <= db.cfg.MinRouters {
		if db.reseeder != nil && len(db.routers) < db.cfg.MinRouters {
			if err := db.reseeder.Reseed(); err != nil {
				db.log.WithError(err).Warn("netdb: reseed failed")
			}
		}
	}

	floor := db.cfg.MinRouters
	floorHit := false
	for h, ri := range db.routers {
		if !ri.Expired(now) {
			continue
		}
		if len(db.routers) <= floor {
			floorHit = true
			break
		}
		delete(db.routers, h)
		delete(db.floodfillSet, h)
		db.removePersistedAsync(h)
		removedRouters++
	}
	db.rebuildFloodfillIndexLocked()

	for h, ls := range db.leases {
		if ls.Expired(now) {
			delete(db.leases, h)
			removedLeases++
		}
	}

	if (floorHit || len(db.routers) < db.cfg.MinRouters) && db.reseeder != nil {
		if err := db.reseeder.Reseed(); err != nil {
			db.log.WithError(err).Warn("netdb: reseed failed")
		}
	}
	return
}

// AllReachable returns a snapshot of every known, reachable RouterInfo,
// used by the tunnel package's peer selector (spec.md section 4.5).
func (db *NetDb) AllReachable() []RouterInfo {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]RouterInfo, 0, len(db.routers))
	for _, ri := range db.routers {
		if ri.Capabilities.Reachable {
			out = append(out, ri)
		}
	}
	return out
}

// FloodfillCount returns the number of known floodfill routers.
func (db *NetDb) FloodfillCount() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.floodfillSet)
}
