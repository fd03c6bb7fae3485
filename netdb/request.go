package netdb

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// MaxLookupRetries bounds the number of floodfills a lookup will try before
// giving up, per spec.md section 4.7 ("iterate through returned peers up
// to a retry cap (7)") and section 7 ("NetDb lookup exhaustion (7 tries)").
const MaxLookupRetries = 7

// LookupCallback receives the result of a completed or failed lookup.
type LookupCallback func(RouterInfo, LeaseSet, bool)

// PendingLookup holds retry state for one in-flight netDb query, grounded
// on original_source/libi2pd/NetDbRequests.cpp's RequestedDestination:
// an excluded-peer set that only grows, and a completion callback invoked
// exactly once.
type PendingLookup struct {
	ID              uuid.UUID
	Key             Hash
	Exploratory     bool
	CreatedAt       time.Time
	ExcludedPeers   map[Hash]bool
	Attempts        int
	MinInterval     time.Duration
	MaxInterval     time.Duration
	lastAttempt     time.Time
	callback        LookupCallback
	done            bool
}

// NextFloodfill picks the closest not-yet-excluded floodfill for the next
// attempt, recording it as excluded so a retry never repeats it.
func (p *PendingLookup) NextFloodfill(db *NetDb, now time.Time) (Hash, bool) {
	ffs := db.ClosestFloodfills(p.Key, 1, p.ExcludedPeers, nil)
	if len(ffs) == 0 {
		return Hash{}, false
	}
	p.Attempts++
	p.lastAttempt = now
	p.ExcludedPeers[ffs[0]] = true
	return ffs[0], true
}

// Exhausted reports whether the lookup has used its full retry budget.
func (p *PendingLookup) Exhausted() bool {
	return p.Attempts >= MaxLookupRetries
}

// ReadyForRetry reports whether enough time has passed since the last
// attempt to retry: at least MinInterval. MaxInterval is not consulted.
func (p *PendingLookup) ReadyForRetry(now time.Time) bool {
	if p.lastAttempt.IsZero() {
		return true
	}
	elapsed := now.Sub(p.lastAttempt)
	return elapsed >= p.MinInterval
}

// Complete invokes the callback (once) with a successful RouterInfo result.
func (p *PendingLookup) Complete(ri RouterInfo) {
	if p.done {
		return
	}
	p.done = true
	if p.callback != nil {
		p.callback(ri, LeaseSet{}, true)
	}
}

// CompleteLeaseSet invokes the callback (once) with a successful LeaseSet result.
func (p *PendingLookup) CompleteLeaseSet(ls LeaseSet) {
	if p.done {
		return
	}
	p.done = true
	if p.callback != nil {
		p.callback(RouterInfo{}, ls, true)
	}
}

// Fail invokes the callback (once) with a failure result, per spec.md
// section 7: "Invoke caller's callback with None."
func (p *PendingLookup) Fail() {
	if p.done {
		return
	}
	p.done = true
	if p.callback != nil {
		p.callback(RouterInfo{}, LeaseSet{}, false)
	}
}

// Requests tracks all in-flight PendingLookups, one per destination key,
// matching original_source's NetDbRequests (a map keyed by IdentHash,
// guarded by a single mutex).
type Requests struct {
	mu      sync.Mutex
	pending map[Hash]*PendingLookup
}

// NewRequests creates an empty request tracker.
func NewRequests() *Requests {
	return &Requests{pending: make(map[Hash]*PendingLookup)}
}

// Create registers a new pending lookup for key, or returns false if one is
// already in flight (original_source's emplace-returns-false-if-present
// behavior).
func (r *Requests) Create(key Hash, exploratory bool, minInterval, maxInterval time.Duration, cb LookupCallback) (*PendingLookup, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pending[key]; exists {
		return nil, false
	}
	p := &PendingLookup{
		ID:            uuid.New(),
		Key:           key,
		Exploratory:   exploratory,
		CreatedAt:     time.Now(),
		ExcludedPeers: make(map[Hash]bool),
		MinInterval:   minInterval,
		MaxInterval:   maxInterval,
		callback:      cb,
	}
	r.pending[key] = p
	return p, true
}

// Get returns the pending lookup for key, if any.
func (r *Requests) Get(key Hash) (*PendingLookup, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[key]
	return p, ok
}

// CompleteRouterInfo finishes the pending lookup for key with a RouterInfo
// result and removes it from the tracker.
func (r *Requests) CompleteRouterInfo(key Hash, ri RouterInfo) {
	r.mu.Lock()
	p, ok := r.pending[key]
	delete(r.pending, key)
	r.mu.Unlock()
	if ok {
		p.Complete(ri)
	}
}

// CompleteLeaseSet finishes the pending lookup for key with a LeaseSet
// result and removes it from the tracker.
func (r *Requests) CompleteLeaseSet(key Hash, ls LeaseSet) {
	r.mu.Lock()
	p, ok := r.pending[key]
	delete(r.pending, key)
	r.mu.Unlock()
	if ok {
		p.CompleteLeaseSet(ls)
	}
}

// Fail finishes the pending lookup for key as a failure and removes it.
func (r *Requests) Fail(key Hash) {
	r.mu.Lock()
	p, ok := r.pending[key]
	delete(r.pending, key)
	r.mu.Unlock()
	if ok {
		p.Fail()
	}
}

// Sweep fails and removes any pending lookup that has exhausted its
// retries, per spec.md section 7.
func (r *Requests) Sweep() {
	r.mu.Lock()
	var toFail []*PendingLookup
	for key, p := range r.pending {
		if p.Exhausted() {
			toFail = append(toFail, p)
			delete(r.pending, key)
		}
	}
	r.mu.Unlock()
	for _, p := range toFail {
		p.Fail()
	}
}
