package tunnel

import (
	"sync"
	"time"

	"i2p-router/netdb"
)

// Profile tracks a peer's build-success history, used to filter "bad"
// peers out of selection (spec.md section 4.5's "excluding bad profiles").
type Profile struct {
	Successes   int
	Declines    int
	Timeouts    int
	LastUpdated time.Time
}

// IsBad reports whether a peer's recent history disqualifies it from
// selection: more than twice as many failures as successes, with at
// least 3 failures observed.
func (p Profile) IsBad() bool {
	failures := p.Declines + p.Timeouts
	return failures >= 3 && failures > 2*p.Successes
}

// Profiles is a concurrency-safe registry of per-router Profile state,
// grounded on the teacher's `sync.RWMutex`-guarded map idiom used
// throughout core/network.go and core/peer_management.go.
type Profiles struct {
	mu    sync.RWMutex
	byHop map[netdb.Hash]*Profile
}

// NewProfiles creates an empty profile registry.
func NewProfiles() *Profiles {
	return &Profiles{byHop: make(map[netdb.Hash]*Profile)}
}

// RecordSuccess records a successful build-response from hop.
func (p *Profiles) RecordSuccess(hop netdb.Hash) { p.record(hop, func(pr *Profile) { pr.Successes++ }) }

// RecordDecline records a non-zero ("bandwidth reject") response from hop.
func (p *Profiles) RecordDecline(hop netdb.Hash) { p.record(hop, func(pr *Profile) { pr.Declines++ }) }

// RecordTimeout records a build request to hop that never answered.
func (p *Profiles) RecordTimeout(hop netdb.Hash) { p.record(hop, func(pr *Profile) { pr.Timeouts++ }) }

func (p *Profiles) record(hop netdb.Hash, mutate func(*Profile)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.byHop[hop]
	if !ok {
		pr = &Profile{}
		p.byHop[hop] = pr
	}
	mutate(pr)
	pr.LastUpdated = time.Now()
}

// IsBad reports whether hop's tracked profile disqualifies it from
// selection. An unknown hop is never bad.
func (p *Profiles) IsBad(hop netdb.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pr, ok := p.byHop[hop]
	if !ok {
		return false
	}
	return pr.IsBad()
}

// Get returns a copy of hop's profile, if tracked.
func (p *Profiles) Get(hop netdb.Hash) (Profile, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pr, ok := p.byHop[hop]
	if !ok {
		return Profile{}, false
	}
	return *pr, true
}
