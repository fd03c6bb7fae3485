package tunnel

import (
	"sync"
	"time"
)

// TransitTable is the single owner of the tunnel_id -> TransitTunnel map
// (spec.md section 5: "Tunnel thread owns the tunnel_id -> Tunnel map,
// all pools, and all transit tunnels"). Lookups key on ReceiveTunnelID.
type TransitTable struct {
	mu    sync.RWMutex
	byID  map[uint32]*TransitTunnel
}

// NewTransitTable creates an empty transit tunnel table.
func NewTransitTable() *TransitTable {
	return &TransitTable{byID: make(map[uint32]*TransitTunnel)}
}

// Add inserts a newly admitted transit hop.
func (t *TransitTable) Add(tt *TransitTunnel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[tt.ReceiveTunnelID] = tt
}

// Lookup returns the transit hop for a receive tunnel ID.
func (t *TransitTable) Lookup(tunnelID uint32) (*TransitTunnel, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tt, ok := t.byID[tunnelID]
	return tt, ok
}

// ExpireSweep removes every transit hop past its 10-minute lifetime
// (spec.md section 4.4), returning the count removed.
func (t *TransitTable) ExpireSweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, tt := range t.byID {
		if tt.Expired(now) {
			delete(t.byID, id)
			removed++
		}
	}
	return removed
}

// Count returns the number of active transit hops, used by admission
// control's congestion accounting.
func (t *TransitTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}
