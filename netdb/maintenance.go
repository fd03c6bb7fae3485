package netdb

import (
	"sync"
	"time"
)

// MaintenanceInterval is the cadence of the background expiration sweep,
// per spec.md section 4.7 ("every 60s: ExpirationSweep").
const MaintenanceInterval = 60 * time.Second

// Maintenance runs NetDb's periodic expiration sweep and pending-request
// timeout sweep on a fixed interval, adapted from the teacher's
// Replicator.Start/Stop/readLoop goroutine-lifecycle idiom
// (core/replication.go).
type Maintenance struct {
	db       *NetDb
	requests *Requests
	interval time.Duration

	closing chan struct{}
	wg      sync.WaitGroup
}

// NewMaintenance wires a background sweeper for db and requests.
func NewMaintenance(db *NetDb, requests *Requests, interval time.Duration) *Maintenance {
	if interval <= 0 {
		interval = MaintenanceInterval
	}
	return &Maintenance{
		db:       db,
		requests: requests,
		interval: interval,
		closing:  make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (m *Maintenance) Start() {
	m.wg.Add(1)
	go m.loop()
}

// Stop terminates the sweep loop and waits for it to exit.
func (m *Maintenance) Stop() {
	close(m.closing)
	m.wg.Wait()
}

func (m *Maintenance) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.closing:
			return
		case t := <-ticker.C:
			m.sweep(t)
		}
	}
}

func (m *Maintenance) sweep(now time.Time) {
	removedRouters, removedLeases := m.db.ExpirationSweep(now)
	if removedRouters+removedLeases > 0 {
		m.db.log.WithField("removed_routers", removedRouters).
			WithField("removed_leases", removedLeases).
			Debug("netdb: expiration sweep")
	}
	if m.requests != nil {
		m.requests.Sweep()
	}
}
