// Package metrics is a minimal, concurrency-safe counter registry for the
// rendezvous server. It exists to keep delivery and flood-control logic
// testable; a deployment wanting a real metrics backend can snapshot and
// export these counters.
package metrics

import "sync"

// Counter names.
const (
	SignIns         = "sign_ins"
	SignOuts        = "sign_outs"
	WaitsParked     = "waits_parked"
	MessagesRelayed = "messages_relayed"
	EventsQueued    = "events_queued"

	// Drop reasons.
	DropUnknownPeer = "drop_unknown_peer"
	DropRateLimited = "drop_rate_limited"
	DropMalformed   = "drop_malformed_request"
)

type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{m: make(map[string]uint64)}
}

func (m *Metrics) Inc(name string) {
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters, for logging on shutdown.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
