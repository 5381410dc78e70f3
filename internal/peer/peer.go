// Package peer holds the representation of other nodes on the LAN and the
// registry that the discovery listener maintains.
package peer

import (
	"net"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Where a record came from.
const (
	SourceMDNS   = "mdns"
	SourceScan   = "scan"
	SourceStatus = "status"
)

// Liveness values set by the status checker.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Record describes one peer.
type Record struct {
	Name        string `json:"name"`
	IP          string `json:"ip"`
	Port        int    `json:"port"`
	Environment string `json:"environment,omitempty"`
	Directory   string `json:"current_directory,omitempty"`
	Status      string `json:"status,omitempty"`
	LastSeen    string `json:"last_seen,omitempty"`
	Error       string `json:"error,omitempty"`
	Source      string `json:"source,omitempty"`

	// expires is when an mDNS record lapses without a refresh.
	expires time.Time
}

// Addr returns "ip:port".
func (r Record) Addr() string {
	return net.JoinHostPort(r.IP, strconv.Itoa(r.Port))
}

// Registry is the set of peers seen through multicast discovery, keyed by
// service instance. Display names need not be unique. It is safe for
// concurrent use: the discovery listener writes while HTTP handlers read.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]Record
	now   func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		peers: make(map[string]Record),
		now:   time.Now,
	}
}

// Upsert adds or replaces the record stored under key. A positive ttl sets
// the expiry; zero keeps the record until it is removed. Reports whether the
// key was new.
func (r *Registry) Upsert(key string, rec Record, ttl time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ttl > 0 {
		rec.expires = r.now().Add(ttl)
	}
	if rec.LastSeen == "" {
		rec.LastSeen = r.now().Format(time.RFC3339)
	}
	_, existed := r.peers[key]
	r.peers[key] = rec
	return !existed
}

// Remove deletes the record stored under key and reports whether there was
// one.
func (r *Registry) Remove(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[key]; !ok {
		return false
	}
	delete(r.peers, key)
	return true
}

// Expire drops records whose ttl has lapsed and returns their keys.
func (r *Registry) Expire() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var gone []string
	for key, rec := range r.peers {
		if !rec.expires.IsZero() && now.After(rec.expires) {
			delete(r.peers, key)
			gone = append(gone, key)
		}
	}
	sort.Strings(gone)
	return gone
}

// Snapshot returns a copy of all records sorted by name, then address.
func (r *Registry) Snapshot() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Record, 0, len(r.peers))
	for _, rec := range r.peers {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Addr() < out[j].Addr()
	})
	return out
}

// Len returns the number of records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Merge combines discovered and probed peers. Entries are keyed by address;
// a discovered entry wins over a probed one for the same address, probed
// entries only ever add.
func Merge(discovered, probed []Record) []Record {
	out := make([]Record, 0, len(discovered)+len(probed))
	seen := make(map[string]bool, len(discovered))
	for _, rec := range discovered {
		seen[rec.Addr()] = true
		out = append(out, rec)
	}
	for _, rec := range probed {
		if seen[rec.Addr()] {
			continue
		}
		seen[rec.Addr()] = true
		out = append(out, rec)
	}
	return out
}
