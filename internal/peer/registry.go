// Package peer implements the MAC-keyed peer registry shared by edges and
// supernodes: lookup/reconciliation of a peer's socket and MAC identity,
// and the add_or_find() semantics used when a peer's MAC becomes known
// only after its socket has already been observed.
package peer

import (
	"container/list"
	"sync"

	"n3ncore/internal/metrics"
	"n3ncore/internal/netaddr"
)

// AddMode selects whether AddOrFind should insert a new Peer on a miss.
type AddMode int

const (
	// NoAdd performs a lookup only; a miss returns (nil, false).
	NoAdd AddMode = iota
	// Add inserts a new Peer on a miss.
	Add
)

// DefaultSelectionCriterion is the score newly-inserted peers start with.
// The core treats selection criteria as opaque; supernode-selection policy
// owns their meaning and update cadence.
const DefaultSelectionCriterion = 0

// Peer is one entry in the registry: a MAC identity, current socket, an
// opaque selection-criterion score, and (for supernodes) an optional
// hostname the socket was last resolved from.
type Peer struct {
	MAC                netaddr.MAC
	Sock               netaddr.Sock
	SelectionCriterion int64
	Hostname           string
}

// Registry is the mutex-guarded MAC -> *Peer mapping. Because the MAC is
// the hash key and the reconciliation rules in AddOrFind can discover (and
// therefore mutate) a peer's MAC after insertion, the registry always
// removes an entry from the map before changing its key and reinserting —
// mutating a list.Element's key in place would desynchronize the map.
type Registry struct {
	mu      sync.Mutex
	byMAC   map[netaddr.MAC]*list.Element
	order   *list.List
	metrics *metrics.Metrics
}

type peerEntry struct {
	peer *Peer
}

// New returns an empty Registry. m may be nil, in which case AddOrFind's
// insert/promote events go unrecorded.
func New(m *metrics.Metrics) *Registry {
	return &Registry{
		byMAC:   make(map[netaddr.MAC]*list.Element),
		order:   list.New(),
		metrics: m,
	}
}

// AddOrFind implements the registry's reconciliation rule:
//
//  1. If mac is non-null, look up by mac. A hit returns that peer
//     unconditionally (its socket is not refreshed here).
//  2. Otherwise scan for a peer whose socket equals sock. A hit with a
//     non-null mac promotes that peer's key: it is removed from the map,
//     its MAC overwritten, and reinserted.
//  3. If still not found and mode is Add, a new Peer is inserted with the
//     given (possibly null) MAC, sock, and the default selection
//     criterion; the returned bool reports whether an insertion occurred.
func (r *Registry) AddOrFind(sock netaddr.Sock, mac netaddr.MAC, mode AddMode) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !mac.IsNull() {
		if el, ok := r.byMAC[mac]; ok {
			return el.Value.(*peerEntry).peer, false
		}
	}

	for el := r.order.Front(); el != nil; el = el.Next() {
		ent := el.Value.(*peerEntry)
		if !ent.peer.Sock.Equal(sock) {
			continue
		}
		if !mac.IsNull() {
			delete(r.byMAC, ent.peer.MAC)
			ent.peer.MAC = mac
			r.byMAC[mac] = el
			if r.metrics != nil {
				r.metrics.IncRegistryPromoted()
			}
		}
		return ent.peer, false
	}

	if mode != Add {
		return nil, false
	}

	p := &Peer{MAC: mac, Sock: sock, SelectionCriterion: DefaultSelectionCriterion}
	el := r.order.PushBack(&peerEntry{peer: p})
	// A null MAC is never looked up in byMAC (rule 1 skips the map for it),
	// and the map can hold at most one entry per key — keying two distinct
	// null-MAC peers off the same zero value would collide and strand the
	// first one, reachable only through order/List.
	if !mac.IsNull() {
		r.byMAC[mac] = el
	}
	if r.metrics != nil {
		r.metrics.IncRegistryAdded()
		r.metrics.SetRegistrySize(r.order.Len())
	}
	return p, true
}

// Find looks up a peer by MAC without the socket-scan fallback.
func (r *Registry) Find(mac netaddr.MAC) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.byMAC[mac]
	if !ok {
		return nil, false
	}
	return el.Value.(*peerEntry).peer, true
}

// Remove deletes the peer keyed by mac, if present.
func (r *Registry) Remove(mac netaddr.MAC) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.byMAC[mac]
	if !ok {
		return false
	}
	delete(r.byMAC, mac)
	r.order.Remove(el)
	if r.metrics != nil {
		r.metrics.SetRegistrySize(r.order.Len())
	}
	return true
}

// Len reports the number of peers currently registered. Derived from order,
// not byMAC: a peer inserted with a null MAC has no byMAC entry at all.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order.Len()
}

// List returns a snapshot of every registered peer, in insertion order.
func (r *Registry) List() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Peer, 0, r.order.Len())
	for el := r.order.Front(); el != nil; el = el.Next() {
		out = append(out, *el.Value.(*peerEntry).peer)
	}
	return out
}

// UpdateSock overwrites the socket of the peer keyed by mac, if present,
// and reports whether the socket actually changed.
func (r *Registry) UpdateSock(mac netaddr.MAC, sock netaddr.Sock) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.byMAC[mac]
	if !ok {
		return false
	}
	p := el.Value.(*peerEntry).peer
	if p.Sock.Equal(sock) {
		return false
	}
	p.Sock = sock
	return true
}
