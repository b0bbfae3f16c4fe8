package route

import (
	"sync"

	"github.com/route-beacon/evpn-routed/internal/evpn"
	"github.com/route-beacon/evpn-routed/internal/metrics"
)

// Store is the in-memory EVPN route table. Routes are keyed by (RD, MAC);
// a secondary index groups prefixes by next hop. One mutex covers both maps
// and the delegate call, so each mutation and its events are atomic with
// respect to other mutations.
type Store struct {
	mu        sync.Mutex
	routes    map[evpn.Prefix]evpn.Route
	byNextHop map[evpn.NextHop]map[evpn.Prefix]struct{}
	delegate  func(evpn.Event)
}

// NewStore creates an empty store. delegate may be nil.
func NewStore(delegate func(evpn.Event)) *Store {
	return &Store{
		routes:    make(map[evpn.Prefix]evpn.Route),
		byNextHop: make(map[evpn.NextHop]map[evpn.Prefix]struct{}),
		delegate:  delegate,
	}
}

// Update inserts or replaces the route stored under r's prefix. Replacing a
// different route emits ROUTE_REMOVED(old) then ROUTE_ADDED(r); a fresh
// prefix emits ROUTE_ADDED(r); an identical route emits nothing.
func (s *Store) Update(r evpn.Route) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := r.Prefix()
	old, exists := s.routes[p]
	if exists && old == r {
		return
	}

	if exists {
		s.unindex(old)
	}
	s.routes[p] = r
	s.index(r)
	metrics.RoutesInstalled.Set(float64(len(s.routes)))

	if exists {
		s.notify(evpn.NewEvent(evpn.RouteRemoved, old))
	}
	s.notify(evpn.NewEvent(evpn.RouteAdded, r))
}

// Remove deletes the route stored under r's prefix. Only the prefix of r is
// consulted. It reports whether a route was removed; removing an absent
// prefix is a silent no-op.
func (s *Store) Remove(r evpn.Route) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := r.Prefix()
	old, exists := s.routes[p]
	if !exists {
		return false
	}
	delete(s.routes, p)
	s.unindex(old)
	metrics.RoutesInstalled.Set(float64(len(s.routes)))

	s.notify(evpn.NewEvent(evpn.RouteRemoved, old))
	return true
}

// Get returns the route stored under p.
func (s *Store) Get(p evpn.Prefix) (evpn.Route, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.routes[p]
	return r, ok
}

// Routes returns a copy of every stored route, in no particular order.
func (s *Store) Routes() []evpn.Route {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

// RoutesByNextHop returns a copy of the routes that share nh.
func (s *Store) RoutesByNextHop(nh evpn.NextHop) []evpn.Route {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.byNextHop[nh]
	out := make([]evpn.Route, 0, len(set))
	for p := range set {
		out = append(out, s.routes[p])
	}
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.routes)
}

// View calls fn with a snapshot of the table while still holding the table
// lock. No event can be emitted between the snapshot and fn returning. fn
// must not call back into the store.
func (s *Store) View(fn func(routes []evpn.Route)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.snapshot())
}

func (s *Store) snapshot() []evpn.Route {
	out := make([]evpn.Route, 0, len(s.routes))
	for _, r := range s.routes {
		out = append(out, r)
	}
	return out
}

func (s *Store) index(r evpn.Route) {
	nh := r.NextHopKey()
	set, ok := s.byNextHop[nh]
	if !ok {
		set = make(map[evpn.Prefix]struct{})
		s.byNextHop[nh] = set
	}
	set[r.Prefix()] = struct{}{}
}

func (s *Store) unindex(r evpn.Route) {
	nh := r.NextHopKey()
	set, ok := s.byNextHop[nh]
	if !ok {
		return
	}
	delete(set, r.Prefix())
	if len(set) == 0 {
		delete(s.byNextHop, nh)
	}
}

func (s *Store) notify(ev evpn.Event) {
	metrics.RouteEventsTotal.WithLabelValues(ev.Type.String()).Inc()
	if s.delegate != nil {
		s.delegate(ev)
	}
}
