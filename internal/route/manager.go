package route

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/route-beacon/evpn-routed/internal/evpn"
	"github.com/route-beacon/evpn-routed/internal/metrics"
	"go.uber.org/zap"
)

var (
	ErrClosed            = errors.New("route: manager closed")
	ErrDuplicateListener = errors.New("route: listener already subscribed")
)

// DefaultQueueCapacity bounds each listener queue unless configured
// otherwise.
const DefaultQueueCapacity = 65536

// HandlerFunc receives route events for one listener, in order. A returned
// error is logged and counted; delivery continues with the next event.
type HandlerFunc func(ctx context.Context, ev evpn.Event) error

type ManagerConfig struct {
	// QueueCapacity bounds each listener's queue. Zero means unbounded.
	QueueCapacity int
}

// Manager owns the route store and fans its events out to subscribers, each
// with its own queue and worker goroutine.
type Manager struct {
	store *Store
	cfg   ManagerConfig

	mu     sync.Mutex // serializes Subscribe, unsubscribe and Close
	closed bool
	subs   atomic.Pointer[[]*Subscription]

	logger *zap.Logger
}

func NewManager(cfg ManagerConfig, logger *zap.Logger) *Manager {
	if cfg.QueueCapacity < 0 {
		cfg.QueueCapacity = 0
	}
	m := &Manager{cfg: cfg, logger: logger}
	m.subs.Store(&[]*Subscription{})
	m.store = NewStore(m.post)
	return m
}

// Store exposes the underlying table for read access.
func (m *Manager) Store() *Store {
	return m.store
}

// UpdateRoutes upserts each route in order.
func (m *Manager) UpdateRoutes(routes []evpn.Route) {
	for _, r := range routes {
		m.store.Update(r)
	}
}

// WithdrawRoutes removes each route's prefix in order.
func (m *Manager) WithdrawRoutes(routes []evpn.Route) {
	for _, r := range routes {
		m.store.Remove(r)
	}
}

// AllRoutes returns a snapshot of the table.
func (m *Manager) AllRoutes() []evpn.Route {
	return m.store.Routes()
}

// Subscribe registers handler under name. Before any live event the new
// listener receives one ROUTE_UPDATED per route already in the table; the
// snapshot and the registration happen under the table lock, so no live
// event falls between them.
func (m *Manager) Subscribe(name string, handler HandlerFunc) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	for _, s := range *m.subs.Load() {
		if s.name == name {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateListener, name)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		name:    name,
		handler: handler,
		queue:   newEventQueue(m.cfg.QueueCapacity, metrics.ListenerQueueDepth.WithLabelValues(name)),
		manager: m,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		logger:  m.logger.With(zap.String("listener", name)),
	}

	var replayed int
	m.store.View(func(routes []evpn.Route) {
		for _, r := range routes {
			s.enqueue(evpn.NewEvent(evpn.RouteUpdated, r))
		}
		replayed = len(routes)

		cur := *m.subs.Load()
		next := make([]*Subscription, 0, len(cur)+1)
		next = append(next, cur...)
		next = append(next, s)
		m.subs.Store(&next)
	})

	go s.run()

	m.logger.Info("listener subscribed",
		zap.String("listener", name),
		zap.Int("replayed_routes", replayed),
	)
	return s, nil
}

// Listeners returns the names of the current subscriptions.
func (m *Manager) Listeners() []string {
	subs := *m.subs.Load()
	names := make([]string, 0, len(subs))
	for _, s := range subs {
		names = append(names, s.name)
	}
	return names
}

// Close stops every subscription. Later calls to Subscribe fail with
// ErrClosed; the table itself stays usable.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	subs := *m.subs.Load()
	m.subs.Store(&[]*Subscription{})
	m.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}

// post runs inside the store's critical section.
func (m *Manager) post(ev evpn.Event) {
	for _, s := range *m.subs.Load() {
		s.enqueue(ev)
	}
}

func (m *Manager) unsubscribe(s *Subscription) {
	m.mu.Lock()
	cur := *m.subs.Load()
	next := make([]*Subscription, 0, len(cur))
	for _, o := range cur {
		if o != s {
			next = append(next, o)
		}
	}
	m.subs.Store(&next)
	m.mu.Unlock()

	s.stop()
}

// Subscription is one registered listener.
type Subscription struct {
	name    string
	handler HandlerFunc
	queue   *eventQueue
	manager *Manager

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once

	dropRun int // consecutive overflows, guarded by the store lock

	logger *zap.Logger
}

func (s *Subscription) Name() string {
	return s.name
}

// Pending returns the number of events waiting for delivery.
func (s *Subscription) Pending() int {
	return s.queue.len()
}

// Close unregisters the listener and waits for its worker to exit. Events
// still queued are dropped. Close must not be called from the listener's
// own handler.
func (s *Subscription) Close() {
	s.manager.unsubscribe(s)
}

// enqueue runs under the store lock. A run of overflows is logged once when
// it starts and once when the queue has room again; the counter tracks every
// drop.
func (s *Subscription) enqueue(ev evpn.Event) {
	if !s.queue.push(ev) {
		if s.dropRun > 0 {
			s.logger.Info("listener queue has room again",
				zap.Int("dropped_events", s.dropRun),
			)
			s.dropRun = 0
		}
		return
	}
	metrics.ListenerEventsDroppedTotal.WithLabelValues(s.name, "overflow").Inc()
	if s.dropRun == 0 {
		s.logger.Warn("listener queue full, dropping oldest events",
			zap.Int("capacity", s.queue.capacity),
		)
	}
	s.dropRun++
}

func (s *Subscription) stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		dropped := s.queue.close()
		<-s.done
		if dropped > 0 {
			metrics.ListenerEventsDroppedTotal.WithLabelValues(s.name, "unsubscribe").Add(float64(dropped))
		}
		metrics.ListenerQueueDepth.DeleteLabelValues(s.name)
		s.logger.Info("listener unsubscribed", zap.Int("dropped_events", dropped))
	})
}

func (s *Subscription) run() {
	defer close(s.done)
	for {
		ev, ok := s.queue.pop(s.ctx)
		if !ok {
			return
		}
		s.deliver(ev)
	}
}

func (s *Subscription) deliver(ev evpn.Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ListenerErrorsTotal.WithLabelValues(s.name, "panic").Inc()
			s.logger.Error("listener panicked",
				zap.String("event", ev.Type.String()),
				zap.Stringer("route", ev.Route),
				zap.Any("panic", r),
			)
		}
	}()

	if err := s.handler(s.ctx, ev); err != nil {
		metrics.ListenerErrorsTotal.WithLabelValues(s.name, "error").Inc()
		s.logger.Warn("listener failed to handle event",
			zap.String("event", ev.Type.String()),
			zap.Stringer("route", ev.Route),
			zap.Error(err),
		)
	}
}
