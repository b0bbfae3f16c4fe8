package provider

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/route-beacon/evpn-routed/internal/bgp"
	"github.com/route-beacon/evpn-routed/internal/evpn"
	"github.com/route-beacon/evpn-routed/internal/metrics"
	"github.com/route-beacon/evpn-routed/internal/route"
	"go.uber.org/zap"
)

// ListenerName is the name the translator subscribes under.
const ListenerName = "bgp-provider"

// Peer is an established BGP session that accepts EVPN UPDATEs.
type Peer interface {
	ID() string
	SendEVPNUpdate(ctx context.Context, op bgp.Operation, nextHop netip.Addr, ext []bgp.ExtCommunity, nlris []*bgp.MacIPAdvertisement) error
}

// PeerSet lists the sessions that outbound updates fan out to.
type PeerSet interface {
	Peers() []Peer
}

// RouteAdmin is the write side of the route table.
type RouteAdmin interface {
	UpdateRoutes(routes []evpn.Route)
	WithdrawRoutes(routes []evpn.Route)
}

// Subscriber registers event listeners.
type Subscriber interface {
	Subscribe(name string, handler route.HandlerFunc) (*route.Subscription, error)
}

// Result summarizes what one inbound UPDATE did to the table.
type Result struct {
	Added     int
	Withdrawn int
	Skipped   int
	Rejected  []error
}

// Translator converts between BGP EVPN UPDATEs and route table entries in
// both directions.
type Translator struct {
	routes RouteAdmin
	peers  PeerSet
	logger *zap.Logger

	sub *route.Subscription
}

func NewTranslator(routes RouteAdmin, peers PeerSet, logger *zap.Logger) *Translator {
	return &Translator{routes: routes, peers: peers, logger: logger}
}

// Start subscribes the translator to route events so that table changes are
// advertised to peers.
func (t *Translator) Start(s Subscriber) error {
	sub, err := s.Subscribe(ListenerName, t.HandleEvent)
	if err != nil {
		return fmt.Errorf("subscribing %s: %w", ListenerName, err)
	}
	t.sub = sub
	return nil
}

// Stop unsubscribes. Events not yet sent are dropped.
func (t *Translator) Stop() {
	if t.sub != nil {
		t.sub.Close()
		t.sub = nil
	}
}

// HandleUpdate applies an UPDATE received from peerID to the route table.
// Announcements need a Route Target in the same UPDATE; those without one
// are skipped. Withdrawals are keyed by (RD, MAC) and apply with or without
// a Route Target. A malformed NLRI rejects only itself.
func (t *Translator) HandleUpdate(ctx context.Context, peerID string, u *bgp.Update) (Result, error) {
	var res Result
	if u == nil {
		return res, errors.New("provider: nil update")
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	var (
		reach    []*bgp.MPReach
		unreach  []*bgp.MPUnreach
		comms    []bgp.ExtCommunity
		envelope []error
	)
	for i := range u.Attributes {
		attr := &u.Attributes[i]
		switch attr.Kind {
		case bgp.AttrKindMPReach:
			if attr.MPReach.IsEVPN() {
				reach = append(reach, attr.MPReach)
			}
		case bgp.AttrKindMPUnreach:
			if attr.MPUnreach.IsEVPN() {
				unreach = append(unreach, attr.MPUnreach)
			}
		case bgp.AttrKindExtCommunity:
			comms = append(comms, attr.ExtCommunities...)
		}
	}
	rt, hasRT := bgp.FindRouteTarget(comms)

	var adds []evpn.Route
	for _, mp := range reach {
		entries, err := bgp.DecodeEVPNNLRIs(mp.NLRI)
		if err != nil {
			envelope = append(envelope, err)
		}
		for _, e := range entries {
			r, ok := t.toRoute(peerID, e, mp.NextHop, rt, &res)
			if !ok {
				continue
			}
			if !hasRT {
				res.Skipped++
				t.logger.Debug("announcement without route target ignored",
					zap.String("peer", peerID),
					zap.Stringer("prefix", r.Prefix()),
				)
				continue
			}
			if err := r.Validate(); err != nil {
				t.reject(peerID, &res, err)
				continue
			}
			adds = append(adds, r)
		}
	}

	var withdraws []evpn.Route
	for _, mp := range unreach {
		entries, err := bgp.DecodeEVPNNLRIs(mp.NLRI)
		if err != nil {
			envelope = append(envelope, err)
		}
		for _, e := range entries {
			r, ok := t.toRoute(peerID, e, netip.Addr{}, rt, &res)
			if ok {
				withdraws = append(withdraws, r)
			}
		}
	}

	if len(adds) > 0 {
		t.routes.UpdateRoutes(adds)
		res.Added = len(adds)
		metrics.InboundRoutesTotal.WithLabelValues("add").Add(float64(len(adds)))
	}
	if len(withdraws) > 0 {
		t.routes.WithdrawRoutes(withdraws)
		res.Withdrawn = len(withdraws)
		metrics.InboundRoutesTotal.WithLabelValues("withdraw").Add(float64(len(withdraws)))
	}
	if res.Skipped > 0 {
		metrics.InboundRoutesTotal.WithLabelValues("skipped").Add(float64(res.Skipped))
	}

	if len(envelope) > 0 {
		for range envelope {
			metrics.ParseErrorsTotal.WithLabelValues("evpn_nlri", "envelope").Inc()
		}
		return res, fmt.Errorf("provider: update from %s: %w", peerID, errors.Join(envelope...))
	}
	return res, nil
}

// toRoute turns one decoded NLRI entry into a route. Entries that are not
// MAC/IP advertisements are counted as skipped, malformed ones as rejected.
func (t *Translator) toRoute(peerID string, e bgp.EVPNNLRI, nextHop netip.Addr, rt evpn.RouteTarget, res *Result) (evpn.Route, bool) {
	if e.RouteType != bgp.EVPNRouteTypeMacIPAdvert {
		res.Skipped++
		t.logger.Debug("skipping evpn route type",
			zap.String("peer", peerID),
			zap.Uint8("route_type", e.RouteType),
		)
		return evpn.Route{}, false
	}
	if e.Err != nil {
		metrics.ParseErrorsTotal.WithLabelValues("evpn_nlri", "mac_ip").Inc()
		t.reject(peerID, res, e.Err)
		return evpn.Route{}, false
	}
	return evpn.Route{
		Source:  evpn.SourceBGP,
		MAC:     e.MacIP.MAC,
		NextHop: nextHop,
		RD:      e.MacIP.RD,
		RT:      rt,
		Label:   e.MacIP.Label1,
	}, true
}

func (t *Translator) reject(peerID string, res *Result, err error) {
	res.Rejected = append(res.Rejected, err)
	metrics.InboundRoutesTotal.WithLabelValues("rejected").Inc()
	t.logger.Warn("rejected evpn nlri",
		zap.String("peer", peerID),
		zap.Error(err),
	)
}

// HandleEvent advertises a route table change to every peer.
func (t *Translator) HandleEvent(ctx context.Context, ev evpn.Event) error {
	switch ev.Type {
	case evpn.RouteAdded, evpn.RouteUpdated:
		return t.advertise(ctx, bgp.OpAdd, ev.Route)
	case evpn.RouteRemoved:
		return t.advertise(ctx, bgp.OpDelete, ev.Route)
	default:
		return nil
	}
}

// SendRoute announces r to every peer without touching the route table.
func (t *Translator) SendRoute(ctx context.Context, r evpn.Route) error {
	return t.advertise(ctx, bgp.OpAdd, r)
}

func (t *Translator) advertise(ctx context.Context, op bgp.Operation, r evpn.Route) error {
	if r.RT.IsZero() {
		t.logger.Debug("route has no route target, not advertised", zap.Stringer("route", r))
		return nil
	}

	peers := t.peers.Peers()
	if len(peers) == 0 {
		return nil
	}

	nlris := []*bgp.MacIPAdvertisement{bgp.NewMacAdvertisement(r.RD, r.MAC, r.Label)}
	comms := []bgp.ExtCommunity{
		bgp.NewRouteTargetCommunity(r.RT),
		bgp.NewEncapsulationCommunity(bgp.TunnelTypeVXLAN),
	}

	var errs []error
	for _, p := range peers {
		if err := p.SendEVPNUpdate(ctx, op, r.NextHop, comms, nlris); err != nil {
			metrics.OutboundUpdatesTotal.WithLabelValues(op.String(), "error").Inc()
			t.logger.Warn("failed to send evpn update",
				zap.String("peer", p.ID()),
				zap.String("op", op.String()),
				zap.Stringer("route", r),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("peer %s: %w", p.ID(), err))
			continue
		}
		metrics.OutboundUpdatesTotal.WithLabelValues(op.String(), "ok").Inc()
		t.logger.Debug("sent evpn update",
			zap.String("peer", p.ID()),
			zap.String("op", op.String()),
			zap.Stringer("route", r),
		)
	}
	return errors.Join(errs...)
}
