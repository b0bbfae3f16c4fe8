package speaker

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"

	"github.com/jwhited/corebgp"
	"github.com/route-beacon/evpn-routed/internal/bgp"
	"github.com/route-beacon/evpn-routed/internal/evpn"
	"github.com/route-beacon/evpn-routed/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeWriter struct {
	mu     sync.Mutex
	bodies [][]byte
	err    error
}

func (w *fakeWriter) WriteUpdate(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.bodies = append(w.bodies, append([]byte(nil), b...))
	return w.err
}

type fakeHandler struct {
	peers   []string
	updates []*bgp.Update
	err     error
}

func (h *fakeHandler) HandleUpdate(_ context.Context, peerID string, u *bgp.Update) (provider.Result, error) {
	h.peers = append(h.peers, peerID)
	h.updates = append(h.updates, u)
	return provider.Result{Added: 1}, h.err
}

func testSpeaker() (*Speaker, *plugin, *plugin) {
	a := Neighbor{Address: netip.MustParseAddr("192.0.2.2"), RemoteAS: 65002}
	b := Neighbor{Address: netip.MustParseAddr("192.0.2.1"), RemoteAS: 65001}
	s := New(Config{
		RouterID:  netip.MustParseAddr("192.0.2.254"),
		LocalAS:   65000,
		Neighbors: []Neighbor{a, b},
	}, zap.NewNop())
	return s, &plugin{speaker: s, neighbor: a}, &plugin{speaker: s, neighbor: b}
}

func testAdvertisement(t *testing.T) ([]bgp.ExtCommunity, []*bgp.MacIPAdvertisement) {
	t.Helper()
	rd, ok := evpn.ParseRouteDistinguisher("100:1")
	require.True(t, ok)
	rt, ok := evpn.ParseRouteTarget("100:1")
	require.True(t, ok)
	mac, err := evpn.ParseMAC("e4:68:a3:4e:dc:01")
	require.NoError(t, err)
	return []bgp.ExtCommunity{bgp.NewRouteTargetCommunity(rt), bgp.NewEncapsulationCommunity(bgp.TunnelTypeVXLAN)},
		[]*bgp.MacIPAdvertisement{bgp.NewMacAdvertisement(rd, mac, 100)}
}

func TestPlugin_AdvertisesEVPNCapability(t *testing.T) {
	_, p, _ := testSpeaker()
	caps := p.GetCapabilities(nil)
	require.Len(t, caps, 1)
	assert.Equal(t, corebgp.NewMPExtensionsCapability(bgp.AFIL2VPN, bgp.SAFIEVPN), caps[0])
}

func TestPlugin_OpenRequiresEVPN(t *testing.T) {
	_, p, _ := testSpeaker()

	n := p.OnOpenMessage(nil, []*corebgp.Capability{corebgp.NewMPExtensionsCapability(bgp.AFIIPv4, bgp.SAFIUnicast)})
	require.NotNil(t, n)
	assert.Equal(t, uint8(corebgp.NOTIF_CODE_OPEN_MESSAGE_ERR), uint8(n.Code))

	n = p.OnOpenMessage(nil, []*corebgp.Capability{
		corebgp.NewMPExtensionsCapability(bgp.AFIIPv4, bgp.SAFIUnicast),
		corebgp.NewMPExtensionsCapability(bgp.AFIL2VPN, bgp.SAFIEVPN),
	})
	assert.Nil(t, n)
}

func TestSpeaker_SessionLifecycle(t *testing.T) {
	s, a, b := testSpeaker()
	assert.Empty(t, s.Peers())

	a.OnEstablished(nil, &fakeWriter{})
	b.OnEstablished(nil, &fakeWriter{})

	peers := s.Peers()
	require.Len(t, peers, 2)
	assert.Equal(t, "192.0.2.1", peers[0].ID())
	assert.Equal(t, "192.0.2.2", peers[1].ID())

	a.OnClose(nil)
	peers = s.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "192.0.2.1", peers[0].ID())

	infos := s.Neighbors()
	require.Len(t, infos, 2)
	assert.Equal(t, "idle", infos[0].State)
	assert.Equal(t, "established", infos[1].State)
	assert.False(t, infos[1].Established.IsZero())
}

func TestSpeaker_ReceivedUpdateReachesHandler(t *testing.T) {
	s, a, _ := testSpeaker()
	h := &fakeHandler{}
	s.handler = h

	ext, nlris := testAdvertisement(t)
	body, err := bgp.BuildUpdate(bgp.OpAdd, netip.MustParseAddr("10.1.1.1"), ext, nlris)
	require.NoError(t, err)

	handle := a.OnEstablished(nil, &fakeWriter{})
	assert.Nil(t, handle(nil, body))

	require.Len(t, h.updates, 1)
	assert.Equal(t, []string{"192.0.2.2"}, h.peers)
	assert.Len(t, h.updates[0].Attributes, 4)
}

func TestSpeaker_HandlerErrorKeepsSession(t *testing.T) {
	s, a, _ := testSpeaker()
	s.handler = &fakeHandler{err: errors.New("bad nlri")}

	body, err := bgp.BuildUpdate(bgp.OpDelete, netip.Addr{}, nil, nil)
	require.NoError(t, err)

	handle := a.OnEstablished(nil, &fakeWriter{})
	assert.Nil(t, handle(nil, body))
}

func TestSpeaker_MalformedUpdateResetsSession(t *testing.T) {
	_, a, _ := testSpeaker()
	handle := a.OnEstablished(nil, &fakeWriter{})

	// Path attribute length claims more bytes than present.
	n := handle(nil, []byte{0, 0, 0, 10, 0x40, 1})
	require.NotNil(t, n)
	assert.Equal(t, uint8(corebgp.NOTIF_CODE_UPDATE_MESSAGE_ERR), uint8(n.Code))
}

func TestSession_SendEVPNUpdate(t *testing.T) {
	s, a, _ := testSpeaker()
	w := &fakeWriter{}
	a.OnEstablished(nil, w)

	ext, nlris := testAdvertisement(t)
	peers := s.Peers()
	require.Len(t, peers, 1)
	require.NoError(t, peers[0].SendEVPNUpdate(context.Background(), bgp.OpAdd, netip.MustParseAddr("10.1.1.1"), ext, nlris))
	require.NoError(t, peers[0].SendEVPNUpdate(context.Background(), bgp.OpDelete, netip.Addr{}, nil, nlris))

	require.Len(t, w.bodies, 2)
	u, err := bgp.ParseUpdateBody(w.bodies[0])
	require.NoError(t, err)
	var reach *bgp.MPReach
	for _, attr := range u.Attributes {
		if attr.Kind == bgp.AttrKindMPReach {
			reach = attr.MPReach
		}
	}
	require.NotNil(t, reach)
	assert.True(t, reach.IsEVPN())
	assert.Equal(t, netip.MustParseAddr("10.1.1.1"), reach.NextHop)

	u, err = bgp.ParseUpdateBody(w.bodies[1])
	require.NoError(t, err)
	require.Len(t, u.Attributes, 1)
	assert.Equal(t, bgp.AttrKindMPUnreach, u.Attributes[0].Kind)
}

func TestSession_SendErrors(t *testing.T) {
	s, a, _ := testSpeaker()
	w := &fakeWriter{err: errors.New("fsm not established")}
	a.OnEstablished(nil, w)
	ext, nlris := testAdvertisement(t)
	peer := s.Peers()[0]

	err := peer.SendEVPNUpdate(context.Background(), bgp.OpAdd, netip.MustParseAddr("10.1.1.1"), ext, nlris)
	assert.ErrorIs(t, err, w.err)

	err = peer.SendEVPNUpdate(context.Background(), bgp.OpAdd, netip.MustParseAddr("2001:db8::1"), ext, nlris)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = peer.SendEVPNUpdate(ctx, bgp.OpAdd, netip.MustParseAddr("10.1.1.1"), ext, nlris)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, w.bodies, 1)
}
