package ingest

import (
	"context"
	"encoding/binary"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/route-beacon/evpn-routed/internal/bgp"
	"github.com/route-beacon/evpn-routed/internal/bmp"
	"github.com/route-beacon/evpn-routed/internal/evpn"
	"github.com/route-beacon/evpn-routed/internal/provider"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

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

func buildOpenBMPFrame(payload []byte) []byte {
	frame := make([]byte, bmp.OpenBMPHeaderSize+len(payload))
	binary.BigEndian.PutUint16(frame[0:2], 2)
	binary.BigEndian.PutUint32(frame[2:6], 0xAABBCCDD)
	binary.BigEndian.PutUint32(frame[6:10], uint32(len(payload)))
	copy(frame[10:], payload)
	return frame
}

func buildBMPMessage(msgType, peerType, peerFlags uint8, peerAddr [4]byte, body []byte) []byte {
	totalLen := bmp.CommonHeaderSize + bmp.PerPeerHeaderSize + len(body)
	msg := make([]byte, totalLen)
	msg[0] = bmp.BMPVersion
	binary.BigEndian.PutUint32(msg[1:5], uint32(totalLen))
	msg[5] = msgType

	msg[6] = peerType
	msg[7] = peerFlags
	copy(msg[6+22:6+26], peerAddr[:])
	binary.BigEndian.PutUint32(msg[6+26:6+30], 65001)
	copy(msg[6+30:6+34], []byte{192, 0, 2, 1})

	copy(msg[bmp.CommonHeaderSize+bmp.PerPeerHeaderSize:], body)
	return msg
}

func evpnUpdate(t *testing.T) []byte {
	t.Helper()
	rd, _ := evpn.ParseRouteDistinguisher("100:1")
	rt, _ := evpn.ParseRouteTarget("100:1")
	mac, _ := evpn.ParseMAC("e4:68:a3:4e:dc:01")
	body, err := bgp.BuildUpdate(bgp.OpAdd, netip.MustParseAddr("10.1.1.1"),
		[]bgp.ExtCommunity{bgp.NewRouteTargetCommunity(rt)},
		[]*bgp.MacIPAdvertisement{bgp.NewMacAdvertisement(rd, mac, 100)})
	if err != nil {
		t.Fatalf("building update: %v", err)
	}
	msg, err := bgp.WithHeader(body)
	if err != nil {
		t.Fatalf("framing update: %v", err)
	}
	return msg
}

func TestProcessRecord_RouteMonitoring(t *testing.T) {
	h := &fakeHandler{}
	p := NewPipeline(h, 1<<20, zap.NewNop())

	payload := buildBMPMessage(bmp.MsgTypeRouteMonitoring, bmp.PeerTypeGlobal, 0, [4]byte{10, 0, 0, 2}, evpnUpdate(t))
	n := p.processRecord(context.Background(), &kgo.Record{Topic: "openbmp.bmp_raw", Value: buildOpenBMPFrame(payload)})

	if n != 1 {
		t.Fatalf("expected 1 applied update, got %d", n)
	}
	if len(h.peers) != 1 || h.peers[0] != "10.0.0.2" {
		t.Fatalf("expected update from 10.0.0.2, got %v", h.peers)
	}
	var reach *bgp.MPReach
	for _, attr := range h.updates[0].Attributes {
		if attr.Kind == bgp.AttrKindMPReach {
			reach = attr.MPReach
		}
	}
	if reach == nil || !reach.IsEVPN() {
		t.Fatal("expected an EVPN MP_REACH_NLRI attribute")
	}
}

func TestProcessRecord_SeveralMessagesInOneFrame(t *testing.T) {
	h := &fakeHandler{}
	p := NewPipeline(h, 1<<20, zap.NewNop())

	var payload []byte
	payload = append(payload, buildBMPMessage(bmp.MsgTypeRouteMonitoring, bmp.PeerTypeGlobal, 0, [4]byte{10, 0, 0, 2}, evpnUpdate(t))...)
	payload = append(payload, buildBMPMessage(bmp.MsgTypeRouteMonitoring, bmp.PeerTypeGlobal, 0, [4]byte{10, 0, 0, 3}, evpnUpdate(t))...)

	n := p.processRecord(context.Background(), &kgo.Record{Value: buildOpenBMPFrame(payload)})
	if n != 2 {
		t.Fatalf("expected 2 applied updates, got %d", n)
	}
	if h.peers[0] != "10.0.0.2" || h.peers[1] != "10.0.0.3" {
		t.Errorf("unexpected peers %v", h.peers)
	}
}

func TestProcessRecord_BadFrame(t *testing.T) {
	h := &fakeHandler{}
	p := NewPipeline(h, 1<<20, zap.NewNop())

	if n := p.processRecord(context.Background(), &kgo.Record{Value: []byte{0x00, 0x01}}); n != 0 {
		t.Errorf("expected 0 applied updates, got %d", n)
	}
	if len(h.updates) != 0 {
		t.Error("handler must not be called for an undecodable frame")
	}
}

func TestProcessRecord_AddPathSkipped(t *testing.T) {
	h := &fakeHandler{}
	p := NewPipeline(h, 1<<20, zap.NewNop())

	payload := buildBMPMessage(bmp.MsgTypeRouteMonitoring, bmp.PeerTypeLocRIB, bmp.PeerFlagAddPath, [4]byte{}, evpnUpdate(t))
	if n := p.processRecord(context.Background(), &kgo.Record{Value: buildOpenBMPFrame(payload)}); n != 0 {
		t.Errorf("expected ADD-PATH update to be skipped, got %d applied", n)
	}
}

func TestProcessRecord_HandlerError(t *testing.T) {
	h := &fakeHandler{err: errors.New("broken nlri list")}
	p := NewPipeline(h, 1<<20, zap.NewNop())

	payload := buildBMPMessage(bmp.MsgTypeRouteMonitoring, bmp.PeerTypeGlobal, 0, [4]byte{10, 0, 0, 2}, evpnUpdate(t))
	if n := p.processRecord(context.Background(), &kgo.Record{Value: buildOpenBMPFrame(payload)}); n != 0 {
		t.Errorf("expected 0 applied updates, got %d", n)
	}
	if len(h.updates) != 1 {
		t.Errorf("expected handler to be called once, got %d", len(h.updates))
	}
}

func TestRun_CommitsEveryBatch(t *testing.T) {
	h := &fakeHandler{}
	p := NewPipeline(h, 1<<20, zap.NewNop())

	records := make(chan []*kgo.Record, 1)
	flushed := make(chan []*kgo.Record, 1)
	done := make(chan struct{})
	go func() {
		p.Run(context.Background(), records, flushed)
		close(done)
	}()

	good := &kgo.Record{Value: buildOpenBMPFrame(buildBMPMessage(bmp.MsgTypeRouteMonitoring, bmp.PeerTypeGlobal, 0, [4]byte{10, 0, 0, 2}, evpnUpdate(t)))}
	bad := &kgo.Record{Value: []byte{0xFF}}
	records <- []*kgo.Record{bad, good}

	select {
	case recs := <-flushed:
		if len(recs) != 2 {
			t.Errorf("expected both records to be committed, got %d", len(recs))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for flushed batch")
	}

	close(records)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop after records was closed")
	}
	if len(h.updates) != 1 {
		t.Errorf("expected 1 update, got %d", len(h.updates))
	}
}
