package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"net/netip"
	"testing"

	"github.com/google/uuid"
	"github.com/route-beacon/evpn-routed/internal/evpn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

type fakeProducer struct {
	records []*kgo.Record
	err     error
}

func (p *fakeProducer) Produce(_ context.Context, r *kgo.Record, promise func(*kgo.Record, error)) {
	p.records = append(p.records, r)
	promise(r, p.err)
}

func testRoute(t *testing.T) evpn.Route {
	t.Helper()
	rd, ok := evpn.ParseRouteDistinguisher("100:1")
	require.True(t, ok)
	rt, ok := evpn.ParseRouteTarget("100:1")
	require.True(t, ok)
	mac, err := evpn.ParseMAC("e4:68:a3:4e:dc:01")
	require.NoError(t, err)
	return evpn.Route{
		Source:  evpn.SourceBGP,
		MAC:     mac,
		NextHop: netip.MustParseAddr("10.1.1.1"),
		RD:      rd,
		RT:      rt,
		Label:   100,
	}
}

func TestExporter_HandleEvent(t *testing.T) {
	p := &fakeProducer{}
	e := &Exporter{producer: p, topic: "evpn.route-events", instanceID: "evpn-routed-1", logger: zap.NewNop()}

	require.NoError(t, e.HandleEvent(context.Background(), evpn.NewEvent(evpn.RouteAdded, testRoute(t))))
	require.Len(t, p.records, 1)

	rec := p.records[0]
	assert.Equal(t, "evpn.route-events", rec.Topic)
	assert.Equal(t, "100:1/e4:68:a3:4e:dc:01", string(rec.Key))

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Value, &got))
	assert.Equal(t, "ROUTE_ADDED", got["type"])
	assert.Equal(t, "evpn-routed-1", got["instance_id"])
	_, err := uuid.Parse(got["event_id"].(string))
	assert.NoError(t, err)

	route := got["route"].(map[string]any)
	assert.Equal(t, "BGP", route["source"])
	assert.Equal(t, "e4:68:a3:4e:dc:01", route["mac"])
	assert.Equal(t, "10.1.1.1", route["next_hop"])
	assert.Equal(t, "100:1", route["rd"])
	assert.Equal(t, "100:1", route["rt"])
	assert.Equal(t, float64(100), route["label"])
}

func TestExporter_EventIDsAreUnique(t *testing.T) {
	p := &fakeProducer{}
	e := &Exporter{producer: p, topic: "t", logger: zap.NewNop()}
	ev := evpn.NewEvent(evpn.RouteRemoved, testRoute(t))

	require.NoError(t, e.HandleEvent(context.Background(), ev))
	require.NoError(t, e.HandleEvent(context.Background(), ev))

	ids := make(map[string]bool)
	for _, rec := range p.records {
		var got map[string]any
		require.NoError(t, json.Unmarshal(rec.Value, &got))
		ids[got["event_id"].(string)] = true
	}
	assert.Len(t, ids, 2)
}

func TestExporter_DeliveryFailureIsNotAHandlerError(t *testing.T) {
	p := &fakeProducer{err: errors.New("broker unavailable")}
	e := &Exporter{producer: p, topic: "t", logger: zap.NewNop()}

	assert.NoError(t, e.HandleEvent(context.Background(), evpn.NewEvent(evpn.RouteAdded, testRoute(t))))
	assert.Len(t, p.records, 1)
}

func TestClientOptions(t *testing.T) {
	opts := ClientOptions{Brokers: []string{"localhost:9092"}, ClientID: "evpn-routed"}.kgoOpts()
	assert.Len(t, opts, 2)
}
