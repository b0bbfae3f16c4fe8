package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/route-beacon/evpn-routed/internal/evpn"
	"github.com/route-beacon/evpn-routed/internal/route"
	"github.com/route-beacon/evpn-routed/internal/speaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockConsumer implements ConsumerStatus for testing.
type mockConsumer struct {
	joined bool
}

func (m *mockConsumer) IsJoined() bool { return m.joined }

// mockDBChecker implements DBChecker for testing.
type mockDBChecker struct {
	err error
}

func (m *mockDBChecker) Ping(_ context.Context) error { return m.err }

type mockSpeaker struct {
	ready bool
	peers []speaker.PeerInfo
}

func (m *mockSpeaker) Ready() bool                   { return m.ready }
func (m *mockSpeaker) Neighbors() []speaker.PeerInfo { return m.peers }

type mockSender struct {
	mu   sync.Mutex
	sent []evpn.Route
	err  error
}

func (m *mockSender) SendRoute(_ context.Context, r evpn.Route) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, r)
	return nil
}

type testEnv struct {
	server  *Server
	manager *route.Manager
	speaker *mockSpeaker
	sender  *mockSender
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	m := route.NewManager(route.ManagerConfig{}, zap.NewNop())
	t.Cleanup(m.Close)
	env := &testEnv{
		manager: m,
		speaker: &mockSpeaker{ready: true},
		sender:  &mockSender{},
	}
	env.server = NewServer(":0", Deps{
		Routes:  m,
		Sender:  env.sender,
		Peers:   env.speaker,
		Speaker: env.speaker,
	}, zap.NewNop())
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	e.server.srv.Handler.ServeHTTP(w, req)
	return w
}

const twoRoutes = `[
	{"mac": "e4:68:a3:4e:dc:02", "next_hop": "10.1.1.2", "rd": "100:1", "rt": "100:1", "label": 200},
	{"source": "BGP", "mac": "e4:68:a3:4e:dc:01", "next_hop": "10.1.1.1", "rd": "100:1", "rt": "100:1", "label": 100}
]`

func TestHealthz_AlwaysOK(t *testing.T) {
	env := newTestEnv(t)
	env.speaker.ready = false

	w := env.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name       string
		ready      bool
		db         DBChecker
		bmp        ConsumerStatus
		wantStatus int
		wantChecks map[string]string
	}{
		{
			name:       "speaker only",
			ready:      true,
			wantStatus: http.StatusOK,
			wantChecks: map[string]string{"bgp": "ok"},
		},
		{
			name:       "speaker not serving",
			ready:      false,
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: map[string]string{"bgp": "not_serving"},
		},
		{
			name:       "all healthy",
			ready:      true,
			db:         &mockDBChecker{},
			bmp:        &mockConsumer{joined: true},
			wantStatus: http.StatusOK,
			wantChecks: map[string]string{"bgp": "ok", "journal": "ok", "bmp": "ok"},
		},
		{
			name:       "journal down",
			ready:      true,
			db:         &mockDBChecker{err: errors.New("connection refused")},
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: map[string]string{"bgp": "ok", "journal": "error"},
		},
		{
			name:       "bmp not joined",
			ready:      true,
			bmp:        &mockConsumer{joined: false},
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: map[string]string{"bgp": "ok", "bmp": "not_joined"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.speaker.ready = tt.ready
			env.server.deps.DB = tt.db
			env.server.deps.BMP = tt.bmp

			w := env.do(t, http.MethodGet, "/readyz", "")
			require.Equal(t, tt.wantStatus, w.Code)

			var body struct {
				Status string            `json:"status"`
				Checks map[string]string `json:"checks"`
			}
			require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
			assert.Equal(t, tt.wantChecks, body.Checks)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, "ready", body.Status)
			} else {
				assert.Equal(t, "not_ready", body.Status)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRoutes_UpdateThenList(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/routes", twoRoutes)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/api/v1/routes", "")
	require.Equal(t, http.StatusOK, w.Code)

	var routes []map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&routes))
	require.Len(t, routes, 2)

	// Ordered by prefix.
	assert.Equal(t, "e4:68:a3:4e:dc:01", routes[0]["mac"])
	assert.Equal(t, "BGP", routes[0]["source"])
	assert.Equal(t, "e4:68:a3:4e:dc:02", routes[1]["mac"])
	assert.Equal(t, "STATIC", routes[1]["source"])
	assert.Equal(t, "10.1.1.2", routes[1]["next_hop"])
	assert.Equal(t, "100:1", routes[1]["rd"])
	assert.Equal(t, "100:1", routes[1]["rt"])
	assert.Equal(t, float64(200), routes[1]["label"])
}

func TestRoutes_ListEmpty(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/v1/routes", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestRoutes_WithdrawByKey(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/v1/routes", twoRoutes).Code)

	w := env.do(t, http.MethodDelete, "/api/v1/routes", `[{"mac": "e4:68:a3:4e:dc:01", "rd": "100:1"}]`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	routes := env.manager.AllRoutes()
	require.Len(t, routes, 1)
	assert.Equal(t, "e4:68:a3:4e:dc:02", routes[0].MAC.String())
}

func TestRoutes_BadEntryNamesIndex(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad mac", `[{"mac": "e4:68:a3:4e:dc:01", "next_hop": "10.1.1.1", "rd": "100:1", "rt": "100:1"}, {"mac": "zz"}]`, "route 1"},
		{"missing rt", `[{"mac": "e4:68:a3:4e:dc:01", "next_hop": "10.1.1.1", "rd": "100:1"}]`, "route 0"},
		{"ipv6 next hop", `[{"mac": "e4:68:a3:4e:dc:01", "next_hop": "2001:db8::1", "rd": "100:1", "rt": "100:1"}]`, "route 0"},
		{"not a list", `{"mac": "e4:68:a3:4e:dc:01"}`, "decoding body"},
		{"missing rd and mac", `[{"next_hop": "10.1.1.1", "rt": "100:1", "label": 100}]`, "route 0: rd and mac are required"},
		{"missing rd", `[{"mac": "e4:68:a3:4e:dc:01", "next_hop": "10.1.1.1", "rt": "100:1"}]`, "route 0: rd and mac are required"},
		{"null mac", `[{"mac": null, "next_hop": "10.1.1.1", "rd": "100:1", "rt": "100:1"}]`, "route 0: rd and mac are required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			w := env.do(t, http.MethodPost, "/api/v1/routes", tt.body)
			require.Equal(t, http.StatusBadRequest, w.Code)

			var body map[string]string
			require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
			assert.Contains(t, body["error"], tt.want)
			assert.Empty(t, env.manager.AllRoutes(), "a rejected request must not touch the table")
		})
	}
}

func TestRoutes_WithdrawWithoutKeyRejected(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/v1/routes", twoRoutes).Code)

	w := env.do(t, http.MethodDelete, "/api/v1/routes", `[{"mac": "e4:68:a3:4e:dc:01"}]`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Len(t, env.manager.AllRoutes(), 2)
}

func TestRoutes_SendWithoutKeyNotAdvertised(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/v1/routes/send", `[{"next_hop": "10.1.1.1", "rt": "100:1"}]`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, env.sender.sent)
}

func TestRoutes_SendDoesNotTouchTable(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/routes/send", twoRoutes)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	assert.Len(t, env.sender.sent, 2)
	assert.Empty(t, env.manager.AllRoutes())
}

func TestRoutes_SendFailureReported(t *testing.T) {
	env := newTestEnv(t)
	env.sender.err = errors.New("peer 10.0.0.2: session closed")

	w := env.do(t, http.MethodPost, "/api/v1/routes/send", twoRoutes)
	require.Equal(t, http.StatusBadGateway, w.Code)

	var body struct {
		Sent   int      `json:"sent"`
		Errors []string `json:"errors"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, 0, body.Sent)
	assert.Len(t, body.Errors, 2)
}

func TestPeers(t *testing.T) {
	env := newTestEnv(t)
	env.speaker.peers = []speaker.PeerInfo{
		{Address: "192.0.2.2", RemoteAS: 65000, State: "established"},
		{Address: "192.0.2.3", RemoteAS: 65001, State: "idle"},
	}

	w := env.do(t, http.MethodGet, "/api/v1/peers", "")
	require.Equal(t, http.StatusOK, w.Code)

	var peers []speaker.PeerInfo
	require.NoError(t, json.NewDecoder(w.Body).Decode(&peers))
	require.Len(t, peers, 2)
	assert.Equal(t, "established", peers[0].State)
	assert.Equal(t, uint32(65001), peers[1].RemoteAS)
}

func TestRoutes_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPut, "/api/v1/routes", "[]")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
