package speaker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jwhited/corebgp"
	"github.com/route-beacon/evpn-routed/internal/bgp"
	"github.com/route-beacon/evpn-routed/internal/metrics"
	"github.com/route-beacon/evpn-routed/internal/provider"
	"go.uber.org/zap"
)

// DefaultPort is the BGP listen port used when none is configured.
const DefaultPort = 179

var ErrNotEstablished = errors.New("speaker: session not established")

// UpdateHandler consumes UPDATE messages received from peers.
type UpdateHandler interface {
	HandleUpdate(ctx context.Context, peerID string, u *bgp.Update) (provider.Result, error)
}

type Neighbor struct {
	Address      netip.Addr
	RemoteAS     uint32
	LocalAddress netip.Addr
}

type Config struct {
	RouterID      netip.Addr
	LocalAS       uint32
	ListenAddress string
	ListenPort    int
	Passive       bool
	Neighbors     []Neighbor
}

// PeerInfo describes a configured neighbor and its session state.
type PeerInfo struct {
	Address     string    `json:"address"`
	RemoteAS    uint32    `json:"remote_as"`
	State       string    `json:"state"`
	Established time.Time `json:"established_at,omitempty"`
}

// Speaker runs BGP sessions with the configured neighbors, exchanging
// L2VPN/EVPN routes only. Established sessions are exposed as
// provider.Peer values for the outbound direction.
type Speaker struct {
	cfg    Config
	logger *zap.Logger

	ctx     context.Context
	handler UpdateHandler

	mu       sync.RWMutex
	sessions map[netip.Addr]*session

	serving atomic.Bool
}

func New(cfg Config, logger *zap.Logger) *Speaker {
	return &Speaker{
		cfg:      cfg,
		logger:   logger,
		ctx:      context.Background(),
		sessions: make(map[netip.Addr]*session),
	}
}

// Serve adds every neighbor to a corebgp server and runs it until ctx is
// cancelled. Received UPDATEs are passed to h.
func (s *Speaker) Serve(ctx context.Context, h UpdateHandler) error {
	s.ctx = ctx
	s.handler = h

	corebgp.SetLogger(func(args ...interface{}) {
		s.logger.Debug(fmt.Sprint(args...))
	})

	srv, err := corebgp.NewServer(s.cfg.RouterID)
	if err != nil {
		return fmt.Errorf("creating bgp server: %w", err)
	}

	for _, nb := range s.cfg.Neighbors {
		var opts []corebgp.PeerOption
		if nb.LocalAddress.IsValid() {
			opts = append(opts, corebgp.WithLocalAddress(nb.LocalAddress))
		}
		if s.cfg.Passive {
			opts = append(opts, corebgp.WithPassive())
		}
		pc := corebgp.PeerConfig{
			RemoteAddress: nb.Address,
			LocalAS:       s.cfg.LocalAS,
			RemoteAS:      nb.RemoteAS,
		}
		if err := srv.AddPeer(pc, &plugin{speaker: s, neighbor: nb}, opts...); err != nil {
			srv.Close()
			return fmt.Errorf("adding peer %s: %w", nb.Address, err)
		}
	}

	port := s.cfg.ListenPort
	if port == 0 {
		port = DefaultPort
	}
	lis, err := net.Listen("tcp", net.JoinHostPort(s.cfg.ListenAddress, strconv.Itoa(port)))
	if err != nil {
		srv.Close()
		return fmt.Errorf("listening for bgp: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve([]net.Listener{lis})
	}()
	s.serving.Store(true)
	defer s.serving.Store(false)

	s.logger.Info("bgp speaker started",
		zap.String("router_id", s.cfg.RouterID.String()),
		zap.Uint32("local_as", s.cfg.LocalAS),
		zap.String("listen", lis.Addr().String()),
		zap.Int("neighbors", len(s.cfg.Neighbors)),
	)

	select {
	case <-ctx.Done():
		srv.Close()
		<-errCh
		s.logger.Info("bgp speaker stopped")
		return nil
	case err := <-errCh:
		if errors.Is(err, corebgp.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("bgp server: %w", err)
	}
}

// Ready reports whether the server is accepting sessions.
func (s *Speaker) Ready() bool {
	return s.serving.Load()
}

// Peers returns the established sessions, ordered by address.
func (s *Speaker) Peers() []provider.Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]provider.Peer, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Neighbors reports every configured neighbor with its session state.
func (s *Speaker) Neighbors() []PeerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]PeerInfo, 0, len(s.cfg.Neighbors))
	for _, nb := range s.cfg.Neighbors {
		info := PeerInfo{Address: nb.Address.String(), RemoteAS: nb.RemoteAS, State: "idle"}
		if sess, ok := s.sessions[nb.Address]; ok {
			info.State = "established"
			info.Established = sess.since
		}
		out = append(out, info)
	}
	return out
}

func (s *Speaker) established(nb Neighbor, w corebgp.UpdateMessageWriter) {
	s.mu.Lock()
	_, replaced := s.sessions[nb.Address]
	s.sessions[nb.Address] = &session{neighbor: nb, writer: w, since: time.Now()}
	s.mu.Unlock()

	if !replaced {
		metrics.PeersEstablished.Inc()
	}
	s.logger.Info("bgp session established",
		zap.String("peer", nb.Address.String()),
		zap.Uint32("remote_as", nb.RemoteAS),
	)
}

func (s *Speaker) closed(nb Neighbor) {
	s.mu.Lock()
	_, ok := s.sessions[nb.Address]
	delete(s.sessions, nb.Address)
	s.mu.Unlock()

	if ok {
		metrics.PeersEstablished.Dec()
		s.logger.Info("bgp session closed", zap.String("peer", nb.Address.String()))
	}
}

// handleUpdate decodes one UPDATE body. An undecodable attribute list
// resets the session; route-level problems are left to the handler.
func (s *Speaker) handleUpdate(peerID string, body []byte) *corebgp.Notification {
	u, err := bgp.ParseUpdateBody(body)
	if err != nil {
		metrics.ParseErrorsTotal.WithLabelValues("bgp_update", "malformed").Inc()
		metrics.InboundUpdatesTotal.WithLabelValues("bgp", "malformed").Inc()
		s.logger.Warn("malformed update from peer",
			zap.String("peer", peerID),
			zap.Int("length", len(body)),
			zap.Error(err),
		)
		return &corebgp.Notification{
			Code:    corebgp.NOTIF_CODE_UPDATE_MESSAGE_ERR,
			Subcode: corebgp.NOTIF_SUBCODE_MALFORMED_ATTR_LIST,
		}
	}
	if s.handler == nil {
		return nil
	}

	res, err := s.handler.HandleUpdate(s.ctx, peerID, u)
	if err != nil {
		metrics.InboundUpdatesTotal.WithLabelValues("bgp", "error").Inc()
		s.logger.Warn("failed to apply update",
			zap.String("peer", peerID),
			zap.Error(err),
		)
		return nil
	}
	metrics.InboundUpdatesTotal.WithLabelValues("bgp", "ok").Inc()
	if res.Added+res.Withdrawn > 0 {
		s.logger.Debug("applied update",
			zap.String("peer", peerID),
			zap.Int("added", res.Added),
			zap.Int("withdrawn", res.Withdrawn),
			zap.Int("skipped", res.Skipped),
			zap.Int("rejected", len(res.Rejected)),
		)
	}
	return nil
}

// plugin binds one neighbor to the speaker.
type plugin struct {
	speaker  *Speaker
	neighbor Neighbor
}

func evpnCapability() *corebgp.Capability {
	return corebgp.NewMPExtensionsCapability(bgp.AFIL2VPN, bgp.SAFIEVPN)
}

func (p *plugin) GetCapabilities(*corebgp.PeerConfig) []*corebgp.Capability {
	return []*corebgp.Capability{evpnCapability()}
}

// OnOpenMessage refuses peers that do not negotiate L2VPN/EVPN.
func (p *plugin) OnOpenMessage(_ *corebgp.PeerConfig, caps []*corebgp.Capability) *corebgp.Notification {
	want := evpnCapability()
	for _, c := range caps {
		if c.Code == want.Code && bytes.Equal(c.Value, want.Value) {
			return nil
		}
	}
	p.speaker.logger.Warn("peer does not support l2vpn/evpn",
		zap.String("peer", p.neighbor.Address.String()),
	)
	data := append([]byte{want.Code, byte(len(want.Value))}, want.Value...)
	return &corebgp.Notification{
		Code:    corebgp.NOTIF_CODE_OPEN_MESSAGE_ERR,
		Subcode: corebgp.NOTIF_SUBCODE_UNSUPPORTED_CAPABILITY,
		Data:    data,
	}
}

func (p *plugin) OnEstablished(_ *corebgp.PeerConfig, w corebgp.UpdateMessageWriter) corebgp.UpdateMessageHandler {
	p.speaker.established(p.neighbor, w)
	id := p.neighbor.Address.String()
	return func(_ *corebgp.PeerConfig, body []byte) *corebgp.Notification {
		return p.speaker.handleUpdate(id, body)
	}
}

func (p *plugin) OnClose(*corebgp.PeerConfig) {
	p.speaker.closed(p.neighbor)
}

// session is an established neighbor. Writes are serialized.
type session struct {
	neighbor Neighbor
	since    time.Time

	mu     sync.Mutex
	writer corebgp.UpdateMessageWriter
}

func (s *session) ID() string {
	return s.neighbor.Address.String()
}

func (s *session) SendEVPNUpdate(ctx context.Context, op bgp.Operation, nextHop netip.Addr, ext []bgp.ExtCommunity, nlris []*bgp.MacIPAdvertisement) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := bgp.BuildUpdate(op, nextHop, ext, nlris)
	if err != nil {
		return fmt.Errorf("building %s update: %w", op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return ErrNotEstablished
	}
	if err := s.writer.WriteUpdate(body); err != nil {
		return fmt.Errorf("writing update: %w", err)
	}
	return nil
}
