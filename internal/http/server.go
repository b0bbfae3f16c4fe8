package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/route-beacon/evpn-routed/internal/evpn"
	"github.com/route-beacon/evpn-routed/internal/speaker"
	"go.uber.org/zap"
)

const maxBodyBytes = 4 << 20

// ConsumerStatus is an interface for checking Kafka consumer join state.
type ConsumerStatus interface {
	IsJoined() bool
}

// DBChecker abstracts the database health check for testability.
type DBChecker interface {
	Ping(ctx context.Context) error
}

// SpeakerStatus reports whether the BGP listener is serving.
type SpeakerStatus interface {
	Ready() bool
}

type RouteTable interface {
	AllRoutes() []evpn.Route
	UpdateRoutes(routes []evpn.Route)
	WithdrawRoutes(routes []evpn.Route)
}

type RouteSender interface {
	SendRoute(ctx context.Context, r evpn.Route) error
}

type PeerLister interface {
	Neighbors() []speaker.PeerInfo
}

// Deps are the components the server reports on and administers. DB and
// BMP are nil when the journal or the BMP feed is disabled.
type Deps struct {
	Routes  RouteTable
	Sender  RouteSender
	Peers   PeerLister
	Speaker SpeakerStatus
	DB      DBChecker
	BMP     ConsumerStatus
}

type Server struct {
	srv    *http.Server
	deps   Deps
	logger *zap.Logger
}

func NewServer(addr string, deps Deps, logger *zap.Logger) *Server {
	s := &Server{
		deps:   deps,
		logger: logger,
	}

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/routes", s.handleListRoutes)
		r.Post("/routes", s.handleUpdateRoutes)
		r.Delete("/routes", s.handleWithdrawRoutes)
		r.Post("/routes/send", s.handleSendRoutes)
		r.Get("/peers", s.handleListPeers)
	})
	return r
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	allOK := true

	if s.deps.Speaker != nil && s.deps.Speaker.Ready() {
		checks["bgp"] = "ok"
	} else {
		checks["bgp"] = "not_serving"
		allOK = false
	}

	// PostgreSQL, only when the journal is on.
	if s.deps.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := s.deps.DB.Ping(ctx); err != nil {
			checks["journal"] = "error"
			allOK = false
		} else {
			checks["journal"] = "ok"
		}
	}

	if s.deps.BMP != nil {
		if s.deps.BMP.IsJoined() {
			checks["bmp"] = "ok"
		} else {
			checks["bmp"] = "not_joined"
			allOK = false
		}
	}

	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, map[string]any{
		"status": status,
		"checks": checks,
	})
}

func (s *Server) handleListRoutes(w http.ResponseWriter, r *http.Request) {
	routes := s.deps.Routes.AllRoutes()
	slices.SortFunc(routes, func(a, b evpn.Route) int {
		return strings.Compare(a.Prefix().String(), b.Prefix().String())
	})
	if routes == nil {
		routes = []evpn.Route{}
	}
	writeJSON(w, http.StatusOK, routes)
}

func (s *Server) handleUpdateRoutes(w http.ResponseWriter, r *http.Request) {
	routes, ok := s.decodeRoutes(w, r, true)
	if !ok {
		return
	}
	s.deps.Routes.UpdateRoutes(routes)
	s.logger.Info("routes updated via api", zap.Int("count", len(routes)))
	writeJSON(w, http.StatusOK, map[string]int{"updated": len(routes)})
}

// handleWithdrawRoutes removes routes by (RD, MAC). Other fields are ignored.
func (s *Server) handleWithdrawRoutes(w http.ResponseWriter, r *http.Request) {
	routes, ok := s.decodeRoutes(w, r, false)
	if !ok {
		return
	}
	s.deps.Routes.WithdrawRoutes(routes)
	s.logger.Info("routes withdrawn via api", zap.Int("count", len(routes)))
	writeJSON(w, http.StatusOK, map[string]int{"withdrawn": len(routes)})
}

// handleSendRoutes announces routes to every peer without touching the table.
func (s *Server) handleSendRoutes(w http.ResponseWriter, r *http.Request) {
	routes, ok := s.decodeRoutes(w, r, true)
	if !ok {
		return
	}
	var failed []string
	for _, rt := range routes {
		if err := s.deps.Sender.SendRoute(r.Context(), rt); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", rt.Prefix(), err))
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"sent":   len(routes) - len(failed),
			"errors": failed,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"sent": len(routes)})
}

func (s *Server) handleListPeers(w http.ResponseWriter, r *http.Request) {
	peers := s.deps.Peers.Neighbors()
	if peers == nil {
		peers = []speaker.PeerInfo{}
	}
	writeJSON(w, http.StatusOK, peers)
}

// routeKey records which primary key fields a request entry carries.
type routeKey struct {
	RD  *string `json:"rd"`
	MAC *string `json:"mac"`
}

// decodeRoutes reads a JSON list of routes. Every entry needs rd and mac;
// routes without a source become STATIC. With validate set each route must
// be complete. On failure a 400 naming the offending index has been written.
func (s *Server) decodeRoutes(w http.ResponseWriter, r *http.Request, validate bool) ([]evpn.Route, bool) {
	var raw []json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decoding body: %v", err))
		return nil, false
	}

	routes := make([]evpn.Route, 0, len(raw))
	for i, msg := range raw {
		var rt evpn.Route
		if err := json.Unmarshal(msg, &rt); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("route %d: %v", i, err))
			return nil, false
		}
		// The zero RD and MAC are valid values, so absence is checked on
		// the raw fields.
		var key routeKey
		if err := json.Unmarshal(msg, &key); err != nil || key.RD == nil || key.MAC == nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("route %d: rd and mac are required", i))
			return nil, false
		}
		if rt.Source == evpn.SourceUndefined {
			rt.Source = evpn.SourceStatic
		}
		if validate {
			if err := rt.Validate(); err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("route %d: %v", i, err))
				return nil, false
			}
		}
		routes = append(routes, rt)
	}
	return routes, true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
