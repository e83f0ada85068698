// Package server assembles the relay's HTTP surface: the WebSocket
// upgrade handler per room, plus the /healthz and /metrics endpoints
// the teacher's main.go exposes alongside its primary listener.
package server

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/ephemeral/relay/internal/connection"
	"github.com/ephemeral/relay/internal/metrics"
	"github.com/ephemeral/relay/internal/ratelimit"
	"github.com/ephemeral/relay/internal/room"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// Server wires the connection handler and operational endpoints onto
// one http.Server.
type Server struct {
	httpServer *http.Server
	registry   *room.Registry
}

// Options configures the listener and its rate limits.
type Options struct {
	ListenAddress     string
	ConnRateLimit     float64
	ConnBurst         int
	RoomRateLimit     float64
	RoomBurst         int
	MsgRateLimit      float64
	MsgBurst          int
	ReadHeaderTimeout time.Duration
}

// New builds a Server. The connection.Handler is mounted at "/" since
// room names are taken from the path per spec.md §6's upgrade URL
// shape; /healthz and /metrics are mounted alongside it.
func New(registry *room.Registry, opts Options) *Server {
	connLimiter := ratelimit.NewLimiter(rateLimitOrDefault(opts.ConnRateLimit), burstOrDefault(opts.ConnBurst))
	roomLimiter := ratelimit.NewRoomLimiter(rateLimitOrDefault(opts.RoomRateLimit), burstOrDefault(opts.RoomBurst))
	msgLimiter := ratelimit.NewMessageLimiter(msgRateLimitOrDefault(opts.MsgRateLimit), msgBurstOrDefault(opts.MsgBurst))
	handler := connection.NewHandler(registry, connLimiter, roomLimiter, msgLimiter)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthzHandler(registry))
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.NewRegistry(), promhttp.HandlerOpts{}))
	mux.Handle("/", handler)

	readHeaderTimeout := opts.ReadHeaderTimeout
	if readHeaderTimeout == 0 {
		readHeaderTimeout = 5 * time.Second
	}

	return &Server{
		registry: registry,
		httpServer: &http.Server{
			Addr:              opts.ListenAddress,
			Handler:           mux,
			ReadHeaderTimeout: readHeaderTimeout,
		},
	}
}

func rateLimitOrDefault(v float64) rate.Limit {
	if v <= 0 {
		return rate.Limit(20)
	}
	return rate.Limit(v)
}

func burstOrDefault(v int) int {
	if v <= 0 {
		return 40
	}
	return v
}

// msgRateLimitOrDefault/msgBurstOrDefault size the per-(room,
// connection) inbound sync/awareness budget generously above any
// legitimate editing cadence, so it only bites a connection that is
// spamming frames.
func msgRateLimitOrDefault(v float64) rate.Limit {
	if v <= 0 {
		return rate.Limit(50)
	}
	return rate.Limit(v)
}

func msgBurstOrDefault(v int) int {
	if v <= 0 {
		return 100
	}
	return v
}

// healthzHandler reports liveness plus the current room count, enough for an operator to eyeball whether the process is
// wedged without scraping full Prometheus metrics.
func healthzHandler(registry *room.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","rooms":` + itoa(registry.RoomCount()) + `}`))
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// ListenAndServe starts the HTTP/WebSocket listener; it blocks until
// the server stops or errors.
func (s *Server) ListenAndServe() error {
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// ListenAndServeTLSWith applies tlsCfg to the underlying http.Server
// and serves with the given certificate/key pair; it blocks until the
// server stops or errors.
func (s *Server) ListenAndServeTLSWith(certFile, keyFile string, tlsCfg *tls.Config) error {
	s.httpServer.TLSConfig = tlsCfg
	err := s.httpServer.ListenAndServeTLS(certFile, keyFile)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting new connections and waits (bounded by
// ctx's deadline) for in-flight requests to finish. The caller is
// responsible for draining Rooms/Connections separately; this only
// covers the HTTP listener itself.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
