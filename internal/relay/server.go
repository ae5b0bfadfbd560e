// Package relay is a development server for two or more devices on one
// machine or LAN. It fans out the signaling and playback websocket
// endpoints per user and serves the pairing API from memory.
package relay

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petervdpas/tunepair/internal/pairing"
	"github.com/petervdpas/tunepair/internal/proto"
)

var log = logging.Logger("relay")

type Options struct {
	// Secret verifies bearer tokens. Required.
	Secret  []byte
	Pairing pairing.MemoryOptions
	// ConnectRatePerMin limits /v1/pairing/connect per user. 0 disables it.
	ConnectRatePerMin int
	ConnectBurst      int
}

type Server struct {
	opts     Options
	svc      *pairing.MemoryService
	signal   *Hub
	playback *Hub
	limiter  *rateLimiter
	handler  http.Handler
}

func New(opts Options) (*Server, error) {
	if len(opts.Secret) == 0 {
		return nil, errors.New("relay: jwt secret is required")
	}
	s := &Server{
		opts:    opts,
		svc:     pairing.NewMemoryService(opts.Pairing),
		limiter: newRateLimiter(opts.ConnectRatePerMin, opts.ConnectBurst),
	}
	s.signal = NewHub("signal", s.svc.Touch)
	s.playback = NewHub("playback", s.svc.Touch)
	s.handler = s.routes()
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(requireAuth(s.opts.Secret))

		r.Handle("/ws"+proto.SignalEndpoint, s.signal)
		r.Handle("/ws"+proto.PlaybackEndpoint, s.playback)

		r.Route("/v1", func(r chi.Router) {
			r.Post("/devices/register", s.handleRegister)
			r.Post("/pairing/code", s.handleGenerateCode)
			r.Post("/pairing/connect", s.handleConnect)
			r.Get("/pairing/active", s.handleActive)
		})
	})
	return r
}

// Handler returns the relay's routes.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Pairing exposes the in-memory pairing service.
func (s *Server) Pairing() *pairing.MemoryService {
	return s.svc
}

// Serve runs the relay on l until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("relay listening on %s", l.Addr())
		errCh <- srv.Serve(l)
	}()

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	log.Infof("relay stopped")
	return err
}

// Close drops all websocket connections and stops background work.
func (s *Server) Close() {
	s.signal.Close()
	s.playback.Close()
	s.limiter.Close()
}
