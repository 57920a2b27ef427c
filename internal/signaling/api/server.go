package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sebas/backtoback/internal/rtpmanager/engine"
	"github.com/sebas/backtoback/internal/signaling/b2bua"
	"github.com/sebas/backtoback/internal/signaling/sipua"
)

// PairProvider exposes live pairs. Implemented by b2bua.Controller.
type PairProvider interface {
	Pairs() []b2bua.PairInfo
	Pair(id string) (b2bua.PairInfo, bool)
	ActivePairs() int
}

// SessionProvider exposes SIP sessions. Implemented by sipua.Agent.
type SessionProvider interface {
	Sessions() []sipua.Info
}

// MediaProvider exposes media engine usage. Implemented by engine.Engine.
type MediaProvider interface {
	Stats() engine.Stats
}

// RegistrationInfo reports the local registrar and the upstream account binding.
type RegistrationInfo struct {
	RegistrarEnabled bool      `json:"registrar_enabled"`
	RegistrarServed  uint64    `json:"registrar_served"`
	Account          string    `json:"account,omitempty"`
	Status           string    `json:"status"`
	LastError        string    `json:"last_error,omitempty"`
	ExpiresAt        time.Time `json:"expires_at,omitempty"`
}

// RegistrationProvider exposes REGISTER handling. Implemented by app.BackToBack.
type RegistrationProvider interface {
	Registration() RegistrationInfo
}

// Server provides the HTTP admin API (headless, API only)
type Server struct {
	addr       string
	router     *chi.Mux
	httpServer *http.Server
	pairs      PairProvider
	sessions   SessionProvider
	media      MediaProvider
	register   RegistrationProvider
	ready      func() bool
	gatherer   prometheus.Gatherer
	startTime  time.Time
}

// NewServer creates the API server. gatherer backs /metrics.
func NewServer(addr string, pairs PairProvider, sessions SessionProvider, media MediaProvider, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		addr:      addr,
		router:    chi.NewRouter(),
		pairs:     pairs,
		sessions:  sessions,
		media:     media,
		gatherer:  gatherer,
		startTime: time.Now(),
	}
	s.routes()
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleStats)
		r.Get("/pairs", s.handlePairs)
		r.Get("/pairs/{id}", s.handlePair)
		r.Get("/sessions", s.handleSessions)
		r.Get("/registration", s.handleRegistration)
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
}

// SetRegistration enables GET /api/v1/registration. Call before Serve.
func (s *Server) SetRegistration(p RegistrationProvider) {
	s.register = p
}

// SetReadiness makes GET /api/v1/health answer 503 until ready returns true.
func (s *Server) SetReadiness(ready func() bool) {
	s.ready = ready
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	slog.Info("[API] Starting HTTP API server", "addr", s.addr)
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	slog.Info("[API] Stopped")
	return nil
}

// --- Health & Stats ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil && !s.ready() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "starting"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": int64(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{
		"active_pairs":    s.pairs.ActivePairs(),
		"active_sessions": len(s.sessions.Sessions()),
	}
	if s.media != nil {
		response["media"] = s.media.Stats()
	}
	s.writeJSON(w, http.StatusOK, response)
}

// --- Pairs & Sessions ---

func (s *Server) handlePairs(w http.ResponseWriter, r *http.Request) {
	pairs := s.pairs.Pairs()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"pairs": pairs,
		"count": len(pairs),
	})
}

func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, ok := s.pairs.Pair(id)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "pair not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.sessions.Sessions()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (s *Server) handleRegistration(w http.ResponseWriter, r *http.Request) {
	if s.register == nil {
		s.writeJSON(w, http.StatusOK, RegistrationInfo{Status: "disabled"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.register.Registration())
}

// --- Helpers ---

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("[API] Failed to encode JSON", "error", err)
	}
}
