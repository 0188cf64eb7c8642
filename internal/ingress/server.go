// Package ingress is the webhook HTTP endpoint: authenticated update intake
// with edge dedupe in front of the orchestrator.
package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Options configure the ingress server.
type Options struct {
	Host         string
	Port         int
	Path         string
	MaxBodyBytes int64

	AuthMode    string // "bearer", "hmac", "both"
	BearerToken string
	HMACSecret  string
	MaxSkewMs   int64 // 0 = skew check disabled
	NonceTTLMs  int64

	// DedupeKey derives the provider dedupe key from a raw update body.
	// Returning false skips edge dedupe for that update.
	DedupeKey func(body []byte) (string, bool)

	// OnUpdate dispatches an accepted update. An error releases the dedupe
	// reservation and yields a 500.
	OnUpdate func(ctx context.Context, body []byte, dedupeKey string) error
}

// Server is the webhook ingress endpoint.
type Server struct {
	opts         Options
	auth         *authenticator
	reservations *ReservationCache
	limiter      *RateLimiter

	listener   net.Listener
	httpServer *http.Server
}

// NewServer builds an ingress server. Start must be called to begin serving.
func NewServer(opts Options) *Server {
	if opts.Path == "" {
		opts.Path = "/ingest/telegram"
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	nonceTTL := time.Duration(opts.NonceTTLMs) * time.Millisecond

	return &Server{
		opts: opts,
		auth: &authenticator{
			mode:        opts.AuthMode,
			bearerToken: opts.BearerToken,
			hmacSecret:  opts.HMACSecret,
			maxSkew:     time.Duration(opts.MaxSkewMs) * time.Millisecond,
			nonces:      newNonceCache(nonceTTL),
		},
		reservations: NewReservationCache(nonceTTL),
		limiter:      NewRateLimiter(),
	}
}

// Start listens and serves until ctx is cancelled. Port 0 binds an ephemeral
// port; Addr reports the bound address once Start has returned from Listen.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.opts.Path, s.handleUpdate)
	mux.HandleFunc("/healthz", s.handleHealth)

	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("ingress listen: %w", err)
	}
	s.listener = listener
	s.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	slog.Info("ingress starting", "addr", listener.Addr().String(), "path", s.opts.Path, "auth_mode", s.opts.AuthMode)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(listener); err != http.ErrServerClosed {
		return fmt.Errorf("ingress server: %w", err)
	}
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops the server, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, `{"status":"ok"}`)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{
			"ok": false, "code": "method_not_allowed",
		})
		return
	}

	if !s.limiter.Allow(clientKey(r)) {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"ok": false, "code": "rate_limited",
		})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{
			"ok": false, "code": "body_too_large",
		})
		return
	}

	if err := s.auth.authenticate(r, body); err != nil {
		slog.Warn("ingress unauthorized", "remote", r.RemoteAddr, "reason", err.Error())
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"ok": false, "code": "unauthorized", "message": err.Error(),
		})
		return
	}

	if !json.Valid(body) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"ok": false, "code": "malformed_update",
		})
		return
	}

	dedupeKey := ""
	if s.opts.DedupeKey != nil {
		key, ok := s.opts.DedupeKey(body)
		if ok {
			dedupeKey = key
		}
	}

	if dedupeKey != "" && !s.reservations.Reserve(dedupeKey) {
		writeJSON(w, http.StatusOK, map[string]any{
			"ok": true, "code": "duplicate", "dedupeKey": dedupeKey,
		})
		return
	}

	if err := s.opts.OnUpdate(r.Context(), body, dedupeKey); err != nil {
		// Roll back the reservation so a provider retry is accepted.
		if dedupeKey != "" {
			s.reservations.Release(dedupeKey)
		}
		slog.Error("ingress dispatch failed", "dedupe_key", dedupeKey, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"ok": false, "code": "internal_error", "message": "failed to dispatch update",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"ok": true, "code": "accepted", "dedupeKey": dedupeKey,
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, payload map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
