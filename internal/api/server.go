package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.io/infrasutra/mailgate/internal/auth"
	"github.io/infrasutra/mailgate/internal/config"
	"github.io/infrasutra/mailgate/internal/preview"
	"github.io/infrasutra/mailgate/internal/sse"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	store   Pinger
	auth    *auth.Manager
	hub     *sse.Hub
	gateway *preview.Gateway
	grants  *preview.Service
	limiter *ipLimiter
	logger  *slog.Logger
	mux     *http.ServeMux
	// keepAlive is the interval between SSE comment pings.
	keepAlive time.Duration
}

type Deps struct {
	Store   Pinger
	Auth    *auth.Manager
	Hub     *sse.Hub
	Gateway *preview.Gateway
	Grants  *preview.Service
	Logger  *slog.Logger
	Preview config.PreviewConfig
}

func NewServer(deps Deps) *Server {
	server := &Server{
		store:     deps.Store,
		auth:      deps.Auth,
		hub:       deps.Hub,
		gateway:   deps.Gateway,
		grants:    deps.Grants,
		limiter:   newIPLimiter(deps.Preview.RatePerMinute, deps.Preview.Burst),
		logger:    deps.Logger,
		keepAlive: 20 * time.Second,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/preview/page/list", server.public(server.handleMailboxPage))
	mux.HandleFunc("/api/preview/email", server.public(server.handleMessageDetail))
	mux.HandleFunc("/api/preview/stream", server.public(server.handleStream))

	mux.HandleFunc("/api/preview/list", server.authed(http.MethodGet, server.handleMailboxList))
	mux.HandleFunc("/api/preview/create", server.authed(http.MethodPost, server.handleMailboxCreate))
	mux.HandleFunc("/api/preview/delete", server.authed(http.MethodDelete, server.handleMailboxDelete))
	mux.HandleFunc("/api/preview/expire", server.authed(http.MethodPut, server.handleMailboxExpire))

	mux.HandleFunc("/api/email-preview/list", server.authed(http.MethodGet, server.handleMessageList))
	mux.HandleFunc("/api/email-preview/create", server.authed(http.MethodPost, server.handleMessageCreate))
	mux.HandleFunc("/api/email-preview/delete", server.authed(http.MethodDelete, server.handleMessageDelete))
	mux.HandleFunc("/api/email-preview/expire", server.authed(http.MethodPut, server.handleMessageExpire))

	mux.HandleFunc("/health", server.handleHealth)
	mux.HandleFunc("/ready", server.handleReady)
	mux.Handle("/metrics", promhttp.Handler())
	server.mux = mux
	return server
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// public guards the token-addressed endpoints: GET only, throttled per
// client address.
func (s *Server) public(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if !s.limiter.Allow(clientIP(r)) {
			s.respondError(w, http.StatusTooManyRequests, "rate limit exceeded, try again later")
			return
		}
		next(w, r)
	}
}

type callerHandler func(w http.ResponseWriter, r *http.Request, caller preview.Caller)

func (s *Server) authed(method string, next callerHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		claims, err := s.auth.FromRequest(r, time.Now())
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, preview.Caller{UserID: claims.UserID, Email: claims.Email})
	}
}

// envelope is the body of every JSON reply.
type envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondOK(w http.ResponseWriter, data any) {
	s.respondJSON(w, http.StatusOK, envelope{Code: http.StatusOK, Message: "success", Data: data})
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, envelope{Code: status, Message: message})
}

// fail maps service errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var verr *preview.ValidationError
	switch {
	case errors.Is(err, context.Canceled):
		return
	case errors.Is(err, preview.ErrNotFound):
		s.respondError(w, http.StatusNotFound, "preview not found")
	case errors.Is(err, preview.ErrExpired):
		s.respondError(w, http.StatusForbidden, "preview expired")
	case errors.Is(err, preview.ErrForbidden):
		s.respondError(w, http.StatusForbidden, "forbidden")
	case errors.As(err, &verr):
		s.respondError(w, http.StatusBadRequest, verr.Message)
	default:
		s.logger.Error("api request", "path", r.URL.Path, "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondText(w, http.StatusOK, "ok")
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		if err := s.store.Ping(r.Context()); err != nil {
			s.logger.Warn("readiness check", "error", err)
			s.respondText(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	s.respondText(w, http.StatusOK, "ready")
}

func (s *Server) respondText(w http.ResponseWriter, status int, payload string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(payload))
}

func queryToken(r *http.Request) string {
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
