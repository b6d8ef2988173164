// Package server exposes the federation HTTP surface: WebFinger,
// NodeInfo, actor documents, collections, objects and the inboxes.
package server

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wrenfed/wren/internal/ap"
	"github.com/wrenfed/wren/internal/config"
	"github.com/wrenfed/wren/internal/db"
	"github.com/wrenfed/wren/internal/fetcher"
	"github.com/wrenfed/wren/internal/inbox"
	"github.com/wrenfed/wren/internal/media"
)

// maxInboxBody caps inbound activity payloads at 1 MiB.
const maxInboxBody = 1 << 20

const activityContentType = `application/activity+json; charset=utf-8`

// Server is the HTTP front of the instance.
type Server struct {
	cfg         *config.Config
	store       *db.Store
	receiver    *inbox.Receiver
	fetcher     *fetcher.Fetcher
	media       *media.Storage
	instanceKey *rsa.PrivateKey

	http *http.Server
}

// New builds the server and its router.
func New(cfg *config.Config, store *db.Store, receiver *inbox.Receiver, f *fetcher.Fetcher, m *media.Storage, instanceKey *rsa.PrivateKey) *Server {
	s := &Server{
		cfg:         cfg,
		store:       store,
		receiver:    receiver,
		fetcher:     f,
		media:       m,
		instanceKey: instanceKey,
	}
	s.http = &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	if len(s.cfg.HTTPCorsAllow) > 0 {
		r.Use(corsMiddleware(s.cfg.HTTPCorsAllow))
	}

	r.Get("/.well-known/webfinger", s.handleWebFinger)
	r.Get("/.well-known/host-meta", s.handleHostMeta)
	r.Get("/.well-known/nodeinfo", s.handleNodeInfoIndex)
	r.Get("/nodeinfo/2.0", s.handleNodeInfo("2.0"))
	r.Get("/nodeinfo/2.1", s.handleNodeInfo("2.1"))
	r.Get("/api/healthcheck", s.handleHealthcheck)

	r.Get("/actor", s.handleInstanceActor)
	r.Get("/actor/outbox", s.handleInstanceOutbox)
	r.Post("/actor/inbox", s.handleInbox)
	r.Post("/inbox", s.handleInbox)

	r.Route("/users/{username}", func(r chi.Router) {
		r.Get("/", s.handleActor)
		r.Post("/inbox", s.handleInbox)
		r.Get("/inbox", s.handleUserInbox)
		r.Get("/outbox", s.handleOutbox)
		r.Get("/followers", s.handleFollowers)
		r.Get("/following", s.handleFollowing)
		r.Get("/subscribers", s.handleSubscribers)
	})

	r.Get("/objects/{uuid}", s.handleObject)
	r.Get("/objects/{uuid}/activity", s.handleObjectActivity)
	r.Get("/media/{file}", s.handleMedia)

	return r
}

// Start runs the HTTP server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// requestLogger logs each request with slog after it completes.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}

// corsMiddleware allows cross-origin requests from the configured
// origins only.
func corsMiddleware(allowed []string) func(http.Handler) http.Handler {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		allowedSet[o] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" {
				if _, ok := allowedSet[origin]; ok {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Signature, Digest, Date")
				}
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writeJSON writes a JSON response with the AP content type.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", activityContentType)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// writeError maps internal error kinds to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var status int
	switch {
	case ap.IsValidation(err):
		status = http.StatusBadRequest
	case errors.Is(err, ap.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, ap.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, ap.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ap.ErrGone):
		status = http.StatusGone
	case errors.Is(err, ap.ErrAlreadyExists):
		status = http.StatusConflict
	default:
		status = http.StatusInternalServerError
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		http.Error(w, "internal server error", status)
		return
	}
	http.Error(w, err.Error(), status)
}
