// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server assembles the HTTP surface: middleware chain, the
// authorization server routes, session reset, health, and the proxy
// catch-all for the upstream prefix.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/stacklok/mcp-auth-proxy/pkg/authserver"
	"github.com/stacklok/mcp-auth-proxy/pkg/config"
	"github.com/stacklok/mcp-auth-proxy/pkg/kv"
	"github.com/stacklok/mcp-auth-proxy/pkg/logger"
	"github.com/stacklok/mcp-auth-proxy/pkg/proxy"
)

const (
	// readHeaderTimeout bounds slow-header attacks.
	readHeaderTimeout = 10 * time.Second

	// shutdownTimeout bounds graceful drain.
	shutdownTimeout = 10 * time.Second

	// healthInterval paces the KV store health loop.
	healthInterval = 15 * time.Second

	// healthStrikes is how many consecutive failed pings are fatal.
	healthStrikes = 3
)

// ErrStoreUnhealthy is returned when the KV store stays unreachable.
var ErrStoreUnhealthy = errors.New("kv store unreachable")

// Server is the assembled HTTP server.
type Server struct {
	cfg        *config.Config
	store      kv.Store
	httpServer *http.Server

	// healthEvery defaults to healthInterval; tests shorten it.
	healthEvery time.Duration
}

// New wires the router and returns the server.
func New(
	cfg *config.Config,
	auth *authserver.AuthServer,
	proxyHandler *proxy.Handler,
	store kv.Store,
) *Server {
	router := buildRouter(cfg, auth, proxyHandler)

	return &Server{
		cfg:   cfg,
		store: store,
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           router,
			ReadHeaderTimeout: readHeaderTimeout,
		},
		healthEvery: healthInterval,
	}
}

func buildRouter(cfg *config.Config, auth *authserver.AuthServer, proxyHandler *proxy.Handler) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	if !cfg.LocalInsecure {
		r.Use(httpsRedirect)
	}

	// Discovery is unauthenticated and cacheable; rate-limit it by source IP.
	r.Group(func(r chi.Router) {
		r.Use(httprate.Limit(
			cfg.RateLimit.MaxRequests,
			cfg.RateLimit.RequestWindow,
			httprate.WithKeyFuncs(httprate.KeyByIP),
		))
		auth.WellKnownRoutes(r)
	})

	auth.Routes(r)
	proxy.NewReset(cfg, auth.CookieNames()).Routes(r)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	mount := strings.TrimRight(cfg.Upstream.URL.Path, "/")
	if mount == "" {
		r.Handle("/*", proxyHandler)
	} else {
		r.Handle(mount, proxyHandler)
		r.Handle(mount+"/*", proxyHandler)
	}

	return r
}

// Run serves until the context is canceled, an accept loop failure, or the
// KV store health loop gives up. A health failure is a non-nil return; main
// turns it into a non-zero exit.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer.BaseContext = func(net.Listener) context.Context { return ctx }

	serveErr := make(chan error, 1)
	go func() {
		logger.Infow("listening",
			"addr", s.httpServer.Addr,
			"issuer", s.cfg.Issuer(),
		)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	healthErr := s.startHealthLoop(ctx)

	select {
	case <-ctx.Done():
		s.shutdown()
		return nil
	case err := <-serveErr:
		return err
	case err := <-healthErr:
		s.shutdown()
		return err
	}
}

func (s *Server) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("graceful shutdown incomplete",
			"error", err.Error(),
		)
	}
}

// startHealthLoop pings the KV store on a ticker. Tokens, grants and
// interactions all live there; without it the proxy can only hand out
// errors, so repeated failures stop the process.
func (s *Server) startHealthLoop(ctx context.Context) <-chan error {
	fatal := make(chan error, 1)

	go func() {
		ticker := time.NewTicker(s.healthEvery)
		defer ticker.Stop()

		strikes := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.store.Ping(ctx); err != nil {
					strikes++
					logger.Warnw("kv store ping failed",
						"strikes", strikes,
						"error", err.Error(),
					)
					if strikes >= healthStrikes {
						fatal <- fmt.Errorf("%w: %d consecutive ping failures", ErrStoreUnhealthy, strikes)
						return
					}
					continue
				}
				strikes = 0
			}
		}
	}()

	return fatal
}

// requestLogger emits one structured line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)

		next.ServeHTTP(ww, req)

		logger.Infow("http request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(req.Context()),
		)
	})
}

// httpsRedirect bounces plain-HTTP requests (as seen by the edge) to HTTPS.
func httpsRedirect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("X-Forwarded-Proto") == "http" {
			target := "https://" + req.Host + req.URL.RequestURI()
			http.Redirect(w, req, target, http.StatusFound)
			return
		}
		next.ServeHTTP(w, req)
	})
}
