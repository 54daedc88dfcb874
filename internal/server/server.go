// Package server contains HTTP handlers and server bootstrap code for the
// dispatcher API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gpupool/controller/internal/auth"
	"github.com/gpupool/controller/internal/blob"
	"github.com/gpupool/controller/internal/config"
	"github.com/gpupool/controller/internal/dispatch"
	"github.com/gpupool/controller/internal/store"
)

// Server is the HTTP server for the dispatcher API.
type Server struct {
	cfg        *config.Config
	store      store.Store
	blobs      blob.Store
	manager    *dispatch.Manager
	auth       *auth.Authenticator
	hub        *hub
	router     *http.ServeMux
	handler    http.Handler
	httpServer *http.Server
	mu         sync.Mutex
	conns      map[net.Conn]struct{}
}

// New constructs a new Server instance. Routes must be registered with
// RegisterRoutes before calling Start.
func New(cfg *config.Config, st store.Store, blobs blob.Store, manager *dispatch.Manager, authn *auth.Authenticator) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		blobs:   blobs,
		manager: manager,
		auth:    authn,
		hub:     newHub(),
		router:  http.NewServeMux(),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Start runs the HTTP server and blocks until context cancellation or
// server error. The status hub runs for the same lifetime.
func (s *Server) Start(ctx context.Context) error {
	addr := ":" + s.cfg.Port
	h := http.Handler(s.router)
	if s.handler != nil {
		h = s.handler
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Track connections so we can force-close them if graceful shutdown
	// exceeds the configured timeout. SSE and websocket sessions otherwise
	// hold shutdown open forever.
	s.httpServer.ConnState = func(c net.Conn, state http.ConnState) {
		s.mu.Lock()
		defer s.mu.Unlock()
		switch state {
		case http.StateNew, http.StateActive:
			s.conns[c] = struct{}{}
		case http.StateClosed, http.StateHijacked:
			delete(s.conns, c)
		case http.StateIdle:
			// keep in map until closed/hijacked
		}
	}

	go s.hub.run(ctx)
	go s.broadcastPoolStatus(ctx)

	// Create the listener first so the server is reliably bound before
	// Start spawns the serve goroutine.
	lc := &net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http serve: %w", err)
		} else {
			errCh <- nil
		}
	}()

	select {
	case <-ctx.Done():
		timeout := 30 * time.Second
		if s.cfg != nil && s.cfg.ShutdownTimeout > 0 {
			timeout = s.cfg.ShutdownTimeout
		}
		log.Printf("shutdown initiated, waiting up to %s for active connections to finish", timeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				log.Printf("shutdown timed out, force-closing active connections")
				s.mu.Lock()
				for c := range s.conns {
					_ = c.Close()
				}
				s.mu.Unlock()
			}
			return fmt.Errorf("server shutdown: %w", err)
		}

		// Close the store last so in-flight handlers finished first.
		if s.store != nil {
			if err := s.store.Close(); err != nil {
				log.Printf("failed to close store on shutdown: %v", err)
			} else {
				log.Printf("store connection closed")
			}
		}

		log.Printf("shutdown complete")
		return fmt.Errorf("server shutdown: %w", ctx.Err())
	case err := <-errCh:
		return err
	}
}
