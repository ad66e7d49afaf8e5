// Package httpsrv assembles the bridge's HTTP surface on a single loopback
// port: the extension websocket, both MCP transports, health, and metrics.
package httpsrv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/webbridge/webbridge/pkg/config"
	"github.com/webbridge/webbridge/pkg/hub"
	"github.com/webbridge/webbridge/pkg/logger"
	"github.com/webbridge/webbridge/pkg/mcpsrv"
	"github.com/webbridge/webbridge/pkg/telemetry"
)

const shutdownTimeout = 10 * time.Second

// Server is the assembled HTTP surface.
type Server struct {
	cfg    *config.Config
	hub    *hub.Hub
	router chi.Router

	httpServer *http.Server
}

// New wires the router. The MCP transports arrive pre-built; the hub serves
// the websocket endpoint.
func New(cfg *config.Config, wsHub *hub.Hub, mcpServer *mcpsrv.Server) *Server {
	s := &Server{cfg: cfg, hub: wsHub}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/ping", handlePing)
	r.Get("/ws", wsHub.ServeWS)
	r.Handle("/mcp", mcpServer.StreamableHandler())
	r.Handle("/sse", mcpServer.SSEHandler())
	r.Handle("/messages", mcpServer.MessageHandler())
	r.Handle("/metrics", telemetry.Handler())

	s.router = r
	return s
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func handlePing(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"message": "pong",
	})
}

// Run binds the listener, exports the bound port into the environment, and
// serves until ctx is cancelled. The websocket hub is drained before Run
// returns.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr(), err)
	}

	boundPort := ln.Addr().(*net.TCPAddr).Port
	config.ExportPort(boundPort)
	logger.Infow("bridge listening",
		"addr", fmt.Sprintf("%s:%d", s.cfg.Host, boundPort))

	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warnw("http shutdown incomplete", "error", err)
			s.httpServer.Close()
		}
		// Websockets are hijacked connections; Shutdown does not cover
		// them.
		s.hub.Shutdown()
		return nil
	})
	return g.Wait()
}
