// Package server wires the controller's HTTP surface: JSON-RPC,
// chat-tool, GitHub webhooks, OAuth, the dashboard snapshot, health
// probes, and the SSE re-broadcast of the event bus.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/internal/oauth"
)

// DefaultAddr is the listen address when none is configured.
const DefaultAddr = ":8080"

// Config holds the HTTP server settings.
type Config struct {
	// Addr is the TCP listen address, default ":8080".
	Addr string
}

// Dependencies carries the handlers and subsystems the server exposes.
// Nil entries skip their routes, so a partially wired controller still
// serves the rest.
type Dependencies struct {
	// Bus is the event source for the SSE stream.
	Bus *events.Bus

	// RPC serves POST /rpc.
	RPC http.Handler

	// MCP serves POST /mcp.
	MCP http.Handler

	// Webhooks serves POST /webhooks/github.
	Webhooks http.Handler

	// OAuth serves the discovery, registration, authorize, and token
	// endpoints. Nil disables the OAuth surface entirely.
	OAuth *oauth.Server

	// Dashboard answers GET /dashboard.
	Dashboard Snapshotter

	// Auth guards the dashboard and event stream. Nil leaves them
	// open; the shared-bearer check is a no-op when no token is
	// configured, so passing it unconditionally is fine.
	Auth Authorizer
}

// Server owns the HTTP listener, the SSE hub, and the bus-to-hub
// pusher. Construct with New, then Start.
type Server struct {
	addr string

	hub    *Hub
	pusher *Pusher

	httpServer   *http.Server
	httpListener net.Listener
}

// New builds the route table and the SSE plumbing. Does not listen;
// call Start for that.
func New(cfg Config, deps Dependencies) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}

	hub := NewHub()
	var pusher *Pusher
	if deps.Bus != nil {
		pusher = NewPusher(deps.Bus, hub, 0)
	}

	health := HealthHandler()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		health(w, r)
	})

	if deps.RPC != nil {
		mux.Handle("/rpc", deps.RPC)
	}
	if deps.MCP != nil {
		mux.Handle("/mcp", deps.MCP)
	}
	if deps.Webhooks != nil {
		mux.Handle("/webhooks/github", deps.Webhooks)
	}
	if deps.Dashboard != nil {
		mux.HandleFunc("/dashboard", DashboardHandler(deps.Dashboard, deps.Auth))
	}
	mux.HandleFunc("/events", EventsHandler(hub, deps.Auth))

	if deps.OAuth != nil {
		mux.HandleFunc("/.well-known/oauth-authorization-server", deps.OAuth.MetadataHandler())
		mux.HandleFunc("/.well-known/oauth-protected-resource", deps.OAuth.ProtectedResourceHandler())
		mux.HandleFunc("/oauth/register", deps.OAuth.RegisterHandler())
		mux.HandleFunc("/oauth/authorize", deps.OAuth.AuthorizeHandler())
		mux.HandleFunc("/oauth/token", deps.OAuth.TokenHandler())
	}

	return &Server{
		addr:       cfg.Addr,
		hub:        hub,
		pusher:     pusher,
		httpServer: &http.Server{Addr: cfg.Addr, Handler: mux},
	}
}

// Start begins listening. Non-blocking: the hub loop, the bus pusher,
// and the HTTP server all run in goroutines.
func (s *Server) Start() error {
	go s.hub.Run()
	if s.pusher != nil {
		s.pusher.Start()
	}

	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.httpListener = listener

	// Ephemeral ports resolve here.
	s.addr = listener.Addr().String()

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			_ = err
		}
	}()

	return nil
}

// Stop performs graceful shutdown. The pusher detaches from the bus
// first, then the hub closes its clients so SSE handlers return and
// the HTTP shutdown can drain within ctx.
func (s *Server) Stop(ctx context.Context) error {
	if s.pusher != nil {
		s.pusher.Close()
	}
	s.hub.Stop()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// Addr returns the listen address, with the real port once Start has
// bound the listener.
func (s *Server) Addr() string {
	return s.addr
}
