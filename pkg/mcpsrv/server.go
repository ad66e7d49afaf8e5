package mcpsrv

import (
	"context"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/webbridge/webbridge/pkg/bus"
	"github.com/webbridge/webbridge/pkg/catalog"
	"github.com/webbridge/webbridge/pkg/logger"
)

// flowListTimeout bounds the LIST_PUBLISHED_FLOWS round trip performed while
// the client's initialize request is in flight.
const flowListTimeout = 10 * time.Second

// FlowLister queries an instance for its published flows. Satisfied by
// *bus.Client.
type FlowLister interface {
	ListPublishedFlows(ctx context.Context, instanceID string) ([]bus.FlowItem, error)
}

// Config configures the MCP server surface.
type Config struct {
	Name    string
	Version string
	// BaseURL is advertised to legacy SSE clients for the message endpoint.
	BaseURL string
}

// Server owns the MCP protocol surface: the SDK server, both transports, and
// the session-to-instance binding established at initialize.
type Server struct {
	cfg        Config
	mcpServer  *server.MCPServer
	streamable *server.StreamableHTTPServer
	sse        *server.SSEServer
	sessions   *SessionManager
	flows      FlowLister
	connected  func(instanceID string) bool
	handler    server.ToolHandlerFunc
}

// New builds the MCP server. handler receives every tool call, static and
// dynamic; connected reports whether an instance currently has a live
// websocket.
func New(
	cfg Config,
	sessions *SessionManager,
	flows FlowLister,
	connected func(instanceID string) bool,
	handler server.ToolHandlerFunc,
) *Server {
	s := &Server{
		cfg:       cfg,
		sessions:  sessions,
		flows:     flows,
		connected: connected,
		handler:   handler,
	}

	hooks := &server.Hooks{}
	hooks.AddOnRegisterSession(s.handleSessionRegistration)

	s.mcpServer = server.NewMCPServer(
		cfg.Name,
		cfg.Version,
		server.WithToolCapabilities(true),
		server.WithLogging(),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions(
			"Bridges browser-extension instances onto MCP. Bind an instance by "+
				"passing INSTANCE_ID in initialize params, an X-Instance-Id "+
				"header, or an instanceId query parameter; published flows of "+
				"the bound instance appear as flow.<slug> tools."),
	)

	for _, tool := range catalog.StaticTools() {
		s.mcpServer.AddTool(tool, handler)
	}

	s.streamable = server.NewStreamableHTTPServer(
		s.mcpServer,
		server.WithEndpointPath("/mcp"),
		server.WithSessionIdManager(newSessionIDAdapter(sessions)),
	)
	s.sse = server.NewSSEServer(
		s.mcpServer,
		server.WithBaseURL(cfg.BaseURL),
		server.WithSSEEndpoint("/sse"),
		server.WithMessageEndpoint("/messages"),
	)

	return s
}

// handleSessionRegistration runs after the SDK registers a session, which is
// the point where AddSessionTools is legal. It binds the session to the
// instance id carried on the request context and materialises the instance's
// published flows as per-session tools.
func (s *Server) handleSessionRegistration(ctx context.Context, session server.ClientSession) {
	sessionID := session.SessionID()

	// SSE transports mint their own session ids without going through the
	// SessionIdManager adapter; adopt those here.
	if _, ok := s.sessions.Get(sessionID); !ok {
		if err := s.sessions.AddWithID(sessionID); err != nil {
			logger.Warnw("failed to adopt SDK session", "session", sessionID, "error", err)
			return
		}
	}

	instanceID := InstanceIDFromContext(ctx)
	if instanceID == "" {
		logger.Debugw("session registered without instance binding", "session", sessionID)
		return
	}
	s.sessions.BindInstance(sessionID, instanceID)
	logger.Infow("session bound to instance",
		"session", sessionID, "instance_id", instanceID)

	if s.connected != nil && !s.connected(instanceID) {
		logger.Warnw("bound instance has no live connection, skipping flow tools",
			"session", sessionID, "instance_id", instanceID)
		return
	}
	s.injectFlowTools(ctx, sessionID, instanceID)
}

func (s *Server) injectFlowTools(ctx context.Context, sessionID, instanceID string) {
	listCtx, cancel := context.WithTimeout(ctx, flowListTimeout)
	defer cancel()

	items, err := s.flows.ListPublishedFlows(listCtx, instanceID)
	if err != nil {
		// Static tools still list; the session just has no flow tools.
		logger.Warnw("failed to list published flows",
			"session", sessionID, "instance_id", instanceID, "error", err)
		return
	}
	s.applyFlowTools(sessionID, items)
}

// RefreshFlowTools re-queries the instance's published flows and reconciles
// the session's flow tools against the result. The dispatcher calls this after
// a tool call mutates the published set, so cached descriptors never outlive
// the flows they describe.
func (s *Server) RefreshFlowTools(sessionID, instanceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), flowListTimeout)
	defer cancel()

	items, err := s.flows.ListPublishedFlows(ctx, instanceID)
	if err != nil {
		logger.Warnw("failed to refresh published flows",
			"session", sessionID, "instance_id", instanceID, "error", err)
		return
	}
	s.applyFlowTools(sessionID, items)
}

// applyFlowTools replaces the session's flow tools with those synthesised from
// items. Tools whose flow disappeared are deleted; the rest are added or
// overwritten in place.
func (s *Server) applyFlowTools(sessionID string, items []bus.FlowItem) {
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		return
	}

	tools := catalog.FlowTools(items)
	current := make(map[string]struct{}, len(tools))
	names := make([]string, 0, len(tools))
	sessionTools := make([]server.ServerTool, 0, len(tools))
	for _, tool := range tools {
		current[tool.Name] = struct{}{}
		names = append(names, tool.Name)
		sessionTools = append(sessionTools, server.ServerTool{Tool: tool, Handler: s.handler})
	}

	var stale []string
	for _, name := range sess.setFlowTools(names) {
		if _, ok := current[name]; !ok {
			stale = append(stale, name)
		}
	}
	if len(stale) > 0 {
		if err := s.mcpServer.DeleteSessionTools(sessionID, stale...); err != nil {
			logger.Warnw("failed to delete stale flow tools",
				"session", sessionID, "error", err)
		}
	}
	if len(sessionTools) > 0 {
		if err := s.mcpServer.AddSessionTools(sessionID, sessionTools...); err != nil {
			logger.Errorw("failed to add session flow tools",
				"session", sessionID, "error", err)
			return
		}
	}
	logger.Infow("session flow tools reconciled",
		"session", sessionID, "count", len(sessionTools), "removed", len(stale))
}

// StreamableHandler serves POST/GET/DELETE /mcp with instance-id extraction
// applied.
func (s *Server) StreamableHandler() http.Handler {
	return ExtractInstanceID(s.streamable)
}

// SSEHandler serves GET /sse with instance-id extraction applied.
func (s *Server) SSEHandler() http.Handler {
	return ExtractInstanceID(s.sse.SSEHandler())
}

// MessageHandler serves POST /messages for legacy SSE clients.
func (s *Server) MessageHandler() http.Handler {
	return s.sse.MessageHandler()
}

// Sessions exposes the session manager to the assembly layer.
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

// Stop halts session cleanup. In-flight transports are torn down by the
// enclosing HTTP server's shutdown.
func (s *Server) Stop() {
	s.sessions.Stop()
}
