package mcpsrv

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webbridge/webbridge/pkg/bus"
)

type stubFlowLister struct {
	mu    sync.Mutex
	items []bus.FlowItem
	err   error
}

func (s *stubFlowLister) ListPublishedFlows(context.Context, string) ([]bus.FlowItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items, s.err
}

func (s *stubFlowLister) set(items []bus.FlowItem) {
	s.mu.Lock()
	s.items = items
	s.mu.Unlock()
}

// toolSession carries per-session tools so AddSessionTools and
// DeleteSessionTools operate on it.
type toolSession struct {
	id     string
	notify chan mcp.JSONRPCNotification

	mu    sync.Mutex
	tools map[string]server.ServerTool
}

func newToolSession(id string) *toolSession {
	return &toolSession{id: id, notify: make(chan mcp.JSONRPCNotification, 16)}
}

func (s *toolSession) Initialize()       {}
func (s *toolSession) Initialized() bool { return true }
func (s *toolSession) SessionID() string { return s.id }
func (s *toolSession) NotificationChannel() chan<- mcp.JSONRPCNotification {
	return s.notify
}

func (s *toolSession) GetSessionTools() map[string]server.ServerTool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tools
}

func (s *toolSession) SetSessionTools(tools map[string]server.ServerTool) {
	s.mu.Lock()
	s.tools = tools
	s.mu.Unlock()
}

func (s *toolSession) toolNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	return names
}

func newFlowServer(t *testing.T, flows FlowLister) *Server {
	t.Helper()
	sessions := NewSessionManager(time.Hour)
	t.Cleanup(sessions.Stop)
	return New(
		Config{Name: "webbridge", Version: "test", BaseURL: "http://127.0.0.1:0"},
		sessions,
		flows,
		func(string) bool { return true },
		func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText("{}"), nil
		},
	)
}

func TestRefreshFlowToolsReplacesStaleTools(t *testing.T) {
	t.Parallel()

	flows := &stubFlowLister{items: []bus.FlowItem{{ID: 1, Slug: "signup"}}}
	srv := newFlowServer(t, flows)

	sess := newToolSession("s1")
	require.NoError(t, srv.mcpServer.RegisterSession(context.Background(), sess))
	// The register hook may run off the registration goroutine.
	require.Eventually(t, func() bool {
		_, ok := srv.sessions.Get("s1")
		return ok
	}, 2*time.Second, 10*time.Millisecond, "register hook must adopt the session")

	srv.RefreshFlowTools("s1", "inst-1")
	assert.ElementsMatch(t, []string{"flow.signup"}, sess.toolNames())

	// Publishing replaced the catalogue; the old tool must disappear.
	flows.set([]bus.FlowItem{{ID: 2, Slug: "checkout"}})
	srv.RefreshFlowTools("s1", "inst-1")
	assert.ElementsMatch(t, []string{"flow.checkout"}, sess.toolNames())

	// An emptied catalogue leaves no flow tools behind.
	flows.set(nil)
	srv.RefreshFlowTools("s1", "inst-1")
	assert.Empty(t, sess.toolNames())
}

func TestRefreshFlowToolsKeepsToolsOnListFailure(t *testing.T) {
	t.Parallel()

	flows := &stubFlowLister{items: []bus.FlowItem{{ID: 1, Slug: "signup"}}}
	srv := newFlowServer(t, flows)

	sess := newToolSession("s1")
	require.NoError(t, srv.mcpServer.RegisterSession(context.Background(), sess))
	require.Eventually(t, func() bool {
		_, ok := srv.sessions.Get("s1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	srv.RefreshFlowTools("s1", "inst-1")
	require.ElementsMatch(t, []string{"flow.signup"}, sess.toolNames())

	flows.mu.Lock()
	flows.err = bus.ErrTimeout
	flows.mu.Unlock()

	srv.RefreshFlowTools("s1", "inst-1")
	assert.ElementsMatch(t, []string{"flow.signup"}, sess.toolNames(),
		"a failed listing must not wipe the session's tools")
}

func TestRefreshFlowToolsUnknownSessionIsNoop(t *testing.T) {
	t.Parallel()

	flows := &stubFlowLister{items: []bus.FlowItem{{ID: 1, Slug: "signup"}}}
	srv := newFlowServer(t, flows)

	srv.RefreshFlowTools("ghost", "inst-1")
}
