package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webbridge/webbridge/pkg/bus"
)

type fakeBus struct {
	calledTool string
	calledArgs map[string]any
	toolResult json.RawMessage
	toolErr    error

	flows    []bus.FlowItem
	flowsErr error

	processPayload any
	filePayload    any
}

func (f *fakeBus) CallTool(_ context.Context, _ string, name string, args map[string]any, _ time.Duration) (json.RawMessage, error) {
	f.calledTool = name
	f.calledArgs = args
	return f.toolResult, f.toolErr
}

func (f *fakeBus) ListPublishedFlows(_ context.Context, _ string) ([]bus.FlowItem, error) {
	return f.flows, f.flowsErr
}

func (f *fakeBus) ProcessData(_ context.Context, _ string, payload any) (json.RawMessage, error) {
	f.processPayload = payload
	return json.RawMessage(`{"extracted":true}`), nil
}

func (f *fakeBus) FileOperation(_ context.Context, _ string, payload any) (json.RawMessage, error) {
	f.filePayload = payload
	return json.RawMessage(`{"file":true}`), nil
}

type fakeSession struct{ id string }

func (f *fakeSession) Initialize()        {}
func (f *fakeSession) Initialized() bool  { return true }
func (f *fakeSession) SessionID() string  { return f.id }
func (*fakeSession) NotificationChannel() chan<- mcp.JSONRPCNotification {
	return make(chan mcp.JSONRPCNotification, 1)
}

func sessionContext(t *testing.T, sessionID string) context.Context {
	t.Helper()
	srv := server.NewMCPServer("test", "0.0.0")
	return srv.WithContext(context.Background(), &fakeSession{id: sessionID})
}

func boundTo(instanceID string) InstanceResolver {
	return func(string) (string, bool) { return instanceID, instanceID != "" }
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func textContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)
	return text.Text
}

func TestHandleNoBoundInstance(t *testing.T) {
	t.Parallel()

	d := New(&fakeBus{}, boundTo(""))
	result, err := d.Handle(sessionContext(t, "s1"), callRequest("browser_click", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, textContent(t, result), "instance not bound")
}

func TestHandleNoSession(t *testing.T) {
	t.Parallel()

	d := New(&fakeBus{}, boundTo("inst-1"))
	result, err := d.Handle(context.Background(), callRequest("browser_click", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleStaticToolOverCallTool(t *testing.T) {
	t.Parallel()

	fb := &fakeBus{toolResult: json.RawMessage(`{"url":"https://example.com"}`)}
	d := New(fb, boundTo("inst-1"))

	result, err := d.Handle(sessionContext(t, "s1"),
		callRequest("browser_navigate", map[string]any{"url": "https://example.com"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.JSONEq(t, `{"url":"https://example.com"}`, textContent(t, result))
	assert.Equal(t, "browser_navigate", fb.calledTool)
}

func TestHandleStripsInstanceIDArgument(t *testing.T) {
	t.Parallel()

	fb := &fakeBus{toolResult: json.RawMessage(`{}`)}
	d := New(fb, boundTo("inst-bound"))

	_, err := d.Handle(sessionContext(t, "s1"),
		callRequest("browser_click", map[string]any{
			"selector":   "#go",
			"instanceId": "inst-legacy",
		}))
	require.NoError(t, err)
	assert.NotContains(t, fb.calledArgs, "instanceId")
	assert.Equal(t, "#go", fb.calledArgs["selector"])
}

func TestHandleFlowAliasRewrite(t *testing.T) {
	t.Parallel()

	fb := &fakeBus{
		flows:      []bus.FlowItem{{ID: 42, Slug: "signup"}},
		toolResult: json.RawMessage(`{"ran":true}`),
	}
	d := New(fb, boundTo("inst-1"))

	_, err := d.Handle(sessionContext(t, "s1"),
		callRequest("flow.signup", map[string]any{"email": "a@b"}))
	require.NoError(t, err)

	assert.Equal(t, "record_replay_flow_run", fb.calledTool)
	assert.Equal(t, int64(42), fb.calledArgs["flowId"])
	assert.Equal(t, map[string]any{"email": "a@b"}, fb.calledArgs["args"])
}

func TestHandleFlowAliasNotFound(t *testing.T) {
	t.Parallel()

	fb := &fakeBus{flows: []bus.FlowItem{{ID: 1, Slug: "other"}}}
	d := New(fb, boundTo("inst-1"))

	result, err := d.Handle(sessionContext(t, "s1"), callRequest("flow.missing", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, textContent(t, result), "flow not found for tool flow.missing")
}

func TestHandleExtractDataRoutesOverProcessData(t *testing.T) {
	t.Parallel()

	fb := &fakeBus{}
	d := New(fb, boundTo("inst-1"))

	schema := map[string]any{"title": map[string]any{"type": "string"}}
	result, err := d.Handle(sessionContext(t, "s1"),
		callRequest("browser_extract_data", map[string]any{"schema": schema}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	payload, ok := fb.processPayload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "extract", payload["operation"])
	assert.Equal(t, schema, payload["schema"])
	assert.Empty(t, fb.calledTool, "must not go over CALL_TOOL")
}

func TestHandleFlowExportRoutesOverFileOperation(t *testing.T) {
	t.Parallel()

	fb := &fakeBus{}
	d := New(fb, boundTo("inst-1"))

	_, err := d.Handle(sessionContext(t, "s1"),
		callRequest("record_replay_flow_export", map[string]any{"flowId": float64(7), "format": "json"}))
	require.NoError(t, err)

	payload, ok := fb.filePayload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "export", payload["operation"])
	assert.Equal(t, float64(7), payload["flowId"])
}

func TestHandleFlowPublishFiresInvalidation(t *testing.T) {
	t.Parallel()

	fb := &fakeBus{toolResult: json.RawMessage(`{"flowId":9}`)}
	d := New(fb, boundTo("inst-1"))

	var gotSession, gotInstance string
	d.SetFlowInvalidation(func(sessionID, instanceID string) {
		gotSession = sessionID
		gotInstance = instanceID
	})

	_, err := d.Handle(sessionContext(t, "s1"),
		callRequest("record_replay_flow_publish", map[string]any{"flowId": float64(9)}))
	require.NoError(t, err)
	assert.Equal(t, "s1", gotSession)
	assert.Equal(t, "inst-1", gotInstance)
}

func TestHandleFlowImportFiresInvalidation(t *testing.T) {
	t.Parallel()

	fb := &fakeBus{}
	d := New(fb, boundTo("inst-1"))

	fired := false
	d.SetFlowInvalidation(func(string, string) { fired = true })

	_, err := d.Handle(sessionContext(t, "s1"),
		callRequest("record_replay_flow_import", map[string]any{"data": "{}", "name": "n"}))
	require.NoError(t, err)
	assert.True(t, fired, "importing a flow changes the published catalogue")
}

func TestHandleInvalidationSkippedForNonMutatingAndFailedCalls(t *testing.T) {
	t.Parallel()

	fb := &fakeBus{toolResult: json.RawMessage(`{}`)}
	d := New(fb, boundTo("inst-1"))

	fired := false
	d.SetFlowInvalidation(func(string, string) { fired = true })

	_, err := d.Handle(sessionContext(t, "s1"), callRequest("browser_click", nil))
	require.NoError(t, err)
	assert.False(t, fired, "non-mutating tools leave flow tools alone")

	fb.toolErr = bus.ErrTimeout
	_, err = d.Handle(sessionContext(t, "s1"), callRequest("record_replay_flow_publish", nil))
	require.NoError(t, err)
	assert.False(t, fired, "a failed publish changes nothing")
}

func TestHandleBusErrorBecomesToolError(t *testing.T) {
	t.Parallel()

	fb := &fakeBus{toolErr: bus.ErrTimeout}
	d := New(fb, boundTo("inst-1"))

	result, err := d.Handle(sessionContext(t, "s1"), callRequest("browser_click", nil))
	require.NoError(t, err, "bus failures surface as tool errors, not protocol errors")
	assert.True(t, result.IsError)
	assert.Contains(t, textContent(t, result), "Error calling tool")
	assert.Contains(t, textContent(t, result), "request timed out")
}
