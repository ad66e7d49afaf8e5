// Package hub terminates websocket connections from browser-extension
// instances and bridges them onto the message bus. It owns the per-connection
// protocol state machine: registration, heartbeat, response correlation, and
// teardown.
package hub

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/webbridge/webbridge/pkg/bus"
	"github.com/webbridge/webbridge/pkg/logger"
	"github.com/webbridge/webbridge/pkg/registry"
	"github.com/webbridge/webbridge/pkg/telemetry"
)

// Hub accepts extension websocket connections on /ws and routes their frames
// between the registry and the pending-request table.
type Hub struct {
	registry *registry.Registry
	pending  *bus.PendingTable
	version  string

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*conn]struct{}
}

// New creates a hub over the given registry and pending table. version is
// reported to extensions in the registration acknowledgement.
func New(reg *registry.Registry, pending *bus.PendingTable, version string) *Hub {
	return &Hub{
		registry: reg,
		pending:  pending,
		version:  version,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		conns: make(map[*conn]struct{}),
	}
}

// checkOrigin admits browser extensions and loopback pages. Native websocket
// clients send no Origin header at all, which is also fine.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, prefix := range []string{
		"chrome-extension://",
		"moz-extension://",
		"http://127.0.0.1",
	} {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

// ServeWS is the /ws HTTP handler.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warnw("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	c := newConn(ws)
	h.track(c)
	go c.writePump()

	// Immediate PONG tells the extension the bus is live before it
	// registers.
	if err := c.SendEnvelope(&bus.Envelope{Type: bus.TypePong}); err != nil {
		logger.Debugw("initial pong failed", "error", err)
	}

	h.readPump(c)
	h.teardown(c)
}

func (h *Hub) track(c *conn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) untrack(c *conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

func (h *Hub) readPump(c *conn) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debugw("websocket closed unexpectedly", "error", err,
					"instance_id", c.cachedInstanceID())
			}
			return
		}

		env, err := bus.Decode(data)
		if err != nil {
			// Parse errors are terminal for the offending socket; other
			// connections are unaffected.
			telemetry.ProtocolErrors.Inc()
			logger.Warnw("closing connection on malformed frame", "error", err,
				"instance_id", c.cachedInstanceID())
			h.sendError(c, "", err.Error())
			c.shutdown(websocket.ClosePolicyViolation, "protocol error")
			return
		}
		telemetry.EnvelopesReceived.WithLabelValues(string(env.Type)).Inc()
		h.registry.TouchActivityByConnection(c)

		if done := h.handle(c, env); done {
			return
		}
	}
}

// handle processes one inbound envelope. Returns true when the connection
// should be torn down.
func (h *Hub) handle(c *conn, env *bus.Envelope) bool {
	// Until INSTANCE_REGISTER lands, PING is the only other envelope a
	// connection may send.
	if c.cachedInstanceID() == "" &&
		env.Type != bus.TypePing && env.Type != bus.TypeInstanceRegister {
		telemetry.ProtocolErrors.Inc()
		logger.Warnw("envelope before registration, closing",
			"type", string(env.Type))
		h.sendError(c, env.RequestID, "not registered")
		c.shutdown(websocket.ClosePolicyViolation, "protocol violation")
		return true
	}

	switch {
	case env.Type == bus.TypePing:
		if err := c.SendEnvelope(&bus.Envelope{Type: bus.TypePong}); err != nil {
			logger.Debugw("pong failed", "error", err)
		}
		return false

	case env.Type == bus.TypePong:
		return false

	case env.Type == bus.TypeInstanceRegister:
		h.handleRegister(c, env)
		return false

	case env.Type == bus.TypeInstanceUnregister:
		h.handleUnregister(c, env)
		return true

	case env.Type.IsServerInitiated():
		// Only the bridge may originate these.
		telemetry.ProtocolErrors.Inc()
		logger.Warnw("extension sent server-initiated type, closing",
			"type", string(env.Type), "instance_id", c.cachedInstanceID())
		h.sendError(c, env.RequestID, "type "+string(env.Type)+" may only originate from the server")
		c.shutdown(websocket.ClosePolicyViolation, "protocol violation")
		return true

	case env.Type.IsResponse() || (env.Type == bus.TypeError && env.ResponseTo != ""):
		h.handleResponse(c, env)
		return false

	case env.Type == bus.TypeError:
		logger.Warnw("extension reported error", "error", env.Error,
			"instance_id", c.cachedInstanceID())
		return false

	default:
		// INSTANCE_REGISTERED and the like travel server to extension
		// only.
		telemetry.ProtocolErrors.Inc()
		h.sendError(c, env.RequestID, "unexpected type "+string(env.Type))
		c.shutdown(websocket.ClosePolicyViolation, "protocol violation")
		return true
	}
}

func (h *Hub) handleRegister(c *conn, env *bus.Envelope) {
	var payload bus.RegisterPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			logger.Debugw("ignoring unparseable register payload", "error", err)
		}
	}

	instanceID := h.registry.Register(c, env.InstanceID)
	c.setInstanceID(instanceID)
	telemetry.ConnectedInstances.Set(float64(h.registry.Count()))

	logger.Infow("instance registered",
		"instance_id", instanceID,
		"extension_version", payload.Version,
		"provided_id", env.InstanceID != "")

	ack := &bus.Envelope{
		Type:       bus.TypeInstanceRegistered,
		ResponseTo: env.RequestID,
		InstanceID: instanceID,
	}
	ackPayload, err := bus.MarshalPayload(bus.RegisteredPayload{
		InstanceID: instanceID,
		ServerInfo: bus.ServerInfo{
			Version:   h.version,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err == nil {
		ack.Payload = ackPayload
	}
	if err := c.SendEnvelope(ack); err != nil {
		logger.Warnw("registration ack failed", "error", err, "instance_id", instanceID)
	}
}

func (h *Hub) handleUnregister(c *conn, env *bus.Envelope) {
	instanceID := c.cachedInstanceID()
	if instanceID == "" {
		instanceID = env.InstanceID
	}
	if instanceID != "" {
		h.registry.Unregister(instanceID)
		h.pending.FailAllForInstance(instanceID, bus.ErrConnectionLost)
	}
	telemetry.ConnectedInstances.Set(float64(h.registry.Count()))
	logger.Infow("instance unregistered", "instance_id", instanceID)

	ack := &bus.Envelope{
		Type:       bus.TypeInstanceUnregistered,
		ResponseTo: env.RequestID,
		InstanceID: instanceID,
	}
	if err := c.SendEnvelope(ack); err != nil {
		logger.Debugw("unregister ack failed", "error", err)
	}
	c.CloseNormal("unregistered")
}

func (h *Hub) handleResponse(c *conn, env *bus.Envelope) {
	if env.ResponseTo == "" {
		telemetry.ProtocolErrors.Inc()
		h.sendError(c, "", "response without responseToRequestId")
		return
	}

	var delivered bool
	if env.Type == bus.TypeError {
		delivered = h.pending.Fail(env.ResponseTo, errors.New(env.Error))
	} else {
		delivered = h.pending.Complete(env.ResponseTo, env.Payload)
	}
	if !delivered {
		logger.Debugw("late or unknown response dropped",
			"response_to", env.ResponseTo, "instance_id", c.cachedInstanceID())
	}
}

func (h *Hub) sendError(c *conn, responseTo, msg string) {
	env := &bus.Envelope{Type: bus.TypeError, ResponseTo: responseTo, Error: msg}
	if err := c.SendEnvelope(env); err != nil {
		logger.Debugw("error envelope send failed", "error", err)
	}
}

// teardown runs when the read pump exits for any reason. Pending requests
// bound to the connection's instance fail immediately rather than waiting for
// their deadlines.
func (h *Hub) teardown(c *conn) {
	h.untrack(c)

	instanceID := c.cachedInstanceID()
	stillCurrent := h.registry.UnregisterByConnection(c)
	if instanceID != "" {
		if n := h.pending.FailAllForInstance(instanceID, bus.ErrConnectionLost); n > 0 {
			logger.Infow("failed pending requests on disconnect",
				"instance_id", instanceID, "count", n)
		}
	}
	telemetry.ConnectedInstances.Set(float64(h.registry.Count()))
	logger.Infow("connection closed",
		"instance_id", instanceID, "was_registered", stillCurrent)

	// Releases the write pump if nothing closed the connection yet.
	c.CloseNormal("")
}

// ConnectionCount returns the number of open websocket connections, which may
// briefly exceed the registry count during rebinds.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Shutdown closes every open connection with a normal-close frame.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	open := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		open = append(open, c)
	}
	h.mu.Unlock()

	for _, c := range open {
		c.CloseNormal("server shutting down")
	}
}
