package bus

import "errors"

// Domain errors shared across the bus, hub, and dispatcher. Check with
// errors.Is; wrapping errors add the instance or request detail.
var (
	// ErrUnknownInstance indicates no registry record exists for the
	// supplied instance id.
	ErrUnknownInstance = errors.New("unknown instance")

	// ErrMissingInstance indicates an MCP session exists but carries no
	// instance binding.
	ErrMissingInstance = errors.New("instance not bound")

	// ErrTimeout indicates the request deadline elapsed with no response.
	ErrTimeout = errors.New("request timed out")

	// ErrConnectionLost indicates the instance's socket closed while
	// requests were pending.
	ErrConnectionLost = errors.New("connection to instance closed")

	// ErrSendFailed indicates a write to the socket failed before a
	// response could be awaited.
	ErrSendFailed = errors.New("send failed")

	// ErrProtocol indicates a frame failed to decode or an envelope
	// violated direction rules.
	ErrProtocol = errors.New("protocol error")

	// ErrShuttingDown is delivered to every pending waiter when the bridge
	// terminates.
	ErrShuttingDown = errors.New("shutting down")
)
