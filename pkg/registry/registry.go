// Package registry is the single source of truth for mapping extension
// instance ids to live websocket connections, with rebinding, idle eviction,
// and activity tracking.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/webbridge/webbridge/pkg/bus"
	"github.com/webbridge/webbridge/pkg/logger"
)

// Default idle-eviction policy. Both are configurable; the values mirror the
// heartbeat cadence extensions are expected to keep.
const (
	DefaultIdleTimeout   = 1 * time.Hour
	DefaultEvictInterval = 60 * time.Second
)

// Conn is the handle the registry keeps for a live instance connection.
// The hub's per-socket connection implements it.
type Conn interface {
	// SendEnvelope queues an envelope on the connection's serialized writer.
	SendEnvelope(env *bus.Envelope) error

	// CloseNormal closes the underlying socket with a normal-close frame.
	// Safe to call more than once.
	CloseNormal(reason string)
}

type record struct {
	conn         Conn
	registeredAt time.Time
	lastActivity time.Time
}

// Registry maps instanceId to its live connection. All methods are safe for
// concurrent use; locks are held only over map mutation, never over socket
// I/O. Rebinding is atomic from the perspective of concurrent lookups: a
// lookup sees either the old connection or the new one, never a nil gap.
type Registry struct {
	mu         sync.RWMutex
	byInstance map[string]*record
	byConn     map[Conn]string

	idleTimeout   time.Duration
	evictInterval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
}

// Option configures a Registry.
type Option func(*Registry)

// WithIdleTimeout overrides the idle cutoff used by the eviction loop.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.idleTimeout = d
		}
	}
}

// WithEvictInterval overrides how often the eviction loop runs.
func WithEvictInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.evictInterval = d
		}
	}
}

// New creates a registry and starts its idle-eviction loop.
func New(opts ...Option) *Registry {
	r := &Registry{
		byInstance:    make(map[string]*record),
		byConn:        make(map[Conn]string),
		idleTimeout:   DefaultIdleTimeout,
		evictInterval: DefaultEvictInterval,
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.evictLoop()
	return r
}

func (r *Registry) evictLoop() {
	ticker := time.NewTicker(r.evictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.EvictIdle(time.Now().Add(-r.idleTimeout))
		case <-r.stopCh:
			return
		}
	}
}

// Register binds conn to providedID, minting a fresh UUID when providedID is
// empty. If providedID is already known the record is rebound to conn and
// the displaced connection, if different, is closed after the maps are
// updated. If conn was previously bound to a different instance id, that
// binding is removed first.
func (r *Registry) Register(conn Conn, providedID string) string {
	instanceID := providedID
	if instanceID == "" {
		instanceID = uuid.New().String()
	}

	var displaced Conn

	r.mu.Lock()
	// A connection holds at most one binding.
	if prevID, ok := r.byConn[conn]; ok && prevID != instanceID {
		delete(r.byInstance, prevID)
		delete(r.byConn, conn)
		logger.Debugw("connection rebound to new instance id",
			"previous_instance_id", prevID, "instance_id", instanceID)
	}

	now := time.Now()
	if existing, ok := r.byInstance[instanceID]; ok {
		if existing.conn != conn {
			displaced = existing.conn
			delete(r.byConn, existing.conn)
		}
		existing.conn = conn
		existing.lastActivity = now
	} else {
		r.byInstance[instanceID] = &record{
			conn:         conn,
			registeredAt: now,
			lastActivity: now,
		}
	}
	r.byConn[conn] = instanceID
	r.mu.Unlock()

	// Close outside the lock: closing blocks on socket I/O.
	if displaced != nil {
		logger.Infow("instance rebound, closing previous connection", "instance_id", instanceID)
		displaced.CloseNormal("instance re-registered on a new connection")
	}

	return instanceID
}

// Unregister removes the record for instanceID. The caller is responsible
// for any socket close. Returns false if no record existed.
func (r *Registry) Unregister(instanceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byInstance[instanceID]
	if !ok {
		return false
	}
	delete(r.byInstance, instanceID)
	delete(r.byConn, rec.conn)
	return true
}

// UnregisterByConnection removes whatever binding conn holds. Returns false
// if conn was not registered.
func (r *Registry) UnregisterByConnection(conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	instanceID, ok := r.byConn[conn]
	if !ok {
		return false
	}
	// Only drop the instance record if conn is still its current
	// connection; a rebind may already have replaced it.
	if rec, ok := r.byInstance[instanceID]; ok && rec.conn == conn {
		delete(r.byInstance, instanceID)
	}
	delete(r.byConn, conn)
	return true
}

// GetConnection returns the live connection for instanceID, or nil.
func (r *Registry) GetConnection(instanceID string) Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if rec, ok := r.byInstance[instanceID]; ok {
		return rec.conn
	}
	return nil
}

// GetInstanceID returns the instance id bound to conn, or "".
func (r *Registry) GetInstanceID(conn Conn) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byConn[conn]
}

// Has reports whether instanceID is registered.
func (r *Registry) Has(instanceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byInstance[instanceID]
	return ok
}

// TouchActivity updates lastActivity for instanceID.
func (r *Registry) TouchActivity(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.byInstance[instanceID]; ok {
		rec.lastActivity = time.Now()
	}
}

// TouchActivityByConnection updates lastActivity for whatever instance conn
// is bound to.
func (r *Registry) TouchActivityByConnection(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if instanceID, ok := r.byConn[conn]; ok {
		if rec, ok := r.byInstance[instanceID]; ok {
			rec.lastActivity = time.Now()
		}
	}
}

// Count returns the number of registered instances.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byInstance)
}

// EvictIdle removes every record whose lastActivity precedes cutoff and
// closes its connection. Returns the evicted instance ids.
func (r *Registry) EvictIdle(cutoff time.Time) []string {
	type evicted struct {
		instanceID string
		conn       Conn
	}

	r.mu.Lock()
	var idle []evicted
	for instanceID, rec := range r.byInstance {
		if rec.lastActivity.Before(cutoff) {
			idle = append(idle, evicted{instanceID, rec.conn})
			delete(r.byInstance, instanceID)
			delete(r.byConn, rec.conn)
		}
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(idle))
	for _, e := range idle {
		logger.Infow("evicting idle instance", "instance_id", e.instanceID)
		e.conn.CloseNormal("idle timeout")
		ids = append(ids, e.instanceID)
	}
	return ids
}

// Stop terminates the eviction loop. Records are left intact.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}
