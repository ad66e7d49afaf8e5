package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/webbridge/webbridge/pkg/logger"
	"github.com/webbridge/webbridge/pkg/telemetry"
)

// DefaultSweepInterval is how often the pending table scans for entries past
// their deadline.
const DefaultSweepInterval = 1 * time.Second

// Outcome is the terminal result delivered to a waiter: a response payload or
// an error, never both.
type Outcome struct {
	Payload json.RawMessage
	Err     error
}

// Waiter is the completion primitive returned by Enroll. It resolves exactly
// once.
type Waiter struct {
	requestID string
	ch        chan Outcome
}

// Wait blocks until the response arrives or ctx is done. On ctx expiry the
// caller should also Cancel the enrollment so a late reply is dropped.
func (w *Waiter) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case out := <-w.ch:
		return out.Payload, out.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type pendingEntry struct {
	requestID  string
	instanceID string
	deadline   time.Time
	enrolledAt time.Time
	ch         chan Outcome
}

// PendingTable correlates asynchronous responses with their originating
// requests. Every enrolled request resolves exactly once, through Complete,
// Fail, FailAllForInstance, a sweep timeout, or Cancel. Completion is
// idempotent: resolving removes the entry, so a second delivery for the same
// id is a no-op.
type PendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry

	sweepInterval time.Duration
	stopCh        chan struct{}
	stopOnce      sync.Once
}

// NewPendingTable creates a table and starts its background sweeper.
func NewPendingTable(sweepInterval time.Duration) *PendingTable {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	t := &PendingTable{
		entries:       make(map[string]*pendingEntry),
		sweepInterval: sweepInterval,
		stopCh:        make(chan struct{}),
	}
	go t.sweepLoop()
	return t
}

func (t *PendingTable) sweepLoop() {
	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.Sweep(time.Now())
		case <-t.stopCh:
			return
		}
	}
}

// Enroll records a request awaiting a response and returns its waiter.
func (t *PendingTable) Enroll(requestID, instanceID string, deadline time.Time) *Waiter {
	entry := &pendingEntry{
		requestID:  requestID,
		instanceID: instanceID,
		deadline:   deadline,
		enrolledAt: time.Now(),
		ch:         make(chan Outcome, 1),
	}

	t.mu.Lock()
	t.entries[requestID] = entry
	t.mu.Unlock()

	return &Waiter{requestID: requestID, ch: entry.ch}
}

// take removes and returns the entry for requestID, or nil if already
// resolved. Removal under the lock is what makes resolution exactly-once.
func (t *PendingTable) take(requestID string) *pendingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[requestID]
	if !ok {
		return nil
	}
	delete(t.entries, requestID)
	return entry
}

// Complete delivers a response payload to the waiter for requestID.
// Returns false if no entry exists (late or duplicate reply).
func (t *PendingTable) Complete(requestID string, payload json.RawMessage) bool {
	entry := t.take(requestID)
	if entry == nil {
		logger.Debugw("dropping response with no pending entry", "request_id", requestID)
		return false
	}
	entry.ch <- Outcome{Payload: payload}
	return true
}

// Fail delivers an error to the waiter for requestID. Returns false if no
// entry exists.
func (t *PendingTable) Fail(requestID string, err error) bool {
	entry := t.take(requestID)
	if entry == nil {
		return false
	}
	entry.ch <- Outcome{Err: err}
	return true
}

// Cancel abandons the enrollment without delivering anything. Used when the
// caller stopped waiting (context cancelled, write failed); a late response
// then finds no entry and is dropped.
func (t *PendingTable) Cancel(requestID string) {
	t.take(requestID)
}

// FailAllForInstance releases every waiter attached to instanceID with err.
// Called when an instance's connection drops. Returns the number of waiters
// released.
func (t *PendingTable) FailAllForInstance(instanceID string, err error) int {
	t.mu.Lock()
	var doomed []*pendingEntry
	for id, entry := range t.entries {
		if entry.instanceID == instanceID {
			doomed = append(doomed, entry)
			delete(t.entries, id)
		}
	}
	t.mu.Unlock()

	for _, entry := range doomed {
		entry.ch <- Outcome{Err: err}
	}
	return len(doomed)
}

// FailAll releases every waiter with err. Used at shutdown.
func (t *PendingTable) FailAll(err error) int {
	t.mu.Lock()
	doomed := make([]*pendingEntry, 0, len(t.entries))
	for id, entry := range t.entries {
		doomed = append(doomed, entry)
		delete(t.entries, id)
	}
	t.mu.Unlock()

	for _, entry := range doomed {
		entry.ch <- Outcome{Err: err}
	}
	return len(doomed)
}

// Sweep fails every entry whose deadline precedes now with ErrTimeout and
// returns how many were swept.
func (t *PendingTable) Sweep(now time.Time) int {
	t.mu.Lock()
	var expired []*pendingEntry
	for id, entry := range t.entries {
		if entry.deadline.Before(now) {
			expired = append(expired, entry)
			delete(t.entries, id)
		}
	}
	t.mu.Unlock()

	for _, entry := range expired {
		elapsed := now.Sub(entry.enrolledAt)
		entry.ch <- Outcome{Err: fmt.Errorf("%w after %d ms", ErrTimeout, elapsed.Milliseconds())}
		telemetry.PendingTimeouts.Inc()
		logger.Warnw("pending request timed out",
			"request_id", entry.requestID,
			"instance_id", entry.instanceID,
			"elapsed_ms", elapsed.Milliseconds())
	}
	return len(expired)
}

// Len returns the number of in-flight entries.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Stop terminates the background sweeper. Pending entries are left intact;
// call FailAll first when shutting down.
func (t *PendingTable) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}
