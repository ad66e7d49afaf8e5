package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTable(t *testing.T) *PendingTable {
	t.Helper()
	// Long sweep interval so tests drive Sweep explicitly.
	table := NewPendingTable(time.Hour)
	t.Cleanup(table.Stop)
	return table
}

func TestPendingCompleteDeliversOnce(t *testing.T) {
	t.Parallel()
	table := newTestTable(t)

	waiter := table.Enroll("req-1", "inst-1", time.Now().Add(time.Minute))

	payload := json.RawMessage(`{"status":"success"}`)
	assert.True(t, table.Complete("req-1", payload))
	assert.False(t, table.Complete("req-1", payload), "duplicate delivery must be a no-op")

	got, err := waiter.Wait(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, string(payload), string(got))
	assert.Zero(t, table.Len())
}

func TestPendingFail(t *testing.T) {
	t.Parallel()
	table := newTestTable(t)

	waiter := table.Enroll("req-1", "inst-1", time.Now().Add(time.Minute))
	require.True(t, table.Fail("req-1", ErrConnectionLost))

	_, err := waiter.Wait(context.Background())
	require.ErrorIs(t, err, ErrConnectionLost)
}

func TestPendingSweepTimesOutExpired(t *testing.T) {
	t.Parallel()
	table := newTestTable(t)

	expired := table.Enroll("req-old", "inst-1", time.Now().Add(-time.Second))
	table.Enroll("req-live", "inst-1", time.Now().Add(time.Minute))

	swept := table.Sweep(time.Now())
	assert.Equal(t, 1, swept)
	assert.Equal(t, 1, table.Len())

	_, err := expired.Wait(context.Background())
	require.ErrorIs(t, err, ErrTimeout)
}

func TestPendingFailAllForInstance(t *testing.T) {
	t.Parallel()
	table := newTestTable(t)

	w1 := table.Enroll("req-1", "inst-a", time.Now().Add(time.Minute))
	w2 := table.Enroll("req-2", "inst-a", time.Now().Add(time.Minute))
	w3 := table.Enroll("req-3", "inst-b", time.Now().Add(time.Minute))

	released := table.FailAllForInstance("inst-a", ErrConnectionLost)
	assert.Equal(t, 2, released)
	assert.Equal(t, 1, table.Len())

	for _, w := range []*Waiter{w1, w2} {
		_, err := w.Wait(context.Background())
		require.ErrorIs(t, err, ErrConnectionLost)
	}

	// inst-b is untouched.
	require.True(t, table.Complete("req-3", json.RawMessage(`{}`)))
	_, err := w3.Wait(context.Background())
	require.NoError(t, err)
}

func TestPendingFailAll(t *testing.T) {
	t.Parallel()
	table := newTestTable(t)

	w1 := table.Enroll("req-1", "inst-a", time.Now().Add(time.Minute))
	w2 := table.Enroll("req-2", "inst-b", time.Now().Add(time.Minute))

	assert.Equal(t, 2, table.FailAll(ErrShuttingDown))
	assert.Zero(t, table.Len())

	for _, w := range []*Waiter{w1, w2} {
		_, err := w.Wait(context.Background())
		require.ErrorIs(t, err, ErrShuttingDown)
	}
}

func TestPendingCancelDropsLateReply(t *testing.T) {
	t.Parallel()
	table := newTestTable(t)

	table.Enroll("req-1", "inst-1", time.Now().Add(time.Minute))
	table.Cancel("req-1")

	assert.False(t, table.Complete("req-1", json.RawMessage(`{}`)))
	assert.Zero(t, table.Len())
}

func TestWaiterContextCancellation(t *testing.T) {
	t.Parallel()
	table := newTestTable(t)

	waiter := table.Enroll("req-1", "inst-1", time.Now().Add(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := waiter.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
