package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeconnect/live/backend/internal/store"
)

const tick = 5 * time.Millisecond

func setupMux(t *testing.T) (*Multiplexer, *store.Store) {
	t.Helper()

	st, err := store.Open()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	log := logrus.New()
	log.SetOutput(io.Discard)
	return New(st, tick, tick, log), st
}

// collector records everything a stream emits.
type collector struct {
	mu       sync.Mutex
	payloads [][]byte
	fail     bool
}

func (c *collector) emit(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("peer gone")
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	c.payloads = append(c.payloads, buf)
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

func (c *collector) last() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.payloads) == 0 {
		return nil
	}
	return c.payloads[len(c.payloads)-1]
}

func createStreamSession(t *testing.T, st *store.Store) *store.Session {
	t.Helper()

	sess := &store.Session{ID: "sess-1", Title: "Test", Language: "python", Code: "print(1)"}
	require.NoError(t, st.CreateSession(context.Background(), sess))
	return sess
}

func TestDocumentStreamEmitsOnChangeOnly(t *testing.T) {
	mux, st := setupMux(t)
	sess := createStreamSession(t, st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var c collector
	done := make(chan error, 1)
	go func() { done <- mux.StreamDocument(ctx, sess.ID, c.emit) }()

	// First poll emits immediately.
	require.Eventually(t, func() bool { return c.count() == 1 }, time.Second, tick)

	var snap DocumentSnapshot
	require.NoError(t, json.Unmarshal(c.last(), &snap))
	assert.Equal(t, "print(1)", snap.Code)
	assert.Equal(t, "python", snap.Language)
	assert.EqualValues(t, 0, snap.Version)
	assert.Nil(t, snap.LastClientID)

	// Unchanged state is suppressed across several ticks.
	time.Sleep(10 * tick)
	assert.Equal(t, 1, c.count())

	// An edit surfaces within a tick or two.
	_, err := st.UpdateCode(ctx, sess.ID, "print(2)", 0, "client-a")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.count() == 2 }, time.Second, tick)

	require.NoError(t, json.Unmarshal(c.last(), &snap))
	assert.Equal(t, "print(2)", snap.Code)
	assert.EqualValues(t, 1, snap.Version)
	require.NotNil(t, snap.LastClientID)
	assert.Equal(t, "client-a", *snap.LastClientID)

	cancel()
	assert.NoError(t, <-done)
}

func TestDocumentStreamEndsWhenSessionDeleted(t *testing.T) {
	mux, st := setupMux(t)
	sess := createStreamSession(t, st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var c collector
	done := make(chan error, 1)
	go func() { done <- mux.StreamDocument(ctx, sess.ID, c.emit) }()

	require.Eventually(t, func() bool { return c.count() == 1 }, time.Second, tick)
	require.NoError(t, st.DeleteSession(ctx, sess.ID))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("stream did not terminate after session deletion")
	}
	assert.Equal(t, 1, c.count(), "no emission for the deleted session")
}

func TestDocumentStreamMissingSession(t *testing.T) {
	mux, _ := setupMux(t)

	var c collector
	err := mux.StreamDocument(context.Background(), "missing", c.emit)
	assert.NoError(t, err)
	assert.Zero(t, c.count())
}

func TestDocumentStreamEndsOnEmitFailure(t *testing.T) {
	mux, st := setupMux(t)
	sess := createStreamSession(t, st)

	c := collector{fail: true}
	done := make(chan error, 1)
	go func() { done <- mux.StreamDocument(context.Background(), sess.ID, c.emit) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("stream did not terminate after emit failure")
	}
}

func TestParticipantStream(t *testing.T) {
	mux, st := setupMux(t)
	sess := createStreamSession(t, st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var c collector
	done := make(chan error, 1)
	go func() { done <- mux.StreamParticipants(ctx, sess.ID, c.emit) }()

	// Empty registry still yields an initial snapshot.
	require.Eventually(t, func() bool { return c.count() == 1 }, time.Second, tick)
	assert.JSONEq(t, "[]", string(c.last()))

	require.NoError(t, st.AddParticipant(ctx, sess.ID, &store.Participant{ID: "p-1", Name: "alice", IsOnline: true}))
	require.Eventually(t, func() bool { return c.count() == 2 }, time.Second, tick)

	var participants []store.Participant
	require.NoError(t, json.Unmarshal(c.last(), &participants))
	require.Len(t, participants, 1)
	assert.Equal(t, "alice", participants[0].Name)

	cancel()
	assert.NoError(t, <-done)
}

func TestSubscribersAreIndependent(t *testing.T) {
	mux, st := setupMux(t)
	sess := createStreamSession(t, st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The second subscriber joins after the first already received a snapshot;
	// it must still get its own initial emission.
	var first collector
	go func() { _ = mux.StreamDocument(ctx, sess.ID, first.emit) }()
	require.Eventually(t, func() bool { return first.count() == 1 }, time.Second, tick)

	var second collector
	go func() { _ = mux.StreamDocument(ctx, sess.ID, second.emit) }()
	require.Eventually(t, func() bool { return second.count() == 1 }, time.Second, tick)

	assert.Equal(t, 1, first.count())
	require.Eventually(t, func() bool { return mux.DocumentSubscribers() == 2 }, time.Second, tick)

	cancel()
	require.Eventually(t, func() bool { return mux.DocumentSubscribers() == 0 }, time.Second, tick)
}
