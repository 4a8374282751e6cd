package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/codeconnect/live/backend/internal/store"
)

// DocumentSnapshot is the document-stream payload: the full current state,
// never a delta. Clients reconcile by replacing local state wholesale.
type DocumentSnapshot struct {
	Code         string  `json:"code"`
	Language     string  `json:"language"`
	Version      int64   `json:"version"`
	LastClientID *string `json:"lastClientId"`
}

// Multiplexer runs one polling loop per subscriber, re-reading the store at a
// fixed cadence and emitting a snapshot only when it differs from the last one
// sent on that particular stream. It never mutates state.
type Multiplexer struct {
	store               *store.Store
	documentInterval    time.Duration
	participantInterval time.Duration
	log                 *logrus.Logger

	docSubscribers         atomic.Int64
	participantSubscribers atomic.Int64
}

func New(st *store.Store, documentInterval, participantInterval time.Duration, log *logrus.Logger) *Multiplexer {
	return &Multiplexer{
		store:               st,
		documentInterval:    documentInterval,
		participantInterval: participantInterval,
		log:                 log,
	}
}

// StreamDocument polls {code, language, version, lastClientId} for the session
// and calls emit with the serialized snapshot whenever it changes. It returns
// nil when the session disappears, the context is cancelled, or emit fails
// (peer gone) — all normal terminations.
func (m *Multiplexer) StreamDocument(ctx context.Context, sessionID string, emit func([]byte) error) error {
	m.docSubscribers.Add(1)
	defer m.docSubscribers.Add(-1)

	return m.run(ctx, m.documentInterval, emit, func(ctx context.Context) ([]byte, bool, error) {
		sess, err := m.store.Session(ctx, sessionID)
		if errors.Is(err, store.ErrSessionNotFound) {
			return nil, true, nil
		}
		if err != nil {
			return nil, false, err
		}
		payload, err := json.Marshal(DocumentSnapshot{
			Code:         sess.Code,
			Language:     sess.Language,
			Version:      sess.Version,
			LastClientID: sess.LastClientID,
		})
		return payload, false, err
	})
}

// StreamParticipants is the same loop over the ordered participant list.
func (m *Multiplexer) StreamParticipants(ctx context.Context, sessionID string, emit func([]byte) error) error {
	m.participantSubscribers.Add(1)
	defer m.participantSubscribers.Add(-1)

	return m.run(ctx, m.participantInterval, emit, func(ctx context.Context) ([]byte, bool, error) {
		if _, err := m.store.Session(ctx, sessionID); err != nil {
			if errors.Is(err, store.ErrSessionNotFound) {
				return nil, true, nil
			}
			return nil, false, err
		}
		participants, err := m.store.Participants(ctx, sessionID)
		if err != nil {
			return nil, false, err
		}
		payload, err := json.Marshal(participants)
		return payload, false, err
	})
}

// run drives one subscriber. Diff-suppression state is local to the call, so
// concurrent subscribers to the same session never mask each other's output.
func (m *Multiplexer) run(ctx context.Context, interval time.Duration, emit func([]byte) error, snapshot func(context.Context) ([]byte, bool, error)) error {
	var lastSent []byte

	poll := func() (bool, error) {
		payload, gone, err := snapshot(ctx)
		if err != nil || gone {
			return gone, err
		}
		if bytes.Equal(payload, lastSent) {
			return false, nil
		}
		if err := emit(payload); err != nil {
			// Peer went away mid-write; nothing to report.
			return true, nil
		}
		lastSent = payload
		return false, nil
	}

	if done, err := poll(); done || err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if done, err := poll(); done || err != nil {
				return err
			}
		}
	}
}

// DocumentSubscribers reports the number of open document streams.
func (m *Multiplexer) DocumentSubscribers() int64 {
	return m.docSubscribers.Load()
}

// ParticipantSubscribers reports the number of open participant streams.
func (m *Multiplexer) ParticipantSubscribers() int64 {
	return m.participantSubscribers.Load()
}
