package reaper

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/codeconnect/live/backend/internal/store"
)

type Config struct {
	Interval         time.Duration
	NoParticipantTTL time.Duration
	InactiveTTL      time.Duration

	// Now is the clock used for staleness checks; tests override it.
	Now func() time.Time
}

func DefaultConfig() Config {
	return Config{
		Interval:         60 * time.Second,
		NoParticipantTTL: 5 * time.Minute,
		InactiveTTL:      20 * time.Minute,
		Now:              time.Now,
	}
}

// Service periodically deletes stale sessions. A session is stale when nobody
// has joined it for NoParticipantTTL, or when it has seen no activity at all
// for InactiveTTL regardless of lingering participants (abandoned tabs).
type Service struct {
	store  *store.Store
	config Config
	log    *logrus.Logger
	stop   chan struct{}
	wg     sync.WaitGroup
}

func New(st *store.Store, config Config, log *logrus.Logger) *Service {
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Service{
		store:  st,
		config: config,
		log:    log,
		stop:   make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	s.log.WithFields(logrus.Fields{
		"interval":           s.config.Interval,
		"no_participant_ttl": s.config.NoParticipantTTL,
		"inactive_ttl":       s.config.InactiveTTL,
	}).Info("Reaper started")
}

func (s *Service) Stop() {
	close(s.stop)
	s.wg.Wait()
	s.log.Info("Reaper stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Sweep(context.Background())
		}
	}
}

// Sweep evaluates every session against the staleness predicates and deletes
// the matches. The id set is snapshotted up front so concurrent creates and
// deletes during the sweep are harmless; one session's failure never stops
// the rest of the pass.
func (s *Service) Sweep(ctx context.Context) {
	ids, err := s.store.SessionIDs(ctx)
	if err != nil {
		s.log.WithError(err).Error("Reaper: failed to list sessions")
		return
	}

	reaped := 0
	for _, id := range ids {
		stale, err := s.isStale(ctx, id)
		if err != nil {
			s.log.WithError(err).WithField("session_id", id).Warn("Reaper: skipping session")
			continue
		}
		if !stale {
			continue
		}
		if err := s.store.DeleteSession(ctx, id); err != nil {
			s.log.WithError(err).WithField("session_id", id).Warn("Reaper: failed to delete session")
			continue
		}
		reaped++
	}

	if reaped > 0 {
		s.log.WithField("count", reaped).Info("Reaper: removed stale sessions")
	}
}

func (s *Service) isStale(ctx context.Context, id string) (bool, error) {
	sess, err := s.store.Session(ctx, id)
	if err != nil {
		// Deleted between snapshot and evaluation; nothing left to reap.
		if err == store.ErrSessionNotFound {
			return false, nil
		}
		return false, err
	}

	count, err := s.store.CountParticipants(ctx, id)
	if err != nil {
		return false, err
	}

	now := s.config.Now()
	if count == 0 && now.Sub(sess.LastParticipantActivity) >= s.config.NoParticipantTTL {
		return true, nil
	}
	if now.Sub(sess.LastActivity) >= s.config.InactiveTTL {
		return true, nil
	}
	return false, nil
}
