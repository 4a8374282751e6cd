package sync

import (
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"

	"github.com/codeconnect/live/backend/internal/store"
)

var ErrUnsupportedLanguage = errors.New("unsupported language")

// Engine implements the session synchronization protocol on top of the store:
// optimistic-concurrency document edits, last-write-wins language switches,
// and the participant presence registry.
type Engine struct {
	store     *store.Store
	languages map[string]string
}

// New builds an engine over the given store. languages maps each supported
// language to its default code template.
func New(st *store.Store, languages map[string]string) *Engine {
	return &Engine{store: st, languages: languages}
}

// Languages returns the supported language names in stable order.
func (e *Engine) Languages() []string {
	names := make([]string, 0, len(e.languages))
	for name := range e.languages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *Engine) CreateSession(ctx context.Context, title, language string) (*store.Session, error) {
	template, ok := e.languages[language]
	if !ok {
		return nil, ErrUnsupportedLanguage
	}

	sess := &store.Session{
		ID:       uuid.NewString(),
		Title:    title,
		Language: language,
		Code:     template,
	}
	if err := e.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (e *Engine) Session(ctx context.Context, id string) (*store.Session, error) {
	return e.store.Session(ctx, id)
}

func (e *Engine) DeleteSession(ctx context.Context, id string) error {
	return e.store.DeleteSession(ctx, id)
}

// UpdateCode applies an edit when expectedVersion matches the stored version
// and returns the new version. On a mismatch nothing is mutated and the
// returned *store.VersionConflictError carries the current code and version
// for the caller to rebase onto.
func (e *Engine) UpdateCode(ctx context.Context, id, code string, expectedVersion int64, clientID string) (int64, error) {
	return e.store.UpdateCode(ctx, id, code, expectedVersion, clientID)
}

// SetLanguage switches the session language, overwriting the document with
// the language's template. No conflict check: switches are operator-driven
// and intentionally destructive to in-progress text.
func (e *Engine) SetLanguage(ctx context.Context, id, language string) (string, int64, error) {
	template, ok := e.languages[language]
	if !ok {
		return "", 0, ErrUnsupportedLanguage
	}
	version, err := e.store.UpdateLanguage(ctx, id, language, template)
	if err != nil {
		return "", 0, err
	}
	return template, version, nil
}

// Join adds a named participant to a session. Names are unique per session,
// case-sensitive; the same name may join a different session freely.
func (e *Engine) Join(ctx context.Context, sessionID, name string) (*store.Participant, error) {
	taken, err := e.store.ParticipantExists(ctx, sessionID, name)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, store.ErrNameTaken
	}

	p := &store.Participant{
		ID:       uuid.NewString(),
		Name:     name,
		Avatar:   avatarURL(name),
		Color:    pickColor(),
		IsOnline: true,
	}
	if err := e.store.AddParticipant(ctx, sessionID, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (e *Engine) Participants(ctx context.Context, sessionID string) ([]store.Participant, error) {
	if _, err := e.store.Session(ctx, sessionID); err != nil {
		return nil, err
	}
	return e.store.Participants(ctx, sessionID)
}

func (e *Engine) UpdateParticipant(ctx context.Context, sessionID, participantID string, patch store.ParticipantPatch) (*store.Participant, error) {
	if _, err := e.store.Session(ctx, sessionID); err != nil {
		return nil, err
	}
	return e.store.UpdateParticipant(ctx, sessionID, participantID, patch)
}

// Leave removes a participant. Removing one that is already gone is not an
// error here; the boundary maps the false return to its idempotent 404.
func (e *Engine) Leave(ctx context.Context, sessionID, participantID string) (bool, error) {
	return e.store.RemoveParticipant(ctx, sessionID, participantID)
}
