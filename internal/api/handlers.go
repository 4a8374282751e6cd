package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/codeconnect/live/backend/internal/config"
	"github.com/codeconnect/live/backend/internal/exec"
	"github.com/codeconnect/live/backend/internal/store"
	"github.com/codeconnect/live/backend/internal/stream"
	syncengine "github.com/codeconnect/live/backend/internal/sync"
	"github.com/codeconnect/live/backend/internal/ws"
)

// API maps the sync core onto HTTP: request parsing, validation, and
// status-code translation live here and nowhere else.
type API struct {
	engine *syncengine.Engine
	mux    *stream.Multiplexer
	store  *store.Store
	runner exec.Runner
	cfg    config.Config
	log    *logrus.Logger
}

func New(engine *syncengine.Engine, mux *stream.Multiplexer, st *store.Store, runner exec.Runner, cfg config.Config, log *logrus.Logger) *API {
	return &API{
		engine: engine,
		mux:    mux,
		store:  st,
		runner: runner,
		cfg:    cfg,
		log:    log,
	}
}

func errorResponse(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message, "code": status})
}

// mapError translates core errors into transport statuses.
func (a *API) mapError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		errorResponse(c, http.StatusNotFound, "Session not found")
	case errors.Is(err, store.ErrParticipantNotFound):
		errorResponse(c, http.StatusNotFound, "Participant not found")
	case errors.Is(err, store.ErrNameTaken):
		errorResponse(c, http.StatusConflict, "Participant with this name already exists")
	case errors.Is(err, syncengine.ErrUnsupportedLanguage):
		errorResponse(c, http.StatusBadRequest, "Unsupported language")
	default:
		a.log.WithError(err).Error("Internal error")
		errorResponse(c, http.StatusInternalServerError, "Internal server error")
	}
}

// Session handlers

type createSessionRequest struct {
	Title    string `json:"title" binding:"required"`
	Language string `json:"language"`
}

func (a *API) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Language == "" {
		req.Language = "javascript"
	}

	sess, err := a.engine.CreateSession(c.Request.Context(), req.Title, req.Language)
	if err != nil {
		if errors.Is(err, syncengine.ErrUnsupportedLanguage) {
			errorResponse(c, http.StatusBadRequest, fmt.Sprintf("Unsupported language: %s", req.Language))
			return
		}
		a.mapError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (a *API) getSession(c *gin.Context) {
	sess, err := a.engine.Session(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		a.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (a *API) deleteSession(c *gin.Context) {
	if err := a.engine.DeleteSession(c.Request.Context(), c.Param("sessionId")); err != nil {
		a.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Session deleted"})
}

type updateCodeRequest struct {
	Code     string `json:"code"`
	Version  *int64 `json:"version"`
	ClientID string `json:"clientId"`
}

func (a *API) updateCode(c *gin.Context) {
	var req updateCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Version == nil || *req.Version < 0 {
		errorResponse(c, http.StatusBadRequest, "version is required")
		return
	}

	version, err := a.engine.UpdateCode(c.Request.Context(), c.Param("sessionId"), req.Code, *req.Version, req.ClientID)
	if err != nil {
		var conflict *store.VersionConflictError
		if errors.As(err, &conflict) {
			// 409 carries the current server state so the client can rebase.
			c.JSON(http.StatusConflict, gin.H{"code": conflict.Code, "version": conflict.Version})
			return
		}
		a.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"version": version})
}

type updateLanguageRequest struct {
	Language string `json:"language" binding:"required"`
}

func (a *API) updateLanguage(c *gin.Context) {
	var req updateLanguageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	code, version, err := a.engine.SetLanguage(c.Request.Context(), c.Param("sessionId"), req.Language)
	if err != nil {
		if errors.Is(err, syncengine.ErrUnsupportedLanguage) {
			errorResponse(c, http.StatusBadRequest, fmt.Sprintf("Unsupported language: %s", req.Language))
			return
		}
		a.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": code, "version": version})
}

// Participant handlers

func (a *API) listParticipants(c *gin.Context) {
	participants, err := a.engine.Participants(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		a.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, participants)
}

type joinRequest struct {
	Name string `json:"name" binding:"required"`
}

func (a *API) joinSession(c *gin.Context) {
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "name is required")
		return
	}

	participant, err := a.engine.Join(c.Request.Context(), c.Param("sessionId"), req.Name)
	if err != nil {
		a.mapError(c, err)
		return
	}
	c.JSON(http.StatusCreated, participant)
}

func (a *API) updateParticipant(c *gin.Context) {
	var patch store.ParticipantPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := patch.Validate(); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	participant, err := a.engine.UpdateParticipant(c.Request.Context(), c.Param("sessionId"), c.Param("participantId"), patch)
	if err != nil {
		a.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, participant)
}

func (a *API) leaveSession(c *gin.Context) {
	removed, err := a.engine.Leave(c.Request.Context(), c.Param("sessionId"), c.Param("participantId"))
	if err != nil {
		a.mapError(c, err)
		return
	}
	if !removed {
		errorResponse(c, http.StatusNotFound, "Participant not found")
		return
	}
	c.Status(http.StatusNoContent)
}

// Stream handlers

func (a *API) streamDocument(c *gin.Context) {
	a.serveSSE(c, a.mux.StreamDocument)
}

func (a *API) streamParticipants(c *gin.Context) {
	a.serveSSE(c, a.mux.StreamParticipants)
}

// serveSSE drives one multiplexer loop over a server-sent-events response.
// The subscriber ends when the peer disconnects (request context) or the
// session disappears (stream returns).
func (a *API) serveSSE(c *gin.Context, streamFn func(ctx context.Context, sessionID string, emit func([]byte) error) error) {
	sessionID := c.Param("sessionId")
	if _, err := a.engine.Session(c.Request.Context(), sessionID); err != nil {
		a.mapError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.Flush()

	emit := func(payload []byte) error {
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", payload); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	}

	if err := streamFn(c.Request.Context(), sessionID, emit); err != nil {
		a.log.WithError(err).WithField("session_id", sessionID).Warn("Stream ended with error")
	}
}

func (a *API) serveWebSocket(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if _, err := a.engine.Session(c.Request.Context(), sessionID); err != nil {
		a.mapError(c, err)
		return
	}
	ws.Serve(a.mux, a.engine, a.log, c.Writer, c.Request, sessionID)
}

// Execution handler

type executeRequest struct {
	Code     string `json:"code"`
	Language string `json:"language" binding:"required"`
}

func (a *API) executeCode(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	if _, ok := a.cfg.Languages[req.Language]; !ok {
		errorResponse(c, http.StatusBadRequest, fmt.Sprintf("Unsupported language: %s", req.Language))
		return
	}

	c.JSON(http.StatusOK, a.runner.Run(c.Request.Context(), req.Language, req.Code))
}

// Misc handlers

func (a *API) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "Code Connect Live API", "version": "1.0.0"})
}

func (a *API) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (a *API) stats(c *gin.Context) {
	sessions, participants, err := a.store.Counts(c.Request.Context())
	if err != nil {
		a.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions":           sessions,
		"participants":       participants,
		"documentStreams":    a.mux.DocumentSubscribers(),
		"participantStreams": a.mux.ParticipantSubscribers(),
		"timestamp":          time.Now().UTC().Format(time.RFC3339),
	})
}
