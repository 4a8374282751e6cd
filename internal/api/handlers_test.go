package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeconnect/live/backend/internal/config"
	"github.com/codeconnect/live/backend/internal/exec"
	"github.com/codeconnect/live/backend/internal/store"
	"github.com/codeconnect/live/backend/internal/stream"
	syncengine "github.com/codeconnect/live/backend/internal/sync"
)

type fakeRunner struct{}

func (fakeRunner) Run(ctx context.Context, language, code string) exec.Result {
	return exec.Result{Success: true, Output: "ok\n"}
}

type testAPI struct {
	router *gin.Engine
	engine *syncengine.Engine
	store  *store.Store
}

func setupAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.Open()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	log := logrus.New()
	log.SetOutput(io.Discard)

	cfg := config.Default()
	cfg.DocumentStreamInterval = 5 * time.Millisecond
	cfg.ParticipantStreamInterval = 5 * time.Millisecond

	engine := syncengine.New(st, cfg.Languages)
	mux := stream.New(st, cfg.DocumentStreamInterval, cfg.ParticipantStreamInterval, log)
	a := New(engine, mux, st, fakeRunner{}, cfg, log)

	return &testAPI{router: a.Router(), engine: engine, store: st}
}

func (ta *testAPI) do(method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	ta.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func (ta *testAPI) createSession(t *testing.T) *store.Session {
	t.Helper()
	sess, err := ta.engine.CreateSession(context.Background(), "Test", "python")
	require.NoError(t, err)
	return sess
}

func TestHealth(t *testing.T) {
	ta := setupAPI(t)

	w := ta.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decodeBody(t, w)["status"])
}

func TestStats(t *testing.T) {
	ta := setupAPI(t)
	ta.createSession(t)

	w := ta.do(http.MethodGet, "/v1/stats", "")
	assert.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.EqualValues(t, 1, body["sessions"])
	assert.EqualValues(t, 0, body["participants"])
}

func TestCreateSessionEndpoint(t *testing.T) {
	ta := setupAPI(t)

	w := ta.do(http.MethodPost, "/v1/sessions", `{"title": "Interview", "language": "python"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	body := decodeBody(t, w)
	assert.NotEmpty(t, body["id"])
	assert.Equal(t, "Interview", body["title"])
	assert.Equal(t, "python", body["language"])
	assert.EqualValues(t, 0, body["version"])
	assert.Contains(t, body["code"], "print")
	assert.Nil(t, body["lastClientId"])

	// Language defaults to javascript when omitted.
	w = ta.do(http.MethodPost, "/v1/sessions", `{"title": "Quick"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "javascript", decodeBody(t, w)["language"])

	w = ta.do(http.MethodPost, "/v1/sessions", `{"title": "Bad", "language": "cobol"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ta.do(http.MethodPost, "/v1/sessions", `{"language": "python"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetSession(t *testing.T) {
	ta := setupAPI(t)
	sess := ta.createSession(t)

	w := ta.do(http.MethodGet, "/v1/sessions/"+sess.ID, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, sess.ID, decodeBody(t, w)["id"])

	w = ta.do(http.MethodGet, "/v1/sessions/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "Session not found", body["error"])
	assert.EqualValues(t, http.StatusNotFound, body["code"])
}

func TestUpdateCodeEndpoint(t *testing.T) {
	ta := setupAPI(t)
	sess := ta.createSession(t)
	path := "/v1/sessions/" + sess.ID

	w := ta.do(http.MethodPut, path, `{"code": "a()", "version": 0, "clientId": "client-a"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decodeBody(t, w)["version"])

	// Same base version again: conflict carries the current state.
	w = ta.do(http.MethodPut, path, `{"code": "b()", "version": 0, "clientId": "client-b"}`)
	require.Equal(t, http.StatusConflict, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "a()", body["code"])
	assert.EqualValues(t, 1, body["version"])

	// Rebased submission succeeds.
	w = ta.do(http.MethodPut, path, `{"code": "a(); b()", "version": 1, "clientId": "client-b"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, decodeBody(t, w)["version"])

	w = ta.do(http.MethodPut, path, `{"code": "c()"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ta.do(http.MethodPut, path, `{"code": "c()", "version": -1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ta.do(http.MethodPut, "/v1/sessions/missing", `{"code": "c()", "version": 0}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUpdateLanguageEndpoint(t *testing.T) {
	ta := setupAPI(t)
	sess := ta.createSession(t)

	w := ta.do(http.MethodPut, "/v1/sessions/"+sess.ID+"/language", `{"language": "typescript"}`)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Contains(t, body["code"], "TypeScript")
	assert.EqualValues(t, 1, body["version"])

	w = ta.do(http.MethodPut, "/v1/sessions/"+sess.ID+"/language", `{"language": "cobol"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestParticipantLifecycle(t *testing.T) {
	ta := setupAPI(t)
	sess := ta.createSession(t)
	base := "/v1/sessions/" + sess.ID + "/participants"

	w := ta.do(http.MethodPost, base, `{"name": "alice"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	joined := decodeBody(t, w)
	participantID := joined["id"].(string)
	assert.Equal(t, "alice", joined["name"])
	assert.Equal(t, true, joined["isOnline"])
	assert.Nil(t, joined["cursor"])

	w = ta.do(http.MethodPost, base, `{"name": "alice"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ta.do(http.MethodPost, base, `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ta.do(http.MethodGet, base, "")
	require.Equal(t, http.StatusOK, w.Code)
	var listed []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, "alice", listed[0]["name"])

	w = ta.do(http.MethodDelete, base+"/"+participantID, "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = ta.do(http.MethodDelete, base+"/"+participantID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Empty list renders as [] rather than null.
	w = ta.do(http.MethodGet, base, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestUpdateParticipantEndpoint(t *testing.T) {
	ta := setupAPI(t)
	sess := ta.createSession(t)
	p, err := ta.engine.Join(context.Background(), sess.ID, "alice")
	require.NoError(t, err)
	path := "/v1/sessions/" + sess.ID + "/participants/" + p.ID

	w := ta.do(http.MethodPatch, path, `{"cursor": {"lineNumber": 4, "column": 2}, "isTyping": true}`)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	cursor := body["cursor"].(map[string]any)
	assert.EqualValues(t, 4, cursor["lineNumber"])
	assert.EqualValues(t, 2, cursor["column"])
	assert.Equal(t, true, body["isTyping"])

	// Omitting cursor keeps it; explicit null clears it.
	w = ta.do(http.MethodPatch, path, `{"isTyping": false}`)
	require.Equal(t, http.StatusOK, w.Code)
	body = decodeBody(t, w)
	assert.NotNil(t, body["cursor"])
	assert.Equal(t, false, body["isTyping"])

	w = ta.do(http.MethodPatch, path, `{"cursor": null}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, decodeBody(t, w)["cursor"])

	w = ta.do(http.MethodPatch, path, `{"cursor": {"lineNumber": 0, "column": 1}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ta.do(http.MethodPatch, "/v1/sessions/"+sess.ID+"/participants/missing", `{}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteSessionEndpoint(t *testing.T) {
	ta := setupAPI(t)
	sess := ta.createSession(t)

	w := ta.do(http.MethodDelete, "/v1/sessions/"+sess.ID, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Session deleted", decodeBody(t, w)["message"])

	w = ta.do(http.MethodGet, "/v1/sessions/"+sess.ID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestExecuteEndpoint(t *testing.T) {
	ta := setupAPI(t)

	w := ta.do(http.MethodPost, "/v1/execute", `{"language": "python", "code": "print(1)"}`)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "ok\n", body["output"])

	w = ta.do(http.MethodPost, "/v1/execute", `{"language": "cobol", "code": "x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDocumentStreamSSE(t *testing.T) {
	ta := setupAPI(t)
	sess := ta.createSession(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/"+sess.ID+"/stream", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	ta.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	require.True(t, strings.HasPrefix(w.Body.String(), "data: "))

	var snap stream.DocumentSnapshot
	line := strings.TrimPrefix(strings.SplitN(w.Body.String(), "\n", 2)[0], "data: ")
	require.NoError(t, json.Unmarshal([]byte(line), &snap))
	assert.Equal(t, sess.Code, snap.Code)
	assert.EqualValues(t, 0, snap.Version)
}

func TestStreamMissingSession(t *testing.T) {
	ta := setupAPI(t)

	w := ta.do(http.MethodGet, "/v1/sessions/missing/stream", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ta.do(http.MethodGet, "/v1/sessions/missing/participants/stream", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	ta := setupAPI(t)

	w := ta.do(http.MethodOptions, "/v1/sessions", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
