package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/codeconnect/live/backend/internal/ratelimit"
	"github.com/codeconnect/live/backend/internal/store"
	"github.com/codeconnect/live/backend/internal/stream"
	syncengine "github.com/codeconnect/live/backend/internal/sync"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 64 * 1024
	messagesPerSecond = 20
	messageBurst      = 40
	sendBuffer        = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Envelope wraps every outbound message so one socket can carry both
// projections.
type Envelope struct {
	Type    string          `json:"type"` // "document" or "participants"
	Payload json.RawMessage `json:"payload"`
}

// Client is one live subscriber: two multiplexer loops feed its send queue
// with snapshot envelopes, while the read pump accepts presence updates from
// the peer and applies them through the engine.
type Client struct {
	conn      *websocket.Conn
	send      chan []byte
	sessionID string
	engine    *syncengine.Engine
	limiter   *ratelimit.Limiter
	log       *logrus.Logger
	cancel    context.CancelFunc
}

// Serve upgrades the request and runs the connection until the peer
// disconnects or the session disappears.
func Serve(mux *stream.Multiplexer, engine *syncengine.Engine, log *logrus.Logger, w http.ResponseWriter, r *http.Request, sessionID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		sessionID: sessionID,
		engine:    engine,
		limiter:   ratelimit.NewLimiter(messagesPerSecond, messageBurst),
		log:       log,
		cancel:    cancel,
	}

	go client.writePump(ctx)
	go client.readPump()

	// Either stream ending (session deleted, emit failure) tears the whole
	// connection down.
	go func() {
		defer cancel()
		mux.StreamDocument(ctx, sessionID, client.emitter(ctx, "document"))
	}()
	go func() {
		defer cancel()
		mux.StreamParticipants(ctx, sessionID, client.emitter(ctx, "participants"))
	}()
}

func (c *Client) emitter(ctx context.Context, kind string) func([]byte) error {
	return func(payload []byte) error {
		data, err := json.Marshal(Envelope{Type: kind, Payload: payload})
		if err != nil {
			return err
		}
		select {
		case c.send <- data:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Peer is not draining its queue; drop it.
			c.cancel()
			return errors.New("send queue full")
		}
	}
}

func (c *Client) readPump() {
	defer c.cancel()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.WithError(err).Debug("WebSocket read error")
			}
			return
		}

		if !c.limiter.Allow() {
			continue
		}

		c.handlePresence(message)
	}
}

// handlePresence applies an inbound partial update:
// {"participantId": "...", "cursor": {...}, "isTyping": true, "isOnline": true}
func (c *Client) handlePresence(message []byte) {
	var hdr struct {
		ParticipantID string `json:"participantId"`
	}
	if err := json.Unmarshal(message, &hdr); err != nil || hdr.ParticipantID == "" {
		return
	}

	var patch store.ParticipantPatch
	if err := json.Unmarshal(message, &patch); err != nil {
		return
	}
	if err := patch.Validate(); err != nil {
		return
	}

	_, err := c.engine.UpdateParticipant(context.Background(), c.sessionID, hdr.ParticipantID, patch)
	if errors.Is(err, store.ErrSessionNotFound) {
		c.cancel()
	}
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.cancel()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}
