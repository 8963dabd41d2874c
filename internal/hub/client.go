package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nikhil/surveil/internal/logger"
	"github.com/nikhil/surveil/internal/models"
	"github.com/nikhil/surveil/internal/store"
)

type connState int

const (
	stateConnecting connState = iota
	stateOpen
	stateClosing
	stateClosed
)

type queueResult int

const (
	queued queueResult = iota
	notOpen
	bufferFull
)

// Client is a middleman between one viewer websocket connection and the hub.
type Client struct {
	ID   string
	hub  *Hub
	conn *websocket.Conn
	log  *logger.Logger

	// Team requested on connect, used for the first full_state.
	filter string

	// Buffered channel of outbound messages. Never closed; closing signals
	// the write pump to send a close frame instead.
	send    chan []byte
	closing chan struct{}

	mu        sync.Mutex
	state     connState
	closeCode int
	closeText string
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	id := uuid.NewString()
	return &Client{
		ID:      id,
		hub:     h,
		conn:    conn,
		log:     h.log.WithFields(map[string]interface{}{"client": id}),
		send:    make(chan []byte, sendBuffer),
		closing: make(chan struct{}),
		state:   stateConnecting,
	}
}

func (c *Client) open() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateConnecting {
		c.state = stateOpen
	}
}

func (c *Client) isOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateOpen
}

// queue hands message to the write pump without blocking. Messages for a
// connection that is not open are dropped.
func (c *Client) queue(message []byte) queueResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateOpen {
		return notOpen
	}
	select {
	case c.send <- message:
		return queued
	default:
		return bufferFull
	}
}

// close asks the write pump to send a close frame and hang up.
func (c *Client) close(code int, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state >= stateClosing {
		return
	}
	c.state = stateClosing
	c.closeCode, c.closeText = code, text
	close(c.closing)
}

func (c *Client) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateClosed {
		if c.state < stateClosing {
			close(c.closing)
		}
		c.state = stateClosed
	}
}

func (c *Client) sendEnvelope(messageType string, data any) {
	message := c.hub.encode(messageType, data)
	if message == nil {
		return
	}
	if c.queue(message) == bufferFull {
		c.log.Warn("Dropping reply for slow viewer", "type", messageType)
	}
}

func (c *Client) sendError(message string, err error) {
	payload := models.ErrorPayload{Message: message}
	if err != nil {
		payload.Error = err.Error()
	}
	c.sendEnvelope(models.TypeError, payload)
}

// readPump pumps requests from the websocket connection to the hub.
func (c *Client) readPump() {
	defer func() {
		c.markClosed()
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.log.Warn("Viewer connection error", "error", err)
			}
			return
		}
		c.handleRequest(message)
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.markClosed()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-c.closing:
			c.mu.Lock()
			code, text := c.closeCode, c.closeText
			c.mu.Unlock()
			if code == 0 {
				// The peer went away first.
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleRequest(raw []byte) {
	var req models.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		c.log.Warn("Malformed viewer request", "error", err)
		c.sendError("Failed to process message", err)
		return
	}

	switch req.Type {
	case models.RequestSwitchTeam:
		c.sendEnvelope(models.TypeFullState, c.hub.state.State(req.TeamName))

	case models.RequestGetHistory:
		ctx, cancel := context.WithTimeout(context.Background(), c.hub.requestTimeout)
		defer cancel()
		sessions, err := c.hub.history.ListSessions(ctx)
		if err != nil {
			c.log.Error("Failed to list sessions", "error", err)
			c.sendError("Failed to process message", err)
			return
		}
		c.sendEnvelope(models.TypeHistory, sessions)

	case models.RequestGetSession:
		c.handleGetSession(req.SessionID)

	default:
		c.log.Warn("Unknown viewer request", "type", req.Type)
	}
}

func (c *Client) handleGetSession(rawID json.RawMessage) {
	id, present, err := parseSessionID(rawID)
	if !present {
		c.sendError("Session ID is required", nil)
		return
	}
	if err != nil {
		c.sendError("Failed to process message", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.hub.requestTimeout)
	defer cancel()
	detail, err := c.hub.history.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		c.sendEnvelope(models.TypeSession, nil)
		return
	}
	if err != nil {
		c.log.Error("Failed to get session", "session_id", id, "error", err)
		c.sendError("Failed to process message", err)
		return
	}
	c.sendEnvelope(models.TypeSession, detail)
}

// parseSessionID accepts a JSON number or a numeric string. Absent, null,
// empty and zero ids count as missing.
func parseSessionID(raw json.RawMessage) (id int64, present bool, err error) {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return 0, false, nil
	}
	if strings.HasPrefix(text, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, true, err
		}
		text = strings.TrimSpace(s)
		if text == "" {
			return 0, false, nil
		}
	}
	id, err = strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, true, fmt.Errorf("invalid session id %q", text)
	}
	if id == 0 {
		return 0, false, nil
	}
	return id, true, nil
}
