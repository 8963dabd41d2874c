package hub

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nikhil/surveil/internal/logger"
	"github.com/nikhil/surveil/internal/models"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound message size allowed
	maxMessageSize = 4096

	// Outbound messages buffered per client before it is considered too slow
	sendBuffer = 256

	DefaultHeartbeat = 5 * time.Second

	defaultRequestTimeout = 5 * time.Second
)

// StateProvider supplies full_state snapshots.
type StateProvider interface {
	State(filter string) models.State
}

// HistoryProvider answers history and session requests.
type HistoryProvider interface {
	ListSessions(ctx context.Context) ([]models.Session, error)
	GetSession(ctx context.Context, id int64) (*models.SessionDetail, error)
}

// Hub maintains the set of live viewer connections and fans out updates to
// them.
type Hub struct {
	// Registered clients. Owned by the Run goroutine.
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	// quit is closed when shutdown begins, done when Run returns.
	quit chan struct{}
	done chan struct{}

	stop     chan struct{}
	stopOnce sync.Once

	count atomic.Int64
	pumps sync.WaitGroup

	state          StateProvider
	history        HistoryProvider
	log            *logger.Logger
	heartbeat      time.Duration
	requestTimeout time.Duration
	now            func() time.Time
}

// Option customizes a Hub.
type Option func(*Hub)

// WithHeartbeat sets the heartbeat interval.
func WithHeartbeat(d time.Duration) Option {
	return func(h *Hub) { h.heartbeat = d }
}

// WithRequestTimeout bounds how long a history or session lookup may take.
func WithRequestTimeout(d time.Duration) Option {
	return func(h *Hub) { h.requestTimeout = d }
}

// New creates a Hub. Call Run before serving clients.
func New(state StateProvider, history HistoryProvider, log *logger.Logger, opts ...Option) *Hub {
	h := &Hub{
		clients:        make(map[*Client]bool),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan []byte),
		quit:           make(chan struct{}),
		done:           make(chan struct{}),
		stop:           make(chan struct{}),
		state:          state,
		history:        history,
		log:            log,
		heartbeat:      DefaultHeartbeat,
		requestTimeout: defaultRequestTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run handles registration, broadcasts and heartbeats until ctx is done or
// Shutdown is called, then closes every client with a normal-closure code.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case client := <-h.register:
			// Snapshot and broadcasts are both ordered on this goroutine, so
			// nothing applied after the snapshot can miss the new client.
			client.open()
			client.sendEnvelope(models.TypeFullState, h.state.State(client.filter))
			h.clients[client] = true
			h.count.Store(int64(len(h.clients)))
			h.startPumps(client)
			client.log.Info("Viewer connected", "clients", len(h.clients))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				h.count.Store(int64(len(h.clients)))
				client.log.Info("Viewer disconnected", "clients", len(h.clients))
			}

		case message := <-h.broadcast:
			h.fanOut(message)

		case <-ticker.C:
			h.pruneClosed()
			h.fanOut(h.encode(models.TypeHeartbeat, models.Heartbeat{Clients: len(h.clients)}))

		case <-ctx.Done():
			h.closeAll()
			return

		case <-h.stop:
			h.closeAll()
			return
		}
	}
}

// fanOut queues message on every client. Clients that are no longer open,
// or whose buffer is full, are dropped from the set.
func (h *Hub) fanOut(message []byte) {
	if message == nil {
		return
	}
	sent, failed := 0, 0
	for client := range h.clients {
		switch client.queue(message) {
		case queued:
			sent++
			continue
		case bufferFull:
			client.close(websocket.CloseTryAgainLater, "Client too slow")
		}
		delete(h.clients, client)
		failed++
	}
	h.count.Store(int64(len(h.clients)))
	if failed > 0 {
		h.log.Info("Broadcast partially delivered", "sent", sent, "failed", failed)
	}
}

func (h *Hub) pruneClosed() {
	for client := range h.clients {
		if !client.isOpen() {
			delete(h.clients, client)
		}
	}
	h.count.Store(int64(len(h.clients)))
}

func (h *Hub) closeAll() {
	close(h.quit)
	h.log.Info("Closing viewer connections", "clients", len(h.clients))
	for client := range h.clients {
		client.close(websocket.CloseNormalClosure, "Server shutting down")
		delete(h.clients, client)
	}
	h.count.Store(0)

	// Give the write pumps a moment to deliver the close frames.
	flushed := make(chan struct{})
	go func() {
		h.pumps.Wait()
		close(flushed)
	}()
	select {
	case <-flushed:
	case <-time.After(writeWait):
		h.log.Warn("Timed out waiting for viewer connections to close")
	}
}

// Broadcast sends an envelope of the given type to every open client.
func (h *Hub) Broadcast(messageType string, data any) {
	message := h.encode(messageType, data)
	if message == nil {
		return
	}
	select {
	case h.broadcast <- message:
	case <-h.quit:
	}
}

// BroadcastTeamUpdate fans out a team_update envelope.
func (h *Hub) BroadcastTeamUpdate(teamName, changeType string, changeData any) {
	h.Broadcast(models.TypeTeamUpdate, models.TeamUpdate{
		TeamName:   teamName,
		ChangeType: changeType,
		ChangeData: changeData,
	})
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	return int(h.count.Load())
}

// Shutdown stops the heartbeat, closes every client with code 1000 and waits
// for Run to return.
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}

// Done is closed once Run has returned and all clients were told to close.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// ServeClient takes ownership of an upgraded connection. Run sends it the
// full state (filtered to teamFilter when that team exists), registers it
// and starts its pumps. Connections arriving after shutdown began are closed.
func (h *Hub) ServeClient(conn *websocket.Conn, teamFilter string) {
	client := newClient(h, conn)
	client.filter = teamFilter

	select {
	case h.register <- client:
	case <-h.quit:
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Server shutting down"))
		conn.Close()
	}
}

// startPumps is only called from Run, so Add never races closeAll's Wait.
func (h *Hub) startPumps(client *Client) {
	h.pumps.Add(2)
	go func() {
		defer h.pumps.Done()
		client.writePump()
	}()
	go func() {
		defer h.pumps.Done()
		client.readPump()
	}()
}

func (h *Hub) remove(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.quit:
	}
}

func (h *Hub) encode(messageType string, data any) []byte {
	message, err := json.Marshal(models.Envelope{
		Type:      messageType,
		Data:      data,
		Timestamp: h.now().UnixMilli(),
	})
	if err != nil {
		h.log.Error("Failed to encode envelope", "type", messageType, "error", err)
		return nil
	}
	return message
}
