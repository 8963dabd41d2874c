package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nikhil/surveil/internal/logger"
	"github.com/nikhil/surveil/internal/models"
	"github.com/nikhil/surveil/internal/store"
)

type fakeState struct{}

func (fakeState) State(filter string) models.State {
	names := []string{"alpha", "beta"}
	teams := map[string]models.Team{"alpha": {}, "beta": {}}
	if _, ok := teams[filter]; ok {
		return models.State{
			Teams:      map[string]models.Team{filter: teams[filter]},
			ActiveTeam: &filter,
			TeamNames:  names,
		}
	}
	return models.State{Teams: teams, TeamNames: names}
}

type fakeHistory struct {
	sessions []models.Session
	err      error
}

func (f *fakeHistory) ListSessions(ctx context.Context) ([]models.Session, error) {
	return f.sessions, f.err
}

func (f *fakeHistory) GetSession(ctx context.Context, id int64) (*models.SessionDetail, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, s := range f.sessions {
		if s.ID == id {
			return &models.SessionDetail{Session: s}, nil
		}
	}
	return nil, store.ErrNotFound
}

type envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

func startHub(t *testing.T, history HistoryProvider, opts ...Option) (*Hub, *httptest.Server, context.CancelFunc) {
	t.Helper()
	h := New(fakeState{}, history, logger.NewNop(), opts...)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.ServeClient(conn, r.URL.Query().Get("team"))
	}))
	t.Cleanup(func() {
		cancel()
		<-h.Done()
		server.Close()
	})
	return h, server, cancel
}

func dial(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var env envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	return env
}

// readType skips heartbeats and anything else until an envelope of the given
// type arrives.
func readType(t *testing.T, conn *websocket.Conn, messageType string) envelope {
	t.Helper()
	for {
		env := readEnvelope(t, conn)
		if env.Type == messageType {
			return env
		}
	}
}

func waitForClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for h.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("client count = %d, want %d", h.ClientCount(), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestFullStateOnConnect(t *testing.T) {
	_, server, _ := startHub(t, &fakeHistory{})
	conn := dial(t, server, "")

	env := readEnvelope(t, conn)
	if env.Type != models.TypeFullState {
		t.Fatalf("first envelope = %s, want full_state", env.Type)
	}
	if env.Timestamp == 0 {
		t.Error("timestamp not set")
	}
	var state struct {
		Teams      map[string]json.RawMessage `json:"teams"`
		ActiveTeam *string                    `json:"activeTeam"`
	}
	if err := json.Unmarshal(env.Data, &state); err != nil {
		t.Fatal(err)
	}
	if len(state.Teams) != 2 || state.ActiveTeam != nil {
		t.Errorf("state = %s", env.Data)
	}
}

func TestTeamFilterOnConnect(t *testing.T) {
	_, server, _ := startHub(t, &fakeHistory{})
	conn := dial(t, server, "?team=beta")

	env := readEnvelope(t, conn)
	var state struct {
		Teams      map[string]json.RawMessage `json:"teams"`
		ActiveTeam *string                    `json:"activeTeam"`
	}
	if err := json.Unmarshal(env.Data, &state); err != nil {
		t.Fatal(err)
	}
	if len(state.Teams) != 1 || state.ActiveTeam == nil || *state.ActiveTeam != "beta" {
		t.Errorf("state = %s, want only beta", env.Data)
	}
}

func TestBroadcastReachesEveryClient(t *testing.T) {
	h, server, _ := startHub(t, &fakeHistory{})
	first := dial(t, server, "")
	second := dial(t, server, "")
	readEnvelope(t, first)
	readEnvelope(t, second)
	waitForClients(t, h, 2)

	h.BroadcastTeamUpdate("alpha", models.ChangeTask, map[string]string{"taskId": "1"})

	for _, conn := range []*websocket.Conn{first, second} {
		env := readType(t, conn, models.TypeTeamUpdate)
		var update struct {
			TeamName   string            `json:"teamName"`
			ChangeType string            `json:"changeType"`
			ChangeData map[string]string `json:"changeData"`
		}
		if err := json.Unmarshal(env.Data, &update); err != nil {
			t.Fatal(err)
		}
		if update.TeamName != "alpha" || update.ChangeType != "task" || update.ChangeData["taskId"] != "1" {
			t.Errorf("update = %s", env.Data)
		}
	}
}

func TestDisconnectedClientIsRemoved(t *testing.T) {
	h, server, _ := startHub(t, &fakeHistory{})
	conn := dial(t, server, "")
	readEnvelope(t, conn)
	waitForClients(t, h, 1)

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	waitForClients(t, h, 0)
	h.Broadcast(models.TypeHeartbeat, models.Heartbeat{})
}

func TestHeartbeat(t *testing.T) {
	_, server, _ := startHub(t, &fakeHistory{}, WithHeartbeat(50*time.Millisecond))
	conn := dial(t, server, "")
	readEnvelope(t, conn)

	env := readType(t, conn, models.TypeHeartbeat)
	var beat models.Heartbeat
	if err := json.Unmarshal(env.Data, &beat); err != nil {
		t.Fatal(err)
	}
	if beat.Clients != 1 {
		t.Errorf("clients = %d, want 1", beat.Clients)
	}
}

func TestRequests(t *testing.T) {
	history := &fakeHistory{sessions: []models.Session{{ID: 7, TeamName: "alpha", CreatedAt: 1000}}}
	_, server, _ := startHub(t, history)
	conn := dial(t, server, "")
	readEnvelope(t, conn)

	tests := []struct {
		name     string
		request  string
		wantType string
		check    func(t *testing.T, data json.RawMessage)
	}{
		{
			name:     "switch team",
			request:  `{"type":"switch_team","teamName":"alpha"}`,
			wantType: models.TypeFullState,
			check: func(t *testing.T, data json.RawMessage) {
				if !strings.Contains(string(data), `"activeTeam":"alpha"`) {
					t.Errorf("data = %s", data)
				}
			},
		},
		{
			name:     "history",
			request:  `{"type":"get_history"}`,
			wantType: models.TypeHistory,
			check: func(t *testing.T, data json.RawMessage) {
				var sessions []models.Session
				if err := json.Unmarshal(data, &sessions); err != nil {
					t.Fatal(err)
				}
				if len(sessions) != 1 || sessions[0].ID != 7 {
					t.Errorf("sessions = %s", data)
				}
			},
		},
		{
			name:     "session by number",
			request:  `{"type":"get_session","sessionId":7}`,
			wantType: models.TypeSession,
			check: func(t *testing.T, data json.RawMessage) {
				if !strings.Contains(string(data), `"team_name":"alpha"`) {
					t.Errorf("data = %s", data)
				}
			},
		},
		{
			name:     "session by string",
			request:  `{"type":"get_session","sessionId":"7"}`,
			wantType: models.TypeSession,
			check: func(t *testing.T, data json.RawMessage) {
				if string(data) == "null" {
					t.Error("string id not resolved")
				}
			},
		},
		{
			name:     "unknown session",
			request:  `{"type":"get_session","sessionId":99}`,
			wantType: models.TypeSession,
			check: func(t *testing.T, data json.RawMessage) {
				if string(data) != "null" {
					t.Errorf("data = %s, want null", data)
				}
			},
		},
		{
			name:     "missing session id",
			request:  `{"type":"get_session"}`,
			wantType: models.TypeError,
			check: func(t *testing.T, data json.RawMessage) {
				if string(data) != `{"message":"Session ID is required"}` {
					t.Errorf("data = %s", data)
				}
			},
		},
		{
			name:     "malformed json",
			request:  `{not json`,
			wantType: models.TypeError,
			check: func(t *testing.T, data json.RawMessage) {
				var payload models.ErrorPayload
				if err := json.Unmarshal(data, &payload); err != nil {
					t.Fatal(err)
				}
				if payload.Message != "Failed to process message" || payload.Error == "" {
					t.Errorf("payload = %+v", payload)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(tt.request)); err != nil {
				t.Fatal(err)
			}
			env := readType(t, conn, tt.wantType)
			tt.check(t, env.Data)
		})
	}
}

func TestUnknownRequestIsIgnored(t *testing.T) {
	_, server, _ := startHub(t, &fakeHistory{})
	conn := dial(t, server, "")
	readEnvelope(t, conn)

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"dance"}`))
	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"get_history"}`))

	// The next reply belongs to get_history; nothing was sent for "dance".
	env := readEnvelope(t, conn)
	if env.Type != models.TypeHistory {
		t.Errorf("type = %s, want history", env.Type)
	}
}

func TestHistoryFailure(t *testing.T) {
	_, server, _ := startHub(t, &fakeHistory{err: errors.New("disk on fire")})
	conn := dial(t, server, "")
	readEnvelope(t, conn)

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"get_history"}`))
	env := readType(t, conn, models.TypeError)
	if !strings.Contains(string(env.Data), "disk on fire") {
		t.Errorf("data = %s", env.Data)
	}
}

func TestShutdownClosesClientsNormally(t *testing.T) {
	h, server, cancel := startHub(t, &fakeHistory{})
	conn := dial(t, server, "")
	readEnvelope(t, conn)
	waitForClients(t, h, 1)

	cancel()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		if !errors.As(err, &closeErr) {
			t.Fatalf("err = %v, want close error", err)
		}
		if closeErr.Code != websocket.CloseNormalClosure || closeErr.Text != "Server shutting down" {
			t.Errorf("close = %d %q", closeErr.Code, closeErr.Text)
		}
		break
	}

	<-h.Done()
	if h.ClientCount() != 0 {
		t.Errorf("client count = %d after shutdown", h.ClientCount())
	}
	// Broadcasting after shutdown must not block.
	h.Broadcast(models.TypeHeartbeat, models.Heartbeat{})
}

func TestParseSessionID(t *testing.T) {
	tests := []struct {
		raw         string
		wantID      int64
		wantPresent bool
		wantErr     bool
	}{
		{raw: ``},
		{raw: `null`},
		{raw: `""`},
		{raw: `0`},
		{raw: `12`, wantID: 12, wantPresent: true},
		{raw: `"12"`, wantID: 12, wantPresent: true},
		{raw: `"abc"`, wantPresent: true, wantErr: true},
		{raw: `1.5`, wantPresent: true, wantErr: true},
	}
	for _, tt := range tests {
		id, present, err := parseSessionID(json.RawMessage(tt.raw))
		if id != tt.wantID || present != tt.wantPresent || (err != nil) != tt.wantErr {
			t.Errorf("parseSessionID(%s) = %d, %v, %v", tt.raw, id, present, err)
		}
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	h, server, _ := startHub(t, &fakeHistory{})
	conn := dial(t, server, "")
	readEnvelope(t, conn)
	waitForClients(t, h, 1)

	h.Shutdown()
	h.Shutdown()

	select {
	case <-h.Done():
	default:
		t.Fatal("Run still running after Shutdown")
	}
}

// racingState hands out a snapshot taken before a change that is broadcast
// while the viewer is still connecting.
type racingState struct {
	hub *Hub
}

func (s racingState) State(filter string) models.State {
	go s.hub.BroadcastTeamUpdate("alpha", models.ChangeTask, map[string]string{"id": "7"})
	return models.State{Teams: map[string]models.Team{}, TeamNames: []string{}}
}

func TestUpdateDuringConnectReachesNewViewer(t *testing.T) {
	state := &racingState{}
	h := New(state, &fakeHistory{}, logger.NewNop())
	state.hub = h
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.ServeClient(conn, "")
	}))
	t.Cleanup(func() {
		cancel()
		<-h.Done()
		server.Close()
	})

	conn := dial(t, server, "")
	if env := readEnvelope(t, conn); env.Type != models.TypeFullState {
		t.Fatalf("first envelope = %s, want full_state", env.Type)
	}
	env := readType(t, conn, models.TypeTeamUpdate)
	var update models.TeamUpdate
	if err := json.Unmarshal(env.Data, &update); err != nil {
		t.Fatal(err)
	}
	if update.TeamName != "alpha" || update.ChangeType != models.ChangeTask {
		t.Errorf("update = %+v", update)
	}
}

func TestConnectAfterShutdownIsClosed(t *testing.T) {
	h, server, _ := startHub(t, &fakeHistory{})
	h.Shutdown()

	conn := dial(t, server, "")
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.CloseNormalClosure {
		t.Fatalf("err = %v, want normal closure", err)
	}
	if h.ClientCount() != 0 {
		t.Errorf("client count = %d after shutdown", h.ClientCount())
	}
}
