package routes

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/nikhil/surveil/internal/aggregator"
	"github.com/nikhil/surveil/internal/hub"
	"github.com/nikhil/surveil/internal/logger"
	"github.com/nikhil/surveil/internal/models"
	"github.com/nikhil/surveil/internal/store"
)

type emptyHistory struct{}

func (emptyHistory) ListSessions(ctx context.Context) ([]models.Session, error) {
	return []models.Session{}, nil
}

func (emptyHistory) GetSession(ctx context.Context, id int64) (*models.SessionDetail, error) {
	return nil, store.ErrNotFound
}

func newServer(t *testing.T, secret, static string) *httptest.Server {
	t.Helper()
	agg := aggregator.New(logger.NewNop())
	h := hub.New(agg, emptyHistory{}, logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	server := httptest.NewServer(RegisterAllRoutes(Deps{
		Hub:       h,
		History:   emptyHistory{},
		TeamNames: agg.TeamNames,
		JWTSecret: secret,
		StaticDir: static,
		Log:       logger.NewNop(),
	}))
	t.Cleanup(func() {
		cancel()
		<-h.Done()
		server.Close()
	})
	return server
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestRoutes(t *testing.T) {
	static := t.TempDir()
	if err := os.WriteFile(filepath.Join(static, "app.js"), []byte("connect();"), 0o644); err != nil {
		t.Fatal(err)
	}
	server := newServer(t, "", static)

	tests := []struct {
		path     string
		wantCode int
		wantBody string
	}{
		{"/healthz", http.StatusOK, `{"clients":0,"status":"ok","teams":0}`},
		{"/api/sessions", http.StatusOK, `[]`},
		{"/api/sessions/9999", http.StatusNotFound, `{"error":"Session not found"}`},
		{"/app.js", http.StatusOK, "connect();"},
	}
	for _, tt := range tests {
		code, body := get(t, server.URL+tt.path)
		if code != tt.wantCode || body != tt.wantBody {
			t.Errorf("GET %s = %d %s, want %d %s", tt.path, code, body, tt.wantCode, tt.wantBody)
		}
	}
}

func TestRoutesRequireTokenWhenConfigured(t *testing.T) {
	server := newServer(t, "s3cret", "")

	if code, _ := get(t, server.URL+"/api/sessions"); code != http.StatusUnauthorized {
		t.Errorf("/api/sessions without token = %d, want 401", code)
	}
	if code, _ := get(t, server.URL+"/healthz"); code != http.StatusOK {
		t.Errorf("/healthz = %d, want 200 without token", code)
	}
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	if _, resp, err := websocket.DefaultDialer.Dial(url, nil); err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("websocket without token was not rejected: %v", err)
	}
}

func TestWebSocketRoute(t *testing.T) {
	server := newServer(t, "", "")
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?team=alpha"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var env struct {
		Type string `json:"type"`
	}
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatal(err)
	}
	if env.Type != models.TypeFullState {
		t.Errorf("first envelope = %s, want full_state", env.Type)
	}
}
