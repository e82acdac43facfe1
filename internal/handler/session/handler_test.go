package session

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/tavern-relay/internal/codec"
	"github.com/zhouzirui/tavern-relay/internal/inference"
	"github.com/zhouzirui/tavern-relay/internal/model/chat"
	chatService "github.com/zhouzirui/tavern-relay/internal/service/chat"
)

func TestListSessionsIncludesGates(t *testing.T) {
	registry := chatService.NewRegistry()
	entry, err := registry.Register(context.Background(), "paimon", "tcp", "127.0.0.1:5000")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	registry.Update(context.Background(), entry.ID, chat.StateSpeaking, 3)

	r := chi.NewRouter()
	New(registry, inference.NewGate("transcribe", 1), nil, inference.NewGate("synthesize", 2)).RegisterRoutes(r)

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/sessions", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	var body sessionsResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Sessions) != 1 || body.Sessions[0].State != chat.StateSpeaking || body.Sessions[0].Turns != 3 {
		t.Fatalf("unexpected sessions %+v", body.Sessions)
	}
	if len(body.Gates) != 2 || body.Gates[1].Name != "synthesize" || body.Gates[1].Slots != 2 {
		t.Fatalf("unexpected gates %+v", body.Gates)
	}
}

func TestGetSession(t *testing.T) {
	registry := chatService.NewRegistry()
	entry, _ := registry.Register(context.Background(), "paimon", "websocket", "10.0.0.2:1234")

	r := chi.NewRouter()
	New(registry).RegisterRoutes(r)

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/sessions/"+entry.ID, nil))
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), `"transport":"websocket"`) {
		t.Fatalf("unexpected response %d %s", resp.Code, resp.Body.String())
	}

	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/sessions/missing", nil))
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

// greeter announces itself and closes, recording the transport it was given.
type greeter struct {
	transports chan string
}

func (g *greeter) ServeConn(_ context.Context, conn net.Conn, transport string) {
	defer conn.Close()
	g.transports <- transport
	codec.WriteFrame(conn, codec.KindPersona, []byte("character_paimon"))
}

func TestWebSocketHandsConnToRelay(t *testing.T) {
	g := &greeter{transports: make(chan string, 1)}
	r := chi.NewRouter()
	NewWebSocketHandler(g).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))

	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	kind, payload, err := codec.ReadFrame(bytes.NewReader(data), 1024)
	if err != nil || kind != codec.KindPersona || string(payload) != "character_paimon" {
		t.Fatalf("unexpected frame %s %q %v", kind, payload, err)
	}
	if got := <-g.transports; got != "websocket" {
		t.Fatalf("expected websocket transport, got %q", got)
	}
}
