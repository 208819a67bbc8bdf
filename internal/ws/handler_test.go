package ws

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"deepforge/server/internal/auth"
	"deepforge/server/internal/gen"
	"deepforge/server/internal/metrics"
	"deepforge/server/internal/proto"
	"deepforge/server/internal/store"
	"deepforge/server/internal/world"
)

const readWait = 2 * time.Second

func dialTestServer(t *testing.T) *websocket.Conn {
	t.Helper()
	st := store.NewMemory()
	verifier := auth.NewVerifier(auth.Config{AllowUnsigned: true}, st)
	registry := world.NewRegistry(world.RegistryConfig{InstanceID: "test-instance"},
		st, verifier, clock.New(), zap.NewNop(), metrics.NewNop())
	h := NewHandler(registry, NewGate(nil), zap.NewNop(), metrics.NewNop())

	srv := httptest.NewServer(http.HandlerFunc(h.Handle))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func testToken(userID string) string {
	payload, _ := json.Marshal(map[string]any{
		"user_id":      userID,
		"display_name": "Tester",
		"issued_at":    time.Now().Unix(),
	})
	return base64.StdEncoding.EncodeToString(payload)
}

func handshake(t *testing.T, conn *websocket.Conn, userID string) proto.Welcome {
	t.Helper()
	hello := proto.Hello{
		Type:             proto.TypeHello,
		ProtocolVersion:  proto.ProtocolVersion,
		RegistryVersion:  world.RegistryVersion,
		GeneratorVersion: gen.Version,
		Token:            testToken(userID),
		WorldID:          world.DefaultWorldID,
	}
	if err := conn.WriteJSON(hello); err != nil {
		t.Fatalf("write HELLO: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(readWait))
	var welcome proto.Welcome
	if err := conn.ReadJSON(&welcome); err != nil {
		t.Fatalf("read WELCOME: %v", err)
	}
	if welcome.Type != proto.TypeWelcome {
		t.Fatalf("first frame = %q, want WELCOME", welcome.Type)
	}
	return welcome
}

func TestHandshakeDeliversWelcome(t *testing.T) {
	conn := dialTestServer(t)
	welcome := handshake(t, conn, "user-1")

	if welcome.PlayerID != "user-1" || welcome.WorldID != world.DefaultWorldID {
		t.Fatalf("welcome = %+v", welcome)
	}
	sx, sy, sz := gen.SpawnPosition()
	if welcome.SpawnPosition != (proto.Vec3{X: sx, Y: sy, Z: sz}) {
		t.Fatalf("spawn = %+v", welcome.SpawnPosition)
	}
}

func TestFirstFrameMustBeHello(t *testing.T) {
	conn := dialTestServer(t)

	if err := conn.WriteJSON(proto.Input{Type: proto.TypeInput, ProtocolVersion: proto.ProtocolVersion}); err != nil {
		t.Fatalf("write INPUT: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(readWait))
	var frame proto.ErrorFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read ERROR: %v", err)
	}
	if frame.Type != proto.TypeError || frame.Code != proto.CodeAuthFailed || !frame.Fatal {
		t.Fatalf("frame = %+v, want fatal auth_failed", frame)
	}
	_, _, err := conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok || closeErr.Code != proto.CloseNormal {
		t.Fatalf("close = %v, want %d", err, proto.CloseNormal)
	}
}

func TestOversizeFrameClosesWithProtocolError(t *testing.T) {
	conn := dialTestServer(t)
	handshake(t, conn, "user-1")

	big := bytes.Repeat([]byte{'a'}, proto.MaxFrameSize+1)
	if err := conn.WriteMessage(websocket.TextMessage, big); err != nil {
		t.Fatalf("write oversize frame: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(readWait))
	_, _, err := conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok || closeErr.Code != proto.CloseProtocolError {
		t.Fatalf("close = %v, want code %d", err, proto.CloseProtocolError)
	}
}
