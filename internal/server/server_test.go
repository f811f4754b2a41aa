package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/zonechat/internal/chat"
)

func TestWebSocket_Welcome(t *testing.T) {
	env := newTestEnv(t, nil)

	_, clientID := env.dial(t)

	require.NotEmpty(t, clientID)
	conn, ok := env.hub.Connection(clientID)
	require.True(t, ok)
	require.False(t, conn.Authenticated)
}

func TestWebSocket_Each_Connection_Gets_Unique_ID(t *testing.T) {
	env := newTestEnv(t, nil)

	_, id1 := env.dial(t)
	_, id2 := env.dial(t)

	require.NotEqual(t, id1, id2)
	require.Equal(t, 2, env.hub.Stats().Connections)
}

func TestWebSocket_Broadcast_To_All_Authenticated(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t, nil)
	alice, _ := env.login(t, "u1", "Alice")
	bob, _ := env.login(t, "u2", "Bob")
	anonymous, _ := env.dial(t)

	// When Alice chats while pretending to be someone else
	sendJSON(t, alice, map[string]string{
		"type":      "chat_message",
		"message":   "fire near the river",
		"user_name": "Mallory",
	})

	// Then every authenticated participant gets Alice's real identity
	for _, conn := range []*websocket.Conn{alice, bob} {
		msg := readFrame(t, conn)
		req.Equal(chat.TypeChatMessage, msg["type"])
		req.Equal("u1", msg["user_id"])
		req.Equal("Alice", msg["user_name"])
		req.Equal("fire near the river", msg["message"])
		_, err := time.Parse(time.RFC3339Nano, msg["timestamp"].(string))
		req.NoError(err)
	}

	// And unauthenticated connections get nothing
	expectNoMessage(t, anonymous, 200*time.Millisecond)
}

func TestWebSocket_History_For_Late_Joiner(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t, nil)
	alice, _ := env.login(t, "u1", "Alice")

	for i := 0; i < 3; i++ {
		sendJSON(t, alice, map[string]string{"type": "chat_message", "message": fmt.Sprintf("m%d", i)})
		readFrame(t, alice)
	}
	sendJSON(t, alice, map[string]string{"type": "chat_message", "message": "north", "zone": "north"})
	readFrame(t, alice)

	_, history := env.login(t, "u2", "Bob")

	req.Len(history, 2)
	req.Equal(chat.DefaultZone, history[0]["zone"])
	req.Len(history[0]["messages"], 3)
	req.Equal("north", history[1]["zone"])
	req.Len(history[1]["messages"], 1)
}

func TestWebSocket_Chat_Before_Authentication(t *testing.T) {
	env := newTestEnv(t, nil)
	watcher, _ := env.login(t, "u2", "Bob")
	conn, _ := env.dial(t)

	sendJSON(t, conn, map[string]string{"type": "chat_message", "message": "hi"})

	msg := readFrame(t, conn)
	require.Equal(t, chat.TypeError, msg["type"])
	require.Equal(t, "Not authenticated", msg["message"])
	expectNoMessage(t, watcher, 200*time.Millisecond)
}

func TestWebSocket_Authentication_Failure(t *testing.T) {
	env := newTestEnv(t, nil)
	conn, _ := env.dial(t)

	sendJSON(t, conn, map[string]string{"type": "authenticate", "user_id": "u1"})

	msg := readFrame(t, conn)
	require.Equal(t, chat.TypeAuthResponse, msg["type"])
	require.Equal(t, false, msg["success"])
	require.Equal(t, "Authentication failed", msg["message"])
}

func TestWebSocket_Invalid_JSON(t *testing.T) {
	env := newTestEnv(t, nil)
	conn, _ := env.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{broken")))

	msg := readFrame(t, conn)
	require.Equal(t, chat.TypeError, msg["type"])
	require.Equal(t, "Invalid JSON format", msg["message"])

	// the connection stays usable
	sendJSON(t, conn, map[string]string{"type": "ping"})
	require.Equal(t, chat.TypePong, readFrame(t, conn)["type"])
}

func TestWebSocket_Unknown_Type_Is_Ignored(t *testing.T) {
	env := newTestEnv(t, nil)
	conn, _ := env.dial(t)

	sendJSON(t, conn, map[string]string{"type": "typing"})

	expectNoMessage(t, conn, 200*time.Millisecond)
}

func TestWebSocket_Ping_Pong(t *testing.T) {
	env := newTestEnv(t, nil)
	conn, _ := env.dial(t)

	sendJSON(t, conn, map[string]string{"type": "ping"})

	msg := readFrame(t, conn)
	require.Equal(t, chat.TypePong, msg["type"])
	_, err := time.Parse(time.RFC3339Nano, msg["timestamp"].(string))
	require.NoError(t, err)
}

func TestWebSocket_Disconnect_Cleans_Up_Session(t *testing.T) {
	env := newTestEnv(t, nil)
	conn, _ := env.login(t, "u1", "Alice")
	require.Len(t, env.hub.ConnectionsFor("u1"), 1)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = conn.Close()

	require.Eventually(t, func() bool {
		stats := env.hub.Stats()
		return stats.Connections == 0 && stats.Sessions == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocket_Multiple_Tabs_Share_Session(t *testing.T) {
	env := newTestEnv(t, nil)
	tab1, _ := env.login(t, "u1", "Alice")
	tab2, _ := env.login(t, "u1", "Alice")

	require.True(t, env.hub.SendToUser("u1", map[string]string{"type": "notice", "message": "evacuate"}))

	for _, conn := range []*websocket.Conn{tab1, tab2} {
		msg := readFrame(t, conn)
		require.Equal(t, "notice", msg["type"])
	}
	require.False(t, env.hub.SendToUser("nobody", map[string]string{"type": "notice"}))
}

func TestWebSocket_Oversized_Message_Closes_Connection(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.MaxMessageSize = 64
	})
	conn, _ := env.login(t, "u1", "Alice")

	payload := fmt.Sprintf(`{"type":"chat_message","message":%q}`, strings.Repeat("x", 200))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(payload)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readTimeout)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	require.Eventually(t, func() bool {
		return env.hub.Stats().Sessions == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocket_Rate_Limit_Drops_Excess(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.RateLimitBurst = 2
		cfg.RateLimitRefillInterval = time.Hour
	})
	conn, _ := env.dial(t)

	for i := 0; i < 5; i++ {
		sendJSON(t, conn, map[string]string{"type": "ping"})
	}

	require.Equal(t, chat.TypePong, readFrame(t, conn)["type"])
	require.Equal(t, chat.TypePong, readFrame(t, conn)["type"])
	expectNoMessage(t, conn, 200*time.Millisecond)
}

func TestWebSocket_Keepalive_Ping(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.PingInterval = 50 * time.Millisecond
	})
	conn, _ := env.dial(t)

	pinged := make(chan struct{}, 1)
	conn.SetPingHandler(func(string) error {
		select {
		case pinged <- struct{}{}:
		default:
		}
		return nil
	})

	go func() {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pinged:
	case <-time.After(readTimeout):
		t.Fatal("no keep-alive ping received")
	}
}

func TestWebSocketHandler_Rejects_Non_GET(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Post(env.httpSrv.URL+"/ws", "text/plain", strings.NewReader("test"))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestWebSocketHandler_Requires_Upgrade(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.httpSrv.URL + "/ws")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Zero(t, env.hub.Stats().Connections)
}

func TestWebSocketHandler_Origin_Policy(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.AllowedOrigins = []string{"https://app.example.com"}
	})

	conn, resp, err := websocket.DefaultDialer.Dial(env.wsURL, originHeader("https://evil.example.com"))
	require.Error(t, err)
	require.Nil(t, conn)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	conn, resp, err = websocket.DefaultDialer.Dial(env.wsURL, originHeader("https://APP.example.com"))
	require.NoError(t, err)
	_ = resp.Body.Close()
	_ = conn.Close()
}

func TestHealthHandler(t *testing.T) {
	env := newTestEnv(t, nil)
	env.login(t, "u1", "Alice")

	resp, err := http.Get(env.httpSrv.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body["status"])
	require.EqualValues(t, 1, body["connections"])
	require.EqualValues(t, 1, body["authenticated"])
	require.EqualValues(t, 1, body["sessions"])
	require.EqualValues(t, 0, body["zones"])
}

func TestServer_Shutdown_Closes_Clients(t *testing.T) {
	env := newTestEnv(t, nil)
	conn, _ := env.login(t, "u1", "Alice")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.srv.Shutdown(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readTimeout)))
	_, _, err := conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	require.Zero(t, env.hub.Stats().Connections)

	// the hub refuses new connections once closed
	late, resp, err := websocket.DefaultDialer.Dial(env.wsURL, nil)
	if err == nil {
		_ = resp.Body.Close()
		require.NoError(t, late.SetReadDeadline(time.Now().Add(readTimeout)))
		_, _, err = late.ReadMessage()
		_ = late.Close()
	}
	require.Error(t, err)
}

func TestServer_TrackClient_After_Shutdown(t *testing.T) {
	cfg := defaultConfig(t)
	hub := chat.NewHub(zerolog.Nop())
	srv := New(cfg, hub, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	_, err := srv.trackClient(NewClient(nil, hub, "127.0.0.1:0", cfg, zerolog.Nop()), "127.0.0.1:0")

	require.ErrorIs(t, err, chat.ErrHubClosed)
	require.Zero(t, hub.Stats().Connections)
}
