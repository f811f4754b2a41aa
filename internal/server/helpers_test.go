package server

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/zonechat/internal/chat"
)

const readTimeout = 2 * time.Second

type testEnv struct {
	srv     *Server
	hub     *chat.Hub
	httpSrv *httptest.Server
	wsURL   string
}

// defaultConfig loads a Config from its envconfig defaults alone, with every
// configuration variable removed from the environment for the test.
func defaultConfig(t *testing.T) *Config {
	t.Helper()

	fields := reflect.TypeOf(Config{})
	for i := 0; i < fields.NumField(); i++ {
		if key := fields.Field(i).Tag.Get("envconfig"); key != "" {
			unsetEnv(t, key)
		}
	}

	cfg, err := LoadConfig()
	require.NoError(t, err)
	return cfg
}

// unsetEnv removes key for the duration of the test.
func unsetEnv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	require.NoError(t, os.Unsetenv(key))
}

// newTestEnv starts a real HTTP server backed by a fresh hub.
func newTestEnv(t *testing.T, customize func(cfg *Config)) *testEnv {
	t.Helper()

	cfg := defaultConfig(t)
	cfg.Host = "127.0.0.1"
	cfg.RateLimitBurst = 100
	if customize != nil {
		customize(cfg)
	}
	require.NoError(t, cfg.Validate())

	hub := chat.NewHub(zerolog.Nop())
	srv := New(cfg, hub, zerolog.Nop())
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	u, err := url.Parse(httpSrv.URL)
	require.NoError(t, err)
	u.Scheme = "ws"
	u.Path = "/ws"

	return &testEnv{srv: srv, hub: hub, httpSrv: httpSrv, wsURL: u.String()}
}

// dial opens a WebSocket and consumes the welcome frame, returning the
// client id assigned by the hub.
func (e *testEnv) dial(t *testing.T) (*websocket.Conn, string) {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(e.wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })

	welcome := readFrame(t, conn)
	require.Equal(t, chat.TypeConnectionEstablished, welcome["type"])
	clientID, ok := welcome["client_id"].(string)
	require.True(t, ok)
	return conn, clientID
}

// login dials and authenticates, draining any history frames and the
// auth_response.
func (e *testEnv) login(t *testing.T, userID, userName string) (*websocket.Conn, []map[string]any) {
	t.Helper()
	conn, _ := e.dial(t)
	sendJSON(t, conn, map[string]string{"type": "authenticate", "user_id": userID, "user_name": userName})

	var history []map[string]any
	for {
		msg := readFrame(t, conn)
		if msg["type"] == chat.TypeAuthResponse {
			require.Equal(t, true, msg["success"])
			return conn, history
		}
		require.Equal(t, chat.TypeChatHistory, msg["type"])
		history = append(history, msg)
	}
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readTimeout)))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func expectNoMessage(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err, "expected no message")
	var netErr net.Error
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "unexpected error while waiting for absence of message: %v", err)
}

func originHeader(origin string) http.Header {
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	return header
}
