package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"opsdash/internal/config"
	"opsdash/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func newTestAgent(t *testing.T, users ...config.User) *agent {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{DataDir: t.TempDir()}
	cfg.Server = config.ServerConfig{Listen: "127.0.0.1:0", RateLimit: 100, Burst: 100}
	cfg.Socket = config.SocketConfig{URL: "ws://127.0.0.1:1/ws", BaseInterval: time.Hour, MaxAttempts: 1}
	cfg.API.BaseURL = "http://127.0.0.1:1"
	cfg.Metrics = config.MetricsConfig{Capacity: 4, RefreshInterval: time.Hour}
	cfg.Notifications.Limit = 10
	cfg.Auth = config.AuthConfig{JWTSecret: "main-test-secret", TokenExpiry: time.Hour, Users: users}
	ag := newAgent(cfg, nil)
	t.Cleanup(func() {
		ag.app.Shutdown()
		ag.rateLimiter.Stop()
	})
	return ag
}

func TestPublicEndpoints(t *testing.T) {
	ag := newTestAgent(t)
	r := ag.setupRouter()

	// /healthz
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/healthz", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("/healthz expected 200, got %d", w.Code)
	}
	var health map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &health); err != nil {
		t.Fatalf("/healthz invalid JSON: %v", err)
	}
	if health["status"] != "ok" {
		t.Fatalf("/healthz expected status=ok, got %#v", health)
	}

	// /version
	w = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodGet, "/version", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("/version expected 200, got %d", w.Code)
	}
	var ver map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &ver); err != nil {
		t.Fatalf("/version invalid JSON: %v", err)
	}
	if _, ok := ver["version"]; !ok {
		t.Fatalf("/version missing 'version' field")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ag := newTestAgent(t)
	srv := httptest.NewServer(ag.setupRouter())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/metrics expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "opsdash_session_logged_in 0") {
		t.Fatalf("/metrics missing session gauge")
	}
}

func TestAPIRequiresToken(t *testing.T) {
	ag := newTestAgent(t)
	r := ag.setupRouter()
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/api/notifications", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}
}

func TestEventSocketRequiresSessionOwner(t *testing.T) {
	hash, err := middleware.NewAuthService("unused", time.Hour).HashPassword("s3cret")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	ag := newTestAgent(t, config.User{Username: "alice", PasswordHash: hash})
	ctx, cancel := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		_ = ag.wsHub.Run(ctx)
		close(hubDone)
	}()
	defer func() {
		cancel()
		<-hubDone
	}()

	srv := httptest.NewServer(ag.setupRouter())
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	expectRejected := func(name string, dialer *websocket.Dialer, url string, header http.Header, want int) {
		t.Helper()
		conn, resp, err := dialer.Dial(url, header)
		if err == nil {
			conn.Close()
			t.Fatalf("%s: expected handshake to be rejected", name)
		}
		if !errors.Is(err, websocket.ErrBadHandshake) || resp == nil || resp.StatusCode != want {
			t.Fatalf("%s: expected status %d, got resp=%v err=%v", name, want, resp, err)
		}
	}

	expectRejected("no token", websocket.DefaultDialer, wsURL, nil, http.StatusUnauthorized)

	if _, err := ag.app.Login("alice", "s3cret"); err != nil {
		t.Fatalf("login: %v", err)
	}
	stranger, _, err := ag.app.Auth().GenerateToken("mallory")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	expectRejected("other user", websocket.DefaultDialer, wsURL+"?access_token="+stranger, nil, http.StatusUnauthorized)

	token := ag.app.Sessions().Token()
	expectRejected("foreign origin", websocket.DefaultDialer, wsURL+"?access_token="+token,
		http.Header{"Origin": []string{"http://evil.example"}}, http.StatusForbidden)

	dialer := &websocket.Dialer{Subprotocols: []string{middleware.SocketSubprotocol, token}, HandshakeTimeout: 2 * time.Second}
	conn, resp, err := dialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial with session token: %v", err)
	}
	defer conn.Close()
	if resp.Header.Get("Sec-WebSocket-Protocol") != middleware.SocketSubprotocol {
		t.Fatalf("expected bearer subprotocol to be selected, got %q", resp.Header.Get("Sec-WebSocket-Protocol"))
	}

	deadline := time.Now().Add(2 * time.Second)
	for ag.wsHub.GetClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ag.app.Logout()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
			t.Fatalf("expected the socket to be closed on logout, got %v", err)
		}
		break
	}
}
