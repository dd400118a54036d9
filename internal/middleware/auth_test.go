package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestPasswordHashRoundTrip(t *testing.T) {
	a := NewAuthService("secret", 0)
	hash, err := a.HashPassword("hunter2")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !a.CheckPassword("hunter2", hash) {
		t.Fatalf("expected password to match its hash")
	}
	if a.CheckPassword("hunter3", hash) {
		t.Fatalf("expected wrong password to be rejected")
	}
}

func TestTokenRoundTrip(t *testing.T) {
	a := NewAuthService("secret", time.Hour)
	token, expires, err := a.GenerateToken("alice")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if d := time.Until(expires); d < 59*time.Minute || d > time.Hour+time.Second {
		t.Fatalf("expected expiry about one hour out, got %v", d)
	}
	claims, err := a.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Username != "alice" {
		t.Fatalf("expected alice, got %q", claims.Username)
	}
}

func TestTokenRejectedWithOtherSecret(t *testing.T) {
	token, _, err := NewAuthService("one", 0).GenerateToken("alice")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := NewAuthService("two", 0).ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	a := NewAuthService("secret", time.Minute)
	base := time.Now()
	a.now = func() time.Time { return base }
	token, _, err := a.GenerateToken("alice")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	a.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, err := a.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to be rejected, got %v", err)
	}
}

func TestBearerToken(t *testing.T) {
	cases := map[string]string{
		"Bearer abc":  "abc",
		"bearer  xyz": "xyz",
		"raw":         "raw",
		"":            "",
	}
	for in, want := range cases {
		if got := BearerToken(in); got != want {
			t.Fatalf("BearerToken(%q): expected %q, got %q", in, want, got)
		}
	}
}

func TestRequireAPIAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a := NewAuthService("secret", 0)
	r := gin.New()
	r.GET("/api/metrics/history", a.RequireAPIAuth(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": c.GetString(ContextUsername)})
	})

	token, _, _ := a.GenerateToken("alice")
	req := httptest.NewRequest(http.MethodGet, "/api/metrics/history", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/metrics/history", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}
}

func TestRequireAPIAuthLocksOutRepeatedFailures(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a := NewAuthService("secret", 0)
	r := gin.New()
	r.GET("/api/x", a.RequireAPIAuth(), func(c *gin.Context) { c.Status(http.StatusOK) })

	var last int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/x", nil)
		req.Header.Set("Authorization", "Bearer nope")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		last = w.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected lockout after three failures, got %d", last)
	}

	token, _, _ := a.GenerateToken("alice")
	req := httptest.NewRequest(http.MethodGet, "/api/x", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected lockout to hold even for a valid token, got %d", w.Code)
	}
}

func TestSocketTokenSources(t *testing.T) {
	cases := []struct {
		name   string
		header http.Header
		query  string
		want   string
	}{
		{"authorization", http.Header{"Authorization": []string{"Bearer abc"}}, "", "abc"},
		{"subprotocol", http.Header{"Sec-Websocket-Protocol": []string{"bearer, def"}}, "", "def"},
		{"query", http.Header{}, "?access_token=ghi", "ghi"},
		{"subprotocol without token", http.Header{"Sec-Websocket-Protocol": []string{"bearer"}}, "", ""},
		{"none", http.Header{}, "", ""},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/ws"+tc.query, nil)
		for k, v := range tc.header {
			req.Header[k] = v
		}
		if got := SocketToken(req); got != tc.want {
			t.Fatalf("%s: expected %q, got %q", tc.name, tc.want, got)
		}
	}
}

func TestRequireSocketAuthAcceptsQueryToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a := NewAuthService("socket-secret", time.Hour)
	token, _, err := a.GenerateToken("alice")
	if err != nil {
		t.Fatal(err)
	}
	r := gin.New()
	r.GET("/ws", a.RequireSocketAuth(), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(ContextUsername))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws?access_token="+token, nil))
	if w.Code != http.StatusOK || w.Body.String() != "alice" {
		t.Fatalf("expected 200 for alice, got %d %q", w.Code, w.Body.String())
	}
}
