package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/time/rate"
)

func TestKeyByUserOrIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Request.RemoteAddr = net.JoinHostPort("203.0.113.9", "12345")

	if key := KeyByUserOrIP()(c); key != "ip:203.0.113.9" {
		t.Fatalf("expected ip key, got %q", key)
	}
	c.Set(UserIDKey, "u123")
	if key := KeyByUserOrIP()(c); key != "user:u123" {
		t.Fatalf("expected user key, got %q", key)
	}
}

func TestRateLimiter_BucketReuseAndEviction(t *testing.T) {
	rl := NewRateLimiter(2, 0, KeyByUserOrIP())
	if rl.burst != 1 {
		t.Fatalf("burst coercion failed: %d", rl.burst)
	}
	lim := rl.getVisitor("k1")
	if rl.getVisitor("k1") != lim {
		t.Fatalf("expected bucket reuse")
	}

	rl.ttl = time.Nanosecond
	rl.mu.Lock()
	rl.visitors["old"] = &visitor{limiter: rate.NewLimiter(1, 1), lastSeen: time.Now().Add(-time.Hour)}
	rl.cleanupN = 4999
	rl.mu.Unlock()

	_ = rl.getVisitor("new")

	rl.mu.Lock()
	_, hasOld := rl.visitors["old"]
	_, hasNew := rl.visitors["new"]
	rl.mu.Unlock()
	if hasOld || !hasNew {
		t.Fatalf("eviction failed: old=%v new=%v", hasOld, hasNew)
	}
}

func TestRateLimiter_Handler_DenyAndReplayBypass(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := NewRateLimiter(1, 1, KeyByUserOrIP())
	before := testutil.ToFloat64(rateLimited)

	r := gin.New()
	r.Use(rl.Handler())
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })

	w1 := httptest.NewRecorder()
	r.ServeHTTP(w1, httptest.NewRequest(http.MethodGet, "/ok", nil))
	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, httptest.NewRequest(http.MethodGet, "/ok", nil))

	if w1.Code != http.StatusOK || w2.Code != http.StatusTooManyRequests {
		t.Fatalf("codes = %d, %d", w1.Code, w2.Code)
	}
	if w2.Header().Get("Retry-After") != "1" {
		t.Fatalf("missing Retry-After")
	}
	var body map[string]any
	_ = json.Unmarshal(w2.Body.Bytes(), &body)
	if body["code"] != "rate_limited" {
		t.Fatalf("body = %v", body)
	}
	if got := testutil.ToFloat64(rateLimited); got != before+1 {
		t.Fatalf("rate limited counter = %v; want %v", got, before+1)
	}

	rb := gin.New()
	rb.Use(func(c *gin.Context) { c.Set(ctxKeyRateBypass, true); c.Next() })
	rb.Use(rl.Handler())
	rb.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	w3 := httptest.NewRecorder()
	rb.ServeHTTP(w3, httptest.NewRequest(http.MethodGet, "/ok", nil))
	if w3.Code != http.StatusOK {
		t.Fatalf("replay should bypass the limiter, got %d", w3.Code)
	}
}
