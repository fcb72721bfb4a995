package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestIdempotencyHelpers_Defaults(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	if k, ok := GetIdempotencyKey(c); k != "" || ok {
		t.Fatalf("expected no key")
	}
	if IsReplay(c) || IsRateBypass(c) {
		t.Fatalf("expected no replay by default")
	}
	c.Set(ctxKeyIdemKey, 123)
	if _, ok := GetIdempotencyKey(c); ok {
		t.Fatalf("non-string key must read as absent")
	}
	c.Set(ctxKeyIdemReplay, "yes")
	if IsReplay(c) {
		t.Fatalf("non-bool replay flag must read as false")
	}
}

func TestIdempotencyValidator_RejectsBadKeys(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := map[string]struct {
		opts IdempotencyOptions
		key  string
	}{
		"too long":      {IdempotencyOptions{MaxLen: 5}, "abcdef"},
		"pattern":       {IdempotencyOptions{Pattern: regexp.MustCompile(`^[0-9]+$`)}, "abc123"},
		"default chars": {IdempotencyOptions{}, "has space"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			r := gin.New()
			r.Use(IdempotencyValidator(tc.opts, nil))
			r.POST("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/x", nil)
			req.Header.Set(HeaderIdempotencyKey, tc.key)
			r.ServeHTTP(w, req)

			var body map[string]any
			_ = json.Unmarshal(w.Body.Bytes(), &body)
			if w.Code != http.StatusBadRequest || body["code"] != "bad_idempotency_key" {
				t.Fatalf("got %d %v", w.Code, body)
			}
		})
	}
}

func TestIdempotencyValidator_NoHeaderSkipsLookup(t *testing.T) {
	gin.SetMode(gin.TestMode)
	called := false
	r := gin.New()
	r.Use(IdempotencyValidator(IdempotencyOptions{}, func(context.Context, string, string, string, time.Time) (bool, error) {
		called = true
		return true, nil
	}))
	r.POST("/sessions/:id/turns", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/sessions/s1/turns", nil))
	if w.Code != http.StatusNoContent || called {
		t.Fatalf("code=%d lookupCalled=%v", w.Code, called)
	}
}

func TestIdempotencyValidator_LookupKeyedByUserAndSession(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("anonymous request stashes key without lookup", func(t *testing.T) {
		r := gin.New()
		r.Use(IdempotencyValidator(IdempotencyOptions{}, func(context.Context, string, string, string, time.Time) (bool, error) {
			t.Fatalf("lookup must not run without a user")
			return false, nil
		}))
		r.POST("/sessions/:id/turns", func(c *gin.Context) {
			if k, ok := GetIdempotencyKey(c); !ok || k != "k-1" || IsReplay(c) {
				t.Fatalf("unexpected state: key=%q replay=%v", k, IsReplay(c))
			}
			c.Status(http.StatusOK)
		})
		req := httptest.NewRequest(http.MethodPost, "/sessions/s1/turns", nil)
		req.Header.Set(HeaderIdempotencyKey, "k-1")
		r.ServeHTTP(httptest.NewRecorder(), req)
	})

	for _, hit := range []bool{false, true} {
		r := gin.New()
		r.Use(func(c *gin.Context) { c.Set(UserIDKey, "u9"); c.Next() })
		r.Use(IdempotencyValidator(IdempotencyOptions{}, func(_ context.Context, uid, sid, key string, now time.Time) (bool, error) {
			if uid != "u9" || sid != "s42" || key != "k-9" || now.IsZero() {
				t.Fatalf("lookup args: %q %q %q %v", uid, sid, key, now)
			}
			return hit, nil
		}))
		r.POST("/sessions/:id/turns", func(c *gin.Context) {
			if IsReplay(c) != hit || IsRateBypass(c) != hit {
				t.Fatalf("hit=%v but replay=%v bypass=%v", hit, IsReplay(c), IsRateBypass(c))
			}
			c.Status(http.StatusOK)
		})
		req := httptest.NewRequest(http.MethodPost, "/sessions/s42/turns", nil)
		req.Header.Set(HeaderIdempotencyKey, "k-9")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("hit=%v: code %d", hit, w.Code)
		}
	}
}
