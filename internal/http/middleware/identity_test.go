package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/serkancanberk/plaible/internal/auth"
)

func identityRouter(opts IdentityOptions) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Identity(opts))
	r.GET("/open", func(c *gin.Context) {
		uid, _ := UserID(c)
		c.String(http.StatusOK, uid)
	})
	r.GET("/closed", RequireUser(), func(c *gin.Context) {
		uid, _ := UserID(c)
		c.String(http.StatusOK, uid)
	})
	return r
}

func do(r http.Handler, path string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestIdentity_HeaderMode(t *testing.T) {
	r := identityRouter(IdentityOptions{})

	if w := do(r, "/closed", map[string]string{HeaderUserID: "u1"}); w.Code != http.StatusOK || w.Body.String() != "u1" {
		t.Fatalf("header identity: %d %q", w.Code, w.Body.String())
	}
	if w := do(r, "/open", nil); w.Code != http.StatusOK || w.Body.String() != "" {
		t.Fatalf("anonymous open route: %d %q", w.Code, w.Body.String())
	}
	if w := do(r, "/closed", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous closed route should be 401, got %d", w.Code)
	}
	if w := do(r, "/open", map[string]string{HeaderUserID: "bad id!"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("malformed user id should be 401, got %d", w.Code)
	}
}

func TestIdentity_JWTMode(t *testing.T) {
	const secret = "s3cret"
	r := identityRouter(IdentityOptions{JWTSecret: secret})

	tok, err := auth.Issue(secret, "u7", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if w := do(r, "/closed", map[string]string{"Authorization": "Bearer " + tok}); w.Code != http.StatusOK || w.Body.String() != "u7" {
		t.Fatalf("bearer identity: %d %q", w.Code, w.Body.String())
	}
	if w := do(r, "/closed", map[string]string{"Authorization": "Bearer nope"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("bad token should be 401, got %d", w.Code)
	}
	// The header is ignored once tokens are required.
	if w := do(r, "/closed", map[string]string{HeaderUserID: "u1"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("X-User-ID must not authenticate in JWT mode, got %d", w.Code)
	}
}

func TestAdminToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	build := func(tok string) *gin.Engine {
		r := gin.New()
		r.GET("/admin", AdminToken(tok), func(c *gin.Context) { c.Status(http.StatusNoContent) })
		return r
	}

	if w := do(build(""), "/admin", map[string]string{HeaderAdminToken: ""}); w.Code != http.StatusForbidden {
		t.Fatalf("disabled admin should be 403, got %d", w.Code)
	}
	if w := do(build("adm"), "/admin", map[string]string{HeaderAdminToken: "wrong"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token should be 401, got %d", w.Code)
	}
	if w := do(build("adm"), "/admin", map[string]string{HeaderAdminToken: "adm"}); w.Code != http.StatusNoContent {
		t.Fatalf("valid token should pass, got %d", w.Code)
	}
}
