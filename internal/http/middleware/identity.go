package middleware

import (
	"crypto/subtle"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/serkancanberk/plaible/internal/auth"
)

// UserIDKey is the Gin context key holding the authenticated user id.
const UserIDKey = "userID"

// HeaderUserID carries the caller identity when no JWT secret is configured.
const HeaderUserID = "X-User-ID"

// HeaderAdminToken carries the shared admin token.
const HeaderAdminToken = "X-Admin-Token"

var userIDRE = regexp.MustCompile(`^[A-Za-z0-9._:@\-]{1,64}$`)

// IdentityOptions selects how the caller is identified.
type IdentityOptions struct {
	// JWTSecret enables Bearer tokens (subject = user id). When empty the
	// X-User-ID header is trusted, which is only suitable behind a gateway.
	JWTSecret string
}

// Identity resolves the caller, when present, and stores the user id under
// UserIDKey. It also enriches the request-scoped logger with user_id.
//
// A missing identity is not an error here; RequireUser enforces it per group.
// A present but invalid credential is rejected with 401.
func Identity(opts IdentityOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		var uid string
		if opts.JWTSecret != "" {
			if tok := bearerToken(c.Request); tok != "" {
				sub, err := auth.Parse(opts.JWTSecret, tok)
				if err != nil {
					abortJSON(c, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
					return
				}
				uid = sub
			}
		} else if h := strings.TrimSpace(c.GetHeader(HeaderUserID)); h != "" {
			if !userIDRE.MatchString(h) {
				abortJSON(c, http.StatusUnauthorized, "unauthorized", "invalid X-User-ID")
				return
			}
			uid = h
		}

		if uid != "" {
			c.Set(UserIDKey, uid)
			attachLogger(c, LoggerFrom(c).With().Str("user_id", uid).Logger())
		}
		c.Next()
	}
}

// RequireUser rejects requests that Identity could not attribute to a user.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := UserID(c); !ok {
			abortJSON(c, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		c.Next()
	}
}

// UserID returns the authenticated user id, if any.
func UserID(c *gin.Context) (string, bool) {
	s := asString(c.Value(UserIDKey))
	return s, s != ""
}

// AdminToken gates administrative routes behind a shared token compared in
// constant time. An empty configured token disables the routes (403).
func AdminToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			abortJSON(c, http.StatusForbidden, "forbidden", "admin api disabled")
			return
		}
		got := c.GetHeader(HeaderAdminToken)
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			abortJSON(c, http.StatusUnauthorized, "unauthorized", "invalid admin token")
			return
		}
		c.Next()
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func abortJSON(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"request_id": c.Writer.Header().Get(requestIDHeader),
		"code":       code,
		"message":    msg,
	})
}
