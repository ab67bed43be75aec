package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/valora-broker/internal/jwt"
)

const sessionClaimsKey = "sessionClaims"

// SessionCookie is the broker's first-party session cookie name.
const SessionCookie = "vb_session"

// Session validates the broker's own session token from the cookie or
// the Authorization header and attaches the claims.
type Session struct {
	JWT    *jwt.Generator
	Issuer string
}

// Require aborts the request unless a valid session is present.
func (m *Session) Require(c *gin.Context) {
	claims, ok := m.resolve(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session_required", "error_description": "Sign in to the platform first."})
		return
	}
	c.Set(sessionClaimsKey, claims)
	c.Next()
}

// Optional attaches claims when a session is present and passes through
// otherwise.
func (m *Session) Optional(c *gin.Context) {
	if claims, ok := m.resolve(c); ok {
		c.Set(sessionClaimsKey, claims)
	}
	c.Next()
}

func (m *Session) resolve(c *gin.Context) (*jwt.SessionClaims, bool) {
	token := ""
	if cookie, err := c.Cookie(SessionCookie); err == nil {
		token = cookie
	}
	if token == "" {
		header := c.GetHeader("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			token = strings.TrimSpace(parts[1])
		}
	}
	if token == "" {
		return nil, false
	}

	issuer := m.Issuer
	if issuer == "" {
		issuer = fmt.Sprintf("%s://%s", schemeOnly(c.Request), hostOnly(c.Request))
	}
	claims, err := m.JWT.ValidateSessionToken(c.Request.Context(), token, issuer)
	if err != nil {
		return nil, false
	}
	return claims, true
}

// GetSession exposes the authenticated session claims to handlers.
func GetSession(c *gin.Context) (*jwt.SessionClaims, bool) {
	value, ok := c.Get(sessionClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := value.(*jwt.SessionClaims)
	return claims, ok
}

func hostOnly(r *http.Request) string {
	host := r.Host
	if strings.Contains(host, ":") {
		if h, _, err := net.SplitHostPort(host); err == nil {
			return h
		}
	}
	return host
}

func schemeOnly(r *http.Request) string {
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		if r.TLS != nil {
			scheme = "https"
		} else {
			scheme = "http"
		}
	}
	return scheme
}
