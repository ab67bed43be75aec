package http

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/smallbiznis/valora-broker/internal/config"
	"github.com/smallbiznis/valora-broker/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/valora-broker/internal/http/middleware"
	"github.com/smallbiznis/valora-broker/internal/middleware"
)

// NewRouter wires Gin routes and middleware.
func NewRouter(cfg config.Config, broker *handler.BrokerHandler, session *httpmiddleware.Session, rateLimiter *middleware.RateLimiter) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(nil))
	if rateLimiter != nil {
		r.Use(rateLimiter.Handler())
	}
	r.Use(middleware.CORS(cfg))
	r.Use(otelgin.Middleware(cfg.ServiceName))

	r.GET("/authorize", broker.Authorize)

	authGroup := r.Group("/auth")
	{
		password := authGroup.Group("/password")
		{
			password.POST("/login", broker.PasswordLogin)
		}

		code := authGroup.Group("/code")
		{
			code.POST("/request", broker.CodeRequest)
			code.POST("/login", broker.CodeLogin)
		}
	}

	oauth := r.Group("/oauth")
	{
		oauth.GET("/:provider/authorize", broker.OAuthStart)
		oauth.GET("/:provider/callback", broker.OAuthCallback)
		oauth.GET("/:provider/bind", session.Require, broker.OAuthBindStart)
		oauth.DELETE("/:provider/bind", session.Require, broker.OAuthUnbind)
		oauth.POST("/bind/complete", session.Require, broker.OAuthBindComplete)
	}

	api := r.Group("/api")
	{
		api.POST("/exchange", broker.ExchangeToken)
		api.POST("/exchange/refresh", broker.RefreshToken)
		api.POST("/exchange/revoke", broker.RevokeToken)
		api.GET("/userinfo", broker.UserInfo)
		api.POST("/openid/update", broker.UpdateOpenID)
	}

	// Hosted login and bind pages are static files; all auth logic stays
	// on the API routes.
	attachUIRoutes(r, filepath.Join("ui", "dist"))

	return r
}

func attachUIRoutes(r *gin.Engine, distDir string) {
	indexPath := filepath.Join(distDir, "index.html")

	r.NoRoute(func(c *gin.Context) {
		path := c.Request.URL.Path
		if isAPIPath(path) {
			c.Status(http.StatusNotFound)
			return
		}

		if filePath, ok := safeJoin(distDir, path); ok {
			if info, err := os.Stat(filePath); err == nil && !info.IsDir() {
				c.File(filePath)
				return
			}
		}

		c.File(indexPath)
	})
}

func isAPIPath(path string) bool {
	return strings.HasPrefix(path, "/auth") ||
		strings.HasPrefix(path, "/oauth") ||
		strings.HasPrefix(path, "/api") ||
		strings.HasPrefix(path, "/authorize")
}

func safeJoin(baseDir, requestPath string) (string, bool) {
	trimmed := strings.TrimPrefix(requestPath, "/")
	cleaned := filepath.Clean(trimmed)
	if cleaned == "." {
		return filepath.Join(baseDir, cleaned), true
	}
	if strings.HasPrefix(cleaned, "..") {
		return "", false
	}
	return filepath.Join(baseDir, cleaned), true
}
