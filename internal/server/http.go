package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/smallbiznis/valora-broker/internal/config"
)

// HTTPServer serves the broker's gin engine and drains in-flight
// requests on shutdown. Callback and exchange requests that are mid
// flight when the stop signal arrives get ShutdownTimeout to finish;
// anything slower is cut off.
type HTTPServer struct {
	engine          *gin.Engine
	logger          *zap.Logger
	addr            string
	shutdownTimeout time.Duration
}

// NewHTTPServer configures the engine for broker traffic. Login IPs
// recorded on token issuance come through proxy headers, so forwarded
// client IP resolution stays on.
func NewHTTPServer(cfg config.Config, router *gin.Engine, logger *zap.Logger) *HTTPServer {
	router.HandleMethodNotAllowed = true
	router.ForwardedByClientIP = true
	return &HTTPServer{
		engine:          router,
		logger:          logger,
		addr:            ":" + cfg.HTTPPort,
		shutdownTimeout: cfg.ShutdownTimeout,
	}
}

// Addr is the listen address the server was configured with.
func (s *HTTPServer) Addr() string { return s.addr }

// Run serves until ctx is cancelled, then drains.
func (s *HTTPServer) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log().Info("broker listening", zap.String("addr", s.addr))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen on %s: %w", s.addr, err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), s.drainTimeout())
		defer cancel()
		if err := srv.Shutdown(drainCtx); err != nil {
			return fmt.Errorf("drain broker server: %w", err)
		}
		s.log().Info("broker stopped", zap.String("addr", s.addr))
		return nil
	})

	return g.Wait()
}

func (s *HTTPServer) drainTimeout() time.Duration {
	if s.shutdownTimeout > 0 {
		return s.shutdownTimeout
	}
	return 15 * time.Second
}

func (s *HTTPServer) log() *zap.Logger {
	if s.logger != nil {
		return s.logger
	}
	return zap.L()
}
