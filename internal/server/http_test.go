package server_test

import (
	"context"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-broker/internal/config"
	"github.com/smallbiznis/valora-broker/internal/server"
)

func TestNewHTTPServerConfiguresEngine(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()

	srv := server.NewHTTPServer(config.Config{HTTPPort: "8081", ShutdownTimeout: time.Second}, router, zap.NewNop())

	require.Equal(t, ":8081", srv.Addr())
	require.True(t, router.HandleMethodNotAllowed)
	require.True(t, router.ForwardedByClientIP)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()

	srv := server.NewHTTPServer(config.Config{HTTPPort: "0", ShutdownTimeout: time.Second}, router, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not drain after cancellation")
	}
}
