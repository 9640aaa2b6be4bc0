package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

// SSEConfig holds the listen address for SSE mode.
type SSEConfig struct {
	Host string
	Port string
}

// ServeStdio runs the server over stdin/stdout until the client disconnects.
// Nothing else may write to stdout while this runs; all logging goes to
// stderr.
func ServeStdio(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

// ServeSSE runs the server over HTTP/SSE until ctx is cancelled, then shuts
// both the SSE layer and the HTTP listener down with a bounded timeout.
func ServeSSE(ctx context.Context, s *server.MCPServer, cfg SSEConfig, logger *zap.Logger) error {
	addr := fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)

	sseServer := server.NewSSEServer(s,
		server.WithBaseURL(fmt.Sprintf("http://%s", addr)),
		server.WithStaticBasePath("/mcp"),
		server.WithKeepAlive(true),
	)

	httpServer := &http.Server{
		Addr:    addr,
		Handler: sseServer,
	}

	logger.Info("sse server listening",
		zap.String("addr", addr),
		zap.String("endpoint", fmt.Sprintf("http://%s/mcp/sse", addr)))

	errChan := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("sse server error: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sseServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("sse shutdown", zap.Error(err))
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
		return nil
	}
}
