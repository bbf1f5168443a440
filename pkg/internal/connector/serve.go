package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

const defaultShutdownTimeout = 5 * time.Second

// Serve runs an HTTP server on the given listener until the context is cancelled. It
// returns nil after a graceful shutdown, which waits for the active requests up to
// shutdownTimeout. Zero means a default timeout.
func Serve(ctx context.Context, name string, lis net.Listener, handler http.Handler, shutdownTimeout time.Duration) error {
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
	log := slog.With("component", "connector.Serve", "server", name, "addr", lis.Addr().String())
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// requests are cancelled with the server, so long-polls don't delay the shutdown
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	stopped := make(chan struct{})
	shutdown := make(chan struct{})
	go func() {
		defer close(shutdown)
		select {
		case <-ctx.Done():
		case <-stopped:
			return
		}
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(sctx); err != nil {
			log.Warn("error shutting down HTTP server", "error", err)
		}
	}()
	log.Info("starting HTTP server")
	err := server.Serve(lis)
	close(stopped)
	<-shutdown
	if errors.Is(err, http.ErrServerClosed) {
		log.Debug("HTTP server was closed")
		return nil
	}
	return fmt.Errorf("%s server: %w", name, err)
}

// ListenAndServe opens a TCP listener on addr and invokes Serve.
func ListenAndServe(ctx context.Context, name, addr string, handler http.Handler, shutdownTimeout time.Duration) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return Serve(ctx, name, lis, handler, shutdownTimeout)
}
