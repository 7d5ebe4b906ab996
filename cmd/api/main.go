package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/netutil"

	httpadapter "github.com/kirillkom/evidence-rag/internal/adapters/http"
	"github.com/kirillkom/evidence-rag/internal/bootstrap"
	"github.com/kirillkom/evidence-rag/internal/config"
	"github.com/kirillkom/evidence-rag/internal/observability/logging"
	"github.com/kirillkom/evidence-rag/internal/observability/metrics"
)

func main() {
	cfg := config.Load()
	slog.SetDefault(logging.NewJSONLogger("api", cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		log.Fatalf("bootstrap error: %v", err)
	}
	defer app.Close()

	router, err := httpadapter.NewRouter(cfg, app.Pipeline, metrics.NewHTTPServerMetrics("api"))
	if err != nil {
		log.Fatalf("router error: %v", err)
	}
	server := &http.Server{
		Handler:      router.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.APIRequestTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	listener, err := net.Listen("tcp", ":"+cfg.APIPort)
	if err != nil {
		log.Fatalf("api listen error: %v", err)
	}
	if cfg.APIMaxConnections > 0 {
		listener = netutil.LimitListener(listener, cfg.APIMaxConnections)
	}

	go func() {
		slog.Info("api_listening", "port", cfg.APIPort, "max_connections", cfg.APIMaxConnections)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("api server error: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("api_shutdown_failed", "error", err)
	}
}
