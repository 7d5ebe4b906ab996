package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	mcpadapter "github.com/kirillkom/evidence-rag/internal/adapters/mcp"
	"github.com/kirillkom/evidence-rag/internal/bootstrap"
	"github.com/kirillkom/evidence-rag/internal/config"
	"github.com/kirillkom/evidence-rag/internal/observability/logging"
	"github.com/kirillkom/evidence-rag/internal/observability/metrics"
)

func main() {
	cfg := config.Load()
	// stdout carries the stdio protocol, so logs go to stderr.
	logger := logging.NewJSONLogger("mcp", cfg.LogLevel)
	if cfg.MCPTransport == "stdio" {
		logger = logging.NewJSONLoggerTo(os.Stderr, "mcp", cfg.LogLevel)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		log.Fatalf("bootstrap error: %v", err)
	}
	defer app.Close()

	registry := prometheus.NewRegistry()
	srv := mcpadapter.NewServer(app.Pipeline, metrics.NewPipelineMetrics(registry))

	switch cfg.MCPTransport {
	case "stdio":
		if err := srv.ServeStdio(); err != nil {
			log.Fatalf("mcp stdio error: %v", err)
		}
	case "http":
		mux := http.NewServeMux()
		mux.Handle("/mcp", srv.HTTPHandler())
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		server := &http.Server{
			Addr:              ":" + cfg.MCPPort,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("mcp_listening", "port", cfg.MCPPort)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("mcp server error: %v", err)
			}
		}()
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("mcp_shutdown_failed", "error", err)
		}
	default:
		log.Fatalf("unknown MCP_TRANSPORT %q", cfg.MCPTransport)
	}
}
