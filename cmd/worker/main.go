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

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/evidence-rag/internal/bootstrap"
	"github.com/kirillkom/evidence-rag/internal/config"
	"github.com/kirillkom/evidence-rag/internal/core/domain"
	"github.com/kirillkom/evidence-rag/internal/observability/logging"
	"github.com/kirillkom/evidence-rag/internal/observability/metrics"
)

const serviceName = "worker"

func main() {
	cfg := config.Load()
	slog.SetDefault(logging.NewJSONLogger(serviceName, cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		log.Fatalf("bootstrap error: %v", err)
	}
	defer app.Close()

	queue, err := app.Queue()
	if err != nil {
		log.Fatalf("queue error: %v", err)
	}

	workerMetrics := metrics.NewWorkerMetrics(serviceName)
	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           workerMetrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("worker_metrics_server_failed", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("worker_serving_retrieval", "subject", cfg.NATSRetrieveSubject)
		return queue.ServeRetrieve(gctx, func(handlerCtx context.Context, req domain.RetrieveRequest) (*domain.RetrievalOutcome, error) {
			retrieveCtx, cancel := context.WithTimeout(handlerCtx, cfg.NATSRequestTimeout)
			defer cancel()

			start := time.Now()
			outcome, err := app.Pipeline.Retrieve(retrieveCtx, req)
			workerMetrics.RecordRetrieval(serviceName, outcome, time.Since(start), err)
			return outcome, err
		})
	})
	g.Go(func() error {
		slog.Info("worker_subscribed", "subject", cfg.NATSIndexSubject)
		return queue.SubscribeDocuments(gctx, func(handlerCtx context.Context, doc *domain.Document) error {
			processCtx, cancel := context.WithTimeout(handlerCtx, 5*time.Minute)
			defer cancel()

			if !doc.CreatedAt.IsZero() {
				workerMetrics.ObserveQueueLag(serviceName, time.Since(doc.CreatedAt))
			}
			workerMetrics.StartDocument()
			start := time.Now()
			chunks, err := app.Indexer.IndexDocument(processCtx, doc)
			workerMetrics.FinishDocument(serviceName, chunks, time.Since(start), err)
			if err != nil {
				slog.Error("document_index_failed", "document_id", doc.ID, "error", err)
				return err
			}
			slog.Info("document_indexed", "document_id", doc.ID, "chunks", chunks)
			return nil
		})
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("worker_stopped", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
}
