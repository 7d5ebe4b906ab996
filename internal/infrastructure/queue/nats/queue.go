package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/evidence-rag/internal/core/domain"
	"github.com/kirillkom/evidence-rag/internal/core/ports"
	"github.com/kirillkom/evidence-rag/internal/infrastructure/resilience"
)

const workerGroup = "workers"

var _ ports.EvidenceRetriever = (*Queue)(nil)

// Subjects names the request/reply and the fire-and-forget indexing subjects.
type Subjects struct {
	Retrieve string
	Index    string
}

func DefaultSubjects() Subjects {
	return Subjects{Retrieve: "evidence.retrieve", Index: "evidence.index"}
}

// Queue is both the worker side of retrieval and, through Retrieve, a remote
// EvidenceRetriever for clients.
type Queue struct {
	conn           *nats.Conn
	subjects       Subjects
	executor       *resilience.Executor
	requestTimeout time.Duration
}

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	RequestTimeout       time.Duration
	ResilienceExecutor   *resilience.Executor
}

func NewWithOptions(url string, subjects Subjects, options Options) (*Queue, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	requestTimeout := options.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	def := DefaultSubjects()
	if subjects.Retrieve == "" {
		subjects.Retrieve = def.Retrieve
	}
	if subjects.Index == "" {
		subjects.Index = def.Index
	}

	conn, err := nats.Connect(
		url,
		nats.Name("evidence-rag"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Queue{
		conn:           conn,
		subjects:       subjects,
		executor:       options.ResilienceExecutor,
		requestTimeout: requestTimeout,
	}, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

// Retrieve sends a retrieval request to the worker pool and waits for the reply.
func (q *Queue) Retrieve(ctx context.Context, req domain.RetrieveRequest) (*domain.RetrievalOutcome, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal retrieve request: %w", err)
	}

	var reply *nats.Msg
	call := func(ctx context.Context) error {
		reqCtx := ctx
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, q.requestTimeout)
			defer cancel()
		}
		msg, err := q.conn.RequestWithContext(reqCtx, q.subjects.Retrieve, payload)
		if err != nil {
			return fmt.Errorf("nats request: %w", err)
		}
		reply = msg
		return nil
	}
	if err := q.execute(ctx, "nats.request", call); err != nil {
		return nil, err
	}
	return decodeReply(reply.Data)
}

// ServeRetrieve answers retrieval requests until ctx is cancelled, then
// drains the subscription.
func (q *Queue) ServeRetrieve(ctx context.Context, handler func(context.Context, domain.RetrieveRequest) (*domain.RetrievalOutcome, error)) error {
	sub, err := q.conn.QueueSubscribe(q.subjects.Retrieve, workerGroup, func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		handlerCtx, cancel := context.WithTimeout(ctx, q.requestTimeout)
		defer cancel()

		started := time.Now()
		var (
			req     domain.RetrieveRequest
			outcome *domain.RetrievalOutcome
			err     error
		)
		if err = json.Unmarshal(msg.Data, &req); err != nil {
			err = domain.WrapError(domain.ErrInvalidInput, "decode retrieve request", err)
		} else {
			outcome, err = handler(handlerCtx, req)
		}
		if err != nil {
			slog.Error("nats_retrieve_failed", "error", err, "duration_ms", time.Since(started).Milliseconds())
		}
		if respondErr := msg.Respond(encodeReply(outcome, err)); respondErr != nil {
			slog.Error("nats_respond_failed", "error", respondErr)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	return q.runUntilDone(ctx, sub)
}

// PublishDocument queues a document for background indexing.
func (q *Queue) PublishDocument(ctx context.Context, doc *domain.Document) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	return q.execute(ctx, "nats.publish", func(_ context.Context) error {
		if err := q.conn.Publish(q.subjects.Index, payload); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	})
}

func (q *Queue) SubscribeDocuments(ctx context.Context, handler func(context.Context, *domain.Document) error) error {
	sub, err := q.conn.QueueSubscribe(q.subjects.Index, workerGroup, func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		var doc domain.Document
		if err := json.Unmarshal(msg.Data, &doc); err != nil {
			slog.Error("nats_document_decode_failed", "error", err)
			return
		}
		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if err := handler(handlerCtx, &doc); err != nil {
			slog.Error("worker_index_failed", "document_id", doc.ID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	return q.runUntilDone(ctx, sub)
}

func (q *Queue) runUntilDone(ctx context.Context, sub *nats.Subscription) error {
	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

func (q *Queue) execute(ctx context.Context, operation string, call func(context.Context) error) error {
	var err error
	if q.executor != nil {
		err = q.executor.Execute(ctx, operation, call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	return wrapTemporaryIfNeeded(operation, err)
}
