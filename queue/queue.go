// Package queue implements the Job Queue tier: two named asynq queues —
// price-processing (single-price deferred fills) and batch-processing
// (historical backfills) — each with its own concurrency, retry backoff,
// and idempotent payloads.
//
// New package wrapping github.com/hibiken/asynq, the natural extension of
// the teacher's existing go-redis dependency into persistent background
// work. Start/stop skeleton grounded in the teacher's
// provider/healthpoller.go context-cancel shape.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

const (
	QueuePriceProcessing = "price-processing"
	QueueBatchProcessing = "batch-processing"

	TaskFetchPrice      = "price:fetch"
	TaskBatchHistorical = "batch:historical"
	TaskDiscoverToken   = "token:discover"

	// PriorityCurrent and PriorityHistorical set the payload priority
	// field; asynq's own queue-weight priority is coarser (queue-level),
	// so finer current-vs-historical ordering is carried in the payload
	// and consulted by the pipeline when it chooses how to enqueue.
	PriorityCurrent    = 10
	PriorityHistorical = 1
)

// FetchPricePayload is the price-processing queue's job payload.
type FetchPricePayload struct {
	Token     string     `json:"token"`
	Network   string     `json:"network"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Priority  int        `json:"priority"`
}

// BatchHistoricalPayload is the batch-processing queue's job payload.
type BatchHistoricalPayload struct {
	Token     string    `json:"token"`
	Network   string    `json:"network"`
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
	RequestID string    `json:"requestId"`
}

// DiscoverTokenPayload is the price-processing queue's best-effort
// TokenEntry discovery job payload, enqueued from the Resolution
// Pipeline's oracle-success tier when a token is seen for the first time
// (rather than resolving the creation date and metadata inline on the
// request path).
type DiscoverTokenPayload struct {
	Token   string `json:"token"`
	Network string `json:"network"`
}

// Config holds the Job Queue's tunables, sourced from config.Config.
type Config struct {
	RedisAddr               string
	ConcurrencyPriceProcess int
	ConcurrencyBatchProcess int
	MaxRetries              int
	RetryBaseDelay          time.Duration
}

// Queue owns the asynq client (enqueue side) and server (worker side).
type Queue struct {
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux
	cfg    Config
	log    zerolog.Logger
}

// New builds a Queue connected to the given Redis address. Call
// RegisterPriceHandler/RegisterBatchHandler before Start.
func New(cfg Config, log zerolog.Logger) *Queue {
	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr}

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.ConcurrencyPriceProcess + cfg.ConcurrencyBatchProcess,
		Queues: map[string]int{
			QueuePriceProcessing: cfg.ConcurrencyPriceProcess,
			QueueBatchProcessing: cfg.ConcurrencyBatchProcess,
		},
		RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
			return time.Duration(1<<uint(n)) * cfg.RetryBaseDelay
		},
	})

	return &Queue{
		client: asynq.NewClient(redisOpt),
		server: server,
		mux:    asynq.NewServeMux(),
		cfg:    cfg,
		log:    log.With().Str("component", "queue").Logger(),
	}
}

// EnqueueFetchPrice enqueues a deferred single-price fetch. Current-price
// jobs (no timestamp) get PriorityCurrent; historical jobs get
// PriorityHistorical.
func (q *Queue) EnqueueFetchPrice(ctx context.Context, p FetchPricePayload) (*asynq.TaskInfo, error) {
	if p.Timestamp == nil {
		p.Priority = PriorityCurrent
	} else {
		p.Priority = PriorityHistorical
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal fetch-price payload: %w", err)
	}
	task := asynq.NewTask(TaskFetchPrice, raw, asynq.MaxRetry(q.cfg.MaxRetries))
	return q.client.EnqueueContext(ctx, task, asynq.Queue(QueuePriceProcessing))
}

// EnqueueBatchHistorical enqueues a historical backfill spanning
// [start, end].
func (q *Queue) EnqueueBatchHistorical(ctx context.Context, p BatchHistoricalPayload) (*asynq.TaskInfo, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal batch-historical payload: %w", err)
	}
	task := asynq.NewTask(TaskBatchHistorical, raw, asynq.MaxRetry(q.cfg.MaxRetries))
	return q.client.EnqueueContext(ctx, task, asynq.Queue(QueueBatchProcessing))
}

// EnqueueDiscoverToken enqueues a best-effort TokenEntry discovery job on
// the price-processing queue, so a live request never blocks on the
// oracle's creation-date and metadata lookups.
func (q *Queue) EnqueueDiscoverToken(ctx context.Context, p DiscoverTokenPayload) (*asynq.TaskInfo, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal discover-token payload: %w", err)
	}
	task := asynq.NewTask(TaskDiscoverToken, raw, asynq.MaxRetry(q.cfg.MaxRetries))
	return q.client.EnqueueContext(ctx, task, asynq.Queue(QueuePriceProcessing))
}

// PriceHandlerFunc processes one price-processing job.
type PriceHandlerFunc func(ctx context.Context, p FetchPricePayload) error

// BatchHandlerFunc processes one batch-processing job.
type BatchHandlerFunc func(ctx context.Context, p BatchHistoricalPayload) error

// DiscoverTokenHandlerFunc processes one token-discovery job.
type DiscoverTokenHandlerFunc func(ctx context.Context, p DiscoverTokenPayload) error

// RegisterPriceHandler wires the price-processing worker.
func (q *Queue) RegisterPriceHandler(fn PriceHandlerFunc) {
	q.mux.HandleFunc(TaskFetchPrice, func(ctx context.Context, t *asynq.Task) error {
		var p FetchPricePayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("unmarshal fetch-price payload: %w", err)
		}
		return fn(ctx, p)
	})
}

// RegisterBatchHandler wires the batch-processing worker.
func (q *Queue) RegisterBatchHandler(fn BatchHandlerFunc) {
	q.mux.HandleFunc(TaskBatchHistorical, func(ctx context.Context, t *asynq.Task) error {
		var p BatchHistoricalPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("unmarshal batch-historical payload: %w", err)
		}
		return fn(ctx, p)
	})
}

// RegisterDiscoverTokenHandler wires the token-discovery worker.
func (q *Queue) RegisterDiscoverTokenHandler(fn DiscoverTokenHandlerFunc) {
	q.mux.HandleFunc(TaskDiscoverToken, func(ctx context.Context, t *asynq.Task) error {
		var p DiscoverTokenPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("unmarshal discover-token payload: %w", err)
		}
		return fn(ctx, p)
	})
}

// Start begins processing jobs in the background. Non-blocking.
func (q *Queue) Start() error {
	q.log.Info().
		Int("price_concurrency", q.cfg.ConcurrencyPriceProcess).
		Int("batch_concurrency", q.cfg.ConcurrencyBatchProcess).
		Msg("starting job queue workers")
	return q.server.Start(q.mux)
}

// Stop drains in-flight jobs and shuts the server down, then closes the
// enqueue-side client.
func (q *Queue) Stop() {
	q.server.Shutdown()
	if err := q.client.Close(); err != nil {
		q.log.Warn().Err(err).Msg("error closing queue client")
	}
	q.log.Info().Msg("job queue stopped")
}

// Inspector exposes read-only queue introspection for the service surface's
// GET /api/queue/status endpoint.
type Inspector struct {
	insp *asynq.Inspector
}

// NewInspector builds an Inspector over the same Redis instance as Queue.
func NewInspector(redisAddr string) *Inspector {
	return &Inspector{insp: asynq.NewInspector(asynq.RedisClientOpt{Addr: redisAddr})}
}

// JobCounts mirrors the service surface's {priceQueue, batchQueue} shape.
type JobCounts struct {
	Active    int `json:"active"`
	Pending   int `json:"pending"`
	Scheduled int `json:"scheduled"`
	Retry     int `json:"retry"`
	Archived  int `json:"archived"`
	Completed int `json:"completed"`
}

// Status returns job counts for the given queue.
func (i *Inspector) Status(queue string) (JobCounts, error) {
	info, err := i.insp.GetQueueInfo(queue)
	if err != nil {
		return JobCounts{}, fmt.Errorf("get queue info %q: %w", queue, err)
	}
	return JobCounts{
		Active:    info.Active,
		Pending:   info.Pending,
		Scheduled: info.Scheduled,
		Retry:     info.Retry,
		Archived:  info.Archived,
		Completed: info.Completed,
	}, nil
}

// Close releases the inspector's Redis connection.
func (i *Inspector) Close() error {
	return i.insp.Close()
}
