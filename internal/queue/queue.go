package queue

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/zibochat/engine/internal/observability"
)

// Task is one unit of deferred persistence work. Run must be idempotent;
// it may be retried after partial failures.
type Task struct {
	Key  string
	Kind string
	Run  func(ctx context.Context) error
}

// Config tunes the queue. Zero values pick safe defaults.
type Config struct {
	Workers       int
	Depth         int
	MaxRetries    uint64
	RetryInterval time.Duration
}

// Queue executes persistence tasks off the request path. Tasks for the
// same key hash to the same worker's FIFO channel, which preserves
// submission order per key; tasks for different keys are unordered
// relative to each other. Failed tasks are retried with exponential
// backoff and dropped to the dead-letter log once retries are exhausted.
type Queue struct {
	cfg     Config
	chans   []chan Task
	wg      conc.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	metrics *observability.Metrics
	log     zerolog.Logger
}

func New(cfg Config, metrics *observability.Metrics, logger zerolog.Logger) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Depth <= 0 {
		cfg.Depth = 256
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:     cfg,
		chans:   make([]chan Task, cfg.Workers),
		ctx:     ctx,
		cancel:  cancel,
		metrics: metrics,
		log:     logger,
	}
	for i := range q.chans {
		ch := make(chan Task, cfg.Depth)
		q.chans[i] = ch
		q.wg.Go(func() { q.worker(ch) })
	}
	return q
}

// Submit enqueues a task and returns immediately. When the worker buffer
// is full the task is dropped and dead-lettered rather than blocking the
// request path.
func (q *Queue) Submit(key, kind string, run func(ctx context.Context) error) {
	task := Task{Key: key, Kind: kind, Run: run}
	ch := q.chans[q.shard(key)]
	select {
	case ch <- task:
		q.metrics.QueueDepth.Inc()
	default:
		q.metrics.QueueTasks.WithLabelValues(kind, "dropped").Inc()
		q.log.Warn().Str("key", key).Str("kind", kind).Msg("queue full, task dropped")
	}
}

func (q *Queue) shard(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(q.chans)))
}

func (q *Queue) worker(ch chan Task) {
	for {
		select {
		case <-q.ctx.Done():
			return
		case task, ok := <-ch:
			if !ok {
				return
			}
			q.metrics.QueueDepth.Dec()
			q.execute(task)
		}
	}
}

func (q *Queue) execute(task Task) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = q.cfg.RetryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, q.cfg.MaxRetries), q.ctx)

	err := backoff.Retry(func() error {
		return task.Run(q.ctx)
	}, policy)
	if err != nil {
		// Accepted degradation: the conversation state may lag the true
		// exchange. Dead-letter and move on.
		q.metrics.QueueTasks.WithLabelValues(task.Kind, "failed").Inc()
		q.log.Error().Err(err).Str("key", task.Key).Str("kind", task.Kind).Msg("background task dead-lettered")
		return
	}
	q.metrics.QueueTasks.WithLabelValues(task.Kind, "ok").Inc()
}

// Close stops accepting work, cancels in-flight retries, and waits for
// the workers to exit.
func (q *Queue) Close() {
	q.cancel()
	q.wg.Wait()
}

// Drain waits until every buffered task has been picked up, then closes.
// Used on graceful shutdown so acknowledged turns still get committed.
func (q *Queue) Drain(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if q.pending() == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	q.Close()
}

// Pending reports how many tasks are buffered across all workers.
func (q *Queue) Pending() int {
	return q.pending()
}

func (q *Queue) pending() int {
	n := 0
	for _, ch := range q.chans {
		n += len(ch)
	}
	return n
}
