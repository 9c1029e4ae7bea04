package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Runner processes one prescription. *Processor satisfies it.
type Runner interface {
	Process(ctx context.Context, id string, req Request) (*Outcome, error)
}

// Queue runs background extractions on a fixed set of workers. It backs the
// autoProcess flag of the upload endpoint.
type Queue struct {
	runner  Runner
	logger  zerolog.Logger
	workers int
	timeout time.Duration

	ch   chan string
	wg   sync.WaitGroup
	once sync.Once

	mu     sync.Mutex
	closed bool
}

type QueueOption func(*Queue)

func WithWorkers(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

func WithQueueSize(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.ch = make(chan string, n)
		}
	}
}

func WithProcessTimeout(d time.Duration) QueueOption {
	return func(q *Queue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

func NewQueue(runner Runner, logger zerolog.Logger, opts ...QueueOption) *Queue {
	q := &Queue{
		runner:  runner,
		logger:  logger.With().Str("component", "queue").Logger(),
		workers: 4,
		timeout: 5 * time.Minute,
		ch:      make(chan string, 256),
	}
	for _, o := range opts {
		o(q)
	}
	q.start()
	return q
}

func (q *Queue) start() {
	q.once.Do(func() {
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go func(workerID int) {
				defer q.wg.Done()
				for id := range q.ch {
					ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
					out, err := q.runner.Process(ctx, id, Request{})
					cancel()

					if err != nil {
						q.logger.Error().Err(err).Int("worker_id", workerID).Str("prescription_id", id).Msg("background processing failed")
						continue
					}
					q.logger.Info().Int("worker_id", workerID).Str("prescription_id", id).
						Str("status", string(out.ProcessingStatus)).Msg("background processing finished")
				}
			}(i + 1)
		}
	})
}

// Enqueue schedules id for processing. It reports false when the queue is
// full or shutting down; the prescription then stays pending.
func (q *Queue) Enqueue(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.logger.Warn().Str("prescription_id", id).Msg("cannot enqueue: queue is shutting down")
		return false
	}
	select {
	case q.ch <- id:
		return true
	default:
		q.logger.Warn().Str("prescription_id", id).Msg("queue full, leaving prescription pending")
		return false
	}
}

// Shutdown stops accepting work and waits for queued runs to drain or for
// ctx to expire.
func (q *Queue) Shutdown(ctx context.Context) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); q.wg.Wait() }()

	select {
	case <-ctx.Done():
		q.logger.Warn().Msg("shutdown interrupted by context")
	case <-done:
		q.logger.Info().Msg("queue drained")
	}
}
