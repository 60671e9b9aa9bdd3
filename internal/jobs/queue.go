// Package jobs provides a Redis-backed background job queue. The broker
// uses it for fire-and-forget work such as mark-read updates: the caller
// returns as soon as the job is enqueued, and a worker loop drains the
// queue, retrying failed jobs a bounded number of times.
//
// Jobs live in a Redis list:
//
//	Key:   jobs:chat
//	Value: JSON-encoded Job, LPUSH to enqueue, BRPOP to claim
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/parlor/chat-core/internal/metrics"
)

// QueueKey is the Redis list holding pending jobs.
const QueueKey = "jobs:chat"

// Job kinds.
const (
	KindMarkRead = "mark_read"
)

// MaxAttempts is the number of times a failing job is retried before it is
// dropped with a log line.
const MaxAttempts = 5

// Job is one unit of background work.
type Job struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	Room     string `json:"room"`
	Attempts int    `json:"attempts"`
}

// Queue enqueues jobs onto Redis.
type Queue struct {
	client *redis.Client
}

// NewQueue creates a queue backed by the given Redis client.
func NewQueue(client *redis.Client) *Queue {
	return &Queue{client: client}
}

// EnqueueMarkRead schedules a mark-read update for a room. It returns as
// soon as the job is on the queue; completion is the worker's business.
func (q *Queue) EnqueueMarkRead(ctx context.Context, room string) error {
	return q.enqueue(ctx, Job{
		ID:   uuid.New().String(),
		Kind: KindMarkRead,
		Room: room,
	})
}

func (q *Queue) enqueue(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("jobs: marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, QueueKey, data).Err(); err != nil {
		return fmt.Errorf("jobs: enqueue: %w", err)
	}
	return nil
}

// Handler executes one job. Returning an error requeues the job until
// MaxAttempts is reached.
type Handler func(ctx context.Context, job Job) error

// Worker drains the queue in a loop.
type Worker struct {
	client  *redis.Client
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewWorker creates a worker. Call Start to begin processing.
func NewWorker(client *redis.Client, handler Handler) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		client:  client,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Start runs the drain loop in a goroutine.
func (w *Worker) Start() {
	go w.loop()
	log.Println("[jobs] worker started")
}

// Stop terminates the loop and waits for the in-flight job to finish.
func (w *Worker) Stop() {
	w.cancel()
	<-w.done
	log.Println("[jobs] worker stopped")
}

func (w *Worker) loop() {
	defer close(w.done)

	for {
		if w.ctx.Err() != nil {
			return
		}

		// Short timeout so shutdown is responsive.
		result, err := w.client.BRPop(w.ctx, 2*time.Second, QueueKey).Result()
		if errors.Is(err, redis.Nil) {
			continue // queue empty
		}
		if err != nil {
			if w.ctx.Err() != nil {
				return
			}
			log.Printf("[jobs] brpop: %v", err)
			time.Sleep(time.Second)
			continue
		}

		// BRPop returns [key, value].
		if len(result) != 2 {
			continue
		}
		w.process([]byte(result[1]))
	}
}

func (w *Worker) process(data []byte) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		log.Printf("[jobs] invalid job payload: %v", err)
		return
	}

	if err := w.handler(w.ctx, job); err != nil {
		job.Attempts++
		if job.Attempts >= MaxAttempts {
			log.Printf("[jobs] dropping job id=%s kind=%s room=%s after %d attempts: %v",
				job.ID, job.Kind, job.Room, job.Attempts, err)
			metrics.JobsProcessedTotal.WithLabelValues(job.Kind, "dropped").Inc()
			return
		}

		log.Printf("[jobs] job id=%s kind=%s room=%s failed (attempt %d): %v",
			job.ID, job.Kind, job.Room, job.Attempts, err)
		metrics.JobsProcessedTotal.WithLabelValues(job.Kind, "error").Inc()

		// Requeue at the back of the list.
		requeued, merr := json.Marshal(job)
		if merr != nil {
			log.Printf("[jobs] requeue marshal id=%s: %v", job.ID, merr)
			return
		}
		if err := w.client.LPush(w.ctx, QueueKey, requeued).Err(); err != nil {
			log.Printf("[jobs] requeue id=%s: %v", job.ID, err)
		}
		return
	}

	metrics.JobsProcessedTotal.WithLabelValues(job.Kind, "ok").Inc()
}
