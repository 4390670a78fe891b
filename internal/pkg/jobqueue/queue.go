package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/metrics"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/retry"
)

// Redis layout: job bodies live under JobKeyPrefix+id, ids move from
// JobQueueKey to JobProcessingKey while a worker holds them, and ids waiting
// for a retry sit in the JobDelayedKey sorted set scored by run time (ms).
const (
	JobKeyPrefix     = "job:"
	JobQueueKey      = "job_queue"
	JobProcessingKey = "job_processing"
	JobDelayedKey    = "job_delayed"
	JobStatsKey      = "job_stats"

	DefaultMaxRetries = retry.MaxAttempts
	JobTTL            = 24 * time.Hour

	defaultWorkers  = 3
	dequeueWait     = time.Second
	jobTimeout      = 2 * time.Minute
	retryBaseDelay  = 5 * time.Second
	retryMaxDelay   = 5 * time.Minute
	stuckAfter      = 10 * time.Minute
	stuckScanEvery  = time.Minute
	promoteInterval = time.Second
)

// Handler executes one job. Returning an error classified as non-retryable
// fails the job without further attempts.
type Handler func(ctx context.Context, job *Job) error

// Queue is a Redis backed job queue with classified retries.
type Queue struct {
	client   *redis.Client
	workers  int
	handlers map[JobType]Handler
	hmu      sync.RWMutex

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewQueue(client *redis.Client, workers int) *Queue {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Queue{
		client:   client,
		workers:  workers,
		handlers: make(map[JobType]Handler),
		stopCh:   make(chan struct{}),
	}
}

// RegisterHandler routes jobs of jobType to h.
func (q *Queue) RegisterHandler(jobType JobType, h Handler) {
	q.hmu.Lock()
	defer q.hmu.Unlock()
	q.handlers[jobType] = h
}

func (q *Queue) handler(jobType JobType) (Handler, bool) {
	q.hmu.RLock()
	defer q.hmu.RUnlock()
	h, ok := q.handlers[jobType]
	return h, ok
}

// Start launches the workers plus the stuck-job and delayed-job loops.
// Calling it on a running queue does nothing.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	q.running = true
	q.stopCh = make(chan struct{})

	log.Infof("[JobQueue] Starting %d workers", q.workers)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i, q.stopCh)
	}

	q.every("stuck sweeper", stuckScanEvery, func(ctx context.Context) {
		if n, err := q.RecoverStuck(ctx, stuckAfter); err != nil {
			log.Errorf("[JobQueue] Sweeper error: %v", err)
		} else if n > 0 {
			log.Warnf("[JobQueue] Recovered %d stuck jobs", n)
		}
	})
	q.every("delayed promoter", promoteInterval, func(ctx context.Context) {
		if _, err := q.PromoteDue(ctx, time.Now()); err != nil {
			log.Errorf("[JobQueue] Delayed promotion error: %v", err)
		}
	})
}

// Stop signals every goroutine and waits for in-flight jobs to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		return
	}
	log.Info("[JobQueue] Stopping workers...")
	close(q.stopCh)
	q.running = false
	q.wg.Wait()
	log.Info("[JobQueue] All workers stopped")
}

// every runs fn on a ticker until the queue stops. Must be called with q.mu held.
func (q *Queue) every(name string, interval time.Duration, fn func(ctx context.Context)) {
	stop := q.stopCh
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				log.Debugf("[JobQueue] %s stopping", name)
				return
			case <-ticker.C:
				fn(context.Background())
			}
		}
	}()
}

func (q *Queue) worker(id int, stop <-chan struct{}) {
	defer q.wg.Done()
	ctx := context.Background()
	for {
		select {
		case <-stop:
			log.Debugf("[JobQueue] Worker %d stopping", id)
			return
		default:
		}

		job, err := q.dequeueJob(ctx)
		switch {
		case errors.Is(err, redis.Nil):
			// BRPopLPush timed out on an empty queue.
		case err != nil:
			log.Errorf("[JobQueue] Worker %d dequeue failed: %v", id, err)
			time.Sleep(dequeueWait)
		default:
			q.processJob(ctx, job)
		}
	}
}

// RecoverStuck moves jobs that have been processing for longer than maxAge
// back to pending. Ids whose body expired or that are no longer processing
// are dropped from the processing list.
func (q *Queue) RecoverStuck(ctx context.Context, maxAge time.Duration) (int, error) {
	ids, err := q.client.LRange(ctx, JobProcessingKey, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	now := time.Now()
	recovered := 0
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if err != nil || job.Status != JobStatusProcessing {
			if err != nil && !errors.Is(err, redis.Nil) {
				log.Errorf("[JobQueue] Sweeper could not load %s: %v", id, err)
			}
			q.client.LRem(ctx, JobProcessingKey, 1, id)
			continue
		}

		started := job.UpdatedAt
		if job.ProcessedAt != nil && !job.ProcessedAt.IsZero() {
			started = *job.ProcessedAt
		}
		if age := now.Sub(started); age > maxAge {
			log.Warnf("[JobQueue] Recovering stuck job %s (%s) after %s", job.ID, job.Type, age)
			job.ErrorMsg = "recovered by sweeper"
			if q.requeueJob(ctx, job) == nil {
				recovered++
			}
		}
	}
	return recovered, nil
}

// PromoteDue pushes every delayed job due at or before now onto the pending
// list. ZRem decides ownership, so concurrent promoters never push a job twice.
func (q *Queue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, JobDelayedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	promoted := 0
	for _, id := range ids {
		if removed, err := q.client.ZRem(ctx, JobDelayedKey, id).Result(); err != nil || removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, JobQueueKey, id).Err(); err != nil {
			log.Errorf("[JobQueue] Failed to promote job %s: %v", id, err)
			continue
		}
		promoted++
	}
	return promoted, nil
}

// Schedule enqueues a job named eventName and returns its id, which callers
// keep as the correlation id of the dispatch.
func (q *Queue) Schedule(ctx context.Context, eventName string, payload map[string]interface{}) (string, error) {
	job, err := q.EnqueueJob(ctx, JobType(eventName), payload)
	if err != nil {
		return "", retry.NewNetworkError("enqueue "+eventName, err)
	}
	return job.ID, nil
}

// EnqueueJob stores a new pending job and pushes it onto the queue.
func (q *Queue) EnqueueJob(ctx context.Context, jobType JobType, payload map[string]interface{}) (*Job, error) {
	now := time.Now()
	job := &Job{
		ID:         uuid.NewString(),
		Type:       jobType,
		Status:     JobStatusPending,
		Payload:    payload,
		CreatedAt:  now,
		UpdatedAt:  now,
		MaxRetries: DefaultMaxRetries,
	}
	body, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, JobKeyPrefix+job.ID, body, JobTTL)
		pipe.LPush(ctx, JobQueueKey, job.ID)
		pipe.HIncrBy(ctx, JobStatsKey, string(JobStatusPending), 1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	metrics.JobsEnqueued.WithLabelValues(string(jobType)).Inc()
	log.Infof("[JobQueue] Enqueued job %s (%s)", job.ID, job.Type)
	return job, nil
}

// dequeueJob atomically moves the next id to the processing list and loads
// its body. It returns redis.Nil when the queue stayed empty.
func (q *Queue) dequeueJob(ctx context.Context) (*Job, error) {
	id, err := q.client.BRPopLPush(ctx, JobQueueKey, JobProcessingKey, dequeueWait).Result()
	if err != nil {
		return nil, err
	}
	job, err := q.GetJob(ctx, id)
	if err != nil {
		q.client.LRem(ctx, JobProcessingKey, 1, id)
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	return job, nil
}

// processJob runs the handler and records the outcome. A retryable failure
// with attempts left goes to the delayed set with exponential backoff.
func (q *Queue) processJob(ctx context.Context, job *Job) {
	job.MarkAsProcessing()
	q.saveJob(ctx, job)
	log.Infof("[JobQueue] Processing job %s (%s)", job.ID, job.Type)

	err := q.run(ctx, job)
	if err == nil {
		job.MarkAsCompleted()
		q.finish(ctx, job, func(pipe redis.Pipeliner) {
			pipe.Del(ctx, JobKeyPrefix+job.ID)
			pipe.HIncrBy(ctx, JobStatsKey, string(JobStatusCompleted), 1)
		})
		metrics.JobsFinished.WithLabelValues(string(job.Type), string(JobStatusCompleted)).Inc()
		log.Infof("[JobQueue] Job %s completed", job.ID)
		return
	}

	classified := retry.Classify(err)
	job.MarkAsFailed(err.Error())
	job.ErrorCode = string(classified.Code)

	if classified.Retryable && job.IsRetryable() {
		runAt := time.Now().Add(retry.Backoff(job.RetryCount-1, retryBaseDelay, retryMaxDelay))
		job.MarkAsRetrying(runAt)
		q.finish(ctx, job, func(pipe redis.Pipeliner) {
			pipe.ZAdd(ctx, JobDelayedKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: job.ID})
		})
		log.Warnf("[JobQueue] Job %s failed (%s), attempt %d/%d, next run %s: %v",
			job.ID, classified.Code, job.RetryCount, job.MaxRetries, runAt.Format(time.RFC3339), err)
		return
	}

	q.finish(ctx, job, func(pipe redis.Pipeliner) {
		pipe.HIncrBy(ctx, JobStatsKey, string(JobStatusFailed), 1)
	})
	metrics.JobsFinished.WithLabelValues(string(job.Type), string(JobStatusFailed)).Inc()
	log.Errorf("[JobQueue] Job %s failed permanently after %d attempts (%s): %v", job.ID, job.RetryCount, classified.Code, err)
}

func (q *Queue) run(ctx context.Context, job *Job) error {
	h, ok := q.handler(job.Type)
	if !ok {
		return retry.NewConfigurationError(fmt.Sprintf("unknown job type: %s", job.Type), nil)
	}
	jobCtx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()
	return h(jobCtx, job)
}

// finish stores the job body, releases it from the processing list and
// applies extra in a single transaction.
func (q *Queue) finish(ctx context.Context, job *Job, extra func(pipe redis.Pipeliner)) {
	body, err := json.Marshal(job)
	if err != nil {
		log.Errorf("[JobQueue] Failed to marshal job %s: %v", job.ID, err)
		return
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, JobKeyPrefix+job.ID, body, JobTTL)
		pipe.LRem(ctx, JobProcessingKey, 1, job.ID)
		extra(pipe)
		return nil
	})
	if err != nil {
		log.Errorf("[JobQueue] Failed to record outcome of job %s: %v", job.ID, err)
	}
}

func (q *Queue) saveJob(ctx context.Context, job *Job) {
	body, err := json.Marshal(job)
	if err != nil {
		log.Errorf("[JobQueue] Failed to marshal job %s: %v", job.ID, err)
		return
	}
	if err := q.client.Set(ctx, JobKeyPrefix+job.ID, body, JobTTL).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to save job %s: %v", job.ID, err)
	}
}

// requeueJob hands a job back to the pending list.
func (q *Queue) requeueJob(ctx context.Context, job *Job) error {
	job.Status = JobStatusPending
	job.UpdatedAt = time.Now()
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, JobKeyPrefix+job.ID, body, JobTTL)
		pipe.LRem(ctx, JobProcessingKey, 1, job.ID)
		pipe.RPush(ctx, JobQueueKey, job.ID)
		return nil
	})
	if err != nil {
		log.Errorf("[JobQueue] Failed to requeue job %s: %v", job.ID, err)
	}
	return err
}

// GetJob loads a job body. It returns redis.Nil once the job expired or
// completed.
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	raw, err := q.client.Get(ctx, JobKeyPrefix+jobID).Bytes()
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", jobID, err)
	}
	return &job, nil
}

// Stats is a point-in-time view of the queue's Redis structures.
type Stats struct {
	Pending    int64               `json:"pending"`
	Processing int64               `json:"processing"`
	Delayed    int64               `json:"delayed"`
	ByStatus   map[JobStatus]int64 `json:"by_status"`
}

// Stats reads list lengths and status counters in a single round trip.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	pending := pipe.LLen(ctx, JobQueueKey)
	processing := pipe.LLen(ctx, JobProcessingKey)
	delayed := pipe.ZCard(ctx, JobDelayedKey)
	counters := pipe.HGetAll(ctx, JobStatsKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, fmt.Errorf("read queue stats: %w", err)
	}

	st := Stats{
		Pending:    pending.Val(),
		Processing: processing.Val(),
		Delayed:    delayed.Val(),
		ByStatus:   make(map[JobStatus]int64, len(counters.Val())),
	}
	for status, raw := range counters.Val() {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			st.ByStatus[JobStatus(status)] = n
		}
	}
	return st, nil
}
