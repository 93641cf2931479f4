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

	"github.com/ManuelReschke/CreditWallet/internal/pkg/billing"
	"github.com/ManuelReschke/CreditWallet/internal/pkg/cache"
	"github.com/ManuelReschke/CreditWallet/internal/pkg/metrics"
)

const (
	keyNamespace = "creditwallet:jobs:"

	PendingListKey = keyNamespace + "pending"  // LIST, pushed left, popped right
	ActiveListKey  = keyNamespace + "active"   // LIST of ids a worker has claimed
	DeferredSetKey = keyNamespace + "deferred" // ZSET of ids scored by their due time
	StatsKey       = keyNamespace + "stats"

	DefaultMaxAttempts  = 3
	DefaultRetryBackoff = time.Minute
	DefaultStuckAfter   = 10 * time.Minute
	RecordTTL           = 24 * time.Hour

	popTimeout       = time.Second
	promoteInterval  = time.Second
	recoveryInterval = time.Minute
	promoteBatch     = 100
)

// RecordKey is where the JSON record of a job lives.
func RecordKey(id string) string {
	return keyNamespace + "record:" + id
}

// promoteScript moves due ids from the deferred set back onto the pending list.
// Running it as one script keeps two instances from promoting the same id twice.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(due) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('LPUSH', KEYS[2], id)
end
return #due
`)

type handlerFunc func(ctx context.Context, job *Job) error

// Queue is a Redis backed job queue with at-least-once delivery. A claimed job
// sits in the active list until its handler returns; jobs whose worker died
// are put back by the recovery loop.
type Queue struct {
	client       *redis.Client
	workers      int
	retryBackoff time.Duration
	stuckAfter   time.Duration
	handlers     map[JobType]handlerFunc

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	depsMu   sync.RWMutex
	webhooks WebhookService
	archiver billing.PayloadArchiver
}

// NewQueue creates a queue on the shared cache client.
func NewQueue(workers int) *Queue {
	return NewQueueWithClient(cache.GetClient(), workers)
}

func NewQueueWithClient(client *redis.Client, workers int) *Queue {
	if workers <= 0 {
		workers = 3
	}
	q := &Queue{
		client:       client,
		workers:      workers,
		retryBackoff: DefaultRetryBackoff,
		stuckAfter:   DefaultStuckAfter,
	}
	q.handlers = map[JobType]handlerFunc{
		JobTypeWebhookReplay:  q.processWebhookReplayJob,
		JobTypeWebhookArchive: q.processWebhookArchiveJob,
	}
	return q
}

// SetRetryBackoff sets the delay after the first failure; later failures wait
// proportionally longer.
func (q *Queue) SetRetryBackoff(d time.Duration) {
	if d > 0 {
		q.retryBackoff = d
	}
}

func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.running = true
	log.Infof("[JobQueue] Starting %d workers", q.workers)

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.runWorker(ctx, i)
	}
	q.wg.Add(1)
	go q.runMaintenance(ctx)
}

// Stop signals the workers and waits for in-flight jobs to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	cancel := q.cancel
	q.mu.Unlock()

	log.Info("[JobQueue] Stopping workers...")
	cancel()
	q.wg.Wait()
	log.Info("[JobQueue] All workers stopped")
}

func (q *Queue) runWorker(ctx context.Context, n int) {
	defer q.wg.Done()
	log.Debugf("[JobQueue] Worker %d started", n)

	for ctx.Err() == nil {
		job, err := q.dequeueJob(ctx)
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			log.Errorf("[JobQueue] Worker %d: %v", n, err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		// A job that was claimed runs to the end even when Stop is called meanwhile.
		q.processJob(context.WithoutCancel(ctx), job)
	}
	log.Debugf("[JobQueue] Worker %d stopped", n)
}

// runMaintenance promotes due retries and rescues jobs stuck in the active list.
func (q *Queue) runMaintenance(ctx context.Context) {
	defer q.wg.Done()
	promote := time.NewTicker(promoteInterval)
	defer promote.Stop()
	rescue := time.NewTicker(recoveryInterval)
	defer rescue.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-promote.C:
			if _, err := q.promoteDue(ctx); err != nil && ctx.Err() == nil {
				log.Errorf("[JobQueue] Promoting deferred jobs failed: %v", err)
			}
		case <-rescue.C:
			if n, err := q.recoverStuck(ctx); err != nil {
				log.Errorf("[JobQueue] Stuck job recovery failed: %v", err)
			} else if n > 0 {
				log.Warnf("[JobQueue] Requeued %d stuck jobs", n)
			}
		}
	}
}

// EnqueueJob stores a new job record and appends its id to the pending list.
func (q *Queue) EnqueueJob(ctx context.Context, jobType JobType, payload any) (*Job, error) {
	job, err := newJob(uuid.NewString(), jobType, payload, DefaultMaxAttempts)
	if err != nil {
		return nil, err
	}
	record, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, RecordKey(job.ID), record, RecordTTL)
		pipe.LPush(ctx, PendingListKey, job.ID)
		pipe.HIncrBy(ctx, StatsKey, string(JobQueued), 1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue %s job: %w", jobType, err)
	}
	log.Infof("[JobQueue] Enqueued %s job %s", job.Type, job.ID)
	return job, nil
}

// dequeueJob claims the oldest pending id. It returns redis.Nil when nothing
// arrived within popTimeout.
func (q *Queue) dequeueJob(ctx context.Context) (*Job, error) {
	id, err := q.client.BLMove(ctx, PendingListKey, ActiveListKey, "RIGHT", "LEFT", popTimeout).Result()
	if err != nil {
		return nil, err
	}
	job, err := q.GetJob(ctx, id)
	if err != nil {
		q.client.LRem(ctx, ActiveListKey, 1, id)
		return nil, fmt.Errorf("claimed job %s has no usable record: %w", id, err)
	}
	return job, nil
}

func (q *Queue) processJob(ctx context.Context, job *Job) {
	job.begin(time.Now())
	q.saveJob(ctx, job)

	err := q.dispatch(ctx, job)
	now := time.Now()

	if err == nil {
		job.succeed(now)
		_, perr := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, RecordKey(job.ID))
			pipe.LRem(ctx, ActiveListKey, 1, job.ID)
			pipe.HIncrBy(ctx, StatsKey, string(JobDone), 1)
			return nil
		})
		if perr != nil {
			log.Errorf("[JobQueue] Finishing job %s: %v", job.ID, perr)
		}
		metrics.RecordJobFinished(string(job.Type), string(JobDone))
		log.Infof("[JobQueue] %s job %s done", job.Type, job.ID)
		return
	}

	job.fail(now, err)
	log.Errorf("[JobQueue] %s job %s failed (attempt %d/%d): %v", job.Type, job.ID, job.Attempts, job.MaxAttempts, err)

	if !job.CanRetry() {
		q.saveJob(ctx, job)
		q.client.LRem(ctx, ActiveListKey, 1, job.ID)
		q.client.HIncrBy(ctx, StatsKey, string(JobFailed), 1)
		metrics.RecordJobFinished(string(job.Type), string(JobFailed))
		return
	}

	job.postpone(now)
	due := now.Add(retryDelay(q.retryBackoff, job.Attempts))
	record, merr := json.Marshal(job)
	if merr != nil {
		log.Errorf("[JobQueue] Encoding job %s: %v", job.ID, merr)
		return
	}
	_, perr := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, RecordKey(job.ID), record, RecordTTL)
		pipe.ZAdd(ctx, DeferredSetKey, redis.Z{Score: float64(due.UnixMilli()), Member: job.ID})
		pipe.LRem(ctx, ActiveListKey, 1, job.ID)
		return nil
	})
	if perr != nil {
		log.Errorf("[JobQueue] Deferring job %s: %v", job.ID, perr)
	}
}

func (q *Queue) dispatch(ctx context.Context, job *Job) error {
	handle, ok := q.handlers[job.Type]
	if !ok {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	return handle(ctx, job)
}

// promoteDue moves deferred jobs whose backoff has elapsed back onto the pending list.
func (q *Queue) promoteDue(ctx context.Context) (int64, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	return promoteScript.Run(ctx, q.client, []string{DeferredSetKey, PendingListKey}, now, promoteBatch).Int64()
}

// recoverStuck requeues running jobs older than stuckAfter and drops active
// ids that no longer point at a running record.
func (q *Queue) recoverStuck(ctx context.Context) (int, error) {
	ids, err := q.client.LRange(ctx, ActiveListKey, 0, -1).Result()
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if err != nil || job.State != JobRunning {
			q.client.LRem(ctx, ActiveListKey, 1, id)
			continue
		}
		if age := time.Since(job.runningSince()); age <= q.stuckAfter {
			continue
		}

		job.State = JobQueued
		job.LastError = "requeued after worker stalled"
		job.UpdatedAt = time.Now()
		q.saveJob(ctx, job)
		// RPush puts it at the consuming end, ahead of newer work.
		_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, ActiveListKey, 1, id)
			pipe.RPush(ctx, PendingListKey, id)
			return nil
		})
		if err != nil {
			return requeued, err
		}
		requeued++
	}
	return requeued, nil
}

func (q *Queue) saveJob(ctx context.Context, job *Job) {
	record, err := json.Marshal(job)
	if err != nil {
		log.Errorf("[JobQueue] Encoding job %s: %v", job.ID, err)
		return
	}
	if err := q.client.Set(ctx, RecordKey(job.ID), record, RecordTTL).Err(); err != nil {
		log.Errorf("[JobQueue] Saving job %s: %v", job.ID, err)
	}
}

// GetJob loads a job record. Finished jobs are deleted, so they return redis.Nil.
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	raw, err := q.client.Get(ctx, RecordKey(id)).Bytes()
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

// GetJobStats returns the lifetime counters per state.
func (q *Queue) GetJobStats(ctx context.Context) (map[JobState]int64, error) {
	raw, err := q.client.HGetAll(ctx, StatsKey).Result()
	if err != nil {
		return nil, err
	}
	stats := make(map[JobState]int64, len(raw))
	for state, v := range raw {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			stats[JobState(state)] = n
		}
	}
	return stats, nil
}

func (q *Queue) GetQueueSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, PendingListKey).Result()
}

func (q *Queue) GetActiveSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, ActiveListKey).Result()
}

func (q *Queue) GetDeferredSize(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, DeferredSetKey).Result()
}
