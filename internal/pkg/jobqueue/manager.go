package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/CreditWallet/internal/pkg/billing"
	"github.com/ManuelReschke/CreditWallet/internal/pkg/env"
	"github.com/ManuelReschke/CreditWallet/internal/pkg/metrics"
	"github.com/ManuelReschke/CreditWallet/internal/pkg/metrics/counter"
)

// Config holds the intervals of the background tasks.
type Config struct {
	Workers              int
	ReplayInterval       time.Duration
	ReplayMinAge         time.Duration
	ReplayMaxAttempts    int
	ReplayBatchSize      int
	CounterFlushInterval time.Duration
}

// ConfigFromEnv reads the JOBQUEUE_* settings.
func ConfigFromEnv() Config {
	return Config{
		Workers:              env.GetEnvInt("JOBQUEUE_WORKERS", 5),
		ReplayInterval:       env.GetEnvDuration("JOBQUEUE_REPLAY_INTERVAL", time.Minute),
		ReplayMinAge:         env.GetEnvDuration("JOBQUEUE_REPLAY_MIN_AGE", 2*time.Minute),
		ReplayMaxAttempts:    env.GetEnvInt("JOBQUEUE_REPLAY_MAX_ATTEMPTS", 10),
		ReplayBatchSize:      env.GetEnvInt("JOBQUEUE_REPLAY_BATCH", 100),
		CounterFlushInterval: env.GetEnvDuration("JOBQUEUE_COUNTER_FLUSH_INTERVAL", 5*time.Second),
	}
}

// Manager manages the global job queue and background tasks
type Manager struct {
	queue              *Queue
	cfg                Config
	replayTicker       *time.Ticker
	counterFlushTicker *time.Ticker
	stopCh             chan struct{}
	wg                 sync.WaitGroup
	mu                 sync.Mutex
	running            bool
}

var (
	globalManager *Manager
	managerOnce   sync.Once
)

// GetManager returns the global job queue manager (singleton)
func GetManager() *Manager {
	managerOnce.Do(func() {
		cfg := ConfigFromEnv()
		globalManager = NewManager(NewQueue(cfg.Workers), cfg)
	})
	return globalManager
}

// NewManager creates a manager around an existing queue
func NewManager(queue *Queue, cfg Config) *Manager {
	if cfg.ReplayInterval <= 0 {
		cfg.ReplayInterval = time.Minute
	}
	if cfg.ReplayMaxAttempts <= 0 {
		cfg.ReplayMaxAttempts = 10
	}
	if cfg.ReplayBatchSize <= 0 {
		cfg.ReplayBatchSize = 100
	}
	if cfg.CounterFlushInterval <= 0 {
		cfg.CounterFlushInterval = 5 * time.Second
	}
	return &Manager{
		queue:  queue,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// SetWebhookService wires the billing service into the queue workers
func (m *Manager) SetWebhookService(svc WebhookService, archiver billing.PayloadArchiver) {
	m.queue.SetWebhookService(svc, archiver)
}

// Start starts the job queue and background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and background tasks")

	m.queue.Start()

	m.replayTicker = time.NewTicker(m.cfg.ReplayInterval)
	m.wg.Add(1)
	go m.replayWorker(m.stopCh)

	// Counter flush worker (Redis -> DB)
	m.counterFlushTicker = time.NewTicker(m.cfg.CounterFlushInterval)
	m.wg.Add(1)
	go m.counterFlushWorker(m.stopCh)

	log.Info("[JobQueue Manager] Started successfully")
}

// Stop stops the job queue and background tasks
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")

	if m.replayTicker != nil {
		m.replayTicker.Stop()
	}
	if m.counterFlushTicker != nil {
		m.counterFlushTicker.Stop()
	}

	close(m.stopCh)
	m.running = false

	m.wg.Wait()

	m.queue.Stop()

	// Last flush so counters collected since the previous tick are not left behind.
	if err := m.flushCountersOnce(); err != nil {
		log.Errorf("[JobQueue Manager] Final counter flush error: %v", err)
	}

	log.Info("[JobQueue Manager] Stopped successfully")
}

// replayWorker periodically queues unsettled webhook deliveries for replay
func (m *Manager) replayWorker(stopCh <-chan struct{}) {
	defer m.wg.Done()
	log.Infof("[JobQueue Manager] Started replay worker (interval: %s)", m.cfg.ReplayInterval)

	for {
		select {
		case <-stopCh:
			log.Info("[JobQueue Manager] Replay worker stopping")
			return
		case <-m.replayTicker.C:
			ctx := context.Background()
			if _, err := m.RunReplaySweepOnce(ctx); err != nil {
				log.Errorf("[JobQueue Manager] Replay sweep error: %v", err)
			}
			m.updateQueueLength(ctx)
		}
	}
}

// counterFlushWorker periodically flushes in-memory counters from Redis to DB
func (m *Manager) counterFlushWorker(stopCh <-chan struct{}) {
	defer m.wg.Done()
	for {
		select {
		case <-stopCh:
			log.Info("[JobQueue Manager] Counter flush worker stopping")
			return
		case <-m.counterFlushTicker.C:
			if err := m.flushCountersOnce(); err != nil {
				log.Errorf("[JobQueue Manager] Counter flush error: %v", err)
			}
		}
	}
}

// RunReplaySweepOnce enqueues a replay job for every pending delivery and
// returns how many were queued. Exposed for the admin surface.
func (m *Manager) RunReplaySweepOnce(ctx context.Context) (int, error) {
	svc, _ := m.queue.webhookDeps()
	if svc == nil {
		return 0, errWebhooksNotConfigured
	}
	ids, err := svc.PendingReplays(ctx, m.cfg.ReplayMinAge, m.cfg.ReplayMaxAttempts, m.cfg.ReplayBatchSize)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, id := range ids {
		if _, err := m.queue.EnqueueWebhookReplay(ctx, id, "sweeper"); err != nil {
			return queued, err
		}
		queued++
	}
	if queued > 0 {
		log.Infof("[JobQueue Manager] Queued %d webhook deliveries for replay", queued)
	}
	return queued, nil
}

func (m *Manager) updateQueueLength(ctx context.Context) {
	size, err := m.queue.GetQueueSize(ctx)
	if err != nil {
		log.Debugf("[JobQueue Manager] Queue size unavailable: %v", err)
		return
	}
	metrics.JobQueueLength.Set(float64(size))
}

func (m *Manager) flushCountersOnce() error {
	// Flush Redis -> DB (batched CASE update)
	return counter.FlushAll()
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
