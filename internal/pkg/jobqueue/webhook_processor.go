package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/CreditWallet/internal/pkg/billing"
	"github.com/ManuelReschke/CreditWallet/internal/pkg/cache"
)

// ReplayLeaseTTL bounds how long one worker may hold a delivery for replay.
const ReplayLeaseTTL = 2 * time.Minute

// WebhookService is what the workers need from the billing service.
type WebhookService interface {
	ReplayWebhookEvent(ctx context.Context, webhookEventID uint) (billing.Outcome, error)
	ArchiveWebhookEvent(ctx context.Context, webhookEventID uint, archiver billing.PayloadArchiver) error
	PendingReplays(ctx context.Context, minAge time.Duration, maxAttempts, limit int) ([]uint, error)
}

var errWebhooksNotConfigured = errors.New("webhook service not configured")

// SetWebhookService wires the billing service and an optional payload archiver.
func (q *Queue) SetWebhookService(svc WebhookService, archiver billing.PayloadArchiver) {
	q.depsMu.Lock()
	defer q.depsMu.Unlock()
	q.webhooks = svc
	q.archiver = archiver
}

func (q *Queue) webhookDeps() (WebhookService, billing.PayloadArchiver) {
	q.depsMu.RLock()
	defer q.depsMu.RUnlock()
	return q.webhooks, q.archiver
}

// ArchivingEnabled reports whether archive jobs have somewhere to write.
func (q *Queue) ArchivingEnabled() bool {
	_, archiver := q.webhookDeps()
	return archiver != nil
}

// EnqueueWebhookReplay queues another processing attempt of a stored delivery.
func (q *Queue) EnqueueWebhookReplay(ctx context.Context, webhookEventID uint, reason string) (*Job, error) {
	if webhookEventID == 0 {
		return nil, fmt.Errorf("webhook_event_id is required")
	}
	return q.EnqueueJob(ctx, JobTypeWebhookReplay, WebhookJobPayload{WebhookEventID: webhookEventID, Reason: reason})
}

// EnqueueWebhookArchive queues the upload of a stored payload. It is a no-op
// when no archiver is configured.
func (q *Queue) EnqueueWebhookArchive(ctx context.Context, webhookEventID uint) (*Job, error) {
	if !q.ArchivingEnabled() {
		return nil, nil
	}
	return q.EnqueueJob(ctx, JobTypeWebhookArchive, WebhookJobPayload{WebhookEventID: webhookEventID})
}

// ReplayScheduler adapts the queue to billing.WithReplayScheduler.
func (q *Queue) ReplayScheduler() billing.ReplayScheduler {
	return func(ctx context.Context, webhookEventID uint) error {
		_, err := q.EnqueueWebhookReplay(ctx, webhookEventID, "delivery_failed")
		return err
	}
}

// ArchiveScheduler adapts the queue to billing.WithArchiveScheduler.
func (q *Queue) ArchiveScheduler() billing.ReplayScheduler {
	return func(ctx context.Context, webhookEventID uint) error {
		_, err := q.EnqueueWebhookArchive(ctx, webhookEventID)
		return err
	}
}

func replayLeaseKey(webhookEventID uint) string {
	return fmt.Sprintf("lease:webhook_replay:%d", webhookEventID)
}

// processWebhookReplayJob re-applies a stored delivery while holding its lease,
// so a redelivery from the provider and a worker never run the same event side by side.
func (q *Queue) processWebhookReplayJob(ctx context.Context, job *Job) error {
	svc, _ := q.webhookDeps()
	if svc == nil {
		return errWebhooksNotConfigured
	}
	payload, err := job.WebhookPayload()
	if err != nil {
		return err
	}

	lease, err := cache.AcquireLease(ctx, q.client, replayLeaseKey(payload.WebhookEventID), ReplayLeaseTTL)
	if errors.Is(err, cache.ErrLeaseHeld) {
		log.Infof("[JobQueue] Webhook event %d is being replayed elsewhere, skipping", payload.WebhookEventID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to acquire replay lease: %w", err)
	}
	defer func() {
		if rerr := lease.Release(ctx); rerr != nil {
			log.Warnf("[JobQueue] Failed to release lease %s: %v", lease.Key(), rerr)
		}
	}()

	outcome, err := svc.ReplayWebhookEvent(ctx, payload.WebhookEventID)
	if err != nil {
		if errors.Is(err, billing.ErrSignatureInvalid) || errors.Is(err, billing.ErrInvalidPayload) {
			// Retrying cannot fix these.
			log.Errorf("[JobQueue] Webhook event %d cannot be replayed: %v", payload.WebhookEventID, err)
			return nil
		}
		return err
	}
	log.Infof("[JobQueue] Replayed webhook event %d (outcome=%s, reason=%s)", payload.WebhookEventID, outcome, payload.Reason)
	return nil
}

func (q *Queue) processWebhookArchiveJob(ctx context.Context, job *Job) error {
	svc, archiver := q.webhookDeps()
	if svc == nil {
		return errWebhooksNotConfigured
	}
	if archiver == nil {
		log.Debugf("[JobQueue] Archiving disabled, dropping job %s", job.ID)
		return nil
	}
	payload, err := job.WebhookPayload()
	if err != nil {
		return err
	}
	return svc.ArchiveWebhookEvent(ctx, payload.WebhookEventID, archiver)
}
