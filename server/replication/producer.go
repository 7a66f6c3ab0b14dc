package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nguyentanjr/file-storage-based-aws/logger"
	"github.com/nguyentanjr/file-storage-based-aws/pkg/backupstatus"
	"github.com/nguyentanjr/file-storage-based-aws/pkg/metrics"
)

// Publisher is the write side of the job queue.
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
}

// Producer schedules backups for confirmed uploads.
type Producer struct {
	status         StatusStore
	queue          Publisher
	enabled        bool
	publishTimeout time.Duration
	now            func() time.Time

	mu     sync.RWMutex
	notify func()
}

// NewProducer creates a producer. A disabled producer turns Enqueue into a
// no-op. publishTimeout bounds each publish; zero means no extra bound.
func NewProducer(status StatusStore, queue Publisher, enabled bool, publishTimeout time.Duration) *Producer {
	return &Producer{
		status:         status,
		queue:          queue,
		enabled:        enabled,
		publishTimeout: publishTimeout,
		now:            time.Now,
	}
}

// OnPublished registers fn to run after each successful publish, typically
// a local Worker's NotifyQueued.
func (p *Producer) OnPublished(fn func()) {
	p.mu.Lock()
	p.notify = fn
	p.mu.Unlock()
}

func (p *Producer) Enabled() bool {
	return p.enabled
}

// Enqueue marks the resource PENDING and publishes a backup job for it. A
// failed PENDING write does not stop the publish.
//
// It never returns an error: the upload it follows is already stored, so a
// scheduling problem is recorded as FAILED on the resource instead of being
// surfaced to the caller.
func (p *Producer) Enqueue(ctx context.Context, resourceID int64, objectKey string, sizeBytes int64) {
	if !p.enabled {
		logger.Debug("Replication: backup disabled, not enqueueing", "resource_id", resourceID, "object_key", objectKey)
		metrics.BackupEnqueueTotal.WithLabelValues("disabled").Inc()
		return
	}

	job := NewJob(resourceID, objectKey, sizeBytes, p.now())
	if err := job.Validate(); err != nil {
		logger.Error("Replication: refusing to enqueue invalid job", "resource_id", resourceID, "object_key", objectKey, "error", err)
		metrics.BackupEnqueueTotal.WithLabelValues("invalid").Inc()
		return
	}

	if err := p.status.SetStatus(ctx, resourceID, backupstatus.Pending, nil); err != nil {
		if errors.Is(err, ErrResourceNotFound) {
			logger.Warn("Replication: resource vanished before enqueue", "resource_id", resourceID, "object_key", objectKey)
			metrics.BackupEnqueueTotal.WithLabelValues("not_found").Inc()
			return
		}
		// The worker may move a NONE record straight to PENDING_SYNC.
		logger.Error("Replication: failed to mark resource pending, publishing anyway", "resource_id", resourceID, "error", err)
	}

	if err := p.publish(ctx, job); err != nil {
		logger.Error("Replication: failed to publish backup job", "resource_id", resourceID, "object_key", objectKey, "error", err)
		metrics.BackupEnqueueTotal.WithLabelValues("failure").Inc()

		msg := fmt.Sprintf("failed to enqueue backup: %v", err)
		if serr := p.status.SetStatus(ctx, resourceID, backupstatus.Failed, &msg); serr != nil {
			logger.Error("Replication: failed to record enqueue failure", "resource_id", resourceID, "error", serr)
		}
		return
	}

	metrics.BackupEnqueueTotal.WithLabelValues("success").Inc()
	logger.Info("Replication: backup job enqueued", "resource_id", resourceID, "object_key", objectKey, "size", sizeBytes)

	p.mu.RLock()
	notify := p.notify
	p.mu.RUnlock()
	if notify != nil {
		notify()
	}
}

func (p *Producer) publish(ctx context.Context, job Job) error {
	body, err := job.Encode()
	if err != nil {
		return err
	}
	if p.publishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}
	return p.queue.Publish(ctx, body)
}
