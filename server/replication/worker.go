package replication

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"lukechampine.com/blake3"

	"github.com/nguyentanjr/file-storage-based-aws/config"
	"github.com/nguyentanjr/file-storage-based-aws/logger"
	"github.com/nguyentanjr/file-storage-based-aws/pkg/backupstatus"
	"github.com/nguyentanjr/file-storage-based-aws/pkg/metrics"
	"github.com/nguyentanjr/file-storage-based-aws/pkg/retry"
	"github.com/nguyentanjr/file-storage-based-aws/server/jobqueue"
	"github.com/nguyentanjr/file-storage-based-aws/storage"
)

// ErrSourceMissing means the object is not in primary storage. Retrying
// cannot help, so the job fails at once.
var ErrSourceMissing = errors.New("source object not found in primary storage")

// finalWriteTimeout bounds status writes made after the worker context is
// cancelled.
const finalWriteTimeout = 5 * time.Second

// SourceStore is the primary object store.
type SourceStore interface {
	Stat(ctx context.Context, key string) (storage.ObjectInfo, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// TargetStore is the secondary (backup) object store.
type TargetStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
}

// JobQueue is the consuming side of the job queue.
type JobQueue interface {
	Receive(ctx context.Context) (*jobqueue.Delivery, error)
	Ack(ctx context.Context, d *jobqueue.Delivery) error
	Release(ctx context.Context, d *jobqueue.Delivery) error
	RequeueExpired(ctx context.Context) (int, error)
}

// WorkerOptions tune a Worker. Zero values take the defaults.
type WorkerOptions struct {
	// Mode is config.BackupModeCopy or config.BackupModeHandoff.
	Mode         string
	Policy       retry.Policy
	Concurrency  int
	PollInterval time.Duration
	ReapInterval time.Duration
	Emitter      metrics.Emitter
}

// Worker consumes backup jobs and replicates objects.
//
// Up to Concurrency jobs run at once. The queue is drained on every poll
// tick and whenever NotifyQueued is called. A separate loop hands expired
// leases back to the queue so jobs held by a crashed worker are redelivered.
type Worker struct {
	queue   JobQueue
	status  StatusStore
	source  SourceStore
	target  TargetStore
	emitter metrics.Emitter
	policy  retry.Policy
	mode    string

	concurrency  int
	pollInterval time.Duration
	reapInterval time.Duration
	now          func() time.Time

	notifyCh chan struct{}
	stopCh   chan struct{}
	errCh    chan<- error
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

// NewWorker creates a worker. errCh receives queue errors and may be nil.
func NewWorker(queue JobQueue, status StatusStore, source SourceStore, target TargetStore, opts WorkerOptions, errCh chan<- error) *Worker {
	if opts.Mode == "" {
		opts.Mode = config.BackupModeCopy
	}
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy.MaxAttempts = retry.DefaultMaxAttempts
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = 30 * time.Second
	}
	if opts.Emitter == nil {
		opts.Emitter = metrics.NopEmitter{}
	}

	return &Worker{
		queue:        queue,
		status:       status,
		source:       source,
		target:       target,
		emitter:      opts.Emitter,
		policy:       opts.Policy,
		mode:         opts.Mode,
		concurrency:  opts.Concurrency,
		pollInterval: opts.PollInterval,
		reapInterval: opts.ReapInterval,
		now:          time.Now,
		notifyCh:     make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		errCh:        errCh,
	}
}

// Start launches the consume and reap loops. Calling it on a running worker
// is a no-op.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	w.wg.Add(2)
	go w.run(ctx)
	go w.reap(ctx)

	logger.Info("Replication: worker started", "mode", w.mode, "concurrency", w.concurrency,
		"max_attempts", w.policy.MaxAttempts, "backoff", w.policy.Backoff)
	return nil
}

// Stop cancels in-flight jobs and waits for the loops to exit. A job
// interrupted while waiting to retry is recorded as FAILED.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	w.mu.Unlock()

	close(w.stopCh)
	cancel()
	w.wg.Wait()

	logger.Info("Replication: worker stopped")
}

// NotifyQueued wakes the worker without waiting for the next poll.
func (w *Worker) NotifyQueued() {
	select {
	case w.notifyCh <- struct{}{}:
	default:
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.drain(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.drain(ctx)
		case <-w.notifyCh:
			w.drain(ctx)
		}
	}
}

func (w *Worker) reap(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			n, err := w.queue.RequeueExpired(ctx)
			if err != nil {
				w.reportError(fmt.Errorf("failed to requeue expired jobs: %w", err))
				continue
			}
			if n > 0 {
				logger.Warn("Replication: requeued jobs with expired leases", "count", n)
			}
		}
	}
}

// drain receives until the queue is empty, keeping at most concurrency
// jobs in flight. It returns once every started job has finished.
func (w *Worker) drain(ctx context.Context) {
	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case sem <- struct{}{}:
		}

		d, err := w.queue.Receive(ctx)
		if err != nil {
			<-sem
			if ctx.Err() == nil {
				w.reportError(fmt.Errorf("failed to receive backup job: %w", err))
			}
			return
		}
		if d == nil {
			<-sem
			return
		}

		wg.Add(1)
		go func(d *jobqueue.Delivery) {
			defer wg.Done()
			defer func() { <-sem }()
			w.handle(ctx, d)
		}(d)
	}
}

// handle processes one delivery and settles it with the queue.
func (w *Worker) handle(ctx context.Context, d *jobqueue.Delivery) {
	metrics.BackupInFlight.Inc()
	defer metrics.BackupInFlight.Dec()

	job, err := DecodeJob(d.Body)
	if err != nil {
		logger.Error("Replication: dropping invalid job", "message_id", d.ID, "error", err)
		metrics.BackupJobsTotal.WithLabelValues("invalid").Inc()
		w.ack(ctx, d)
		return
	}

	if err := w.Process(ctx, job); err != nil {
		if !w.stopping() {
			// The reaper redelivers once the lease expires.
			logger.Error("Replication: outcome not recorded, job will be redelivered after its lease", "message_id", d.ID,
				"resource_id", job.ResourceID, "deliveries", d.Deliveries, "error", err)
			return
		}
		logger.Error("Replication: outcome not recorded, releasing job", "message_id", d.ID,
			"resource_id", job.ResourceID, "deliveries", d.Deliveries, "error", err)
		rctx, cancel := detached(ctx)
		defer cancel()
		if rerr := w.queue.Release(rctx, d); rerr != nil {
			w.settleError("release", d, rerr)
		}
		return
	}
	w.ack(ctx, d)
}

func (w *Worker) stopping() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

// settleError reports a failed Ack or Release. A lost lease only means
// another delivery owns the message now.
func (w *Worker) settleError(op string, d *jobqueue.Delivery, err error) {
	if errors.Is(err, jobqueue.ErrLeaseExpired) {
		logger.Warn("Replication: lease expired before settling job", "op", op, "message_id", d.ID,
			"deliveries", d.Deliveries)
		return
	}
	w.reportError(fmt.Errorf("failed to %s job %s: %w", op, d.ID, err))
}

// ack settles d. It runs detached so a shutdown does not leave a finished
// job to wait out its lease.
func (w *Worker) ack(ctx context.Context, d *jobqueue.Delivery) {
	ctx, cancel := detached(ctx)
	defer cancel()
	if err := w.queue.Ack(ctx, d); err != nil {
		w.settleError("ack", d, err)
	}
}

// Process replicates one job and records its final status.
//
// It returns nil whenever the outcome (success, failure, or a reason to skip)
// is settled. A non-nil error means the final status could not be written
// and the job should be delivered again.
func (w *Worker) Process(ctx context.Context, job Job) error {
	log := logger.With("resource_id", job.ResourceID, "object_key", job.ObjectKey)

	rec, err := w.status.GetStatus(ctx, job.ResourceID)
	switch {
	case errors.Is(err, ErrResourceNotFound):
		log.Warn("Replication: resource no longer exists, skipping job")
		metrics.BackupJobsTotal.WithLabelValues("skipped").Inc()
		return nil
	case err != nil:
		// The PENDING_SYNC write below is still guarded by the state machine.
		log.Warn("Replication: could not read current status", "error", err)
	case rec.Status.IsTerminal():
		log.Info("Replication: job already settled, skipping", "status", rec.Status)
		metrics.BackupJobsTotal.WithLabelValues("duplicate").Inc()
		return nil
	}

	start := w.now()
	var (
		info     storage.ObjectInfo
		checksum string
	)
	err = w.policy.Do(ctx, func(attempt int) error {
		var aerr error
		info, checksum, aerr = w.attempt(ctx, job)
		if aerr != nil {
			metrics.BackupAttempts.WithLabelValues("failure").Inc()
			log.Warn("Replication: attempt failed", "attempt", attempt, "max_attempts", w.policy.MaxAttempts, "error", aerr)
			return aerr
		}
		metrics.BackupAttempts.WithLabelValues("success").Inc()
		return nil
	})
	elapsed := w.now().Sub(start)

	switch {
	case err == nil:
		return w.succeed(ctx, log, job, info, checksum, elapsed)
	case errors.Is(err, ErrResourceNotFound):
		log.Warn("Replication: resource disappeared during backup, skipping")
		metrics.BackupJobsTotal.WithLabelValues("skipped").Inc()
		return nil
	case errors.Is(err, backupstatus.ErrInvalidTransition):
		log.Info("Replication: status moved on concurrently, skipping", "error", err)
		metrics.BackupJobsTotal.WithLabelValues("duplicate").Inc()
		return nil
	default:
		return w.fail(ctx, log, job, err)
	}
}

// attempt is one pass of verify, mark and copy.
func (w *Worker) attempt(ctx context.Context, job Job) (storage.ObjectInfo, string, error) {
	info, err := w.source.Stat(ctx, job.ObjectKey)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return info, "", retry.Stop(fmt.Errorf("%w: %s", ErrSourceMissing, job.ObjectKey))
		}
		return info, "", fmt.Errorf("failed to stat source object: %w", err)
	}
	if job.FileSize > 0 && info.Size != job.FileSize {
		logger.Warn("Replication: source size differs from job", "resource_id", job.ResourceID,
			"object_key", job.ObjectKey, "expected", job.FileSize, "actual", info.Size)
	}

	if err := w.status.SetStatus(ctx, job.ResourceID, backupstatus.PendingSync, nil); err != nil {
		if errors.Is(err, ErrResourceNotFound) || errors.Is(err, backupstatus.ErrInvalidTransition) {
			return info, "", retry.Stop(err)
		}
		return info, "", fmt.Errorf("failed to mark pending sync: %w", err)
	}

	if w.mode == config.BackupModeHandoff {
		return info, "", nil
	}

	checksum, err := w.copyObject(ctx, job.ObjectKey, info)
	return info, checksum, err
}

// copyObject streams the source object into the target store and returns
// the hex BLAKE3 digest of the bytes sent.
func (w *Worker) copyObject(ctx context.Context, key string, info storage.ObjectInfo) (string, error) {
	body, err := w.source.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return "", retry.Stop(fmt.Errorf("%w: %s", ErrSourceMissing, key))
		}
		return "", fmt.Errorf("failed to read source object: %w", err)
	}
	defer body.Close()

	h := blake3.New(32, nil)
	cr := &countingReader{r: io.TeeReader(body, h)}
	if err := w.target.Put(ctx, key, cr, info.Size, info.ContentType); err != nil {
		return "", fmt.Errorf("failed to write backup object: %w", err)
	}
	if info.Size >= 0 && cr.n != info.Size {
		return "", fmt.Errorf("short copy of %s: sent %d of %d bytes", key, cr.n, info.Size)
	}

	metrics.BackupBytesReplicated.Add(float64(cr.n))
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (w *Worker) succeed(ctx context.Context, log *slog.Logger, job Job, info storage.ObjectInfo, checksum string, elapsed time.Duration) error {
	final := backupstatus.Completed
	if w.mode == config.BackupModeHandoff {
		final = backupstatus.PendingSync
	} else {
		// The bytes are already in the target; record that even if shutting down.
		ctx, cancel := detached(ctx)
		defer cancel()
		if rec, ok := w.status.(ChecksumRecorder); ok && checksum != "" {
			if err := rec.SetChecksum(ctx, job.ResourceID, checksum); err != nil {
				log.Warn("Replication: failed to store checksum", "error", err)
			}
		}
		if err := w.status.SetStatus(ctx, job.ResourceID, backupstatus.Completed, nil); err != nil {
			if errors.Is(err, ErrResourceNotFound) || errors.Is(err, backupstatus.ErrInvalidTransition) {
				log.Warn("Replication: completion not recorded", "error", err)
				return nil
			}
			return fmt.Errorf("failed to mark completed: %w", err)
		}
	}

	metrics.BackupJobsTotal.WithLabelValues(string(final)).Inc()
	dims := map[string]string{"status": string(final), "objectKey": job.ObjectKey}
	w.emitter.Emit(metrics.BackupSuccess, 1, metrics.UnitCount, dims)
	w.emitter.Emit(metrics.BackupLatency, elapsed.Seconds(), metrics.UnitSeconds, dims)
	if secs := elapsed.Seconds(); secs > 0 && info.Size > 0 {
		w.emitter.Emit(metrics.BackupThroughput, float64(info.Size)/secs, metrics.UnitBytesPerSecond, dims)
	}

	log.Info("Replication: backup finished", "status", final, "size", info.Size,
		"duration", elapsed, "checksum", checksum)
	return nil
}

func (w *Worker) fail(ctx context.Context, log *slog.Logger, job Job, cause error) error {
	msg := backupstatus.TruncateError(cause.Error())

	writeCtx, cancel := detached(ctx)
	defer cancel()

	metrics.BackupJobsTotal.WithLabelValues(string(backupstatus.Failed)).Inc()
	w.emitter.Emit(metrics.BackupSuccess, 0, metrics.UnitCount,
		map[string]string{"status": string(backupstatus.Failed), "objectKey": job.ObjectKey})

	log.Error("Replication: backup failed", "error", cause)

	if err := w.status.SetStatus(writeCtx, job.ResourceID, backupstatus.Failed, &msg); err != nil {
		if errors.Is(err, ErrResourceNotFound) || errors.Is(err, backupstatus.ErrInvalidTransition) {
			return nil
		}
		return fmt.Errorf("failed to mark failed: %w", err)
	}
	return nil
}

func (w *Worker) reportError(err error) {
	logger.Error("Replication: worker error", "error", err)
	if w.errCh == nil {
		return
	}
	select {
	case w.errCh <- err:
	default:
	}
}

// detached returns a context that survives cancellation of ctx, bounded by
// finalWriteTimeout.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finalWriteTimeout)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
