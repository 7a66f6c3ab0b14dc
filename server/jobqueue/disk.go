package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nguyentanjr/file-storage-based-aws/logger"
	"github.com/nguyentanjr/file-storage-based-aws/pkg/metrics"
)

const diskDriver = "disk"

// DiskQueue keeps one JSON file per job under pending/ and processing/.
// File names start with the enqueue time so directory order is FIFO order.
// A leased copy under processing/ also carries its delivery count, which
// makes the name the lease token.
// It is meant for single-node deployments where every worker shares the
// same filesystem.
type DiskQueue struct {
	basePath      string
	pendingDir    string
	processingDir string
	visibility    time.Duration
	mu            sync.Mutex
	now           func() time.Time
}

// NewDiskQueue creates the queue directories under basePath.
func NewDiskQueue(basePath string, visibility time.Duration) (*DiskQueue, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path cannot be empty")
	}
	if visibility <= 0 {
		visibility = 15 * time.Minute
	}

	q := &DiskQueue{
		basePath:      basePath,
		pendingDir:    filepath.Join(basePath, "pending"),
		processingDir: filepath.Join(basePath, "processing"),
		visibility:    visibility,
		now:           time.Now,
	}
	for _, dir := range []string{q.pendingDir, q.processingDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return q, nil
}

func (q *DiskQueue) Publish(ctx context.Context, body []byte) error {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UTC()
	env := envelope{ID: uuid.New().String(), Body: body, EnqueuedAt: now}
	name := fmt.Sprintf("%020d-%s.json", now.UnixNano(), env.ID)

	err := writeFileAtomic(filepath.Join(q.pendingDir, name), env)
	observe(diskDriver, "publish", start, err)
	if err != nil {
		return fmt.Errorf("failed to publish job: %w", err)
	}
	return nil
}

func (q *DiskQueue) Receive(ctx context.Context) (*Delivery, error) {
	start := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()

	names, err := listJSON(q.pendingDir)
	if err != nil {
		observe(diskDriver, "receive", start, err)
		return nil, fmt.Errorf("failed to read pending directory: %w", err)
	}

	for _, name := range names {
		pendingPath := filepath.Join(q.pendingDir, name)
		var env envelope
		if err := readEnvelope(pendingPath, &env); err != nil {
			logger.Error("JobQueue: dropping unreadable job file", "driver", diskDriver, "file", name, "error", err)
			os.Remove(pendingPath)
			continue
		}

		env.Deliveries++
		env.LeaseUntil = q.now().Add(q.visibility)
		leased := leasedName(name, env.Deliveries)
		if err := writeFileAtomic(filepath.Join(q.processingDir, leased), env); err != nil {
			observe(diskDriver, "receive", start, err)
			return nil, fmt.Errorf("failed to lease job %s: %w", env.ID, err)
		}
		if err := os.Remove(pendingPath); err != nil && !os.IsNotExist(err) {
			logger.Warn("JobQueue: failed to remove pending copy", "file", name, "error", err)
		}

		observe(diskDriver, "receive", start, nil)
		return &Delivery{
			ID:         env.ID,
			Body:       env.Body,
			EnqueuedAt: env.EnqueuedAt,
			Deliveries: env.Deliveries,
			ref:        leased,
		}, nil
	}
	return nil, nil
}

func (q *DiskQueue) Ack(ctx context.Context, d *Delivery) error {
	start := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()

	err := os.Remove(filepath.Join(q.processingDir, d.ref))
	if os.IsNotExist(err) {
		err = ErrLeaseExpired
	}
	observe(diskDriver, "ack", start, err)
	if err != nil {
		return fmt.Errorf("failed to ack job %s: %w", d.ID, err)
	}
	return nil
}

func (q *DiskQueue) Release(ctx context.Context, d *Delivery) error {
	start := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()

	err := q.moveBack(d.ref)
	observe(diskDriver, "release", start, err)
	if err != nil {
		return fmt.Errorf("failed to release job %s: %w", d.ID, err)
	}
	return nil
}

// leasedName appends the delivery count to a pending file name.
func leasedName(name string, deliveries int) string {
	return fmt.Sprintf("%s.%d.json", strings.TrimSuffix(name, ".json"), deliveries)
}

// pendingName reverses leasedName. Names without a count are returned as is.
func pendingName(leased string) string {
	base := strings.TrimSuffix(leased, ".json")
	if i := strings.LastIndex(base, "."); i > 0 {
		return base[:i] + ".json"
	}
	return leased
}

// moveBack returns a processing file to pending under its original name,
// which keeps its place at the front of the queue. Caller holds q.mu.
func (q *DiskQueue) moveBack(name string) error {
	src := filepath.Join(q.processingDir, name)
	var env envelope
	if err := readEnvelope(src, &env); err != nil {
		if os.IsNotExist(err) {
			return ErrLeaseExpired
		}
		return fmt.Errorf("failed to read leased job %s: %w", name, err)
	}
	env.LeaseUntil = time.Time{}
	if err := writeFileAtomic(filepath.Join(q.pendingDir, pendingName(name)), env); err != nil {
		return fmt.Errorf("failed to requeue job %s: %w", env.ID, err)
	}
	return os.Remove(src)
}

func (q *DiskQueue) RequeueExpired(ctx context.Context) (int, error) {
	start := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()

	names, err := listJSON(q.processingDir)
	if err != nil {
		observe(diskDriver, "requeue", start, err)
		return 0, fmt.Errorf("failed to read processing directory: %w", err)
	}

	now := q.now()
	moved := 0
	for _, name := range names {
		var env envelope
		if err := readEnvelope(filepath.Join(q.processingDir, name), &env); err != nil {
			continue
		}
		if now.Before(env.LeaseUntil) {
			continue
		}
		if err := q.moveBack(name); err != nil {
			observe(diskDriver, "requeue", start, err)
			return moved, err
		}
		moved++
	}

	if moved > 0 {
		metrics.QueueRequeued.Add(float64(moved))
		logger.Info("JobQueue: requeued expired jobs", "driver", diskDriver, "count", moved)
	}
	observe(diskDriver, "requeue", start, nil)
	return moved, nil
}

func (q *DiskQueue) Stats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending, err := listJSON(q.pendingDir)
	if err != nil {
		return Stats{}, err
	}
	processing, err := listJSON(q.processingDir)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Pending: int64(len(pending)), Processing: int64(len(processing))}, nil
}

func (q *DiskQueue) Close() error { return nil }

// writeFileAtomic writes data as JSON using temp file + rename
func writeFileAtomic(path string, data any) error {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".tmp-")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(jsonBytes); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func readEnvelope(path string, env *envelope) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, env)
}

// listJSON returns the job file names in dir, oldest first.
func listJSON(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".json" {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
