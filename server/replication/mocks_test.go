package replication

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/nguyentanjr/file-storage-based-aws/pkg/backupstatus"
	"github.com/nguyentanjr/file-storage-based-aws/pkg/metrics"
	"github.com/nguyentanjr/file-storage-based-aws/storage"
)

// memStatusStore is an in-memory StatusStore that enforces the state machine.
type memStatusStore struct {
	mu        sync.Mutex
	records   map[int64]*Record
	history   map[int64][]backupstatus.Status
	checksums map[int64]string
	// setErr, when set, can fail a write before it is applied.
	setErr func(ctx context.Context, id int64, status backupstatus.Status) error
	// ctxErrs records ctx.Err() seen by each write.
	ctxErrs []error
}

func newMemStatusStore() *memStatusStore {
	return &memStatusStore{
		records:   make(map[int64]*Record),
		history:   make(map[int64][]backupstatus.Status),
		checksums: make(map[int64]string),
	}
}

func (m *memStatusStore) add(id int64, key string, status backupstatus.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[id] = &Record{ResourceID: id, ObjectKey: key, Status: status}
}

func (m *memStatusStore) SetStatus(ctx context.Context, id int64, status backupstatus.Status, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctxErrs = append(m.ctxErrs, ctx.Err())
	if m.setErr != nil {
		if err := m.setErr(ctx, id, status); err != nil {
			return err
		}
	}
	rec, ok := m.records[id]
	if !ok {
		return fmt.Errorf("%w: resource %d", ErrResourceNotFound, id)
	}
	if err := backupstatus.Transition(rec.Status, status); err != nil {
		return err
	}
	now := time.Now()
	rec.Status = status
	rec.BackupAt = &now
	rec.BackupError = nil
	if status == backupstatus.Failed && errMsg != nil {
		msg := *errMsg
		rec.BackupError = &msg
	}
	m.history[id] = append(m.history[id], status)
	return nil
}

func (m *memStatusStore) GetStatus(ctx context.Context, id int64) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: resource %d", ErrResourceNotFound, id)
	}
	return *rec, nil
}

func (m *memStatusStore) SetChecksum(ctx context.Context, id int64, checksum string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checksums[id] = checksum
	return nil
}

func (m *memStatusStore) get(id int64) Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.records[id]
}

func (m *memStatusStore) statuses(id int64) []backupstatus.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]backupstatus.Status(nil), m.history[id]...)
}

type fakeSource struct {
	mu          sync.Mutex
	objects     map[string][]byte
	contentType string
	statErr     error
	statCalls   int
	getCalls    int
}

func newFakeSource() *fakeSource {
	return &fakeSource{objects: make(map[string][]byte), contentType: "application/pdf"}
}

func (s *fakeSource) Stat(ctx context.Context, key string) (storage.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statCalls++
	if s.statErr != nil {
		return storage.ObjectInfo{}, s.statErr
	}
	data, ok := s.objects[key]
	if !ok {
		return storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	return storage.ObjectInfo{Key: key, Size: int64(len(data)), ContentType: s.contentType}, nil
}

func (s *fakeSource) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls++
	data, ok := s.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type fakeTarget struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	calls   int
	// putErr returns the error for the given 1-based call, or nil.
	putErr func(call int) error
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{objects: make(map[string][]byte), types: make(map[string]string)}
}

func (t *fakeTarget) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	t.mu.Lock()
	t.calls++
	call := t.calls
	putErr := t.putErr
	t.mu.Unlock()

	if putErr != nil {
		if err := putErr(call); err != nil {
			return err
		}
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.objects[key] = data
	t.types[key] = contentType
	return nil
}

func (t *fakeTarget) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

type sample struct {
	name  string
	value float64
	unit  metrics.Unit
	dims  map[string]string
}

type recordingEmitter struct {
	mu      sync.Mutex
	samples []sample
}

func (e *recordingEmitter) Emit(name string, value float64, unit metrics.Unit, dims map[string]string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.samples = append(e.samples, sample{name: name, value: value, unit: unit, dims: dims})
}

func (e *recordingEmitter) named(name string) []sample {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []sample
	for _, s := range e.samples {
		if s.name == name {
			out = append(out, s)
		}
	}
	return out
}

// stepClock advances by step on every call.
type stepClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(c.step)
	return c.t
}

type fakePublisher struct {
	mu      sync.Mutex
	bodies  [][]byte
	err     error
	block   bool
	lastCtx context.Context
}

func (p *fakePublisher) Publish(ctx context.Context, body []byte) error {
	p.mu.Lock()
	p.lastCtx = ctx
	block := p.block
	p.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.bodies = append(p.bodies, body)
	return nil
}
