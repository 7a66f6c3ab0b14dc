// Package replication copies confirmed uploads from the primary object store
// to the secondary (backup) store.
//
// The Producer records PENDING and publishes a Job onto the job queue. The
// Worker consumes jobs, checks the source object, copies it and drives the
// resource's backup status to COMPLETED or FAILED. Delivery is at least
// once, so every step tolerates seeing the same job twice.
package replication

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidJob is returned for messages that can never be processed.
var ErrInvalidJob = errors.New("invalid backup job")

// Job is the queue message body. Unknown fields are ignored on decode so
// older and newer producers can share a queue.
type Job struct {
	ResourceID int64  `json:"resourceId"`
	ObjectKey  string `json:"objectKey"`
	FileSize   int64  `json:"fileSize"`
	// Timestamp is the enqueue time in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

func NewJob(resourceID int64, objectKey string, size int64, now time.Time) Job {
	return Job{
		ResourceID: resourceID,
		ObjectKey:  objectKey,
		FileSize:   size,
		Timestamp:  now.UnixMilli(),
	}
}

// Validate checks the fields a worker cannot do without.
func (j Job) Validate() error {
	if j.ResourceID <= 0 {
		return fmt.Errorf("%w: resourceId must be positive, got %d", ErrInvalidJob, j.ResourceID)
	}
	if j.ObjectKey == "" {
		return fmt.Errorf("%w: objectKey is empty", ErrInvalidJob)
	}
	if j.FileSize < 0 {
		return fmt.Errorf("%w: fileSize is negative", ErrInvalidJob)
	}
	return nil
}

// EnqueuedAt returns the enqueue time, or the zero time when the producer
// did not set one.
func (j Job) EnqueuedAt() time.Time {
	if j.Timestamp <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(j.Timestamp)
}

func (j Job) Encode() ([]byte, error) {
	return json.Marshal(j)
}

// DecodeJob parses and validates a message body.
func DecodeJob(body []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(body, &j); err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if err := j.Validate(); err != nil {
		return Job{}, err
	}
	return j, nil
}
