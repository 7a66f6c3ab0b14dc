package jobqueue

import (
	"context"
	"fmt"

	"github.com/nguyentanjr/file-storage-based-aws/config"
)

// New builds the queue driver selected by cfg.
func New(ctx context.Context, cfg config.QueueConfig) (Queue, error) {
	visibility, err := cfg.GetVisibilityTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid visibility_timeout: %w", err)
	}

	switch cfg.GetDriver() {
	case config.QueueDriverRedis:
		client, err := NewRedisClient(ctx, cfg.URL)
		if err != nil {
			return nil, err
		}
		return NewRedisQueue(client, cfg.GetName(), visibility, true), nil
	case config.QueueDriverDisk:
		return NewDiskQueue(cfg.GetName(), visibility)
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Driver)
	}
}
