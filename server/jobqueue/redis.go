package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nguyentanjr/file-storage-based-aws/logger"
	"github.com/nguyentanjr/file-storage-based-aws/pkg/metrics"
)

const redisDriver = "redis"

// requeueScript moves one leased element back to pending only if it is still
// in the processing list, so a concurrent Ack never produces a duplicate.
var requeueScript = redis.NewScript(`
if redis.call('LREM', KEYS[1], 1, ARGV[1]) == 1 then
	redis.call('ZREM', KEYS[2], ARGV[1])
	redis.call('RPUSH', KEYS[3], ARGV[1])
	return 1
end
redis.call('ZREM', KEYS[2], ARGV[1])
return 0
`)

// leaseScript swaps a freshly moved element for its leased form. The leased
// form carries the delivery count and lease deadline, which makes it unique
// per delivery and so usable as the lease token.
var leaseScript = redis.NewScript(`
if redis.call('LREM', KEYS[1], 1, ARGV[1]) == 1 then
	redis.call('ZREM', KEYS[2], ARGV[1])
	redis.call('LPUSH', KEYS[1], ARGV[2])
	redis.call('ZADD', KEYS[2], ARGV[3], ARGV[2])
	return 1
end
return 0
`)

// RedisQueue is a reliable list queue: LPUSH to pending, LMOVE into a
// processing list on receive, and a sorted set of lease deadlines.
type RedisQueue struct {
	client     *redis.Client
	pending    string
	processing string
	leases     string
	visibility time.Duration
	ownsClient bool
	now        func() time.Time
}

// NewRedisClient parses url, connects, and pings with a short timeout.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// NewRedisQueue stores its keys under prefix. When ownsClient is true Close
// also closes the client.
func NewRedisQueue(client *redis.Client, prefix string, visibility time.Duration, ownsClient bool) *RedisQueue {
	if visibility <= 0 {
		visibility = 15 * time.Minute
	}
	return &RedisQueue{
		client:     client,
		pending:    prefix + ":pending",
		processing: prefix + ":processing",
		leases:     prefix + ":leases",
		visibility: visibility,
		ownsClient: ownsClient,
		now:        time.Now,
	}
}

func observe(driver, op string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	metrics.QueueOperations.WithLabelValues(driver, op, result).Inc()
	metrics.QueueOperationDuration.WithLabelValues(driver, op).Observe(time.Since(start).Seconds())
}

func (q *RedisQueue) Publish(ctx context.Context, body []byte) error {
	start := time.Now()
	raw, err := json.Marshal(envelope{ID: uuid.New().String(), Body: body, EnqueuedAt: q.now().UTC()})
	if err != nil {
		return err
	}
	err = q.client.LPush(ctx, q.pending, raw).Err()
	observe(redisDriver, "publish", start, err)
	if err != nil {
		return fmt.Errorf("failed to publish job: %w", err)
	}
	return nil
}

func (q *RedisQueue) Receive(ctx context.Context) (*Delivery, error) {
	start := time.Now()
	raw, err := q.client.LMove(ctx, q.pending, q.processing, "RIGHT", "LEFT").Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		observe(redisDriver, "receive", start, err)
		return nil, fmt.Errorf("failed to receive job: %w", err)
	}

	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		// Unreadable envelope: drop it rather than redeliver forever.
		logger.Error("JobQueue: dropping malformed envelope", "driver", redisDriver, "error", err)
		q.client.LRem(ctx, q.processing, 1, raw)
		observe(redisDriver, "receive", start, err)
		return nil, nil
	}

	env.Deliveries++
	env.LeaseUntil = q.now().Add(q.visibility).UTC()
	leased, err := json.Marshal(env)
	if err != nil {
		observe(redisDriver, "receive", start, err)
		return nil, err
	}
	ok, err := leaseScript.Run(ctx, q.client, []string{q.processing, q.leases},
		raw, leased, env.LeaseUntil.UnixMilli()).Int()
	if err != nil {
		// The element is in processing without a lease; the reaper adopts it.
		observe(redisDriver, "receive", start, err)
		return nil, fmt.Errorf("failed to lease job %s: %w", env.ID, err)
	}
	observe(redisDriver, "receive", start, nil)
	if ok == 0 {
		// The reaper requeued the unleased element first.
		return nil, nil
	}

	return &Delivery{
		ID:         env.ID,
		Body:       env.Body,
		EnqueuedAt: env.EnqueuedAt,
		Deliveries: env.Deliveries,
		ref:        string(leased),
	}, nil
}

func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	start := time.Now()
	pipe := q.client.TxPipeline()
	removed := pipe.LRem(ctx, q.processing, 1, d.ref)
	pipe.ZRem(ctx, q.leases, d.ref)
	_, err := pipe.Exec(ctx)
	observe(redisDriver, "ack", start, err)
	if err != nil {
		return fmt.Errorf("failed to ack job %s: %w", d.ID, err)
	}
	if removed.Val() == 0 {
		return fmt.Errorf("failed to ack job %s: %w", d.ID, ErrLeaseExpired)
	}
	return nil
}

func (q *RedisQueue) Release(ctx context.Context, d *Delivery) error {
	start := time.Now()
	n, err := requeueScript.Run(ctx, q.client, []string{q.processing, q.leases, q.pending}, d.ref).Int()
	observe(redisDriver, "release", start, err)
	if err != nil {
		return fmt.Errorf("failed to release job %s: %w", d.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("failed to release job %s: %w", d.ID, ErrLeaseExpired)
	}
	return nil
}

// RequeueExpired returns expired leases to pending and adopts processing
// entries that never got a lease.
func (q *RedisQueue) RequeueExpired(ctx context.Context) (int, error) {
	start := time.Now()
	now := q.now()

	expired, err := q.client.ZRangeByScore(ctx, q.leases, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprint(now.UnixMilli()),
	}).Result()
	if err != nil {
		observe(redisDriver, "requeue", start, err)
		return 0, fmt.Errorf("failed to scan leases: %w", err)
	}

	moved := 0
	for _, raw := range expired {
		n, err := requeueScript.Run(ctx, q.client, []string{q.processing, q.leases, q.pending}, raw).Int()
		if err != nil {
			observe(redisDriver, "requeue", start, err)
			return moved, fmt.Errorf("failed to requeue job: %w", err)
		}
		moved += n
	}

	inFlight, err := q.client.LRange(ctx, q.processing, 0, -1).Result()
	if err != nil {
		observe(redisDriver, "requeue", start, err)
		return moved, fmt.Errorf("failed to scan processing list: %w", err)
	}
	for _, raw := range inFlight {
		if err := q.client.ZScore(ctx, q.leases, raw).Err(); errors.Is(err, redis.Nil) {
			q.client.ZAddNX(ctx, q.leases, redis.Z{Score: float64(now.Add(q.visibility).UnixMilli()), Member: raw})
		}
	}

	if moved > 0 {
		metrics.QueueRequeued.Add(float64(moved))
		logger.Info("JobQueue: requeued expired jobs", "driver", redisDriver, "count", moved)
	}
	observe(redisDriver, "requeue", start, nil)
	return moved, nil
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	p := pipe.LLen(ctx, q.pending)
	r := pipe.LLen(ctx, q.processing)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("failed to read queue stats: %w", err)
	}
	return Stats{Pending: p.Val(), Processing: r.Val()}, nil
}

func (q *RedisQueue) Close() error {
	if q.ownsClient {
		return q.client.Close()
	}
	return nil
}
