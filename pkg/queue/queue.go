// Package queue implements the durable Redis-backed work queue between the
// gateway and the ETL consumer, the dead-letter queue, and the batch
// idempotency index. The list is the single serialization point of the
// pipeline: the gateway is the only writer, the ETL the only reader.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	jsoniter "github.com/json-iterator/go"

	"github.com/fiberstack/fiber/pkg/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// QueueKey is the durable list drained by the ETL consumer.
	QueueKey = "fiber:etl:queue"
	// DLQKey holds envelopes that failed persistence after retries.
	DLQKey = "fiber:etl:dlq"

	batchKeyPrefix = "fiber:batch:"
)

// ErrEmpty is returned by PopBatch when the queue holds no items.
var ErrEmpty = errors.New("queue is empty")

// popScript removes up to ARGV[1] items from the head of the list in one
// server-side critical section so two workers never split a batch.
const popScript = `
local items = redis.call('LRANGE', KEYS[1], 0, tonumber(ARGV[1]) - 1)
if #items > 0 then
  redis.call('LTRIM', KEYS[1], #items, -1)
end
return items
`

// Queue wraps the Redis client with the pipeline's queue operations.
type Queue struct {
	client redis.UniversalClient
}

// New builds a Queue on top of an existing client.
func New(client redis.UniversalClient) *Queue {
	return &Queue{client: client}
}

// NewClient dials Redis from a URL of the form redis://host:port/db.
func NewClient(url string) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing queue url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Enqueue appends envelopes to the tail of the queue. This is the gateway's
// commit point: once RPush returns, the sample is owned by the queue.
func (q *Queue) Enqueue(ctx context.Context, envelopes ...model.Envelope) error {
	if len(envelopes) == 0 {
		return nil
	}
	payloads := make([]interface{}, 0, len(envelopes))
	for _, e := range envelopes {
		b, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshaling envelope: %w", err)
		}
		payloads = append(payloads, b)
	}
	if err := q.client.RPush(ctx, QueueKey, payloads...).Err(); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// PopBatch atomically removes up to n envelopes from the head of the queue.
// Envelopes that fail to decode are returned on the malformed slice so the
// caller can dead-letter them instead of losing them.
func (q *Queue) PopBatch(ctx context.Context, n int) (envelopes []model.Envelope, malformed []string, err error) {
	res, err := q.client.Eval(ctx, popScript, []string{QueueKey}, n).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("batch pop: %w", err)
	}
	items, ok := res.([]interface{})
	if !ok || len(items) == 0 {
		return nil, nil, ErrEmpty
	}
	for _, item := range items {
		raw, ok := item.(string)
		if !ok {
			continue
		}
		var e model.Envelope
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			malformed = append(malformed, raw)
			continue
		}
		envelopes = append(envelopes, e)
	}
	return envelopes, malformed, nil
}

// Requeue returns unacknowledged envelopes to the head of the queue, restoring
// FIFO order for the next pop. Used on shutdown mid-batch.
func (q *Queue) Requeue(ctx context.Context, envelopes []model.Envelope) error {
	// LPush reverses order, so walk the slice backwards.
	for i := len(envelopes) - 1; i >= 0; i-- {
		b, err := json.Marshal(envelopes[i])
		if err != nil {
			return err
		}
		if err := q.client.LPush(ctx, QueueKey, b).Err(); err != nil {
			return fmt.Errorf("requeue: %w", err)
		}
	}
	return nil
}

// DeadLetter appends failed envelopes to the DLQ with a failure stamp.
func (q *Queue) DeadLetter(ctx context.Context, cause error, envelopes ...model.Envelope) error {
	now := time.Now().UTC()
	msg := "unknown"
	if cause != nil {
		msg = cause.Error()
	}
	payloads := make([]interface{}, 0, len(envelopes))
	for _, e := range envelopes {
		b, err := json.Marshal(model.DeadLetter{Envelope: e, Error: msg, FailedAt: now})
		if err != nil {
			return err
		}
		payloads = append(payloads, b)
	}
	if len(payloads) == 0 {
		return nil
	}
	if err := q.client.RPush(ctx, DLQKey, payloads...).Err(); err != nil {
		return fmt.Errorf("dead letter: %w", err)
	}
	return nil
}

// DeadLetterRaw appends payloads that could not even be decoded.
func (q *Queue) DeadLetterRaw(ctx context.Context, cause error, raw ...string) error {
	for _, r := range raw {
		entry := map[string]interface{}{
			"raw":       r,
			"error":     cause.Error(),
			"failed_at": time.Now().UTC(),
		}
		b, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := q.client.RPush(ctx, DLQKey, b).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Depth returns the current queue length.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, QueueKey).Result()
}

// DLQDepth returns the current dead-letter queue length.
func (q *Queue) DLQDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, DLQKey).Result()
}

// Ping reports backend health for the /status endpoint.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// MarkBatch records a batch id in the idempotency index. It returns the
// previously stored enqueued count and false when the id was already present
// within the retention window, in which case nothing is stored.
func (q *Queue) MarkBatch(ctx context.Context, batchID string, enqueued int, retention time.Duration) (int, bool, error) {
	key := batchKeyPrefix + batchID
	set, err := q.client.SetNX(ctx, key, enqueued, retention).Result()
	if err != nil {
		return 0, false, fmt.Errorf("idempotency mark: %w", err)
	}
	if set {
		return enqueued, true, nil
	}
	prev, err := q.client.Get(ctx, key).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, false, fmt.Errorf("idempotency read: %w", err)
	}
	return prev, false, nil
}

// UnmarkBatch drops a batch id from the index. Called when enqueue fails
// after the id was claimed, so the client's retry is not treated as a
// duplicate.
func (q *Queue) UnmarkBatch(ctx context.Context, batchID string) error {
	return q.client.Del(ctx, batchKeyPrefix+batchID).Err()
}

// SeenBatch checks the idempotency index without mutating it.
func (q *Queue) SeenBatch(ctx context.Context, batchID string) (int, bool, error) {
	prev, err := q.client.Get(ctx, batchKeyPrefix+batchID).Int()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return prev, true, nil
}
