package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/orderbookd/internal/domain"
)

const (
	consumerGroup = "orderbookd"

	// promoteBatch bounds how many due delayed jobs one Consume moves.
	promoteBatch = 100
)

// promoteLua moves due delayed jobs from the sorted set into the stream.
// KEYS[1] delayed zset, KEYS[2] stream; ARGV[1] now (ms), ARGV[2] batch,
// ARGV[3] maxlen (0 = unbounded).
const promoteLua = `
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, job in ipairs(due) do
    if tonumber(ARGV[3]) > 0 then
        redis.call('XADD', KEYS[2], 'MAXLEN', '~', ARGV[3], '*', 'job', job)
    else
        redis.call('XADD', KEYS[2], '*', 'job', job)
    end
    redis.call('ZREM', KEYS[1], job)
end
return #due
`

// Broker implements domain.Broker on Redis Streams with one consumer group
// per queue. Delayed jobs wait in a sorted set until due. Messages left
// unacknowledged by a crashed worker are reclaimed after ClaimIdle.
//
// Key layout for queue q:
//
//	queue:q               ready stream
//	queue:q:delayed       delayed jobs scored by due time (ms)
//	queue:q-dead-letter   exhausted jobs
type Broker struct {
	rdb       *redis.Client
	promote   *redis.Script
	consumer  string
	claimIdle time.Duration

	mu    sync.RWMutex
	specs map[string]domain.QueueSpec
}

// NewBroker creates a Broker backed by the given Client. claimIdle is how
// long a delivered message may stay unacknowledged before another worker
// takes it over; it must exceed the longest job timeout.
func NewBroker(c *Client, claimIdle time.Duration) *Broker {
	host, _ := os.Hostname()
	return &Broker{
		rdb:       c.Underlying(),
		promote:   redis.NewScript(promoteLua),
		consumer:  host + "-" + uuid.New().String()[:8],
		claimIdle: claimIdle,
		specs:     make(map[string]domain.QueueSpec),
	}
}

func streamKey(queue string) string     { return "queue:" + queue }
func delayedKey(queue string) string    { return "queue:" + queue + ":delayed" }
func deadLetterKey(queue string) string { return "queue:" + queue + "-dead-letter" }

func (b *Broker) spec(queue string) (domain.QueueSpec, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.specs[queue]
	if !ok {
		return domain.QueueSpec{}, fmt.Errorf("redis: queue %s: %w", queue, domain.ErrUnknownQueue)
	}
	return s, nil
}

func maxLen(s domain.QueueSpec) int64 {
	if s.Persistent {
		return 0
	}
	return s.MaxLen
}

// Declare creates the queue's stream and consumer group.
func (b *Broker) Declare(ctx context.Context, spec domain.QueueSpec) error {
	err := b.rdb.XGroupCreateMkStream(ctx, streamKey(spec.Name), consumerGroup, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("redis: declare queue %s: %w", spec.Name, err)
	}

	b.mu.Lock()
	b.specs[spec.Name] = spec
	b.mu.Unlock()
	return nil
}

// Publish appends a job to its queue, or parks it until Delay elapses.
func (b *Broker) Publish(ctx context.Context, job domain.Job) error {
	spec, err := b.spec(job.Queue)
	if err != nil {
		return err
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("redis: marshal job %s: %w", job.ID, err)
	}

	if job.Delay > 0 {
		due := time.Now().Add(job.Delay).UnixMilli()
		if err := b.rdb.ZAdd(ctx, delayedKey(job.Queue), redis.Z{Score: float64(due), Member: data}).Err(); err != nil {
			return fmt.Errorf("redis: publish delayed %s: %w", job.Queue, err)
		}
		return nil
	}

	args := &redis.XAddArgs{
		Stream: streamKey(job.Queue),
		Values: map[string]interface{}{"job": data},
	}
	if n := maxLen(spec); n > 0 {
		args.MaxLen = n
		args.Approx = true
	}
	if err := b.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", job.Queue, err)
	}
	return nil
}

func decodeMessages(queue string, msgs []redis.XMessage) []domain.Job {
	jobs := make([]domain.Job, 0, len(msgs))
	for _, msg := range msgs {
		var raw []byte
		switch v := msg.Values["job"].(type) {
		case string:
			raw = []byte(v)
		case []byte:
			raw = v
		}

		var job domain.Job
		if err := json.Unmarshal(raw, &job); err != nil {
			// Keep undecodable entries visible so the pool can dead-letter
			// them instead of looping.
			job = domain.Job{Queue: queue, Payload: raw, LastError: err.Error()}
		}
		job.Queue = queue
		job.Receipt = msg.ID
		jobs = append(jobs, job)
	}
	return jobs
}

// Consume returns up to opts.Prefetch jobs. It first promotes due delayed
// jobs, then reclaims abandoned deliveries, then reads new messages,
// blocking at most opts.Block.
func (b *Broker) Consume(ctx context.Context, queue string, opts domain.ConsumeOptions) ([]domain.Job, error) {
	spec, err := b.spec(queue)
	if err != nil {
		return nil, err
	}
	count := int64(opts.Prefetch)
	if count <= 0 {
		count = 1
	}

	if err := b.promote.Run(ctx, b.rdb,
		[]string{delayedKey(queue), streamKey(queue)},
		time.Now().UnixMilli(), promoteBatch, maxLen(spec),
	).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: promote delayed %s: %w", queue, err)
	}

	if b.claimIdle > 0 {
		claimed, _, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   streamKey(queue),
			Group:    consumerGroup,
			Consumer: b.consumer,
			MinIdle:  b.claimIdle,
			Start:    "0-0",
			Count:    count,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("redis: reclaim %s: %w", queue, err)
		}
		if len(claimed) > 0 {
			return decodeMessages(queue, claimed), nil
		}
	}

	// go-redis sends BLOCK 0 (forever) for a zero duration.
	block := opts.Block
	if block <= 0 {
		block = -1
	}
	streams, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: b.consumer,
		Streams:  []string{streamKey(queue), ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: consume %s: %w", queue, err)
	}

	var jobs []domain.Job
	for _, s := range streams {
		jobs = append(jobs, decodeMessages(queue, s.Messages)...)
	}
	return jobs, nil
}

// Ack removes a delivered job from the queue.
func (b *Broker) Ack(ctx context.Context, job domain.Job) error {
	if job.Receipt == "" {
		return nil
	}
	pipe := b.rdb.TxPipeline()
	pipe.XAck(ctx, streamKey(job.Queue), consumerGroup, job.Receipt)
	pipe.XDel(ctx, streamKey(job.Queue), job.Receipt)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: ack %s/%s: %w", job.Queue, job.Receipt, err)
	}
	return nil
}

// DeadLetter moves an exhausted job to the queue's dead-letter stream.
func (b *Broker) DeadLetter(ctx context.Context, job domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("redis: marshal dead letter %s: %w", job.ID, err)
	}
	if err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: deadLetterKey(job.Queue),
		Values: map[string]interface{}{"job": data},
	}).Err(); err != nil {
		return fmt.Errorf("redis: dead letter %s: %w", job.Queue, err)
	}
	return b.Ack(ctx, job)
}

// DeadLetters lists the oldest dead jobs of a queue.
func (b *Broker) DeadLetters(ctx context.Context, queue string, limit int) ([]domain.Job, error) {
	msgs, err := b.rdb.XRangeN(ctx, deadLetterKey(queue), "-", "+", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list dead letters %s: %w", queue, err)
	}
	return decodeMessages(queue, msgs), nil
}

// ReplayDeadLetters re-publishes up to limit dead jobs with their attempt
// count reset and removes them from the dead-letter stream.
func (b *Broker) ReplayDeadLetters(ctx context.Context, queue string, limit int) (int, error) {
	jobs, err := b.DeadLetters(ctx, queue, limit)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, job := range jobs {
		receipt := job.Receipt
		job.Attempt = 0
		job.Delay = 0
		job.LastError = ""
		job.Receipt = ""
		if err := b.Publish(ctx, job); err != nil {
			return replayed, err
		}
		if err := b.rdb.XDel(ctx, deadLetterKey(queue), receipt).Err(); err != nil {
			return replayed, fmt.Errorf("redis: remove dead letter %s/%s: %w", queue, receipt, err)
		}
		replayed++
	}
	return replayed, nil
}

// Stats reports queue depths.
func (b *Broker) Stats(ctx context.Context, queue string) (domain.QueueStats, error) {
	if _, err := b.spec(queue); err != nil {
		return domain.QueueStats{}, err
	}

	pipe := b.rdb.Pipeline()
	length := pipe.XLen(ctx, streamKey(queue))
	pending := pipe.XPending(ctx, streamKey(queue), consumerGroup)
	delayed := pipe.ZCard(ctx, delayedKey(queue))
	dead := pipe.XLen(ctx, deadLetterKey(queue))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return domain.QueueStats{}, fmt.Errorf("redis: stats %s: %w", queue, err)
	}

	stats := domain.QueueStats{
		Queue:       queue,
		Delayed:     delayed.Val(),
		DeadLetters: dead.Val(),
	}
	if p := pending.Val(); p != nil {
		stats.InFlight = p.Count
	}
	stats.Ready = length.Val() - stats.InFlight
	if stats.Ready < 0 {
		stats.Ready = 0
	}
	return stats, nil
}

// Compile-time interface check.
var _ domain.Broker = (*Broker)(nil)
