package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Compile-time checks that RedisQueue implements Queue and LeaseSweeper.
var _ Queue = (*RedisQueue)(nil)
var _ LeaseSweeper = (*RedisQueue)(nil)

// leaseScript atomically pops the next pending job ID and marks it
// active, honoring the in-flight cap, mirroring RenderQueue.get_next_job
// (scard active-set check, then lpop, then sadd) but as a single atomic
// Lua script so two coordinator instances never lease the same job.
const leaseScript = `
local active = redis.call('SCARD', KEYS[2])
local maxConcurrent = tonumber(ARGV[1])
if active >= maxConcurrent then
  return nil
end
local id = redis.call('LPOP', KEYS[1])
if not id then
  return nil
end
redis.call('SADD', KEYS[2], id)
return id
`

// record is the JSON wire shape stored under the jobs hash, a flattened
// projection of Job sufficient to reconstruct it.
type record struct {
	ID           string    `json:"id"`
	VideoURL     string    `json:"video_url"`
	Scenario     []byte    `json:"scenario"`
	Options      Options   `json:"options"`
	CallbackURL  string    `json:"callback_url"`
	Status       Status    `json:"status"`
	Segments     []byte    `json:"segments"`
	Progress     int       `json:"progress"`
	ErrorKind    ErrorKind `json:"error_kind"`
	ErrorMessage string    `json:"error_message"`
	OutputPath   string    `json:"output_path"`
	OutputURL    string    `json:"output_url"`
	FileSize     int64     `json:"file_size"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	StartedAt    time.Time `json:"started_at"`
	CompletedAt  time.Time `json:"completed_at"`
}

func toRecord(j *Job) (record, error) {
	scenarioJSON, err := json.Marshal(j.Scenario)
	if err != nil {
		return record{}, fmt.Errorf("job: marshal scenario: %w", err)
	}
	segmentsJSON, err := json.Marshal(j.Segments)
	if err != nil {
		return record{}, fmt.Errorf("job: marshal segments: %w", err)
	}
	return record{
		ID:           j.ID,
		VideoURL:     j.VideoURL,
		Scenario:     scenarioJSON,
		Options:      j.Options,
		CallbackURL:  j.CallbackURL,
		Status:       j.Status,
		Segments:     segmentsJSON,
		Progress:     j.Progress,
		ErrorKind:    j.ErrorKind,
		ErrorMessage: j.ErrorMessage,
		OutputPath:   j.OutputPath,
		OutputURL:    j.OutputURL,
		FileSize:     j.FileSize,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
	}, nil
}

func (r record) toJob() (*Job, error) {
	j := &Job{
		ID:           r.ID,
		VideoURL:     r.VideoURL,
		Options:      r.Options,
		CallbackURL:  r.CallbackURL,
		Status:       r.Status,
		Progress:     r.Progress,
		ErrorKind:    r.ErrorKind,
		ErrorMessage: r.ErrorMessage,
		OutputPath:   r.OutputPath,
		OutputURL:    r.OutputURL,
		FileSize:     r.FileSize,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		StartedAt:    r.StartedAt,
		CompletedAt:  r.CompletedAt,
	}
	if len(r.Scenario) > 0 {
		if err := json.Unmarshal(r.Scenario, &j.Scenario); err != nil {
			return nil, fmt.Errorf("job: unmarshal scenario: %w", err)
		}
	}
	if len(r.Segments) > 0 {
		if err := json.Unmarshal(r.Segments, &j.Segments); err != nil {
			return nil, fmt.Errorf("job: unmarshal segments: %w", err)
		}
	}
	return j, nil
}

// RedisQueue is a Redis-backed implementation of Queue, grounded on
// original_source's RenderQueue: a `render:queue` LIST for pending job
// IDs, a `render:active` SET for in-flight job IDs, and a `render:jobs`
// HASH of job-ID to JSON record, so the queue survives coordinator
// restarts and can be shared across coordinator instances.
type RedisQueue struct {
	client        *redis.Client
	maxConcurrent int
	leaseTimeout  time.Duration

	queueKey  string
	activeKey string
	jobsKey   string
	leasesKey string

	leaseSHA string
}

// RedisQueueOption configures optional RedisQueue behavior.
type RedisQueueOption func(*RedisQueue)

// WithRedisLeaseTimeout overrides DefaultLeaseTimeout for a RedisQueue.
func WithRedisLeaseTimeout(d time.Duration) RedisQueueOption {
	return func(q *RedisQueue) {
		if d > 0 {
			q.leaseTimeout = d
		}
	}
}

// NewRedisQueue creates a RedisQueue from a redis:// connection URL.
func NewRedisQueue(ctx context.Context, redisURL string, maxConcurrent int, opts ...RedisQueueOption) (*RedisQueue, error) {
	parsed, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("job: parse redis url: %w", err)
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	client := redis.NewClient(parsed)

	sha, err := client.ScriptLoad(ctx, leaseScript).Result()
	if err != nil {
		return nil, fmt.Errorf("job: load lease script: %w", err)
	}

	q := &RedisQueue{
		client:        client,
		maxConcurrent: maxConcurrent,
		leaseTimeout:  DefaultLeaseTimeout,
		queueKey:      "render:queue",
		activeKey:     "render:active",
		jobsKey:       "render:jobs",
		leasesKey:     "render:leases",
		leaseSHA:      sha,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Enqueue persists a new job and appends it to the pending FIFO.
func (q *RedisQueue) Enqueue(ctx context.Context, j *Job) error {
	if err := q.saveRecord(ctx, j); err != nil {
		return err
	}
	if err := q.client.RPush(ctx, q.queueKey, j.ID).Err(); err != nil {
		return fmt.Errorf("job: rpush: %w", err)
	}
	return nil
}

// Lease pops the next pending job and marks it active.
func (q *RedisQueue) Lease(ctx context.Context) (*Job, error) {
	res, err := q.client.EvalSha(ctx, q.leaseSHA, []string{q.queueKey, q.activeKey}, q.maxConcurrent).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrQueueEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("job: lease script: %w", err)
	}
	id, ok := res.(string)
	if !ok || id == "" {
		return nil, ErrQueueEmpty
	}

	j, err := q.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := j.Start(); err != nil {
		return nil, err
	}
	if err := q.saveRecord(ctx, j); err != nil {
		return nil, err
	}

	deadline := float64(time.Now().Add(q.leaseTimeout).Unix())
	if err := q.client.ZAdd(ctx, q.leasesKey, redis.Z{Score: deadline, Member: id}).Err(); err != nil {
		return nil, fmt.Errorf("job: zadd lease: %w", err)
	}
	return j, nil
}

// Save persists an update to an already-enqueued job.
func (q *RedisQueue) Save(ctx context.Context, j *Job) error {
	exists, err := q.client.HExists(ctx, q.jobsKey, j.ID).Result()
	if err != nil {
		return fmt.Errorf("job: hexists: %w", err)
	}
	if !exists {
		return ErrJobNotFound
	}
	return q.saveRecord(ctx, j)
}

func (q *RedisQueue) saveRecord(ctx context.Context, j *Job) error {
	rec, err := toRecord(j)
	if err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("job: marshal record: %w", err)
	}
	if err := q.client.HSet(ctx, q.jobsKey, j.ID, data).Err(); err != nil {
		return fmt.Errorf("job: hset: %w", err)
	}
	return nil
}

// FindByID retrieves a job by its ID.
func (q *RedisQueue) FindByID(ctx context.Context, id string) (*Job, error) {
	data, err := q.client.HGet(ctx, q.jobsKey, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("job: hget: %w", err)
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("job: unmarshal record: %w", err)
	}
	return rec.toJob()
}

// List returns all jobs in the queue.
func (q *RedisQueue) List(ctx context.Context) ([]*Job, error) {
	all, err := q.client.HGetAll(ctx, q.jobsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("job: hgetall: %w", err)
	}
	result := make([]*Job, 0, len(all))
	for _, data := range all {
		var rec record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			continue
		}
		j, err := rec.toJob()
		if err != nil {
			continue
		}
		result = append(result, j)
	}
	return result, nil
}

// Complete marks a leased job as completed, releasing its in-flight slot.
func (q *RedisQueue) Complete(ctx context.Context, id string, outputPath, outputURL string, fileSize int64) error {
	j, err := q.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if err := q.client.SRem(ctx, q.activeKey, id).Err(); err != nil {
		return fmt.Errorf("job: srem: %w", err)
	}
	if err := q.client.ZRem(ctx, q.leasesKey, id).Err(); err != nil {
		return fmt.Errorf("job: zrem lease: %w", err)
	}
	if err := j.Complete(outputPath, outputURL, fileSize); err != nil {
		return err
	}
	return q.saveRecord(ctx, j)
}

// Fail marks a leased job as failed, releasing its in-flight slot.
func (q *RedisQueue) Fail(ctx context.Context, id string, kind ErrorKind, message string) error {
	j, err := q.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if err := q.client.SRem(ctx, q.activeKey, id).Err(); err != nil {
		return fmt.Errorf("job: srem: %w", err)
	}
	if err := q.client.ZRem(ctx, q.leasesKey, id).Err(); err != nil {
		return fmt.Errorf("job: zrem lease: %w", err)
	}
	if err := j.Fail(kind, message); err != nil {
		return err
	}
	return q.saveRecord(ctx, j)
}

// Cancel removes a pending job from the FIFO, or marks a leased job
// cancelled and releases its in-flight slot.
func (q *RedisQueue) Cancel(ctx context.Context, id string) error {
	j, err := q.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if err := q.client.LRem(ctx, q.queueKey, 0, id).Err(); err != nil {
		return fmt.Errorf("job: lrem: %w", err)
	}
	if err := q.client.SRem(ctx, q.activeKey, id).Err(); err != nil {
		return fmt.Errorf("job: srem: %w", err)
	}
	if err := q.client.ZRem(ctx, q.leasesKey, id).Err(); err != nil {
		return fmt.Errorf("job: zrem lease: %w", err)
	}
	if err := j.Cancel(); err != nil {
		return err
	}
	return q.saveRecord(ctx, j)
}

// SweepExpiredLeases requeues every active job whose lease deadline has
// passed, the same invariant MemoryQueue.SweepExpiredLeases enforces,
// but read from the `render:leases` ZSET (member id, score = lease
// deadline as a Unix timestamp) so it works across multiple coordinator
// processes sharing one RedisQueue.
func (q *RedisQueue) SweepExpiredLeases(ctx context.Context) ([]string, error) {
	now := fmt.Sprintf("%d", time.Now().Unix())
	ids, err := q.client.ZRangeByScore(ctx, q.leasesKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("job: zrangebyscore: %w", err)
	}

	var requeued []string
	for _, id := range ids {
		j, err := q.FindByID(ctx, id)
		if err != nil {
			q.client.ZRem(ctx, q.leasesKey, id)
			q.client.SRem(ctx, q.activeKey, id)
			continue
		}
		if err := j.Requeue(); err != nil {
			// Already terminal: drop the stale lease bookkeeping.
			q.client.ZRem(ctx, q.leasesKey, id)
			q.client.SRem(ctx, q.activeKey, id)
			continue
		}
		if err := q.saveRecord(ctx, j); err != nil {
			return requeued, err
		}
		if err := q.client.SRem(ctx, q.activeKey, id).Err(); err != nil {
			return requeued, fmt.Errorf("job: srem: %w", err)
		}
		if err := q.client.ZRem(ctx, q.leasesKey, id).Err(); err != nil {
			return requeued, fmt.Errorf("job: zrem lease: %w", err)
		}
		if err := q.client.RPush(ctx, q.queueKey, id).Err(); err != nil {
			return requeued, fmt.Errorf("job: rpush: %w", err)
		}
		requeued = append(requeued, id)
	}
	return requeued, nil
}

// Status reports current queue occupancy.
func (q *RedisQueue) Status(ctx context.Context) (QueueStatus, error) {
	pipe := q.client.Pipeline()
	queueLen := pipe.LLen(ctx, q.queueKey)
	activeLen := pipe.SCard(ctx, q.activeKey)
	totalLen := pipe.HLen(ctx, q.jobsKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return QueueStatus{}, fmt.Errorf("job: status pipeline: %w", err)
	}
	return QueueStatus{
		QueueSize:     int(queueLen.Val()),
		ActiveJobs:    int(activeLen.Val()),
		TotalJobs:     int(totalLen.Val()),
		MaxConcurrent: q.maxConcurrent,
	}, nil
}

// Close releases the underlying connection pool.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
