package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Store is the persistent side of the queue. All transitions are atomic.
type Store interface {
	Add(ctx context.Context, queue QueueName, name JobName, org uuid.UUID, data []byte, opts JobOptions) (AddResult, error)

	// Claim moves the next runnable job to active under a lease. It returns
	// (nil, nil) when the queue is empty.
	Claim(ctx context.Context, queue QueueName, lease time.Duration) (*Job, error)
	WaitForJob(ctx context.Context, queue QueueName, timeout time.Duration) error
	ExtendLock(ctx context.Context, job *Job, lease time.Duration) error
	Complete(ctx context.Context, job *Job) error
	Fail(ctx context.Context, job *Job, reason string, retryDelay time.Duration, retry bool) (State, error)

	// Postpone puts an active job back in delayed without counting the
	// attempt it just made.
	Postpone(ctx context.Context, job *Job, reason string, delay time.Duration) error
	MoveStalled(ctx context.Context, queue QueueName, maxStalled int) (StallReport, error)

	Counts(ctx context.Context, queue QueueName) (Counts, error)
	GetJob(ctx context.Context, queue QueueName, id string) (*Job, error)
	Remove(ctx context.Context, queue QueueName, id string) (bool, error)
	ListFailed(ctx context.Context, queue QueueName, offset, limit int64) ([]*Job, error)
	RetryFailed(ctx context.Context, queue QueueName, id string) error

	Ping(ctx context.Context) error
	Close() error
}

// StallReport lists the job ids a stall sweep touched.
type StallReport struct {
	Requeued []string
	Failed   []string
}

// RedisStore implements Store on Redis with Lua scripts.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	logger *zap.Logger
	now    func() time.Time
}

// NewRedisStore creates a store whose keys live under prefix.
func NewRedisStore(rdb redis.UniversalClient, prefix string, logger *zap.Logger) *RedisStore {
	if prefix == "" {
		prefix = "freshtrack"
	}
	return &RedisStore{
		rdb:    rdb,
		prefix: prefix,
		logger: logger,
		now:    time.Now,
	}
}

type queueKeys struct {
	base      string
	wait      string
	active    string
	delayed   string
	completed string
	failed    string
	marker    string
	id        string
	seq       string
}

func (s *RedisStore) keys(q QueueName) queueKeys {
	base := fmt.Sprintf("%s:%s:", s.prefix, q)
	return queueKeys{
		base:      base,
		wait:      base + "wait",
		active:    base + "active",
		delayed:   base + "delayed",
		completed: base + "completed",
		failed:    base + "failed",
		marker:    base + "marker",
		id:        base + "id",
		seq:       base + "seq",
	}
}

func (s *RedisStore) jobKey(q QueueName, id string) string {
	return s.keys(q).base + "job:" + id
}

func (s *RedisStore) nowMs() int64 {
	return s.now().UnixMilli()
}

// Add persists a job in waiting or delayed state.
func (s *RedisStore) Add(ctx context.Context, q QueueName, name JobName, org uuid.UUID, data []byte, opts JobOptions) (AddResult, error) {
	k := s.keys(q)

	res, err := addScript.Run(ctx, s.rdb,
		[]string{k.wait, k.delayed, k.id, k.seq, k.marker},
		k.base,
		opts.JobID,
		string(name),
		string(data),
		org.String(),
		opts.Attempts,
		string(opts.Backoff.Type),
		opts.Backoff.Base.Milliseconds(),
		opts.Backoff.Max.Milliseconds(),
		opts.Priority,
		s.nowMs(),
		opts.Delay.Milliseconds(),
		opts.KeepCompleted,
		opts.KeepFailed,
	).Slice()
	if err != nil {
		return AddResult{}, fmt.Errorf("add job: %w", err)
	}
	if len(res) != 2 {
		return AddResult{}, fmt.Errorf("add job: unexpected reply %v", res)
	}

	id, _ := res[0].(string)
	dup, _ := res[1].(int64)
	return AddResult{JobID: id, Duplicate: dup == 1}, nil
}

// Claim promotes due delayed jobs and leases the next waiting job.
func (s *RedisStore) Claim(ctx context.Context, q QueueName, lease time.Duration) (*Job, error) {
	k := s.keys(q)
	token := uuid.NewString()

	res, err := claimScript.Run(ctx, s.rdb,
		[]string{k.wait, k.active, k.delayed, k.seq},
		k.base, s.nowMs(), lease.Milliseconds(), token,
	).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	job, err := parseJob(q, pairsToMap(res))
	if err != nil {
		return nil, err
	}
	job.token = token
	return job, nil
}

// WaitForJob blocks until a producer signals the queue or timeout elapses.
func (s *RedisStore) WaitForJob(ctx context.Context, q QueueName, timeout time.Duration) error {
	err := s.rdb.BLPop(ctx, timeout, s.keys(q).marker).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

// ExtendLock renews the lease on an active job held by this worker.
func (s *RedisStore) ExtendLock(ctx context.Context, job *Job, lease time.Duration) error {
	k := s.keys(job.Queue)
	ok, err := extendLockScript.Run(ctx, s.rdb,
		[]string{k.active},
		k.base, job.ID, job.token, s.nowMs()+lease.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("extend lock: %w", err)
	}
	if ok == 0 {
		return ErrLockLost
	}
	return nil
}

// Complete marks an active job as completed and applies retention.
func (s *RedisStore) Complete(ctx context.Context, job *Job) error {
	k := s.keys(job.Queue)
	ok, err := completeScript.Run(ctx, s.rdb,
		[]string{k.active, k.completed},
		k.base, job.ID, job.token, s.nowMs(),
	).Int()
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if ok == 0 {
		return ErrLockLost
	}
	return nil
}

// Fail reschedules the job after retryDelay, or moves it to failed when
// retry is false. It returns the state the job ended up in.
func (s *RedisStore) Fail(ctx context.Context, job *Job, reason string, retryDelay time.Duration, retry bool) (State, error) {
	k := s.keys(job.Queue)

	retryAt := int64(-1)
	if retry {
		retryAt = s.nowMs() + retryDelay.Milliseconds()
	}

	res, err := failScript.Run(ctx, s.rdb,
		[]string{k.active, k.delayed, k.failed, k.marker},
		k.base, job.ID, job.token, s.nowMs(), reason, retryAt,
	).Int()
	if err != nil {
		return "", fmt.Errorf("fail job: %w", err)
	}

	switch res {
	case 1:
		return StateDelayed, nil
	case 2:
		return StateFailed, nil
	default:
		return "", ErrLockLost
	}
}

// Postpone reschedules an active job after delay and hands its attempt back.
func (s *RedisStore) Postpone(ctx context.Context, job *Job, reason string, delay time.Duration) error {
	k := s.keys(job.Queue)
	ok, err := postponeScript.Run(ctx, s.rdb,
		[]string{k.active, k.delayed, k.marker},
		k.base, job.ID, job.token, reason, s.nowMs()+delay.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("postpone job: %w", err)
	}
	if ok == 0 {
		return ErrLockLost
	}
	return nil
}

// MoveStalled requeues jobs whose lease expired, failing those that stalled
// more than maxStalled times.
func (s *RedisStore) MoveStalled(ctx context.Context, q QueueName, maxStalled int) (StallReport, error) {
	k := s.keys(q)
	res, err := moveStalledScript.Run(ctx, s.rdb,
		[]string{k.active, k.wait, k.seq, k.failed, k.marker},
		k.base, s.nowMs(), maxStalled,
	).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return StallReport{}, fmt.Errorf("move stalled: %w", err)
	}

	var report StallReport
	for _, entry := range res {
		switch {
		case strings.HasPrefix(entry, "r:"):
			report.Requeued = append(report.Requeued, entry[2:])
		case strings.HasPrefix(entry, "f:"):
			report.Failed = append(report.Failed, entry[2:])
		}
	}
	return report, nil
}

// Counts returns the number of jobs in each state.
func (s *RedisStore) Counts(ctx context.Context, q QueueName) (Counts, error) {
	k := s.keys(q)

	pipe := s.rdb.Pipeline()
	waiting := pipe.ZCard(ctx, k.wait)
	active := pipe.ZCard(ctx, k.active)
	completed := pipe.LLen(ctx, k.completed)
	failed := pipe.LLen(ctx, k.failed)
	delayed := pipe.ZCard(ctx, k.delayed)

	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, fmt.Errorf("count jobs in %s: %w", q, err)
	}

	return Counts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   delayed.Val(),
	}, nil
}

// GetJob loads a job by id.
func (s *RedisStore) GetJob(ctx context.Context, q QueueName, id string) (*Job, error) {
	fields, err := s.rdb.HGetAll(ctx, s.jobKey(q, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}
	return parseJob(q, fields)
}

// Remove deletes a job that has not been picked up yet. It is the only way
// to stop a job from running.
func (s *RedisStore) Remove(ctx context.Context, q QueueName, id string) (bool, error) {
	k := s.keys(q)
	n, err := removeScript.Run(ctx, s.rdb, []string{k.wait, k.delayed}, k.base, id).Int()
	if err != nil {
		return false, fmt.Errorf("remove job: %w", err)
	}
	return n == 1, nil
}

// ListFailed returns retained failed jobs, newest first.
func (s *RedisStore) ListFailed(ctx context.Context, q QueueName, offset, limit int64) ([]*Job, error) {
	if limit <= 0 {
		return []*Job{}, nil
	}

	ids, err := s.rdb.LRange(ctx, s.keys(q).failed, offset, offset+limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list failed jobs: %w", err)
	}
	if len(ids) == 0 {
		return []*Job{}, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.jobKey(q, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("load failed jobs: %w", err)
	}

	jobs := make([]*Job, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		job, err := parseJob(q, fields)
		if err != nil {
			s.logger.Warn("skipping unreadable failed job",
				zap.String("queue", string(q)),
				zap.String("job_id", ids[i]),
				zap.Error(err),
			)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// RetryFailed moves a failed job back to waiting with a fresh attempt budget.
func (s *RedisStore) RetryFailed(ctx context.Context, q QueueName, id string) error {
	k := s.keys(q)
	n, err := retryFailedScript.Run(ctx, s.rdb,
		[]string{k.failed, k.wait, k.seq, k.marker},
		k.base, id,
	).Int()
	if err != nil {
		return fmt.Errorf("retry failed job: %w", err)
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func pairsToMap(pairs []string) map[string]string {
	m := make(map[string]string, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		m[pairs[i]] = pairs[i+1]
	}
	return m
}

func parseJob(q QueueName, f map[string]string) (*Job, error) {
	org, err := uuid.Parse(f["organizationId"])
	if err != nil {
		return nil, fmt.Errorf("job %s: invalid organizationId: %w", f["id"], err)
	}

	job := &Job{
		ID:             f["id"],
		Queue:          q,
		Name:           JobName(f["name"]),
		OrganizationID: org,
		Data:           []byte(f["data"]),
		State:          State(f["state"]),
		Priority:       atoi(f["priority"]),
		Attempt:        atoi(f["attempts"]),
		MaxAttempts:    atoi(f["maxAttempts"]),
		Backoff: BackoffPolicy{
			Type: BackoffType(f["backoffType"]),
			Base: time.Duration(atoi64(f["backoffDelay"])) * time.Millisecond,
			Max:  time.Duration(atoi64(f["backoffMax"])) * time.Millisecond,
		},
		StalledCount: atoi(f["stalledCounter"]),
		FailedReason: f["failedReason"],
		CreatedAt:    time.UnixMilli(atoi64(f["timestamp"])),
		ProcessedAt:  msPtr(f["processedOn"]),
		FinishedAt:   msPtr(f["finishedOn"]),
	}
	return job, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func msPtr(s string) *time.Time {
	if s == "" {
		return nil
	}
	t := time.UnixMilli(atoi64(s))
	return &t
}
