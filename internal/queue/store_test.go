package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type testClock struct {
	t time.Time
}

func (c *testClock) Now() time.Time          { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func setupTestStore(t *testing.T) (*RedisStore, *testClock) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(rdb, "test", zap.NewNop())
	clock := &testClock{t: time.Unix(1_700_000_000, 0)}
	store.now = clock.Now

	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})
	return store, clock
}

const testQueue QueueName = "sms-notifications"

var testOrg = uuid.MustParse("11111111-1111-1111-1111-111111111111")

func addTestJob(t *testing.T, s *RedisStore, opts JobOptions) AddResult {
	t.Helper()
	res, err := s.Add(context.Background(), testQueue, "alert-triggered", testOrg, []byte(`{"organizationId":"`+testOrg.String()+`"}`), opts)
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	return res
}

func mustClaim(t *testing.T, s *RedisStore, lease time.Duration) *Job {
	t.Helper()
	job, err := s.Claim(context.Background(), testQueue, lease)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if job == nil {
		t.Fatal("expected a job, queue was empty")
	}
	return job
}

func TestRedisStore_AddAndClaim(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	first := addTestJob(t, s, DefaultJobOptions())
	addTestJob(t, s, DefaultJobOptions())

	job := mustClaim(t, s, 30*time.Second)
	if job.ID != first.JobID {
		t.Errorf("expected first job %s, got %s", first.JobID, job.ID)
	}
	if job.Attempt != 1 || job.MaxAttempts != 3 {
		t.Errorf("unexpected attempts %d/%d", job.Attempt, job.MaxAttempts)
	}
	if job.OrganizationID != testOrg || job.Name != "alert-triggered" {
		t.Errorf("unexpected job fields: %+v", job)
	}
	if job.Backoff.Type != BackoffExponential || job.Backoff.Base != time.Second {
		t.Errorf("backoff not persisted: %+v", job.Backoff)
	}
	if job.State != StateActive {
		t.Errorf("expected active, got %s", job.State)
	}

	counts, err := s.Counts(ctx, testQueue)
	if err != nil {
		t.Fatalf("counts failed: %v", err)
	}
	if counts.Waiting != 1 || counts.Active != 1 {
		t.Errorf("unexpected counts: %+v", counts)
	}
}

func TestRedisStore_ClaimEmpty(t *testing.T) {
	s, _ := setupTestStore(t)

	job, err := s.Claim(context.Background(), testQueue, time.Second)
	if err != nil || job != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", job, err)
	}
}

func TestRedisStore_PriorityOrder(t *testing.T) {
	s, _ := setupTestStore(t)

	low := DefaultJobOptions()
	low.Priority = 5
	addTestJob(t, s, low)

	high := DefaultJobOptions()
	high.Priority = 1
	urgent := addTestJob(t, s, high)

	job := mustClaim(t, s, time.Second)
	if job.ID != urgent.JobID {
		t.Errorf("expected priority job %s first, got %s", urgent.JobID, job.ID)
	}
}

func TestRedisStore_DuplicateJobID(t *testing.T) {
	s, _ := setupTestStore(t)

	opts := DefaultJobOptions()
	opts.JobID = "alert-1:sms:alert.triggered"

	first := addTestJob(t, s, opts)
	second := addTestJob(t, s, opts)

	if first.Duplicate || !second.Duplicate {
		t.Fatalf("expected only second add to be a duplicate: %+v %+v", first, second)
	}
	if second.JobID != opts.JobID {
		t.Errorf("expected id %s, got %s", opts.JobID, second.JobID)
	}

	counts, _ := s.Counts(context.Background(), testQueue)
	if counts.Waiting != 1 {
		t.Errorf("expected 1 waiting job, got %d", counts.Waiting)
	}
}

func TestRedisStore_CompleteRetention(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	opts := DefaultJobOptions()
	opts.KeepCompleted = 2

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, addTestJob(t, s, opts).JobID)
	}
	for i := 0; i < 3; i++ {
		job := mustClaim(t, s, time.Second)
		if err := s.Complete(ctx, job); err != nil {
			t.Fatalf("complete failed: %v", err)
		}
	}

	counts, _ := s.Counts(ctx, testQueue)
	if counts.Completed != 2 || counts.Active != 0 {
		t.Errorf("unexpected counts: %+v", counts)
	}

	if _, err := s.GetJob(ctx, testQueue, ids[0]); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("oldest completed job should be purged, got %v", err)
	}
	kept, err := s.GetJob(ctx, testQueue, ids[2])
	if err != nil {
		t.Fatalf("newest job should be retained: %v", err)
	}
	if kept.State != StateCompleted || kept.FinishedAt == nil {
		t.Errorf("unexpected retained job: %+v", kept)
	}
}

func TestRedisStore_FailWithRetry(t *testing.T) {
	s, clock := setupTestStore(t)
	ctx := context.Background()

	added := addTestJob(t, s, DefaultJobOptions())
	job := mustClaim(t, s, 30*time.Second)

	delay, retry := NextAttempt(job)
	state, err := s.Fail(ctx, job, "sns timeout", delay, retry)
	if err != nil {
		t.Fatalf("fail failed: %v", err)
	}
	if state != StateDelayed {
		t.Fatalf("expected delayed, got %s", state)
	}

	if early, _ := s.Claim(ctx, testQueue, time.Second); early != nil {
		t.Fatal("job should not be claimable before its backoff elapses")
	}

	clock.Advance(delay + time.Millisecond)
	again := mustClaim(t, s, time.Second)
	if again.ID != added.JobID || again.Attempt != 2 {
		t.Errorf("expected retry of %s at attempt 2, got %s at %d", added.JobID, again.ID, again.Attempt)
	}
	if again.FailedReason != "sns timeout" {
		t.Errorf("failed reason not kept: %q", again.FailedReason)
	}
}

func TestRedisStore_PostponeKeepsAttempts(t *testing.T) {
	s, clock := setupTestStore(t)
	ctx := context.Background()

	opts := DefaultJobOptions()
	opts.Attempts = 1
	added := addTestJob(t, s, opts)

	for i := 0; i < 3; i++ {
		job := mustClaim(t, s, 30*time.Second)
		if job.Attempt != 1 {
			t.Fatalf("claim %d: attempt = %d, want 1", i, job.Attempt)
		}
		if err := s.Postpone(ctx, job, "provider unavailable", time.Minute); err != nil {
			t.Fatalf("postpone: %v", err)
		}

		counts, _ := s.Counts(ctx, testQueue)
		if counts.Delayed != 1 || counts.Active != 0 || counts.Failed != 0 {
			t.Fatalf("unexpected counts after postpone: %+v", counts)
		}
		if early, _ := s.Claim(ctx, testQueue, time.Second); early != nil {
			t.Fatal("postponed job claimed before its delay")
		}
		clock.Advance(time.Minute)
	}

	job := mustClaim(t, s, time.Second)
	if job.ID != added.JobID || job.FailedReason != "provider unavailable" {
		t.Errorf("unexpected job after postponements: %+v", job)
	}
	if err := s.Postpone(ctx, &Job{ID: job.ID, Queue: testQueue}, "x", time.Second); !errors.Is(err, ErrLockLost) {
		t.Errorf("postpone without the lease: got %v, want ErrLockLost", err)
	}
}

func TestRedisStore_TerminalFailureAndRetryFailed(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	added := addTestJob(t, s, DefaultJobOptions())
	job := mustClaim(t, s, time.Second)

	state, err := s.Fail(ctx, job, "invalid recipient", 0, false)
	if err != nil || state != StateFailed {
		t.Fatalf("expected failed state, got %s, %v", state, err)
	}

	failed, err := s.ListFailed(ctx, testQueue, 0, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != added.JobID || failed[0].FailedReason != "invalid recipient" {
		t.Fatalf("unexpected failed jobs: %+v", failed)
	}

	if err := s.RetryFailed(ctx, testQueue, added.JobID); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if err := s.RetryFailed(ctx, testQueue, added.JobID); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("second retry should report not found, got %v", err)
	}

	counts, _ := s.Counts(ctx, testQueue)
	if counts.Failed != 0 || counts.Waiting != 1 {
		t.Errorf("unexpected counts after retry: %+v", counts)
	}

	again := mustClaim(t, s, time.Second)
	if again.Attempt != 1 {
		t.Errorf("retried job should start a fresh attempt budget, got attempt %d", again.Attempt)
	}
}

func TestRedisStore_LockLost(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	addTestJob(t, s, DefaultJobOptions())
	job := mustClaim(t, s, time.Second)

	stale := *job
	stale.token = "someone-else"

	if err := s.Complete(ctx, &stale); !errors.Is(err, ErrLockLost) {
		t.Errorf("complete with stale token: expected ErrLockLost, got %v", err)
	}
	if _, err := s.Fail(ctx, &stale, "x", 0, false); !errors.Is(err, ErrLockLost) {
		t.Errorf("fail with stale token: expected ErrLockLost, got %v", err)
	}
	if err := s.ExtendLock(ctx, &stale, time.Second); !errors.Is(err, ErrLockLost) {
		t.Errorf("extend with stale token: expected ErrLockLost, got %v", err)
	}
	if err := s.Complete(ctx, job); err != nil {
		t.Errorf("owner should still complete: %v", err)
	}
}

func TestRedisStore_MoveStalled(t *testing.T) {
	s, clock := setupTestStore(t)
	ctx := context.Background()

	added := addTestJob(t, s, DefaultJobOptions())
	mustClaim(t, s, time.Second)

	report, err := s.MoveStalled(ctx, testQueue, 1)
	if err != nil {
		t.Fatalf("move stalled failed: %v", err)
	}
	if len(report.Requeued)+len(report.Failed) != 0 {
		t.Fatalf("lease has not expired yet: %+v", report)
	}

	clock.Advance(2 * time.Second)
	report, _ = s.MoveStalled(ctx, testQueue, 1)
	if len(report.Requeued) != 1 || report.Requeued[0] != added.JobID {
		t.Fatalf("expected job requeued, got %+v", report)
	}

	// stalls do not consume attempts
	job := mustClaim(t, s, time.Second)
	if job.Attempt != 1 || job.StalledCount != 1 {
		t.Errorf("expected attempt 1 stalled 1, got attempt %d stalled %d", job.Attempt, job.StalledCount)
	}

	clock.Advance(2 * time.Second)
	report, _ = s.MoveStalled(ctx, testQueue, 1)
	if len(report.Failed) != 1 {
		t.Fatalf("second stall should fail the job, got %+v", report)
	}

	failed, _ := s.GetJob(ctx, testQueue, added.JobID)
	if failed.State != StateFailed || failed.FailedReason != "job stalled more than allowable limit" {
		t.Errorf("unexpected job after stall limit: %+v", failed)
	}
}

func TestRedisStore_ExtendLockPreventsStall(t *testing.T) {
	s, clock := setupTestStore(t)
	ctx := context.Background()

	addTestJob(t, s, DefaultJobOptions())
	job := mustClaim(t, s, time.Second)

	clock.Advance(800 * time.Millisecond)
	if err := s.ExtendLock(ctx, job, time.Second); err != nil {
		t.Fatalf("extend failed: %v", err)
	}
	clock.Advance(800 * time.Millisecond)

	report, _ := s.MoveStalled(ctx, testQueue, 1)
	if len(report.Requeued) != 0 {
		t.Errorf("renewed job should not stall: %+v", report)
	}
}

func TestRedisStore_DelayedJob(t *testing.T) {
	s, clock := setupTestStore(t)
	ctx := context.Background()

	opts := DefaultJobOptions()
	opts.Delay = 5 * time.Second
	addTestJob(t, s, opts)

	counts, _ := s.Counts(ctx, testQueue)
	if counts.Delayed != 1 || counts.Waiting != 0 {
		t.Fatalf("unexpected counts: %+v", counts)
	}

	if job, _ := s.Claim(ctx, testQueue, time.Second); job != nil {
		t.Fatal("delayed job claimed early")
	}
	clock.Advance(5 * time.Second)
	mustClaim(t, s, time.Second)
}

func TestRedisStore_Remove(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	waiting := addTestJob(t, s, DefaultJobOptions())
	removed, err := s.Remove(ctx, testQueue, waiting.JobID)
	if err != nil || !removed {
		t.Fatalf("expected waiting job removed, got %v %v", removed, err)
	}

	addTestJob(t, s, DefaultJobOptions())
	active := mustClaim(t, s, time.Second)
	removed, _ = s.Remove(ctx, testQueue, active.ID)
	if removed {
		t.Error("active jobs cannot be removed")
	}
}

func TestRedisStore_WaitForJobWakesOnAdd(t *testing.T) {
	s, _ := setupTestStore(t)

	addTestJob(t, s, DefaultJobOptions())

	start := time.Now()
	if err := s.WaitForJob(context.Background(), testQueue, 2*time.Second); err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("wait should return immediately when a job was signalled")
	}
}
