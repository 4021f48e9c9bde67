// Package queue implements a Redis-backed job queue: typed job submission on the
// producer side, atomic claim/complete/fail transitions in the store, and the
// read-only health view used by operators.
package queue

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// QueueName identifies a queue in the registry.
type QueueName string

// JobName identifies one kind of job carried by a queue.
type JobName string

// State is the lifecycle state of a job inside the store.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateDelayed   State = "delayed"
)

var (
	ErrMissingOrganization = errors.New("job data is missing organizationId")
	ErrUnknownQueue        = errors.New("unknown queue")
	ErrEmptyJobName        = errors.New("job name is required")
	ErrStoreUnavailable    = errors.New("queue store unavailable")
	ErrQueueDisabled       = errors.New("queue store is disabled")
	ErrLockLost            = errors.New("job lock lost")
	ErrJobNotFound         = errors.New("job not found")
)

// BaseJobData is the mandatory part of every job payload. Payload types embed
// it; the unexported marker method on JobData means nothing else can satisfy
// the interface, so a payload without tenant scope cannot be submitted.
type BaseJobData struct {
	OrganizationID uuid.UUID `json:"organizationId"`
}

// Organization returns the tenant the job belongs to.
func (b BaseJobData) Organization() uuid.UUID {
	return b.OrganizationID
}

func (BaseJobData) baseJobData() {}

// JobData is implemented by every queued payload.
type JobData interface {
	Organization() uuid.UUID
	baseJobData()
}

// Job is a job as seen by a consumer.
type Job struct {
	ID             string          `json:"id"`
	Queue          QueueName       `json:"queue"`
	Name           JobName         `json:"name"`
	OrganizationID uuid.UUID       `json:"organizationId"`
	Data           json.RawMessage `json:"data"`
	State          State           `json:"state"`
	Priority       int             `json:"priority"`

	// Attempt counts started attempts, including the one in progress.
	Attempt     int           `json:"attempts"`
	MaxAttempts int           `json:"maxAttempts"`
	Backoff     BackoffPolicy `json:"backoff"`

	StalledCount int        `json:"stalledCounter"`
	FailedReason string     `json:"failedReason,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	ProcessedAt  *time.Time `json:"processedAt,omitempty"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`

	token string
}

// Counts is the per-state job count of a queue.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// AddResult describes the outcome of a submission.
type AddResult struct {
	JobID     string `json:"jobId,omitempty"`
	Disabled  bool   `json:"disabled,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// JobOptions control how a job is scheduled and retained.
type JobOptions struct {
	Attempts      int
	Backoff       BackoffPolicy
	Priority      int
	Delay         time.Duration
	JobID         string
	KeepCompleted int
	KeepFailed    int
}

// DefaultJobOptions: 3 attempts, exponential backoff from 1s, keep the last
// 100 completed and 500 failed jobs.
func DefaultJobOptions() JobOptions {
	return JobOptions{
		Attempts:      3,
		Backoff:       BackoffPolicy{Type: BackoffExponential, Base: time.Second},
		KeepCompleted: 100,
		KeepFailed:    500,
	}
}

// JobOption overrides a single field of JobOptions.
type JobOption func(*JobOptions)

func WithAttempts(n int) JobOption {
	return func(o *JobOptions) { o.Attempts = n }
}

// WithPriority sets the job priority. Lower values are claimed first.
func WithPriority(p int) JobOption {
	return func(o *JobOptions) { o.Priority = p }
}

// WithJobID sets a caller-chosen job id. Adding a job whose id already exists
// in the queue is a no-op reported as a duplicate.
func WithJobID(id string) JobOption {
	return func(o *JobOptions) { o.JobID = id }
}

// WithRetention sets how many completed and failed jobs are kept once the job
// reaches a terminal state.
func WithRetention(keepCompleted, keepFailed int) JobOption {
	return func(o *JobOptions) {
		o.KeepCompleted = keepCompleted
		o.KeepFailed = keepFailed
	}
}

type unrecoverableError struct {
	err error
}

func (e *unrecoverableError) Error() string { return e.err.Error() }
func (e *unrecoverableError) Unwrap() error { return e.err }

// Unrecoverable marks err so the job moves straight to failed without
// consuming its remaining attempts.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &unrecoverableError{err: err}
}

// IsUnrecoverable reports whether err was wrapped with Unrecoverable.
func IsUnrecoverable(err error) bool {
	var u *unrecoverableError
	return errors.As(err, &u)
}

// MinPostpone is the shortest delay a postponed job is held back for.
const MinPostpone = time.Second

type postponedError struct {
	err   error
	delay time.Duration
}

func (e *postponedError) Error() string { return e.err.Error() }
func (e *postponedError) Unwrap() error { return e.err }

// Postpone marks err as a temporary condition outside the job's control. The
// job is rescheduled after delay and the attempt is not counted against
// MaxAttempts.
func Postpone(err error, delay time.Duration) error {
	if err == nil {
		return nil
	}
	return &postponedError{err: err, delay: max(delay, MinPostpone)}
}

// PostponedFor returns the delay carried by an error wrapped with Postpone.
func PostponedFor(err error) (time.Duration, bool) {
	var p *postponedError
	if errors.As(err, &p) {
		return p.delay, true
	}
	return 0, false
}
