package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// DeliveryTTL is how long a sent delivery is remembered. It must outlive
	// the retry window of a notification job (3 attempts plus stall requeues).
	DeliveryTTL = 24 * time.Hour

	// processingTTL bounds a reservation left behind by a crashed worker.
	processingTTL = 5 * time.Minute

	processingMarker = "processing"
)

// ErrDuplicateRequest means another worker currently holds the reservation.
var ErrDuplicateRequest = errors.New("duplicate delivery: already in progress")

// InProgressError is returned while a reservation is held. RetryAfter is the
// reservation's remaining lifetime, after which an abandoned marker expires.
type InProgressError struct {
	RetryAfter time.Duration
}

func (e *InProgressError) Error() string {
	return fmt.Sprintf("%s (expires in %s)", ErrDuplicateRequest, e.RetryAfter)
}

func (e *InProgressError) Is(target error) bool { return target == ErrDuplicateRequest }

// IdempotencyResult is what is remembered about a completed delivery.
type IdempotencyResult struct {
	JobID     string `json:"job_id"`
	Channel   string `json:"channel"`
	CreatedAt int64  `json:"created_at"`
}

// IdempotencyService deduplicates externally visible side effects that may be
// repeated when a job is redelivered after a stall.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
}

// NewIdempotencyService creates a new idempotency service.
func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{
		client: client,
		logger: logger,
	}
}

func (s *IdempotencyService) buildKey(orgID, key string) string {
	return fmt.Sprintf("delivery:%s:%s", orgID, key)
}

// Check returns the stored result for key, (nil, nil) when unknown, or
// ErrDuplicateRequest while another worker holds the reservation.
func (s *IdempotencyService) Check(ctx context.Context, orgID, key string) (*IdempotencyResult, error) {
	val, err := s.client.rdb.Get(ctx, s.buildKey(orgID, key)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, s.inProgress(ctx, orgID, key)
	}

	var result IdempotencyResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		s.logger.Error("failed to unmarshal delivery marker", zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	return &result, nil
}

// Store records a completed delivery.
func (s *IdempotencyService) Store(ctx context.Context, orgID, key string, result *IdempotencyResult, ttl time.Duration) error {
	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, s.buildKey(orgID, key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Reserve takes the in-progress marker with SET NX.
func (s *IdempotencyService) Reserve(ctx context.Context, orgID, key string) (bool, error) {
	set, err := s.client.rdb.SetNX(ctx, s.buildKey(orgID, key), processingMarker, processingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return set, nil
}

// CheckOrReserve returns the stored result if the delivery already happened,
// reserves the key otherwise.
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, orgID, key string) (*IdempotencyResult, error) {
	result, err := s.Check(ctx, orgID, key)
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}

	reserved, err := s.Reserve(ctx, orgID, key)
	if err != nil {
		return nil, err
	}
	if !reserved {
		return nil, s.inProgress(ctx, orgID, key)
	}
	return nil, nil
}

// inProgress reads the remaining lifetime of a held reservation. An
// unreadable TTL falls back to the full reservation window.
func (s *IdempotencyService) inProgress(ctx context.Context, orgID, key string) error {
	ttl, err := s.client.rdb.PTTL(ctx, s.buildKey(orgID, key)).Result()
	if err != nil || ttl <= 0 {
		ttl = processingTTL
	}
	return &InProgressError{RetryAfter: ttl}
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Release drops a reservation after a failed attempt so the retry can take
// it again. A stored result is never released.
func (s *IdempotencyService) Release(ctx context.Context, orgID, key string) error {
	if err := releaseScript.Run(ctx, s.client.rdb, []string{s.buildKey(orgID, key)}, processingMarker).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("redis release failed: %w", err)
	}
	return nil
}
