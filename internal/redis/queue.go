package redis

import (
	"context"

	"go.uber.org/zap"

	"github.com/lalithlochan/freshtrack/internal/queue"
)

// QueueConnector opens the producer store for queue.Service. It returns nil
// when no host is configured, which keeps the service disabled.
func QueueConnector(cfg Config, prefix string, logger *zap.Logger) queue.Connector {
	if cfg.Host == "" {
		return nil
	}
	return func(ctx context.Context) (queue.Store, error) {
		client, err := New(ctx, cfg, PostureProducer, logger)
		if err != nil {
			return nil, err
		}
		return NewQueueStore(client, prefix, logger), nil
	}
}

// NewQueueStore puts the queue store on an existing connection.
func NewQueueStore(client *Client, prefix string, logger *zap.Logger) *queue.RedisStore {
	return queue.NewRedisStore(client.Raw(), prefix, logger)
}
