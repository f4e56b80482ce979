package events

import (
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// NewRedisStreamPublisher publishes results to a Redis stream named after
// the topic, using the same server as the session registry.
func NewRedisStreamPublisher(client redis.UniversalClient, logger *zap.Logger) (*Publisher, error) {
	pub, err := redisstream.NewPublisher(redisstream.PublisherConfig{Client: client}, NewLogger(logger))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create redis stream publisher")
	}
	return NewPublisher(pub), nil
}
