package queuesvc

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/trezcool/alama/core"
)

const redisBlockWait = 5 * time.Second

// RedisQueue backs the queue with a Redis list.
type RedisQueue struct {
	client *redis.Client
	queue  string
	wait   time.Duration
}

var _ Queue = (*RedisQueue)(nil)

func NewRedisQueue(conf core.QueueConfig) (*RedisQueue, error) {
	opts, err := redis.ParseURL(conf.URL)
	if err != nil {
		return nil, errors.Wrap(err, "parsing redis URL")
	}
	client := redis.NewClient(opts)
	if err = client.Ping(context.Background()).Err(); err != nil {
		return nil, errors.Wrap(err, "connecting to redis")
	}
	return &RedisQueue{client: client, queue: conf.Name, wait: redisBlockWait}, nil
}

func (q *RedisQueue) Publish(ctx context.Context, opID string) error {
	return errors.Wrap(q.client.LPush(ctx, q.queue, opID).Err(), "publishing operation")
}

func (q *RedisQueue) Consume(ctx context.Context, workers int, handler Handler) error {
	if workers <= 0 {
		workers = 1
	}
	errCh := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				default:
				}
				values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					if err == redis.Nil { // poll timeout
						continue
					}
					errCh <- errors.Wrap(err, "popping operation")
					return
				}
				if len(values) != 2 {
					continue
				}
				_ = handler(ctx, values[1])
			}
		}()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (q *RedisQueue) Close() error {
	if q.client == nil {
		return nil
	}
	return q.client.Close()
}
