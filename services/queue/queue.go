package queuesvc

import (
	"context"

	"github.com/pkg/errors"

	"github.com/trezcool/alama/core"
	"github.com/trezcool/alama/core/csvtask"
)

// Handler processes one queued operation ID.
type Handler func(ctx context.Context, opID string) error

// Queue carries deferred operation IDs from the API to the worker. Publishing
// satisfies csvtask.Producer; consuming blocks until the context is done.
type Queue interface {
	csvtask.Producer
	Consume(ctx context.Context, workers int, handler Handler) error
	Close() error
}

// New selects the queue driver from config.
func New(conf core.QueueConfig) (Queue, error) {
	switch conf.Driver {
	case "", "memory":
		return NewMemoryQueue(0), nil
	case "rabbitmq":
		return NewRabbitMQQueue(conf)
	case "redis":
		return NewRedisQueue(conf)
	default:
		return nil, errors.Errorf("unknown queue driver %q", conf.Driver)
	}
}
