package queuesvc

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/trezcool/alama/core"
)

// RabbitMQQueue is the production queue; operations survive broker restarts.
type RabbitMQQueue struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

var _ Queue = (*RabbitMQQueue)(nil)

func NewRabbitMQQueue(conf core.QueueConfig) (*RabbitMQQueue, error) {
	if conf.URL == "" {
		return nil, errors.New("rabbitmq URL is required")
	}
	conn, err := amqp.Dial(conf.URL)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to rabbitmq")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "opening rabbitmq channel")
	}
	if conf.Prefetch > 0 {
		if err = ch.Qos(conf.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, errors.Wrap(err, "setting rabbitmq QoS")
		}
	}
	if _, err = ch.QueueDeclare(conf.Name, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, errors.Wrap(err, "declaring rabbitmq queue")
	}
	return &RabbitMQQueue{conn: conn, ch: ch, queue: conf.Name}, nil
}

func (q *RabbitMQQueue) Publish(ctx context.Context, opID string) error {
	err := q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		Body:         []byte(opID),
	})
	return errors.Wrap(err, "publishing operation")
}

// Consume acks every delivery; failed operations stay requeueable through
// their operation row, not the broker.
func (q *RabbitMQQueue) Consume(ctx context.Context, workers int, handler Handler) error {
	if workers <= 0 {
		workers = 1
	}
	msgs, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return errors.Wrap(err, "subscribing to rabbitmq queue")
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					_ = handler(ctx, string(msg.Body))
					_ = msg.Ack(false)
				}
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

func (q *RabbitMQQueue) Close() error {
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
