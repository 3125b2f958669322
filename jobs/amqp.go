package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/streadway/amqp"

	"github.com/stratacms/strata/common"
)

// AMQPConnection abstracts the broker connection so tests can inject mocks.
type AMQPConnection interface {
	Channel() (AMQPChannel, error)
	Close() error
}

// AMQPChannel abstracts the channel operations the adapter needs.
type AMQPChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// AMQPDialer connects to the broker; injected for testing.
type AMQPDialer interface {
	Dial(url string) (AMQPConnection, error)
}

// RealAMQPConnection wraps an amqp.Connection.
type RealAMQPConnection struct {
	conn *amqp.Connection
}

func (r *RealAMQPConnection) Channel() (AMQPChannel, error) {
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, err
	}
	return &RealAMQPChannel{ch: ch}, nil
}

func (r *RealAMQPConnection) Close() error { return r.conn.Close() }

// RealAMQPChannel wraps an amqp.Channel.
type RealAMQPChannel struct {
	ch *amqp.Channel
}

func (r *RealAMQPChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return r.ch.QueueDeclare(name, durable, autoDelete, exclusive, noWait, args)
}

func (r *RealAMQPChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return r.ch.Publish(exchange, key, mandatory, immediate, msg)
}

func (r *RealAMQPChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return r.ch.Consume(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
}

func (r *RealAMQPChannel) Close() error { return r.ch.Close() }

// RealAMQPDialer dials with the real library.
type RealAMQPDialer struct{}

func (r *RealAMQPDialer) Dial(url string) (AMQPConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return &RealAMQPConnection{conn: conn}, nil
}

// AMQPAdapter is a broker-backed queue over a single durable queue. The
// broker pushes deliveries; StartAfter delays and singleton dedup are not
// natively supported, so the registry's retry re-publish relies on the
// broker redelivering promptly.
type AMQPAdapter struct {
	errorSink

	connection AMQPConnection
	channel    AMQPChannel
	queueName  string
}

// AMQPConfig configures the adapter.
type AMQPConfig struct {
	URL       string
	QueueName string
}

func NewAMQPAdapter(cfg AMQPConfig) (*AMQPAdapter, error) {
	return NewAMQPAdapterWithDialer(cfg, &RealAMQPDialer{})
}

// NewAMQPAdapterWithDialer allows injecting a dialer for testing.
func NewAMQPAdapterWithDialer(cfg AMQPConfig, dialer AMQPDialer) (*AMQPAdapter, error) {
	queueName := cfg.QueueName
	if queueName == "" {
		queueName = "strata_jobs"
	}

	conn, err := dialer.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to AMQP broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	// Durable so queued jobs survive broker restarts.
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}
	return &AMQPAdapter{connection: conn, channel: ch, queueName: queueName}, nil
}

func (a *AMQPAdapter) Capabilities() Capabilities {
	return Capabilities{
		LongRunningConsumer: true,
		PushConsumer:        true,
	}
}

func (a *AMQPAdapter) Publish(_ context.Context, job *Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	err = a.channel.Publish("", a.queueName, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish job: %w", err)
	}
	return nil
}

func (a *AMQPAdapter) Listen(ctx context.Context, handler Handler) error {
	deliveries, err := a.channel.Consume(a.queueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				return nil
			}
			var job Job
			if err := json.Unmarshal(delivery.Body, &job); err != nil {
				common.Logger.WithError(err).Warn("dropping undecodable job")
				a.emitError(err)
				_ = delivery.Nack(false, false)
				continue
			}
			// The registry owns retry policy; no broker requeue.
			_ = handler(ctx, &job)
			_ = delivery.Ack(false)
		}
	}
}

func (a *AMQPAdapter) RunOnce(context.Context, Handler) (int, error) {
	return 0, common.E(common.KindNotImplemented, "AMQP adapter has no run-once consumer")
}

// CreatePushConsumer returns a batch consumer for platforms that push
// deliveries instead of being polled. Each job in the batch runs through
// the handler; the first failure is reported after the batch completes.
func (a *AMQPAdapter) CreatePushConsumer(handler Handler) (PushConsumer, error) {
	return func(ctx context.Context, batch []*Job) error {
		var first error
		for _, job := range batch {
			if err := handler(ctx, job); err != nil {
				a.emitError(err)
				if first == nil {
					first = err
				}
			}
		}
		return first
	}, nil
}

func (a *AMQPAdapter) Close() error {
	if a.channel != nil {
		a.channel.Close()
	}
	if a.connection != nil {
		a.connection.Close()
	}
	return nil
}
