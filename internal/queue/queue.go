package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/therealutkarshpriyadarshi/lecturevod/internal/config"
	"github.com/therealutkarshpriyadarshi/lecturevod/internal/logging"
	"github.com/therealutkarshpriyadarshi/lecturevod/internal/metrics"
)

const (
	ExchangeName       = "lecturevod"
	// DeadLetterExchange receives messages rejected without requeue.
	DeadLetterExchange = "lecturevod.dlx"
)

// DeadLetterQueue names the queue holding rejected messages of name.
func DeadLetterQueue(name string) string {
	return name + ".dead"
}

func queueArgs(name string) amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    DeadLetterExchange,
		"x-dead-letter-routing-key": name,
	}
}

// JobMessage announces a pending job. The job row is the source of truth;
// the message only says where to look.
type JobMessage struct {
	JobID      string    `json:"job_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func encodeMessage(jobID string, at time.Time) ([]byte, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, errors.New("empty job id")
	}
	return json.Marshal(JobMessage{JobID: jobID, EnqueuedAt: at})
}

func decodeMessage(body []byte) (*JobMessage, error) {
	var msg JobMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job message: %w", err)
	}
	if strings.TrimSpace(msg.JobID) == "" {
		return nil, errors.New("job message without job_id")
	}
	return &msg, nil
}

// Handler receives job ids from the queue. Returning nil acknowledges the
// message; an error puts it back.
type Handler func(ctx context.Context, jobID string) error

// Queue publishes and consumes job announcements over RabbitMQ. It
// implements tracker.Dispatcher.
type Queue struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	name    string
	logger  *logging.Logger

	mu sync.Mutex
}

// New creates a new queue client
func New(cfg config.QueueConfig, logger *logging.Logger) (*Queue, error) {
	if logger == nil {
		logger = logging.Nop()
	}

	conn, err := amqp.Dial(cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	q := &Queue{conn: conn, channel: channel, name: cfg.Name, logger: logger}
	if err := q.declare(cfg.Prefetch); err != nil {
		q.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) declare(prefetch int) error {
	err := q.channel.ExchangeDeclare(
		ExchangeName,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	if err := q.declareDeadLetter(); err != nil {
		return err
	}

	_, err = q.channel.QueueDeclare(
		q.name,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		queueArgs(q.name),
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := q.channel.QueueBind(q.name, q.name, ExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	if prefetch <= 0 {
		prefetch = 1
	}
	if err := q.channel.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}
	return nil
}

// declareDeadLetter sets up the exchange and queue that keep malformed
// job messages for inspection.
func (q *Queue) declareDeadLetter() error {
	err := q.channel.ExchangeDeclare(DeadLetterExchange, "direct", true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare dead letter exchange: %w", err)
	}

	dead := DeadLetterQueue(q.name)
	if _, err := q.channel.QueueDeclare(dead, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead letter queue: %w", err)
	}
	if err := q.channel.QueueBind(dead, q.name, DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind dead letter queue: %w", err)
	}
	return nil
}

// Close closes the queue connection
func (q *Queue) Close() error {
	if q.channel != nil {
		q.channel.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

// Dispatch publishes a persistent announcement for jobID.
func (q *Queue) Dispatch(ctx context.Context, jobID string) error {
	body, err := encodeMessage(jobID, time.Now())
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	err = q.channel.PublishWithContext(ctx,
		ExchangeName,
		q.name,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
	metrics.RecordQueueMessage("publish", err)
	if err != nil {
		return fmt.Errorf("failed to publish job %s: %w", jobID, err)
	}
	return nil
}

// Consume delivers announcements to handler until ctx is done or the
// channel closes.
func (q *Queue) Consume(ctx context.Context, handler Handler) error {
	msgs, err := q.channel.Consume(
		q.name,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					q.logger.Warn("Job queue channel closed")
					return
				}
				q.deliver(ctx, msg, handler)
			}
		}
	}()

	return nil
}

func (q *Queue) deliver(ctx context.Context, msg amqp.Delivery, handler Handler) {
	job, err := decodeMessage(msg.Body)
	metrics.RecordQueueMessage("consume", err)
	if err != nil {
		q.logger.WithError(err).Warn("Dead-lettering malformed job message")
		msg.Nack(false, false)
		return
	}

	if err := handler(ctx, job.JobID); err != nil {
		q.logger.WithJobID(job.JobID).WithError(err).Warn("Job message requeued")
		msg.Nack(false, true)
		return
	}
	msg.Ack(false)
}

// Depth returns the number of messages waiting in the queue
func (q *Queue) Depth() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	info, err := q.channel.QueueInspect(q.name)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue: %w", err)
	}
	return info.Messages, nil
}
