package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const maxReconnectBackoff = 30 * time.Second

// AMQP is a durable RabbitMQ-backed queue shared by every instance
type AMQP struct {
	url      string
	name     string
	workers  int
	prefetch int
	log      *zap.Logger

	mu      sync.Mutex
	pubConn *amqp.Connection
	pubCh   *amqp.Channel
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewAMQP creates a RabbitMQ queue. Nothing is dialed until first use.
func NewAMQP(url, name string, workers, prefetch int, log *zap.Logger) *AMQP {
	if name == "" {
		name = "etims.dispatch"
	}
	if workers < 1 {
		workers = 1
	}
	if prefetch < workers {
		prefetch = workers
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &AMQP{url: url, name: name, workers: workers, prefetch: prefetch, log: log}
}

func (q *AMQP) declare(ch *amqp.Channel) error {
	_, err := ch.QueueDeclare(
		q.name, // name
		true,   // durable
		false,  // autoDelete
		false,  // exclusive
		false,  // noWait
		nil,    // args
	)
	return err
}

// publisher returns the shared publishing channel, dialing on first use or after a failure
func (q *AMQP) publisher() (*amqp.Channel, error) {
	if q.pubCh != nil && !q.pubCh.IsClosed() {
		return q.pubCh, nil
	}
	if q.pubConn == nil || q.pubConn.IsClosed() {
		conn, err := amqp.Dial(q.url)
		if err != nil {
			return nil, fmt.Errorf("dial broker: %w", err)
		}
		q.pubConn = conn
	}
	ch, err := q.pubConn.Channel()
	if err != nil {
		return nil, fmt.Errorf("channel open: %w", err)
	}
	if err := q.declare(ch); err != nil {
		ch.Close()
		return nil, fmt.Errorf("queue declare: %w", err)
	}
	q.pubCh = ch
	return ch, nil
}

// Enqueue publishes a persistent JSON message
func (q *AMQP) Enqueue(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	ch, err := q.publisher()
	if err != nil {
		return err
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Type:         job.Kind,
		Body:         body,
	}
	// default exchange, routing key = queue name
	if err := ch.PublishWithContext(ctx, "", q.name, false, false, pub); err != nil {
		q.pubCh = nil
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Start runs the consumer loop in the background, reconnecting with backoff
func (q *AMQP) Start(ctx context.Context, h Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.cancel = cancel
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		backoff := time.Second
		for ctx.Err() == nil {
			conn, err := amqp.Dial(q.url)
			if err != nil {
				q.log.Warn("amqp dial failed", zap.Error(err), zap.Duration("retry_in", backoff))
				if !sleep(ctx, backoff) {
					return
				}
				if backoff < maxReconnectBackoff {
					backoff *= 2
				}
				continue
			}
			backoff = time.Second

			if err := q.consume(ctx, conn, h); err != nil && ctx.Err() == nil {
				q.log.Warn("amqp consume loop ended, reconnecting", zap.Error(err))
				sleep(ctx, 2*time.Second)
			}
			conn.Close()
		}
	}()
	q.log.Info("amqp queue started", zap.String("queue", q.name), zap.Int("workers", q.workers))
	return nil
}

func (q *AMQP) consume(ctx context.Context, conn *amqp.Connection, h Handler) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(q.prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	if err := q.declare(ch); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.Consume(q.name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range msgs {
				q.deliver(ctx, h, d)
			}
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		ch.Close()
		<-done
		return ctx.Err()
	case <-done:
		return errors.New("deliveries channel closed")
	}
}

func (q *AMQP) deliver(ctx context.Context, h Handler, d amqp.Delivery) {
	var job Job
	if err := json.Unmarshal(d.Body, &job); err != nil {
		q.log.Error("dropping malformed job", zap.Error(err))
		_ = d.Nack(false, false)
		return
	}
	if err := run(ctx, h, job); err != nil {
		q.log.Warn("job failed",
			zap.String("kind", job.Kind),
			zap.Uint("submission_id", job.SubmissionID),
			zap.Uint("settings_id", job.SettingsID),
			zap.Error(err))
		// reject without requeue; pending submissions are picked up by the scheduler again
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}

// Close stops the consumer and the publisher
func (q *AMQP) Close() error {
	q.mu.Lock()
	q.closed = true
	if q.cancel != nil {
		q.cancel()
	}
	var err error
	if q.pubConn != nil && !q.pubConn.IsClosed() {
		err = q.pubConn.Close()
	}
	q.mu.Unlock()

	q.wg.Wait()
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
