package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	domain "github.com/bryanwahyu/automaton-dashboard/internal/domain/runs"
)

// AMQP publishes jobs to a durable RabbitMQ queue. Delayed jobs go to
// "{queue}.delay" with a per-message TTL; expired messages dead-letter back
// onto the main queue.
type AMQP struct {
	conn    *amqp.Connection
	pubMu   sync.Mutex
	pub     *amqp.Channel
	name    string
	workers int
	log     *slog.Logger
}

func NewAMQP(url, name string, workers int, log *slog.Logger) (*AMQP, error) {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = slog.Default()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare %s: %w", name, err)
	}
	// antrian delay: TTL habis -> balik ke antrian utama
	if _, err := ch.QueueDeclare(name+".delay", true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": name,
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare %s.delay: %w", name, err)
	}
	return &AMQP{conn: conn, pub: ch, name: name, workers: workers, log: log}, nil
}

func (q *AMQP) Enqueue(ctx context.Context, job domain.Job, delay time.Duration) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	b, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Body:         b,
	}
	key := q.name
	if delay > 0 {
		key = q.name + ".delay"
		msg.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
	}

	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	return q.pub.PublishWithContext(ctx, "", key, false, false, msg)
}

func (q *AMQP) Consume(ctx context.Context, h domain.JobHandler) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp consume channel: %w", err)
	}
	defer ch.Close()
	// QoS: prefetch 2x worker supaya tiap worker selalu ada kerjaan
	if err := ch.Qos(q.workers*2, 0, false); err != nil {
		return fmt.Errorf("amqp qos: %w", err)
	}
	msgs, err := ch.ConsumeWithContext(ctx, q.name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp consume: %w", err)
	}

	var wg sync.WaitGroup
	for w := 1; w <= q.workers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for d := range msgs {
				var job domain.Job
				if err := json.Unmarshal(d.Body, &job); err != nil {
					q.log.Error("dropping malformed job", "worker", id, "err", err)
					_ = d.Nack(false, false)
					continue
				}
				dispatch(ctx, q.log, id, job, h)
				_ = d.Ack(false)
			}
		}(w)
	}
	q.log.Info("job workers started", "backend", "amqp", "workers", q.workers, "queue", q.name)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		if ctx.Err() == nil {
			return fmt.Errorf("amqp deliveries closed")
		}
	case <-ctx.Done():
		<-done
	}
	return nil
}

// Ping is used by the health endpoint.
func (q *AMQP) Ping(ctx context.Context) error {
	if q.conn.IsClosed() {
		return fmt.Errorf("amqp connection closed")
	}
	return nil
}

func (q *AMQP) Close() error {
	return q.conn.Close()
}
