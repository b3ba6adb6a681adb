package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// JetStream keeps jobs on a NATS JetStream work-queue stream, one durable consumer per queue.
type JetStream struct {
	js          jetstream.JetStream
	consumer    jetstream.Consumer
	queue       string
	subject     string
	maxAttempts int
	wait        time.Duration
}

type envelope struct {
	ID          string          `json:"id"`
	Payload     json.RawMessage `json:"payload"`
	MaxAttempts int             `json:"maxAttempts"`
}

// Subject returns the subject jobs of queue are published on.
func Subject(stream, queue string) string {
	return strings.ToLower(stream) + "." + queue
}

// NewJetStream ensures the stream and the queue's consumer exist.
func NewJetStream(ctx context.Context, js jetstream.JetStream, stream, queue string, maxAttempts int, ackWait, fetchWait time.Duration) (*JetStream, error) {
	s, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      stream,
		Subjects:  []string{strings.ToLower(stream) + ".>"},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create stream %s: %w", stream, err)
	}
	subject := Subject(stream, queue)
	consumer, err := s.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       "agentdash-" + queue,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxDeliver:    maxAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer for %s: %w", subject, err)
	}
	if fetchWait <= 0 {
		fetchWait = time.Second
	}
	return &JetStream{js: js, consumer: consumer, queue: queue, subject: subject, maxAttempts: maxAttempts, wait: fetchWait}, nil
}

// Enqueue publishes the job with its id as the message id so duplicates are dropped by the stream.
func (t *JetStream) Enqueue(ctx context.Context, job Job) error {
	data, err := json.Marshal(envelope{ID: job.ID, Payload: job.Payload, MaxAttempts: job.MaxAttempts})
	if err != nil {
		return err
	}
	_, err = t.js.Publish(ctx, t.subject, data, jetstream.WithMsgID(job.ID))
	return err
}

func (t *JetStream) Next(ctx context.Context) (Delivery, error) {
	msgs, err := t.consumer.Fetch(1, jetstream.FetchMaxWait(t.wait))
	if err != nil {
		return nil, err
	}
	var got jetstream.Msg
	for msg := range msgs.Messages() {
		if got == nil {
			got = msg
		}
	}
	if got == nil {
		if err := msgs.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, nats.ErrTimeout) {
			return nil, err
		}
		return nil, ErrEmpty
	}
	var env envelope
	if err := json.Unmarshal(got.Data(), &env); err != nil {
		_ = got.Term()
		return nil, fmt.Errorf("decode job envelope: %w", err)
	}
	attempt := 1
	if md, err := got.Metadata(); err == nil {
		attempt = int(md.NumDelivered)
	}
	if env.MaxAttempts < 1 {
		env.MaxAttempts = t.maxAttempts
	}
	return jsDelivery{msg: got, job: Job{
		ID:          env.ID,
		Queue:       t.queue,
		Payload:     env.Payload,
		Attempt:     attempt,
		MaxAttempts: env.MaxAttempts,
	}}, nil
}

type jsDelivery struct {
	msg jetstream.Msg
	job Job
}

func (d jsDelivery) Job() Job { return d.job }

func (d jsDelivery) Complete(context.Context) error { return d.msg.Ack() }

// Fail terminates the message so the server stops redelivering it.
func (d jsDelivery) Fail(context.Context, error) error { return d.msg.Term() }

func (d jsDelivery) Retry(_ context.Context, _ error, delay time.Duration) error {
	return d.msg.NakWithDelay(delay)
}
