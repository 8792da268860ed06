package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/forgeline/sandboxd/internal/model"
)

const (
	natsStream    = "SANDBOXD_JOBS"
	natsSubject   = "sandboxd.jobs"
	natsConsumer  = "sandboxd_worker"
	jobTypeHeader = "Sandboxd-Job-Type"
)

// ConnectNATS dials the server at url, reconnecting forever.
func ConnectNATS(url string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("sandboxd"),
		nats.Timeout(5*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

// NATSQueue publishes jobs to a JetStream work-queue stream. Each job is
// delivered to exactly one worker.
type NATSQueue struct {
	js     jetstream.JetStream
	stream jetstream.Stream
}

// NewNATSQueue creates the work-queue stream if it does not exist.
func NewNATSQueue(ctx context.Context, conn *nats.Conn) (*NATSQueue, error) {
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      natsStream,
		Subjects:  []string{natsSubject + ".>"},
		Retention: jetstream.WorkQueuePolicy,
		MaxAge:    24 * time.Hour,
		Storage:   jetstream.FileStorage,
		Replicas:  1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create stream %s: %w", natsStream, err)
	}
	return &NATSQueue{js: js, stream: stream}, nil
}

// Enqueue publishes payload and returns the generated job id. The id is
// also the JetStream message id, so a retried publish is deduplicated.
func (q *NATSQueue) Enqueue(ctx context.Context, payload JobPayload) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	id := uuid.New().String()
	msg := nats.NewMsg(natsSubject + "." + string(payload.JobType()))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, id)
	msg.Header.Set(jobTypeHeader, string(payload.JobType()))

	if _, err := q.js.PublishMsg(ctx, msg); err != nil {
		return "", fmt.Errorf("failed to publish job: %w", err)
	}
	return id, nil
}

// Handler executes one job delivered by a consumer.
type Handler func(ctx context.Context, job *model.Job) error

// NATSConsumer pulls jobs from the stream and hands them to a Handler, one
// at a time.
type NATSConsumer struct {
	consumer jetstream.Consumer
	handler  Handler
	timeout  time.Duration
	logger   *slog.Logger
}

// Consumer attaches the durable worker consumer. jobTimeout bounds each
// handler call and doubles as the ack deadline.
func (q *NATSQueue) Consumer(ctx context.Context, handler Handler, jobTimeout time.Duration, logger *slog.Logger) (*NATSConsumer, error) {
	consumer, err := q.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:    natsConsumer,
		AckPolicy:  jetstream.AckExplicitPolicy,
		AckWait:    jobTimeout + time.Minute,
		MaxDeliver: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}
	return &NATSConsumer{
		consumer: consumer,
		handler:  handler,
		timeout:  jobTimeout,
		logger:   logger.With("component", "nats_consumer"),
	}, nil
}

// Run fetches and handles jobs until ctx is done.
func (c *NATSConsumer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		batch, err := c.consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, nats.ErrTimeout) && ctx.Err() == nil {
				c.logger.Warn("Fetch failed", "error", err)
				time.Sleep(time.Second)
			}
			continue
		}

		for msg := range batch.Messages() {
			c.handle(ctx, msg)
		}
	}
}

func (c *NATSConsumer) handle(ctx context.Context, msg jetstream.Msg) {
	job := jobFromMsg(msg)

	jobCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.handler(jobCtx, job); err != nil {
		c.logger.Error("Job failed", "job_id", job.ID, "type", job.Type, "error", err)
		// Builds are not redelivered.
		_ = msg.Term()
		return
	}
	if err := msg.Ack(); err != nil {
		c.logger.Warn("Failed to ack job", "job_id", job.ID, "error", err)
	}
}

func jobFromMsg(msg jetstream.Msg) *model.Job {
	headers := msg.Headers()
	job := &model.Job{
		ID:      headers.Get(nats.MsgIdHdr),
		Type:    headers.Get(jobTypeHeader),
		Payload: msg.Data(),
		Status:  string(model.JobStatusRunning),
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	return job
}
