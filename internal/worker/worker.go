// Package worker consumes ingest messages from SQS and runs each job through
// the pipeline.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/vod-packager/internal/metrics"
	"github.com/amillerrr/vod-packager/internal/pipeline"
	"github.com/amillerrr/vod-packager/pkg/models"
)

// SQS configuration constants
const (
	SQSMaxMessages       = 1
	SQSWaitTimeSeconds   = 20
	SQSVisibilityTimeout = 900 // 15 minutes
	RetryBackoffPeriod   = 5 * time.Second
)

// Message outcomes
const (
	outcomeDeleted  = "deleted"
	outcomeInvalid  = "invalid"
	outcomeRequeued = "requeued"
)

var tracer = otel.Tracer("vod-worker")

// Queue is the subset of the SQS client the worker uses.
type Queue interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// JobRunner runs one job to a terminal state.
type JobRunner interface {
	Run(ctx context.Context, id models.JobID, sourcePath string) (*models.Job, error)
}

// Config holds worker dependencies.
type Config struct {
	Queue             Queue
	QueueURL          string
	Runner            JobRunner
	MaxConcurrentJobs int
	// ShutdownGrace is how long in-flight jobs may keep running after
	// shutdown starts before they are canceled. Zero waits indefinitely.
	ShutdownGrace time.Duration
	// RemoveSources deletes a job's source file once its message is deleted.
	RemoveSources bool
	Logger        *slog.Logger

	visibilityTimeout int32
	backoff           time.Duration
}

// Worker handles video processing jobs from SQS.
type Worker struct {
	cfg Config
	log *slog.Logger
}

// New creates a new Worker with the given configuration.
func New(cfg Config) *Worker {
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 1
	}
	if cfg.visibilityTimeout <= 0 {
		cfg.visibilityTimeout = SQSVisibilityTimeout
	}
	if cfg.backoff <= 0 {
		cfg.backoff = RetryBackoffPeriod
	}
	return &Worker{cfg: cfg, log: cfg.Logger}
}

// Run polls the queue until ctx is canceled, then waits for in-flight jobs.
// Jobs run on their own context so that shutdown does not abort them until
// the grace period has passed.
func (w *Worker) Run(ctx context.Context) {
	w.log.InfoContext(ctx, "Starting queue polling",
		"queueURL", w.cfg.QueueURL,
		"maxConcurrent", w.cfg.MaxConcurrentJobs,
	)

	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()

	sem := make(chan struct{}, w.cfg.MaxConcurrentJobs)
	var wg sync.WaitGroup

	for ctx.Err() == nil {
		// Take a slot before polling so a received message is never held
		// without a job to run it.
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			continue
		}

		msg, ok := w.receive(ctx)
		if !ok {
			<-sem
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			w.handle(jobCtx, msg)
		}()
	}

	w.drain(ctx, &wg, cancelJobs)
}

func (w *Worker) receive(ctx context.Context) (types.Message, bool) {
	result, err := w.cfg.Queue.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(w.cfg.QueueURL),
		MaxNumberOfMessages: SQSMaxMessages,
		WaitTimeSeconds:     SQSWaitTimeSeconds,
		VisibilityTimeout:   w.cfg.visibilityTimeout,
	})
	if err != nil {
		if ctx.Err() != nil {
			return types.Message{}, false
		}
		w.log.ErrorContext(ctx, "Failed to receive messages", "error", err)
		select {
		case <-time.After(w.cfg.backoff):
		case <-ctx.Done():
		}
		return types.Message{}, false
	}
	if len(result.Messages) == 0 {
		return types.Message{}, false
	}
	return result.Messages[0], true
}

func (w *Worker) drain(ctx context.Context, wg *sync.WaitGroup, cancelJobs context.CancelFunc) {
	w.log.InfoContext(ctx, "Waiting for in-progress jobs to complete...")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	if w.cfg.ShutdownGrace > 0 {
		select {
		case <-done:
		case <-time.After(w.cfg.ShutdownGrace):
			w.log.WarnContext(ctx, "Shutdown grace expired, canceling in-progress jobs",
				"grace", w.cfg.ShutdownGrace,
			)
			cancelJobs()
		}
	}
	<-done
	w.log.InfoContext(ctx, "All jobs completed, shutting down")
}

// handle runs one message. Messages are deleted once their job is terminal,
// success or failure alike; a job cut short by shutdown is left on the queue
// so it is redelivered.
func (w *Worker) handle(ctx context.Context, msg types.Message) {
	ctx, span := tracer.Start(ctx, "process-message")
	defer span.End()

	messageID := aws.ToString(msg.MessageId)
	log := w.log.With("messageId", messageID)

	m, err := ParseMessage(msg)
	if err != nil {
		span.RecordError(err)
		log.ErrorContext(ctx, "Discarding unparseable message", "error", err)
		metrics.QueueMessages.WithLabelValues(outcomeInvalid).Inc()
		w.delete(ctx, log, msg)
		return
	}

	id, _ := models.ParseJobID(m.JobID)
	span.SetAttributes(
		attribute.String("job.id", id.String()),
		attribute.String("message.id", messageID),
	)
	log = log.With("jobId", id.String())

	stopHeartbeat := w.heartbeat(ctx, log, msg)
	job, err := w.cfg.Runner.Run(ctx, id, m.SourcePath)
	stopHeartbeat()

	if pipeline.IsShutdown(ctx, err) {
		log.WarnContext(ctx, "Job interrupted by shutdown, leaving message for redelivery")
		metrics.QueueMessages.WithLabelValues(outcomeRequeued).Inc()
		return
	}

	if err != nil {
		span.RecordError(err)
		log.ErrorContext(ctx, "Job failed", "failure", failureOf(job), "error", err)
	} else {
		log.InfoContext(ctx, "Job published", "playbackUrl", job.PlaybackURL)
	}

	metrics.QueueMessages.WithLabelValues(outcomeDeleted).Inc()
	w.delete(ctx, log, msg)

	if w.cfg.RemoveSources {
		if err := os.Remove(m.SourcePath); err != nil && !os.IsNotExist(err) {
			log.WarnContext(ctx, "Failed to remove source", "path", m.SourcePath, "error", err)
		}
	}
}

func failureOf(job *models.Job) string {
	if job == nil || job.Failure == nil {
		return ""
	}
	return job.Failure.String()
}

func (w *Worker) delete(ctx context.Context, log *slog.Logger, msg types.Message) {
	_, err := w.cfg.Queue.DeleteMessage(context.WithoutCancel(ctx), &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(w.cfg.QueueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		log.ErrorContext(ctx, "Failed to delete message", "error", err)
	}
}

// heartbeat keeps msg invisible while its job runs. Jobs can outlast the
// receive-time visibility timeout, which would otherwise hand the same
// message to a second worker.
func (w *Worker) heartbeat(ctx context.Context, log *slog.Logger, msg types.Message) (stop func()) {
	interval := time.Duration(w.cfg.visibilityTimeout) * time.Second / 2
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, err := w.cfg.Queue.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
					QueueUrl:          aws.String(w.cfg.QueueURL),
					ReceiptHandle:     msg.ReceiptHandle,
					VisibilityTimeout: w.cfg.visibilityTimeout,
				})
				if err != nil && ctx.Err() == nil {
					log.WarnContext(ctx, "Failed to extend message visibility", "error", err)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// ParseMessage decodes and validates an ingest message body.
func ParseMessage(msg types.Message) (*models.IngestMessage, error) {
	if msg.Body == nil {
		return nil, fmt.Errorf("%w: empty message body", models.ErrJobParse)
	}

	var m models.IngestMessage
	if err := json.Unmarshal([]byte(*msg.Body), &m); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrJobParse, err)
	}
	if err := m.Validate(); err != nil {
		return nil, errors.Join(models.ErrJobParse, err)
	}
	return &m, nil
}
