package submission

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cuongbtq/sentinel-gateway/internal/blob"
	"github.com/cuongbtq/sentinel-gateway/internal/correlation"
	"github.com/cuongbtq/sentinel-gateway/internal/domain"
)

const (
	// ConfirmationMessage is returned to the uploader once the task is queued
	ConfirmationMessage = "Logs processed successfully"

	defaultPublishTimeout      = 5 * time.Second
	defaultCompensationTimeout = 5 * time.Second
)

// BlobStore persists uploaded artifacts
type BlobStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Bucket() string
}

// JobStore creates and updates job records
type JobStore interface {
	CreateJob(ctx context.Context, filename string) (*domain.Job, error)
	UpdateJobStatus(ctx context.Context, jobID string, status domain.JobStatus) error
}

// Publisher hands a message to the broker and waits for its acknowledgment
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte, correlationID string) error
}

// Artifact is an uploaded file that already passed type and size validation
type Artifact struct {
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// Confirmation is returned for an accepted submission
type Confirmation struct {
	Message string           `json:"message"`
	JobID   string           `json:"jobId"`
	Status  domain.JobStatus `json:"status"`
}

// Config controls where tasks are sent and how long the broker may take to
// acknowledge them
type Config struct {
	Queue               string
	TaskPattern         string
	PublishTimeout      time.Duration
	CompensationTimeout time.Duration
}

// Orchestrator runs the submission pipeline: store, create, publish.
// A publish failure is compensated by marking the job FAILED.
type Orchestrator struct {
	blobs     BlobStore
	jobs      JobStore
	publisher Publisher
	config    Config
	logger    *slog.Logger
}

// NewOrchestrator creates a new Orchestrator
func NewOrchestrator(blobs BlobStore, jobs JobStore, publisher Publisher, config Config, logger *slog.Logger) *Orchestrator {
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = defaultPublishTimeout
	}
	if config.CompensationTimeout <= 0 {
		config.CompensationTimeout = defaultCompensationTimeout
	}

	return &Orchestrator{
		blobs:     blobs,
		jobs:      jobs,
		publisher: publisher,
		config:    config,
		logger:    logger,
	}
}

// submission carries the values produced by each step to the next
type submission struct {
	artifact      Artifact
	key           string
	job           *domain.Job
	correlationID string
}

// step is one fallible stage of the pipeline. compensate is nil when a
// failure has nothing to undo; otherwise it runs instead of returning the
// step error and decides what the caller sees.
type step struct {
	name       string
	run        func(ctx context.Context, s *submission) error
	compensate func(ctx context.Context, s *submission, cause error) error
}

func (o *Orchestrator) steps() []step {
	return []step{
		{name: "store_artifact", run: o.storeArtifact},
		{name: "create_record", run: o.createRecord},
		{name: "publish_task", run: o.publishTask, compensate: o.markFailed},
	}
}

// Submit stores the artifact, records a PENDING job and queues the analysis
// task. Blob and record store errors are returned unchanged; a broker failure
// returns an error matching domain.ErrQueueUnavailable.
func (o *Orchestrator) Submit(ctx context.Context, artifact Artifact) (*Confirmation, error) {
	s := &submission{artifact: artifact}

	for _, st := range o.steps() {
		err := st.run(ctx, s)
		if err == nil {
			continue
		}

		o.logger.ErrorContext(ctx, "Submission step failed",
			slog.String("step", st.name),
			slog.String("filename", artifact.Filename),
			slog.Any("error", err),
		)

		if st.compensate == nil {
			return nil, err
		}
		return nil, st.compensate(ctx, s, err)
	}

	o.logger.InfoContext(ctx, "Job queued for analysis",
		slog.String("job_id", s.job.ID),
		slog.String("file_key", s.key),
	)

	return &Confirmation{
		Message: ConfirmationMessage,
		JobID:   s.job.ID,
		Status:  s.job.Status,
	}, nil
}

func (o *Orchestrator) storeArtifact(ctx context.Context, s *submission) error {
	s.key = blob.NewObjectKey(s.artifact.Filename)
	return o.blobs.Put(ctx, s.key, s.artifact.Body, s.artifact.Size, s.artifact.ContentType)
}

func (o *Orchestrator) createRecord(ctx context.Context, s *submission) error {
	job, err := o.jobs.CreateJob(ctx, s.artifact.Filename)
	if err != nil {
		return err
	}
	s.job = job
	return nil
}

func (o *Orchestrator) publishTask(ctx context.Context, s *submission) error {
	s.correlationID, _ = correlation.Get(ctx)

	body, err := domain.EncodeTask(o.config.TaskPattern, domain.TaskDescriptor{
		JobID:         s.job.ID,
		FileKey:       s.key,
		Bucket:        o.blobs.Bucket(),
		CorrelationID: s.correlationID,
	})
	if err != nil {
		return err
	}

	publishCtx, cancel := context.WithTimeout(ctx, o.config.PublishTimeout)
	defer cancel()

	return o.publisher.Publish(publishCtx, o.config.Queue, body, s.correlationID)
}

// markFailed moves the job to FAILED. It runs detached from the request's
// cancellation so a dropped client cannot leave the job PENDING.
func (o *Orchestrator) markFailed(ctx context.Context, s *submission, cause error) error {
	updateCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.config.CompensationTimeout)
	defer cancel()

	err := o.jobs.UpdateJobStatus(updateCtx, s.job.ID, domain.JobStatusFailed)
	switch {
	case errors.Is(err, domain.ErrJobNotPending):
		// The broker delivered the task and the worker finished it before the confirm arrived
		o.logger.WarnContext(ctx, "Job already finished, leaving its status unchanged",
			slog.String("job_id", s.job.ID),
			slog.String("cause", cause.Error()),
		)
	case err != nil:
		o.logger.ErrorContext(ctx, "Failed to mark job as FAILED after queue error",
			slog.String("job_id", s.job.ID),
			slog.Any("error", err),
		)
	default:
		o.logger.WarnContext(ctx, "Job marked as FAILED after queue error",
			slog.String("job_id", s.job.ID),
			slog.String("cause", cause.Error()),
		)
	}

	return fmt.Errorf("job %s: %w", s.job.ID, domain.ErrQueueUnavailable)
}
