package results

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/sentinel-gateway/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrDeliveriesClosed reports that the broker closed the delivery channel
// while the consumer was still expected to run
var ErrDeliveriesClosed = errors.New("result delivery channel closed by broker")

// JobReader loads a job with its incidents
type JobReader interface {
	GetJobByID(ctx context.Context, jobID string) (*domain.Job, error)
}

// JobNotifier announces a finished job to connected clients
type JobNotifier interface {
	NotifyJobFinished(ctx context.Context, jobID string, status domain.JobStatus, incidents []domain.Incident, incidentCount *int)
}

// DeliverySource is the broker side of the consumer
type DeliverySource interface {
	Qos(prefetchCount int) error
	Consume(queue, consumerTag string) (<-chan amqp.Delivery, error)
	Cancel(consumerTag string) error
}

// Config holds consumer configuration
type Config struct {
	Logger        *slog.Logger
	Source        DeliverySource
	Jobs          JobReader
	Notifier      JobNotifier
	Queue         string
	ConsumerTag   string
	PrefetchCount int
	Concurrency   int
	HandleTimeout time.Duration
}

// Consumer turns result descriptors from the broker into job_update events
type Consumer struct {
	logger        *slog.Logger
	source        DeliverySource
	jobs          JobReader
	notifier      JobNotifier
	queue         string
	consumerTag   string
	prefetchCount int
	concurrency   int
	handleTimeout time.Duration
	resultsChan   chan *resultMessage
	wg            sync.WaitGroup

	stopping atomic.Bool
	done     chan struct{}
	errMu    sync.Mutex
	err      error
}

// resultMessage pairs a decoded descriptor with the delivery to settle
type resultMessage struct {
	result   *domain.ResultDescriptor
	delivery amqp.Delivery
}

// NewConsumer creates a new result consumer
func NewConsumer(cfg *Config) *Consumer {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	return &Consumer{
		logger:        cfg.Logger,
		source:        cfg.Source,
		jobs:          cfg.Jobs,
		notifier:      cfg.Notifier,
		queue:         cfg.Queue,
		consumerTag:   cfg.ConsumerTag,
		prefetchCount: cfg.PrefetchCount,
		concurrency:   concurrency,
		handleTimeout: cfg.HandleTimeout,
		resultsChan:   make(chan *resultMessage, concurrency),
		done:          make(chan struct{}),
	}
}

// Start subscribes to the results queue and begins handling deliveries in
// the background. Canceling ctx stops taking new deliveries; Stop waits for
// the ones in flight.
func (c *Consumer) Start(ctx context.Context) error {
	deliveries, err := c.setupConsumer()
	if err != nil {
		return err
	}

	c.spawnWorkerPool(context.WithoutCancel(ctx))

	go c.startMessageDispatcher(ctx, deliveries)

	c.logger.Info("Result consumer started",
		slog.String("queue", c.queue),
		slog.Int("concurrency", c.concurrency),
	)

	return nil
}

// Stop cancels the broker subscription and waits for in-flight results
func (c *Consumer) Stop() {
	c.logger.Info("Stopping result consumer...")
	c.stopping.Store(true)

	if err := c.source.Cancel(c.consumerTag); err != nil {
		c.logger.Warn("Failed to cancel consumer",
			slog.String("consumer_tag", c.consumerTag),
			slog.Any("error", err),
		)
	}

	c.wg.Wait()
	c.logger.Info("Result consumer stopped")
}

// Done is closed once the consumer stops taking deliveries, whether through
// Stop, context cancellation or a broker disconnect
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

// Err returns ErrDeliveriesClosed when consumption ended without Stop or
// context cancellation. It is nil otherwise.
func (c *Consumer) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Consumer) fail(err error) {
	c.errMu.Lock()
	c.err = err
	c.errMu.Unlock()
}

// Handle looks up the job named by result and notifies clients about it.
// Results for unknown jobs are dropped. Record store failures are retryable.
func (c *Consumer) Handle(ctx context.Context, result *domain.ResultDescriptor) error {
	c.logger.InfoContext(ctx, "Received job result",
		slog.String("job_id", result.JobID),
		slog.String("status", string(result.Status)),
	)

	job, err := c.jobs.GetJobByID(ctx, result.JobID)
	if errors.Is(err, domain.ErrJobNotFound) {
		c.logger.WarnContext(ctx, "Result for unknown job dropped",
			slog.String("job_id", result.JobID),
		)
		return nil
	}
	if err != nil {
		return domain.NewRetryableError(fmt.Errorf("failed to load job %s: %w", result.JobID, err))
	}

	status := result.Status
	if !status.Valid() {
		if status != "" {
			c.logger.WarnContext(ctx, "Result carries unknown status, using stored status",
				slog.String("job_id", job.ID),
				slog.String("status", string(status)),
			)
		}
		status = job.Status
	}

	c.notifier.NotifyJobFinished(ctx, job.ID, status, job.Incidents, result.IncidentCount)

	c.logger.InfoContext(ctx, "Job result handled",
		slog.String("job_id", job.ID),
		slog.String("status", string(status)),
	)

	return nil
}
