package results

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/sentinel-gateway/internal/correlation"
	"github.com/cuongbtq/sentinel-gateway/internal/domain"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (c *Consumer) spawnWorkerPool(ctx context.Context) {
	for i := 0; i < c.concurrency; i++ {
		c.wg.Add(1)
		go c.workerLoop(ctx, i)
	}

	c.logger.Info("Worker pool spawned",
		slog.Int("worker_count", c.concurrency),
	)
}

// workerLoop handles results until the dispatcher closes resultsChan
func (c *Consumer) workerLoop(ctx context.Context, workerNum int) {
	defer c.wg.Done()

	workerName := fmt.Sprintf("%s-%d", c.consumerTag, workerNum)

	for msg := range c.resultsChan {
		// No request scope survives the broker hop, so every result opens its own
		err := correlation.Run(ctx, msg.result.CorrelationID, func(ctx context.Context) error {
			if c.handleTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, c.handleTimeout)
				defer cancel()
			}
			return c.Handle(ctx, msg.result)
		})

		if err != nil {
			requeue := shouldRequeue(err)
			c.logger.Error("Result handling failed",
				slog.String("worker_name", workerName),
				slog.String("job_id", msg.result.JobID),
				slog.Bool("requeue", requeue),
				slog.Any("error", err),
			)

			if nackErr := msg.delivery.Nack(false, requeue); nackErr != nil {
				c.logger.Error("Failed to NACK message",
					slog.String("worker_name", workerName),
					slog.String("job_id", msg.result.JobID),
					slog.Any("error", nackErr),
				)
			}
			continue
		}

		if ackErr := msg.delivery.Ack(false); ackErr != nil {
			c.logger.Error("Failed to ACK message",
				slog.String("worker_name", workerName),
				slog.String("job_id", msg.result.JobID),
				slog.Any("error", ackErr),
			)
		}
	}

	c.logger.Debug("Worker goroutine stopped",
		slog.String("worker_name", workerName),
	)
}

// shouldRequeue determines if a failed result should be redelivered
func shouldRequeue(err error) bool {
	if errors.Is(err, domain.ErrMalformedMessage) {
		return false
	}

	var retryableErr *domain.RetryableError
	return errors.As(err, &retryableErr)
}
