package results

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/sentinel-gateway/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

// setupConsumer sets up RabbitMQ consumer with QoS and returns delivery channel
func (c *Consumer) setupConsumer() (<-chan amqp.Delivery, error) {
	// prefetch_count bounds the unacknowledged results held by this process
	if err := c.source.Qos(c.prefetchCount); err != nil {
		return nil, err
	}

	c.logger.Info("RabbitMQ QoS configured",
		slog.Int("prefetch_count", c.prefetchCount),
	)

	deliveries, err := c.source.Consume(c.queue, c.consumerTag)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	return deliveries, nil
}

// startMessageDispatcher decodes deliveries and hands them to the worker pool.
// It closes resultsChan on exit so the pool drains and stops, then closes done.
func (c *Consumer) startMessageDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer close(c.done)
	defer close(c.resultsChan)

	c.logger.Info("Message dispatcher started",
		slog.String("consumer_tag", c.consumerTag),
	)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Message dispatcher stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				if c.stopping.Load() || ctx.Err() != nil {
					c.logger.Info("RabbitMQ delivery channel closed")
					return
				}
				c.logger.Error("RabbitMQ delivery channel closed unexpectedly",
					slog.String("consumer_tag", c.consumerTag),
				)
				c.fail(ErrDeliveriesClosed)
				return
			}

			result, err := domain.DecodeResult(delivery.Body)
			if err != nil {
				c.logger.Error("Failed to decode result message",
					slog.Any("error", err),
					slog.String("body", string(delivery.Body)),
				)
				// Redelivering a malformed body cannot succeed
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					c.logger.Error("Failed to NACK malformed message",
						slog.Any("error", nackErr),
					)
				}
				continue
			}

			if result.CorrelationID == "" {
				result.CorrelationID = delivery.CorrelationId
			}

			select {
			case c.resultsChan <- &resultMessage{result: result, delivery: delivery}:
				c.logger.Debug("Result dispatched to worker pool",
					slog.String("job_id", result.JobID),
					slog.Uint64("delivery_tag", delivery.DeliveryTag),
				)
			case <-ctx.Done():
				c.logger.Info("Message dispatcher stopped while dispatching result")
				if nackErr := delivery.Nack(false, true); nackErr != nil {
					c.logger.Error("Failed to NACK message on shutdown",
						slog.Any("error", nackErr),
					)
				}
				return
			}
		}
	}
}
