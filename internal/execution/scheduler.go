package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"stock_trader/internal/bus"
	"stock_trader/internal/core"
	apperrors "stock_trader/pkg/errors"
	"stock_trader/pkg/telemetry"
)

// RetryScheduler parks missed fills for the retry delay and feeds them back
// to the active topic once eligible.
type RetryScheduler struct {
	retries    core.IRetryStore
	orders     core.IOrderStore
	publisher  core.IPublisher
	clock      core.IClock
	delay      time.Duration
	maxRetries int
	logger     core.ILogger
}

func NewRetryScheduler(
	retries core.IRetryStore,
	orders core.IOrderStore,
	publisher core.IPublisher,
	clock core.IClock,
	delay time.Duration,
	maxRetries int,
	logger core.ILogger,
) *RetryScheduler {
	return &RetryScheduler{
		retries:    retries,
		orders:     orders,
		publisher:  publisher,
		clock:      clock,
		delay:      delay,
		maxRetries: maxRetries,
		logger:     logger.WithField("component", "retry_scheduler"),
	}
}

// Schedule records the next attempt for a missed order and publishes the
// delayed message. The worker force-fills at maxRetries, so a count that
// would pass it is a defensive no-op.
func (s *RetryScheduler) Schedule(ctx context.Context, orderID string, side core.OrderSide, retryCount int) error {
	next := retryCount + 1
	if next > s.maxRetries {
		s.logger.Warn("Retry past the forced-fill bound ignored",
			"order_id", orderID, "retry_count", retryCount)
		return nil
	}

	now := s.clock.Now()
	eligibleAt := now.Add(s.delay)

	if err := s.retries.Save(ctx, orderID, next, eligibleAt); err != nil {
		return fmt.Errorf("failed to persist retry record: %w", err)
	}
	if err := s.orders.SetRetryCount(ctx, orderID, next); err != nil {
		return fmt.Errorf("failed to record retry count on order: %w", err)
	}

	msg := core.Message{
		OrderID:    orderID,
		Side:       side,
		RetryCount: next,
		EnqueuedAt: now,
		NotBefore:  eligibleAt,
	}
	if err := s.publisher.Publish(ctx, bus.TopicRetry, msg); err != nil {
		return fmt.Errorf("failed to publish retry: %w", err)
	}

	if counter := telemetry.GetGlobalMetrics().RetriesScheduledTotal; counter != nil {
		counter.Add(ctx, 1, metric.WithAttributes(attribute.Int("attempt", next)))
	}
	s.logger.Info("Retry scheduled",
		"order_id", orderID, "attempt", next, "eligible_at", eligibleAt)
	return nil
}

// Status reports the retry progress of an order for the read side.
func (s *RetryScheduler) Status(ctx context.Context, orderID string) (*core.RetryStatus, error) {
	count, eligibleAt, ok, err := s.retries.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &core.RetryStatus{OrderID: orderID, MaxRetryCount: s.maxRetries}, nil
	}
	return &core.RetryStatus{
		OrderID:        orderID,
		RetryCount:     count,
		MaxRetryCount:  s.maxRetries,
		NextEligibleAt: eligibleAt,
		MaxReached:     count >= s.maxRetries,
	}, nil
}

// HandleRetry is the retry-topic consumer: the bus holds each message until
// its not-before instant, so all that remains is forwarding live orders to
// the active topic.
func (s *RetryScheduler) HandleRetry(ctx context.Context, d *bus.Delivery) error {
	msg := d.Msg

	order, err := s.orders.Get(ctx, msg.OrderID)
	if errors.Is(err, apperrors.ErrNotFound) {
		d.Ack()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load order for retry: %w", err)
	}
	if order.Status != core.StatusPending {
		s.logger.Debug("Retry for settled order dropped",
			"order_id", msg.OrderID, "status", string(order.Status))
		d.Ack()
		return nil
	}

	forward := core.Message{
		OrderID:    msg.OrderID,
		Side:       msg.Side,
		RetryCount: msg.RetryCount,
		EnqueuedAt: s.clock.Now(),
	}
	if err := s.publisher.Publish(ctx, bus.TopicActive, forward); err != nil {
		return fmt.Errorf("failed to forward retry to active topic: %w", err)
	}
	d.Ack()
	return nil
}
