// Package bus is the in-process execution bus: per-topic partitioned FIFO
// queues with at-least-once delivery and manual acknowledgement. Messages
// for one order always hash to the same partition, so per-order processing
// is serial.
package bus

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"stock_trader/internal/core"
	"stock_trader/pkg/concurrency"
	apperrors "stock_trader/pkg/errors"
	"stock_trader/pkg/telemetry"
)

// Topic names.
const (
	TopicActive = "orders.active"
	TopicRetry  = "orders.retry"
)

// Delivery is one message handed to a consumer. The consumer must call Ack
// after its state is persisted; an unacked delivery is requeued after the
// redelivery delay.
type Delivery struct {
	Msg   core.Message
	acked atomic.Bool
}

// Ack marks the delivery as done. Safe to call more than once.
func (d *Delivery) Ack() {
	d.acked.Store(true)
}

// Acked reports whether the consumer acknowledged the delivery.
func (d *Delivery) Acked() bool {
	return d.acked.Load()
}

// Handler consumes one delivery. A returned error (or a panic) marks the
// message as poison: it is logged and dropped, never redelivered. Failure
// states belong in the order store, not on the bus.
type Handler func(ctx context.Context, d *Delivery) error

type topic struct {
	name       string
	partitions []chan core.Message
	handler    Handler
	depth      atomic.Int64
}

// Bus wires topics to partition workers.
type Bus struct {
	clock           core.IClock
	logger          core.ILogger
	capacity        int
	redeliveryDelay time.Duration
	ackTimeout      time.Duration

	mu     sync.Mutex
	topics map[string]*topic
	pool   *concurrency.WorkerPool

	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

// New builds an empty bus. capacity bounds each partition's queue;
// redeliveryDelay spaces out requeues of unacked deliveries; ackTimeout
// bounds one handler invocation through its context (zero disables the
// bound).
func New(clock core.IClock, capacity int, redeliveryDelay, ackTimeout time.Duration, logger core.ILogger) *Bus {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Bus{
		clock:           clock,
		logger:          logger.WithField("component", "bus"),
		capacity:        capacity,
		redeliveryDelay: redeliveryDelay,
		ackTimeout:      ackTimeout,
		topics:          make(map[string]*topic),
	}
}

// AddTopic declares a topic with a fixed partition count. Must be called
// before Start.
func (b *Bus) AddTopic(name string, partitions int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return fmt.Errorf("cannot add topic %s after start", name)
	}
	if partitions < 1 {
		return fmt.Errorf("topic %s requires at least one partition", name)
	}
	chans := make([]chan core.Message, partitions)
	for i := range chans {
		chans[i] = make(chan core.Message, b.capacity)
	}
	b.topics[name] = &topic{name: name, partitions: chans}
	return nil
}

// Subscribe attaches the consumer for a topic. One handler per topic; every
// partition invokes it serially.
func (b *Bus) Subscribe(name string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		return fmt.Errorf("unknown topic %s", name)
	}
	t.handler = h
	return nil
}

// Publish enqueues a message. The partition is chosen by FNV hash of the
// order id. A full partition returns Unavailable rather than blocking the
// caller.
func (b *Bus) Publish(ctx context.Context, name string, msg core.Message) error {
	b.mu.Lock()
	t, ok := b.topics[name]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown topic %s", name)
	}

	part := partitionFor(msg.OrderID, len(t.partitions))
	select {
	case t.partitions[part] <- msg:
	default:
		b.logger.Error("Partition full, rejecting publish",
			"topic", name, "partition", part, "order_id", msg.OrderID)
		return fmt.Errorf("topic %s partition %d full: %w", name, part, apperrors.ErrUnavailable)
	}

	depth := t.depth.Add(1)
	if m := telemetry.GetGlobalMetrics(); m != nil {
		m.SetBusDepth(name, depth)
		if m.BusPublishedTotal != nil {
			m.BusPublishedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", name)))
		}
	}
	return nil
}

// Depth returns the number of queued messages on a topic.
func (b *Bus) Depth(name string) int64 {
	b.mu.Lock()
	t, ok := b.topics[name]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	return t.depth.Load()
}

// Start launches one worker per partition on a dedicated pool.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return fmt.Errorf("bus already started")
	}

	total := 0
	for name, t := range b.topics {
		if t.handler == nil {
			return fmt.Errorf("topic %s has no subscriber", name)
		}
		total += len(t.partitions)
	}

	b.ctx, b.cancel = context.WithCancel(ctx)
	b.pool = concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "bus",
		MaxWorkers:  total,
		MaxCapacity: total,
	}, b.logger)

	for _, t := range b.topics {
		for i := range t.partitions {
			t, i := t, i
			b.wg.Add(1)
			if err := b.pool.Submit(func() {
				defer b.wg.Done()
				b.runPartition(t, i)
			}); err != nil {
				b.wg.Done()
				return err
			}
		}
	}
	b.started = true
	b.logger.Info("Bus started", "topics", len(b.topics), "partitions", total)
	return nil
}

// Stop halts delivery. Queued messages are dropped; durable state lives in
// the order store and is republished on the next start.
func (b *Bus) Stop() {
	b.mu.Lock()
	cancel := b.cancel
	pool := b.pool
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
	if pool != nil {
		pool.Stop()
	}
	b.logger.Info("Bus stopped")
}

// Running reports whether the bus is delivering. Used as a health check.
func (b *Bus) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started || b.ctx == nil {
		return false
	}
	return b.ctx.Err() == nil
}

func (b *Bus) runPartition(t *topic, part int) {
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg := <-t.partitions[part]:
			if !b.waitEligible(msg) {
				return
			}
			b.deliver(t, part, msg)
		}
	}
}

// waitEligible blocks until the message's not-before instant. Returns false
// when the bus shut down while waiting.
func (b *Bus) waitEligible(msg core.Message) bool {
	wait := msg.NotBefore.Sub(b.clock.Now())
	if msg.NotBefore.IsZero() || wait <= 0 {
		return true
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-b.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (b *Bus) deliver(t *topic, part int, msg core.Message) {
	depth := t.depth.Add(-1)
	m := telemetry.GetGlobalMetrics()
	m.SetBusDepth(t.name, depth)

	d := &Delivery{Msg: msg}
	err := b.invoke(t.handler, d)
	switch {
	case err != nil:
		// Poison: record and drop, the order store carries the failure.
		b.logger.Error("Handler failed, dropping poison message",
			"topic", t.name, "partition", part, "order_id", msg.OrderID, "error", err)
	case !d.Acked():
		b.logger.Warn("Delivery not acknowledged, requeueing",
			"topic", t.name, "partition", part, "order_id", msg.OrderID)
		b.requeue(t, part, msg)
		return
	}

	if m.BusAckedTotal != nil {
		m.BusAckedTotal.Add(b.ctx, 1, metric.WithAttributes(attribute.String("topic", t.name)))
	}
	if m.ExecutionLag != nil && !msg.EnqueuedAt.IsZero() {
		lag := float64(b.clock.Now().Sub(msg.EnqueuedAt).Microseconds()) / 1000.0
		m.ExecutionLag.Record(b.ctx, lag, metric.WithAttributes(attribute.String("topic", t.name)))
	}
}

func (b *Bus) invoke(h Handler, d *Delivery) (err error) {
	ctx := b.ctx
	if b.ackTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.ackTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, d)
}

// requeue pushes an unacked message to the back of its partition after the
// redelivery delay, without blocking the partition loop.
func (b *Bus) requeue(t *topic, part int, msg core.Message) {
	t.depth.Add(1)
	go func() {
		timer := time.NewTimer(b.redeliveryDelay)
		defer timer.Stop()
		select {
		case <-b.ctx.Done():
		case <-timer.C:
			select {
			case t.partitions[part] <- msg:
			case <-b.ctx.Done():
			}
		}
	}()
}

func partitionFor(orderID string, partitions int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(orderID))
	return int(h.Sum32() % uint32(partitions))
}
