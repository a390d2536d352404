package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOrdersAdmittedTotal   = "stock_trader_orders_admitted_total"
	MetricOrdersExecutedTotal   = "stock_trader_orders_executed_total"
	MetricOrdersFailedTotal     = "stock_trader_orders_failed_total"
	MetricOrdersCancelledTotal  = "stock_trader_orders_cancelled_total"
	MetricFillAttemptsTotal     = "stock_trader_fill_attempts_total"
	MetricRetriesScheduledTotal = "stock_trader_retries_scheduled_total"
	MetricBusPublishedTotal     = "stock_trader_bus_published_total"
	MetricBusAckedTotal         = "stock_trader_bus_acked_total"
	MetricFeedEventsTotal       = "stock_trader_feed_events_total"
	MetricCacheMissesTotal      = "stock_trader_cache_misses_total"
	MetricLedgerTxLatency       = "stock_trader_ledger_tx_ms"
	MetricExecutionLag          = "stock_trader_execution_lag_ms"
	MetricBusDepth              = "stock_trader_bus_depth"
	MetricOrdersOpen            = "stock_trader_orders_open"
	MetricMarketOpen            = "stock_trader_market_open"
	MetricFeedConnected         = "stock_trader_feed_connected"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	OrdersAdmittedTotal   metric.Int64Counter
	OrdersExecutedTotal   metric.Int64Counter
	OrdersFailedTotal     metric.Int64Counter
	OrdersCancelledTotal  metric.Int64Counter
	FillAttemptsTotal     metric.Int64Counter
	RetriesScheduledTotal metric.Int64Counter
	BusPublishedTotal     metric.Int64Counter
	BusAckedTotal         metric.Int64Counter
	FeedEventsTotal       metric.Int64Counter
	CacheMissesTotal      metric.Int64Counter
	LedgerTxLatency       metric.Float64Histogram
	ExecutionLag          metric.Float64Histogram
	BusDepth              metric.Int64ObservableGauge
	OrdersOpen            metric.Int64ObservableGauge
	MarketOpen            metric.Int64ObservableGauge
	FeedConnected         metric.Int64ObservableGauge

	// State for observable gauges
	mu               sync.RWMutex
	busDepthMap      map[string]int64
	openOrdersMap    map[string]int64
	marketOpenMap    map[string]int64
	feedConnectedMap map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			busDepthMap:      make(map[string]int64),
			openOrdersMap:    make(map[string]int64),
			marketOpenMap:    make(map[string]int64),
			feedConnectedMap: make(map[string]int64),
		}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.OrdersAdmittedTotal, err = meter.Int64Counter(MetricOrdersAdmittedTotal, metric.WithDescription("Total orders accepted at admission"))
	if err != nil {
		return err
	}

	m.OrdersExecutedTotal, err = meter.Int64Counter(MetricOrdersExecutedTotal, metric.WithDescription("Total orders reaching EXECUTED"))
	if err != nil {
		return err
	}

	m.OrdersFailedTotal, err = meter.Int64Counter(MetricOrdersFailedTotal, metric.WithDescription("Total orders reaching FAILED"))
	if err != nil {
		return err
	}

	m.OrdersCancelledTotal, err = meter.Int64Counter(MetricOrdersCancelledTotal, metric.WithDescription("Total orders reaching CANCELLED"))
	if err != nil {
		return err
	}

	m.FillAttemptsTotal, err = meter.Int64Counter(MetricFillAttemptsTotal, metric.WithDescription("Total execution attempts by outcome"))
	if err != nil {
		return err
	}

	m.RetriesScheduledTotal, err = meter.Int64Counter(MetricRetriesScheduledTotal, metric.WithDescription("Total missed fills re-queued for retry"))
	if err != nil {
		return err
	}

	m.BusPublishedTotal, err = meter.Int64Counter(MetricBusPublishedTotal, metric.WithDescription("Total messages published to the execution bus"))
	if err != nil {
		return err
	}

	m.BusAckedTotal, err = meter.Int64Counter(MetricBusAckedTotal, metric.WithDescription("Total messages acknowledged by consumers"))
	if err != nil {
		return err
	}

	m.FeedEventsTotal, err = meter.Int64Counter(MetricFeedEventsTotal, metric.WithDescription("Total realtime feed events ingested"))
	if err != nil {
		return err
	}

	m.CacheMissesTotal, err = meter.Int64Counter(MetricCacheMissesTotal, metric.WithDescription("Total price cache lookups that found no entry"))
	if err != nil {
		return err
	}

	m.LedgerTxLatency, err = meter.Float64Histogram(MetricLedgerTxLatency, metric.WithDescription("Latency of ledger transactions"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.ExecutionLag, err = meter.Float64Histogram(MetricExecutionLag, metric.WithDescription("Time from publish to acknowledgement"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	// Observables
	m.BusDepth, err = meter.Int64ObservableGauge(MetricBusDepth, metric.WithDescription("Messages currently queued per topic"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for topic, val := range m.busDepthMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("topic", topic)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.OrdersOpen, err = meter.Int64ObservableGauge(MetricOrdersOpen, metric.WithDescription("Orders currently in a non-terminal status"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for status, val := range m.openOrdersMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("status", status)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.MarketOpen, err = meter.Int64ObservableGauge(MetricMarketOpen, metric.WithDescription("Market session state (1=open, 0=closed)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for venue, val := range m.marketOpenMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("venue", venue)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.FeedConnected, err = meter.Int64ObservableGauge(MetricFeedConnected, metric.WithDescription("Realtime feed connection state (1=connected, 0=down)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for feed, val := range m.feedConnectedMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("feed", feed)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetBusDepth(topic string, depth int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.busDepthMap[topic] = depth
}

func (m *MetricsHolder) SetOrdersOpen(status string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openOrdersMap[status] = count
}

func (m *MetricsHolder) SetMarketOpen(venue string, open bool) {
	val := int64(0)
	if open {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marketOpenMap[venue] = val
}

func (m *MetricsHolder) SetFeedConnected(feed string, connected bool) {
	val := int64(0)
	if connected {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feedConnectedMap[feed] = val
}

func (m *MetricsHolder) GetBusDepth() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.busDepthMap {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetOrdersOpen() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.openOrdersMap {
		res[k] = v
	}
	return res
}
