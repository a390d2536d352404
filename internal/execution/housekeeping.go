package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stock_trader/internal/bus"
	"stock_trader/internal/core"
	apperrors "stock_trader/pkg/errors"
)

// Housekeeper covers the pipeline's recovery and cleanup duties: republishing
// orders whose bus messages were lost, persisting closes at the end of the
// session, and pruning retry records for settled orders.
type Housekeeper struct {
	orders    core.IOrderStore
	retries   core.IRetryStore
	cache     core.IPriceCache
	publisher core.IPublisher
	clock     core.IClock
	logger    core.ILogger
}

func NewHousekeeper(
	orders core.IOrderStore,
	retries core.IRetryStore,
	cache core.IPriceCache,
	publisher core.IPublisher,
	clock core.IClock,
	logger core.ILogger,
) *Housekeeper {
	return &Housekeeper{
		orders:    orders,
		retries:   retries,
		cache:     cache,
		publisher: publisher,
		clock:     clock,
		logger:    logger.WithField("component", "housekeeper"),
	}
}

// RecoverPending republishes every PENDING order to the active topic. Run at
// startup: the in-process bus loses its queues on restart, and the status
// guard makes duplicate deliveries harmless.
func (h *Housekeeper) RecoverPending(ctx context.Context) (int, error) {
	pending, err := h.orders.ListByStatus(ctx, core.StatusPending)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending orders: %w", err)
	}
	republished := 0
	for _, order := range pending {
		if err := h.republish(ctx, order); err != nil {
			h.logger.Error("Failed to republish pending order",
				"order_id", order.OrderID, "error", err)
			continue
		}
		republished++
	}
	if republished > 0 {
		h.logger.Info("Recovered pending orders onto the bus", "count", republished)
	}
	return republished, nil
}

// RepublishStale re-enqueues PENDING orders that have not been touched for
// the stall threshold. Covers messages lost while the process was up, e.g. a
// publish rejected by a full partition.
func (h *Housekeeper) RepublishStale(ctx context.Context, stallThreshold time.Duration) (int, error) {
	cutoff := h.clock.Now().Add(-stallThreshold)
	stale, err := h.orders.ListStalePending(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale orders: %w", err)
	}
	republished := 0
	for _, order := range stale {
		if err := h.republish(ctx, order); err != nil {
			h.logger.Error("Failed to republish stale order",
				"order_id", order.OrderID, "error", err)
			continue
		}
		republished++
	}
	if republished > 0 {
		h.logger.Warn("Republished stalled pending orders", "count", republished, "cutoff", cutoff)
	}
	return republished, nil
}

// PersistCloses snapshots the realtime last-trade prices into the close
// keys. Run at session close so the oracle can quote overnight.
func (h *Housekeeper) PersistCloses(ctx context.Context) (int, error) {
	tickers, err := h.cache.ListActiveTickers(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active tickers: %w", err)
	}

	closes := make(map[string]int64, len(tickers))
	for _, ticker := range tickers {
		snap, err := h.cache.GetPrice(ctx, ticker)
		if err != nil {
			h.logger.Warn("Failed to read price for close persist", "ticker", ticker, "error", err)
			continue
		}
		if snap != nil && snap.LastPrice > 0 {
			closes[ticker] = snap.LastPrice
		}
	}
	if len(closes) == 0 {
		return 0, nil
	}
	if err := h.cache.PutCloses(ctx, closes); err != nil {
		return 0, fmt.Errorf("failed to persist closes: %w", err)
	}
	h.logger.Info("Persisted session closes", "count", len(closes))
	return len(closes), nil
}

// CleanupRetryRecords deletes retry records whose orders are terminal or
// gone. The records carry a TTL anyway; this keeps the scan set small.
func (h *Housekeeper) CleanupRetryRecords(ctx context.Context) (int, error) {
	ids, err := h.retries.ListOrderIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list retry records: %w", err)
	}

	removed := 0
	for _, orderID := range ids {
		order, err := h.orders.Get(ctx, orderID)
		switch {
		case errors.Is(err, apperrors.ErrNotFound):
			// fallthrough to delete
		case err != nil:
			h.logger.Warn("Failed to check order during retry cleanup",
				"order_id", orderID, "error", err)
			continue
		case !order.Status.Terminal():
			continue
		}
		if err := h.retries.Delete(ctx, orderID); err != nil {
			h.logger.Warn("Failed to delete retry record", "order_id", orderID, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		h.logger.Info("Cleaned up retry records", "removed", removed)
	}
	return removed, nil
}

func (h *Housekeeper) republish(ctx context.Context, order *core.Order) error {
	return h.publisher.Publish(ctx, bus.TopicActive, core.Message{
		OrderID:    order.OrderID,
		Side:       order.Side,
		RetryCount: order.RetryCount,
		EnqueuedAt: h.clock.Now(),
	})
}
