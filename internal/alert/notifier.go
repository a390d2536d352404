package alert

import (
	"context"
	"fmt"

	"stock_trader/internal/core"
)

// TradingNotifier adapts the alert manager to the execution pipeline's
// notification hooks.
type TradingNotifier struct {
	manager *AlertManager
}

func NewTradingNotifier(manager *AlertManager) *TradingNotifier {
	return &TradingNotifier{manager: manager}
}

// OrderFailed fires when an order settles FAILED, e.g. an oversold sell.
func (n *TradingNotifier) OrderFailed(ctx context.Context, order *core.Order, reason error) {
	n.manager.Alert(ctx, "Order failed",
		fmt.Sprintf("Order %s could not settle: %v", order.OrderID, reason),
		Error, orderFields(order))
}

// ForcedFill fires when an order exhausts its retries and is filled
// unconditionally.
func (n *TradingNotifier) ForcedFill(ctx context.Context, order *core.Order) {
	n.manager.Alert(ctx, "Forced fill",
		fmt.Sprintf("Order %s filled after exhausting %d retries", order.OrderID, order.RetryCount),
		Warning, orderFields(order))
}

// ComponentUnhealthy fires when a health check starts failing.
func (n *TradingNotifier) ComponentUnhealthy(ctx context.Context, component string, err error) {
	n.manager.Alert(ctx, "Component unhealthy",
		fmt.Sprintf("%s: %v", component, err),
		Critical, map[string]string{"component": component})
}

func orderFields(order *core.Order) map[string]string {
	return map[string]string{
		"order_id": order.OrderID,
		"side":     string(order.Side),
		"ticker":   order.Ticker,
		"quantity": fmt.Sprintf("%d", order.Quantity),
		"price":    fmt.Sprintf("%d", order.Price),
	}
}
