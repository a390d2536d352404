// Package alert fans operational notifications out to the configured
// channels (Slack webhook, Telegram bot).
package alert

import (
	"context"
	"sync"
	"time"

	"stock_trader/internal/config"
	"stock_trader/internal/core"
)

type AlertLevel string

const (
	Info     AlertLevel = "INFO"
	Warning  AlertLevel = "WARNING"
	Error    AlertLevel = "ERROR"
	Critical AlertLevel = "CRITICAL"
)

type AlertPayload struct {
	Level     AlertLevel
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

type AlertChannel interface {
	Send(ctx context.Context, alert AlertPayload) error
	Name() string
}

// AlertManager dispatches each alert to every channel. Delivery is async so
// the trading path never blocks on a webhook.
type AlertManager struct {
	channels []AlertChannel
	logger   core.ILogger
	mu       sync.RWMutex
}

func NewAlertManager(logger core.ILogger) *AlertManager {
	return &AlertManager{
		channels: make([]AlertChannel, 0),
		logger:   logger.WithField("component", "alert_manager"),
	}
}

// NewAlertManagerFromConfig wires the channels the config enables. Returns a
// manager with no channels when alerting is disabled.
func NewAlertManagerFromConfig(cfg config.AlertsConfig, logger core.ILogger) *AlertManager {
	am := NewAlertManager(logger)
	if !cfg.Enabled {
		return am
	}
	if url := cfg.SlackWebhookURL.Reveal(); url != "" {
		am.AddChannel(NewSlackChannel(url))
	}
	if token := cfg.TelegramBotToken.Reveal(); token != "" && cfg.TelegramChatID != "" {
		am.AddChannel(NewTelegramChannel(token, cfg.TelegramChatID))
	}
	return am
}

func (am *AlertManager) AddChannel(ch AlertChannel) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.channels = append(am.channels, ch)
	am.logger.Info("Added alert channel", "name", ch.Name())
}

func (am *AlertManager) Alert(ctx context.Context, title, message string, level AlertLevel, fields map[string]string) {
	payload := AlertPayload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	am.logger.Info("Triggering alert", "title", title, "level", level)

	am.mu.RLock()
	defer am.mu.RUnlock()

	for _, ch := range am.channels {
		go func(c AlertChannel) {
			timeoutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()

			if err := c.Send(timeoutCtx, payload); err != nil {
				am.logger.Error("Failed to send alert", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}
