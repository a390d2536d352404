// Package market decides when the simulated exchange session is trading.
package market

import (
	"fmt"
	"time"

	"stock_trader/internal/config"
)

// Calendar answers session questions for a single venue. Weekends are
// closed; exchange holidays are not modeled.
type Calendar struct {
	loc         *time.Location
	openHour    int
	openMinute  int
	closeHour   int
	closeMinute int
}

// NewCalendar builds a calendar from the market section of the config.
func NewCalendar(cfg config.MarketConfig) (*Calendar, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load market timezone %q: %w", cfg.Timezone, err)
	}
	return &Calendar{
		loc:         loc,
		openHour:    cfg.OpenHour,
		openMinute:  cfg.OpenMinute,
		closeHour:   cfg.CloseHour,
		closeMinute: cfg.CloseMinute,
	}, nil
}

// IsOpenAt reports whether the session is trading at instant t.
// Both session endpoints count as open, so exactly 15:30:00 still trades.
func (c *Calendar) IsOpenAt(t time.Time) bool {
	local := t.In(c.loc)
	if isWeekend(local.Weekday()) {
		return false
	}
	openAt, closeAt := c.sessionBounds(local)
	return !local.Before(openAt) && !local.After(closeAt)
}

// NextOpen returns the first session open at or after t. Called during a
// live session it returns that session's own open, which is in the past;
// callers only consult it while the market is closed.
func (c *Calendar) NextOpen(t time.Time) time.Time {
	local := t.In(c.loc)
	_, closeAt := c.sessionBounds(local)

	next := time.Date(local.Year(), local.Month(), local.Day(), c.openHour, c.openMinute, 0, 0, c.loc)
	// The close instant itself still trades, so only roll past it.
	if local.After(closeAt) {
		next = next.AddDate(0, 0, 1)
	}
	for isWeekend(next.Weekday()) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Location returns the venue timezone.
func (c *Calendar) Location() *time.Location {
	return c.loc
}

func (c *Calendar) sessionBounds(local time.Time) (time.Time, time.Time) {
	openAt := time.Date(local.Year(), local.Month(), local.Day(), c.openHour, c.openMinute, 0, 0, c.loc)
	closeAt := time.Date(local.Year(), local.Month(), local.Day(), c.closeHour, c.closeMinute, 0, 0, c.loc)
	return openAt, closeAt
}

func isWeekend(d time.Weekday) bool {
	return d == time.Saturday || d == time.Sunday
}
