package market

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stock_trader/internal/config"
)

func newTestCalendar(t *testing.T) *Calendar {
	t.Helper()
	cal, err := NewCalendar(config.MarketConfig{
		Timezone:    "Asia/Seoul",
		OpenHour:    9,
		OpenMinute:  0,
		CloseHour:   15,
		CloseMinute: 30,
	})
	require.NoError(t, err)
	return cal
}

func kst(t *testing.T, year int, month time.Month, day, hour, min, sec int) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)
	return time.Date(year, month, day, hour, min, sec, 0, loc)
}

func TestIsOpenAt(t *testing.T) {
	cal := newTestCalendar(t)

	// 2025-01-15 is a Wednesday, 2025-01-18 a Saturday.
	tests := []struct {
		name string
		at   time.Time
		open bool
	}{
		{"weekday mid-session", kst(t, 2025, time.January, 15, 10, 0, 0), true},
		{"weekday at open boundary", kst(t, 2025, time.January, 15, 9, 0, 0), true},
		{"weekday just before open", kst(t, 2025, time.January, 15, 8, 59, 59), false},
		{"weekday at close boundary", kst(t, 2025, time.January, 15, 15, 30, 0), true},
		{"weekday just after close", kst(t, 2025, time.January, 15, 15, 30, 1), false},
		{"weekday evening", kst(t, 2025, time.January, 15, 20, 0, 0), false},
		{"saturday mid-day", kst(t, 2025, time.January, 18, 11, 0, 0), false},
		{"sunday mid-day", kst(t, 2025, time.January, 19, 11, 0, 0), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.open, cal.IsOpenAt(tt.at))
		})
	}
}

func TestIsOpenAtConvertsZones(t *testing.T) {
	cal := newTestCalendar(t)

	// 01:00 UTC on a Wednesday is 10:00 in Seoul.
	utc := time.Date(2025, time.January, 15, 1, 0, 0, 0, time.UTC)
	assert.True(t, cal.IsOpenAt(utc))

	// 15:00 UTC the same day is already past the Seoul close.
	utc = time.Date(2025, time.January, 15, 15, 0, 0, 0, time.UTC)
	assert.False(t, cal.IsOpenAt(utc))
}

func TestNextOpen(t *testing.T) {
	cal := newTestCalendar(t)

	tests := []struct {
		name string
		at   time.Time
		want time.Time
	}{
		{
			"before open same weekday",
			kst(t, 2025, time.January, 15, 8, 0, 0),
			kst(t, 2025, time.January, 15, 9, 0, 0),
		},
		{
			"after close rolls to next day",
			kst(t, 2025, time.January, 15, 16, 0, 0),
			kst(t, 2025, time.January, 16, 9, 0, 0),
		},
		{
			"exactly at close stays in session",
			kst(t, 2025, time.January, 15, 15, 30, 0),
			kst(t, 2025, time.January, 15, 9, 0, 0),
		},
		{
			"one second past close rolls to next day",
			kst(t, 2025, time.January, 15, 15, 30, 1),
			kst(t, 2025, time.January, 16, 9, 0, 0),
		},
		{
			"friday evening skips to monday",
			kst(t, 2025, time.January, 17, 18, 0, 0),
			kst(t, 2025, time.January, 20, 9, 0, 0),
		},
		{
			"saturday skips to monday",
			kst(t, 2025, time.January, 18, 10, 0, 0),
			kst(t, 2025, time.January, 20, 9, 0, 0),
		},
		{
			"sunday skips to monday",
			kst(t, 2025, time.January, 19, 23, 59, 0),
			kst(t, 2025, time.January, 20, 9, 0, 0),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cal.NextOpen(tt.at)
			assert.True(t, got.Equal(tt.want), "NextOpen(%v) = %v, want %v", tt.at, got, tt.want)
		})
	}
}

func TestCloseInstantAgreesAcrossCalendar(t *testing.T) {
	cal := newTestCalendar(t)

	// The inclusive close endpoint counts as open, so NextOpen must still
	// point at the running session rather than tomorrow's.
	at := kst(t, 2025, time.January, 15, 15, 30, 0)
	require.True(t, cal.IsOpenAt(at))
	assert.False(t, cal.NextOpen(at).After(at))
}

func TestNewCalendarRejectsUnknownZone(t *testing.T) {
	_, err := NewCalendar(config.MarketConfig{Timezone: "Mars/Olympus"})
	require.Error(t, err)
}
