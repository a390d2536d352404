package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stock_trader/internal/config"
	"stock_trader/internal/mock"
)

type fakeOpener struct {
	calls    int
	promoted int
	err      error
}

func (f *fakeOpener) OpenReserved(ctx context.Context) (int, error) {
	f.calls++
	return f.promoted, f.err
}

type fakeHousekeeping struct {
	persistCalls   int
	republishCalls int
	cleanupCalls   int
	lastStall      time.Duration
	persistErr     error
	cleanupErr     error
}

func (f *fakeHousekeeping) PersistCloses(ctx context.Context) (int, error) {
	f.persistCalls++
	return 2, f.persistErr
}

func (f *fakeHousekeeping) RepublishStale(ctx context.Context, stall time.Duration) (int, error) {
	f.republishCalls++
	f.lastStall = stall
	return 0, nil
}

func (f *fakeHousekeeping) CleanupRetryRecords(ctx context.Context) (int, error) {
	f.cleanupCalls++
	return 1, f.cleanupErr
}

type fakeRefresher struct {
	calls int
	err   error
}

func (f *fakeRefresher) RefreshSubscriptions(ctx context.Context) error {
	f.calls++
	return f.err
}

type fakeHealth struct {
	healthy bool
}

func (f *fakeHealth) Register(component string, check func() error) {}
func (f *fakeHealth) GetStatus() map[string]string {
	return map[string]string{"ledger": "healthy"}
}
func (f *fakeHealth) IsHealthy() bool { return f.healthy }

type schedulerFixture struct {
	scheduler   *Scheduler
	opener      *fakeOpener
	housekeeper *fakeHousekeeping
	refresher   *fakeRefresher
	calendar    *mock.Calendar
	clock       *mock.Clock
}

func newFixture(t *testing.T, cfg config.SchedulerConfig) *schedulerFixture {
	t.Helper()
	f := &schedulerFixture{
		opener:      &fakeOpener{promoted: 3},
		housekeeper: &fakeHousekeeping{},
		refresher:   &fakeRefresher{},
		calendar:    mock.NewCalendar(true, time.Time{}),
		clock:       mock.NewClock(time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)),
	}
	f.scheduler = NewScheduler(
		cfg, time.UTC,
		f.opener, f.housekeeper, f.refresher, &fakeHealth{healthy: true},
		f.calendar, f.clock, time.Hour, mock.NewLogger(),
	)
	return f
}

func TestStartRegistersConfiguredJobs(t *testing.T) {
	f := newFixture(t, config.DefaultConfig().Scheduler)

	require.NoError(t, f.scheduler.Start())
	defer f.scheduler.Stop()

	assert.Len(t, f.scheduler.Entries(), 5)
}

func TestStartSkipsEmptySpecs(t *testing.T) {
	f := newFixture(t, config.SchedulerConfig{MarketOpen: "0 0 9 * * MON-FRI"})

	require.NoError(t, f.scheduler.Start())
	defer f.scheduler.Stop()

	assert.Len(t, f.scheduler.Entries(), 1)
}

func TestStartRejectsInvalidSpec(t *testing.T) {
	f := newFixture(t, config.SchedulerConfig{MarketOpen: "not a cron spec"})

	err := f.scheduler.Start()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "market_open")
}

func TestMarketOpenSweepsWhenOpen(t *testing.T) {
	f := newFixture(t, config.DefaultConfig().Scheduler)

	f.scheduler.runMarketOpen(context.Background())

	assert.Equal(t, 1, f.opener.calls)
}

func TestMarketOpenSkippedWhenClosed(t *testing.T) {
	f := newFixture(t, config.DefaultConfig().Scheduler)
	f.calendar.SetOpen(false)

	f.scheduler.runMarketOpen(context.Background())

	assert.Zero(t, f.opener.calls)
}

func TestMarketOpenToleratesSweepError(t *testing.T) {
	f := newFixture(t, config.DefaultConfig().Scheduler)
	f.opener.err = errors.New("db down")

	f.scheduler.runMarketOpen(context.Background())

	assert.Equal(t, 1, f.opener.calls)
}

func TestMarketCloseRunsHousekeeping(t *testing.T) {
	f := newFixture(t, config.DefaultConfig().Scheduler)

	f.scheduler.runMarketClose(context.Background())

	assert.Equal(t, 1, f.housekeeper.persistCalls)
	assert.Equal(t, 1, f.housekeeper.republishCalls)
	assert.Equal(t, time.Hour, f.housekeeper.lastStall)
}

func TestMarketCloseContinuesAfterPersistError(t *testing.T) {
	f := newFixture(t, config.DefaultConfig().Scheduler)
	f.housekeeper.persistErr = errors.New("redis down")

	f.scheduler.runMarketClose(context.Background())

	assert.Equal(t, 1, f.housekeeper.republishCalls)
}

func TestRetryCleanup(t *testing.T) {
	f := newFixture(t, config.DefaultConfig().Scheduler)

	f.scheduler.runRetryCleanup(context.Background())

	assert.Equal(t, 1, f.housekeeper.cleanupCalls)
}

func TestPreOpenRefresh(t *testing.T) {
	f := newFixture(t, config.DefaultConfig().Scheduler)

	f.scheduler.runPreOpenRefresh(context.Background())

	assert.Equal(t, 1, f.refresher.calls)
}

func TestPreOpenRefreshWithoutFeed(t *testing.T) {
	cfg := config.DefaultConfig().Scheduler
	calendar := mock.NewCalendar(true, time.Time{})
	clock := mock.NewClock(time.Now())
	s := NewScheduler(cfg, time.UTC, &fakeOpener{}, &fakeHousekeeping{}, nil, nil,
		calendar, clock, time.Hour, mock.NewLogger())

	// nil refresher and health monitor are tolerated
	s.runPreOpenRefresh(context.Background())
	s.runHealthReport(context.Background())
}

func TestHealthReportUnhealthy(t *testing.T) {
	cfg := config.DefaultConfig().Scheduler
	s := NewScheduler(cfg, time.UTC, &fakeOpener{}, &fakeHousekeeping{}, nil,
		&fakeHealth{healthy: false},
		mock.NewCalendar(true, time.Time{}), mock.NewClock(time.Now()),
		time.Hour, mock.NewLogger())

	s.runHealthReport(context.Background())
}
