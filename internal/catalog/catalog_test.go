package catalog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stock_trader/internal/core"
	"stock_trader/internal/mock"
	"stock_trader/internal/storage"
	apperrors "stock_trader/pkg/errors"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, mock.NewLogger())
}

func TestSeedAndGet(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, c.Seed(ctx, DefaultStocks))

	s, err := c.Get(ctx, "005930")
	require.NoError(t, err)
	assert.Equal(t, "Samsung Electronics", s.Name)
	assert.Equal(t, core.StockListed, s.Status)

	_, err = c.Get(ctx, "999999")
	assert.True(t, errors.Is(err, apperrors.ErrUnknownTicker))
}

func TestSeedIsIdempotent(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, c.Seed(ctx, DefaultStocks))
	// A second seed with a different set must not overwrite existing rows.
	require.NoError(t, c.Seed(ctx, []core.Stock{
		{Ticker: "999999", Name: "Phantom", Sector: "None", Status: core.StockListed},
	}))

	stocks, err := c.List(ctx)
	require.NoError(t, err)
	assert.Len(t, stocks, len(DefaultStocks))

	_, err = c.Get(ctx, "999999")
	assert.Error(t, err)
}

func TestListOrdering(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	require.NoError(t, c.Seed(ctx, DefaultStocks))

	stocks, err := c.List(ctx)
	require.NoError(t, err)
	for i := 1; i < len(stocks); i++ {
		assert.Less(t, stocks[i-1].Ticker, stocks[i].Ticker)
	}
}
