// Package catalog holds the listed-ticker reference data that admission
// checks orders against.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"stock_trader/internal/core"
	apperrors "stock_trader/pkg/errors"
)

// DefaultStocks is the seed set installed on first start.
var DefaultStocks = []core.Stock{
	{Ticker: "005930", Name: "Samsung Electronics", Sector: "Technology", Status: core.StockListed},
	{Ticker: "000660", Name: "SK Hynix", Sector: "Technology", Status: core.StockListed},
	{Ticker: "035420", Name: "NAVER", Sector: "Communication", Status: core.StockListed},
	{Ticker: "035720", Name: "Kakao", Sector: "Communication", Status: core.StockListed},
	{Ticker: "051910", Name: "LG Chem", Sector: "Materials", Status: core.StockListed},
	{Ticker: "006400", Name: "Samsung SDI", Sector: "Industrials", Status: core.StockListed},
	{Ticker: "005380", Name: "Hyundai Motor", Sector: "Automotive", Status: core.StockListed},
	{Ticker: "000270", Name: "Kia", Sector: "Automotive", Status: core.StockListed},
	{Ticker: "068270", Name: "Celltrion", Sector: "Healthcare", Status: core.StockListed},
	{Ticker: "105560", Name: "KB Financial Group", Sector: "Financials", Status: core.StockListed},
}

// Catalog implements core.ICatalog on SQLite.
type Catalog struct {
	db     *sql.DB
	logger core.ILogger
}

func New(db *sql.DB, logger core.ILogger) *Catalog {
	return &Catalog{
		db:     db,
		logger: logger.WithField("component", "catalog"),
	}
}

// Get returns the catalog entry for a ticker.
func (c *Catalog) Get(ctx context.Context, ticker string) (*core.Stock, error) {
	s := &core.Stock{}
	var status string
	err := c.db.QueryRowContext(ctx,
		`SELECT ticker, name, sector, status FROM stock WHERE ticker = ?`, ticker).
		Scan(&s.Ticker, &s.Name, &s.Sector, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrUnknownTicker
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read stock %s: %w", ticker, err)
	}
	s.Status = core.StockStatus(status)
	return s, nil
}

// List returns all catalog entries ordered by ticker.
func (c *Catalog) List(ctx context.Context) ([]*core.Stock, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT ticker, name, sector, status FROM stock ORDER BY ticker`)
	if err != nil {
		return nil, fmt.Errorf("failed to list stocks: %w", err)
	}
	defer rows.Close()

	var stocks []*core.Stock
	for rows.Next() {
		s := &core.Stock{}
		var status string
		if err := rows.Scan(&s.Ticker, &s.Name, &s.Sector, &status); err != nil {
			return nil, fmt.Errorf("failed to scan stock: %w", err)
		}
		s.Status = core.StockStatus(status)
		stocks = append(stocks, s)
	}
	return stocks, rows.Err()
}

// Seed installs the given stocks if the table is empty. A non-empty table is
// left untouched so operator edits survive restarts.
func (c *Catalog) Seed(ctx context.Context, stocks []core.Stock) error {
	var count int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stock`).Scan(&count); err != nil {
		return fmt.Errorf("failed to count stocks: %w", err)
	}
	if count > 0 {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin seed transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, s := range stocks {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO stock (ticker, name, sector, status) VALUES (?, ?, ?, ?)`,
			s.Ticker, s.Name, s.Sector, string(s.Status)); err != nil {
			return fmt.Errorf("failed to seed stock %s: %w", s.Ticker, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit seed: %w", err)
	}

	c.logger.Info("Stock catalog seeded", "count", len(stocks))
	return nil
}
