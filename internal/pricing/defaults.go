package pricing

// FallbackPrice is returned for tickers without a static default.
const FallbackPrice int64 = 50_000

// defaultPrices is the static lookup used when neither the feed nor a prior
// close can price a ticker.
var defaultPrices = map[string]int64{
	"005930": 70_000,  // Samsung Electronics
	"035420": 200_000, // NAVER
	"000660": 120_000, // SK Hynix
	"051910": 300_000, // LG Chem
	"006400": 250_000, // Samsung SDI
}

// DefaultPrice returns the static default for a ticker.
func DefaultPrice(ticker string) int64 {
	if p, ok := defaultPrices[ticker]; ok {
		return p
	}
	return FallbackPrice
}
