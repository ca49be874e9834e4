package crypto

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"settlement-core/internal/provider"
)

// ErrUnknownSymbol is returned when neither the preference table nor the
// provider coin list knows a symbol.
var ErrUnknownSymbol = errors.New("unknown crypto symbol")

// CoinID is the provider identifier of a coin.
type CoinID string

// Well-known symbols map to their canonical coin; the provider list holds
// many tokens sharing these tickers.
var preferred = map[string]CoinID{
	"BTC":   "bitcoin",
	"ETH":   "ethereum",
	"SOL":   "solana",
	"BNB":   "binancecoin",
	"XRP":   "ripple",
	"ADA":   "cardano",
	"DOGE":  "dogecoin",
	"AVAX":  "avalanche-2",
	"DOT":   "polkadot",
	"MATIC": "matic-network",
	"LINK":  "chainlink",
	"LTC":   "litecoin",
	"TRX":   "tron",
	"TON":   "the-open-network",
	"SUI":   "sui",
	"STT":   "somnia",
}

// Price is a spot price observation.
type Price struct {
	Symbol    string
	CoinID    CoinID
	USD       decimal.Decimal
	FetchedAt time.Time
}

// Options parameterise the crypto adapter.
type Options struct {
	Client *provider.Client
	Clock  func() time.Time
}

// Adapter resolves symbols and fetches spot prices.
type Adapter struct {
	client *provider.Client
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	coinList map[string]CoinID
}

// NewAdapter constructs a crypto adapter.
func NewAdapter(opts Options, logger zerolog.Logger) *Adapter {
	now := opts.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Adapter{
		client: opts.Client,
		logger: logger.With().Str("component", "crypto_provider").Logger(),
		now:    now,
	}
}

// ResolveSymbol maps a ticker onto a coin id, case-insensitively. The provider
// coin list is fetched once and kept for the life of the process.
func (a *Adapter) ResolveSymbol(ctx context.Context, symbol string) (CoinID, error) {
	key := strings.ToUpper(strings.TrimSpace(symbol))
	if key == "" {
		return "", provider.NewPermanent("resolve symbol", fmt.Errorf("%w: empty", ErrUnknownSymbol))
	}
	if id, ok := preferred[key]; ok {
		return id, nil
	}

	list, err := a.loadCoinList(ctx)
	if err != nil {
		return "", err
	}
	if id, ok := list[key]; ok {
		return id, nil
	}
	return "", provider.NewPermanent("resolve symbol", fmt.Errorf("%w: %s", ErrUnknownSymbol, key))
}

func (a *Adapter) loadCoinList(ctx context.Context) (map[string]CoinID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.coinList != nil {
		return a.coinList, nil
	}

	var coins []struct {
		ID     string `json:"id"`
		Symbol string `json:"symbol"`
	}
	if err := a.client.GetJSON(ctx, "list coins", "/coins/list", nil, &coins); err != nil {
		return nil, err
	}

	list := make(map[string]CoinID, len(coins))
	for _, c := range coins {
		sym := strings.ToUpper(c.Symbol)
		if _, dup := list[sym]; dup || c.ID == "" {
			continue
		}
		list[sym] = CoinID(c.ID)
	}
	a.coinList = list
	a.logger.Debug().Int("coins", len(list)).Msg("coin list cached")
	return list, nil
}

// FetchSpotPrice returns the current USD price of id.
func (a *Adapter) FetchSpotPrice(ctx context.Context, id CoinID) (Price, error) {
	query := url.Values{
		"ids":           {string(id)},
		"vs_currencies": {"usd"},
	}
	var payload map[string]map[string]decimal.Decimal
	if err := a.client.GetJSON(ctx, "fetch spot price", "/simple/price", query, &payload); err != nil {
		return Price{}, err
	}

	quote, ok := payload[string(id)]["usd"]
	if !ok {
		return Price{}, provider.NewPermanent("fetch spot price", fmt.Errorf("no usd quote for %s", id))
	}
	if !quote.IsPositive() {
		return Price{}, provider.NewPermanent("fetch spot price", fmt.Errorf("non-positive quote %s for %s", quote, id))
	}
	return Price{CoinID: id, USD: quote, FetchedAt: a.now()}, nil
}

// SpotPrice resolves symbol and fetches its price.
func (a *Adapter) SpotPrice(ctx context.Context, symbol string) (Price, error) {
	id, err := a.ResolveSymbol(ctx, symbol)
	if err != nil {
		return Price{}, err
	}
	price, err := a.FetchSpotPrice(ctx, id)
	if err != nil {
		return Price{}, err
	}
	price.Symbol = strings.ToUpper(strings.TrimSpace(symbol))
	a.logger.Debug().Str("symbol", price.Symbol).Str("coin_id", string(id)).Str("usd", price.USD.String()).Msg("spot price fetched")
	return price, nil
}
