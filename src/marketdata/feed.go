package marketdata

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/nntaoli-project/goex"
	"github.com/nntaoli-project/goex/binance"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"tradeengine/src/model"
)

type Config struct {
	Quote          string        `envconfig:"MARKETDATA_QUOTE" default:"USDT"`
	PollInterval   time.Duration `envconfig:"MARKETDATA_POLL_INTERVAL" default:"3s"`
	CandleInterval time.Duration `envconfig:"MARKETDATA_CANDLE_INTERVAL" default:"30s"`
	CandleLookback int           `envconfig:"MARKETDATA_CANDLE_LOOKBACK" default:"120"`
	Endpoint       string        `envconfig:"MARKETDATA_ENDPOINT"`
}

func GetConfig() *Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(err)
	}
	return &config
}

// klineAPI is the slice of goex.API the feed needs.
type klineAPI interface {
	GetTicker(currency goex.CurrencyPair) (*goex.Ticker, error)
	GetKlineRecords(currency goex.CurrencyPair, period goex.KlinePeriod, size int, optional ...goex.OptionalParameter) ([]goex.Kline, error)
}

// Feed polls exchange market data and caches the latest price and recent
// 1m candles per symbol. Registered listeners receive every price update,
// which is how the paper venue gets its marks.
type Feed struct {
	cfg      Config
	exchange klineAPI
	bases    []string

	mu        sync.RWMutex
	prices    map[string]decimal.Decimal
	candles   map[string][]model.Candle
	listeners []func(symbol string, price decimal.Decimal)
}

// NewFeed builds a feed over the public Binance market data API for the
// given base symbols (the quote comes from config).
func NewFeed(cfg Config, bases []string) *Feed {
	apiConfig := &goex.APIConfig{
		HttpClient: http.DefaultClient,
		Endpoint:   binance.GLOBAL_API_BASE_URL,
	}
	if cfg.Endpoint != "" {
		apiConfig.Endpoint = cfg.Endpoint
	}

	return &Feed{
		cfg:      cfg,
		exchange: binance.NewWithConfig(apiConfig),
		bases:    bases,
		prices:   make(map[string]decimal.Decimal),
		candles:  make(map[string][]model.Candle),
	}
}

// OnPrice registers a listener called on every refreshed price. Register
// before Run; listeners must not block.
func (f *Feed) OnPrice(fn func(symbol string, price decimal.Decimal)) {
	f.listeners = append(f.listeners, fn)
}

// Symbol returns the venue symbol for a base, e.g. BTC -> BTCUSDT.
func (f *Feed) Symbol(base string) string {
	return base + f.cfg.Quote
}

func (f *Feed) pair(base string) goex.CurrencyPair {
	return goex.NewCurrencyPair(goex.Currency{Symbol: base}, goex.Currency{Symbol: f.cfg.Quote})
}

// Run blocks until ctx is cancelled, polling tickers at PollInterval and
// candles at CandleInterval.
func (f *Feed) Run(ctx context.Context) {
	tick := time.NewTicker(f.cfg.PollInterval)
	defer tick.Stop()
	candleTick := time.NewTicker(f.cfg.CandleInterval)
	defer candleTick.Stop()

	logger.WithFields(map[string]interface{}{
		"symbols":       f.bases,
		"poll_interval": f.cfg.PollInterval,
	}).Info("market data feed started")

	f.RefreshPrices()
	f.RefreshCandles()

	for {
		select {
		case <-ctx.Done():
			logger.Info("market data feed stopped")
			return
		case <-tick.C:
			f.RefreshPrices()
		case <-candleTick.C:
			f.RefreshCandles()
		}
	}
}

// RefreshPrices fetches the latest ticker for every symbol once.
func (f *Feed) RefreshPrices() {
	for _, base := range f.bases {
		ticker, err := f.exchange.GetTicker(f.pair(base))
		if err != nil {
			logger.WithError(err).WithField("symbol", f.Symbol(base)).Warn("ticker fetch failed")
			continue
		}

		symbol := f.Symbol(base)
		price := decimal.NewFromFloat(ticker.Last)
		if price.IsZero() {
			continue
		}

		f.mu.Lock()
		f.prices[symbol] = price
		listeners := f.listeners
		f.mu.Unlock()

		for _, fn := range listeners {
			fn(symbol, price)
		}
	}
}

// RefreshCandles fetches the recent 1m kline window for every symbol once.
func (f *Feed) RefreshCandles() {
	for _, base := range f.bases {
		klines, err := f.exchange.GetKlineRecords(f.pair(base), goex.KLINE_PERIOD_1MIN, f.cfg.CandleLookback)
		if err != nil {
			logger.WithError(err).WithField("symbol", f.Symbol(base)).Warn("kline fetch failed")
			continue
		}

		symbol := f.Symbol(base)
		candles := make([]model.Candle, 0, len(klines))
		for i := range klines {
			k := klines[i]
			candles = append(candles, model.Candle{
				Symbol:    symbol,
				Timestamp: time.Unix(k.Timestamp, 0).UTC(),
				Open:      decimal.NewFromFloat(k.Open),
				High:      decimal.NewFromFloat(k.High),
				Low:       decimal.NewFromFloat(k.Low),
				Close:     decimal.NewFromFloat(k.Close),
				Volume:    decimal.NewFromFloat(k.Vol),
			})
		}

		f.mu.Lock()
		f.candles[symbol] = candles
		f.mu.Unlock()
	}
}

// Price returns the last seen price for a venue symbol.
func (f *Feed) Price(symbol string) (decimal.Decimal, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	price, ok := f.prices[symbol]
	return price, ok
}

// Candles returns up to n most recent candles, oldest first.
func (f *Feed) Candles(symbol string, n int) []model.Candle {
	f.mu.RLock()
	defer f.mu.RUnlock()

	candles := f.candles[symbol]
	if n > 0 && len(candles) > n {
		candles = candles[len(candles)-n:]
	}
	out := make([]model.Candle, len(candles))
	copy(out, candles)
	return out
}
