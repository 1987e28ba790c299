package gateway

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	exfutusdt "hedge-core/pkg/exchanges/binance/futures_usdt"
	"hedge-core/pkg/exchanges/bitunix"
	"hedge-core/pkg/exchanges/common"
	"hedge-core/pkg/exchanges/paper"
)

// Platform names understood by DefaultFactories.
const (
	PlatformBinanceUSDT = "binance_usdt"
	PlatformBitunix     = "bitunix"
	PlatformPaper       = "paper"
)

// Factory builds an unwrapped client for account from credentials.
type Factory func(account string, creds Credentials) (common.Client, error)

// DefaultFactories is the startup registration table of platform drivers.
func DefaultFactories(paperPrices map[string]decimal.Decimal) map[string]Factory {
	return map[string]Factory{
		PlatformBinanceUSDT: binanceUSDT,
		PlatformBitunix:     bitunixFactory,
		PlatformPaper:       NewPaperFactory(paperPrices).Build,
	}
}

// ForceTestnet wraps f so every client it builds targets the testnet.
func ForceTestnet(f Factory) Factory {
	return func(account string, creds Credentials) (common.Client, error) {
		creds.Testnet = true
		return f(account, creds)
	}
}

func binanceUSDT(_ string, creds Credentials) (common.Client, error) {
	if creds.APIKey == "" || creds.APISecret == "" {
		return nil, fmt.Errorf("binance_usdt: api key and secret are required")
	}
	return exfutusdt.NewClient(exfutusdt.Config{
		APIKey:    creds.APIKey,
		APISecret: creds.APISecret,
		Testnet:   creds.Testnet,
		BaseURL:   creds.BaseURL,
	}), nil
}

func bitunixFactory(_ string, creds Credentials) (common.Client, error) {
	if creds.APIKey == "" || creds.APISecret == "" {
		return nil, fmt.Errorf("bitunix: api key and secret are required")
	}
	return bitunix.NewClient(bitunix.Config{
		APIKey:    creds.APIKey,
		APISecret: creds.APISecret,
		BaseURL:   creds.BaseURL,
	}), nil
}

// PaperFactory hands out one simulated venue per account, so every client
// of an account sees the same positions as on a real exchange account.
type PaperFactory struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	venues map[string]*paper.Exchange
}

func NewPaperFactory(prices map[string]decimal.Decimal) *PaperFactory {
	return &PaperFactory{prices: prices, venues: make(map[string]*paper.Exchange)}
}

// Build returns the paper venue of account.
func (f *PaperFactory) Build(account string, creds Credentials) (common.Client, error) {
	return f.Venue(account, creds.APIKey), nil
}

// Venue returns the venue of account, creating it on first use.
func (f *PaperFactory) Venue(account, apiKey string) *paper.Exchange {
	f.mu.Lock()
	defer f.mu.Unlock()
	ex, ok := f.venues[account]
	if !ok {
		ex = paper.New(paper.Config{APIKey: apiKey, Prices: f.prices})
		f.venues[account] = ex
	} else if apiKey != "" {
		ex.SetAPIKey(apiKey)
	}
	return ex
}
