package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	appconfig "cascadeflow/config"
	"cascadeflow/internal/models"

	futures "github.com/adshao/go-binance/v2/futures"
	bybit_connector "github.com/bybit-exchange/bybit.go.api"
)

// Fetcher retrieves one open-interest/funding observation for a symbol in the
// exchange's native notation.
type Fetcher interface {
	Exchange() string
	Fetch(ctx context.Context, symbol string) (models.OISnapshot, error)
}

// binanceFetcher reads open interest and the premium index through the
// Binance futures REST client.
type binanceFetcher struct {
	client *futures.Client
}

func newBinanceFetcher(cfg appconfig.OpenInterestPollConfig) *binanceFetcher {
	client := futures.NewClient("", "")
	if base := strings.TrimSpace(cfg.URL); base != "" {
		client.BaseURL = base
	}
	return &binanceFetcher{client: client}
}

func (f *binanceFetcher) Exchange() string { return "binance" }

func (f *binanceFetcher) Fetch(ctx context.Context, symbol string) (models.OISnapshot, error) {
	oi, err := f.client.NewGetOpenInterestService().Symbol(symbol).Do(ctx)
	if err != nil {
		return models.OISnapshot{}, fmt.Errorf("binance open interest for %s: %w", symbol, err)
	}

	premium, err := f.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return models.OISnapshot{}, fmt.Errorf("binance premium index for %s: %w", symbol, err)
	}
	if len(premium) == 0 {
		return models.OISnapshot{}, fmt.Errorf("binance premium index for %s: empty response", symbol)
	}

	tokens, err := strconv.ParseFloat(oi.OpenInterest, 64)
	if err != nil {
		return models.OISnapshot{}, fmt.Errorf("binance open interest for %s: bad value %q", symbol, oi.OpenInterest)
	}
	markPrice, _ := strconv.ParseFloat(premium[0].MarkPrice, 64)
	funding, _ := strconv.ParseFloat(premium[0].LastFundingRate, 64)

	ts := time.Now().UTC()
	if oi.Time > 0 {
		ts = time.UnixMilli(oi.Time).UTC()
	}

	return models.OISnapshot{
		Exchange:           "binance",
		Symbol:             strings.ToUpper(symbol),
		MarketType:         models.MarketLinearUSDT,
		OpenInterestTokens: tokens,
		OpenInterestUsd:    tokens * markPrice,
		FundingRate:        funding,
		ReferencePrice:     markPrice,
		Timestamp:          ts,
	}, nil
}

// bybitFetcher reads the v5 market ticker, which carries open interest, its
// USD value and the current funding rate in a single call.
type bybitFetcher struct {
	client   *bybit_connector.Client
	category string
}

func newBybitFetcher(cfg appconfig.OpenInterestPollConfig, category string, httpClient *http.Client) *bybitFetcher {
	base := strings.TrimSpace(cfg.URL)
	if base == "" {
		base = "https://api.bybit.com"
	}
	client := bybit_connector.NewBybitHttpClient("", "", bybit_connector.WithBaseURL(base))
	if httpClient != nil {
		client.HTTPClient = httpClient
	}
	if category == "" {
		category = "linear"
	}
	return &bybitFetcher{client: client, category: category}
}

func (f *bybitFetcher) Exchange() string { return "bybit" }

type bybitTickerResult struct {
	Category string             `json:"category"`
	List     []bybitTickerEntry `json:"list"`
}

type bybitTickerEntry struct {
	Symbol            string `json:"symbol"`
	LastPrice         string `json:"lastPrice"`
	MarkPrice         string `json:"markPrice"`
	OpenInterest      string `json:"openInterest"`
	OpenInterestValue string `json:"openInterestValue"`
	FundingRate       string `json:"fundingRate"`
}

func (f *bybitFetcher) Fetch(ctx context.Context, symbol string) (models.OISnapshot, error) {
	params := map[string]interface{}{
		"category": f.category,
		"symbol":   strings.ToUpper(symbol),
	}

	resp, err := f.client.NewUtaBybitServiceWithParams(params).GetMarketTickers(ctx)
	if err != nil {
		return models.OISnapshot{}, fmt.Errorf("bybit tickers for %s: %w", symbol, err)
	}

	raw, err := json.Marshal(resp.Result)
	if err != nil {
		return models.OISnapshot{}, fmt.Errorf("bybit tickers for %s: %w", symbol, err)
	}
	var result bybitTickerResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return models.OISnapshot{}, fmt.Errorf("bybit tickers for %s: %w", symbol, err)
	}
	if len(result.List) == 0 {
		return models.OISnapshot{}, fmt.Errorf("bybit tickers for %s: empty list", symbol)
	}

	entry := result.List[0]
	tokens, _ := strconv.ParseFloat(entry.OpenInterest, 64)
	usd, _ := strconv.ParseFloat(entry.OpenInterestValue, 64)
	funding, _ := strconv.ParseFloat(entry.FundingRate, 64)
	price, _ := strconv.ParseFloat(entry.MarkPrice, 64)
	if price <= 0 {
		price, _ = strconv.ParseFloat(entry.LastPrice, 64)
	}

	sym := strings.ToUpper(entry.Symbol)
	marketType := models.MarketLinearUSDT
	switch {
	case f.category == "inverse":
		marketType = models.MarketInverse
	case strings.HasSuffix(sym, "PERP") || strings.Contains(sym, "USDC"):
		// bybit lists USDC-settled perps as SYMBOL-PERP/SYMBOL-USDC
		marketType = models.MarketLinearUSDC
	}

	return models.OISnapshot{
		Exchange:           "bybit",
		Symbol:             sym,
		MarketType:         marketType,
		OpenInterestTokens: tokens,
		OpenInterestUsd:    usd,
		FundingRate:        funding,
		ReferencePrice:     price,
		Timestamp:          time.Now().UTC(),
	}, nil
}

// okxFetcher combines the public open-interest and funding-rate endpoints.
type okxFetcher struct {
	baseURL string
	client  *http.Client
}

func newOkxFetcher(cfg appconfig.OpenInterestPollConfig, httpClient *http.Client) *okxFetcher {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if base == "" {
		base = "https://www.okx.com"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &okxFetcher{baseURL: base, client: httpClient}
}

func (f *okxFetcher) Exchange() string { return "okx" }

func (f *okxFetcher) Fetch(ctx context.Context, symbol string) (models.OISnapshot, error) {
	instID := strings.ToUpper(symbol)

	var oiResp struct {
		Code string `json:"code"`
		Data []struct {
			InstID string `json:"instId"`
			Oi     string `json:"oi"`
			OiCcy  string `json:"oiCcy"`
			OiUsd  string `json:"oiUsd"`
			Ts     string `json:"ts"`
		} `json:"data"`
	}
	oiURL := fmt.Sprintf("%s/api/v5/public/open-interest?instId=%s", f.baseURL, instID)
	if err := getJSON(ctx, f.client, oiURL, &oiResp); err != nil {
		return models.OISnapshot{}, fmt.Errorf("okx open interest for %s: %w", instID, err)
	}
	if oiResp.Code != "0" || len(oiResp.Data) == 0 {
		return models.OISnapshot{}, fmt.Errorf("okx open interest for %s: code=%s entries=%d", instID, oiResp.Code, len(oiResp.Data))
	}

	var fundingResp struct {
		Code string `json:"code"`
		Data []struct {
			FundingRate string `json:"fundingRate"`
		} `json:"data"`
	}
	fundingURL := fmt.Sprintf("%s/api/v5/public/funding-rate?instId=%s", f.baseURL, instID)
	if err := getJSON(ctx, f.client, fundingURL, &fundingResp); err != nil {
		return models.OISnapshot{}, fmt.Errorf("okx funding rate for %s: %w", instID, err)
	}

	entry := oiResp.Data[0]
	tokens, _ := strconv.ParseFloat(entry.OiCcy, 64)
	usd, _ := strconv.ParseFloat(entry.OiUsd, 64)
	funding := 0.0
	if len(fundingResp.Data) > 0 {
		funding, _ = strconv.ParseFloat(fundingResp.Data[0].FundingRate, 64)
	}

	price := 0.0
	if tokens > 0 && usd > 0 {
		price = usd / tokens
	}

	ts := time.Now().UTC()
	if ms, err := strconv.ParseInt(entry.Ts, 10, 64); err == nil && ms > 0 {
		ts = time.UnixMilli(ms).UTC()
	}

	return models.OISnapshot{
		Exchange:           "okx",
		Symbol:             instID,
		MarketType:         models.MarketLinearUSDT,
		OpenInterestTokens: tokens,
		OpenInterestUsd:    usd,
		FundingRate:        funding,
		ReferencePrice:     price,
		Timestamp:          ts,
	}, nil
}

// kucoinFetcher reads the futures contract detail endpoint. KuCoin reports
// open interest in contracts, converted to tokens through the multiplier.
type kucoinFetcher struct {
	baseURL string
	client  *http.Client
}

func newKucoinFetcher(cfg appconfig.OpenInterestPollConfig, httpClient *http.Client) *kucoinFetcher {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if base == "" {
		base = "https://api-futures.kucoin.com"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &kucoinFetcher{baseURL: base, client: httpClient}
}

func (f *kucoinFetcher) Exchange() string { return "kucoin" }

func (f *kucoinFetcher) Fetch(ctx context.Context, symbol string) (models.OISnapshot, error) {
	var resp struct {
		Code string `json:"code"`
		Data struct {
			Symbol         string  `json:"symbol"`
			MarkPrice      float64 `json:"markPrice"`
			OpenInterest   string  `json:"openInterest"`
			Multiplier     float64 `json:"multiplier"`
			FundingFeeRate float64 `json:"fundingFeeRate"`
		} `json:"data"`
	}

	url := fmt.Sprintf("%s/api/v1/contracts/%s", f.baseURL, strings.ToUpper(symbol))
	if err := getJSON(ctx, f.client, url, &resp); err != nil {
		return models.OISnapshot{}, fmt.Errorf("kucoin contract for %s: %w", symbol, err)
	}
	if resp.Code != "200000" {
		return models.OISnapshot{}, fmt.Errorf("kucoin contract for %s: code=%s", symbol, resp.Code)
	}

	contracts, _ := strconv.ParseFloat(resp.Data.OpenInterest, 64)
	multiplier := resp.Data.Multiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	tokens := contracts * multiplier
	price := resp.Data.MarkPrice

	return models.OISnapshot{
		Exchange:           "kucoin",
		Symbol:             strings.ToUpper(resp.Data.Symbol),
		MarketType:         models.MarketLinearUSDT,
		OpenInterestTokens: tokens,
		OpenInterestUsd:    tokens * price,
		FundingRate:        resp.Data.FundingFeeRate,
		ReferencePrice:     price,
		Timestamp:          time.Now().UTC(),
	}, nil
}

func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
