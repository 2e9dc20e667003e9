package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultSimplePriceEndpoint = "https://api.coingecko.com/api/v3/simple/price"

// HTTPDoer abstracts the HTTP client used by sources.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// SimplePriceSource adapts a CoinGecko-compatible simple price API. idMap
// maps currency symbols to the API's asset identifiers.
type SimplePriceSource struct {
	name     string
	client   HTTPDoer
	endpoint string
	idMap    map[string]string
}

// NewSimplePriceSource constructs a source. An empty endpoint selects the
// public CoinGecko API.
func NewSimplePriceSource(name string, client HTTPDoer, endpoint string, idMap map[string]string) *SimplePriceSource {
	ep := strings.TrimSpace(endpoint)
	if ep == "" {
		ep = defaultSimplePriceEndpoint
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	mapped := make(map[string]string, len(idMap))
	for k, v := range idMap {
		mapped[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	if strings.TrimSpace(name) == "" {
		name = "simple-price"
	}
	return &SimplePriceSource{name: name, client: client, endpoint: ep, idMap: mapped}
}

// Name implements Source.
func (s *SimplePriceSource) Name() string { return s.name }

// Fetch implements Source, returning the USD price of one currency unit.
func (s *SimplePriceSource) Fetch(ctx context.Context, currency string) (*big.Rat, error) {
	if s == nil {
		return nil, fmt.Errorf("source not configured")
	}
	symbol := strings.ToUpper(strings.TrimSpace(currency))
	id, ok := s.idMap[symbol]
	if !ok || id == "" {
		return nil, fmt.Errorf("unmapped currency %s", symbol)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return nil, err
	}
	values := url.Values{}
	values.Set("ids", id)
	values.Set("vs_currencies", "usd")
	req.URL.RawQuery = values.Encode()
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("rate source status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	var payload map[string]map[string]json.Number
	if err := decoder.Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode price payload: %w", err)
	}
	entry, ok := payload[id]
	if !ok {
		return nil, fmt.Errorf("price missing for %s", symbol)
	}
	raw, ok := entry["usd"]
	if !ok {
		return nil, fmt.Errorf("usd price missing for %s", symbol)
	}
	priceStr := strings.TrimSpace(raw.String())
	if priceStr == "" {
		return nil, fmt.Errorf("empty price for %s", symbol)
	}
	rat, ok := new(big.Rat).SetString(priceStr)
	if !ok || rat.Sign() <= 0 {
		return nil, fmt.Errorf("invalid price %q for %s", priceStr, symbol)
	}
	return rat, nil
}

// FixedSource serves static prices. Used for the native asset when no public
// feed lists it, and by tests.
type FixedSource struct {
	name   string
	prices map[string]*big.Rat
}

// NewFixedSource builds a source from symbol to decimal price strings.
func NewFixedSource(name string, prices map[string]string) (*FixedSource, error) {
	parsed := make(map[string]*big.Rat, len(prices))
	for symbol, value := range prices {
		rat, ok := new(big.Rat).SetString(strings.TrimSpace(value))
		if !ok || rat.Sign() <= 0 {
			return nil, fmt.Errorf("invalid fixed price %q for %s", value, symbol)
		}
		parsed[strings.ToUpper(strings.TrimSpace(symbol))] = rat
	}
	if strings.TrimSpace(name) == "" {
		name = "fixed"
	}
	return &FixedSource{name: name, prices: parsed}, nil
}

// Name implements Source.
func (s *FixedSource) Name() string { return s.name }

// Fetch implements Source.
func (s *FixedSource) Fetch(ctx context.Context, currency string) (*big.Rat, error) {
	_ = ctx
	price, ok := s.prices[strings.ToUpper(strings.TrimSpace(currency))]
	if !ok {
		return nil, fmt.Errorf("no fixed price for %s", currency)
	}
	return new(big.Rat).Set(price), nil
}
