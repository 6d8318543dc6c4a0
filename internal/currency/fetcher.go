package currency

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// HTTPRateFetcher reads rates from an ExchangeRate-API compatible endpoint
// (GET {baseURL}/{base} returning a "rates" map).
type HTTPRateFetcher struct {
	baseURL string
	client  *http.Client
}

type rateResponse struct {
	Result string                     `json:"result"`
	Base   string                     `json:"base_code"`
	Rates  map[string]decimal.Decimal `json:"rates"`
}

func NewHTTPRateFetcher(baseURL string, client *http.Client) *HTTPRateFetcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPRateFetcher{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (f *HTTPRateFetcher) FetchRate(ctx context.Context, base, quote string) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/%s", f.baseURL, base), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("build rate request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch exchange rate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("exchange rate API returned status code %d", resp.StatusCode)
	}

	var body rateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("decode exchange rate response: %w", err)
	}
	if body.Result != "" && body.Result != "success" {
		return decimal.Zero, fmt.Errorf("exchange rate API returned result %q", body.Result)
	}

	rate, ok := body.Rates[quote]
	if !ok {
		return decimal.Zero, fmt.Errorf("exchange rate not found for currency %s", quote)
	}
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("exchange rate %s->%s is not positive", base, quote)
	}
	return rate, nil
}
