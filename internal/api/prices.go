package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PriceQuote is one symbol's USD price from the external feed.
type PriceQuote struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Change24h decimal.Decimal `json:"percent_change_24h"`
	Timestamp time.Time       `json:"-"`
}

// PriceClient reads the external price API.
type PriceClient struct {
	url    string
	client *http.Client
	now    func() time.Time
}

func NewPriceClient(url string) *PriceClient {
	return &PriceClient{
		url:    url,
		client: &http.Client{Timeout: 15 * time.Second},
		now:    time.Now,
	}
}

type priceResponse struct {
	Success bool         `json:"success"`
	Data    []PriceQuote `json:"data"`
}

// FetchPrices returns every quote with a positive price. Symbols are
// upper-cased.
func (p *PriceClient) FetchPrices(ctx context.Context) ([]PriceQuote, error) {
	if p.url == "" {
		return nil, fmt.Errorf("price api url not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("price api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("price api status: %d", resp.StatusCode)
	}

	var body priceResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode prices: %w", err)
	}
	if !body.Success {
		return nil, fmt.Errorf("price api reported failure")
	}

	now := p.now()
	out := make([]PriceQuote, 0, len(body.Data))
	for _, q := range body.Data {
		if q.Symbol == "" || !q.Price.IsPositive() {
			continue
		}
		q.Symbol = strings.ToUpper(q.Symbol)
		q.Timestamp = now
		out = append(out, q)
	}
	return out, nil
}
