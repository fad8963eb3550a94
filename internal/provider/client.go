// Package provider implements the upstream market-data client: per-ticker
// snapshot and previous-close REST fetches, request pacing, and the delayed
// live trade stream.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/dusan02/vercel-pmp-sub005/internal/model"
)

const defaultBaseURL = "https://api.polygon.io"

// ClientConfig configures the REST client.
type ClientConfig struct {
	APIKey  string
	BaseURL string        // defaults to the production API host
	Timeout time.Duration // per-request bound, default 10s
}

// Client fetches snapshots and previous closes over REST. Credentials are an
// opaque key attached to every request.
type Client struct {
	apiKey string
	base   string
	http   *resty.Client
}

// NewClient creates a Client. The API key is required; its absence is a
// configuration error surfaced before any fetch.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	httpc := resty.New()
	httpc.SetTimeout(cfg.Timeout)

	return &Client{apiKey: cfg.APIKey, base: cfg.BaseURL, http: httpc}, nil
}

type snapshotResponse struct {
	Status string             `json:"status"`
	Ticker *model.RawSnapshot `json:"ticker"`
}

// FetchSnapshot requests the current snapshot for one ticker. HTTP errors
// and timeouts come back as typed per-ticker errors.
func (c *Client) FetchSnapshot(ctx context.Context, symbol string) (*model.RawSnapshot, error) {
	url := fmt.Sprintf("%s/v2/snapshot/locale/us/markets/stocks/tickers/%s?apiKey=%s", c.base, symbol, c.apiKey)

	resp, err := c.http.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, classifyTransport(symbol, err)
	}
	if resp.StatusCode() >= 400 {
		return nil, fmt.Errorf("snapshot %s: status %d: %w", symbol, resp.StatusCode(), ErrUpstreamHTTP)
	}

	var sr snapshotResponse
	if err := json.Unmarshal(resp.Body(), &sr); err != nil {
		return nil, fmt.Errorf("snapshot %s: decode: %w", symbol, err)
	}
	if sr.Ticker == nil {
		return nil, fmt.Errorf("snapshot %s: empty payload: %w", symbol, ErrUpstreamHTTP)
	}
	if sr.Ticker.Ticker == "" {
		sr.Ticker.Ticker = symbol
	}
	return sr.Ticker, nil
}

type prevCloseResponse struct {
	Status  string `json:"status"`
	Results []struct {
		Close float64 `json:"c"`
	} `json:"results"`
}

// FetchPreviousClose requests the prior session's settled close for one
// ticker.
func (c *Client) FetchPreviousClose(ctx context.Context, symbol string) (decimal.Decimal, error) {
	url := fmt.Sprintf("%s/v2/aggs/ticker/%s/prev?adjusted=true&apiKey=%s", c.base, symbol, c.apiKey)

	resp, err := c.http.R().SetContext(ctx).Get(url)
	if err != nil {
		return decimal.Zero, classifyTransport(symbol, err)
	}
	if resp.StatusCode() >= 400 {
		return decimal.Zero, fmt.Errorf("prev close %s: status %d: %w", symbol, resp.StatusCode(), ErrUpstreamHTTP)
	}

	var pr prevCloseResponse
	if err := json.Unmarshal(resp.Body(), &pr); err != nil {
		return decimal.Zero, fmt.Errorf("prev close %s: decode: %w", symbol, err)
	}
	if len(pr.Results) == 0 || pr.Results[0].Close <= 0 {
		return decimal.Zero, fmt.Errorf("prev close %s: no settled bar: %w", symbol, ErrUpstreamHTTP)
	}
	return decimal.NewFromFloat(pr.Results[0].Close), nil
}

// classifyTransport maps transport-level failures onto the error taxonomy.
func classifyTransport(symbol string, err error) error {
	var nerr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
		return fmt.Errorf("%s: %w", symbol, ErrUpstreamTimeout)
	}
	return fmt.Errorf("%s: %w", symbol, err)
}
