package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	paperBaseURL = "https://paper-api.alpaca.markets"
	liveBaseURL  = "https://api.alpaca.markets"

	ordersPageLimit = 500
	userAgent       = "spread-ledger/1.0"
)

// AlpacaClient reads orders and positions from an Alpaca-compatible
// trading API.
type AlpacaClient struct {
	client    *http.Client
	baseURL   string
	apiKey    string
	apiSecret string
	pageSize  int
	limiter   *rate.Limiter
	logger    *logrus.Logger
}

// AlpacaOptions configures a client. Zero values pick defaults.
type AlpacaOptions struct {
	BaseURL       string
	Paper         bool
	Timeout       time.Duration
	RatePerSecond float64
	PageSize      int // orders per request, default 500
	HTTPClient    *http.Client
	Logger        *logrus.Logger
}

// NewAlpacaClient creates a client authenticating with key and secret.
func NewAlpacaClient(apiKey, apiSecret string, opts AlpacaOptions) *AlpacaClient {
	baseURL := opts.BaseURL
	if baseURL == "" {
		if opts.Paper {
			baseURL = paperBaseURL
		} else {
			baseURL = liveBaseURL
		}
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	limit := rate.Inf
	burst := 1
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
		burst = max(1, int(opts.RatePerSecond))
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	pageSize := opts.PageSize
	if pageSize <= 0 || pageSize > ordersPageLimit {
		pageSize = ordersPageLimit
	}

	return &AlpacaClient{
		client:    client,
		baseURL:   baseURL,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		pageSize:  pageSize,
		limiter:   rate.NewLimiter(limit, burst),
		logger:    logger,
	}
}

// Orders returns closed orders with nested legs submitted after since,
// oldest first. Pages are followed until a short page; each next page starts
// just before the last submission time seen, and repeats are dropped by id.
func (a *AlpacaClient) Orders(ctx context.Context, since time.Time) ([]Order, error) {
	params := url.Values{}
	params.Set("status", "closed")
	params.Set("nested", "true")
	params.Set("direction", "asc")
	params.Set("limit", strconv.Itoa(a.pageSize))
	if !since.IsZero() {
		params.Set("after", since.UTC().Format(time.RFC3339))
	}

	var orders []Order
	seen := make(map[string]struct{})
	for {
		var page []Order
		if err := a.makeRequestCtx(ctx, http.MethodGet, "/v2/orders", params, &page); err != nil {
			return nil, fmt.Errorf("fetching orders: %w", err)
		}

		added := 0
		for _, o := range page {
			if _, dup := seen[o.ID]; dup && o.ID != "" {
				continue
			}
			seen[o.ID] = struct{}{}
			orders = append(orders, o)
			added++
		}
		if len(page) < a.pageSize {
			return orders, nil
		}

		last := page[len(page)-1].SubmittedAt
		if added == 0 || last == nil {
			a.logger.WithFields(logrus.Fields{
				"limit":  a.pageSize,
				"orders": len(orders),
			}).Warn("Order history cannot be paged further; older fills may be missing")
			return orders, nil
		}
		params.Set("after", last.UTC().Add(-time.Nanosecond).Format(time.RFC3339Nano))
	}
}

// Positions returns every open position.
func (a *AlpacaClient) Positions(ctx context.Context) ([]Position, error) {
	var positions []Position
	if err := a.makeRequestCtx(ctx, http.MethodGet, "/v2/positions", nil, &positions); err != nil {
		return nil, fmt.Errorf("fetching positions: %w", err)
	}
	return positions, nil
}

// makeRequestCtx performs a paced, authenticated GET and decodes the JSON
// response. Non-2xx responses become *APIError.
func (a *AlpacaClient) makeRequestCtx(ctx context.Context, method, path string,
	params url.Values, response any) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	endpoint := a.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Set("APCA-API-KEY-ID", a.apiKey)
	req.Header.Set("APCA-API-SECRET-KEY", a.apiSecret)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			a.logger.WithError(err).Debug("Failed to close response body")
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err != nil {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> failed to read error body", method, path)}
		}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s (retry-after: %s)", method, path, string(body), ra)}
		}
		return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s", method, path, string(body))}
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(response); err != nil && err != io.EOF {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
