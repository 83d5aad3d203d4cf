package stripe

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

	"github.com/opensource-finance/kestrel/internal/domain"
	"golang.org/x/time/rate"
)

const maxPages = 1000

// Client lists charges from the Stripe REST API.
type Client struct {
	apiKey      string
	baseURL     string
	pageSize    int
	httpClient  *http.Client
	rateLimiter *rate.Limiter
}

// NewClient creates a client from cfg.
func NewClient(cfg domain.StripeConfig) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.stripe.com"
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 100
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 20
	}

	return &Client{
		apiKey:      cfg.APIKey,
		baseURL:     strings.TrimRight(baseURL, "/"),
		pageSize:    pageSize,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		rateLimiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

// Configured reports whether an API key is set.
func (c *Client) Configured() bool {
	return c.apiKey != ""
}

// ListCharges returns every charge created at or after since, following
// pagination. Any failure wraps domain.ErrUpstreamSync and no partial
// result is returned.
func (c *Client) ListCharges(ctx context.Context, since time.Time) ([]Charge, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("%w: stripe api key not configured", domain.ErrUpstreamSync)
	}

	var charges []Charge
	startingAfter := ""

	for page := 0; page < maxPages; page++ {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limit wait cancelled: %v", domain.ErrUpstreamSync, err)
		}

		q := url.Values{}
		q.Set("limit", strconv.Itoa(c.pageSize))
		q.Set("created[gte]", strconv.FormatInt(since.Unix(), 10))
		if startingAfter != "" {
			q.Set("starting_after", startingAfter)
		}

		var list chargeList
		if err := c.get(ctx, "/v1/charges?"+q.Encode(), &list); err != nil {
			return nil, err
		}

		charges = append(charges, list.Data...)
		if !list.HasMore || len(list.Data) == 0 {
			return charges, nil
		}
		startingAfter = list.Data[len(list.Data)-1].ID
	}

	return nil, fmt.Errorf("%w: pagination did not terminate after %d pages", domain.ErrUpstreamSync, maxPages)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUpstreamSync, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: request failed: %v", domain.ErrUpstreamSync, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %v", domain.ErrUpstreamSync, err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("%w: stripe returned %d: %s", domain.ErrUpstreamSync, resp.StatusCode, apiErr.Error.Message)
		}
		return fmt.Errorf("%w: stripe returned %d", domain.ErrUpstreamSync, resp.StatusCode)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: failed to parse response: %v", domain.ErrUpstreamSync, err)
	}
	return nil
}
