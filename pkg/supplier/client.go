// Package supplier provides a client for the component supplier parts API.
package supplier

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bom-pipeline/internal/resilience"
)

// ErrNotFound is returned when the supplier has no part matching the query.
var ErrNotFound = eris.New("supplier: part not found")

// Client defines the supplier lookup operations.
type Client interface {
	// Lookup resolves one MPN/manufacturer pair to a supplier part.
	Lookup(ctx context.Context, req LookupRequest) (*Part, error)
}

// LookupRequest identifies the part to resolve.
type LookupRequest struct {
	MPN          string
	Manufacturer string
	// Level is passed through as the detail parameter (basic, standard, comprehensive).
	Level string
}

// Part is the supplier's view of a component.
type Part struct {
	MPN             string         `json:"mpn"`
	Manufacturer    string         `json:"manufacturer"`
	LifecycleStatus string         `json:"lifecycle_status"`
	Stock           int            `json:"stock"`
	SupplierCount   int            `json:"supplier_count"`
	LeadTimeDays    int            `json:"lead_time_days"`
	UnitPrice       float64        `json:"unit_price"`
	MatchConfidence float64        `json:"match_confidence"`
	Attributes      map[string]any `json:"attributes,omitempty"`
}

type lookupResponse struct {
	Data *Part `json:"data"`
}

// Option configures the supplier client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = u
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout sets the overall HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a new supplier client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "http://localhost:8081",
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup does a single request. Retryable statuses come back as
// resilience.TransientError so the caller's retry policy decides.
func (c *httpClient) Lookup(ctx context.Context, lr LookupRequest) (*Part, error) {
	q := url.Values{}
	q.Set("mpn", lr.MPN)
	if lr.Manufacturer != "" {
		q.Set("manufacturer", lr.Manufacturer)
	}
	if lr.Level != "" {
		q.Set("detail", lr.Level)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/parts?"+q.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "supplier: create request")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "supplier: request failed")
	}
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, resilience.NewTransientError(eris.Wrap(readErr, "supplier: read response body"), resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return nil, resilience.NewTransientError(
			eris.Errorf("supplier: status %d: %s", resp.StatusCode, truncate(body)), resp.StatusCode)
	default:
		return nil, eris.Errorf("supplier: unexpected status %d: %s", resp.StatusCode, truncate(body))
	}

	var result lookupResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "supplier: unmarshal response")
	}
	if result.Data == nil || result.Data.MPN == "" {
		return nil, ErrNotFound
	}
	return result.Data, nil
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
