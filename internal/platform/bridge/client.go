// Package bridge talks to the event bridge management API that provisions the
// processors backing camel endpoints.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"notifications/internal/platform/config"
)

// Processor states reported by the bridge. Anything else means provisioning
// is still in progress.
const (
	ProcessorStatusReady  = "ready"
	ProcessorStatusFailed = "failed"
)

const processorPath = "/api/smartevents_mgmt/v1/bridges/%s/processors/%s"

// maxErrorBody caps how much of a failed response is kept on a StatusError.
const maxErrorBody = 512

type Processor struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// StatusError is returned when the bridge answers with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("bridge: unexpected status %d", e.Code)
	}
	return fmt.Sprintf("bridge: unexpected status %d: %s", e.Code, e.Body)
}

var ErrNotConfigured = errors.New("bridge: base url is not configured")

type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

func NewClient(cfg config.BridgeConfig, httpClient *http.Client) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, ErrNotConfigured
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, burst),
	}, nil
}

// GetProcessor fetches the current state of one processor. Transport errors,
// non-2xx answers and undecodable bodies are all returned as errors.
func (c *Client) GetProcessor(ctx context.Context, bridgeID, processorID, token string) (*Processor, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("bridge: rate limit: %w", err)
	}

	endpoint := c.baseURL + fmt.Sprintf(processorPath, url.PathEscape(bridgeID), url.PathEscape(processorID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bridge: get processor %s: %w", processorID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var p Processor
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("bridge: decode processor %s: %w", processorID, err)
	}
	return &p, nil
}
