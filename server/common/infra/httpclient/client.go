package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultHTTPTimeout      = 5 * time.Second
	defaultFailThreshold    = 3
	defaultEndpointCooldown = 10 * time.Second
)

var errAllParked = errors.New("all endpoints cooling down")

type Options struct {
	Timeout          time.Duration
	FailThreshold    int
	EndpointCooldown time.Duration
	Headers          map[string]string
}

type StatusError struct {
	StatusCode int
	Endpoint   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d endpoint=%s", e.StatusCode, e.Endpoint)
}

type endpointHealth struct {
	failures    int
	parkedUntil time.Time
}

// Client posts JSON to a set of equivalent endpoints. Each call starts at the
// next endpoint in turn; an endpoint that fails FailThreshold times in a row is
// skipped until EndpointCooldown has passed.
type Client struct {
	endpoints []string
	http      *http.Client
	headers   map[string]string
	opts      Options
	cursor    atomic.Uint32

	mu     sync.Mutex
	health map[string]*endpointHealth
}

func NewClient(endpoints []string, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultHTTPTimeout
	}
	if opts.FailThreshold <= 0 {
		opts.FailThreshold = defaultFailThreshold
	}
	if opts.EndpointCooldown <= 0 {
		opts.EndpointCooldown = defaultEndpointCooldown
	}
	c := &Client{
		endpoints: cleanEndpoints(endpoints),
		http:      &http.Client{Timeout: opts.Timeout},
		headers:   make(map[string]string, len(opts.Headers)),
		opts:      opts,
		health:    map[string]*endpointHealth{},
	}
	for k, v := range opts.Headers {
		c.headers[k] = v
	}
	for _, e := range c.endpoints {
		c.health[e] = &endpointHealth{}
	}
	return c
}

// Post sends payload as JSON and decodes the response into out when out is non-nil.
// Transport errors and 5xx move on to the next endpoint; other non-2xx statuses
// are returned straight away as *StatusError.
func (c *Client) Post(ctx context.Context, path string, payload any, out any) error {
	if len(c.endpoints) == 0 {
		return errors.New("http endpoint is not configured")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	n := len(c.endpoints)
	first := int(c.cursor.Add(1)-1) % n
	var lastErr error
	for i := 0; i < n; i++ {
		endpoint := c.endpoints[(first+i)%n]
		if c.parked(endpoint) {
			continue
		}
		retry, err := c.attempt(ctx, endpoint, path, body, out)
		if err == nil {
			c.markHealthy(endpoint)
			return nil
		}
		if !retry {
			return err
		}
		c.markFailed(endpoint)
		lastErr = err
	}
	if lastErr == nil {
		return errAllParked
	}
	return lastErr
}

// attempt makes one request. retry reports whether another endpoint may do better.
func (c *Client) attempt(ctx context.Context, endpoint, path string, body []byte, out any) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+path, bytes.NewReader(body))
	if err != nil {
		return true, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return true, fmt.Errorf("request failed endpoint=%s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return true, &StatusError{StatusCode: resp.StatusCode, Endpoint: endpoint}
	case resp.StatusCode >= 300:
		return false, &StatusError{StatusCode: resp.StatusCode, Endpoint: endpoint}
	}
	if out == nil {
		return false, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.markFailed(endpoint)
		return false, fmt.Errorf("decode response endpoint=%s: %w", endpoint, err)
	}
	return false, nil
}

func cleanEndpoints(endpoints []string) []string {
	out := make([]string, 0, len(endpoints))
	seen := make(map[string]bool, len(endpoints))
	for _, e := range endpoints {
		e = strings.TrimRight(strings.TrimSpace(e), "/")
		if e == "" || seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return out
}

func (c *Client) parked(endpoint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.health[endpoint]
	return time.Now().Before(h.parkedUntil)
}

func (c *Client) markFailed(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.health[endpoint]
	h.failures++
	if h.failures >= c.opts.FailThreshold {
		h.parkedUntil = time.Now().Add(c.opts.EndpointCooldown)
		h.failures = 0
	}
}

func (c *Client) markHealthy(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health[endpoint] = &endpointHealth{}
}
