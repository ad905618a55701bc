// ABOUTME: GraphQL client for a Sourcegraph instance with token auth, rate limiting, and retry
// ABOUTME: Exponential backoff on 429/5xx; endpoint and token are read per request from Credentials

package sourcegraph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	sghttp "github.com/mauromedda/sg-nvim-go/internal/http"
	"github.com/mauromedda/sg-nvim-go/internal/log"
	"github.com/mauromedda/sg-nvim-go/internal/metrics"
)

const (
	graphQLPath = "/.api/graphql"

	maxRetries    = 3
	baseBackoffMs = 500
	maxBackoffMs  = 10000

	// DefaultRateLimit is the sustained GraphQL request rate per second.
	DefaultRateLimit = 20
	// DefaultBurst is the number of requests allowed above the sustained rate.
	DefaultBurst = 10

	defaultTimeout = 60 * time.Second
	maxErrorBody   = 512
)

// ErrUnauthorized is returned when the instance rejects the access token.
var ErrUnauthorized = errors.New("sourcegraph: unauthorized")

// ErrNotFound is returned when a repository, commit, or path does not exist.
var ErrNotFound = errors.New("sourcegraph: not found")

// Credentials supplies the instance endpoint and access token. They are
// read on every request so a credential change takes effect immediately.
type Credentials interface {
	Endpoint() string
	AccessToken() (string, bool)
}

// StaticCredentials is a fixed endpoint and token.
type StaticCredentials struct {
	URL   string
	Token string
}

// Endpoint returns the configured URL without a trailing slash.
func (s StaticCredentials) Endpoint() string { return strings.TrimRight(s.URL, "/") }

// AccessToken returns the token, if any.
func (s StaticCredentials) AccessToken() (string, bool) { return s.Token, s.Token != "" }

// StatusError is a non-2xx HTTP response from the GraphQL endpoint.
type StatusError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("graphql %s: HTTP %d: %s", e.Operation, e.StatusCode, e.Body)
}

// Is reports 401 and 403 responses as ErrUnauthorized.
func (e *StatusError) Is(target error) bool {
	return target == ErrUnauthorized &&
		(e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden)
}

// GraphQLError carries the errors array of a GraphQL response.
type GraphQLError struct {
	Operation string
	Messages  []string
}

func (e *GraphQLError) Error() string {
	return fmt.Sprintf("graphql %s: %s", e.Operation, strings.Join(e.Messages, "; "))
}

// Options configures a Client. Zero values select defaults.
type Options struct {
	HTTPClient *http.Client
	// Headers are added to every request, after the defaults.
	Headers   map[string]string
	RateLimit rate.Limit
	Burst     int
	Metrics   *metrics.Metrics
}

// Client issues GraphQL queries against a Sourcegraph instance.
type Client struct {
	creds      Credentials
	httpClient *http.Client
	headers    map[string]string
	limiter    *rate.Limiter
	metrics    *metrics.Metrics
	backoff    func(attempt int) time.Duration
}

// NewClient creates a client that reads its endpoint and token from creds.
func NewClient(creds Credentials, opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = sghttp.SecureHTTPClient(defaultTimeout)
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = DefaultRateLimit
	}
	if opts.Burst <= 0 {
		opts.Burst = DefaultBurst
	}
	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		headers[k] = v
	}
	return &Client{
		creds:      creds,
		httpClient: opts.HTTPClient,
		headers:    headers,
		limiter:    rate.NewLimiter(opts.RateLimit, opts.Burst),
		metrics:    opts.Metrics,
		backoff:    backoff,
	}
}

// Endpoint returns the instance URL currently in use.
func (c *Client) Endpoint() string {
	return strings.TrimRight(c.creds.Endpoint(), "/")
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Query runs one GraphQL operation and decodes its data field into out.
// The operation name is appended to the URL so server logs can tell
// requests apart.
func (c *Client) Query(ctx context.Context, operation, query string, vars map[string]any, out any) error {
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: vars})
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", operation, err)
	}

	resp, err := c.do(ctx, operation, body)
	if err != nil {
		c.metrics.GraphQLCall(operation, "transport_error")
		return fmt.Errorf("graphql %s: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.metrics.GraphQLCall(operation, strconv.Itoa(resp.StatusCode))
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Operation: operation, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	var gr graphQLResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		c.metrics.GraphQLCall(operation, "decode_error")
		return fmt.Errorf("decoding %s response: %w", operation, err)
	}
	if len(gr.Errors) > 0 {
		c.metrics.GraphQLCall(operation, "graphql_error")
		msgs := make([]string, len(gr.Errors))
		for i, e := range gr.Errors {
			msgs[i] = e.Message
		}
		return &GraphQLError{Operation: operation, Messages: msgs}
	}
	c.metrics.GraphQLCall(operation, "ok")

	if out == nil {
		return nil
	}
	if len(gr.Data) == 0 || string(gr.Data) == "null" {
		return fmt.Errorf("graphql %s: empty data", operation)
	}
	if err := json.Unmarshal(gr.Data, out); err != nil {
		return fmt.Errorf("decoding %s data: %w", operation, err)
	}
	return nil
}

// do sends the request with retry on 429 and 5xx status codes. It returns
// the response from the last attempt, even if retries were exhausted.
func (c *Client) do(ctx context.Context, operation string, body []byte) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
		req, err := c.buildRequest(ctx, operation, body)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("http request failed: %w", err)
		}
		if !isRetryable(resp.StatusCode) || attempt == maxRetries {
			return resp, nil
		}

		resp.Body.Close()
		log.Debug("graphql %s: HTTP %d, retrying (attempt %d)", operation, resp.StatusCode, attempt+1)
		if err := sleepWithContext(ctx, c.backoff(attempt)); err != nil {
			return nil, fmt.Errorf("context cancelled during retry backoff: %w", err)
		}
	}
}

func (c *Client) buildRequest(ctx context.Context, operation string, body []byte) (*http.Request, error) {
	url := c.Endpoint() + graphQLPath + "?" + operation
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Requested-With", "sg-nvim")
	if token, ok := c.creds.AccessToken(); ok {
		req.Header.Set("Authorization", "token "+token)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// isRetryable returns true for status codes that warrant a retry.
func isRetryable(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || statusCode >= 500
}

// backoff returns the backoff duration for the given attempt using exponential backoff.
func backoff(attempt int) time.Duration {
	ms := float64(baseBackoffMs) * math.Pow(2, float64(attempt))
	if ms > maxBackoffMs {
		ms = maxBackoffMs
	}
	return time.Duration(ms) * time.Millisecond
}

// sleepWithContext waits for the given duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
