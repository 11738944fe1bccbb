package resilience

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
)

// Predefined errors for resilient operations.
var (
	// ErrCircuitOpen is returned when the circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// ClientConfig holds configuration for the resilient HTTP client.
type ClientConfig struct {
	// Name identifies the external system for circuit breaker naming and health.
	Name string

	// Timeout bounds each individual HTTP call.
	// Default: 10 seconds
	Timeout time.Duration

	// MaxRetries is the maximum number of retry attempts.
	// Default: 3
	MaxRetries uint64

	// InitialInterval is the initial retry backoff interval.
	// Default: 100ms
	InitialInterval time.Duration

	// MaxInterval is the maximum retry backoff interval. A Retry-After
	// longer than this is capped to it.
	// Default: 5 seconds
	MaxInterval time.Duration

	// UserAgent is sent on every request unless the request sets its own.
	// Default: "opsbridge"
	UserAgent string

	// CircuitBreaker is the circuit breaker configuration.
	// If nil, uses DefaultCircuitBreakerConfig.
	CircuitBreaker *CircuitBreakerConfig

	// Registry, when set, receives the client, its request outcomes and its
	// circuit state changes.
	Registry *Registry

	// Transport overrides the HTTP transport. Optional.
	Transport http.RoundTripper
}

// DefaultClientConfig returns the client settings used for external systems.
func DefaultClientConfig(name string) ClientConfig {
	cbConfig := DefaultCircuitBreakerConfig(name)
	return ClientConfig{
		Name:            name,
		Timeout:         10 * time.Second,
		MaxRetries:      3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		UserAgent:       "opsbridge",
		CircuitBreaker:  &cbConfig,
	}
}

// Client is an HTTP client for one external system, with a circuit breaker
// and retries on transient failures.
type Client struct {
	name           string
	httpClient     *http.Client
	circuitBreaker *gobreaker.CircuitBreaker[*http.Response]
	registry       *Registry
	config         ClientConfig
}

// NewClient creates a new resilient HTTP client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialInterval == 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxInterval == 0 {
		cfg.MaxInterval = 5 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "opsbridge"
	}

	cbConfig := DefaultCircuitBreakerConfig(cfg.Name)
	if cfg.CircuitBreaker != nil {
		cbConfig = *cfg.CircuitBreaker
	}
	if cfg.Registry != nil {
		onChange := cbConfig.OnStateChange
		cbConfig.OnStateChange = func(name string, from, to gobreaker.State) {
			cfg.Registry.RecordStateChange(cfg.Name, from, to)
			if onChange != nil {
				onChange(name, from, to)
			}
		}
	}

	c := &Client{
		name: cfg.Name,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: cfg.Transport,
		},
		circuitBreaker: newCircuitBreaker[*http.Response](cbConfig), //nolint:bodyclose // type param, not response
		registry:       cfg.Registry,
		config:         cfg,
	}

	if cfg.Registry != nil {
		cfg.Registry.Register(cfg.Name, c)
	}
	return c
}

// Name returns the name of the external system this client talks to.
func (c *Client) Name() string {
	return c.name
}

// Do executes an HTTP request with circuit breaker protection and retry logic.
// Transient failures (5xx, 429, network errors) are retried with exponential
// backoff, waiting at least as long as a Retry-After header asks. Returns
// immediately with ErrCircuitOpen if the circuit is open.
//
// Requests with a body must be replayable (GetBody set), which is the case
// for bodies built from bytes or strings by http.NewRequest.
//
// When retries run out on a 5xx or 429, that last response is returned
// without an error so the caller can read the remote's error body.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.config.InitialInterval
	bo.MaxInterval = c.config.MaxInterval
	bo.MaxElapsedTime = 0

	wait := &retryAfter{BackOff: backoff.WithMaxRetries(bo, c.config.MaxRetries), max: c.config.MaxInterval}
	policy := backoff.WithContext(wait, ctx)

	var lastResp *http.Response
	keep := func(resp *http.Response) {
		if lastResp != nil {
			lastResp.Body.Close()
		}
		lastResp = resp
	}

	operation := func() error {
		attempt, err := c.prepare(ctx, req)
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err := c.circuitBreaker.Execute(func() (*http.Response, error) { //nolint:bodyclose // caller closes
			r, err := c.httpClient.Do(attempt)
			if err != nil {
				return nil, err
			}
			switch {
			case r.StatusCode == http.StatusTooManyRequests:
				return r, &RateLimitError{RetryAfter: parseRetryAfter(r.Header.Get("Retry-After"), time.Now())}
			case r.StatusCode >= 500:
				return r, &ServerError{StatusCode: r.StatusCode}
			}
			return r, nil
		})

		if resp != nil {
			keep(resp)
		}
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(ErrCircuitOpen)
			}
			var limited *RateLimitError
			if errors.As(err, &limited) {
				wait.next = limited.RetryAfter
			}
			return err
		}
		return nil
	}

	if err := backoff.Retry(operation, policy); err != nil {
		c.recordFailure(err)
		var serverErr *ServerError
		var limited *RateLimitError
		if lastResp != nil && (errors.As(err, &serverErr) || errors.As(err, &limited)) {
			return lastResp, nil
		}
		if lastResp != nil {
			lastResp.Body.Close()
		}
		return nil, err
	}

	c.recordSuccess()
	return lastResp, nil
}

func (c *Client) prepare(ctx context.Context, req *http.Request) (*http.Request, error) {
	attempt := req.Clone(ctx)
	if attempt.Header.Get("User-Agent") == "" {
		attempt.Header.Set("User-Agent", c.config.UserAgent)
	}
	if req.Body == nil || req.Body == http.NoBody {
		return attempt, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("request to %s has a body that cannot be replayed", req.URL.Redacted())
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("rewinding request body: %w", err)
	}
	attempt.Body = body
	return attempt, nil
}

func (c *Client) recordSuccess() {
	if c.registry != nil {
		c.registry.RecordSuccess(c.name)
	}
}

func (c *Client) recordFailure(err error) {
	if c.registry != nil {
		c.registry.RecordFailure(c.name, err)
	}
}

// CircuitBreakerState returns the current state of the circuit breaker.
func (c *Client) CircuitBreakerState() gobreaker.State {
	return c.circuitBreaker.State()
}

// CircuitBreakerCounts returns the current counts of the circuit breaker.
func (c *Client) CircuitBreakerCounts() gobreaker.Counts {
	return c.circuitBreaker.Counts()
}

// ServerError represents an HTTP 5xx server error.
type ServerError struct {
	StatusCode int
}

func (e *ServerError) Error() string {
	return "server error: " + http.StatusText(e.StatusCode)
}

// RateLimitError is returned when the remote system answers 429.
type RateLimitError struct {
	// RetryAfter is how long the remote asked to wait. Zero if it did not say.
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return "rate limited, retry after " + e.RetryAfter.String()
	}
	return "rate limited"
}

// retryAfter stretches the next backoff interval to a Retry-After the remote
// asked for, capped at max.
type retryAfter struct {
	backoff.BackOff
	max  time.Duration
	next time.Duration
}

func (r *retryAfter) NextBackOff() time.Duration {
	d := r.BackOff.NextBackOff()
	if d == backoff.Stop {
		return d
	}
	if r.next > d {
		d = min(r.next, r.max)
	}
	r.next = 0
	return d
}

// parseRetryAfter reads a Retry-After header given as seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
