// Package resiliency wraps outbound HTTP calls with retries, exponential
// backoff with jitter, a circuit breaker and W3C trace context propagation.
package resiliency

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// ErrCircuitOpen is returned without attempting a request while the breaker is open.
var ErrCircuitOpen = errors.New("resiliency: circuit breaker open")

// Client retries failed requests and stops calling a failing upstream.
// Responses with status >= 500 count as failures.
type Client struct {
	client      *http.Client
	maxRetries  int
	baseBackoff time.Duration
	breaker     *CircuitBreaker
	propagator  propagation.TextMapPropagator
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying client.
func WithHTTPClient(c *http.Client) Option {
	return func(rc *Client) { rc.client = c }
}

// WithMaxRetries sets the number of retries after the first attempt.
func WithMaxRetries(n int) Option {
	return func(rc *Client) { rc.maxRetries = n }
}

// WithBaseBackoff sets the first backoff step; each retry doubles it.
func WithBaseBackoff(d time.Duration) Option {
	return func(rc *Client) { rc.baseBackoff = d }
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(b *CircuitBreaker) Option {
	return func(rc *Client) { rc.breaker = b }
}

// NewClient returns a client with 3 retries, 100ms base backoff and a
// breaker opening after 5 consecutive failures for 10s.
func NewClient(name string, opts ...Option) *Client {
	c := &Client{
		client:      &http.Client{Timeout: 30 * time.Second},
		maxRetries:  3,
		baseBackoff: 100 * time.Millisecond,
		breaker:     NewCircuitBreaker(name, 5, 10*time.Second),
		propagator:  otel.GetTextMapPropagator(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Breaker exposes the client's circuit breaker.
func (c *Client) Breaker() *CircuitBreaker {
	return c.breaker
}

// Do executes req with retries. The request body is buffered so it can be
// replayed. Backoff waits respect the request context. When the last
// attempt gets a 5xx the response is returned together with an error and
// the caller must close its body.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if !c.breaker.Allow() {
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, c.breaker.Name())
	}

	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("resiliency: read request body: %w", err)
		}
	}
	c.propagator.Inject(req.Context(), propagation.HeaderCarrier(req.Header))

	var (
		resp *http.Response
		err  error
	)
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if body != nil {
			req.Body = io.NopCloser(bytes.NewReader(body))
		}
		resp, err = c.client.Do(req)
		if err == nil && resp.StatusCode < http.StatusInternalServerError {
			c.breaker.Success()
			return resp, nil
		}
		if attempt == c.maxRetries {
			break
		}
		if resp != nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}
		if werr := sleep(req.Context(), c.backoff(attempt)); werr != nil {
			c.breaker.Failure()
			return nil, werr
		}
	}

	c.breaker.Failure()
	if err == nil {
		err = fmt.Errorf("resiliency: upstream returned %d", resp.StatusCode)
		return resp, err
	}
	return nil, err
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.baseBackoff << attempt
	if n, err := rand.Int(rand.Reader, big.NewInt(50)); err == nil {
		d += time.Duration(n.Int64()) * time.Millisecond
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Breaker states.
const (
	StateClosed   = "CLOSED"
	StateOpen     = "OPEN"
	StateHalfOpen = "HALF_OPEN"
)

// CircuitBreaker opens after threshold consecutive failures and lets a
// single probe through once resetTimeout has passed.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        string
	clock        func() time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(name string, threshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		state:        StateClosed,
		clock:        time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (cb *CircuitBreaker) WithClock(clock func() time.Time) *CircuitBreaker {
	cb.clock = clock
	return cb
}

func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the current breaker state.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.clock().Sub(cb.lastFailure) > cb.resetTimeout {
			cb.state = StateHalfOpen
			return true
		}
		return false
	case StateHalfOpen:
		// one probe at a time
		return false
	default:
		return true
	}
}

func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failureCount = 0
}

func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = cb.clock()
	if cb.state == StateHalfOpen || cb.failureCount >= cb.threshold {
		cb.state = StateOpen
	}
}
