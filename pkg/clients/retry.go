package clients

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"
)

// RetryConfig controls DoWithRetry.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     bool

	// RetryFunc decides whether an attempt's outcome warrants another try.
	// Nil means DefaultShouldRetry.
	RetryFunc func(resp *http.Response, err error) bool

	// CircuitBreaker, when set, wraps the whole retry loop so callers
	// sharing it back off together once the host is declared down.
	CircuitBreaker *CircuitBreaker
}

// DefaultRetryConfig retries three times with 100ms..5s jittered backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
		RetryFunc:  DefaultShouldRetry,
	}
}

// DoWithRetry issues req through client, retrying per config. The request
// body, if any, is buffered once so every attempt sends the same bytes.
// With a breaker configured the loop runs inside it, and a final 5xx
// outcome counts against the host even though it is not a transport error.
func DoWithRetry(ctx context.Context, client *http.Client, req *http.Request, config RetryConfig) (*http.Response, error) {
	if config.RetryFunc == nil {
		config.RetryFunc = DefaultShouldRetry
	}
	if config.CircuitBreaker == nil {
		return retryLoop(ctx, client, req, config)
	}

	var resp *http.Response
	var err error
	cbErr := config.CircuitBreaker.Call(func() error {
		resp, err = retryLoop(ctx, client, req, config)
		if err != nil {
			return err
		}
		if resp != nil && resp.StatusCode >= 500 {
			return fmt.Errorf("server error: %d", resp.StatusCode)
		}
		return nil
	})
	if cbErr != nil && err == nil {
		// Rejected while open, or the loop ended on a 5xx that only the
		// breaker counts as a failure.
		return nil, cbErr
	}
	return resp, err
}

func retryLoop(ctx context.Context, client *http.Client, req *http.Request, config RetryConfig) (*http.Response, error) {
	var lastResp *http.Response
	var lastErr error

	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		req.Body.Close()
	}

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(float64(config.BaseDelay) * math.Pow(config.Multiplier, float64(attempt-1)))
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}
			if config.Jitter {
				delay += time.Duration(float64(delay) * 0.1 * (2*rand.Float64() - 1))
			}
			select {
			case <-ctx.Done():
				return lastResp, ctx.Err()
			case <-time.After(delay):
			}
		}

		// Each attempt gets a fresh request so a consumed body cannot
		// poison the next one.
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		attemptReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), reader)
		if err != nil {
			return nil, err
		}
		attemptReq.Header = req.Header.Clone()

		resp, err := client.Do(attemptReq)
		lastResp = resp
		lastErr = err

		if !config.RetryFunc(resp, err) {
			return resp, err
		}
		if attempt == config.MaxRetries {
			break
		}
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
	}

	return lastResp, lastErr
}
