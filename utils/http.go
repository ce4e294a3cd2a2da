package utils

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/Nurullah649/NPC-AI-ERP-sub000/internal/types"
)

// ErrCancelled is returned when a cancellable request is aborted by its flag.
var ErrCancelled = errors.New("request cancelled")

// cancelPollInterval is how often a cancellable request re-checks its flag
// while the worker is still in flight.
const cancelPollInterval = 100 * time.Millisecond

// HTTPClient provides HTTP functionality with rate limiting and retries.
type HTTPClient struct {
	client  *http.Client
	config  *types.Config
	logger  types.Logger
	limiter *time.Ticker
}

// NewHTTPClient creates a new HTTP client with the given configuration.
func NewHTTPClient(config *types.Config, logger types.Logger) *HTTPClient {
	client := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &HTTPClient{
		client:  client,
		config:  config,
		logger:  logger,
		limiter: time.NewTicker(config.RequestDelay),
	}
}

// Get performs a GET request with rate limiting and retries.
func (h *HTTPClient) Get(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	return h.Request(ctx, http.MethodGet, url, nil, headers)
}

// Request performs an HTTP request with rate limiting and retries.
// Non-2xx responses and transport errors are retried up to MaxRetries times.
func (h *HTTPClient) Request(ctx context.Context, method, url string, body []byte, headers map[string]string) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= h.config.MaxRetries; attempt++ {
		select {
		case <-h.limiter.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}

		req.Header.Set("User-Agent", h.config.UserAgent)
		req.Header.Set("Accept", "application/json, text/html;q=0.9, */*;q=0.8")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		h.logger.Debugf("%s %s (attempt %d/%d)", method, url, attempt+1, h.config.MaxRetries+1)

		resp, err := h.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("request failed: %w", err)
			h.logger.Warnf("Request failed (attempt %d): %v", attempt+1, err)
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("failed to read response body: %w", readErr)
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			lastErr = fmt.Errorf("unexpected status code: %d", resp.StatusCode)
			if !isRetryableStatus(resp.StatusCode) {
				return nil, lastErr
			}
			h.logger.Warnf("Unexpected status code %d (attempt %d)", resp.StatusCode, attempt+1)
			continue
		}

		return respBody, nil
	}

	return nil, fmt.Errorf("all retry attempts failed: %w", lastErr)
}

type fetchResult struct {
	body []byte
	err  error
}

// CancellableGet runs the GET on a worker goroutine and polls for completion
// at 100 ms intervals, checking the cancel flag between polls. On cancellation
// the caller returns immediately with ErrCancelled and the worker's result is
// discarded.
func (h *HTTPClient) CancellableGet(ctx context.Context, url string, headers map[string]string, cancel *types.CancelFlag) ([]byte, error) {
	if cancel.Cancelled() {
		return nil, ErrCancelled
	}

	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()

	results := make(chan fetchResult, 1)
	go func() {
		body, err := h.Get(workerCtx, url, headers)
		results <- fetchResult{body: body, err: err}
	}()

	ticker := time.NewTicker(cancelPollInterval)
	defer ticker.Stop()

	for {
		select {
		case res := <-results:
			return res.body, res.err
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			if cancel.Cancelled() {
				stopWorker()
				return nil, ErrCancelled
			}
		}
	}
}

// Close cleans up resources.
func (h *HTTPClient) Close() {
	if h.limiter != nil {
		h.limiter.Stop()
	}
}

func isRetryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// retryTransport retries idempotent session requests on 429/5xx with
// exponential backoff. Used by the cookie-jar session client.
type retryTransport struct {
	base    http.RoundTripper
	retries int
	backoff time.Duration
	logger  types.Logger
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	var err error

	for attempt := 0; attempt <= t.retries; attempt++ {
		if attempt > 0 {
			delay := t.backoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(delay):
			case <-req.Context().Done():
				return nil, req.Context().Err()
			}
		}

		resp, err = t.base.RoundTrip(req)
		if err != nil {
			if req.Context().Err() != nil || req.Body != nil {
				return nil, err
			}
			continue
		}
		if !isRetryableStatus(resp.StatusCode) || req.Method != http.MethodGet {
			return resp, nil
		}
		if attempt < t.retries {
			t.logger.Warnf("Session request %s returned %d, retrying", req.URL.Path, resp.StatusCode)
			resp.Body.Close()
			continue
		}
	}

	return resp, err
}

// NewSessionClient builds a cookie-jar HTTP client with pooled connections
// and retry/backoff on 429 and 5xx responses.
func NewSessionClient(config *types.Config, logger types.Logger) *http.Client {
	jar, _ := cookiejar.New(nil)
	return &http.Client{
		Timeout: config.Timeout,
		Jar:     jar,
		Transport: &retryTransport{
			base: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
			retries: config.MaxRetries,
			backoff: 500 * time.Millisecond,
			logger:  logger,
		},
	}
}
