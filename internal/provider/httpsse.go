package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
)

// sseRetryDelays is the exponential backoff schedule for transport errors:
// 1s * 2^attempt, capped at 3 retries.
var sseRetryDelays = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// sharedHTTPClient is used by every provider's SSE connection, tuned with an
// HTTP/2 transport.
var sharedHTTPClient = newSharedHTTPClient()

func newSharedHTTPClient() *http.Client {
	transport := &http.Transport{}
	_ = http2.ConfigureTransport(transport)
	return &http.Client{Transport: transport}
}

// httpRequestConfig holds the parameters for an HTTP SSE request.
type httpRequestConfig struct {
	client   *http.Client
	url      string
	body     []byte
	headers  map[string]string
	provider string
	model    string
}

// isTransientStatus returns true for HTTP status codes the retry policy
// covers: 429 and 5xx.
func isTransientStatus(code int) bool {
	return code == 429 || (code >= 500 && code < 600)
}

// IsRetryableStatus exposes isTransientStatus for ShouldRetry implementations.
func IsRetryableStatus(code int) bool { return isTransientStatus(code) }

// transportError wraps a non-2xx stream response so ShouldRetry can
// distinguish transient statuses (429, 5xx) from terminal ones (4xx).
type transportError struct {
	status  int
	payload string
}

func (e *transportError) Error() string {
	return fmt.Sprintf("stream request status %d: %s", e.status, e.payload)
}

// shouldRetryTransport is the shared retry policy every provider's
// ShouldRetry reports: network-level failures and transient HTTP statuses
// are retryable, everything else (auth, bad request, cancellation) is not.
func shouldRetryTransport(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var te *transportError
	if errors.As(err, &te) {
		return isTransientStatus(te.status)
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// httpDoSSE executes an HTTP POST for SSE streaming, retrying up to 3 times
// on transient transport errors with exponential backoff.
func httpDoSSE(ctx context.Context, cfg httpRequestConfig) (io.ReadCloser, error) {
	maxRetries := len(sseRetryDelays)
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := sseRetryDelays[attempt-1]
			log.Warn().Str("provider", cfg.provider).Int("attempt", attempt).Dur("delay", delay).Msg("retrying SSE connection after transient error")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		client := cfg.client
		if client == nil {
			client = sharedHTTPClient
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.url, bytes.NewReader(cfg.body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")
		for k, v := range cfg.headers {
			httpReq.Header.Set(k, v)
		}

		resp, err := client.Do(httpReq)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			lastErr = err
			continue
		}

		if isTransientStatus(resp.StatusCode) {
			payload, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			lastErr = &transportError{status: resp.StatusCode, payload: strings.TrimSpace(string(payload))}
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			payload, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, &transportError{status: resp.StatusCode, payload: strings.TrimSpace(string(payload))}
		}

		return resp.Body, nil
	}

	return nil, fmt.Errorf("SSE request failed after %d retries: %w", maxRetries, lastErr)
}

// trySend sends an event on ch, aborting if ctx is cancelled. Returns false
// if cancelled (meaning the caller should stop producing).
func trySend[T any](ctx context.Context, ch chan<- T, evt T) bool {
	select {
	case ch <- evt:
		return true
	case <-ctx.Done():
		return false
	}
}
