package httpclient

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"
)

// retryTransport retries safe requests against the execution daemon.
// The daemon sheds load in two ways this transport understands: 429 from
// the submission rate limiter, and 503 with a Retry-After header while
// draining for shutdown. Both are waited out, server hint first.
type retryTransport struct {
	base                    http.RoundTripper
	maxAttempts             int
	baseBackoff             time.Duration
	maxBackoff              time.Duration
	allowNonIdempotentRetry bool
}

func newRetryTransport(base http.RoundTripper, cfg Config) *retryTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &retryTransport{
		base:                    base,
		maxAttempts:             cfg.RetryAttempts + 1, // attempts include the initial try
		baseBackoff:             cfg.RetryBackoff,
		maxBackoff:              cfg.MaxBackoff,
		allowNonIdempotentRetry: cfg.AllowNonIdempotentRetry,
	}
}

// RoundTrip implements http.RoundTripper. The last response is returned
// with its body intact when every attempt came back retryable.
func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !retryableMethod(req.Method) && !t.allowNonIdempotentRetry {
		return t.base.RoundTrip(req)
	}

	var lastErr error
	var lastResp *http.Response

	for attempt := 1; attempt <= t.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(t.retryDelay(attempt-1, lastResp)):
			case <-req.Context().Done():
				return nil, req.Context().Err()
			}
		}

		resp, err := t.base.RoundTrip(req)
		if err == nil && !retryableStatus(resp.StatusCode) {
			return resp, nil
		}
		if err != nil && !retryableError(err) {
			return nil, err
		}

		lastErr = err
		lastResp = resp
		if attempt < t.maxAttempts && resp != nil && resp.Body != nil {
			resp.Body.Close()
		}

		if req.Context().Err() != nil {
			return nil, req.Context().Err()
		}
	}

	if lastResp != nil {
		return lastResp, nil
	}
	return nil, lastErr
}

// retryDelay computes the wait before the given retry. The server's
// Retry-After hint wins when present: a draining daemon reports how long
// its drain window runs, and retrying sooner only burns attempts on more
// 503s. Without a hint, exponential backoff with jitter applies. Either
// way the wait never exceeds maxBackoff.
func (t *retryTransport) retryDelay(retry int, lastResp *http.Response) time.Duration {
	if hint := retryAfterHint(lastResp); hint > 0 {
		if hint > t.maxBackoff {
			return t.maxBackoff
		}
		return hint
	}

	backoff := float64(t.baseBackoff) * math.Pow(2, float64(retry-1))
	if backoff > float64(t.maxBackoff) {
		backoff = float64(t.maxBackoff)
	}
	// Up to 20% jitter keeps concurrent CLI invocations from retrying in
	// lockstep.
	return time.Duration(backoff * (1 + 0.2*rand.Float64()))
}

// retryAfterHint reads Retry-After in either seconds or HTTP-date form.
func retryAfterHint(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// retryableMethod limits automatic retries to methods safe to replay.
// Submissions are POSTs and the daemon has no idempotency keys, so a
// replayed submission would start a duplicate execution.
func retryableMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// retryableStatus reports whether the response is worth another attempt:
// server errors, the rate limiter's 429, and request timeouts.
func retryableStatus(code int) bool {
	return code >= 500 ||
		code == http.StatusTooManyRequests ||
		code == http.StatusRequestTimeout
}

// retryableError reports whether a transport error is plausibly
// transient. Context cancellation ends the request; connection-level
// failures get another attempt (the daemon may be mid-restart).
func retryableError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	switch {
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return true
	}
	return false
}
