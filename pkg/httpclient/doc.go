// Package httpclient builds the HTTP clients crucible uses to talk to
// the execution daemon, with consistent timeout, retry, and logging
// behavior.
//
// Create a client with default settings:
//
//	client, err := httpclient.New(httpclient.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	resp, err := client.Get("http://127.0.0.1:8780/executions")
//
// Customize configuration:
//
//	cfg := httpclient.DefaultConfig()
//	cfg.UserAgent = "crucible-cli/1.0"
//	cfg.Timeout = 60 * time.Second
//	cfg.RetryAttempts = 5
//	client, err := httpclient.New(cfg)
//
// # Retry behavior
//
// Safe methods (GET, HEAD, OPTIONS) are retried with exponential backoff
// and jitter on 5xx, 408, 429, and connection-level failures. The daemon
// sheds load with 429 from its submission rate limiter and with 503 plus
// a Retry-After header while draining; the server's hint takes
// precedence over the computed backoff. POST and PATCH are never retried
// by default because submissions have no idempotency keys; set
// AllowNonIdempotentRetry only for targets where replay is safe.
//
// # Logging
//
// Every request emits a structured log line via log/slog with method,
// URL, status, and duration. Query parameters that look like credentials
// are redacted from the logged URL, and headers are never logged.
//
// The CLI's daemon client is the primary consumer; anything that calls
// out of the engine over HTTP should build its client here.
package httpclient
