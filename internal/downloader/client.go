package downloader

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/pddg/liveupdate/internal/errdefs"
	"github.com/pddg/liveupdate/internal/logging"
)

// RetryPolicy controls how a request is retried.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// RetryDelay is the wait before the first retry. It doubles on every retry.
	RetryDelay time.Duration
	// MaxRetryDelay caps the wait between retries.
	MaxRetryDelay time.Duration
	// Timeout bounds a single attempt, including reading the body.
	Timeout time.Duration
}

var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:    3,
	RetryDelay:    1 * time.Second,
	MaxRetryDelay: 30 * time.Second,
	Timeout:       60 * time.Second,
}

// NewRetryClient wraps httpClient with retries for transient failures.
// Only attempts that produced no response (connection errors, attempt
// timeouts) are retried, with exponential backoff. Any response, whatever its
// status, is handed back at once so the caller can report it as ErrServer.
func NewRetryClient(httpClient *http.Client, policy RetryPolicy) *retryablehttp.Client {
	// Copy so the per-attempt timeout does not leak into the shared client.
	attemptClient := *httpClient
	attemptClient.Timeout = policy.Timeout

	client := retryablehttp.NewClient()
	client.HTTPClient = &attemptClient
	client.RetryMax = policy.MaxRetries
	client.RetryWaitMin = policy.RetryDelay
	client.RetryWaitMax = policy.MaxRetryDelay
	client.Backoff = retryablehttp.DefaultBackoff
	client.CheckRetry = retryTransportErrors
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	// Disable the default logger.
	client.Logger = nil
	// Show logs using the logger from the context.
	client.RequestLogHook = func(_ retryablehttp.Logger, r *http.Request, attempt int) {
		logger := logging.FromContext(r.Context())
		logger.DebugContext(r.Context(), "http request", "method", r.Method, "url", r.URL.Redacted(), "attempt", attempt)
	}
	client.ResponseLogHook = func(_ retryablehttp.Logger, r *http.Response) {
		ctx := r.Request.Context()
		logger := logging.FromContext(ctx)
		logger.DebugContext(ctx, "http response", "status", r.Status, "content_length", humanize.Bytes(uint64(max(r.ContentLength, 0))))
	}
	return client
}

func retryTransportErrors(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err == nil {
		return false, nil
	}
	// Still filters out errors no retry can fix, like a bad certificate.
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// TransportError wraps an error from the HTTP client with ErrCanceled when ctx
// is done and with ErrNetwork otherwise.
func TransportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", errdefs.ErrCanceled, ctx.Err())
	}
	return fmt.Errorf("%w: %w", errdefs.ErrNetwork, err)
}
