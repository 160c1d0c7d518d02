package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPChecker performs HTTP-based health checks against a single URL,
// accepting any 2xx/3xx response as healthy.
type HTTPChecker struct {
	URL    string
	Client *http.Client
}

// NewHTTPChecker creates a new HTTP health checker.
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Check performs the HTTP health check.
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return Result{Healthy: false, Message: fmt.Sprintf("failed to create request: %v", err), CheckedAt: start, Duration: time.Since(start)}
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return Result{Healthy: false, Message: fmt.Sprintf("request failed: %v", err), CheckedAt: start, Duration: time.Since(start)}
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode >= 200 && resp.StatusCode <= 399
	message := fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	if !healthy {
		message = fmt.Sprintf("%s (expected 200-399)", message)
	}

	return Result{Healthy: healthy, Message: message, CheckedAt: start, Duration: time.Since(start)}
}

// Type returns the health check type.
func (h *HTTPChecker) Type() CheckType { return CheckTypeHTTP }

// WithTimeout sets the HTTP client timeout.
func (h *HTTPChecker) WithTimeout(timeout time.Duration) *HTTPChecker {
	h.Client.Timeout = timeout
	return h
}
