package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hutch-run/hutch/pkg/types"
)

// HTTPChecker probes with an HTTP GET; any status in [200, 399] is healthy.
type HTTPChecker struct {
	// URL is the full URL to check (e.g. "http://10.0.0.5:8080/healthz").
	URL string

	// ExpectedStatusMin/Max bound the acceptable status codes.
	ExpectedStatusMin int
	ExpectedStatusMax int

	// Client allows custom transport configuration; the probe deadline
	// still comes from the context.
	Client *http.Client
}

// NewHTTPChecker creates a new HTTP probe.
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		URL:               url,
		ExpectedStatusMin: 200,
		ExpectedStatusMax: 399,
		Client:            http.DefaultClient,
	}
}

// WithStatusRange sets the expected status code range.
func (h *HTTPChecker) WithStatusRange(min, max int) *HTTPChecker {
	h.ExpectedStatusMin = min
	h.ExpectedStatusMax = max
	return h
}

// Check performs the request under the probe context's deadline.
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("failed to create request: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("request failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode >= h.ExpectedStatusMin && resp.StatusCode <= h.ExpectedStatusMax

	msg := fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	if !healthy {
		msg = fmt.Sprintf("%s (expected %d-%d)", msg, h.ExpectedStatusMin, h.ExpectedStatusMax)
	}

	return Result{
		Healthy:   healthy,
		Message:   msg,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the probe mechanism.
func (h *HTTPChecker) Type() types.ProbeType {
	return types.ProbeHTTPGet
}
