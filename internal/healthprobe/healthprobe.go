// Package healthprobe implements the HealthProbe of spec.md §4.7: an
// HTTP readiness check with a 5s per-request timeout and a bounded
// wait_ready retry loop. It is grounded on the teacher's
// cmd/provisr/client.go APIClient, which uses the same
// http.Client{Timeout: ...} shape, generalized here to probe an
// arbitrary target URL instead of the daemon's own API.
package healthprobe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RequestTimeout is the per-request budget (spec.md §4.7).
const RequestTimeout = 5 * time.Second

// RetryGap is the pause between wait_ready attempts.
const RetryGap = 2 * time.Second

// MaxAttempts bounds wait_ready attempts regardless of overall_timeout.
const MaxAttempts = 3

// Prober issues readiness checks against HTTP(S) URLs.
type Prober struct {
	client *http.Client
}

// New constructs a Prober with the fixed per-request timeout.
func New() *Prober {
	return &Prober{client: &http.Client{Timeout: RequestTimeout}}
}

// Check issues a single GET to url and reports success for any
// 2xx status, draining and closing the response body.
func (p *Prober) Check(ctx context.Context, url string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("healthprobe: build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false, nil //nolint:nilerr // network failure is a probe miss, not an error
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

// WaitReady retries Check with RetryGap pauses, up to MaxAttempts
// attempts, bounded by overallTimeout. It returns true on the first
// success.
func (p *Prober) WaitReady(ctx context.Context, url string, overallTimeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, overallTimeout)
	defer cancel()

	for attempt := 0; attempt < MaxAttempts; attempt++ {
		ok, err := p.Check(ctx, url)
		if err == nil && ok {
			return true
		}
		if attempt < MaxAttempts-1 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(RetryGap):
			}
		}
	}
	return false
}
