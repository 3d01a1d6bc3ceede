// Package target talks to the system under test outside of its WebSocket
// endpoint.
package target

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HealthChecker probes the target's health endpoint. Any 2xx is healthy.
type HealthChecker struct {
	url    string
	client *http.Client
}

func NewHealthChecker(url string, timeout time.Duration) *HealthChecker {
	return &HealthChecker{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (h *HealthChecker) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health %s: status %d", h.url, resp.StatusCode)
	}
	return nil
}
