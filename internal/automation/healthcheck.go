package automation

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HealthCheck probes parameters["url"] with an HTTP GET when present and fails
// on transport errors or a status of 400 and above. Without a url it falls
// back to Fallback.
type HealthCheck struct {
	Client   *http.Client
	Fallback Runner
}

func (h HealthCheck) Run(ctx context.Context, target string, params map[string]any) error {
	url, _ := params["url"].(string)
	url = strings.TrimSpace(url)
	if url == "" {
		if h.Fallback == nil {
			return nil
		}
		return h.Fallback.Run(ctx, target, params)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("health check %s: %w", target, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check %s: %w", target, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("health check %s: %s returned %d", target, url, resp.StatusCode)
	}
	return nil
}
