package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"flockcast/internal/registry"
)

type GatewayOptions struct {
	Endpoint   string // base URL of the post-to-connection API
	APIKey     string
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Gateway delivers through a cloud-managed websocket gateway addressed by
// opaque connection IDs. Every provider error, including "connection gone",
// is reported as a plain failure; the caller does not get to distinguish
// error subtypes.
type Gateway struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewGateway(opts GatewayOptions) *Gateway {
	endpoint := strings.TrimRight(strings.TrimSpace(opts.Endpoint), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = 2
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &Gateway{
		endpoint:   endpoint,
		apiKey:     strings.TrimSpace(opts.APIKey),
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

func (g *Gateway) Send(ctx context.Context, c registry.Connection, payload []byte) error {
	if g.endpoint == "" {
		return fmt.Errorf("gateway endpoint is not configured")
	}
	target := g.endpoint + "/connections/" + url.PathEscape(c.SocketID)

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if g.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+g.apiKey)
		}

		resp, err := g.httpClient.Do(req)
		if err != nil {
			if attempt < g.maxRetries {
				if waitErr := sleepContext(ctx, g.retryDelay(attempt+1)); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}

		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return nil
		}

		// 429/5xx may be transient gateway pressure; anything else (404/410
		// "connection gone" included) is a dead connection from the caller's
		// point of view.
		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < g.maxRetries {
			if waitErr := sleepContext(ctx, g.retryDelay(attempt+1)); waitErr != nil {
				return waitErr
			}
			continue
		}
		return fmt.Errorf("gateway post to connection failed: status %d", resp.StatusCode)
	}
}

func (g *Gateway) retryDelay(attempt int) time.Duration {
	d := g.baseDelay * time.Duration(1<<uint(attempt-1))
	if d > g.maxDelay {
		d = g.maxDelay
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
