package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type HTTPProviderOptions struct {
	Endpoint   string
	AuthToken  string
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// HTTPProvider talks to an Expo-shaped push API: a JSON array of messages in,
// a "data" array of per-message receipts out.
type HTTPProvider struct {
	endpoint   string
	authToken  string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPProvider(opts HTTPProviderOptions) *HTTPProvider {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
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
	return &HTTPProvider{
		endpoint:   strings.TrimSpace(opts.Endpoint),
		authToken:  strings.TrimSpace(opts.AuthToken),
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

type providerReceipt struct {
	Status  string `json:"status"` // "ok" | "error"
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
}

type providerResponse struct {
	Data []providerReceipt `json:"data"`
}

func (p *HTTPProvider) SendChunk(ctx context.Context, msgs []Message) ([]Ticket, error) {
	if p.endpoint == "" {
		return nil, fmt.Errorf("push endpoint is not configured")
	}
	bodyBytes, err := json.Marshal(msgs)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(bodyBytes))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if p.authToken != "" {
			req.Header.Set("Authorization", "Bearer "+p.authToken)
		}

		resp, err := p.httpClient.Do(req)
		if err != nil {
			if attempt < p.maxRetries {
				if waitErr := sleepContext(ctx, p.retryDelay(attempt+1)); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			if attempt < p.maxRetries {
				if waitErr := sleepContext(ctx, p.retryDelay(attempt+1)); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, fmt.Errorf("push provider: status %d", resp.StatusCode)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, fmt.Errorf("push provider: status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		}

		var parsed providerResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return nil, fmt.Errorf("push provider: invalid response: %w", err)
		}
		tickets := make([]Ticket, 0, len(parsed.Data))
		for _, r := range parsed.Data {
			tickets = append(tickets, Ticket{
				OK:  r.Status == "ok",
				ID:  r.ID,
				Err: r.Message,
			})
		}
		return tickets, nil
	}
}

func (p *HTTPProvider) retryDelay(attempt int) time.Duration {
	d := p.baseDelay * time.Duration(1<<uint(attempt-1))
	if d > p.maxDelay {
		d = p.maxDelay
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
