package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"shopfloor/internal/domain"
)

const defaultTimeout = 5 * time.Second

// HTTPClient posts lifecycle events and capacity reservations to
// configured sibling-service endpoints. Every request carries a bounded
// timeout; callers invoke it only after their transaction committed.
type HTTPClient struct {
	LifecycleURL string
	ReserveURL   string
	Secret       string
	client       *http.Client
}

func NewHTTPClient(lifecycleURL, reserveURL, secret string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPClient{
		LifecycleURL: lifecycleURL,
		ReserveURL:   reserveURL,
		Secret:       secret,
		client:       &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) NotifyLifecycle(ctx context.Context, evt LifecycleEvent) error {
	if strings.TrimSpace(c.LifecycleURL) == "" {
		return nil
	}
	if err := c.post(ctx, c.LifecycleURL, "queue."+evt.Status, evt); err != nil {
		return &domain.DownstreamError{Op: "notify lifecycle", Err: err}
	}
	return nil
}

func (c *HTTPClient) ReserveCapacity(ctx context.Context, res Reservation) error {
	if strings.TrimSpace(c.ReserveURL) == "" {
		return nil
	}
	if err := c.post(ctx, c.ReserveURL, "capacity.reserve", res); err != nil {
		return &domain.DownstreamError{Op: "reserve capacity", Err: err}
	}
	return nil
}

func (c *HTTPClient) post(ctx context.Context, url, eventType string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Shopfloor-Event", eventType)
	if strings.TrimSpace(c.Secret) != "" {
		req.Header.Set("X-Shopfloor-Secret", c.Secret)
	}
	res, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}
