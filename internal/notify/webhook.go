package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"time"
)

const defaultWebhookTimeout = 10 * time.Second

// Webhook POSTs the event as JSON.
type Webhook struct {
	url     *url.URL
	headers map[string]string
	client  *http.Client
}

func NewWebhook(rawURL string, headers map[string]string, timeout time.Duration) (*Webhook, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, errors.New("please define the webhook url with a http(s) scheme and a host, e.g. `https://hooks.example.com/jobman`")
	}
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &Webhook{
		url:     parsed,
		headers: headers,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func (w *Webhook) Notify(ctx context.Context, event Event) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url.String(), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if err := decodeWebhookResponse(resp); err != nil {
		return err
	}
	slog.DebugContext(ctx, "webhook notified", "url", w.url.Redacted(), "status", resp.StatusCode)
	return nil
}

func decodeWebhookResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		return nil
	}

	contentType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if contentType == "application/problem+json" {
		var problemDetail struct {
			Title  string `json:"title"`
			Detail string `json:"detail"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&problemDetail); err != nil {
			return fmt.Errorf("decoding json response failed: %w", err)
		}
		detail := problemDetail.Detail
		if detail == "" {
			detail = problemDetail.Title
		}
		return fmt.Errorf("status code: %d, detail: %s", resp.StatusCode, detail)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return err
	}
	return fmt.Errorf("unexpected status: %d, body: %s", resp.StatusCode, string(respBody))
}
