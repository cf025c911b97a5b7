package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/DishankChauhan/blockchain-indexer/internal/apperr"
	"github.com/DishankChauhan/blockchain-indexer/internal/domain/model"
)

const defaultTimeout = 30 * time.Second

// Client manages push subscriptions against the upstream event provider's
// webhook API. It satisfies job.ProviderClient.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	apiKey       string
	callbackBase string
	logger       *slog.Logger
}

func NewClient(baseURL, apiKey, callbackBase string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		httpClient:   &http.Client{Timeout: timeout},
		baseURL:      baseURL,
		apiKey:       apiKey,
		callbackBase: callbackBase,
		logger:       logger.With("component", "provider"),
	}
}

type subscribeRequest struct {
	WebhookURL       string   `json:"webhookURL"`
	WebhookType      string   `json:"webhookType"`
	TransactionTypes []string `json:"transactionTypes,omitempty"`
	AccountAddresses []string `json:"accountAddresses,omitempty"`
}

type subscription struct {
	WebhookID string `json:"webhookID"`
}

// Subscribe registers a push subscription whose callback routes back to the
// job's inbound endpoint. The provider deduplicates by webhook URL, so
// re-subscribing an already registered job returns the existing id.
func (c *Client) Subscribe(ctx context.Context, job *model.IndexingJob) (string, error) {
	req := subscribeRequest{
		WebhookURL:       fmt.Sprintf("%s/v1/webhooks/inbound/%s", c.callbackBase, job.ID),
		WebhookType:      "enhanced",
		AccountAddresses: job.Filter.Accounts,
	}

	var sub subscription
	if err := c.do(ctx, http.MethodPost, "/v0/webhooks", req, &sub); err != nil {
		return "", err
	}
	if sub.WebhookID == "" {
		return "", apperr.New(apperr.KindUpstream, "provider returned empty webhook id")
	}
	c.logger.Info("subscription created", "job_id", job.ID, "subscription_id", sub.WebhookID)
	return sub.WebhookID, nil
}

// KeepAlive confirms the subscription still exists upstream. A missing
// subscription is an upstream failure so the job task re-subscribes or fails.
func (c *Client) KeepAlive(ctx context.Context, subscriptionID string) error {
	return c.do(ctx, http.MethodGet, "/v0/webhooks/"+subscriptionID, nil, nil)
}

// Unsubscribe removes the subscription. Deleting an already removed
// subscription is treated as success.
func (c *Client) Unsubscribe(ctx context.Context, subscriptionID string) error {
	err := c.do(ctx, http.MethodDelete, "/v0/webhooks/"+subscriptionID, nil, nil)
	if apperr.Is(err, apperr.KindNotFound) {
		return nil
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	url := c.baseURL + path + "?api-key=" + c.apiKey
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.KindUpstream, err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apperr.Wrap(apperr.KindUpstream, err, "read provider response")
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return apperr.New(apperr.KindNotFound, "provider resource not found: %s", path)
	case resp.StatusCode == http.StatusTooManyRequests:
		return apperr.New(apperr.KindRateLimited, "provider rate limit exceeded")
	case resp.StatusCode >= 500:
		return apperr.New(apperr.KindUpstream, "provider status %d: %s", resp.StatusCode, truncate(respBody))
	case resp.StatusCode >= 400:
		return apperr.New(apperr.KindValidation, "provider rejected request: %d: %s", resp.StatusCode, truncate(respBody))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return apperr.Wrap(apperr.KindUpstream, err, "decode provider response")
		}
	}
	return nil
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
