package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/DishankChauhan/blockchain-indexer/internal/alert"
	"github.com/DishankChauhan/blockchain-indexer/internal/apperr"
	"github.com/DishankChauhan/blockchain-indexer/internal/cache"
	"github.com/DishankChauhan/blockchain-indexer/internal/domain/model"
	"github.com/DishankChauhan/blockchain-indexer/internal/metrics"
	"github.com/DishankChauhan/blockchain-indexer/internal/ratelimit"
	"github.com/DishankChauhan/blockchain-indexer/internal/store"
	"github.com/DishankChauhan/blockchain-indexer/internal/webhookauth"
)

const (
	maxRetryDelay    = 30 * time.Second
	maxJitter        = time.Second
	defaultBaseDelay = time.Second
	responseSnippet  = 512

	webhookCacheSize = 1024
	webhookCacheTTL  = 30 * time.Second
)

// Clock abstracts time for the retry scheduler so tests can drive waits.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Dispatcher delivers derived notifications to tenant webhooks with
// per-webhook rate limiting, HMAC signing and capped exponential-backoff
// retries. Every attempt is appended to the webhook's delivery log.
type Dispatcher struct {
	webhooks store.WebhookRepository
	logs     store.WebhookLogRepository
	alerter  alert.Alerter
	client   *http.Client
	clock    Clock
	logger   *slog.Logger

	// ownerCache keeps each owner's webhook list off the hot path for a
	// short TTL; delivery correctness only needs eventual freshness.
	ownerCache *cache.LRU[string, []model.Webhook]

	limiterMu  sync.Mutex
	limiters   map[uuid.UUID]ratelimit.Limiter
	newLimiter func(cfg ratelimit.Config) ratelimit.Limiter

	jitterFn func() time.Duration

	wg sync.WaitGroup
}

func NewDispatcher(webhooks store.WebhookRepository, logs store.WebhookLogRepository, alerter alert.Alerter, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		webhooks:   webhooks,
		logs:       logs,
		alerter:    alerter,
		client:     &http.Client{Timeout: 10 * time.Second},
		clock:      realClock{},
		logger:     logger.With("component", "dispatch"),
		ownerCache: cache.NewLRU[string, []model.Webhook](webhookCacheSize, webhookCacheTTL),
		limiters:   make(map[uuid.UUID]ratelimit.Limiter),
		newLimiter: func(cfg ratelimit.Config) ratelimit.Limiter { return ratelimit.NewKeyedLimiter(cfg) },
		jitterFn:   func() time.Duration { return time.Duration(rand.Int63n(int64(maxJitter))) },
	}
}

// UseLimiterFactory swaps the per-webhook limiter constructor and resets any
// limiters built with the previous one. Deployments running more than one
// dispatcher instance install the Redis-backed limiter here so the
// per-webhook budget holds across processes.
func (dsp *Dispatcher) UseLimiterFactory(f func(cfg ratelimit.Config) ratelimit.Limiter) {
	dsp.limiterMu.Lock()
	defer dsp.limiterMu.Unlock()
	dsp.newLimiter = f
	dsp.limiters = make(map[uuid.UUID]ratelimit.Limiter)
}

// Publish fans a delivery out to every matching webhook of the owner.
// Deliveries run detached from the caller's context so retry schedules
// survive the inbound request; Publish itself never blocks on them.
func (dsp *Dispatcher) Publish(ctx context.Context, ownerID string, d Delivery) error {
	hooks, err := dsp.webhooksFor(ctx, ownerID)
	if err != nil {
		return err
	}

	for i := range hooks {
		wh := hooks[i]
		if !Matches(wh.Filter, d) {
			metrics.DispatchFiltered.Inc()
			continue
		}
		dsp.wg.Add(1)
		go func() {
			defer dsp.wg.Done()
			if err := dsp.Deliver(context.WithoutCancel(ctx), &wh, d); err != nil {
				dsp.logger.Warn("delivery failed", "webhook_id", wh.ID, "error", err)
			}
		}()
	}
	return nil
}

// Drain blocks until all in-flight deliveries finish. Called on shutdown.
func (dsp *Dispatcher) Drain() {
	dsp.wg.Wait()
}

// InvalidateOwner drops the owner's cached webhook list so the next publish
// sees subscription changes without waiting out the TTL.
func (dsp *Dispatcher) InvalidateOwner(ownerID string) {
	dsp.ownerCache.Invalidate(ownerID)
}

func (dsp *Dispatcher) webhooksFor(ctx context.Context, ownerID string) ([]model.Webhook, error) {
	if hooks, ok := dsp.ownerCache.Get(ownerID); ok {
		metrics.CacheHits.WithLabelValues("webhook_config").Inc()
		return hooks, nil
	}
	metrics.CacheMisses.WithLabelValues("webhook_config").Inc()

	hooks, err := dsp.webhooks.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	dsp.ownerCache.Put(ownerID, hooks)
	return hooks, nil
}

// Deliver pushes one delivery to one webhook, retrying per the webhook's
// retry policy. The filter predicate runs first; a non-matching delivery is
// silently dropped. A rate-limited delivery fails immediately without
// consuming retry attempts.
func (dsp *Dispatcher) Deliver(ctx context.Context, wh *model.Webhook, d Delivery) error {
	if !Matches(wh.Filter, d) {
		metrics.DispatchFiltered.Inc()
		return nil
	}

	if err := dsp.admit(ctx, wh, d); err != nil {
		return err
	}

	signature := webhookauth.SignHex(d.Payload, wh.Secret)
	attempts := wh.RetryCount + 1
	delay := wh.RetryDelay
	if delay <= 0 {
		delay = defaultBaseDelay
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		start := dsp.clock.Now()
		response, err := dsp.post(ctx, wh, d.Payload, signature)
		metrics.DispatchDeliveryLatency.Observe(dsp.clock.Now().Sub(start).Seconds())

		if err == nil {
			dsp.appendLog(ctx, wh.ID, model.DeliverySuccess, attempt, d.Payload, response)
			metrics.DispatchAttemptsTotal.WithLabelValues(string(model.DeliverySuccess)).Inc()
			return nil
		}
		lastErr = err

		if attempt < attempts {
			dsp.appendLog(ctx, wh.ID, model.DeliveryRetrying, attempt, d.Payload, response)
			metrics.DispatchAttemptsTotal.WithLabelValues(string(model.DeliveryRetrying)).Inc()

			wait := delay
			if wait > maxRetryDelay {
				wait = maxRetryDelay
			}
			wait += dsp.jitterFn()

			select {
			case <-ctx.Done():
				return apperr.Wrap(apperr.KindDelivery, ctx.Err(), "delivery to webhook %s interrupted", wh.ID)
			case <-dsp.clock.After(wait):
			}
			// Cap the base delay too, or a long retry schedule overflows
			// the duration and produces instant retries.
			delay *= 2
			if delay > maxRetryDelay {
				delay = maxRetryDelay
			}
		} else {
			dsp.appendLog(ctx, wh.ID, model.DeliveryFailed, attempt, d.Payload, response)
			metrics.DispatchAttemptsTotal.WithLabelValues(string(model.DeliveryFailed)).Inc()
		}
	}

	dsp.notifyExhausted(ctx, wh, d, attempts, lastErr)
	return apperr.Wrap(apperr.KindDelivery, lastErr, "webhook %s exhausted %d attempts", wh.ID, attempts)
}

// admit takes one rate-limit token for the webhook. Rejection is final for
// this delivery; the limiter never retries on the caller's behalf.
func (dsp *Dispatcher) admit(ctx context.Context, wh *model.Webhook, d Delivery) error {
	ok, err := dsp.limiterFor(wh).TryAcquire(ctx, wh.ID.String())
	if err != nil {
		return apperr.Wrap(apperr.KindDelivery, err, "rate limiter for webhook %s", wh.ID)
	}
	if ok {
		return nil
	}

	metrics.DispatchRateLimited.Inc()
	metrics.RateLimitDenied.WithLabelValues("webhook").Inc()
	dsp.appendLog(ctx, wh.ID, model.DeliveryFailed, 0, d.Payload, strPtr("rate limit exceeded"))

	if wh.NotifyOnFailure {
		dsp.sendAlert(ctx, wh, alert.AlertTypeRateLimited, "Delivery rate limited", map[string]string{
			"max_requests": fmt.Sprintf("%d", wh.RateLimit.MaxRequests),
			"window":       wh.RateLimit.Window.String(),
		})
	}
	return apperr.New(apperr.KindRateLimited, "webhook %s rate limit exceeded", wh.ID)
}

func (dsp *Dispatcher) limiterFor(wh *model.Webhook) ratelimit.Limiter {
	dsp.limiterMu.Lock()
	defer dsp.limiterMu.Unlock()

	if lim, ok := dsp.limiters[wh.ID]; ok {
		return lim
	}
	lim := dsp.newLimiter(ratelimit.Config{
		MaxTokens: wh.RateLimit.MaxRequests,
		Window:    wh.RateLimit.Window,
	})
	dsp.limiters[wh.ID] = lim
	return lim
}

func (dsp *Dispatcher) post(ctx context.Context, wh *model.Webhook, payload []byte, signature string) (*string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wh.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", signature)
	req.Header.Set("X-Webhook-ID", wh.ID.String())

	resp, err := dsp.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, responseSnippet))
	response := fmt.Sprintf("%d: %s", resp.StatusCode, body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &response, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return &response, nil
}

func (dsp *Dispatcher) notifyExhausted(ctx context.Context, wh *model.Webhook, d Delivery, attempts int, lastErr error) {
	if !wh.NotifyOnFailure {
		return
	}
	msg := fmt.Sprintf("delivery abandoned after %d attempts: %v", attempts, lastErr)
	dsp.appendLog(ctx, wh.ID, model.DeliveryNotification, attempts, d.Payload, &msg)
	dsp.sendAlert(ctx, wh, alert.AlertTypeDeliveryExhausted, "Webhook delivery exhausted", map[string]string{
		"url":      wh.URL,
		"attempts": fmt.Sprintf("%d", attempts),
		"error":    fmt.Sprintf("%v", lastErr),
	})
}

func (dsp *Dispatcher) sendAlert(ctx context.Context, wh *model.Webhook, typ alert.AlertType, title string, fields map[string]string) {
	if err := dsp.alerter.Send(ctx, alert.Alert{
		Type:    typ,
		OwnerID: wh.OwnerID,
		Entity:  wh.ID.String(),
		Title:   title,
		Message: "webhook " + wh.URL,
		Fields:  fields,
	}); err != nil {
		dsp.logger.Warn("alert send failed", "webhook_id", wh.ID, "error", err)
	}
}

func (dsp *Dispatcher) appendLog(ctx context.Context, webhookID uuid.UUID, status model.DeliveryStatus, attempt int, payload []byte, response *string) {
	entry := &model.WebhookLog{
		ID:        uuid.New(),
		WebhookID: webhookID,
		Status:    status,
		Attempt:   attempt,
		Payload:   payload,
		Response:  response,
	}
	if err := dsp.logs.Append(ctx, entry); err != nil {
		dsp.logger.Warn("delivery log append failed", "webhook_id", webhookID, "error", err)
	}
}

func strPtr(s string) *string { return &s }
