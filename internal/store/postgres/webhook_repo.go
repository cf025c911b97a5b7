package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/DishankChauhan/blockchain-indexer/internal/apperr"
	"github.com/DishankChauhan/blockchain-indexer/internal/domain/model"
)

type WebhookRepo struct {
	db *DB
}

func NewWebhookRepo(db *DB) *WebhookRepo {
	return &WebhookRepo{db: db}
}

func (r *WebhookRepo) Create(ctx context.Context, wh *model.Webhook) error {
	filter, err := json.Marshal(wh.Filter)
	if err != nil {
		return fmt.Errorf("marshal webhook filter: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO webhooks (id, owner_id, url, secret, retry_count, retry_delay_ms, filter, rate_limit_max, rate_limit_window_ms, notify_on_failure, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
	`, wh.ID, wh.OwnerID, wh.URL, wh.Secret, wh.RetryCount, wh.RetryDelay.Milliseconds(),
		filter, wh.RateLimit.MaxRequests, wh.RateLimit.Window.Milliseconds(), wh.NotifyOnFailure)
	if err != nil {
		return fmt.Errorf("insert webhook: %w", err)
	}
	return nil
}

func (r *WebhookRepo) Get(ctx context.Context, id uuid.UUID) (*model.Webhook, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `
		SELECT id, owner_id, url, secret, retry_count, retry_delay_ms, filter, rate_limit_max, rate_limit_window_ms, notify_on_failure, created_at
		FROM webhooks
		WHERE id = $1
	`, id)
	return scanWebhook(row)
}

func (r *WebhookRepo) ListByOwner(ctx context.Context, ownerID string) ([]model.Webhook, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, owner_id, url, secret, retry_count, retry_delay_ms, filter, rate_limit_max, rate_limit_window_ms, notify_on_failure, created_at
		FROM webhooks
		WHERE owner_id = $1
		ORDER BY created_at
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()

	var hooks []model.Webhook
	for rows.Next() {
		wh, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		hooks = append(hooks, *wh)
	}
	return hooks, rows.Err()
}

func scanWebhook(row rowScanner) (*model.Webhook, error) {
	var (
		wh           model.Webhook
		retryDelayMS int64
		filter       []byte
		rateWindowMS int64
	)
	err := row.Scan(&wh.ID, &wh.OwnerID, &wh.URL, &wh.Secret, &wh.RetryCount, &retryDelayMS,
		&filter, &wh.RateLimit.MaxRequests, &rateWindowMS, &wh.NotifyOnFailure, &wh.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "webhook not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan webhook: %w", err)
	}

	wh.RetryDelay = time.Duration(retryDelayMS) * time.Millisecond
	wh.RateLimit.Window = time.Duration(rateWindowMS) * time.Millisecond
	if len(filter) > 0 {
		if err := json.Unmarshal(filter, &wh.Filter); err != nil {
			return nil, fmt.Errorf("unmarshal webhook filter: %w", err)
		}
	}
	return &wh, nil
}
