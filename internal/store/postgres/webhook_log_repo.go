package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/DishankChauhan/blockchain-indexer/internal/domain/model"
)

type WebhookLogRepo struct {
	db *DB
}

func NewWebhookLogRepo(db *DB) *WebhookLogRepo {
	return &WebhookLogRepo{db: db}
}

// Append inserts one delivery attempt row. Logs are append-only; there is no
// update path.
func (r *WebhookLogRepo) Append(ctx context.Context, log *model.WebhookLog) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO webhook_logs (id, webhook_id, status, attempt, payload, response, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
	`, log.ID, log.WebhookID, log.Status, log.Attempt, []byte(log.Payload), log.Response)
	if err != nil {
		return fmt.Errorf("append webhook log: %w", err)
	}
	return nil
}

func (r *WebhookLogRepo) ListByWebhook(ctx context.Context, webhookID uuid.UUID, limit int) ([]model.WebhookLog, error) {
	if limit <= 0 {
		limit = 100
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, webhook_id, status, attempt, payload, response, created_at
		FROM webhook_logs
		WHERE webhook_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, webhookID, limit)
	if err != nil {
		return nil, fmt.Errorf("list webhook logs: %w", err)
	}
	defer rows.Close()

	var logs []model.WebhookLog
	for rows.Next() {
		var (
			log     model.WebhookLog
			payload []byte
		)
		if err := rows.Scan(&log.ID, &log.WebhookID, &log.Status, &log.Attempt, &payload, &log.Response, &log.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan webhook log: %w", err)
		}
		log.Payload = payload
		logs = append(logs, log)
	}
	return logs, rows.Err()
}
