package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/DishankChauhan/blockchain-indexer/internal/domain/model"
)

//go:generate mockgen -destination=mocks/mock_repository.go -package=mocks github.com/DishankChauhan/blockchain-indexer/internal/store JobRepository,ConnectionRepository,WebhookRepository,WebhookLogRepository

// JobRepository provides access to indexing job records. Every lookup and
// mutation is owner-scoped: a job belonging to another tenant behaves exactly
// like a missing job.
type JobRepository interface {
	Create(ctx context.Context, job *model.IndexingJob) error
	Get(ctx context.Context, id uuid.UUID, ownerID string) (*model.IndexingJob, error)
	// GetByID is unscoped; only the signature-verified inbound path uses it.
	GetByID(ctx context.Context, id uuid.UUID) (*model.IndexingJob, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, ownerID string, status model.JobStatus, failureReason *string) error
	IncrementProgress(ctx context.Context, id uuid.UUID, delta int64) error
	ListByStatus(ctx context.Context, status model.JobStatus) ([]model.IndexingJob, error)
}

// ConnectionRepository provides access to tenant database credentials.
type ConnectionRepository interface {
	Create(ctx context.Context, conn *model.DatabaseConnection) error
	Get(ctx context.Context, id uuid.UUID, ownerID string) (*model.DatabaseConnection, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status model.ConnectionStatus, touchConnectedAt bool) error
}

// WebhookRepository provides access to outbound webhook subscriptions.
type WebhookRepository interface {
	Create(ctx context.Context, wh *model.Webhook) error
	Get(ctx context.Context, id uuid.UUID) (*model.Webhook, error)
	ListByOwner(ctx context.Context, ownerID string) ([]model.Webhook, error)
}

// WebhookLogRepository appends delivery attempt rows. Logs are never mutated.
type WebhookLogRepository interface {
	Append(ctx context.Context, log *model.WebhookLog) error
	ListByWebhook(ctx context.Context, webhookID uuid.UUID, limit int) ([]model.WebhookLog, error)
}
