package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WebhookFilter decides which derived notifications a webhook receives.
// Empty slices match everything for that dimension.
type WebhookFilter struct {
	ProgramIDs []string `json:"programIds,omitempty"`
	AccountIDs []string `json:"accountIds,omitempty"`
	EventTypes []string `json:"eventTypes,omitempty"`
}

// WebhookRateLimit caps deliveries per webhook within a rolling window.
type WebhookRateLimit struct {
	MaxRequests int           `json:"maxRequests"`
	Window      time.Duration `json:"window"`
}

// Webhook is a tenant subscription describing where and how to deliver
// derived notifications.
type Webhook struct {
	ID              uuid.UUID        `db:"id"`
	OwnerID         string           `db:"owner_id"`
	URL             string           `db:"url"`
	Secret          string           `db:"secret"`
	RetryCount      int              `db:"retry_count"`
	RetryDelay      time.Duration    `db:"retry_delay"`
	Filter          WebhookFilter    `db:"filter"`
	RateLimit       WebhookRateLimit `db:"rate_limit"`
	NotifyOnFailure bool             `db:"notify_on_failure"`
	CreatedAt       time.Time        `db:"created_at"`
}

// DeliveryStatus is the outcome recorded for one delivery attempt.
type DeliveryStatus string

const (
	DeliverySuccess      DeliveryStatus = "success"
	DeliveryFailed       DeliveryStatus = "failed"
	DeliveryRetrying     DeliveryStatus = "retrying"
	DeliveryNotification DeliveryStatus = "notification"
)

// WebhookLog is one append-only row per delivery attempt.
type WebhookLog struct {
	ID        uuid.UUID       `db:"id"`
	WebhookID uuid.UUID       `db:"webhook_id"`
	Status    DeliveryStatus  `db:"status"`
	Attempt   int             `db:"attempt"`
	Payload   json.RawMessage `db:"payload"`
	Response  *string         `db:"response"`
	CreatedAt time.Time       `db:"created_at"`
}
