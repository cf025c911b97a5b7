package model

import (
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// ConnectionStatus tracks whether tenant credentials have been verified.
type ConnectionStatus string

const (
	ConnectionStatusPending ConnectionStatus = "pending"
	ConnectionStatusActive  ConnectionStatus = "active"
	ConnectionStatusError   ConnectionStatus = "error"
)

// DatabaseConnection holds tenant-supplied relational database credentials.
// Only Status and LastConnectedAt mutate after creation.
type DatabaseConnection struct {
	ID              uuid.UUID        `db:"id"`
	OwnerID         string           `db:"owner_id"`
	Host            string           `db:"host"`
	Port            int              `db:"port"`
	DatabaseName    string           `db:"database_name"`
	Username        string           `db:"username"`
	Secret          string           `db:"secret"`
	Status          ConnectionStatus `db:"status"`
	LastConnectedAt *time.Time       `db:"last_connected_at"`
	CreatedAt       time.Time        `db:"created_at"`
}

// DSN builds the postgres connection URL for the tenant database.
func (c *DatabaseConnection) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=prefer",
		url.QueryEscape(c.Username),
		url.QueryEscape(c.Secret),
		c.Host, c.Port, c.DatabaseName,
	)
}
