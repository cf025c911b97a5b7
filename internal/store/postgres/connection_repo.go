package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/DishankChauhan/blockchain-indexer/internal/apperr"
	"github.com/DishankChauhan/blockchain-indexer/internal/domain/model"
)

type ConnectionRepo struct {
	db *DB
}

func NewConnectionRepo(db *DB) *ConnectionRepo {
	return &ConnectionRepo{db: db}
}

func (r *ConnectionRepo) Create(ctx context.Context, conn *model.DatabaseConnection) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO database_connections (id, owner_id, host, port, database_name, username, secret, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
	`, conn.ID, conn.OwnerID, conn.Host, conn.Port, conn.DatabaseName, conn.Username, conn.Secret, conn.Status)
	if err != nil {
		return fmt.Errorf("insert database connection: %w", err)
	}
	return nil
}

// Get is owner-scoped: a connection owned by a different tenant is
// indistinguishable from a missing one.
func (r *ConnectionRepo) Get(ctx context.Context, id uuid.UUID, ownerID string) (*model.DatabaseConnection, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var conn model.DatabaseConnection
	err := r.db.QueryRowContext(ctx, `
		SELECT id, owner_id, host, port, database_name, username, secret, status, last_connected_at, created_at
		FROM database_connections
		WHERE id = $1 AND owner_id = $2
	`, id, ownerID).Scan(&conn.ID, &conn.OwnerID, &conn.Host, &conn.Port, &conn.DatabaseName,
		&conn.Username, &conn.Secret, &conn.Status, &conn.LastConnectedAt, &conn.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "connection %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get database connection: %w", err)
	}
	return &conn, nil
}

func (r *ConnectionRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status model.ConnectionStatus, touchConnectedAt bool) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var err error
	if touchConnectedAt {
		_, err = r.db.ExecContext(ctx, `
			UPDATE database_connections SET status = $2, last_connected_at = now() WHERE id = $1
		`, id, status)
	} else {
		_, err = r.db.ExecContext(ctx, `
			UPDATE database_connections SET status = $2 WHERE id = $1
		`, id, status)
	}
	if err != nil {
		return fmt.Errorf("update connection status: %w", err)
	}
	return nil
}
