package tenant

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/DishankChauhan/blockchain-indexer/internal/apperr"
	"github.com/DishankChauhan/blockchain-indexer/internal/domain/model"
	"github.com/DishankChauhan/blockchain-indexer/internal/store"
	"github.com/DishankChauhan/blockchain-indexer/internal/store/postgres"
)

// PoolConfig sizes each tenant database pool. Tenant pools are deliberately
// smaller than the control-plane pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 2
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	return c
}

// Registry resolves tenant connection credentials to live pooled connections.
// Pools are cached by logical connection id — never by resolved DSN, so two
// connection records pointing at the same physical database still get
// separate pools.
type Registry struct {
	connections store.ConnectionRepository
	poolCfg     PoolConfig
	logger      *slog.Logger
	openFn      func(ctx context.Context, cfg postgres.Config) (*postgres.DB, error)

	mu    sync.Mutex
	pools map[uuid.UUID]*postgres.DB
}

// NewRegistry creates a pool registry over the stored connection credentials.
func NewRegistry(connections store.ConnectionRepository, poolCfg PoolConfig, logger *slog.Logger) *Registry {
	return &Registry{
		connections: connections,
		poolCfg:     poolCfg.withDefaults(),
		logger:      logger.With("component", "tenant_registry"),
		openFn:      postgres.New,
		pools:       make(map[uuid.UUID]*postgres.DB),
	}
}

// GetConnection returns the pooled connection for connectionID, opening and
// liveness-checking it on first use. Credentials are resolved owner-scoped;
// a foreign tenant's connection id fails as NotFound. An unreachable tenant
// database fails as connection_failed and the half-built pool is discarded.
func (r *Registry) GetConnection(ctx context.Context, connectionID uuid.UUID, ownerID string) (*postgres.DB, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if db, ok := r.pools[connectionID]; ok {
		return db, nil
	}

	conn, err := r.connections.Get(ctx, connectionID, ownerID)
	if err != nil {
		return nil, err
	}

	db, err := r.openFn(ctx, postgres.Config{
		URL:             conn.DSN(),
		MaxOpenConns:    r.poolCfg.MaxOpenConns,
		MaxIdleConns:    r.poolCfg.MaxIdleConns,
		ConnMaxLifetime: r.poolCfg.ConnMaxLifetime,
	})
	if err != nil {
		r.logger.Warn("tenant pool open failed", "connection_id", connectionID, "error", err)
		if statusErr := r.connections.UpdateStatus(ctx, connectionID, model.ConnectionStatusError, false); statusErr != nil {
			r.logger.Warn("failed to mark connection errored", "connection_id", connectionID, "error", statusErr)
		}
		return nil, apperr.Wrap(apperr.KindConnFailed, err, "connect to tenant database %s", connectionID)
	}

	if err := r.connections.UpdateStatus(ctx, connectionID, model.ConnectionStatusActive, true); err != nil {
		r.logger.Warn("failed to mark connection active", "connection_id", connectionID, "error", err)
	}

	r.pools[connectionID] = db
	r.logger.Info("tenant pool opened", "connection_id", connectionID)
	return db, nil
}

// Release closes and evicts a single cached pool. Called when a job holding
// the connection is cancelled. Releasing an uncached id is a no-op.
func (r *Registry) Release(connectionID uuid.UUID) error {
	r.mu.Lock()
	db, ok := r.pools[connectionID]
	delete(r.pools, connectionID)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	if err := db.Close(); err != nil {
		return fmt.Errorf("close pool %s: %w", connectionID, err)
	}
	r.logger.Info("tenant pool released", "connection_id", connectionID)
	return nil
}

// Cleanup drains and closes every cached pool. Called on process shutdown.
// Returns the first error encountered but still attempts to close every pool.
func (r *Registry) Cleanup() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for id, db := range r.pools {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close pool %s: %w", id, err)
		}
	}
	// Clear the map so double-cleanup is harmless.
	r.pools = make(map[uuid.UUID]*postgres.DB)
	return firstErr
}

// Len returns the number of live cached pools.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pools)
}
