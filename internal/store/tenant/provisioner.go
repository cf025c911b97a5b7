package tenant

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/DishankChauhan/blockchain-indexer/internal/domain/model"
	"github.com/DishankChauhan/blockchain-indexer/internal/store/postgres"
)

// Provisioner idempotently creates category tables in a tenant database.
type Provisioner struct {
	logger *slog.Logger
}

func NewProvisioner(logger *slog.Logger) *Provisioner {
	return &Provisioner{logger: logger.With("component", "provisioner")}
}

// EnsureTables creates the destination table and indexes for every enabled
// category inside a single transaction. Any DDL failure rolls the whole
// transaction back so the tenant database never ends up with a partial
// schema. Safe to call repeatedly; existing tables are untouched, and
// categories added to a job later are provisioned by re-invoking.
func (p *Provisioner) EnsureTables(ctx context.Context, db *postgres.DB, categories []model.Category) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin provisioning tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for _, category := range categories {
		ddl, ok := categoryDDL[category]
		if !ok {
			return fmt.Errorf("no schema registered for category %q", category)
		}
		for _, stmt := range ddl {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("provision %s: %w", category, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit provisioning tx: %w", err)
	}
	p.logger.Info("tenant tables provisioned", "categories", len(categories))
	return nil
}

// categoryDDL maps each category to its table and index statements. Every
// table keeps raw_data for replay/audit and carries a natural-key uniqueness
// constraint on signature plus the category discriminator.
var categoryDDL = map[model.Category][]string{
	model.CategoryTransactions: {
		`CREATE TABLE IF NOT EXISTS transactions (
			signature    TEXT PRIMARY KEY,
			slot         BIGINT NOT NULL,
			event_type   TEXT NOT NULL,
			source       TEXT NOT NULL DEFAULT '',
			fee_lamports BIGINT NOT NULL DEFAULT 0,
			fee_payer    TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL DEFAULT '',
			description  TEXT NOT NULL DEFAULT '',
			block_time   TIMESTAMPTZ NOT NULL,
			raw_data     JSONB,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_slot ON transactions (slot)`,
	},
	model.CategoryTokenTransfers: {
		`CREATE TABLE IF NOT EXISTS token_transfers (
			signature      TEXT NOT NULL,
			transfer_index INTEGER NOT NULL,
			mint           TEXT NOT NULL,
			from_address   TEXT NOT NULL DEFAULT '',
			to_address     TEXT NOT NULL DEFAULT '',
			amount         NUMERIC(78,0) NOT NULL DEFAULT 0,
			slot           BIGINT NOT NULL,
			block_time     TIMESTAMPTZ NOT NULL,
			raw_data       JSONB,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (signature, mint, transfer_index)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_token_transfers_mint ON token_transfers (mint)`,
	},
	model.CategoryNFTBids: {
		`CREATE TABLE IF NOT EXISTS nft_bids (
			signature   TEXT NOT NULL,
			mint        TEXT NOT NULL,
			bidder      TEXT NOT NULL DEFAULT '',
			amount_sol  DOUBLE PRECISION NOT NULL DEFAULT 0,
			marketplace TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL DEFAULT 'active',
			slot        BIGINT NOT NULL,
			block_time  TIMESTAMPTZ NOT NULL,
			raw_data    JSONB,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (signature, mint)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_nft_bids_mint ON nft_bids (mint)`,
	},
	model.CategoryNFTPrices: {
		`CREATE TABLE IF NOT EXISTS nft_prices (
			signature      TEXT NOT NULL,
			mint           TEXT NOT NULL,
			price_sol      DOUBLE PRECISION NOT NULL DEFAULT 0,
			seller         TEXT NOT NULL DEFAULT '',
			buyer          TEXT,
			marketplace    TEXT NOT NULL DEFAULT '',
			listing_status TEXT NOT NULL DEFAULT 'active',
			slot           BIGINT NOT NULL,
			block_time     TIMESTAMPTZ NOT NULL,
			raw_data       JSONB,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (signature, mint)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_nft_prices_mint ON nft_prices (mint)`,
	},
	model.CategoryTokenPrices: {
		`CREATE TABLE IF NOT EXISTS token_prices (
			signature    TEXT NOT NULL,
			base_mint    TEXT NOT NULL,
			quote_mint   TEXT NOT NULL,
			price        DOUBLE PRECISION NOT NULL DEFAULT 0,
			base_amount  NUMERIC(78,0) NOT NULL DEFAULT 0,
			quote_amount NUMERIC(78,0) NOT NULL DEFAULT 0,
			venue        TEXT NOT NULL DEFAULT '',
			slot         BIGINT NOT NULL,
			block_time   TIMESTAMPTZ NOT NULL,
			raw_data     JSONB,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (signature, base_mint, quote_mint)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_token_prices_pair ON token_prices (base_mint, quote_mint)`,
	},
	model.CategoryLendingRates: {
		`CREATE TABLE IF NOT EXISTS lending_rates (
			signature   TEXT NOT NULL,
			market      TEXT NOT NULL,
			protocol    TEXT NOT NULL DEFAULT '',
			borrow_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
			supply_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
			slot        BIGINT NOT NULL,
			block_time  TIMESTAMPTZ NOT NULL,
			raw_data    JSONB,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (signature, market)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_lending_rates_market ON lending_rates (market)`,
	},
	model.CategoryProgramInteractions: {
		`CREATE TABLE IF NOT EXISTS program_interactions (
			signature  TEXT NOT NULL,
			program_id TEXT NOT NULL,
			accounts   TEXT[] NOT NULL DEFAULT '{}',
			event_type TEXT NOT NULL DEFAULT '',
			slot       BIGINT NOT NULL,
			block_time TIMESTAMPTZ NOT NULL,
			raw_data   JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (signature, program_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_program_interactions_program ON program_interactions (program_id)`,
	},
}
