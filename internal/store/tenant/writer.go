package tenant

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
	"github.com/DishankChauhan/blockchain-indexer/internal/apperr"
	"github.com/DishankChauhan/blockchain-indexer/internal/domain/model"
	"github.com/DishankChauhan/blockchain-indexer/internal/store/postgres"
)

// EventWriter persists categorized rows into a tenant database. Every upsert
// runs in its own transaction so one bad event never poisons the rest of a
// batch. Upserts key on (signature + discriminator): immutable categories
// resolve conflicts with DO NOTHING, mutable ones update only their mutable
// fields so redelivered payloads converge instead of duplicating.
type EventWriter struct {
	db *postgres.DB
}

func NewEventWriter(db *postgres.DB) *EventWriter {
	return &EventWriter{db: db}
}

func (w *EventWriter) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.KindPersistence, err, "begin %s tx", op)
	}
	if err := fn(tx); err != nil {
		tx.Rollback() //nolint:errcheck
		return apperr.Wrap(apperr.KindPersistence, err, "%s", op)
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.KindPersistence, err, "commit %s tx", op)
	}
	return nil
}

// UpsertTransaction inserts the catch-all transaction row. Immutable;
// redelivery is a no-op.
func (w *EventWriter) UpsertTransaction(ctx context.Context, row *model.GenericTransaction) error {
	return w.withTx(ctx, "upsert transaction", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO transactions (signature, slot, event_type, source, fee_lamports, fee_payer, status, description, block_time, raw_data)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (signature) DO NOTHING
		`, row.Signature, row.Slot, row.EventType, row.Source, row.FeeLamports,
			row.FeePayer, row.Status, row.Description, row.BlockTime, []byte(row.RawData))
		return err
	})
}

// UpsertTokenTransfer inserts one transfer row. Immutable.
func (w *EventWriter) UpsertTokenTransfer(ctx context.Context, row *model.TokenTransfer) error {
	return w.withTx(ctx, "upsert token transfer", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO token_transfers (signature, transfer_index, mint, from_address, to_address, amount, slot, block_time, raw_data)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (signature, mint, transfer_index) DO NOTHING
		`, row.Signature, row.TransferIndex, row.Mint, row.FromAddress, row.ToAddress,
			row.Amount, row.Slot, row.BlockTime, []byte(row.RawData))
		return err
	})
}

// UpsertNFTBid inserts or updates a bid row. Status is the only mutable
// field; a cancellation redelivered after the placement flips it without
// touching the original bid attributes.
func (w *EventWriter) UpsertNFTBid(ctx context.Context, row *model.NFTBid) error {
	return w.withTx(ctx, "upsert nft bid", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO nft_bids (signature, mint, bidder, amount_sol, marketplace, status, slot, block_time, raw_data)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (signature, mint) DO UPDATE SET status = EXCLUDED.status
		`, row.Signature, row.Mint, row.Bidder, row.AmountSol, row.Marketplace,
			row.Status, row.Slot, row.BlockTime, []byte(row.RawData))
		return err
	})
}

// UpsertNFTPrice inserts or updates a listing/sale row. ListingStatus and
// buyer track the listing lifecycle.
func (w *EventWriter) UpsertNFTPrice(ctx context.Context, row *model.NFTPrice) error {
	return w.withTx(ctx, "upsert nft price", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO nft_prices (signature, mint, price_sol, seller, buyer, marketplace, listing_status, slot, block_time, raw_data)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (signature, mint) DO UPDATE SET
				listing_status = EXCLUDED.listing_status,
				buyer = COALESCE(EXCLUDED.buyer, nft_prices.buyer)
		`, row.Signature, row.Mint, row.PriceSol, row.Seller, row.Buyer,
			row.Marketplace, row.ListingStatus, row.Slot, row.BlockTime, []byte(row.RawData))
		return err
	})
}

// UpsertTokenPrice inserts one price observation. Immutable.
func (w *EventWriter) UpsertTokenPrice(ctx context.Context, row *model.TokenPrice) error {
	return w.withTx(ctx, "upsert token price", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO token_prices (signature, base_mint, quote_mint, price, base_amount, quote_amount, venue, slot, block_time, raw_data)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (signature, base_mint, quote_mint) DO NOTHING
		`, row.Signature, row.BaseMint, row.QuoteMint, row.Price, row.BaseAmount,
			row.QuoteAmount, row.Venue, row.Slot, row.BlockTime, []byte(row.RawData))
		return err
	})
}

// UpsertLendingRate inserts one rate observation. Immutable.
func (w *EventWriter) UpsertLendingRate(ctx context.Context, row *model.LendingRate) error {
	return w.withTx(ctx, "upsert lending rate", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO lending_rates (signature, market, protocol, borrow_rate, supply_rate, slot, block_time, raw_data)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (signature, market) DO NOTHING
		`, row.Signature, row.Market, row.Protocol, row.BorrowRate, row.SupplyRate,
			row.Slot, row.BlockTime, []byte(row.RawData))
		return err
	})
}

// UpsertProgramInteraction inserts one interaction row. Immutable.
func (w *EventWriter) UpsertProgramInteraction(ctx context.Context, row *model.ProgramInteraction) error {
	return w.withTx(ctx, "upsert program interaction", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO program_interactions (signature, program_id, accounts, event_type, slot, block_time, raw_data)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (signature, program_id) DO NOTHING
		`, row.Signature, row.ProgramID, pq.Array(row.Accounts), row.EventType,
			row.Slot, row.BlockTime, []byte(row.RawData))
		return err
	})
}
