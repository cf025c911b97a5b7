package model

import (
	"encoding/json"
	"time"
)

// Categorized event rows persisted into the tenant database. Every row keeps
// the original payload in RawData for replay and audit. The natural key of
// each row is (signature + the category-specific discriminator).

// GenericTransaction is the catch-all transaction log row. Immutable.
type GenericTransaction struct {
	Signature   string          `db:"signature"`
	Slot        int64           `db:"slot"`
	EventType   string          `db:"event_type"`
	Source      string          `db:"source"`
	FeeLamports int64           `db:"fee_lamports"`
	FeePayer    string          `db:"fee_payer"`
	Status      string          `db:"status"`
	Description string          `db:"description"`
	BlockTime   time.Time       `db:"block_time"`
	RawData     json.RawMessage `db:"raw_data"`
}

// TokenTransfer is one token movement within a transaction. Immutable.
// Discriminator: (mint, transfer_index).
type TokenTransfer struct {
	Signature     string          `db:"signature"`
	TransferIndex int             `db:"transfer_index"`
	Mint          string          `db:"mint"`
	FromAddress   string          `db:"from_address"`
	ToAddress     string          `db:"to_address"`
	Amount        string          `db:"amount"` // NUMERIC(78,0) as string
	Slot          int64           `db:"slot"`
	BlockTime     time.Time       `db:"block_time"`
	RawData       json.RawMessage `db:"raw_data"`
}

// NFTBid tracks bid placement and cancellation. Discriminator: mint.
// Status is the mutable field (active -> cancelled).
type NFTBid struct {
	Signature   string          `db:"signature"`
	Mint        string          `db:"mint"`
	Bidder      string          `db:"bidder"`
	AmountSol   float64         `db:"amount_sol"`
	Marketplace string          `db:"marketplace"`
	Status      string          `db:"status"`
	Slot        int64           `db:"slot"`
	BlockTime   time.Time       `db:"block_time"`
	RawData     json.RawMessage `db:"raw_data"`
}

// NFTPrice tracks listing lifecycle and sale prices. Discriminator: mint.
// ListingStatus is mutable (active -> sold / cancelled).
type NFTPrice struct {
	Signature     string          `db:"signature"`
	Mint          string          `db:"mint"`
	PriceSol      float64         `db:"price_sol"`
	Seller        string          `db:"seller"`
	Buyer         *string         `db:"buyer"`
	Marketplace   string          `db:"marketplace"`
	ListingStatus string          `db:"listing_status"`
	Slot          int64           `db:"slot"`
	BlockTime     time.Time       `db:"block_time"`
	RawData       json.RawMessage `db:"raw_data"`
}

// TokenPrice is a swap-derived price observation. Discriminator: token pair.
type TokenPrice struct {
	Signature   string          `db:"signature"`
	BaseMint    string          `db:"base_mint"`
	QuoteMint   string          `db:"quote_mint"`
	Price       float64         `db:"price"`
	BaseAmount  string          `db:"base_amount"`
	QuoteAmount string          `db:"quote_amount"`
	Venue       string          `db:"venue"`
	Slot        int64           `db:"slot"`
	BlockTime   time.Time       `db:"block_time"`
	RawData     json.RawMessage `db:"raw_data"`
}

// LendingRate is a lending market rate observation. Discriminator: market.
type LendingRate struct {
	Signature  string          `db:"signature"`
	Market     string          `db:"market"`
	Protocol   string          `db:"protocol"`
	BorrowRate float64         `db:"borrow_rate"`
	SupplyRate float64         `db:"supply_rate"`
	Slot       int64           `db:"slot"`
	BlockTime  time.Time       `db:"block_time"`
	RawData    json.RawMessage `db:"raw_data"`
}

// ProgramInteraction records an invocation of a watched program. Immutable.
// Discriminator: program_id.
type ProgramInteraction struct {
	Signature string          `db:"signature"`
	ProgramID string          `db:"program_id"`
	Accounts  []string        `db:"accounts"`
	EventType string          `db:"event_type"`
	Slot      int64           `db:"slot"`
	BlockTime time.Time       `db:"block_time"`
	RawData   json.RawMessage `db:"raw_data"`
}
