package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType is the provider's declared classification of a transaction.
type EventType string

const (
	TypeNFTBid           EventType = "NFT_BID"
	TypeNFTBidCancelled  EventType = "NFT_BID_CANCELLED"
	TypeNFTSale          EventType = "NFT_SALE"
	TypeNFTListing       EventType = "NFT_LISTING"
	TypeNFTCancelListing EventType = "NFT_CANCEL_LISTING"
	TypeSwap             EventType = "SWAP"
	TypeTokenPrice       EventType = "TOKEN_PRICE"
	TypeLoan             EventType = "LOAN"
	TypeLendingUpdate    EventType = "LENDING_RATE_UPDATE"
	TypeTransfer         EventType = "TRANSFER"
	TypeUnknown          EventType = "UNKNOWN"
)

// NativeTransfer is a lamport movement inside a transaction.
type NativeTransfer struct {
	FromUserAccount string `json:"fromUserAccount"`
	ToUserAccount   string `json:"toUserAccount"`
	Amount          int64  `json:"amount"`
}

// TokenTransfer is an SPL token movement inside a transaction.
type TokenTransfer struct {
	FromUserAccount string  `json:"fromUserAccount"`
	ToUserAccount   string  `json:"toUserAccount"`
	Mint            string  `json:"mint"`
	TokenAmount     float64 `json:"tokenAmount"`
	RawAmount       string  `json:"rawTokenAmount,omitempty"`
}

// AccountData describes per-account balance changes and the owning program.
type AccountData struct {
	Account string `json:"account"`
	Program string `json:"program,omitempty"`
}

// NFTDetail is the provider's decoded NFT sub-event.
type NFTDetail struct {
	Mint        string  `json:"mint"`
	AmountSol   float64 `json:"amount"`
	Seller      string  `json:"seller,omitempty"`
	Buyer       string  `json:"buyer,omitempty"`
	Bidder      string  `json:"bidder,omitempty"`
	Marketplace string  `json:"source,omitempty"`
}

// SwapDetail is the provider's decoded swap sub-event.
type SwapDetail struct {
	BaseMint    string `json:"baseMint"`
	QuoteMint   string `json:"quoteMint"`
	BaseAmount  string `json:"baseAmount"`
	QuoteAmount string `json:"quoteAmount"`
	Venue       string `json:"venue,omitempty"`
}

// LoanDetail is the provider's decoded lending sub-event.
type LoanDetail struct {
	Market     string  `json:"market"`
	Protocol   string  `json:"protocol,omitempty"`
	BorrowRate float64 `json:"borrowRate"`
	SupplyRate float64 `json:"supplyRate"`
}

// Detail bundles the optional decoded sub-events.
type Detail struct {
	NFT  *NFTDetail  `json:"nft,omitempty"`
	Swap *SwapDetail `json:"swap,omitempty"`
	Loan *LoanDetail `json:"loan,omitempty"`
}

// TransactionEvent is one transaction pushed by the upstream provider.
// Raw retains the original JSON for audit; it is populated during batch
// decoding, not by the provider.
type TransactionEvent struct {
	Signature       string           `json:"signature"`
	Timestamp       int64            `json:"timestamp"`
	Slot            int64            `json:"slot"`
	Type            EventType        `json:"type"`
	Source          string           `json:"source,omitempty"`
	Fee             int64            `json:"fee"`
	FeePayer        string           `json:"feePayer,omitempty"`
	Status          string           `json:"status,omitempty"`
	Description     string           `json:"description,omitempty"`
	NativeTransfers []NativeTransfer `json:"nativeTransfers,omitempty"`
	TokenTransfers  []TokenTransfer  `json:"tokenTransfers,omitempty"`
	AccountData     []AccountData    `json:"accountData,omitempty"`
	Events          Detail           `json:"events,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Validate checks the mandatory fields every event must carry.
func (e *TransactionEvent) Validate() error {
	if e.Signature == "" {
		return fmt.Errorf("missing signature")
	}
	if e.Timestamp <= 0 {
		return fmt.Errorf("missing or invalid timestamp")
	}
	return nil
}

// BlockTime converts the provider's unix timestamp.
func (e *TransactionEvent) BlockTime() time.Time {
	return time.Unix(e.Timestamp, 0).UTC()
}

// ProgramIDs collects the distinct programs touched by the transaction.
func (e *TransactionEvent) ProgramIDs() []string {
	seen := make(map[string]struct{}, len(e.AccountData))
	ids := make([]string, 0, len(e.AccountData))
	for _, ad := range e.AccountData {
		if ad.Program == "" {
			continue
		}
		if _, ok := seen[ad.Program]; ok {
			continue
		}
		seen[ad.Program] = struct{}{}
		ids = append(ids, ad.Program)
	}
	return ids
}

// Accounts collects every account referenced by the transaction.
func (e *TransactionEvent) Accounts() []string {
	accounts := make([]string, 0, len(e.AccountData))
	for _, ad := range e.AccountData {
		if ad.Account != "" {
			accounts = append(accounts, ad.Account)
		}
	}
	return accounts
}

// DecodeBatch parses the inbound webhook body into events, retaining each
// event's original JSON in Raw.
func DecodeBatch(body []byte) ([]TransactionEvent, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, fmt.Errorf("decode event batch: %w", err)
	}

	events := make([]TransactionEvent, 0, len(raws))
	for i, raw := range raws {
		var ev TransactionEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", i, err)
		}
		ev.Raw = raw
		events = append(events, ev)
	}
	return events, nil
}
