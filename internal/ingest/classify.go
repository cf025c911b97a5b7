package ingest

import (
	"fmt"
	"strconv"

	"github.com/DishankChauhan/blockchain-indexer/internal/domain/event"
	"github.com/DishankChauhan/blockchain-indexer/internal/domain/model"
)

// Row builders translating a provider event into category rows. Builders for
// typed events fail when the decoded sub-event they depend on is missing;
// those failures surface as per-event errors and never abort the batch.

func genericRow(ev *event.TransactionEvent) *model.GenericTransaction {
	return &model.GenericTransaction{
		Signature:   ev.Signature,
		Slot:        ev.Slot,
		EventType:   string(ev.Type),
		Source:      ev.Source,
		FeeLamports: ev.Fee,
		FeePayer:    ev.FeePayer,
		Status:      ev.Status,
		Description: ev.Description,
		BlockTime:   ev.BlockTime(),
		RawData:     ev.Raw,
	}
}

func bidRow(ev *event.TransactionEvent) (*model.NFTBid, error) {
	nft := ev.Events.NFT
	if nft == nil || nft.Mint == "" {
		return nil, fmt.Errorf("%s event missing nft detail", ev.Type)
	}
	status := "active"
	if ev.Type == event.TypeNFTBidCancelled {
		status = "cancelled"
	}
	return &model.NFTBid{
		Signature:   ev.Signature,
		Mint:        nft.Mint,
		Bidder:      nft.Bidder,
		AmountSol:   nft.AmountSol,
		Marketplace: nft.Marketplace,
		Status:      status,
		Slot:        ev.Slot,
		BlockTime:   ev.BlockTime(),
		RawData:     ev.Raw,
	}, nil
}

func priceRow(ev *event.TransactionEvent) (*model.NFTPrice, error) {
	nft := ev.Events.NFT
	if nft == nil || nft.Mint == "" {
		return nil, fmt.Errorf("%s event missing nft detail", ev.Type)
	}

	row := &model.NFTPrice{
		Signature:   ev.Signature,
		Mint:        nft.Mint,
		PriceSol:    nft.AmountSol,
		Seller:      nft.Seller,
		Marketplace: nft.Marketplace,
		Slot:        ev.Slot,
		BlockTime:   ev.BlockTime(),
		RawData:     ev.Raw,
	}
	switch ev.Type {
	case event.TypeNFTSale:
		row.ListingStatus = "sold"
		if nft.Buyer != "" {
			buyer := nft.Buyer
			row.Buyer = &buyer
		}
	case event.TypeNFTCancelListing:
		row.ListingStatus = "cancelled"
	default:
		row.ListingStatus = "active"
	}
	return row, nil
}

func tokenPriceRow(ev *event.TransactionEvent) (*model.TokenPrice, error) {
	swap := ev.Events.Swap
	if swap == nil || swap.BaseMint == "" || swap.QuoteMint == "" {
		return nil, fmt.Errorf("%s event missing swap detail", ev.Type)
	}

	var price float64
	base, baseErr := strconv.ParseFloat(swap.BaseAmount, 64)
	quote, quoteErr := strconv.ParseFloat(swap.QuoteAmount, 64)
	if baseErr == nil && quoteErr == nil && base > 0 {
		price = quote / base
	}

	return &model.TokenPrice{
		Signature:   ev.Signature,
		BaseMint:    swap.BaseMint,
		QuoteMint:   swap.QuoteMint,
		Price:       price,
		BaseAmount:  swap.BaseAmount,
		QuoteAmount: swap.QuoteAmount,
		Venue:       swap.Venue,
		Slot:        ev.Slot,
		BlockTime:   ev.BlockTime(),
		RawData:     ev.Raw,
	}, nil
}

func lendingRow(ev *event.TransactionEvent) (*model.LendingRate, error) {
	loan := ev.Events.Loan
	if loan == nil || loan.Market == "" {
		return nil, fmt.Errorf("%s event missing loan detail", ev.Type)
	}
	return &model.LendingRate{
		Signature:  ev.Signature,
		Market:     loan.Market,
		Protocol:   loan.Protocol,
		BorrowRate: loan.BorrowRate,
		SupplyRate: loan.SupplyRate,
		Slot:       ev.Slot,
		BlockTime:  ev.BlockTime(),
		RawData:    ev.Raw,
	}, nil
}

func transferRows(ev *event.TransactionEvent) []*model.TokenTransfer {
	rows := make([]*model.TokenTransfer, 0, len(ev.TokenTransfers))
	for i, tr := range ev.TokenTransfers {
		amount := tr.RawAmount
		if amount == "" {
			amount = strconv.FormatFloat(tr.TokenAmount, 'f', 0, 64)
		}
		rows = append(rows, &model.TokenTransfer{
			Signature:     ev.Signature,
			TransferIndex: i,
			Mint:          tr.Mint,
			FromAddress:   tr.FromUserAccount,
			ToAddress:     tr.ToUserAccount,
			Amount:        amount,
			Slot:          ev.Slot,
			BlockTime:     ev.BlockTime(),
			RawData:       ev.Raw,
		})
	}
	return rows
}

func interactionRows(ev *event.TransactionEvent) []*model.ProgramInteraction {
	programIDs := ev.ProgramIDs()
	accounts := ev.Accounts()
	rows := make([]*model.ProgramInteraction, 0, len(programIDs))
	for _, programID := range programIDs {
		rows = append(rows, &model.ProgramInteraction{
			Signature: ev.Signature,
			ProgramID: programID,
			Accounts:  accounts,
			EventType: string(ev.Type),
			Slot:      ev.Slot,
			BlockTime: ev.BlockTime(),
			RawData:   ev.Raw,
		})
	}
	return rows
}
