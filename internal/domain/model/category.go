package model

// Category is one of the supported event classes. Each category maps to one
// destination table in the tenant database, deduplicated on
// (signature [+ category-specific discriminator]).
type Category string

const (
	CategoryTransactions        Category = "transactions"
	CategoryTokenTransfers      Category = "token_transfers"
	CategoryNFTBids             Category = "nft_bids"
	CategoryNFTPrices           Category = "nft_prices"
	CategoryTokenPrices         Category = "token_prices"
	CategoryLendingRates        Category = "lending_rates"
	CategoryProgramInteractions Category = "program_interactions"
)

// AllCategories lists every supported category in provisioning order.
var AllCategories = []Category{
	CategoryTransactions,
	CategoryTokenTransfers,
	CategoryNFTBids,
	CategoryNFTPrices,
	CategoryTokenPrices,
	CategoryLendingRates,
	CategoryProgramInteractions,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, known := range AllCategories {
		if c == known {
			return true
		}
	}
	return false
}

// TableName returns the tenant-database table the category persists into.
// Category values are table names by construction.
func (c Category) TableName() string {
	return string(c)
}
