package dispatch

import (
	"encoding/json"

	"github.com/DishankChauhan/blockchain-indexer/internal/domain/model"
)

// Delivery is one derived notification headed for tenant webhooks. The
// metadata fields exist only for filter evaluation; Payload is what goes on
// the wire.
type Delivery struct {
	EventType  string
	ProgramIDs []string
	AccountIDs []string
	Payload    json.RawMessage
}

// Matches applies a webhook's filter predicate to a delivery. Empty filter
// dimensions match everything; populated ones require at least one overlap.
func Matches(f model.WebhookFilter, d Delivery) bool {
	if len(f.EventTypes) > 0 && !contains(f.EventTypes, d.EventType) {
		return false
	}
	if len(f.ProgramIDs) > 0 && !intersects(f.ProgramIDs, d.ProgramIDs) {
		return false
	}
	if len(f.AccountIDs) > 0 && !intersects(f.AccountIDs, d.AccountIDs) {
		return false
	}
	return true
}

func contains(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	for _, v := range b {
		if contains(a, v) {
			return true
		}
	}
	return false
}
