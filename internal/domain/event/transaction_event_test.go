package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeBatch_RetainsRawPerEvent(t *testing.T) {
	body := []byte(`[
		{"signature":"sig-1","timestamp":1700000000,"type":"NFT_SALE"},
		{"signature":"sig-2","timestamp":1700000001,"type":"SWAP","fee":5000}
	]`)

	events, err := DecodeBatch(body)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "sig-1", events[0].Signature)
	assert.Equal(t, TypeNFTSale, events[0].Type)
	assert.JSONEq(t, `{"signature":"sig-2","timestamp":1700000001,"type":"SWAP","fee":5000}`, string(events[1].Raw))
}

func TestDecodeBatch_Malformed(t *testing.T) {
	_, err := DecodeBatch([]byte(`{"signature":"not-an-array"}`))
	assert.Error(t, err)

	_, err = DecodeBatch([]byte(`["not-an-object"]`))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	ev := TransactionEvent{Signature: "sig-1", Timestamp: 1700000000}
	assert.NoError(t, ev.Validate())

	assert.Error(t, (&TransactionEvent{Timestamp: 1700000000}).Validate())
	assert.Error(t, (&TransactionEvent{Signature: "sig-1"}).Validate())
	assert.Error(t, (&TransactionEvent{Signature: "sig-1", Timestamp: -1}).Validate())
}

func TestBlockTime_UTC(t *testing.T) {
	ev := TransactionEvent{Timestamp: 1700000000}
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), ev.BlockTime())
}

func TestProgramIDs_DedupesAndSkipsEmpty(t *testing.T) {
	ev := TransactionEvent{AccountData: []AccountData{
		{Account: "a1", Program: "prog-1"},
		{Account: "a2", Program: "prog-1"},
		{Account: "a3"},
		{Account: "a4", Program: "prog-2"},
	}}

	assert.Equal(t, []string{"prog-1", "prog-2"}, ev.ProgramIDs())
	assert.Equal(t, []string{"a1", "a2", "a3", "a4"}, ev.Accounts())
}
