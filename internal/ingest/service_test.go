package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/DishankChauhan/blockchain-indexer/internal/apperr"
	"github.com/DishankChauhan/blockchain-indexer/internal/domain/event"
	"github.com/DishankChauhan/blockchain-indexer/internal/domain/model"
	"github.com/DishankChauhan/blockchain-indexer/internal/store/postgres"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEventStore dedups on the same natural keys the real tables enforce, so
// double-submitting a batch is observable as an unchanged row count.
type fakeEventStore struct {
	mu           sync.Mutex
	transactions map[string]*model.GenericTransaction
	transfers    map[string]*model.TokenTransfer
	bids         map[string]*model.NFTBid
	prices       map[string]*model.NFTPrice
	tokenPrices  map[string]*model.TokenPrice
	lendingRates map[string]*model.LendingRate
	interactions map[string]*model.ProgramInteraction

	failSignatures map[string]bool
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{
		transactions:   make(map[string]*model.GenericTransaction),
		transfers:      make(map[string]*model.TokenTransfer),
		bids:           make(map[string]*model.NFTBid),
		prices:         make(map[string]*model.NFTPrice),
		tokenPrices:    make(map[string]*model.TokenPrice),
		lendingRates:   make(map[string]*model.LendingRate),
		interactions:   make(map[string]*model.ProgramInteraction),
		failSignatures: make(map[string]bool),
	}
}

func (f *fakeEventStore) failFor(sig string) error {
	if f.failSignatures[sig] {
		return apperr.New(apperr.KindPersistence, "injected failure for %s", sig)
	}
	return nil
}

func (f *fakeEventStore) UpsertTransaction(ctx context.Context, row *model.GenericTransaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor(row.Signature); err != nil {
		return err
	}
	if _, exists := f.transactions[row.Signature]; !exists {
		f.transactions[row.Signature] = row
	}
	return nil
}

func (f *fakeEventStore) UpsertTokenTransfer(ctx context.Context, row *model.TokenTransfer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%s/%s/%d", row.Signature, row.Mint, row.TransferIndex)
	if _, exists := f.transfers[key]; !exists {
		f.transfers[key] = row
	}
	return nil
}

func (f *fakeEventStore) UpsertNFTBid(ctx context.Context, row *model.NFTBid) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := row.Signature + "/" + row.Mint
	if existing, ok := f.bids[key]; ok {
		existing.Status = row.Status
		return nil
	}
	f.bids[key] = row
	return nil
}

func (f *fakeEventStore) UpsertNFTPrice(ctx context.Context, row *model.NFTPrice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := row.Signature + "/" + row.Mint
	if existing, ok := f.prices[key]; ok {
		existing.ListingStatus = row.ListingStatus
		if row.Buyer != nil {
			existing.Buyer = row.Buyer
		}
		return nil
	}
	f.prices[key] = row
	return nil
}

func (f *fakeEventStore) UpsertTokenPrice(ctx context.Context, row *model.TokenPrice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := row.Signature + "/" + row.BaseMint + "/" + row.QuoteMint
	if _, exists := f.tokenPrices[key]; !exists {
		f.tokenPrices[key] = row
	}
	return nil
}

func (f *fakeEventStore) UpsertLendingRate(ctx context.Context, row *model.LendingRate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := row.Signature + "/" + row.Market
	if _, exists := f.lendingRates[key]; !exists {
		f.lendingRates[key] = row
	}
	return nil
}

func (f *fakeEventStore) UpsertProgramInteraction(ctx context.Context, row *model.ProgramInteraction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := row.Signature + "/" + row.ProgramID
	if _, exists := f.interactions[key]; !exists {
		f.interactions[key] = row
	}
	return nil
}

type fakeJobRepo struct {
	mu       sync.Mutex
	jobs     map[uuid.UUID]*model.IndexingJob
	progress map[uuid.UUID]int64
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: make(map[uuid.UUID]*model.IndexingJob), progress: make(map[uuid.UUID]int64)}
}

func (f *fakeJobRepo) Create(ctx context.Context, job *model.IndexingJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeJobRepo) Get(ctx context.Context, id uuid.UUID, ownerID string) (*model.IndexingJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok || job.OwnerID != ownerID {
		return nil, apperr.New(apperr.KindNotFound, "job %s not found", id)
	}
	return job, nil
}

func (f *fakeJobRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.IndexingJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "job %s not found", id)
	}
	return job, nil
}

func (f *fakeJobRepo) UpdateStatus(ctx context.Context, id uuid.UUID, ownerID string, status model.JobStatus, failureReason *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok || job.OwnerID != ownerID {
		return apperr.New(apperr.KindNotFound, "job %s not found", id)
	}
	job.Status = status
	job.FailureReason = failureReason
	return nil
}

func (f *fakeJobRepo) IncrementProgress(ctx context.Context, id uuid.UUID, delta int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress[id] += delta
	return nil
}

func (f *fakeJobRepo) ListByStatus(ctx context.Context, status model.JobStatus) ([]model.IndexingJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.IndexingJob
	for _, job := range f.jobs {
		if job.Status == status {
			out = append(out, *job)
		}
	}
	return out, nil
}

type fakePools struct{}

func (fakePools) GetConnection(ctx context.Context, connectionID uuid.UUID, ownerID string) (*postgres.DB, error) {
	return nil, nil
}

type fakeProvisioner struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeProvisioner) EnsureTables(ctx context.Context, db *postgres.DB, categories []model.Category) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

type ingestHarness struct {
	svc         *Service
	jobs        *fakeJobRepo
	eventStore  *fakeEventStore
	provisioner *fakeProvisioner
	job         *model.IndexingJob
}

func newHarness(t *testing.T, categories ...model.Category) *ingestHarness {
	t.Helper()
	if len(categories) == 0 {
		categories = model.AllCategories
	}
	jobs := newFakeJobRepo()
	job := &model.IndexingJob{
		ID:           uuid.New(),
		OwnerID:      "owner-1",
		ConnectionID: uuid.New(),
		Categories:   categories,
		Status:       model.JobStatusActive,
	}
	require.NoError(t, jobs.Create(context.Background(), job))

	eventStore := newFakeEventStore()
	provisioner := &fakeProvisioner{}
	svc := NewService(jobs, fakePools{}, provisioner, 4, slog.Default())
	svc.newStore = func(db *postgres.DB) EventStore { return eventStore }
	return &ingestHarness{svc: svc, jobs: jobs, eventStore: eventStore, provisioner: provisioner, job: job}
}

func validEvent(sig string, typ event.EventType) event.TransactionEvent {
	ev := event.TransactionEvent{
		Signature: sig,
		Timestamp: 1700000000,
		Slot:      10,
		Type:      typ,
	}
	switch typ {
	case event.TypeNFTBid, event.TypeNFTBidCancelled, event.TypeNFTSale, event.TypeNFTListing, event.TypeNFTCancelListing:
		ev.Events.NFT = &event.NFTDetail{Mint: "mint-1", AmountSol: 1, Bidder: "b", Seller: "s", Buyer: "y"}
	case event.TypeSwap, event.TypeTokenPrice:
		ev.Events.Swap = &event.SwapDetail{BaseMint: "base", QuoteMint: "quote", BaseAmount: "1", QuoteAmount: "2"}
	case event.TypeLoan, event.TypeLendingUpdate:
		ev.Events.Loan = &event.LoanDetail{Market: "SOL-USDC"}
	case event.TypeTransfer:
		ev.TokenTransfers = []event.TokenTransfer{{Mint: "mint-1", FromUserAccount: "a", ToUserAccount: "b", RawAmount: "10"}}
	default:
		ev.AccountData = []event.AccountData{{Account: "acc", Program: "prog-1"}}
	}
	return ev
}

func TestService_RoutesByEventType(t *testing.T) {
	h := newHarness(t)

	events := []event.TransactionEvent{
		validEvent("sig-bid", event.TypeNFTBid),
		validEvent("sig-sale", event.TypeNFTSale),
		validEvent("sig-swap", event.TypeSwap),
		validEvent("sig-loan", event.TypeLoan),
		validEvent("sig-transfer", event.TypeTransfer),
		validEvent("sig-unknown", event.TypeUnknown),
	}
	res, err := h.svc.HandleWebhookData(context.Background(), h.job.ID, "owner-1", events)
	require.NoError(t, err)
	assert.Equal(t, 6, res.ProcessedCount)
	assert.Empty(t, res.Errors)

	assert.Len(t, h.eventStore.transactions, 6, "generic log receives every event")
	assert.Len(t, h.eventStore.bids, 1)
	assert.Len(t, h.eventStore.prices, 1)
	assert.Len(t, h.eventStore.tokenPrices, 1)
	assert.Len(t, h.eventStore.lendingRates, 1)
	assert.Len(t, h.eventStore.transfers, 1)
	assert.Len(t, h.eventStore.interactions, 1)
}

func TestService_DoubleSubmitIsIdempotent(t *testing.T) {
	h := newHarness(t)
	events := []event.TransactionEvent{
		validEvent("sig-1", event.TypeTransfer),
		validEvent("sig-2", event.TypeNFTBid),
	}

	for i := 0; i < 2; i++ {
		res, err := h.svc.HandleWebhookData(context.Background(), h.job.ID, "owner-1", events)
		require.NoError(t, err)
		assert.Equal(t, 2, res.ProcessedCount)
	}

	assert.Len(t, h.eventStore.transactions, 2)
	assert.Len(t, h.eventStore.transfers, 1)
	assert.Len(t, h.eventStore.bids, 1)
}

func TestService_PartialFailureIsolation(t *testing.T) {
	h := newHarness(t)
	h.eventStore.failSignatures["sig-bad"] = true

	events := []event.TransactionEvent{
		validEvent("sig-ok-1", event.TypeTransfer),
		validEvent("sig-bad", event.TypeTransfer),
		validEvent("sig-ok-2", event.TypeTransfer),
	}
	res, err := h.svc.HandleWebhookData(context.Background(), h.job.ID, "owner-1", events)
	require.NoError(t, err, "a bad event must not fail the batch")
	assert.Equal(t, 2, res.ProcessedCount)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 1, res.Errors[0].Index)
	assert.Equal(t, "sig-bad", res.Errors[0].Signature)

	assert.Contains(t, h.eventStore.transactions, "sig-ok-1")
	assert.Contains(t, h.eventStore.transactions, "sig-ok-2")
	assert.NotContains(t, h.eventStore.transactions, "sig-bad")
}

func TestService_MalformedEventsCollectErrors(t *testing.T) {
	h := newHarness(t)
	events := []event.TransactionEvent{
		{Signature: "", Timestamp: 1700000000, Type: event.TypeTransfer},
		{Signature: "sig-no-ts", Timestamp: 0, Type: event.TypeTransfer},
		validEvent("sig-no-detail", event.TypeNFTBid),
		validEvent("sig-ok", event.TypeTransfer),
	}
	events[2].Events.NFT = nil

	res, err := h.svc.HandleWebhookData(context.Background(), h.job.ID, "owner-1", events)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ProcessedCount)
	require.Len(t, res.Errors, 3)
	assert.Equal(t, 0, res.Errors[0].Index)
	assert.Equal(t, 1, res.Errors[1].Index)
	assert.Equal(t, 2, res.Errors[2].Index)
}

func TestService_DisabledCategorySkipped(t *testing.T) {
	h := newHarness(t, model.CategoryTransactions)

	res, err := h.svc.HandleWebhookData(context.Background(), h.job.ID, "owner-1", []event.TransactionEvent{
		validEvent("sig-bid", event.TypeNFTBid),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ProcessedCount)
	assert.Len(t, h.eventStore.transactions, 1)
	assert.Empty(t, h.eventStore.bids, "disabled category must not be written")
}

func TestService_FilterRejectsOutOfRangeEvents(t *testing.T) {
	h := newHarness(t)
	h.job.Filter = model.JobFilter{StartSlot: 1000, EndSlot: 2000, ProgramIDs: []string{"prog-1"}}

	res, err := h.svc.HandleWebhookData(context.Background(), h.job.ID, "owner-1", []event.TransactionEvent{
		validEvent("sig-out", event.TypeTransfer), // slot 10, no program data
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ProcessedCount)
	assert.Equal(t, []int{0}, res.Skipped)
	assert.Empty(t, res.Errors)
	assert.Empty(t, h.eventStore.transactions, "a filtered event must not be persisted")
	assert.Zero(t, h.jobs.progress[h.job.ID], "a filtered event must not advance progress")
}

func TestService_FilterAdmitsMatchingEvents(t *testing.T) {
	h := newHarness(t)
	h.job.Filter = model.JobFilter{StartSlot: 1000, EndSlot: 2000, ProgramIDs: []string{"prog-1"}}

	inRange := validEvent("sig-in", event.TypeTransfer)
	inRange.Slot = 1500
	inRange.AccountData = []event.AccountData{{Account: "acc", Program: "prog-1"}}
	wrongProgram := validEvent("sig-wrong-prog", event.TypeTransfer)
	wrongProgram.Slot = 1500
	wrongProgram.AccountData = []event.AccountData{{Account: "acc", Program: "prog-2"}}

	res, err := h.svc.HandleWebhookData(context.Background(), h.job.ID, "owner-1",
		[]event.TransactionEvent{inRange, wrongProgram})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ProcessedCount)
	assert.Equal(t, []int{1}, res.Skipped)
	assert.Contains(t, h.eventStore.transactions, "sig-in")
	assert.NotContains(t, h.eventStore.transactions, "sig-wrong-prog")
}

func TestService_EmptyFilterAdmitsEverything(t *testing.T) {
	h := newHarness(t)

	res, err := h.svc.HandleWebhookData(context.Background(), h.job.ID, "owner-1", []event.TransactionEvent{
		validEvent("sig-1", event.TypeTransfer),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ProcessedCount)
	assert.Empty(t, res.Skipped)
}

func TestService_UnknownJobNotFound(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.HandleWebhookData(context.Background(), uuid.New(), "owner-1", nil)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestService_CrossTenantNotFound(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.HandleWebhookData(context.Background(), h.job.ID, "owner-2", nil)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestService_CancelledJobRejected(t *testing.T) {
	h := newHarness(t)
	h.job.Status = model.JobStatusCancelled

	_, err := h.svc.HandleWebhookData(context.Background(), h.job.ID, "owner-1", []event.TransactionEvent{
		validEvent("sig-1", event.TypeTransfer),
	})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindInvalidState))
}

func TestService_ProgressIncremented(t *testing.T) {
	h := newHarness(t)
	h.eventStore.failSignatures["sig-bad"] = true

	_, err := h.svc.HandleWebhookData(context.Background(), h.job.ID, "owner-1", []event.TransactionEvent{
		validEvent("sig-1", event.TypeTransfer),
		validEvent("sig-bad", event.TypeTransfer),
		validEvent("sig-2", event.TypeTransfer),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), h.jobs.progress[h.job.ID], "only persisted events count toward progress")
}

func TestService_ProvisionsOncePerJob(t *testing.T) {
	h := newHarness(t)
	events := []event.TransactionEvent{validEvent("sig-1", event.TypeTransfer)}

	for i := 0; i < 3; i++ {
		_, err := h.svc.HandleWebhookData(context.Background(), h.job.ID, "owner-1", events)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, h.provisioner.calls)
}

func TestService_ReprovisionsOnCategoryChange(t *testing.T) {
	h := newHarness(t, model.CategoryTransactions, model.CategoryNFTBids)
	events := []event.TransactionEvent{validEvent("sig-1", event.TypeTransfer)}

	_, err := h.svc.HandleWebhookData(context.Background(), h.job.ID, "owner-1", events)
	require.NoError(t, err)
	assert.Equal(t, 1, h.provisioner.calls)

	// Same cardinality, different set: must re-provision.
	h.job.Categories = []model.Category{model.CategoryTransactions, model.CategoryTokenPrices}
	_, err = h.svc.HandleWebhookData(context.Background(), h.job.ID, "owner-1", events)
	require.NoError(t, err)
	assert.Equal(t, 2, h.provisioner.calls)

	// Reordering alone must not.
	h.job.Categories = []model.Category{model.CategoryTokenPrices, model.CategoryTransactions}
	_, err = h.svc.HandleWebhookData(context.Background(), h.job.ID, "owner-1", events)
	require.NoError(t, err)
	assert.Equal(t, 2, h.provisioner.calls)
}

func TestService_ProvisionFailureFailsBatch(t *testing.T) {
	h := newHarness(t)
	h.provisioner.err = errors.New("permission denied for schema public")

	_, err := h.svc.HandleWebhookData(context.Background(), h.job.ID, "owner-1", []event.TransactionEvent{
		validEvent("sig-1", event.TypeTransfer),
	})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindPersistence))
}
