package ingest

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/DishankChauhan/blockchain-indexer/internal/apperr"
	"github.com/DishankChauhan/blockchain-indexer/internal/domain/event"
	"github.com/DishankChauhan/blockchain-indexer/internal/domain/model"
	"github.com/DishankChauhan/blockchain-indexer/internal/metrics"
	"github.com/DishankChauhan/blockchain-indexer/internal/store"
	"github.com/DishankChauhan/blockchain-indexer/internal/store/postgres"
	"github.com/DishankChauhan/blockchain-indexer/internal/store/tenant"
	"github.com/DishankChauhan/blockchain-indexer/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const defaultParallelism = 8

// EventStore is the per-category write surface of a tenant database.
// *tenant.EventWriter is the production implementation.
type EventStore interface {
	UpsertTransaction(ctx context.Context, row *model.GenericTransaction) error
	UpsertTokenTransfer(ctx context.Context, row *model.TokenTransfer) error
	UpsertNFTBid(ctx context.Context, row *model.NFTBid) error
	UpsertNFTPrice(ctx context.Context, row *model.NFTPrice) error
	UpsertTokenPrice(ctx context.Context, row *model.TokenPrice) error
	UpsertLendingRate(ctx context.Context, row *model.LendingRate) error
	UpsertProgramInteraction(ctx context.Context, row *model.ProgramInteraction) error
}

// PoolResolver resolves a job's connection id to a live tenant pool.
type PoolResolver interface {
	GetConnection(ctx context.Context, connectionID uuid.UUID, ownerID string) (*postgres.DB, error)
}

// TableProvisioner creates destination tables for a job's categories.
type TableProvisioner interface {
	EnsureTables(ctx context.Context, db *postgres.DB, categories []model.Category) error
}

// EventError is one event's failure inside an otherwise successful batch.
type EventError struct {
	Index     int    `json:"index"`
	Signature string `json:"signature,omitempty"`
	Message   string `json:"message"`
}

// Result summarizes a processed batch. Skipped holds the indexes of events
// rejected by the job's filter; they are neither persisted nor dispatched.
type Result struct {
	ProcessedCount int          `json:"processedCount"`
	Skipped        []int        `json:"skippedIndexes,omitempty"`
	Errors         []EventError `json:"errors,omitempty"`
}

// Service classifies inbound provider events and persists them into the
// owning job's tenant database.
type Service struct {
	jobs        store.JobRepository
	pools       PoolResolver
	provisioner TableProvisioner
	logger      *slog.Logger
	parallelism int

	// newStore is swapped in tests to observe writes without a database.
	newStore func(db *postgres.DB) EventStore

	// provisioned remembers the category set each job was last provisioned
	// for, so the DDL transaction runs once per job instead of once per
	// batch and re-runs when the set changes.
	mu          sync.Mutex
	provisioned map[uuid.UUID]string
}

func NewService(jobs store.JobRepository, pools PoolResolver, provisioner TableProvisioner, parallelism int, logger *slog.Logger) *Service {
	if parallelism <= 0 {
		parallelism = defaultParallelism
	}
	return &Service{
		jobs:        jobs,
		pools:       pools,
		provisioner: provisioner,
		logger:      logger.With("component", "ingest"),
		parallelism: parallelism,
		newStore:    func(db *postgres.DB) EventStore { return tenant.NewEventWriter(db) },
		provisioned: make(map[uuid.UUID]string),
	}
}

// HandleWebhookData persists one inbound batch for the given job. Events
// outside the job's filter are skipped without error. The rest are processed
// independently: a malformed or unpersistable event is recorded in
// Result.Errors and the rest of the batch continues. The returned error is
// reserved for batch-level failures (unknown job, cancelled job, unreachable
// tenant database).
func (s *Service) HandleWebhookData(ctx context.Context, jobID uuid.UUID, ownerID string, events []event.TransactionEvent) (*Result, error) {
	ctx, span := tracing.Tracer("ingest").Start(ctx, "HandleWebhookData",
		trace.WithAttributes(
			attribute.String("job.id", jobID.String()),
			attribute.Int("batch.size", len(events)),
		))
	defer span.End()

	start := time.Now()
	defer func() {
		metrics.IngestBatchesTotal.Inc()
		metrics.IngestBatchLatency.Observe(time.Since(start).Seconds())
	}()

	job, err := s.jobs.Get(ctx, jobID, ownerID)
	if err != nil {
		return nil, err
	}
	if job.Status == model.JobStatusCancelled {
		return nil, apperr.New(apperr.KindInvalidState, "job %s is cancelled", jobID)
	}

	db, err := s.pools.GetConnection(ctx, job.ConnectionID, ownerID)
	if err != nil {
		return nil, err
	}
	if err := s.ensureProvisioned(ctx, db, job); err != nil {
		return nil, err
	}
	eventStore := s.newStore(db)

	var (
		resultMu  sync.Mutex
		errs      []EventError
		skipped   []int
		processed int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)

	for i := range events {
		i := i
		ev := &events[i]
		g.Go(func() error {
			if !job.Filter.Matches(ev.Slot, ev.ProgramIDs()) {
				metrics.IngestEventsFiltered.Inc()
				resultMu.Lock()
				skipped = append(skipped, i)
				resultMu.Unlock()
				return nil
			}
			if err := s.processEvent(gctx, eventStore, job, ev); err != nil {
				metrics.IngestEventErrors.WithLabelValues(string(apperr.KindOf(err))).Inc()
				s.logger.Warn("event failed",
					"job_id", job.ID, "index", i, "signature", ev.Signature, "error", err)
				resultMu.Lock()
				errs = append(errs, EventError{Index: i, Signature: ev.Signature, Message: err.Error()})
				resultMu.Unlock()
				return nil
			}
			resultMu.Lock()
			processed++
			resultMu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // workers never return errors; failures land in errs

	if processed > 0 {
		if err := s.jobs.IncrementProgress(ctx, job.ID, int64(processed)); err != nil {
			s.logger.Warn("progress update failed", "job_id", job.ID, "error", err)
		}
	}

	sort.Slice(errs, func(a, b int) bool { return errs[a].Index < errs[b].Index })
	sort.Ints(skipped)
	return &Result{ProcessedCount: processed, Skipped: skipped, Errors: errs}, nil
}

func (s *Service) ensureProvisioned(ctx context.Context, db *postgres.DB, job *model.IndexingJob) error {
	sig := categorySignature(job.Categories)
	s.mu.Lock()
	known, ok := s.provisioned[job.ID]
	s.mu.Unlock()
	if ok && known == sig {
		return nil
	}

	if err := s.provisioner.EnsureTables(ctx, db, job.Categories); err != nil {
		return apperr.Wrap(apperr.KindPersistence, err, "provision tables for job %s", job.ID)
	}

	s.mu.Lock()
	s.provisioned[job.ID] = sig
	s.mu.Unlock()
	return nil
}

// categorySignature is order-insensitive so reordering a job's categories
// does not force a re-provision.
func categorySignature(categories []model.Category) string {
	names := make([]string, len(categories))
	for i, c := range categories {
		names[i] = string(c)
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

// processEvent validates, classifies and writes one event. Each write runs in
// its own transaction inside the EventStore; the first failed write fails the
// event.
func (s *Service) processEvent(ctx context.Context, eventStore EventStore, job *model.IndexingJob, ev *event.TransactionEvent) error {
	if err := ev.Validate(); err != nil {
		return apperr.Wrap(apperr.KindValidation, err, "invalid event")
	}

	// The generic transaction log gets every event regardless of its type.
	if job.HasCategory(model.CategoryTransactions) {
		if err := eventStore.UpsertTransaction(ctx, genericRow(ev)); err != nil {
			return err
		}
		metrics.IngestEventsTotal.WithLabelValues(string(model.CategoryTransactions)).Inc()
	}

	switch ev.Type {
	case event.TypeNFTBid, event.TypeNFTBidCancelled:
		if !job.HasCategory(model.CategoryNFTBids) {
			return nil
		}
		row, err := bidRow(ev)
		if err != nil {
			return apperr.Wrap(apperr.KindValidation, err, "classify event")
		}
		if err := eventStore.UpsertNFTBid(ctx, row); err != nil {
			return err
		}
		metrics.IngestEventsTotal.WithLabelValues(string(model.CategoryNFTBids)).Inc()

	case event.TypeNFTSale, event.TypeNFTListing, event.TypeNFTCancelListing:
		if !job.HasCategory(model.CategoryNFTPrices) {
			return nil
		}
		row, err := priceRow(ev)
		if err != nil {
			return apperr.Wrap(apperr.KindValidation, err, "classify event")
		}
		if err := eventStore.UpsertNFTPrice(ctx, row); err != nil {
			return err
		}
		metrics.IngestEventsTotal.WithLabelValues(string(model.CategoryNFTPrices)).Inc()

	case event.TypeSwap, event.TypeTokenPrice:
		if !job.HasCategory(model.CategoryTokenPrices) {
			return nil
		}
		row, err := tokenPriceRow(ev)
		if err != nil {
			return apperr.Wrap(apperr.KindValidation, err, "classify event")
		}
		if err := eventStore.UpsertTokenPrice(ctx, row); err != nil {
			return err
		}
		metrics.IngestEventsTotal.WithLabelValues(string(model.CategoryTokenPrices)).Inc()

	case event.TypeLoan, event.TypeLendingUpdate:
		if !job.HasCategory(model.CategoryLendingRates) {
			return nil
		}
		row, err := lendingRow(ev)
		if err != nil {
			return apperr.Wrap(apperr.KindValidation, err, "classify event")
		}
		if err := eventStore.UpsertLendingRate(ctx, row); err != nil {
			return err
		}
		metrics.IngestEventsTotal.WithLabelValues(string(model.CategoryLendingRates)).Inc()

	case event.TypeTransfer:
		if !job.HasCategory(model.CategoryTokenTransfers) {
			return nil
		}
		for _, row := range transferRows(ev) {
			if err := eventStore.UpsertTokenTransfer(ctx, row); err != nil {
				return err
			}
			metrics.IngestEventsTotal.WithLabelValues(string(model.CategoryTokenTransfers)).Inc()
		}

	default:
		// Unknown types with identifiable programs become interactions.
		if !job.HasCategory(model.CategoryProgramInteractions) {
			return nil
		}
		for _, row := range interactionRows(ev) {
			if err := eventStore.UpsertProgramInteraction(ctx, row); err != nil {
				return err
			}
			metrics.IngestEventsTotal.WithLabelValues(string(model.CategoryProgramInteractions)).Inc()
		}
	}
	return nil
}
