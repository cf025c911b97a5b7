package job

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/DishankChauhan/blockchain-indexer/internal/alert"
	"github.com/DishankChauhan/blockchain-indexer/internal/apperr"
	"github.com/DishankChauhan/blockchain-indexer/internal/circuitbreaker"
	"github.com/DishankChauhan/blockchain-indexer/internal/domain/model"
	"github.com/DishankChauhan/blockchain-indexer/internal/metrics"
	"github.com/DishankChauhan/blockchain-indexer/internal/store"
)

const (
	defaultPollInterval = 5 * time.Second
	cleanupTimeout      = 10 * time.Second

	// providerBreakerKey scopes all provider calls to one shared breaker:
	// the upstream is a single service, so its health is shared state.
	providerBreakerKey = "provider"
)

// ProviderClient manages exclusive upstream push subscriptions. The provider
// guarantees at most one live subscription per (owner, filter); Subscribe for
// an identity that already holds one returns the existing subscription id.
type ProviderClient interface {
	Subscribe(ctx context.Context, job *model.IndexingJob) (string, error)
	KeepAlive(ctx context.Context, subscriptionID string) error
	Unsubscribe(ctx context.Context, subscriptionID string) error
}

// PoolReleaser releases a job's cached tenant pool on cancellation.
type PoolReleaser interface {
	Release(connectionID uuid.UUID) error
}

// CreateRequest describes a new indexing job.
type CreateRequest struct {
	ConnectionID uuid.UUID        `json:"connectionId"`
	Categories   []model.Category `json:"categories"`
	Filter       model.JobFilter  `json:"filter"`
}

// Manager owns the job lifecycle: creation, the pause/resume/cancel state
// machine and the per-job background task that keeps the upstream
// subscription alive. Every lookup is owner-scoped; foreign jobs are
// indistinguishable from missing ones.
type Manager struct {
	jobs         store.JobRepository
	connections  store.ConnectionRepository
	pools        PoolReleaser
	provider     ProviderClient
	breakers     *circuitbreaker.Registry
	alerter      alert.Alerter
	logger       *slog.Logger
	pollInterval time.Duration
	queue        *taskQueue
}

func NewManager(
	jobs store.JobRepository,
	connections store.ConnectionRepository,
	pools PoolReleaser,
	provider ProviderClient,
	breakers *circuitbreaker.Registry,
	alerter alert.Alerter,
	pollInterval time.Duration,
	logger *slog.Logger,
) *Manager {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Manager{
		jobs:         jobs,
		connections:  connections,
		pools:        pools,
		provider:     provider,
		breakers:     breakers,
		alerter:      alerter,
		logger:       logger.With("component", "job_manager"),
		pollInterval: pollInterval,
		queue:        newTaskQueue(),
	}
}

// Create validates the request, verifies the connection belongs to the owner
// and enqueues the job's background task. New jobs start pending; resume
// activates them.
func (m *Manager) Create(ctx context.Context, ownerID string, req CreateRequest) (*model.IndexingJob, error) {
	if req.ConnectionID == uuid.Nil {
		return nil, apperr.New(apperr.KindValidation, "connectionId is required")
	}
	if len(req.Categories) == 0 {
		return nil, apperr.New(apperr.KindValidation, "at least one category is required")
	}
	for _, c := range req.Categories {
		if !c.Valid() {
			return nil, apperr.New(apperr.KindValidation, "unknown category %q", c)
		}
	}

	if _, err := m.connections.Get(ctx, req.ConnectionID, ownerID); err != nil {
		return nil, err
	}

	job := &model.IndexingJob{
		ID:           uuid.New(),
		OwnerID:      ownerID,
		ConnectionID: req.ConnectionID,
		Categories:   req.Categories,
		Filter:       req.Filter,
		Status:       model.JobStatusPending,
	}
	if err := m.jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	metrics.JobTransitionsTotal.WithLabelValues(string(model.JobStatusPending)).Inc()

	m.startTask(job.ID, ownerID)
	m.logger.Info("job created", "job_id", job.ID, "owner_id", ownerID, "categories", len(job.Categories))
	return job, nil
}

// Resume transitions pending, paused or errored jobs to active, clearing any
// recorded failure. The background task is restarted if it aborted.
func (m *Manager) Resume(ctx context.Context, id uuid.UUID, ownerID string) error {
	job, err := m.jobs.Get(ctx, id, ownerID)
	if err != nil {
		return err
	}
	if !job.Status.CanResume() {
		return apperr.New(apperr.KindInvalidState, "cannot resume job in status %s", job.Status)
	}
	if err := m.jobs.UpdateStatus(ctx, id, ownerID, model.JobStatusActive, nil); err != nil {
		return err
	}
	metrics.JobTransitionsTotal.WithLabelValues(string(model.JobStatusActive)).Inc()

	m.startTask(id, ownerID)
	m.logger.Info("job resumed", "job_id", id, "from", job.Status)
	return nil
}

// Pause transitions an active job to paused. The task stays alive but drops
// its provider subscription until the job is resumed.
func (m *Manager) Pause(ctx context.Context, id uuid.UUID, ownerID string) error {
	job, err := m.jobs.Get(ctx, id, ownerID)
	if err != nil {
		return err
	}
	if !job.Status.CanPause() {
		return apperr.New(apperr.KindInvalidState, "cannot pause job in status %s", job.Status)
	}
	if err := m.jobs.UpdateStatus(ctx, id, ownerID, model.JobStatusPaused, nil); err != nil {
		return err
	}
	metrics.JobTransitionsTotal.WithLabelValues(string(model.JobStatusPaused)).Inc()
	m.logger.Info("job paused", "job_id", id)
	return nil
}

// Cancel terminally stops a job: the task is torn down, the provider
// subscription released and the cached tenant pool closed. Cancelling an
// already cancelled job is an invalid transition.
func (m *Manager) Cancel(ctx context.Context, id uuid.UUID, ownerID string) error {
	job, err := m.jobs.Get(ctx, id, ownerID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return apperr.New(apperr.KindInvalidState, "job %s is already cancelled", id)
	}
	if err := m.jobs.UpdateStatus(ctx, id, ownerID, model.JobStatusCancelled, nil); err != nil {
		return err
	}
	metrics.JobTransitionsTotal.WithLabelValues(string(model.JobStatusCancelled)).Inc()

	m.queue.Stop(id)
	if err := m.pools.Release(job.ConnectionID); err != nil {
		m.logger.Warn("tenant pool release failed", "job_id", id, "connection_id", job.ConnectionID, "error", err)
	}
	m.logger.Info("job cancelled", "job_id", id)
	return nil
}

// Status returns the job, owner-scoped.
func (m *Manager) Status(ctx context.Context, id uuid.UUID, ownerID string) (*model.IndexingJob, error) {
	return m.jobs.Get(ctx, id, ownerID)
}

// Restore re-enqueues tasks for jobs that were active when the process last
// stopped. Called once at startup.
func (m *Manager) Restore(ctx context.Context) error {
	active, err := m.jobs.ListByStatus(ctx, model.JobStatusActive)
	if err != nil {
		return err
	}
	for _, job := range active {
		m.startTask(job.ID, job.OwnerID)
	}
	if len(active) > 0 {
		m.logger.Info("restored active jobs", "count", len(active))
	}
	return nil
}

// Shutdown stops every background task and waits for them.
func (m *Manager) Shutdown() {
	m.queue.StopAll()
}

func (m *Manager) startTask(jobID uuid.UUID, ownerID string) {
	m.queue.Start(jobID, func(ctx context.Context) {
		m.runTask(ctx, jobID, ownerID)
	})
}

// runTask is the per-job background loop. Each cycle re-reads the job and
// reconciles the provider subscription with its status: active jobs hold a
// live subscription, everything else holds none. A definitive provider
// failure marks the job errored and aborts the task; resume restarts it.
func (m *Manager) runTask(ctx context.Context, jobID uuid.UUID, ownerID string) {
	metrics.JobTasksActive.Inc()
	defer metrics.JobTasksActive.Dec()

	logger := m.logger.With("job_id", jobID)
	var subscriptionID string
	defer func() {
		if subscriptionID != "" {
			m.dropSubscription(subscriptionID, logger)
		}
	}()

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		job, err := m.jobs.Get(ctx, jobID, ownerID)
		switch {
		case apperr.Is(err, apperr.KindNotFound):
			logger.Warn("job disappeared, stopping task")
			return
		case err != nil:
			logger.Warn("job refresh failed", "error", err)
		case job.Status.Terminal():
			return
		case job.Status == model.JobStatusActive:
			if err := m.keepSubscription(ctx, job, &subscriptionID); err != nil {
				m.failJob(jobID, ownerID, err, logger)
				return
			}
		default:
			// pending/paused/error: hold no subscription, keep polling.
			if subscriptionID != "" {
				m.dropSubscription(subscriptionID, logger)
				subscriptionID = ""
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// keepSubscription subscribes on first need and keeps the subscription alive
// afterwards, all through the shared provider breaker.
func (m *Manager) keepSubscription(ctx context.Context, job *model.IndexingJob, subscriptionID *string) error {
	if *subscriptionID == "" {
		return m.breakers.Execute(ctx, providerBreakerKey, func(ctx context.Context) error {
			id, err := m.provider.Subscribe(ctx, job)
			if err != nil {
				return err
			}
			*subscriptionID = id
			return nil
		})
	}
	return m.breakers.Execute(ctx, providerBreakerKey, func(ctx context.Context) error {
		return m.provider.KeepAlive(ctx, *subscriptionID)
	})
}

func (m *Manager) dropSubscription(subscriptionID string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := m.provider.Unsubscribe(ctx, subscriptionID); err != nil {
		logger.Warn("unsubscribe failed", "subscription_id", subscriptionID, "error", err)
	}
}

func (m *Manager) failJob(jobID uuid.UUID, ownerID string, cause error, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	reason := cause.Error()
	if err := m.jobs.UpdateStatus(ctx, jobID, ownerID, model.JobStatusError, &reason); err != nil {
		logger.Error("failed to mark job errored", "error", err)
	}
	metrics.JobTransitionsTotal.WithLabelValues(string(model.JobStatusError)).Inc()
	logger.Error("job task failed", "error", cause)

	if err := m.alerter.Send(ctx, alert.Alert{
		Type:    alert.AlertTypeJobFailed,
		OwnerID: ownerID,
		Entity:  jobID.String(),
		Title:   "Indexing job failed",
		Message: reason,
	}); err != nil {
		logger.Warn("alert send failed", "error", err)
	}
}
