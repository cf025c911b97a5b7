package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/DishankChauhan/blockchain-indexer/internal/apperr"
	"github.com/DishankChauhan/blockchain-indexer/internal/dispatch"
	"github.com/DishankChauhan/blockchain-indexer/internal/domain/event"
	"github.com/DishankChauhan/blockchain-indexer/internal/domain/model"
	"github.com/DishankChauhan/blockchain-indexer/internal/ingest"
	"github.com/DishankChauhan/blockchain-indexer/internal/job"
	"github.com/DishankChauhan/blockchain-indexer/internal/metrics"
	"github.com/DishankChauhan/blockchain-indexer/internal/ratelimit"
	"github.com/DishankChauhan/blockchain-indexer/internal/store"
	"github.com/DishankChauhan/blockchain-indexer/internal/webhookauth"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxRequestBodyBytes = 4 << 20 // provider batches can be large

// inboundRateKey is the shared admission key for the provider callback: the
// upstream pushes as one integration, so the budget is global, not per job.
const inboundRateKey = "upstream-api"

// InboundProcessor persists one verified inbound batch.
type InboundProcessor interface {
	HandleWebhookData(ctx context.Context, jobID uuid.UUID, ownerID string, events []event.TransactionEvent) (*ingest.Result, error)
}

// JobController is the lifecycle surface exposed over HTTP. *job.Manager is
// the production implementation.
type JobController interface {
	Create(ctx context.Context, ownerID string, req job.CreateRequest) (*model.IndexingJob, error)
	Resume(ctx context.Context, id uuid.UUID, ownerID string) error
	Pause(ctx context.Context, id uuid.UUID, ownerID string) error
	Cancel(ctx context.Context, id uuid.UUID, ownerID string) error
	Status(ctx context.Context, id uuid.UUID, ownerID string) (*model.IndexingJob, error)
}

// EventPublisher fans persisted events out to the owner's outbound webhooks.
type EventPublisher interface {
	Publish(ctx context.Context, ownerID string, d dispatch.Delivery) error
}

// Server is the HTTP surface: the provider-facing inbound webhook endpoint
// and the gateway-facing job control API.
type Server struct {
	jobs          store.JobRepository
	processor     InboundProcessor
	controller    JobController
	publisher     EventPublisher
	limiter       ratelimit.Limiter
	inboundSecret string
	logger        *slog.Logger
}

// NewServer creates the API server. publisher may be nil when outbound
// dispatch is disabled; a nil limiter gets the default 60/min budget.
func NewServer(
	jobs store.JobRepository,
	processor InboundProcessor,
	controller JobController,
	publisher EventPublisher,
	limiter ratelimit.Limiter,
	inboundSecret string,
	logger *slog.Logger,
) *Server {
	if limiter == nil {
		limiter = ratelimit.NewKeyedLimiter(ratelimit.Config{})
	}
	return &Server{
		jobs:          jobs,
		processor:     processor,
		controller:    controller,
		publisher:     publisher,
		limiter:       limiter,
		inboundSecret: inboundSecret,
		logger:        logger.With("component", "httpapi"),
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/v1/webhooks/inbound/{jobID}", s.handleInbound).Methods(http.MethodPost)
	r.HandleFunc("/v1/jobs", s.handleCreateJob).Methods(http.MethodPost)
	r.HandleFunc("/v1/jobs/{id}/pause", s.lifecycle((JobController).Pause)).Methods(http.MethodPost)
	r.HandleFunc("/v1/jobs/{id}/resume", s.lifecycle((JobController).Resume)).Methods(http.MethodPost)
	r.HandleFunc("/v1/jobs/{id}/cancel", s.lifecycle((JobController).Cancel)).Methods(http.MethodPost)
	r.HandleFunc("/v1/jobs/{id}/status", s.handleJobStatus).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// handleInbound is the provider callback. The HMAC signature over the raw
// body is the trust boundary: both headers are required and verified before
// any parsing or job lookup happens. Verified requests then pass the shared
// inbound rate limiter before reaching the processor.
func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	signature := r.Header.Get("x-signature")
	webhookID := r.Header.Get("x-webhook-id")
	if signature == "" || webhookID == "" {
		s.writeError(w, apperr.New(apperr.KindAuth, "missing x-signature or x-webhook-id header"))
		return
	}

	body, err := readBody(w, r)
	if err != nil {
		s.writeError(w, apperr.Wrap(apperr.KindValidation, err, "read request body"))
		return
	}
	if err := webhookauth.Verify(body, signature, s.inboundSecret); err != nil {
		s.writeError(w, apperr.Wrap(apperr.KindAuth, err, "verify inbound signature"))
		return
	}

	ok, err := s.limiter.TryAcquire(r.Context(), inboundRateKey)
	if err != nil {
		s.writeError(w, apperr.Wrap(apperr.KindInternal, err, "inbound rate limiter"))
		return
	}
	if !ok {
		metrics.RateLimitDenied.WithLabelValues("inbound").Inc()
		s.writeError(w, apperr.New(apperr.KindRateLimited, "inbound rate limit exceeded"))
		return
	}

	jobID, err := uuid.Parse(mux.Vars(r)["jobID"])
	if err != nil {
		s.writeError(w, apperr.New(apperr.KindValidation, "invalid job id"))
		return
	}
	jb, err := s.jobs.GetByID(r.Context(), jobID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	events, err := event.DecodeBatch(body)
	if err != nil {
		s.writeError(w, apperr.Wrap(apperr.KindValidation, err, "decode events"))
		return
	}

	result, err := s.processor.HandleWebhookData(r.Context(), jobID, jb.OwnerID, events)
	if err != nil {
		s.logger.Error("inbound batch failed", "job_id", jobID, "error", err)
		s.writeError(w, err)
		return
	}

	s.publishProcessed(r.Context(), jb.OwnerID, events, result)
	writeJSON(w, http.StatusOK, result)
}

// publishProcessed hands every successfully persisted event to the outbound
// dispatcher. Events that failed processing or were filtered out are excluded.
func (s *Server) publishProcessed(ctx context.Context, ownerID string, events []event.TransactionEvent, result *ingest.Result) {
	if s.publisher == nil {
		return
	}
	drop := make(map[int]bool, len(result.Errors)+len(result.Skipped))
	for _, ee := range result.Errors {
		drop[ee.Index] = true
	}
	for _, idx := range result.Skipped {
		drop[idx] = true
	}
	for i := range events {
		if drop[i] {
			continue
		}
		ev := &events[i]
		d := dispatch.Delivery{
			EventType:  string(ev.Type),
			ProgramIDs: ev.ProgramIDs(),
			AccountIDs: ev.Accounts(),
			Payload:    ev.Raw,
		}
		if err := s.publisher.Publish(ctx, ownerID, d); err != nil {
			s.logger.Warn("publish failed", "owner_id", ownerID, "signature", ev.Signature, "error", err)
		}
	}
}

type jobResponse struct {
	ID            uuid.UUID        `json:"id"`
	OwnerID       string           `json:"ownerId"`
	ConnectionID  uuid.UUID        `json:"connectionId"`
	Categories    []model.Category `json:"categories"`
	Filter        model.JobFilter  `json:"filter"`
	Status        model.JobStatus  `json:"status"`
	FailureReason *string          `json:"failureReason,omitempty"`
	Progress      int64            `json:"progress"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

func toJobResponse(j *model.IndexingJob) jobResponse {
	return jobResponse{
		ID:            j.ID,
		OwnerID:       j.OwnerID,
		ConnectionID:  j.ConnectionID,
		Categories:    j.Categories,
		Filter:        j.Filter,
		Status:        j.Status,
		FailureReason: j.FailureReason,
		Progress:      j.Progress,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
	}
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := s.requireOwner(w, r)
	if !ok {
		return
	}

	var req job.CreateRequest
	if !s.decodeJSONBody(w, r, &req) {
		return
	}

	created, err := s.controller.Create(r.Context(), ownerID, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toJobResponse(created))
}

// lifecycle adapts Pause/Resume/Cancel into a handler that responds with the
// job's state after the transition.
func (s *Server) lifecycle(op func(JobController, context.Context, uuid.UUID, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := s.requireOwner(w, r)
		if !ok {
			return
		}
		id, err := uuid.Parse(mux.Vars(r)["id"])
		if err != nil {
			s.writeError(w, apperr.New(apperr.KindValidation, "invalid job id"))
			return
		}

		if err := op(s.controller, r.Context(), id, ownerID); err != nil {
			s.writeError(w, err)
			return
		}
		jb, err := s.controller.Status(r.Context(), id, ownerID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toJobResponse(jb))
	}
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := s.requireOwner(w, r)
	if !ok {
		return
	}
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, apperr.New(apperr.KindValidation, "invalid job id"))
		return
	}

	jb, err := s.controller.Status(r.Context(), id, ownerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(jb))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requireOwner extracts the tenant identity injected by the upstream gateway.
func (s *Server) requireOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	ownerID := r.Header.Get("X-Owner-ID")
	if ownerID == "" {
		s.writeError(w, apperr.New(apperr.KindAuth, "missing X-Owner-ID header"))
		return "", false
	}
	return ownerID, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, apperr.Wrap(apperr.KindValidation, err, "invalid JSON body"))
		return false
	}
	return true
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

// writeError maps the error's kind to a status and responds with a JSON
// error body. Internal failures are not echoed to the caller.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
