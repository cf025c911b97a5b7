package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/DishankChauhan/blockchain-indexer/internal/apperr"
	"github.com/DishankChauhan/blockchain-indexer/internal/dispatch"
	"github.com/DishankChauhan/blockchain-indexer/internal/domain/event"
	"github.com/DishankChauhan/blockchain-indexer/internal/domain/model"
	"github.com/DishankChauhan/blockchain-indexer/internal/ingest"
	"github.com/DishankChauhan/blockchain-indexer/internal/job"
	"github.com/DishankChauhan/blockchain-indexer/internal/ratelimit"
	storemocks "github.com/DishankChauhan/blockchain-indexer/internal/store/mocks"
	"github.com/DishankChauhan/blockchain-indexer/internal/webhookauth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const testSecret = "inbound-secret"

type stubProcessor struct {
	mu     sync.Mutex
	calls  int
	result *ingest.Result
	err    error
}

func (s *stubProcessor) HandleWebhookData(ctx context.Context, jobID uuid.UUID, ownerID string, events []event.TransactionEvent) (*ingest.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if s.result != nil {
		return s.result, nil
	}
	return &ingest.Result{ProcessedCount: len(events)}, nil
}

func (s *stubProcessor) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubController struct {
	createErr error
	opErr     error
	statusErr error
	job       *model.IndexingJob
	ops       []string
}

func (s *stubController) Create(ctx context.Context, ownerID string, req job.CreateRequest) (*model.IndexingJob, error) {
	s.ops = append(s.ops, "create")
	if s.createErr != nil {
		return nil, s.createErr
	}
	return &model.IndexingJob{
		ID: uuid.New(), OwnerID: ownerID, ConnectionID: req.ConnectionID,
		Categories: req.Categories, Status: model.JobStatusPending,
	}, nil
}

func (s *stubController) Resume(ctx context.Context, id uuid.UUID, ownerID string) error {
	s.ops = append(s.ops, "resume")
	return s.opErr
}

func (s *stubController) Pause(ctx context.Context, id uuid.UUID, ownerID string) error {
	s.ops = append(s.ops, "pause")
	return s.opErr
}

func (s *stubController) Cancel(ctx context.Context, id uuid.UUID, ownerID string) error {
	s.ops = append(s.ops, "cancel")
	return s.opErr
}

func (s *stubController) Status(ctx context.Context, id uuid.UUID, ownerID string) (*model.IndexingJob, error) {
	if s.statusErr != nil {
		return nil, s.statusErr
	}
	if s.job != nil {
		return s.job, nil
	}
	return &model.IndexingJob{ID: id, OwnerID: ownerID, Status: model.JobStatusActive}, nil
}

type stubPublisher struct {
	mu         sync.Mutex
	deliveries []dispatch.Delivery
}

func (s *stubPublisher) Publish(ctx context.Context, ownerID string, d dispatch.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries = append(s.deliveries, d)
	return nil
}

func (s *stubPublisher) published() []dispatch.Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]dispatch.Delivery(nil), s.deliveries...)
}

type apiHarness struct {
	jobs       *storemocks.MockJobRepository
	processor  *stubProcessor
	controller *stubController
	publisher  *stubPublisher
	handler    http.Handler
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	ctrl := gomock.NewController(t)
	h := &apiHarness{
		jobs:       storemocks.NewMockJobRepository(ctrl),
		processor:  &stubProcessor{},
		controller: &stubController{},
		publisher:  &stubPublisher{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(h.jobs, h.processor, h.controller, h.publisher, nil, testSecret, logger)
	h.handler = srv.Handler()
	return h
}

func eventBatch(t *testing.T, types ...event.EventType) []byte {
	t.Helper()
	items := make([]map[string]any, 0, len(types))
	for i, typ := range types {
		items = append(items, map[string]any{
			"signature": fmt.Sprintf("sig-%d", i),
			"timestamp": 1700000000 + i,
			"slot":      100 + i,
			"type":      string(typ),
		})
	}
	body, err := json.Marshal(items)
	require.NoError(t, err)
	return body
}

func inboundRequest(jobID uuid.UUID, body []byte, sign bool) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/inbound/"+jobID.String(), bytes.NewReader(body))
	req.Header.Set("x-webhook-id", "wh-provider-1")
	if sign {
		req.Header.Set("x-signature", webhookauth.SignHex(body, testSecret))
	}
	return req
}

func TestInbound_MissingSignatureRejectedBeforeProcessing(t *testing.T) {
	h := newAPIHarness(t)
	body := eventBatch(t, event.TypeTransfer)

	req := inboundRequest(uuid.New(), body, false)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, h.processor.callCount(), "unauthenticated requests must never reach the processor")
}

func TestInbound_MissingWebhookIDRejected(t *testing.T) {
	h := newAPIHarness(t)
	body := eventBatch(t, event.TypeTransfer)

	req := inboundRequest(uuid.New(), body, true)
	req.Header.Del("x-webhook-id")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, h.processor.callCount())
}

func TestInbound_BadSignatureRejected(t *testing.T) {
	h := newAPIHarness(t)
	body := eventBatch(t, event.TypeTransfer)

	req := inboundRequest(uuid.New(), body, false)
	req.Header.Set("x-signature", webhookauth.SignHex(body, "wrong-secret"))
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, h.processor.callCount())
}

func TestInbound_UnknownJob(t *testing.T) {
	h := newAPIHarness(t)
	jobID := uuid.New()
	h.jobs.EXPECT().GetByID(gomock.Any(), jobID).
		Return(nil, apperr.New(apperr.KindNotFound, "job not found"))

	body := eventBatch(t, event.TypeTransfer)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, inboundRequest(jobID, body, true))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Zero(t, h.processor.callCount())
}

func TestInbound_MalformedBatch(t *testing.T) {
	h := newAPIHarness(t)
	jobID := uuid.New()
	h.jobs.EXPECT().GetByID(gomock.Any(), jobID).
		Return(&model.IndexingJob{ID: jobID, OwnerID: "owner-1", Status: model.JobStatusActive}, nil)

	body := []byte(`{"not":"an array"}`)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, inboundRequest(jobID, body, true))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, h.processor.callCount())
}

func TestInbound_AcceptedWithPartialErrors(t *testing.T) {
	h := newAPIHarness(t)
	jobID := uuid.New()
	h.jobs.EXPECT().GetByID(gomock.Any(), jobID).
		Return(&model.IndexingJob{ID: jobID, OwnerID: "owner-1", Status: model.JobStatusActive}, nil)
	h.processor.result = &ingest.Result{
		ProcessedCount: 1,
		Errors:         []ingest.EventError{{Index: 1, Signature: "sig-1", Message: "missing nft detail"}},
	}

	body := eventBatch(t, event.TypeTransfer, event.TypeNFTBid)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, inboundRequest(jobID, body, true))

	require.Equal(t, http.StatusOK, rec.Code)
	var result ingest.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 1, result.ProcessedCount)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, 1, result.Errors[0].Index)
}

func TestInbound_PublishesOnlyPersistedEvents(t *testing.T) {
	h := newAPIHarness(t)
	jobID := uuid.New()
	h.jobs.EXPECT().GetByID(gomock.Any(), jobID).
		Return(&model.IndexingJob{ID: jobID, OwnerID: "owner-1", Status: model.JobStatusActive}, nil)
	h.processor.result = &ingest.Result{
		ProcessedCount: 1,
		Errors:         []ingest.EventError{{Index: 0, Signature: "sig-0", Message: "bad event"}},
	}

	body := eventBatch(t, event.TypeNFTBid, event.TypeTransfer)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, inboundRequest(jobID, body, true))
	require.Equal(t, http.StatusOK, rec.Code)

	published := h.publisher.published()
	require.Len(t, published, 1, "the failed event must not be dispatched")
	assert.Equal(t, string(event.TypeTransfer), published[0].EventType)
}

func TestInbound_RateLimitedAfterBudgetSpent(t *testing.T) {
	ctrl := gomock.NewController(t)
	jobs := storemocks.NewMockJobRepository(ctrl)
	processor := &stubProcessor{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	limiter := ratelimit.NewKeyedLimiter(ratelimit.Config{MaxTokens: 1, Window: time.Hour})
	srv := NewServer(jobs, processor, &stubController{}, nil, limiter, testSecret, logger)
	handler := srv.Handler()

	jobID := uuid.New()
	jobs.EXPECT().GetByID(gomock.Any(), jobID).
		Return(&model.IndexingJob{ID: jobID, OwnerID: "owner-1", Status: model.JobStatusActive}, nil)
	body := eventBatch(t, event.TypeTransfer)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, inboundRequest(jobID, body, true))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, inboundRequest(jobID, body, true))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, 1, processor.callCount(), "a rejected request must not reach the processor")
}

func TestInbound_SkippedEventsNotPublished(t *testing.T) {
	h := newAPIHarness(t)
	jobID := uuid.New()
	h.jobs.EXPECT().GetByID(gomock.Any(), jobID).
		Return(&model.IndexingJob{ID: jobID, OwnerID: "owner-1", Status: model.JobStatusActive}, nil)
	h.processor.result = &ingest.Result{ProcessedCount: 1, Skipped: []int{0}}

	body := eventBatch(t, event.TypeNFTBid, event.TypeTransfer)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, inboundRequest(jobID, body, true))
	require.Equal(t, http.StatusOK, rec.Code)

	published := h.publisher.published()
	require.Len(t, published, 1, "filtered events must not be dispatched")
	assert.Equal(t, string(event.TypeTransfer), published[0].EventType)
}

func TestInbound_CancelledJobConflict(t *testing.T) {
	h := newAPIHarness(t)
	jobID := uuid.New()
	h.jobs.EXPECT().GetByID(gomock.Any(), jobID).
		Return(&model.IndexingJob{ID: jobID, OwnerID: "owner-1", Status: model.JobStatusCancelled}, nil)
	h.processor.err = apperr.New(apperr.KindInvalidState, "job is cancelled")

	body := eventBatch(t, event.TypeTransfer)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, inboundRequest(jobID, body, true))

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, h.publisher.published())
}

func TestCreateJob(t *testing.T) {
	h := newAPIHarness(t)
	body, _ := json.Marshal(job.CreateRequest{
		ConnectionID: uuid.New(),
		Categories:   []model.Category{model.CategoryTransactions},
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewReader(body))
	req.Header.Set("X-Owner-ID", "owner-1")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp jobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, model.JobStatusPending, resp.Status)
	assert.Equal(t, "owner-1", resp.OwnerID)
}

func TestCreateJob_MissingOwnerHeader(t *testing.T) {
	h := newAPIHarness(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, h.controller.ops)
}

func TestCreateJob_ValidationError(t *testing.T) {
	h := newAPIHarness(t)
	h.controller.createErr = apperr.New(apperr.KindValidation, "at least one category is required")

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewReader([]byte(`{"connectionId":"`+uuid.NewString()+`"}`)))
	req.Header.Set("X-Owner-ID", "owner-1")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLifecycleRoutes(t *testing.T) {
	for _, tc := range []struct {
		route string
		op    string
	}{
		{"pause", "pause"},
		{"resume", "resume"},
		{"cancel", "cancel"},
	} {
		t.Run(tc.route, func(t *testing.T) {
			h := newAPIHarness(t)
			id := uuid.New()

			req := httptest.NewRequest(http.MethodPost, "/v1/jobs/"+id.String()+"/"+tc.route, nil)
			req.Header.Set("X-Owner-ID", "owner-1")
			rec := httptest.NewRecorder()
			h.handler.ServeHTTP(rec, req)

			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, []string{tc.op}, h.controller.ops)
		})
	}
}

func TestLifecycle_InvalidTransitionConflict(t *testing.T) {
	h := newAPIHarness(t)
	h.controller.opErr = apperr.New(apperr.KindInvalidState, "cannot pause job in status pending")
	id := uuid.New()

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/"+id.String()+"/pause", nil)
	req.Header.Set("X-Owner-ID", "owner-1")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestJobStatus(t *testing.T) {
	h := newAPIHarness(t)
	id := uuid.New()
	reason := "provider unreachable"
	h.controller.job = &model.IndexingJob{
		ID: id, OwnerID: "owner-1", Status: model.JobStatusError, FailureReason: &reason, Progress: 42,
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/"+id.String()+"/status", nil)
	req.Header.Set("X-Owner-ID", "owner-1")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp jobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, model.JobStatusError, resp.Status)
	require.NotNil(t, resp.FailureReason)
	assert.Equal(t, reason, *resp.FailureReason)
	assert.Equal(t, int64(42), resp.Progress)
}

func TestJobStatus_CrossTenantNotFound(t *testing.T) {
	h := newAPIHarness(t)
	h.controller.statusErr = apperr.New(apperr.KindNotFound, "job not found")
	id := uuid.New()

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/"+id.String()+"/status", nil)
	req.Header.Set("X-Owner-ID", "owner-2")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthz(t *testing.T) {
	h := newAPIHarness(t)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestInternalErrorNotEchoed(t *testing.T) {
	h := newAPIHarness(t)
	jobID := uuid.New()
	h.jobs.EXPECT().GetByID(gomock.Any(), jobID).
		Return(&model.IndexingJob{ID: jobID, OwnerID: "owner-1", Status: model.JobStatusActive}, nil)
	h.processor.err = errors.New("pq: password authentication failed for user \"indexer\"")

	body := eventBatch(t, event.TypeTransfer)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, inboundRequest(jobID, body, true))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "password")
}
