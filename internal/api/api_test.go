package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Signalflow/internal/domain"
	"github.com/shaiso/Signalflow/internal/engine"
	"github.com/shaiso/Signalflow/internal/execution"
	"github.com/shaiso/Signalflow/internal/orchestrator"
	"github.com/shaiso/Signalflow/internal/repo"
	"github.com/shaiso/Signalflow/internal/telemetry"
)

type fakeStore struct {
	runs   map[uuid.UUID]*domain.Run
	tasks  map[uuid.UUID][]domain.Task
	orders []domain.Order

	lastRunFilter   repo.RunFilter
	lastOrderFilter repo.OrderFilter
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		runs:  make(map[uuid.UUID]*domain.Run),
		tasks: make(map[uuid.UUID][]domain.Task),
	}
}

func (s *fakeStore) ListRuns(_ context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	s.lastRunFilter = filter
	var out []domain.Run
	for _, r := range s.runs {
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		out = append(out, *r)
	}
	return out, nil
}

func (s *fakeStore) GetRun(_ context.Context, id uuid.UUID) (*domain.Run, error) {
	r, ok := s.runs[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return r, nil
}

func (s *fakeStore) GetRunByIdempotencyKey(_ context.Context, pipeline, key string) (*domain.Run, error) {
	for _, r := range s.runs {
		if r.Pipeline == pipeline && r.IdempotencyKey == key {
			return r, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (s *fakeStore) ListTasks(_ context.Context, runID uuid.UUID) ([]domain.Task, error) {
	return s.tasks[runID], nil
}

func (s *fakeStore) ListOrders(_ context.Context, filter repo.OrderFilter) ([]domain.Order, error) {
	s.lastOrderFilter = filter
	return s.orders, nil
}

type fakeRuns struct {
	store *fakeStore
	err   error
}

func (f *fakeRuns) StartRun(_ context.Context, req orchestrator.StartRequest) (*domain.Run, error) {
	if f.err != nil {
		return nil, f.err
	}
	run := &domain.Run{
		ID:             uuid.New(),
		Pipeline:       req.Pipeline,
		Status:         domain.RunStatusPending,
		Inputs:         req.Inputs,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}
	f.store.runs[run.ID] = run
	return run, nil
}

func (f *fakeRuns) GetStatus(ctx context.Context, id uuid.UUID) (*orchestrator.RunState, error) {
	run, err := f.store.GetRun(ctx, id)
	if err != nil {
		return nil, orchestrator.ErrRunNotFound
	}
	return orchestrator.NewRunState(run, f.store.tasks[id], false), nil
}

func (f *fakeRuns) CancelRun(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	run, err := f.store.GetRun(ctx, id)
	if err != nil {
		return nil, orchestrator.ErrRunNotFound
	}
	if run.IsFinished() {
		return nil, orchestrator.ErrRunFinished
	}
	run.Status = domain.RunStatusAborted
	return run, nil
}

type fakeOrders struct {
	orders    map[string]*domain.Order
	positions []domain.Position
}

func (f *fakeOrders) GetOrder(_ context.Context, key string) (*domain.Order, error) {
	o, ok := f.orders[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", execution.ErrOrderNotFound, key)
	}
	return o, nil
}

func (f *fakeOrders) CancelOrder(ctx context.Context, key string) (*domain.Order, error) {
	o, err := f.GetOrder(ctx, key)
	if err != nil {
		return nil, err
	}
	if o.IsFinished() {
		return o, execution.ErrOrderFinished
	}
	o.Status = domain.OrderStatusCancelled
	return o, nil
}

func (f *fakeOrders) Positions() []domain.Position { return f.positions }

type fakeTriggers []domain.Trigger

func (f fakeTriggers) Triggers() []domain.Trigger { return f }

type fixture struct {
	mux     *http.ServeMux
	store   *fakeStore
	runs    *fakeRuns
	orders  *fakeOrders
	catalog *engine.Catalog
	reg     *prometheus.Registry
	pingErr error
}

func setup(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store:   newFakeStore(),
		orders:  &fakeOrders{orders: make(map[string]*domain.Order)},
		catalog: engine.NewCatalog(t.TempDir(), telemetry.Discard()),
		reg:     prometheus.NewRegistry(),
	}
	f.runs = &fakeRuns{store: f.store}
	f.catalog.Put(&domain.PipelineSpec{
		Name:        "daily",
		Description: "daily signal",
		Stages: []domain.StageDef{
			{ID: "clean", Capability: domain.CapabilityDataCleaning},
			{ID: "signal", Capability: domain.CapabilitySignalGeneration, DependsOn: []string{"clean"}},
		},
	})

	h := NewHandler(Config{
		Store:     f.store,
		Runs:      f.runs,
		Orders:    f.orders,
		Pipelines: f.catalog,
		Triggers: fakeTriggers{
			{Name: "hourly", Pipeline: "daily", CronExpr: "0 * * * *", Enabled: true},
			{Name: "paused", Pipeline: "daily", IntervalSec: 60},
		},
		Ping:    func(context.Context) error { return f.pingErr },
		Logger:  telemetry.Discard(),
		Metrics: telemetry.NewMetrics(f.reg),
	})
	f.mux = http.NewServeMux()
	h.RegisterRoutes(f.mux)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var resp struct {
		Data  T   `json:"data"`
		Total int `json:"total"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp), rec.Body.String())
	return resp.Data
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp.Error
}

func TestCreateRun(t *testing.T) {
	f := setup(t)

	rec := f.do(t, http.MethodPost, "/api/v1/runs", CreateRunRequest{
		Pipeline:       "daily",
		Inputs:         map[string]any{"market": "KXFED"},
		IdempotencyKey: "k1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeData[RunResponse](t, rec)
	assert.Equal(t, "daily", created.Pipeline)
	assert.Equal(t, "PENDING", created.Status)
	assert.Equal(t, "KXFED", created.Inputs["market"])

	rec = f.do(t, http.MethodPost, "/api/v1/runs", CreateRunRequest{Pipeline: "daily", IdempotencyKey: "k1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.ID, decodeData[RunResponse](t, rec).ID)
	assert.Len(t, f.store.runs, 1)
}

func TestCreateRun_Errors(t *testing.T) {
	f := setup(t)

	rec := f.do(t, http.MethodPost, "/api/v1/runs", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", bytes.NewBufferString("{"))
	raw := httptest.NewRecorder()
	f.mux.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)

	f.runs.err = fmt.Errorf("%w: %w", orchestrator.ErrInvalidPipeline, engine.ErrCyclicDependency)
	rec = f.do(t, http.MethodPost, "/api/v1/runs", CreateRunRequest{Pipeline: "daily"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrCodeBadRequest, decodeError(t, rec).Code)

	f.runs.err = fmt.Errorf("%w: nope", orchestrator.ErrPipelineNotFound)
	rec = f.do(t, http.MethodPost, "/api/v1/runs", CreateRunRequest{Pipeline: "nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.runs.err = orchestrator.ErrTooManyRuns
	rec = f.do(t, http.MethodPost, "/api/v1/runs", CreateRunRequest{Pipeline: "daily"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	f.runs.err = errors.New("db down")
	rec = f.do(t, http.MethodPost, "/api/v1/runs", CreateRunRequest{Pipeline: "daily"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal server error", decodeError(t, rec).Message)
}

func TestGetRun(t *testing.T) {
	f := setup(t)

	runID := uuid.New()
	spec := *f.mustPipeline(t, "daily")
	f.store.runs[runID] = &domain.Run{ID: runID, Pipeline: "daily", Spec: spec, Status: domain.RunStatusRunning}
	f.store.tasks[runID] = []domain.Task{
		{ID: uuid.New(), RunID: runID, StageID: "clean", Attempt: 1, Status: domain.TaskStatusSucceeded},
	}

	rec := f.do(t, http.MethodGet, "/api/v1/runs/"+runID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	status := decodeData[RunStatusResponse](t, rec)
	assert.Equal(t, runID, status.Run.ID)
	require.Len(t, status.Stages, 2)
	assert.Equal(t, orchestrator.StageSucceeded, status.Stages[0].Status)
	assert.Equal(t, orchestrator.StageWaiting, status.Stages[1].Status)
	assert.Equal(t, 1, status.Stats.SucceededStages)

	rec = f.do(t, http.MethodGet, "/api/v1/runs/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/runs/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelRun(t *testing.T) {
	f := setup(t)

	runID := uuid.New()
	f.store.runs[runID] = &domain.Run{ID: runID, Pipeline: "daily", Status: domain.RunStatusRunning}

	rec := f.do(t, http.MethodPost, "/api/v1/runs/"+runID.String()+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ABORTED", decodeData[RunResponse](t, rec).Status)

	rec = f.do(t, http.MethodPost, "/api/v1/runs/"+runID.String()+"/cancel", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, ErrCodeInvalidState, decodeError(t, rec).Code)

	rec = f.do(t, http.MethodPost, "/api/v1/runs/"+uuid.NewString()+"/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRunsAndTasks(t *testing.T) {
	f := setup(t)

	runID := uuid.New()
	f.store.runs[runID] = &domain.Run{ID: runID, Pipeline: "daily", Status: domain.RunStatusFailed}
	f.store.tasks[runID] = []domain.Task{
		{ID: uuid.New(), RunID: runID, StageID: "clean", Capability: domain.CapabilityDataCleaning,
			Attempt: 1, Status: domain.TaskStatusFailed, ErrorKind: domain.ErrorKindPermanent},
	}

	rec := f.do(t, http.MethodGet, "/api/v1/runs?status=FAILED&limit=5&offset=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeData[[]RunResponse](t, rec), 1)
	assert.Equal(t, repo.RunFilter{Status: domain.RunStatusFailed, Limit: 5, Offset: 2}, f.store.lastRunFilter)

	rec = f.do(t, http.MethodGet, "/api/v1/runs?limit=abc", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultPageSize, f.store.lastRunFilter.Limit)

	rec = f.do(t, http.MethodGet, "/api/v1/runs/"+runID.String()+"/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tasks := decodeData[[]TaskResponse](t, rec)
	require.Len(t, tasks, 1)
	assert.Equal(t, "permanent", tasks[0].ErrorKind)

	rec = f.do(t, http.MethodGet, "/api/v1/runs/"+uuid.NewString()+"/tasks", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOrders(t *testing.T) {
	f := setup(t)

	runID := uuid.New()
	open := &domain.Order{
		Key: "sf-open", RunID: runID, MarketID: "KXFED", Side: domain.SideBuy, Outcome: domain.OutcomeYes,
		Size: 10, Price: decimal.RequireFromString("0.42"), Status: domain.OrderStatusSubmitted,
	}
	filled := &domain.Order{
		Key: "sf-filled", RunID: runID, MarketID: "KXFED", Side: domain.SideBuy, Outcome: domain.OutcomeYes,
		Size: 5, FilledQty: 5, Price: decimal.RequireFromString("0.40"), Status: domain.OrderStatusFilled,
	}
	f.orders.orders[open.Key] = open
	f.orders.orders[filled.Key] = filled
	f.store.orders = []domain.Order{*open, *filled}

	rec := f.do(t, http.MethodGet, "/api/v1/orders?run_id="+runID.String()+"&market_id=KXFED", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeData[[]OrderResponse](t, rec), 2)
	require.NotNil(t, f.store.lastOrderFilter.RunID)
	assert.Equal(t, runID, *f.store.lastOrderFilter.RunID)
	assert.Equal(t, "KXFED", f.store.lastOrderFilter.MarketID)

	rec = f.do(t, http.MethodGet, "/api/v1/orders?run_id=bad", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/orders/sf-open", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeData[OrderResponse](t, rec)
	assert.True(t, got.Price.Equal(decimal.RequireFromString("0.42")))

	rec = f.do(t, http.MethodGet, "/api/v1/orders/sf-missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/orders/sf-open/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "CANCELLED", decodeData[OrderResponse](t, rec).Status)

	rec = f.do(t, http.MethodPost, "/api/v1/orders/sf-filled/cancel", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestPositions(t *testing.T) {
	f := setup(t)

	rec := f.do(t, http.MethodGet, "/api/v1/positions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeData[[]domain.Position](t, rec))

	f.orders.positions = []domain.Position{
		{MarketID: "KXB", Net: -3},
		{MarketID: "KXA", Net: 7, InFlight: 2},
	}
	rec = f.do(t, http.MethodGet, "/api/v1/positions", nil)
	positions := decodeData[[]domain.Position](t, rec)
	require.Len(t, positions, 2)
	assert.Equal(t, "KXA", positions[0].MarketID)
	assert.Equal(t, int64(2), positions[0].InFlight)
}

func TestPipelines(t *testing.T) {
	f := setup(t)

	rec := f.do(t, http.MethodGet, "/api/v1/pipelines", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeData[[]PipelineResponse](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, []string{"clean", "signal"}, list[0].Stages)

	rec = f.do(t, http.MethodGet, "/api/v1/pipelines/daily", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "daily", decodeData[domain.PipelineSpec](t, rec).Name)

	rec = f.do(t, http.MethodGet, "/api/v1/pipelines/weekly", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggers(t *testing.T) {
	f := setup(t)

	rec := f.do(t, http.MethodGet, "/api/v1/triggers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeData[[]TriggerResponse](t, rec), 2)

	rec = f.do(t, http.MethodGet, "/api/v1/triggers?enabled=true", nil)
	list := decodeData[[]TriggerResponse](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "hourly", list[0].Name)
}

func TestHealthz(t *testing.T) {
	f := setup(t)

	rec := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	f.pingErr = errors.New("connection refused")
	rec = f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRecovery(t *testing.T) {
	h := Chain(RequestID(telemetry.Discard()), Recovery())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))
}

func TestRequestID(t *testing.T) {
	f := setup(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/pipelines", nil)
	req.Header.Set(HeaderRequestID, "req-42")
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get(HeaderRequestID))

	rec = f.do(t, http.MethodGet, "/api/v1/pipelines", nil)
	_, err := uuid.Parse(rec.Header().Get(HeaderRequestID))
	assert.NoError(t, err)
}

func TestMetricsMiddleware(t *testing.T) {
	f := setup(t)

	f.do(t, http.MethodGet, "/api/v1/runs/not-a-uuid", nil)
	f.do(t, http.MethodGet, "/api/v1/pipelines", nil)

	count, err := testutil.GatherAndCount(f.reg, "signalflow_http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func (f *fixture) mustPipeline(t *testing.T, name string) *domain.PipelineSpec {
	t.Helper()
	spec, err := f.catalog.Get(name)
	require.NoError(t, err)
	return spec
}
