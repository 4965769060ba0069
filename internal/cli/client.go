package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// RunResponse — run из API.
type RunResponse struct {
	ID             string         `json:"id"`
	Pipeline       string         `json:"pipeline"`
	Status         string         `json:"status"`
	Inputs         map[string]any `json:"inputs,omitempty"`
	Signal         *Signal        `json:"signal,omitempty"`
	Execution      *Execution     `json:"execution,omitempty"`
	StartedAt      string         `json:"started_at,omitempty"`
	FinishedAt     string         `json:"finished_at,omitempty"`
	DurationMs     int64          `json:"duration_ms,omitempty"`
	Error          string         `json:"error,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	CreatedAt      string         `json:"created_at"`
}

// IsFinished возвращает true для терминальных статусов run.
func (r *RunResponse) IsFinished() bool {
	switch r.Status {
	case "SUCCEEDED", "FAILED", "ABORTED":
		return true
	default:
		return false
	}
}

// Signal — торговый сигнал run.
type Signal struct {
	MarketID   string `json:"market_id"`
	Side       string `json:"side"`
	Outcome    string `json:"outcome"`
	Size       int64  `json:"size"`
	Price      string `json:"price"`
	Confidence string `json:"confidence"`
}

// Execution — результат исполнения сигнала.
type Execution struct {
	Outcome  string `json:"outcome"`
	OrderKey string `json:"order_key,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// RunStatusResponse — run со сводкой по стадиям.
type RunStatusResponse struct {
	Run    RunResponse  `json:"run"`
	Stages []StageState `json:"stages"`
	Active bool         `json:"active"`
}

// StageState — стадия run.
type StageState struct {
	ID         string `json:"id"`
	Capability string `json:"capability"`
	Status     string `json:"status"`
	Attempts   int    `json:"attempts"`
	ErrorKind  string `json:"error_kind,omitempty"`
	Error      string `json:"error,omitempty"`
}

// TaskResponse — попытка стадии из API.
type TaskResponse struct {
	ID         string         `json:"id"`
	RunID      string         `json:"run_id"`
	StageID    string         `json:"stage_id"`
	Capability string         `json:"capability"`
	Attempt    int            `json:"attempt"`
	Status     string         `json:"status"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	ErrorKind  string         `json:"error_kind,omitempty"`
	StartedAt  string         `json:"started_at,omitempty"`
	FinishedAt string         `json:"finished_at,omitempty"`
	CreatedAt  string         `json:"created_at"`
}

// OrderResponse — ордер из API.
type OrderResponse struct {
	Key          string `json:"key"`
	RunID        string `json:"run_id"`
	MarketID     string `json:"market_id"`
	Side         string `json:"side"`
	Outcome      string `json:"outcome"`
	Size         int64  `json:"size"`
	Price        string `json:"price"`
	ExternalID   string `json:"external_id,omitempty"`
	Status       string `json:"status"`
	FilledQty    int64  `json:"filled_qty"`
	AvgFillPrice string `json:"avg_fill_price"`
	RejectReason string `json:"reject_reason,omitempty"`
	CreatedAt    string `json:"created_at"`
}

// PositionResponse — позиция по рынку.
type PositionResponse struct {
	MarketID         string `json:"market_id"`
	Net              int64  `json:"net"`
	InFlight         int64  `json:"in_flight"`
	Notional         string `json:"notional"`
	InFlightNotional string `json:"in_flight_notional"`
}

// PipelineResponse — pipeline из каталога.
type PipelineResponse struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Merge       string   `json:"merge,omitempty"`
	Stages      []string `json:"stages"`
}

// TriggerResponse — триггер из API.
type TriggerResponse struct {
	Name        string         `json:"name"`
	Pipeline    string         `json:"pipeline"`
	CronExpr    string         `json:"cron_expr,omitempty"`
	IntervalSec int            `json:"interval_sec,omitempty"`
	Timezone    string         `json:"timezone,omitempty"`
	Enabled     bool           `json:"enabled"`
	NextDueAt   string         `json:"next_due_at,omitempty"`
	LastRunAt   string         `json:"last_run_at,omitempty"`
	LastRunID   string         `json:"last_run_id,omitempty"`
	Inputs      map[string]any `json:"inputs,omitempty"`
}

// --- Request types ---

// CreateRunRequest — создание run.
type CreateRunRequest struct {
	Pipeline       string          `json:"pipeline,omitempty"`
	Spec           json.RawMessage `json:"spec,omitempty"`
	Inputs         map[string]any  `json:"inputs,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// ListRunsOpts — параметры фильтрации runs.
type ListRunsOpts struct {
	Pipeline string
	Status   string
	Limit    int
}

// ListOrdersOpts — параметры фильтрации ордеров.
type ListOrdersOpts struct {
	RunID    string
	MarketID string
	Status   string
	Limit    int
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// APIError — ошибка, которую вернул сервер.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// --- Client ---

// Client — HTTP-клиент для Signalflow API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- Runs ---

// ListRuns возвращает список runs с фильтрацией.
func (c *Client) ListRuns(ctx context.Context, opts ListRunsOpts) ([]RunResponse, error) {
	params := url.Values{}
	if opts.Pipeline != "" {
		params.Set("pipeline", opts.Pipeline)
	}
	if opts.Status != "" {
		params.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}

	var runs []RunResponse
	err := c.list(ctx, "/api/v1/runs", params, &runs)
	return runs, err
}

// CreateRun создаёт run.
func (c *Client) CreateRun(ctx context.Context, req CreateRunRequest) (*RunResponse, error) {
	var run RunResponse
	err := c.post(ctx, "/api/v1/runs", req, &run)
	return &run, err
}

// GetRun возвращает run со сводкой по стадиям.
func (c *Client) GetRun(ctx context.Context, id string) (*RunStatusResponse, error) {
	var status RunStatusResponse
	err := c.get(ctx, "/api/v1/runs/"+url.PathEscape(id), &status)
	return &status, err
}

// CancelRun отменяет run.
func (c *Client) CancelRun(ctx context.Context, id string) (*RunResponse, error) {
	var run RunResponse
	err := c.post(ctx, "/api/v1/runs/"+url.PathEscape(id)+"/cancel", nil, &run)
	return &run, err
}

// ListTasks возвращает историю попыток run.
func (c *Client) ListTasks(ctx context.Context, runID string) ([]TaskResponse, error) {
	var tasks []TaskResponse
	err := c.list(ctx, "/api/v1/runs/"+url.PathEscape(runID)+"/tasks", nil, &tasks)
	return tasks, err
}

// WaitRun опрашивает run, пока он не завершится или ctx не истечёт.
func (c *Client) WaitRun(ctx context.Context, id string, interval time.Duration) (*RunStatusResponse, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := c.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		if status.Run.IsFinished() && (status.Run.Status != "SUCCEEDED" || status.Run.Execution != nil) {
			return status, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// --- Orders ---

// ListOrders возвращает ордера.
func (c *Client) ListOrders(ctx context.Context, opts ListOrdersOpts) ([]OrderResponse, error) {
	params := url.Values{}
	if opts.RunID != "" {
		params.Set("run_id", opts.RunID)
	}
	if opts.MarketID != "" {
		params.Set("market_id", opts.MarketID)
	}
	if opts.Status != "" {
		params.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}

	var orders []OrderResponse
	err := c.list(ctx, "/api/v1/orders", params, &orders)
	return orders, err
}

// GetOrder возвращает ордер по ключу.
func (c *Client) GetOrder(ctx context.Context, key string) (*OrderResponse, error) {
	var order OrderResponse
	err := c.get(ctx, "/api/v1/orders/"+url.PathEscape(key), &order)
	return &order, err
}

// CancelOrder отменяет ордер.
func (c *Client) CancelOrder(ctx context.Context, key string) (*OrderResponse, error) {
	var order OrderResponse
	err := c.post(ctx, "/api/v1/orders/"+url.PathEscape(key)+"/cancel", nil, &order)
	return &order, err
}

// ListPositions возвращает позиции.
func (c *Client) ListPositions(ctx context.Context) ([]PositionResponse, error) {
	var positions []PositionResponse
	err := c.list(ctx, "/api/v1/positions", nil, &positions)
	return positions, err
}

// --- Pipelines ---

// ListPipelines возвращает pipelines каталога.
func (c *Client) ListPipelines(ctx context.Context) ([]PipelineResponse, error) {
	var pipelines []PipelineResponse
	err := c.list(ctx, "/api/v1/pipelines", nil, &pipelines)
	return pipelines, err
}

// GetPipeline возвращает полное определение pipeline.
func (c *Client) GetPipeline(ctx context.Context, name string) (map[string]any, error) {
	var spec map[string]any
	err := c.get(ctx, "/api/v1/pipelines/"+url.PathEscape(name), &spec)
	return spec, err
}

// --- Triggers ---

// ListTriggers возвращает триггеры сервера.
func (c *Client) ListTriggers(ctx context.Context) ([]TriggerResponse, error) {
	var triggers []TriggerResponse
	err := c.list(ctx, "/api/v1/triggers", nil, &triggers)
	return triggers, err
}

// --- HTTP helpers ---

func (c *Client) get(ctx context.Context, path string, result any) error {
	return c.doData(ctx, http.MethodGet, path, nil, result)
}

func (c *Client) post(ctx context.Context, path string, body any, result any) error {
	return c.doData(ctx, http.MethodPost, path, body, result)
}

func (c *Client) list(ctx context.Context, path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(ctx context.Context, method, path string, body any, result any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	// 204 No Content
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode}
	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err == nil {
		apiErr.Code = er.Error.Code
		apiErr.Message = er.Error.Message
	}
	return apiErr
}
