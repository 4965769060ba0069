package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/shaiso/Signalflow/internal/domain"
	"github.com/shaiso/Signalflow/internal/telemetry"
)

const (
	defaultRemoteTimeout = 30 * time.Second
	maxResponseBody      = 10 * 1024 * 1024 // 10 MB
)

// Remote — вызов внешнего сервиса модели по HTTP.
//
// Параметры:
//
//	{
//	    "url": "https://models.internal/predict",
//	    "headers": {"Authorization": "Bearer {{ .Inputs.token }}"},
//	    "timeout_sec": 10
//	}
//
// Тело запроса — JSON {run_id, stage_id, attempt, params, input}.
// JSON-объект ответа становится выходом стадии, прочие значения
// кладутся под ключ "result".
//
// 5xx, 429 и сетевые ошибки — временные, прочие 4xx — постоянные.
type Remote struct {
	client *http.Client
}

// NewRemote создаёт агента. nil client — клиент по умолчанию.
func NewRemote(client *http.Client) *Remote {
	if client == nil {
		client = &http.Client{Timeout: defaultRemoteTimeout}
	}
	return &Remote{client: client}
}

// Capability возвращает тип агента.
func (a *Remote) Capability() domain.Capability { return domain.CapabilityRemote }

// remoteRequest — тело запроса к внешнему сервису.
type remoteRequest struct {
	RunID   string         `json:"run_id"`
	StageID string         `json:"stage_id"`
	Attempt int            `json:"attempt"`
	Params  map[string]any `json:"params"`
	Input   map[string]any `json:"input"`
}

// HTTPError — неуспешный ответ внешнего сервиса.
type HTTPError struct {
	StatusCode int
	Body       string
}

// Error реализует интерфейс error.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Execute выполняет запрос.
func (a *Remote) Execute(ctx context.Context, in *Input) (Output, error) {
	url := ParamString(in.Params, "url")
	if url == "" {
		return nil, Permanentf("%w: remote: url is required", ErrInvalidParams)
	}

	if sec := ParamInt(in.Params, "timeout_sec", 0); sec > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(sec)*time.Second)
		defer cancel()
	}

	params := make(map[string]any, len(in.Params))
	for k, v := range in.Params {
		if k == "headers" {
			continue
		}
		params[k] = v
	}
	body, err := json.Marshal(remoteRequest{
		RunID:   in.RunID.String(),
		StageID: in.StageID,
		Attempt: in.Attempt,
		Params:  params,
		Input:   in.Upstream,
	})
	if err != nil {
		return nil, Permanentf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, Permanentf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range ParamMapString(in.Params, "headers") {
		req.Header.Set(k, v)
	}

	logger := telemetry.FromContext(ctx)
	start := time.Now()

	resp, err := a.client.Do(req)
	if err != nil {
		logger.Warn("remote agent call failed", "url", url, "error", err)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("remote request: %w", context.DeadlineExceeded)
		}
		return nil, Transient(fmt.Errorf("remote request: %w", err))
	}
	defer resp.Body.Close()

	logger.Debug("remote agent call", "url", url, "status", resp.StatusCode, "duration", time.Since(start))

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, Transient(fmt.Errorf("read response body: %w", err))
	}

	if resp.StatusCode >= 400 {
		herr := &HTTPError{StatusCode: resp.StatusCode, Body: truncate(string(data), 512)}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, Transient(herr)
		}
		return nil, Permanent(herr)
	}

	var decoded any
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &decoded); err != nil {
			return nil, Permanentf("decode response: %w", err)
		}
	}
	if obj, ok := decoded.(map[string]any); ok {
		return Output(obj), nil
	}
	return Output{"result": decoded}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
