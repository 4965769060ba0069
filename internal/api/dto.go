package api

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/shaiso/Signalflow/internal/domain"
	"github.com/shaiso/Signalflow/internal/orchestrator"
)

// Run DTOs

// CreateRunRequest — запрос на создание run.
// Нужен либо pipeline из каталога, либо inline spec.
type CreateRunRequest struct {
	Pipeline       string               `json:"pipeline,omitempty"`
	Spec           *domain.PipelineSpec `json:"spec,omitempty"`
	Inputs         map[string]any       `json:"inputs,omitempty"`
	IdempotencyKey string               `json:"idempotency_key,omitempty"`
}

// RunResponse — ответ с run.
type RunResponse struct {
	ID             uuid.UUID         `json:"id"`
	Pipeline       string            `json:"pipeline"`
	Status         string            `json:"status"`
	Inputs         map[string]any    `json:"inputs,omitempty"`
	Signal         *domain.Signal    `json:"signal,omitempty"`
	Execution      *domain.Execution `json:"execution,omitempty"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	FinishedAt     *time.Time        `json:"finished_at,omitempty"`
	DurationMs     int64             `json:"duration_ms,omitempty"`
	Error          string            `json:"error,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// RunFromDomain конвертирует domain.Run в RunResponse.
func RunFromDomain(r domain.Run) RunResponse {
	return RunResponse{
		ID:             r.ID,
		Pipeline:       r.Pipeline,
		Status:         string(r.Status),
		Inputs:         r.Inputs,
		Signal:         r.Signal,
		Execution:      r.Execution,
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
		DurationMs:     r.Duration().Milliseconds(),
		Error:          r.Error,
		IdempotencyKey: r.IdempotencyKey,
		CreatedAt:      r.CreatedAt,
	}
}

// RunStatusResponse — run со сводкой по стадиям.
type RunStatusResponse struct {
	Run    RunResponse               `json:"run"`
	Stages []orchestrator.StageState `json:"stages"`
	Stats  orchestrator.RunStats     `json:"stats"`
	Active bool                      `json:"active"`
}

// RunStatusFromState конвертирует orchestrator.RunState.
func RunStatusFromState(s *orchestrator.RunState) RunStatusResponse {
	return RunStatusResponse{
		Run:    RunFromDomain(*s.Run),
		Stages: s.Stages,
		Stats:  s.Stats,
		Active: s.Active,
	}
}

// Task DTOs

// TaskResponse — ответ с попыткой стадии.
type TaskResponse struct {
	ID         uuid.UUID      `json:"id"`
	RunID      uuid.UUID      `json:"run_id"`
	StageID    string         `json:"stage_id"`
	Capability string         `json:"capability"`
	Attempt    int            `json:"attempt"`
	Status     string         `json:"status"`
	Input      map[string]any `json:"input,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	ErrorKind  string         `json:"error_kind,omitempty"`
	ClaimedBy  string         `json:"claimed_by,omitempty"`
	NotBefore  *time.Time     `json:"not_before,omitempty"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// TaskFromDomain конвертирует domain.Task в TaskResponse.
func TaskFromDomain(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:         t.ID,
		RunID:      t.RunID,
		StageID:    t.StageID,
		Capability: string(t.Capability),
		Attempt:    t.Attempt,
		Status:     string(t.Status),
		Input:      t.Input,
		Output:     t.Output,
		Error:      t.Error,
		ErrorKind:  string(t.ErrorKind),
		ClaimedBy:  t.ClaimedBy,
		NotBefore:  t.NotBefore,
		StartedAt:  t.StartedAt,
		FinishedAt: t.FinishedAt,
		CreatedAt:  t.CreatedAt,
	}
}

// Order DTOs

// OrderResponse — ответ с ордером.
type OrderResponse struct {
	Key          string          `json:"key"`
	RunID        uuid.UUID       `json:"run_id"`
	MarketID     string          `json:"market_id"`
	Side         string          `json:"side"`
	Outcome      string          `json:"outcome"`
	Size         int64           `json:"size"`
	Price        decimal.Decimal `json:"price"`
	ExternalID   string          `json:"external_id,omitempty"`
	Status       string          `json:"status"`
	FilledQty    int64           `json:"filled_qty"`
	AvgFillPrice decimal.Decimal `json:"avg_fill_price"`
	RejectReason string          `json:"reject_reason,omitempty"`
	Version      int             `json:"version"`
	CreatedAt    time.Time       `json:"created_at"`
	SubmittedAt  *time.Time      `json:"submitted_at,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// OrderFromDomain конвертирует domain.Order в OrderResponse.
func OrderFromDomain(o domain.Order) OrderResponse {
	return OrderResponse{
		Key:          o.Key,
		RunID:        o.RunID,
		MarketID:     o.MarketID,
		Side:         string(o.Side),
		Outcome:      string(o.Outcome),
		Size:         o.Size,
		Price:        o.Price,
		ExternalID:   o.ExternalID,
		Status:       string(o.Status),
		FilledQty:    o.FilledQty,
		AvgFillPrice: o.AvgFillPrice,
		RejectReason: o.RejectReason,
		Version:      o.Version,
		CreatedAt:    o.CreatedAt,
		SubmittedAt:  o.SubmittedAt,
		UpdatedAt:    o.UpdatedAt,
	}
}

// Pipeline DTOs

// PipelineResponse — краткое описание pipeline из каталога.
type PipelineResponse struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Merge       string   `json:"merge,omitempty"`
	Stages      []string `json:"stages"`
}

// PipelineFromDomain конвертирует domain.PipelineSpec в PipelineResponse.
func PipelineFromDomain(p *domain.PipelineSpec) PipelineResponse {
	stages := make([]string, len(p.Stages))
	for i := range p.Stages {
		stages[i] = p.Stages[i].ID
	}
	return PipelineResponse{
		Name:        p.Name,
		Description: p.Description,
		Merge:       string(p.Merge),
		Stages:      stages,
	}
}

// Trigger DTOs

// TriggerResponse — ответ с триггером.
type TriggerResponse struct {
	Name        string         `json:"name"`
	Pipeline    string         `json:"pipeline"`
	CronExpr    string         `json:"cron_expr,omitempty"`
	IntervalSec int            `json:"interval_sec,omitempty"`
	Timezone    string         `json:"timezone,omitempty"`
	Enabled     bool           `json:"enabled"`
	NextDueAt   *time.Time     `json:"next_due_at,omitempty"`
	LastRunAt   *time.Time     `json:"last_run_at,omitempty"`
	LastRunID   *uuid.UUID     `json:"last_run_id,omitempty"`
	Inputs      map[string]any `json:"inputs,omitempty"`
}

// TriggerFromDomain конвертирует domain.Trigger в TriggerResponse.
func TriggerFromDomain(t *domain.Trigger) TriggerResponse {
	if t == nil {
		return TriggerResponse{}
	}
	return TriggerResponse{
		Name:        t.Name,
		Pipeline:    t.Pipeline,
		CronExpr:    t.CronExpr,
		IntervalSec: t.IntervalSec,
		Timezone:    t.Timezone,
		Enabled:     t.Enabled,
		NextDueAt:   t.NextDueAt,
		LastRunAt:   t.LastRunAt,
		LastRunID:   t.LastRunID,
		Inputs:      t.Inputs,
	}
}
