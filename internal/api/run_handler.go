package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/shaiso/Signalflow/internal/domain"
	"github.com/shaiso/Signalflow/internal/orchestrator"
	"github.com/shaiso/Signalflow/internal/repo"
)

const defaultPageSize = 50

// ListRuns возвращает список runs с фильтрацией.
// GET /api/v1/runs?pipeline=...&status=...&limit=...&offset=...
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repo.RunFilter{
		Pipeline: q.Get("pipeline"),
		Status:   domain.RunStatus(q.Get("status")),
		Limit:    parseInt(q.Get("limit"), defaultPageSize),
		Offset:   parseInt(q.Get("offset"), 0),
	}

	runs, err := h.store.ListRuns(r.Context(), filter)
	if HandleError(w, h.log(r), err, "") {
		return
	}

	result := make([]RunResponse, len(runs))
	for i, run := range runs {
		result[i] = RunFromDomain(run)
	}

	List(w, result, len(result))
}

// CreateRun создаёт run для pipeline из каталога или inline spec.
// POST /api/v1/runs
//
// Повтор с тем же idempotency_key возвращает существующий run со статусом 200.
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	if req.Pipeline == "" && req.Spec == nil {
		BadRequest(w, "pipeline or spec is required")
		return
	}

	if req.IdempotencyKey != "" && req.Spec == nil {
		existing, err := h.store.GetRunByIdempotencyKey(r.Context(), req.Pipeline, req.IdempotencyKey)
		if err == nil {
			Success(w, RunFromDomain(*existing))
			return
		}
		if !errors.Is(err, repo.ErrNotFound) {
			InternalError(w, h.log(r), err)
			return
		}
	}

	run, err := h.runs.StartRun(r.Context(), orchestrator.StartRequest{
		Pipeline:       req.Pipeline,
		Spec:           req.Spec,
		Inputs:         req.Inputs,
		IdempotencyKey: req.IdempotencyKey,
	})
	if HandleError(w, h.log(r), err, "") {
		return
	}

	Created(w, RunFromDomain(*run))
}

// GetRun возвращает run со сводкой по стадиям.
// GET /api/v1/runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return
	}

	state, err := h.runs.GetStatus(r.Context(), id)
	if HandleError(w, h.log(r), err, "run not found") {
		return
	}

	Success(w, RunStatusFromState(state))
}

// CancelRun отменяет run.
// POST /api/v1/runs/{id}/cancel
func (h *Handler) CancelRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return
	}

	run, err := h.runs.CancelRun(r.Context(), id)
	if errors.Is(err, orchestrator.ErrRunFinished) {
		InvalidState(w, "run is already finished")
		return
	}
	if HandleError(w, h.log(r), err, "run not found") {
		return
	}

	Success(w, RunFromDomain(*run))
}

// ListRunTasks возвращает историю попыток run.
// GET /api/v1/runs/{id}/tasks
func (h *Handler) ListRunTasks(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return
	}

	// Проверяем, что run существует
	_, err = h.store.GetRun(r.Context(), id)
	if HandleError(w, h.log(r), err, "run not found") {
		return
	}

	tasks, err := h.store.ListTasks(r.Context(), id)
	if HandleError(w, h.log(r), err, "") {
		return
	}

	result := make([]TaskResponse, len(tasks))
	for i, t := range tasks {
		result[i] = TaskFromDomain(t)
	}

	List(w, result, len(result))
}

// parseInt парсит неотрицательное число с дефолтным значением.
func parseInt(s string, defaultVal int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
