package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shaiso/Signalflow/internal/engine"
	"github.com/shaiso/Signalflow/internal/execution"
	"github.com/shaiso/Signalflow/internal/orchestrator"
	"github.com/shaiso/Signalflow/internal/repo"
)

// ErrorCode — код ошибки API.
type ErrorCode string

const (
	ErrCodeBadRequest    ErrorCode = "BAD_REQUEST"
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeConflict      ErrorCode = "CONFLICT"
	ErrCodeInvalidState  ErrorCode = "INVALID_STATE"
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
	ErrCodeUnavailable   ErrorCode = "UNAVAILABLE"
)

// ErrorResponse — тело ответа с ошибкой.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail — детали ошибки.
type ErrorDetail struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// DataResponse — тело успешного ответа.
type DataResponse struct {
	Data any `json:"data"`
}

// ListResponse — тело ответа со списком. Total — размер страницы.
type ListResponse struct {
	Data  any `json:"data"`
	Total int `json:"total"`
}

// JSON отправляет JSON ответ.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// Success отправляет 200 с данными.
func Success(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, DataResponse{Data: data})
}

// Created отправляет 201 с созданным ресурсом.
func Created(w http.ResponseWriter, data any) {
	JSON(w, http.StatusCreated, DataResponse{Data: data})
}

// List отправляет список.
func List(w http.ResponseWriter, data any, total int) {
	JSON(w, http.StatusOK, ListResponse{Data: data, Total: total})
}

// Error отправляет ответ с ошибкой.
func Error(w http.ResponseWriter, status int, code ErrorCode, message string) {
	JSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

// BadRequest отправляет ошибку 400.
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// InvalidState отправляет ошибку 422.
func InvalidState(w http.ResponseWriter, message string) {
	Error(w, http.StatusUnprocessableEntity, ErrCodeInvalidState, message)
}

// Unavailable отправляет ошибку 503.
func Unavailable(w http.ResponseWriter, message string) {
	Error(w, http.StatusServiceUnavailable, ErrCodeUnavailable, message)
}

// InternalError логирует err и отправляет 500 без деталей.
func InternalError(w http.ResponseWriter, logger *slog.Logger, err error) {
	logger.Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, ErrCodeInternalError, "internal server error")
}

// errorMapping — соответствие ошибок сервисов HTTP статусам.
// Проверяется по порядку, первая совпавшая запись побеждает.
var errorMapping = []struct {
	target error
	status int
	code   ErrorCode
}{
	{repo.ErrNotFound, http.StatusNotFound, ErrCodeNotFound},
	{orchestrator.ErrRunNotFound, http.StatusNotFound, ErrCodeNotFound},
	{orchestrator.ErrPipelineNotFound, http.StatusNotFound, ErrCodeNotFound},
	{engine.ErrPipelineNotFound, http.StatusNotFound, ErrCodeNotFound},
	{execution.ErrOrderNotFound, http.StatusNotFound, ErrCodeNotFound},

	{orchestrator.ErrInvalidPipeline, http.StatusBadRequest, ErrCodeBadRequest},

	{orchestrator.ErrRunFinished, http.StatusUnprocessableEntity, ErrCodeInvalidState},
	{execution.ErrOrderFinished, http.StatusUnprocessableEntity, ErrCodeInvalidState},
	{repo.ErrInvalidState, http.StatusUnprocessableEntity, ErrCodeInvalidState},

	{repo.ErrAlreadyExists, http.StatusConflict, ErrCodeConflict},

	{orchestrator.ErrTooManyRuns, http.StatusServiceUnavailable, ErrCodeUnavailable},
	{orchestrator.ErrOrchestratorStopped, http.StatusServiceUnavailable, ErrCodeUnavailable},
}

// HandleError отправляет ответ для ошибки сервиса или хранилища.
// notFoundMsg заменяет текст для 404. Возвращает false, если err == nil.
func HandleError(w http.ResponseWriter, logger *slog.Logger, err error, notFoundMsg string) bool {
	if err == nil {
		return false
	}

	for _, m := range errorMapping {
		if !errors.Is(err, m.target) {
			continue
		}
		msg := err.Error()
		if m.status == http.StatusNotFound && notFoundMsg != "" {
			msg = notFoundMsg
		}
		Error(w, m.status, m.code, msg)
		return true
	}

	InternalError(w, logger, err)
	return true
}
