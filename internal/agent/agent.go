package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/shaiso/Signalflow/internal/domain"
)

// Agent — исполнитель стадии pipeline.
//
// Каждая capability (data_cleaning, feature_engineering, ...) реализуется
// отдельным агентом. Агент обязан уважать ctx: при отмене run
// выполнение прерывается, результат отбрасывается.
type Agent interface {
	// Capability возвращает тип агента.
	Capability() domain.Capability

	// Execute выполняет стадию и возвращает её выход.
	Execute(ctx context.Context, in *Input) (Output, error)
}

// Input — входные данные стадии.
type Input struct {
	RunID   uuid.UUID
	StageID string
	Attempt int

	// Params — параметры стадии, уже отрендеренные через engine.RenderParams.
	Params map[string]any

	// Upstream — объединённые выходы зависимостей.
	// Для корневых стадий содержит входы run.
	Upstream map[string]any

	// Inputs — входы run без изменений.
	Inputs map[string]any
}

// Output — выход стадии.
type Output map[string]any

// ParamString извлекает строковый параметр.
func ParamString(params map[string]any, key string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// ParamInt извлекает целочисленный параметр.
func ParamInt(params map[string]any, key string, defaultVal int64) int64 {
	v, ok := params[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
	case string:
		if d, err := decimal.NewFromString(n); err == nil {
			return d.IntPart()
		}
	}
	return defaultVal
}

// ParamMap извлекает вложенную map.
func ParamMap(params map[string]any, key string) map[string]any {
	if v, ok := params[key]; ok {
		if m, ok := v.(map[string]any); ok {
			return m
		}
	}
	return nil
}

// ParamMapString извлекает map[string]string.
func ParamMapString(params map[string]any, key string) map[string]string {
	if v, ok := params[key]; ok {
		switch m := v.(type) {
		case map[string]string:
			return m
		case map[string]any:
			result := make(map[string]string, len(m))
			for k, val := range m {
				if s, ok := val.(string); ok {
					result[k] = s
				}
			}
			return result
		}
	}
	return nil
}

// ParamDecimal извлекает десятичный параметр.
// Отсутствующий ключ даёт defaultVal, неразбираемое значение — ошибку.
func ParamDecimal(params map[string]any, key string, defaultVal decimal.Decimal) (decimal.Decimal, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return defaultVal, nil
	}
	d, err := ToDecimal(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrInvalidParams, key, err)
	}
	return d, nil
}

// ToDecimal приводит значение из JSON/YAML к decimal.
//
// Числа с плавающей точкой допускаются только конечные.
func ToDecimal(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, nil
	case string:
		return decimal.NewFromString(n)
	case json.Number:
		return decimal.NewFromString(n.String())
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return decimal.Zero, fmt.Errorf("non-finite number %v", n)
		}
		return decimal.NewFromFloat(n), nil
	case float32:
		return ToDecimal(float64(n))
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	default:
		return decimal.Zero, fmt.Errorf("unsupported type %T", v)
	}
}

// asList приводит значение к []any.
// После round-trip через JSON списки приходят как []any, в памяти — как
// []map[string]any.
func asList(v any) []any {
	switch l := v.(type) {
	case []any:
		return l
	case []map[string]any:
		out := make([]any, len(l))
		for i, m := range l {
			out[i] = m
		}
		return out
	}
	return nil
}
