package agent

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/shaiso/Signalflow/internal/domain"
	"github.com/shaiso/Signalflow/internal/featurestore"
)

// Значения по умолчанию встроенных агентов.
var (
	priceTick        = decimal.New(1, -domain.MaxPricePlaces)
	minProbability   = decimal.RequireFromString("0.01")
	maxProbability   = decimal.RequireFromString("0.99")
	defaultWeight    = decimal.RequireFromString("0.5")
	defaultMinEdge   = decimal.RequireFromString("0.05")
	defaultOrderSize = int64(10)
)

// DataCleaning — очистка котировок рынка.
//
// Вход: market{id, quotes[{price, volume}]}.
// Котировки с неразбираемой ценой, ценой вне [0, 1] или отрицательным
// объёмом отбрасываются, граничные цены прижимаются внутрь (0, 1).
//
// Выход: market_id, clean_quotes, rejected.
type DataCleaning struct{}

// NewDataCleaning создаёт агента очистки.
func NewDataCleaning() *DataCleaning { return &DataCleaning{} }

// Capability возвращает тип агента.
func (a *DataCleaning) Capability() domain.Capability { return domain.CapabilityDataCleaning }

// Execute очищает котировки.
func (a *DataCleaning) Execute(ctx context.Context, in *Input) (Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	market := ParamMap(in.Upstream, "market")
	if market == nil {
		return nil, Permanentf("%w: market is required", ErrInvalidInput)
	}
	marketID := ParamString(market, "id")
	if marketID == "" {
		return nil, Permanentf("%w: market.id is required", ErrInvalidInput)
	}

	quotes := asList(market["quotes"])
	clean := make([]any, 0, len(quotes))
	rejected := 0

	for _, q := range quotes {
		m, ok := q.(map[string]any)
		if !ok {
			rejected++
			continue
		}
		price, err := ToDecimal(m["price"])
		if err != nil || price.IsNegative() || price.GreaterThan(decimal.NewFromInt(1)) {
			rejected++
			continue
		}
		volume := ParamInt(m, "volume", 0)
		if volume < 0 {
			rejected++
			continue
		}

		price = clampPrice(price.Round(domain.MaxPricePlaces))
		clean = append(clean, map[string]any{
			"price":  price.String(),
			"volume": volume,
		})
	}

	return Output{
		"market_id":    marketID,
		"clean_quotes": clean,
		"rejected":     rejected,
	}, nil
}

// clampPrice прижимает цену внутрь (0, 1) с шагом priceTick.
func clampPrice(p decimal.Decimal) decimal.Decimal {
	upper := decimal.NewFromInt(1).Sub(priceTick)
	if p.LessThan(priceTick) {
		return priceTick
	}
	if p.GreaterThan(upper) {
		return upper
	}
	return p
}

// FeatureEngineering — расчёт признаков по очищенным котировкам.
//
// Признаки: mid (среднее), last, spread (max - min), momentum (last - first),
// volume. Сохраняются в feature store под ключом {market}/{run}.
type FeatureEngineering struct {
	store featurestore.Client
}

// NewFeatureEngineering создаёт агента признаков.
func NewFeatureEngineering(store featurestore.Client) *FeatureEngineering {
	return &FeatureEngineering{store: store}
}

// Capability возвращает тип агента.
func (a *FeatureEngineering) Capability() domain.Capability {
	return domain.CapabilityFeatureEngineering
}

// Execute считает признаки.
func (a *FeatureEngineering) Execute(ctx context.Context, in *Input) (Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	marketID := ParamString(in.Upstream, "market_id")
	if marketID == "" {
		return nil, Permanentf("%w: market_id is required", ErrInvalidInput)
	}

	quotes := asList(in.Upstream["clean_quotes"])
	if len(quotes) == 0 {
		return nil, Permanentf("%w: no clean quotes for %s", ErrInvalidInput, marketID)
	}

	var (
		sum, lo, hi, first, last decimal.Decimal
		volume                   int64
	)
	for i, q := range quotes {
		m, ok := q.(map[string]any)
		if !ok {
			return nil, Permanentf("%w: quote %d is %T", ErrInvalidInput, i, q)
		}
		price, err := ToDecimal(m["price"])
		if err != nil {
			return nil, Permanentf("%w: quote %d: %v", ErrInvalidInput, i, err)
		}
		if i == 0 {
			first, lo, hi = price, price, price
		}
		lo = decimal.Min(lo, price)
		hi = decimal.Max(hi, price)
		sum = sum.Add(price)
		last = price
		volume += ParamInt(m, "volume", 0)
	}

	mid := sum.Div(decimal.NewFromInt(int64(len(quotes)))).Round(domain.MaxPricePlaces)
	features := map[string]any{
		"mid":      mid.String(),
		"last":     last.String(),
		"spread":   hi.Sub(lo).String(),
		"momentum": last.Sub(first).String(),
		"volume":   volume,
		"count":    len(quotes),
	}

	if a.store != nil {
		key := featurestore.Key(marketID, in.RunID.String())
		if err := a.store.Put(ctx, key, features); err != nil {
			return nil, Transient(fmt.Errorf("store features %s: %w", key, err))
		}
	}

	return Output{
		"market_id": marketID,
		"features":  features,
	}, nil
}

// ModelSelection — выбор модели с наименьшей априорной ошибкой.
//
// Параметры: candidates[{name, prior_error, weight}].
// При равной ошибке побеждает кандидат, объявленный раньше.
type ModelSelection struct{}

// NewModelSelection создаёт агента выбора модели.
func NewModelSelection() *ModelSelection { return &ModelSelection{} }

// Capability возвращает тип агента.
func (a *ModelSelection) Capability() domain.Capability { return domain.CapabilityModelSelection }

// Execute выбирает модель.
func (a *ModelSelection) Execute(ctx context.Context, in *Input) (Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	candidates := asList(in.Params["candidates"])
	if len(candidates) == 0 {
		return nil, Permanentf("%w: candidates are required", ErrInvalidParams)
	}

	var (
		best      map[string]any
		bestError decimal.Decimal
	)
	for i, c := range candidates {
		m, ok := c.(map[string]any)
		if !ok || ParamString(m, "name") == "" {
			return nil, Permanentf("%w: candidate %d has no name", ErrInvalidParams, i)
		}
		priorErr, err := ParamDecimal(m, "prior_error", decimal.NewFromInt(1))
		if err != nil {
			return nil, Permanent(err)
		}
		weight, err := ParamDecimal(m, "weight", defaultWeight)
		if err != nil {
			return nil, Permanent(err)
		}
		if weight.IsNegative() || weight.GreaterThan(decimal.NewFromInt(1)) {
			return nil, Permanentf("%w: candidate %s: weight must be in [0, 1]", ErrInvalidParams, ParamString(m, "name"))
		}

		if best == nil || priorErr.LessThan(bestError) {
			bestError = priorErr
			best = map[string]any{
				"name":   ParamString(m, "name"),
				"weight": weight.String(),
			}
		}
	}

	return Output{"model": best}, nil
}

// ModelTraining — оценка вероятности исхода YES.
//
// probability = mid + weight × momentum, ограничено [0.01, 0.99].
type ModelTraining struct{}

// NewModelTraining создаёт агента обучения.
func NewModelTraining() *ModelTraining { return &ModelTraining{} }

// Capability возвращает тип агента.
func (a *ModelTraining) Capability() domain.Capability { return domain.CapabilityModelTraining }

// Execute оценивает вероятность.
func (a *ModelTraining) Execute(ctx context.Context, in *Input) (Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	features := ParamMap(in.Upstream, "features")
	if features == nil {
		return nil, Permanentf("%w: features are required", ErrInvalidInput)
	}
	mid, err := ParamDecimal(features, "mid", decimal.Zero)
	if err != nil {
		return nil, Permanent(err)
	}
	momentum, err := ParamDecimal(features, "momentum", decimal.Zero)
	if err != nil {
		return nil, Permanent(err)
	}

	name := "baseline"
	weight := defaultWeight
	if model := ParamMap(in.Upstream, "model"); model != nil {
		if n := ParamString(model, "name"); n != "" {
			name = n
		}
		if weight, err = ParamDecimal(model, "weight", defaultWeight); err != nil {
			return nil, Permanent(err)
		}
	}
	if weight, err = ParamDecimal(in.Params, "weight", weight); err != nil {
		return nil, Permanent(err)
	}

	p := mid.Add(weight.Mul(momentum))
	p = decimal.Max(minProbability, decimal.Min(maxProbability, p)).Round(domain.MaxPricePlaces)

	return Output{
		"probability": p.String(),
		"model":       name,
	}, nil
}

// SignalGeneration — торговое решение.
//
// Сравнивает вероятность с последней ценой рынка. Если перевес по YES или
// по NO не меньше min_edge, выдаёт сигнал на покупку соответствующего
// исхода, иначе signal = null.
type SignalGeneration struct{}

// NewSignalGeneration создаёт агента сигналов.
func NewSignalGeneration() *SignalGeneration { return &SignalGeneration{} }

// Capability возвращает тип агента.
func (a *SignalGeneration) Capability() domain.Capability {
	return domain.CapabilitySignalGeneration
}

// Execute формирует сигнал.
func (a *SignalGeneration) Execute(ctx context.Context, in *Input) (Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	marketID := ParamString(in.Upstream, "market_id")
	if marketID == "" {
		return nil, Permanentf("%w: market_id is required", ErrInvalidInput)
	}
	features := ParamMap(in.Upstream, "features")
	if features == nil {
		return nil, Permanentf("%w: features are required", ErrInvalidInput)
	}
	price, err := ParamDecimal(features, "last", decimal.Zero)
	if err != nil {
		return nil, Permanent(err)
	}
	if !price.IsPositive() || !price.LessThan(decimal.NewFromInt(1)) {
		return nil, Permanentf("%w: market price %s out of range", ErrInvalidInput, price)
	}
	p, err := ParamDecimal(in.Upstream, "probability", decimal.Zero)
	if err != nil {
		return nil, Permanent(err)
	}

	minEdge, err := ParamDecimal(in.Params, "min_edge", defaultMinEdge)
	if err != nil {
		return nil, Permanent(err)
	}
	size := ParamInt(in.Params, "size", defaultOrderSize)
	if size <= 0 {
		return nil, Permanentf("%w: size must be positive", ErrInvalidParams)
	}

	one := decimal.NewFromInt(1)
	var (
		outcome    domain.Outcome
		limit      decimal.Decimal
		confidence decimal.Decimal
		edge       = p.Sub(price)
	)
	switch {
	case edge.GreaterThanOrEqual(minEdge):
		outcome, limit, confidence = domain.OutcomeYes, price, p
	case edge.Neg().GreaterThanOrEqual(minEdge):
		edge = edge.Neg()
		outcome, limit, confidence = domain.OutcomeNo, one.Sub(price), one.Sub(p)
	default:
		return Output{"signal": nil, "edge": edge.String()}, nil
	}

	return Output{
		"signal": map[string]any{
			"market_id":      marketID,
			"side":           string(domain.SideBuy),
			"outcome":        string(outcome),
			"size":           size,
			"price":          limit.Round(domain.MaxPricePlaces).String(),
			"confidence":     confidence.String(),
			"expected_value": edge.Mul(decimal.NewFromInt(size)).String(),
		},
		"edge": edge.String(),
	}, nil
}
