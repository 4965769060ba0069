package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side — направление сделки.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Outcome — исход бинарного контракта.
type Outcome string

const (
	OutcomeYes Outcome = "yes"
	OutcomeNo  Outcome = "no"
)

// MaxPricePlaces — максимальная точность цены контракта (в долларах).
const MaxPricePlaces = 4

// Ошибки сигнала.
var (
	// ErrNoSignal — терминальная стадия не вернула ключ signal.
	ErrNoSignal = errors.New("terminal output has no signal")

	// ErrInvalidSignal — сигнал не прошёл валидацию.
	ErrInvalidSignal = errors.New("invalid signal")
)

// Signal — торговое решение терминальной стадии.
//
// Размер в целых контрактах, цена и уверенность — decimal,
// float не используется нигде на пути от сигнала к ордеру.
type Signal struct {
	MarketID      string              `json:"market_id"`
	Side          Side                `json:"side"`
	Outcome       Outcome             `json:"outcome,omitempty"`
	Size          int64               `json:"size"`
	Price         decimal.Decimal     `json:"price"`
	Confidence    decimal.Decimal     `json:"confidence"`
	ExpectedValue decimal.NullDecimal `json:"expected_value"`
	RunID         uuid.UUID           `json:"run_id"`
	CreatedAt     time.Time           `json:"created_at"`
}

// Validate проверяет сигнал и подставляет исход по умолчанию.
func (s *Signal) Validate() error {
	if s.MarketID == "" {
		return fmt.Errorf("%w: market_id is empty", ErrInvalidSignal)
	}
	if s.Side != SideBuy && s.Side != SideSell {
		return fmt.Errorf("%w: side %q", ErrInvalidSignal, s.Side)
	}
	if s.Outcome == "" {
		s.Outcome = OutcomeYes
	}
	if s.Outcome != OutcomeYes && s.Outcome != OutcomeNo {
		return fmt.Errorf("%w: outcome %q", ErrInvalidSignal, s.Outcome)
	}
	if s.Size <= 0 {
		return fmt.Errorf("%w: size must be positive, got %d", ErrInvalidSignal, s.Size)
	}
	if !s.Price.IsPositive() || s.Price.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: price %s out of (0, 1)", ErrInvalidSignal, s.Price)
	}
	if !s.Price.Equal(s.Price.Truncate(MaxPricePlaces)) {
		return fmt.Errorf("%w: price %s has more than %d places", ErrInvalidSignal, s.Price, MaxPricePlaces)
	}
	if s.Confidence.IsNegative() || s.Confidence.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: confidence %s out of [0, 1]", ErrInvalidSignal, s.Confidence)
	}
	return nil
}

// Notional возвращает стоимость сигнала в долларах: size × price.
func (s *Signal) Notional() decimal.Decimal {
	return s.Price.Mul(decimal.NewFromInt(s.Size))
}

// Delta возвращает изменение позиции в YES-эквиваленте.
// Покупка YES и продажа NO увеличивают позицию, обратные сделки уменьшают.
func (s *Signal) Delta() int64 {
	return SignedQty(s.Side, s.Outcome, s.Size)
}

// SignedQty переводит количество контрактов в YES-эквивалент со знаком.
func SignedQty(side Side, outcome Outcome, qty int64) int64 {
	sign := int64(1)
	if side == SideSell {
		sign = -sign
	}
	if outcome == OutcomeNo {
		sign = -sign
	}
	return sign * qty
}

// ParseSignal извлекает сигнал из выхода терминальной стадии.
//
// Выход обязан содержать ключ "signal". Значение null означает
// решение не торговать: возвращается nil без ошибки.
func ParseSignal(output map[string]any, runID uuid.UUID) (*Signal, error) {
	raw, ok := output["signal"]
	if !ok {
		return nil, ErrNoSignal
	}
	if raw == nil {
		return nil, nil
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignal, err)
	}

	var sig Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignal, err)
	}
	if err := sig.Validate(); err != nil {
		return nil, err
	}

	sig.RunID = runID
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now()
	}
	return &sig, nil
}
