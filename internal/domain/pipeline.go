package domain

import "time"

// Capability — тип агента, исполняющего стадию.
//
// Набор закрыт: неизвестная capability отклоняется при валидации pipeline.
type Capability string

const (
	CapabilityDataCleaning       Capability = "data_cleaning"
	CapabilityFeatureEngineering Capability = "feature_engineering"
	CapabilityModelSelection     Capability = "model_selection"
	CapabilityModelTraining      Capability = "model_training"
	CapabilitySignalGeneration   Capability = "signal_generation"
	CapabilityRemote             Capability = "remote"
)

// Capabilities возвращает все известные capability в порядке объявления.
func Capabilities() []Capability {
	return []Capability{
		CapabilityDataCleaning,
		CapabilityFeatureEngineering,
		CapabilityModelSelection,
		CapabilityModelTraining,
		CapabilitySignalGeneration,
		CapabilityRemote,
	}
}

// MergeRule — правило объединения выходов нескольких upstream-стадий.
type MergeRule string

const (
	// MergeUnion — ключи всех upstream объединяются в одну map.
	// Пересечение объявленных outputs считается конфликтом.
	MergeUnion MergeRule = "union"

	// MergeNamespaced — выход каждого upstream кладётся под его ID.
	MergeNamespaced MergeRule = "namespaced"
)

// PipelineSpec — описание pipeline: стадии и зависимости между ними.
//
// Снимок PipelineSpec сохраняется в run при создании, поэтому
// изменение каталога не влияет на уже запущенные runs.
type PipelineSpec struct {
	// Name — имя pipeline в каталоге.
	Name string `json:"name" yaml:"name"`

	// Description — описание назначения pipeline.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Merge — правило объединения выходов upstream. По умолчанию union.
	Merge MergeRule `json:"merge,omitempty" yaml:"merge,omitempty"`

	// Concurrency — максимум одновременно выполняемых стадий в run.
	// 0 — значение из конфигурации сервиса.
	Concurrency int `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`

	// Defaults — настройки по умолчанию для всех стадий.
	Defaults *StageDefaults `json:"defaults,omitempty" yaml:"defaults,omitempty"`

	// Stages — стадии в порядке объявления.
	// Порядок используется как tie-break при диспатче готовых стадий.
	Stages []StageDef `json:"stages" yaml:"stages"`
}

// StageDefaults — настройки по умолчанию для стадий.
type StageDefaults struct {
	Retry      *RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`
	TimeoutSec int          `json:"timeout_sec,omitempty" yaml:"timeout_sec,omitempty"`
}

// StageDef — определение стадии.
type StageDef struct {
	// ID — уникальный идентификатор стадии в рамках pipeline.
	ID string `json:"id" yaml:"id"`

	// Name — человекочитаемое имя.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Capability — какой агент исполняет стадию.
	Capability Capability `json:"capability" yaml:"capability"`

	// DependsOn — стадии, которые должны успешно завершиться до старта этой.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`

	// Outputs — ключи, которые стадия обязуется вернуть.
	// Используются для проверки конфликтов при merge union.
	Outputs []string `json:"outputs,omitempty" yaml:"outputs,omitempty"`

	// Params — параметры агента. Строковые значения могут быть
	// шаблонами над inputs run: "{{ .inputs.market_id }}".
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`

	// Retry — политика повторов, переопределяет defaults.retry.
	Retry *RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`

	// TimeoutSec — таймаут одной попытки, переопределяет defaults.timeout_sec.
	TimeoutSec int `json:"timeout_sec,omitempty" yaml:"timeout_sec,omitempty"`
}

// DisplayName возвращает Name или ID, если имя не задано.
func (s *StageDef) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// RetryPolicy — политика повторных попыток.
type RetryPolicy struct {
	// MaxAttempts — максимальное количество попыток (включая первую).
	MaxAttempts int `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`

	// Backoff — стратегия задержки: "fixed", "exponential".
	Backoff string `json:"backoff,omitempty" yaml:"backoff,omitempty"`

	// InitialDelayMs — базовая задержка в миллисекундах.
	InitialDelayMs int `json:"initial_delay_ms,omitempty" yaml:"initial_delay_ms,omitempty"`

	// MaxDelayMs — потолок задержки в миллисекундах.
	MaxDelayMs int `json:"max_delay_ms,omitempty" yaml:"max_delay_ms,omitempty"`

	// Jitter — доля случайной добавки к задержке, 0..1.
	Jitter float64 `json:"jitter,omitempty" yaml:"jitter,omitempty"`
}

// Значения политики повторов по умолчанию.
const (
	DefaultMaxAttempts    = 3
	DefaultInitialDelayMs = 1000
	DefaultMaxDelayMs     = 30000
	DefaultStageTimeout   = 5 * time.Minute
)

// EffectiveRetry возвращает политику повторов стадии с учётом defaults.
func (p *PipelineSpec) EffectiveRetry(stage *StageDef) RetryPolicy {
	policy := RetryPolicy{
		MaxAttempts:    DefaultMaxAttempts,
		Backoff:        "exponential",
		InitialDelayMs: DefaultInitialDelayMs,
		MaxDelayMs:     DefaultMaxDelayMs,
	}
	if p.Defaults != nil && p.Defaults.Retry != nil {
		policy = mergeRetry(policy, *p.Defaults.Retry)
	}
	if stage.Retry != nil {
		policy = mergeRetry(policy, *stage.Retry)
	}
	return policy
}

func mergeRetry(base, override RetryPolicy) RetryPolicy {
	if override.MaxAttempts > 0 {
		base.MaxAttempts = override.MaxAttempts
	}
	if override.Backoff != "" {
		base.Backoff = override.Backoff
	}
	if override.InitialDelayMs > 0 {
		base.InitialDelayMs = override.InitialDelayMs
	}
	if override.MaxDelayMs > 0 {
		base.MaxDelayMs = override.MaxDelayMs
	}
	if override.Jitter > 0 {
		base.Jitter = override.Jitter
	}
	return base
}

// EffectiveTimeout возвращает таймаут одной попытки стадии.
func (p *PipelineSpec) EffectiveTimeout(stage *StageDef) time.Duration {
	if stage.TimeoutSec > 0 {
		return time.Duration(stage.TimeoutSec) * time.Second
	}
	if p.Defaults != nil && p.Defaults.TimeoutSec > 0 {
		return time.Duration(p.Defaults.TimeoutSec) * time.Second
	}
	return DefaultStageTimeout
}

// EffectiveMerge возвращает правило merge, union по умолчанию.
func (p *PipelineSpec) EffectiveMerge() MergeRule {
	if p.Merge == "" {
		return MergeUnion
	}
	return p.Merge
}

// Stage возвращает стадию по ID и её индекс объявления.
func (p *PipelineSpec) Stage(id string) (*StageDef, int) {
	for i := range p.Stages {
		if p.Stages[i].ID == id {
			return &p.Stages[i], i
		}
	}
	return nil, -1
}
